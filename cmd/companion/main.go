// companion is the background half of the Optimizely browser extension: it
// listens on a loopback websocket for intents from the injected UI and
// performs the corresponding change-set and revert operations against the
// Optimizely REST API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/optibridge/go-companion/pkg/archive"
	"github.com/optibridge/go-companion/pkg/bridge"
	"github.com/optibridge/go-companion/pkg/config"
	"github.com/optibridge/go-companion/pkg/ops"
	"github.com/optibridge/go-companion/pkg/revert"
	"github.com/optibridge/go-companion/pkg/store"
	"github.com/optibridge/go-companion/pkg/transport"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	listenAddr := flag.String("listen", "", "Override the listen address")
	printToken := flag.Bool("print-pairing-token", false, "Print a pairing token for the extension and exit")
	flag.Parse()

	var opts []config.Option
	if *listenAddr != "" {
		opts = append(opts, config.WithListenAddr(*listenAddr))
	}
	cfg, err := config.LoadConfig(*configPath, opts...)
	if err != nil {
		fmt.Fprintln(os.Stderr, "loading config:", err)
		os.Exit(1)
	}

	level := new(slog.LevelVar)
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level.Set(slog.LevelInfo)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	pairing := bridge.NewPairing(cfg.PairingSecret)
	if *printToken {
		if pairing == nil {
			logger.Error("pairing_secret is not configured")
			os.Exit(1)
		}
		token, err := pairing.IssueToken("extension")
		if err != nil {
			logger.Error("issuing pairing token failed", "error", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	if err := run(cfg, pairing, level, logger); err != nil {
		logger.Error("companion exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, pairing *bridge.Pairing, level *slog.LevelVar, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tokens, err := store.NewFileTokenStore(cfg.DataDir)
	if err != nil {
		return err
	}
	features, err := store.NewFileFeatureStore(cfg.DataDir)
	if err != nil {
		return err
	}

	// The persisted logLevel flag wins over the static config so the
	// options UI can turn debug logging on without a restart of the UI.
	if f, err := features.Get(ctx); err == nil && f.LogLevel != "" {
		if err := level.UnmarshalText([]byte(f.LogLevel)); err != nil {
			logger.Warn("ignoring invalid logLevel feature flag", "value", f.LogLevel)
		}
	}

	arch, err := buildArchive(ctx, cfg)
	if err != nil {
		return err
	}

	api := transport.NewHTTPTransport(cfg.HTTPClient, cfg.APIBaseURL, cfg.HistoryPageSize)
	auth := ops.NewAuthenticator(tokens, features, logger)
	operator := ops.NewOperator(api, auth, arch, logger)
	engine := revert.NewEngine(api, auth, logger)
	router := bridge.NewRouter(operator, engine, tokens, features, logger)
	ws := bridge.NewServer(router, pairing, logger)

	mux := http.NewServeMux()
	mux.Handle("/ws", ws.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("companion listening", "addr", cfg.ListenAddr, "api", cfg.APIBaseURL)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func buildArchive(ctx context.Context, cfg *config.Config) (archive.Archive, error) {
	switch cfg.ArchiveBackend {
	case config.ArchiveBackendFile:
		dir := cfg.ArchiveDir
		if dir == "" {
			dir = filepath.Join(cfg.DataDir, "archive")
		}
		return archive.NewFileArchive(dir)
	case config.ArchiveBackendS3:
		return archive.NewS3Archive(ctx, cfg)
	case config.ArchiveBackendNone, "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.ArchiveBackend)
	}
}
