package config

import (
	"net/http"
	"strings"

	"github.com/spf13/viper"
)

// ArchiveBackend selects where exported change sets are archived.
type ArchiveBackend string

const (
	ArchiveBackendNone ArchiveBackend = "none"
	ArchiveBackendFile ArchiveBackend = "file"
	ArchiveBackendS3   ArchiveBackend = "s3"
)

// Config holds the companion daemon configuration.
type Config struct {
	// ListenAddr is the local address the UI bridge listens on.
	ListenAddr string `mapstructure:"listen_addr"`
	// APIBaseURL is the Optimizely REST API root.
	APIBaseURL string `mapstructure:"api_base_url"`
	// DataDir holds the stored token, the feature flags, and file archives.
	DataDir string `mapstructure:"data_dir"`
	// PairingSecret, when set, requires UI connections to present an HS256
	// JWT signed with it. Empty disables bridge authentication.
	PairingSecret string `mapstructure:"pairing_secret"`
	// HistoryPageSize is the audit-log page size.
	HistoryPageSize int `mapstructure:"history_page_size"`
	// LogLevel is the initial log level; the logLevel feature flag can
	// change it at runtime.
	LogLevel string `mapstructure:"log_level"`

	HTTPClient *http.Client `mapstructure:"-"` // cannot be configured via yaml/env

	// Archive configuration.
	ArchiveBackend   ArchiveBackend `mapstructure:"archive_backend"`
	ArchiveDir       string         `mapstructure:"archive_dir"`
	ArchiveBucket    string         `mapstructure:"archive_bucket"`
	ArchivePrefix    string         `mapstructure:"archive_prefix"`
	ArchiveRegion    string         `mapstructure:"archive_region"`
	ArchiveEndpoint  string         `mapstructure:"archive_endpoint"`
	ArchivePathStyle bool           `mapstructure:"archive_path_style"`
}

// DefaultConfig returns the configuration used when no file or environment
// overrides are present.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:      "127.0.0.1:8777",
		APIBaseURL:      "https://api.optimizely.com",
		DataDir:         ".optibridge",
		HistoryPageSize: 50,
		LogLevel:        "info",
		HTTPClient:      http.DefaultClient,
		ArchiveBackend:  ArchiveBackendFile,
	}
}

// LoadConfig loads configuration from a YAML file and environment
// variables. Options apply last and win over both.
func LoadConfig(path string, opts ...Option) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("optibridge")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment variable overrides
	v.SetEnvPrefix("OPTIBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("listen_addr", "127.0.0.1:8777")
	v.SetDefault("api_base_url", "https://api.optimizely.com")
	v.SetDefault("data_dir", ".optibridge")
	v.SetDefault("history_page_size", 50)
	v.SetDefault("log_level", "info")
	v.SetDefault("archive_backend", string(ArchiveBackendFile))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		// Config file not found is fine, we just rely on defaults/env vars
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Manual handling for HTTPClient as it's not serializable
	config.HTTPClient = http.DefaultClient

	for _, opt := range opts {
		opt(&config)
	}

	return &config, nil
}

// Option is a functional option for configuring the companion.
type Option func(*Config)

// WithListenAddr sets the bridge listen address.
func WithListenAddr(addr string) Option {
	return func(c *Config) {
		c.ListenAddr = addr
	}
}

// WithAPIBaseURL sets the vendor API root.
func WithAPIBaseURL(url string) Option {
	return func(c *Config) {
		c.APIBaseURL = url
	}
}

// WithDataDir sets the persistence directory.
func WithDataDir(dir string) Option {
	return func(c *Config) {
		c.DataDir = dir
	}
}

// WithPairingSecret sets the bridge authentication secret.
func WithPairingSecret(secret string) Option {
	return func(c *Config) {
		c.PairingSecret = secret
	}
}

// WithHTTPClient sets the HTTP client used against the vendor API.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Config) {
		c.HTTPClient = client
	}
}

// WithHistoryPageSize sets the audit-log page size.
func WithHistoryPageSize(n int) Option {
	return func(c *Config) {
		c.HistoryPageSize = n
	}
}

// WithArchiveBackend selects the change-set archive backend.
func WithArchiveBackend(b ArchiveBackend) Option {
	return func(c *Config) {
		c.ArchiveBackend = b
	}
}
