package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/optibridge/go-companion/pkg/model"
	"github.com/optibridge/go-companion/pkg/ops"
	"github.com/optibridge/go-companion/pkg/revert"
	"github.com/optibridge/go-companion/pkg/store"
)

// stubTransport satisfies the transport interface for routes that never
// reach the vendor API.
type stubTransport struct{}

func (stubTransport) FetchExperiment(context.Context, int64, string) (*model.ExperimentConfig, error) {
	return nil, errors.New("unreachable")
}

func (stubTransport) FetchExperimentRaw(context.Context, int64, string) (map[string]json.RawMessage, error) {
	return nil, errors.New("unreachable")
}

func (stubTransport) FetchPage(context.Context, int64, string) (*model.PageConfig, error) {
	return nil, errors.New("unreachable")
}

func (stubTransport) FetchHistory(context.Context, int64, int64, string) ([]model.HistoryChange, error) {
	return nil, errors.New("unreachable")
}

func (stubTransport) PatchExperiment(context.Context, int64, string, any, string) (*model.ExperimentConfig, error) {
	return nil, errors.New("unreachable")
}

func (stubTransport) CreateExperiment(context.Context, any, string) (*model.ExperimentConfig, error) {
	return nil, errors.New("unreachable")
}

func newTestBridge(t *testing.T, pairing *Pairing) (*httptest.Server, store.TokenStore) {
	t.Helper()
	tokens := store.NewMemoryTokenStore()
	features := store.NewMemoryFeatureStore()
	auth := ops.NewAuthenticator(tokens, features, nil)
	operator := ops.NewOperator(stubTransport{}, auth, nil, nil)
	engine := revert.NewEngine(stubTransport{}, auth, nil)
	router := NewRouter(operator, engine, tokens, features, nil)
	ws := NewServer(router, pairing, nil)

	mux := http.NewServeMux()
	mux.Handle("/ws", ws.Handler())
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, tokens
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, intent map[string]any) responseFrame {
	t.Helper()
	if err := conn.WriteJSON(intent); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp responseFrame
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return resp
}

func TestBridgeAuthorizationIntent(t *testing.T) {
	srv, tokens := newTestBridge(t, nil)
	conn := dial(t, srv, "")

	resp := roundTrip(t, conn, map[string]any{
		"id":    "1",
		"type":  "authorization-scraped",
		"token": "Bearer sniffed",
	})
	if !resp.Success || resp.ID != "1" {
		t.Fatalf("unexpected response %+v", resp)
	}

	creds, err := tokens.Resolve(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if creds.Scraped != "Bearer sniffed" {
		t.Errorf("scraped token not stored: %+v", creds)
	}
}

func TestBridgeUnrecognizedType(t *testing.T) {
	srv, _ := newTestBridge(t, nil)
	conn := dial(t, srv, "")

	resp := roundTrip(t, conn, map[string]any{"id": "2", "type": "frobnicate"})
	if resp.Success {
		t.Fatal("unknown intent must not succeed")
	}
	msg, ok := resp.Message.(string)
	if !ok || !strings.Contains(msg, "unrecognized message type") {
		t.Errorf("expected an explicit unrecognized-type message, got %v", resp.Message)
	}
}

func TestBridgeFetchFeatures(t *testing.T) {
	srv, _ := newTestBridge(t, nil)
	conn := dial(t, srv, "")

	resp := roundTrip(t, conn, map[string]any{"id": "3", "type": "fetchFeatures"})
	if !resp.Success {
		t.Fatalf("fetchFeatures failed: %v", resp.Message)
	}
	object, err := json.Marshal(resp.Object)
	if err != nil {
		t.Fatal(err)
	}
	var f store.Features
	if err := json.Unmarshal(object, &f); err != nil {
		t.Fatalf("object is not a feature record: %v", err)
	}
}

// ctxRecordingFeatureStore records the context error its Get saw so a test
// can tell which context a handler actually ran under.
type ctxRecordingFeatureStore struct {
	store.FeatureStore
	gotErr error
}

func (s *ctxRecordingFeatureStore) Get(ctx context.Context) (store.Features, error) {
	s.gotErr = ctx.Err()
	return s.FeatureStore.Get(ctx)
}

func TestDispatchOutlivesConnectionContext(t *testing.T) {
	tokens := store.NewMemoryTokenStore()
	features := &ctxRecordingFeatureStore{FeatureStore: store.NewMemoryFeatureStore()}
	auth := ops.NewAuthenticator(tokens, features, nil)
	operator := ops.NewOperator(stubTransport{}, auth, nil, nil)
	engine := revert.NewEngine(stubTransport{}, auth, nil)
	router := NewRouter(operator, engine, tokens, features, nil)
	ws := NewServer(router, nil, nil)

	// The connection context is already cancelled, as after a disconnect
	// with the handler still in flight.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sess := &wsSession{server: ws, send: make(chan []byte, 4), ctx: ctx, cancel: cancel, id: "conn-test"}

	sess.dispatch(&Intent{ID: "9", Type: "fetchFeatures"})

	if features.gotErr != nil {
		t.Fatalf("handler must not inherit the connection cancellation, got %v", features.gotErr)
	}
}

func TestBridgePairingRequired(t *testing.T) {
	pairing := NewPairing("shared-secret")
	srv, _ := newTestBridge(t, pairing)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	if _, _, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		t.Fatal("connection without a pairing token must be refused")
	}

	token, err := pairing.IssueToken("extension")
	if err != nil {
		t.Fatal(err)
	}
	conn := dial(t, srv, "?token="+token)
	resp := roundTrip(t, conn, map[string]any{"id": "4", "type": "fetchFeatures"})
	if !resp.Success {
		t.Errorf("paired connection rejected: %v", resp.Message)
	}
}
