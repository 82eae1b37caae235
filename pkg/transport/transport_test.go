package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/optibridge/go-companion/pkg/model"
)

func TestFetchExperiment(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		if r.URL.Path != "/v2/experiments/555" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("expected Authorization Bearer secret, got %q", got)
		}
		if got := r.Header.Get("Accept"); got != "application/json" {
			t.Errorf("expected Accept application/json, got %q", got)
		}
		json.NewEncoder(w).Encode(model.ExperimentConfig{ID: 555, Status: model.StatusRunning})
	}))
	defer server.Close()

	tr := NewHTTPTransport(server.Client(), server.URL, 0)
	cfg, err := tr.FetchExperiment(context.Background(), 555, "secret")
	if err != nil {
		t.Fatalf("FetchExperiment failed: %v", err)
	}
	if cfg.ID != 555 || cfg.Status != model.StatusRunning {
		t.Errorf("unexpected config %+v", cfg)
	}
}

func TestFetchExperimentKeepsScrapedBearerPrefix(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer scraped-token" {
			t.Errorf("scraped token double-prefixed: %q", got)
		}
		json.NewEncoder(w).Encode(model.ExperimentConfig{ID: 1})
	}))
	defer server.Close()

	tr := NewHTTPTransport(server.Client(), server.URL, 0)
	if _, err := tr.FetchExperiment(context.Background(), 1, "Bearer scraped-token"); err != nil {
		t.Fatalf("FetchExperiment failed: %v", err)
	}
}

func TestFetchExperimentNon200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer server.Close()

	tr := NewHTTPTransport(server.Client(), server.URL, 0)
	_, err := tr.FetchExperiment(context.Background(), 1, "bad")
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected FetchError, got %v", err)
	}
	if fetchErr.Status != http.StatusForbidden {
		t.Errorf("unexpected status %d", fetchErr.Status)
	}
}

func TestFetchHistoryPaginates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("all_entities") != "false" || q.Get("entity") != "experiment:555" || q.Get("project_id") != "9" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		switch q.Get("page") {
		case "1":
			json.NewEncoder(w).Encode([]model.HistoryChange{{ID: 3}, {ID: 2}})
		case "2":
			json.NewEncoder(w).Encode([]model.HistoryChange{{ID: 1}})
		default:
			json.NewEncoder(w).Encode([]model.HistoryChange{})
		}
	}))
	defer server.Close()

	tr := NewHTTPTransport(server.Client(), server.URL, 2)
	history, err := tr.FetchHistory(context.Background(), 555, 9, "secret")
	if err != nil {
		t.Fatalf("FetchHistory failed: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(history))
	}
	if history[0].ID != 3 || history[2].ID != 1 {
		t.Errorf("entries out of order: %+v", history)
	}
}

func TestFetchHistoryEmptyIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]model.HistoryChange{})
	}))
	defer server.Close()

	tr := NewHTTPTransport(server.Client(), server.URL, 0)
	_, err := tr.FetchHistory(context.Background(), 555, 9, "secret")
	var histErr *HistoryError
	if !errors.As(err, &histErr) {
		t.Fatalf("expected HistoryError, got %v", err)
	}
}

func TestFetchHistoryFirstPageFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer server.Close()

	tr := NewHTTPTransport(server.Client(), server.URL, 0)
	_, err := tr.FetchHistory(context.Background(), 555, 9, "secret")
	var histErr *HistoryError
	if !errors.As(err, &histErr) {
		t.Fatalf("expected HistoryError, got %v", err)
	}
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Error("HistoryError should wrap the underlying FetchError")
	}
}

func TestPatchExperiment(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("expected PATCH, got %s", r.Method)
		}
		if got := r.URL.Query().Get("action"); got != model.ActionResume {
			t.Errorf("expected action=resume, got %q", got)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		if _, ok := body["variations"]; !ok {
			t.Error("body missing variations")
		}
		json.NewEncoder(w).Encode(model.ExperimentConfig{ID: 555})
	}))
	defer server.Close()

	tr := NewHTTPTransport(server.Client(), server.URL, 0)
	body := map[string]any{"variations": []model.Variation{}}
	if _, err := tr.PatchExperiment(context.Background(), 555, model.ActionResume, body, "secret"); err != nil {
		t.Fatalf("PatchExperiment failed: %v", err)
	}
}

func TestPatchExperimentNon200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer server.Close()

	tr := NewHTTPTransport(server.Client(), server.URL, 0)
	_, err := tr.PatchExperiment(context.Background(), 555, model.ActionPause, map[string]any{}, "secret")
	var postErr *PostError
	if !errors.As(err, &postErr) {
		t.Fatalf("expected PostError, got %v", err)
	}
}

func TestCreateExperimentPublishes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if got := r.URL.Query().Get("action"); got != model.ActionPublish {
			t.Errorf("expected action=publish, got %q", got)
		}
		json.NewEncoder(w).Encode(model.ExperimentConfig{ID: 556})
	}))
	defer server.Close()

	tr := NewHTTPTransport(server.Client(), server.URL, 0)
	cfg, err := tr.CreateExperiment(context.Background(), map[string]any{"name": "x"}, "secret")
	if err != nil {
		t.Fatalf("CreateExperiment failed: %v", err)
	}
	if cfg.ID != 556 {
		t.Errorf("unexpected config %+v", cfg)
	}
}

func TestFetchExperimentRaw(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":555,"status":"running","custom_field":{"nested":true}}`)
	}))
	defer server.Close()

	tr := NewHTTPTransport(server.Client(), server.URL, 0)
	raw, err := tr.FetchExperimentRaw(context.Background(), 555, "secret")
	if err != nil {
		t.Fatalf("FetchExperimentRaw failed: %v", err)
	}
	if _, ok := raw["custom_field"]; !ok {
		t.Error("unmodeled fields should survive the raw fetch")
	}
}
