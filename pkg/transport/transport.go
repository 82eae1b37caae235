package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/optibridge/go-companion/pkg/model"
)

// DefaultHistoryPageSize is the page size used when paginating the audit log.
const DefaultHistoryPageSize = 50

// Transport defines the calls the companion makes against the Optimizely v2
// API. Every operation is a fresh read-modify-write: nothing is cached
// between calls, so the window for racing the live web app stays as short as
// the network allows.
type Transport interface {
	FetchExperiment(ctx context.Context, experimentID int64, token string) (*model.ExperimentConfig, error)
	FetchExperimentRaw(ctx context.Context, experimentID int64, token string) (map[string]json.RawMessage, error)
	FetchPage(ctx context.Context, pageID int64, token string) (*model.PageConfig, error)
	FetchHistory(ctx context.Context, experimentID, projectID int64, token string) ([]model.HistoryChange, error)
	PatchExperiment(ctx context.Context, experimentID int64, action string, body any, token string) (*model.ExperimentConfig, error)
	CreateExperiment(ctx context.Context, body any, token string) (*model.ExperimentConfig, error)
}

// HTTPTransport is the HTTP implementation of Transport.
type HTTPTransport struct {
	client          *http.Client
	baseURL         string
	historyPageSize int
}

// NewHTTPTransport creates an HTTPTransport. A nil client falls back to
// http.DefaultClient; pageSize <= 0 falls back to DefaultHistoryPageSize.
func NewHTTPTransport(client *http.Client, baseURL string, pageSize int) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	if pageSize <= 0 {
		pageSize = DefaultHistoryPageSize
	}
	return &HTTPTransport{
		client:          client,
		baseURL:         strings.TrimRight(baseURL, "/"),
		historyPageSize: pageSize,
	}
}

func (t *HTTPTransport) FetchExperiment(ctx context.Context, experimentID int64, token string) (*model.ExperimentConfig, error) {
	endpoint := fmt.Sprintf("%s/v2/experiments/%d", t.baseURL, experimentID)
	var cfg model.ExperimentConfig
	if err := t.do(ctx, http.MethodGet, endpoint, nil, token, &cfg, fmt.Sprintf("experiment %d", experimentID), false); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FetchExperimentRaw fetches the experiment as an untyped property map. The
// revert engine seeds its accumulator from this form so scalar metadata the
// companion never models still round-trips into the final write.
func (t *HTTPTransport) FetchExperimentRaw(ctx context.Context, experimentID int64, token string) (map[string]json.RawMessage, error) {
	endpoint := fmt.Sprintf("%s/v2/experiments/%d", t.baseURL, experimentID)
	props := make(map[string]json.RawMessage)
	if err := t.do(ctx, http.MethodGet, endpoint, nil, token, &props, fmt.Sprintf("experiment %d", experimentID), false); err != nil {
		return nil, err
	}
	return props, nil
}

func (t *HTTPTransport) FetchPage(ctx context.Context, pageID int64, token string) (*model.PageConfig, error) {
	endpoint := fmt.Sprintf("%s/v2/pages/%d", t.baseURL, pageID)
	var page model.PageConfig
	if err := t.do(ctx, http.MethodGet, endpoint, nil, token, &page, fmt.Sprintf("page %d", pageID), false); err != nil {
		return nil, err
	}
	return &page, nil
}

// FetchHistory aggregates the paginated audit log for one experiment.
// Pagination stops at the first non-200 page or an empty page; a failing
// first page or an empty aggregate is a HistoryError.
func (t *HTTPTransport) FetchHistory(ctx context.Context, experimentID, projectID int64, token string) ([]model.HistoryChange, error) {
	var all []model.HistoryChange
	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("all_entities", "false")
		q.Set("per_page", strconv.Itoa(t.historyPageSize))
		q.Set("project_id", strconv.FormatInt(projectID, 10))
		q.Set("entity", fmt.Sprintf("experiment:%d", experimentID))
		q.Set("page", strconv.Itoa(page))
		endpoint := fmt.Sprintf("%s/v2/changes?%s", t.baseURL, q.Encode())

		var entries []model.HistoryChange
		err := t.do(ctx, http.MethodGet, endpoint, nil, token, &entries, "history", false)
		if err != nil {
			if page == 1 {
				return nil, &HistoryError{ExperimentID: experimentID, Reason: "first page failed", Err: err}
			}
			break
		}
		if len(entries) == 0 {
			break
		}
		all = append(all, entries...)
	}
	if len(all) == 0 {
		return nil, &HistoryError{ExperimentID: experimentID, Reason: "no changes found for experiment"}
	}
	return all, nil
}

// PatchExperiment writes a partial config. The action must reflect the
// experiment's current run state so the write does not start or stop it.
func (t *HTTPTransport) PatchExperiment(ctx context.Context, experimentID int64, action string, body any, token string) (*model.ExperimentConfig, error) {
	endpoint := fmt.Sprintf("%s/v2/experiments/%d?action=%s", t.baseURL, experimentID, url.QueryEscape(action))
	var cfg model.ExperimentConfig
	if err := t.do(ctx, http.MethodPatch, endpoint, body, token, &cfg, fmt.Sprintf("experiment %d", experimentID), true); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// CreateExperiment creates a new experiment, published immediately. Used
// only by revert-to-new-experiment.
func (t *HTTPTransport) CreateExperiment(ctx context.Context, body any, token string) (*model.ExperimentConfig, error) {
	endpoint := fmt.Sprintf("%s/v2/experiments?action=%s", t.baseURL, model.ActionPublish)
	var cfg model.ExperimentConfig
	if err := t.do(ctx, http.MethodPost, endpoint, body, token, &cfg, "new experiment", true); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (t *HTTPTransport) do(ctx context.Context, method, endpoint string, reqBody any, token string, respBody any, resource string, write bool) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}

	var bodyReader io.Reader
	if reqBody != nil {
		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", bearer(token))

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		if write {
			return &PostError{Resource: resource, Status: resp.StatusCode, Body: string(bodyBytes)}
		}
		return &FetchError{Resource: resource, Status: resp.StatusCode, Body: string(bodyBytes)}
	}

	if respBody != nil {
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// bearer normalizes a credential into an Authorization header value. Tokens
// scraped from the host page's own requests already carry the scheme; tokens
// typed into the options page are bare.
func bearer(token string) string {
	if strings.HasPrefix(token, "Bearer ") || strings.HasPrefix(token, "bearer ") {
		return token
	}
	return "Bearer " + token
}
