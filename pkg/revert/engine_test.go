package revert

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/optibridge/go-companion/pkg/model"
	"github.com/optibridge/go-companion/pkg/ops"
	"github.com/optibridge/go-companion/pkg/store"
)

type patchCall struct {
	ExperimentID int64
	Action       string
	Body         map[string]json.RawMessage
}

type fakeTransport struct {
	raw      map[string]json.RawMessage
	history  []model.HistoryChange
	patchErr error

	patches []patchCall
	created []map[string]json.RawMessage
}

func (f *fakeTransport) FetchExperiment(context.Context, int64, string) (*model.ExperimentConfig, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeTransport) FetchExperimentRaw(context.Context, int64, string) (map[string]json.RawMessage, error) {
	return f.raw, nil
}

func (f *fakeTransport) FetchPage(context.Context, int64, string) (*model.PageConfig, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeTransport) FetchHistory(context.Context, int64, int64, string) ([]model.HistoryChange, error) {
	return f.history, nil
}

func (f *fakeTransport) PatchExperiment(_ context.Context, experimentID int64, action string, body any, _ string) (*model.ExperimentConfig, error) {
	if f.patchErr != nil {
		return nil, f.patchErr
	}
	f.patches = append(f.patches, patchCall{
		ExperimentID: experimentID,
		Action:       action,
		Body:         body.(map[string]json.RawMessage),
	})
	return &model.ExperimentConfig{ID: experimentID}, nil
}

func (f *fakeTransport) CreateExperiment(_ context.Context, body any, _ string) (*model.ExperimentConfig, error) {
	f.created = append(f.created, body.(map[string]json.RawMessage))
	return &model.ExperimentConfig{ID: 556}, nil
}

func newTestEngine(t *testing.T, fake *fakeTransport) *Engine {
	t.Helper()
	tokens := store.NewMemoryTokenStore()
	if err := tokens.SetStored(context.Background(), "pat"); err != nil {
		t.Fatal(err)
	}
	features := store.NewMemoryFeatureStore()
	return NewEngine(fake, ops.NewAuthenticator(tokens, features, nil), nil)
}

func collectEvents() (Emitter, *[]model.Event) {
	var events []model.Event
	return func(ev model.Event) { events = append(events, ev) }, &events
}

func eventOfType(events []model.Event, typ string) *model.Event {
	for i := range events {
		if events[i].Type == typ {
			return &events[i]
		}
	}
	return nil
}

func historyFixture(t *testing.T) []model.HistoryChange {
	return []model.HistoryChange{
		{
			ID:         30,
			ChangeType: model.HistoryChangeTypeUpdate,
			Changes: []model.PropertyDiff{
				{Property: "name", Before: mustJSON(t, "Original name"), After: mustJSON(t, "Hero test")},
			},
		},
		{ID: 20, ChangeType: "create"},
		{
			ID:         10,
			ChangeType: model.HistoryChangeTypeUpdate,
			Changes: []model.PropertyDiff{
				{Property: "description", Before: mustJSON(t, "should never apply"), After: mustJSON(t, "")},
			},
		},
	}
}

func TestInitReplaysToTargetInclusive(t *testing.T) {
	fake := &fakeTransport{
		raw:     rawExperiment(t, baseConfig()),
		history: historyFixture(t),
	}
	engine := newTestEngine(t, fake)
	emit, events := collectEvents()

	engine.Init(context.Background(), InitRequest{UUID: "u1", ChangeID: 20, ExperimentID: 555, ProjectID: 9}, emit)

	if ev := eventOfType(*events, model.EventRevertError); ev != nil {
		t.Fatalf("init failed: %s", ev.Message)
	}
	ready := eventOfType(*events, model.EventRevertReady)
	if ready == nil {
		t.Fatal("no ready event emitted")
	}
	if ready.UUID != "u1" || ready.ExperimentID != 555 {
		t.Errorf("ready event not correlated: %+v", ready)
	}

	payload := ready.Object.(ReadyPayload)
	name, _ := payload.Experiment.Property("name")
	if string(name) != `"Original name"` {
		t.Errorf("entry 30 not applied, name = %s", name)
	}
	if desc, ok := payload.Experiment.Property("description"); ok && strings.Contains(string(desc), "never") {
		t.Error("replay continued past the target change")
	}
	if !payload.RevertToExperiment {
		t.Error("nothing irreversible happened, verdict should allow reverting in place")
	}

	var sawStatus bool
	for _, ev := range *events {
		if ev.Type == model.EventRevertStatusUpdate {
			sawStatus = true
		}
	}
	if !sawStatus {
		t.Error("init emitted no status updates")
	}
}

func TestInitUnknownTargetChange(t *testing.T) {
	fake := &fakeTransport{
		raw:     rawExperiment(t, baseConfig()),
		history: historyFixture(t),
	}
	engine := newTestEngine(t, fake)
	emit, events := collectEvents()

	engine.Init(context.Background(), InitRequest{UUID: "u2", ChangeID: 999, ExperimentID: 555, ProjectID: 9}, emit)

	if ev := eventOfType(*events, model.EventRevertError); ev == nil {
		t.Fatal("expected an error event for an unknown target change")
	}
	if ev := eventOfType(*events, model.EventRevertReady); ev != nil {
		t.Error("no ready event should follow a failed replay")
	}
}

func TestPostChangesToExistingExperiment(t *testing.T) {
	fake := &fakeTransport{
		raw:     rawExperiment(t, baseConfig()),
		history: historyFixture(t),
	}
	engine := newTestEngine(t, fake)
	emit, events := collectEvents()

	engine.Init(context.Background(), InitRequest{UUID: "u3", ChangeID: 20, ExperimentID: 555, ProjectID: 9}, emit)
	ready := eventOfType(*events, model.EventRevertReady)
	if ready == nil {
		t.Fatal("init did not reach ready")
	}
	object := marshalPayload(t, ready.Object.(ReadyPayload))

	cfg, err := engine.PostChanges(context.Background(), PostRequest{
		UUID:               "u3",
		RevertToExperiment: true,
		ExperimentID:       555,
		Object:             object,
	})
	if err != nil {
		t.Fatalf("PostChanges failed: %v", err)
	}
	if cfg.ID != 555 {
		t.Errorf("unexpected result %+v", cfg)
	}
	if len(fake.patches) != 1 {
		t.Fatalf("expected a single full-config patch, got %d", len(fake.patches))
	}
	call := fake.patches[0]
	if call.Action != model.ActionResume {
		t.Errorf("running experiment must keep action=resume, got %q", call.Action)
	}
	if _, ok := call.Body["project_id"]; ok {
		t.Error("project_id must be stripped when patching the existing experiment")
	}
	if _, ok := call.Body["variations"]; !ok {
		t.Error("full config patch missing variations")
	}

	// The session is spent after a successful post.
	if _, err := engine.PostChanges(context.Background(), PostRequest{UUID: "u3", RevertToExperiment: true, Object: object}); err == nil {
		t.Error("a finished session must not be reusable")
	}
}

func TestPostChangesTargetingFirst(t *testing.T) {
	history := []model.HistoryChange{
		{
			ID:         20,
			ChangeType: model.HistoryChangeTypeUpdate,
			Changes: []model.PropertyDiff{
				{Property: "page_ids", After: mustJSON(t, []int64{100})},
				{Property: "url_targeting", Before: mustJSON(t, map[string]any{"edit_url": "https://ex.com/"})},
			},
		},
	}
	fake := &fakeTransport{
		raw:     rawExperiment(t, baseConfig()),
		history: history,
	}
	engine := newTestEngine(t, fake)
	emit, events := collectEvents()

	engine.Init(context.Background(), InitRequest{UUID: "u4", ChangeID: 20, ExperimentID: 555, ProjectID: 9}, emit)
	ready := eventOfType(*events, model.EventRevertReady)
	if ready == nil {
		t.Fatal("init did not reach ready")
	}
	payload := ready.Object.(ReadyPayload)
	if !payload.TargetingChanged {
		t.Fatal("replay past a mode switch must flag targeting as changed")
	}

	_, err := engine.PostChanges(context.Background(), PostRequest{
		UUID:               "u4",
		RevertToExperiment: true,
		ExperimentID:       555,
		Object:             marshalPayload(t, payload),
	})
	if err != nil {
		t.Fatalf("PostChanges failed: %v", err)
	}
	if len(fake.patches) != 2 {
		t.Fatalf("expected targeting patch then config patch, got %d patches", len(fake.patches))
	}
	targeting := fake.patches[0].Body
	if len(targeting) != 1 {
		t.Errorf("targeting patch must carry only the targeting property, got %v", targeting)
	}
	if _, ok := targeting["url_targeting"]; !ok {
		t.Errorf("targeting patch missing reverted targeting mode: %v", targeting)
	}
}

func TestPostChangesToNewExperiment(t *testing.T) {
	fake := &fakeTransport{
		raw:     rawExperiment(t, baseConfig()),
		history: historyFixture(t),
	}
	engine := newTestEngine(t, fake)
	emit, events := collectEvents()

	engine.Init(context.Background(), InitRequest{UUID: "u5", ChangeID: 20, ExperimentID: 555, ProjectID: 9}, emit)
	ready := eventOfType(*events, model.EventRevertReady)
	if ready == nil {
		t.Fatal("init did not reach ready")
	}

	cfg, err := engine.PostChanges(context.Background(), PostRequest{
		UUID:               "u5",
		RevertToExperiment: false,
		ExperimentID:       555,
		Object:             marshalPayload(t, ready.Object.(ReadyPayload)),
	})
	if err != nil {
		t.Fatalf("PostChanges failed: %v", err)
	}
	if cfg.ID != 556 {
		t.Errorf("unexpected created experiment %+v", cfg)
	}
	if len(fake.created) != 1 {
		t.Fatalf("expected one created experiment, got %d", len(fake.created))
	}
	var name string
	if err := json.Unmarshal(fake.created[0]["name"], &name); err != nil {
		t.Fatal(err)
	}
	if name != "[20] - Original name" {
		t.Errorf("new experiment name not prefixed with the change id: %q", name)
	}
	if _, ok := fake.created[0]["project_id"]; !ok {
		t.Error("creating a new experiment needs project_id")
	}
}

func TestPostChangesFailureConsumesSession(t *testing.T) {
	fake := &fakeTransport{
		raw:      rawExperiment(t, baseConfig()),
		history:  historyFixture(t),
		patchErr: errors.New("api down"),
	}
	engine := newTestEngine(t, fake)
	emit, events := collectEvents()

	engine.Init(context.Background(), InitRequest{UUID: "u6", ChangeID: 20, ExperimentID: 555, ProjectID: 9}, emit)
	ready := eventOfType(*events, model.EventRevertReady)
	if ready == nil {
		t.Fatal("init did not reach ready")
	}
	object := marshalPayload(t, ready.Object.(ReadyPayload))

	req := PostRequest{UUID: "u6", RevertToExperiment: true, ExperimentID: 555, Object: object}
	if _, err := engine.PostChanges(context.Background(), req); err == nil {
		t.Fatal("post must surface the transport failure")
	}
	// The failed session is gone; a retry starts over at init.
	_, err := engine.PostChanges(context.Background(), req)
	if err == nil || !strings.Contains(err.Error(), "no revert session") {
		t.Errorf("a failed session must be consumed, got %v", err)
	}
}

func TestInitSweepsExpiredSessions(t *testing.T) {
	fake := &fakeTransport{
		raw:     rawExperiment(t, baseConfig()),
		history: historyFixture(t),
	}
	engine := newTestEngine(t, fake)
	engine.sessions["stale"] = &session{created: time.Now().Add(-2 * sessionTTL)}
	emit, _ := collectEvents()

	engine.Init(context.Background(), InitRequest{UUID: "u7", ChangeID: 20, ExperimentID: 555, ProjectID: 9}, emit)

	engine.mu.Lock()
	_, staleKept := engine.sessions["stale"]
	_, freshKept := engine.sessions["u7"]
	engine.mu.Unlock()
	if staleKept {
		t.Error("expired session not swept")
	}
	if !freshKept {
		t.Error("new session not stored")
	}
}

func marshalPayload(t *testing.T, payload ReadyPayload) map[string]json.RawMessage {
	t.Helper()
	data, err := json.Marshal(payload.Experiment)
	if err != nil {
		t.Fatal(err)
	}
	var object map[string]json.RawMessage
	if err := json.Unmarshal(data, &object); err != nil {
		t.Fatal(err)
	}
	return object
}
