// Package revert reconstructs a point-in-time experiment configuration from
// the vendor's audit log and republishes it, either onto the existing
// experiment or as a new one.
package revert

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/optibridge/go-companion/pkg/model"
	"github.com/optibridge/go-companion/pkg/ops"
	"github.com/optibridge/go-companion/pkg/transport"
)

// Emitter pushes one status frame toward the UI while an init session runs.
type Emitter func(ev model.Event)

// InitRequest starts a revert session. UUID is client-generated and
// correlates every event the session emits.
type InitRequest struct {
	UUID         string
	ChangeID     int64
	ExperimentID int64
	ProjectID    int64
}

// PostRequest finishes a revert session with one of its two terminal
// actions. Object is the flat experiment state the init phase handed to the
// UI, passed back as-is.
type PostRequest struct {
	UUID               string
	RevertToExperiment bool
	ExperimentID       int64
	Object             map[string]json.RawMessage
}

// ReadyPayload is what the init phase reports when replay succeeds. The
// experiment marshals flat; the verdict and the human-readable notes ride
// next to it because they are presentation, not state.
type ReadyPayload struct {
	Experiment         *PropertyDict `json:"experiment"`
	RevertToExperiment bool          `json:"revertToExperiment"`
	TargetingChanged   bool          `json:"targetingChanged"`
	Warnings           []string      `json:"warnings"`
	Reasons            []string      `json:"reasons"`
}

// session is the state carried between the two phases of one revert.
type session struct {
	experimentID     int64
	targetChangeID   int64
	targetingChanged bool
	runAction        string
	created          time.Time
}

// sessionTTL bounds how long an initialized session waits for its post
// phase; abandoned sessions are swept when the next one is stored.
const sessionTTL = 30 * time.Minute

// Engine runs revert sessions. Sessions are keyed by the client-generated
// uuid; an init cannot be cancelled once started, it runs to completion or
// failure and the UI simply stops listening.
type Engine struct {
	transport transport.Transport
	auth      *ops.Authenticator
	log       *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// NewEngine creates an Engine.
func NewEngine(t transport.Transport, auth *ops.Authenticator, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		transport: t,
		auth:      auth,
		log:       log,
		sessions:  make(map[string]*session),
	}
}

func status(uuid, format string, args ...any) model.Event {
	return model.Event{Type: model.EventRevertStatusUpdate, UUID: uuid, Message: fmt.Sprintf(format, args...)}
}

// Init runs the first phase: fetch the current config and the audit log,
// replay the log backward to the target change, and report the resulting
// state plus the revert verdict. Progress streams through emit; a failure
// at any step emits a single error event and abandons the session.
func (e *Engine) Init(ctx context.Context, req InitRequest, emit Emitter) {
	fail := func(err error) {
		e.log.Error("revert init failed", "uuid", req.UUID, "experiment", req.ExperimentID, "error", err)
		emit(model.Event{Type: model.EventRevertError, UUID: req.UUID, Message: err.Error()})
	}

	emit(status(req.UUID, "Resolving authorization"))

	var raw map[string]json.RawMessage
	token, err := e.auth.Do(ctx, func(ctx context.Context, token string) error {
		r, err := e.transport.FetchExperimentRaw(ctx, req.ExperimentID, token)
		if err != nil {
			return err
		}
		raw = r
		return nil
	})
	if err != nil {
		fail(err)
		return
	}
	emit(status(req.UUID, "Fetched current configuration of experiment %d", req.ExperimentID))

	// The history read and the working-copy build touch independent data,
	// so they run side by side to keep the read-modify-write window short.
	var (
		history    []model.HistoryChange
		historyErr error
	)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		history, historyErr = e.transport.FetchHistory(ctx, req.ExperimentID, req.ProjectID, token)
	}()
	dict, dictErr := NewPropertyDict(raw)
	wg.Wait()

	if historyErr != nil {
		fail(historyErr)
		return
	}
	if dictErr != nil {
		fail(dictErr)
		return
	}
	emit(status(req.UUID, "Fetched %d history entries", len(history)))

	applied := false
	for _, hc := range history {
		if hc.ChangeType == model.HistoryChangeTypeUpdate {
			if err := dict.Apply(hc); err != nil {
				fail(err)
				return
			}
		} else {
			e.log.Debug("skipping non-update history entry", "uuid", req.UUID, "id", hc.ID, "change_type", hc.ChangeType)
		}
		if hc.ID == req.ChangeID {
			applied = true
			break
		}
	}
	if !applied {
		fail(fmt.Errorf("change %d not found in the history of experiment %d", req.ChangeID, req.ExperimentID))
		return
	}
	emit(status(req.UUID, "Replayed history back to change %d", req.ChangeID))

	runAction := model.ActionPause
	if rawStatus, ok := raw["status"]; ok {
		var current string
		if err := json.Unmarshal(rawStatus, &current); err == nil {
			runAction = model.RunStateActionFor(current)
		}
	}

	e.mu.Lock()
	for id, s := range e.sessions {
		if time.Since(s.created) > sessionTTL {
			delete(e.sessions, id)
		}
	}
	e.sessions[req.UUID] = &session{
		experimentID:     req.ExperimentID,
		targetChangeID:   req.ChangeID,
		targetingChanged: dict.TargetingChanged,
		runAction:        runAction,
		created:          time.Now(),
	}
	e.mu.Unlock()

	payload := ReadyPayload{
		Experiment:         dict,
		RevertToExperiment: dict.RevertToExperiment,
		TargetingChanged:   dict.TargetingChanged,
		Warnings:           dict.Warnings,
		Reasons:            dict.Reasons,
	}
	emit(model.Event{
		Type:         model.EventRevertReady,
		UUID:         req.UUID,
		Message:      "Revert ready",
		Object:       payload,
		ExperimentID: req.ExperimentID,
	})
}

// PostChanges runs the terminal phase of a session started by Init. The two
// branches differ deliberately: writing onto the existing experiment keeps
// its run state and may need a targeting write first, while reverting to a
// new experiment publishes immediately under a traceable name.
func (e *Engine) PostChanges(ctx context.Context, req PostRequest) (*model.ExperimentConfig, error) {
	// A session is consumed by its post attempt; after an error the UI
	// starts over at init rather than retrying against stale state.
	e.mu.Lock()
	sess, ok := e.sessions[req.UUID]
	delete(e.sessions, req.UUID)
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no revert session for id %q; run the revert again", req.UUID)
	}

	body := make(map[string]json.RawMessage, len(req.Object))
	for k, v := range req.Object {
		body[k] = v
	}

	var result *model.ExperimentConfig
	var err error
	if req.RevertToExperiment {
		result, err = e.postToExisting(ctx, sess, body)
	} else {
		result, err = e.postToNew(ctx, sess, body)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Engine) postToExisting(ctx context.Context, sess *session, body map[string]json.RawMessage) (*model.ExperimentConfig, error) {
	// Only meaningful when creating a new experiment; the PATCH endpoint
	// rejects them.
	delete(body, "project_id")
	delete(body, "type")

	var result *model.ExperimentConfig
	_, err := e.auth.Do(ctx, func(ctx context.Context, token string) error {
		if sess.targetingChanged {
			// Targeting has to be correct before any variation or page
			// referencing it is posted, or the API rejects the write.
			targeting := make(map[string]json.RawMessage, 1)
			if pageIDs, ok := body["page_ids"]; ok {
				targeting["page_ids"] = pageIDs
			} else if urlTargeting, ok := body["url_targeting"]; ok {
				targeting["url_targeting"] = urlTargeting
			}
			if _, err := e.transport.PatchExperiment(ctx, sess.experimentID, sess.runAction, targeting, token); err != nil {
				return err
			}
		}
		cfg, err := e.transport.PatchExperiment(ctx, sess.experimentID, sess.runAction, body, token)
		if err != nil {
			return err
		}
		result = cfg
		return nil
	})
	return result, err
}

func (e *Engine) postToNew(ctx context.Context, sess *session, body map[string]json.RawMessage) (*model.ExperimentConfig, error) {
	var name string
	if rawName, ok := body["name"]; ok {
		if err := json.Unmarshal(rawName, &name); err != nil {
			return nil, fmt.Errorf("decoding experiment name: %w", err)
		}
	}
	prefixed, err := json.Marshal(fmt.Sprintf("[%d] - %s", sess.targetChangeID, name))
	if err != nil {
		return nil, err
	}
	body["name"] = prefixed

	var result *model.ExperimentConfig
	_, err = e.auth.Do(ctx, func(ctx context.Context, token string) error {
		cfg, err := e.transport.CreateExperiment(ctx, body, token)
		if err != nil {
			return err
		}
		result = cfg
		return nil
	})
	return result, err
}
