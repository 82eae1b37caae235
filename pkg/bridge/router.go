// Package bridge is the boundary between the injected UI and the background
// operations: a websocket server carrying tagged intent frames in, and
// response/event frames out.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/optibridge/go-companion/pkg/model"
	"github.com/optibridge/go-companion/pkg/ops"
	"github.com/optibridge/go-companion/pkg/revert"
	"github.com/optibridge/go-companion/pkg/store"
)

// UnrecognizedMessageTypeError rejects an intent whose type tag is unknown.
// Unknown intents are answered explicitly, never silently dropped.
type UnrecognizedMessageTypeError struct {
	Type string
}

func (e *UnrecognizedMessageTypeError) Error() string {
	return fmt.Sprintf("unrecognized message type %q", e.Type)
}

// Intent is the decoded form of one inbound frame. Intents arrive flat,
// tagged by a type string that is optionally hyphen-namespaced
// ("<domain>-<phase>", e.g. "revertWebChange-init"). ID correlates the
// terminal response to the request; revert events correlate by UUID instead.
type Intent struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"type"`

	ExperimentID     int64           `json:"experimentID,omitempty"`
	ProjectID        int64           `json:"projectID,omitempty"`
	VariationID      int64           `json:"variationID,omitempty"`
	FirstChangeID    string          `json:"firstChangeID,omitempty"`
	RequestedChanges []string        `json:"requestedChanges,omitempty"`
	MatchContent     json.RawMessage `json:"matchContent,omitempty"`
	Changes          json.RawMessage `json:"changes,omitempty"`

	AllPages []int64 `json:"allPages,omitempty"`
	Pages    []int64 `json:"pages,omitempty"`

	ChangeID           int64                      `json:"changeID,omitempty"`
	UUID               string                     `json:"uuid,omitempty"`
	RevertToExperiment bool                       `json:"revertToExperiment,omitempty"`
	Object             map[string]json.RawMessage `json:"object,omitempty"`

	Token     string          `json:"token,omitempty"`
	Features  *store.Features `json:"features,omitempty"`
	ArchiveID string          `json:"archiveID,omitempty"`
}

// Router decodes inbound intents once into typed commands and dispatches
// them to the change-set operations or the revert engine.
type Router struct {
	ops      *ops.Operator
	engine   *revert.Engine
	tokens   store.TokenStore
	features store.FeatureStore
	log      *slog.Logger
}

// NewRouter creates a Router.
func NewRouter(operator *ops.Operator, engine *revert.Engine, tokens store.TokenStore, features store.FeatureStore, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{ops: operator, engine: engine, tokens: tokens, features: features, log: log}
}

// Handle dispatches one decoded intent. The returned response is terminal;
// revert init additionally streams events through emit while it runs in the
// background.
func (r *Router) Handle(ctx context.Context, intent *Intent, emit revert.Emitter) model.Response {
	domain, phase, _ := strings.Cut(intent.Type, "-")

	switch domain {
	case "transferChanges":
		return r.handleTransfer(ctx, intent)
	case "exportVariationChanges":
		return r.handleExport(ctx, intent)
	case "importVariationChanges":
		return r.handleImport(ctx, intent, phase)
	case "deleteVariationChanges":
		return r.handleDelete(ctx, intent)
	case "revertWebChange":
		return r.handleRevert(ctx, intent, phase, emit)
	case "authorization":
		return r.handleAuthorization(ctx, intent, phase)
	case "fetchFeatures":
		return r.handleFetchFeatures(ctx)
	case "updateFeatures":
		return r.handleUpdateFeatures(ctx, intent)
	case "fetchArchivedChanges":
		return r.handleFetchArchived(ctx, intent)
	case "listArchivedChanges":
		return r.handleListArchived(ctx)
	default:
		return failure(&UnrecognizedMessageTypeError{Type: intent.Type})
	}
}

func (r *Router) handleTransfer(ctx context.Context, intent *Intent) model.Response {
	if err := r.ops.TransferChanges(ctx, intent.ExperimentID, intent.AllPages, intent.Pages); err != nil {
		return failure(err)
	}
	return model.Response{Success: true, Message: "Changes transferred"}
}

func (r *Router) handleExport(ctx context.Context, intent *Intent) model.Response {
	result, err := r.ops.ExportChanges(ctx, intent.ExperimentID, intent.VariationID, intent.FirstChangeID, intent.RequestedChanges)
	if err != nil {
		return failure(err)
	}
	resp := model.Response{Success: true, Message: result.Changes}
	if result.ArchiveID != "" {
		resp.Object = map[string]string{"archiveID": result.ArchiveID}
	}
	return resp
}

func (r *Router) handleDelete(ctx context.Context, intent *Intent) model.Response {
	if err := r.ops.DeleteChanges(ctx, intent.ExperimentID, intent.VariationID, intent.FirstChangeID, intent.RequestedChanges); err != nil {
		return failure(err)
	}
	return model.Response{Success: true, Message: "Changes deleted"}
}

func (r *Router) handleImport(ctx context.Context, intent *Intent, variant string) model.Response {
	spec, err := matchSpecFor(variant, intent.MatchContent)
	if err != nil {
		return failure(err)
	}
	if err := r.ops.ImportChanges(ctx, intent.ExperimentID, intent.VariationID, spec, intent.Changes); err != nil {
		return failure(err)
	}
	return model.Response{Success: true, Message: "Changes imported"}
}

// matchSpecFor maps an import type suffix onto the page-resolution spec.
// "name" and "singleName" both resolve by unique page name; the UI sends
// the latter when it had to narrow a name collision itself first.
func matchSpecFor(variant string, matchContent json.RawMessage) (ops.MatchSpec, error) {
	decodeString := func() (string, error) {
		var s string
		err := json.Unmarshal(matchContent, &s)
		return s, err
	}
	decodePair := func() (string, string, error) {
		var pair struct {
			Name string `json:"name"`
			URL  string `json:"url"`
		}
		err := json.Unmarshal(matchContent, &pair)
		return pair.Name, pair.URL, err
	}

	switch variant {
	case "id":
		anchor, err := decodeString()
		if err != nil {
			return ops.MatchSpec{}, fmt.Errorf("decoding match content: %w", err)
		}
		return ops.MatchSpec{By: ops.MatchByID, AnchorChangeID: anchor}, nil
	case "name", "singleName":
		name, err := decodeString()
		if err != nil {
			return ops.MatchSpec{}, fmt.Errorf("decoding match content: %w", err)
		}
		return ops.MatchSpec{By: ops.MatchByName, PageName: name}, nil
	case "url":
		pageURL, err := decodeString()
		if err != nil {
			return ops.MatchSpec{}, fmt.Errorf("decoding match content: %w", err)
		}
		return ops.MatchSpec{By: ops.MatchByURL, PageURL: pageURL}, nil
	case "pageAndUrl", "pageAndURL":
		name, pageURL, err := decodePair()
		if err != nil {
			return ops.MatchSpec{}, fmt.Errorf("decoding match content: %w", err)
		}
		return ops.MatchSpec{By: ops.MatchByNameAndURL, PageName: name, PageURL: pageURL}, nil
	case "all":
		name, pageURL, err := decodePair()
		if err != nil {
			return ops.MatchSpec{}, fmt.Errorf("decoding match content: %w", err)
		}
		return ops.MatchSpec{By: ops.MatchByAll, PageName: name, PageURL: pageURL}, nil
	default:
		return ops.MatchSpec{}, &UnrecognizedMessageTypeError{Type: "importVariationChanges-" + variant}
	}
}

func (r *Router) handleRevert(ctx context.Context, intent *Intent, phase string, emit revert.Emitter) model.Response {
	switch phase {
	case "init":
		req := revert.InitRequest{
			UUID:         intent.UUID,
			ChangeID:     intent.ChangeID,
			ExperimentID: intent.ExperimentID,
			ProjectID:    intent.ProjectID,
		}
		// The session streams its progress through emit; the terminal
		// response only acknowledges that it started.
		go r.engine.Init(ctx, req, emit)
		return model.Response{Success: true, Message: "Revert started"}
	case "postChanges":
		cfg, err := r.engine.PostChanges(ctx, revert.PostRequest{
			UUID:               intent.UUID,
			RevertToExperiment: intent.RevertToExperiment,
			ExperimentID:       intent.ExperimentID,
			Object:             intent.Object,
		})
		if err != nil {
			return failure(err)
		}
		return model.Response{Success: true, Message: "Revert posted", Object: cfg}
	default:
		return failure(&UnrecognizedMessageTypeError{Type: intent.Type})
	}
}

func (r *Router) handleAuthorization(ctx context.Context, intent *Intent, phase string) model.Response {
	var err error
	switch phase {
	case "scraped":
		err = r.tokens.SetScraped(ctx, intent.Token)
	case "stored":
		err = r.tokens.SetStored(ctx, intent.Token)
	default:
		return failure(&UnrecognizedMessageTypeError{Type: intent.Type})
	}
	if err != nil {
		return failure(err)
	}
	return model.Response{Success: true, Message: "Authorization updated"}
}

func (r *Router) handleFetchFeatures(ctx context.Context) model.Response {
	features, err := r.features.Get(ctx)
	if err != nil {
		return failure(err)
	}
	return model.Response{Success: true, Message: "Features", Object: features}
}

func (r *Router) handleUpdateFeatures(ctx context.Context, intent *Intent) model.Response {
	if intent.Features == nil {
		return failure(fmt.Errorf("updateFeatures requires a features object"))
	}
	if err := r.features.Set(ctx, *intent.Features); err != nil {
		return failure(err)
	}
	return model.Response{Success: true, Message: "Features updated"}
}

func (r *Router) handleFetchArchived(ctx context.Context, intent *Intent) model.Response {
	changes, err := r.ops.FetchArchivedChanges(ctx, intent.ArchiveID)
	if err != nil {
		return failure(err)
	}
	return model.Response{Success: true, Message: changes}
}

func (r *Router) handleListArchived(ctx context.Context) model.Response {
	records, err := r.ops.ListArchivedChanges(ctx)
	if err != nil {
		return failure(err)
	}
	return model.Response{Success: true, Message: "Archived exports", Object: records}
}

func failure(err error) model.Response {
	return model.Response{Success: false, Message: err.Error()}
}
