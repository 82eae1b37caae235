package model

import (
	"encoding/json"
)

// Experiment status values returned by the Optimizely v2 API.
const (
	StatusNotStarted = "not_started"
	StatusPaused     = "paused"
	StatusRunning    = "running"
	StatusArchived   = "archived"
)

// Run-state actions accepted by the experiments endpoint. Writes pick the
// action matching the experiment's current status so the write itself does
// not start or stop the experiment.
const (
	ActionPause   = "pause"
	ActionResume  = "resume"
	ActionPublish = "publish"
)

// Change is a single declarative DOM/CSS edit applied by a variation on a
// page. The id is server-assigned and must be absent on create.
type Change struct {
	ID           string          `json:"id,omitempty"`
	Type         string          `json:"type,omitempty"`
	Selector     string          `json:"selector,omitempty"`
	CSS          json.RawMessage `json:"css,omitempty"`
	Attributes   json.RawMessage `json:"attributes,omitempty"`
	Dependencies json.RawMessage `json:"dependencies,omitempty"`
	Async        *bool           `json:"async,omitempty"`
	Rearrange    json.RawMessage `json:"rearrange,omitempty"`
	Name         string          `json:"name,omitempty"`
	Value        string          `json:"value,omitempty"`
}

// RequiredChangeFields are the keys an imported change must carry to be
// considered well formed. Presence is what matters, not the value.
var RequiredChangeFields = []string{
	"async", "attributes", "css", "dependencies", "id", "rearrange", "selector", "type",
}

// Action binds a variation to a page and holds that page's ordered change
// list. ShareLink is vendor-assigned and transient: it is stripped before
// every write-back and never round-tripped.
type Action struct {
	PageID    int64    `json:"page_id,omitempty"`
	Changes   []Change `json:"changes"`
	ShareLink string   `json:"share_link,omitempty"`
}

// Variation is one arm of an experiment. URL-targeted experiments carry a
// single action with no page id; page-targeted ones carry at most one action
// per page id.
type Variation struct {
	VariationID int64    `json:"variation_id,omitempty"`
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`
	Status      string   `json:"status,omitempty"`
	Weight      int64    `json:"weight,omitempty"`
	Archived    *bool    `json:"archived,omitempty"`
	Actions     []Action `json:"actions,omitempty"`
}

// ExperimentConfig is the remote experiment resource. Targeting is exclusive:
// either PageIDs or URLTargeting is set, never both. Scalar metadata the
// companion never interprets is kept raw so write-backs do not lose it.
type ExperimentConfig struct {
	ID                 int64           `json:"id,omitempty"`
	ProjectID          int64           `json:"project_id,omitempty"`
	Type               string          `json:"type,omitempty"`
	Status             string          `json:"status,omitempty"`
	Name               string          `json:"name,omitempty"`
	Description        string          `json:"description,omitempty"`
	PageIDs            []int64         `json:"page_ids,omitempty"`
	URLTargeting       json.RawMessage `json:"url_targeting,omitempty"`
	AudienceConditions json.RawMessage `json:"audience_conditions,omitempty"`
	Holdback           json.RawMessage `json:"holdback,omitempty"`
	Metrics            json.RawMessage `json:"metrics,omitempty"`
	Schedule           json.RawMessage `json:"schedule,omitempty"`
	Variations         []Variation     `json:"variations,omitempty"`
}

// RunStateAction maps the experiment's current status to the write action
// that leaves that status untouched. Unrecognized statuses fall back to
// pause, which never publishes by accident.
func (c *ExperimentConfig) RunStateAction() string {
	return RunStateActionFor(c.Status)
}

// RunStateActionFor is RunStateAction for a bare status string.
func RunStateActionFor(status string) string {
	switch status {
	case StatusNotStarted, StatusPaused:
		return ActionPause
	case StatusRunning:
		return ActionResume
	default:
		return ActionPause
	}
}

// PageConfig is the slice of the page resource the import matcher needs.
type PageConfig struct {
	ID      int64  `json:"id,omitempty"`
	Name    string `json:"name,omitempty"`
	EditURL string `json:"edit_url,omitempty"`
}

// PropertyDiff is one before/after pair from an audit-log entry. A nil side
// means the property was absent on that side of the change.
type PropertyDiff struct {
	Property string          `json:"property"`
	Before   json.RawMessage `json:"before,omitempty"`
	After    json.RawMessage `json:"after,omitempty"`
}

// HistoryChange is one entry of the experiment's audit log. The API returns
// entries newest first; the revert engine replays them in that order.
type HistoryChange struct {
	ID         int64          `json:"id"`
	ChangeType string         `json:"change_type"`
	Changes    []PropertyDiff `json:"changes,omitempty"`
}

// HistoryChangeTypeUpdate is the only audit entry kind structured as
// before/after pairs; everything else is skipped during replay.
const HistoryChangeTypeUpdate = "update"
