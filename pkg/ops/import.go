package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/optibridge/go-companion/pkg/model"
)

// MatchBy selects how the import resolves its target page. The UI builds the
// spec in a fixed priority order: a unique anchor change id beats a unique
// page name, which beats a unique URL, which beats a unique name+URL pair;
// applying to all ambiguous matches requires the user to opt in explicitly.
type MatchBy string

const (
	MatchByID         MatchBy = "id"
	MatchByName       MatchBy = "name"
	MatchByURL        MatchBy = "url"
	MatchByNameAndURL MatchBy = "nameAndUrl"
	MatchByAll        MatchBy = "all"
)

// MatchSpec is the tagged page-resolution request for one import.
type MatchSpec struct {
	By             MatchBy
	AnchorChangeID string
	PageName       string
	PageURL        string
}

// ImportChanges validates the incoming payload, resolves the target page(s)
// per the match spec, strips the server-assigned ids, and appends the
// changes to the matching actions before writing the variation list back.
func (o *Operator) ImportChanges(ctx context.Context, experimentID, variationID int64, spec MatchSpec, rawChanges json.RawMessage) error {
	changes, err := validateChanges(rawChanges)
	if err != nil {
		return err
	}

	cfg, token, err := o.fetchConfig(ctx, experimentID)
	if err != nil {
		return err
	}

	variation, err := findVariation(cfg, variationID)
	if err != nil {
		return err
	}

	// The server reassigns ids on write; keeping the old ones would
	// collide with changes already present on the target page.
	for i := range changes {
		changes[i].ID = ""
	}

	if spec.By == MatchByID {
		action := findAnchorAction(variation, spec.AnchorChangeID)
		if action == nil {
			return &AnchorNotFoundError{VariationID: variationID, AnchorID: spec.AnchorChangeID}
		}
		action.Changes = append(action.Changes, changes...)
		return o.patchVariations(ctx, cfg, token)
	}

	pageIDs, err := o.resolvePages(ctx, cfg, spec, token)
	if err != nil {
		return err
	}

	for _, pageID := range pageIDs {
		appendToPage(variation, pageID, changes)
	}
	return o.patchVariations(ctx, cfg, token)
}

// validateChanges rejects the payload if any change is missing a required
// field. Presence is checked on the raw JSON because a decoded struct cannot
// distinguish an absent field from a zero one.
func validateChanges(rawChanges json.RawMessage) ([]model.Change, error) {
	var rawObjects []map[string]json.RawMessage
	if err := json.Unmarshal(rawChanges, &rawObjects); err != nil {
		return nil, fmt.Errorf("decoding import payload: %w", err)
	}
	for i, obj := range rawObjects {
		for _, field := range model.RequiredChangeFields {
			if _, ok := obj[field]; !ok {
				return nil, &ValidationError{Index: i, Field: field}
			}
		}
	}

	var changes []model.Change
	if err := json.Unmarshal(rawChanges, &changes); err != nil {
		return nil, fmt.Errorf("decoding import payload: %w", err)
	}
	return changes, nil
}

// resolvePages fetches every page the experiment targets and returns the
// ids matching the spec. All variants except "all" require the match to be
// unique; ambiguity is a hard stop, not something to resolve silently.
func (o *Operator) resolvePages(ctx context.Context, cfg *model.ExperimentConfig, spec MatchSpec, token string) ([]int64, error) {
	if len(cfg.PageIDs) == 0 {
		return nil, &PageNotFoundError{Reason: "experiment targets no pages"}
	}

	pages := make([]*model.PageConfig, len(cfg.PageIDs))
	errs := make([]error, len(cfg.PageIDs))
	var wg sync.WaitGroup
	for i, pageID := range cfg.PageIDs {
		wg.Add(1)
		go func(i int, pageID int64) {
			defer wg.Done()
			pages[i], errs[i] = o.transport.FetchPage(ctx, pageID, token)
		}(i, pageID)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	var matched []int64
	for _, page := range pages {
		if matchPage(page, spec) {
			matched = append(matched, page.ID)
		}
	}

	switch {
	case len(matched) == 0:
		return nil, &PageNotFoundError{Reason: fmt.Sprintf("no page matches %q", spec.describe())}
	case len(matched) > 1 && spec.By != MatchByAll:
		return nil, &PageNotFoundError{Reason: fmt.Sprintf("%d pages match %q; confirm applying to all of them", len(matched), spec.describe())}
	}
	return matched, nil
}

func matchPage(page *model.PageConfig, spec MatchSpec) bool {
	switch spec.By {
	case MatchByName:
		return page.Name == spec.PageName
	case MatchByURL:
		return page.EditURL == spec.PageURL
	case MatchByNameAndURL, MatchByAll:
		return page.Name == spec.PageName && page.EditURL == spec.PageURL
	default:
		return false
	}
}

func (s MatchSpec) describe() string {
	switch s.By {
	case MatchByName:
		return s.PageName
	case MatchByURL:
		return s.PageURL
	default:
		return s.PageName + " " + s.PageURL
	}
}

// appendToPage appends the changes to the variation's action for pageID,
// creating the action if the variation has none for that page yet.
func appendToPage(v *model.Variation, pageID int64, changes []model.Change) {
	for i := range v.Actions {
		if v.Actions[i].PageID == pageID {
			v.Actions[i].Changes = append(v.Actions[i].Changes, changes...)
			return
		}
	}
	v.Actions = append(v.Actions, model.Action{PageID: pageID, Changes: append([]model.Change(nil), changes...)})
}
