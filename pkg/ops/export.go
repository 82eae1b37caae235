package ops

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/optibridge/go-companion/pkg/archive"
	"github.com/optibridge/go-companion/pkg/model"
)

// ExportResult carries the exported change list and, when an archive is
// configured, the id of the record it was saved under.
type ExportResult struct {
	Changes   []model.Change
	ArchiveID string
}

// ExportChanges resolves the action the user is looking at via the anchor
// change and returns the requested changes from it. The config is read only;
// nothing is written back.
func (o *Operator) ExportChanges(ctx context.Context, experimentID, variationID int64, anchorChangeID string, requestedChangeIDs []string) (*ExportResult, error) {
	cfg, _, err := o.fetchConfig(ctx, experimentID)
	if err != nil {
		return nil, err
	}

	variation, err := findVariation(cfg, variationID)
	if err != nil {
		return nil, err
	}

	action := findAnchorAction(variation, anchorChangeID)
	if action == nil {
		return nil, &AnchorNotFoundError{VariationID: variationID, AnchorID: anchorChangeID}
	}

	requested := make(map[string]bool, len(requestedChangeIDs))
	for _, id := range requestedChangeIDs {
		requested[id] = true
	}

	var exported []model.Change
	for _, ch := range action.Changes {
		if requested[ch.ID] {
			exported = append(exported, ch)
		}
	}
	if len(exported) == 0 {
		return nil, &AnchorNotFoundError{VariationID: variationID, AnchorID: anchorChangeID}
	}

	result := &ExportResult{Changes: exported}
	if o.archive != nil {
		rec, err := archive.NewRecord(uuid.NewString(), experimentID, variationID, action.PageID, exported)
		if err != nil {
			return nil, err
		}
		if err := o.archive.Save(ctx, rec); err != nil {
			// Archive failures are non-fatal; the payload still returns.
			o.log.Warn("archiving exported changes failed", "error", err)
		} else {
			result.ArchiveID = rec.ID
		}
	}
	return result, nil
}

// ListArchivedChanges returns previously archived exports, newest first.
func (o *Operator) ListArchivedChanges(ctx context.Context) ([]archive.Record, error) {
	if o.archive == nil {
		return nil, nil
	}
	return o.archive.List(ctx)
}

// FetchArchivedChanges loads one archived export so the UI can run a normal
// import with its payload.
func (o *Operator) FetchArchivedChanges(ctx context.Context, id string) ([]model.Change, error) {
	if o.archive == nil {
		return nil, errors.New("no archive backend configured")
	}
	rec, err := o.archive.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec.DecodeChanges()
}
