package revert

import (
	"encoding/json"
	"fmt"

	"github.com/optibridge/go-companion/pkg/index"
	"github.com/optibridge/go-companion/pkg/model"
)

// PropertyDict accumulates "the experiment as of the target change". It is
// seeded from the current live config and mutated backward by replaying
// audit-log diffs. Targeting and variations get dedicated slots because
// their replay rules are structural; every other property is an opaque
// scalar overwritten whole.
//
// The exported bookkeeping fields ride alongside the experiment state but
// are not part of it: MarshalJSON emits only the flat experiment object.
type PropertyDict struct {
	props           map[string]json.RawMessage
	pageIDs         json.RawMessage
	hasPageIDs      bool
	urlTargeting    json.RawMessage
	hasURLTargeting bool
	variations      index.VariationIndex

	TargetingChanged   bool
	RevertToExperiment bool
	Warnings           []string
	Reasons            []string
}

// NewPropertyDict seeds the accumulator from a raw experiment config.
// Scalars are copied as-is; the variation list is flattened so replay can
// address individual changes; the targeting slots record which mode the
// experiment is currently in.
func NewPropertyDict(raw map[string]json.RawMessage) (*PropertyDict, error) {
	d := &PropertyDict{
		props:              make(map[string]json.RawMessage, len(raw)),
		variations:         index.VariationIndex{},
		RevertToExperiment: true,
	}
	for key, value := range raw {
		switch key {
		case "variations":
			var variations []model.Variation
			if err := json.Unmarshal(value, &variations); err != nil {
				return nil, fmt.Errorf("decoding variations: %w", err)
			}
			d.variations = index.Deconstruct(variations)
		case "page_ids":
			d.pageIDs = value
			d.hasPageIDs = !isNull(value)
		case "url_targeting":
			d.urlTargeting = value
			d.hasURLTargeting = !isNull(value)
		default:
			d.props[key] = value
		}
	}
	return d, nil
}

// Property returns a scalar property of the accumulated state.
func (d *PropertyDict) Property(name string) (json.RawMessage, bool) {
	v, ok := d.props[name]
	return v, ok
}

// Variations exposes the accumulated variation index.
func (d *PropertyDict) Variations() index.VariationIndex { return d.variations }

// HasPageIDs reports whether the accumulated state is page-targeted.
func (d *PropertyDict) HasPageIDs() bool { return d.hasPageIDs }

// HasURLTargeting reports whether the accumulated state is URL-targeted.
func (d *PropertyDict) HasURLTargeting() bool { return d.hasURLTargeting }

// MarshalJSON emits the flat experiment object: scalars, the active
// targeting slot(s), and the variation index reconstructed into list form.
// Bookkeeping fields are deliberately absent; they never reach a write.
func (d *PropertyDict) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(d.props)+3)
	for key, value := range d.props {
		out[key] = value
	}
	if d.hasPageIDs {
		out["page_ids"] = d.pageIDs
	}
	if d.hasURLTargeting {
		out["url_targeting"] = d.urlTargeting
	}
	variations, err := json.Marshal(index.Reconstruct(d.variations))
	if err != nil {
		return nil, err
	}
	out["variations"] = variations
	return json.Marshal(out)
}

// Apply replays one audit-log entry backward onto the accumulator. The
// caller is responsible for skipping entries whose change type is not
// "update"; only update entries carry before/after pairs.
func (d *PropertyDict) Apply(hc model.HistoryChange) error {
	for _, diff := range hc.Changes {
		switch diff.Property {
		case "variations":
			if err := d.reconcileVariations(diff.Before, diff.After); err != nil {
				return err
			}
		case "page_ids", "url_targeting":
			if err := d.applyTargeting(diff.Property, diff.Before, diff.After); err != nil {
				return err
			}
		default:
			if isNull(diff.Before) {
				delete(d.props, diff.Property)
			} else {
				d.props[diff.Property] = diff.Before
			}
		}
	}
	return nil
}

// applyTargeting handles the two mutually exclusive targeting properties.
// When a diff carries only one side, the experiment switched targeting
// modes at this step and the revert has to re-post targeting explicitly.
func (d *PropertyDict) applyTargeting(property string, before, after json.RawMessage) error {
	hasBefore := !isNull(before)
	hasAfter := !isNull(after)
	if !hasBefore && !hasAfter {
		return &ReconciliationError{Level: "targeting", Detail: property + " diff carries neither a before nor an after value"}
	}
	if hasBefore != hasAfter {
		d.TargetingChanged = true
	}
	switch property {
	case "page_ids":
		d.pageIDs = before
		d.hasPageIDs = hasBefore
	case "url_targeting":
		d.urlTargeting = before
		d.hasURLTargeting = hasBefore
	}
	return nil
}

// reconcileVariations replays one variations diff. Both sides are partial:
// they carry only the variations the change touched. Before-only entries
// were removed going forward, after-only entries were created going
// forward; either way the entry may already be gone from the accumulated
// state when an older diff removed it at an earlier replay step, so
// add/delete handling never fails. Only a modified variation missing from
// the accumulated state means the history cannot be trusted.
func (d *PropertyDict) reconcileVariations(before, after json.RawMessage) error {
	beforeIdx, err := decodeVariations(before)
	if err != nil {
		return err
	}
	afterIdx, err := decodeVariations(after)
	if err != nil {
		return err
	}

	for id := range beforeIdx {
		if _, ok := afterIdx[id]; ok {
			continue
		}
		// The variation was removed going forward; restoring a removed
		// variation is not supported, so reverting in place is off the
		// table and the only remaining path is a new experiment.
		d.RevertToExperiment = false
		d.Reasons = append(d.Reasons, fmt.Sprintf("variation %d was removed by this change and cannot be restored", id))
	}

	for id := range afterIdx {
		if _, ok := beforeIdx[id]; ok {
			continue
		}
		d.Warnings = append(d.Warnings, fmt.Sprintf("variation %d was created after the target change and will not be part of the reverted state", id))
		delete(d.variations, id)
	}

	for id, beforeEntry := range beforeIdx {
		afterEntry, ok := afterIdx[id]
		if !ok {
			continue
		}
		entry, ok := d.variations[id]
		if !ok {
			return &ReconciliationError{Level: "variation", Detail: fmt.Sprintf("variation %d appears in the history but not in the accumulated state", id)}
		}
		entry.Variation = beforeEntry.Variation
		if err := d.reconcilePages(id, entry, beforeEntry.Pages, afterEntry.Pages); err != nil {
			return err
		}
	}
	return nil
}

func (d *PropertyDict) reconcilePages(variationID int64, entry *index.Entry, beforePages, afterPages index.PageMap) error {
	for pageID, cs := range beforePages {
		if _, ok := afterPages[pageID]; ok {
			continue
		}
		// Removed going forward, so it existed at the target state:
		// put it back wholesale.
		entry.Pages[pageID] = cs.Clone()
	}

	for pageID := range afterPages {
		if _, ok := beforePages[pageID]; ok {
			continue
		}
		delete(entry.Pages, pageID)
	}

	for pageID, beforeCS := range beforePages {
		afterCS, ok := afterPages[pageID]
		if !ok {
			continue
		}
		cs, ok := entry.Pages[pageID]
		if !ok {
			return &ReconciliationError{Level: "page", Detail: fmt.Sprintf("page %d of variation %d appears in the history but not in the accumulated state", pageID, variationID)}
		}
		reconcileChanges(cs, beforeCS, afterCS)
	}
	return nil
}

// reconcileChanges drops changes the diff created and restores every
// before value, which covers deletions and modifications alike.
func reconcileChanges(cs, beforeChanges, afterChanges index.ChangeSet) {
	for changeID := range afterChanges {
		if _, ok := beforeChanges[changeID]; !ok {
			delete(cs, changeID)
		}
	}
	for changeID, before := range beforeChanges {
		cs[changeID] = before
	}
}

func decodeVariations(raw json.RawMessage) (index.VariationIndex, error) {
	if isNull(raw) {
		return index.VariationIndex{}, nil
	}
	var variations []model.Variation
	if err := json.Unmarshal(raw, &variations); err != nil {
		return nil, fmt.Errorf("decoding history variations: %w", err)
	}
	return index.Deconstruct(variations), nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
