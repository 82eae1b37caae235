package ops

import "context"

// DeleteChanges removes the requested changes from the action resolved via
// the anchor change and writes the full variation list back.
func (o *Operator) DeleteChanges(ctx context.Context, experimentID, variationID int64, anchorChangeID string, requestedChangeIDs []string) error {
	cfg, token, err := o.fetchConfig(ctx, experimentID)
	if err != nil {
		return err
	}

	variation, err := findVariation(cfg, variationID)
	if err != nil {
		return err
	}

	action := findAnchorAction(variation, anchorChangeID)
	if action == nil {
		return &AnchorNotFoundError{VariationID: variationID, AnchorID: anchorChangeID}
	}

	requested := make(map[string]bool, len(requestedChangeIDs))
	for _, id := range requestedChangeIDs {
		requested[id] = true
	}

	kept := action.Changes[:0:0]
	for _, ch := range action.Changes {
		if !requested[ch.ID] {
			kept = append(kept, ch)
		}
	}
	action.Changes = kept

	return o.patchVariations(ctx, cfg, token)
}
