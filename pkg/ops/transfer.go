package ops

import (
	"context"

	"github.com/optibridge/go-companion/pkg/model"
)

// TransferChanges moves an experiment from URL targeting to page targeting.
// The targeting write must land first: changes cannot be attached to pages
// the experiment is not targeting yet. An empty selection is a valid
// outcome, not an error; the user changed targeting without keeping any
// page-specific changes.
func (o *Operator) TransferChanges(ctx context.Context, experimentID int64, allPageIDs, selectedPageIDs []int64) error {
	cfg, token, err := o.fetchConfig(ctx, experimentID)
	if err != nil {
		return err
	}
	action := cfg.RunStateAction()

	targeting := map[string]any{"page_ids": allPageIDs}
	if _, err := o.transport.PatchExperiment(ctx, experimentID, action, targeting, token); err != nil {
		return err
	}

	if len(selectedPageIDs) == 0 {
		return nil
	}

	for i := range cfg.Variations {
		v := &cfg.Variations[i]
		// URL-targeted variations carry exactly one action; anything
		// else has nothing to replicate.
		if len(v.Actions) != 1 {
			continue
		}
		template := v.Actions[0]
		cleaned := make([]model.Change, len(template.Changes))
		for j, ch := range template.Changes {
			ch.ID = ""
			cleaned[j] = ch
		}

		replicated := make([]model.Action, 0, len(selectedPageIDs))
		for _, pageID := range selectedPageIDs {
			replicated = append(replicated, model.Action{
				PageID:  pageID,
				Changes: append([]model.Change(nil), cleaned...),
			})
		}
		v.Actions = replicated
	}

	return o.patchVariations(ctx, cfg, token)
}
