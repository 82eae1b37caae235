// Package ops implements the change-set operations (export, import, delete,
// transfer) against a live experiment. Every operation follows the same
// discipline: authenticate with fallback, fetch the current config, compute
// the mutation locally, then write back the whole modified sub-object under
// the experiment's current run-state action.
package ops

import (
	"context"
	"log/slog"
	"strings"

	"github.com/optibridge/go-companion/pkg/archive"
	"github.com/optibridge/go-companion/pkg/model"
	"github.com/optibridge/go-companion/pkg/transport"
)

// Operator composes the transport and the authenticator into the four
// change-set operations. An Operator is safe for concurrent use; it holds
// no per-operation state.
type Operator struct {
	transport transport.Transport
	auth      *Authenticator
	archive   archive.Archive
	log       *slog.Logger
}

// NewOperator creates an Operator. The archive is optional; when nil,
// exports are not archived.
func NewOperator(t transport.Transport, auth *Authenticator, arch archive.Archive, log *slog.Logger) *Operator {
	if log == nil {
		log = slog.Default()
	}
	return &Operator{transport: t, auth: auth, archive: arch, log: log}
}

// fetchConfig fetches the experiment under the fallback contract and
// returns the token that worked so the operation's later writes reuse it.
func (o *Operator) fetchConfig(ctx context.Context, experimentID int64) (*model.ExperimentConfig, string, error) {
	var cfg *model.ExperimentConfig
	token, err := o.auth.Do(ctx, func(ctx context.Context, token string) error {
		c, err := o.transport.FetchExperiment(ctx, experimentID, token)
		if err != nil {
			return err
		}
		cfg = c
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return cfg, token, nil
}

// findVariation returns a pointer into cfg's variation list.
func findVariation(cfg *model.ExperimentConfig, variationID int64) (*model.Variation, error) {
	for i := range cfg.Variations {
		if cfg.Variations[i].VariationID == variationID {
			return &cfg.Variations[i], nil
		}
	}
	return nil, &VariationNotFoundError{ExperimentID: cfg.ID, VariationID: variationID}
}

// findAnchorAction scans the variation's actions in order and returns the
// first one containing the anchor change. The match is a substring match:
// the UI can only scrape a fragment of the change id from the host page's
// DOM, so the full server-assigned id is matched around it.
func findAnchorAction(v *model.Variation, anchorID string) *model.Action {
	if anchorID == "" {
		return nil
	}
	for i := range v.Actions {
		for _, ch := range v.Actions[i].Changes {
			if strings.Contains(ch.ID, anchorID) {
				return &v.Actions[i]
			}
		}
	}
	return nil
}

// stripShareLinks clears the vendor-assigned share links from every action.
// They are transient and must never be round-tripped into a write.
func stripShareLinks(variations []model.Variation) {
	for i := range variations {
		for j := range variations[i].Actions {
			variations[i].Actions[j].ShareLink = ""
		}
	}
}

// patchVariations writes the full modified variation list back.
func (o *Operator) patchVariations(ctx context.Context, cfg *model.ExperimentConfig, token string) error {
	stripShareLinks(cfg.Variations)
	body := map[string]any{"variations": cfg.Variations}
	_, err := o.transport.PatchExperiment(ctx, cfg.ID, cfg.RunStateAction(), body, token)
	return err
}
