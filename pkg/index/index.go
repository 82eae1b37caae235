// Package index flattens the nested variation→action→change structure of an
// experiment into addressable maps and back. Every mutation path works on the
// flattened form and reconstructs the list form just before write-back.
package index

import (
	"slices"

	"github.com/optibridge/go-companion/pkg/model"
)

// ChangeSet maps change id to change for one page of one variation.
type ChangeSet map[string]model.Change

// PageMap maps page id to that page's change set. URL-targeted variations
// have a single action with no page id, which lands under key 0.
type PageMap map[int64]ChangeSet

// Entry is one variation in flattened form: the scalar fields with the
// actions list dropped, plus the per-page change maps.
type Entry struct {
	Variation model.Variation
	Pages     PageMap
}

// VariationIndex maps variation id to its flattened entry. Any change is
// reachable by a (variation, page, change) triple lookup.
type VariationIndex map[int64]*Entry

// Deconstruct flattens a variation list. Input is assumed well formed (it
// comes straight from the API); share links are dropped here because they
// must never survive into a write-back.
func Deconstruct(variations []model.Variation) VariationIndex {
	idx := make(VariationIndex, len(variations))
	for _, v := range variations {
		pages := make(PageMap, len(v.Actions))
		for _, a := range v.Actions {
			cs := make(ChangeSet, len(a.Changes))
			for _, ch := range a.Changes {
				cs[ch.ID] = ch
			}
			pages[a.PageID] = cs
		}
		scalar := v
		scalar.Actions = nil
		idx[v.VariationID] = &Entry{Variation: scalar, Pages: pages}
	}
	return idx
}

// Reconstruct is the inverse of Deconstruct: one action per page key, change
// lists rebuilt from the change maps. Output ordering is normalized (ids
// ascending) since map iteration order is not meaningful.
func Reconstruct(idx VariationIndex) []model.Variation {
	out := make([]model.Variation, 0, len(idx))
	for _, id := range sortedKeys(idx) {
		entry := idx[id]
		v := entry.Variation
		v.Actions = make([]model.Action, 0, len(entry.Pages))
		for _, pageID := range sortedKeys(entry.Pages) {
			cs := entry.Pages[pageID]
			changes := make([]model.Change, 0, len(cs))
			for _, changeID := range sortedKeys(cs) {
				changes = append(changes, cs[changeID])
			}
			v.Actions = append(v.Actions, model.Action{PageID: pageID, Changes: changes})
		}
		out = append(out, v)
	}
	return out
}

// Clone deep-copies a change set. Revert replay restores deleted entities by
// inserting copies so later diffs cannot alias the history payload.
func (cs ChangeSet) Clone() ChangeSet {
	out := make(ChangeSet, len(cs))
	for id, ch := range cs {
		out[id] = ch
	}
	return out
}

// Keys returns variation ids in ascending order, for deterministic iteration.
func (idx VariationIndex) Keys() []int64 { return sortedKeys(idx) }

// Keys returns page ids in ascending order.
func (pm PageMap) Keys() []int64 { return sortedKeys(pm) }

// Keys returns change ids in ascending order.
func (cs ChangeSet) Keys() []string { return sortedKeys(cs) }

func sortedKeys[K int64 | string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
