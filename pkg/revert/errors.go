package revert

import "fmt"

// ReconciliationError means replaying the history produced an impossible
// state, such as a before/after id-set mismatch after add/delete handling.
// It indicates a gap or a bug, never a user-recoverable condition, and is
// surfaced distinctly from ordinary fetch/post failures.
type ReconciliationError struct {
	Level  string // "variation", "page", "change" or "targeting"
	Detail string
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("history reconciliation failed at the %s level: %s", e.Level, e.Detail)
}
