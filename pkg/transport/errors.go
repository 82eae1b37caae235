package transport

import "fmt"

// FetchError is a non-200 response on a read. The API does not distinguish
// an expired token from any other failure at this layer; callers infer auth
// problems through their fallback logic.
type FetchError struct {
	Resource string
	Status   int
	Body     string
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching %s failed: status %d: %s", e.Resource, e.Status, e.Body)
}

// PostError is a non-200 response on a write.
type PostError struct {
	Resource string
	Status   int
	Body     string
}

func (e *PostError) Error() string {
	return fmt.Sprintf("posting %s failed: status %d: %s", e.Resource, e.Status, e.Body)
}

// HistoryError means the experiment's audit log could not be read, or came
// back empty. An empty history is an error, not an empty result: there is
// nothing a revert could replay.
type HistoryError struct {
	ExperimentID int64
	Reason       string
	Err          error
}

func (e *HistoryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("history for experiment %d: %s: %v", e.ExperimentID, e.Reason, e.Err)
	}
	return fmt.Sprintf("history for experiment %d: %s", e.ExperimentID, e.Reason)
}

func (e *HistoryError) Unwrap() error { return e.Err }
