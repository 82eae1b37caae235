package ops

import "fmt"

// Credential families an operation can authenticate with.
const (
	SourceScraped = "scraped"
	SourceStored  = "stored"
)

// AuthInvalidError means a specific token was rejected by the API. The
// source determines which remedy the user is told, so the two families are
// never conflated in the message.
type AuthInvalidError struct {
	Source string
	Err    error
}

func (e *AuthInvalidError) Error() string {
	switch e.Source {
	case SourceScraped:
		return "scraped authorization was missing or rejected; open a page in the Optimizely app that triggers an API request, then try again"
	case SourceStored:
		return "stored authorization was rejected; provide a valid personal access token in the options page"
	default:
		return fmt.Sprintf("authorization rejected: %v", e.Err)
	}
}

func (e *AuthInvalidError) Unwrap() error { return e.Err }

// VariationNotFoundError means the experiment config carries no variation
// with the requested id.
type VariationNotFoundError struct {
	ExperimentID int64
	VariationID  int64
}

func (e *VariationNotFoundError) Error() string {
	return fmt.Sprintf("variation %d not found in experiment %d", e.VariationID, e.ExperimentID)
}

// AnchorNotFoundError means no action of the variation contains the anchor
// change, or the anchor resolved but the requested change set came up empty.
type AnchorNotFoundError struct {
	VariationID int64
	AnchorID    string
}

func (e *AnchorNotFoundError) Error() string {
	return fmt.Sprintf("no action of variation %d contains change %q", e.VariationID, e.AnchorID)
}

// PageNotFoundError means the import matcher could not resolve a target
// page, either because nothing matched or because the match was ambiguous
// and the caller did not opt into applying to all matches.
type PageNotFoundError struct {
	Reason string
}

func (e *PageNotFoundError) Error() string {
	return "page not found: " + e.Reason
}

// ValidationError rejects a malformed import payload before any network
// call is made.
type ValidationError struct {
	Index int
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("change at index %d is missing required field %q", e.Index, e.Field)
}
