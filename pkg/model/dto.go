package model

// Response is the terminal reply to a single intent. Message carries either
// a human-readable outcome or, for export-style intents, the payload itself,
// mirroring the wire contract the injected UI expects.
type Response struct {
	Success bool `json:"success"`
	Message any  `json:"message"`
	Object  any  `json:"object,omitempty"`
}

// Event is a push frame emitted while a revert session is running. Type is
// one of the revertWebChange-* event tags; UUID correlates it to the session
// that produced it.
type Event struct {
	Type         string `json:"type"`
	UUID         string `json:"uuid"`
	Message      string `json:"message"`
	Object       any    `json:"object,omitempty"`
	ExperimentID int64  `json:"experimentID,omitempty"`
}

// Event type tags produced toward the UI layer.
const (
	EventRevertStatusUpdate = "revertWebChange-statusUpdate"
	EventRevertReady        = "revertWebChange-revertReady"
	EventRevertError        = "revertWebChange-error"
)
