package model

// ProgressPayload is the tuple published on the Progress Channel after
// each stage transition and on terminal states. Readers always observe the
// most recent tuple, not a replay of history.
type ProgressPayload struct {
	Status   JobStatus `json:"status"`
	Stage    Stage     `json:"stage,omitempty"`
	Progress int       `json:"progress"`
	Message  string    `json:"message,omitempty"`
}

// Terminal reports whether this payload is the final one for its job.
func (p ProgressPayload) Terminal() bool {
	return p.Status.Terminal()
}

// Heartbeat is the payload emitted by the gateway when no state change has
// been observed within the heartbeat interval. Progress of -1 lets clients
// distinguish it from a real update without a separate message type.
func Heartbeat() ProgressPayload {
	return ProgressPayload{Status: JobStatusProcessing, Progress: -1, Message: "heartbeat"}
}

// IsHeartbeat reports whether the payload is a keep-alive rather than a
// state change.
func (p ProgressPayload) IsHeartbeat() bool {
	return p.Progress < 0
}
