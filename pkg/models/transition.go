package models

import (
	"time"
)

// TransitionRecord describes one state change of a pod's lifecycle machine.
// Records are logged and counted, never stored.
type TransitionRecord struct {
	Timestamp time.Time
	PodKey    string // namespace/name
	From      string
	To        string
	Result    TransitionResult
	Error     string
}

// TransitionResult represents how a step of the machine ended.
type TransitionResult string

const (
	ResultNext      TransitionResult = "Next"
	ResultCompleted TransitionResult = "Completed"
	ResultErrored   TransitionResult = "Errored"
	ResultCancelled TransitionResult = "Cancelled"
)

// Terminal reports whether the machine stops after this record.
func (r TransitionRecord) Terminal() bool {
	return r.Result != ResultNext
}
