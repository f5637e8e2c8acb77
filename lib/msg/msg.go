// Package msg defines the interface for different message brokers.
//
// Brokers carry nudges only: a nudge tells peer instances that an event was appended to the shared event log, so
// they drain it before their next scheduled cycle. The persisted log stays the source of truth and a lost nudge
// only delays delivery.
package msg

// Nudge is the message an instance publishes after appending an event to the log.
type Nudge struct {
	Instance string `json:"instance"` // publisher
	Event    string `json:"event"`    // event name
	ID       string `json:"id"`       // persisted event id
}

type MsgBroker interface {
	Setup() error
	Close() error

	// SendNudge publishes n to every instance.
	SendNudge(n Nudge) error
	// GetNudges consumes the nudges sent to the instance, its own included.
	GetNudges(instance string) (<-chan Nudge, <-chan error, error)
}
