package generation

import "github.com/makeasinger/songgen/internal/model"

// EventType names a lifecycle notification.
type EventType string

const (
	EventSubmitted  EventType = "submitted"
	EventProgress   EventType = "progress"
	EventCompleted  EventType = "complete"
	EventBackground EventType = "background"
	EventFailed     EventType = "error"
)

// Event is delivered to observers after the orchestrator's state has been
// updated.
type Event struct {
	Type      EventType
	Principal string
	TaskID    string
	Status    model.TaskStatus
	Artifact  *model.GeneratedArtifact
	Err       error
}

// Observer receives lifecycle events. Notify must not block for long; it
// runs on the polling goroutine.
type Observer interface {
	Notify(Event)
}

// ObserverFunc adapts a plain function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Notify(e Event) { f(e) }
