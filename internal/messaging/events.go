package messaging

const (
	EventMessage      = "message"
	EventGroupMessage = "group-message"
)

// Event is a realtime notification addressed to one or more users by email.
type Event struct {
	Type       string
	Recipients []string
	Payload    any
}

// EventPublisher delivers events without blocking the caller.
type EventPublisher interface {
	Publish(event Event)
}

type discardPublisher struct{}

func (discardPublisher) Publish(Event) {}
