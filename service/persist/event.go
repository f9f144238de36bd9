package persist

import (
	"github.com/duke-git/lancet/v2/eventbus"
)

type EventType string

const (
	EventScheduled EventType = "scheduled"
	EventCompleted EventType = "completed"
)

const eventTopic = "save_state"

type Event struct {
	Type EventType
	ID   string
	Path string
	Size int
	Err  error
}

func (p *Persister) publish(eventType EventType, req Request, err error) {
	event := Event{
		Type: eventType,
		ID:   req.ID,
		Path: req.Path,
		Size: len(req.Data),
		Err:  err,
	}
	p.events.Publish(eventbus.Event[Event]{Topic: eventTopic, Payload: event})
}

// Subscribe registers an observer for request lifecycle events. Handlers run
// asynchronously, so a scheduled event may arrive after its completed event.
func (p *Persister) Subscribe(handler func(event Event)) {
	p.events.Subscribe(eventTopic, handler, true, 0, nil)
}
