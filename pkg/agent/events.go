package agent

import "time"

// EventType names a controller event.
type EventType string

const (
	EventTurnStarted  EventType = "turn.started"
	EventPhase        EventType = "phase"
	EventMessage      EventType = "message"
	EventInterrupt    EventType = "interrupt"
	EventTurnFinished EventType = "turn.finished"
	EventError        EventType = "error"
)

// Event is emitted at every phase of a turn.
type Event struct {
	Type      EventType `json:"type"`
	ThreadID  string    `json:"thread_id"`
	Phase     string    `json:"phase,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

// EventSink receives controller events. Emit must not block.
type EventSink interface {
	Emit(Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

// Emit implements EventSink.
func (f EventSinkFunc) Emit(e Event) { f(e) }

type nopSink struct{}

func (nopSink) Emit(Event) {}

func (c *Controller) emit(threadID string, typ EventType, phase string, data any) {
	c.events.Emit(Event{
		Type:      typ,
		ThreadID:  threadID,
		Phase:     phase,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
}
