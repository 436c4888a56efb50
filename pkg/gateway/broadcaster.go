package gateway

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/gigachain-team/giga-agent/pkg/agent"
)

// EventBroadcaster fans controller events out to the websocket clients of
// each thread. It implements agent.EventSink.
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	seq     uint64
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		clients: clients,
		logger:  logger,
	}
}

// Emit implements agent.EventSink.
func (b *EventBroadcaster) Emit(e agent.Event) {
	b.BroadcastTyped(EventMessage{
		Event:     string(e.Type),
		ThreadID:  e.ThreadID,
		Phase:     e.Phase,
		Data:      e.Data,
		Timestamp: e.Timestamp,
	})
}

// Broadcast sends an event to every connected client.
func (b *EventBroadcaster) Broadcast(event string, data any) {
	msg := EventMessage{
		Type:      "event",
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
		Seq:       b.nextSeq(),
	}
	b.send(msg, b.clients.GetAll())
}

// BroadcastTyped sends msg to the clients of msg.ThreadID with sequence
// metadata.
func (b *EventBroadcaster) BroadcastTyped(msg EventMessage) {
	msg.Type = "event"
	if msg.Seq == 0 {
		msg.Seq = b.nextSeq()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	b.send(msg, b.clients.ForThread(msg.ThreadID))
}

func (b *EventBroadcaster) send(msg EventMessage, clients []*Client) {
	jsonData, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().
			Err(err).
			Str("event", msg.Event).
			Str("thread_id", msg.ThreadID).
			Int64("seq", msg.Seq).
			Msg("Failed to marshal event")
		return
	}

	if len(clients) == 0 {
		return
	}

	successCount := 0
	failureCount := 0

	for _, client := range clients {
		if err := client.WriteMessage(websocket.TextMessage, jsonData); err != nil {
			b.logger.Warn().
				Err(err).
				Str("clientId", client.ID).
				Str("event", msg.Event).
				Int64("seq", msg.Seq).
				Msg("Failed to broadcast to client")
			failureCount++
		} else {
			successCount++
		}
	}

	b.logger.Debug().
		Str("event", msg.Event).
		Str("thread_id", msg.ThreadID).
		Str("phase", msg.Phase).
		Int64("seq", msg.Seq).
		Int("success", successCount).
		Int("failed", failureCount).
		Msg("Event broadcast complete")
}

func (b *EventBroadcaster) nextSeq() int64 {
	return int64(atomic.AddUint64(&b.seq, 1))
}
