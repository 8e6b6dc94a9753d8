package ws

import (
	"encoding/json"
	"log"
	"time"
)

// MessageType identifies the type of WebSocket message.
type MessageType string

const (
	TypeSyncPassCompleted MessageType = "sync.pass_completed"
	TypeConflictDetected  MessageType = "sync.conflict_detected"
	TypeMappingCancelled  MessageType = "mapping.cancelled"
	TypePollCompleted     MessageType = "poll.completed"
)

// Message is the WebSocket envelope.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   any         `json:"payload"`
}

// NewMessage creates a message stamped with the current time.
func NewMessage(t MessageType, payload any) Message {
	return Message{Type: t, Timestamp: time.Now().UTC(), Payload: payload}
}

// Broadcaster publishes sync engine events to the hub. It satisfies the
// EventSink interfaces of the syncer and deletion packages.
type Broadcaster struct {
	hub *Hub
}

// NewBroadcaster creates an event broadcaster.
func NewBroadcaster(hub *Hub) *Broadcaster {
	return &Broadcaster{hub: hub}
}

func (b *Broadcaster) broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Failed to encode WebSocket message: %v", err)
		return
	}
	b.hub.Broadcast(data)
}

// SyncPassCompleted publishes the outcome of a sync pass.
func (b *Broadcaster) SyncPassCompleted(sourceBridge, targetBridge string, created, updated, conflicts, errs int) {
	b.broadcast(NewMessage(TypeSyncPassCompleted, map[string]any{
		"source_bridge": sourceBridge,
		"target_bridge": targetBridge,
		"created":       created,
		"updated":       updated,
		"conflicts":     conflicts,
		"errors":        errs,
	}))
}

// ConflictDetected publishes one conflict-resolution decision.
func (b *Broadcaster) ConflictDetected(resourceID, winnerID, loserID, reason string) {
	b.broadcast(NewMessage(TypeConflictDetected, map[string]any{
		"resource_id":       resourceID,
		"winner_mapping_id": winnerID,
		"loser_mapping_id":  loserID,
		"reason":            reason,
	}))
}

// MappingCancelled publishes a deletion propagation.
func (b *Broadcaster) MappingCancelled(mappingID, reason string) {
	b.broadcast(NewMessage(TypeMappingCancelled, map[string]any{
		"mapping_id": mappingID,
		"reason":     reason,
	}))
}

// PollCompleted publishes the outcome of a polling pass.
func (b *Broadcaster) PollCompleted(calendarsPolled, tasksQueued, errs int) {
	b.broadcast(NewMessage(TypePollCompleted, map[string]any{
		"calendars_polled": calendarsPolled,
		"tasks_queued":     tasksQueued,
		"errors":           errs,
	}))
}
