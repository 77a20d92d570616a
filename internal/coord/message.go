// Package coord coordinates several execution contexts sharing one database:
// leader election over a LeaderStore, invalidation broadcasts over a Bus and
// advisory named locks over a LockProvider. Every collaborator is optional;
// without them a Coordinator degrades to a single always-leader context.
package coord

import (
	"encoding/json"
	"fmt"
)

// MessageType names a sync message.
type MessageType string

const (
	DocumentAdded     MessageType = "document_added"
	DocumentUpdated   MessageType = "document_updated"
	DocumentDeleted   MessageType = "document_deleted"
	CollectionCleared MessageType = "collection_cleared"
	DatabaseCleared   MessageType = "database_cleared"
	IndexUpdated      MessageType = "index_updated"
	LeaderElected     MessageType = "leader_elected"
	LeaderPing        MessageType = "leader_ping"
	LeaderResigned    MessageType = "leader_resigned"
)

func (t MessageType) valid() bool {
	switch t {
	case DocumentAdded, DocumentUpdated, DocumentDeleted, CollectionCleared, DatabaseCleared,
		IndexUpdated, LeaderElected, LeaderPing, LeaderResigned:
		return true
	}
	return false
}

// IsLeadership reports whether t belongs to the election protocol rather
// than data invalidation.
func (t MessageType) IsLeadership() bool {
	return t == LeaderElected || t == LeaderPing || t == LeaderResigned
}

// Message is an invalidation hint. Receivers reload state from storage;
// they never apply the payload as data.
type Message struct {
	Type        MessageType `json:"type"`
	TabID       string      `json:"tab_id"`
	Timestamp   uint64      `json:"timestamp"`
	Collection  string      `json:"collection,omitempty"`
	DocumentIDs []string    `json:"document_ids,omitempty"`
}

// Handler receives messages from other execution contexts.
type Handler func(Message)

// EncodeMessage serializes m for a wire bus.
func EncodeMessage(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses a wire message and rejects unknown types.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode sync message: %w", err)
	}
	if !m.Type.valid() {
		return Message{}, fmt.Errorf("decode sync message: unknown type %q", m.Type)
	}
	if m.TabID == "" {
		return Message{}, fmt.Errorf("decode sync message: missing tab id")
	}
	return m, nil
}
