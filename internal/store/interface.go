// Package store persists conversation transcripts: every inbound message
// delivered to the agent and every outbound reply sent back to a channel.
package store

import (
	"context"
	"time"
)

// Message directions.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Message is one transcript entry.
type Message struct {
	ID        string    `json:"id"`
	Channel   string    `json:"channel"`
	PeerID    string    `json:"peer_id"`
	Direction string    `json:"direction"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Conversation summarizes one peer's transcript.
type Conversation struct {
	Channel       string    `json:"channel"`
	PeerID        string    `json:"peer_id"`
	MessageCount  int       `json:"message_count"`
	LastMessageAt time.Time `json:"last_message_at"`
}

// Repository defines the interface for transcript storage operations
type Repository interface {
	// SaveMessage persists one transcript entry. A zero ID is assigned,
	// a zero CreatedAt is stamped with the current time.
	SaveMessage(ctx context.Context, msg *Message) error

	// ListMessages returns the most recent limit messages for a peer in
	// chronological order. limit <= 0 means no limit.
	ListMessages(ctx context.Context, channel, peerID string, limit int) ([]*Message, error)

	// ListConversations returns per-peer summaries for a channel, most
	// recently active first. An empty channel matches all channels.
	ListConversations(ctx context.Context, channel string) ([]*Conversation, error)

	// PruneBefore deletes messages older than cutoff and returns how many
	// were removed.
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Close closes the repository (for database connections)
	Close() error
}
