package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-memory transcript store with a per-peer cap.
type MemoryRepository struct {
	mu         sync.RWMutex
	messages   map[string][]*Message // channel:peerID -> chronological entries
	maxPerPeer int
}

// Ensure MemoryRepository implements Repository interface
var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an in-memory transcript store.
func NewMemoryRepository(maxPerPeer int) *MemoryRepository {
	if maxPerPeer <= 0 {
		maxPerPeer = 1000
	}
	return &MemoryRepository{
		messages:   make(map[string][]*Message),
		maxPerPeer: maxPerPeer,
	}
}

func conversationKey(channel, peerID string) string {
	return channel + ":" + peerID
}

// SaveMessage persists one transcript entry.
func (r *MemoryRepository) SaveMessage(_ context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := conversationKey(msg.Channel, msg.PeerID)
	entries := append(r.messages[key], msg)

	// Trim if exceeding max
	if len(entries) > r.maxPerPeer {
		entries = entries[len(entries)-r.maxPerPeer:]
	}
	r.messages[key] = entries
	return nil
}

// ListMessages returns the most recent limit messages for a peer,
// chronological order.
func (r *MemoryRepository) ListMessages(_ context.Context, channel, peerID string, limit int) ([]*Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := r.messages[conversationKey(channel, peerID)]
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}

	out := make([]*Message, len(entries))
	copy(out, entries)
	return out, nil
}

// ListConversations returns per-peer summaries, most recently active first.
func (r *MemoryRepository) ListConversations(_ context.Context, channel string) ([]*Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Conversation
	for _, entries := range r.messages {
		if len(entries) == 0 {
			continue
		}
		first := entries[0]
		if channel != "" && first.Channel != channel {
			continue
		}
		out = append(out, &Conversation{
			Channel:       first.Channel,
			PeerID:        first.PeerID,
			MessageCount:  len(entries),
			LastMessageAt: entries[len(entries)-1].CreatedAt,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out, nil
}

// PruneBefore deletes messages older than cutoff.
func (r *MemoryRepository) PruneBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed int64
	for key, entries := range r.messages {
		kept := entries[:0]
		for _, msg := range entries {
			if msg.CreatedAt.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, msg)
		}
		if len(kept) == 0 {
			delete(r.messages, key)
		} else {
			r.messages[key] = kept
		}
	}
	return removed, nil
}

// Close is a no-op for the in-memory store.
func (r *MemoryRepository) Close() error {
	return nil
}
