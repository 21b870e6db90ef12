// Package channel defines the adapter contract every messaging network
// integration implements, plus the normalized inbound message shape handed
// to the router.
package channel

import "context"

// InboundMessage is a normalized representation of a received chat message.
type InboundMessage struct {
	// Channel is a constant tag identifying the source network ("whatsapp", "telegram").
	Channel string `json:"channel"`

	// PeerID is the opaque conversation identifier on the source network.
	PeerID string `json:"peer_id"`

	// Text is the extracted plain-text body.
	Text string `json:"text"`

	// FromMe is true when the message was authored by the bridge's own account.
	FromMe bool `json:"from_me"`

	// Raw carries the original network payload untouched for downstream use.
	Raw any `json:"-"`
}

// Handler receives qualifying inbound messages, one call per message.
// A returned error is logged by the adapter and never aborts batch processing.
type Handler func(ctx context.Context, msg InboundMessage) error

// StatusFunc receives human-readable operational status strings at key
// transitions (reconnect scheduled, logged out, pairing waiting, etc.).
type StatusFunc func(status string)

// EventFunc receives typed lifecycle events (subject plus payload) for
// publication on the event bus.
type EventFunc func(eventType string, data map[string]interface{})

// Adapter is the contract a channel connection manager exposes to the router.
type Adapter interface {
	// Name returns the channel tag ("whatsapp", "telegram").
	Name() string

	// Start establishes the connection. Idempotent: calling Start while
	// connecting or open is a no-op.
	Start(ctx context.Context) error

	// Stop tears down the connection and suppresses further reconnects.
	// Idempotent.
	Stop() error

	// SendText sends a plain text message to a peer.
	SendText(ctx context.Context, peerID, text string) error

	// SendFile sends a file attachment with an optional caption. Failures
	// are reported into the conversation itself rather than returned.
	SendFile(ctx context.Context, peerID, filePath, caption string) error

	// SendTyping sends a best-effort typing indicator. Never returns an
	// error for cosmetic failures.
	SendTyping(ctx context.Context, peerID string) error

	// MaxTextLength returns the largest text body a single send accepts.
	MaxTextLength() int
}
