// Package v1 contains the public API types for the owpenbot control surface.
package v1

import "time"

// Channel connection states as reported by the status endpoints.
const (
	ChannelStateIdle       = "idle"
	ChannelStateConnecting = "connecting"
	ChannelStateOpen       = "open"
	ChannelStateClosed     = "closed"
)

// WhatsAppStatus describes the WhatsApp channel.
type WhatsAppStatus struct {
	Enabled    bool   `json:"enabled"`
	State      string `json:"state"`
	Linked     bool   `json:"linked"`
	Pairing    bool   `json:"pairing"`
	LastStatus string `json:"last_status,omitempty"`
}

// TelegramStatus describes the Telegram channel.
type TelegramStatus struct {
	Enabled    bool `json:"enabled"`
	Configured bool `json:"configured"`
}

// OpenCodeStatus describes the agent engine connection.
type OpenCodeStatus struct {
	URL       string `json:"url"`
	Reachable bool   `json:"reachable"`
}

// StatusResponse is the full bridge status.
type StatusResponse struct {
	OpenCode OpenCodeStatus `json:"opencode"`
	WhatsApp WhatsAppStatus `json:"whatsapp"`
	Telegram TelegramStatus `json:"telegram"`
}

// HealthResponse is the liveness probe payload consumed by the desktop app.
type HealthResponse struct {
	Status   string          `json:"status"`
	OpenCode OpenCodeStatus  `json:"opencode"`
	Channels map[string]bool `json:"channels"`
}

// PairResponse acknowledges an admitted pairing run; the outcome is
// polled via the status and QR endpoints.
type PairResponse struct {
	Pairing bool   `json:"pairing"`
	Linked  bool   `json:"linked"`
	Status  string `json:"status,omitempty"`
}

// QRResponse carries the current pairing QR payload.
type QRResponse struct {
	QR string `json:"qr,omitempty"`
}

// TranscriptMessage is one transcript entry.
type TranscriptMessage struct {
	ID        string    `json:"id"`
	Channel   string    `json:"channel"`
	PeerID    string    `json:"peer_id"`
	Direction string    `json:"direction"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// ConversationSummary summarizes one peer's transcript.
type ConversationSummary struct {
	Channel       string    `json:"channel"`
	PeerID        string    `json:"peer_id"`
	MessageCount  int       `json:"message_count"`
	LastMessageAt time.Time `json:"last_message_at"`
}
