// Package whatsapp implements the WhatsApp channel connection manager: a
// long-lived authenticated duplex connection with reconnect backoff,
// self-echo de-duplication, QR pairing, and terminal vs. retryable
// disconnect classification.
package whatsapp

import (
	"context"
	"fmt"
	"strings"
)

// Connection status codes reported by the network on abnormal close.
const (
	// StatusRestartRequired asks for an immediate reconnect. Not a failure.
	StatusRestartRequired = 515

	// StatusLoggedOut means credentials were revoked. Terminal; never retried.
	StatusLoggedOut = 401
)

// GroupSuffix marks group conversation JIDs on the network.
const groupSuffix = "@g.us"

// ConnectionUpdate reports a connection state change from the socket layer.
type ConnectionUpdate struct {
	// State is "connecting", "open", or "closed".
	State string

	// StatusCode carries the network status code on close, 0 if unknown.
	StatusCode int

	// Err is the underlying cause on close, may be nil.
	Err error
}

// DisconnectError wraps an abnormal close with its network status code so
// callers can classify retry-vs-terminal close to the source.
type DisconnectError struct {
	Code int
	Err  error
}

func (e *DisconnectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connection closed (status %d): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("connection closed (status %d)", e.Code)
}

func (e *DisconnectError) Unwrap() error { return e.Err }

// IsLoggedOut reports whether err is a terminal logged-out disconnect.
func IsLoggedOut(err error) bool {
	de, ok := err.(*DisconnectError)
	return ok && de.Code == StatusLoggedOut
}

// IsRestartRequired reports whether err is the network's restart request.
func IsRestartRequired(err error) bool {
	de, ok := err.(*DisconnectError)
	return ok && de.Code == StatusRestartRequired
}

// TextPayload is an extended or quoted text body.
type TextPayload struct {
	Text string `json:"text"`
}

// MediaPayload is an image, video, or document body with an optional caption.
type MediaPayload struct {
	Caption  string `json:"caption"`
	MimeType string `json:"mimetype,omitempty"`
	FileName string `json:"fileName,omitempty"`
}

// MessagePayload mirrors the network's message envelope: exactly one of the
// body fields is normally set.
type MessagePayload struct {
	Conversation string       `json:"conversation,omitempty"`
	ExtendedText *TextPayload `json:"extendedTextMessage,omitempty"`
	Image        *MediaPayload `json:"imageMessage,omitempty"`
	Video        *MediaPayload `json:"videoMessage,omitempty"`
	Document     *MediaPayload `json:"documentMessage,omitempty"`
}

// RawMessage is one entry of a message-batch event as delivered by the socket.
type RawMessage struct {
	ID      string          `json:"id"`
	ChatID  string          `json:"chatId"`
	FromMe  bool            `json:"fromMe"`
	Message *MessagePayload `json:"message"`
}

// IsGroup reports whether the message originates from a group conversation.
func (m *RawMessage) IsGroup() bool {
	return strings.HasSuffix(m.ChatID, groupSuffix)
}

// Text extracts the plain-text body from whichever payload shape is present.
// Returns "" when the message carries no text.
func (m *RawMessage) Text() string {
	p := m.Message
	if p == nil {
		return ""
	}
	switch {
	case p.Conversation != "":
		return p.Conversation
	case p.ExtendedText != nil:
		return p.ExtendedText.Text
	case p.Image != nil:
		return p.Image.Caption
	case p.Video != nil:
		return p.Video.Caption
	case p.Document != nil:
		return p.Document.Caption
	}
	return ""
}

// Media describes an outbound attachment.
type Media struct {
	// Kind is "image" or "document".
	Kind string

	// Path is the local file to upload.
	Path string

	// MimeType is the best-effort content type.
	MimeType string

	// FileName is the name shown to the recipient (documents only).
	FileName string

	// Caption is the optional text accompanying the attachment.
	Caption string
}

// SocketEvents are the two subscriptions the manager registers on every
// socket it creates. Ownership is explicit: one active socket, replaced
// wholesale on reconnect.
type SocketEvents struct {
	// OnConnectionState is invoked for every connection state change.
	OnConnectionState func(update ConnectionUpdate)

	// OnMessageBatch is invoked with each batch of inbound messages, in
	// the order delivered by the network.
	OnMessageBatch func(batch []RawMessage)

	// OnQR is invoked with pairing QR payloads when the socket was created
	// with PrintQR set. May be nil.
	OnQR func(code string)
}

// SocketOptions configure a single socket creation attempt.
type SocketOptions struct {
	// CredentialDir is the on-disk credential directory, fully owned by the
	// socket layer. The manager only checks existence and deletes on unpair.
	CredentialDir string

	// PrintQR enables the pairing prompt for this attempt. Reconnects always
	// reuse persisted credentials and leave this false.
	PrintQR bool
}

// Socket is the authenticated duplex connection handle. Exclusively owned by
// the manager that created it.
type Socket interface {
	// SendText sends a plain text message and returns the network-assigned
	// message id.
	SendText(ctx context.Context, chatID, text string) (string, error)

	// SendMedia uploads and sends an attachment, returning the message id.
	SendMedia(ctx context.Context, chatID string, media Media) (string, error)

	// SendPresence sends a presence update ("composing", "paused").
	SendPresence(ctx context.Context, chatID, kind string) error

	// Close tears down the connection. Safe to call more than once.
	Close() error
}

// SocketFactory establishes a new authenticated session and registers the
// supplied event subscriptions on it.
type SocketFactory func(ctx context.Context, opts SocketOptions, events SocketEvents) (Socket, error)
