package whatsapp

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openwork/owpenbot/internal/channel"
	"github.com/openwork/owpenbot/internal/common/config"
	apperrors "github.com/openwork/owpenbot/internal/common/errors"
	"github.com/openwork/owpenbot/internal/common/logger"
	"github.com/openwork/owpenbot/internal/events"
)

// ChannelName is the tag applied to every inbound message from this adapter.
const ChannelName = "whatsapp"

// maxTextLength is the largest text body a single send accepts.
const maxTextLength = 3800

// Connection states.
const (
	StateIdle       = "idle"
	StateConnecting = "connecting"
	StateOpen       = "open"
	StateClosed     = "closed"
)

// imageExtensions selects which attachments go out as inline images rather
// than generic documents.
var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
}

// Manager owns the lifecycle of one authenticated WhatsApp session: socket
// creation, reconnect policy, inbound filtering, and outbound sends. At most
// one live socket and one pending reconnect timer exist at any time.
type Manager struct {
	cfg      config.WhatsAppConfig
	policy   ReconnectPolicy
	factory  SocketFactory
	handler  channel.Handler
	onStatus channel.StatusFunc
	onEvent  channel.EventFunc
	logger   *logger.Logger

	mu             sync.Mutex
	socket         Socket
	state          string
	connecting     bool
	stopped        bool
	attempts       int
	reconnectTimer *time.Timer

	sent *sentRecords
}

// NewManager creates a WhatsApp connection manager. The handler receives
// qualifying inbound messages; onStatus may be nil.
func NewManager(cfg config.WhatsAppConfig, factory SocketFactory, handler channel.Handler, onStatus channel.StatusFunc, log *logger.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		policy:   PolicyFromConfig(cfg.Reconnect),
		factory:  factory,
		handler:  handler,
		onStatus: onStatus,
		logger:   log.WithChannel(ChannelName),
		state:    StateIdle,
		sent:     newSentRecords(sentTTL),
	}
}

// Name returns the channel tag.
func (m *Manager) Name() string { return ChannelName }

// MaxTextLength returns the largest text body a single send accepts.
func (m *Manager) MaxTextLength() int { return maxTextLength }

// State returns the current connection state.
func (m *Manager) State() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start establishes the connection. Calling Start while already connecting
// or open is a no-op.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.connecting || m.socket != nil || m.state == StateOpen {
		m.mu.Unlock()
		return nil
	}
	m.connecting = true
	m.stopped = false
	m.attempts = 0
	m.state = StateConnecting
	m.mu.Unlock()

	m.notify(events.ChannelStarting, nil)
	return m.connect(ctx, false)
}

// Stop tears down the connection and suppresses all future reconnect
// scheduling. Idempotent.
func (m *Manager) Stop() error {
	m.mu.Lock()
	wasActive := !m.stopped && (m.socket != nil || m.state != StateIdle)
	m.stopped = true
	m.connecting = false
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	sock := m.socket
	m.socket = nil
	if m.state != StateClosed {
		m.state = StateIdle
	}
	m.mu.Unlock()

	if sock != nil {
		if err := sock.Close(); err != nil {
			m.logger.Warn("Error closing socket", zap.Error(err))
		}
	}
	if wasActive {
		m.notify(events.ChannelStopped, nil)
	}
	return nil
}

// connect creates a new socket and registers the manager's subscriptions.
func (m *Manager) connect(ctx context.Context, printQR bool) error {
	hooks := SocketEvents{
		OnConnectionState: m.handleConnectionState,
		OnMessageBatch:    m.handleBatch,
	}

	sock, err := m.factory(ctx, SocketOptions{
		CredentialDir: m.cfg.CredentialDir,
		PrintQR:       printQR,
	}, hooks)

	m.mu.Lock()
	m.connecting = false
	if err != nil {
		m.mu.Unlock()
		m.logger.Warn("Socket creation failed", zap.Error(err))
		m.scheduleReconnect(0)
		return nil
	}
	if m.stopped {
		// Stop raced the in-flight connection attempt; discard the socket.
		m.mu.Unlock()
		return sock.Close()
	}
	if m.socket != nil {
		m.socket.Close()
	}
	m.socket = sock
	m.mu.Unlock()
	return nil
}

// handleConnectionState classifies connection state changes and drives the
// retry-vs-terminal decision with full context (status code).
func (m *Manager) handleConnectionState(update ConnectionUpdate) {
	switch update.State {
	case StateOpen:
		m.mu.Lock()
		m.attempts = 0
		if m.reconnectTimer != nil {
			m.reconnectTimer.Stop()
			m.reconnectTimer = nil
		}
		m.state = StateOpen
		m.mu.Unlock()
		m.logger.Info("Connection open")
		m.status("WhatsApp connected.")
		m.notify(events.ChannelConnected, nil)

	case StateClosed:
		m.mu.Lock()
		if m.socket != nil {
			m.socket.Close()
			m.socket = nil
		}
		stopped := m.stopped
		m.mu.Unlock()

		if stopped {
			return
		}

		if update.StatusCode == StatusLoggedOut {
			m.mu.Lock()
			m.state = StateClosed
			m.mu.Unlock()
			m.logger.Warn("Logged out, credentials revoked", zap.Error(update.Err))
			m.status("WhatsApp logged out. Run pairing again to reconnect.")
			m.notify(events.ChannelLoggedOut, nil)
			return
		}

		m.logger.Warn("Connection closed",
			zap.Int("status_code", update.StatusCode),
			zap.Error(update.Err),
		)
		m.notify(events.ChannelDisconnected, map[string]interface{}{
			"status_code": update.StatusCode,
		})
		m.scheduleReconnect(update.StatusCode)
	}
}

// scheduleReconnect arranges at most one pending reconnect attempt.
func (m *Manager) scheduleReconnect(statusCode int) {
	m.mu.Lock()
	if m.stopped || m.reconnectTimer != nil {
		m.mu.Unlock()
		return
	}

	m.attempts++
	attempt := m.attempts
	if attempt > m.policy.MaxAttempts {
		m.state = StateClosed
		m.mu.Unlock()
		m.logger.Error("Reconnect attempts exhausted", zap.Int("max_attempts", m.policy.MaxAttempts))
		m.status(fmt.Sprintf("WhatsApp gave up reconnecting after %d attempts. Restart the bridge to retry.", m.policy.MaxAttempts))
		m.notify(events.ChannelStopped, map[string]interface{}{
			"reason": "retries_exhausted",
		})
		return
	}

	var delay time.Duration
	if statusCode == StatusRestartRequired {
		// The server is asking for an immediate reconnect, not signaling failure.
		delay = restartDelay
	} else {
		delay = m.policy.Delay(attempt)
	}

	m.state = StateConnecting
	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		m.reconnectTimer = nil
		if m.stopped {
			m.mu.Unlock()
			return
		}
		m.connecting = true
		m.mu.Unlock()
		m.connect(context.Background(), false)
	})
	m.mu.Unlock()

	m.logger.Info("Reconnect scheduled",
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
	)
	m.status(fmt.Sprintf("WhatsApp reconnecting in %s (attempt %d/%d)...", delay.Round(time.Second), attempt, m.policy.MaxAttempts))
	m.notify(events.ChannelReconnecting, map[string]interface{}{
		"attempt":  attempt,
		"delay_ms": delay.Milliseconds(),
	})
}

// handleBatch turns raw message-batch events into InboundMessage deliveries,
// applying the filters in order. One failing message never aborts the rest
// of the batch.
func (m *Manager) handleBatch(batch []RawMessage) {
	m.sent.sweep()

	ctx := context.Background()
	for i := range batch {
		msg := &batch[i]
		if msg.Message == nil {
			continue
		}
		if msg.FromMe && m.sent.consume(msg.ID) {
			// Our own outbound send echoed back.
			continue
		}
		if msg.FromMe && !m.cfg.AllowSelfChat {
			continue
		}
		if msg.IsGroup() && !m.cfg.AllowGroups {
			continue
		}
		text := strings.TrimSpace(msg.Text())
		if text == "" {
			continue
		}

		inbound := channel.InboundMessage{
			Channel: ChannelName,
			PeerID:  msg.ChatID,
			Text:    text,
			FromMe:  msg.FromMe,
			Raw:     msg,
		}
		if err := m.handler(ctx, inbound); err != nil {
			m.logger.Error("Inbound handler failed",
				zap.String("peer_id", msg.ChatID),
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
		}
	}
}

// SendText sends a plain text message. Requires an open socket; calling it
// without one is a caller bug, not a network condition.
func (m *Manager) SendText(ctx context.Context, peerID, text string) error {
	m.mu.Lock()
	sock := m.socket
	m.mu.Unlock()
	if sock == nil {
		return apperrors.ChannelNotConnected(ChannelName)
	}

	id, err := sock.SendText(ctx, peerID, text)
	if err != nil {
		return fmt.Errorf("send text to %s: %w", peerID, err)
	}
	// Record before any possible echo arrives.
	m.sent.record(id)
	return nil
}

// SendFile sends a file attachment. Failures are reported as text into the
// conversation itself rather than returned, since the typical caller is a
// background agent with no other feedback channel.
func (m *Manager) SendFile(ctx context.Context, peerID, filePath, caption string) error {
	m.mu.Lock()
	sock := m.socket
	m.mu.Unlock()
	if sock == nil {
		return apperrors.ChannelNotConnected(ChannelName)
	}

	if _, err := os.Stat(filePath); err != nil {
		m.sendErrorText(ctx, sock, peerID, fmt.Sprintf("File not found: %s", filePath))
		return nil
	}

	ext := strings.ToLower(filepath.Ext(filePath))
	media := Media{
		Path:     filePath,
		FileName: filepath.Base(filePath),
		Caption:  caption,
	}
	if imageExtensions[ext] {
		media.Kind = "image"
	} else {
		media.Kind = "document"
	}
	media.MimeType = mime.TypeByExtension(ext)
	if media.MimeType == "" {
		media.MimeType = "application/octet-stream"
	}

	id, err := sock.SendMedia(ctx, peerID, media)
	if err != nil {
		m.logger.Warn("Media send failed",
			zap.String("peer_id", peerID),
			zap.String("path", filePath),
			zap.Error(err),
		)
		m.sendErrorText(ctx, sock, peerID, fmt.Sprintf("Failed to send file %s: %v", filepath.Base(filePath), err))
		return nil
	}
	m.sent.record(id)
	return nil
}

// sendErrorText reports a send failure into the conversation.
func (m *Manager) sendErrorText(ctx context.Context, sock Socket, peerID, text string) {
	id, err := sock.SendText(ctx, peerID, text)
	if err != nil {
		m.logger.Error("Failed to deliver error text",
			zap.String("peer_id", peerID),
			zap.Error(err),
		)
		return
	}
	m.sent.record(id)
}

// SendTyping sends a best-effort typing indicator. Silently no-ops when not
// connected; failures are logged, never returned.
func (m *Manager) SendTyping(ctx context.Context, peerID string) error {
	m.mu.Lock()
	sock := m.socket
	m.mu.Unlock()
	if sock == nil {
		return nil
	}
	if err := sock.SendPresence(ctx, peerID, "composing"); err != nil {
		m.logger.Debug("Typing indicator failed", zap.String("peer_id", peerID), zap.Error(err))
	}
	return nil
}

// status invokes the status callback when one is set.
func (m *Manager) status(msg string) {
	if m.onStatus != nil {
		m.onStatus(msg)
	}
}

// notify emits a lifecycle event when a sink is set, tagging it with the
// channel name.
func (m *Manager) notify(eventType string, data map[string]interface{}) {
	if m.onEvent == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["channel"] = ChannelName
	m.onEvent(eventType, data)
}
