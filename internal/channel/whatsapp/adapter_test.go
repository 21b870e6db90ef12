package whatsapp

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openwork/owpenbot/internal/channel"
	"github.com/openwork/owpenbot/internal/common/config"
	apperrors "github.com/openwork/owpenbot/internal/common/errors"
	"github.com/openwork/owpenbot/internal/common/logger"
)

type sentText struct {
	chatID string
	text   string
}

type fakeSocket struct {
	mu         sync.Mutex
	texts      []sentText
	media      []Media
	presences  []string
	closeCount int
	nextID     string
	sendErr    error
}

func (f *fakeSocket) SendText(_ context.Context, chatID, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.texts = append(f.texts, sentText{chatID: chatID, text: text})
	if f.nextID != "" {
		return f.nextID, nil
	}
	return "sent-id", nil
}

func (f *fakeSocket) SendMedia(_ context.Context, chatID string, media Media) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.media = append(f.media, media)
	return "media-id", nil
}

func (f *fakeSocket) SendPresence(_ context.Context, _, kind string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presences = append(f.presences, kind)
	return nil
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCount++
	return nil
}

func (f *fakeSocket) sentTexts() []sentText {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentText(nil), f.texts...)
}

func (f *fakeSocket) sentMedia() []Media {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Media(nil), f.media...)
}

// fakeFactory records every socket it hands out along with the registered
// event subscriptions, so tests can drive connection state changes.
type fakeFactory struct {
	mu      sync.Mutex
	sockets []*fakeSocket
	events  []SocketEvents
	opts    []SocketOptions
}

func (f *fakeFactory) factory(_ context.Context, opts SocketOptions, events SocketEvents) (Socket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sock := &fakeSocket{}
	f.sockets = append(f.sockets, sock)
	f.events = append(f.events, events)
	f.opts = append(f.opts, opts)
	return sock, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sockets)
}

func (f *fakeFactory) last() (*fakeSocket, SocketEvents) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sockets[len(f.sockets)-1], f.events[len(f.events)-1]
}

func testWhatsAppConfig() config.WhatsAppConfig {
	return config.WhatsAppConfig{
		Enabled:        true,
		CredentialDir:  "/tmp/owpenbot-test-auth",
		PairingTimeout: 120,
		Reconnect: config.ReconnectConfig{
			InitialDelayMs: 2000,
			MaxDelayMs:     60000,
			Factor:         2.0,
			JitterFraction: 0.2,
			MaxAttempts:    10,
		},
	}
}

type handlerRecorder struct {
	mu   sync.Mutex
	msgs []channel.InboundMessage
}

func (h *handlerRecorder) handle(_ context.Context, msg channel.InboundMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, msg)
	return nil
}

func (h *handlerRecorder) messages() []channel.InboundMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]channel.InboundMessage(nil), h.msgs...)
}

func newTestManager(t *testing.T, cfg config.WhatsAppConfig) (*Manager, *fakeFactory, *handlerRecorder) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)

	factory := &fakeFactory{}
	rec := &handlerRecorder{}
	m := NewManager(cfg, factory.factory, rec.handle, nil, log)
	t.Cleanup(func() { m.Stop() })
	return m, factory, rec
}

func textMessage(id, chatID, text string, fromMe bool) RawMessage {
	return RawMessage{
		ID:      id,
		ChatID:  chatID,
		FromMe:  fromMe,
		Message: &MessagePayload{Conversation: text},
	}
}

func TestStartIdempotent(t *testing.T) {
	m, factory, _ := newTestManager(t, testWhatsAppConfig())

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Start(context.Background()))
	require.Equal(t, 1, factory.count(), "second Start must not create a socket")

	_, events := factory.last()
	events.OnConnectionState(ConnectionUpdate{State: StateOpen})

	require.NoError(t, m.Start(context.Background()))
	require.Equal(t, 1, factory.count())
	require.Equal(t, StateOpen, m.State())
}

func TestStopIdempotent(t *testing.T) {
	m, factory, _ := newTestManager(t, testWhatsAppConfig())
	require.NoError(t, m.Start(context.Background()))
	sock, _ := factory.last()

	require.NoError(t, m.Stop())
	require.NoError(t, m.Stop())
	require.Equal(t, 1, sock.closeCount, "second Stop must not close again")
}

func TestSelfEchoSuppressed(t *testing.T) {
	m, factory, rec := newTestManager(t, testWhatsAppConfig())
	require.NoError(t, m.Start(context.Background()))
	sock, events := factory.last()
	events.OnConnectionState(ConnectionUpdate{State: StateOpen})

	sock.nextID = "echo-1"
	require.NoError(t, m.SendText(context.Background(), "peer@s.whatsapp.net", "hello"))
	require.Equal(t, 1, m.sent.len())

	events.OnMessageBatch([]RawMessage{textMessage("echo-1", "peer@s.whatsapp.net", "hello", true)})

	require.Empty(t, rec.messages(), "self echo must not reach the handler")
	require.Equal(t, 0, m.sent.len(), "matched record must be consumed")
}

func TestLateEchoAfterTTLDelivered(t *testing.T) {
	cfg := testWhatsAppConfig()
	cfg.AllowSelfChat = true
	m, factory, rec := newTestManager(t, cfg)
	require.NoError(t, m.Start(context.Background()))
	sock, events := factory.last()
	events.OnConnectionState(ConnectionUpdate{State: StateOpen})

	now := time.Now()
	m.sent.now = func() time.Time { return now }

	sock.nextID = "late-echo"
	require.NoError(t, m.SendText(context.Background(), "peer@s.whatsapp.net", "hello"))

	now = now.Add(sentTTL + time.Minute)
	events.OnMessageBatch([]RawMessage{textMessage("late-echo", "peer@s.whatsapp.net", "hello", true)})

	msgs := rec.messages()
	require.Len(t, msgs, 1, "echo past the TTL is treated as a new inbound message")
	require.True(t, msgs[0].FromMe)
}

func TestFromMeFilteredWithoutSelfChat(t *testing.T) {
	m, factory, rec := newTestManager(t, testWhatsAppConfig())
	require.NoError(t, m.Start(context.Background()))
	_, events := factory.last()
	events.OnConnectionState(ConnectionUpdate{State: StateOpen})

	events.OnMessageBatch([]RawMessage{textMessage("m1", "peer@s.whatsapp.net", "note to self", true)})
	require.Empty(t, rec.messages())
}

func TestGroupFiltering(t *testing.T) {
	cfg := testWhatsAppConfig()
	m, factory, rec := newTestManager(t, cfg)
	require.NoError(t, m.Start(context.Background()))
	_, events := factory.last()
	events.OnConnectionState(ConnectionUpdate{State: StateOpen})

	events.OnMessageBatch([]RawMessage{textMessage("g1", "12345@g.us", "group chatter", false)})
	require.Empty(t, rec.messages(), "group message dropped when groups disabled")

	cfg.AllowGroups = true
	m2, factory2, rec2 := newTestManager(t, cfg)
	require.NoError(t, m2.Start(context.Background()))
	_, events2 := factory2.last()
	events2.OnConnectionState(ConnectionUpdate{State: StateOpen})

	events2.OnMessageBatch([]RawMessage{textMessage("g2", "12345@g.us", "group chatter", false)})
	require.Len(t, rec2.messages(), 1)
}

func TestEmptyTextSkipped(t *testing.T) {
	m, factory, rec := newTestManager(t, testWhatsAppConfig())
	require.NoError(t, m.Start(context.Background()))
	_, events := factory.last()
	events.OnConnectionState(ConnectionUpdate{State: StateOpen})

	events.OnMessageBatch([]RawMessage{
		{ID: "n1", ChatID: "peer@s.whatsapp.net"},
		textMessage("n2", "peer@s.whatsapp.net", "   ", false),
		textMessage("n3", "peer@s.whatsapp.net", "real", false),
	})

	msgs := rec.messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "real", msgs[0].Text)
}

func TestCaptionExtraction(t *testing.T) {
	m, factory, rec := newTestManager(t, testWhatsAppConfig())
	require.NoError(t, m.Start(context.Background()))
	_, events := factory.last()
	events.OnConnectionState(ConnectionUpdate{State: StateOpen})

	events.OnMessageBatch([]RawMessage{
		{
			ID:     "c1",
			ChatID: "peer@s.whatsapp.net",
			Message: &MessagePayload{
				Image: &MediaPayload{Caption: "look at this"},
			},
		},
		{
			ID:     "c2",
			ChatID: "peer@s.whatsapp.net",
			Message: &MessagePayload{
				ExtendedText: &TextPayload{Text: "quoted reply"},
			},
		},
	})

	msgs := rec.messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "look at this", msgs[0].Text)
	require.Equal(t, "quoted reply", msgs[1].Text)
}

func TestHandlerErrorDoesNotAbortBatch(t *testing.T) {
	cfg := testWhatsAppConfig()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)

	factory := &fakeFactory{}
	var got []string
	handler := func(_ context.Context, msg channel.InboundMessage) error {
		got = append(got, msg.Text)
		return apperrors.InternalError("boom", nil)
	}
	m := NewManager(cfg, factory.factory, handler, nil, log)
	defer m.Stop()

	require.NoError(t, m.Start(context.Background()))
	_, events := factory.last()
	events.OnConnectionState(ConnectionUpdate{State: StateOpen})

	events.OnMessageBatch([]RawMessage{
		textMessage("h1", "peer@s.whatsapp.net", "first", false),
		textMessage("h2", "peer@s.whatsapp.net", "second", false),
	})

	require.Equal(t, []string{"first", "second"}, got)
}

func TestTerminalLogoutNoReconnect(t *testing.T) {
	m, factory, _ := newTestManager(t, testWhatsAppConfig())
	require.NoError(t, m.Start(context.Background()))
	sock, events := factory.last()

	events.OnConnectionState(ConnectionUpdate{State: StateClosed, StatusCode: StatusLoggedOut})

	m.mu.Lock()
	timer := m.reconnectTimer
	m.mu.Unlock()
	require.Nil(t, timer, "logged out must never schedule a reconnect")
	require.Equal(t, StateClosed, m.State())
	require.Equal(t, 1, sock.closeCount)
	require.Equal(t, 1, factory.count(), "no new socket after terminal logout")
}

func TestAttemptResetOnOpen(t *testing.T) {
	m, factory, _ := newTestManager(t, testWhatsAppConfig())
	require.NoError(t, m.Start(context.Background()))
	_, events := factory.last()

	events.OnConnectionState(ConnectionUpdate{State: StateClosed, StatusCode: 0})
	m.mu.Lock()
	attempts := m.attempts
	m.mu.Unlock()
	require.Equal(t, 1, attempts)

	events.OnConnectionState(ConnectionUpdate{State: StateOpen})
	m.mu.Lock()
	attempts = m.attempts
	timer := m.reconnectTimer
	m.mu.Unlock()
	require.Equal(t, 0, attempts, "open resets the attempt counter")
	require.Nil(t, timer, "open clears the pending reconnect timer")
}

func TestSinglePendingReconnectTimer(t *testing.T) {
	m, factory, _ := newTestManager(t, testWhatsAppConfig())
	require.NoError(t, m.Start(context.Background()))
	_, events := factory.last()

	events.OnConnectionState(ConnectionUpdate{State: StateClosed, StatusCode: 0})
	events.OnConnectionState(ConnectionUpdate{State: StateClosed, StatusCode: 0})

	m.mu.Lock()
	attempts := m.attempts
	m.mu.Unlock()
	require.Equal(t, 1, attempts, "second close while a timer is pending must not re-schedule")
}

func TestSendTextRequiresSocket(t *testing.T) {
	m, _, _ := newTestManager(t, testWhatsAppConfig())

	err := m.SendText(context.Background(), "peer@s.whatsapp.net", "hi")
	require.Error(t, err)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, apperrors.ErrCodeNotConnected, appErr.Code)
}

func TestSendFileMissingPathFallsBackToText(t *testing.T) {
	m, factory, _ := newTestManager(t, testWhatsAppConfig())
	require.NoError(t, m.Start(context.Background()))
	sock, events := factory.last()
	events.OnConnectionState(ConnectionUpdate{State: StateOpen})

	missing := filepath.Join(t.TempDir(), "nope.pdf")
	require.NoError(t, m.SendFile(context.Background(), "peer@s.whatsapp.net", missing, ""))

	require.Empty(t, sock.sentMedia(), "file I/O must never be attempted for a missing path")
	texts := sock.sentTexts()
	require.Len(t, texts, 1)
	require.Contains(t, texts[0].text, "File not found")
	require.Contains(t, texts[0].text, missing)
}

func TestSendFileClassifiesByExtension(t *testing.T) {
	m, factory, _ := newTestManager(t, testWhatsAppConfig())
	require.NoError(t, m.Start(context.Background()))
	sock, events := factory.last()
	events.OnConnectionState(ConnectionUpdate{State: StateOpen})

	dir := t.TempDir()
	img := filepath.Join(dir, "shot.png")
	doc := filepath.Join(dir, "report.xyzbin")
	require.NoError(t, os.WriteFile(img, []byte("png"), 0o644))
	require.NoError(t, os.WriteFile(doc, []byte("bin"), 0o644))

	require.NoError(t, m.SendFile(context.Background(), "peer@s.whatsapp.net", img, "a caption"))
	require.NoError(t, m.SendFile(context.Background(), "peer@s.whatsapp.net", doc, ""))

	media := sock.sentMedia()
	require.Len(t, media, 2)
	require.Equal(t, "image", media[0].Kind)
	require.Equal(t, "a caption", media[0].Caption)
	require.Equal(t, "document", media[1].Kind)
	require.Equal(t, "application/octet-stream", media[1].MimeType)
	require.Equal(t, "report.xyzbin", media[1].FileName)
}

func TestSendFileSendFailureReportedInConversation(t *testing.T) {
	m, factory, _ := newTestManager(t, testWhatsAppConfig())
	require.NoError(t, m.Start(context.Background()))
	sock, events := factory.last()
	events.OnConnectionState(ConnectionUpdate{State: StateOpen})

	dir := t.TempDir()
	path := filepath.Join(dir, "doc.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	sock.sendErr = &DisconnectError{Code: 0}
	err := m.SendFile(context.Background(), "peer@s.whatsapp.net", path, "")
	require.NoError(t, err, "send failures are reported into the conversation, not returned")
}

func TestSendTypingWithoutSocketIsNoop(t *testing.T) {
	m, _, _ := newTestManager(t, testWhatsAppConfig())
	require.NoError(t, m.SendTyping(context.Background(), "peer@s.whatsapp.net"))
}

func TestMaxTextLength(t *testing.T) {
	m, _, _ := newTestManager(t, testWhatsAppConfig())
	require.Equal(t, 3800, m.MaxTextLength())
}

type statusRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (r *statusRecorder) record(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, s)
}

func (r *statusRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

func (r *statusRecorder) containing(substr string) []string {
	var out []string
	for _, s := range r.all() {
		if strings.Contains(s, substr) {
			out = append(out, s)
		}
	}
	return out
}

type eventRecorder struct {
	mu    sync.Mutex
	types []string
}

func (r *eventRecorder) record(eventType string, _ map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, eventType)
}

func (r *eventRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.types...)
}

// dropPendingTimer discards the armed reconnect timer so a subsequent close
// event schedules a fresh attempt instead of being absorbed by the
// single-pending-timer guard.
func dropPendingTimer(m *Manager) {
	m.mu.Lock()
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.mu.Unlock()
}

func TestReconnectGiveUpAfterExhaustion(t *testing.T) {
	cfg := testWhatsAppConfig()
	cfg.Reconnect.MaxAttempts = 2
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)

	factory := &fakeFactory{}
	statuses := &statusRecorder{}
	m := NewManager(cfg, factory.factory, (&handlerRecorder{}).handle, statuses.record, log)
	defer m.Stop()

	require.NoError(t, m.Start(context.Background()))
	_, hooks := factory.last()

	for i := 0; i < 3; i++ {
		hooks.OnConnectionState(ConnectionUpdate{State: StateClosed, StatusCode: 0})
		dropPendingTimer(m)
	}

	require.Equal(t, StateClosed, m.State())
	require.Equal(t, 1, factory.count(), "no further sockets after giving up")
	m.mu.Lock()
	timer := m.reconnectTimer
	m.mu.Unlock()
	require.Nil(t, timer, "exhaustion must not leave a timer armed")
	require.NotEmpty(t, statuses.containing("gave up reconnecting after 2 attempts"))
}

func TestRestartRequiredUsesFixedShortDelay(t *testing.T) {
	cfg := testWhatsAppConfig() // initial backoff delay is 2s, so 1s identifies the restart path
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)

	factory := &fakeFactory{}
	statuses := &statusRecorder{}
	m := NewManager(cfg, factory.factory, (&handlerRecorder{}).handle, statuses.record, log)
	defer m.Stop()

	require.NoError(t, m.Start(context.Background()))
	_, hooks := factory.last()

	hooks.OnConnectionState(ConnectionUpdate{State: StateClosed, StatusCode: StatusRestartRequired})

	require.NotEmpty(t, statuses.containing("reconnecting in 1s (attempt 1/10)"),
		"restart request bypasses the backoff schedule")
	require.Eventually(t, func() bool { return factory.count() == 2 },
		3*time.Second, 50*time.Millisecond, "reconnect fires after the fixed delay")
}

func TestLifecycleEventsEmitted(t *testing.T) {
	m, factory, _ := newTestManager(t, testWhatsAppConfig())
	rec := &eventRecorder{}
	m.onEvent = rec.record

	require.NoError(t, m.Start(context.Background()))
	_, hooks := factory.last()
	hooks.OnConnectionState(ConnectionUpdate{State: StateOpen})
	hooks.OnConnectionState(ConnectionUpdate{State: StateClosed, StatusCode: 0})
	hooks.OnConnectionState(ConnectionUpdate{State: StateOpen})
	hooks.OnConnectionState(ConnectionUpdate{State: StateClosed, StatusCode: StatusLoggedOut})
	require.NoError(t, m.Stop())

	require.Equal(t, []string{
		"channel.starting",
		"channel.connected",
		"channel.disconnected",
		"channel.reconnecting",
		"channel.connected",
		"channel.logged_out",
		"channel.stopped",
	}, rec.all())
}
