package router

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"github.com/openwork/owpenbot/internal/channel"
	"github.com/openwork/owpenbot/internal/common/logger"
	"github.com/openwork/owpenbot/internal/events"
	"github.com/openwork/owpenbot/internal/events/bus"
	"github.com/openwork/owpenbot/internal/store"
)

// recordingBus captures published subjects.
type recordingBus struct {
	mu       sync.Mutex
	subjects []string
}

func (b *recordingBus) Publish(_ context.Context, subject string, _ *bus.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subjects = append(b.subjects, subject)
	return nil
}

func (b *recordingBus) Subscribe(string, bus.EventHandler) (bus.Subscription, error) {
	return nil, nil
}

func (b *recordingBus) Close()            {}
func (b *recordingBus) IsConnected() bool { return true }

func (b *recordingBus) published() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.subjects...)
}

type fakeAdapter struct {
	name    string
	maxLen  int
	sent    []string
	typing  int
	sendErr error
}

func (f *fakeAdapter) Name() string                        { return f.name }
func (f *fakeAdapter) Start(context.Context) error         { return nil }
func (f *fakeAdapter) Stop() error                         { return nil }
func (f *fakeAdapter) MaxTextLength() int                  { return f.maxLen }
func (f *fakeAdapter) SendFile(context.Context, string, string, string) error { return nil }

func (f *fakeAdapter) SendText(_ context.Context, _, text string) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeAdapter) SendTyping(context.Context, string) error {
	f.typing++
	return nil
}

type fakeAgent struct {
	reply   string
	err     error
	prompts []string
	keys    []string
}

func (f *fakeAgent) Prompt(_ context.Context, sessionKey, text string) (string, error) {
	f.keys = append(f.keys, sessionKey)
	f.prompts = append(f.prompts, text)
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func newTestRouter(t *testing.T, ag Agent, repo store.Repository) (*Router, *fakeAdapter) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)

	r := New(ag, repo, nil, log)
	adapter := &fakeAdapter{name: "whatsapp", maxLen: 3800}
	r.Register(adapter)
	return r, adapter
}

func inbound(text string) channel.InboundMessage {
	return channel.InboundMessage{
		Channel: "whatsapp",
		PeerID:  "peer1",
		Text:    text,
	}
}

func TestHandleInboundRoundTrip(t *testing.T) {
	ag := &fakeAgent{reply: "hello from the agent"}
	repo := store.NewMemoryRepository(0)
	r, adapter := newTestRouter(t, ag, repo)

	require.NoError(t, r.HandleInbound(context.Background(), inbound("hi")))

	require.Equal(t, []string{"whatsapp:peer1"}, ag.keys)
	require.Equal(t, []string{"hi"}, ag.prompts)
	require.Equal(t, []string{"hello from the agent"}, adapter.sent)
	require.Equal(t, 1, adapter.typing)

	msgs, err := repo.ListMessages(context.Background(), "whatsapp", "peer1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, store.DirectionIn, msgs[0].Direction)
	require.Equal(t, store.DirectionOut, msgs[1].Direction)
}

func TestHandleInboundAgentErrorReportedInConversation(t *testing.T) {
	ag := &fakeAgent{err: fmt.Errorf("engine offline")}
	r, adapter := newTestRouter(t, ag, nil)

	err := r.HandleInbound(context.Background(), inbound("hi"))
	require.Error(t, err)

	require.Len(t, adapter.sent, 1)
	require.Contains(t, adapter.sent[0], "Agent error")
	require.Contains(t, adapter.sent[0], "engine offline")
}

func TestHandleInboundEmptyReplySendsNothing(t *testing.T) {
	ag := &fakeAgent{reply: "   "}
	r, adapter := newTestRouter(t, ag, nil)

	require.NoError(t, r.HandleInbound(context.Background(), inbound("hi")))
	require.Empty(t, adapter.sent)
}

func TestHandleInboundUnknownChannel(t *testing.T) {
	ag := &fakeAgent{reply: "x"}
	r, _ := newTestRouter(t, ag, nil)

	msg := channel.InboundMessage{Channel: "carrier-pigeon", PeerID: "p", Text: "hi"}
	require.Error(t, r.HandleInbound(context.Background(), msg))
}

func TestHandleInboundLongReplySplit(t *testing.T) {
	lines := make([]string, 40)
	for i := range lines {
		lines[i] = strings.Repeat("x", 100)
	}
	ag := &fakeAgent{reply: strings.Join(lines, "\n")}

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	r := New(ag, nil, nil, log)
	adapter := &fakeAdapter{name: "whatsapp", maxLen: 1000}
	r.Register(adapter)

	require.NoError(t, r.HandleInbound(context.Background(), inbound("hi")))

	require.Greater(t, len(adapter.sent), 1)
	for _, chunk := range adapter.sent {
		require.LessOrEqual(t, len(chunk), 1000)
	}
	require.Equal(t, strings.Join(lines, ""), strings.ReplaceAll(strings.Join(adapter.sent, ""), "\n", ""))
}

func TestSplitMessage(t *testing.T) {
	t.Run("short passes through", func(t *testing.T) {
		require.Equal(t, []string{"hello"}, splitMessage("hello", 10))
	})

	t.Run("prefers newline boundary", func(t *testing.T) {
		text := strings.Repeat("a", 60) + "\n" + strings.Repeat("b", 60)
		chunks := splitMessage(text, 100)
		require.Equal(t, []string{strings.Repeat("a", 60), strings.Repeat("b", 60)}, chunks)
	})

	t.Run("falls back to space", func(t *testing.T) {
		text := strings.Repeat("a", 60) + " " + strings.Repeat("b", 60)
		chunks := splitMessage(text, 100)
		require.Equal(t, []string{strings.Repeat("a", 60), strings.Repeat("b", 60)}, chunks)
	})

	t.Run("hard cut without boundaries", func(t *testing.T) {
		text := strings.Repeat("a", 250)
		chunks := splitMessage(text, 100)
		require.Equal(t, []string{strings.Repeat("a", 100), strings.Repeat("a", 100), strings.Repeat("a", 50)}, chunks)
	})

	t.Run("hard cut never tears a rune", func(t *testing.T) {
		text := strings.Repeat("好", 2000)
		chunks := splitMessage(text, 3800)
		require.Greater(t, len(chunks), 1)
		for _, chunk := range chunks {
			require.True(t, utf8.ValidString(chunk))
			require.LessOrEqual(t, len(chunk), 3800)
		}
		require.Equal(t, text, strings.Join(chunks, ""))
	})
}

func TestHandleInboundSendFailurePublishesMessageFailed(t *testing.T) {
	ag := &fakeAgent{reply: "hello"}
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)

	eventBus := &recordingBus{}
	r := New(ag, nil, eventBus, log)
	adapter := &fakeAdapter{name: "whatsapp", maxLen: 3800, sendErr: fmt.Errorf("socket gone")}
	r.Register(adapter)

	require.Error(t, r.HandleInbound(context.Background(), inbound("hi")))
	require.Contains(t, eventBus.published(), events.MessageFailed)
	require.NotContains(t, eventBus.published(), events.MessageOutbound)
}
