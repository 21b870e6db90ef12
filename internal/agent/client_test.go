package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openwork/owpenbot/internal/common/config"
	"github.com/openwork/owpenbot/internal/common/logger"
)

// fakeEngine fakes the OpenCode HTTP surface: session creation and message
// round-trips.
type fakeEngine struct {
	mu        sync.Mutex
	nextID    int
	sessions  map[string]bool
	messages  []string
	replyWith string
	srv       *httptest.Server
}

func newFakeEngine(t *testing.T) *fakeEngine {
	t.Helper()
	e := &fakeEngine{sessions: map[string]bool{}, replyWith: "pong"}
	e.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.mu.Lock()
		defer e.mu.Unlock()

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/session":
			e.nextID++
			id := fmt.Sprintf("ses_%d", e.nextID)
			e.sessions[id] = true
			json.NewEncoder(w).Encode(map[string]string{"id": id})

		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/message"):
			id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/session/"), "/message")
			if !e.sessions[id] {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			var req struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			if len(req.Parts) > 0 {
				e.messages = append(e.messages, req.Parts[0].Text)
			}
			json.NewEncoder(w).Encode(map[string]any{
				"parts": []map[string]string{{"type": "text", "text": e.replyWith}},
			})

		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(e.srv.Close)
	return e
}

func (e *fakeEngine) dropSessions() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessions = map[string]bool{}
}

func newTestClient(t *testing.T, e *fakeEngine) *Client {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	return NewClient(config.AgentConfig{
		OpenCodeURL:    e.srv.URL,
		RequestTimeout: 10,
	}, log)
}

func TestPromptCreatesAndReusesSession(t *testing.T) {
	e := newFakeEngine(t)
	c := newTestClient(t, e)

	reply, err := c.Prompt(context.Background(), "whatsapp:peer1", "hello")
	require.NoError(t, err)
	require.Equal(t, "pong", reply)
	require.Equal(t, 1, c.SessionCount())

	_, err = c.Prompt(context.Background(), "whatsapp:peer1", "again")
	require.NoError(t, err)
	require.Equal(t, 1, c.SessionCount(), "same peer reuses its session")

	_, err = c.Prompt(context.Background(), "whatsapp:peer2", "hi")
	require.NoError(t, err)
	require.Equal(t, 2, c.SessionCount(), "each peer gets its own session")
}

func TestPromptRetriesStaleSession(t *testing.T) {
	e := newFakeEngine(t)
	c := newTestClient(t, e)

	_, err := c.Prompt(context.Background(), "whatsapp:peer1", "hello")
	require.NoError(t, err)

	// Engine restarted: cached session id is gone.
	e.dropSessions()

	reply, err := c.Prompt(context.Background(), "whatsapp:peer1", "still there?")
	require.NoError(t, err)
	require.Equal(t, "pong", reply)
}

func TestPromptEngineDown(t *testing.T) {
	e := newFakeEngine(t)
	c := newTestClient(t, e)
	e.srv.Close()

	_, err := c.Prompt(context.Background(), "whatsapp:peer1", "hello")
	require.Error(t, err)
}

func TestPing(t *testing.T) {
	e := newFakeEngine(t)
	c := newTestClient(t, e)
	require.NoError(t, c.Ping(context.Background()))
}
