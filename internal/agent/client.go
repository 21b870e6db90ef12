// Package agent provides the HTTP client for the OpenCode engine: session
// management per conversation peer and prompt round-trips.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/openwork/owpenbot/internal/common/config"
	"github.com/openwork/owpenbot/internal/common/logger"
)

// Client talks to a running OpenCode engine. Each conversation peer gets its
// own engine session, cached for the lifetime of the process.
type Client struct {
	cfg    config.AgentConfig
	logger *logger.Logger
	http   *http.Client

	mu       sync.Mutex
	sessions map[string]string // session key -> engine session id
}

type sessionResponse struct {
	ID string `json:"id"`
}

type messagePart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type messageRequest struct {
	ProviderID string        `json:"providerID,omitempty"`
	ModelID    string        `json:"modelID,omitempty"`
	Parts      []messagePart `json:"parts"`
}

type messageResponse struct {
	Parts []messagePart `json:"parts"`
}

// NewClient creates an OpenCode client.
func NewClient(cfg config.AgentConfig, log *logger.Logger) *Client {
	return &Client{
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "agent")),
		http:     &http.Client{Timeout: cfg.RequestTimeoutDuration()},
		sessions: make(map[string]string),
	}
}

// Prompt sends text to the engine session for sessionKey and returns the
// concatenated text parts of the reply. A stale cached session is replaced
// with a fresh one and the prompt retried once.
func (c *Client) Prompt(ctx context.Context, sessionKey, text string) (string, error) {
	sessionID, cached, err := c.ensureSession(ctx, sessionKey)
	if err != nil {
		return "", err
	}

	reply, err := c.sendMessage(ctx, sessionID, text)
	if err != nil && cached && isSessionGone(err) {
		c.logger.Info("Cached session expired, creating a new one",
			zap.String("session_key", sessionKey))
		c.forgetSession(sessionKey)
		sessionID, _, err = c.ensureSession(ctx, sessionKey)
		if err != nil {
			return "", err
		}
		reply, err = c.sendMessage(ctx, sessionID, text)
	}
	if err != nil {
		return "", err
	}
	return reply, nil
}

// Ping checks that the engine is reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/app"), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("opencode unreachable: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 500 {
		return fmt.Errorf("opencode unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// SessionCount returns the number of cached engine sessions.
func (c *Client) SessionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// ensureSession returns the engine session id for sessionKey, creating one
// if needed. cached reports whether the id came from the cache.
func (c *Client) ensureSession(ctx context.Context, sessionKey string) (string, bool, error) {
	c.mu.Lock()
	if id, ok := c.sessions[sessionKey]; ok {
		c.mu.Unlock()
		return id, true, nil
	}
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/session"), bytes.NewReader([]byte("{}")))
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("create session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", false, fmt.Errorf("create session: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var session sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", false, fmt.Errorf("decode session response: %w", err)
	}
	if session.ID == "" {
		return "", false, fmt.Errorf("create session: engine returned empty id")
	}

	c.mu.Lock()
	c.sessions[sessionKey] = session.ID
	c.mu.Unlock()

	c.logger.Debug("Created engine session",
		zap.String("session_key", sessionKey),
		zap.String("session_id", session.ID),
	)
	return session.ID, false, nil
}

func (c *Client) forgetSession(sessionKey string) {
	c.mu.Lock()
	delete(c.sessions, sessionKey)
	c.mu.Unlock()
}

// sendMessage posts a text prompt to a session and extracts the reply text.
func (c *Client) sendMessage(ctx context.Context, sessionID, text string) (string, error) {
	body, err := json.Marshal(messageRequest{
		ProviderID: c.cfg.Provider,
		ModelID:    c.cfg.Model,
		Parts:      []messagePart{{Type: "text", Text: text}},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.url("/session/"+sessionID+"/message"), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &engineError{
			status: resp.StatusCode,
			body:   strings.TrimSpace(string(data)),
		}
	}

	var msg messageResponse
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return "", fmt.Errorf("decode message response: %w", err)
	}

	var parts []string
	for _, p := range msg.Parts {
		if p.Type == "text" && strings.TrimSpace(p.Text) != "" {
			parts = append(parts, p.Text)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n")), nil
}

func (c *Client) url(path string) string {
	return strings.TrimSuffix(c.cfg.OpenCodeURL, "/") + path
}

type engineError struct {
	status int
	body   string
}

func (e *engineError) Error() string {
	if e.body != "" {
		return fmt.Sprintf("engine returned status %d: %s", e.status, e.body)
	}
	return fmt.Sprintf("engine returned status %d", e.status)
}

func isSessionGone(err error) bool {
	ee, ok := err.(*engineError)
	return ok && (ee.status == http.StatusNotFound || ee.status == http.StatusGone)
}
