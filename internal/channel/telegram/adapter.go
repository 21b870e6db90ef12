// Package telegram implements the Telegram channel adapter over the Bot API
// long-polling interface.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openwork/owpenbot/internal/channel"
	"github.com/openwork/owpenbot/internal/common/config"
	apperrors "github.com/openwork/owpenbot/internal/common/errors"
	"github.com/openwork/owpenbot/internal/common/logger"
)

// ChannelName is the tag applied to every inbound message from this adapter.
const ChannelName = "telegram"

// maxTextLength is the Bot API limit for a single sendMessage call.
const maxTextLength = 4096

// Adapter long-polls getUpdates and sends replies through the Bot API.
type Adapter struct {
	cfg     config.TelegramConfig
	handler channel.Handler
	logger  *logger.Logger
	client  *http.Client

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	offset  int64
}

// update mirrors the Bot API Update object, limited to what the bridge uses.
type update struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		MessageID int64  `json:"message_id"`
		Text      string `json:"text"`
		Caption   string `json:"caption"`
		Chat      struct {
			ID   int64  `json:"id"`
			Type string `json:"type"`
		} `json:"chat"`
		From *struct {
			IsBot bool `json:"is_bot"`
		} `json:"from"`
	} `json:"message"`
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

// New creates a Telegram adapter. The handler receives qualifying inbound
// messages.
func New(cfg config.TelegramConfig, handler channel.Handler, log *logger.Logger) *Adapter {
	return &Adapter{
		cfg:     cfg,
		handler: handler,
		logger:  log.WithChannel(ChannelName),
		client: &http.Client{
			// Long poll plus headroom.
			Timeout: time.Duration(cfg.PollTimeout+15) * time.Second,
		},
	}
}

// Name returns the channel tag.
func (a *Adapter) Name() string { return ChannelName }

// MaxTextLength returns the Bot API text limit.
func (a *Adapter) MaxTextLength() int { return maxTextLength }

// Start launches the long-poll loop. Idempotent.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil
	}
	pollCtx, cancel := context.WithCancel(context.Background())
	a.running = true
	a.cancel = cancel
	a.mu.Unlock()

	go a.pollLoop(pollCtx)
	a.logger.Info("Telegram polling started")
	return nil
}

// Stop cancels the long-poll loop. Idempotent.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return nil
	}
	a.running = false
	a.cancel()
	a.cancel = nil
	return nil
}

func (a *Adapter) pollLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		updates, err := a.getUpdates(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.Warn("getUpdates failed", zap.Error(err))
			select {
			case <-time.After(3 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, u := range updates {
			a.mu.Lock()
			if u.UpdateID >= a.offset {
				a.offset = u.UpdateID + 1
			}
			a.mu.Unlock()
			a.dispatch(ctx, u)
		}
	}
}

func (a *Adapter) dispatch(ctx context.Context, u update) {
	msg := u.Message
	if msg == nil {
		return
	}
	if msg.From != nil && msg.From.IsBot {
		return
	}
	if (msg.Chat.Type == "group" || msg.Chat.Type == "supergroup") && !a.cfg.AllowGroups {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		text = strings.TrimSpace(msg.Caption)
	}
	if text == "" {
		return
	}

	inbound := channel.InboundMessage{
		Channel: ChannelName,
		PeerID:  strconv.FormatInt(msg.Chat.ID, 10),
		Text:    text,
		Raw:     &u,
	}
	if err := a.handler(ctx, inbound); err != nil {
		a.logger.Error("Inbound handler failed",
			zap.String("peer_id", inbound.PeerID),
			zap.Error(err),
		)
	}
}

func (a *Adapter) getUpdates(ctx context.Context) ([]update, error) {
	a.mu.Lock()
	offset := a.offset
	a.mu.Unlock()

	payload := map[string]any{
		"timeout":         a.cfg.PollTimeout,
		"offset":          offset,
		"allowed_updates": []string{"message"},
	}

	var updates []update
	if err := a.call(ctx, "getUpdates", payload, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// SendText sends a plain text message to a chat.
func (a *Adapter) SendText(ctx context.Context, peerID, text string) error {
	a.mu.Lock()
	running := a.running
	a.mu.Unlock()
	if !running {
		return apperrors.ChannelNotConnected(ChannelName)
	}

	payload := map[string]any{
		"chat_id": peerID,
		"text":    text,
	}
	return a.call(ctx, "sendMessage", payload, nil)
}

// SendFile sends a document. Failures are reported into the conversation
// rather than returned.
func (a *Adapter) SendFile(ctx context.Context, peerID, filePath, caption string) error {
	a.mu.Lock()
	running := a.running
	a.mu.Unlock()
	if !running {
		return apperrors.ChannelNotConnected(ChannelName)
	}

	f, err := os.Open(filePath)
	if err != nil {
		if serr := a.SendText(ctx, peerID, fmt.Sprintf("File not found: %s", filePath)); serr != nil {
			a.logger.Error("Failed to deliver error text", zap.String("peer_id", peerID), zap.Error(serr))
		}
		return nil
	}
	defer f.Close()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("chat_id", peerID); err != nil {
		return err
	}
	if caption != "" {
		if err := w.WriteField("caption", caption); err != nil {
			return err
		}
	}
	part, err := w.CreateFormFile("document", filepath.Base(filePath))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return err
	}
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.methodURL("sendDocument"), &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := a.client.Do(req)
	if err == nil {
		defer resp.Body.Close()
		var apiResp apiResponse
		if derr := json.NewDecoder(resp.Body).Decode(&apiResp); derr == nil && apiResp.OK {
			return nil
		} else if apiResp.Description != "" {
			err = fmt.Errorf("sendDocument: %s", apiResp.Description)
		} else {
			err = fmt.Errorf("sendDocument: status %d", resp.StatusCode)
		}
	}

	a.logger.Warn("Document send failed", zap.String("peer_id", peerID), zap.Error(err))
	if serr := a.SendText(ctx, peerID, fmt.Sprintf("Failed to send file %s: %v", filepath.Base(filePath), err)); serr != nil {
		a.logger.Error("Failed to deliver error text", zap.String("peer_id", peerID), zap.Error(serr))
	}
	return nil
}

// SendTyping sends a best-effort chat action.
func (a *Adapter) SendTyping(ctx context.Context, peerID string) error {
	a.mu.Lock()
	running := a.running
	a.mu.Unlock()
	if !running {
		return nil
	}

	payload := map[string]any{
		"chat_id": peerID,
		"action":  "typing",
	}
	if err := a.call(ctx, "sendChatAction", payload, nil); err != nil {
		a.logger.Debug("Typing indicator failed", zap.String("peer_id", peerID), zap.Error(err))
	}
	return nil
}

func (a *Adapter) methodURL(method string) string {
	base := strings.TrimSuffix(a.cfg.APIBaseURL, "/")
	return fmt.Sprintf("%s/bot%s/%s", base, a.cfg.Token, method)
}

// call performs a JSON Bot API request and decodes the result into out.
func (a *Adapter) call(ctx context.Context, method string, payload any, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.methodURL(method), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", method, err)
	}
	defer resp.Body.Close()

	var apiResp apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if !apiResp.OK {
		return fmt.Errorf("%s failed: %s", method, apiResp.Description)
	}
	if out != nil && apiResp.Result != nil {
		if err := json.Unmarshal(apiResp.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}
