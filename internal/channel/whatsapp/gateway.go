package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/openwork/owpenbot/internal/common/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024 * 1024
	requestTimeout = 30 * time.Second
)

// gatewayFrame is the JSON envelope exchanged with the WhatsApp gateway
// sidecar. The gateway runs on the same host and owns the actual network
// session plus the credential directory.
type gatewayFrame struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`

	// init
	CredentialDir string `json:"credentialDir,omitempty"`
	PrintQR       bool   `json:"printQr,omitempty"`

	// sendText / sendMedia / presence
	ChatID   string `json:"chatId,omitempty"`
	Text     string `json:"text,omitempty"`
	Kind     string `json:"kind,omitempty"`
	Path     string `json:"path,omitempty"`
	MimeType string `json:"mimetype,omitempty"`
	FileName string `json:"fileName,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Presence string `json:"presence,omitempty"`

	// response
	OK        bool   `json:"ok,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`

	// connection
	State      string `json:"state,omitempty"`
	StatusCode int    `json:"statusCode,omitempty"`

	// qr
	Code string `json:"code,omitempty"`

	// messages
	Messages []RawMessage `json:"messages,omitempty"`
}

// gatewaySocket is the production Socket: a WebSocket connection to the
// gateway sidecar with request/response correlation for sends and push
// frames for connection state, QR codes, and inbound batches.
type gatewaySocket struct {
	conn   *websocket.Conn
	events SocketEvents
	logger *logger.Logger

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan gatewayFrame

	done      chan struct{}
	closeOnce sync.Once
}

// NewGatewayFactory returns a SocketFactory that dials the gateway sidecar
// at gatewayURL for every connection attempt.
func NewGatewayFactory(gatewayURL string, log *logger.Logger) SocketFactory {
	log = log.WithChannel(ChannelName)
	return func(ctx context.Context, opts SocketOptions, events SocketEvents) (Socket, error) {
		dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
		conn, _, err := dialer.DialContext(ctx, gatewayURL, nil)
		if err != nil {
			return nil, fmt.Errorf("dial gateway %s: %w", gatewayURL, err)
		}

		s := &gatewaySocket{
			conn:    conn,
			events:  events,
			logger:  log,
			pending: make(map[string]chan gatewayFrame),
			done:    make(chan struct{}),
		}

		if err := s.writeFrame(gatewayFrame{
			Type:          "init",
			CredentialDir: opts.CredentialDir,
			PrintQR:       opts.PrintQR,
		}); err != nil {
			conn.Close()
			return nil, fmt.Errorf("send init frame: %w", err)
		}

		go s.readLoop()
		go s.pingLoop()
		return s, nil
	}
}

func (s *gatewaySocket) readLoop() {
	defer s.Close()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				// Deliberate close; the close path already reported state.
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Warn("Gateway read error", zap.Error(err))
				}
				s.dispatchConnectionState(ConnectionUpdate{State: StateClosed, Err: err})
			}
			return
		}

		var frame gatewayFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.logger.Warn("Invalid gateway frame", zap.Error(err))
			continue
		}
		s.dispatch(frame)
	}
}

func (s *gatewaySocket) dispatch(frame gatewayFrame) {
	switch frame.Type {
	case "response":
		s.pendingMu.Lock()
		ch, ok := s.pending[frame.ID]
		delete(s.pending, frame.ID)
		s.pendingMu.Unlock()
		if ok {
			ch <- frame
		}
	case "connection":
		var err error
		if frame.Error != "" {
			err = fmt.Errorf("%s", frame.Error)
		}
		s.dispatchConnectionState(ConnectionUpdate{
			State:      frame.State,
			StatusCode: frame.StatusCode,
			Err:        err,
		})
	case "messages":
		if s.events.OnMessageBatch != nil {
			s.events.OnMessageBatch(frame.Messages)
		}
	case "qr":
		if s.events.OnQR != nil {
			s.events.OnQR(frame.Code)
		}
	default:
		s.logger.Debug("Unknown gateway frame type", zap.String("type", frame.Type))
	}
}

func (s *gatewaySocket) dispatchConnectionState(update ConnectionUpdate) {
	if s.events.OnConnectionState != nil {
		s.events.OnConnectionState(update)
	}
}

func (s *gatewaySocket) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.writeMu.Lock()
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *gatewaySocket) writeFrame(frame gatewayFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// request sends a frame and waits for the matching response.
func (s *gatewaySocket) request(ctx context.Context, frame gatewayFrame) (gatewayFrame, error) {
	frame.ID = uuid.New().String()
	ch := make(chan gatewayFrame, 1)

	s.pendingMu.Lock()
	s.pending[frame.ID] = ch
	s.pendingMu.Unlock()

	cleanup := func() {
		s.pendingMu.Lock()
		delete(s.pending, frame.ID)
		s.pendingMu.Unlock()
	}

	if err := s.writeFrame(frame); err != nil {
		cleanup()
		return gatewayFrame{}, err
	}

	select {
	case resp := <-ch:
		if !resp.OK {
			return resp, fmt.Errorf("gateway %s failed: %s", frame.Type, resp.Error)
		}
		return resp, nil
	case <-time.After(requestTimeout):
		cleanup()
		return gatewayFrame{}, fmt.Errorf("gateway %s timed out", frame.Type)
	case <-ctx.Done():
		cleanup()
		return gatewayFrame{}, ctx.Err()
	case <-s.done:
		cleanup()
		return gatewayFrame{}, fmt.Errorf("socket closed")
	}
}

func (s *gatewaySocket) SendText(ctx context.Context, chatID, text string) (string, error) {
	resp, err := s.request(ctx, gatewayFrame{
		Type:   "sendText",
		ChatID: chatID,
		Text:   text,
	})
	if err != nil {
		return "", err
	}
	return resp.MessageID, nil
}

func (s *gatewaySocket) SendMedia(ctx context.Context, chatID string, media Media) (string, error) {
	resp, err := s.request(ctx, gatewayFrame{
		Type:     "sendMedia",
		ChatID:   chatID,
		Kind:     media.Kind,
		Path:     media.Path,
		MimeType: media.MimeType,
		FileName: media.FileName,
		Caption:  media.Caption,
	})
	if err != nil {
		return "", err
	}
	return resp.MessageID, nil
}

func (s *gatewaySocket) SendPresence(ctx context.Context, chatID, kind string) error {
	_, err := s.request(ctx, gatewayFrame{
		Type:     "presence",
		ChatID:   chatID,
		Presence: kind,
	})
	return err
}

// Close tears down the connection. Safe to call more than once.
func (s *gatewaySocket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}
