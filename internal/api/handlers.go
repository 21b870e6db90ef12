package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/openwork/owpenbot/internal/common/config"
	"github.com/openwork/owpenbot/internal/common/errors"
	"github.com/openwork/owpenbot/internal/common/logger"
	"github.com/openwork/owpenbot/internal/router"
	"github.com/openwork/owpenbot/internal/store"
	v1 "github.com/openwork/owpenbot/pkg/api/v1"
)

// WhatsAppService is the slice of the WhatsApp channel service the control
// surface needs.
type WhatsAppService interface {
	State() string
	Linked() bool
	Pairing() bool
	LastQR() string
	LastStatus() string
	Start(ctx context.Context) error
	Stop() error
	PairAsync() error
	Unpair() error
}

// AgentPinger checks engine reachability for the health endpoints.
type AgentPinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers for the bridge control API
type Handler struct {
	cfg      *config.Config
	router   *router.Router
	repo     store.Repository
	agent    AgentPinger
	whatsapp WhatsAppService
	logger   *logger.Logger
}

// NewHandler creates a new API handler. whatsapp may be nil when the channel
// is disabled.
func NewHandler(cfg *config.Config, rt *router.Router, repo store.Repository, agent AgentPinger, whatsapp WhatsAppService, log *logger.Logger) *Handler {
	return &Handler{
		cfg:      cfg,
		router:   rt,
		repo:     repo,
		agent:    agent,
		whatsapp: whatsapp,
		logger:   log,
	}
}

func (h *Handler) telegramConfigured() bool {
	return h.cfg.Telegram.Enabled && h.cfg.Telegram.Token != ""
}

// Health reports liveness plus a channel summary.
// GET /health
func (h *Handler) Health(c *gin.Context) {
	reachable := h.agent.Ping(c.Request.Context()) == nil

	whatsappUp := false
	if h.whatsapp != nil {
		whatsappUp = h.whatsapp.Linked()
	}

	c.JSON(http.StatusOK, v1.HealthResponse{
		Status: "ok",
		OpenCode: v1.OpenCodeStatus{
			URL:       h.cfg.Agent.OpenCodeURL,
			Reachable: reachable,
		},
		Channels: map[string]bool{
			"whatsapp": whatsappUp,
			"telegram": h.telegramConfigured(),
		},
	})
}

// Status reports the full bridge status.
// GET /api/v1/status
func (h *Handler) Status(c *gin.Context) {
	resp := v1.StatusResponse{
		OpenCode: v1.OpenCodeStatus{
			URL:       h.cfg.Agent.OpenCodeURL,
			Reachable: h.agent.Ping(c.Request.Context()) == nil,
		},
		Telegram: v1.TelegramStatus{
			Enabled:    h.cfg.Telegram.Enabled,
			Configured: h.telegramConfigured(),
		},
	}

	resp.WhatsApp.Enabled = h.cfg.WhatsApp.Enabled
	if h.whatsapp != nil {
		resp.WhatsApp.State = h.whatsapp.State()
		resp.WhatsApp.Linked = h.whatsapp.Linked()
		resp.WhatsApp.Pairing = h.whatsapp.Pairing()
		resp.WhatsApp.LastStatus = h.whatsapp.LastStatus()
	} else {
		resp.WhatsApp.State = v1.ChannelStateIdle
	}

	c.JSON(http.StatusOK, resp)
}

// StartWhatsApp starts the WhatsApp connection manager.
// POST /api/v1/channels/whatsapp/start
func (h *Handler) StartWhatsApp(c *gin.Context) {
	if h.whatsapp == nil {
		h.whatsappDisabled(c)
		return
	}
	if err := h.whatsapp.Start(c.Request.Context()); err != nil {
		h.logger.Error("failed to start whatsapp", zap.Error(err))
		appErr := errors.InternalError("failed to start whatsapp", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": h.whatsapp.State()})
}

// StopWhatsApp stops the WhatsApp connection manager.
// POST /api/v1/channels/whatsapp/stop
func (h *Handler) StopWhatsApp(c *gin.Context) {
	if h.whatsapp == nil {
		h.whatsappDisabled(c)
		return
	}
	if err := h.whatsapp.Stop(); err != nil {
		appErr := errors.InternalError("failed to stop whatsapp", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": h.whatsapp.State()})
}

// PairWhatsApp starts the one-shot pairing flow in the background and
// returns immediately; pairing waits far longer than the server's write
// timeout, so the outcome is polled via QRWhatsApp and Status.
// POST /api/v1/channels/whatsapp/pair
func (h *Handler) PairWhatsApp(c *gin.Context) {
	if h.whatsapp == nil {
		h.whatsappDisabled(c)
		return
	}
	if err := h.whatsapp.PairAsync(); err != nil {
		h.logger.Error("pairing not started", zap.Error(err))
		appErr := errors.Wrap(err, "pairing not started")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusAccepted, v1.PairResponse{
		Pairing: true,
		Linked:  h.whatsapp.Linked(),
	})
}

// QRWhatsApp returns the current pairing QR payload, if any.
// GET /api/v1/channels/whatsapp/qr
func (h *Handler) QRWhatsApp(c *gin.Context) {
	if h.whatsapp == nil {
		h.whatsappDisabled(c)
		return
	}
	c.JSON(http.StatusOK, v1.QRResponse{QR: h.whatsapp.LastQR()})
}

// UnpairWhatsApp wipes the stored credentials.
// POST /api/v1/channels/whatsapp/unpair
func (h *Handler) UnpairWhatsApp(c *gin.Context) {
	if h.whatsapp == nil {
		h.whatsappDisabled(c)
		return
	}
	if err := h.whatsapp.Unpair(); err != nil {
		appErr := errors.InternalError("failed to unpair", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"linked": false})
}

// SendMessage sends a text or file out over a channel.
// POST /api/v1/messages/send
func (h *Handler) SendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if req.Text == "" && req.FilePath == "" {
		appErr := errors.BadRequest("either text or file_path is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	adapter, ok := h.router.Adapter(req.Channel)
	if !ok {
		appErr := errors.NotFound("channel", req.Channel)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	ctx := c.Request.Context()
	var err error
	if req.FilePath != "" {
		err = adapter.SendFile(ctx, req.PeerID, req.FilePath, req.Caption)
	} else {
		err = adapter.SendText(ctx, req.PeerID, req.Text)
	}
	if err != nil {
		h.logger.Error("failed to send message",
			zap.String("channel", req.Channel),
			zap.Error(err),
		)
		appErr := errors.Wrap(err, "failed to send message")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"sent": true})
}

// ListConversations lists transcript summaries.
// GET /api/v1/conversations?channel=
func (h *Handler) ListConversations(c *gin.Context) {
	convs, err := h.repo.ListConversations(c.Request.Context(), c.Query("channel"))
	if err != nil {
		appErr := errors.InternalError("failed to list conversations", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	out := make([]v1.ConversationSummary, 0, len(convs))
	for _, conv := range convs {
		out = append(out, v1.ConversationSummary{
			Channel:       conv.Channel,
			PeerID:        conv.PeerID,
			MessageCount:  conv.MessageCount,
			LastMessageAt: conv.LastMessageAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"conversations": out})
}

// ListMessages lists a peer's transcript.
// GET /api/v1/conversations/:channel/:peerId/messages?limit=
func (h *Handler) ListMessages(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			appErr := errors.BadRequest("limit must be a non-negative integer")
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		limit = parsed
	}

	msgs, err := h.repo.ListMessages(c.Request.Context(), c.Param("channel"), c.Param("peerId"), limit)
	if err != nil {
		appErr := errors.InternalError("failed to list messages", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	out := make([]v1.TranscriptMessage, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, v1.TranscriptMessage{
			ID:        msg.ID,
			Channel:   msg.Channel,
			PeerID:    msg.PeerID,
			Direction: msg.Direction,
			Text:      msg.Text,
			CreatedAt: msg.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"messages": out})
}

func (h *Handler) whatsappDisabled(c *gin.Context) {
	appErr := errors.BadRequest("whatsapp channel is disabled")
	c.JSON(appErr.HTTPStatus, appErr)
}
