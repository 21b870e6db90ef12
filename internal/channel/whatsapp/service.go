package whatsapp

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/openwork/owpenbot/internal/channel"
	"github.com/openwork/owpenbot/internal/common/config"
	apperrors "github.com/openwork/owpenbot/internal/common/errors"
	"github.com/openwork/owpenbot/internal/common/logger"
	"github.com/openwork/owpenbot/internal/events"
)

// Service bundles the steady-state Manager with the one-shot pairing flow
// and tracks the latest QR payload and status line for the control API.
type Service struct {
	cfg     config.WhatsAppConfig
	factory SocketFactory
	manager *Manager
	onEvent channel.EventFunc
	logger  *logger.Logger

	mu         sync.Mutex
	pairing    bool
	lastQR     string
	lastStatus string
}

// NewService creates the WhatsApp channel service. onStatus, when set,
// receives every status line in addition to the service recording it;
// onEvent, when set, receives typed lifecycle events for bus publication.
func NewService(cfg config.WhatsAppConfig, factory SocketFactory, handler channel.Handler, onStatus channel.StatusFunc, onEvent channel.EventFunc, log *logger.Logger) *Service {
	s := &Service{
		cfg:     cfg,
		factory: factory,
		onEvent: onEvent,
		logger:  log.WithChannel(ChannelName),
	}
	statusFn := func(msg string) {
		s.mu.Lock()
		s.lastStatus = msg
		s.mu.Unlock()
		if onStatus != nil {
			onStatus(msg)
		}
	}
	s.manager = NewManager(cfg, factory, handler, statusFn, log)
	s.manager.onEvent = onEvent
	return s
}

// Adapter returns the channel adapter for router registration.
func (s *Service) Adapter() channel.Adapter { return s.manager }

// State returns the manager's connection state.
func (s *Service) State() string { return s.manager.State() }

// Linked reports whether pairing credentials exist on disk.
func (s *Service) Linked() bool { return hasCredentials(s.cfg.CredentialDir) }

// Pairing reports whether a pairing attempt is currently running.
func (s *Service) Pairing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pairing
}

// LastQR returns the most recent pairing QR payload, empty once pairing
// completed or was never started.
func (s *Service) LastQR() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastQR
}

// LastStatus returns the most recent human-readable status line.
func (s *Service) LastStatus() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStatus
}

// Start delegates to the manager.
func (s *Service) Start(ctx context.Context) error { return s.manager.Start(ctx) }

// Stop delegates to the manager.
func (s *Service) Stop() error { return s.manager.Stop() }

// Pair runs the one-shot pairing flow and blocks until it resolves. Only
// one pairing may run at a time; the steady-state connection is stopped
// for its duration.
func (s *Service) Pair(ctx context.Context) error {
	if err := s.beginPairing(); err != nil {
		return err
	}
	defer s.endPairing()
	return s.runPairing(ctx)
}

// PairAsync admits a pairing attempt and runs it in the background,
// returning immediately. The default pairing wait is longer than any
// sensible HTTP write timeout, so callers poll progress via Pairing,
// LastQR, LastStatus, and Linked.
func (s *Service) PairAsync() error {
	if err := s.beginPairing(); err != nil {
		return err
	}
	go func() {
		defer s.endPairing()
		if err := s.runPairing(context.Background()); err != nil {
			s.logger.Error("Pairing failed", zap.Error(err))
			s.mu.Lock()
			s.lastStatus = "Pairing failed: " + err.Error()
			s.mu.Unlock()
		}
	}()
	return nil
}

func (s *Service) beginPairing() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pairing {
		return apperrors.Conflict("pairing already in progress")
	}
	s.pairing = true
	s.lastQR = ""
	return nil
}

func (s *Service) endPairing() {
	s.mu.Lock()
	s.pairing = false
	s.mu.Unlock()
}

func (s *Service) runPairing(ctx context.Context) error {
	s.notify(events.PairingStarted, nil)

	if err := s.manager.Stop(); err != nil {
		s.logger.Warn("Error stopping manager before pairing", zap.Error(err))
	}

	onQR := func(code string) {
		s.mu.Lock()
		s.lastQR = code
		s.mu.Unlock()
		s.notify(events.PairingQR, map[string]interface{}{"qr": code})
	}
	onStatus := func(msg string) {
		s.mu.Lock()
		s.lastStatus = msg
		s.mu.Unlock()
	}

	if err := PairDevice(ctx, s.cfg, s.factory, onStatus, onQR, s.logger); err != nil {
		s.notify(events.PairingFailed, map[string]interface{}{"error": err.Error()})
		return err
	}

	s.mu.Lock()
	s.lastQR = ""
	s.mu.Unlock()
	s.notify(events.PairingCompleted, nil)
	return nil
}

// Unpair stops the connection and wipes the credential directory.
func (s *Service) Unpair() error {
	if err := s.manager.Stop(); err != nil {
		return err
	}
	if err := Unpair(s.cfg.CredentialDir); err != nil {
		return err
	}
	s.notify(events.PairingCleared, nil)
	return nil
}

func (s *Service) notify(eventType string, data map[string]interface{}) {
	if s.onEvent == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["channel"] = ChannelName
	s.onEvent(eventType, data)
}
