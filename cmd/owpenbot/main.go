// Package main is the entry point for owpenbot, the messaging bridge that
// connects WhatsApp and Telegram conversations to a local OpenCode engine.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/openwork/owpenbot/internal/agent"
	"github.com/openwork/owpenbot/internal/api"
	"github.com/openwork/owpenbot/internal/channel/telegram"
	"github.com/openwork/owpenbot/internal/channel/whatsapp"
	"github.com/openwork/owpenbot/internal/common/config"
	"github.com/openwork/owpenbot/internal/common/logger"
	"github.com/openwork/owpenbot/internal/events"
	"github.com/openwork/owpenbot/internal/events/bus"
	"github.com/openwork/owpenbot/internal/router"
	"github.com/openwork/owpenbot/internal/store"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting owpenbot...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize event bus (in-memory, or NATS if configured)
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsEventBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsEventBus
		defer natsEventBus.Close()
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}

	// 5. Initialize transcript store
	repo, err := store.New(ctx, cfg.Store)
	if err != nil {
		log.Fatal("Failed to initialize transcript store", zap.Error(err))
	}
	defer repo.Close()
	log.Info("Transcript store initialized", zap.String("driver", cfg.Store.Driver))

	// 6. Initialize agent engine client
	engine := agent.NewClient(cfg.Agent, log)
	if err := engine.Ping(ctx); err != nil {
		log.Warn("OpenCode engine not reachable yet", zap.Error(err))
	}

	// 7. Initialize router
	rt := router.New(engine, repo, eventBus, log)

	// 8. Initialize channel adapters
	onStatus := func(status string) {
		log.Info("Channel status", zap.String("status", status))
	}
	publishEvent := func(eventType string, data map[string]interface{}) {
		event := bus.NewEvent(eventType, events.SourceBridge, data)
		if err := eventBus.Publish(ctx, eventType, event); err != nil {
			log.Debug("Failed to publish event", zap.String("event_type", eventType), zap.Error(err))
		}
	}

	var whatsappSvc *whatsapp.Service
	if cfg.WhatsApp.Enabled {
		factory := whatsapp.NewGatewayFactory(cfg.WhatsApp.GatewayURL, log)
		whatsappSvc = whatsapp.NewService(cfg.WhatsApp, factory, rt.HandleInbound, onStatus, publishEvent, log)
		rt.Register(whatsappSvc.Adapter())

		if whatsappSvc.Linked() {
			if err := whatsappSvc.Start(ctx); err != nil {
				log.Error("Failed to start WhatsApp channel", zap.Error(err))
			}
		} else {
			log.Info("WhatsApp not linked; waiting for pairing via the control API")
		}
	}

	var telegramAdapter *telegram.Adapter
	if cfg.Telegram.Enabled && cfg.Telegram.Token != "" {
		telegramAdapter = telegram.New(cfg.Telegram, rt.HandleInbound, log)
		rt.Register(telegramAdapter)
		if err := telegramAdapter.Start(ctx); err != nil {
			log.Error("Failed to start Telegram channel", zap.Error(err))
		}
	}

	// 9. Set up control API
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engineRouter := gin.New()

	var whatsappAPI api.WhatsAppService
	if whatsappSvc != nil {
		whatsappAPI = whatsappSvc
	}
	handler := api.NewHandler(cfg, rt, repo, engine, whatsappAPI, log)
	api.SetupRoutes(engineRouter, handler, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      engineRouter,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("Control API listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start control API", zap.Error(err))
		}
	}()

	// 10. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down owpenbot...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Control API shutdown error", zap.Error(err))
	}

	if telegramAdapter != nil {
		if err := telegramAdapter.Stop(); err != nil {
			log.Error("Telegram stop error", zap.Error(err))
		}
	}

	if whatsappSvc != nil {
		if err := whatsappSvc.Stop(); err != nil {
			log.Error("WhatsApp stop error", zap.Error(err))
		}
	}

	log.Info("owpenbot stopped")
}
