// Package router wires inbound channel messages to the agent engine and
// fans replies back out to the originating channel.
package router

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/openwork/owpenbot/internal/channel"
	"github.com/openwork/owpenbot/internal/common/logger"
	"github.com/openwork/owpenbot/internal/events"
	"github.com/openwork/owpenbot/internal/events/bus"
	"github.com/openwork/owpenbot/internal/store"
)

// Agent is the prompt round-trip the router depends on.
type Agent interface {
	Prompt(ctx context.Context, sessionKey, text string) (string, error)
}

// Router delivers inbound messages to the agent and replies to the channel
// the message came from. Message handling is sequential per adapter batch.
type Router struct {
	adapters map[string]channel.Adapter
	agent    Agent
	repo     store.Repository
	bus      bus.EventBus
	logger   *logger.Logger
}

// New creates a Router. repo and eventBus may be nil when transcripts or
// events are not wanted.
func New(agent Agent, repo store.Repository, eventBus bus.EventBus, log *logger.Logger) *Router {
	return &Router{
		adapters: make(map[string]channel.Adapter),
		agent:    agent,
		repo:     repo,
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "router")),
	}
}

// Register adds a channel adapter. Must be called before messages flow.
func (r *Router) Register(adapter channel.Adapter) {
	r.adapters[adapter.Name()] = adapter
}

// Adapter returns the registered adapter for a channel name.
func (r *Router) Adapter(name string) (channel.Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

// sessionKey identifies one conversation across restarts of the engine.
func sessionKey(msg channel.InboundMessage) string {
	return msg.Channel + ":" + msg.PeerID
}

// HandleInbound is the channel.Handler the adapters deliver into.
func (r *Router) HandleInbound(ctx context.Context, msg channel.InboundMessage) error {
	adapter, ok := r.adapters[msg.Channel]
	if !ok {
		return fmt.Errorf("no adapter registered for channel %q", msg.Channel)
	}

	log := r.logger.WithChannel(msg.Channel).WithPeer(msg.PeerID)
	log.Info("Inbound message", zap.Int("length", len(msg.Text)))

	r.publish(ctx, events.MessageInbound, map[string]interface{}{
		"channel": msg.Channel,
		"peer_id": msg.PeerID,
	})
	r.save(ctx, msg.Channel, msg.PeerID, store.DirectionIn, msg.Text)

	// Cosmetic; never blocks the turn.
	adapter.SendTyping(ctx, msg.PeerID)

	started := time.Now()
	r.publish(ctx, events.TurnStarted, map[string]interface{}{
		"session_key": sessionKey(msg),
	})

	reply, err := r.agent.Prompt(ctx, sessionKey(msg), msg.Text)
	if err != nil {
		log.Error("Agent prompt failed", zap.Error(err))
		r.publish(ctx, events.TurnFailed, map[string]interface{}{
			"session_key": sessionKey(msg),
			"error":       err.Error(),
		})
		if serr := adapter.SendText(ctx, msg.PeerID, "Agent error: "+err.Error()); serr != nil {
			log.Error("Failed to deliver agent error", zap.Error(serr))
		}
		return err
	}

	r.publish(ctx, events.TurnCompleted, map[string]interface{}{
		"session_key": sessionKey(msg),
		"duration_ms": time.Since(started).Milliseconds(),
	})

	if strings.TrimSpace(reply) == "" {
		log.Debug("Empty agent reply, nothing to send")
		return nil
	}

	for _, chunk := range splitMessage(reply, adapter.MaxTextLength()) {
		if err := adapter.SendText(ctx, msg.PeerID, chunk); err != nil {
			log.Error("Failed to send reply chunk", zap.Error(err))
			r.publish(ctx, events.MessageFailed, map[string]interface{}{
				"channel": msg.Channel,
				"peer_id": msg.PeerID,
				"error":   err.Error(),
			})
			return err
		}
		r.save(ctx, msg.Channel, msg.PeerID, store.DirectionOut, chunk)
	}

	r.publish(ctx, events.MessageOutbound, map[string]interface{}{
		"channel": msg.Channel,
		"peer_id": msg.PeerID,
	})
	return nil
}

func (r *Router) save(ctx context.Context, channelName, peerID, direction, text string) {
	if r.repo == nil {
		return
	}
	err := r.repo.SaveMessage(ctx, &store.Message{
		Channel:   channelName,
		PeerID:    peerID,
		Direction: direction,
		Text:      text,
	})
	if err != nil {
		r.logger.Warn("Failed to persist transcript entry", zap.Error(err))
	}
}

func (r *Router) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if r.bus == nil {
		return
	}
	event := bus.NewEvent(eventType, events.SourceBridge, data)
	if err := r.bus.Publish(ctx, eventType, event); err != nil {
		r.logger.Debug("Failed to publish event", zap.String("event_type", eventType), zap.Error(err))
	}
}

// splitMessage cuts text into chunks of at most max bytes, preferring to
// break at a newline, then at a space, before cutting mid-word. A hard cut
// backs up to a rune boundary so no chunk ever carries a torn rune.
func splitMessage(text string, max int) []string {
	if max <= 0 || len(text) <= max {
		return []string{text}
	}

	var chunks []string
	remaining := text
	for len(remaining) > max {
		cut := strings.LastIndex(remaining[:max], "\n")
		if cut < max/2 {
			if sp := strings.LastIndex(remaining[:max], " "); sp >= max/2 {
				cut = sp
			} else {
				cut = max
				for cut > 0 && !utf8.RuneStart(remaining[cut]) {
					cut--
				}
				if cut == 0 {
					cut = max
				}
			}
		}
		chunk := strings.TrimRight(remaining[:cut], "\n ")
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		remaining = strings.TrimLeft(remaining[cut:], "\n ")
	}
	if remaining != "" {
		chunks = append(chunks, remaining)
	}
	return chunks
}
