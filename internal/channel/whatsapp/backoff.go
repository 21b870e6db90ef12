package whatsapp

import (
	"math"
	"math/rand"
	"time"

	"github.com/openwork/owpenbot/internal/common/config"
)

// minReconnectDelay is the floor every computed delay is clamped to.
const minReconnectDelay = 250 * time.Millisecond

// restartDelay is the fixed short delay used when the network asks for an
// immediate reconnect (status 515), bypassing exponential backoff.
const restartDelay = time.Second

// ReconnectPolicy computes reconnect delays. It is pure configuration; the
// attempt counter lives on the manager.
type ReconnectPolicy struct {
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Factor         float64
	JitterFraction float64
	MaxAttempts    int
}

// PolicyFromConfig builds a ReconnectPolicy from the loaded configuration.
func PolicyFromConfig(cfg config.ReconnectConfig) ReconnectPolicy {
	return ReconnectPolicy{
		InitialDelay:   time.Duration(cfg.InitialDelayMs) * time.Millisecond,
		MaxDelay:       time.Duration(cfg.MaxDelayMs) * time.Millisecond,
		Factor:         cfg.Factor,
		JitterFraction: cfg.JitterFraction,
		MaxAttempts:    cfg.MaxAttempts,
	}
}

// BaseDelay returns the unjittered delay for the given attempt (1-based):
// min(initial * factor^(attempt-1), max).
func (p ReconnectPolicy) BaseDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialDelay) * math.Pow(p.Factor, float64(attempt-1))
	if capped := float64(p.MaxDelay); d > capped {
		d = capped
	}
	return time.Duration(d)
}

// Delay returns the jittered delay for the given attempt: the base delay
// perturbed by up to ±JitterFraction of itself (uniform), floored at
// minReconnectDelay.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	base := p.BaseDelay(attempt)
	if p.JitterFraction > 0 {
		jitter := (rand.Float64()*2 - 1) * p.JitterFraction * float64(base)
		base = time.Duration(float64(base) + jitter)
	}
	if base < minReconnectDelay {
		base = minReconnectDelay
	}
	return base
}
