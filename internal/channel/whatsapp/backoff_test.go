package whatsapp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		InitialDelay:   2 * time.Second,
		MaxDelay:       60 * time.Second,
		Factor:         2.0,
		JitterFraction: 0.2,
		MaxAttempts:    10,
	}
}

func TestBaseDelayMonotonic(t *testing.T) {
	p := testPolicy()
	prev := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		d := p.BaseDelay(attempt)
		require.GreaterOrEqual(t, d, prev, "delay must be non-decreasing at attempt %d", attempt)
		prev = d
	}
}

func TestBaseDelayFormula(t *testing.T) {
	p := testPolicy()
	require.Equal(t, 2*time.Second, p.BaseDelay(1))
	require.Equal(t, 4*time.Second, p.BaseDelay(2))
	require.Equal(t, 8*time.Second, p.BaseDelay(3))
	require.Equal(t, 32*time.Second, p.BaseDelay(5))
}

func TestBaseDelayCap(t *testing.T) {
	p := testPolicy()
	require.Equal(t, 60*time.Second, p.BaseDelay(6))
	require.Equal(t, 60*time.Second, p.BaseDelay(50))
}

func TestDelayJitterBounds(t *testing.T) {
	p := testPolicy()
	for attempt := 1; attempt <= 6; attempt++ {
		base := p.BaseDelay(attempt)
		lo := time.Duration(float64(base) * (1 - p.JitterFraction))
		hi := time.Duration(float64(base) * (1 + p.JitterFraction))
		for i := 0; i < 200; i++ {
			d := p.Delay(attempt)
			require.GreaterOrEqual(t, d, lo)
			require.LessOrEqual(t, d, hi)
		}
	}
}

func TestDelayFloor(t *testing.T) {
	p := ReconnectPolicy{
		InitialDelay:   10 * time.Millisecond,
		MaxDelay:       time.Second,
		Factor:         2.0,
		JitterFraction: 0.5,
		MaxAttempts:    10,
	}
	for i := 0; i < 200; i++ {
		require.GreaterOrEqual(t, p.Delay(1), minReconnectDelay)
	}
}

func TestDelayNoJitter(t *testing.T) {
	p := testPolicy()
	p.JitterFraction = 0
	require.Equal(t, p.BaseDelay(3), p.Delay(3))
}
