package safety

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterlabs/chainarb/internal/bus"
	"github.com/arbiterlabs/chainarb/internal/bus/busfake"
	"github.com/arbiterlabs/chainarb/internal/market"
)

func newTestBreakers(fake *busfake.Client) *BreakerManager {
	return NewBreakerManager(fake, BreakerConfig{
		FailureThreshold: 5,
		CooldownPeriod:   300 * time.Second,
	}, "executor", "exec-1", zerolog.Nop())
}

func TestBreakerOpensAfterThresholdFailures(t *testing.T) {
	fake := busfake.New()
	m := newTestBreakers(fake)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		m.RecordFailure(ctx, "ethereum", "rpc timeout")
		assert.True(t, m.CanExecute(ctx, "ethereum"))
	}
	m.RecordFailure(ctx, "ethereum", "rpc timeout")
	assert.False(t, m.CanExecute(ctx, "ethereum"))

	// The OPEN transition published exactly one event.
	entries := fake.Entries(bus.StreamCircuitBreaker)
	require.Len(t, entries, 1)
}

func TestBreakerHalfOpenAfterCooldown(t *testing.T) {
	fake := busfake.New()
	m := newTestBreakers(fake)
	ctx := context.Background()

	now := time.Now()
	m.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		m.RecordFailure(ctx, "ethereum", "rpc timeout")
	}
	assert.False(t, m.CanExecute(ctx, "ethereum"))

	// Cooldown elapses: the next CanExecute is a half-open probe.
	now = now.Add(301 * time.Second)
	assert.True(t, m.CanExecute(ctx, "ethereum"))

	// A probe success closes the breaker.
	m.RecordSuccess(ctx, "ethereum")
	assert.True(t, m.CanExecute(ctx, "ethereum"))

	views := m.Snapshot()
	require.Len(t, views, 1)
	assert.Equal(t, StateClosed, views[0].State)
	assert.Zero(t, views[0].ConsecutiveFailures)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	fake := busfake.New()
	m := newTestBreakers(fake)
	ctx := context.Background()

	now := time.Now()
	m.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		m.RecordFailure(ctx, "ethereum", "rpc timeout")
	}
	now = now.Add(301 * time.Second)
	require.True(t, m.CanExecute(ctx, "ethereum"))

	m.RecordFailure(ctx, "ethereum", "still sick")
	assert.False(t, m.CanExecute(ctx, "ethereum"))

	// The fresh cooldown holds for the full period again.
	now = now.Add(299 * time.Second)
	assert.False(t, m.CanExecute(ctx, "ethereum"))
	now = now.Add(2 * time.Second)
	assert.True(t, m.CanExecute(ctx, "ethereum"))
}

func TestHalfOpenProbeBudget(t *testing.T) {
	fake := busfake.New()
	m := NewBreakerManager(fake, BreakerConfig{
		FailureThreshold:    5,
		CooldownPeriod:      300 * time.Second,
		HalfOpenMaxAttempts: 2,
	}, "executor", "exec-1", zerolog.Nop())
	ctx := context.Background()

	now := time.Now()
	m.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		m.RecordFailure(ctx, "ethereum", "rpc timeout")
	}
	now = now.Add(301 * time.Second)

	assert.True(t, m.CanExecute(ctx, "ethereum"))  // probe 1
	assert.True(t, m.CanExecute(ctx, "ethereum"))  // probe 2
	assert.False(t, m.CanExecute(ctx, "ethereum")) // budget spent
}

func TestChainsAreIndependent(t *testing.T) {
	fake := busfake.New()
	m := newTestBreakers(fake)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		m.RecordFailure(ctx, "solana", "sequencer down")
	}
	assert.False(t, m.CanExecute(ctx, "solana"))
	assert.True(t, m.CanExecute(ctx, "ethereum"))
	assert.True(t, m.CanExecute(ctx, "arbitrum"))
}

func TestSuccessResetsClosedStreak(t *testing.T) {
	fake := busfake.New()
	m := newTestBreakers(fake)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		m.RecordFailure(ctx, "ethereum", "rpc timeout")
	}
	m.RecordSuccess(ctx, "ethereum")
	// The streak restarts: four more failures still don't open.
	for i := 0; i < 4; i++ {
		m.RecordFailure(ctx, "ethereum", "rpc timeout")
	}
	assert.True(t, m.CanExecute(ctx, "ethereum"))
}

func TestRestoreFromRecentOpenEvent(t *testing.T) {
	fake := busfake.New()
	ctx := context.Background()

	// A previous instance opened solana 60s ago with a 300s cooldown, and
	// closed ethereum after that.
	now := market.NowMillis()
	_, err := fake.Add(ctx, bus.StreamCircuitBreaker, BreakerEvent{
		Service: "executor", InstanceID: "exec-0", Chain: "ethereum",
		PreviousState: StateOpen, NewState: StateClosed,
		Reason: "Probe succeeded", Timestamp: now - 120_000,
	})
	require.NoError(t, err)
	_, err = fake.Add(ctx, bus.StreamCircuitBreaker, BreakerEvent{
		Service: "executor", InstanceID: "exec-0", Chain: "solana",
		PreviousState: StateClosed, NewState: StateOpen,
		Reason: "rpc timeout", Timestamp: now - 60_000,
		ConsecutiveFailures: 5, CooldownRemainingMs: 300_000,
	})
	require.NoError(t, err)

	m := newTestBreakers(fake)
	require.NoError(t, m.Restore(ctx))

	assert.False(t, m.CanExecute(ctx, "solana"))
	assert.True(t, m.CanExecute(ctx, "ethereum"))
}

func TestRestoreIgnoresExpiredOpenEvent(t *testing.T) {
	fake := busfake.New()
	ctx := context.Background()

	_, err := fake.Add(ctx, bus.StreamCircuitBreaker, BreakerEvent{
		Service: "executor", InstanceID: "exec-0", Chain: "solana",
		PreviousState: StateClosed, NewState: StateOpen,
		Reason: "rpc timeout", Timestamp: market.NowMillis() - 400_000,
	})
	require.NoError(t, err)

	m := newTestBreakers(fake)
	require.NoError(t, m.Restore(ctx))
	assert.True(t, m.CanExecute(ctx, "solana"))
}

func TestRestoreUsesLatestEventPerChain(t *testing.T) {
	fake := busfake.New()
	ctx := context.Background()
	now := market.NowMillis()

	// OPEN then CLOSED: the later CLOSED wins.
	_, err := fake.Add(ctx, bus.StreamCircuitBreaker, BreakerEvent{
		Chain: "polygon", NewState: StateOpen, Timestamp: now - 90_000,
	})
	require.NoError(t, err)
	_, err = fake.Add(ctx, bus.StreamCircuitBreaker, BreakerEvent{
		Chain: "polygon", PreviousState: StateOpen, NewState: StateClosed, Timestamp: now - 30_000,
	})
	require.NoError(t, err)

	m := newTestBreakers(fake)
	require.NoError(t, m.Restore(ctx))
	assert.True(t, m.CanExecute(ctx, "polygon"))
}
