// Package safety holds the execution-side protection layer: per-chain circuit
// breakers persisted through the bus, and the wallet balance monitor.
package safety

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/arbiterlabs/chainarb/internal/bus"
	"github.com/arbiterlabs/chainarb/internal/market"
)

// BreakerState is a circuit breaker state.
type BreakerState string

const (
	StateClosed   BreakerState = "CLOSED"
	StateOpen     BreakerState = "OPEN"
	StateHalfOpen BreakerState = "HALF_OPEN"
)

// BreakerConfig holds per-chain breaker settings.
type BreakerConfig struct {
	FailureThreshold    int           // consecutive failures that open (default 5)
	CooldownPeriod      time.Duration // OPEN hold-off (default 300s)
	HalfOpenMaxAttempts int           // concurrent probes allowed half-open (default 3)
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.CooldownPeriod <= 0 {
		c.CooldownPeriod = 300 * time.Second
	}
	if c.HalfOpenMaxAttempts <= 0 {
		c.HalfOpenMaxAttempts = 3
	}
	return c
}

// BreakerEvent is the state-change envelope published to the circuit-breaker
// stream. A restarting instance replays recent events to avoid hammering a
// chain that was sick when the previous instance died.
type BreakerEvent struct {
	Service             string       `json:"service"`
	InstanceID          string       `json:"instanceId"`
	Chain               string       `json:"chain"`
	PreviousState       BreakerState `json:"previousState"`
	NewState            BreakerState `json:"newState"`
	Reason              string       `json:"reason"`
	Timestamp           int64        `json:"timestamp"`
	ConsecutiveFailures int          `json:"consecutiveFailures"`
	CooldownRemainingMs int64        `json:"cooldownRemainingMs"`
}

// BreakerView is a read-only snapshot of one breaker.
type BreakerView struct {
	Chain               string       `json:"chain"`
	State               BreakerState `json:"state"`
	ConsecutiveFailures int          `json:"consecutiveFailures"`
	CooldownUntil       int64        `json:"cooldownUntil,omitempty"`
	HalfOpenAttempts    int          `json:"halfOpenAttempts"`
}

type breaker struct {
	state               BreakerState
	consecutiveFailures int
	cooldownUntil       time.Time
	halfOpenAttempts    int
}

// BreakerManager owns one circuit breaker per chain, created lazily. Chains
// are independent: one chain tripping never affects another.
type BreakerManager struct {
	bus        bus.Client
	cfg        BreakerConfig
	service    string
	instanceID string

	mu       sync.Mutex
	breakers map[string]*breaker

	now func() time.Time
	log zerolog.Logger
}

// NewBreakerManager creates an empty manager.
func NewBreakerManager(busClient bus.Client, cfg BreakerConfig, service, instanceID string, log zerolog.Logger) *BreakerManager {
	return &BreakerManager{
		bus:        busClient,
		cfg:        cfg.withDefaults(),
		service:    service,
		instanceID: instanceID,
		breakers:   make(map[string]*breaker),
		now:        time.Now,
		log:        log.With().Str("service", "circuit_breakers").Logger(),
	}
}

func (m *BreakerManager) breakerLocked(chain string) *breaker {
	b, ok := m.breakers[chain]
	if !ok {
		b = &breaker{state: StateClosed}
		m.breakers[chain] = b
	}
	return b
}

// CanExecute reports whether the chain may take a trade right now. An OPEN
// breaker whose cooldown elapsed moves to HALF_OPEN; half-open probes are
// counted against the probe budget.
func (m *BreakerManager) CanExecute(ctx context.Context, chain string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.breakerLocked(chain)
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if m.now().Before(b.cooldownUntil) {
			return false
		}
		m.transitionLocked(ctx, chain, b, StateHalfOpen, "Cooldown elapsed")
		b.halfOpenAttempts = 1
		return true
	case StateHalfOpen:
		if b.halfOpenAttempts >= m.cfg.HalfOpenMaxAttempts {
			return false
		}
		b.halfOpenAttempts++
		return true
	}
	return false
}

// RecordSuccess clears the failure streak. A half-open success closes the
// breaker; an OPEN breaker is untouched.
func (m *BreakerManager) RecordSuccess(ctx context.Context, chain string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.breakerLocked(chain)
	switch b.state {
	case StateClosed:
		b.consecutiveFailures = 0
	case StateHalfOpen:
		b.consecutiveFailures = 0
		b.halfOpenAttempts = 0
		m.transitionLocked(ctx, chain, b, StateClosed, "Probe succeeded")
	}
}

// RecordFailure counts a failure and may open the breaker. A half-open
// failure re-opens immediately with a fresh cooldown.
func (m *BreakerManager) RecordFailure(ctx context.Context, chain, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.breakerLocked(chain)
	b.consecutiveFailures++

	switch b.state {
	case StateHalfOpen:
		b.cooldownUntil = m.now().Add(m.cfg.CooldownPeriod)
		b.halfOpenAttempts = 0
		m.transitionLocked(ctx, chain, b, StateOpen, "Probe failed: "+reason)
	case StateClosed:
		if b.consecutiveFailures >= m.cfg.FailureThreshold {
			b.cooldownUntil = m.now().Add(m.cfg.CooldownPeriod)
			m.transitionLocked(ctx, chain, b, StateOpen, reason)
		}
	}
}

// ForceOpen opens a chain's breaker immediately with the given remaining
// cooldown. Used during startup restoration.
func (m *BreakerManager) ForceOpen(ctx context.Context, chain, reason string, cooldownRemaining time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.breakerLocked(chain)
	b.cooldownUntil = m.now().Add(cooldownRemaining)
	b.consecutiveFailures = m.cfg.FailureThreshold
	m.transitionLocked(ctx, chain, b, StateOpen, reason)
}

// transitionLocked applies a state change and publishes the event envelope.
func (m *BreakerManager) transitionLocked(ctx context.Context, chain string, b *breaker, to BreakerState, reason string) {
	from := b.state
	if from == to {
		return
	}
	b.state = to

	var cooldownRemaining int64
	if to == StateOpen {
		cooldownRemaining = b.cooldownUntil.Sub(m.now()).Milliseconds()
	}
	event := BreakerEvent{
		Service:             m.service,
		InstanceID:          m.instanceID,
		Chain:               chain,
		PreviousState:       from,
		NewState:            to,
		Reason:              reason,
		Timestamp:           market.NowMillis(),
		ConsecutiveFailures: b.consecutiveFailures,
		CooldownRemainingMs: cooldownRemaining,
	}
	if _, err := m.bus.Add(ctx, bus.StreamCircuitBreaker, event); err != nil {
		m.log.Warn().Err(err).Str("chain", chain).Msg("Failed to publish breaker event")
	}

	m.log.Warn().
		Str("chain", chain).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("reason", reason).
		Int("consecutive_failures", b.consecutiveFailures).
		Msg("Circuit breaker state change")
}

// restoreReadCount bounds how much breaker history a restart replays.
const restoreReadCount = 200

// Restore replays recent breaker events: for each chain only the latest event
// matters, and a latest-OPEN still inside its cooldown force-opens the local
// breaker.
func (m *BreakerManager) Restore(ctx context.Context) error {
	entries, err := m.bus.ReadRecent(ctx, bus.StreamCircuitBreaker, restoreReadCount)
	if err != nil {
		return err
	}

	// Entries arrive newest first; the first event seen per chain wins.
	latest := make(map[string]BreakerEvent)
	for _, e := range entries {
		var event BreakerEvent
		if err := json.Unmarshal(e.Data, &event); err != nil || event.Chain == "" {
			continue
		}
		if _, seen := latest[event.Chain]; !seen {
			latest[event.Chain] = event
		}
	}

	now := market.NowMillis()
	restored := 0
	for chain, event := range latest {
		if event.NewState != StateOpen {
			continue
		}
		elapsed := now - event.Timestamp
		if elapsed >= m.cfg.CooldownPeriod.Milliseconds() {
			continue
		}
		remaining := m.cfg.CooldownPeriod - time.Duration(elapsed)*time.Millisecond
		m.ForceOpen(ctx, chain, "Restored from restart", remaining)
		restored++
	}
	if restored > 0 {
		m.log.Info().Int("chains", restored).Msg("Restored open circuit breakers from stream")
	}
	return nil
}

// Snapshot returns read-only views of all breakers.
func (m *BreakerManager) Snapshot() []BreakerView {
	m.mu.Lock()
	defer m.mu.Unlock()

	views := make([]BreakerView, 0, len(m.breakers))
	for chain, b := range m.breakers {
		v := BreakerView{
			Chain:               chain,
			State:               b.state,
			ConsecutiveFailures: b.consecutiveFailures,
			HalfOpenAttempts:    b.halfOpenAttempts,
		}
		if b.state == StateOpen {
			v.CooldownUntil = b.cooldownUntil.UnixMilli()
		}
		views = append(views, v)
	}
	return views
}
