package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/arbiterlabs/chainarb/internal/bus"
	"github.com/arbiterlabs/chainarb/internal/lifecycle"
	"github.com/arbiterlabs/chainarb/internal/seal"
)

// RecoveryStatus is the lifecycle state of a persisted bridge execution.
type RecoveryStatus string

const (
	RecoveryPending     RecoveryStatus = "pending"
	RecoveryBridging    RecoveryStatus = "bridging"
	RecoverySellPending RecoveryStatus = "bridge_completed_sell_pending"
	RecoveryRecovered   RecoveryStatus = "recovered"
	RecoveryFailed      RecoveryStatus = "failed"
)

// terminal reports whether a status ends the recovery lifecycle.
func (s RecoveryStatus) terminal() bool {
	return s == RecoveryRecovered || s == RecoveryFailed
}

// actionable reports whether the scanner should process this status.
func (s RecoveryStatus) actionable() bool {
	return s == RecoveryPending || s == RecoveryBridging || s == RecoverySellPending
}

// RecoveryState is the persisted record of an in-flight bridge execution,
// written by the execution engine and advanced by the recovery manager.
type RecoveryState struct {
	OpportunityID  string         `json:"opportunityId"`
	BridgeID       string         `json:"bridgeId"`
	SourceTxHash   string         `json:"sourceTxHash"`
	SourceChain    string         `json:"sourceChain"`
	DestChain      string         `json:"destChain"`
	BridgeToken    string         `json:"bridgeToken"`
	BridgeAmount   string         `json:"bridgeAmount"` // decimal string, token base units
	SellDex        string         `json:"sellDex"`
	ExpectedProfit float64        `json:"expectedProfit"`
	TokenIn        string         `json:"tokenIn"`
	TokenOut       string         `json:"tokenOut"`
	InitiatedAt    int64          `json:"initiatedAt"`
	BridgeProtocol string         `json:"bridgeProtocol"`
	Status         RecoveryStatus `json:"status"`
	LastCheckAt    int64          `json:"lastCheckAt,omitempty"`
	ErrorMessage   string         `json:"errorMessage,omitempty"`
}

// RecoveryConfig holds recovery manager settings.
type RecoveryConfig struct {
	CheckInterval time.Duration // scan cadence (default 60s)
	MaxAge        time.Duration // abandon bridges older than this (default 24h)
	MaxConcurrent int           // recovery batch size (default 3)
	ScanPageSize  int64         // key-scan page size (default 100)
}

// withDefaults fills zero fields.
func (c RecoveryConfig) withDefaults() RecoveryConfig {
	if c.CheckInterval <= 0 {
		c.CheckInterval = time.Minute
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 24 * time.Hour
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 3
	}
	if c.ScanPageSize <= 0 {
		c.ScanPageSize = 100
	}
	return c
}

// RecoveryStats counts scan outcomes.
type RecoveryStats struct {
	RecoveredBridges uint64
	AbandonedBridges uint64
	FailedRecoveries uint64
	ScansCompleted   uint64
}

// RecoveryManager scans persisted bridge states and finalizes or abandons
// interrupted executions. It confirms bridge completion only; the actual sell
// leg belongs to the execution engine, which owns the wallets.
type RecoveryManager struct {
	bus     bus.Client
	sealer  *seal.Sealer
	routers *RouterFactory
	cfg     RecoveryConfig

	machine  *lifecycle.Machine
	checking lifecycle.Guard
	stopCh   chan struct{}
	wg       sync.WaitGroup

	recovered uint64
	abandoned uint64
	failed    uint64
	scans     uint64

	log zerolog.Logger
}

// NewRecoveryManager creates a recovery manager.
func NewRecoveryManager(busClient bus.Client, sealer *seal.Sealer, routers *RouterFactory, cfg RecoveryConfig, log zerolog.Logger) *RecoveryManager {
	return &RecoveryManager{
		bus:     busClient,
		sealer:  sealer,
		routers: routers,
		cfg:     cfg.withDefaults(),
		machine: lifecycle.NewMachine(),
		stopCh:  make(chan struct{}),
		log:     log.With().Str("service", "bridge_recovery").Logger(),
	}
}

// Start runs one initial scan then schedules periodic scans.
func (m *RecoveryManager) Start(ctx context.Context) error {
	if err := m.machine.Transition(lifecycle.StateStarting); err != nil {
		return err
	}
	// Fresh channel so a restart after Stop gets a live loop.
	m.stopCh = make(chan struct{})

	m.log.Info().
		Dur("check_interval", m.cfg.CheckInterval).
		Dur("max_age", m.cfg.MaxAge).
		Int("max_concurrent", m.cfg.MaxConcurrent).
		Msg("Starting bridge recovery manager")

	if err := m.machine.Transition(lifecycle.StateRunning); err != nil {
		return err
	}

	m.ScanOnce(ctx)

	m.wg.Add(1)
	go m.loop(ctx)
	return nil
}

// Stop halts scanning. Safe to call in any state, including concurrent stops.
func (m *RecoveryManager) Stop() {
	if !m.machine.BeginStop() {
		return
	}
	close(m.stopCh)
	m.wg.Wait()
	_ = m.machine.Transition(lifecycle.StateStopped)
	m.log.Info().Msg("Bridge recovery manager stopped")
}

func (m *RecoveryManager) loop(ctx context.Context) {
	defer m.wg.Done()
	timer := time.NewTimer(m.cfg.CheckInterval)
	defer timer.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
			m.ScanOnce(ctx)
			timer.Reset(m.cfg.CheckInterval)
		}
	}
}

// Stats returns a copy of the counters.
func (m *RecoveryManager) Stats() RecoveryStats {
	return RecoveryStats{
		RecoveredBridges: atomic.LoadUint64(&m.recovered),
		AbandonedBridges: atomic.LoadUint64(&m.abandoned),
		FailedRecoveries: atomic.LoadUint64(&m.failed),
		ScansCompleted:   atomic.LoadUint64(&m.scans),
	}
}

// ScanOnce walks every persisted bridge state and processes the actionable
// ones. Overlapping scans are skipped.
func (m *RecoveryManager) ScanOnce(ctx context.Context) {
	if !m.checking.TryAcquire() {
		m.log.Debug().Msg("Recovery scan already in progress, skipping")
		return
	}
	defer m.checking.Release()

	states := m.loadActionableStates(ctx)
	if len(states) > 0 {
		m.log.Info().Int("count", len(states)).Msg("Processing interrupted bridges")
	}

	// Process in bounded batches; each entry settles independently.
	for start := 0; start < len(states); start += m.cfg.MaxConcurrent {
		end := start + m.cfg.MaxConcurrent
		if end > len(states) {
			end = len(states)
		}
		var wg sync.WaitGroup
		for _, st := range states[start:end] {
			wg.Add(1)
			go func(st RecoveryState) {
				defer wg.Done()
				m.processState(ctx, st)
			}(st)
		}
		wg.Wait()
	}

	atomic.AddUint64(&m.scans, 1)
}

// loadActionableStates scans the recovery key space in cursor pages, opening
// and filtering each record.
func (m *RecoveryManager) loadActionableStates(ctx context.Context) []RecoveryState {
	var states []RecoveryState
	var cursor uint64
	for {
		keys, next, err := m.bus.Scan(ctx, cursor, bus.KeyBridgeRecoveryPrefix+"*", m.cfg.ScanPageSize)
		if err != nil {
			m.log.Error().Err(err).Msg("Recovery key scan failed")
			return states
		}
		for _, key := range keys {
			if st, ok := m.loadState(ctx, key); ok && st.Status.actionable() {
				states = append(states, st)
			}
		}
		cursor = next
		if cursor == 0 {
			return states
		}
	}
}

// loadState reads and verifies one persisted record. Poison entries (corrupt
// or tampered) are deleted; unsigned entries under enforced signing are
// skipped with a warning.
func (m *RecoveryManager) loadState(ctx context.Context, key string) (RecoveryState, bool) {
	raw, found, err := m.bus.Get(ctx, key)
	if err != nil {
		m.log.Warn().Err(err).Str("key", key).Msg("Failed to read recovery state")
		return RecoveryState{}, false
	}
	if !found {
		return RecoveryState{}, false
	}

	value, err := m.sealer.Open(raw)
	switch {
	case errors.Is(err, seal.ErrCorrupt), errors.Is(err, seal.ErrTampered):
		m.log.Error().Err(err).Str("key", key).Msg("Deleting poison recovery entry")
		if delErr := m.bus.Del(ctx, key); delErr != nil {
			m.log.Warn().Err(delErr).Str("key", key).Msg("Failed to delete poison entry")
		}
		return RecoveryState{}, false
	case errors.Is(err, seal.ErrUnsigned):
		m.log.Warn().Str("key", key).Msg("Skipping unsigned recovery entry while signing is enforced")
		return RecoveryState{}, false
	case err != nil:
		m.log.Warn().Err(err).Str("key", key).Msg("Failed to open recovery entry")
		return RecoveryState{}, false
	}

	var st RecoveryState
	if err := json.Unmarshal(value, &st); err != nil || st.BridgeID == "" {
		m.log.Error().Err(err).Str("key", key).Msg("Deleting malformed recovery entry")
		if delErr := m.bus.Del(ctx, key); delErr != nil {
			m.log.Warn().Err(delErr).Str("key", key).Msg("Failed to delete malformed entry")
		}
		return RecoveryState{}, false
	}
	return st, true
}

// processState advances a single interrupted bridge.
func (m *RecoveryManager) processState(ctx context.Context, st RecoveryState) {
	age := time.Duration(time.Now().UnixMilli()-st.InitiatedAt) * time.Millisecond
	if age > m.cfg.MaxAge {
		st.Status = RecoveryFailed
		st.ErrorMessage = "Bridge abandoned: exceeded max age"
		st.LastCheckAt = time.Now().UnixMilli()
		m.persist(ctx, st)
		atomic.AddUint64(&m.abandoned, 1)
		m.log.Warn().
			Str("bridge_id", st.BridgeID).
			Dur("age", age).
			Msg("Abandoned bridge past max age")
		return
	}

	router := m.routers.FindSupportedRouter(st.SourceChain, st.DestChain, st.BridgeToken)
	if router == nil {
		// Routers register asynchronously; the route may appear on a
		// later scan. Not a failure.
		m.log.Warn().
			Str("bridge_id", st.BridgeID).
			Str("route", st.SourceChain+"-"+st.DestChain).
			Msg("No router available for interrupted bridge")
		return
	}

	if st.Status == RecoverySellPending {
		m.attemptSellRecovery(ctx, router, st)
		return
	}

	status, err := router.GetStatus(ctx, st.BridgeID)
	if err != nil {
		m.log.Warn().Err(err).Str("bridge_id", st.BridgeID).Msg("Router status check failed")
		return
	}

	st.LastCheckAt = time.Now().UnixMilli()
	switch status {
	case StatusCompleted:
		st.Status = RecoveryRecovered
		m.persist(ctx, st)
		atomic.AddUint64(&m.recovered, 1)
		m.log.Info().Str("bridge_id", st.BridgeID).Msg("Bridge recovered")
	case StatusFailed, StatusRefunded:
		st.Status = RecoveryFailed
		st.ErrorMessage = "Bridge " + string(status)
		m.persist(ctx, st)
		atomic.AddUint64(&m.failed, 1)
		m.log.Warn().Str("bridge_id", st.BridgeID).Str("status", string(status)).Msg("Bridge terminally failed")
	case StatusPending, StatusBridging:
		st.Status = RecoveryStatus(status)
		m.persist(ctx, st)
	}
}

// attemptSellRecovery confirms that the bridge leg really completed. The sell
// itself is executed by the execution engine, so the state is left in
// bridge_completed_sell_pending for it to pick up.
func (m *RecoveryManager) attemptSellRecovery(ctx context.Context, router Router, st RecoveryState) {
	status, err := router.GetStatus(ctx, st.BridgeID)
	if err != nil {
		m.log.Warn().Err(err).Str("bridge_id", st.BridgeID).Msg("Sell-pending confirmation failed")
		return
	}
	if status != StatusCompleted {
		m.log.Warn().
			Str("bridge_id", st.BridgeID).
			Str("status", string(status)).
			Msg("Sell-pending bridge not confirmed complete")
		return
	}
	m.log.Info().
		Str("bridge_id", st.BridgeID).
		Str("sell_dex", st.SellDex).
		Msg("Bridge completion confirmed, sell leg awaiting execution engine")
}

// persist writes a state record with the status-appropriate TTL: one hour for
// terminal states (post-mortem window), the full max age for active ones.
func (m *RecoveryManager) persist(ctx context.Context, st RecoveryState) {
	ttl := m.cfg.MaxAge
	if st.Status.terminal() {
		ttl = time.Hour
	}

	raw, err := m.sealer.Seal(st)
	if err != nil {
		m.log.Error().Err(err).Str("bridge_id", st.BridgeID).Msg("Failed to seal recovery state")
		return
	}
	if err := m.bus.Set(ctx, bus.KeyBridgeRecoveryPrefix+st.BridgeID, raw, ttl); err != nil {
		m.log.Error().Err(err).Str("bridge_id", st.BridgeID).Msg("Failed to persist recovery state")
	}
}
