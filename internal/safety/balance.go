package safety

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/arbiterlabs/chainarb/internal/lifecycle"
	"github.com/arbiterlabs/chainarb/internal/market"
)

// BalanceProvider reads the native balance of an address on one chain.
type BalanceProvider interface {
	BalanceAt(ctx context.Context, address string) (*big.Int, error)
}

// Wallet resolves the monitored address for one chain.
type Wallet interface {
	Address(ctx context.Context) (string, error)
}

// StaticWallet is a Wallet with a fixed address.
type StaticWallet string

func (w StaticWallet) Address(ctx context.Context) (string, error) {
	return string(w), nil
}

// ChainBalance is the last observed balance of one chain's wallet.
type ChainBalance struct {
	Chain         string   `json:"chain"`
	Address       string   `json:"address,omitempty"`
	BalanceWei    *big.Int `json:"balanceWei,omitempty"`
	BalanceEth    float64  `json:"balanceEth"`
	LastCheckedAt int64    `json:"lastCheckedAt"`
	Healthy       bool     `json:"healthy"`
	Error         string   `json:"error,omitempty"`
}

// BalanceSnapshot is a point-in-time copy of all chain balances.
type BalanceSnapshot struct {
	Balances     map[string]ChainBalance `json:"balances"`
	Timestamp    int64                   `json:"timestamp"`
	HealthyCount int                     `json:"healthyCount"`
	FailedCount  int                     `json:"failedCount"`
}

// MonitorConfig holds balance monitor settings.
type MonitorConfig struct {
	Enabled                bool
	CheckInterval          time.Duration // default 60s
	LowBalanceThresholdEth float64       // default 0.01
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	if c.CheckInterval <= 0 {
		c.CheckInterval = time.Minute
	}
	if c.LowBalanceThresholdEth == 0 {
		c.LowBalanceThresholdEth = 0.01
	}
	return c
}

var weiPerEth = new(big.Float).SetFloat64(1e18)

// BalanceMonitor polls each chain's wallet balance, flags low balances, and
// logs drift between consecutive cycles.
type BalanceMonitor struct {
	cfg       MonitorConfig
	providers map[string]BalanceProvider
	wallets   map[string]Wallet

	machine *lifecycle.Machine
	stopCh  chan struct{}
	wg      sync.WaitGroup

	mu       sync.Mutex
	balances map[string]ChainBalance
	prevWei  map[string]*big.Int

	log zerolog.Logger
}

// NewBalanceMonitor creates a monitor over the given provider and wallet maps.
func NewBalanceMonitor(cfg MonitorConfig, providers map[string]BalanceProvider, wallets map[string]Wallet, log zerolog.Logger) *BalanceMonitor {
	return &BalanceMonitor{
		cfg:       cfg.withDefaults(),
		providers: providers,
		wallets:   wallets,
		machine:   lifecycle.NewMachine(),
		stopCh:    make(chan struct{}),
		balances:  make(map[string]ChainBalance),
		prevWei:   make(map[string]*big.Int),
		log:       log.With().Str("service", "balance_monitor").Logger(),
	}
}

// Start runs one immediate check then schedules the interval. Disabled mode
// is a true no-op.
func (m *BalanceMonitor) Start(ctx context.Context) error {
	if !m.cfg.Enabled {
		m.log.Info().Msg("Balance monitor disabled")
		return nil
	}
	if err := m.machine.Transition(lifecycle.StateStarting); err != nil {
		return err
	}
	// Fresh channel so a restart after Stop gets a live loop.
	m.stopCh = make(chan struct{})

	m.log.Info().
		Dur("check_interval", m.cfg.CheckInterval).
		Float64("low_balance_threshold_eth", m.cfg.LowBalanceThresholdEth).
		Int("chains", len(m.wallets)).
		Msg("Starting balance monitor")

	if err := m.machine.Transition(lifecycle.StateRunning); err != nil {
		return err
	}

	m.CheckOnce(ctx)

	m.wg.Add(1)
	go m.loop(ctx)
	return nil
}

// Stop halts polling. Safe in any state, including disabled and concurrent
// stops.
func (m *BalanceMonitor) Stop() {
	if !m.machine.BeginStop() {
		return
	}
	close(m.stopCh)
	m.wg.Wait()
	_ = m.machine.Transition(lifecycle.StateStopped)
	m.log.Info().Msg("Balance monitor stopped")
}

func (m *BalanceMonitor) loop(ctx context.Context) {
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
			m.CheckOnce(ctx)
			timer.Reset(m.cfg.CheckInterval)
		}
	}
}

// CheckOnce polls every chain in parallel. Each chain settles independently:
// one provider failing never blocks the others.
func (m *BalanceMonitor) CheckOnce(ctx context.Context) {
	var wg sync.WaitGroup
	for chain, wallet := range m.wallets {
		wg.Add(1)
		go func(chain string, wallet Wallet) {
			defer wg.Done()
			m.checkChain(ctx, chain, wallet)
		}(chain, wallet)
	}
	wg.Wait()
}

func (m *BalanceMonitor) checkChain(ctx context.Context, chain string, wallet Wallet) {
	now := market.NowMillis()

	provider, ok := m.providers[chain]
	if !ok {
		m.storeBalance(ChainBalance{
			Chain:         chain,
			LastCheckedAt: now,
			Healthy:       false,
			Error:         "No provider available",
		})
		return
	}

	address, err := wallet.Address(ctx)
	if err != nil {
		m.failChain(chain, "", now, err)
		return
	}

	wei, err := provider.BalanceAt(ctx, address)
	if err != nil {
		m.failChain(chain, address, now, err)
		return
	}

	eth, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), weiPerEth).Float64()
	m.storeBalance(ChainBalance{
		Chain:         chain,
		Address:       address,
		BalanceWei:    wei,
		BalanceEth:    eth,
		LastCheckedAt: now,
		Healthy:       true,
	})

	if eth < m.cfg.LowBalanceThresholdEth {
		m.log.Warn().
			Str("chain", chain).
			Str("address", address).
			Float64("balance_eth", eth).
			Float64("threshold", m.cfg.LowBalanceThresholdEth).
			Msg("Wallet balance below threshold")
	}

	m.logDrift(chain, wei)
}

func (m *BalanceMonitor) failChain(chain, address string, now int64, err error) {
	m.storeBalance(ChainBalance{
		Chain:         chain,
		Address:       address,
		LastCheckedAt: now,
		Healthy:       false,
		Error:         err.Error(),
	})
	m.log.Warn().
		Err(err).
		Str("chain", chain).
		Str("address", address).
		Msg("Balance check failed")
}

func (m *BalanceMonitor) storeBalance(b ChainBalance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[b.Chain] = b
}

// logDrift compares against the previous cycle's balance and records the
// direction and size of any change.
func (m *BalanceMonitor) logDrift(chain string, wei *big.Int) {
	m.mu.Lock()
	prev, known := m.prevWei[chain]
	m.prevWei[chain] = new(big.Int).Set(wei)
	m.mu.Unlock()

	if !known || prev.Cmp(wei) == 0 {
		return
	}

	delta := new(big.Int).Sub(wei, prev)
	direction := "increased"
	if delta.Sign() < 0 {
		direction = "decreased"
		delta.Neg(delta)
	}
	m.log.Info().
		Str("chain", chain).
		Str("previous", prev.String()).
		Str("current", wei.String()).
		Str("change", direction+" by "+delta.String()).
		Msg("Wallet balance changed")
}

// Snapshot returns a copy of the current balances. Callers own the copy.
func (m *BalanceMonitor) Snapshot() BalanceSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := BalanceSnapshot{
		Balances:  make(map[string]ChainBalance, len(m.balances)),
		Timestamp: market.NowMillis(),
	}
	for chain, b := range m.balances {
		if b.BalanceWei != nil {
			b.BalanceWei = new(big.Int).Set(b.BalanceWei)
		}
		snap.Balances[chain] = b
		if b.Healthy {
			snap.HealthyCount++
		} else {
			snap.FailedCount++
		}
	}
	return snap
}
