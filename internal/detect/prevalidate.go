package detect

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Decision reasons. Policy outcomes, not errors.
const (
	ReasonNotEnabled    = "not_enabled"
	ReasonNotSampled    = "not_sampled"
	ReasonValidatedPass = "validated_pass"
	ReasonValidatedFail = "validated_fail"
)

// Decision is the pre-validation verdict for one opportunity.
type Decision struct {
	Allowed bool
	Reason  string
}

// SimulationRequest asks an external simulator to dry-run a trade.
type SimulationRequest struct {
	Chain         string  `json:"chain"`
	TokenPair     string  `json:"tokenPair"`
	Dex           string  `json:"dex"`
	TradeSizeUSD  float64 `json:"tradeSizeUsd"`
	ExpectedPrice float64 `json:"expectedPrice"`
}

// SimulationResult is the simulator's verdict.
type SimulationResult struct {
	Success     bool   `json:"success"`
	WouldRevert bool   `json:"wouldRevert"`
	Reason      string `json:"reason,omitempty"`
}

// SimulationFunc runs one trade simulation.
type SimulationFunc func(ctx context.Context, req SimulationRequest) (SimulationResult, error)

// PreValidatorConfig holds the sampling and budget policy.
type PreValidatorConfig struct {
	Enabled                bool
	MonthlyBudget          int           // simulations per calendar month
	MinProfitForValidation float64       // cheaper opportunities skip simulation
	SampleRate             float64       // fraction of eligible opportunities simulated
	MaxLatency             time.Duration // simulation deadline (default 500ms)
	DefaultTradeSizeUSD    float64
}

func (c PreValidatorConfig) withDefaults() PreValidatorConfig {
	if c.MonthlyBudget <= 0 {
		c.MonthlyBudget = 1000
	}
	if c.SampleRate == 0 {
		c.SampleRate = 0.1
	}
	if c.MaxLatency <= 0 {
		c.MaxLatency = 500 * time.Millisecond
	}
	if c.DefaultTradeSizeUSD == 0 {
		c.DefaultTradeSizeUSD = 1000
	}
	return c
}

// PreValidatorMetrics is a snapshot of the orchestrator's counters.
type PreValidatorMetrics struct {
	BudgetUsed      int
	BudgetRemaining int
	SuccessCount    uint64
	FailCount       uint64
	SuccessRate     float64
}

// PreValidator gates opportunities behind a sampled, budgeted simulation. It
// fails open on every operational problem: only an explicit negative
// simulation verdict blocks a publish.
type PreValidator struct {
	cfg PreValidatorConfig

	mu              sync.Mutex
	sim             SimulationFunc
	budgetUsed      int
	budgetResetTime time.Time
	successCount    uint64
	failCount       uint64

	randFloat func() float64
	now       func() time.Time

	log zerolog.Logger
}

// NewPreValidator creates an orchestrator with no simulation callback wired.
func NewPreValidator(cfg PreValidatorConfig, log zerolog.Logger) *PreValidator {
	return &PreValidator{
		cfg:             cfg.withDefaults(),
		budgetResetTime: time.Now(),
		randFloat:       rand.Float64,
		now:             time.Now,
		log:             log.With().Str("service", "pre_validation").Logger(),
	}
}

// SetSimulation wires the simulation callback.
func (v *PreValidator) SetSimulation(fn SimulationFunc) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.sim = fn
}

// ValidateOpportunity decides whether an opportunity may be published.
func (v *PreValidator) ValidateOpportunity(ctx context.Context, o *Opportunity) Decision {
	if !v.cfg.Enabled {
		return Decision{Allowed: true, Reason: ReasonNotEnabled}
	}

	v.mu.Lock()
	v.resetBudgetLocked()

	// Sampling gates. Any miss lets the opportunity through unsimulated.
	if v.budgetUsed >= v.cfg.MonthlyBudget ||
		o.NetProfit < v.cfg.MinProfitForValidation ||
		v.randFloat() >= v.cfg.SampleRate {
		v.mu.Unlock()
		return Decision{Allowed: true, Reason: ReasonNotSampled}
	}

	sim := v.sim
	if sim == nil {
		v.mu.Unlock()
		return Decision{Allowed: true, Reason: ReasonValidatedPass}
	}

	// Only actual simulations consume budget.
	v.budgetUsed++
	v.mu.Unlock()

	tradeSize := o.TradeSizeUSD
	if tradeSize == 0 {
		tradeSize = v.cfg.DefaultTradeSizeUSD
	}
	req := SimulationRequest{
		Chain:         o.BuyChain,
		TokenPair:     o.PairKey,
		Dex:           o.BuyDex,
		TradeSizeUSD:  tradeSize,
		ExpectedPrice: o.SourcePrice,
	}

	result, err := v.runSimulation(ctx, sim, req)
	if err != nil {
		v.log.Warn().Err(err).Str("pair", o.PairKey).Msg("Simulation unavailable, failing open")
		return Decision{Allowed: true, Reason: ReasonValidatedPass}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if result.Success && !result.WouldRevert {
		v.successCount++
		return Decision{Allowed: true, Reason: ReasonValidatedPass}
	}
	v.failCount++
	v.log.Info().
		Str("pair", o.PairKey).
		Str("chain", o.BuyChain).
		Str("sim_reason", result.Reason).
		Msg("Opportunity rejected by simulation")
	return Decision{Allowed: false, Reason: ReasonValidatedFail}
}

// runSimulation races the callback against MaxLatency.
func (v *PreValidator) runSimulation(ctx context.Context, sim SimulationFunc, req SimulationRequest) (SimulationResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, v.cfg.MaxLatency)
	defer cancel()

	type outcome struct {
		result SimulationResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := sim(callCtx, req)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-callCtx.Done():
		return SimulationResult{}, callCtx.Err()
	}
}

// resetBudgetLocked zeroes the budget on the first call of each calendar
// month.
func (v *PreValidator) resetBudgetLocked() {
	now := v.now()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	if v.budgetResetTime.Before(monthStart) {
		v.budgetUsed = 0
		v.budgetResetTime = now
		v.log.Info().Msg("Pre-validation budget reset for new month")
	}
}

// Metrics returns a counters snapshot.
func (v *PreValidator) Metrics() PreValidatorMetrics {
	v.mu.Lock()
	defer v.mu.Unlock()
	m := PreValidatorMetrics{
		BudgetUsed:      v.budgetUsed,
		BudgetRemaining: v.cfg.MonthlyBudget - v.budgetUsed,
		SuccessCount:    v.successCount,
		FailCount:       v.failCount,
	}
	if total := v.successCount + v.failCount; total > 0 {
		m.SuccessRate = float64(v.successCount) / float64(total)
	}
	return m
}
