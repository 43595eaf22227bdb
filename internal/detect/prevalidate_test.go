package detect

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func alwaysSample(v *PreValidator) {
	v.randFloat = func() float64 { return 0 }
}

func TestDisabledValidatorAllowsEverything(t *testing.T) {
	v := NewPreValidator(PreValidatorConfig{Enabled: false}, zerolog.Nop())
	d := v.ValidateOpportunity(context.Background(), testOpportunity(100))
	assert.True(t, d.Allowed)
	assert.Equal(t, ReasonNotEnabled, d.Reason)
}

func TestNoCallbackFailsOpen(t *testing.T) {
	v := NewPreValidator(PreValidatorConfig{Enabled: true, SampleRate: 1}, zerolog.Nop())
	alwaysSample(v)
	d := v.ValidateOpportunity(context.Background(), testOpportunity(100))
	assert.True(t, d.Allowed)
	assert.Equal(t, ReasonValidatedPass, d.Reason)
	// Without a real simulation no budget is consumed.
	assert.Zero(t, v.Metrics().BudgetUsed)
}

func TestBudgetExhaustion(t *testing.T) {
	v := NewPreValidator(PreValidatorConfig{
		Enabled:       true,
		MonthlyBudget: 2,
		SampleRate:    1,
	}, zerolog.Nop())
	alwaysSample(v)

	var calls int32
	v.SetSimulation(func(ctx context.Context, req SimulationRequest) (SimulationResult, error) {
		atomic.AddInt32(&calls, 1)
		return SimulationResult{Success: true}, nil
	})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		d := v.ValidateOpportunity(ctx, testOpportunity(100))
		assert.True(t, d.Allowed)
		assert.Equal(t, ReasonValidatedPass, d.Reason)
	}

	third := v.ValidateOpportunity(ctx, testOpportunity(100))
	assert.True(t, third.Allowed)
	assert.Equal(t, ReasonNotSampled, third.Reason)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	m := v.Metrics()
	assert.Equal(t, 2, m.BudgetUsed)
	assert.Equal(t, 0, m.BudgetRemaining)
	assert.Equal(t, uint64(2), m.SuccessCount)
	assert.Equal(t, 1.0, m.SuccessRate)
}

func TestBudgetResetsOnNewMonth(t *testing.T) {
	v := NewPreValidator(PreValidatorConfig{
		Enabled:       true,
		MonthlyBudget: 2,
		SampleRate:    1,
	}, zerolog.Nop())
	alwaysSample(v)
	v.SetSimulation(func(ctx context.Context, req SimulationRequest) (SimulationResult, error) {
		return SimulationResult{Success: true}, nil
	})

	now := time.Date(2026, time.March, 5, 12, 0, 0, 0, time.UTC)
	v.now = func() time.Time { return now }
	v.budgetUsed = 2
	v.budgetResetTime = time.Date(2026, time.February, 20, 0, 0, 0, 0, time.UTC)

	d := v.ValidateOpportunity(context.Background(), testOpportunity(100))
	assert.Equal(t, ReasonValidatedPass, d.Reason)
	assert.Equal(t, 1, v.Metrics().BudgetUsed)
}

func TestLowProfitOpportunitiesSkipSimulation(t *testing.T) {
	v := NewPreValidator(PreValidatorConfig{
		Enabled:                true,
		SampleRate:             1,
		MinProfitForValidation: 50,
	}, zerolog.Nop())
	alwaysSample(v)
	v.SetSimulation(func(ctx context.Context, req SimulationRequest) (SimulationResult, error) {
		t.Fatal("simulation must not run for cheap opportunities")
		return SimulationResult{}, nil
	})

	d := v.ValidateOpportunity(context.Background(), testOpportunity(10))
	assert.True(t, d.Allowed)
	assert.Equal(t, ReasonNotSampled, d.Reason)
}

func TestSimulationTimeoutFailsOpen(t *testing.T) {
	v := NewPreValidator(PreValidatorConfig{
		Enabled:    true,
		SampleRate: 1,
		MaxLatency: 10 * time.Millisecond,
	}, zerolog.Nop())
	alwaysSample(v)
	v.SetSimulation(func(ctx context.Context, req SimulationRequest) (SimulationResult, error) {
		<-ctx.Done()
		return SimulationResult{}, ctx.Err()
	})

	d := v.ValidateOpportunity(context.Background(), testOpportunity(100))
	assert.True(t, d.Allowed)
	assert.Equal(t, ReasonValidatedPass, d.Reason)
	// The attempt still consumed budget.
	assert.Equal(t, 1, v.Metrics().BudgetUsed)
}

func TestRevertingSimulationBlocks(t *testing.T) {
	v := NewPreValidator(PreValidatorConfig{Enabled: true, SampleRate: 1}, zerolog.Nop())
	alwaysSample(v)
	v.SetSimulation(func(ctx context.Context, req SimulationRequest) (SimulationResult, error) {
		return SimulationResult{Success: true, WouldRevert: true, Reason: "insufficient liquidity"}, nil
	})

	d := v.ValidateOpportunity(context.Background(), testOpportunity(100))
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonValidatedFail, d.Reason)
	assert.Equal(t, uint64(1), v.Metrics().FailCount)
}

func TestSimulationRequestShape(t *testing.T) {
	v := NewPreValidator(PreValidatorConfig{
		Enabled:             true,
		SampleRate:          1,
		DefaultTradeSizeUSD: 1000,
	}, zerolog.Nop())
	alwaysSample(v)

	var got SimulationRequest
	v.SetSimulation(func(ctx context.Context, req SimulationRequest) (SimulationResult, error) {
		got = req
		return SimulationResult{Success: true}, nil
	})

	o := testOpportunity(100)
	o.SourcePrice = 2500
	v.ValidateOpportunity(context.Background(), o)

	assert.Equal(t, "ethereum", got.Chain)
	assert.Equal(t, "WETH_USDC", got.TokenPair)
	assert.Equal(t, "uniswap", got.Dex)
	assert.Equal(t, 1000.0, got.TradeSizeUSD)
	assert.Equal(t, 2500.0, got.ExpectedPrice)
}
