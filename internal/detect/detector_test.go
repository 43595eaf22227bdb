package detect

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterlabs/chainarb/internal/bus"
	"github.com/arbiterlabs/chainarb/internal/bus/busfake"
	"github.com/arbiterlabs/chainarb/internal/lifecycle"
	"github.com/arbiterlabs/chainarb/internal/market"
)

func fixedBridgeCost(cost float64) BridgeEstimator {
	return BridgeEstimatorFunc(func(src, dst string, tradeTokens float64) float64 {
		return cost
	})
}

type detectorFixture struct {
	detector *Detector
	store    *market.PriceStore
	fake     *busfake.Client
}

func newDetectorFixture(t *testing.T, cfg DetectorConfig, bridgeCost float64) *detectorFixture {
	t.Helper()
	log := zerolog.Nop()
	fake := busfake.New()
	store := market.NewPriceStore(log)
	pub := NewPublisher(fake, nil, PublisherConfig{}, log)
	preval := NewPreValidator(PreValidatorConfig{Enabled: false}, log)
	conf := NewConfidenceCalculator(ConfidenceConfig{})

	d := NewDetector(cfg, store, fixedBridgeCost(bridgeCost), nil, nil, preval, pub, conf, log)
	return &detectorFixture{detector: d, store: store, fake: fake}
}

func priceAt(chain, dex, pair string, price float64, ts int64) market.PriceUpdate {
	return market.PriceUpdate{
		Chain:     chain,
		Dex:       dex,
		PairKey:   pair,
		Token0:    "WETH",
		Token1:    "USDC",
		Price:     price,
		Timestamp: ts,
	}
}

func publishedOpportunities(t *testing.T, fake *busfake.Client) []Opportunity {
	t.Helper()
	entries := fake.Entries(bus.StreamOpportunities)
	out := make([]Opportunity, len(entries))
	for i, e := range entries {
		require.NoError(t, json.Unmarshal(e.Data, &out[i]))
	}
	return out
}

func TestDetectAndPublish(t *testing.T) {
	fx := newDetectorFixture(t, DetectorConfig{
		MinProfitThreshold: 0.001,
		GasUSDPerChain:     5,
		FeePercentage:      0.003,
		TradeTokens:        0.4,
	}, 5)

	now := market.NowMillis()
	fx.detector.OnPriceUpdate(priceAt("ethereum", "uniswap", "WETH_USDC", 2500, now))
	fx.detector.OnPriceUpdate(priceAt("arbitrum", "sushiswap", "WETH_USDC", 2550, now))

	fx.detector.DetectOnce(context.Background())

	ops := publishedOpportunities(t, fx.fake)
	require.Len(t, ops, 1)
	o := ops[0]
	assert.Equal(t, "ethereum", o.BuyChain)
	assert.Equal(t, "uniswap", o.BuyDex)
	assert.Equal(t, "arbitrum", o.SellChain)
	assert.Equal(t, "sushiswap", o.SellDex)
	assert.True(t, o.BridgeRequired)
	assert.Equal(t, 50.0, o.PriceDiff)
	assert.Equal(t, 2.0, o.PercentageDiff)
	// 50 - 5 bridge - 25 gas/token - 15.15 swap fee/token
	assert.InDelta(t, 4.85, o.NetProfit, 0.0001)
}

func TestUnprofitableSpreadNotPublished(t *testing.T) {
	fx := newDetectorFixture(t, DetectorConfig{
		MinProfitThreshold: 0.001,
		GasUSDPerChain:     5,
		FeePercentage:      0.003,
		TradeTokens:        0.4,
	}, 50) // bridge cost swallows the whole spread

	now := market.NowMillis()
	fx.detector.OnPriceUpdate(priceAt("ethereum", "uniswap", "WETH_USDC", 2500, now))
	fx.detector.OnPriceUpdate(priceAt("arbitrum", "sushiswap", "WETH_USDC", 2550, now))

	fx.detector.DetectOnce(context.Background())
	assert.Empty(t, fx.fake.Entries(bus.StreamOpportunities))
}

func TestStalePricesIgnored(t *testing.T) {
	fx := newDetectorFixture(t, DetectorConfig{MaxPriceAge: 30 * time.Second}, 0.1)

	now := market.NowMillis()
	fx.detector.OnPriceUpdate(priceAt("ethereum", "uniswap", "WETH_USDC", 2500, now))
	fx.detector.OnPriceUpdate(priceAt("arbitrum", "sushiswap", "WETH_USDC", 2550, now-60_000))

	fx.detector.DetectOnce(context.Background())
	assert.Empty(t, fx.fake.Entries(bus.StreamOpportunities))
}

func TestScanPairPicksGlobalMinAndMax(t *testing.T) {
	fx := newDetectorFixture(t, DetectorConfig{}, 0.01)
	now := market.NowMillis()

	points := []market.PricePoint{
		{Chain: "polygon", Dex: "quickswap", Price: 2520, Update: market.PriceUpdate{Timestamp: now}},
		{Chain: "ethereum", Dex: "uniswap", Price: 2480, Update: market.PriceUpdate{Timestamp: now}},
		{Chain: "arbitrum", Dex: "camelot", Price: 2610, Update: market.PriceUpdate{Timestamp: now}},
		{Chain: "optimism", Dex: "velodrome", Price: 2530, Update: market.PriceUpdate{Timestamp: now}},
		{Chain: "base", Dex: "aerodrome", Price: 2470, Update: market.PriceUpdate{Timestamp: now}},
	}

	c, ok := fx.detector.scanPair("WETH_USDC", points)
	require.True(t, ok)
	assert.Equal(t, "base", c.buy.Chain)
	assert.Equal(t, 2470.0, c.buy.Price)
	assert.Equal(t, "arbitrum", c.sell.Chain)
	assert.Equal(t, 2610.0, c.sell.Price)
}

func TestPercentConventionRoundTrips(t *testing.T) {
	fx := newDetectorFixture(t, DetectorConfig{}, 0.01)
	now := market.NowMillis()

	fx.detector.OnPriceUpdate(priceAt("ethereum", "uniswap", "WETH_USDC", 2000, now))
	fx.detector.OnPriceUpdate(priceAt("arbitrum", "sushiswap", "WETH_USDC", 2100, now))
	fx.detector.DetectOnce(context.Background())

	ops := publishedOpportunities(t, fx.fake)
	require.Len(t, ops, 1)
	assert.InDelta(t, 5.0, ops[0].PercentageDiff, 0.0001)
	// A consumer dividing by 100 recovers the decimal ratio.
	assert.InDelta(t, 0.05, ops[0].PercentageDiff/100, 0.000001)
}

func TestSameChainSpreadIgnored(t *testing.T) {
	fx := newDetectorFixture(t, DetectorConfig{}, 0.01)
	now := market.NowMillis()

	fx.detector.OnPriceUpdate(priceAt("ethereum", "uniswap", "WETH_USDC", 2000, now))
	fx.detector.OnPriceUpdate(priceAt("ethereum", "sushiswap", "WETH_USDC", 2100, now))
	fx.detector.DetectOnce(context.Background())

	assert.Empty(t, fx.fake.Entries(bus.StreamOpportunities))
}

func TestDetectionTicksDoNotOverlap(t *testing.T) {
	fx := newDetectorFixture(t, DetectorConfig{}, 0.01)
	now := market.NowMillis()
	fx.detector.OnPriceUpdate(priceAt("ethereum", "uniswap", "WETH_USDC", 2000, now))
	fx.detector.OnPriceUpdate(priceAt("arbitrum", "sushiswap", "WETH_USDC", 2100, now))

	// Simulate an in-flight tick holding the guard: a new tick must skip.
	require.True(t, fx.detector.detecting.TryAcquire())
	fx.detector.DetectOnce(context.Background())
	assert.Empty(t, fx.fake.Entries(bus.StreamOpportunities))

	fx.detector.detecting.Release()
	fx.detector.DetectOnce(context.Background())
	assert.Len(t, fx.fake.Entries(bus.StreamOpportunities), 1)
}

func TestErrorCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	fx := newDetectorFixture(t, DetectorConfig{
		ErrorThreshold: 5,
		ErrorCooldown:  30 * time.Second,
	}, 0.01)
	fx.fake.AddErr = errors.New("bus down")

	now := market.NowMillis()
	fx.detector.OnPriceUpdate(priceAt("ethereum", "uniswap", "WETH_USDC", 2000, now))
	fx.detector.OnPriceUpdate(priceAt("arbitrum", "sushiswap", "WETH_USDC", 2100, now))

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		fx.detector.DetectOnce(ctx)
	}
	assert.True(t, time.Now().Before(fx.detector.circuitUntil))

	// While the circuit is open, a healthy bus still gets no publishes.
	fx.fake.AddErr = nil
	fx.detector.DetectOnce(ctx)
	assert.Empty(t, fx.fake.Entries(bus.StreamOpportunities))
}

func TestRestartResumesDetection(t *testing.T) {
	fx := newDetectorFixture(t, DetectorConfig{DetectionInterval: 5 * time.Millisecond}, 0.01)
	ctx := context.Background()

	require.NoError(t, fx.detector.Start(ctx))
	fx.detector.Stop()
	require.NoError(t, fx.detector.Start(ctx))
	defer fx.detector.Stop()
	require.Equal(t, lifecycle.StateRunning, fx.detector.State())

	now := market.NowMillis()
	fx.detector.OnPriceUpdate(priceAt("ethereum", "uniswap", "WETH_USDC", 2000, now))
	fx.detector.OnPriceUpdate(priceAt("arbitrum", "sushiswap", "WETH_USDC", 2100, now))

	require.Eventually(t, func() bool {
		return len(fx.fake.Entries(bus.StreamOpportunities)) > 0
	}, 2*time.Second, 5*time.Millisecond, "restarted detector must keep publishing")
}

func TestConcurrentStopIsSafe(t *testing.T) {
	fx := newDetectorFixture(t, DetectorConfig{DetectionInterval: time.Millisecond}, 0.01)
	require.NoError(t, fx.detector.Start(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fx.detector.Stop()
		}()
	}
	wg.Wait()
	assert.Equal(t, lifecycle.StateStopped, fx.detector.State())
}

type stubPredictor struct {
	pred *Prediction
}

func (s *stubPredictor) Predict(ctx context.Context, history []HistoryPoint, currentPrice float64) (*Prediction, error) {
	return s.pred, nil
}

func TestAlignedPredictionsBoostConfidence(t *testing.T) {
	run := func(ml *MLManager) float64 {
		log := zerolog.Nop()
		fake := busfake.New()
		store := market.NewPriceStore(log)
		pub := NewPublisher(fake, nil, PublisherConfig{}, log)
		preval := NewPreValidator(PreValidatorConfig{Enabled: false}, log)
		conf := NewConfidenceCalculator(ConfidenceConfig{})
		d := NewDetector(DetectorConfig{}, store, fixedBridgeCost(0.01), ml, nil, preval, pub, conf, log)

		// Enough history on both legs for the model to engage.
		now := market.NowMillis()
		for i := 0; i < 12; i++ {
			ts := now - int64(12-i)*1000
			d.OnPriceUpdate(priceAt("ethereum", "uniswap", "WETH_USDC", 2000+float64(i), ts))
			d.OnPriceUpdate(priceAt("arbitrum", "sushiswap", "WETH_USDC", 2100+float64(i), ts))
		}
		d.DetectOnce(context.Background())

		ops := publishedOpportunities(t, fake)
		require.Len(t, ops, 1)
		return ops[0].Confidence
	}

	baseline := run(nil)
	aligned := NewMLManager(MLConfig{Enabled: true},
		&stubPredictor{pred: &Prediction{Direction: "up", Confidence: 0.9}}, zerolog.Nop())
	boosted := run(aligned)

	assert.Greater(t, boosted, baseline)
	// Up-up agreement on both legs applies the aligned boost.
	assert.InDelta(t, 1.2, boosted/baseline, 0.01)
}

func TestWhaleTriggeredCandidatesSortFirst(t *testing.T) {
	log := zerolog.Nop()
	fake := busfake.New()
	store := market.NewPriceStore(log)
	pub := NewPublisher(fake, nil, PublisherConfig{}, log)
	preval := NewPreValidator(PreValidatorConfig{Enabled: false}, log)
	conf := NewConfidenceCalculator(ConfidenceConfig{})
	whales := NewWhaleTracker(WhaleTrackerConfig{}, log)

	d := NewDetector(DetectorConfig{}, store, fixedBridgeCost(0.01), nil, whales, preval, pub, conf, log)

	now := market.NowMillis()
	// WBTC spread is far more profitable, but WETH is whale-triggered.
	d.OnPriceUpdate(priceAt("ethereum", "uniswap", "WETH_USDC", 2000, now))
	d.OnPriceUpdate(priceAt("arbitrum", "sushiswap", "WETH_USDC", 2100, now))
	d.OnPriceUpdate(market.PriceUpdate{
		Chain: "ethereum", Dex: "uniswap", PairKey: "WBTC_USDC",
		Token0: "WBTC", Token1: "USDC", Price: 60000, Timestamp: now,
	})
	d.OnPriceUpdate(market.PriceUpdate{
		Chain: "arbitrum", Dex: "sushiswap", PairKey: "WBTC_USDC",
		Token0: "WBTC", Token1: "USDC", Price: 63000, Timestamp: now,
	})
	d.OnWhaleTransaction(market.WhaleTransaction{
		Chain: "ethereum", Token: "WETH", Direction: "buy",
		USDValue: 2_000_000, Amount: 800, TransactionHash: "0xabc", Timestamp: now,
	})

	d.DetectOnce(context.Background())

	ops := publishedOpportunities(t, fake)
	require.Len(t, ops, 2)
	assert.Equal(t, "WETH_USDC", ops[0].PairKey)
	assert.True(t, ops[0].WhaleTriggered)
	assert.Equal(t, "WBTC_USDC", ops[1].PairKey)
}
