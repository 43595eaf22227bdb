package detect

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/arbiterlabs/chainarb/internal/lifecycle"
	"github.com/arbiterlabs/chainarb/internal/market"
)

// BridgeEstimator provides the token-unit cost of bridging between two chains
// for a trade of the given size.
type BridgeEstimator interface {
	EstimateCost(srcChain, dstChain string, tradeTokens float64) float64
}

// BridgeEstimatorFunc adapts a function to BridgeEstimator.
type BridgeEstimatorFunc func(srcChain, dstChain string, tradeTokens float64) float64

func (f BridgeEstimatorFunc) EstimateCost(src, dst string, tradeTokens float64) float64 {
	return f(src, dst, tradeTokens)
}

// DetectorConfig holds detection parameters.
type DetectorConfig struct {
	DetectionInterval  time.Duration // tick cadence (default 100ms)
	MaxPriceAge        time.Duration // quotes older than this are ignored (default 30s)
	MinProfitThreshold float64       // net profit must exceed this fraction of the buy price (default 0.001)
	GasUSDPerChain     float64       // flat per-chain gas estimate (default 5)
	FeePercentage      float64       // swap fee fraction per leg (default 0.003)
	TradeTokens        float64       // notional trade size in base-token units (default 0.4)
	TradeSizeUSD       float64       // notional in USD, forwarded to pre-validation
	ErrorThreshold     int           // consecutive tick errors before the local circuit opens (default 5)
	ErrorCooldown      time.Duration // local circuit hold-off (default 30s)
}

func (c DetectorConfig) withDefaults() DetectorConfig {
	if c.DetectionInterval <= 0 {
		c.DetectionInterval = 100 * time.Millisecond
	}
	if c.MaxPriceAge <= 0 {
		c.MaxPriceAge = 30 * time.Second
	}
	if c.MinProfitThreshold == 0 {
		c.MinProfitThreshold = 0.001
	}
	if c.GasUSDPerChain == 0 {
		c.GasUSDPerChain = 5
	}
	if c.FeePercentage == 0 {
		c.FeePercentage = 0.003
	}
	if c.TradeTokens == 0 {
		c.TradeTokens = 0.4
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = 5
	}
	if c.ErrorCooldown <= 0 {
		c.ErrorCooldown = 30 * time.Second
	}
	return c
}

// candidate is an internal pre-wire opportunity. percentage stays a ratio
// until wireOpportunity converts it.
type candidate struct {
	pairKey        string
	buy            market.PricePoint
	sell           market.PricePoint
	priceDiff      float64
	diffRatio      float64
	bridgeCost     float64
	netProfit      float64
	confidence     float64
	whale          *WhaleSummary
	whaleTriggered bool
	mlPred         *Prediction
	mlSellPred     *Prediction
	pendingHash    string
}

// Detector runs the cross-chain arbitrage scan: snapshot the price store, find
// the widest spread per pair, price in bridge/gas/fee costs, enrich with whale
// and ML signals, then push survivors through pre-validation to the publisher.
type Detector struct {
	cfg        DetectorConfig
	store      *market.PriceStore
	bridges    BridgeEstimator
	ml         *MLManager
	whales     WhaleSource
	guard      *PriceGuard
	preval     *PreValidator
	pub        *Publisher
	confidence *ConfidenceCalculator

	machine   *lifecycle.Machine
	detecting lifecycle.Guard
	stopCh    chan struct{}
	wg        sync.WaitGroup

	mu           sync.Mutex
	errStreak    int
	circuitUntil time.Time

	now func() int64
	log zerolog.Logger
}

// NewDetector wires a detector. whales may be nil (no whale enrichment).
func NewDetector(
	cfg DetectorConfig,
	store *market.PriceStore,
	bridges BridgeEstimator,
	ml *MLManager,
	whales WhaleSource,
	preval *PreValidator,
	pub *Publisher,
	confidence *ConfidenceCalculator,
	log zerolog.Logger,
) *Detector {
	return &Detector{
		cfg:        cfg.withDefaults(),
		store:      store,
		bridges:    bridges,
		ml:         ml,
		whales:     whales,
		guard:      NewPriceGuard(log),
		preval:     preval,
		pub:        pub,
		confidence: confidence,
		machine:    lifecycle.NewMachine(),
		stopCh:     make(chan struct{}),
		now:        market.NowMillis,
		log:        log.With().Str("service", "cross_chain_detector").Logger(),
	}
}

// State returns the detector's lifecycle state.
func (d *Detector) State() lifecycle.State {
	return d.machine.State()
}

// OnPriceUpdate feeds one validated price update into the store and the ML
// history. ETH/stable pairs pass the rate-of-change guard first.
func (d *Detector) OnPriceUpdate(u market.PriceUpdate) {
	normalized := market.NormalizePairKey(u.PairKey)
	if IsEthPricePair(normalized) && !d.guard.Accept(normalized, u.Price) {
		return
	}
	d.store.HandlePriceUpdate(u)
	if d.ml != nil {
		d.ml.RecordPrice(u.Chain, normalized, u.Price, u.Timestamp)
	}
}

// OnWhaleTransaction records whale activity when a tracker is wired.
func (d *Detector) OnWhaleTransaction(tx market.WhaleTransaction) {
	if t, ok := d.whales.(*WhaleTracker); ok && t != nil {
		t.Record(tx)
	}
}

// Start begins the detection loop.
func (d *Detector) Start(ctx context.Context) error {
	if err := d.machine.Transition(lifecycle.StateStarting); err != nil {
		return err
	}
	// Fresh channel so a restart after Stop gets a live loop.
	d.stopCh = make(chan struct{})
	d.log.Info().
		Dur("interval", d.cfg.DetectionInterval).
		Float64("min_profit_threshold", d.cfg.MinProfitThreshold).
		Msg("Starting cross-chain detector")
	if err := d.machine.Transition(lifecycle.StateRunning); err != nil {
		return err
	}

	d.wg.Add(1)
	go d.loop(ctx)
	return nil
}

// Stop halts the loop. Safe in any state, including concurrent stops.
func (d *Detector) Stop() {
	if !d.machine.BeginStop() {
		return
	}
	close(d.stopCh)
	d.wg.Wait()
	_ = d.machine.Transition(lifecycle.StateStopped)
	d.log.Info().Msg("Cross-chain detector stopped")
}

// loop reschedules after each completed tick so a slow scan never stacks.
func (d *Detector) loop(ctx context.Context) {
	defer d.wg.Done()
	timer := time.NewTimer(d.cfg.DetectionInterval)
	defer timer.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
			d.DetectOnce(ctx)
			timer.Reset(d.cfg.DetectionInterval)
		}
	}
}

// DetectOnce runs a single guarded detection tick. Overlapping ticks are
// skipped, as are ticks while the local error circuit is open.
func (d *Detector) DetectOnce(ctx context.Context) {
	d.mu.Lock()
	if time.Now().Before(d.circuitUntil) {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	if !d.detecting.TryAcquire() {
		return
	}
	defer d.detecting.Release()

	if err := d.detect(ctx); err != nil {
		d.recordTickError(err)
		return
	}
	d.mu.Lock()
	d.errStreak = 0
	d.mu.Unlock()
}

func (d *Detector) recordTickError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errStreak++
	d.log.Error().Err(err).Int("streak", d.errStreak).Msg("Detection tick failed")
	if d.errStreak >= d.cfg.ErrorThreshold {
		d.circuitUntil = time.Now().Add(d.cfg.ErrorCooldown)
		d.errStreak = 0
		d.log.Warn().
			Dur("cooldown", d.cfg.ErrorCooldown).
			Msg("Detection error circuit opened")
	}
}

func (d *Detector) detect(ctx context.Context) error {
	snapshot := d.store.CreateIndexedSnapshot()

	var candidates []candidate
	for _, pair := range snapshot.TokenPairs {
		if c, ok := d.scanPair(pair, snapshot.ByToken[pair]); ok {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	for i := range candidates {
		d.enrich(ctx, &candidates[i])
	}

	// Whale-triggered candidates go first, then by net profit.
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].whaleTriggered != candidates[j].whaleTriggered {
			return candidates[i].whaleTriggered
		}
		return candidates[i].netProfit > candidates[j].netProfit
	})

	// A failed candidate is logged and the rest still run; the first error
	// counts against the tick's error streak.
	var firstErr error
	for i := range candidates {
		if err := d.emit(ctx, &candidates[i]); err != nil {
			d.log.Error().Err(err).Str("pair", candidates[i].pairKey).Msg("Failed to emit opportunity")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// scanPair finds the widest profitable spread in one pair's points via a
// single linear pass.
func (d *Detector) scanPair(pairKey string, points []market.PricePoint) (candidate, bool) {
	if len(points) < 2 {
		return candidate{}, false
	}

	cutoff := d.now() - d.cfg.MaxPriceAge.Milliseconds()

	var low, high *market.PricePoint
	for i := range points {
		p := &points[i]
		if !validPrice(p.Price) || p.Update.Timestamp < cutoff {
			continue
		}
		if low == nil || p.Price < low.Price {
			low = p
		}
		if high == nil || p.Price > high.Price {
			high = p
		}
	}
	if low == nil || high == nil || low.Chain == high.Chain {
		return candidate{}, false
	}

	priceDiff := high.Price - low.Price
	if priceDiff <= 0 {
		return candidate{}, false
	}

	bridgeCost := d.bridges.EstimateCost(low.Chain, high.Chain, d.cfg.TradeTokens)
	netProfit := priceDiff - bridgeCost - d.gasCostPerToken() - d.swapFeePerToken(low.Price, high.Price)
	if netProfit <= d.cfg.MinProfitThreshold*low.Price {
		return candidate{}, false
	}

	return candidate{
		pairKey:    pairKey,
		buy:        *low,
		sell:       *high,
		priceDiff:  priceDiff,
		diffRatio:  priceDiff / low.Price,
		bridgeCost: bridgeCost,
		netProfit:  netProfit,
	}, true
}

func (d *Detector) gasCostPerToken() float64 {
	if d.cfg.TradeTokens == 0 {
		return 0
	}
	return 2 * d.cfg.GasUSDPerChain / d.cfg.TradeTokens
}

func (d *Detector) swapFeePerToken(srcPrice, dstPrice float64) float64 {
	return d.cfg.FeePercentage * (srcPrice + dstPrice)
}

func validPrice(p float64) bool {
	return p > 0 && !math.IsNaN(p) && !math.IsInf(p, 0)
}

// enrich attaches whale and ML context and computes the composed confidence.
func (d *Detector) enrich(ctx context.Context, c *candidate) {
	if d.whales != nil {
		c.whale = d.whales.Summary(baseToken(c.pairKey))
		c.whaleTriggered = c.whale != nil &&
			(c.whale.Sentiment != SentimentNeutral || c.whale.SuperWhaleCount > 0)
	}
	if d.ml != nil {
		c.mlPred = d.ml.GetPrediction(ctx, c.buy.Chain, c.pairKey, c.buy.Price)
		c.mlSellPred = d.ml.GetPrediction(ctx, c.sell.Chain, c.pairKey, c.sell.Price)
	}

	c.confidence = d.confidence.Compute(ConfidenceInput{
		LowPrice:      c.buy.Price,
		HighPrice:     c.sell.Price,
		LowTimestamp:  c.buy.Update.Timestamp,
		HighTimestamp: c.sell.Update.Timestamp,
		Whale:         c.whale,
		BuySidePred:   c.mlPred,
		SellSidePred:  c.mlSellPred,
	})
}

// emit runs pre-validation and hands survivors to the publisher.
func (d *Detector) emit(ctx context.Context, c *candidate) error {
	o := d.wireOpportunity(c)
	decision := d.preval.ValidateOpportunity(ctx, o)
	if !decision.Allowed {
		d.log.Debug().
			Str("pair", c.pairKey).
			Str("reason", decision.Reason).
			Msg("Opportunity blocked by pre-validation")
		return nil
	}
	if _, err := d.pub.Publish(ctx, o); err != nil {
		return fmt.Errorf("publish %s: %w", c.pairKey, err)
	}
	return nil
}

// wireOpportunity builds the published form. The percentage conversion to
// percent happens here and nowhere else.
func (d *Detector) wireOpportunity(c *candidate) *Opportunity {
	tokenIn, tokenOut := splitPair(c.pairKey)
	o := &Opportunity{
		Type:            "cross-chain",
		PairKey:         c.pairKey,
		TokenIn:         tokenIn,
		TokenOut:        tokenOut,
		BuyChain:        c.buy.Chain,
		BuyDex:          c.buy.Dex,
		SellChain:       c.sell.Chain,
		SellDex:         c.sell.Dex,
		BridgeRequired:  true,
		SourcePrice:     c.buy.Price,
		TargetPrice:     c.sell.Price,
		PriceDiff:       c.priceDiff,
		PercentageDiff:  c.diffRatio * 100,
		EstimatedProfit: c.priceDiff * d.cfg.TradeTokens,
		BridgeCost:      c.bridgeCost,
		NetProfit:       c.netProfit,
		Confidence:      c.confidence,
		TradeSizeUSD:    d.cfg.TradeSizeUSD,
		CreatedAt:       d.now(),
	}
	if c.whale != nil {
		o.WhaleTriggered = c.whaleTriggered
		o.WhaleSentiment = c.whale.Sentiment
		o.WhaleNetFlowUSD = c.whale.NetFlowUSD
	}
	if c.mlPred != nil {
		o.MLDirection = c.mlPred.Direction
		o.MLConfidence = c.mlPred.Confidence
	}
	o.PendingIntentHash = c.pendingHash
	return o
}

func baseToken(pairKey string) string {
	for i := 0; i < len(pairKey); i++ {
		if pairKey[i] == '_' {
			return pairKey[:i]
		}
	}
	return pairKey
}

func splitPair(pairKey string) (string, string) {
	for i := 0; i < len(pairKey); i++ {
		if pairKey[i] == '_' {
			return pairKey[:i], pairKey[i+1:]
		}
	}
	return pairKey, ""
}
