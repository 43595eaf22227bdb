package detect

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/arbiterlabs/chainarb/internal/market"
)

// Pending-intent analysis: a large mempool swap moves its pool's price before
// it mines, so the post-swap price on the source chain can open a window
// against the still-unmoved pools on other chains.

const (
	pendingMinDiffRatio   = 0.005 // 0.5% spread or better
	pendingDeadlineBuffer = 30 * time.Second
	pendingMaxImpact      = 0.10
)

// chainNames maps EVM chain ids onto pipeline chain names.
var chainNames = map[int64]string{
	1:     "ethereum",
	10:    "optimism",
	56:    "bsc",
	137:   "polygon",
	8453:  "base",
	42161: "arbitrum",
	43114: "avalanche",
}

// OnPendingOpportunity analyzes one mempool intent against the current price
// snapshot.
func (d *Detector) OnPendingOpportunity(ctx context.Context, p market.PendingOpportunity) {
	intent := p.Intent

	// An intent about to expire cannot be acted on in time.
	if intent.Deadline*1000-d.now() < pendingDeadlineBuffer.Milliseconds() {
		d.log.Debug().Str("hash", intent.Hash).Msg("Pending intent deadline too close, discarding")
		return
	}

	chain, ok := chainNames[intent.ChainID]
	if !ok {
		d.log.Debug().Int64("chain_id", intent.ChainID).Msg("Pending intent on unknown chain")
		return
	}

	pairKey := market.NormalizePairKey(
		strings.ToUpper(intent.TokenIn) + "_" + strings.ToUpper(intent.TokenOut))

	snapshot := d.store.CreateIndexedSnapshot()
	points := snapshot.ByToken[pairKey]
	if len(points) == 0 {
		return
	}

	src := sourcePool(points, chain)
	if src == nil {
		return
	}

	postSwap := d.postSwapPrice(*src, intent)
	if !validPrice(postSwap) {
		return
	}

	// Best price on any other chain against the moved source pool.
	var best *market.PricePoint
	cutoff := d.now() - d.cfg.MaxPriceAge.Milliseconds()
	for i := range points {
		pt := &points[i]
		if pt.Chain == chain || !validPrice(pt.Price) || pt.Update.Timestamp < cutoff {
			continue
		}
		if best == nil || pt.Price > best.Price {
			best = pt
		}
	}
	if best == nil {
		return
	}

	diffRatio := (best.Price - postSwap) / postSwap
	if diffRatio < pendingMinDiffRatio {
		return
	}

	priceDiff := best.Price - postSwap
	bridgeCost := d.bridges.EstimateCost(chain, best.Chain, d.cfg.TradeTokens)
	netProfit := priceDiff - bridgeCost - d.gasCostPerToken() - d.swapFeePerToken(postSwap, best.Price)
	if netProfit <= d.cfg.MinProfitThreshold*postSwap {
		return
	}

	c := candidate{
		pairKey: pairKey,
		buy: market.PricePoint{
			Chain:   chain,
			Dex:     src.Dex,
			PairKey: src.PairKey,
			Price:   postSwap,
			Update:  src.Update,
		},
		sell:        *best,
		priceDiff:   priceDiff,
		diffRatio:   diffRatio,
		bridgeCost:  bridgeCost,
		netProfit:   netProfit,
		pendingHash: intent.Hash,
	}
	d.enrich(ctx, &c)
	c.confidence *= slippageConfidenceFactor(intent.SlippageTolerance)

	if err := d.emit(ctx, &c); err != nil {
		d.log.Error().Err(err).Str("hash", intent.Hash).Msg("Failed to emit pending opportunity")
	}
}

// sourcePool picks the source-chain pool the intent will execute against.
func sourcePool(points []market.PricePoint, chain string) *market.PricePoint {
	for i := range points {
		if points[i].Chain == chain && validPrice(points[i].Price) {
			return &points[i]
		}
	}
	return nil
}

// postSwapPrice projects where the pool price lands after the intent executes.
// With reserves available the impact is amountIn over reserve depth (capped);
// without them the intent's own slippage tolerance is the best bound we have.
func (d *Detector) postSwapPrice(src market.PricePoint, intent market.SwapIntent) float64 {
	impact := reserveImpact(intent.AmountIn, src.Update.Reserve0)
	if impact == 0 {
		impact = intent.SlippageTolerance
	}
	if impact > pendingMaxImpact {
		impact = pendingMaxImpact
	}
	return src.Price * (1 + impact)
}

// reserveImpact is amountIn/(amountIn+reserve), both base-unit decimal
// strings. Returns 0 when either fails to parse.
func reserveImpact(amountIn, reserve string) float64 {
	a, okA := new(big.Float).SetString(amountIn)
	r, okR := new(big.Float).SetString(reserve)
	if !okA || !okR || a.Sign() <= 0 || r.Sign() <= 0 {
		return 0
	}
	depth := new(big.Float).Add(a, r)
	ratio, _ := new(big.Float).Quo(a, depth).Float64()
	return ratio
}

// slippageConfidenceFactor discounts confidence for loose slippage settings.
// Branch order matters: the wide band is checked first.
func slippageConfidenceFactor(slippage float64) float64 {
	switch {
	case slippage > 0.03:
		return 0.7
	case slippage > 0.01:
		return 0.9
	default:
		return 1
	}
}
