// Package detect is the detection engine: price-gap scanning over indexed
// snapshots, whale and ML confidence composition, deduplicated publishing, and
// the pre-validation gate in front of the opportunity stream.
package detect

import (
	"math"

	"github.com/arbiterlabs/chainarb/internal/market"
)

// Prediction is the output of a price-direction model.
type Prediction struct {
	Direction      string  `json:"direction"` // "up", "down", "neutral"
	Confidence     float64 `json:"confidence"`
	PredictedPrice float64 `json:"predictedPrice,omitempty"`
	Model          string  `json:"model,omitempty"`
	GeneratedAt    int64   `json:"generatedAt"`
}

// ConfidenceConfig holds the multipliers applied on top of the base price-gap
// confidence.
type ConfidenceConfig struct {
	BullishBoost       float64 // whale sentiment bullish
	BearishPenalty     float64 // whale sentiment bearish
	SuperWhaleBoost    float64 // at least one super whale seen
	FlowBoost          float64 // |net flow| above threshold
	SignificantFlowUSD float64
	MLMinConfidence    float64 // predictions below this are ignored
	MLAlignedBoost     float64
	MLOpposedPenalty   float64
}

func (c ConfidenceConfig) withDefaults() ConfidenceConfig {
	if c.BullishBoost == 0 {
		c.BullishBoost = 1.15
	}
	if c.BearishPenalty == 0 {
		c.BearishPenalty = 0.85
	}
	if c.SuperWhaleBoost == 0 {
		c.SuperWhaleBoost = 1.25
	}
	if c.FlowBoost == 0 {
		c.FlowBoost = 1.1
	}
	if c.SignificantFlowUSD == 0 {
		c.SignificantFlowUSD = 500_000
	}
	if c.MLMinConfidence == 0 {
		c.MLMinConfidence = 0.6
	}
	if c.MLAlignedBoost == 0 {
		c.MLAlignedBoost = 1.2
	}
	if c.MLOpposedPenalty == 0 {
		c.MLOpposedPenalty = 0.8
	}
	return c
}

// ConfidenceInput is everything the calculator looks at for one candidate.
type ConfidenceInput struct {
	LowPrice      float64
	HighPrice     float64
	LowTimestamp  int64
	HighTimestamp int64
	Whale         *WhaleSummary
	BuySidePred   *Prediction
	SellSidePred  *Prediction
}

// ConfidenceCalculator composes a confidence score in [0, 0.95] from the price
// gap, data freshness, whale signals, and ML predictions. It is stateless.
type ConfidenceCalculator struct {
	cfg ConfidenceConfig
	now func() int64
}

// NewConfidenceCalculator creates a calculator with zero fields of cfg filled
// with defaults.
func NewConfidenceCalculator(cfg ConfidenceConfig) *ConfidenceCalculator {
	return &ConfidenceCalculator{cfg: cfg.withDefaults(), now: market.NowMillis}
}

// Compute returns the composed confidence for one candidate.
func (c *ConfidenceCalculator) Compute(in ConfidenceInput) float64 {
	base := baseConfidence(in.LowPrice, in.HighPrice)
	if base == 0 {
		return 0
	}

	score := base *
		c.freshnessPenalty(in.LowTimestamp, in.HighTimestamp) *
		c.whaleMultiplier(in.Whale) *
		c.mlMultiplier(in.BuySidePred, in.SellSidePred)

	return math.Min(0.95, score)
}

// baseConfidence maps the price gap ratio onto [0, 1]: a 50% gap or wider
// saturates at 1.
func baseConfidence(lo, hi float64) float64 {
	if lo <= 0 || hi <= 0 || math.IsInf(lo, 0) || math.IsInf(hi, 0) ||
		math.IsNaN(lo) || math.IsNaN(hi) {
		return 0
	}
	return math.Min(hi/lo-1, 0.5) * 2
}

// freshnessPenalty decays with the age of the older of the two quotes, one
// tenth per minute, floored at 0.1.
func (c *ConfidenceCalculator) freshnessPenalty(tsLow, tsHigh int64) float64 {
	oldest := tsLow
	if tsHigh < oldest {
		oldest = tsHigh
	}
	ageMinutes := float64(c.now()-oldest) / 60_000
	if ageMinutes < 0 {
		ageMinutes = 0
	}
	return math.Max(0.1, 1-ageMinutes*0.1)
}

func (c *ConfidenceCalculator) whaleMultiplier(w *WhaleSummary) float64 {
	if w == nil {
		return 1
	}
	m := 1.0
	switch w.Sentiment {
	case SentimentBullish:
		m *= c.cfg.BullishBoost
	case SentimentBearish:
		m *= c.cfg.BearishPenalty
	}
	if w.SuperWhaleCount > 0 {
		m *= c.cfg.SuperWhaleBoost
	}
	if math.Abs(w.NetFlowUSD) > c.cfg.SignificantFlowUSD {
		m *= c.cfg.FlowBoost
	}
	return m
}

// mlMultiplier boosts when both sides predict up and penalizes when the sides
// disagree. Predictions below the confidence floor are ignored.
func (c *ConfidenceCalculator) mlMultiplier(buy, sell *Prediction) float64 {
	buyDir := c.usableDirection(buy)
	sellDir := c.usableDirection(sell)
	switch {
	case buyDir == "up" && sellDir == "up":
		return c.cfg.MLAlignedBoost
	case (buyDir == "up" && sellDir == "down") || (buyDir == "down" && sellDir == "up"):
		return c.cfg.MLOpposedPenalty
	default:
		return 1
	}
}

func (c *ConfidenceCalculator) usableDirection(p *Prediction) string {
	if p == nil || math.Abs(p.Confidence) < c.cfg.MLMinConfidence {
		return ""
	}
	return p.Direction
}
