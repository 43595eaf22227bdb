package detect

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func fixedNowCalculator(now int64) *ConfidenceCalculator {
	c := NewConfidenceCalculator(ConfidenceConfig{})
	c.now = func() int64 { return now }
	return c
}

func TestBaseConfidenceScalesWithGap(t *testing.T) {
	now := int64(1_700_000_000_000)
	c := fixedNowCalculator(now)

	// 2% gap, fresh quotes: base = 0.02 * 2 = 0.04.
	got := c.Compute(ConfidenceInput{
		LowPrice: 2500, HighPrice: 2550,
		LowTimestamp: now, HighTimestamp: now,
	})
	assert.InDelta(t, 0.04, got, 0.0001)
}

func TestBaseConfidenceSaturatesAtFiftyPercentGap(t *testing.T) {
	now := int64(1_700_000_000_000)
	c := fixedNowCalculator(now)

	wide := c.Compute(ConfidenceInput{
		LowPrice: 100, HighPrice: 200,
		LowTimestamp: now, HighTimestamp: now,
	})
	// min(1.0, 0.5) * 2 = 1.0, capped to 0.95.
	assert.InDelta(t, 0.95, wide, 0.0001)
}

func TestInvalidPricesYieldZero(t *testing.T) {
	c := fixedNowCalculator(0)
	assert.Zero(t, c.Compute(ConfidenceInput{LowPrice: 0, HighPrice: 100}))
	assert.Zero(t, c.Compute(ConfidenceInput{LowPrice: -1, HighPrice: 100}))
}

func TestFreshnessPenaltyDecaysAndFloors(t *testing.T) {
	now := int64(1_700_000_000_000)
	c := fixedNowCalculator(now)

	fresh := c.Compute(ConfidenceInput{
		LowPrice: 100, HighPrice: 110,
		LowTimestamp: now, HighTimestamp: now,
	})
	fiveMinOld := c.Compute(ConfidenceInput{
		LowPrice: 100, HighPrice: 110,
		LowTimestamp: now - 5*60_000, HighTimestamp: now,
	})
	ancient := c.Compute(ConfidenceInput{
		LowPrice: 100, HighPrice: 110,
		LowTimestamp: now - 60*60_000, HighTimestamp: now,
	})

	assert.InDelta(t, fresh*0.5, fiveMinOld, 0.0001)
	assert.InDelta(t, fresh*0.1, ancient, 0.0001) // floored at 0.1
}

func TestWhaleMultipliers(t *testing.T) {
	now := int64(1_700_000_000_000)
	c := fixedNowCalculator(now)
	base := ConfidenceInput{
		LowPrice: 100, HighPrice: 110,
		LowTimestamp: now, HighTimestamp: now,
	}
	plain := c.Compute(base)

	bullish := base
	bullish.Whale = &WhaleSummary{Sentiment: SentimentBullish}
	assert.InDelta(t, plain*1.15, c.Compute(bullish), 0.0001)

	bearish := base
	bearish.Whale = &WhaleSummary{Sentiment: SentimentBearish}
	assert.InDelta(t, plain*0.85, c.Compute(bearish), 0.0001)

	super := base
	super.Whale = &WhaleSummary{Sentiment: SentimentNeutral, SuperWhaleCount: 1}
	assert.InDelta(t, plain*1.25, c.Compute(super), 0.0001)

	flow := base
	flow.Whale = &WhaleSummary{Sentiment: SentimentNeutral, NetFlowUSD: -600_000}
	assert.InDelta(t, plain*1.1, c.Compute(flow), 0.0001)
}

func TestMLMultipliers(t *testing.T) {
	now := int64(1_700_000_000_000)
	c := fixedNowCalculator(now)
	base := ConfidenceInput{
		LowPrice: 100, HighPrice: 110,
		LowTimestamp: now, HighTimestamp: now,
	}
	plain := c.Compute(base)

	aligned := base
	aligned.BuySidePred = &Prediction{Direction: "up", Confidence: 0.8}
	aligned.SellSidePred = &Prediction{Direction: "up", Confidence: 0.8}
	assert.InDelta(t, plain*1.2, c.Compute(aligned), 0.0001)

	opposed := base
	opposed.BuySidePred = &Prediction{Direction: "up", Confidence: 0.8}
	opposed.SellSidePred = &Prediction{Direction: "down", Confidence: 0.8}
	assert.InDelta(t, plain*0.8, c.Compute(opposed), 0.0001)

	// Low-confidence predictions are ignored entirely.
	weak := base
	weak.BuySidePred = &Prediction{Direction: "up", Confidence: 0.2}
	weak.SellSidePred = &Prediction{Direction: "down", Confidence: 0.2}
	assert.InDelta(t, plain, c.Compute(weak), 0.0001)
}

func TestConfidenceNeverExceedsCap(t *testing.T) {
	now := int64(1_700_000_000_000)
	c := fixedNowCalculator(now)

	got := c.Compute(ConfidenceInput{
		LowPrice: 100, HighPrice: 200,
		LowTimestamp: now, HighTimestamp: now,
		Whale: &WhaleSummary{
			Sentiment:       SentimentBullish,
			SuperWhaleCount: 2,
			NetFlowUSD:      2_000_000,
		},
		BuySidePred:  &Prediction{Direction: "up", Confidence: 0.9},
		SellSidePred: &Prediction{Direction: "up", Confidence: 0.9},
	})
	assert.Equal(t, 0.95, got)
}
