package bridge

import (
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPredictor() *LatencyPredictor {
	return NewLatencyPredictor(zerolog.Nop())
}

func addSamples(p *LatencyPredictor, src, dst, bridgeName string, latencies []float64) {
	now := time.Now().UnixMilli()
	for _, lat := range latencies {
		p.UpdateModel(src, dst, bridgeName, Sample{
			LatencySeconds: lat,
			CostETH:        0.001,
			Success:        true,
			Timestamp:      now,
		})
	}
}

func TestPredictLatencyConservativeBelowTenSamples(t *testing.T) {
	p := testPredictor()
	addSamples(p, "ethereum", "arbitrum", "stargate", []float64{100, 110, 120})

	pred := p.PredictLatency("ethereum", "arbitrum", "stargate", 1.0)
	assert.True(t, pred.Conservative)
	assert.Equal(t, 180.0, pred.LatencySeconds)
	assert.Equal(t, 0.3, pred.Confidence)
}

func TestPredictLatencyUnknownRouteUsesDefault(t *testing.T) {
	p := testPredictor()

	pred := p.PredictLatency("fantom", "celo", "hyperlane", 1.0)
	assert.True(t, pred.Conservative)
	assert.Equal(t, 300.0, pred.LatencySeconds)
}

func TestPredictLatencyWeightsRecentSamples(t *testing.T) {
	p := testPredictor()
	// Old regime at 300s, recent regime at 60s. The weighted mean must sit
	// closer to the recent regime than the plain average (180).
	lats := make([]float64, 0, 40)
	for i := 0; i < 20; i++ {
		lats = append(lats, 300)
	}
	for i := 0; i < 20; i++ {
		lats = append(lats, 60)
	}
	addSamples(p, "ethereum", "arbitrum", "stargate", lats)

	pred := p.PredictLatency("ethereum", "arbitrum", "stargate", 1.0)
	assert.False(t, pred.Conservative)
	assert.Less(t, pred.LatencySeconds, 180.0)
	assert.Greater(t, pred.LatencySeconds, 60.0)
}

func TestPredictLatencyConfidenceGrowsWithStableHistory(t *testing.T) {
	p := testPredictor()
	stable := make([]float64, 50)
	for i := range stable {
		stable[i] = 120
	}
	addSamples(p, "ethereum", "arbitrum", "stargate", stable)

	pred := p.PredictLatency("ethereum", "arbitrum", "stargate", 1.0)
	require.False(t, pred.Conservative)
	assert.InDelta(t, 120.0, pred.LatencySeconds, 0.001)
	assert.InDelta(t, 1.0, pred.Confidence, 0.01)
}

func TestFailedSamplesExcludedFromPrediction(t *testing.T) {
	p := testPredictor()
	now := time.Now().UnixMilli()
	for i := 0; i < 12; i++ {
		p.UpdateModel("ethereum", "arbitrum", "stargate", Sample{
			LatencySeconds: 100,
			Success:        true,
			Timestamp:      now,
		})
	}
	for i := 0; i < 5; i++ {
		p.UpdateModel("ethereum", "arbitrum", "stargate", Sample{
			LatencySeconds: 100000,
			Success:        false,
			Timestamp:      now,
		})
	}

	pred := p.PredictLatency("ethereum", "arbitrum", "stargate", 1.0)
	assert.InDelta(t, 100.0, pred.LatencySeconds, 0.001)
}

func TestModelTrendDetectsRisingLatency(t *testing.T) {
	p := testPredictor()
	lats := make([]float64, 30)
	for i := range lats {
		lats[i] = 100 + float64(i)*5
	}
	addSamples(p, "ethereum", "polygon", "stargate", lats)

	m, ok := p.Model("ethereum", "polygon", "stargate")
	require.True(t, ok)
	assert.InDelta(t, 5.0, m.Trend, 0.001)
	assert.Greater(t, m.StdDev, 0.0)
}

func TestHistoricalAccuracyPerfectForConstantLatency(t *testing.T) {
	p := testPredictor()
	stable := make([]float64, 20)
	for i := range stable {
		stable[i] = 150
	}
	addSamples(p, "ethereum", "arbitrum", "across", stable)

	assert.InDelta(t, 1.0, p.HistoricalAccuracy("ethereum", "arbitrum", "across"), 0.001)
}

func TestPredictOptimalBridgePrefersFastRouteUnderHighUrgency(t *testing.T) {
	p := testPredictor()
	fast := make([]float64, 30)
	slow := make([]float64, 30)
	for i := range fast {
		fast[i] = 60
		slow[i] = 1800
	}
	addSamples(p, "ethereum", "arbitrum", "across", fast)
	addSamples(p, "ethereum", "arbitrum", "stargate", slow)

	choice, err := p.PredictOptimalBridge("ethereum", "arbitrum", 10, "high", "USDC")
	require.NoError(t, err)
	assert.Equal(t, "across", choice.Bridge)
	assert.InDelta(t, 60.0, choice.LatencySeconds, 0.001)
}

func TestPredictOptimalBridgeUnknownPairFallsBack(t *testing.T) {
	p := testPredictor()

	choice, err := p.PredictOptimalBridge("fantom", "celo", 10, "medium", "USDC")
	require.NoError(t, err)
	assert.Equal(t, "stargate", choice.Bridge)
}

func TestCleanupDropsAgedSamplesAndEmptyRoutes(t *testing.T) {
	p := testPredictor()
	old := time.Now().Add(-40 * 24 * time.Hour).UnixMilli()
	for i := 0; i < 15; i++ {
		p.UpdateModel("ethereum", "arbitrum", "stargate", Sample{
			LatencySeconds: 100,
			Success:        true,
			Timestamp:      old,
		})
	}
	require.Equal(t, 15, p.SampleCount("ethereum", "arbitrum", "stargate"))

	removed := p.Cleanup(DefaultSampleMaxAge)
	assert.Equal(t, 15, removed)
	assert.Equal(t, 0, p.SampleCount("ethereum", "arbitrum", "stargate"))

	_, ok := p.Model("ethereum", "arbitrum", "stargate")
	assert.False(t, ok)
}

func TestRingEvictsBeyondCapacity(t *testing.T) {
	r := newSampleRing()
	for i := 0; i < ringCapacity+25; i++ {
		r.append(Sample{LatencySeconds: float64(i)})
	}
	assert.Equal(t, ringCapacity, r.len())

	samples := r.chronological()
	// Oldest surviving sample is the 26th appended.
	assert.Equal(t, 25.0, samples[0].LatencySeconds)
	assert.Equal(t, float64(ringCapacity+24), samples[len(samples)-1].LatencySeconds)
}

func TestCongestionSchedule(t *testing.T) {
	assert.Equal(t, 0.7, congestionAt(12))
	assert.Equal(t, 0.7, congestionAt(17))
	assert.Equal(t, 0.4, congestionAt(8))
	assert.Equal(t, 0.4, congestionAt(21))
	assert.Equal(t, 0.1, congestionAt(2))
	assert.Equal(t, 0.1, congestionAt(23))
}

func TestEstimateCostScalesWithCongestion(t *testing.T) {
	p := testPredictor()
	p.nowUTC = func() time.Time {
		return time.Date(2026, 1, 1, 14, 0, 0, 0, time.UTC) // peak
	}
	peak := p.estimateCostWei(10)
	assert.InDelta(t, 0.001*10*(1+0.7*0.5)*1e18, peak, 1)

	p.nowUTC = func() time.Time {
		return time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC) // off-peak
	}
	offPeak := p.estimateCostWei(10)
	assert.Less(t, offPeak, peak)
	assert.False(t, math.IsNaN(offPeak))
}
