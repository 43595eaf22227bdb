package bridge

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"
)

const (
	// ringCapacity bounds per-route history; older samples fall off.
	ringCapacity = 1000

	// minSamplesForModel is the history size below which the conservative
	// table is used instead of the fitted model.
	minSamplesForModel = 10

	// modelWindow is how many recent successful samples feed a prediction.
	modelWindow = 50

	// DefaultSampleMaxAge is the retention window for route history.
	DefaultSampleMaxAge = 30 * 24 * time.Hour
)

// Sample is one observed bridge execution on a route.
type Sample struct {
	LatencySeconds  float64 `json:"latencySeconds"`
	CostETH         float64 `json:"costEth"`
	Success         bool    `json:"success"`
	Timestamp       int64   `json:"timestamp"`
	CongestionLevel float64 `json:"congestionLevel,omitempty"`
	GasPriceGwei    float64 `json:"gasPriceGwei,omitempty"`
}

// Prediction is a latency/cost estimate for a route.
type Prediction struct {
	LatencySeconds float64
	CostWei        float64
	Confidence     float64
	Conservative   bool
}

// Model holds the sufficient statistics fitted over a route's history.
type Model struct {
	Mean   float64
	StdDev float64
	Trend  float64 // OLS slope of latency over sample index
}

// Choice is the result of optimal-bridge selection.
type Choice struct {
	Bridge         string
	LatencySeconds float64
	CostWei        float64
	Confidence     float64
	Score          float64
}

// sampleRing is a fixed-capacity ring with O(1) append and implicit eviction.
type sampleRing struct {
	buf  []Sample
	next int
	full bool
}

func newSampleRing() *sampleRing {
	return &sampleRing{buf: make([]Sample, ringCapacity)}
}

func (r *sampleRing) append(s Sample) {
	r.buf[r.next] = s
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

func (r *sampleRing) len() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// chronological returns a copy of the samples, oldest first.
func (r *sampleRing) chronological() []Sample {
	if !r.full {
		out := make([]Sample, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]Sample, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}

// LatencyPredictor models per-route bridge latency and cost from historical
// samples. It exclusively owns its ring buffers; callers only see derived
// values.
type LatencyPredictor struct {
	mu     sync.Mutex
	rings  map[string]*sampleRing
	models map[string]Model
	nowUTC func() time.Time
	log    zerolog.Logger
}

// NewLatencyPredictor creates an empty predictor.
func NewLatencyPredictor(log zerolog.Logger) *LatencyPredictor {
	return &LatencyPredictor{
		rings:  make(map[string]*sampleRing),
		models: make(map[string]Model),
		nowUTC: func() time.Time { return time.Now().UTC() },
		log:    log.With().Str("service", "bridge_predictor").Logger(),
	}
}

// UpdateModel appends a sample to the route's ring and refits the route's
// sufficient-statistics model.
func (p *LatencyPredictor) UpdateModel(srcChain, dstChain, bridgeName string, s Sample) {
	key := RouteKey(srcChain, dstChain, bridgeName)

	p.mu.Lock()
	defer p.mu.Unlock()

	ring, ok := p.rings[key]
	if !ok {
		ring = newSampleRing()
		p.rings[key] = ring
	}
	ring.append(s)
	p.models[key] = fitModel(ring.chronological())
}

// Model returns the fitted model for a route, if any.
func (p *LatencyPredictor) Model(srcChain, dstChain, bridgeName string) (Model, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.models[RouteKey(srcChain, dstChain, bridgeName)]
	return m, ok
}

// fitModel computes mean, standard deviation, and the OLS trend slope of
// latency over sample index.
func fitModel(samples []Sample) Model {
	lats := make([]float64, len(samples))
	idx := make([]float64, len(samples))
	for i, s := range samples {
		lats[i] = s.LatencySeconds
		idx[i] = float64(i)
	}

	m := Model{}
	if len(lats) == 0 {
		return m
	}
	m.Mean = stat.Mean(lats, nil)
	if len(lats) > 1 {
		m.StdDev = stat.StdDev(lats, nil)
		// OLS slope; LinearRegression guards its own denominator but a
		// constant index vector cannot occur here.
		_, m.Trend = stat.LinearRegression(idx, lats, nil, false)
		if math.IsNaN(m.Trend) || math.IsInf(m.Trend, 0) {
			m.Trend = 0
		}
	}
	return m
}

// PredictLatency estimates latency, cost, and confidence for moving amount
// (in bridged-token units) across the route.
//
// With fewer than 10 samples the conservative table is used at confidence
// 0.3. Otherwise the last 50 successful samples are combined with weights
// w_i = e^{i/N} (i=0 oldest), so recent samples dominate.
func (p *LatencyPredictor) PredictLatency(srcChain, dstChain, bridgeName string, amount float64) Prediction {
	key := RouteKey(srcChain, dstChain, bridgeName)

	p.mu.Lock()
	defer p.mu.Unlock()

	ring := p.rings[key]
	if ring == nil || ring.len() < minSamplesForModel {
		return p.conservativePrediction(key, amount)
	}

	samples := ring.chronological()
	lats := make([]float64, 0, modelWindow)
	for _, s := range samples {
		if s.Success {
			lats = append(lats, s.LatencySeconds)
		}
	}
	if len(lats) == 0 {
		return p.conservativePrediction(key, amount)
	}
	if len(lats) > modelWindow {
		lats = lats[len(lats)-modelWindow:]
	}

	n := len(lats)
	weights := make([]float64, n)
	for i := range weights {
		weights[i] = math.Exp(float64(i) / float64(n))
	}

	mean := stat.Mean(lats, weights)
	variance := stat.Variance(lats, weights)

	confidence := math.Min(1, float64(n)/float64(modelWindow))
	if mean > 0 {
		confidence *= math.Max(0.1, 1-variance/(mean*mean))
	} else {
		confidence *= 0.1
	}

	return Prediction{
		LatencySeconds: mean,
		CostWei:        p.estimateCostWei(amount),
		Confidence:     confidence,
	}
}

func (p *LatencyPredictor) conservativePrediction(routeKey string, amount float64) Prediction {
	c := conservativeFor(routeKey)
	return Prediction{
		LatencySeconds: c.LatencySeconds,
		CostWei:        math.Max(c.CostETH*1e18, p.estimateCostWei(amount)),
		Confidence:     0.3,
		Conservative:   true,
	}
}

// estimateCostWei prices a transfer from its size and the current congestion
// level: 0.1% of the amount, scaled up to 1.5x at peak congestion.
func (p *LatencyPredictor) estimateCostWei(amount float64) float64 {
	congestion := congestionAt(p.nowUTC().Hour())
	return 0.001 * amount * (1 + congestion*0.5) * 1e18
}

// HistoricalAccuracy measures how well a running-mean prediction tracked the
// actual latencies over the ring: 1 is perfect agreement, 0 is useless.
// Computed in one pass with prefix sums.
func (p *LatencyPredictor) HistoricalAccuracy(srcChain, dstChain, bridgeName string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	ring := p.rings[RouteKey(srcChain, dstChain, bridgeName)]
	if ring == nil || ring.len() < 2 {
		return 0
	}

	samples := ring.chronological()
	var prefix, errSum float64
	evaluated := 0
	for i, s := range samples {
		if i > 0 {
			predicted := prefix / float64(i)
			if predicted > 0 {
				errSum += math.Abs(s.LatencySeconds-predicted) / predicted
				evaluated++
			}
		}
		prefix += s.LatencySeconds
	}
	if evaluated == 0 {
		return 0
	}
	return math.Max(0, 1-errSum/float64(evaluated))
}

// urgencyLatencyWeight maps urgency to the latency term's weight in bridge
// scoring.
func urgencyLatencyWeight(urgency string) float64 {
	switch urgency {
	case "low":
		return 0.2
	case "high":
		return 0.6
	default:
		return 0.4
	}
}

// PredictOptimalBridge scores every known bridge for the chain pair and
// returns the best choice. When no bridge has history or a table entry, the
// default conservative route is scored under the generic protocol.
func (p *LatencyPredictor) PredictOptimalBridge(srcChain, dstChain string, amount float64, urgency, token string) (Choice, error) {
	candidates := p.candidateBridges(srcChain, dstChain)
	if len(candidates) == 0 {
		return Choice{}, fmt.Errorf("bridge: no routes known for %s-%s", srcChain, dstChain)
	}

	latencyWeight := urgencyLatencyWeight(urgency)
	amountWei := amount * 1e18

	best := Choice{Score: math.Inf(-1)}
	for _, bridgeName := range candidates {
		pred := p.PredictLatency(srcChain, dstChain, bridgeName, amount)

		latNorm := math.Max(0, 1-pred.LatencySeconds/3600)
		costNorm := 0.0
		if amountWei > 0 {
			costNorm = math.Max(0, 1-pred.CostWei/amountWei)
		}
		score := latencyWeight*latNorm + 0.3*costNorm + 0.1*pred.Confidence

		if score > best.Score {
			best = Choice{
				Bridge:         bridgeName,
				LatencySeconds: pred.LatencySeconds,
				CostWei:        pred.CostWei,
				Confidence:     pred.Confidence,
				Score:          score,
			}
		}
	}
	return best, nil
}

// candidateBridges unions bridges with history and bridges in the
// conservative table for the pair.
func (p *LatencyPredictor) candidateBridges(srcChain, dstChain string) []string {
	prefix := srcChain + "-" + dstChain + "-"
	set := make(map[string]struct{})

	p.mu.Lock()
	for key := range p.rings {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			set[key[len(prefix):]] = struct{}{}
		}
	}
	p.mu.Unlock()

	for key := range conservativeRoutes {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			set[key[len(prefix):]] = struct{}{}
		}
	}
	if len(set) == 0 {
		set["stargate"] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Cleanup drops samples older than maxAge and removes routes left empty,
// refitting models for routes that shrank.
func (p *LatencyPredictor) Cleanup(maxAge time.Duration) int {
	cutoff := time.Now().UnixMilli() - maxAge.Milliseconds()

	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	for key, ring := range p.rings {
		samples := ring.chronological()
		kept := samples[:0]
		for _, s := range samples {
			if s.Timestamp > cutoff {
				kept = append(kept, s)
			}
		}
		if len(kept) == len(samples) {
			continue
		}
		removed += len(samples) - len(kept)
		if len(kept) == 0 {
			delete(p.rings, key)
			delete(p.models, key)
			continue
		}
		fresh := newSampleRing()
		for _, s := range kept {
			fresh.append(s)
		}
		p.rings[key] = fresh
		p.models[key] = fitModel(kept)
	}
	if removed > 0 {
		p.log.Debug().Int("removed", removed).Msg("Pruned aged bridge samples")
	}
	return removed
}

// SampleCount returns the number of stored samples for a route.
func (p *LatencyPredictor) SampleCount(srcChain, dstChain, bridgeName string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ring := p.rings[RouteKey(srcChain, dstChain, bridgeName)]; ring != nil {
		return ring.len()
	}
	return 0
}
