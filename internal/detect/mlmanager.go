package detect

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// HistoryPoint is one observed price for a pair.
type HistoryPoint struct {
	Price     float64
	Timestamp int64
}

// Predictor is the model contract: given recent history and the current price,
// return a direction prediction. Implementations must honor ctx cancellation.
type Predictor interface {
	Predict(ctx context.Context, history []HistoryPoint, currentPrice float64) (*Prediction, error)
}

// MLConfig holds prediction manager settings.
type MLConfig struct {
	Enabled     bool
	HistorySize int           // bounded FIFO per pair (default 100)
	MinHistory  int           // points required before predicting (default 10)
	CacheTTL    time.Duration // prediction reuse window (default 5s)
	MaxLatency  time.Duration // per-call deadline (default 200ms)
}

func (c MLConfig) withDefaults() MLConfig {
	if c.HistorySize <= 0 {
		c.HistorySize = 100
	}
	if c.MinHistory <= 0 {
		c.MinHistory = 10
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Second
	}
	if c.MaxLatency <= 0 {
		c.MaxLatency = 200 * time.Millisecond
	}
	return c
}

type cachedPrediction struct {
	pred *Prediction
	at   time.Time
}

// MLManager keeps per-pair price history and serves predictions through a
// single-flight TTL cache. Every model call is bounded by MaxLatency; timeouts
// and model errors yield nil (fail-open), never an error to the caller.
type MLManager struct {
	cfg       MLConfig
	predictor Predictor

	mu      sync.Mutex
	history map[string][]HistoryPoint
	cache   map[string]cachedPrediction
	group   singleflight.Group

	log zerolog.Logger
}

// NewMLManager creates a manager over the given predictor. A nil predictor
// behaves as disabled.
func NewMLManager(cfg MLConfig, predictor Predictor, log zerolog.Logger) *MLManager {
	return &MLManager{
		cfg:       cfg.withDefaults(),
		predictor: predictor,
		history:   make(map[string][]HistoryPoint),
		cache:     make(map[string]cachedPrediction),
		log:       log.With().Str("service", "ml_predictions").Logger(),
	}
}

func (m *MLManager) enabled() bool {
	return m.cfg.Enabled && m.predictor != nil
}

func pairCacheKey(chain, pairKey string) string {
	return chain + ":" + pairKey
}

// RecordPrice appends a price observation to the pair's bounded history.
func (m *MLManager) RecordPrice(chain, pairKey string, price float64, timestamp int64) {
	if !m.enabled() {
		return
	}
	key := pairCacheKey(chain, pairKey)

	m.mu.Lock()
	defer m.mu.Unlock()
	h := append(m.history[key], HistoryPoint{Price: price, Timestamp: timestamp})
	if len(h) > m.cfg.HistorySize {
		h = h[len(h)-m.cfg.HistorySize:]
	}
	m.history[key] = h
}

// HistoryLen returns the number of stored points for a pair.
func (m *MLManager) HistoryLen(chain, pairKey string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.history[pairCacheKey(chain, pairKey)])
}

// GetPrediction returns the cached or freshly computed prediction for a pair,
// or nil when disabled, under-sampled, timed out, or errored.
func (m *MLManager) GetPrediction(ctx context.Context, chain, pairKey string, currentPrice float64) *Prediction {
	if !m.enabled() {
		return nil
	}
	key := pairCacheKey(chain, pairKey)

	m.mu.Lock()
	if c, ok := m.cache[key]; ok && time.Since(c.at) < m.cfg.CacheTTL {
		m.mu.Unlock()
		return c.pred
	}
	history := m.history[key]
	if len(history) < m.cfg.MinHistory {
		m.mu.Unlock()
		return nil
	}
	snapshot := append([]HistoryPoint(nil), history...)
	m.mu.Unlock()

	// Single flight: concurrent callers for the same pair share one model
	// call instead of stacking duplicates.
	v, err, _ := m.group.Do(key, func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, m.cfg.MaxLatency)
		defer cancel()
		return m.predictor.Predict(callCtx, snapshot, currentPrice)
	})
	if err != nil {
		m.log.Debug().Err(err).Str("pair", key).Msg("Prediction failed, continuing without")
		return nil
	}
	pred, _ := v.(*Prediction)
	if pred == nil {
		return nil
	}

	m.mu.Lock()
	m.cache[key] = cachedPrediction{pred: pred, at: time.Now()}
	m.mu.Unlock()
	return pred
}

// PairRef identifies one pair for prefetching.
type PairRef struct {
	Chain   string
	PairKey string
	Price   float64
}

// PrefetchPredictions fans out prediction calls in parallel and returns the
// non-nil results keyed chain:pair. Disabled manager returns an empty map.
func (m *MLManager) PrefetchPredictions(ctx context.Context, pairs []PairRef) map[string]*Prediction {
	out := make(map[string]*Prediction)
	if !m.enabled() || len(pairs) == 0 {
		return out
	}

	type result struct {
		key  string
		pred *Prediction
	}
	results := make(chan result, len(pairs))
	var wg sync.WaitGroup
	for _, p := range pairs {
		wg.Add(1)
		go func(p PairRef) {
			defer wg.Done()
			results <- result{
				key:  pairCacheKey(p.Chain, p.PairKey),
				pred: m.GetPrediction(ctx, p.Chain, p.PairKey, p.Price),
			}
		}(p)
	}
	wg.Wait()
	close(results)

	for r := range results {
		if r.pred != nil {
			out[r.key] = r.pred
		}
	}
	return out
}

// ClearHistory drops all stored history and cached predictions.
func (m *MLManager) ClearHistory() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = make(map[string][]HistoryPoint)
	m.cache = make(map[string]cachedPrediction)
}
