package detect

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/arbiterlabs/chainarb/internal/bus"
	"github.com/arbiterlabs/chainarb/internal/market"
)

// Opportunity is the canonical cross-chain opportunity, published to
// stream:opportunities. PercentageDiff is in percent, not ratio: downstream
// consumers divide by 100.
type Opportunity struct {
	ID                string  `json:"id"`
	Type              string  `json:"type"` // "cross-chain"
	PairKey           string  `json:"pairKey"`
	TokenIn           string  `json:"tokenIn"`
	TokenOut          string  `json:"tokenOut"`
	BuyChain          string  `json:"buyChain"`
	BuyDex            string  `json:"buyDex"`
	SellChain         string  `json:"sellChain"`
	SellDex           string  `json:"sellDex"`
	BridgeRequired    bool    `json:"bridgeRequired"`
	SourcePrice       float64 `json:"sourcePrice"`
	TargetPrice       float64 `json:"targetPrice"`
	PriceDiff         float64 `json:"priceDiff"`
	PercentageDiff    float64 `json:"percentageDiff"`
	EstimatedProfit   float64 `json:"estimatedProfit"`
	BridgeCost        float64 `json:"bridgeCost"`
	NetProfit         float64 `json:"netProfit"`
	Confidence        float64 `json:"confidence"`
	TradeSizeUSD      float64 `json:"tradeSizeUsd,omitempty"`
	CreatedAt         int64   `json:"createdAt"`
	WhaleTriggered    bool    `json:"whaleTriggered,omitempty"`
	WhaleSentiment    string  `json:"whaleSentiment,omitempty"`
	WhaleNetFlowUSD   float64 `json:"whaleNetFlowUsd,omitempty"`
	MLDirection       string  `json:"mlDirection,omitempty"`
	MLConfidence      float64 `json:"mlConfidence,omitempty"`
	PendingIntentHash string  `json:"pendingIntentHash,omitempty"`
}

// BaseToken returns the first segment of the normalized pair key.
func (o *Opportunity) BaseToken() string {
	if i := strings.Index(o.PairKey, "_"); i > 0 {
		return o.PairKey[:i]
	}
	return o.PairKey
}

// Archiver persists published opportunities for post-hoc analysis. Archive
// failures never block publishing.
type Archiver interface {
	SaveOpportunity(ctx context.Context, o Opportunity) error
}

// PublisherConfig holds dedupe settings.
type PublisherConfig struct {
	DedupeWindow         time.Duration // fingerprint suppression window (default 30s)
	MinProfitImprovement float64       // relative improvement that breaks dedupe (default 0.1)
}

func (c PublisherConfig) withDefaults() PublisherConfig {
	if c.DedupeWindow <= 0 {
		c.DedupeWindow = 30 * time.Second
	}
	if c.MinProfitImprovement == 0 {
		c.MinProfitImprovement = 0.1
	}
	return c
}

// PublisherStats counts publish outcomes.
type PublisherStats struct {
	Published uint64
	Deduped   uint64
}

type publishRecord struct {
	netProfit float64
	at        int64
}

// Publisher deduplicates opportunities by fingerprint and writes the survivors
// to the opportunity stream.
type Publisher struct {
	bus     bus.Client
	archive Archiver
	cfg     PublisherConfig

	mu     sync.Mutex
	recent map[string]publishRecord
	now    func() int64

	published uint64
	deduped   uint64

	log zerolog.Logger
}

// NewPublisher creates a publisher. archive may be nil.
func NewPublisher(busClient bus.Client, archive Archiver, cfg PublisherConfig, log zerolog.Logger) *Publisher {
	return &Publisher{
		bus:     busClient,
		archive: archive,
		cfg:     cfg.withDefaults(),
		recent:  make(map[string]publishRecord),
		now:     market.NowMillis,
		log:     log.With().Str("service", "opportunity_publisher").Logger(),
	}
}

// fingerprint identifies an opportunity's route for dedupe purposes.
func fingerprint(o *Opportunity) string {
	return fmt.Sprintf("%s|%s|%s|%s|%s", o.BaseToken(), o.BuyChain, o.BuyDex, o.SellChain, o.SellDex)
}

const improvementEpsilon = 1e-9

// improvementRatio is the relative net-profit gain over the previous publish.
// Non-positive previous profits are handled branch-free: any strict gain
// counts as full improvement, anything else as none.
func improvementRatio(newProfit, prevProfit float64) float64 {
	if prevProfit <= 0 {
		if newProfit > prevProfit {
			return 1.0
		}
		return 0
	}
	return (newProfit - prevProfit) / math.Max(prevProfit, improvementEpsilon)
}

// Publish writes the opportunity unless an equivalent one was published inside
// the dedupe window without material improvement. Returns whether the message
// went out.
func (p *Publisher) Publish(ctx context.Context, o *Opportunity) (bool, error) {
	now := p.now()
	fp := fingerprint(o)

	p.mu.Lock()
	prev, seen := p.recent[fp]
	if seen && now-prev.at <= p.cfg.DedupeWindow.Milliseconds() {
		if improvementRatio(o.NetProfit, prev.netProfit) < p.cfg.MinProfitImprovement {
			p.mu.Unlock()
			atomic.AddUint64(&p.deduped, 1)
			p.log.Debug().
				Str("fingerprint", fp).
				Float64("net_profit", o.NetProfit).
				Float64("previous", prev.netProfit).
				Msg("Opportunity deduplicated")
			return false, nil
		}
	}
	p.mu.Unlock()

	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.Type == "" {
		o.Type = "cross-chain"
	}

	// Only successful writes count against the dedupe window; a failed
	// publish retries on the next tick.
	if _, err := p.bus.Add(ctx, bus.StreamOpportunities, o); err != nil {
		return false, fmt.Errorf("publish opportunity: %w", err)
	}
	p.mu.Lock()
	p.recent[fp] = publishRecord{netProfit: o.NetProfit, at: now}
	p.pruneLocked(now)
	p.mu.Unlock()
	atomic.AddUint64(&p.published, 1)

	if p.archive != nil {
		if err := p.archive.SaveOpportunity(ctx, *o); err != nil {
			p.log.Warn().Err(err).Str("id", o.ID).Msg("Failed to archive opportunity")
		}
	}

	p.log.Info().
		Str("id", o.ID).
		Str("pair", o.PairKey).
		Str("route", o.BuyChain+"/"+o.BuyDex+" -> "+o.SellChain+"/"+o.SellDex).
		Float64("net_profit", o.NetProfit).
		Float64("percentage_diff", o.PercentageDiff).
		Float64("confidence", o.Confidence).
		Msg("Published opportunity")
	return true, nil
}

// pruneLocked drops fingerprints outside the dedupe window.
func (p *Publisher) pruneLocked(now int64) {
	window := p.cfg.DedupeWindow.Milliseconds()
	for fp, rec := range p.recent {
		if now-rec.at > window {
			delete(p.recent, fp)
		}
	}
}

// Stats returns publish counters.
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		Published: atomic.LoadUint64(&p.published),
		Deduped:   atomic.LoadUint64(&p.deduped),
	}
}
