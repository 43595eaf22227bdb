package detect

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/arbiterlabs/chainarb/internal/market"
)

// Whale sentiment labels.
const (
	SentimentBullish = "bullish"
	SentimentBearish = "bearish"
	SentimentNeutral = "neutral"
)

// WhaleSummary is a read-only aggregate of recent whale activity for a token.
type WhaleSummary struct {
	Token           string
	Sentiment       string
	NetFlowUSD      float64
	SuperWhaleCount int
	RecentCount     int
	LastSeenAt      int64
}

// WhaleSource exposes whale activity to the detector. The production source is
// the in-process tracker fed from stream:whale-alerts; tests supply stubs.
type WhaleSource interface {
	Summary(token string) *WhaleSummary
}

// WhaleTrackerConfig holds tracker retention settings.
type WhaleTrackerConfig struct {
	Window             time.Duration // how long a transaction influences the summary
	SuperWhaleUSD      float64       // single-trade size that counts as a super whale
	MaxPerToken        int           // bounded history per token
	SentimentThreshold float64       // |netFlow| below this is neutral
}

func (c WhaleTrackerConfig) withDefaults() WhaleTrackerConfig {
	if c.Window <= 0 {
		c.Window = 10 * time.Minute
	}
	if c.SuperWhaleUSD == 0 {
		c.SuperWhaleUSD = 1_000_000
	}
	if c.MaxPerToken <= 0 {
		c.MaxPerToken = 200
	}
	if c.SentimentThreshold == 0 {
		c.SentimentThreshold = 50_000
	}
	return c
}

// WhaleTracker keeps a sliding window of whale transactions per token and
// derives net-flow sentiment from it.
type WhaleTracker struct {
	mu   sync.RWMutex
	cfg  WhaleTrackerConfig
	byTk map[string][]market.WhaleTransaction
	now  func() int64
	log  zerolog.Logger
}

// NewWhaleTracker creates an empty tracker.
func NewWhaleTracker(cfg WhaleTrackerConfig, log zerolog.Logger) *WhaleTracker {
	return &WhaleTracker{
		cfg:  cfg.withDefaults(),
		byTk: make(map[string][]market.WhaleTransaction),
		now:  market.NowMillis,
		log:  log.With().Str("service", "whale_tracker").Logger(),
	}
}

// Record adds a whale transaction to the token's window.
func (t *WhaleTracker) Record(tx market.WhaleTransaction) {
	token := market.CanonicalToken(strings.ToUpper(tx.Token))

	t.mu.Lock()
	defer t.mu.Unlock()

	txs := t.pruneLocked(token)
	txs = append(txs, tx)
	if len(txs) > t.cfg.MaxPerToken {
		txs = txs[len(txs)-t.cfg.MaxPerToken:]
	}
	t.byTk[token] = txs
}

// Summary returns the current aggregate for a token, or nil when no whale
// activity is inside the window.
func (t *WhaleTracker) Summary(token string) *WhaleSummary {
	token = market.CanonicalToken(strings.ToUpper(token))

	t.mu.Lock()
	defer t.mu.Unlock()

	txs := t.pruneLocked(token)
	if len(txs) == 0 {
		return nil
	}

	s := WhaleSummary{Token: token, RecentCount: len(txs)}
	for _, tx := range txs {
		switch tx.Direction {
		case "buy":
			s.NetFlowUSD += tx.USDValue
		case "sell":
			s.NetFlowUSD -= tx.USDValue
		}
		if tx.USDValue >= t.cfg.SuperWhaleUSD {
			s.SuperWhaleCount++
		}
		if tx.Timestamp > s.LastSeenAt {
			s.LastSeenAt = tx.Timestamp
		}
	}

	switch {
	case s.NetFlowUSD > t.cfg.SentimentThreshold:
		s.Sentiment = SentimentBullish
	case s.NetFlowUSD < -t.cfg.SentimentThreshold:
		s.Sentiment = SentimentBearish
	default:
		s.Sentiment = SentimentNeutral
	}
	return &s
}

// pruneLocked drops transactions outside the window and returns the survivors.
func (t *WhaleTracker) pruneLocked(token string) []market.WhaleTransaction {
	cutoff := t.now() - t.cfg.Window.Milliseconds()
	txs := t.byTk[token]
	keep := txs[:0]
	for _, tx := range txs {
		if tx.Timestamp >= cutoff {
			keep = append(keep, tx)
		}
	}
	if len(keep) == 0 {
		delete(t.byTk, token)
		return nil
	}
	t.byTk[token] = keep
	return keep
}
