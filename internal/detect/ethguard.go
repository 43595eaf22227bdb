package detect

import (
	"math"
	"regexp"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// ETH price pairs get an extra rate-of-change breaker: a flash-crash print or
// a decimals bug on one feed must not poison the reference price everything
// else keys off.

var ethPairPattern = regexp.MustCompile(`(^|_)(WETH|ETH)_.*(USDC|USDT|DAI|BUSD)`)

// IsEthPricePair reports whether a normalized pair key is an ETH/stable pair.
func IsEthPricePair(pairKey string) bool {
	return ethPairPattern.MatchString(pairKey)
}

const (
	guardMinHistory   = 3
	guardMaxHistory   = 10
	guardMaxDeviation = 0.20
)

// PriceGuard is a per-pair rate-of-change breaker. With fewer than three
// accepted prices it accepts unconditionally; after that it rejects any price
// deviating more than 20% from the median of accepted history. Rejected
// prices do not enter history.
type PriceGuard struct {
	mu      sync.Mutex
	history map[string][]float64
	log     zerolog.Logger
}

// NewPriceGuard creates an empty guard.
func NewPriceGuard(log zerolog.Logger) *PriceGuard {
	return &PriceGuard{
		history: make(map[string][]float64),
		log:     log.With().Str("service", "eth_price_guard").Logger(),
	}
}

// Accept reports whether the price is plausible, recording it when it is.
func (g *PriceGuard) Accept(pairKey string, price float64) bool {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	h := g.history[pairKey]
	if len(h) >= guardMinHistory {
		med := median(h)
		if deviation := math.Abs(price-med) / med; deviation > guardMaxDeviation {
			g.log.Warn().
				Str("pair", pairKey).
				Float64("price", price).
				Float64("median", med).
				Float64("deviation", deviation).
				Msg("Rejected implausible ETH price")
			return false
		}
	}

	h = append(h, price)
	if len(h) > guardMaxHistory {
		h = h[len(h)-guardMaxHistory:]
	}
	g.history[pairKey] = h
	return true
}

// HistoryLen returns the number of accepted prices for a pair.
func (g *PriceGuard) HistoryLen(pairKey string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.history[pairKey])
}

func median(xs []float64) float64 {
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
