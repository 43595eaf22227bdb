package market

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultMaxAge is how long a price cell stays valid without an update.
	DefaultMaxAge = 5 * time.Minute

	// cleanupEveryWrites triggers an opportunistic cleanup pass every N
	// writes so the store cannot grow unbounded between timer sweeps.
	cleanupEveryWrites = 500

	// maxSafeVersion mirrors the largest integer the wire format can carry
	// exactly. The counter resets to 1 before reaching it; 0 is never
	// reused so cached derivations always rebuild.
	maxSafeVersion = uint64(1)<<53 - 1
)

// PriceStore owns the hierarchical chain -> dex -> pair price state. All
// mutation happens inside the store; readers get immutable snapshots.
type PriceStore struct {
	mu     sync.RWMutex
	chains map[string]map[string]map[string]PriceUpdate
	writes int
	ver    uint64
	maxAge time.Duration
	log    zerolog.Logger
}

// NewPriceStore creates an empty store with the default max age.
func NewPriceStore(log zerolog.Logger) *PriceStore {
	return &PriceStore{
		chains: make(map[string]map[string]map[string]PriceUpdate),
		ver:    1,
		maxAge: DefaultMaxAge,
		log:    log.With().Str("service", "price_store").Logger(),
	}
}

// SetMaxAge overrides the retention window.
func (s *PriceStore) SetMaxAge(maxAge time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxAge = maxAge
}

// HandlePriceUpdate overwrites the cell for the update's (chain, dex, pair)
// and periodically prunes stale cells.
func (s *PriceStore) HandlePriceUpdate(u PriceUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dexes, ok := s.chains[u.Chain]
	if !ok {
		dexes = make(map[string]map[string]PriceUpdate)
		s.chains[u.Chain] = dexes
	}
	pairs, ok := dexes[u.Dex]
	if !ok {
		pairs = make(map[string]PriceUpdate)
		dexes[u.Dex] = pairs
	}
	pairs[u.PairKey] = u

	s.bumpVersionLocked()

	s.writes++
	if s.writes >= cleanupEveryWrites {
		s.writes = 0
		removed := s.cleanupLocked(s.maxAge)
		if removed > 0 {
			s.log.Debug().Int("removed", removed).Msg("Pruned stale price cells")
		}
	}
}

// Cleanup removes cells older than maxAge and prunes empty branches,
// returning the number of cells removed.
func (s *PriceStore) Cleanup(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleanupLocked(maxAge)
}

func (s *PriceStore) cleanupLocked(maxAge time.Duration) int {
	cutoff := NowMillis() - maxAge.Milliseconds()
	removed := 0
	for chain, dexes := range s.chains {
		for dex, pairs := range dexes {
			for pair, u := range pairs {
				if u.Timestamp < cutoff {
					delete(pairs, pair)
					removed++
				}
			}
			if len(pairs) == 0 {
				delete(dexes, dex)
			}
		}
		if len(dexes) == 0 {
			delete(s.chains, chain)
		}
	}
	if removed > 0 {
		s.bumpVersionLocked()
	}
	return removed
}

// Clear drops all stored prices.
func (s *PriceStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chains = make(map[string]map[string]map[string]PriceUpdate)
	s.bumpVersionLocked()
}

// Size returns the number of stored price cells.
func (s *PriceStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, dexes := range s.chains {
		for _, pairs := range dexes {
			n += len(pairs)
		}
	}
	return n
}

// Version returns the store's monotonic change counter. Derived caches keyed
// by version must treat any change as an invalidation; the counter wraps to 1
// near the wire-safe integer limit and never reuses 0.
func (s *PriceStore) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ver
}

func (s *PriceStore) bumpVersionLocked() {
	if s.ver >= maxSafeVersion-1 {
		s.ver = 1
		return
	}
	s.ver++
}

// CreateIndexedSnapshot builds an immutable by-normalized-pair index over the
// current store contents.
func (s *PriceStore) CreateIndexedSnapshot() *IndexedSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byToken := make(map[string][]PricePoint)
	for chain, dexes := range s.chains {
		for dex, pairs := range dexes {
			for pairKey, u := range pairs {
				normalized := NormalizePairKey(pairKey)
				byToken[normalized] = append(byToken[normalized], PricePoint{
					Chain:   chain,
					Dex:     dex,
					PairKey: pairKey,
					Price:   u.Price,
					Update:  u,
				})
			}
		}
	}

	tokenPairs := make([]string, 0, len(byToken))
	for pair := range byToken {
		tokenPairs = append(tokenPairs, pair)
	}
	sort.Strings(tokenPairs)

	return &IndexedSnapshot{
		ByToken:    byToken,
		TokenPairs: tokenPairs,
		Timestamp:  NowMillis(),
		Version:    s.ver,
	}
}
