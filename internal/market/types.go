// Package market holds the price-side domain model: stream payload types, the
// hierarchical price store, and the indexed snapshot the detector scans.
package market

import "time"

// Timestamps throughout the pipeline are Unix milliseconds; every producer on
// the bus writes them that way.

// NowMillis returns the current time in Unix milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// PipelineTimestamps carries per-hop latency bookkeeping for a price update.
type PipelineTimestamps struct {
	IngestedAt int64 `json:"ingestedAt,omitempty"`
	ConsumedAt int64 `json:"consumedAt,omitempty"`
}

// PriceUpdate is a single DEX pool price observation.
type PriceUpdate struct {
	Chain              string              `json:"chain"`
	Dex                string              `json:"dex"`
	PairKey            string              `json:"pairKey"`
	Token0             string              `json:"token0"`
	Token1             string              `json:"token1"`
	Price              float64             `json:"price"`
	Reserve0           string              `json:"reserve0,omitempty"`
	Reserve1           string              `json:"reserve1,omitempty"`
	BlockNumber        uint64              `json:"blockNumber,omitempty"`
	Timestamp          int64               `json:"timestamp"`
	Latency            int64               `json:"latency,omitempty"`
	PipelineTimestamps *PipelineTimestamps `json:"pipelineTimestamps,omitempty"`
}

// WhaleTransaction is a large on-chain trade observed by the whale tracker.
type WhaleTransaction struct {
	Chain           string  `json:"chain"`
	Token           string  `json:"token"`
	Direction       string  `json:"direction"` // "buy" or "sell"
	USDValue        float64 `json:"usdValue"`
	Amount          float64 `json:"amount"`
	Address         string  `json:"address,omitempty"`
	TransactionHash string  `json:"transactionHash"`
	Dex             string  `json:"dex,omitempty"`
	Impact          float64 `json:"impact,omitempty"`
	Timestamp       int64   `json:"timestamp"`
}

// SwapIntent is a decoded mempool swap that has not yet been mined.
type SwapIntent struct {
	Hash              string   `json:"hash"`
	Router            string   `json:"router"`
	Type              string   `json:"type"`
	TokenIn           string   `json:"tokenIn"`
	TokenOut          string   `json:"tokenOut"`
	Sender            string   `json:"sender"`
	ChainID           int64    `json:"chainId"`
	Deadline          int64    `json:"deadline"`
	Nonce             int64    `json:"nonce"`
	SlippageTolerance float64  `json:"slippageTolerance"`
	GasPrice          string   `json:"gasPrice"`
	AmountIn          string   `json:"amountIn"`
	ExpectedAmountOut string   `json:"expectedAmountOut"`
	Path              []string `json:"path"`
	FirstSeen         int64    `json:"firstSeen"`
}

// PendingOpportunity wraps a mempool intent published for front-of-block
// analysis.
type PendingOpportunity struct {
	Type        string     `json:"type"` // always "pending"
	Intent      SwapIntent `json:"intent"`
	PublishedAt int64      `json:"publishedAt"`
}

// PricePoint is one (chain, dex) price for a normalized token pair inside an
// indexed snapshot.
type PricePoint struct {
	Chain   string
	Dex     string
	PairKey string
	Price   float64
	Update  PriceUpdate
}

// IndexedSnapshot is an immutable point-in-time view of the price store with
// an O(1) by-normalized-pair index. Callers must not mutate it.
type IndexedSnapshot struct {
	ByToken    map[string][]PricePoint
	TokenPairs []string
	Timestamp  int64
	Version    uint64
}
