package detect

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterlabs/chainarb/internal/market"
)

func whaleTx(token, direction string, usd float64, ts int64) market.WhaleTransaction {
	return market.WhaleTransaction{
		Chain:           "ethereum",
		Token:           token,
		Direction:       direction,
		USDValue:        usd,
		Amount:          usd / 2500,
		TransactionHash: "0xabc",
		Timestamp:       ts,
	}
}

func TestWhaleSummaryNetFlowAndSentiment(t *testing.T) {
	tr := NewWhaleTracker(WhaleTrackerConfig{}, zerolog.Nop())
	now := market.NowMillis()
	tr.now = func() int64 { return now }

	tr.Record(whaleTx("WETH", "buy", 200_000, now))
	tr.Record(whaleTx("WETH", "sell", 60_000, now))

	s := tr.Summary("WETH")
	require.NotNil(t, s)
	assert.Equal(t, SentimentBullish, s.Sentiment)
	assert.InDelta(t, 140_000, s.NetFlowUSD, 1e-6)
	assert.Equal(t, 2, s.RecentCount)
}

func TestWhaleSummaryNeutralBelowThreshold(t *testing.T) {
	tr := NewWhaleTracker(WhaleTrackerConfig{}, zerolog.Nop())
	now := market.NowMillis()
	tr.now = func() int64 { return now }

	tr.Record(whaleTx("WETH", "buy", 120_000, now))
	tr.Record(whaleTx("WETH", "sell", 100_000, now))

	s := tr.Summary("WETH")
	require.NotNil(t, s)
	assert.Equal(t, SentimentNeutral, s.Sentiment)
}

func TestWhaleSuperWhaleCount(t *testing.T) {
	tr := NewWhaleTracker(WhaleTrackerConfig{}, zerolog.Nop())
	now := market.NowMillis()
	tr.now = func() int64 { return now }

	tr.Record(whaleTx("WBTC", "buy", 2_000_000, now))
	tr.Record(whaleTx("WBTC", "buy", 500_000, now))

	s := tr.Summary("WBTC")
	require.NotNil(t, s)
	assert.Equal(t, 1, s.SuperWhaleCount)
}

func TestWhaleWindowExpiry(t *testing.T) {
	tr := NewWhaleTracker(WhaleTrackerConfig{Window: 10 * time.Minute}, zerolog.Nop())
	now := market.NowMillis()
	tr.now = func() int64 { return now }

	tr.Record(whaleTx("WETH", "buy", 300_000, now-11*time.Minute.Milliseconds()))
	assert.Nil(t, tr.Summary("WETH"))
}

func TestWhaleTokenCanonicalization(t *testing.T) {
	tr := NewWhaleTracker(WhaleTrackerConfig{}, zerolog.Nop())
	now := market.NowMillis()
	tr.now = func() int64 { return now }

	// eth and WETH collapse to the same canonical token.
	tr.Record(whaleTx("eth", "buy", 100_000, now))
	s := tr.Summary("WETH")
	require.NotNil(t, s)
	assert.Equal(t, 1, s.RecentCount)
}

func TestWhaleHistoryBounded(t *testing.T) {
	tr := NewWhaleTracker(WhaleTrackerConfig{MaxPerToken: 5}, zerolog.Nop())
	now := market.NowMillis()
	tr.now = func() int64 { return now }

	for i := 0; i < 20; i++ {
		tr.Record(whaleTx("WETH", "buy", 100_000, now))
	}
	s := tr.Summary("WETH")
	require.NotNil(t, s)
	assert.Equal(t, 5, s.RecentCount)
}
