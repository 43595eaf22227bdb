package jobs

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterlabs/chainarb/internal/archive"
	"github.com/arbiterlabs/chainarb/internal/bridge"
	"github.com/arbiterlabs/chainarb/internal/detect"
	"github.com/arbiterlabs/chainarb/internal/market"
)

func TestPriceCleanupJobDropsStaleEntries(t *testing.T) {
	store := market.NewPriceStore(zerolog.Nop())
	now := market.NowMillis()
	store.HandlePriceUpdate(market.PriceUpdate{
		Chain: "ethereum", Dex: "uniswap-v3", PairKey: "WETH_USDC",
		Price: 2500, Timestamp: now,
	})
	store.HandlePriceUpdate(market.PriceUpdate{
		Chain: "base", Dex: "aerodrome", PairKey: "WETH_USDC",
		Price: 2490, Timestamp: now - time.Hour.Milliseconds(),
	})

	job := NewPriceCleanupJob(store, 30*time.Second, zerolog.Nop())
	assert.Equal(t, "price_cleanup", job.Name())
	require.NoError(t, job.Run())
	assert.Equal(t, 1, store.Size())
}

func TestBridgeSampleCleanupJob(t *testing.T) {
	predictor := bridge.NewLatencyPredictor(zerolog.Nop())
	predictor.UpdateModel("arbitrum", "base", "stargate", bridge.Sample{
		LatencySeconds: 120, Success: true,
		Timestamp: market.NowMillis() - (40 * 24 * time.Hour).Milliseconds(),
	})

	job := NewBridgeSampleCleanupJob(predictor, 30*24*time.Hour, zerolog.Nop())
	require.NoError(t, job.Run())
	assert.Zero(t, predictor.SampleCount("arbitrum", "base", "stargate"))
}

func TestArchivePurgeJob(t *testing.T) {
	store, err := archive.Open(filepath.Join(t.TempDir(), "archive.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	old := detect.Opportunity{ID: "old", Type: "cross-chain", PairKey: "WETH_USDC",
		CreatedAt: market.NowMillis() - (100 * 24 * time.Hour).Milliseconds()}
	fresh := detect.Opportunity{ID: "fresh", Type: "cross-chain", PairKey: "WETH_USDC",
		CreatedAt: market.NowMillis()}
	require.NoError(t, store.SaveOpportunity(ctx, old))
	require.NoError(t, store.SaveOpportunity(ctx, fresh))

	job := NewArchivePurgeJob(store, 90*24*time.Hour, zerolog.Nop())
	require.NoError(t, job.Run())

	rows, err := store.RecentOpportunities(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "fresh", rows[0].ID)
}

func TestSchedulerRunsRegisteredJob(t *testing.T) {
	s := New(zerolog.Nop())
	ran := make(chan struct{}, 4)
	require.NoError(t, s.AddJob("@every 10ms", runFunc(func() error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	})))

	s.Start()
	defer s.Stop()

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("job never ran")
	}
}

type runFunc func() error

func (f runFunc) Run() error   { return f() }
func (f runFunc) Name() string { return "test_job" }
