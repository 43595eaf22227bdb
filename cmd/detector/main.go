// Package main runs the detection side of the pipeline: it consumes price,
// whale, and pending-intent streams from the bus, runs the cross-chain
// detector over the aggregated view, and publishes deduplicated
// opportunities.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arbiterlabs/chainarb/internal/archive"
	"github.com/arbiterlabs/chainarb/internal/bridge"
	"github.com/arbiterlabs/chainarb/internal/bus"
	"github.com/arbiterlabs/chainarb/internal/config"
	"github.com/arbiterlabs/chainarb/internal/consume"
	"github.com/arbiterlabs/chainarb/internal/detect"
	"github.com/arbiterlabs/chainarb/internal/jobs"
	"github.com/arbiterlabs/chainarb/internal/lifecycle"
	"github.com/arbiterlabs/chainarb/internal/market"
	"github.com/arbiterlabs/chainarb/internal/ops"
	"github.com/arbiterlabs/chainarb/pkg/logger"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to .env file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info"})
		fallback.Error().Err(err).Msg("Invalid configuration")
		return 1
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel})
	log.Info().
		Str("instance", cfg.InstanceID).
		Strs("chains", cfg.Chains).
		Strs("pairs", cfg.TokenPairs).
		Msg("Starting detector")

	busClient, err := bus.NewRedisClient(cfg.RedisURL, log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to connect to bus")
		return 2
	}
	defer busClient.Close()

	store := market.NewPriceStore(log)
	store.SetMaxAge(cfg.MaxPriceAge)

	predictor := bridge.NewLatencyPredictor(log)
	whales := detect.NewWhaleTracker(detect.WhaleTrackerConfig{}, log)
	ml := detect.NewMLManager(detect.MLConfig{Enabled: cfg.MLEnabled}, detect.NewTrendPredictor(), log)
	confidence := detect.NewConfidenceCalculator(detect.ConfidenceConfig{})
	preval := detect.NewPreValidator(detect.PreValidatorConfig{
		Enabled:             cfg.PreValidationEnabled,
		MonthlyBudget:       cfg.PreValidationBudget,
		SampleRate:          cfg.SampleRate,
		DefaultTradeSizeUSD: cfg.TradeSizeUSD,
	}, log)

	archiveStore, err := archive.Open(cfg.ArchivePath, log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open archive")
		return 2
	}
	defer archiveStore.Close()

	publisher := detect.NewPublisher(busClient, archiveStore, detect.PublisherConfig{}, log)

	// The predictor prices a transfer in wei of the bridged token; convert to a
	// per-token USD figure against the configured notional.
	estimator := detect.BridgeEstimatorFunc(func(srcChain, dstChain string, tradeTokens float64) float64 {
		if tradeTokens <= 0 {
			return 0
		}
		p := predictor.PredictLatency(srcChain, dstChain, "", tradeTokens)
		feeFraction := p.CostWei / 1e18 / tradeTokens
		return feeFraction * cfg.TradeSizeUSD / tradeTokens
	})

	detector := detect.NewDetector(detect.DetectorConfig{
		DetectionInterval:  cfg.DetectionInterval,
		MaxPriceAge:        cfg.MaxPriceAge,
		MinProfitThreshold: cfg.MinProfitThreshold,
		TradeSizeUSD:       cfg.TradeSizeUSD,
	}, store, estimator, ml, whales, preval, publisher, confidence, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer := consume.New(busClient, consume.Config{
		InstanceID: cfg.InstanceID,
		Group:      cfg.ConsumerGroup,
	}, consume.Handlers{
		PriceUpdate:      detector.OnPriceUpdate,
		WhaleTransaction: detector.OnWhaleTransaction,
		PendingOpportunity: func(p market.PendingOpportunity) {
			detector.OnPendingOpportunity(ctx, p)
		},
	}, func() bool {
		return detector.State() == lifecycle.StateRunning
	}, log)

	if err := detector.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to start detector")
		return 2
	}
	if err := consumer.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to start consumer")
		detector.Stop()
		return 2
	}

	scheduler := jobs.New(log)
	if err := scheduler.AddJob("0 * * * * *", jobs.NewPriceCleanupJob(store, cfg.MaxPriceAge, log)); err != nil {
		log.Error().Err(err).Msg("Failed to register price cleanup job")
	}
	if err := scheduler.AddJob("0 0 * * * *", jobs.NewBridgeSampleCleanupJob(predictor, 0, log)); err != nil {
		log.Error().Err(err).Msg("Failed to register bridge cleanup job")
	}
	if err := scheduler.AddJob("0 30 3 * * *", jobs.NewArchivePurgeJob(archiveStore, 0, log)); err != nil {
		log.Error().Err(err).Msg("Failed to register archive purge job")
	}
	scheduler.Start()

	opsServer := ops.NewServer(cfg.OpsPort, "detector", ops.Deps{
		Publisher: publisher,
		Consumer:  consumer,
		Archive:   archiveStore,
	}, log)
	opsServer.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down detector")

	consumer.Stop()
	detector.Stop()
	scheduler.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Ops server shutdown failed")
	}

	log.Info().Msg("Detector stopped")
	return 0
}
