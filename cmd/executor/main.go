// Package main runs the execution safety side of the pipeline: per-chain
// circuit breakers restored from the bus, bridge recovery over sealed state,
// the wallet balance monitor, and the HSM signer.
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
	"github.com/arbiterlabs/chainarb/internal/jobs"
	"github.com/arbiterlabs/chainarb/internal/ops"
	"github.com/arbiterlabs/chainarb/internal/reliability"
	"github.com/arbiterlabs/chainarb/internal/safety"
	"github.com/arbiterlabs/chainarb/internal/seal"
	"github.com/arbiterlabs/chainarb/internal/signer"
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
		Msg("Starting executor")

	busClient, err := bus.NewRedisClient(cfg.RedisURL, log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to connect to bus")
		return 2
	}
	defer busClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	breakers := safety.NewBreakerManager(busClient, safety.BreakerConfig{}, "executor", cfg.InstanceID, log)
	if err := breakers.Restore(ctx); err != nil {
		log.Warn().Err(err).Msg("Breaker restore failed, starting with closed breakers")
	}

	sealer := seal.New([]byte(cfg.HMACStateKey), cfg.HMACStateEnabled)
	routers := bridge.NewRouterFactory()
	recovery := bridge.NewRecoveryManager(busClient, sealer, routers, bridge.RecoveryConfig{}, log)
	if err := recovery.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to start bridge recovery")
		return 2
	}

	providers := make(map[string]safety.BalanceProvider, len(cfg.RPCURLs))
	wallets := make(map[string]safety.Wallet, len(cfg.RPCURLs))
	for chain, rpcURL := range cfg.RPCURLs {
		provider, err := safety.DialProvider(ctx, rpcURL)
		if err != nil {
			log.Warn().Err(err).Str("chain", chain).Msg("RPC dial failed, chain unmonitored")
			continue
		}
		defer provider.Close()
		providers[chain] = provider
		if cfg.WalletAddress != "" {
			wallets[chain] = safety.StaticWallet(cfg.WalletAddress)
		}
	}

	monitor := safety.NewBalanceMonitor(safety.MonitorConfig{
		Enabled:                cfg.BalanceMonitorOn && len(wallets) > 0,
		CheckInterval:          cfg.BalanceCheckInterval,
		LowBalanceThresholdEth: cfg.LowBalanceThresholdEth,
	}, providers, wallets, log)
	if err := monitor.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to start balance monitor")
		return 2
	}

	var signers map[string]*signer.KmsSigner
	var opsSigner *signer.KmsSigner
	if cfg.KMSSigningEnabled {
		kmsClient, err := signer.DialAWSKms(ctx, cfg.AWSRegion)
		if err != nil {
			log.Error().Err(err).Msg("Failed to dial KMS")
			return 2
		}
		signers = make(map[string]*signer.KmsSigner, len(cfg.Chains))
		for _, chain := range cfg.Chains {
			if s := signer.ForChain(chain, kmsClient, signer.Config{}, log); s != nil {
				signers[chain] = s
				if opsSigner == nil {
					opsSigner = s
				}
			}
		}
		if len(signers) == 0 {
			log.Error().Msg("KMS signing enabled but no key configured")
			return 2
		}
		log.Info().Int("chains", len(signers)).Msg("KMS signing enabled")
	}

	archiveStore, err := archive.Open(cfg.ArchivePath, log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open archive")
		return 2
	}
	defer archiveStore.Close()

	scheduler := jobs.New(log)
	if cfg.BackupBucket != "" {
		objects, err := reliability.DialS3(ctx, cfg.AWSRegion, cfg.BackupBucket)
		if err != nil {
			log.Error().Err(err).Msg("Failed to dial S3, backups disabled")
		} else {
			backup := reliability.NewBackupService(archiveStore, objects, os.TempDir(), log)
			if err := scheduler.AddJob("0 0 4 * * *", jobs.NewBackupJob(backup, cfg.BackupRetentionDays)); err != nil {
				log.Error().Err(err).Msg("Failed to register backup job")
			}
		}
	}
	if err := scheduler.AddJob("0 30 3 * * *", jobs.NewArchivePurgeJob(archiveStore, 0, log)); err != nil {
		log.Error().Err(err).Msg("Failed to register archive purge job")
	}
	scheduler.Start()

	opsServer := ops.NewServer(cfg.OpsPort, "executor", ops.Deps{
		Breakers: breakers,
		Balances: monitor,
		Recovery: recovery,
		Signer:   opsSigner,
		Archive:  archiveStore,
	}, log)
	opsServer.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down executor")

	for _, s := range signers {
		s.Drain()
	}
	monitor.Stop()
	recovery.Stop()
	scheduler.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Ops server shutdown failed")
	}

	log.Info().Msg("Executor stopped")
	return 0
}
