package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/arbiterlabs/chainarb/internal/archive"
	"github.com/arbiterlabs/chainarb/internal/bridge"
	"github.com/arbiterlabs/chainarb/internal/market"
	"github.com/arbiterlabs/chainarb/internal/reliability"
)

// PriceCleanupJob drops stale prices from the in-memory store.
type PriceCleanupJob struct {
	store  *market.PriceStore
	maxAge time.Duration
	log    zerolog.Logger
}

func NewPriceCleanupJob(store *market.PriceStore, maxAge time.Duration, log zerolog.Logger) *PriceCleanupJob {
	return &PriceCleanupJob{store: store, maxAge: maxAge, log: log}
}

func (j *PriceCleanupJob) Name() string { return "price_cleanup" }

func (j *PriceCleanupJob) Run() error {
	removed := j.store.Cleanup(j.maxAge)
	if removed > 0 {
		j.log.Info().Int("removed", removed).Msg("Dropped stale prices")
	}
	return nil
}

// BridgeSampleCleanupJob prunes old latency samples so dead routes don't
// hold memory forever.
type BridgeSampleCleanupJob struct {
	predictor *bridge.LatencyPredictor
	maxAge    time.Duration
	log       zerolog.Logger
}

func NewBridgeSampleCleanupJob(predictor *bridge.LatencyPredictor, maxAge time.Duration, log zerolog.Logger) *BridgeSampleCleanupJob {
	if maxAge <= 0 {
		maxAge = 30 * 24 * time.Hour
	}
	return &BridgeSampleCleanupJob{predictor: predictor, maxAge: maxAge, log: log}
}

func (j *BridgeSampleCleanupJob) Name() string { return "bridge_sample_cleanup" }

func (j *BridgeSampleCleanupJob) Run() error {
	removed := j.predictor.Cleanup(j.maxAge)
	if removed > 0 {
		j.log.Info().Int("removed", removed).Msg("Pruned bridge latency samples")
	}
	return nil
}

// ArchivePurgeJob enforces the archive retention window.
type ArchivePurgeJob struct {
	store     *archive.Store
	retention time.Duration
	log       zerolog.Logger
}

func NewArchivePurgeJob(store *archive.Store, retention time.Duration, log zerolog.Logger) *ArchivePurgeJob {
	if retention <= 0 {
		retention = 90 * 24 * time.Hour
	}
	return &ArchivePurgeJob{store: store, retention: retention, log: log}
}

func (j *ArchivePurgeJob) Name() string { return "archive_purge" }

func (j *ArchivePurgeJob) Run() error {
	cutoff := market.NowMillis() - j.retention.Milliseconds()
	_, err := j.store.PurgeBefore(context.Background(), cutoff)
	return err
}

// BackupJob ships the archive off-site and rotates old remote copies.
type BackupJob struct {
	backup        *reliability.BackupService
	retentionDays int
	timeout       time.Duration
}

func NewBackupJob(backup *reliability.BackupService, retentionDays int) *BackupJob {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	return &BackupJob{backup: backup, retentionDays: retentionDays, timeout: 10 * time.Minute}
}

func (j *BackupJob) Name() string { return "archive_backup" }

func (j *BackupJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	if err := j.backup.CreateAndUploadBackup(ctx); err != nil {
		return err
	}
	return j.backup.RotateOldBackups(ctx, j.retentionDays)
}
