// Package consume drives multi-stream consumption with at-least-once
// semantics: every stream entry is acked exactly once, invalid items are
// logged and dropped rather than replayed, and poll cycles never overlap.
package consume

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/arbiterlabs/chainarb/internal/bus"
	"github.com/arbiterlabs/chainarb/internal/lifecycle"
	"github.com/arbiterlabs/chainarb/internal/market"
)

// Handlers is the typed event surface. Nil handlers drop their events.
type Handlers struct {
	PriceUpdate        func(market.PriceUpdate)
	WhaleTransaction   func(market.WhaleTransaction)
	PendingOpportunity func(market.PendingOpportunity)
	Error              func(error)
}

// RunningFunc reports whether the owning service is in a state that should
// consume. The consumer skips cycles while it returns false.
type RunningFunc func() bool

// Config holds consumer settings.
type Config struct {
	InstanceID    string
	Group         string        // consumer group name (default "detectors")
	PollInterval  time.Duration // delay between completed cycles (default 100ms)
	PriceBatch    int64         // default 50
	WhaleBatch    int64         // default 10
	PendingBatch  int64         // default 20
	BlockTimeout  time.Duration // bus read block (default 1s)
	MinValidPrice float64       // default 1e-12
	MaxValidPrice float64       // default 1e12
}

func (c Config) withDefaults() Config {
	if c.InstanceID == "" {
		c.InstanceID = "detector-0"
	}
	if c.Group == "" {
		c.Group = "detectors"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.PriceBatch <= 0 {
		c.PriceBatch = 50
	}
	if c.WhaleBatch <= 0 {
		c.WhaleBatch = 10
	}
	if c.PendingBatch <= 0 {
		c.PendingBatch = 20
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = time.Second
	}
	if c.MinValidPrice == 0 {
		c.MinValidPrice = 1e-12
	}
	if c.MaxValidPrice == 0 {
		c.MaxValidPrice = 1e12
	}
	return c
}

// Stats counts consumption outcomes.
type Stats struct {
	Consumed  uint64
	Discarded uint64
}

// Consumer polls the three detector streams and emits typed events.
type Consumer struct {
	bus      bus.Client
	cfg      Config
	handlers Handlers
	running  RunningFunc

	machine   *lifecycle.Machine
	consuming lifecycle.Guard
	stopCh    chan struct{}
	wg        sync.WaitGroup

	mu    sync.Mutex
	stats Stats

	now func() int64
	log zerolog.Logger
}

// New creates a consumer. running may be nil (always consume).
func New(busClient bus.Client, cfg Config, handlers Handlers, running RunningFunc, log zerolog.Logger) *Consumer {
	if running == nil {
		running = func() bool { return true }
	}
	return &Consumer{
		bus:      busClient,
		cfg:      cfg.withDefaults(),
		handlers: handlers,
		running:  running,
		machine:  lifecycle.NewMachine(),
		stopCh:   make(chan struct{}),
		now:      market.NowMillis,
		log:      log.With().Str("service", "stream_consumer").Logger(),
	}
}

// Start creates the consumer groups and begins polling.
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.machine.Transition(lifecycle.StateStarting); err != nil {
		return err
	}
	// Fresh channel so a restart after Stop gets a live loop.
	c.stopCh = make(chan struct{})

	for _, stream := range []string{
		bus.StreamPriceUpdates,
		bus.StreamWhaleAlerts,
		bus.StreamPendingOpportunities,
	} {
		if err := c.bus.CreateConsumerGroup(ctx, stream, c.cfg.Group); err != nil {
			c.machine.Fail()
			return fmt.Errorf("create consumer group on %s: %w", stream, err)
		}
	}

	c.log.Info().
		Str("instance_id", c.cfg.InstanceID).
		Str("group", c.cfg.Group).
		Dur("poll_interval", c.cfg.PollInterval).
		Msg("Starting stream consumer")

	if err := c.machine.Transition(lifecycle.StateRunning); err != nil {
		return err
	}

	c.wg.Add(1)
	go c.loop(ctx)
	return nil
}

// Stop halts polling. Safe in any state, including concurrent stops.
func (c *Consumer) Stop() {
	if !c.machine.BeginStop() {
		return
	}
	close(c.stopCh)
	c.wg.Wait()
	_ = c.machine.Transition(lifecycle.StateStopped)
	c.log.Info().Msg("Stream consumer stopped")
}

// loop schedules the next poll after the previous one completes, so a long
// poll never stacks cycles.
func (c *Consumer) loop(ctx context.Context) {
	defer c.wg.Done()
	timer := time.NewTimer(c.cfg.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
			c.PollOnce(ctx)
			timer.Reset(c.cfg.PollInterval)
		}
	}
}

// PollOnce runs a single consumption cycle across all three streams.
func (c *Consumer) PollOnce(ctx context.Context) {
	if !c.running() {
		return
	}
	if !c.consuming.TryAcquire() {
		return
	}
	defer c.consuming.Release()

	var wg sync.WaitGroup
	streams := []struct {
		name  string
		count int64
	}{
		{bus.StreamPriceUpdates, c.cfg.PriceBatch},
		{bus.StreamWhaleAlerts, c.cfg.WhaleBatch},
		{bus.StreamPendingOpportunities, c.cfg.PendingBatch},
	}
	for _, s := range streams {
		wg.Add(1)
		go func(stream string, count int64) {
			defer wg.Done()
			c.consumeStream(ctx, stream, count)
		}(s.name, s.count)
	}
	wg.Wait()
}

func (c *Consumer) consumeStream(ctx context.Context, stream string, count int64) {
	result, err := c.bus.Read(ctx, c.cfg.Group, c.cfg.InstanceID, []string{stream}, count, c.cfg.BlockTimeout)
	if err != nil {
		// Block timeouts come back as empty results; anything here is a
		// real bus problem.
		c.log.Error().Err(err).Str("stream", stream).Msg("Stream read failed")
		if c.handlers.Error != nil {
			c.handlers.Error(fmt.Errorf("read %s: %w", stream, err))
		}
		return
	}

	for _, entry := range result[stream] {
		c.processEntry(ctx, stream, entry)
	}
}

// processEntry unwraps, validates, and emits every item of one stream entry,
// then acks the entry exactly once. Invalid items are counted and dropped; the
// ack still happens so they never replay.
func (c *Consumer) processEntry(ctx context.Context, stream string, entry bus.Entry) {
	items, err := bus.Unwrap(entry.Data)
	if err != nil {
		c.discard(stream, entry.ID, err)
	} else {
		for _, item := range items {
			c.processItem(stream, entry.ID, item)
		}
	}

	if err := c.bus.Ack(ctx, stream, c.cfg.Group, entry.ID); err != nil {
		c.log.Warn().Err(err).Str("stream", stream).Str("id", entry.ID).Msg("Ack failed")
	}
}

func (c *Consumer) processItem(stream, id string, item []byte) {
	switch stream {
	case bus.StreamPriceUpdates:
		u, err := validatePrice(item, c.cfg.MinValidPrice, c.cfg.MaxValidPrice)
		if err != nil {
			c.discard(stream, id, err)
			return
		}
		if u.PipelineTimestamps == nil {
			u.PipelineTimestamps = &market.PipelineTimestamps{}
		}
		u.PipelineTimestamps.ConsumedAt = c.now()
		c.emitConsumed()
		if c.handlers.PriceUpdate != nil {
			c.handlers.PriceUpdate(u)
		}

	case bus.StreamWhaleAlerts:
		tx, err := validateWhale(item)
		if err != nil {
			c.discard(stream, id, err)
			return
		}
		c.emitConsumed()
		if c.handlers.WhaleTransaction != nil {
			c.handlers.WhaleTransaction(tx)
		}

	case bus.StreamPendingOpportunities:
		p, err := validatePending(item)
		if err != nil {
			c.discard(stream, id, err)
			return
		}
		c.emitConsumed()
		if c.handlers.PendingOpportunity != nil {
			c.handlers.PendingOpportunity(p)
		}
	}
}

func (c *Consumer) discard(stream, id string, reason error) {
	c.mu.Lock()
	c.stats.Discarded++
	c.mu.Unlock()
	c.log.Warn().
		Str("stream", stream).
		Str("id", id).
		Str("reason", reason.Error()).
		Msg("Discarded invalid stream item")
}

func (c *Consumer) emitConsumed() {
	c.mu.Lock()
	c.stats.Consumed++
	c.mu.Unlock()
}

// Stats returns a counters snapshot.
func (c *Consumer) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// State returns the consumer's lifecycle state.
func (c *Consumer) State() lifecycle.State {
	return c.machine.State()
}
