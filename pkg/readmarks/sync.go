package readmarks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("readmarks")

// Flusher pushes read marks to the backend. Implementations must be
// idempotent per entity since failed flushes are retried.
type Flusher interface {
	FlushReadMarks(ctx context.Context, marks []ReadMark) error
}

type SyncConfig struct {
	Interval   time.Duration
	BatchSize  int
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		Interval:   2 * time.Minute,
		BatchSize:  200,
		MinBackoff: 5 * time.Second,
		MaxBackoff: 5 * time.Minute,
	}
}

// Syncer periodically flushes newly created marks so the server's own
// unread flags eventually match local truth. Marks stay pending until a
// flush succeeds.
type Syncer struct {
	logger  *slog.Logger
	store   *Store
	flusher Flusher
	clock   clockwork.Clock
	config  SyncConfig
}

func NewSyncer(store *Store, flusher Flusher, clock clockwork.Clock, config SyncConfig, logger *slog.Logger) *Syncer {
	if config.BatchSize < 1 {
		config.BatchSize = DefaultSyncConfig().BatchSize
	}
	return &Syncer{
		logger:  logger.With("module", "readmarks_sync"),
		store:   store,
		flusher: flusher,
		clock:   clock,
		config:  config,
	}
}

// Flush sends every pending mark for owner in batches and returns how many
// were confirmed. It stops at the first failing batch.
func (sy *Syncer) Flush(ctx context.Context, owner string) (int, error) {
	ctx, span := tracer.Start(ctx, "Flush")
	defer span.End()

	pending, err := sy.store.Pending(ctx, owner)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending marks: %w", err)
	}
	pendingGauge.Set(float64(len(pending)))
	span.SetAttributes(attribute.Int("pending", len(pending)))

	flushed := 0
	for start := 0; start < len(pending); start += sy.config.BatchSize {
		end := start + sy.config.BatchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]

		if err := sy.flusher.FlushReadMarks(ctx, batch); err != nil {
			flushFailures.Inc()
			return flushed, fmt.Errorf("failed to flush read marks: %w", err)
		}
		if err := sy.store.Acknowledge(ctx, owner, batch); err != nil {
			return flushed, fmt.Errorf("failed to acknowledge flushed marks: %w", err)
		}
		flushed += len(batch)
		marksFlushed.Add(float64(len(batch)))
	}

	pendingGauge.Set(float64(len(pending) - flushed))
	return flushed, nil
}

// Run flushes on the configured interval until ctx is done, retrying
// failures with capped exponential backoff.
func (sy *Syncer) Run(ctx context.Context, owner string) {
	logger := sy.logger.With("owner", owner)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = sy.config.MinBackoff
	b.MaxInterval = sy.config.MaxBackoff
	b.MaxElapsedTime = 0
	b.Clock = sy.clock
	b.Reset()

	wait := sy.config.Interval
	for {
		timer := sy.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
		}

		n, err := sy.Flush(ctx, owner)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait = b.NextBackOff()
			logger.Warn("read mark flush failed, retrying", "err", err, "flushed", n, "retry_in", wait)
			continue
		}
		if n > 0 {
			logger.Info("flushed read marks", "count", n)
		}
		b.Reset()
		wait = sy.config.Interval
	}
}
