package aggregation

import (
	"context"
	"log/slog"
	"time"
)

const (
	// maxDrainBatches bounds one drain; the remainder waits for the next tick.
	maxDrainBatches = 100
	shutdownDrain   = 30 * time.Second
)

// Scheduler drives the chain pipeline on a fixed interval. Each tick drains
// every event after the checkpoint; no state is kept between ticks.
type Scheduler struct {
	interval  time.Duration
	processor *ChainProcessor
}

// NewScheduler creates a scheduler for the given processor.
func NewScheduler(interval time.Duration, processor *ChainProcessor) *Scheduler {
	return &Scheduler{
		interval:  interval,
		processor: processor,
	}
}

// Start drains the backlog, then again on every tick until ctx is cancelled.
// Cancellation triggers one last drain on a fresh deadline.
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("[Scheduler] Starting chain pipeline scheduler",
		"interval", s.interval,
		"batch_size", s.processor.opts.BatchSize,
		"workers", s.processor.opts.WorkerCount,
		"max_retries", s.processor.opts.MaxRetries,
	)

	s.drain(ctx)

	for {
		select {
		case <-ticker.C:
			s.drain(ctx)
		case <-ctx.Done():
			finalCtx, cancel := context.WithTimeout(context.Background(), shutdownDrain)
			defer cancel()

			drained := s.drain(finalCtx)
			slog.Info("[Scheduler] Stopped", "final_drain_events", drained)
			return nil
		}
	}
}

// drain runs batches until one comes back short, and returns the events read.
func (s *Scheduler) drain(ctx context.Context) int {
	total := 0
	for batch := 1; batch <= maxDrainBatches; batch++ {
		if ctx.Err() != nil {
			slog.Info("[Scheduler] Drain interrupted", "batches", batch-1, "events", total)
			return total
		}

		n, err := s.processor.RunBatch(ctx)
		if err != nil {
			slog.Error("[Scheduler] Chain pipeline batch failed", "error", err, "batch", batch)
			return total
		}
		total += n

		if n < s.processor.opts.BatchSize {
			if batch > 1 {
				slog.Info("[Scheduler] Backlog drained", "batches", batch, "events", total)
			}
			return total
		}
	}

	slog.Warn("[Scheduler] Drain limit reached, resuming on next tick",
		"max_batches", maxDrainBatches,
		"events", total)
	return total
}
