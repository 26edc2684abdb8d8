package maintenance

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Tracker is the subset of ArrayStore's generation protocol the scheduler
// drives. arraystore.ArrayStore satisfies this directly.
type Tracker interface {
	Generation() uint64
	TransferHoldLists(gen uint64)
	TrimHoldLists(usedGen uint64) int
}

// Config configures a Scheduler.
type Config struct {
	// TrimInterval is how often the scheduler transfers and trims the
	// hold list. Defaults to 1 second if <= 0.
	TrimInterval time.Duration
	// MaxConcurrentTrims bounds concurrent trim passes; 1 is almost
	// always correct since the generation protocol assumes a single
	// writer. Defaults to 1.
	MaxConcurrentTrims int64
	// TrimRateLimit caps trim passes per second, guarding against a
	// misconfigured short TrimInterval swamping the writer with lock
	// contention. 0 means unlimited.
	TrimRateLimit float64
	// UsedGeneration supplies the host's used-generation floor: the
	// minimum generation any active reader might still be inside.
	// Required; a nil func makes every Tick a no-op trim of generation 0.
	UsedGeneration func() uint64
}

// Scheduler drives a Tracker's generation protocol on a ticker: each tick
// it calls TransferHoldLists(Generation()) to stamp and advance the
// generation, then TrimHoldLists(UsedGeneration()) to reclaim whatever the
// host has cleared. Callers that care about tail latency should prefer a
// longer TrimInterval over calling Tick manually on every write batch, per
// §5's "amortize trims" guidance.
type Scheduler struct {
	tracker Tracker
	cfg     Config

	sem     *semaphore.Weighted
	limiter *rate.Limiter

	ticks   atomic.Uint64
	trimmed atomic.Uint64
}

// New creates a Scheduler for tracker.
func New(tracker Tracker, cfg Config) *Scheduler {
	if cfg.TrimInterval <= 0 {
		cfg.TrimInterval = time.Second
	}
	if cfg.MaxConcurrentTrims <= 0 {
		cfg.MaxConcurrentTrims = 1
	}

	s := &Scheduler{
		tracker: tracker,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(cfg.MaxConcurrentTrims),
	}

	if cfg.TrimRateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.TrimRateLimit), 1)
	}

	return s
}

// Run blocks, driving the generation protocol every TrimInterval until ctx
// is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TrimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				return err
			}
		}
	}
}

// Tick runs one transfer+trim pass immediately, respecting the
// concurrency bound and rate limit. It is safe to call concurrently with
// Run; if a pass is already in flight, Tick skips rather than blocks.
func (s *Scheduler) Tick(ctx context.Context) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	if !s.sem.TryAcquire(1) {
		return nil
	}
	defer s.sem.Release(1)

	s.ticks.Add(1)

	gen := s.tracker.Generation()
	s.tracker.TransferHoldLists(gen)

	var usedGen uint64
	if s.cfg.UsedGeneration != nil {
		usedGen = s.cfg.UsedGeneration()
	}

	n := s.tracker.TrimHoldLists(usedGen)
	s.trimmed.Add(uint64(n))

	return nil
}

// Stats reports how many ticks ran and how many hold entries were trimmed
// across this scheduler's lifetime. Safe for concurrent reads; values are
// eventually consistent with in-flight Tick calls.
type Stats struct {
	Ticks   uint64
	Trimmed uint64
}

// Stats returns the scheduler's cumulative counters.
func (s *Scheduler) Stats() Stats {
	return Stats{Ticks: s.ticks.Load(), Trimmed: s.trimmed.Load()}
}
