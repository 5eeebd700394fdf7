package retention

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/miradorstack/mirador-events/internal/metrics"
	"github.com/miradorstack/mirador-events/internal/record"
)

// DefaultBatchSize bounds each index scan.
const DefaultBatchSize = 100

// Config holds configuration for the sweeper.
type Config struct {
	// TruncateAfter is the retention window; zero disables sweeping.
	TruncateAfter time.Duration
	Interval      time.Duration
	BatchSize     int
}

// Target is one record kind to expire. Field must be a sortable datetime
// field; Delete removes one record with whatever bookkeeping the kind needs.
type Target struct {
	Model  *record.Model
	Field  string
	Delete func(ctx context.Context, pk string) error
}

// Result counts deletions of one sweep, keyed by kind.
type Result struct {
	Cutoff  time.Time
	Deleted map[string]int
}

// Sweeper periodically deletes records older than the retention window.
type Sweeper struct {
	cfg      Config
	targets  []Target
	logger   *slog.Logger
	now      func() time.Time
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a sweeper over targets, swept in the given order. Returns nil
// when retention is disabled.
func New(cfg Config, logger *slog.Logger, targets ...Target) *Sweeper {
	if cfg.TruncateAfter <= 0 {
		return nil
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		cfg:     cfg,
		targets: targets,
		logger:  logger,
		now:     time.Now,
		done:    make(chan struct{}),
	}
}

// Start runs a catch-up sweep and then sweeps on every interval until Stop
// is called or ctx ends.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)

		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.run(ctx)
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop signals the sweeper to stop between batches and waits for it.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
}

func (s *Sweeper) run(ctx context.Context) {
	res, err := s.SweepOnce(ctx)
	if err != nil {
		s.logger.Error("retention sweep failed", slog.Any("error", err))
	}
	for kind, n := range res.Deleted {
		metrics.RetentionDeleted(kind, n)
		if n > 0 {
			s.logger.Info("retention sweep deleted expired records",
				slog.String("kind", kind),
				slog.Int("deleted", n),
				slog.Time("cutoff", res.Cutoff),
			)
		}
	}
}

// SweepOnce deletes every record older than the cutoff, oldest first, in
// bounded batches. Deletes are idempotent, so an interrupted sweep is safe to
// repeat.
func (s *Sweeper) SweepOnce(ctx context.Context) (Result, error) {
	res := Result{
		Cutoff:  s.now().Add(-s.cfg.TruncateAfter),
		Deleted: make(map[string]int, len(s.targets)),
	}
	for _, target := range s.targets {
		n, err := s.sweepTarget(ctx, target, res.Cutoff)
		res.Deleted[target.Model.Kind()] += n
		if err != nil {
			return res, errors.Wrapf(err, "sweep %s", target.Model.Kind())
		}
	}
	return res, nil
}

func (s *Sweeper) sweepTarget(ctx context.Context, target Target, cutoff time.Time) (int, error) {
	deleted := 0
	for {
		if s.stopped() {
			return deleted, nil
		}
		if err := ctx.Err(); err != nil {
			return deleted, err
		}

		// Scan also yields index members left by an interrupted delete; their
		// zero time sorts them as expired so the retry finishes them.
		batch, err := target.Model.Scan(ctx, target.Field, 0, s.cfg.BatchSize)
		if err != nil {
			return deleted, err
		}
		removed := 0
		reachedNewer := false
		for _, inst := range batch {
			if inst.Time(target.Field).After(cutoff) {
				reachedNewer = true
				break
			}
			if err := target.Delete(ctx, inst.PK); err != nil {
				return deleted, err
			}
			s.logger.Debug("expired record removed",
				slog.String("kind", target.Model.Kind()),
				slog.String("id", inst.PK),
			)
			removed++
		}
		deleted += removed
		if reachedNewer || removed == 0 || len(batch) < s.cfg.BatchSize {
			return deleted, nil
		}
	}
}

func (s *Sweeper) stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
