// Package recon periodically re-reads the entire authoritative grid and merges
// it into the local view, correcting drift left by the incremental feed.
package recon

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"pixelwar/observability"
	"pixelwar/observability/logging"
	"pixelwar/view"
)

const (
	DefaultInterval   = 30 * time.Second
	DefaultBatchSize  = 10
	DefaultBatchPause = 100 * time.Millisecond
)

// OwnerReader reads one cell owner; ok is false on failure.
type OwnerReader interface {
	CellOwner(ctx context.Context, gameID uint64, x, y int) (common.Address, bool)
}

// Config tunes pacing.
type Config struct {
	Interval   time.Duration
	BatchSize  int
	BatchPause time.Duration
}

// Result summarises one pass.
type Result struct {
	Skipped bool
	Queried int
	Failed  int
	Changed int
}

// Reconciler runs full-grid passes, never more than one at a time.
type Reconciler struct {
	reader  OwnerReader
	state   *view.State
	cfg     Config
	metrics *observability.SyncMetrics
	logger  *slog.Logger

	running atomic.Bool
}

// New constructs a Reconciler.
func New(reader OwnerReader, state *view.State, cfg Config, metrics *observability.SyncMetrics, logger *slog.Logger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchPause < 0 {
		cfg.BatchPause = 0
	}
	return &Reconciler{
		reader:  reader,
		state:   state,
		cfg:     cfg,
		metrics: metrics,
		logger:  logging.Component(logger, "recon"),
	}
}

// Run executes a pass every interval until ctx ends.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single pass. It returns immediately with Skipped set when
// another pass is in flight or the record is not syncable.
func (r *Reconciler) RunOnce(ctx context.Context) Result {
	if !r.running.CompareAndSwap(false, true) {
		r.metrics.RecordReconcileSkipped()
		return Result{Skipped: true}
	}
	defer r.running.Store(false)

	rec := r.state.Record()
	if !rec.Syncable() {
		return Result{Skipped: true}
	}
	size := r.state.Grid().Size()
	if size == 0 {
		return Result{Skipped: true}
	}

	started := time.Now()
	since := r.state.Generation()
	owners := make(map[view.Coord]common.Address, size*size)
	var mu sync.Mutex
	coords := make([]view.Coord, 0, size*size)
	for x := 0; x < size; x++ {
		for y := 0; y < size; y++ {
			coords = append(coords, view.Coord{X: x, Y: y})
		}
	}

	res := Result{Queried: len(coords)}
	for start := 0; start < len(coords); start += r.cfg.BatchSize {
		if ctx.Err() != nil {
			return Result{Skipped: true}
		}
		end := start + r.cfg.BatchSize
		if end > len(coords) {
			end = len(coords)
		}
		var g errgroup.Group
		for _, c := range coords[start:end] {
			c := c
			g.Go(func() error {
				owner, ok := r.reader.CellOwner(ctx, rec.ID, c.X, c.Y)
				if !ok {
					return nil
				}
				mu.Lock()
				owners[c] = owner
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
		if end < len(coords) && r.cfg.BatchPause > 0 {
			timer := time.NewTimer(r.cfg.BatchPause)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Result{Skipped: true}
			case <-timer.C:
			}
		}
	}

	res.Failed = res.Queried - len(owners)
	res.Changed = r.state.MergeOwnersSince(owners, since)
	r.metrics.ObserveReconcile(time.Since(started), len(owners), res.Failed)
	r.logger.Debug("reconciliation pass complete",
		slog.Int("queried", res.Queried),
		slog.Int("failed", res.Failed),
		slog.Int("changed", res.Changed))
	return res
}

// Running reports whether a pass is in flight.
func (r *Reconciler) Running() bool { return r.running.Load() }
