package feed

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"pixelwar/ledger"
	"pixelwar/observability"
	"pixelwar/observability/logging"
)

const (
	DefaultFallbackInterval = 3 * time.Second
	DefaultLookback         = 50
)

// LogSource is the range-query side of the ledger.
type LogSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// FallbackConfig tunes the poller.
type FallbackConfig struct {
	Interval time.Duration
	// Lookback bounds the first scan when nothing has been scanned yet.
	Lookback uint64
}

// Fallback replays missed notifications by scanning block ranges while the
// stream is degraded. It never surfaces errors.
type Fallback struct {
	src      LogSource
	applier  *Applier
	contract common.Address
	cfg      FallbackConfig
	metrics  *observability.SyncMetrics
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	tickMu  sync.Mutex
	last    uint64
	scanned bool
}

// NewFallback constructs a stopped poller.
func NewFallback(src LogSource, applier *Applier, contract common.Address, cfg FallbackConfig, metrics *observability.SyncMetrics, logger *slog.Logger) *Fallback {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultFallbackInterval
	}
	if cfg.Lookback == 0 {
		cfg.Lookback = DefaultLookback
	}
	return &Fallback{
		src:      src,
		applier:  applier,
		contract: contract,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logging.Component(logger, "fallback"),
	}
}

// Start launches the poller with an immediate first tick. Calling Start while
// running is a no-op.
func (f *Fallback) Start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	f.cancel = cancel
	f.done = done
	go f.loop(runCtx, done)
	f.logger.Info("polling fallback started")
}

// Stop halts the poller and waits for an in-progress tick to finish.
func (f *Fallback) Stop() {
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.cancel, f.done = nil, nil
	f.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	f.logger.Info("polling fallback stopped")
}

// Running reports whether the poller is scheduled.
func (f *Fallback) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancel != nil
}

// LastScanned returns the newest block scanned; ok is false before the first scan.
func (f *Fallback) LastScanned() (uint64, bool) {
	f.tickMu.Lock()
	defer f.tickMu.Unlock()
	return f.last, f.scanned
}

func (f *Fallback) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	f.Tick(ctx)
	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.Tick(ctx)
		}
	}
}

// Tick scans from just after the last scanned block (or the lookback window)
// to the head, advancing the marker even when nothing is found.
func (f *Fallback) Tick(ctx context.Context) {
	f.tickMu.Lock()
	defer f.tickMu.Unlock()

	latest, err := f.src.BlockNumber(ctx)
	if err != nil {
		f.metrics.RecordFallbackTick("error", f.last)
		f.logger.Debug("block number failed", slog.String("error", err.Error()))
		return
	}
	var from uint64
	switch {
	case f.scanned:
		from = f.last + 1
	case latest > f.cfg.Lookback:
		from = latest - f.cfg.Lookback
	}
	if f.scanned && from > latest {
		f.metrics.RecordFallbackTick("idle", f.last)
		return
	}
	q := ledger.CellPaintedQuery(f.contract, f.applier.GameID(), new(big.Int).SetUint64(from), new(big.Int).SetUint64(latest))
	logs, err := f.src.FilterLogs(ctx, q)
	if err != nil {
		f.metrics.RecordFallbackTick("error", f.last)
		f.logger.Debug("log query failed",
			slog.Uint64("from", from),
			slog.Uint64("to", latest),
			slog.String("error", err.Error()))
		return
	}
	f.last = latest
	f.scanned = true
	for _, raw := range logs {
		f.applier.Apply(ctx, SourceFallback, raw)
	}
	f.metrics.RecordFallbackTick("ok", latest)
}
