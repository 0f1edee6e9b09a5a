// Package feed keeps the local view current from incremental claim
// notifications, over a log subscription when it is healthy and a polling
// fallback when it is not.
package feed

import (
	"context"
	"log/slog"

	"github.com/ethereum/go-ethereum/core/types"

	"pixelwar/ledger"
	"pixelwar/observability"
	"pixelwar/observability/logging"
	"pixelwar/view"
)

// Notification sources.
const (
	SourceStream   = "stream"
	SourceFallback = "fallback"
)

// Recorder persists applied notifications. Failures never affect the view.
type Recorder interface {
	RecordNotification(ctx context.Context, ev ledger.CellPainted, source string) error
}

// Applier is the shared decode/apply path of both notification sources.
type Applier struct {
	state    *view.State
	gameID   uint64
	metrics  *observability.SyncMetrics
	recorder Recorder
	logger   *slog.Logger
}

// ApplierOption customises an Applier.
type ApplierOption func(*Applier)

// WithRecorder journals every applied notification.
func WithRecorder(r Recorder) ApplierOption {
	return func(a *Applier) { a.recorder = r }
}

// WithMetrics attaches the sync metrics registry.
func WithMetrics(m *observability.SyncMetrics) ApplierOption {
	return func(a *Applier) { a.metrics = m }
}

// WithApplierLogger overrides the logger.
func WithApplierLogger(logger *slog.Logger) ApplierOption {
	return func(a *Applier) { a.logger = logger }
}

// NewApplier applies notifications for gameID to state.
func NewApplier(state *view.State, gameID uint64, opts ...ApplierOption) *Applier {
	a := &Applier{state: state, gameID: gameID}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = logging.Component(a.logger, "feed")
	return a
}

// GameID returns the watched record id.
func (a *Applier) GameID() uint64 { return a.gameID }

// Apply decodes raw and applies it. Undecodable logs, other records and unknown
// actors are discarded silently.
func (a *Applier) Apply(ctx context.Context, source string, raw types.Log) view.ApplyResult {
	if raw.Removed {
		a.metrics.RecordNotification(source, view.Discarded.String())
		return view.Discarded
	}
	ev, err := ledger.DecodeCellPainted(raw)
	if err != nil || ev.GameID != a.gameID {
		a.metrics.RecordNotification(source, view.Discarded.String())
		return view.Discarded
	}
	result := a.state.ApplyClaim(ev.Player, ev.X, ev.Y)
	a.metrics.RecordNotification(source, result.String())
	if result == view.Applied && a.recorder != nil {
		if err := a.recorder.RecordNotification(ctx, ev, source); err != nil {
			a.logger.Warn("journal notification failed", slog.String("tx", ev.TxHash.Hex()), slog.String("error", err.Error()))
		}
	}
	return result
}
