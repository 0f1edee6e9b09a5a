// Package claim applies user claims optimistically: the cell, token count and
// claimed count change immediately and are rolled back if the ledger write fails.
package claim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"pixelwar/ledger"
	"pixelwar/observability"
	"pixelwar/observability/logging"
	"pixelwar/view"
)

// Outcomes recorded for every attempt.
const (
	OutcomeCommitted     = "committed"
	OutcomeRolledBack    = "rolled_back"
	OutcomeRejected      = "rejected"
	OutcomeCancelled     = "cancelled"
	OutcomeFundingFailed = "funding_failed"
)

// ErrCancelled is returned when the decision gate declines the claim.
var ErrCancelled = errors.New("claim: cancelled")

// RejectionError is a user-facing precondition failure. No state was changed.
type RejectionError struct {
	Reason string
	Err    error
}

func (e *RejectionError) Error() string { return "claim rejected: " + e.Reason }

func (e *RejectionError) Unwrap() error { return e.Err }

// Gate is the presentation layer's commit/cancel decision for one claim.
type Gate interface {
	Decide(ctx context.Context, c view.Coord) (bool, error)
}

// GateFunc adapts a function to Gate.
type GateFunc func(ctx context.Context, c view.Coord) (bool, error)

// Decide calls f.
func (f GateFunc) Decide(ctx context.Context, c view.Coord) (bool, error) { return f(ctx, c) }

// Submitter writes the claim to the ledger with an explicit signer.
type Submitter interface {
	ClaimCell(ctx context.Context, signer *ledger.Signer, gameID uint64, x, y int) error
}

// Funder provides the funded session signer.
type Funder interface {
	EnsureCredential() (*ledger.Signer, error)
	EnsureFunded(ctx context.Context) error
}

// Recorder journals claim attempts. Failures are logged only.
type Recorder interface {
	RecordClaim(ctx context.Context, gameID uint64, x, y int, actor common.Address, outcome, reason string, started time.Time) error
}

// Manager runs optimistic claims against the shared view.
type Manager struct {
	state    *view.State
	submit   Submitter
	funder   Funder
	gate     Gate
	recorder Recorder
	metrics  *observability.SyncMetrics
	logger   *slog.Logger
}

// Option customises a Manager.
type Option func(*Manager)

// WithGate installs a decision gate consulted before any state change.
func WithGate(g Gate) Option { return func(m *Manager) { m.gate = g } }

// WithRecorder journals every attempt.
func WithRecorder(r Recorder) Option { return func(m *Manager) { m.recorder = r } }

// WithMetrics attaches the sync metrics registry.
func WithMetrics(metrics *observability.SyncMetrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option { return func(m *Manager) { m.logger = logger } }

// NewManager constructs a Manager.
func NewManager(state *view.State, submit Submitter, funder Funder, opts ...Option) *Manager {
	m := &Manager{state: state, submit: submit, funder: funder}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.Component(m.logger, "claim")
	return m
}

// Claim claims (x, y) for the local player. Rejections return *RejectionError
// before any change; funding and ledger failures roll the optimistic effect back
// and return the underlying error.
func (m *Manager) Claim(ctx context.Context, x, y int) error {
	started := time.Now()
	rec := m.state.Record()
	var gameID uint64
	if rec != nil {
		gameID = rec.ID
	}
	finish := func(outcome string, err error) error {
		m.metrics.RecordClaim(outcome)
		m.journal(ctx, gameID, x, y, outcome, err, started)
		return err
	}

	if err := m.state.CanClaim(x, y); err != nil {
		return finish(OutcomeRejected, rejection(err))
	}
	if m.gate != nil {
		ok, err := m.gate.Decide(ctx, view.Coord{X: x, Y: y})
		if err != nil {
			return finish(OutcomeCancelled, fmt.Errorf("%w: %v", ErrCancelled, err))
		}
		if !ok {
			return finish(OutcomeCancelled, ErrCancelled)
		}
	}
	// The gate may have taken a while; re-check atomically with the mutation.
	if _, err := m.state.BeginClaim(x, y); err != nil {
		return finish(OutcomeRejected, rejection(err))
	}

	signer, err := m.funder.EnsureCredential()
	if err != nil {
		m.state.RollbackClaim(x, y)
		return finish(OutcomeRolledBack, err)
	}
	if err := m.funder.EnsureFunded(ctx); err != nil {
		m.state.RollbackClaim(x, y)
		return finish(OutcomeFundingFailed, err)
	}
	if err := m.submit.ClaimCell(ctx, signer, gameID, x, y); err != nil {
		m.state.RollbackClaim(x, y)
		m.logger.Info("claim rolled back",
			slog.Int("x", x),
			slog.Int("y", y),
			slog.String("reason", ledger.UserMessage(err)))
		return finish(OutcomeRolledBack, err)
	}
	m.state.CommitClaim(x, y)
	m.logger.Debug("claim committed", slog.Int("x", x), slog.Int("y", y))
	return finish(OutcomeCommitted, nil)
}

func (m *Manager) journal(ctx context.Context, gameID uint64, x, y int, outcome string, cause error, started time.Time) {
	if m.recorder == nil {
		return
	}
	reason := ""
	if cause != nil {
		reason = Message(cause)
	}
	if err := m.recorder.RecordClaim(ctx, gameID, x, y, m.state.Self(), outcome, reason, started); err != nil {
		m.logger.Warn("journal claim failed", slog.String("error", err.Error()))
	}
}

// Message renders a claim error as a short user-facing string.
func Message(err error) string {
	var rej *RejectionError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &rej):
		return rej.Reason
	case errors.Is(err, ErrCancelled):
		return "Claim cancelled"
	default:
		var txErr *ledger.TxError
		if errors.As(err, &txErr) {
			return ledger.UserMessage(err)
		}
		return "Claim failed, please retry"
	}
}

func rejection(err error) error {
	reason := "Claim not allowed"
	switch {
	case errors.Is(err, view.ErrInactive):
		reason = "Game is not active"
	case errors.Is(err, view.ErrOutOfBounds):
		reason = "Cell is outside the grid"
	case errors.Is(err, view.ErrOccupied):
		reason = "Cell already painted"
	case errors.Is(err, view.ErrPending):
		reason = "Cell claim already in progress"
	case errors.Is(err, view.ErrNoTokens):
		reason = "No paint tokens left"
	case errors.Is(err, view.ErrNotPlayer):
		reason = "You are not a player in this game"
	}
	return &RejectionError{Reason: reason, Err: err}
}
