// Package engine composes the sync components for one record: record polling,
// the live stream with its fallback, periodic reconciliation, session funding
// and optimistic claims, all sharing one view.State.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"pixelwar/claim"
	"pixelwar/feed"
	"pixelwar/ledger"
	"pixelwar/observability"
	"pixelwar/observability/logging"
	"pixelwar/recon"
	"pixelwar/sessionkey"
	"pixelwar/view"
)

// DefaultRecordPoll is how often the authoritative record is re-read.
const DefaultRecordPoll = 8 * time.Second

// Ledger is the remote surface the engine reads and writes.
type Ledger interface {
	GameInfo(ctx context.Context, id uint64) (*ledger.GameRecord, bool)
	CellOwner(ctx context.Context, id uint64, x, y int) (common.Address, bool)
	PaintTokens(ctx context.Context, id uint64, player common.Address) (uint64, bool)
	CellCount(ctx context.Context, id uint64, player common.Address) (uint64, bool)
	ClaimCell(ctx context.Context, signer *ledger.Signer, id uint64, x, y int) error
	RegisterSession(ctx context.Context, signer *ledger.Signer, id uint64, session common.Address) error
	EndGame(ctx context.Context, signer *ledger.Signer, id uint64) error
}

// Session is the delegated credential lifecycle.
type Session interface {
	EnsureCredential() (*ledger.Signer, error)
	EnsureFunded(ctx context.Context) error
	Fund(ctx context.Context) error
	Run(ctx context.Context)
	Drain(ctx context.Context) sessionkey.DrainOutcome
	Clear() error
}

// Journal receives claim attempts and applied notifications.
type Journal interface {
	feed.Recorder
	claim.Recorder
}

// Config holds the engine's identity and timing.
type Config struct {
	GameID       uint64
	Contract     common.Address
	RecordPoll   time.Duration
	AutoFinalize bool
	Fallback     feed.FallbackConfig
	Stream       feed.StreamConfig
	Reconcile    recon.Config
}

// Deps are the external collaborators.
type Deps struct {
	Ledger  Ledger
	Session Session
	// Primary signs finalisation and session registration. Its address is
	// the local player.
	Primary *ledger.Signer
	Dial    feed.Dialer
	Logs    feed.LogSource
}

// Option customises an Engine.
type Option func(*options)

type options struct {
	gate    claim.Gate
	journal Journal
	metrics *observability.SyncMetrics
	logger  *slog.Logger
	now     func() time.Time
}

// WithGate installs the claim decision gate.
func WithGate(g claim.Gate) Option { return func(o *options) { o.gate = g } }

// WithJournal records claims and applied notifications.
func WithJournal(j Journal) Option { return func(o *options) { o.journal = j } }

// WithMetrics attaches the sync metrics registry.
func WithMetrics(m *observability.SyncMetrics) Option { return func(o *options) { o.metrics = m } }

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// Engine owns the background tasks of one record.
type Engine struct {
	cfg     Config
	ledger  Ledger
	session Session
	primary *ledger.Signer
	now     func() time.Time
	logger  *slog.Logger

	state    *view.State
	fallback *feed.Fallback
	stream   *feed.Stream
	recon    *recon.Reconciler
	claims   *claim.Manager

	finalizing atomic.Bool

	startOnce sync.Once
	stopOnce  sync.Once
	mu        sync.Mutex
	runCtx    context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New wires the components around a fresh view for the primary identity.
func New(cfg Config, deps Deps, opts ...Option) (*Engine, error) {
	if deps.Ledger == nil || deps.Dial == nil || deps.Logs == nil {
		return nil, errors.New("engine: ledger, dialer and log source are required")
	}
	if deps.Primary == nil {
		return nil, errors.New("engine: primary signer required")
	}
	if cfg.RecordPoll <= 0 {
		cfg.RecordPoll = DefaultRecordPoll
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	logger := logging.Component(o.logger, "engine")

	state := view.NewState(deps.Primary.Address())
	applierOpts := []feed.ApplierOption{feed.WithMetrics(o.metrics), feed.WithApplierLogger(o.logger)}
	claimOpts := []claim.Option{claim.WithMetrics(o.metrics), claim.WithLogger(o.logger)}
	if o.journal != nil {
		applierOpts = append(applierOpts, feed.WithRecorder(o.journal))
		claimOpts = append(claimOpts, claim.WithRecorder(o.journal))
	}
	if o.gate != nil {
		claimOpts = append(claimOpts, claim.WithGate(o.gate))
	}
	applier := feed.NewApplier(state, cfg.GameID, applierOpts...)
	fallback := feed.NewFallback(deps.Logs, applier, cfg.Contract, cfg.Fallback, o.metrics, o.logger)
	stream := feed.NewStream(deps.Dial, applier, fallback, state, cfg.Contract, cfg.Stream, o.metrics, o.logger)

	e := &Engine{
		cfg:      cfg,
		ledger:   deps.Ledger,
		session:  deps.Session,
		primary:  deps.Primary,
		now:      o.now,
		logger:   logger,
		state:    state,
		fallback: fallback,
		stream:   stream,
		recon:    recon.New(gameReader{ledger: deps.Ledger}, state, cfg.Reconcile, o.metrics, o.logger),
	}
	var funder claim.Funder = noSession{}
	if deps.Session != nil {
		funder = deps.Session
	}
	e.claims = claim.NewManager(state, deps.Ledger, funder, claimOpts...)
	return e, nil
}

// gameReader binds the reconciler to the ledger's owner reads.
type gameReader struct{ ledger Ledger }

func (g gameReader) CellOwner(ctx context.Context, id uint64, x, y int) (common.Address, bool) {
	return g.ledger.CellOwner(ctx, id, x, y)
}

type noSession struct{}

func (noSession) EnsureCredential() (*ledger.Signer, error) {
	return nil, errors.New("engine: no session credential configured")
}

func (noSession) EnsureFunded(context.Context) error { return nil }

// State exposes the shared view.
func (e *Engine) State() *view.State { return e.state }

// Stream exposes the live feed, mainly for observers.
func (e *Engine) Stream() *feed.Stream { return e.stream }

// Start launches balance polling, record polling, reconciliation and the
// stream loop. Only the first call has an effect.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		e.mu.Lock()
		e.runCtx, e.cancel = runCtx, cancel
		e.mu.Unlock()
		if e.session != nil {
			e.spawn(func() { e.session.Run(runCtx) })
		}
		e.spawn(func() { e.pollRecords(runCtx) })
		e.spawn(func() { e.recon.Run(runCtx) })
		e.spawn(func() { e.stream.Run(runCtx) })
		e.logger.Info("engine started", slog.Uint64("game", e.cfg.GameID))
	})
}

func (e *Engine) spawn(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// Stop cancels every background task, stops the fallback, tears the stream
// connection down and waits for all goroutines. It is safe to call repeatedly.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.stream.Deactivate()
		e.mu.Lock()
		cancel := e.cancel
		e.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		e.fallback.Stop()
		e.wg.Wait()
		e.logger.Info("engine stopped")
	})
}

// Exit stops the engine, reclaims the session balance and forgets the
// session credential. Reclamation is best effort.
func (e *Engine) Exit(ctx context.Context) sessionkey.DrainOutcome {
	e.Stop()
	if e.session == nil {
		return sessionkey.DrainNoCredential
	}
	outcome := e.session.Drain(ctx)
	if err := e.session.Clear(); err != nil {
		e.logger.Warn("clear session credential failed", slog.String("error", err.Error()))
	}
	return outcome
}

// Claim claims (x, y) for the local player. Once the engine is started the
// claim is also abandoned when it stops.
func (e *Engine) Claim(ctx context.Context, x, y int) error {
	e.mu.Lock()
	run := e.runCtx
	e.mu.Unlock()
	if run != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(run, cancel)
		defer stop()
	}
	return e.claims.Claim(ctx, x, y)
}

// Snapshot returns a consistent copy of the view.
func (e *Engine) Snapshot() view.Snapshot { return e.state.Snapshot() }

// Subscribe returns a coalescing change signal and its cancel function.
func (e *Engine) Subscribe() (<-chan struct{}, func()) { return e.state.Subscribe() }

// SessionSetup funds the session credential from the primary identity and
// registers it as the player's delegate for the record.
func (e *Engine) SessionSetup(ctx context.Context) (common.Address, error) {
	if e.session == nil {
		return common.Address{}, errors.New("engine: no session credential configured")
	}
	signer, err := e.session.EnsureCredential()
	if err != nil {
		return common.Address{}, err
	}
	if err := e.session.Fund(ctx); err != nil {
		return signer.Address(), err
	}
	if err := e.ledger.RegisterSession(ctx, e.primary, e.cfg.GameID, signer.Address()); err != nil {
		return signer.Address(), err
	}
	e.logger.Info("session registered",
		slog.Uint64("game", e.cfg.GameID),
		slog.String("session", signer.Address().Hex()))
	return signer.Address(), nil
}

func (e *Engine) pollRecords(ctx context.Context) {
	e.RefreshRecord(ctx)
	ticker := time.NewTicker(e.cfg.RecordPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.RefreshRecord(ctx)
		}
	}
}

// RefreshRecord re-reads the record and reacts to lifecycle changes. It
// reports whether the read succeeded; a failed read keeps the previous record.
func (e *Engine) RefreshRecord(ctx context.Context) bool {
	rec, ok := e.ledger.GameInfo(ctx, e.cfg.GameID)
	if !ok {
		return false
	}
	prev, gridCreated := e.state.SetRecord(rec)

	switch {
	case rec.Finished:
		if e.stream.Active() || prev == nil || !prev.Finished {
			e.stream.Deactivate()
			e.fallback.Stop()
			e.logger.Info("record finished",
				slog.Uint64("game", rec.ID),
				slog.String("winner", rec.Winner.Hex()))
		}
	case rec.Active:
		if !e.stream.Active() {
			e.stream.Activate()
			e.logger.Info("record active, stream activated", slog.Uint64("game", rec.ID))
		}
	}
	if gridCreated && rec.Active {
		e.spawn(func() { e.recon.RunOnce(ctx) })
	}

	e.refreshCounters(ctx, rec)
	e.maybeFinalize(ctx, rec)
	return true
}

// Reconcile runs a full pass now, after any pass already in flight.
func (e *Engine) Reconcile(ctx context.Context) recon.Result {
	for e.recon.Running() {
		select {
		case <-ctx.Done():
			return recon.Result{Skipped: true}
		case <-time.After(20 * time.Millisecond):
		}
	}
	return e.recon.RunOnce(ctx)
}

// refreshCounters updates the local token count and per-player claimed counts.
// Counts are read one player at a time.
func (e *Engine) refreshCounters(ctx context.Context, rec *ledger.GameRecord) {
	self := e.state.Self()
	if rec.HasPlayer(self) && e.state.PendingCount() == 0 {
		if tokens, ok := e.ledger.PaintTokens(ctx, rec.ID, self); ok {
			e.state.RefreshTokens(tokens)
		}
	}
	counts := make(map[common.Address]uint64, len(rec.Players))
	for _, player := range rec.Players {
		if n, ok := e.ledger.CellCount(ctx, rec.ID, player); ok {
			counts[player] = n
		}
	}
	if len(counts) > 0 {
		e.state.MergeCounts(counts)
	}
}

// maybeFinalize submits endGame once the contest has run out of time. Only
// one submission is in flight at a time.
func (e *Engine) maybeFinalize(ctx context.Context, rec *ledger.GameRecord) {
	if !e.cfg.AutoFinalize || !rec.Active || rec.Finished {
		return
	}
	ends := rec.EndsAt()
	if ends.IsZero() || e.now().Before(ends) {
		return
	}
	if !e.finalizing.CompareAndSwap(false, true) {
		return
	}
	e.spawn(func() {
		defer e.finalizing.Store(false)
		err := e.ledger.EndGame(ctx, e.primary, rec.ID)
		switch {
		case err == nil:
			e.logger.Info("record finalised", slog.Uint64("game", rec.ID))
		case isStillRunning(err):
			e.logger.Debug("finalise too early", slog.Uint64("game", rec.ID))
		default:
			e.logger.Warn("finalise failed",
				slog.Uint64("game", rec.ID),
				slog.String("error", ledger.UserMessage(err)))
		}
	})
}

func isStillRunning(err error) bool {
	var txErr *ledger.TxError
	return errors.As(err, &txErr) && txErr.Kind == ledger.KindPrecondition &&
		strings.Contains(strings.ToLower(txErr.Reason), "still running")
}
