package feed

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"pixelwar/ledger"
	"pixelwar/observability"
	"pixelwar/observability/logging"
	"pixelwar/view"
)

const (
	DefaultBackoffBase = 5 * time.Second
	DefaultBackoffCap  = 30 * time.Second
)

var (
	errDeactivated  = errors.New("feed: stream deactivated")
	errSubscription = errors.New("feed: subscription closed")
)

// Conn is a push connection able to subscribe to logs.
type Conn interface {
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	Close()
}

// Dialer opens a fresh Conn.
type Dialer func(ctx context.Context) (Conn, error)

// WebsocketDialer dials endpoint with ethclient on every attempt.
func WebsocketDialer(endpoint string) Dialer {
	return func(ctx context.Context) (Conn, error) {
		client, err := ethclient.DialContext(ctx, endpoint)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

// ReconnectDelay is min(base*attempt, cap).
func ReconnectDelay(base, cap time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		return 0
	}
	if cap > 0 && base > cap/time.Duration(attempt) {
		return cap
	}
	d := base * time.Duration(attempt)
	if cap > 0 && d > cap {
		return cap
	}
	return d
}

// StreamConfig tunes reconnect backoff.
type StreamConfig struct {
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// Stream maintains the live log subscription for one record. While live the
// fallback is stopped; while degraded (including the following reconnect
// attempt) it runs.
type Stream struct {
	dial     Dialer
	applier  *Applier
	fallback *Fallback
	state    *view.State
	contract common.Address
	cfg      StreamConfig
	metrics  *observability.SyncMetrics
	logger   *slog.Logger

	active   atomic.Bool
	wake     chan struct{}
	attempts int

	observerMu sync.Mutex
	observer   func(attempt int, delay time.Duration)
}

// NewStream wires the stream to its fallback.
func NewStream(dial Dialer, applier *Applier, fallback *Fallback, state *view.State, contract common.Address, cfg StreamConfig, metrics *observability.SyncMetrics, logger *slog.Logger) *Stream {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = DefaultBackoffCap
	}
	return &Stream{
		dial:     dial,
		applier:  applier,
		fallback: fallback,
		state:    state,
		contract: contract,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logging.Component(logger, "stream"),
		wake:     make(chan struct{}, 1),
	}
}

// OnReconnect registers fn to observe every scheduled reconnect.
func (s *Stream) OnReconnect(fn func(attempt int, delay time.Duration)) {
	s.observerMu.Lock()
	s.observer = fn
	s.observerMu.Unlock()
}

// Activate allows the stream to connect. Called when the record turns active.
func (s *Stream) Activate() {
	if !s.active.Swap(true) {
		s.signal()
	}
}

// Deactivate tears the subscription down and stops reconnecting.
func (s *Stream) Deactivate() {
	if s.active.Swap(false) {
		s.signal()
	}
}

// Active reports whether the stream may connect.
func (s *Stream) Active() bool { return s.active.Load() }

func (s *Stream) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives the connection state machine until ctx is cancelled.
func (s *Stream) Run(ctx context.Context) {
	defer s.fallback.Stop()
	select {
	case <-s.wake:
	default:
	}
	for {
		if !s.active.Load() {
			s.fallback.Stop()
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
				continue
			}
		}

		s.setState(view.StateConnecting)
		err := s.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, errDeactivated) || !s.active.Load() {
			continue
		}

		s.setState(view.StateDegraded)
		s.fallback.Start(ctx)
		s.logger.Warn("event stream degraded", slog.String("error", errString(err)))

		s.attempts++
		delay := ReconnectDelay(s.cfg.BackoffBase, s.cfg.BackoffCap, s.attempts)
		s.metrics.RecordReconnect()
		s.notifyReconnect(s.attempts, delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// session dials, subscribes and consumes until the subscription fails or the
// stream is deactivated. The connection is always torn down before returning.
func (s *Stream) session(ctx context.Context) error {
	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	logs := make(chan types.Log, 64)
	sub, err := conn.SubscribeFilterLogs(ctx, ledger.CellPaintedQuery(s.contract, s.applier.GameID(), nil, nil), logs)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	s.fallback.Stop()
	s.attempts = 0
	s.setState(view.StateLive)
	s.logger.Info("event stream live")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-sub.Err():
			if !ok || err == nil {
				return errSubscription
			}
			return err
		case raw := <-logs:
			s.applier.Apply(ctx, SourceStream, raw)
		case <-s.wake:
			if !s.active.Load() {
				return errDeactivated
			}
		}
	}
}

func (s *Stream) setState(state view.ConnState) {
	s.state.SetStatus(state)
	s.metrics.SetStreamState(string(state))
}

func (s *Stream) notifyReconnect(attempt int, delay time.Duration) {
	s.logger.Info("event stream reconnect scheduled", slog.Int("attempt", attempt), slog.Duration("delay", delay))
	s.observerMu.Lock()
	fn := s.observer
	s.observerMu.Unlock()
	if fn != nil {
		fn(attempt, delay)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
