package engine

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"pixelwar/feed"
	"pixelwar/ledger"
	"pixelwar/recon"
	"pixelwar/sessionkey"
	"pixelwar/view"
)

var (
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	carol = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

type registration struct {
	signer  *ledger.Signer
	session common.Address
}

type fakeLedger struct {
	mu         sync.Mutex
	rec        *ledger.GameRecord
	readFail   bool
	owners     map[view.Coord]common.Address
	tokens     map[common.Address]uint64
	counts     map[common.Address]uint64
	ownerReads int
	tokenReads int
	claims     []*ledger.Signer
	registered []registration
	endCalls   int
	endErr     error
	endBlock   chan struct{}
	claimGate  chan struct{}
	claimSeen  chan struct{}
}

func (f *fakeLedger) GameInfo(context.Context, uint64) (*ledger.GameRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readFail || f.rec == nil {
		return nil, false
	}
	return f.rec.Clone(), true
}

func (f *fakeLedger) setRecord(rec *ledger.GameRecord) {
	f.mu.Lock()
	f.rec = rec
	f.mu.Unlock()
}

func (f *fakeLedger) CellOwner(_ context.Context, _ uint64, x, y int) (common.Address, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ownerReads++
	return f.owners[view.Coord{X: x, Y: y}], true
}

func (f *fakeLedger) PaintTokens(_ context.Context, _ uint64, player common.Address) (uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenReads++
	return f.tokens[player], true
}

func (f *fakeLedger) CellCount(_ context.Context, _ uint64, player common.Address) (uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[player], true
}

func (f *fakeLedger) ClaimCell(ctx context.Context, signer *ledger.Signer, _ uint64, _, _ int) error {
	if f.claimGate != nil {
		close(f.claimSeen)
		select {
		case <-f.claimGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims = append(f.claims, signer)
	return nil
}

func (f *fakeLedger) RegisterSession(_ context.Context, signer *ledger.Signer, _ uint64, session common.Address) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, registration{signer: signer, session: session})
	return nil
}

func (f *fakeLedger) EndGame(context.Context, *ledger.Signer, uint64) error {
	f.mu.Lock()
	f.endCalls++
	block, err := f.endBlock, f.endErr
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	return err
}

func (f *fakeLedger) snapshot() (ownerReads, tokenReads, endCalls int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ownerReads, f.tokenReads, f.endCalls
}

type fakeSession struct {
	mu      sync.Mutex
	signer  *ledger.Signer
	fundErr error
	funded  int
	drained int
	cleared int
}

func (s *fakeSession) EnsureCredential() (*ledger.Signer, error) { return s.signer, nil }

func (s *fakeSession) EnsureFunded(context.Context) error { return nil }

func (s *fakeSession) Fund(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.funded++
	return s.fundErr
}

func (s *fakeSession) Run(ctx context.Context) { <-ctx.Done() }

func (s *fakeSession) Drain(context.Context) sessionkey.DrainOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drained++
	return sessionkey.DrainSent
}

func (s *fakeSession) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleared++
	return nil
}

type quietLogs struct{}

func (quietLogs) BlockNumber(context.Context) (uint64, error) { return 0, errors.New("offline") }

func (quietLogs) FilterLogs(context.Context, ethereum.FilterQuery) ([]types.Log, error) {
	return nil, errors.New("offline")
}

func offlineDial(context.Context) (feed.Conn, error) { return nil, errors.New("offline") }

func newSigner(t *testing.T, kind ledger.SignerKind) *ledger.Signer {
	t.Helper()
	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	return ledger.NewSigner(kind, key)
}

func newEngine(t *testing.T, lg *fakeLedger, sess *fakeSession) (*Engine, *ledger.Signer) {
	t.Helper()
	primary := newSigner(t, ledger.SignerPrimary)
	var session Session
	if sess != nil {
		session = sess
	}
	e, err := New(Config{
		GameID:       9,
		Contract:     common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"),
		RecordPoll:   time.Hour,
		AutoFinalize: true,
		Fallback:     feed.FallbackConfig{Interval: time.Hour},
		Stream:       feed.StreamConfig{BackoffBase: time.Millisecond, BackoffCap: 5 * time.Millisecond},
		Reconcile:    recon.Config{Interval: time.Hour, BatchSize: 4, BatchPause: time.Millisecond},
	}, Deps{Ledger: lg, Session: session, Primary: primary, Dial: offlineDial, Logs: quietLogs{}})
	require.NoError(t, err)
	t.Cleanup(e.Stop)
	return e, primary
}

func activeRecord(players ...common.Address) *ledger.GameRecord {
	return &ledger.GameRecord{
		ID:         9,
		Players:    players,
		StartTime:  time.Unix(1_700_000_000, 0),
		Duration:   10 * time.Minute,
		GridSize:   3,
		MaxPlayers: 4,
		Stake:      big.NewInt(100),
		TotalStake: big.NewInt(200),
		Active:     true,
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(Config{}, Deps{}); err == nil {
		t.Fatalf("expected missing dependencies to be rejected")
	}
}

func TestRefreshRecordActivatesAndReconciles(t *testing.T) {
	lg := &fakeLedger{owners: map[view.Coord]common.Address{{X: 1, Y: 2}: bob}}
	e, primary := newEngine(t, lg, nil)
	e.now = func() time.Time { return time.Unix(1_700_000_010, 0) }
	self := primary.Address()
	lg.tokens = map[common.Address]uint64{self: 4}
	lg.counts = map[common.Address]uint64{self: 1, bob: 2}
	lg.setRecord(activeRecord(self, bob))

	require.True(t, e.RefreshRecord(context.Background()))
	require.True(t, e.Stream().Active(), "active record must activate the stream")
	require.Equal(t, 3, e.State().Grid().Size())
	require.Equal(t, uint64(4), e.State().Tokens())
	require.Equal(t, uint64(2), e.State().Count(bob))

	require.Eventually(t, func() bool {
		return e.State().Grid().At(1, 2) == 2
	}, time.Second, 5*time.Millisecond, "grid creation must trigger a reconcile pass")
	reads, _, _ := lg.snapshot()
	require.GreaterOrEqual(t, reads, 9)
}

func TestReconcileRunsAfterInFlightPass(t *testing.T) {
	lg := &fakeLedger{owners: map[view.Coord]common.Address{{X: 0, Y: 0}: carol}}
	e, primary := newEngine(t, lg, nil)
	e.now = func() time.Time { return time.Unix(1_700_000_010, 0) }
	lg.setRecord(activeRecord(primary.Address(), carol))

	require.True(t, e.RefreshRecord(context.Background()))
	res := e.Reconcile(context.Background())
	require.False(t, res.Skipped)
	require.Equal(t, 9, res.Queried)
	require.Equal(t, 2, e.State().Grid().At(0, 0))
}

func TestRefreshRecordFailureKeepsPrevious(t *testing.T) {
	lg := &fakeLedger{}
	e, primary := newEngine(t, lg, nil)
	lg.setRecord(activeRecord(primary.Address()))
	require.True(t, e.RefreshRecord(context.Background()))

	lg.mu.Lock()
	lg.readFail = true
	lg.mu.Unlock()
	require.False(t, e.RefreshRecord(context.Background()))
	require.NotNil(t, e.State().Record())
	require.True(t, e.State().Record().Active)
}

func TestFinishedRecordDeactivatesStream(t *testing.T) {
	lg := &fakeLedger{}
	e, primary := newEngine(t, lg, nil)
	rec := activeRecord(primary.Address(), bob)
	lg.setRecord(rec)
	require.True(t, e.RefreshRecord(context.Background()))
	require.True(t, e.Stream().Active())

	done := rec.Clone()
	done.Active, done.Finished, done.Winner = false, true, bob
	lg.setRecord(done)
	require.True(t, e.RefreshRecord(context.Background()))
	require.False(t, e.Stream().Active())
	snap := e.Snapshot()
	require.Equal(t, bob.Hex(), snap.Record.Winner)
	require.Equal(t, "200", snap.LastPot)
}

func TestTokensNotRefreshedWhilePending(t *testing.T) {
	lg := &fakeLedger{}
	e, primary := newEngine(t, lg, nil)
	self := primary.Address()
	lg.tokens = map[common.Address]uint64{self: 3}
	lg.setRecord(activeRecord(self))
	require.True(t, e.RefreshRecord(context.Background()))

	_, err := e.State().BeginClaim(0, 0)
	require.NoError(t, err)
	lg.mu.Lock()
	lg.tokens[self] = 3
	lg.counts = map[common.Address]uint64{self: 0}
	lg.mu.Unlock()

	_, before, _ := lg.snapshot()
	require.True(t, e.RefreshRecord(context.Background()))
	_, after, _ := lg.snapshot()
	require.Equal(t, before, after, "no token read while a claim is pending")
	require.Equal(t, uint64(2), e.State().Tokens())
	require.Equal(t, uint64(1), e.State().Count(self), "pending claim keeps the optimistic count")
}

func TestAutoFinalizeSingleFlight(t *testing.T) {
	block := make(chan struct{})
	lg := &fakeLedger{endBlock: block}
	e, primary := newEngine(t, lg, nil)
	rec := activeRecord(primary.Address())
	e.now = func() time.Time { return rec.EndsAt().Add(time.Second) }
	lg.setRecord(rec)

	require.True(t, e.RefreshRecord(context.Background()))
	require.True(t, e.RefreshRecord(context.Background()))
	require.Eventually(t, func() bool {
		_, _, calls := lg.snapshot()
		return calls == 1
	}, time.Second, 5*time.Millisecond)
	close(block)
	require.Eventually(t, func() bool { return !e.finalizing.Load() }, time.Second, 5*time.Millisecond)
	_, _, calls := lg.snapshot()
	require.Equal(t, 1, calls)
}

func TestAutoFinalizeWaitsForDeadline(t *testing.T) {
	lg := &fakeLedger{}
	e, primary := newEngine(t, lg, nil)
	rec := activeRecord(primary.Address())
	e.now = func() time.Time { return rec.EndsAt().Add(-time.Second) }
	lg.setRecord(rec)
	require.True(t, e.RefreshRecord(context.Background()))
	e.Stop()
	_, _, calls := lg.snapshot()
	require.Zero(t, calls)
}

func TestStillRunningIsIgnored(t *testing.T) {
	err := &ledger.TxError{Op: "endGame", Kind: ledger.KindPrecondition, Reason: "Still running"}
	require.True(t, isStillRunning(err))
	require.False(t, isStillRunning(&ledger.TxError{Op: "endGame", Kind: ledger.KindTransport, Err: errors.New("Still running")}))
}

func TestSessionSetupFundsThenRegisters(t *testing.T) {
	lg := &fakeLedger{}
	sess := &fakeSession{signer: newSigner(t, ledger.SignerSession)}
	e, primary := newEngine(t, lg, sess)

	addr, err := e.SessionSetup(context.Background())
	require.NoError(t, err)
	require.Equal(t, sess.signer.Address(), addr)
	require.Equal(t, 1, sess.funded)
	require.Len(t, lg.registered, 1)
	require.Same(t, primary, lg.registered[0].signer, "registration is signed by the primary identity")
	require.Equal(t, addr, lg.registered[0].session)
}

func TestSessionSetupStopsOnFundingFailure(t *testing.T) {
	lg := &fakeLedger{}
	sess := &fakeSession{signer: newSigner(t, ledger.SignerSession), fundErr: &sessionkey.FundingError{Err: errors.New("rejected")}}
	e, _ := newEngine(t, lg, sess)

	_, err := e.SessionSetup(context.Background())
	var fundErr *sessionkey.FundingError
	require.ErrorAs(t, err, &fundErr)
	require.Empty(t, lg.registered)
}

func TestClaimUsesSessionSigner(t *testing.T) {
	lg := &fakeLedger{}
	sess := &fakeSession{signer: newSigner(t, ledger.SignerSession)}
	e, primary := newEngine(t, lg, sess)
	lg.tokens = map[common.Address]uint64{primary.Address(): 1}
	lg.setRecord(activeRecord(primary.Address(), carol))
	require.True(t, e.RefreshRecord(context.Background()))
	require.Eventually(t, func() bool {
		reads, _, _ := lg.snapshot()
		return reads >= 9 && !e.recon.Running()
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, e.Claim(context.Background(), 2, 2))
	require.Len(t, lg.claims, 1)
	require.Same(t, sess.signer, lg.claims[0])
	require.Equal(t, 1, e.Snapshot().Grid[2][2])
}

func TestStopAbandonsPendingClaim(t *testing.T) {
	lg := &fakeLedger{claimGate: make(chan struct{}), claimSeen: make(chan struct{})}
	sess := &fakeSession{signer: newSigner(t, ledger.SignerSession)}
	e, primary := newEngine(t, lg, sess)
	lg.tokens = map[common.Address]uint64{primary.Address(): 1}
	lg.setRecord(activeRecord(primary.Address(), carol))
	require.True(t, e.RefreshRecord(context.Background()))
	e.Start(context.Background())
	require.Eventually(t, func() bool {
		reads, _, _ := lg.snapshot()
		return reads >= 9 && !e.recon.Running()
	}, time.Second, 5*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- e.Claim(context.Background(), 1, 1) }()
	select {
	case <-lg.claimSeen:
	case <-time.After(2 * time.Second):
		t.Fatalf("claim never reached the ledger")
	}
	e.Stop()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatalf("stop did not abandon the claim")
	}
	require.Equal(t, 0, e.Snapshot().Grid[1][1])
	require.Empty(t, lg.claims)
}

func TestStartStopExit(t *testing.T) {
	lg := &fakeLedger{}
	sess := &fakeSession{signer: newSigner(t, ledger.SignerSession)}
	e, primary := newEngine(t, lg, sess)
	lg.setRecord(activeRecord(primary.Address()))

	ch, cancel := e.Subscribe()
	defer cancel()
	e.Start(context.Background())
	e.Start(context.Background())
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatalf("expected a change signal after start")
	}
	require.Eventually(t, func() bool {
		return e.State().Status() == view.StateDegraded
	}, time.Second, 5*time.Millisecond, "unreachable stream endpoint degrades the feed")

	stopped := make(chan sessionkey.DrainOutcome, 1)
	go func() { stopped <- e.Exit(context.Background()) }()
	select {
	case outcome := <-stopped:
		require.Equal(t, sessionkey.DrainSent, outcome)
	case <-time.After(2 * time.Second):
		t.Fatalf("exit did not return")
	}
	e.Stop()
	require.Equal(t, 1, sess.drained)
	require.Equal(t, 1, sess.cleared)
}
