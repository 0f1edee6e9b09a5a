package sessionkey

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"pixelwar/credential"
	"pixelwar/ledger"
	"pixelwar/storage"
)

type fakeChain struct {
	mu       sync.Mutex
	balances map[common.Address]*big.Int
	price    *big.Int
	priceErr error
	balErr   error
}

func newFakeChain() *fakeChain {
	return &fakeChain{balances: make(map[common.Address]*big.Int), price: big.NewInt(10)}
}

func (f *fakeChain) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balErr != nil {
		return nil, f.balErr
	}
	if b, ok := f.balances[account]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (f *fakeChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	if f.priceErr != nil {
		return nil, f.priceErr
	}
	return f.price, nil
}

func (f *fakeChain) credit(addr common.Address, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.balances[addr]
	if !ok {
		cur = new(big.Int)
	}
	f.balances[addr] = new(big.Int).Add(cur, amount)
}

type transfer struct {
	from   common.Address
	to     common.Address
	amount *big.Int
	opts   ledger.TxOptions
}

type harness struct {
	chain     *fakeChain
	primary   *ledger.Signer
	store     *credential.Store
	mu        sync.Mutex
	transfers []transfer
	fail      error
	delay     time.Duration
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	store, err := credential.NewStore(storage.NewMemDB(), credential.NewSessionID())
	require.NoError(t, err)
	return &harness{chain: newFakeChain(), primary: ledger.NewSigner(ledger.SignerPrimary, key), store: store}
}

func (h *harness) transferer() Transferer {
	return FuncTransferer(func(ctx context.Context, signer *ledger.Signer, to common.Address, amount *big.Int, opts ledger.TxOptions) (common.Hash, error) {
		if h.delay > 0 {
			select {
			case <-time.After(h.delay):
			case <-ctx.Done():
				return common.Hash{}, ctx.Err()
			}
		}
		if h.fail != nil {
			return common.Hash{}, h.fail
		}
		h.mu.Lock()
		h.transfers = append(h.transfers, transfer{from: signer.Address(), to: to, amount: amount, opts: opts})
		h.mu.Unlock()
		h.chain.credit(to, amount)
		return common.HexToHash("0x01"), nil
	})
}

func (h *harness) manager(opts ...Option) *Manager {
	return NewManager(h.chain, h.transferer(), h.store, h.primary, opts...)
}

func (h *harness) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.transfers)
}

func TestEnsureCredentialPersists(t *testing.T) {
	h := newHarness(t)
	first, err := h.manager().EnsureCredential()
	require.NoError(t, err)
	require.Equal(t, ledger.SignerSession, first.Kind)

	// A new manager over the same session restores the same key.
	again, err := h.manager().EnsureCredential()
	require.NoError(t, err)
	require.Equal(t, first.Address(), again.Address())

	m := h.manager()
	_, err = m.EnsureCredential()
	require.NoError(t, err)
	require.NoError(t, m.Clear())
	fresh, err := h.manager().EnsureCredential()
	require.NoError(t, err)
	require.NotEqual(t, first.Address(), fresh.Address())
}

func TestConcurrentEnsureFundedFundsOnce(t *testing.T) {
	h := newHarness(t)
	h.delay = 20 * time.Millisecond
	m := h.manager()
	_, err := m.EnsureCredential()
	require.NoError(t, err)

	const callers = 16
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.EnsureFunded(context.Background())
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, 1, h.count())
	require.Equal(t, DefaultConfig().RefillAmount, h.transfers[0].amount)
	require.Equal(t, h.primary.Address(), h.transfers[0].from)
	require.Equal(t, m.Address(), h.transfers[0].to)
	require.True(t, m.IsReady())
	require.False(t, m.IsFunding())
}

func TestEnsureFundedSurvivesCancelledLeader(t *testing.T) {
	h := newHarness(t)
	h.delay = 100 * time.Millisecond
	m := h.manager()
	defer m.Close()
	_, err := m.EnsureCredential()
	require.NoError(t, err)

	leaderCtx, cancel := context.WithCancel(context.Background())
	leader := make(chan error, 1)
	go func() { leader <- m.EnsureFunded(leaderCtx) }()
	require.Eventually(t, m.IsFunding, time.Second, time.Millisecond)

	waiter := make(chan error, 1)
	go func() { waiter <- m.EnsureFunded(context.Background()) }()
	time.Sleep(10 * time.Millisecond)
	cancel()

	require.ErrorIs(t, <-leader, context.Canceled)
	select {
	case err := <-waiter:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("waiter did not return")
	}
	require.Equal(t, 1, h.count())
	require.True(t, m.IsReady())
}

func TestEnsureFundedAbortedByClose(t *testing.T) {
	h := newHarness(t)
	h.delay = time.Minute
	m := h.manager()
	_, err := m.EnsureCredential()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- m.EnsureFunded(context.Background()) }()
	require.Eventually(t, m.IsFunding, time.Second, time.Millisecond)
	m.Close()

	select {
	case err := <-done:
		var fundErr *FundingError
		require.ErrorAs(t, err, &fundErr)
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatalf("close did not abort the refill")
	}
	require.Zero(t, h.count())
}

func TestEnsureFundedFastPath(t *testing.T) {
	h := newHarness(t)
	m := h.manager()
	signer, err := m.EnsureCredential()
	require.NoError(t, err)
	h.chain.credit(signer.Address(), DefaultConfig().TopUpThreshold)
	require.NoError(t, m.EnsureFunded(context.Background()))
	require.Zero(t, h.count())
}

func TestEnsureFundedToleratesBalanceReadFailure(t *testing.T) {
	h := newHarness(t)
	h.chain.balErr = errors.New("rate limited")
	require.NoError(t, h.manager().EnsureFunded(context.Background()))
	require.Zero(t, h.count())
}

func TestFundingFailureIsTyped(t *testing.T) {
	h := newHarness(t)
	h.fail = errors.New("user rejected")
	err := h.manager().EnsureFunded(context.Background())
	var fundErr *FundingError
	require.True(t, errors.As(err, &fundErr))
	require.EqualError(t, fundErr.Err, "user rejected")

	noPrimary := NewManager(h.chain, h.transferer(), h.store, nil)
	err = noPrimary.Fund(context.Background())
	require.True(t, errors.As(err, &fundErr))
	require.ErrorIs(t, err, ErrNoPrimary)
}

func TestDrainLeavesGasReserve(t *testing.T) {
	h := newHarness(t)
	m := h.manager()
	signer, err := m.EnsureCredential()
	require.NoError(t, err)
	h.chain.credit(signer.Address(), big.NewInt(1_000_000))

	require.Equal(t, DrainSent, m.Drain(context.Background()))
	require.Equal(t, 1, h.count())
	sent := h.transfers[0]
	// reserve = 10 * 21000 * 120 / 100 = 252000
	require.Equal(t, "748000", sent.amount.String())
	require.Equal(t, h.primary.Address(), sent.to)
	require.Equal(t, signer.Address(), sent.from)
	require.Equal(t, uint64(21000), sent.opts.GasLimit)
	require.Equal(t, "10", sent.opts.GasPrice.String())
}

func TestDrainDustAndFailuresAreSwallowed(t *testing.T) {
	h := newHarness(t)
	m := h.manager()
	require.Equal(t, DrainNoCredential, m.Drain(context.Background()))

	signer, err := m.EnsureCredential()
	require.NoError(t, err)
	h.chain.credit(signer.Address(), big.NewInt(252000))
	require.Equal(t, DrainDust, m.Drain(context.Background()))

	h.chain.credit(signer.Address(), big.NewInt(1))
	h.fail = errors.New("insufficient funds for gas")
	require.Equal(t, DrainFailed, m.Drain(context.Background()))
}

func TestDrainFallsBackToDefaultGasPrice(t *testing.T) {
	h := newHarness(t)
	h.chain.priceErr = errors.New("unsupported")
	m := h.manager()
	signer, err := m.EnsureCredential()
	require.NoError(t, err)
	h.chain.credit(signer.Address(), new(big.Int).Mul(big.NewInt(1), milliEther))
	require.Equal(t, DrainSent, m.Drain(context.Background()))
	require.Equal(t, gwei.String(), h.transfers[0].opts.GasPrice.String())
}

func TestPollUpdatesReadiness(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	m := h.manager(OnBalance(func(bool, *big.Int) { calls.Add(1) }))
	signer, err := m.EnsureCredential()
	require.NoError(t, err)

	m.Poll(context.Background())
	require.False(t, m.IsReady())
	require.Equal(t, "0", m.Balance().String())

	h.chain.credit(signer.Address(), DefaultConfig().MinBalance)
	m.Poll(context.Background())
	require.True(t, m.IsReady())
	require.Equal(t, int32(2), calls.Load())
}

func TestRunStopsWithContext(t *testing.T) {
	h := newHarness(t)
	m := h.manager(WithConfig(Config{PollInterval: time.Millisecond}))
	_, err := m.EnsureCredential()
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return m.Balance() != nil }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}
