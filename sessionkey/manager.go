// Package sessionkey manages the disposable delegated signing credential: it
// creates and restores the key, keeps it funded from the primary identity and
// reclaims what is left when the session ends.
package sessionkey

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"golang.org/x/sync/singleflight"

	"pixelwar/credential"
	"pixelwar/crypto"
	"pixelwar/ledger"
	"pixelwar/observability"
	"pixelwar/observability/logging"
)

// Chain is the read side the manager needs.
type Chain interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// Transferer moves native value between identities and waits for inclusion.
type Transferer interface {
	Transfer(ctx context.Context, signer *ledger.Signer, to common.Address, amount *big.Int, opts ledger.TxOptions) (common.Hash, error)
}

// FuncTransferer adapts a callback to the Transferer interface.
type FuncTransferer func(ctx context.Context, signer *ledger.Signer, to common.Address, amount *big.Int, opts ledger.TxOptions) (common.Hash, error)

// Transfer delegates to the callback.
func (f FuncTransferer) Transfer(ctx context.Context, signer *ledger.Signer, to common.Address, amount *big.Int, opts ledger.TxOptions) (common.Hash, error) {
	if f == nil {
		return common.Hash{}, errors.New("sessionkey: no transferer configured")
	}
	return f(ctx, signer, to, amount, opts)
}

// ErrNoPrimary is returned when funding is attempted without a primary signer.
var ErrNoPrimary = errors.New("sessionkey: primary signer required")

// FundingError reports that the primary identity failed or rejected the refill.
type FundingError struct {
	Err error
}

func (e *FundingError) Error() string {
	return fmt.Sprintf("sessionkey: funding failed: %v", e.Err)
}

func (e *FundingError) Unwrap() error { return e.Err }

// DrainOutcome classifies a reclamation attempt.
type DrainOutcome string

const (
	DrainSent         DrainOutcome = "sent"
	DrainDust         DrainOutcome = "dust"
	DrainNoCredential DrainOutcome = "no_credential"
	DrainFailed       DrainOutcome = "failed"
)

var (
	milliEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(15), nil)
	gwei       = big.NewInt(1_000_000_000)
)

// Config holds the balance thresholds and drain gas parameters.
type Config struct {
	// MinBalance is the minimum operable balance behind IsReady.
	MinBalance *big.Int
	// TopUpThreshold triggers a refill before a spend.
	TopUpThreshold *big.Int
	RefillAmount   *big.Int
	PollInterval   time.Duration
	// TransferGas is the explicit gas limit of the drain transfer.
	TransferGas uint64
	// GasSafetyPercent scales the drain reserve (120 = +20%).
	GasSafetyPercent uint64
	// FallbackGasPrice is used when the node cannot suggest one.
	FallbackGasPrice *big.Int
	// FundTimeout bounds a shared refill independently of the caller that
	// started it.
	FundTimeout time.Duration
}

// DefaultConfig mirrors the original client: 0.005 minimum, 0.01 top-up,
// 0.5 refill, 5s polling and a 21000 gas drain with a 20% reserve margin.
func DefaultConfig() Config {
	return Config{
		MinBalance:       new(big.Int).Mul(big.NewInt(5), milliEther),
		TopUpThreshold:   new(big.Int).Mul(big.NewInt(10), milliEther),
		RefillAmount:     new(big.Int).Mul(big.NewInt(500), milliEther),
		PollInterval:     5 * time.Second,
		TransferGas:      21000,
		GasSafetyPercent: 120,
		FallbackGasPrice: new(big.Int).Set(gwei),
		FundTimeout:      2 * time.Minute,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.MinBalance == nil {
		c.MinBalance = def.MinBalance
	}
	if c.TopUpThreshold == nil {
		c.TopUpThreshold = def.TopUpThreshold
	}
	if c.RefillAmount == nil {
		c.RefillAmount = def.RefillAmount
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.TransferGas == 0 {
		c.TransferGas = def.TransferGas
	}
	if c.GasSafetyPercent == 0 {
		c.GasSafetyPercent = def.GasSafetyPercent
	}
	if c.FallbackGasPrice == nil {
		c.FallbackGasPrice = def.FallbackGasPrice
	}
	if c.FundTimeout <= 0 {
		c.FundTimeout = def.FundTimeout
	}
}

// Manager owns the session credential's lifecycle.
type Manager struct {
	chain   Chain
	tx      Transferer
	store   *credential.Store
	primary *ledger.Signer
	cfg     Config
	metrics *observability.SyncMetrics
	logger  *slog.Logger

	credMu sync.Mutex
	signer *ledger.Signer

	group   singleflight.Group
	funding atomic.Bool

	life context.Context
	stop context.CancelFunc

	ready     atomic.Bool
	balanceMu sync.Mutex
	balance   *big.Int

	observerMu sync.Mutex
	onChange   func(ready bool, balance *big.Int)
}

// Option customises a Manager.
type Option func(*Manager)

// WithConfig overrides thresholds; zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(m *Manager) { m.cfg = cfg }
}

// WithMetrics attaches the sync metrics registry.
func WithMetrics(metrics *observability.SyncMetrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// OnBalance registers fn to receive every polled readiness and balance.
func OnBalance(fn func(ready bool, balance *big.Int)) Option {
	return func(m *Manager) { m.onChange = fn }
}

// NewManager builds a Manager persisting its key in store and funding it from primary.
func NewManager(chain Chain, tx Transferer, store *credential.Store, primary *ledger.Signer, opts ...Option) *Manager {
	m := &Manager{
		chain:   chain,
		tx:      tx,
		store:   store,
		primary: primary,
		cfg:     DefaultConfig(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.cfg.applyDefaults()
	m.logger = logging.Component(m.logger, "sessionkey")
	m.life, m.stop = context.WithCancel(context.Background())
	return m
}

// Close aborts any funding transfer still in flight.
func (m *Manager) Close() {
	m.stop()
}

// Observe replaces the balance observer installed with OnBalance.
func (m *Manager) Observe(fn func(ready bool, balance *big.Int)) {
	m.observerMu.Lock()
	m.onChange = fn
	m.observerMu.Unlock()
}

// EnsureCredential returns the persisted session signer, generating and saving a
// new key the first time.
func (m *Manager) EnsureCredential() (*ledger.Signer, error) {
	m.credMu.Lock()
	defer m.credMu.Unlock()
	if m.signer != nil {
		return m.signer, nil
	}
	key, err := m.store.Load()
	switch {
	case err == nil:
	case errors.Is(err, credential.ErrNotFound):
		key, err = crypto.GeneratePrivateKey()
		if err != nil {
			return nil, fmt.Errorf("sessionkey: generate: %w", err)
		}
		if err := m.store.Save(key); err != nil {
			return nil, err
		}
		m.logger.Info("session credential created", slog.String("session", key.Address().Hex()))
	default:
		return nil, err
	}
	m.signer = ledger.NewSigner(ledger.SignerSession, key.PrivateKey)
	return m.signer, nil
}

// Address returns the session address, or the zero address before EnsureCredential.
func (m *Manager) Address() common.Address {
	m.credMu.Lock()
	defer m.credMu.Unlock()
	return m.signer.Address()
}

// Fund transfers the refill amount from the primary identity to the session
// credential and waits for confirmation.
func (m *Manager) Fund(ctx context.Context) error {
	signer, err := m.EnsureCredential()
	if err != nil {
		return err
	}
	if m.primary == nil {
		m.metrics.RecordFunding("failed")
		return &FundingError{Err: ErrNoPrimary}
	}
	hash, err := m.tx.Transfer(ctx, m.primary, signer.Address(), new(big.Int).Set(m.cfg.RefillAmount), ledger.TxOptions{})
	if err != nil {
		m.metrics.RecordFunding("failed")
		m.logger.Warn("session funding failed", slog.String("error", err.Error()))
		return &FundingError{Err: err}
	}
	m.metrics.RecordFunding("ok")
	m.logger.Info("session credential funded",
		slog.String("session", signer.Address().Hex()),
		slog.String("tx", hash.Hex()),
		slog.String("amount", m.cfg.RefillAmount.String()))
	m.Poll(ctx)
	return nil
}

// EnsureFunded refills the credential when its balance is below the top-up
// threshold. Concurrent callers share a single funding transfer; the balance is
// re-read inside the flight so a caller that waited does not fund twice. A
// failed balance read is treated as transient and does not block the spend.
//
// The shared transfer outlives the caller that started it. It is bounded by
// FundTimeout and Close; each caller stops waiting when its own ctx ends.
func (m *Manager) EnsureFunded(ctx context.Context) error {
	signer, err := m.EnsureCredential()
	if err != nil {
		return err
	}
	balance, err := m.chain.BalanceAt(ctx, signer.Address(), nil)
	if err != nil {
		m.logger.Debug("balance check failed", slog.String("error", err.Error()))
		return nil
	}
	if balance.Cmp(m.cfg.TopUpThreshold) >= 0 {
		return nil
	}
	ch := m.group.DoChan("fund", func() (interface{}, error) {
		m.funding.Store(true)
		defer m.funding.Store(false)
		fctx, cancel := m.flightContext(ctx)
		defer cancel()
		current, err := m.chain.BalanceAt(fctx, signer.Address(), nil)
		if err == nil && current.Cmp(m.cfg.TopUpThreshold) >= 0 {
			return nil, nil
		}
		return nil, m.Fund(fctx)
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

// flightContext keeps parent's values but not its cancellation.
func (m *Manager) flightContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), m.cfg.FundTimeout)
	release := context.AfterFunc(m.life, cancel)
	return ctx, func() {
		release()
		cancel()
	}
}

// IsFunding reports whether a funding transfer is in flight.
func (m *Manager) IsFunding() bool { return m.funding.Load() }

// IsReady reports whether the last polled balance reached the minimum operable balance.
func (m *Manager) IsReady() bool { return m.ready.Load() }

// Balance returns the last polled balance, nil before the first poll.
func (m *Manager) Balance() *big.Int {
	m.balanceMu.Lock()
	defer m.balanceMu.Unlock()
	if m.balance == nil {
		return nil
	}
	return new(big.Int).Set(m.balance)
}

// Poll reads the balance once and updates readiness. Failures keep the last value.
func (m *Manager) Poll(ctx context.Context) {
	addr := m.Address()
	if addr == (common.Address{}) {
		return
	}
	balance, err := m.chain.BalanceAt(ctx, addr, nil)
	if err != nil {
		m.logger.Debug("balance poll failed", slog.String("error", err.Error()))
		return
	}
	ready := balance.Cmp(m.cfg.MinBalance) >= 0
	m.balanceMu.Lock()
	m.balance = new(big.Int).Set(balance)
	m.balanceMu.Unlock()
	m.ready.Store(ready)
	m.metrics.SetSessionBalance(balance)
	m.observerMu.Lock()
	fn := m.onChange
	m.observerMu.Unlock()
	if fn != nil {
		fn(ready, balance)
	}
}

// Run polls the balance every PollInterval until ctx ends.
func (m *Manager) Run(ctx context.Context) {
	m.Poll(ctx)
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}

// Drain sends the balance minus a gas reserve back to the primary identity.
// It never returns an error: reclamation is best effort.
func (m *Manager) Drain(ctx context.Context) DrainOutcome {
	outcome := m.drain(ctx)
	m.metrics.RecordDrain(string(outcome))
	return outcome
}

func (m *Manager) drain(ctx context.Context) DrainOutcome {
	m.credMu.Lock()
	signer := m.signer
	m.credMu.Unlock()
	if signer == nil {
		key, err := m.store.Load()
		if err != nil {
			return DrainNoCredential
		}
		signer = ledger.NewSigner(ledger.SignerSession, key.PrivateKey)
	}
	if m.primary == nil {
		m.logger.Warn("drain skipped: no primary identity")
		return DrainFailed
	}
	balance, err := m.chain.BalanceAt(ctx, signer.Address(), nil)
	if err != nil {
		m.logger.Warn("drain balance read failed", slog.String("error", err.Error()))
		return DrainFailed
	}
	price, err := m.chain.SuggestGasPrice(ctx)
	if err != nil || price == nil || price.Sign() <= 0 {
		price = new(big.Int).Set(m.cfg.FallbackGasPrice)
	}
	amount, ok := m.drainAmount(balance, price)
	if !ok {
		m.logger.Info("drain skipped: balance below gas reserve", slog.String("balance", balance.String()))
		return DrainDust
	}
	hash, err := m.tx.Transfer(ctx, signer, m.primary.Address(), amount, ledger.TxOptions{
		GasLimit: m.cfg.TransferGas,
		GasPrice: price,
	})
	if err != nil {
		m.logger.Warn("drain transfer failed", slog.String("error", err.Error()))
		return DrainFailed
	}
	m.logger.Info("session credential drained",
		slog.String("tx", hash.Hex()),
		slog.String("amount", amount.String()))
	return DrainSent
}

// drainAmount computes balance - price*gas*safety/100. ok is false when nothing
// would remain or the reserve overflows.
func (m *Manager) drainAmount(balance, price *big.Int) (*big.Int, bool) {
	bal, overflow := uint256.FromBig(balance)
	if overflow {
		return nil, false
	}
	gasPrice, overflow := uint256.FromBig(price)
	if overflow {
		return nil, false
	}
	reserve, overflow := new(uint256.Int).MulOverflow(gasPrice, uint256.NewInt(m.cfg.TransferGas))
	if overflow {
		return nil, false
	}
	reserve, overflow = reserve.MulOverflow(reserve, uint256.NewInt(m.cfg.GasSafetyPercent))
	if overflow {
		return nil, false
	}
	reserve.Div(reserve, uint256.NewInt(100))
	if bal.Cmp(reserve) <= 0 {
		return nil, false
	}
	return new(uint256.Int).Sub(bal, reserve).ToBig(), true
}

// Clear forgets the credential locally and in the store.
func (m *Manager) Clear() error {
	m.credMu.Lock()
	m.signer = nil
	m.credMu.Unlock()
	m.ready.Store(false)
	return m.store.Clear()
}
