package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"pixelwar/config"
	"pixelwar/credential"
	"pixelwar/crypto"
	"pixelwar/feed"
	"pixelwar/journal"
	"pixelwar/ledger"
	"pixelwar/observability"
	"pixelwar/recon"
	"pixelwar/sessionkey"
	"pixelwar/storage"
)

var gwei = big.NewInt(1_000_000_000)

// Runtime holds the connections and long-lived services built from a
// configuration. Commands open one Runtime and derive an Engine from it.
type Runtime struct {
	Config     *config.Config
	Client     *ethclient.Client
	Transactor *ledger.Transactor
	Accessor   *ledger.Accessor
	Primary    *ledger.Signer
	Session    *sessionkey.Manager
	Journal    *journal.Store
	Metrics    *observability.SyncMetrics

	db     storage.Database
	logger *slog.Logger
}

// Open dials the ledger endpoint and wires the accessor, session manager and
// journal for primary.
func Open(ctx context.Context, cfg *config.Config, primary *crypto.PrivateKey, logger *slog.Logger) (*Runtime, error) {
	if cfg == nil || primary == nil {
		return nil, errors.New("engine: config and primary key required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.Sync()

	client, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("engine: dial %s: %w", cfg.Chain.RPCURL, err)
	}
	rt := &Runtime{
		Config:  cfg,
		Client:  client,
		Primary: ledger.NewSigner(ledger.SignerPrimary, primary.PrivateKey),
		Metrics: metrics,
		logger:  logger,
	}
	rt.Transactor = ledger.NewTransactor(client,
		ledger.WithPollInterval(cfg.Chain.ConfirmPoll.Duration),
		ledger.WithTransactorLogger(logger))
	rt.Accessor = ledger.NewAccessor(client, rt.Transactor, common.HexToAddress(cfg.Chain.Contract),
		ledger.WithReadLimit(cfg.Chain.ReadRPS, cfg.Chain.ReadBurst),
		ledger.WithAccessorLogger(logger))

	sessionCfg, err := sessionConfig(cfg.Session)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.db, err = storage.Open(cfg.Session.Backend, cfg.Session.Dir)
	if err != nil {
		rt.Close()
		return nil, err
	}
	sessionID := strings.TrimSpace(cfg.Session.ID)
	if sessionID == "" {
		// one session per primary identity unless configured otherwise
		sessionID = rt.Primary.Address().Hex()
	}
	store, err := credential.NewStore(rt.db, sessionID, credential.WithSealSecret(primary.Bytes()))
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Session = sessionkey.NewManager(client, rt.Transactor, store, rt.Primary,
		sessionkey.WithConfig(sessionCfg),
		sessionkey.WithMetrics(metrics),
		sessionkey.WithLogger(logger))

	if dsn := strings.TrimSpace(cfg.Journal.DSN); dsn != "" {
		rt.Journal, err = journal.Open(dsn)
		if err != nil {
			rt.Close()
			return nil, err
		}
	}
	return rt, nil
}

func sessionConfig(sc config.SessionConfig) (sessionkey.Config, error) {
	minBalance, threshold, refill, err := sc.Amounts()
	if err != nil {
		return sessionkey.Config{}, err
	}
	return sessionkey.Config{
		MinBalance:       minBalance,
		TopUpThreshold:   threshold,
		RefillAmount:     refill,
		PollInterval:     sc.BalancePoll.Duration,
		TransferGas:      sc.TransferGas,
		GasSafetyPercent: sc.GasSafetyPercent,
		FallbackGasPrice: new(big.Int).Mul(gwei, new(big.Int).SetUint64(sc.FallbackGasGwei)),
		FundTimeout:      sc.FundTimeout.Duration,
	}, nil
}

// CheckNetwork refuses to continue when the endpoint is not on the expected chain.
func (r *Runtime) CheckNetwork(ctx context.Context) error {
	return r.Transactor.CheckChain(ctx, r.Config.Chain.ExpectedChainID)
}

// Engine builds the sync engine for gameID. The session manager's balance
// reports are forwarded into the engine's view.
func (r *Runtime) Engine(gameID uint64, opts ...Option) (*Engine, error) {
	cfg := r.Config
	ecfg := Config{
		GameID:       gameID,
		Contract:     r.Accessor.Contract(),
		RecordPoll:   cfg.Sync.RecordPoll.Duration,
		AutoFinalize: cfg.Sync.AutoFinalize != nil && *cfg.Sync.AutoFinalize,
		Fallback: feed.FallbackConfig{
			Interval: cfg.Sync.FallbackInterval.Duration,
			Lookback: cfg.Sync.FallbackLookback,
		},
		Stream: feed.StreamConfig{
			BackoffBase: cfg.Sync.BackoffBase.Duration,
			BackoffCap:  cfg.Sync.BackoffCap.Duration,
		},
		Reconcile: recon.Config{
			Interval:   cfg.Sync.Reconcile.Duration,
			BatchSize:  cfg.Sync.ReconcileBatch,
			BatchPause: cfg.Sync.ReconcilePause.Duration,
		},
	}
	deps := Deps{
		Ledger:  r.Accessor,
		Session: r.Session,
		Primary: r.Primary,
		Dial:    feed.WebsocketDialer(cfg.Chain.WSURL),
		Logs:    r.Client,
	}
	base := []Option{WithMetrics(r.Metrics), WithLogger(r.logger)}
	if r.Journal != nil {
		base = append(base, WithJournal(r.Journal))
	}
	eng, err := New(ecfg, deps, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	r.Session.Observe(eng.State().SetSession)
	return eng, nil
}

// Close aborts pending refills and releases the journal, the credential
// database and the RPC client.
func (r *Runtime) Close() error {
	if r.Session != nil {
		r.Session.Close()
	}
	var errs []error
	if r.Journal != nil {
		errs = append(errs, r.Journal.Close())
	}
	if r.db != nil {
		errs = append(errs, r.db.Close())
	}
	if r.Client != nil {
		r.Client.Close()
	}
	return errors.Join(errs...)
}
