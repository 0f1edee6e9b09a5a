package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pixelwar/observability/logging"
)

// TxBackend is the subset of the Ethereum JSON-RPC used to submit writes.
type TxBackend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// TxOptions customises a single write.
type TxOptions struct {
	Value *big.Int
	// GasLimit skips estimation when non-zero.
	GasLimit uint64
	// GasPrice forces a legacy transaction at this price when set.
	GasPrice *big.Int
}

// Transactor signs, broadcasts and awaits inclusion of transactions.
type Transactor struct {
	backend      TxBackend
	pollInterval time.Duration
	logger       *slog.Logger
	tracer       trace.Tracer

	chainMu sync.Mutex
	chainID *big.Int

	// nonceMu serialises nonce assignment per sender.
	nonceMu sync.Mutex
	senders map[common.Address]*sync.Mutex
}

// TransactorOption customises a Transactor.
type TransactorOption func(*Transactor)

// WithPollInterval sets how often receipts are polled while waiting for inclusion.
func WithPollInterval(interval time.Duration) TransactorOption {
	return func(t *Transactor) { t.pollInterval = interval }
}

// WithTransactorLogger overrides the logger.
func WithTransactorLogger(logger *slog.Logger) TransactorOption {
	return func(t *Transactor) { t.logger = logger }
}

// NewTransactor constructs a Transactor over backend.
func NewTransactor(backend TxBackend, opts ...TransactorOption) *Transactor {
	t := &Transactor{
		backend:      backend,
		pollInterval: time.Second,
		tracer:       otel.Tracer("pixelwar/ledger"),
		senders:      make(map[common.Address]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.pollInterval <= 0 {
		t.pollInterval = time.Second
	}
	t.logger = logging.Component(t.logger, "transactor")
	return t
}

// Send submits a transaction from signer to `to` carrying data and waits for it to
// be mined. A reverted receipt is a precondition failure.
func (t *Transactor) Send(ctx context.Context, op string, signer *Signer, to common.Address, data []byte, opts TxOptions) (*types.Receipt, error) {
	if signer == nil {
		return nil, &TxError{Op: op, Kind: KindTransport, Err: ErrNoSigner}
	}
	ctx, span := t.tracer.Start(ctx, "ledger."+op, trace.WithAttributes(
		attribute.String("ledger.signer", string(signer.Kind)),
		attribute.String("ledger.to", to.Hex()),
	))
	defer span.End()

	receipt, err := t.send(ctx, op, signer, to, data, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("ledger.tx", receipt.TxHash.Hex()))
	return receipt, nil
}

func (t *Transactor) send(ctx context.Context, op string, signer *Signer, to common.Address, data []byte, opts TxOptions) (*types.Receipt, error) {
	from := signer.Address()
	value := opts.Value
	if value == nil {
		value = new(big.Int)
	}
	msg := ethereum.CallMsg{From: from, To: &to, Value: value, Data: data}

	if len(data) > 0 {
		// Simulate first so reverts surface with their reason instead of as a mined failure.
		if _, err := t.backend.CallContract(ctx, msg, nil); err != nil {
			return nil, classify(op, err)
		}
	}
	gasLimit := opts.GasLimit
	if gasLimit == 0 {
		estimated, err := t.backend.EstimateGas(ctx, msg)
		if err != nil {
			return nil, classify(op, err)
		}
		gasLimit = estimated
	}
	chainID, err := t.ChainID(ctx)
	if err != nil {
		return nil, transportError(op, err)
	}

	lock := t.senderLock(from)
	lock.Lock()
	nonce, err := t.backend.PendingNonceAt(ctx, from)
	if err != nil {
		lock.Unlock()
		return nil, transportError(op, fmt.Errorf("nonce: %w", err))
	}
	inner, err := t.feeFields(ctx, nonce, chainID, gasLimit, &to, value, data, opts.GasPrice)
	if err != nil {
		lock.Unlock()
		return nil, transportError(op, err)
	}
	signed, err := types.SignTx(types.NewTx(inner), types.LatestSignerForChainID(chainID), signer.key)
	if err != nil {
		lock.Unlock()
		return nil, transportError(op, fmt.Errorf("sign: %w", err))
	}
	err = t.backend.SendTransaction(ctx, signed)
	lock.Unlock()
	if err != nil {
		if reason, ok := revertReason(err); ok {
			return nil, preconditionError(op, reason)
		}
		return nil, transportError(op, fmt.Errorf("broadcast: %w", err))
	}
	t.logger.Debug("transaction broadcast",
		slog.String("op", op),
		slog.String("tx", signed.Hash().Hex()),
		slog.String("address", from.Hex()))

	receipt, err := t.WaitMined(ctx, signed.Hash())
	if err != nil {
		return nil, transportError(op, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, &TxError{Op: op, Kind: KindPrecondition, Reason: "transaction reverted", Err: ErrReverted}
	}
	return receipt, nil
}

func (t *Transactor) feeFields(ctx context.Context, nonce uint64, chainID *big.Int, gas uint64, to *common.Address, value *big.Int, data []byte, forcedPrice *big.Int) (types.TxData, error) {
	if forcedPrice != nil {
		return &types.LegacyTx{Nonce: nonce, GasPrice: forcedPrice, Gas: gas, To: to, Value: value, Data: data}, nil
	}
	head, headErr := t.backend.HeaderByNumber(ctx, nil)
	tip, tipErr := t.backend.SuggestGasTipCap(ctx)
	if headErr == nil && tipErr == nil && head != nil && head.BaseFee != nil {
		feeCap := new(big.Int).Mul(head.BaseFee, big.NewInt(2))
		feeCap.Add(feeCap, tip)
		return &types.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       gas,
			To:        to,
			Value:     value,
			Data:      data,
		}, nil
	}
	price, err := t.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}
	return &types.LegacyTx{Nonce: nonce, GasPrice: price, Gas: gas, To: to, Value: value, Data: data}, nil
}

// Transfer moves amount of the native asset from signer to `to`.
func (t *Transactor) Transfer(ctx context.Context, signer *Signer, to common.Address, amount *big.Int, opts TxOptions) (common.Hash, error) {
	if amount == nil || amount.Sign() <= 0 {
		return common.Hash{}, preconditionError("transfer", "amount must be positive")
	}
	opts.Value = amount
	receipt, err := t.Send(ctx, "transfer", signer, to, nil, opts)
	if err != nil {
		return common.Hash{}, err
	}
	return receipt.TxHash, nil
}

// WaitMined polls for the receipt of hash until it is available or ctx ends.
func (t *Transactor) WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := t.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			t.logger.Debug("receipt poll failed", slog.String("tx", hash.Hex()), slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// ChainID returns the (cached) chain id of the backend.
func (t *Transactor) ChainID(ctx context.Context) (*big.Int, error) {
	t.chainMu.Lock()
	defer t.chainMu.Unlock()
	if t.chainID != nil {
		return t.chainID, nil
	}
	id, err := t.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	t.chainID = id
	return id, nil
}

// CheckChain fails with a precondition error when the backend is not on expected.
// A zero expected id disables the check.
func (t *Transactor) CheckChain(ctx context.Context, expected uint64) error {
	if expected == 0 {
		return nil
	}
	id, err := t.ChainID(ctx)
	if err != nil {
		return transportError("check-chain", err)
	}
	if !id.IsUint64() || id.Uint64() != expected {
		return preconditionError("check-chain", fmt.Sprintf("wrong network: connected to chain %s, expected %d", id, expected))
	}
	return nil
}

func (t *Transactor) senderLock(addr common.Address) *sync.Mutex {
	t.nonceMu.Lock()
	defer t.nonceMu.Unlock()
	lock, ok := t.senders[addr]
	if !ok {
		lock = &sync.Mutex{}
		t.senders[addr] = lock
	}
	return lock
}
