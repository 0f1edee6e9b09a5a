package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/time/rate"

	"pixelwar/observability/logging"
)

// Caller executes read-only contract calls.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Accessor is the boundary to the authoritative contest contract. Reads never
// return errors: a failed read yields the zero value and ok=false so pollers can
// simply try again on their next tick. Writes return *TxError.
type Accessor struct {
	caller   Caller
	tx       *Transactor
	contract common.Address
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// AccessorOption customises an Accessor.
type AccessorOption func(*Accessor)

// WithReadLimit paces read calls to rps with the given burst. Zero disables pacing.
func WithReadLimit(rps float64, burst int) AccessorOption {
	return func(a *Accessor) {
		if rps <= 0 {
			a.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		a.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithAccessorLogger overrides the logger.
func WithAccessorLogger(logger *slog.Logger) AccessorOption {
	return func(a *Accessor) { a.logger = logger }
}

// NewAccessor binds the contract at address. tx may be nil for read-only use.
func NewAccessor(caller Caller, tx *Transactor, contract common.Address, opts ...AccessorOption) *Accessor {
	a := &Accessor{caller: caller, tx: tx, contract: contract}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = logging.Component(a.logger, "ledger")
	return a
}

// Contract returns the bound contract address.
func (a *Accessor) Contract() common.Address { return a.contract }

func (a *Accessor) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	to := a.contract
	out, err := a.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	return contractABI.Unpack(method, out)
}

func (a *Accessor) readFailed(method string, err error) {
	a.logger.Debug("read failed", slog.String("method", method), slog.String("error", err.Error()))
}

// GameInfo fetches the full record. ok is false on any failure.
func (a *Accessor) GameInfo(ctx context.Context, id uint64) (*GameRecord, bool) {
	values, err := a.call(ctx, "getGameInfo", new(big.Int).SetUint64(id))
	if err == nil {
		var rec *GameRecord
		rec, err = decodeGameInfo(id, values)
		if err == nil {
			return rec, true
		}
	}
	a.readFailed("getGameInfo", err)
	return nil, false
}

// CellOwner returns the owner of (x, y); the zero address means unclaimed.
func (a *Accessor) CellOwner(ctx context.Context, id uint64, x, y int) (common.Address, bool) {
	values, err := a.call(ctx, "getCellOwner", new(big.Int).SetUint64(id), big.NewInt(int64(x)), big.NewInt(int64(y)))
	if err == nil && len(values) == 1 {
		if owner, ok := values[0].(common.Address); ok {
			return owner, true
		}
		err = fmt.Errorf("unexpected owner type %T", values[0])
	}
	if err == nil {
		err = fmt.Errorf("unexpected output arity %d", len(values))
	}
	a.readFailed("getCellOwner", err)
	return common.Address{}, false
}

// PaintTokens returns the spendable claim tokens of player.
func (a *Accessor) PaintTokens(ctx context.Context, id uint64, player common.Address) (uint64, bool) {
	return a.uintRead(ctx, "getPaintTokens", id, player)
}

// CellCount returns the number of cells player currently owns.
func (a *Accessor) CellCount(ctx context.Context, id uint64, player common.Address) (uint64, bool) {
	return a.uintRead(ctx, "getCellCount", id, player)
}

func (a *Accessor) uintRead(ctx context.Context, method string, id uint64, player common.Address) (uint64, bool) {
	values, err := a.call(ctx, method, new(big.Int).SetUint64(id), player)
	if err == nil {
		var n uint64
		n, err = uintValue(values)
		if err == nil {
			return n, true
		}
	}
	a.readFailed(method, err)
	return 0, false
}

// CreateGame creates a record staking params.Stake and returns its id.
func (a *Accessor) CreateGame(ctx context.Context, signer *Signer, params CreateParams) (uint64, error) {
	const op = "create"
	if params.GridSize <= 0 || params.MaxPlayers <= 0 || params.Duration <= 0 {
		return 0, preconditionError(op, "grid size, duration and max players must be positive")
	}
	if params.GridSize > MaxGridSize {
		return 0, preconditionError(op, fmt.Sprintf("grid size must not exceed %d", MaxGridSize))
	}
	stake := params.Stake
	if stake == nil {
		stake = new(big.Int)
	}
	data, err := contractABI.Pack("createGame",
		big.NewInt(int64(params.GridSize)),
		big.NewInt(int64(params.Duration/time.Second)),
		big.NewInt(int64(params.MaxPlayers)),
		stake)
	if err != nil {
		return 0, transportError(op, err)
	}
	receipt, err := a.send(ctx, op, signer, data, TxOptions{Value: stake})
	if err != nil {
		return 0, err
	}
	id, ok := createdGameID(receipt, a.contract)
	if !ok {
		return 0, transportError(op, fmt.Errorf("GameCreated event missing from receipt %s", receipt.TxHash.Hex()))
	}
	return id, nil
}

// JoinGame joins record id paying its stake. The obvious preconditions are
// checked locally first so the user gets a clear message without paying gas.
func (a *Accessor) JoinGame(ctx context.Context, signer *Signer, id uint64) error {
	const op = "join"
	if signer == nil {
		return &TxError{Op: op, Kind: KindTransport, Err: ErrNoSigner}
	}
	rec, ok := a.GameInfo(ctx, id)
	if !ok {
		return transportError(op, fmt.Errorf("could not load game %d", id))
	}
	switch {
	case rec.Finished:
		return preconditionError(op, "Game already finished")
	case rec.Active:
		return preconditionError(op, "Game already started")
	case rec.HasPlayer(signer.Address()):
		return preconditionError(op, "You already joined this game")
	case len(rec.Players) >= rec.MaxPlayers:
		return preconditionError(op, "Game is full")
	}
	data, err := contractABI.Pack("joinGame", new(big.Int).SetUint64(id))
	if err != nil {
		return transportError(op, err)
	}
	_, err = a.send(ctx, op, signer, data, TxOptions{Value: cloneBigInt(rec.Stake)})
	return err
}

// RegisterSession authorises session to claim cells on behalf of the signer.
func (a *Accessor) RegisterSession(ctx context.Context, signer *Signer, id uint64, session common.Address) error {
	return a.simple(ctx, "register-session", signer, "registerSession", new(big.Int).SetUint64(id), session)
}

// StartGame activates record id.
func (a *Accessor) StartGame(ctx context.Context, signer *Signer, id uint64) error {
	return a.simple(ctx, "start", signer, "startGame", new(big.Int).SetUint64(id))
}

// ClaimCell claims (x, y) with exactly the signer supplied; there is no fallback
// to another identity.
func (a *Accessor) ClaimCell(ctx context.Context, signer *Signer, id uint64, x, y int) error {
	return a.simple(ctx, "claim", signer, "paintCell", new(big.Int).SetUint64(id), big.NewInt(int64(x)), big.NewInt(int64(y)))
}

// EndGame finalises record id and pays out the pot.
func (a *Accessor) EndGame(ctx context.Context, signer *Signer, id uint64) error {
	return a.simple(ctx, "end", signer, "endGame", new(big.Int).SetUint64(id))
}

func (a *Accessor) simple(ctx context.Context, op string, signer *Signer, method string, args ...interface{}) error {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return transportError(op, err)
	}
	_, err = a.send(ctx, op, signer, data, TxOptions{})
	return err
}

func (a *Accessor) send(ctx context.Context, op string, signer *Signer, data []byte, opts TxOptions) (*types.Receipt, error) {
	if signer == nil {
		return nil, &TxError{Op: op, Kind: KindTransport, Err: ErrNoSigner}
	}
	if a.tx == nil {
		return nil, transportError(op, fmt.Errorf("accessor is read-only"))
	}
	return a.tx.Send(ctx, op, signer, a.contract, data, opts)
}

func decodeGameInfo(id uint64, values []interface{}) (*GameRecord, error) {
	if len(values) != 11 {
		return nil, fmt.Errorf("getGameInfo returned %d values", len(values))
	}
	var (
		rec = &GameRecord{ID: id}
		ok  bool
	)
	if rec.Creator, ok = values[0].(common.Address); !ok {
		return nil, fmt.Errorf("creator has type %T", values[0])
	}
	players, ok := values[1].([]common.Address)
	if !ok {
		return nil, fmt.Errorf("players has type %T", values[1])
	}
	rec.Players = append([]common.Address(nil), players...)
	nums := make([]*big.Int, 6)
	for i := range nums {
		n, isInt := values[2+i].(*big.Int)
		if !isInt || n == nil {
			return nil, fmt.Errorf("field %d has type %T", 2+i, values[2+i])
		}
		nums[i] = n
	}
	if start := nums[0].Int64(); start > 0 {
		rec.StartTime = time.Unix(start, 0).UTC()
	}
	rec.Duration = time.Duration(nums[1].Int64()) * time.Second
	if !nums[2].IsInt64() || nums[2].Sign() < 0 || nums[2].Int64() > MaxGridSize {
		return nil, fmt.Errorf("grid size %s out of range", nums[2])
	}
	rec.GridSize = int(nums[2].Int64())
	rec.MaxPlayers = int(nums[3].Int64())
	rec.Stake = new(big.Int).Set(nums[4])
	rec.TotalStake = new(big.Int).Set(nums[5])
	if rec.Active, ok = values[8].(bool); !ok {
		return nil, fmt.Errorf("isActive has type %T", values[8])
	}
	if rec.Finished, ok = values[9].(bool); !ok {
		return nil, fmt.Errorf("isFinished has type %T", values[9])
	}
	if rec.Winner, ok = values[10].(common.Address); !ok {
		return nil, fmt.Errorf("winner has type %T", values[10])
	}
	return rec, nil
}

func uintValue(values []interface{}) (uint64, error) {
	if len(values) != 1 {
		return 0, fmt.Errorf("expected 1 value, got %d", len(values))
	}
	n, ok := values[0].(*big.Int)
	if !ok || n == nil {
		return 0, fmt.Errorf("value has type %T", values[0])
	}
	if !n.IsUint64() {
		return 0, fmt.Errorf("value %s overflows uint64", n)
	}
	return n.Uint64(), nil
}

func createdGameID(receipt *types.Receipt, contract common.Address) (uint64, bool) {
	if receipt == nil {
		return 0, false
	}
	for _, log := range receipt.Logs {
		if log == nil || log.Address != contract || len(log.Topics) < 2 {
			continue
		}
		if log.Topics[0] != GameCreatedTopic {
			continue
		}
		id := new(big.Int).SetBytes(log.Topics[1].Bytes())
		if id.IsUint64() {
			return id.Uint64(), true
		}
	}
	return 0, false
}
