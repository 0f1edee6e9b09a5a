package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

var testContract = common.HexToAddress("0x00000000000000000000000000000000c0ffee01")

type callHandler func(args []interface{}) ([]interface{}, error)

// fakeChain answers contract calls by method name and mines every sent
// transaction immediately.
type fakeChain struct {
	mu       sync.Mutex
	handlers map[string]callHandler
	calls    map[string]int
	nonces   map[common.Address]uint64
	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt
	chainID  *big.Int
	// receiptHook lets a test decorate the receipt of a mined transaction.
	receiptHook func(tx *types.Transaction, receipt *types.Receipt)
	failStatus  bool
	sendErr     error
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		handlers: make(map[string]callHandler),
		calls:    make(map[string]int),
		nonces:   make(map[common.Address]uint64),
		receipts: make(map[common.Hash]*types.Receipt),
		chainID:  big.NewInt(1337),
	}
}

func (f *fakeChain) handle(method string, h callHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = h
}

func (f *fakeChain) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeChain) sentTxs() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Transaction(nil), f.sent...)
}

func (f *fakeChain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if len(msg.Data) < 4 {
		return nil, nil
	}
	method, err := contractABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.calls[method.Name]++
	h := f.handlers[method.Name]
	f.mu.Unlock()
	if h == nil {
		if !method.IsConstant() {
			return nil, nil
		}
		return nil, fmt.Errorf("no handler for %s", method.Name)
	}
	out, err := h(args)
	if err != nil {
		return nil, err
	}
	return method.Outputs.Pack(out...)
}

func (f *fakeChain) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 90_000, nil
}

func (f *fakeChain) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonces[account], nil
}

func (f *fakeChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(2_000_000_000), nil
}

func (f *fakeChain) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeChain) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(100), BaseFee: big.NewInt(1_000_000_000)}, nil
}

func (f *fakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	from, err := types.Sender(types.LatestSignerForChainID(f.chainID), tx)
	if err != nil {
		return err
	}
	f.nonces[from]++
	f.sent = append(f.sent, tx)
	receipt := &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      tx.Hash(),
		BlockNumber: big.NewInt(101),
	}
	if f.failStatus {
		receipt.Status = types.ReceiptStatusFailed
	}
	if f.receiptHook != nil {
		f.receiptHook(tx, receipt)
	}
	f.receipts[tx.Hash()] = receipt
	return nil
}

func (f *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	receipt, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (f *fakeChain) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.chainID), nil
}

// revertError mimics the JSON-RPC error a node returns for a reverted eth_call.
type revertError struct {
	reason string
}

func (e revertError) Error() string { return "execution reverted: " + e.reason }

func (e revertError) ErrorCode() int { return 3 }

func (e revertError) ErrorData() interface{} {
	stringType, _ := abi.NewType("string", "", nil)
	packed, _ := abi.Arguments{{Type: stringType}}.Pack(e.reason)
	selector := []byte{0x08, 0xc3, 0x79, 0xa0}
	return hexutil.Encode(append(selector, packed...))
}

var errNetwork = errors.New("dial tcp: connection refused")

func gameInfoValues(rec GameRecord) []interface{} {
	players := rec.Players
	if players == nil {
		players = []common.Address{}
	}
	start := int64(0)
	if !rec.StartTime.IsZero() {
		start = rec.StartTime.Unix()
	}
	stake := rec.Stake
	if stake == nil {
		stake = new(big.Int)
	}
	total := rec.TotalStake
	if total == nil {
		total = new(big.Int)
	}
	return []interface{}{
		rec.Creator,
		players,
		big.NewInt(start),
		big.NewInt(int64(rec.Duration.Seconds())),
		big.NewInt(int64(rec.GridSize)),
		big.NewInt(int64(rec.MaxPlayers)),
		stake,
		total,
		rec.Active,
		rec.Finished,
		rec.Winner,
	}
}
