package ledger

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrNotCellPainted is returned for logs that are not claim notifications.
var ErrNotCellPainted = errors.New("ledger: not a CellPainted log")

// maxCoordinate bounds decoded coordinates; real grids are tiny.
const maxCoordinate = 1 << 16

// CellPainted is one decoded claim notification. Block is the ledger index the
// log was included at.
type CellPainted struct {
	GameID uint64
	Player common.Address
	X      int
	Y      int
	Block  uint64
	TxHash common.Hash
	Index  uint
}

// DecodeCellPainted decodes a raw log envelope.
func DecodeCellPainted(log types.Log) (CellPainted, error) {
	if len(log.Topics) != 3 || log.Topics[0] != CellPaintedTopic {
		return CellPainted{}, ErrNotCellPainted
	}
	gameID := new(big.Int).SetBytes(log.Topics[1].Bytes())
	if !gameID.IsUint64() {
		return CellPainted{}, fmt.Errorf("ledger: game id out of range")
	}
	values, err := contractABI.Unpack("CellPainted", log.Data)
	if err != nil {
		return CellPainted{}, fmt.Errorf("ledger: unpack CellPainted: %w", err)
	}
	if len(values) != 2 {
		return CellPainted{}, fmt.Errorf("ledger: CellPainted has %d fields", len(values))
	}
	x, err := coordinate(values[0])
	if err != nil {
		return CellPainted{}, err
	}
	y, err := coordinate(values[1])
	if err != nil {
		return CellPainted{}, err
	}
	return CellPainted{
		GameID: gameID.Uint64(),
		Player: common.BytesToAddress(log.Topics[2].Bytes()),
		X:      x,
		Y:      y,
		Block:  log.BlockNumber,
		TxHash: log.TxHash,
		Index:  log.Index,
	}, nil
}

// CellPaintedQuery builds the filter for claim notifications of one record on
// contract within [from, to]. A nil bound is open.
func CellPaintedQuery(contract common.Address, gameID uint64, from, to *big.Int) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Addresses: []common.Address{contract},
		Topics: [][]common.Hash{
			{CellPaintedTopic},
			{common.BigToHash(new(big.Int).SetUint64(gameID))},
		},
	}
}

func coordinate(v interface{}) (int, error) {
	n, ok := v.(*big.Int)
	if !ok || n == nil {
		return 0, fmt.Errorf("ledger: coordinate has type %T", v)
	}
	if n.Sign() < 0 || n.Cmp(big.NewInt(maxCoordinate)) >= 0 {
		return 0, fmt.Errorf("ledger: coordinate %s out of range", n)
	}
	return int(n.Int64()), nil
}
