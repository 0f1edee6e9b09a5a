package ledger

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MaxGridSize bounds the side length accepted from a record. Each side
// allocates a row of the local grid and one owner read per cell.
const MaxGridSize = 256

// GameRecord is the authoritative snapshot of one shared grid contest.
// Values handed out by the accessor are never mutated afterwards.
type GameRecord struct {
	ID         uint64
	Creator    common.Address
	Players    []common.Address
	StartTime  time.Time
	Duration   time.Duration
	GridSize   int
	MaxPlayers int
	Stake      *big.Int
	TotalStake *big.Int
	Active     bool
	Finished   bool
	Winner     common.Address
}

// PlayerIndex returns the 1-based owner index of addr, or 0 when addr is not a player.
func (r *GameRecord) PlayerIndex(addr common.Address) int {
	if r == nil || addr == (common.Address{}) {
		return 0
	}
	for i, player := range r.Players {
		if player == addr {
			return i + 1
		}
	}
	return 0
}

// HasPlayer reports whether addr already joined.
func (r *GameRecord) HasPlayer(addr common.Address) bool {
	return r.PlayerIndex(addr) > 0
}

// EndsAt is the instant the contest runs out of time. Zero when not started.
func (r *GameRecord) EndsAt() time.Time {
	if r == nil || r.StartTime.IsZero() {
		return time.Time{}
	}
	return r.StartTime.Add(r.Duration)
}

// Syncable reports whether the record has everything reconciliation needs.
func (r *GameRecord) Syncable() bool {
	return r != nil && r.Active && r.GridSize > 0 && len(r.Players) > 0
}

// Clone returns a deep copy.
func (r *GameRecord) Clone() *GameRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Players = append([]common.Address(nil), r.Players...)
	out.Stake = cloneBigInt(r.Stake)
	out.TotalStake = cloneBigInt(r.TotalStake)
	return &out
}

// CreateParams configures a new record.
type CreateParams struct {
	GridSize   int
	Duration   time.Duration
	MaxPlayers int
	Stake      *big.Int
}

func cloneBigInt(in *big.Int) *big.Int {
	if in == nil {
		return nil
	}
	return new(big.Int).Set(in)
}
