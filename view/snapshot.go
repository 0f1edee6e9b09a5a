package view

import (
	"math/big"
	"sort"
	"time"
)

// RecordView is the presentation form of the current record.
type RecordView struct {
	ID         uint64    `json:"id"`
	Creator    string    `json:"creator"`
	Players    []string  `json:"players"`
	StartTime  time.Time `json:"start_time,omitempty"`
	EndsAt     time.Time `json:"ends_at,omitempty"`
	GridSize   int       `json:"grid_size"`
	MaxPlayers int       `json:"max_players"`
	Stake      string    `json:"stake"`
	Pot        string    `json:"pot"`
	Active     bool      `json:"active"`
	Finished   bool      `json:"finished"`
	Winner     string    `json:"winner,omitempty"`
}

// Snapshot is a consistent copy of the view for presentation.
type Snapshot struct {
	Record         *RecordView       `json:"record,omitempty"`
	Grid           [][]int           `json:"grid"`
	Status         ConnState         `json:"status"`
	Self           string            `json:"self"`
	Tokens         uint64            `json:"tokens"`
	Counts         map[string]uint64 `json:"counts"`
	Pending        []Coord           `json:"pending"`
	SessionReady   bool              `json:"session_ready"`
	SessionBalance string            `json:"session_balance,omitempty"`
	LastPot        string            `json:"last_pot,omitempty"`
}

// Snapshot copies the whole view under one lock.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Grid:         s.grid.Rows(),
		Status:       s.status,
		Self:         s.self.Hex(),
		Tokens:       s.tokens,
		Counts:       make(map[string]uint64, len(s.counts)),
		Pending:      make([]Coord, 0, len(s.pending)),
		SessionReady: s.sessionReady,
	}
	if snap.Grid == nil {
		snap.Grid = [][]int{}
	}
	for addr, n := range s.counts {
		snap.Counts[addr.Hex()] = n
	}
	for c := range s.pending {
		snap.Pending = append(snap.Pending, c)
	}
	sort.Slice(snap.Pending, func(i, j int) bool {
		if snap.Pending[i].X != snap.Pending[j].X {
			return snap.Pending[i].X < snap.Pending[j].X
		}
		return snap.Pending[i].Y < snap.Pending[j].Y
	})
	snap.SessionBalance = bigString(s.sessionBalance)
	snap.LastPot = bigString(s.lastPot)

	if rec := s.record; rec != nil {
		rv := &RecordView{
			ID:         rec.ID,
			Creator:    rec.Creator.Hex(),
			Players:    make([]string, len(rec.Players)),
			StartTime:  rec.StartTime,
			EndsAt:     rec.EndsAt(),
			GridSize:   rec.GridSize,
			MaxPlayers: rec.MaxPlayers,
			Stake:      bigString(rec.Stake),
			Pot:        bigString(rec.TotalStake),
			Active:     rec.Active,
			Finished:   rec.Finished,
		}
		for i, p := range rec.Players {
			rv.Players[i] = p.Hex()
		}
		if rec.Finished {
			rv.Winner = rec.Winner.Hex()
		}
		snap.Record = rv
	}
	return snap
}

func bigString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}
