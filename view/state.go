package view

import (
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"pixelwar/ledger"
)

// ConnState is the health of the incremental notification feed.
type ConnState string

const (
	StateConnecting ConnState = "connecting"
	StateLive       ConnState = "live"
	StateDegraded   ConnState = "degraded"
)

var (
	ErrInactive    = errors.New("view: game is not active")
	ErrOutOfBounds = errors.New("view: cell out of bounds")
	ErrOccupied    = errors.New("view: cell already claimed")
	ErrPending     = errors.New("view: cell claim already pending")
	ErrNoTokens    = errors.New("view: no paint tokens left")
	ErrNotPlayer   = errors.New("view: not a player in this game")
)

// ApplyResult classifies the outcome of an incremental notification.
type ApplyResult int

const (
	// Discarded means the actor is not a known player.
	Discarded ApplyResult = iota
	// Noop means the cell already held the owner.
	Noop
	// Applied means the grid changed.
	Applied
)

func (r ApplyResult) String() string {
	switch r {
	case Applied:
		return "applied"
	case Noop:
		return "noop"
	default:
		return "discarded"
	}
}

// State is the shared local view every background task reads and writes. All
// mutations go through its methods; observers are woken after each change.
type State struct {
	self common.Address

	mu             sync.Mutex
	record         *ledger.GameRecord
	grid           *Grid
	pending        map[Coord]int
	tokens         uint64
	tokensKnown    bool
	counts         map[common.Address]uint64
	status         ConnState
	sessionReady   bool
	sessionBalance *big.Int
	lastPot        *big.Int

	// gen advances on every confirmed cell write; written holds the
	// generation of each cell's latest one.
	gen     uint64
	written map[Coord]uint64

	subMu  sync.Mutex
	subs   map[int]chan struct{}
	nextID int
}

// NewState creates the view for the local player self.
func NewState(self common.Address) *State {
	return &State{
		self:    self,
		pending: make(map[Coord]int),
		written: make(map[Coord]uint64),
		counts:  make(map[common.Address]uint64),
		status:  StateConnecting,
		subs:    make(map[int]chan struct{}),
	}
}

// Self is the local player's address.
func (s *State) Self() common.Address { return s.self }

// SetRecord installs a fresh authoritative record. gridCreated is true the first
// time a grid size becomes known; the grid's dimensions never change afterwards.
func (s *State) SetRecord(rec *ledger.GameRecord) (prev *ledger.GameRecord, gridCreated bool) {
	if rec == nil {
		return nil, false
	}
	rec = rec.Clone()
	s.mu.Lock()
	prev = s.record
	s.record = rec
	if s.grid == nil && rec.GridSize > 0 {
		s.grid = NewGrid(rec.GridSize)
		gridCreated = true
	}
	if rec.TotalStake != nil && rec.TotalStake.Sign() > 0 {
		s.lastPot = new(big.Int).Set(rec.TotalStake)
	}
	s.mu.Unlock()
	s.notify()
	return prev, gridCreated
}

// Record returns a copy of the current record, nil before the first poll.
func (s *State) Record() *ledger.GameRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.Clone()
}

// Grid returns the current immutable grid.
func (s *State) Grid() *Grid {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grid
}

// ResolveOwner maps addr to its owner index under the current record.
func (s *State) ResolveOwner(addr common.Address) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.PlayerIndex(addr)
}

// ApplyClaim applies a claim notification by actor at (x, y). Applying the same
// notification twice is a no-op.
func (s *State) ApplyClaim(actor common.Address, x, y int) ApplyResult {
	s.mu.Lock()
	idx := s.record.PlayerIndex(actor)
	if idx == 0 || !s.grid.InBounds(x, y) {
		s.mu.Unlock()
		return Discarded
	}
	s.markLocked(Coord{X: x, Y: y})
	next := s.grid.With(x, y, idx)
	if next == s.grid {
		s.mu.Unlock()
		return Noop
	}
	s.grid = next
	s.mu.Unlock()
	s.notify()
	return Applied
}

// Generation returns the current cell write generation. Capture it before
// reading owners and hand it to MergeOwnersSince.
func (s *State) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

func (s *State) markLocked(c Coord) {
	s.gen++
	s.written[c] = s.gen
}

// MergeOwners merges authoritative owners into the grid. Pending cells are
// skipped, the zero address clears a cell and an unknown owner leaves the cell
// unchanged. It returns the number of cells that changed.
func (s *State) MergeOwners(owners map[Coord]common.Address) int {
	return s.MergeOwnersSince(owners, ^uint64(0))
}

// MergeOwnersSince is MergeOwners for owners read after generation since.
// Cells confirmed by a claim or a notification after that point are newer
// than the read and are left alone.
func (s *State) MergeOwnersSince(owners map[Coord]common.Address, since uint64) int {
	s.mu.Lock()
	if s.grid == nil {
		s.mu.Unlock()
		return 0
	}
	var next *Grid
	changed := 0
	for c, owner := range owners {
		if _, pending := s.pending[c]; pending || !s.grid.InBounds(c.X, c.Y) {
			continue
		}
		if s.written[c] > since {
			continue
		}
		idx := 0
		if owner != (common.Address{}) {
			idx = s.record.PlayerIndex(owner)
			if idx == 0 {
				continue
			}
		}
		current := s.grid.At(c.X, c.Y)
		if next != nil {
			current = next.cells[c.X*next.size+c.Y]
		}
		if current == idx {
			continue
		}
		if next == nil {
			next = s.grid.clone()
		}
		next.cells[c.X*next.size+c.Y] = idx
		changed++
	}
	if next != nil {
		s.grid = next
	}
	s.mu.Unlock()
	if changed > 0 {
		s.notify()
	}
	return changed
}

// CanClaim runs the claim preconditions without changing anything.
func (s *State) CanClaim(x, y int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.checkClaimLocked(x, y)
	return err
}

func (s *State) checkClaimLocked(x, y int) (int, error) {
	switch {
	case s.record == nil || !s.record.Active:
		return 0, ErrInactive
	case !s.grid.InBounds(x, y):
		return 0, ErrOutOfBounds
	}
	if _, pending := s.pending[Coord{X: x, Y: y}]; pending {
		return 0, ErrPending
	}
	if s.grid.At(x, y) != 0 {
		return 0, ErrOccupied
	}
	idx := s.record.PlayerIndex(s.self)
	if idx == 0 {
		return 0, ErrNotPlayer
	}
	if s.tokens == 0 {
		return 0, ErrNoTokens
	}
	return idx, nil
}

// BeginClaim checks the claim preconditions and applies the optimistic effect
// atomically: the cell takes the local player's index, one token is spent and
// the claimed count grows by one. It returns the owner index used.
func (s *State) BeginClaim(x, y int) (int, error) {
	s.mu.Lock()
	idx, err := s.checkClaimLocked(x, y)
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	s.pending[Coord{X: x, Y: y}] = idx
	s.grid = s.grid.With(x, y, idx)
	s.tokens--
	s.counts[s.self]++
	s.mu.Unlock()
	s.notify()
	return idx, nil
}

// CommitClaim clears the pending mark after a confirmed claim.
func (s *State) CommitClaim(x, y int) {
	c := Coord{X: x, Y: y}
	s.mu.Lock()
	if _, ok := s.pending[c]; ok {
		delete(s.pending, c)
		s.markLocked(c)
	}
	s.mu.Unlock()
	s.notify()
}

// RollbackClaim reverts the optimistic effect of a failed claim. The cell is
// cleared only if it still holds the optimistic index.
func (s *State) RollbackClaim(x, y int) {
	c := Coord{X: x, Y: y}
	s.mu.Lock()
	idx, ok := s.pending[c]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.pending, c)
	if s.grid.At(x, y) == idx {
		s.grid = s.grid.With(x, y, 0)
	}
	s.tokens++
	if s.counts[s.self] > 0 {
		s.counts[s.self]--
	}
	s.mu.Unlock()
	s.notify()
}

// IsPending reports whether (x, y) has an unconfirmed claim.
func (s *State) IsPending(x, y int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[Coord{X: x, Y: y}]
	return ok
}

// PendingCount returns the number of unconfirmed claims.
func (s *State) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// RefreshTokens replaces the local token count with the remote value. The
// refresh is skipped while any claim is pending; it reports whether it applied.
func (s *State) RefreshTokens(n uint64) bool {
	s.mu.Lock()
	if len(s.pending) > 0 {
		s.mu.Unlock()
		return false
	}
	changed := !s.tokensKnown || s.tokens != n
	s.tokens = n
	s.tokensKnown = true
	s.mu.Unlock()
	if changed {
		s.notify()
	}
	return true
}

// Tokens returns the local player's spendable tokens.
func (s *State) Tokens() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens
}

// MergeCounts installs remote claimed-cell counts. While a claim is pending the
// local player's count never drops below the optimistic value.
func (s *State) MergeCounts(counts map[common.Address]uint64) {
	s.mu.Lock()
	pending := len(s.pending) > 0
	for addr, n := range counts {
		if addr == s.self && pending && s.counts[addr] > n {
			continue
		}
		s.counts[addr] = n
	}
	s.mu.Unlock()
	s.notify()
}

// Count returns the claimed-cell count of addr.
func (s *State) Count(addr common.Address) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[addr]
}

// SetStatus records the feed's connection state.
func (s *State) SetStatus(status ConnState) {
	s.mu.Lock()
	changed := s.status != status
	s.status = status
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

// Status returns the feed's connection state.
func (s *State) Status() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetSession records the session credential's readiness and balance.
func (s *State) SetSession(ready bool, balance *big.Int) {
	s.mu.Lock()
	changed := s.sessionReady != ready || (balance != nil && (s.sessionBalance == nil || s.sessionBalance.Cmp(balance) != 0))
	s.sessionReady = ready
	if balance != nil {
		s.sessionBalance = new(big.Int).Set(balance)
	}
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

// Subscribe returns a channel that receives a signal after state changes.
// Signals coalesce: a slow reader sees at least one wake-up per burst.
func (s *State) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.subMu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

func (s *State) notify() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
