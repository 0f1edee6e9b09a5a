package view

// Coord addresses one cell.
type Coord struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Grid is an immutable square matrix of owner indexes (0 = unclaimed).
// Updates return a new Grid, so a reader holding a *Grid never sees a
// half-applied change.
type Grid struct {
	size  int
	cells []int
}

// NewGrid allocates an empty grid of side size.
func NewGrid(size int) *Grid {
	if size < 0 {
		size = 0
	}
	return &Grid{size: size, cells: make([]int, size*size)}
}

// Size returns the side length.
func (g *Grid) Size() int {
	if g == nil {
		return 0
	}
	return g.size
}

// InBounds reports whether (x, y) lies inside the grid.
func (g *Grid) InBounds(x, y int) bool {
	return g != nil && x >= 0 && y >= 0 && x < g.size && y < g.size
}

// At returns the owner index at (x, y), 0 when out of bounds.
func (g *Grid) At(x, y int) int {
	if !g.InBounds(x, y) {
		return 0
	}
	return g.cells[x*g.size+y]
}

// With returns a grid with (x, y) set to owner. The receiver is returned
// unchanged when the cell already holds owner or is out of bounds.
func (g *Grid) With(x, y, owner int) *Grid {
	if !g.InBounds(x, y) || g.At(x, y) == owner {
		return g
	}
	next := g.clone()
	next.cells[x*g.size+y] = owner
	return next
}

// Rows copies the grid into row-major [x][y] form.
func (g *Grid) Rows() [][]int {
	if g == nil {
		return nil
	}
	rows := make([][]int, g.size)
	for x := range rows {
		rows[x] = append([]int(nil), g.cells[x*g.size:(x+1)*g.size]...)
	}
	return rows
}

func (g *Grid) clone() *Grid {
	return &Grid{size: g.size, cells: append([]int(nil), g.cells...)}
}
