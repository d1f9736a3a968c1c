package pyramid

import "fmt"

// TileGrid is an inclusive range of tile columns and rows within one tile matrix.
type TileGrid struct {
	MinColumn int
	MinRow    int
	MaxColumn int
	MaxRow    int
}

func (g TileGrid) Width() int {
	return g.MaxColumn - g.MinColumn + 1
}

func (g TileGrid) Height() int {
	return g.MaxRow - g.MinRow + 1
}

func (g TileGrid) Count() int {
	return g.Width() * g.Height()
}

func (g TileGrid) Contains(column, row int) bool {
	return g.MinColumn <= column && column <= g.MaxColumn && g.MinRow <= row && row <= g.MaxRow
}

// Union is the smallest grid containing both g and o.
func (g TileGrid) Union(o TileGrid) TileGrid {
	return TileGrid{
		MinColumn: min(g.MinColumn, o.MinColumn),
		MinRow:    min(g.MinRow, o.MinRow),
		MaxColumn: max(g.MaxColumn, o.MaxColumn),
		MaxRow:    max(g.MaxRow, o.MaxRow),
	}
}

// Cells walks the grid row by row, left to right, until fn returns false.
func (g TileGrid) Cells(fn func(column, row int) bool) {
	for row := g.MinRow; row <= g.MaxRow; row++ {
		for column := g.MinColumn; column <= g.MaxColumn; column++ {
			if !fn(column, row) {
				return
			}
		}
	}
}

func (g TileGrid) String() string {
	return fmt.Sprintf("columns %d..%d, rows %d..%d", g.MinColumn, g.MaxColumn, g.MinRow, g.MaxRow)
}
