// Package pyramid describes a tiled raster pyramid: a tile matrix set (the table, its
// spatial reference and bounds) and one tile matrix per zoom level.
package pyramid

import (
	"errors"
	"fmt"
	"math"

	"github.com/go-playground/validator/v10"
	"github.com/go-spatial/geom"
	"github.com/umpc/go-sortedmap"

	"github.com/pdok/tilepyramid/mathhelp"
)

var (
	ErrNoTileMatrices       = errors.New("tile matrix set has no tile matrices")
	ErrInvalidTileMatrix    = errors.New("invalid tile matrix")
	ErrInvalidTileMatrixSet = errors.New("invalid tile matrix set")
	errNonMonotonicPyramid  = errors.New("resolution must not get coarser with increasing zoom")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type TileMatrixSet struct {
	TableName string `validate:"required"`
	SRSID     int
	// BoundingBox is minx, miny, maxx, maxy in storage units.
	BoundingBox geom.Extent
}

func (s TileMatrixSet) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTileMatrixSet, err)
	}
	b := s.BoundingBox
	if !(b.XSpan() > 0) || !(b.YSpan() > 0) {
		return fmt.Errorf("%w: bounding box %v has no area", ErrInvalidTileMatrixSet, b)
	}
	return nil
}

type TileMatrix struct {
	ZoomLevel    int     `validate:"min=0"`
	MatrixWidth  int     `validate:"min=1"`
	MatrixHeight int     `validate:"min=1"`
	TileWidth    int     `validate:"min=1"`
	TileHeight   int     `validate:"min=1"`
	PixelXSize   float64 `validate:"gt=0"`
	PixelYSize   float64 `validate:"gt=0"`
}

func (tm TileMatrix) Validate() error {
	if err := validate.Struct(tm); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTileMatrix, err)
	}
	return nil
}

// TileSpanX is the width of one tile in storage units.
func (tm TileMatrix) TileSpanX() float64 {
	return float64(tm.TileWidth) * tm.PixelXSize
}

// TileSpanY is the height of one tile in storage units.
func (tm TileMatrix) TileSpanY() float64 {
	return float64(tm.TileHeight) * tm.PixelYSize
}

func (tm TileMatrix) SpanX() float64 {
	return float64(tm.MatrixWidth) * tm.TileSpanX()
}

func (tm TileMatrix) SpanY() float64 {
	return float64(tm.MatrixHeight) * tm.TileSpanY()
}

// SameGeometry reports whether both matrices cut space into the same tiles.
func (tm TileMatrix) SameGeometry(o TileMatrix) bool {
	return tm.MatrixWidth == o.MatrixWidth && tm.MatrixHeight == o.MatrixHeight &&
		tm.TileWidth == o.TileWidth && tm.TileHeight == o.TileHeight &&
		sameFloat(tm.PixelXSize, o.PixelXSize) && sameFloat(tm.PixelYSize, o.PixelYSize)
}

func sameFloat(a, b float64) bool {
	return math.Abs(a-b) <= 1e-9*math.Max(math.Abs(a), math.Abs(b))
}

// Catalog is a tile matrix set with its tile matrices ordered by zoom level.
// Zoom levels may be sparse.
type Catalog struct {
	Set      TileMatrixSet
	matrices *sortedmap.SortedMap
}

func NewCatalog(set TileMatrixSet, matrices ...TileMatrix) (*Catalog, error) {
	if err := set.Validate(); err != nil {
		return nil, err
	}
	c := &Catalog{
		Set: set,
		matrices: sortedmap.New(len(matrices), func(x, y interface{}) bool {
			return x.(TileMatrix).ZoomLevel < y.(TileMatrix).ZoomLevel
		}),
	}
	for _, tm := range matrices {
		if err := c.Put(tm); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Put adds or replaces the tile matrix for its zoom level. Matrices whose pixels would get
// larger with increasing zoom are rejected.
func (c *Catalog) Put(tm TileMatrix) error {
	if err := tm.Validate(); err != nil {
		return err
	}
	for _, other := range c.Matrices() {
		if other.ZoomLevel == tm.ZoomLevel {
			continue
		}
		lo, hi := other, tm
		if tm.ZoomLevel < other.ZoomLevel {
			lo, hi = tm, other
		}
		if hi.PixelXSize > lo.PixelXSize || hi.PixelYSize > lo.PixelYSize {
			return fmt.Errorf("%w: %w (zoom %d vs %d)", ErrInvalidTileMatrix, errNonMonotonicPyramid, lo.ZoomLevel, hi.ZoomLevel)
		}
	}
	c.matrices.Delete(tm.ZoomLevel)
	c.matrices.Insert(tm.ZoomLevel, tm)
	return nil
}

// Replace swaps all tile matrices at once, e.g. after reading them from storage.
func (c *Catalog) Replace(matrices []TileMatrix) error {
	fresh, err := NewCatalog(c.Set, matrices...)
	if err != nil {
		return err
	}
	c.matrices = fresh.matrices
	return nil
}

func (c *Catalog) Len() int {
	return c.matrices.Len()
}

func (c *Catalog) MatrixAt(zoom int) (TileMatrix, bool) {
	v, ok := c.matrices.Get(zoom)
	if !ok {
		return TileMatrix{}, false
	}
	return v.(TileMatrix), true
}

// Matrices returns the tile matrices in ascending zoom order.
func (c *Catalog) Matrices() []TileMatrix {
	keys := c.matrices.Keys()
	mmap := c.matrices.Map()
	matrices := make([]TileMatrix, 0, len(keys))
	for _, key := range keys {
		matrices = append(matrices, mmap[key].(TileMatrix))
	}
	return matrices
}

func (c *Catalog) Zooms() []int {
	matrices := c.Matrices()
	zooms := make([]int, len(matrices))
	for i, tm := range matrices {
		zooms[i] = tm.ZoomLevel
	}
	return zooms
}

func (c *Catalog) MinZoom() (int, bool) {
	matrices := c.Matrices()
	if len(matrices) == 0 {
		return 0, false
	}
	return matrices[0].ZoomLevel, true
}

func (c *Catalog) MaxZoom() (int, bool) {
	matrices := c.Matrices()
	if len(matrices) == 0 {
		return 0, false
	}
	return matrices[len(matrices)-1].ZoomLevel, true
}

// SelectMatrix picks the tile matrix for a request of the given width and height in
// storage units, comparing against the footprint of a single tile. Each axis picks the
// finest matrix whose tile still spans the request on that axis, or else the closest one
// with ties going to the coarser. The coarser of the two picks wins.
func (c *Catalog) SelectMatrix(width, height float64) (TileMatrix, bool) {
	matrices := c.Matrices()
	if len(matrices) == 0 {
		return TileMatrix{}, false
	}
	x := selectAxis(matrices, width, TileMatrix.TileSpanX)
	y := selectAxis(matrices, height, TileMatrix.TileSpanY)
	return matrices[min(x, y)], true
}

// selectAxis returns an index into matrices, which are in ascending zoom order.
func selectAxis(matrices []TileMatrix, length float64, span func(TileMatrix) float64) int {
	for i := len(matrices) - 1; i >= 0; i-- {
		if span(matrices[i]) >= length {
			return i
		}
	}
	best, bestDiff := 0, math.Inf(1)
	for i, tm := range matrices {
		if diff := math.Abs(span(tm) - length); diff < bestDiff {
			best, bestDiff = i, diff
		}
	}
	return best
}

// SelectMatrixForLength uses the same length for both axes.
func (c *Catalog) SelectMatrixForLength(length float64) (TileMatrix, bool) {
	return c.SelectMatrix(length, length)
}

// TileBoundingBox is the footprint of tile (column,row) of tm. The origin is the top
// left corner of the set's bounding box.
func (c *Catalog) TileBoundingBox(tm TileMatrix, column, row int) geom.Extent {
	b := c.Set.BoundingBox
	minX := b.MinX() + float64(column)*tm.TileSpanX()
	maxY := b.MaxY() - float64(row)*tm.TileSpanY()
	return geom.Extent{minX, maxY - tm.TileSpanY(), minX + tm.TileSpanX(), maxY}
}

// GridBoundingBox is the union of the footprints of the tiles in grid.
func (c *Catalog) GridBoundingBox(tm TileMatrix, grid TileGrid) geom.Extent {
	topLeft := c.TileBoundingBox(tm, grid.MinColumn, grid.MinRow)
	bottomRight := c.TileBoundingBox(tm, grid.MaxColumn, grid.MaxRow)
	return geom.Extent{topLeft[0], bottomRight[1], bottomRight[2], topLeft[3]}
}

// TileGrid computes the range of tiles of tm that cover box. The box is first cut to the
// set's bounding box; when nothing is left there is no grid.
func (c *Catalog) TileGrid(box geom.Extent, tm TileMatrix) (TileGrid, bool) {
	overlap, ok := Intersect(box, c.Set.BoundingBox)
	if !ok {
		return TileGrid{}, false
	}
	b := c.Set.BoundingBox
	spanX, spanY := tm.TileSpanX(), tm.TileSpanY()

	grid := TileGrid{
		MinColumn: int(math.Floor((overlap.MinX() - b.MinX()) / spanX)),
		MaxColumn: int(math.Ceil((overlap.MaxX()-b.MinX())/spanX)) - 1,
		MinRow:    int(math.Floor((b.MaxY() - overlap.MaxY()) / spanY)),
		MaxRow:    int(math.Ceil((b.MaxY()-overlap.MinY())/spanY)) - 1,
	}
	grid.MinColumn = mathhelp.Clamp(grid.MinColumn, 0, tm.MatrixWidth-1)
	grid.MaxColumn = mathhelp.Clamp(grid.MaxColumn, 0, tm.MatrixWidth-1)
	grid.MinRow = mathhelp.Clamp(grid.MinRow, 0, tm.MatrixHeight-1)
	grid.MaxRow = mathhelp.Clamp(grid.MaxRow, 0, tm.MatrixHeight-1)
	if grid.MaxColumn < grid.MinColumn {
		grid.MaxColumn = grid.MinColumn
	}
	if grid.MaxRow < grid.MinRow {
		grid.MaxRow = grid.MinRow
	}
	return grid, true
}

// Intersect returns the overlap of a and b, only when it has a positive area.
func Intersect(a, b geom.Extent) (geom.Extent, bool) {
	i := geom.Extent{
		math.Max(a[0], b[0]),
		math.Max(a[1], b[1]),
		math.Min(a[2], b[2]),
		math.Min(a[3], b[3]),
	}
	if !(i[2] > i[0]) || !(i[3] > i[1]) {
		return geom.Extent{}, false
	}
	return i, true
}
