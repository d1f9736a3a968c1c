// Package tilestore defines how tiles of a pyramid are read and written, independent of
// the container they live in.
package tilestore

import (
	"errors"

	"github.com/pdok/tilepyramid/pyramid"
)

var ErrNoSuchTable = errors.New("no such tile table")

// Tile is one stored tile; Data is opaque encoded image bytes.
type Tile struct {
	Column int
	Row    int
	Zoom   int
	Data   []byte
}

type Reader interface {
	// Tile is a point query. A missing tile is not an error.
	Tile(column, row, zoom int) ([]byte, bool, error)
	// VisitTiles streams the stored tiles within grid, row by row and left to right
	// within a row. Returning an error from fn stops the visit with that error.
	VisitTiles(grid pyramid.TileGrid, zoom int, fn func(Tile) error) error
	// BoundingGrid is the range of columns and rows that hold tiles at zoom.
	BoundingGrid(zoom int) (pyramid.TileGrid, bool, error)
}

type Writer interface {
	// Upsert inserts or fully replaces the tile at (column,row,zoom).
	Upsert(column, row, zoom int, data []byte) error
}

type Store interface {
	Reader
	Writer
}

// Container holds tile tables with their tile matrix set and tile matrices.
type Container interface {
	TableExists(table string) (bool, error)
	CreateTileTable(set pyramid.TileMatrixSet) error
	DeleteTileTable(table string) error
	Catalog(table string) (*pyramid.Catalog, error)
	PutTileMatrix(table string, tm pyramid.TileMatrix) error
	Table(table string) (Store, error)
}
