package tilestore

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/pdok/tilepyramid/morton"
	"github.com/pdok/tilepyramid/pyramid"
)

// Memory is a Container that keeps everything in maps. Tiles of a zoom level are keyed
// by the Z-order code of their column and row.
type Memory struct {
	tables map[string]*memoryTable
}

type memoryTable struct {
	set      pyramid.TileMatrixSet
	matrices map[int]pyramid.TileMatrix
	tiles    map[int]map[morton.Z][]byte
	upserts  int
}

func NewMemory() *Memory {
	return &Memory{tables: make(map[string]*memoryTable)}
}

func (m *Memory) TableExists(table string) (bool, error) {
	_, ok := m.tables[table]
	return ok, nil
}

func (m *Memory) CreateTileTable(set pyramid.TileMatrixSet) error {
	if err := set.Validate(); err != nil {
		return err
	}
	if t, ok := m.tables[set.TableName]; ok {
		t.set = set
		return nil
	}
	m.tables[set.TableName] = &memoryTable{
		set:      set,
		matrices: make(map[int]pyramid.TileMatrix),
		tiles:    make(map[int]map[morton.Z][]byte),
	}
	return nil
}

func (m *Memory) DeleteTileTable(table string) error {
	delete(m.tables, table)
	return nil
}

func (m *Memory) Catalog(table string) (*pyramid.Catalog, error) {
	t, err := m.table(table)
	if err != nil {
		return nil, err
	}
	matrices := make([]pyramid.TileMatrix, 0, len(t.matrices))
	for _, tm := range t.matrices {
		matrices = append(matrices, tm)
	}
	return pyramid.NewCatalog(t.set, matrices...)
}

func (m *Memory) PutTileMatrix(table string, tm pyramid.TileMatrix) error {
	t, err := m.table(table)
	if err != nil {
		return err
	}
	if err = tm.Validate(); err != nil {
		return err
	}
	t.matrices[tm.ZoomLevel] = tm
	return nil
}

func (m *Memory) Table(table string) (Store, error) {
	t, err := m.table(table)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Upserts counts the writes to table, replacements included.
func (m *Memory) Upserts(table string) int {
	if t, ok := m.tables[table]; ok {
		return t.upserts
	}
	return 0
}

func (m *Memory) table(table string) (*memoryTable, error) {
	t, ok := m.tables[table]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchTable, table)
	}
	return t, nil
}

func (t *memoryTable) Tile(column, row, zoom int) ([]byte, bool, error) {
	z, ok := morton.TileKey(column, row)
	if !ok {
		return nil, false, nil
	}
	data, ok := t.tiles[zoom][z]
	return data, ok, nil
}

func (t *memoryTable) VisitTiles(grid pyramid.TileGrid, zoom int, fn func(Tile) error) error {
	level := t.tiles[zoom]
	if len(level) == 0 {
		return nil
	}
	var tiles []Tile
	if grid.Count() <= len(level) {
		grid.Cells(func(column, row int) bool {
			if data, ok := level[morton.MustTileKey(column, row)]; ok {
				tiles = append(tiles, Tile{Column: column, Row: row, Zoom: zoom, Data: data})
			}
			return true
		})
	} else {
		for z, data := range level {
			column, row := morton.FromTileKey(z)
			if grid.Contains(column, row) {
				tiles = append(tiles, Tile{Column: column, Row: row, Zoom: zoom, Data: data})
			}
		}
		sort.Slice(tiles, func(i, j int) bool {
			if tiles[i].Row != tiles[j].Row {
				return tiles[i].Row < tiles[j].Row
			}
			return tiles[i].Column < tiles[j].Column
		})
	}
	for _, tile := range tiles {
		if err := fn(tile); err != nil {
			return err
		}
	}
	return nil
}

func (t *memoryTable) BoundingGrid(zoom int) (pyramid.TileGrid, bool, error) {
	var grid pyramid.TileGrid
	first := true
	for z := range t.tiles[zoom] {
		column, row := morton.FromTileKey(z)
		cell := pyramid.TileGrid{MinColumn: column, MinRow: row, MaxColumn: column, MaxRow: row}
		if first {
			grid, first = cell, false
			continue
		}
		grid = grid.Union(cell)
	}
	return grid, !first, nil
}

func (t *memoryTable) Upsert(column, row, zoom int, data []byte) error {
	z, ok := morton.TileKey(column, row)
	if !ok {
		return fmt.Errorf("tile %d/%d/%d is outside the addressable range", zoom, column, row)
	}
	level, ok := t.tiles[zoom]
	if !ok {
		level = make(map[morton.Z][]byte)
		t.tiles[zoom] = level
	}
	level[z] = bytes.Clone(data)
	t.upserts++
	return nil
}
