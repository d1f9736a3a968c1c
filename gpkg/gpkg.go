// Package gpkg keeps tile pyramids in a GeoPackage: the tile matrix set and tile matrices
// in the gpkg_ metadata tables, the tiles in one table per pyramid.
package gpkg

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/encoding/gpkg"
	"github.com/mattn/go-sqlite3"

	"github.com/pdok/tilepyramid/proj"
	"github.com/pdok/tilepyramid/pyramid"
	"github.com/pdok/tilepyramid/tilestore"
)

var ErrUnknownSRS = errors.New("spatial reference system is not known")

const tilesDataType = "tiles"

const metadataSQL = `
CREATE TABLE IF NOT EXISTS gpkg_contents (
	table_name TEXT NOT NULL PRIMARY KEY,
	data_type TEXT NOT NULL,
	identifier TEXT UNIQUE,
	description TEXT DEFAULT '',
	last_change DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	min_x DOUBLE, min_y DOUBLE, max_x DOUBLE, max_y DOUBLE,
	srs_id INTEGER
);
CREATE TABLE IF NOT EXISTS gpkg_tile_matrix_set (
	table_name TEXT NOT NULL PRIMARY KEY,
	srs_id INTEGER NOT NULL,
	min_x DOUBLE NOT NULL, min_y DOUBLE NOT NULL, max_x DOUBLE NOT NULL, max_y DOUBLE NOT NULL
);
CREATE TABLE IF NOT EXISTS gpkg_tile_matrix (
	table_name TEXT NOT NULL,
	zoom_level INTEGER NOT NULL,
	matrix_width INTEGER NOT NULL,
	matrix_height INTEGER NOT NULL,
	tile_width INTEGER NOT NULL,
	tile_height INTEGER NOT NULL,
	pixel_x_size DOUBLE NOT NULL,
	pixel_y_size DOUBLE NOT NULL,
	CONSTRAINT pk_ttm PRIMARY KEY (table_name, zoom_level)
);`

// Container is a GeoPackage holding tile tables. It is safe for concurrent use.
type Container struct {
	handle      *gpkg.Handle
	projections *proj.Registry
}

// Open opens or creates the GeoPackage at file. Spatial reference systems of new tile
// tables are looked up in projections, nil meaning proj.DefaultRegistry.
func Open(file string, projections *proj.Registry) (*Container, error) {
	handle, err := gpkg.Open(file)
	if err != nil {
		return nil, fmt.Errorf("error opening GeoPackage %s: %w", file, err)
	}
	if _, err = handle.Exec(metadataSQL); err != nil {
		handle.Close()
		return nil, fmt.Errorf("error preparing GeoPackage %s for tiles: %w", file, err)
	}
	if projections == nil {
		projections = proj.DefaultRegistry()
	}
	return &Container{handle: handle, projections: projections}, nil
}

func (c *Container) Close() error {
	return c.handle.Close()
}

// SQLiteVersion is the version of the linked SQLite library.
func SQLiteVersion() string {
	version, _, _ := sqlite3.Version()
	return version
}

// TileTables lists the tile tables in the GeoPackage, by name.
func (c *Container) TileTables() ([]string, error) {
	rows, err := c.handle.Query(`SELECT table_name FROM gpkg_contents WHERE data_type = ? ORDER BY table_name;`, tilesDataType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tables []string
	for rows.Next() {
		var name string
		if err = rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// SpatialReferenceSystem reads the gpkg_spatial_ref_sys entry for id.
func (c *Container) SpatialReferenceSystem(id int) (gpkg.SpatialReferenceSystem, error) {
	var srs gpkg.SpatialReferenceSystem
	var description sql.NullString
	row := c.handle.QueryRow(`SELECT srs_name, srs_id, organization, organization_coordsys_id, definition, description FROM gpkg_spatial_ref_sys WHERE srs_id = ?;`, id)
	err := row.Scan(&srs.Name, &srs.ID, &srs.Organization, &srs.OrganizationCoordsysID, &srs.Definition, &description)
	if errors.Is(err, sql.ErrNoRows) {
		return srs, fmt.Errorf("%w: %d", ErrUnknownSRS, id)
	}
	srs.Description = description.String
	return srs, err
}

func (c *Container) TableExists(table string) (bool, error) {
	var n int
	err := c.handle.QueryRow(`SELECT count(*) FROM gpkg_tile_matrix_set WHERE table_name = ?;`, table).Scan(&n)
	return n > 0, err
}

// CreateTileTable creates the tile table with its gpkg_contents and gpkg_tile_matrix_set
// entries. For an existing table only the tile matrix set is updated.
func (c *Container) CreateTileTable(set pyramid.TileMatrixSet) error {
	if err := set.Validate(); err != nil {
		return err
	}
	if err := c.ensureSRS(set.SRSID); err != nil {
		return err
	}
	tx, err := c.handle.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	b := set.BoundingBox
	statements := []struct {
		query string
		args  []any
	}{
		{query: createTileTableSQL(set.TableName)},
		{
			query: `INSERT INTO gpkg_contents(table_name, data_type, identifier, last_change, min_x, min_y, max_x, max_y, srs_id) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(table_name) DO UPDATE SET last_change = excluded.last_change, min_x = excluded.min_x, min_y = excluded.min_y, max_x = excluded.max_x, max_y = excluded.max_y, srs_id = excluded.srs_id;`,
			args: []any{set.TableName, tilesDataType, set.TableName, lastChange(), b[0], b[1], b[2], b[3], set.SRSID},
		},
		{
			query: `INSERT INTO gpkg_tile_matrix_set(table_name, srs_id, min_x, min_y, max_x, max_y) VALUES(?, ?, ?, ?, ?, ?)
				ON CONFLICT(table_name) DO UPDATE SET srs_id = excluded.srs_id, min_x = excluded.min_x, min_y = excluded.min_y, max_x = excluded.max_x, max_y = excluded.max_y;`,
			args: []any{set.TableName, set.SRSID, b[0], b[1], b[2], b[3]},
		},
	}
	for _, s := range statements {
		if _, err = tx.Exec(s.query, s.args...); err != nil {
			return fmt.Errorf("error creating tile table %s: %w", set.TableName, err)
		}
	}
	return tx.Commit()
}

// ensureSRS adds the projection to gpkg_spatial_ref_sys, unless it is unknown to the
// registry but already present in the GeoPackage.
func (c *Container) ensureSRS(id int) error {
	p, err := c.projections.Lookup(id)
	if err != nil {
		if _, srsErr := c.SpatialReferenceSystem(id); srsErr != nil {
			return fmt.Errorf("%w: %w", err, srsErr)
		}
		return nil
	}
	return c.handle.UpdateSRS(gpkg.SpatialReferenceSystem{
		Name:                   p.Name,
		ID:                     p.SRSID,
		Organization:           p.Organization,
		OrganizationCoordsysID: p.SRSID,
		Definition:             p.Definition,
		Description:            p.Name,
	})
}

func (c *Container) DeleteTileTable(table string) error {
	tx, err := c.handle.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck
	for _, query := range []string{
		`DELETE FROM gpkg_tile_matrix WHERE table_name = ?;`,
		`DELETE FROM gpkg_tile_matrix_set WHERE table_name = ?;`,
		`DELETE FROM gpkg_contents WHERE table_name = ?;`,
	} {
		if _, err = tx.Exec(query, table); err != nil {
			return err
		}
	}
	if _, err = tx.Exec(`DROP TABLE IF EXISTS ` + quoteIdentifier(table) + `;`); err != nil {
		return err
	}
	return tx.Commit()
}

func (c *Container) Catalog(table string) (*pyramid.Catalog, error) {
	set := pyramid.TileMatrixSet{TableName: table}
	var b geom.Extent
	err := c.handle.QueryRow(`SELECT srs_id, min_x, min_y, max_x, max_y FROM gpkg_tile_matrix_set WHERE table_name = ?;`, table).
		Scan(&set.SRSID, &b[0], &b[1], &b[2], &b[3])
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", tilestore.ErrNoSuchTable, table)
	}
	if err != nil {
		return nil, err
	}
	set.BoundingBox = b

	rows, err := c.handle.Query(`SELECT zoom_level, matrix_width, matrix_height, tile_width, tile_height, pixel_x_size, pixel_y_size
		FROM gpkg_tile_matrix WHERE table_name = ? ORDER BY zoom_level;`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var matrices []pyramid.TileMatrix
	for rows.Next() {
		var tm pyramid.TileMatrix
		if err = rows.Scan(&tm.ZoomLevel, &tm.MatrixWidth, &tm.MatrixHeight, &tm.TileWidth, &tm.TileHeight, &tm.PixelXSize, &tm.PixelYSize); err != nil {
			return nil, err
		}
		matrices = append(matrices, tm)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return pyramid.NewCatalog(set, matrices...)
}

func (c *Container) PutTileMatrix(table string, tm pyramid.TileMatrix) error {
	if err := tm.Validate(); err != nil {
		return err
	}
	if exists, err := c.TableExists(table); err != nil || !exists {
		if err == nil {
			err = fmt.Errorf("%w: %s", tilestore.ErrNoSuchTable, table)
		}
		return err
	}
	_, err := c.handle.Exec(`INSERT INTO gpkg_tile_matrix(table_name, zoom_level, matrix_width, matrix_height, tile_width, tile_height, pixel_x_size, pixel_y_size)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(table_name, zoom_level) DO UPDATE SET matrix_width = excluded.matrix_width, matrix_height = excluded.matrix_height,
			tile_width = excluded.tile_width, tile_height = excluded.tile_height, pixel_x_size = excluded.pixel_x_size, pixel_y_size = excluded.pixel_y_size;`,
		table, tm.ZoomLevel, tm.MatrixWidth, tm.MatrixHeight, tm.TileWidth, tm.TileHeight, tm.PixelXSize, tm.PixelYSize)
	return err
}

func (c *Container) Table(table string) (tilestore.Store, error) {
	exists, err := c.TableExists(table)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", tilestore.ErrNoSuchTable, table)
	}
	return &Table{handle: c.handle, name: table, quoted: quoteIdentifier(table)}, nil
}

// Table is one tile table.
type Table struct {
	handle *gpkg.Handle
	name   string
	quoted string
}

func (t *Table) Tile(column, row, zoom int) ([]byte, bool, error) {
	var data []byte
	err := t.handle.QueryRow(`SELECT tile_data FROM `+t.quoted+` WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?;`, zoom, column, row).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// VisitTiles reads the tiles of the grid before handing them to fn, so fn may write to
// the same GeoPackage.
func (t *Table) VisitTiles(grid pyramid.TileGrid, zoom int, fn func(tilestore.Tile) error) error {
	rows, err := t.handle.Query(`SELECT tile_column, tile_row, tile_data FROM `+t.quoted+`
		WHERE zoom_level = ? AND tile_column BETWEEN ? AND ? AND tile_row BETWEEN ? AND ?
		ORDER BY tile_row, tile_column;`,
		zoom, grid.MinColumn, grid.MaxColumn, grid.MinRow, grid.MaxRow)
	if err != nil {
		return err
	}
	var tiles []tilestore.Tile
	for rows.Next() {
		tile := tilestore.Tile{Zoom: zoom}
		if err = rows.Scan(&tile.Column, &tile.Row, &tile.Data); err != nil {
			rows.Close()
			return err
		}
		tiles = append(tiles, tile)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return err
	}
	for _, tile := range tiles {
		if err = fn(tile); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table) BoundingGrid(zoom int) (pyramid.TileGrid, bool, error) {
	var minColumn, minRow, maxColumn, maxRow sql.NullInt64
	err := t.handle.QueryRow(`SELECT min(tile_column), min(tile_row), max(tile_column), max(tile_row) FROM `+t.quoted+` WHERE zoom_level = ?;`, zoom).
		Scan(&minColumn, &minRow, &maxColumn, &maxRow)
	if err != nil || !minColumn.Valid {
		return pyramid.TileGrid{}, false, err
	}
	return pyramid.TileGrid{
		MinColumn: int(minColumn.Int64),
		MinRow:    int(minRow.Int64),
		MaxColumn: int(maxColumn.Int64),
		MaxRow:    int(maxRow.Int64),
	}, true, nil
}

func (t *Table) Upsert(column, row, zoom int, data []byte) error {
	_, err := t.handle.Exec(`INSERT INTO `+t.quoted+`(zoom_level, tile_column, tile_row, tile_data) VALUES(?, ?, ?, ?)
		ON CONFLICT(zoom_level, tile_column, tile_row) DO UPDATE SET tile_data = excluded.tile_data;`,
		zoom, column, row, data)
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("tile %d/%d/%d violates a constraint of %s: %w", zoom, column, row, t.name, err)
	}
	return err
}

// createTileTableSQL creates the tile table the way the GeoPackage standard describes it
func createTileTableSQL(table string) string {
	return `CREATE TABLE IF NOT EXISTS ` + quoteIdentifier(table) + ` (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	zoom_level INTEGER NOT NULL,
	tile_column INTEGER NOT NULL,
	tile_row INTEGER NOT NULL,
	tile_data BLOB NOT NULL,
	UNIQUE (zoom_level, tile_column, tile_row));`
}

func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func lastChange() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}
