package gpkg

import (
	"context"
	"image"
	"image/color"
	"image/draw"
	"path/filepath"
	"testing"

	"github.com/go-spatial/geom"
	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdok/tilepyramid/pyramid"
	"github.com/pdok/tilepyramid/raster"
	"github.com/pdok/tilepyramid/reproject"
	"github.com/pdok/tilepyramid/tilestore"
)

var testSet = pyramid.TileMatrixSet{TableName: "tiles", SRSID: 3857, BoundingBox: geom.Extent{0, 0, 1024, 1024}}

func testMatrix(zoom int) pyramid.TileMatrix {
	n := 1 << zoom
	return pyramid.TileMatrix{
		ZoomLevel:    zoom,
		MatrixWidth:  n,
		MatrixHeight: n,
		TileWidth:    256,
		TileHeight:   256,
		PixelXSize:   4 / float64(n),
		PixelYSize:   4 / float64(n),
	}
}

func openTest(t *testing.T) *Container {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "test.gpkg"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestContainer_CreateTileTable(t *testing.T) {
	c := openTest(t)

	exists, err := c.TableExists("tiles")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, c.CreateTileTable(testSet))
	exists, err = c.TableExists("tiles")
	require.NoError(t, err)
	assert.True(t, exists)

	tables, err := c.TileTables()
	require.NoError(t, err)
	assert.Equal(t, []string{"tiles"}, tables)

	srs, err := c.SpatialReferenceSystem(3857)
	require.NoError(t, err)
	assert.Equal(t, 3857, srs.ID)

	// creating again keeps the table
	require.NoError(t, c.CreateTileTable(testSet))

	assert.Error(t, c.CreateTileTable(pyramid.TileMatrixSet{TableName: "flat", SRSID: 3857, BoundingBox: geom.Extent{0, 0, 1, 0}}))
	assert.ErrorIs(t, c.CreateTileTable(pyramid.TileMatrixSet{TableName: "rd", SRSID: 28992, BoundingBox: geom.Extent{0, 0, 1, 1}}), ErrUnknownSRS)
}

func TestContainer_Catalog(t *testing.T) {
	c := openTest(t)
	require.NoError(t, c.CreateTileTable(testSet))
	require.NoError(t, c.PutTileMatrix("tiles", testMatrix(1)))
	require.NoError(t, c.PutTileMatrix("tiles", testMatrix(0)))
	require.NoError(t, c.PutTileMatrix("tiles", testMatrix(1)))

	catalog, err := c.Catalog("tiles")
	require.NoError(t, err)
	assert.Equal(t, testSet, catalog.Set)
	if diff := cmp.Diff([]pyramid.TileMatrix{testMatrix(0), testMatrix(1)}, catalog.Matrices()); diff != "" {
		t.Errorf("Catalog() mismatch (-want +got):\n%s", diff)
	}

	_, err = c.Catalog("nope")
	assert.ErrorIs(t, err, tilestore.ErrNoSuchTable)
	assert.ErrorIs(t, c.PutTileMatrix("nope", testMatrix(0)), tilestore.ErrNoSuchTable)
	assert.ErrorIs(t, c.PutTileMatrix("tiles", pyramid.TileMatrix{}), pyramid.ErrInvalidTileMatrix)
}

func TestTable(t *testing.T) {
	c := openTest(t)
	require.NoError(t, c.CreateTileTable(testSet))
	store, err := c.Table("tiles")
	require.NoError(t, err)

	for _, cell := range [][2]int{{3, 1}, {0, 1}, {2, 0}, {1, 3}} {
		require.NoError(t, store.Upsert(cell[0], cell[1], 2, []byte{byte(cell[0]), byte(cell[1])}))
	}
	require.NoError(t, store.Upsert(2, 0, 2, []byte("replaced")))

	data, ok, err := store.Tile(2, 0, 2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("replaced"), data)
	_, ok, err = store.Tile(2, 0, 3)
	require.NoError(t, err)
	assert.False(t, ok)

	grid, ok, err := store.BoundingGrid(2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, pyramid.TileGrid{MinColumn: 0, MinRow: 0, MaxColumn: 3, MaxRow: 3}, grid)
	_, ok, err = store.BoundingGrid(5)
	require.NoError(t, err)
	assert.False(t, ok)

	var visited [][2]int
	require.NoError(t, store.VisitTiles(pyramid.TileGrid{MinColumn: 0, MinRow: 0, MaxColumn: 3, MaxRow: 1}, 2, func(tile tilestore.Tile) error {
		assert.Equal(t, 2, tile.Zoom)
		visited = append(visited, [2]int{tile.Column, tile.Row})
		return nil
	}))
	assert.Equal(t, [][2]int{{2, 0}, {0, 1}, {3, 1}}, visited)

	_, err = c.Table("nope")
	assert.ErrorIs(t, err, tilestore.ErrNoSuchTable)
}

func TestContainer_DeleteTileTable(t *testing.T) {
	c := openTest(t)
	require.NoError(t, c.CreateTileTable(testSet))
	require.NoError(t, c.PutTileMatrix("tiles", testMatrix(0)))
	require.NoError(t, c.DeleteTileTable("tiles"))

	exists, err := c.TableExists("tiles")
	require.NoError(t, err)
	assert.False(t, exists)
	tables, err := c.TileTables()
	require.NoError(t, err)
	assert.Empty(t, tables)
}

func TestReprojectWithinGeoPackage(t *testing.T) {
	c := openTest(t)
	require.NoError(t, c.CreateTileTable(testSet))
	require.NoError(t, c.PutTileMatrix("tiles", testMatrix(0)))
	store, err := c.Table("tiles")
	require.NoError(t, err)
	require.NoError(t, store.Upsert(0, 0, 0, redTile(t)))

	logger, _ := test.NewNullLogger()
	r, err := reproject.New(c, reproject.Options{SourceTable: "tiles", TargetTable: "copy", Logger: logger})
	require.NoError(t, err)
	written, err := r.Reproject(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, written)

	catalog, err := c.Catalog("copy")
	require.NoError(t, err)
	assert.Equal(t, []int{0}, catalog.Zooms())
	copied, err := c.Table("copy")
	require.NoError(t, err)
	_, ok, err := copied.Tile(0, 0, 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func redTile(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 256, 256))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{R: 255, A: 255}), image.Point{}, draw.Src)
	codec, err := raster.NewCodec("png")
	require.NoError(t, err)
	data, err := codec.Encode(img)
	require.NoError(t, err)
	return data
}
