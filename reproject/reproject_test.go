package reproject

import (
	"context"
	"image"
	"image/color"
	"testing"

	"github.com/go-spatial/geom"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdok/tilepyramid/proj"
	"github.com/pdok/tilepyramid/pyramid"
	"github.com/pdok/tilepyramid/raster"
	"github.com/pdok/tilepyramid/tilestore"
)

const half = 20037508.342789244

var (
	red   = color.RGBA{R: 255, A: 255}
	green = color.RGBA{G: 255, A: 255}
	blue  = color.RGBA{B: 255, A: 255}
	white = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

func mercatorMatrix(zoom int) pyramid.TileMatrix {
	n := 1 << zoom
	return pyramid.TileMatrix{
		ZoomLevel:    zoom,
		MatrixWidth:  n,
		MatrixHeight: n,
		TileWidth:    256,
		TileHeight:   256,
		PixelXSize:   2 * half / float64(256*n),
		PixelYSize:   2 * half / float64(256*n),
	}
}

// quadrantColour is red, green, white and blue, clockwise from the top left.
func quadrantColour(right, bottom bool) color.RGBA {
	switch {
	case !right && !bottom:
		return red
	case right && !bottom:
		return green
	case right && bottom:
		return white
	default:
		return blue
	}
}

func filled(c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 256, 256))
	for y := 0; y < 256; y++ {
		for x := 0; x < 256; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func quadrants() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 256, 256))
	for y := 0; y < 256; y++ {
		for x := 0; x < 256; x++ {
			img.SetRGBA(x, y, quadrantColour(x >= 128, y >= 128))
		}
	}
	return img
}

// newWorld stores a two level Web Mercator pyramid in table "world": zoom 0 is one tile
// with four coloured quadrants, zoom 1 has one plain tile per quadrant.
func newWorld(t *testing.T) *tilestore.Memory {
	t.Helper()
	codec, err := raster.NewCodec("png")
	require.NoError(t, err)
	m := tilestore.NewMemory()
	set := pyramid.TileMatrixSet{TableName: "world", SRSID: 3857, BoundingBox: geom.Extent{-half, -half, half, half}}
	require.NoError(t, m.CreateTileTable(set))
	require.NoError(t, m.PutTileMatrix("world", mercatorMatrix(0)))
	require.NoError(t, m.PutTileMatrix("world", mercatorMatrix(1)))
	store, err := m.Table("world")
	require.NoError(t, err)

	data, err := codec.Encode(quadrants())
	require.NoError(t, err)
	require.NoError(t, store.Upsert(0, 0, 0, data))
	for row := 0; row < 2; row++ {
		for column := 0; column < 2; column++ {
			data, err = codec.Encode(filled(quadrantColour(column == 1, row == 1)))
			require.NoError(t, err)
			require.NoError(t, store.Upsert(column, row, 1, data))
		}
	}
	return m
}

func quietLogger() logrus.FieldLogger {
	logger, _ := test.NewNullLogger()
	return logger
}

func decodeTile(t *testing.T, m *tilestore.Memory, table string, column, row, zoom int) *image.RGBA {
	t.Helper()
	store, err := m.Table(table)
	require.NoError(t, err)
	data, ok, err := store.Tile(column, row, zoom)
	require.NoError(t, err)
	require.True(t, ok, "tile %d/%d/%d in %s", zoom, column, row, table)
	img, err := (&raster.ImageCodec{Format: "png"}).Decode(data)
	require.NoError(t, err)
	rgba := image.NewRGBA(img.Bounds())
	for y := img.Bounds().Min.Y; y < img.Bounds().Max.Y; y++ {
		for x := img.Bounds().Min.X; x < img.Bounds().Max.X; x++ {
			rgba.Set(x, y, img.At(x, y))
		}
	}
	return rgba
}

// cancelAfter cancels its context once n tiles were written.
type cancelAfter struct {
	n      int
	max    int
	done   int
	cancel context.CancelFunc
}

func (c *cancelAfter) SetMax(max int) {
	c.max = max
}

func (c *cancelAfter) AddProgress(n int) {
	c.done += n
	if c.done >= c.n {
		c.cancel()
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{name: "defaults", opts: Options{SourceTable: "world"}},
		{name: "jpeg", opts: Options{SourceTable: "world", Format: "jpeg", Interpolation: "bilinear"}},
		{name: "no source table", opts: Options{}, wantErr: true},
		{name: "unknown format", opts: Options{SourceTable: "world", Format: "tiff"}, wantErr: true},
		{name: "unknown interpolation", opts: Options{SourceTable: "world", Interpolation: "lanczos"}, wantErr: true},
		{name: "negative tile width", opts: Options{SourceTable: "world", TileWidth: -1}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := New(tilestore.NewMemory(), tt.opts)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidOptions)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, NotStarted, r.State())
		})
	}
}

func TestReproject_SameProjection(t *testing.T) {
	m := newWorld(t)
	r, err := New(m, Options{SourceTable: "world", TargetTable: "copy", Logger: quietLogger()})
	require.NoError(t, err)

	written, err := r.Reproject(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, written)
	assert.Equal(t, Completed, r.State())

	source, err := m.Catalog("world")
	require.NoError(t, err)
	target, err := m.Catalog("copy")
	require.NoError(t, err)
	assert.Equal(t, source.Set.BoundingBox, target.Set.BoundingBox)
	assert.Equal(t, source.Matrices(), target.Matrices())

	for _, c := range [][3]int{{0, 0, 0}, {0, 0, 1}, {1, 0, 1}, {0, 1, 1}, {1, 1, 1}} {
		want := decodeTile(t, m, "world", c[0], c[1], c[2])
		got := decodeTile(t, m, "copy", c[0], c[1], c[2])
		assert.Equal(t, want.Pix, got.Pix, "tile %v", c)
	}
}

func TestReproject_DefaultTargetTable(t *testing.T) {
	m := newWorld(t)
	r, err := New(m, Options{SourceTable: "world", TargetSRSID: 4326, Zooms: []int{0}, Logger: quietLogger()})
	require.NoError(t, err)
	_, err = r.Reproject(context.Background())
	require.NoError(t, err)

	exists, err := m.TableExists("world_4326")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestReproject_Cancel(t *testing.T) {
	m := newWorld(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	progress := &cancelAfter{n: 3, cancel: cancel}
	r, err := New(m, Options{SourceTable: "world", TargetTable: "copy", Progress: progress, Logger: quietLogger()})
	require.NoError(t, err)

	written, err := r.Reproject(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, written)
	assert.Equal(t, 3, m.Upserts("copy"))
	assert.Equal(t, 5, progress.max)
	assert.Equal(t, Cancelled, r.State())

	// the partly written zoom level is registered with its tile matrix
	target, err := m.Catalog("copy")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, target.Zooms())

	written, err = r.Reproject(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, written)
	assert.Equal(t, 8, m.Upserts("copy"))
	assert.Equal(t, Completed, r.State())
}

func TestReproject_AlreadyRunning(t *testing.T) {
	r, err := New(newWorld(t), Options{SourceTable: "world", Logger: quietLogger()})
	require.NoError(t, err)
	r.state.Store(int32(Running))

	_, err = r.Reproject(context.Background())
	assert.ErrorIs(t, err, ErrRunning)
	assert.Equal(t, Running, r.State())
}

func TestReproject_InPlaceGeometryChange(t *testing.T) {
	m := newWorld(t)
	r, err := New(m, Options{SourceTable: "world", TileWidth: 512, TileHeight: 512, Logger: quietLogger()})
	require.NoError(t, err)

	written, err := r.Reproject(context.Background())
	assert.ErrorIs(t, err, ErrInPlaceGeometryChange)
	assert.Zero(t, written)
	assert.Equal(t, Failed, r.State())
	assert.Equal(t, 5, m.Upserts("world"))
}

func TestReproject_InPlace(t *testing.T) {
	m := newWorld(t)
	r, err := New(m, Options{SourceTable: "world", Zooms: []int{1}, Logger: quietLogger()})
	require.NoError(t, err)

	written, err := r.Reproject(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, written)
	assert.Equal(t, green, decodeTile(t, m, "world", 1, 0, 1).RGBAAt(100, 100))
}

func TestReproject_UnknownSource(t *testing.T) {
	r, err := New(tilestore.NewMemory(), Options{SourceTable: "nope", Logger: quietLogger()})
	require.NoError(t, err)
	_, err = r.Reproject(context.Background())
	assert.ErrorIs(t, err, tilestore.ErrNoSuchTable)
	assert.Equal(t, Failed, r.State())
}

func TestReproject_ToGeographic(t *testing.T) {
	m := newWorld(t)
	r, err := New(m, Options{SourceTable: "world", TargetTable: "geo", TargetSRSID: 4326, Logger: quietLogger()})
	require.NoError(t, err)

	written, err := r.Reproject(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, written)

	target, err := m.Catalog("geo")
	require.NoError(t, err)
	assert.Equal(t, 4326, target.Set.SRSID)
	assert.InDelta(t, -180, target.Set.BoundingBox[0], 1e-6)
	assert.InDelta(t, 180, target.Set.BoundingBox[2], 1e-6)
	assert.InDelta(t, proj.MaxMercatorLatitude, target.Set.BoundingBox[3], 1e-6)
	assert.Equal(t, []int{0, 1}, target.Zooms())

	overview := decodeTile(t, m, "geo", 0, 0, 0)
	assert.Equal(t, red, overview.RGBAAt(10, 10))
	assert.Equal(t, green, overview.RGBAAt(245, 10))
	assert.Equal(t, white, overview.RGBAAt(245, 245))
	assert.Equal(t, blue, overview.RGBAAt(10, 245))
	for row := 0; row < 2; row++ {
		for column := 0; column < 2; column++ {
			tile := decodeTile(t, m, "geo", column, row, 1)
			assert.Equal(t, quadrantColour(column == 1, row == 1), tile.RGBAAt(128, 128), "tile %d/%d", column, row)
		}
	}
}

func TestReproject_Optimize(t *testing.T) {
	m := newWorld(t)
	r, err := New(m, Options{SourceTable: "world", TargetTable: "crs84", TargetSRSID: 4326, Optimize: "WorldCRS84Quad", Logger: quietLogger()})
	require.NoError(t, err)

	written, err := r.Reproject(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, written)

	target, err := m.Catalog("crs84")
	require.NoError(t, err)
	assert.Equal(t, geom.Extent{-180, -90, 180, 90}, target.Set.BoundingBox)
	tm, ok := target.MatrixAt(0)
	require.True(t, ok)
	assert.Equal(t, 2, tm.MatrixWidth)
	assert.Equal(t, 1, tm.MatrixHeight)

	west := decodeTile(t, m, "crs84", 0, 0, 0)
	assert.Equal(t, red, west.RGBAAt(128, 64))
	assert.Equal(t, blue, west.RGBAAt(128, 192))
	east := decodeTile(t, m, "crs84", 1, 0, 0)
	assert.Equal(t, green, east.RGBAAt(128, 64))
	assert.Equal(t, white, east.RGBAAt(128, 192))
}

func TestMakePlan(t *testing.T) {
	source, err := pyramid.NewCatalog(
		pyramid.TileMatrixSet{TableName: "world", SRSID: 3857, BoundingBox: geom.Extent{-half, -half, half, half}},
		mercatorMatrix(0), mercatorMatrix(1), mercatorMatrix(2),
	)
	require.NoError(t, err)
	registry := proj.DefaultRegistry()
	same, err := registry.Transformer(3857, 3857)
	require.NoError(t, err)
	toGeographic, err := registry.Transformer(3857, 4326)
	require.NoError(t, err)
	one := 1

	tests := []struct {
		name            string
		toTarget        proj.Transformer
		opts            Options
		wantZooms       []int
		wantSourceZooms []int
		wantErr         error
	}{
		{
			name:            "all zooms",
			toTarget:        same,
			opts:            Options{SourceTable: "world", TargetTable: "t"},
			wantZooms:       []int{0, 1, 2},
			wantSourceZooms: []int{0, 1, 2},
		},
		{
			name:            "selected zooms",
			toTarget:        same,
			opts:            Options{SourceTable: "world", TargetTable: "t", Zooms: []int{2, 0, 7}},
			wantZooms:       []int{0, 2},
			wantSourceZooms: []int{0, 2},
		},
		{
			name:            "single source zoom",
			toTarget:        toGeographic,
			opts:            Options{SourceTable: "world", TargetTable: "t", SourceZoom: &one},
			wantZooms:       []int{0, 1, 2},
			wantSourceZooms: []int{1, 1, 1},
		},
		{
			name:            "optimized",
			toTarget:        toGeographic,
			opts:            Options{SourceTable: "world", TargetTable: "t", Optimize: "WorldCRS84Quad"},
			wantZooms:       []int{0, 1},
			wantSourceZooms: []int{1, 2},
		},
		{
			name:     "no zooms left",
			toTarget: same,
			opts:     Options{SourceTable: "world", TargetTable: "t", Zooms: []int{5}},
			wantErr:  ErrInvalidOptions,
		},
		{
			name:     "missing source zoom",
			toTarget: same,
			opts:     Options{SourceTable: "world", TargetTable: "t", SourceZoom: func() *int { z := 9; return &z }()},
			wantErr:  ErrInvalidOptions,
		},
		{
			name:     "optimized in another projection",
			toTarget: same,
			opts:     Options{SourceTable: "world", TargetTable: "t", Optimize: "WorldCRS84Quad"},
			wantErr:  ErrInvalidOptions,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := makePlan(source, tt.toTarget, tt.opts)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "t", p.set.TableName)
			assert.Equal(t, tt.toTarget.To.SRSID, p.set.SRSID)
			assert.Equal(t, tt.wantZooms, p.targetZooms())
			sourceZooms := make([]int, 0, len(tt.wantZooms))
			for _, s := range p.ordered() {
				sourceZooms = append(sourceZooms, s.sourceZoom)
				require.NoError(t, s.target.Validate())
			}
			assert.Equal(t, tt.wantSourceZooms, sourceZooms)
		})
	}
}

func TestWithTileSize(t *testing.T) {
	tm := withTileSize(mercatorMatrix(1), 512, 0)
	assert.Equal(t, 512, tm.TileWidth)
	assert.Equal(t, 256, tm.TileHeight)
	assert.InDelta(t, mercatorMatrix(1).TileSpanX(), tm.TileSpanX(), 1e-6)
	assert.InDelta(t, mercatorMatrix(1).PixelXSize/2, tm.PixelXSize, 1e-9)
	assert.Equal(t, mercatorMatrix(1).PixelYSize, tm.PixelYSize)
}

func TestDerived(t *testing.T) {
	set := pyramid.TileMatrixSet{TableName: "t", SRSID: 4326, BoundingBox: geom.Extent{-180, -90, 180, 90}}
	tm := derived(mercatorMatrix(1), set, 0, 0)
	assert.Equal(t, 2, tm.MatrixWidth)
	assert.Equal(t, 2, tm.MatrixHeight)
	assert.InDelta(t, 360.0/512, tm.PixelXSize, 1e-12)
	assert.InDelta(t, 180.0/512, tm.PixelYSize, 1e-12)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "cancelled", Cancelled.String())
	assert.Equal(t, "State(42)", State(42).String())
}
