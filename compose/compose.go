// Package compose assembles the image for an arbitrary bounding box out of the stored
// tiles of a pyramid, reprojecting when the request is in another projection.
package compose

import (
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/creasty/defaults"
	"github.com/go-spatial/geom"
	"github.com/sirupsen/logrus"
	xdraw "golang.org/x/image/draw"

	"github.com/pdok/tilepyramid/mathhelp"
	"github.com/pdok/tilepyramid/proj"
	"github.com/pdok/tilepyramid/pyramid"
	"github.com/pdok/tilepyramid/raster"
	"github.com/pdok/tilepyramid/tilestore"
)

// Request asks for the image covering BoundingBox.
type Request struct {
	BoundingBox geom.Extent
	// SRSID of BoundingBox; 0 means the storage projection.
	SRSID int
	// Width and Height in pixels; 0 means the tile size of the selected tile matrix.
	Width  int
	Height int
	// Zoom forces a tile matrix instead of selecting one for the bounding box.
	Zoom *int
}

type config struct {
	Interpolation string `default:"nearest"`
	Format        string `default:"png"`
}

// Retriever reads a single tile table. It is not safe for concurrent use when the
// underlying store is not.
type Retriever struct {
	catalog      *pyramid.Catalog
	store        tilestore.Reader
	projections  *proj.Registry
	codec        raster.Codec
	interpolator xdraw.Interpolator
	logger       logrus.FieldLogger
	config       config
}

type Option func(*Retriever)

func WithLogger(logger logrus.FieldLogger) Option {
	return func(r *Retriever) {
		r.logger = logger
	}
}

func WithProjections(projections *proj.Registry) Option {
	return func(r *Retriever) {
		r.projections = projections
	}
}

func WithCodec(codec raster.Codec) Option {
	return func(r *Retriever) {
		r.codec = codec
	}
}

// WithInterpolation sets how tile regions are scaled into the output, see
// raster.Interpolator for the names.
func WithInterpolation(name string) Option {
	return func(r *Retriever) {
		r.config.Interpolation = name
	}
}

// WithFormat sets the encoding GetTile returns, when no codec is given.
func WithFormat(format string) Option {
	return func(r *Retriever) {
		r.config.Format = format
	}
}

func New(catalog *pyramid.Catalog, store tilestore.Reader, opts ...Option) (*Retriever, error) {
	if catalog == nil || catalog.Len() == 0 {
		return nil, stageError(StageSelection, pyramid.ErrNoTileMatrices)
	}
	r := &Retriever{catalog: catalog, store: store}
	for _, opt := range opts {
		opt(r)
	}
	if err := defaults.Set(&r.config); err != nil {
		return nil, err
	}
	var err error
	if r.interpolator, err = raster.Interpolator(r.config.Interpolation); err != nil {
		return nil, err
	}
	if r.codec == nil {
		if r.codec, err = raster.NewCodec(r.config.Format); err != nil {
			return nil, err
		}
	}
	if r.projections == nil {
		r.projections = proj.DefaultRegistry()
	}
	if r.logger == nil {
		r.logger = logrus.StandardLogger()
	}
	return r, nil
}

func (r *Retriever) Catalog() *pyramid.Catalog {
	return r.catalog
}

func (r *Retriever) ContentType() string {
	return r.codec.ContentType()
}

// plan is a request resolved against the storage projection and a tile matrix.
type plan struct {
	request     Request
	storageBox  geom.Extent
	tm          pyramid.TileMatrix
	width       int
	height      int
	transformer proj.Transformer
	resample    bool
}

func (r *Retriever) plan(req Request) (plan, bool, error) {
	p := plan{request: req, storageBox: req.BoundingBox}
	storageSRS := r.catalog.Set.SRSID
	if req.SRSID != 0 && req.SRSID != storageSRS {
		t, err := r.projections.Transformer(req.SRSID, storageSRS)
		if err != nil {
			return p, false, stageError(StageTransform, err)
		}
		if !t.Identity() {
			p.transformer = t
			p.storageBox = t.TransformBox(req.BoundingBox)
			p.resample = !t.SameUnits()
		}
	}
	if !(p.storageBox.XSpan() > 0) || !(p.storageBox.YSpan() > 0) {
		return p, false, nil
	}

	var ok bool
	if req.Zoom != nil {
		p.tm, ok = r.catalog.MatrixAt(*req.Zoom)
	} else {
		p.tm, ok = r.catalog.SelectMatrix(p.storageBox.XSpan(), p.storageBox.YSpan())
	}
	if !ok {
		return p, false, nil
	}

	p.width, p.height = req.Width, req.Height
	if p.width <= 0 {
		p.width = p.tm.TileWidth
	}
	if p.height <= 0 {
		p.height = p.tm.TileHeight
	}
	return p, true, nil
}

// HasTile reports whether any stored tile overlaps the request. Tiles are not decoded.
func (r *Retriever) HasTile(req Request) (bool, error) {
	p, ok, err := r.plan(req)
	if err != nil || !ok {
		return false, err
	}
	grid, ok := r.catalog.TileGrid(p.storageBox, p.tm)
	if !ok {
		return false, nil
	}
	found := false
	err = r.store.VisitTiles(grid, p.tm.ZoomLevel, func(tile tilestore.Tile) error {
		footprint := r.catalog.TileBoundingBox(p.tm, tile.Column, tile.Row)
		if _, overlaps := pyramid.Intersect(footprint, p.storageBox); overlaps {
			found = true
			return errStopVisit
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopVisit) {
		return false, stageError(StageStorage, err)
	}
	return found, nil
}

// Composite draws the stored tiles overlapping the request into a new image. When no
// tile overlaps, there is no image.
func (r *Retriever) Composite(req Request) (*image.RGBA, bool, error) {
	p, ok, err := r.plan(req)
	if err != nil || !ok {
		return nil, false, err
	}
	if !p.resample {
		return r.composite(p.storageBox, p.tm, p.width, p.height)
	}

	// composite the part within the set at the native resolution of the tile matrix
	// first, then warp
	sourceBox, ok := pyramid.Intersect(p.storageBox, r.catalog.Set.BoundingBox)
	if !ok {
		return nil, false, nil
	}
	nativeWidth := nativeSize(sourceBox.XSpan(), p.tm.PixelXSize, p.width, sourceBox.XSpan()/p.storageBox.XSpan())
	nativeHeight := nativeSize(sourceBox.YSpan(), p.tm.PixelYSize, p.height, sourceBox.YSpan()/p.storageBox.YSpan())
	source, ok, err := r.composite(sourceBox, p.tm, nativeWidth, nativeHeight)
	if err != nil || !ok {
		return nil, false, err
	}
	return Resample(source, sourceBox, req.BoundingBox, p.width, p.height, p.transformer), true, nil
}

// maxOversample is the most source pixels per output pixel, per axis, an intermediate
// image gets.
const maxOversample = 2

// nativeSize is the number of pixels of pixelSize along span, at most maxOversample times
// the size output pixels that cover fraction of the request.
func nativeSize(span, pixelSize float64, size int, fraction float64) int {
	native := mathhelp.AtLeastOne(mathhelp.RoundInt(span / pixelSize))
	limit := mathhelp.AtLeastOne(int(math.Ceil(maxOversample * float64(size) * fraction)))
	return min(native, limit)
}

// GetTile is Composite followed by encoding.
func (r *Retriever) GetTile(req Request) ([]byte, bool, error) {
	img, ok, err := r.Composite(req)
	if err != nil || !ok {
		return nil, false, err
	}
	data, err := r.codec.Encode(img)
	if err != nil {
		return nil, false, stageError(StageEncode, err)
	}
	return data, true, nil
}

var errStopVisit = errors.New("stop visiting tiles")

func (r *Retriever) composite(box geom.Extent, tm pyramid.TileMatrix, width, height int) (*image.RGBA, bool, error) {
	grid, ok := r.catalog.TileGrid(box, tm)
	if !ok {
		return nil, false, nil
	}
	var out *image.RGBA
	var decodeErrs []error
	err := r.store.VisitTiles(grid, tm.ZoomLevel, func(tile tilestore.Tile) error {
		footprint := r.catalog.TileBoundingBox(tm, tile.Column, tile.Row)
		overlap, overlaps := pyramid.Intersect(footprint, box)
		if !overlaps {
			return nil
		}
		img, err := r.codec.Decode(tile.Data)
		if err != nil {
			r.logger.WithFields(logrus.Fields{"zoom": tile.Zoom, "column": tile.Column, "row": tile.Row}).
				Warnf("skipping tile: %v", err)
			decodeErrs = append(decodeErrs, fmt.Errorf("tile %d/%d/%d: %w", tile.Zoom, tile.Column, tile.Row, err))
			return nil
		}
		dst := pixelRect(overlap, box, image.Rect(0, 0, width, height))
		if dst.Empty() {
			return nil
		}
		src := atLeastOnePixel(pixelRect(overlap, footprint, img.Bounds()), img.Bounds())
		if src.Empty() {
			return nil
		}
		if out == nil {
			out = image.NewRGBA(image.Rect(0, 0, width, height))
		}
		raster.DrawRegion(out, dst, img, src, r.interpolator)
		return nil
	})
	if err != nil {
		return nil, false, stageError(StageStorage, err)
	}
	if out == nil {
		if len(decodeErrs) > 0 {
			return nil, false, stageError(StageComposite, errors.Join(decodeErrs...))
		}
		return nil, false, nil
	}
	return out, true, nil
}

// pixelRect maps area, which lies within box, onto the pixels of bounds that cover box.
// The y axis flips: rows go down, coordinates go up.
func pixelRect(area, box geom.Extent, bounds image.Rectangle) image.Rectangle {
	w, h := float64(bounds.Dx()), float64(bounds.Dy())
	spanX, spanY := box.XSpan(), box.YSpan()
	x0 := mathhelp.RoundInt((area[0] - box[0]) / spanX * w)
	x1 := mathhelp.RoundInt((area[2] - box[0]) / spanX * w)
	y0 := mathhelp.RoundInt((box[3] - area[3]) / spanY * h)
	y1 := mathhelp.RoundInt((box[3] - area[1]) / spanY * h)
	r := image.Rect(
		mathhelp.Clamp(x0, 0, bounds.Dx()),
		mathhelp.Clamp(y0, 0, bounds.Dy()),
		mathhelp.Clamp(x1, 0, bounds.Dx()),
		mathhelp.Clamp(y1, 0, bounds.Dy()),
	)
	return r.Add(bounds.Min)
}

// atLeastOnePixel widens a source rectangle that rounded to nothing, which happens when
// a few output pixels magnify a sliver of a tile.
func atLeastOnePixel(r, bounds image.Rectangle) image.Rectangle {
	if r.Dx() == 0 {
		r.Max.X = r.Min.X + 1
		if r.Max.X > bounds.Max.X {
			r.Min.X, r.Max.X = bounds.Max.X-1, bounds.Max.X
		}
	}
	if r.Dy() == 0 {
		r.Max.Y = r.Min.Y + 1
		if r.Max.Y > bounds.Max.Y {
			r.Min.Y, r.Max.Y = bounds.Max.Y-1, bounds.Max.Y
		}
	}
	return r.Intersect(bounds)
}
