package reproject

import (
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/pdok/tilepyramid/mapslicehelp"
	"github.com/pdok/tilepyramid/proj"
	"github.com/pdok/tilepyramid/pyramid"
	"github.com/pdok/tilepyramid/tms20"
)

// step is the work for one target zoom level.
type step struct {
	sourceZoom int
	target     pyramid.TileMatrix
}

// plan maps target zoom levels, ascending, to their source and target geometry.
type plan struct {
	set   pyramid.TileMatrixSet
	steps *orderedmap.OrderedMap[int, step]
}

func (p plan) targetZooms() []int {
	return mapslicehelp.OrderedMapKeys(p.steps)
}

// ordered returns the steps by ascending target zoom.
func (p plan) ordered() []step {
	return mapslicehelp.OrderedMapValues(p.steps)
}

func (p plan) String() string {
	s := ""
	for pair := p.steps.Oldest(); pair != nil; pair = pair.Next() {
		s += fmt.Sprintf(" %d<-%d", pair.Key, pair.Value.sourceZoom)
	}
	return "zooms" + s
}

// makePlan works out the target tile matrix set and, per target zoom, which source zoom
// supplies it and what the target tile matrix looks like.
func makePlan(source *pyramid.Catalog, toTarget proj.Transformer, opts Options) (plan, error) {
	zooms := source.Zooms()
	if opts.Zooms != nil {
		zooms = mapslicehelp.KeepKeys(zooms, mapslicehelp.AsKeys(opts.Zooms))
	}
	if len(zooms) == 0 {
		return plan{}, fmt.Errorf("%w: none of the zoom levels %v exist in %s", ErrInvalidOptions, opts.Zooms, opts.SourceTable)
	}
	if opts.SourceZoom != nil {
		if _, ok := source.MatrixAt(*opts.SourceZoom); !ok {
			return plan{}, fmt.Errorf("%w: source zoom %d does not exist in %s", ErrInvalidOptions, *opts.SourceZoom, opts.SourceTable)
		}
	}

	if opts.Optimize != "" {
		return optimizedPlan(source, toTarget, zooms, opts)
	}

	p := plan{set: source.Set, steps: orderedmap.New[int, step]()}
	p.set.TableName = opts.TargetTable
	p.set.SRSID = toTarget.To.SRSID
	if !toTarget.Identity() {
		p.set.BoundingBox = toTarget.TransformBox(source.Set.BoundingBox)
	}
	for _, z := range zooms {
		sm, _ := source.MatrixAt(z)
		var tm pyramid.TileMatrix
		if toTarget.Identity() {
			tm = withTileSize(sm, opts.TileWidth, opts.TileHeight)
		} else {
			tm = derived(sm, p.set, opts.TileWidth, opts.TileHeight)
		}
		p.steps.Set(z, step{sourceZoom: sourceZoom(z, opts), target: tm})
	}
	return p, nil
}

// optimizedPlan aligns the target with a well known tile matrix set: every source zoom
// is written to the tile matrix closest to its resolution. When several source zooms
// end up at the same tile matrix, the finest one supplies it. Closeness only grows with
// zoom, so target zooms are added in ascending order.
func optimizedPlan(source *pyramid.Catalog, toTarget proj.Transformer, zooms []int, opts Options) (plan, error) {
	tms, err := tms20.LoadTileMatrixSet(opts.Optimize)
	if err != nil {
		return plan{}, fmt.Errorf("%w: tile matrix set %s: %w", ErrInvalidOptions, opts.Optimize, err)
	}
	set, err := tms.PyramidSet(opts.TargetTable)
	if err != nil {
		return plan{}, err
	}
	if set.SRSID != toTarget.To.SRSID {
		return plan{}, fmt.Errorf("%w: tile matrix set %s is in EPSG:%d, not EPSG:%d", ErrInvalidOptions, opts.Optimize, set.SRSID, toTarget.To.SRSID)
	}

	// ratio between target and source units, over the extent of the source set
	sourceBox := source.Set.BoundingBox
	targetBox := toTarget.TransformBox(sourceBox)
	unitRatio := targetBox.XSpan() / sourceBox.XSpan()

	p := plan{set: set, steps: orderedmap.New[int, step]()}
	for _, z := range zooms {
		sm, _ := source.MatrixAt(z)
		targetZoom, _ := tms.ClosestTileMatrix(sm.PixelXSize * unitRatio)
		tm, err := tms.PyramidMatrix(targetZoom)
		if err != nil {
			return plan{}, err
		}
		p.steps.Set(targetZoom, step{sourceZoom: sourceZoom(z, opts), target: withTileSize(tm, opts.TileWidth, opts.TileHeight)})
	}
	return p, nil
}

func sourceZoom(targetZoom int, opts Options) int {
	if opts.SourceZoom != nil {
		return *opts.SourceZoom
	}
	return targetZoom
}

// withTileSize changes the pixel dimensions of the tiles, keeping their footprint.
func withTileSize(tm pyramid.TileMatrix, tileWidth, tileHeight int) pyramid.TileMatrix {
	if tileWidth > 0 && tileWidth != tm.TileWidth {
		tm.PixelXSize = tm.TileSpanX() / float64(tileWidth)
		tm.TileWidth = tileWidth
	}
	if tileHeight > 0 && tileHeight != tm.TileHeight {
		tm.PixelYSize = tm.TileSpanY() / float64(tileHeight)
		tm.TileHeight = tileHeight
	}
	return tm
}

// derived keeps the number of tiles of the source matrix and spreads them over the
// target set's bounding box.
func derived(sm pyramid.TileMatrix, set pyramid.TileMatrixSet, tileWidth, tileHeight int) pyramid.TileMatrix {
	tm := sm
	if tileWidth > 0 {
		tm.TileWidth = tileWidth
	}
	if tileHeight > 0 {
		tm.TileHeight = tileHeight
	}
	b := set.BoundingBox
	tm.PixelXSize = b.XSpan() / float64(tm.MatrixWidth*tm.TileWidth)
	tm.PixelYSize = b.YSpan() / float64(tm.MatrixHeight*tm.TileHeight)
	return tm
}
