package geomhelp

import (
	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/encoding/wkt"
	"github.com/muesli/reflow/truncate"
)

// ExtentPolygon is the closed ring around e, counter clockwise from the bottom left.
func ExtentPolygon(e geom.Extent) geom.Polygon {
	return geom.Polygon{{
		{e[0], e[1]},
		{e[2], e[1]},
		{e[2], e[3]},
		{e[0], e[3]},
		{e[0], e[1]},
	}}
}

// Coverage is the share of the area of outer that inner covers.
func Coverage(inner, outer geom.Extent) float64 {
	o := outer.Area()
	if o == 0 {
		return 0
	}
	return inner.Area() / o
}

// WktMustEncode encodes g, cut off at maxLen runes when maxLen is not 0.
func WktMustEncode(g geom.Geometry, maxLen uint) string {
	if maxLen == 0 {
		return wkt.MustEncode(g)
	}
	return truncate.StringWithTail(wkt.MustEncode(g), maxLen, "...")
}
