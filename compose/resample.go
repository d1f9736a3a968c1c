package compose

import (
	"image"
	"math"

	"github.com/go-spatial/geom"
	"github.com/paulmach/orb"

	"github.com/pdok/tilepyramid/mathhelp"
	"github.com/pdok/tilepyramid/proj"
	"github.com/pdok/tilepyramid/raster"
)

// Resample warps source, which covers sourceBox in the storage projection, into a
// width by height image covering targetBox in the request projection. toSource
// transforms request coordinates into storage coordinates.
//
// Every target pixel samples the source pixel its centre lands on (nearest neighbour).
// Centres landing within a pixel outside the source are clamped onto its edge, those
// further out stay transparent.
func Resample(source *image.RGBA, sourceBox, targetBox geom.Extent, width, height int, toSource proj.Transformer) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, width, height))
	sb := source.Bounds()
	sourceWidth, sourceHeight := float64(sb.Dx()), float64(sb.Dy())
	sourceSpanX, sourceSpanY := sourceBox.XSpan(), sourceBox.YSpan()
	targetSpanX, targetSpanY := targetBox.XSpan(), targetBox.YSpan()

	for y := 0; y < height; y++ {
		cy := targetBox[3] - (float64(y)+0.5)/float64(height)*targetSpanY
		for x := 0; x < width; x++ {
			cx := targetBox[0] + (float64(x)+0.5)/float64(width)*targetSpanX
			p := toSource.Forward(orb.Point{cx, cy})
			fx := (p[0] - sourceBox[0]) / sourceSpanX * sourceWidth
			fy := (sourceBox[3] - p[1]) / sourceSpanY * sourceHeight
			if fx < -1 || fy < -1 || fx > sourceWidth+1 || fy > sourceHeight+1 {
				continue
			}
			sx := mathhelp.Clamp(int(math.Floor(fx)), 0, sb.Dx()-1) + sb.Min.X
			sy := mathhelp.Clamp(int(math.Floor(fy)), 0, sb.Dy()-1) + sb.Min.Y
			raster.NearestRGBA(out, x, y, source, sx, sy)
		}
	}
	return out
}
