// Package proj knows the spatial reference systems tiles can be stored or requested in,
// and transforms coordinates between them via WGS84.
package proj

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/go-spatial/geom"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

var ErrUnsupportedProjection = errors.New("unsupported projection")

// MaxMercatorLatitude is where Web Mercator is cut off to stay square.
const MaxMercatorLatitude = 85.0511287798066

type Units int

const (
	Meters Units = iota
	Degrees
)

func (u Units) String() string {
	switch u {
	case Meters:
		return "meters"
	case Degrees:
		return "degrees"
	default:
		return fmt.Sprintf("Units(%d)", int(u))
	}
}

type Projection struct {
	SRSID        int
	Name         string
	Organization string
	Units        Units
	// Definition is the WKT as stored in gpkg_spatial_ref_sys.
	Definition string

	ToWGS84   orb.Projection
	FromWGS84 orb.Projection
}

// Registry maps SRS ids (aliases included) to projections.
type Registry struct {
	projections map[int]Projection
}

var (
	WGS84 = Projection{
		SRSID:        4326,
		Name:         "WGS 84 geodetic",
		Organization: "EPSG",
		Units:        Degrees,
		Definition:   wgs84WKT,
		ToWGS84:      identity,
		FromWGS84:    identity,
	}
	WebMercator = Projection{
		SRSID:        3857,
		Name:         "WGS 84 / Pseudo-Mercator",
		Organization: "EPSG",
		Units:        Meters,
		Definition:   webMercatorWKT,
		ToWGS84:      project.Mercator.ToWGS84,
		FromWGS84:    toMercator,
	}
)

func NewRegistry(projections ...Projection) *Registry {
	r := &Registry{projections: make(map[int]Projection)}
	for _, p := range projections {
		r.Register(p)
	}
	return r
}

// DefaultRegistry knows EPSG:4326 (also used for CRS84) and EPSG:3857 (also 900913).
func DefaultRegistry() *Registry {
	r := NewRegistry(WGS84, WebMercator)
	r.Alias(900913, 3857)
	return r
}

func (r *Registry) Register(p Projection) {
	r.projections[p.SRSID] = p
}

// Alias makes alias resolve to the projection registered as srsID.
func (r *Registry) Alias(alias, srsID int) {
	if p, ok := r.projections[srsID]; ok {
		r.projections[alias] = p
	}
}

func (r *Registry) Lookup(srsID int) (Projection, error) {
	p, ok := r.projections[srsID]
	if !ok {
		return Projection{}, fmt.Errorf("%w: %d", ErrUnsupportedProjection, srsID)
	}
	return p, nil
}

// Projections lists the canonical projections, without aliases, by SRS id.
func (r *Registry) Projections() []Projection {
	var l []Projection
	for id, p := range r.projections {
		if id == p.SRSID {
			l = append(l, p)
		}
	}
	sort.Slice(l, func(i, j int) bool { return l[i].SRSID < l[j].SRSID })
	return l
}

func (r *Registry) Transformer(from, to int) (Transformer, error) {
	f, err := r.Lookup(from)
	if err != nil {
		return Transformer{}, err
	}
	t, err := r.Lookup(to)
	if err != nil {
		return Transformer{}, err
	}
	return Transformer{From: f, To: t}, nil
}

// Transformer converts coordinates from one projection into another.
type Transformer struct {
	From Projection
	To   Projection
}

func (t Transformer) Identity() bool {
	return t.From.SRSID == t.To.SRSID
}

func (t Transformer) SameUnits() bool {
	return t.From.Units == t.To.Units
}

func (t Transformer) Forward(p orb.Point) orb.Point {
	if t.Identity() {
		return p
	}
	return t.To.FromWGS84(t.From.ToWGS84(p))
}

func (t Transformer) Inverse(p orb.Point) orb.Point {
	return t.Reversed().Forward(p)
}

func (t Transformer) Reversed() Transformer {
	return Transformer{From: t.To, To: t.From}
}

const densifySegments = 16

// TransformBox transforms the edges of box, each cut into segments, and returns the
// envelope of the result.
func (t Transformer) TransformBox(box geom.Extent) geom.Extent {
	if t.Identity() {
		return box
	}
	corners := [5]orb.Point{{box[0], box[1]}, {box[2], box[1]}, {box[2], box[3]}, {box[0], box[3]}, {box[0], box[1]}}
	first := t.Forward(corners[0])
	bound := orb.Bound{Min: first, Max: first}
	for i := 0; i < 4; i++ {
		a, b := corners[i], corners[i+1]
		for s := 0; s < densifySegments; s++ {
			f := float64(s) / densifySegments
			p := orb.Point{a[0] + (b[0]-a[0])*f, a[1] + (b[1]-a[1])*f}
			bound = bound.Extend(t.Forward(p))
		}
	}
	return geom.Extent{bound.Min[0], bound.Min[1], bound.Max[0], bound.Max[1]}
}

func identity(p orb.Point) orb.Point {
	return p
}

func toMercator(p orb.Point) orb.Point {
	p[1] = math.Max(-MaxMercatorLatitude, math.Min(MaxMercatorLatitude, p[1]))
	return project.WGS84.ToMercator(p)
}

const wgs84WKT = `GEOGCS["WGS 84",DATUM["WGS_1984",SPHEROID["WGS 84",6378137,298.257223563,AUTHORITY["EPSG","7030"]],AUTHORITY["EPSG","6326"]],PRIMEM["Greenwich",0,AUTHORITY["EPSG","8901"]],UNIT["degree",0.0174532925199433,AUTHORITY["EPSG","9122"]],AUTHORITY["EPSG","4326"]]`

const webMercatorWKT = `PROJCS["WGS 84 / Pseudo-Mercator",GEOGCS["WGS 84",DATUM["WGS_1984",SPHEROID["WGS 84",6378137,298.257223563,AUTHORITY["EPSG","7030"]],AUTHORITY["EPSG","6326"]],PRIMEM["Greenwich",0,AUTHORITY["EPSG","8901"]],UNIT["degree",0.0174532925199433,AUTHORITY["EPSG","9122"]],AUTHORITY["EPSG","4326"]],PROJECTION["Mercator_1SP"],PARAMETER["central_meridian",0],PARAMETER["scale_factor",1],PARAMETER["false_easting",0],PARAMETER["false_northing",0],UNIT["metre",1,AUTHORITY["EPSG","9001"]],AXIS["X",EAST],AXIS["Y",NORTH],EXTENSION["PROJ4","+proj=merc +a=6378137 +b=6378137 +lat_ts=0.0 +lon_0=0.0 +x_0=0.0 +y_0=0 +k=1.0 +units=m +nadgrids=@null +wktext +no_defs"],AUTHORITY["EPSG","3857"]]`
