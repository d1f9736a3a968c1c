// Package tms20 reads OGC Tile Matrix Set (v2.0) definitions and turns them into tile
// pyramids. See https://www.ogc.org/standard/tms/
package tms20

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/go-spatial/geom"
	"github.com/perimeterx/marshmallow"

	"github.com/pdok/tilepyramid/pyramid"
)

var (
	//go:embed tilematrixsets/*.json
	embeddedTileMatrixSetsJSONFS embed.FS
	embeddedTileMatrixSetsCache  = make(map[string]*TileMatrixSet)

	ErrUnsupportedTileMatrixSet = errors.New("tile matrix set cannot be used as a tile pyramid")
)

// EmbeddedIDs lists the tile matrix sets that ship with this package.
func EmbeddedIDs() []string {
	entries, err := embeddedTileMatrixSetsJSONFS.ReadDir("tilematrixsets")
	if err != nil {
		return nil
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(ids)
	return ids
}

func LoadJSONTileMatrixSet(path string) (TileMatrixSet, error) {
	var tms TileMatrixSet
	tmsJSON, err := os.ReadFile(path)
	if err != nil {
		return tms, err
	}
	err = json.Unmarshal(tmsJSON, &tms)
	return tms, err
}

func LoadEmbeddedTileMatrixSet(id string) (TileMatrixSet, error) {
	var tms TileMatrixSet
	cached, ok := embeddedTileMatrixSetsCache[id]
	if ok {
		return *cached, nil
	}
	tmsJSON, err := embeddedTileMatrixSetsJSONFS.ReadFile("tilematrixsets/" + id + ".json")
	if err != nil {
		return tms, err
	}
	err = json.Unmarshal(tmsJSON, &tms)
	if err != nil {
		return tms, err
	}
	embeddedTileMatrixSetsCache[id] = &tms
	return tms, nil
}

// LoadTileMatrixSet takes a path to a JSON file, or else the id of an embedded set.
func LoadTileMatrixSet(idOrPath string) (TileMatrixSet, error) {
	if strings.HasSuffix(idOrPath, ".json") {
		return LoadJSONTileMatrixSet(idOrPath)
	}
	return LoadEmbeddedTileMatrixSet(idOrPath)
}

// TileMatrixSet is a definition of a tile matrix set following the Tile Matrix Set standard.
type TileMatrixSet struct {
	// Tile matrix set identifier. Implementation of 'identifier'
	ID string `json:"id,omitempty"`
	// Title of this tile matrix set, normally used for display to a human
	Title string `json:"title,omitempty"`
	// Brief narrative description of this tile matrix set, normally available for display to a human
	Description string `json:"description,omitempty"`
	// Unordered list of one or more commonly used or formalized word(s) or phrase(s) used to describe this tile matrix set
	Keywords []string `json:"keywords,omitempty"`
	// Reference to an official source for this TileMatrixSet
	URI         string   `validate:"omitempty,uri" json:"uri,omitempty"`
	OrderedAxes []string `validate:"omitnil,min=1" json:"orderedAxes"`
	// Coordinate Reference System (CRS)
	CRS CRS `validate:"required" json:"-"`
	// Reference to a well-known scale set
	WellKnownScaleSet string `validate:"omitempty,uri" json:"wellKnownScaleSet,omitempty"`
	// Minimum bounding rectangle surrounding the tile matrix set, in the supported CRS
	BoundingBox *TwoDBoundingBox `json:"boundingBox,omitempty"`
	// Describes scale levels and its tile matrices
	TileMatrices map[int]TileMatrix `validate:"required,min=1" json:"-"`
}

func (tms *TileMatrixSet) MarshalJSON() ([]byte, error) {
	var tileMatrices []*TileMatrix
	for i := range tms.TileMatrices {
		tm := tms.TileMatrices[i]
		tileMatrices = append(tileMatrices, &(tm))
	}
	sort.Slice(tileMatrices, func(i, j int) bool {
		iID, _ := strconv.ParseInt(tileMatrices[i].ID, 10, 64)
		jID, _ := strconv.ParseInt(tileMatrices[j].ID, 10, 64)
		return iID < jID
	})
	return json.Marshal(struct {
		TileMatrixSet                     // not a pointer, because it would cause recursion to this function
		SpecialCRS          *CRS          `json:"crs"` // pointer, because crs' structs' MarshalJSON funcs are on pointer
		SpecialTileMatrices []*TileMatrix `json:"tileMatrices"`
	}{
		TileMatrixSet:       *tms,
		SpecialCRS:          &tms.CRS,
		SpecialTileMatrices: tileMatrices,
	})
}

func (tms *TileMatrixSet) UnmarshalJSON(data []byte) error {
	err := defaults.Set(tms)
	if err != nil {
		return err
	}

	specials, err := marshmallow.Unmarshal(data, tms, marshmallow.WithExcludeKnownFieldsFromMap(true))
	if err != nil {
		return err
	}

	rawCrs, ok := specials["crs"]
	if !ok {
		return fmt.Errorf(`missing key "crs"`)
	}
	tms.CRS, err = unmarshalCRS(rawCrs)
	if err != nil {
		return err
	}

	rawTileMatrices, ok := specials["tileMatrices"]
	if !ok {
		return fmt.Errorf(`missing key "tileMatrices"`)
	}
	tms.TileMatrices, err = unmarshalTileMatrices(rawTileMatrices)
	if err != nil {
		return err
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	return validate.Struct(tms)
}

func unmarshalTileMatrices(rawTileMatrices interface{}) (map[int]TileMatrix, error) {
	rawTileMatricesList, ok := rawTileMatrices.([]interface{})
	if !ok {
		return nil, fmt.Errorf(`"tileMatrices" should be an array`)
	}
	tileMatrices := make(map[int]TileMatrix, len(rawTileMatricesList))
	for _, rawTileMatrix := range rawTileMatricesList {
		rawTileMatrixMap, ok := rawTileMatrix.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf(`"tileMatrices" should be objects`)
		}
		var tileMatrix TileMatrix
		err := tileMatrix.UnmarshalJSONFromMap(rawTileMatrixMap)
		if err != nil {
			return nil, err
		}
		tileMatrixID, err := strconv.ParseInt(tileMatrix.ID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("only integer-like ids are supported for tile matrices: %w", err)
		}
		tileMatrices[int(tileMatrixID)] = tileMatrix
	}
	return tileMatrices, nil
}

// unmarshalCRS only understands CRSs given by URI, either as a plain string or as an
// object with a "uri" property.
func unmarshalCRS(rawCrs interface{}) (CRS, error) {
	var rawCrsMap map[string]interface{}
	rawCrsString, asString := rawCrs.(string)
	if asString {
		rawCrsMap = map[string]interface{}{"uri": rawCrsString}
	} else {
		var ok bool
		rawCrsMap, ok = rawCrs.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf(`wrong type key "crs": %T`, rawCrs)
		}
	}

	var uriCrs URICRS
	if err := uriCrs.UnmarshalJSONFromMap(rawCrsMap); err != nil {
		return nil, fmt.Errorf(`could not unmarshal crs: %w`, err)
	}
	uriCrs.asString = asString
	return &uriCrs, nil
}

type CRS interface {
	Description() string
	AuthorityName() string
	AuthorityCode() string
}

var (
	crsURIRegexURL = regexp.MustCompile("https?://.+/def/crs/(?P<authority>[^/]+)/[^/]+/(?P<code>[^/]+)$")
	crsURIRegexURN = regexp.MustCompile("^urn:ogc:def:crs:(?P<authority>[^:]+):[^:]*:(?P<code>[^:]+)$")
)

type URICRS struct {
	description string
	// Reference to one coordinate reference system (CRS)
	uri           string `validate:"required,uri"`
	authorityName string `validate:"required"`
	authorityCode string `validate:"required"`
	// Whether it should be marshalled as just a string
	asString bool
}

func (crs *URICRS) MarshalJSON() ([]byte, error) {
	if crs.asString {
		return json.Marshal(crs.uri)
	}
	return json.Marshal(struct {
		Description string `json:"description,omitempty"`
		URI         string `json:"uri"`
	}{
		Description: crs.description,
		URI:         crs.uri,
	})
}

func (crs *URICRS) UnmarshalJSON(data []byte) error {
	return UnmarshalJSONMapUsingUnmarshalJSONFromMap(crs, data)
}

func (crs *URICRS) UnmarshalJSONFromMap(data interface{}) error {
	dataMap, ok := data.(map[string]interface{})
	if !ok {
		return fmt.Errorf(`data is not a map but a %T`, data)
	}

	rawDescription, ok := dataMap["description"]
	if ok {
		crs.description, ok = rawDescription.(string)
		if !ok {
			return fmt.Errorf(`description property is not a string but a %T`, rawDescription)
		}
	}

	rawURI, ok := dataMap["uri"]
	if !ok {
		return fmt.Errorf(`uri property not found`)
	}
	crs.uri, ok = rawURI.(string)
	if !ok {
		return fmt.Errorf(`uri property is not a string but a %T`, rawURI)
	}

	uriParts := crsURIRegexURL.FindStringSubmatch(crs.uri)
	if uriParts == nil {
		uriParts = crsURIRegexURN.FindStringSubmatch(crs.uri)
	}
	if uriParts == nil {
		return fmt.Errorf(`could not parse crs uri "%v"`, crs.uri)
	}
	crs.authorityName = uriParts[1]
	crs.authorityCode = uriParts[2]

	validate := validator.New(validator.WithRequiredStructEnabled())
	return validate.Struct(crs)
}

func (crs *URICRS) Description() string {
	return crs.description
}

func (crs *URICRS) AuthorityName() string {
	return crs.authorityName
}

func (crs *URICRS) AuthorityCode() string {
	return crs.authorityCode
}

// Minimum bounding rectangle surrounding a 2D resource in the CRS indicated elsewhere
type TwoDBoundingBox struct {
	LowerLeft   TwoDPoint `validate:"required" json:"lowerLeft"`
	UpperRight  TwoDPoint `validate:"required" json:"upperRight"`
	CRS         CRS       `json:"-"`
	OrderedAxes []string  `validate:"omitempty,len=2" json:"orderedAxes,omitempty"`
}

func (bb *TwoDBoundingBox) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		TwoDBoundingBox      // not a pointer, because it would cause recursion to this function
		SpecialCRS      *CRS `json:"crs"` // pointer, because crs' structs' MarshalJSON funcs are on pointer
	}{
		TwoDBoundingBox: *bb,
		SpecialCRS:      &bb.CRS,
	})
}

func (bb *TwoDBoundingBox) UnmarshalJSON(data []byte) error {
	err := defaults.Set(bb)
	if err != nil {
		return err
	}

	specials, err := marshmallow.Unmarshal(data, bb, marshmallow.WithExcludeKnownFieldsFromMap(true))
	if err != nil {
		return err
	}

	rawCrs, ok := specials["crs"]
	if !ok {
		return fmt.Errorf(`missing key "crs"`)
	}
	bb.CRS, err = unmarshalCRS(rawCrs)
	if err != nil {
		return err
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	return validate.Struct(bb)
}

// A 2D Point in the CRS indicated elsewhere
type TwoDPoint [2]float64

func (p TwoDPoint) XY() [2]float64 {
	return p
}

// A tile matrix, usually corresponding to a particular zoom level of a TileMatrixSet.
type TileMatrix struct {
	// Identifier selecting one of the scales defined in the TileMatrixSet and representing the scaleDenominator the tile.
	// Implementation of 'identifier'
	ID string `validate:"required" json:"id"`
	// Title of this tile matrix, normally used for display to a human
	Title string `json:"title,omitempty"`
	// Brief narrative description of this tile matrix set, normally available for display to a human
	Description string `json:"description,omitempty"`
	// Unordered list of one or more commonly used or formalized word(s) or phrase(s) used to describe this dataset
	Keywords []string `json:"keywords,omitempty"`
	// Scale denominator of this tile matrix
	ScaleDenominator float64 `validate:"required,gt=0" json:"scaleDenominator"`
	// Cell size of this tile matrix
	CellSize float64 `validate:"required,gt=0" json:"cellSize"`
	// The corner of the tile matrix (_topLeft_ or _bottomLeft_) used as the origin for numbering tile rows and columns.
	// This corner is also a corner of the (0, 0) tile.
	CornerOfOrigin CornerOfOrigin `validate:"omitempty,oneof=topLeft bottomLeft" json:"cornerOfOrigin,omitempty"`
	// Precise position in CRS coordinates of the corner of origin (e.g. the top-left corner) for this tile matrix.
	PointOfOrigin TwoDPoint `validate:"required" json:"pointOfOrigin"`
	// Width of each tile of this tile matrix in pixels
	TileWidth uint `validate:"required,min=1" json:"tileWidth"`
	// Height of each tile of this tile matrix in pixels
	TileHeight uint `validate:"required,min=1" json:"tileHeight"`
	// Width of the matrix (number of tiles in width)
	MatrixWidth uint `validate:"required,min=1" json:"matrixWidth"`
	// Height of the matrix (number of tiles in height)
	MatrixHeight uint `validate:"required,min=1" json:"matrixHeight"`
	// Describes the rows that have variable matrix width
	VariableMatrixWidths []VariableMatrixWidth `json:"variableMatrixWidths,omitempty"`
}

func (tm *TileMatrix) UnmarshalJSON(data []byte) error {
	return UnmarshalJSONMapUsingUnmarshalJSONFromMap(tm, data)
}

func (tm *TileMatrix) UnmarshalJSONFromMap(data interface{}) error {
	err := defaults.Set(tm)
	if err != nil {
		return err
	}

	dataMap, ok := data.(map[string]interface{})
	if !ok {
		return fmt.Errorf(`data is not a map but a %T`, data)
	}

	_, err = marshmallow.UnmarshalFromJSONMap(dataMap, tm, marshmallow.WithExcludeKnownFieldsFromMap(true))
	if err != nil {
		return err
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	return validate.Struct(tm)
}

type CornerOfOrigin string

const (
	TopLeft    CornerOfOrigin = "topLeft"
	BottomLeft CornerOfOrigin = "bottomLeft"
)

func (c *CornerOfOrigin) UnmarshalJSON(data []byte) error {
	return UnmarshalJSONMapUsingUnmarshalJSONFromMap(c, data)
}

func (c *CornerOfOrigin) UnmarshalJSONFromMap(data interface{}) error {
	dataString, ok := data.(string)
	if !ok {
		return fmt.Errorf(`CornerOfOrigin data is not a string but a %T`, data)
	}
	switch dataString {
	case "":
		fallthrough
	case string(TopLeft):
		*c = TopLeft
	case string(BottomLeft):
		*c = BottomLeft
	default:
		return fmt.Errorf(`unknown CornerOfOrigin: %v`, data)
	}
	return nil
}

// Variable Matrix Width data structure
type VariableMatrixWidth struct {
	// Number of tiles in width that coalesce in a single tile for these rows
	Coalesce uint `validate:"required,min=2" json:"coalesce"`
	// First tile row where the coalescence factor applies for this tilematrix
	MinTileRow uint `validate:"required,min=0" json:"minTileRow"`
	// Last tile row where the coalescence factor applies for this tilematrix
	MaxTileRow uint `validate:"required,min=0" json:"maxTileRow"`
}

// SRID is the EPSG code of the set's CRS. OGC CRS84 is treated as EPSG:4326 with
// longitude first, which is how GeoPackage tiles use 4326 anyway.
func (tms *TileMatrixSet) SRID() (int, error) {
	if tms.CRS.AuthorityName() == "OGC" && tms.CRS.AuthorityCode() == "CRS84" {
		return 4326, nil
	}
	code, err := strconv.ParseInt(tms.CRS.AuthorityCode(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf(`could not parse crs authority code: %w`, err)
	}
	return int(code), nil
}

// Zooms lists the tile matrix ids in ascending order.
func (tms *TileMatrixSet) Zooms() []int {
	zooms := make([]int, 0, len(tms.TileMatrices))
	for z := range tms.TileMatrices {
		zooms = append(zooms, z)
	}
	sort.Ints(zooms)
	return zooms
}

// ClosestTileMatrix finds the tile matrix whose cell size is nearest to cellSize on a
// logarithmic scale, so that halving and doubling are equally far off.
func (tms *TileMatrixSet) ClosestTileMatrix(cellSize float64) (int, TileMatrix) {
	best, bestDiff := -1, math.Inf(1)
	for _, z := range tms.Zooms() {
		diff := math.Abs(math.Log2(tms.TileMatrices[z].CellSize) - math.Log2(cellSize))
		if diff < bestDiff {
			best, bestDiff = z, diff
		}
	}
	return best, tms.TileMatrices[best]
}

// PyramidMatrix converts one tile matrix. Only top left origins with square cells and
// fixed matrix widths fit a tile pyramid.
func (tms *TileMatrixSet) PyramidMatrix(zoom int) (pyramid.TileMatrix, error) {
	tm, ok := tms.TileMatrices[zoom]
	if !ok {
		return pyramid.TileMatrix{}, fmt.Errorf("%w: %s has no tile matrix %d", ErrUnsupportedTileMatrixSet, tms.ID, zoom)
	}
	if tm.CornerOfOrigin == BottomLeft {
		return pyramid.TileMatrix{}, fmt.Errorf("%w: tile matrix %d has a bottom left origin", ErrUnsupportedTileMatrixSet, zoom)
	}
	if len(tm.VariableMatrixWidths) > 0 {
		return pyramid.TileMatrix{}, fmt.Errorf("%w: tile matrix %d has variable matrix widths", ErrUnsupportedTileMatrixSet, zoom)
	}
	return pyramid.TileMatrix{
		ZoomLevel:    zoom,
		MatrixWidth:  int(tm.MatrixWidth),
		MatrixHeight: int(tm.MatrixHeight),
		TileWidth:    int(tm.TileWidth),
		TileHeight:   int(tm.TileHeight),
		PixelXSize:   tm.CellSize,
		PixelYSize:   tm.CellSize,
	}, nil
}

// PyramidSet is the tile matrix set for table, bounded by the extent of the coarsest tile
// matrix. Every tile matrix must share that origin.
func (tms *TileMatrixSet) PyramidSet(table string) (pyramid.TileMatrixSet, error) {
	srid, err := tms.SRID()
	if err != nil {
		return pyramid.TileMatrixSet{}, err
	}
	zooms := tms.Zooms()
	coarsest, err := tms.PyramidMatrix(zooms[0])
	if err != nil {
		return pyramid.TileMatrixSet{}, err
	}
	origin := tms.TileMatrices[zooms[0]].PointOfOrigin
	for _, z := range zooms[1:] {
		if o := tms.TileMatrices[z].PointOfOrigin; math.Abs(o[0]-origin[0]) > 1e-6 || math.Abs(o[1]-origin[1]) > 1e-6 {
			return pyramid.TileMatrixSet{}, fmt.Errorf("%w: tile matrix %d has another origin", ErrUnsupportedTileMatrixSet, z)
		}
	}
	return pyramid.TileMatrixSet{
		TableName:   table,
		SRSID:       srid,
		BoundingBox: geom.Extent{origin[0], origin[1] - coarsest.SpanY(), origin[0] + coarsest.SpanX(), origin[1]},
	}, nil
}

// Catalog converts the whole set into a tile pyramid catalog for table.
func (tms *TileMatrixSet) Catalog(table string) (*pyramid.Catalog, error) {
	set, err := tms.PyramidSet(table)
	if err != nil {
		return nil, err
	}
	matrices := make([]pyramid.TileMatrix, 0, len(tms.TileMatrices))
	for _, z := range tms.Zooms() {
		tm, err := tms.PyramidMatrix(z)
		if err != nil {
			return nil, err
		}
		matrices = append(matrices, tm)
	}
	return pyramid.NewCatalog(set, matrices...)
}

func UnmarshalJSONMapUsingUnmarshalJSONFromMap(target marshmallow.UnmarshalerFromJSONMap, data []byte) error {
	var dataMap map[string]interface{}
	err := json.Unmarshal(data, &dataMap)
	if err != nil {
		return err
	}
	return target.UnmarshalJSONFromMap(dataMap)
}
