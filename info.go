package main

import (
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pdok/tilepyramid/geomhelp"
	"github.com/pdok/tilepyramid/gpkg"
	"github.com/pdok/tilepyramid/mapslicehelp"
	"github.com/pdok/tilepyramid/proj"
)

const wktWidth = 120

func infoAction(c *cli.Context) error {
	container, err := openGeoPackage(c)
	if err != nil {
		return err
	}
	defer container.Close()

	tables := []string{c.String(TABLE)}
	if tables[0] == "" {
		if tables, err = container.TileTables(); err != nil {
			return err
		}
	}
	return describe(os.Stdout, container, tables)
}

// describe writes the tile matrix set, tile matrices and stored tile ranges of tables.
func describe(w io.Writer, container *gpkg.Container, tables []string) error {
	fmt.Fprintf(w, "SQLite %s\n", gpkg.SQLiteVersion())
	srsIDs := make(map[int]string)
	for _, table := range tables {
		catalog, err := container.Catalog(table)
		if err != nil {
			return err
		}
		store, err := container.Table(table)
		if err != nil {
			return err
		}
		set := catalog.Set
		srsIDs[set.SRSID] = table
		fmt.Fprintf(w, "\n%s (EPSG:%d)\n", table, set.SRSID)
		fmt.Fprintf(w, "  bounds %s\n", geomhelp.WktMustEncode(geomhelp.ExtentPolygon(set.BoundingBox), wktWidth))
		for _, tm := range catalog.Matrices() {
			fmt.Fprintf(w, "  zoom %2d: %dx%d tiles of %dx%d px, pixel %g x %g",
				tm.ZoomLevel, tm.MatrixWidth, tm.MatrixHeight, tm.TileWidth, tm.TileHeight, tm.PixelXSize, tm.PixelYSize)
			grid, ok, err := store.BoundingGrid(tm.ZoomLevel)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(w, ", no tiles")
				continue
			}
			occupied := catalog.GridBoundingBox(tm, grid)
			fmt.Fprintf(w, ", tiles in %s, %.0f%% of the bounds\n", grid, 100*geomhelp.Coverage(occupied, set.BoundingBox))
		}
	}

	fmt.Fprintln(w, "\nspatial reference systems")
	registry := proj.DefaultRegistry()
	for _, id := range mapslicehelp.SortedKeys(srsIDs) {
		srs, err := container.SpatialReferenceSystem(id)
		if err != nil {
			return err
		}
		known := "unknown projection, tables in it can only be read in their own projection"
		if p, err := registry.Lookup(id); err == nil {
			known = p.Units.String()
		}
		fmt.Fprintf(w, "  EPSG:%d %s (%s)\n", srs.ID, srs.Name, known)
	}
	return nil
}
