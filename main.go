package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/go-spatial/geom"
	"github.com/iancoleman/strcase"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/pdok/tilepyramid/compose"
	"github.com/pdok/tilepyramid/gpkg"
	"github.com/pdok/tilepyramid/reproject"
	"github.com/pdok/tilepyramid/tms20"
)

const GEOPACKAGE string = `gpkg`
const TABLE string = `table`
const LOGLEVEL string = `loglevel`
const BBOX string = `bbox`
const SRS string = `srs`
const WIDTH string = `width`
const HEIGHT string = `height`
const ZOOM string = `zoom`
const OUTPUT string = `output`
const TARGETTABLE string = `targetTable`
const OPTIMIZE string = `optimize`
const TILEWIDTH string = `tileWidth`
const TILEHEIGHT string = `tileHeight`
const SOURCEZOOM string = `sourceZoom`
const ZOOMS string = `zooms`
const FORMAT string = `format`
const INTERPOLATION string = `interpolation`
const CONFIG string = `config`
const ADDRESS string = `address`
const CACHETTL string = `cacheTTL`

var errNoTile = errors.New("no stored tiles overlap the requested area")

//nolint:funlen
func main() {
	app := cli.NewApp()
	app.Name = "tilepyramid"
	app.Usage = "Read, composite and reproject raster tile pyramids in a GeoPackage"
	app.Version = versioninfo.Short()

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    LOGLEVEL,
			Aliases: []string{"l"},
			Usage:   "Log level: trace, debug, info, warn or error",
			Value:   "info",
			EnvVars: []string{strcase.ToScreamingSnake(LOGLEVEL)},
		},
	}
	app.Before = func(c *cli.Context) error {
		return initLog(c.String(LOGLEVEL))
	}

	app.Commands = []*cli.Command{
		{
			Name:   "info",
			Usage:  "Describe the tile tables in a GeoPackage",
			Flags:  []cli.Flag{gpkgFlag(), tableFlag(false)},
			Action: infoAction,
		},
		{
			Name:  "tile",
			Usage: "Write the image for a bounding box to a file",
			Flags: []cli.Flag{
				gpkgFlag(),
				tableFlag(true),
				&cli.StringFlag{
					Name:     BBOX,
					Aliases:  []string{"b"},
					Usage:    "Bounding box as minx,miny,maxx,maxy",
					Required: true,
					EnvVars:  []string{strcase.ToScreamingSnake(BBOX)},
				},
				&cli.IntFlag{
					Name:    SRS,
					Usage:   "EPSG code of the bounding box, default the projection of the table",
					EnvVars: []string{strcase.ToScreamingSnake(SRS)},
				},
				&cli.IntFlag{
					Name:    WIDTH,
					Usage:   "Width in pixels, default the tile width",
					EnvVars: []string{strcase.ToScreamingSnake(WIDTH)},
				},
				&cli.IntFlag{
					Name:    HEIGHT,
					Usage:   "Height in pixels, default the tile height",
					EnvVars: []string{strcase.ToScreamingSnake(HEIGHT)},
				},
				&cli.IntFlag{
					Name:    ZOOM,
					Aliases: []string{"z"},
					Usage:   "Zoom level to read, default the level matching the bounding box",
					Value:   -1,
					EnvVars: []string{strcase.ToScreamingSnake(ZOOM)},
				},
				formatFlag(),
				interpolationFlag(),
				&cli.StringFlag{
					Name:     OUTPUT,
					Aliases:  []string{"o"},
					Usage:    "File to write the image to",
					Required: true,
					EnvVars:  []string{strcase.ToScreamingSnake(OUTPUT)},
				},
			},
			Action: tileAction,
		},
		{
			Name:   "reproject",
			Usage:  "Write a table into another projection or tile geometry",
			Flags:  append([]cli.Flag{gpkgFlag()}, reprojectFlags()...),
			Action: reprojectAction,
		},
		{
			Name:  "serve",
			Usage: "Serve images of the tile tables over HTTP",
			Flags: []cli.Flag{
				gpkgFlag(),
				&cli.StringFlag{
					Name:    ADDRESS,
					Aliases: []string{"a"},
					Usage:   "Address to listen on",
					Value:   ":8080",
					EnvVars: []string{strcase.ToScreamingSnake(ADDRESS)},
				},
				&cli.DurationFlag{
					Name:    CACHETTL,
					Usage:   "How long encoded images are cached",
					Value:   defaultCacheTTL,
					EnvVars: []string{strcase.ToScreamingSnake(CACHETTL)},
				},
				formatFlag(),
				interpolationFlag(),
			},
			Action: serveAction,
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

func reprojectFlags() []cli.Flag {
	return []cli.Flag{
		tableFlag(false),
		&cli.StringFlag{
			Name:    TARGETTABLE,
			Usage:   "Target table, default the table itself or <table>_<srs> for another projection",
			EnvVars: []string{strcase.ToScreamingSnake(TARGETTABLE)},
		},
		&cli.IntFlag{
			Name:    SRS,
			Usage:   "EPSG code of the target projection, default the projection of the table",
			EnvVars: []string{strcase.ToScreamingSnake(SRS)},
		},
		&cli.StringFlag{
			Name:    OPTIMIZE,
			Usage:   "Built-in tile matrix set (" + strings.Join(tms20.EmbeddedIDs(), ", ") + ") or path to one in JSON to align the target with",
			EnvVars: []string{strcase.ToScreamingSnake(OPTIMIZE)},
		},
		&cli.IntFlag{
			Name:    TILEWIDTH,
			Usage:   "Target tile width in pixels",
			EnvVars: []string{strcase.ToScreamingSnake(TILEWIDTH)},
		},
		&cli.IntFlag{
			Name:    TILEHEIGHT,
			Usage:   "Target tile height in pixels",
			EnvVars: []string{strcase.ToScreamingSnake(TILEHEIGHT)},
		},
		&cli.IntFlag{
			Name:    SOURCEZOOM,
			Usage:   "Read every target zoom level from this source zoom level",
			Value:   -1,
			EnvVars: []string{strcase.ToScreamingSnake(SOURCEZOOM)},
		},
		&cli.StringFlag{
			Name:    ZOOMS,
			Aliases: []string{"z"},
			Usage:   `Source zoom levels to reproject. JSON array of integers. E.g.: [4,5,6,7,8]`,
			EnvVars: []string{strcase.ToScreamingSnake(ZOOMS)},
		},
		formatFlag(),
		interpolationFlag(),
		&cli.StringFlag{
			Name:    CONFIG,
			Aliases: []string{"c"},
			Usage:   "Job file (toml, yaml or json) with the options above; flags take precedence",
			EnvVars: []string{strcase.ToScreamingSnake(CONFIG)},
		},
	}
}

func gpkgFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     GEOPACKAGE,
		Aliases:  []string{"g"},
		Usage:    "GeoPackage holding the tile tables",
		Required: true,
		EnvVars:  []string{strcase.ToScreamingSnake(GEOPACKAGE)},
	}
}

func tableFlag(required bool) cli.Flag {
	return &cli.StringFlag{
		Name:     TABLE,
		Aliases:  []string{"t"},
		Usage:    "Tile table",
		Required: required,
		EnvVars:  []string{strcase.ToScreamingSnake(TABLE)},
	}
}

func formatFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    FORMAT,
		Aliases: []string{"f"},
		Usage:   "Image format of written tiles: png or jpeg",
		Value:   "png",
		EnvVars: []string{strcase.ToScreamingSnake(FORMAT)},
	}
}

func interpolationFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    INTERPOLATION,
		Aliases: []string{"i"},
		Usage:   "Scaling of stored tiles: nearest, approxbilinear, bilinear or catmullrom",
		Value:   "nearest",
		EnvVars: []string{strcase.ToScreamingSnake(INTERPOLATION)},
	}
}

func openGeoPackage(c *cli.Context) (*gpkg.Container, error) {
	file := c.String(GEOPACKAGE)
	if _, err := os.Stat(file); err != nil {
		return nil, fmt.Errorf("error opening GeoPackage: %w", err)
	}
	return gpkg.Open(file, nil)
}

func tileAction(c *cli.Context) error {
	container, err := openGeoPackage(c)
	if err != nil {
		return err
	}
	defer container.Close()

	box, err := parseBBox(c.String(BBOX))
	if err != nil {
		return err
	}
	retriever, err := newRetriever(container, c.String(TABLE), c.String(FORMAT), c.String(INTERPOLATION))
	if err != nil {
		return err
	}
	req := compose.Request{BoundingBox: box, SRSID: c.Int(SRS), Width: c.Int(WIDTH), Height: c.Int(HEIGHT)}
	if zoom := c.Int(ZOOM); zoom >= 0 {
		req.Zoom = &zoom
	}
	data, ok, err := retriever.GetTile(req)
	if err != nil {
		return err
	}
	if !ok {
		return errNoTile
	}
	if err = os.WriteFile(c.String(OUTPUT), data, 0o644); err != nil { //nolint:gosec
		return err
	}
	log.WithField("file", c.String(OUTPUT)).Infof("wrote %d bytes", len(data))
	return nil
}

func newRetriever(container *gpkg.Container, table, format, interpolation string) (*compose.Retriever, error) {
	catalog, err := container.Catalog(table)
	if err != nil {
		return nil, err
	}
	store, err := container.Table(table)
	if err != nil {
		return nil, err
	}
	return compose.New(catalog, store,
		compose.WithLogger(log.WithField("table", table)),
		compose.WithFormat(format),
		compose.WithInterpolation(interpolation),
	)
}

func reprojectAction(c *cli.Context) error {
	opts, err := jobOptions(c)
	if err != nil {
		return err
	}
	container, err := openGeoPackage(c)
	if err != nil {
		return err
	}
	defer container.Close()

	bar := newProgressBar()
	opts.Logger = log
	opts.Progress = bar
	r, err := reproject.New(container, opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Println("=== start reprojecting ===")
	written, err := r.Reproject(ctx)
	bar.Finish()
	if err != nil {
		log.WithField("state", r.State()).Errorf("stopped after %d tiles", written)
		return err
	}
	log.Printf("=== done reprojecting, %d tiles written ===", written)
	return nil
}

func parseBBox(s string) (geom.Extent, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return geom.Extent{}, fmt.Errorf("bounding box %q must have 4 comma separated numbers", s)
	}
	var box geom.Extent
	for i, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return geom.Extent{}, fmt.Errorf("bounding box %q: %w", s, err)
		}
		box[i] = v
	}
	if box[0] > box[2] || box[1] > box[3] {
		return geom.Extent{}, fmt.Errorf("bounding box %q has its minimum above its maximum", s)
	}
	return box, nil
}
