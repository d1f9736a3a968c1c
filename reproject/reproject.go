// Package reproject converts a stored tile pyramid into another projection or tile
// geometry, tile by tile, using the compositor to render every target tile.
package reproject

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/pdok/tilepyramid/compose"
	"github.com/pdok/tilepyramid/proj"
	"github.com/pdok/tilepyramid/pyramid"
	"github.com/pdok/tilepyramid/raster"
	"github.com/pdok/tilepyramid/tilestore"
)

var (
	ErrRunning               = errors.New("reprojection is already running")
	ErrInvalidOptions        = errors.New("invalid reprojection options")
	ErrInPlaceGeometryChange = errors.New("reprojecting in place requires the tile geometry to stay the same")
	ErrTargetSetMismatch     = errors.New("target table exists with another tile matrix set")
)

// Progress is told how many tiles may be written and about every tile that was.
type Progress interface {
	SetMax(max int)
	AddProgress(n int)
}

type Options struct {
	SourceTable string `validate:"required"`
	// TargetTable defaults to the source table for the same projection, otherwise to
	// the source table suffixed with the target SRS id.
	TargetTable string
	// TargetSRSID of 0 keeps the source projection.
	TargetSRSID int `validate:"min=0"`
	// Optimize is the id of an embedded tile matrix set, or a path to one in JSON, that
	// the target should align with.
	Optimize   string
	TileWidth  int `validate:"min=0"`
	TileHeight int `validate:"min=0"`
	// SourceZoom makes a single source zoom level supply every target zoom level.
	SourceZoom *int
	// Zooms limits which source zoom levels are reprojected; nil means all of them.
	Zooms         []int
	Format        string `default:"png" validate:"oneof=png jpeg jpg"`
	Interpolation string `default:"nearest"`

	Logger      logrus.FieldLogger
	Progress    Progress
	Projections *proj.Registry
}

type Reprojector struct {
	container tilestore.Container
	opts      Options
	codec     raster.Codec
	state     atomic.Int32
}

func New(container tilestore.Container, opts Options) (*Reprojector, error) {
	if err := defaults.Set(&opts); err != nil {
		return nil, err
	}
	if err := validator.New().Struct(opts); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Projections == nil {
		opts.Projections = proj.DefaultRegistry()
	}
	codec, err := raster.NewCodec(opts.Format)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	if _, err = raster.Interpolator(opts.Interpolation); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	return &Reprojector{container: container, opts: opts, codec: codec}, nil
}

func (r *Reprojector) State() State {
	return State(r.state.Load())
}

// Reproject renders every target tile and returns how many were written. Cells without
// source data are skipped. The context is checked before every tile; when it is done the
// tiles written so far stay, the state becomes Cancelled and the context's error is
// returned. Running again starts over, overwriting what an earlier run wrote.
func (r *Reprojector) Reproject(ctx context.Context) (int, error) {
	for {
		s := r.state.Load()
		if State(s) == Running {
			return 0, ErrRunning
		}
		if r.state.CompareAndSwap(s, int32(Running)) {
			break
		}
	}
	written, err := r.run(ctx)
	switch {
	case err == nil:
		r.state.Store(int32(Completed))
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		r.state.Store(int32(Cancelled))
	default:
		r.state.Store(int32(Failed))
	}
	return written, err
}

type job struct {
	source   *pyramid.Catalog
	sourceDB tilestore.Store
	target   *pyramid.Catalog
	targetDB tilestore.Store
	toTarget proj.Transformer
	plan     plan
	render   *compose.Retriever
}

func (r *Reprojector) run(ctx context.Context) (int, error) {
	j, err := r.prepare()
	if err != nil {
		return 0, err
	}
	log := r.opts.Logger.WithFields(logrus.Fields{"source": r.opts.SourceTable, "target": j.target.Set.TableName})
	log.Infof("reprojecting EPSG:%d to EPSG:%d, %s", j.source.Set.SRSID, j.target.Set.SRSID, j.plan)

	cells := make(map[int]pyramid.TileGrid)
	total := 0
	for _, s := range j.plan.ordered() {
		grid, ok, err := r.targetCells(j, s)
		if err != nil {
			return 0, err
		}
		if ok {
			cells[s.target.ZoomLevel] = grid
			total += grid.Count()
		}
	}
	if r.opts.Progress != nil {
		r.opts.Progress.SetMax(total)
	}

	written := 0
	for _, z := range j.plan.targetZooms() {
		s, _ := j.plan.steps.Get(z)
		grid, ok := cells[z]
		var n int
		if ok {
			n, err = r.reprojectZoom(ctx, j, s, grid)
			written += n
		}
		if err != nil && (n == 0 || !errors.Is(err, ctx.Err())) {
			return written, err
		}
		// the tile matrix goes in after its tiles, also after a partially written zoom
		if perr := r.persistMatrix(j, s.target); perr != nil {
			return written, perr
		}
		if err != nil {
			return written, err
		}
		log.WithField("zoom", z).Infof("wrote %d tiles", n)
	}
	return written, nil
}

func (r *Reprojector) prepare() (*job, error) {
	j := &job{}
	var err error
	if j.source, err = r.container.Catalog(r.opts.SourceTable); err != nil {
		return nil, err
	}
	if j.source.Len() == 0 {
		return nil, fmt.Errorf("%s: %w", r.opts.SourceTable, pyramid.ErrNoTileMatrices)
	}
	if j.sourceDB, err = r.container.Table(r.opts.SourceTable); err != nil {
		return nil, err
	}

	opts := r.opts
	targetSRSID := opts.TargetSRSID
	if targetSRSID == 0 {
		targetSRSID = j.source.Set.SRSID
	}
	if j.toTarget, err = opts.Projections.Transformer(j.source.Set.SRSID, targetSRSID); err != nil {
		return nil, err
	}
	if opts.TargetTable == "" {
		opts.TargetTable = opts.SourceTable
		if !j.toTarget.Identity() {
			opts.TargetTable = fmt.Sprintf("%s_%d", opts.SourceTable, targetSRSID)
		}
	}
	if j.plan, err = makePlan(j.source, j.toTarget, opts); err != nil {
		return nil, err
	}
	if opts.TargetTable == opts.SourceTable {
		if err = r.checkInPlace(j); err != nil {
			return nil, err
		}
	}

	if j.target, err = r.targetCatalog(j.plan.set); err != nil {
		return nil, err
	}
	if j.targetDB, err = r.container.Table(opts.TargetTable); err != nil {
		return nil, err
	}
	j.render, err = compose.New(j.source, j.sourceDB,
		compose.WithCodec(r.codec),
		compose.WithLogger(opts.Logger),
		compose.WithProjections(opts.Projections),
		compose.WithInterpolation(opts.Interpolation),
	)
	return j, err
}

func (r *Reprojector) checkInPlace(j *job) error {
	s := j.plan.set
	if s.SRSID != j.source.Set.SRSID || s.BoundingBox != j.source.Set.BoundingBox {
		return fmt.Errorf("%w: tile matrix set of %s", ErrInPlaceGeometryChange, s.TableName)
	}
	for _, z := range j.plan.targetZooms() {
		st, _ := j.plan.steps.Get(z)
		sm, ok := j.source.MatrixAt(z)
		if !ok || !sm.SameGeometry(st.target) {
			return fmt.Errorf("%w: zoom level %d of %s", ErrInPlaceGeometryChange, z, s.TableName)
		}
	}
	return nil
}

// targetCatalog creates the target table when needed. An existing target table must
// use the planned tile matrix set.
func (r *Reprojector) targetCatalog(set pyramid.TileMatrixSet) (*pyramid.Catalog, error) {
	exists, err := r.container.TableExists(set.TableName)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err = r.container.CreateTileTable(set); err != nil {
			return nil, err
		}
		return pyramid.NewCatalog(set)
	}
	c, err := r.container.Catalog(set.TableName)
	if err != nil {
		return nil, err
	}
	if c.Set.SRSID != set.SRSID || !sameBox(c.Set.BoundingBox, set.BoundingBox) {
		return nil, fmt.Errorf("%w: %s", ErrTargetSetMismatch, set.TableName)
	}
	return c, nil
}

// targetCells is the grid of target tiles covering the tiles stored at the source zoom.
func (r *Reprojector) targetCells(j *job, s step) (pyramid.TileGrid, bool, error) {
	sm, ok := j.source.MatrixAt(s.sourceZoom)
	if !ok {
		return pyramid.TileGrid{}, false, nil
	}
	occupied, ok, err := j.sourceDB.BoundingGrid(s.sourceZoom)
	if err != nil || !ok {
		return pyramid.TileGrid{}, false, err
	}
	box := j.toTarget.TransformBox(j.source.GridBoundingBox(sm, occupied))
	grid, ok := j.target.TileGrid(box, s.target)
	return grid, ok, nil
}

func (r *Reprojector) reprojectZoom(ctx context.Context, j *job, s step, grid pyramid.TileGrid) (int, error) {
	log := r.opts.Logger.WithFields(logrus.Fields{"zoom": s.target.ZoomLevel, "sourceZoom": s.sourceZoom})
	sourceZoom := s.sourceZoom
	written := 0
	var err error
	grid.Cells(func(column, row int) bool {
		if err = ctx.Err(); err != nil {
			err = fmt.Errorf("reprojection cancelled after %d tiles at zoom %d: %w", written, s.target.ZoomLevel, err)
			return false
		}
		var data []byte
		var ok bool
		data, ok, err = j.render.GetTile(compose.Request{
			BoundingBox: j.target.TileBoundingBox(s.target, column, row),
			SRSID:       j.target.Set.SRSID,
			Width:       s.target.TileWidth,
			Height:      s.target.TileHeight,
			Zoom:        &sourceZoom,
		})
		var composeErr *compose.Error
		if errors.As(err, &composeErr) && composeErr.Stage == compose.StageComposite {
			log.Warnf("skipping tile %d/%d: %v", column, row, err)
			err = nil
			return true
		}
		if err != nil {
			return false
		}
		if !ok {
			return true
		}
		if err = j.targetDB.Upsert(column, row, s.target.ZoomLevel, data); err != nil {
			err = fmt.Errorf("could not write tile %d/%d/%d: %w", s.target.ZoomLevel, column, row, err)
			return false
		}
		written++
		if r.opts.Progress != nil {
			r.opts.Progress.AddProgress(1)
		}
		return true
	})
	return written, err
}

func (r *Reprojector) persistMatrix(j *job, tm pyramid.TileMatrix) error {
	if err := j.target.Put(tm); err != nil {
		return err
	}
	return r.container.PutTileMatrix(j.target.Set.TableName, tm)
}

func sameBox(a, b [4]float64) bool {
	for i := range a {
		if !(a[i]-b[i] < 1e-6 && b[i]-a[i] < 1e-6) {
			return false
		}
	}
	return true
}
