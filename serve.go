package main

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/pdok/tilepyramid/compose"
	"github.com/pdok/tilepyramid/gpkg"
	"github.com/pdok/tilepyramid/tilestore"
)

const defaultCacheTTL = 5 * time.Minute

const maxImageSize = 4096

func serveAction(c *cli.Context) error {
	container, err := openGeoPackage(c)
	if err != nil {
		return err
	}
	defer container.Close()

	if log.IsLevelEnabled(logrus.DebugLevel) {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	s := newServer(container, c.String(FORMAT), c.String(INTERPOLATION), c.Duration(CACHETTL))
	log.WithField("address", c.String(ADDRESS)).Info("serving tiles")
	return s.router().Run(c.String(ADDRESS))
}

type server struct {
	container     *gpkg.Container
	format        string
	interpolation string
	cache         *gocache.Cache

	mu         sync.Mutex
	retrievers map[string]*compose.Retriever
}

func newServer(container *gpkg.Container, format, interpolation string, ttl time.Duration) *server {
	return &server{
		container:     container,
		format:        format,
		interpolation: interpolation,
		cache:         gocache.New(ttl, 2*ttl),
		retrievers:    make(map[string]*compose.Retriever),
	}
}

func (s *server) router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	r.GET("/tables", s.tables)
	r.GET("/tiles/:table", s.tile)
	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(logrus.Fields{
			"status":   c.Writer.Status(),
			"path":     c.Request.URL.Path,
			"duration": time.Since(start),
		}).Debug(c.Request.URL.RawQuery)
	}
}

func (s *server) tables(c *gin.Context) {
	tables, err := s.container.TileTables()
	if err != nil {
		c.String(http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, tables)
}

func (s *server) tile(c *gin.Context) {
	table := c.Param("table")
	req, err := parseRequest(c)
	if err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	key := cacheKey(table, req)
	if data, ok := s.cache.Get(key); ok {
		c.Header("X-Cache", "HIT")
		c.Data(http.StatusOK, s.contentType(), data.([]byte))
		return
	}

	retriever, err := s.retriever(table)
	if errors.Is(err, tilestore.ErrNoSuchTable) {
		c.String(http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		c.String(http.StatusInternalServerError, err.Error())
		return
	}

	data, ok, err := retriever.GetTile(req)
	var composeErr *compose.Error
	if errors.As(err, &composeErr) && composeErr.Stage == compose.StageTransform {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		log.WithField("table", table).Error(err)
		c.String(http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	s.cache.SetDefault(key, data)
	c.Header("X-Cache", "MISS")
	c.Data(http.StatusOK, retriever.ContentType(), data)
}

func (s *server) contentType() string {
	if s.format == "jpeg" || s.format == "jpg" {
		return "image/jpeg"
	}
	return "image/png"
}

func (s *server) retriever(table string) (*compose.Retriever, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.retrievers[table]; ok {
		return r, nil
	}
	r, err := newRetriever(s.container, table, s.format, s.interpolation)
	if err != nil {
		return nil, err
	}
	s.retrievers[table] = r
	return r, nil
}

func parseRequest(c *gin.Context) (compose.Request, error) {
	var req compose.Request
	var err error
	if req.BoundingBox, err = parseBBox(c.Query(BBOX)); err != nil {
		return req, err
	}
	ints := []struct {
		name string
		dst  *int
		max  int
	}{
		{name: SRS, dst: &req.SRSID},
		{name: WIDTH, dst: &req.Width, max: maxImageSize},
		{name: HEIGHT, dst: &req.Height, max: maxImageSize},
	}
	for _, p := range ints {
		raw := c.Query(p.name)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 || (p.max > 0 && v > p.max) {
			return req, fmt.Errorf("invalid %s %q", p.name, raw)
		}
		*p.dst = v
	}
	if raw := c.Query(ZOOM); raw != "" {
		zoom, err := strconv.Atoi(raw)
		if err != nil || zoom < 0 {
			return req, fmt.Errorf("invalid %s %q", ZOOM, raw)
		}
		req.Zoom = &zoom
	}
	return req, nil
}

func cacheKey(table string, req compose.Request) string {
	zoom := -1
	if req.Zoom != nil {
		zoom = *req.Zoom
	}
	return fmt.Sprintf("%s|%v|%d|%d|%d|%d", table, req.BoundingBox, req.SRSID, req.Width, req.Height, zoom)
}
