package tms20

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEmbeddedTileMatrixSet(t *testing.T) {
	tests := []struct {
		id   string
		srid int
	}{
		{id: "WebMercatorQuad", srid: 3857},
		{id: "WorldCRS84Quad", srid: 4326},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			got, err := LoadEmbeddedTileMatrixSet(tt.id)
			require.NoErrorf(t, err, "LoadEmbeddedTileMatrixSet() error = %v", err)

			remarshalled, err := json.Marshal(&got)
			require.NoError(t, err)
			rawJSON, err := embeddedTileMatrixSetsJSONFS.ReadFile("tilematrixsets/" + tt.id + ".json")
			require.NoError(t, err)
			require.JSONEq(t, string(rawJSON), string(remarshalled))

			srid, err := got.SRID()
			require.NoError(t, err)
			require.Equal(t, tt.srid, srid)
		})
	}
	assert.Equal(t, []string{"WebMercatorQuad", "WorldCRS84Quad"}, EmbeddedIDs())

	_, err := LoadEmbeddedTileMatrixSet("NoSuchQuad")
	assert.Error(t, err)
}

func TestLoadJSONTileMatrixSet(t *testing.T) {
	jsonFilePath, err := filepath.Abs(path.Join("testdata", "BottomLeftQuad.json"))
	require.NoError(t, err)
	got, err := LoadTileMatrixSet(jsonFilePath)
	require.NoError(t, err)

	remarshalled, err := json.Marshal(&got)
	require.NoError(t, err)
	rawJSON, err := os.ReadFile(jsonFilePath)
	require.NoError(t, err)
	require.JSONEq(t, string(rawJSON), string(remarshalled))

	srid, err := got.SRID()
	require.NoError(t, err)
	assert.Equal(t, 28992, srid)

	_, err = got.Catalog("tiles")
	assert.ErrorIs(t, err, ErrUnsupportedTileMatrixSet)
}

func TestTileMatrixSet_Catalog(t *testing.T) {
	tests := []struct {
		id        string
		wantLen   int
		wantBBox  [4]float64
		wantZoom1 [2]int
		wantSRSID int
	}{
		{
			id:        "WebMercatorQuad",
			wantLen:   25,
			wantBBox:  [4]float64{-20037508.3427892, -20037508.3427892, 20037508.3427892, 20037508.3427892},
			wantZoom1: [2]int{2, 2},
			wantSRSID: 3857,
		},
		{
			id:        "WorldCRS84Quad",
			wantLen:   18,
			wantBBox:  [4]float64{-180, -90, 180, 90},
			wantZoom1: [2]int{4, 2},
			wantSRSID: 4326,
		},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			tms, err := LoadTileMatrixSet(tt.id)
			require.NoError(t, err)
			c, err := tms.Catalog("tiles")
			require.NoError(t, err)
			assert.Equal(t, tt.wantLen, c.Len())
			assert.Equal(t, tt.wantSRSID, c.Set.SRSID)
			for i := range tt.wantBBox {
				assert.InDelta(t, tt.wantBBox[i], c.Set.BoundingBox[i], 1e-3)
			}
			tm, ok := c.MatrixAt(1)
			require.True(t, ok)
			assert.Equal(t, tt.wantZoom1, [2]int{tm.MatrixWidth, tm.MatrixHeight})
		})
	}
}

func TestTileMatrixSet_ClosestTileMatrix(t *testing.T) {
	tms, err := LoadEmbeddedTileMatrixSet("WebMercatorQuad")
	require.NoError(t, err)
	tests := []struct {
		cellSize float64
		want     int
	}{
		{cellSize: 156543.033928041, want: 0},
		{cellSize: 1e9, want: 0},
		{cellSize: 100, want: 11},
		{cellSize: 0.3, want: 19},
		{cellSize: 1e-9, want: 24},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%v", tt.cellSize), func(t *testing.T) {
			z, tm := tms.ClosestTileMatrix(tt.cellSize)
			assert.Equal(t, tt.want, z)
			assert.Equal(t, fmt.Sprint(tt.want), tm.ID)
		})
	}
}
