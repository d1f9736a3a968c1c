package morton

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTileKey(t *testing.T) {
	tests := []struct {
		column int
		row    int
		z      Z
		notOK  bool
	}{
		{column: 0b0, row: 0b0, z: 0b0},
		{column: 0b1, row: 0b1, z: 0b11},
		{column: 0b11, row: 0b0, z: 0b0101},
		{column: 0b0, row: 0b11, z: 0b1010},
		{column: 0b1111111111111111, row: 0b0, z: 0b01010101010101010101010101010101},
		{column: math.MaxUint32, row: 0b0, z: 0x5555555555555555},
		{column: math.MaxUint32 + 1, notOK: true},
		{column: -1, notOK: true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf(`TileKey(%b, %b)`, tt.column, tt.row), func(t *testing.T) {
			got, ok := TileKey(tt.column, tt.row)
			if tt.notOK {
				require.False(t, ok)
				return
			}
			require.True(t, ok)
			require.Equalf(t, tt.z, got, `column %b and row %b should interleave into %064b, got %064b`, tt.column, tt.row, tt.z, got)
		})
	}
}

func TestFromTileKey(t *testing.T) {
	for _, cell := range [][2]int{{0, 0}, {1, 0}, {0, 1}, {5, 9}, {1023, 511}, {math.MaxUint32, math.MaxUint32}} {
		t.Run(fmt.Sprintf(`%v`, cell), func(t *testing.T) {
			column, row := FromTileKey(MustTileKey(cell[0], cell[1]))
			require.Equal(t, cell, [2]int{column, row})
		})
	}
}

func TestMustTileKeyPanics(t *testing.T) {
	require.Panics(t, func() { MustTileKey(-1, 0) })
}
