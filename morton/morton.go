// Package morton interleaves tile column and row indices into a single Z-order key,
// so that tiles that are close in the matrix are close in key order as well.
package morton

import (
	"fmt"
	"math"
)

type Z = uint64

var (
	masks = [...]uint64{
		0x5555555555555555,
		0x3333333333333333,
		0x0F0F0F0F0F0F0F0F,
		0x00FF00FF00FF00FF,
		0x0000FFFF0000FFFF,
		0x00000000FFFFFFFF,
	}
	shifts = [...]uint{0, 1, 2, 4, 8, 16}
)

// TileKey interleaves column (even bits) and row (odd bits).
// Negative indices and indices beyond 32 bits have no key.
func TileKey(column, row int) (z Z, ok bool) {
	if column < 0 || row < 0 || column > math.MaxUint32 || row > math.MaxUint32 {
		return 0, false
	}
	return spread(uint64(column)) | spread(uint64(row))<<1, true
}

func MustTileKey(column, row int) Z {
	z, ok := TileKey(column, row)
	if !ok {
		panic(fmt.Errorf(`cannot make a tile key out of column %v and row %v`, column, row))
	}
	return z
}

func FromTileKey(z Z) (column, row int) {
	return int(squash(z)), int(squash(z >> 1))
}

func spread(v uint64) uint64 {
	for i := 4; i >= 0; i-- {
		v = (v | (v << shifts[i+1])) & masks[i]
	}
	return v
}

func squash(v uint64) uint64 {
	v &= masks[0]
	for i := 1; i <= 5; i++ {
		v = (v | (v >> shifts[i])) & masks[i]
	}
	return v
}
