// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package blkunit

import (
	"math/bits"
)

type (
	// Sector is a sector number on a specific device.
	Sector int64
	// SectorCount is a count of sectors.
	SectorCount int64
)

func (a Sector) Sub(b Sector) SectorCount { return SectorCount(a - b) }
func (a Sector) Add(n SectorCount) Sector { return a + Sector(n) }

// Size converts a sector count to a byte count.
func (n SectorCount) Size(sectorSize Size) Size {
	return Size(n) * sectorSize
}

// MulDiv returns ⌊n*num/den⌋ without overflowing on intermediate
// products.  All three arguments must be non-negative and den must be
// non-zero.
func MulDiv(n, num, den int64) int64 {
	hi, lo := bits.Mul64(uint64(n), uint64(num))
	if hi == 0 {
		return int64(lo / uint64(den))
	}
	quo, _ := bits.Div64(hi, lo, uint64(den))
	return int64(quo)
}
