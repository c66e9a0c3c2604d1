// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package blklabel

import (
	"fmt"
)

// Geometry is a contiguous region of a disk, in sectors.  Both Start
// and End are inclusive.
type Geometry struct {
	Start int64
	End   int64
}

func (g Geometry) Length() int64 {
	return g.End - g.Start + 1
}

func (g Geometry) ContainsSector(sector int64) bool {
	return sector >= g.Start && sector <= g.End
}

func (g Geometry) Contains(o Geometry) bool {
	return o.Start >= g.Start && o.End <= g.End
}

func (g Geometry) Overlaps(o Geometry) bool {
	return g.Start <= o.End && o.Start <= g.End
}

func (g Geometry) String() string {
	return fmt.Sprintf("%d-%d", g.Start, g.End)
}

// Alignment is a (grain size, offset) pair used to round sector
// numbers to values the disklabel considers legal.  A sector is
// aligned iff sector ≡ offset (mod grain).
type Alignment struct {
	Offset int64
	Grain  int64
}

func (a Alignment) IsAligned(g Geometry, sector int64) bool {
	if !g.ContainsSector(sector) {
		return false
	}
	if a.Grain <= 1 {
		return true
	}
	return mod(sector-a.Offset, a.Grain) == 0
}

// AlignUp returns the lowest aligned sector ≥ sector that is within g.
func (a Alignment) AlignUp(g Geometry, sector int64) (int64, bool) {
	aligned := a.alignUpRaw(sector)
	if !g.ContainsSector(aligned) {
		return 0, false
	}
	return aligned, true
}

// AlignDown returns the highest aligned sector ≤ sector that is
// within g.
func (a Alignment) AlignDown(g Geometry, sector int64) (int64, bool) {
	aligned := a.alignDownRaw(sector)
	if !g.ContainsSector(aligned) {
		return 0, false
	}
	return aligned, true
}

// AlignNearest returns the aligned sector within g nearest to sector.
func (a Alignment) AlignNearest(g Geometry, sector int64) (int64, bool) {
	up, upOK := a.AlignUp(g, sector)
	down, downOK := a.AlignDown(g, sector)
	switch {
	case upOK && downOK:
		if up-sector < sector-down {
			return up, true
		}
		return down, true
	case upOK:
		return up, true
	case downOK:
		return down, true
	default:
		return 0, false
	}
}

func (a Alignment) alignUpRaw(sector int64) int64 {
	if a.Grain <= 1 {
		return sector
	}
	if rem := mod(sector-a.Offset, a.Grain); rem != 0 {
		return sector + a.Grain - rem
	}
	return sector
}

func (a Alignment) alignDownRaw(sector int64) int64 {
	if a.Grain <= 1 {
		return sector
	}
	return sector - mod(sector-a.Offset, a.Grain)
}

func mod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}
