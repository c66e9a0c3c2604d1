// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package blkunit

import (
	"fmt"
	"strings"

	"git.lukeshu.com/blockplan/lib/fmtutil"
	"git.lukeshu.com/blockplan/lib/textui"
)

// Size is an exact byte count.  All of the engine's math on Size is
// exact; whenever a division has to round, the rounding direction is
// explicit at the call site.
type Size int64

const (
	B Size = 1 << (10 * iota)
	KiB
	MiB
	GiB
	TiB
	PiB
	EiB
)

var unitSuffixes = map[string]Size{
	"":    B,
	"B":   B,
	"KiB": KiB,
	"MiB": MiB,
	"GiB": GiB,
	"TiB": TiB,
	"PiB": PiB,
	"EiB": EiB,

	"KB": 1e3,
	"MB": 1e6,
	"GB": 1e9,
	"TB": 1e12,
	"PB": 1e15,
	"EB": 1e18,
}

// ParseSize parses a string such as "4 MiB", "512", or "1.5 GiB" into
// an exact byte count.  Fractional values are resolved exactly against
// the unit; a fraction of a byte is an error.
func ParseSize(s string) (Size, error) {
	str := strings.TrimSpace(s)
	i := 0
	for i < len(str) && (str[i] == '.' || (str[i] >= '0' && str[i] <= '9')) {
		i++
	}
	numStr := str[:i]
	unitStr := strings.TrimSpace(str[i:])
	if numStr == "" {
		return 0, fmt.Errorf("blkunit.ParseSize: %q: no number", s)
	}
	unit, ok := unitSuffixes[unitStr]
	if !ok {
		return 0, fmt.Errorf("blkunit.ParseSize: %q: unknown unit %q", s, unitStr)
	}

	whole, frac, _ := strings.Cut(numStr, ".")
	var val Size
	for _, c := range whole {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("blkunit.ParseSize: %q: bad number", s)
		}
		val = val*10 + Size(c-'0')
	}
	val *= unit

	if frac != "" {
		num := Size(0)
		den := Size(1)
		for _, c := range frac {
			if c < '0' || c > '9' {
				return 0, fmt.Errorf("blkunit.ParseSize: %q: bad number", s)
			}
			num = num*10 + Size(c-'0')
			den *= 10
		}
		rem := num * unit
		if rem%den != 0 {
			return 0, fmt.Errorf("blkunit.ParseSize: %q: not a whole number of bytes", s)
		}
		val += rem / den
	}
	return val, nil
}

// MustParseSize is ParseSize, but panics on malformed input.  For use
// with compile-time-constant strings.
func MustParseSize(s string) Size {
	val, err := ParseSize(s)
	if err != nil {
		panic(err)
	}
	return val
}

func (s Size) Add(o Size) Size { return s + o }
func (s Size) Sub(o Size) Size { return s - o }

// RoundUp returns s rounded up to a multiple of grain.
func (s Size) RoundUp(grain Size) Size {
	if grain <= 0 {
		return s
	}
	if rem := s % grain; rem != 0 {
		return s + grain - rem
	}
	return s
}

// RoundDown returns s rounded down to a multiple of grain.
func (s Size) RoundDown(grain Size) Size {
	if grain <= 0 {
		return s
	}
	return s - s%grain
}

// InSectors converts a byte count to a sector count, rounding down.
func (s Size) InSectors(sectorSize Size) SectorCount {
	return SectorCount(s / sectorSize)
}

// String implements fmt.Stringer.
func (s Size) String() string {
	return textui.Sprintf("%v", textui.IEC(int64(s), "B"))
}

// Format implements fmt.Formatter.
func (s Size) Format(f fmt.State, verb rune) {
	switch verb {
	case 'v', 's', 'q':
		fmt.Fprintf(f, fmtutil.FmtStateString(f, verb), s.String())
	default:
		fmt.Fprintf(f, fmtutil.FmtStateString(f, verb), int64(s))
	}
}
