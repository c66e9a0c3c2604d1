// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package blkalloc places partition requests on disks and divides
// free space among growable requests.  It is the only writer of a new
// partition's disklabel slot.
package blkalloc

import (
	"sort"
	"strings"

	"git.lukeshu.com/blockplan/lib/blkplan/blkdev"
	"git.lukeshu.com/blockplan/lib/blkplan/blkenv"
)

func cmp[T int | int64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case a:
		return 1
	default:
		return -1
	}
}

// PartitionCompare orders allocation requests specificity-first:
// explicit start sectors, then weight, then narrower disk sets,
// primaries, fixed sizes, larger bases, less-bounded growth, and a
// mountpoint tie-break.
func PartitionCompare(part1, part2 *blkdev.PartitionDevice) int {
	// start sector overrides all other sorting factors
	start1 := part1.ReqStartSector
	start2 := part2.ReqStartSector
	switch {
	case start1.OK && !start2.OK:
		return -1
	case !start1.OK && start2.OK:
		return 1
	case start1.OK && start2.OK:
		if d := cmp(start1.Val, start2.Val); d != 0 {
			return d
		}
	}

	ret := 0
	ret -= part1.Weight
	ret += part2.Weight

	// more specific disk specs to the front of the list;
	// an empty req-disks set is an infinitely long list
	switch {
	case len(part1.ReqDisks) > 0 && len(part2.ReqDisks) == 0:
		ret -= 500
	case len(part1.ReqDisks) == 0 && len(part2.ReqDisks) > 0:
		ret += 500
	default:
		ret += cmp(len(part1.ReqDisks), len(part2.ReqDisks)) * 500
	}

	// primary-only to the front of the list
	ret -= cmpBool(part1.ReqPrimary, part2.ReqPrimary) * 200

	// fixed size requests to the front
	ret += cmpBool(part1.ReqGrow, part2.ReqGrow) * 100

	// larger requests go to the front of the list
	ret -= cmp(int64(part1.ReqBaseSize), int64(part2.ReqBaseSize)) * 50

	// potentially larger growable requests go to the front
	if part1.ReqGrow && part2.ReqGrow {
		switch {
		case part1.ReqMaxSize == 0 && part2.ReqMaxSize != 0:
			ret -= 25
		case part1.ReqMaxSize != 0 && part2.ReqMaxSize == 0:
			ret += 25
		default:
			ret -= cmp(int64(part1.ReqMaxSize), int64(part2.ReqMaxSize)) * 25
		}
	}

	// give a little bump based on mountpoint
	ret += strings.Compare(part1.Format().Mountpoint(), part2.Format().Mountpoint()) * 10

	return cmp(ret, 0)
}

// lvCompare orders LV growth requests: larger first, fixed before
// growable, potentially-larger growable first.
func lvCompare(lv1, lv2 *blkdev.LVMLogicalVolumeDevice) int {
	ret := 0

	// larger requests go to the front of the list
	ret -= cmp(int64(lv1.Size()), int64(lv2.Size())) * 100

	// fixed size requests to the front
	ret += cmpBool(lv1.ReqGrow, lv2.ReqGrow) * 50

	// potentially larger growable requests go to the front
	if lv1.ReqGrow && lv2.ReqGrow {
		switch {
		case lv1.ReqMaxSize == 0 && lv2.ReqMaxSize != 0:
			ret -= 25
		case lv1.ReqMaxSize != 0 && lv2.ReqMaxSize == 0:
			ret += 25
		default:
			ret -= cmp(int64(lv1.ReqMaxSize), int64(lv2.ReqMaxSize)) * 25
		}
	}

	return cmp(ret, 0)
}

func diskNameType(name string) int {
	switch {
	case strings.HasPrefix(name, "hd"):
		return 0
	case strings.HasPrefix(name, "sd"):
		return 1
	case strings.HasPrefix(name, "vd"), strings.HasPrefix(name, "xvd"):
		return -1
	default:
		return 2
	}
}

// CompareDisks orders candidate disks: disks the BIOS knows about
// first (in BIOS order), then virtio, IDE, SCSI, everything else,
// with shorter and lexically-lower names first within a class.
func CompareDisks(env *blkenv.Env, first, second string) int {
	one, haveOne := env.EDD[first]
	two, haveTwo := env.EDD[second]
	if haveOne && haveTwo {
		if d := cmp(one, two); d != 0 {
			return d
		}
	}
	if haveOne {
		return -1
	}
	if haveTwo {
		return 1
	}

	if d := cmp(diskNameType(first), diskNameType(second)); d != 0 {
		return d
	}
	if d := cmp(len(first), len(second)); d != 0 {
		return d
	}
	return strings.Compare(first, second)
}

// SortDisks sorts disks with CompareDisks, moving the boot disk, if
// present, to the head of the list.
func SortDisks(env *blkenv.Env, disks []blkdev.Device, bootDisk blkdev.Device) {
	sort.SliceStable(disks, func(i, j int) bool {
		return CompareDisks(env, disks[i].Name(), disks[j].Name()) < 0
	})
	if bootDisk == nil {
		return
	}
	for i, d := range disks {
		if d.ID() == bootDisk.ID() {
			disk := disks[i]
			copy(disks[1:i+1], disks[:i])
			disks[0] = disk
			break
		}
	}
}
