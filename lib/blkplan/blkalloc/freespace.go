// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package blkalloc

import (
	"fmt"

	"git.lukeshu.com/blockplan/lib/blkplan/blkdev"
	"git.lukeshu.com/blockplan/lib/blkplan/blkenv"
	"git.lukeshu.com/blockplan/lib/blkplan/blklabel"
	"git.lukeshu.com/blockplan/lib/blkplan/blkunit"
	"git.lukeshu.com/blockplan/lib/containers"
)

// PartitioningError means the allocator cannot place a request: no
// free region, disklabel maxima exceeded, alignment unsatisfiable, or
// a formatted partition outside its format's size limits.
type PartitioningError struct {
	Msg string
}

func (e *PartitioningError) Error() string {
	return "blkalloc: " + e.Msg
}

// maxBootSize is the traditional limit on bootable partitions,
// regardless of disklabel.
const maxBootSize = 2 * blkunit.TiB

// FreeRegion is a free region on a specific disk.
type FreeRegion struct {
	Disk blkdev.Device
	Geom blklabel.Geometry
}

// GetNextPartitionType returns the type of partition to create next
// on a disklabel, or ok=false when no more partitions fit.
//
// If there is only one free primary slot left and the disklabel can
// take an extended partition, that is the moment to make one.
// noPrimary refuses a Normal result.
func GetNextPartitionType(table *blklabel.Label, noPrimary bool) (blklabel.PartType, bool) {
	extended := table.ExtendedPartition()
	supportsExtended := table.SupportsExtended()
	primaryCount := table.PrimaryPartitionCount()

	switch {
	case primaryCount < table.MaxPrimaryPartitionCount():
		if primaryCount == table.MaxPrimaryPartitionCount()-1 {
			// can we make an extended partition?  now's our chance
			switch {
			case extended == nil && supportsExtended:
				return blklabel.Extended, true
			case extended == nil:
				// extended not supported; primary or nothing
				if !noPrimary {
					return blklabel.Normal, true
				}
			default:
				// there is an extended and a free primary
				if !noPrimary {
					return blklabel.Normal, true
				}
				return blklabel.Logical, true
			}
		} else {
			// two or more primary slots left
			if !noPrimary {
				return blklabel.Normal, true
			}
			if extended != nil {
				return blklabel.Logical, true
			}
		}
	case extended != nil:
		return blklabel.Logical, true
	}

	return 0, false
}

// GetBestFreeSpaceRegion returns the "best" free region on a
// disklabel for a request, or nil.
//
// Growable and extended requests prefer the largest region; boot
// requests take the first that fits; everything else prefers the
// smallest that fits.  bestFree carries the best region found on
// previously considered disks, so one request can be weighed across
// disks.
func GetBestFreeSpaceRegion(
	table *blklabel.Label,
	partType blklabel.PartType,
	reqSize blkunit.Size,
	start containers.Optional[int64],
	boot bool,
	bestFree *blklabel.Geometry,
	grow bool,
	alignment blklabel.Alignment,
) *blklabel.Geometry {
	extended := table.ExtendedPartition()

	for _, freeGeom := range table.FreeSpaceRegions() {
		// We will be aligning the partition's start sector, so
		// align the region's start too.
		if start.OK && !alignment.IsAligned(freeGeom, freeGeom.Start) {
			alignedStart, ok := alignment.AlignUp(freeGeom, freeGeom.Start)
			if !ok || alignedStart < freeGeom.Start {
				continue
			}
			freeGeom = blklabel.Geometry{Start: alignedStart, End: freeGeom.End}
		}

		if start.OK && !freeGeom.ContainsSector(start.Val) {
			continue
		}

		if extended != nil {
			inExtended := extended.Geom.Contains(freeGeom)
			if (inExtended && partType == blklabel.Normal) ||
				(!inExtended && partType == blklabel.Logical) {
				continue
			}
		}

		if freeGeom.Start > table.MaxPartitionStartSector() {
			continue
		}

		if boot {
			freeStart := blkunit.SectorCount(freeGeom.Start).Size(table.SectorSize)
			if freeStart+reqSize > maxBootSize {
				continue
			}
		}

		freeSize := blkunit.SectorCount(freeGeom.Length()).Size(table.SectorSize)
		if reqSize > freeSize {
			continue
		}

		better := bestFree == nil
		if !better {
			if grow || partType == blklabel.Extended {
				better = freeGeom.Length() > bestFree.Length()
			} else {
				better = freeGeom.Length() < bestFree.Length()
			}
		}
		if better {
			geom := freeGeom
			bestFree = &geom
			if boot {
				// first one large enough wins
				break
			}
		}
	}

	return bestFree
}

// AlignSizeForDisklabel rounds size up to the disklabel's grain.
func AlignSizeForDisklabel(size blkunit.Size, table *blklabel.Label) blkunit.Size {
	grain := blkunit.SectorCount(table.GetAlignment(size).Grain).Size(table.SectorSize)
	return size.RoundUp(grain)
}

// AddPartition allocates a slot of the given type and size out of a
// free region, aligning the start and end sectors unless an explicit
// start is given.  A zero size with an Extended request and no
// explicit start uses the whole region.
func AddPartition(
	table *blklabel.Label,
	free blklabel.Geometry,
	partType blklabel.PartType,
	size blkunit.Size,
	reqStart containers.Optional[int64],
	reqEnd containers.Optional[int64],
) (*blklabel.Partition, error) {
	var alignment, endAlignment blklabel.Alignment
	if !reqStart.OK {
		alignSize := size
		if size == 0 {
			// implicit request for an extended partition
			alignSize = blkunit.SectorCount(free.Length()).Size(table.SectorSize)
		}
		alignment = table.GetAlignment(alignSize)
		endAlignment = table.GetEndAlignment(alignment)
	} else {
		alignment = blklabel.Alignment{Offset: 0, Grain: 1}
		endAlignment = blklabel.Alignment{Offset: -1, Grain: 1}
	}

	var start, end int64
	if reqStart.OK {
		start = reqStart.Val
		if reqEnd.OK {
			end = reqEnd.Val
		} else {
			end = start + int64(size.InSectors(table.SectorSize)) - 1
		}
	} else {
		start = free.Start
		if !alignment.IsAligned(free, start) {
			var ok bool
			start, ok = alignment.AlignNearest(free, start)
			if !ok {
				return nil, &PartitioningError{Msg: "unable to allocate aligned partition"}
			}
		}

		if partType == blklabel.Logical {
			// make room for the logical partition's metadata
			start += alignment.Grain
		}

		if partType == blklabel.Extended && size == 0 {
			end = free.End
		} else {
			end = start + int64(size.InSectors(table.SectorSize)) - 1
		}

		if !endAlignment.IsAligned(free, end) {
			var ok bool
			end, ok = endAlignment.AlignUp(free, end)
			if !ok || start > end {
				return nil, &PartitioningError{Msg: "unable to allocate aligned partition"}
			}
		}
	}

	geom := blklabel.Geometry{Start: start, End: end}
	if maxLen := table.MaxPartitionLength(); maxLen != 0 && geom.Length() > maxLen {
		return nil, &PartitioningError{Msg: "requested size exceeds maximum allowed"}
	}

	part := &blklabel.Partition{Type: partType, Geom: geom}
	if err := table.AddPartition(part); err != nil {
		return nil, &PartitioningError{Msg: fmt.Sprintf("failed to add partition to disk: %v", err)}
	}
	return part, nil
}

// GetFreeRegions returns the free regions on the given disks, in
// disk order.  Only regions at least one grain long are returned;
// with align, region lengths are trimmed to a grain multiple.
func GetFreeRegions(disks []blkdev.Device, align bool) []FreeRegion {
	var free []FreeRegion
	for _, disk := range disks {
		lbl := blkdev.DiskLabelOf(disk)
		if lbl == nil || lbl.Table() == nil {
			continue
		}
		table := lbl.Table()
		grain := table.GrainSize()
		for _, geom := range table.FreeSpaceRegions() {
			if geom.Length() < grain {
				continue
			}
			if align {
				alignedLen := geom.Length() - geom.Length()%grain
				geom.End = geom.Start + alignedLen - 1
			}
			free = append(free, FreeRegion{Disk: disk, Geom: geom})
		}
	}
	return free
}

// ResolveDiskTags selects the disks carrying any of the given tags.
func ResolveDiskTags(disks []blkdev.Device, tags []string) []blkdev.Device {
	var ret []blkdev.Device
	for _, disk := range disks {
		for _, tag := range tags {
			if disk.Tags().Has(tag) {
				ret = append(ret, disk)
				break
			}
		}
	}
	return ret
}

// removeNewPartitions removes all non-existent partitions from the
// given disks' disklabels.  Extended partitions are removed last, and
// only when they hold no logicals and either have no device among
// allParts or the empty-extended policy says to drop them.
func removeNewPartitions(env *blkenv.Env, disks []blkdev.Device, remove, allParts []*blkdev.PartitionDevice) {
	// disks that logical partitions were removed from
	removedLogical := make(map[blkdev.ID]bool)
	for _, part := range remove {
		if part.PartedPartition() == nil || part.Disk() == nil ||
			!blkdev.ContainsDevice(disks, part.Disk()) {
			continue
		}
		if part.Exists() {
			// only remove partitions that don't physically exist
			continue
		}
		if part.IsExtended() {
			// these get removed last
			continue
		}
		if part.IsLogical() {
			removedLogical[part.Disk().ID()] = true
		}
		lbl := blkdev.DiskLabelOf(part.Disk())
		lbl.Table().RemovePartition(part.PartedPartition())
		part.SetPartedPartition(nil)
		part.SetDisk(nil)
	}

	for _, disk := range disks {
		lbl := blkdev.DiskLabelOf(disk)
		if lbl == nil || lbl.Table() == nil {
			continue
		}
		table := lbl.Table()
		extended := table.ExtendedPartition()
		if extended == nil || len(table.LogicalPartitions()) > 0 {
			continue
		}

		hasDevice := false
		for _, part := range allParts {
			if part.PartedPartition() == extended {
				hasDevice = true
				break
			}
		}
		removeExtended := false
		switch {
		case !hasDevice:
			removeExtended = true
		case env.KeepEmptyExtPartitions:
			removeExtended = false
		default:
			// we removed all the logicals out of this
			// extended, so we no longer need it
			removeExtended = removedLogical[disk.ID()]
		}
		if removeExtended {
			table.RemovePartition(extended)
		}
	}
}
