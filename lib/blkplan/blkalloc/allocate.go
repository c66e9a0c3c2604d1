// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package blkalloc

import (
	"context"
	"fmt"
	"sort"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/blockplan/lib/blkplan/blkdev"
	"git.lukeshu.com/blockplan/lib/blkplan/blkenv"
	"git.lukeshu.com/blockplan/lib/blkplan/blklabel"
	"git.lukeshu.com/blockplan/lib/blkplan/blkunit"
	"git.lukeshu.com/blockplan/lib/containers"
)

// requestScratch recycles the temp-partition bookkeeping slices the
// growth simulation churns through, one per candidate disk.
var requestScratch containers.SlicePool[*blkdev.PartitionDevice]

// AllocatePartitions chooses, for every non-existent partition, a
// disk, a partition type, and a disklabel slot satisfying the request
// and the disklabel's rules.
//
// Requests are allocated most-specific first; see PartitionCompare.
// Growable requests are placed by simulating growth on every
// candidate disk and keeping the disk that yields the most total
// growth.
func AllocatePartitions(
	ctx context.Context,
	env *blkenv.Env,
	disks []blkdev.Device,
	partitions []*blkdev.PartitionDevice,
	freespace []FreeRegion,
	bootDisk blkdev.Device,
) error {
	var newPartitions []*blkdev.PartitionDevice
	for _, p := range partitions {
		if !p.Exists() {
			newPartitions = append(newPartitions, p)
		}
	}
	sort.SliceStable(newPartitions, func(i, j int) bool {
		return PartitionCompare(newPartitions[i], newPartitions[j]) < 0
	})

	removeNewPartitions(env, disks, newPartitions, partitions)

	for _, part := range newPartitions {
		if part.PartedPartition() != nil && part.IsExtended() {
			// ignore new extendeds; they are implicit requests
			continue
		}

		// obtain the set of candidate disks
		var reqDisks []blkdev.Device
		switch {
		case len(part.ReqDisks) > 0:
			reqDisks = append(reqDisks, part.ReqDisks...)
		case len(part.ReqDiskTags) > 0:
			reqDisks = ResolveDiskTags(disks, part.ReqDiskTags)
		default:
			reqDisks = append(reqDisks, disks...)
		}
		SortDisks(env, reqDisks, bootDisk)

		boot := part.Weight > 1000

		dlog.Debugf(ctx, "allocating partition: %s ; id: %d ; boot: %v ; primary: %v ; size: %v ; grow: %v",
			part.Name(), part.ID(), boot, part.ReqPrimary, part.ReqSize, part.ReqGrow)

		var free *blklabel.Geometry
		var useDisk blkdev.Device
		var partType blklabel.PartType
		havePartType := false
		var growth int64 // in sectors

		for _, disk := range reqDisks {
			lbl := blkdev.DiskLabelOf(disk)
			table := lbl.Table()
			alignment := table.GetAlignment(part.ReqSize)

			// For growable requests the current best free
			// region is not handed in, so that the best region
			// from each disk can be weighed by total growth.
			currentFree := free
			if part.ReqGrow {
				currentFree = nil
			}

			dlog.Debugf(ctx, "checking freespace on %s", disk.Name())

			reqSize := part.ReqSize
			if !part.ReqStartSector.OK {
				reqSize = AlignSizeForDisklabel(reqSize, table)
			}

			newPartType, ok := GetNextPartitionType(table, false)
			if !ok {
				// can't allocate any more partitions here
				dlog.Debugf(ctx, "no free partition slots on %s", disk.Name())
				continue
			}

			if part.ReqPrimary && newPartType != blklabel.Normal {
				if table.PrimaryPartitionCount() < table.MaxPrimaryPartitionCount() {
					// upgrade to primary if a slot is open
					newPartType = blklabel.Normal
				} else {
					dlog.Debugf(ctx, "no primary slots available on %s", disk.Name())
					continue
				}
			} else if part.ReqPartType.OK && newPartType != part.ReqPartType.Val {
				newPartType = part.ReqPartType.Val
			}

			best := GetBestFreeSpaceRegion(table, newPartType, reqSize,
				part.ReqStartSector, boot, currentFree, part.ReqGrow, alignment)

			if best == free && !part.ReqPrimary && newPartType == blklabel.Normal {
				// see if we can do better with a logical partition
				dlog.Debugf(ctx, "not enough free space for primary -- trying logical")
				if logicalType, ok := GetNextPartitionType(table, true); ok {
					newPartType = logicalType
					best = GetBestFreeSpaceRegion(table, newPartType, reqSize,
						part.ReqStartSector, boot, currentFree, part.ReqGrow, alignment)
				}
			}

			if best != nil && free != best {
				update := true
				anyGrowable := false
				allocated := newPartitions[:indexOf(newPartitions, part)+1]
				for _, p := range allocated {
					if p.ReqGrow {
						anyGrowable = true
						break
					}
				}
				if anyGrowable {
					newGrowth, simErr := simulateGrowth(ctx, env, disks, disk, part,
						newPartitions, partitions, freespace,
						newPartType, *best, reqSize, boot, alignment)
					if simErr != nil {
						dlog.Debugf(ctx, "growth simulation failed on %s: %v", disk.Name(), simErr)
						continue
					}
					if free != nil && newGrowth <= growth {
						update = false
					} else {
						growth = newGrowth
					}
				}

				if update {
					partType = newPartType
					havePartType = true
					useDisk = disk
					free = best
					dlog.Debugf(ctx, "updating use_disk to %s, type: %v, growth: %d",
						disk.Name(), newPartType, growth)
				}
			}

			if free != nil && boot {
				// first adequate region wins for bootable requests
				break
			}
		}

		if free == nil || !havePartType {
			return &PartitioningError{Msg: "unable to allocate requested partition scheme"}
		}

		disk := useDisk
		table := blkdev.DiskLabelOf(disk).Table()
		alignedSize := part.ReqSize
		if !part.ReqStartSector.OK {
			alignedSize = AlignSizeForDisklabel(part.ReqSize, table)
		}

		// create the extended partition if needed
		if partType == blklabel.Extended &&
			(!part.ReqPartType.OK || part.ReqPartType.Val != blklabel.Extended) {
			dlog.Debugf(ctx, "creating extended partition")
			ext, err := AddPartition(table, *free, blklabel.Extended, 0,
				containers.OptionalNil[int64](), containers.OptionalNil[int64]())
			if err != nil {
				return err
			}

			// the extended partition took all the free space;
			// shrink the logical request to make room for its
			// metadata
			grainSize := blkunit.SectorCount(table.GrainSize()).Size(table.SectorSize)
			extSize := blkunit.SectorCount(ext.Geom.Length() - table.GrainSize()).Size(table.SectorSize)
			if alignedSize > extSize {
				dlog.Debugf(ctx, "shrinking logical to fit inside the new extended")
				alignedSize -= grainSize
			}

			partType = blklabel.Logical

			free = GetBestFreeSpaceRegion(table, partType, alignedSize,
				part.ReqStartSector, boot, nil, part.ReqGrow, table.GetAlignment(alignedSize))
			if free == nil {
				return &PartitioningError{Msg: "not enough free space after creating extended partition"}
			}
		}

		slot, err := AddPartition(table, *free, partType, alignedSize,
			part.ReqStartSector, part.ReqEndSector)
		if err != nil {
			return err
		}

		dlog.Debugf(ctx, "created partition %s of %v and added it to %s",
			blkdev.PartitionName(disk.Name(), slot.Number()),
			blkunit.SectorCount(slot.Geom.Length()).Size(table.SectorSize),
			disk.Name())

		part.SetPartedPartition(slot)
		part.SetDisk(disk)
		part.UpdateName()
	}

	return nil
}

// simulateGrowth temporarily places the request on a candidate disk,
// runs the disk-chunk grower over every disk's pending requests, and
// reports the total achievable growth for that layout.  The temporary
// placement is reverted before returning.
func simulateGrowth(
	ctx context.Context,
	env *blkenv.Env,
	disks []blkdev.Device,
	disk blkdev.Device,
	part *blkdev.PartitionDevice,
	newPartitions, allPartitions []*blkdev.PartitionDevice,
	freespace []FreeRegion,
	partType blklabel.PartType,
	best blklabel.Geometry,
	reqSize blkunit.Size,
	boot bool,
	alignment blklabel.Alignment,
) (int64, error) {
	table := blkdev.DiskLabelOf(disk).Table()

	var tempSlot *blklabel.Partition
	var tempExtended bool
	cleanup := func() {
		if tempSlot != nil {
			table.RemovePartition(tempSlot)
			part.SetPartedPartition(nil)
			part.SetDisk(nil)
		}
		if tempExtended {
			if ext := table.ExtendedPartition(); ext != nil {
				table.RemovePartition(ext)
			}
		}
	}
	defer cleanup()

	simType := partType
	simFree := best
	if partType == blklabel.Extended &&
		(!part.ReqPartType.OK || part.ReqPartType.Val != blklabel.Extended) {
		if _, err := AddPartition(table, best, blklabel.Extended, 0,
			containers.OptionalNil[int64](), containers.OptionalNil[int64]()); err != nil {
			return 0, err
		}
		tempExtended = true
		simType = blklabel.Logical
		freePtr := GetBestFreeSpaceRegion(table, simType, reqSize,
			part.ReqStartSector, boot, nil, part.ReqGrow, alignment)
		if freePtr == nil {
			return 0, fmt.Errorf("not enough space after adding extended partition")
		}
		simFree = *freePtr
	}

	slot, err := AddPartition(table, simFree, simType, reqSize,
		part.ReqStartSector, part.ReqEndSector)
	if err != nil {
		return 0, err
	}
	tempSlot = slot
	part.SetPartedPartition(slot)
	part.SetDisk(disk)

	var total int64
	for _, d := range disks {
		// the requests already placed on this disk, up to and
		// including the current one
		temp := requestScratch.Get(len(newPartitions))[:0]
		for _, p := range newPartitions[:indexOf(newPartitions, part)+1] {
			if sameDisk(p.Disk(), d) && p.PartedPartition() != nil {
				temp = append(temp, p)
			}
		}

		chunks, err := GetDiskChunks(d, temp, freespace)
		requestScratch.Put(temp[:0])
		if err != nil {
			return 0, err
		}
		for _, chunk := range chunks {
			chunk.GrowRequests(false)
			total += chunk.Growth()
		}
	}
	dlog.Debugf(ctx, "total growth with %s on %s: %d sectors", part.Name(), disk.Name(), total)
	return total, nil
}

func indexOf(parts []*blkdev.PartitionDevice, part *blkdev.PartitionDevice) int {
	for i, p := range parts {
		if p.ID() == part.ID() {
			return i
		}
	}
	return -1
}
