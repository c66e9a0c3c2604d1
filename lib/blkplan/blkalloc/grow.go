// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package blkalloc

import (
	"context"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/blockplan/lib/blkplan/blkdev"
	"git.lukeshu.com/blockplan/lib/blkplan/blkenv"
	"git.lukeshu.com/blockplan/lib/blkplan/blklabel"
)

// GrowPartitions grows all growable partition requests.
//
// Partitions have already been allocated from chunks of free space;
// this does not change which chunk a partition lives in.  After the
// chunks compute growth amounts, every new partition's geometry is
// rebuilt from its chunk-relative position and re-added to the
// disklabel.
func GrowPartitions(
	ctx context.Context,
	env *blkenv.Env,
	disks []blkdev.Device,
	partitions []*blkdev.PartitionDevice,
	free []FreeRegion,
	sizeSets []SizeSet,
) error {
	var growable []*blkdev.PartitionDevice
	for _, p := range partitions {
		if p.ReqGrow {
			growable = append(growable, p)
		}
	}
	if len(growable) == 0 {
		dlog.Debugf(ctx, "no growable partitions")
		return nil
	}

	var chunks []*DiskChunk
	for _, disk := range disks {
		diskChunks, err := GetDiskChunks(disk, partitions, free)
		if err != nil {
			return err
		}
		chunks = append(chunks, diskChunks...)
	}

	// grow the partitions in each chunk as a group
	for _, chunk := range chunks {
		if !chunk.HasGrowable() {
			continue
		}
		chunk.GrowRequests(false)
	}

	manageSizeSets(sizeSets, chunks)

	for _, disk := range disks {
		dlog.Debugf(ctx, "growing partitions on %s", disk.Name())
		for _, chunk := range chunks {
			if chunk.disk.ID() != disk.ID() || !chunk.HasGrowable() {
				continue
			}
			if err := recomputeChunkGeometry(env, disk, chunk, partitions); err != nil {
				return err
			}
		}
	}
	return nil
}

// recomputeChunkGeometry rebuilds every new partition's geometry in a
// chunk from its (base + growth) length, then removes and re-adds the
// partitions with their new geometries.  Logical partitions advance
// the running start by one grain to reserve the metadata sector.
func recomputeChunkGeometry(
	env *blkenv.Env,
	disk blkdev.Device,
	chunk *DiskChunk,
	partitions []*blkdev.PartitionDevice,
) error {
	lbl := blkdev.DiskLabelOf(disk)
	table := lbl.Table()
	start := chunk.geom.Start
	defaultAlignment := table.GetAlignment(0)

	// any extended partition on this disk
	var extendedGeom *blklabel.Geometry
	if ext := table.ExtendedPartition(); ext != nil {
		geom := ext.Geom
		extendedGeom = &geom
	}

	if !defaultAlignment.IsAligned(chunk.geom, start) {
		if aligned, ok := defaultAlignment.AlignUp(chunk.geom, start); ok {
			start = aligned
		}
	}

	type placement struct {
		ptype  blklabel.PartType
		geom   blklabel.Geometry
		device *blkdev.PartitionDevice
	}
	var newParts []placement
	for _, req := range chunk.Requests {
		part := req.Device.(*blkdev.PartitionDevice)
		ptype := part.PartedPartition().Type
		if ptype == blklabel.Extended {
			continue
		}

		newLength := req.Base + req.Growth
		alignment := table.GetAlignment(chunk.LengthToSize(newLength))
		endAlignment := table.GetEndAlignment(alignment)
		// one metadata sector precedes each logical partition,
		// so burn one grain to keep its start aligned
		if ptype == blklabel.Logical {
			start += alignment.Grain
		}

		end := start + newLength - 1
		if !endAlignment.IsAligned(chunk.geom, end) {
			if aligned, ok := endAlignment.AlignDown(chunk.geom, end); ok {
				end = aligned
			}
		}
		newParts = append(newParts, placement{
			ptype:  ptype,
			geom:   blklabel.Geometry{Start: start, End: end},
			device: part,
		})
		start = end + 1
	}

	// remove all new partitions from this chunk
	var chunkDevices []*blkdev.PartitionDevice
	for _, req := range chunk.Requests {
		chunkDevices = append(chunkDevices, req.Device.(*blkdev.PartitionDevice))
	}
	removeNewPartitions(env, []blkdev.Device{disk}, chunkDevices, partitions)

	// adjust the extended partition; only one we created, fully
	// inside the chunk
	if extendedGeom != nil && chunk.geom.Contains(*extendedGeom) {
		var extStart int64
		for _, p := range newParts {
			if p.ptype != blklabel.Logical {
				continue
			}
			if extStart == 0 || p.geom.Start < extStart {
				// account for the metadata-sector gap between
				// the extended's start and the first logical
				extStart = p.geom.Start - defaultAlignment.Grain
			}
		}
		if ext := table.ExtendedPartition(); ext != nil {
			table.RemovePartition(ext)
		}
		newExtended := placement{
			ptype: blklabel.Extended,
			geom:  blklabel.Geometry{Start: extStart, End: chunk.geom.End},
		}
		for i, p := range newParts {
			if p.ptype == blklabel.Logical {
				newParts = append(newParts[:i], append([]placement{newExtended}, newParts[i:]...)...)
				break
			}
		}
	}

	// add the partitions back with their new geometries
	for _, p := range newParts {
		slot := &blklabel.Partition{Type: p.ptype, Geom: p.geom}
		if err := table.AddPartition(slot); err != nil {
			return &PartitioningError{Msg: err.Error()}
		}
		if p.device != nil {
			p.device.SetPartedPartition(slot)
			p.device.SetDisk(disk)
		}
	}
	return nil
}
