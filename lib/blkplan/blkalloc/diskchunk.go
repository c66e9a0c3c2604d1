// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package blkalloc

import (
	"sort"

	"git.lukeshu.com/blockplan/lib/blkplan/blkdev"
	"git.lukeshu.com/blockplan/lib/blkplan/blklabel"
	"git.lukeshu.com/blockplan/lib/blkplan/blkunit"
)

// NewPartitionRequest builds a growth request for a partition from
// its current disklabel slot.  Bases and growth are in sectors.
func NewPartitionRequest(part *blkdev.PartitionDevice) *Request {
	req := NewRequest(part, part.PartedPartition().Geom.Length(), part.ReqGrow)

	table := blkdev.DiskLabelOf(part.Disk()).Table()
	sectorSize := table.SectorSize

	if part.ReqGrow {
		var reqFormatMax blkunit.Size
		for _, size := range []blkunit.Size{part.ReqMaxSize, part.Format().MaxSize()} {
			if size > 0 && (reqFormatMax == 0 || size < reqFormatMax) {
				reqFormatMax = size
			}
		}
		var limits []int64
		if reqFormatMax > 0 {
			limits = append(limits, int64(reqFormatMax.InSectors(sectorSize)))
		}
		if maxLen := table.MaxPartitionLength(); maxLen > 0 {
			limits = append(limits, maxLen)
		}
		if len(limits) > 0 {
			maxSectors := limits[0]
			for _, l := range limits[1:] {
				if l < maxSectors {
					maxSectors = l
				}
			}
			req.MaxGrowth = maxSectors - req.Base
			if req.MaxGrowth <= 0 {
				// max size is less than or equal to base
				req.Done = true
			}
		}
	}
	return req
}

// DiskChunk is a free region on a disk from which partitions are
// allocated.  Units are sectors.
//
// Growth is bounded by the disklabel's limits on partition end
// sector, so a 10 TB disk with an msdos disklabel grows like a 2 TiB
// disk.
type DiskChunk struct {
	Chunk

	geom       blklabel.Geometry
	sectorSize blkunit.Size
	disk       blkdev.Device
}

// NewDiskChunk builds a chunk over an (aligned) free region.
func NewDiskChunk(disk blkdev.Device, geom blklabel.Geometry, requests ...*Request) (*DiskChunk, error) {
	table := blkdev.DiskLabelOf(disk).Table()
	c := &DiskChunk{
		geom:       geom,
		sectorSize: table.SectorSize,
		disk:       disk,
	}
	c.Chunk.Length = geom.Length()
	c.Chunk.Pool = geom.Length()
	c.Chunk.ops = c
	for _, req := range requests {
		if err := c.AddRequest(req); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *DiskChunk) Geom() blklabel.Geometry { return c.geom }
func (c *DiskChunk) Disk() blkdev.Device     { return c.disk }

// AddRequest adjusts the pool for disklabel end-sector limits when
// the first request lands, then claims the request's base.
func (c *DiskChunk) AddRequest(req *Request) error {
	if len(c.Requests) == 0 {
		table := blkdev.DiskLabelOf(req.Device.(*blkdev.PartitionDevice).Disk()).Table()
		chunkEnd := table.MaxPartitionStartSector()
		if c.geom.End < chunkEnd {
			chunkEnd = c.geom.End
		}
		if chunkEnd <= c.geom.Start {
			return &PartitioningError{Msg: "partitions allocated outside disklabel limits"}
		}
		newPool := chunkEnd - c.geom.Start + 1
		if newPool != c.Pool {
			c.Pool = newPool
		}
	}
	c.Chunk.AddRequest(req)
	return nil
}

// maxGrowth bounds a request by the disklabel's maximum end sector,
// the 2 TiB boot cap, and the request's own maximum.  Because a
// partition's start shifts by the accumulated growth of the
// partitions before it in the chunk, that growth counts against the
// limit too.
func (c *DiskChunk) maxGrowth(req *Request) int64 {
	part := req.Device.(*blkdev.PartitionDevice)
	reqStart := part.PartedPartition().Geom.Start
	reqEnd := part.PartedPartition().Geom.End

	var growth int64
	for _, other := range c.Requests {
		otherPart := other.Device.(*blkdev.PartitionDevice)
		if otherPart.PartedPartition().Geom.Start < reqStart {
			growth += other.Growth
		}
	}
	reqEnd += growth

	table := blkdev.DiskLabelOf(part.Disk()).Table()
	limits := []int64{table.MaxPartitionStartSector() - reqEnd}

	if part.ReqBootable {
		maxBoot := int64(maxBootSize.InSectors(c.sectorSize))
		limits = append(limits, maxBoot-reqEnd)
	}
	if req.MaxGrowth > 0 {
		limits = append(limits, req.MaxGrowth)
	}

	max := limits[0]
	for _, l := range limits[1:] {
		if l < max {
			max = l
		}
	}
	return max
}

func (c *DiskChunk) lengthToSize(length int64) blkunit.Size {
	return blkunit.SectorCount(length).Size(c.sectorSize)
}

func (c *DiskChunk) sortRequests(reqs []*Request) {
	// sort the partitions by start sector
	sort.SliceStable(reqs, func(i, j int) bool {
		pi := reqs[i].Device.(*blkdev.PartitionDevice).PartedPartition()
		pj := reqs[j].Device.(*blkdev.PartitionDevice).PartedPartition()
		return pi.Geom.Start < pj.Geom.Start
	})
}

// GetDiskChunks builds a chunk per usable free region on the disk and
// files each new partition into the chunk containing it.
func GetDiskChunks(disk blkdev.Device, partitions []*blkdev.PartitionDevice, free []FreeRegion) ([]*DiskChunk, error) {
	var diskParts []*blkdev.PartitionDevice
	for _, p := range partitions {
		if sameDisk(p.Disk(), disk) && !p.Exists() {
			diskParts = append(diskParts, p)
		}
	}
	table := blkdev.DiskLabelOf(disk).Table()

	var chunks []*DiskChunk
	for _, f := range free {
		if f.Disk.ID() != disk.ID() {
			continue
		}
		// Align the region so we have a realistic view of the
		// free space.  Both ends can align to the same sector
		// in a small enough region.
		size := blkunit.SectorCount(f.Geom.Length()).Size(table.SectorSize)
		alignment := table.GetAlignment(size)
		endAlignment := table.GetEndAlignment(alignment)

		alStart, okStart := alignment.AlignUp(f.Geom, f.Geom.Start)
		alEnd, okEnd := endAlignment.AlignDown(f.Geom, f.Geom.End)
		if !okStart || !okEnd || alStart >= alEnd {
			continue
		}
		geom := blklabel.Geometry{Start: alStart, End: alEnd}
		if geom.Length() < alignment.Grain {
			continue
		}
		chunk, err := NewDiskChunk(disk, geom)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}

	for _, p := range diskParts {
		if p.IsExtended() {
			// extended partitions are handled specially, at
			// re-add time
			continue
		}
		for _, chunk := range chunks {
			if chunk.geom.Contains(p.PartedPartition().Geom) {
				if err := chunk.AddRequest(NewPartitionRequest(p)); err != nil {
					return nil, err
				}
				break
			}
		}
	}

	return chunks, nil
}

func sameDisk(a, b blkdev.Device) bool {
	return a != nil && b != nil && a.ID() == b.ID()
}
