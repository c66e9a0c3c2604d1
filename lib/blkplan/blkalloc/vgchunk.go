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
	"git.lukeshu.com/blockplan/lib/blkplan/blkunit"
)

// NewLVRequest builds a growth request for a logical volume.  Bases
// and growth are in extents; the base is rounded up to a whole
// extent, so a growable request's first growth fills the remainder of
// any partially-used extent.
func NewLVRequest(lv *blkdev.LVMLogicalVolumeDevice) *Request {
	vg := lv.VG()
	base := int64(vg.Align(lv.Size(), true) / vg.PESize())
	req := NewRequest(lv, base, lv.ReqGrow)

	if lv.ReqGrow {
		var limits []int64
		for _, size := range []blkunit.Size{lv.ReqMaxSize, lv.Format().MaxSize()} {
			if size > 0 {
				limits = append(limits, int64(vg.Align(size, false)/vg.PESize()))
			}
		}
		if len(limits) > 0 {
			maxUnits := limits[0]
			for _, l := range limits[1:] {
				if l < maxUnits {
					maxUnits = l
				}
			}
			req.MaxGrowth = maxUnits - req.Base
			if req.MaxGrowth <= 0 {
				// max size is less than or equal to base
				req.Done = true
			}
		}
	}

	// fixed extra space: cache and per-LV metadata
	if lv.Cached() {
		req.Reserve += int64(vg.Align(lv.CacheRequest.Size, true) / vg.PESize())
	}
	req.Reserve += int64(vg.Align(lv.MetadataVGSpaceUsed(), true) / vg.PESize())

	return req
}

// VGChunk is an LVM volume group's free space, from which LVs are
// allocated.  Units are extents.
type VGChunk struct {
	Chunk

	vg *blkdev.LVMVolumeGroupDevice
}

func NewVGChunk(vg *blkdev.LVMVolumeGroupDevice, requests ...*Request) *VGChunk {
	usable := vg.Extents() - int64(vg.Align(vg.ReservedSpace(), true)/vg.PESize())
	c := &VGChunk{vg: vg}
	c.Chunk.Length = usable
	c.Chunk.Pool = usable
	c.Chunk.ops = c
	for _, req := range requests {
		c.AddRequest(req)
	}
	return c
}

func (c *VGChunk) VG() *blkdev.LVMVolumeGroupDevice { return c.vg }

func (c *VGChunk) maxGrowth(req *Request) int64 { return req.MaxGrowth }

func (c *VGChunk) lengthToSize(length int64) blkunit.Size {
	return blkunit.Size(length) * c.vg.PESize()
}

func (c *VGChunk) sortRequests(reqs []*Request) {
	sort.SliceStable(reqs, func(i, j int) bool {
		return lvCompare(
			reqs[i].Device.(*blkdev.LVMLogicalVolumeDevice),
			reqs[j].Device.(*blkdev.LVMLogicalVolumeDevice),
		) < 0
	})
}

// ThinPoolChunk is a thin pool's space, from which thin LVs are
// allocated.  The algorithm is the VGChunk's; only the pool size
// differs.
type ThinPoolChunk struct {
	VGChunk

	pool *blkdev.LVMLogicalVolumeDevice
}

func NewThinPoolChunk(pool *blkdev.LVMLogicalVolumeDevice, requests ...*Request) *ThinPoolChunk {
	vg := pool.VG()
	usable := int64(pool.Size() / vg.PESize())
	c := &ThinPoolChunk{pool: pool}
	c.vg = vg
	c.Chunk.Length = usable
	c.Chunk.Pool = usable
	c.Chunk.ops = c
	for _, req := range requests {
		c.AddRequest(req)
	}
	return c
}

// applyChunkGrowth sets each growable LV's size to what the chunk
// computed.  The base was rounded up to whole extents, so the size is
// recomputed from units rather than grown in place.
func applyChunkGrowth(c *Chunk) {
	for _, req := range c.Requests {
		lv := req.Device.(*blkdev.LVMLogicalVolumeDevice)
		if !lv.ReqGrow {
			continue
		}
		lv.SetSize(c.LengthToSize(req.Base + req.Growth))
	}
}

// GrowLVM grows LVs according to the space in their VGs.
//
// Thin pools are grown along with the other non-thin LVs (a pool's
// base size covers the LVs inside it; overcommit is not allowed);
// the thin LVs inside each pool are then grown separately via a
// ThinPoolChunk.
func GrowLVM(ctx context.Context, vgs []*blkdev.LVMVolumeGroupDevice) error {
	for _, vg := range vgs {
		totalFree := vg.FreeExtents()
		if totalFree < 0 {
			// the PVs are allocated by now, so this is a real
			// problem
			return &PartitioningError{Msg: fmt.Sprintf("not enough space for LVM requests in %q", vg.Name())}
		}
		if totalFree == 0 {
			dlog.Debugf(ctx, "vg %s has no free space", vg.Name())
			continue
		}

		// thin lvs don't factor into the vg's growth
		var fatLVs []*blkdev.LVMLogicalVolumeDevice
		for _, lv := range vg.LVs() {
			if lv.SegType() != blkdev.SegThin {
				fatLVs = append(fatLVs, lv)
			}
		}

		for _, lv := range fatLVs {
			if lv.SegType() == blkdev.SegThinPool {
				// a pool's base size is at least the sum of
				// its lvs' sizes
				if used := lv.UsedSpace(); used > lv.ReqSize {
					lv.ReqSize = used
				}
				if lv.ReqSize > lv.CurrentSize() {
					lv.SetSize(lv.ReqSize)
				}
			}
		}

		// percentage-based requests are fixed sizes, established
		// against the free space before proportional growth
		var pctLVs []*blkdev.LVMLogicalVolumeDevice
		pctTotal := 0
		for _, lv := range vg.LVs() {
			if lv.ReqPercent > 0 {
				pctLVs = append(pctLVs, lv)
				pctTotal += lv.ReqPercent
			}
		}
		if pctTotal > 100 {
			return fmt.Errorf("blkalloc: sum of percentages within vg %q exceeds 100", vg.Name())
		}
		if len(pctLVs) > 0 {
			var pctBase int64
			for _, lv := range pctLVs {
				pctBase += int64(vg.Align(lv.ReqSize, false) / vg.PESize())
			}
			basis := vg.FreeExtents() + pctBase
			for _, lv := range pctLVs {
				newExtents := blkunit.MulDiv(int64(lv.ReqPercent), basis, 100)
				lv.ReqSize = vg.PESize() * blkunit.Size(newExtents)
				lv.SetSize(lv.ReqSize)
			}
		}

		var reqs []*Request
		for _, lv := range fatLVs {
			reqs = append(reqs, NewLVRequest(lv))
		}
		chunk := NewVGChunk(vg, reqs...)
		chunk.GrowRequests(false)
		applyChunkGrowth(&chunk.Chunk)

		// size the pools' metadata now that they have grown,
		// trading pool space for any pmspare bump
		for _, pool := range vg.ThinPools() {
			origPMSpare := vg.PMSpareSize()
			if !pool.Exists() && pool.MetadataSize == 0 {
				pool.AutosetMetadataSize()
			}
			if vg.PMSpareSize() != origPMSpare {
				pool.SetSize(pool.Size() - (vg.PMSpareSize() - origPMSpare))
			}
		}

		// grow thin lv requests within their respective pools
		for _, pool := range vg.ThinPools() {
			var thinReqs []*Request
			for _, lv := range pool.ThinLVs() {
				thinReqs = append(thinReqs, NewLVRequest(lv))
			}
			if len(thinReqs) == 0 {
				continue
			}
			thinChunk := NewThinPoolChunk(pool, thinReqs...)
			thinChunk.GrowRequests(false)
			applyChunkGrowth(&thinChunk.Chunk)
		}
	}
	return nil
}
