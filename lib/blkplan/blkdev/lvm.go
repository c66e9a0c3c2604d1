// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package blkdev

import (
	"fmt"

	"git.lukeshu.com/blockplan/lib/blkplan/blkunit"
	"git.lukeshu.com/blockplan/lib/slices"
)

// SegType is an LVM logical volume's segment type.
type SegType string

const (
	SegLinear   SegType = "linear"
	SegThin     SegType = "thin"
	SegThinPool SegType = "thin-pool"
	SegRAID0    SegType = "raid0"
	SegRAID1    SegType = "raid1"
	SegRAID5    SegType = "raid5"
	SegRAID6    SegType = "raid6"
	SegRAID10   SegType = "raid10"
	SegVDO      SegType = "vdo"
	SegVDOPool  SegType = "vdo-pool"
	SegCache    SegType = "cache"
)

// LVMVolumeGroupDevice is an LVM volume group.  Its parents are the
// PV-formatted member devices.
type LVMVolumeGroupDevice struct {
	StorageDevice

	peSize   blkunit.Size
	reserved blkunit.Size
	pmspare  blkunit.Size

	lvs []*LVMLogicalVolumeDevice
}

type VGConfig struct {
	Config

	// PESize is the physical extent size; 4 MiB if zero.
	PESize blkunit.Size
	// ReservedSpace is kept free in the VG, outside any LV.
	ReservedSpace blkunit.Size
}

func NewLVMVolumeGroup(name string, cfg VGConfig) *LVMVolumeGroupDevice {
	vg := new(LVMVolumeGroupDevice)
	initDevice(vg, &vg.StorageDevice, name, cfg.Config)
	vg.peSize = cfg.PESize
	if vg.peSize == 0 {
		vg.peSize = 4 * blkunit.MiB
	}
	vg.reserved = cfg.ReservedSpace
	for _, pv := range vg.parents {
		pv.SetContainer(vg)
	}
	return vg
}

func (vg *LVMVolumeGroupDevice) Type() string { return "lvmvg" }

func (vg *LVMVolumeGroupDevice) PESize() blkunit.Size        { return vg.peSize }
func (vg *LVMVolumeGroupDevice) ReservedSpace() blkunit.Size { return vg.reserved }
func (vg *LVMVolumeGroupDevice) PMSpareSize() blkunit.Size   { return vg.pmspare }

func (vg *LVMVolumeGroupDevice) SetPMSpareSize(size blkunit.Size) { vg.pmspare = size }

// Align rounds size to a multiple of the extent size, down by
// default, up when roundUp.
func (vg *LVMVolumeGroupDevice) Align(size blkunit.Size, roundUp bool) blkunit.Size {
	if roundUp {
		return size.RoundUp(vg.peSize)
	}
	return size.RoundDown(vg.peSize)
}

// Extents returns the VG's extent count: the sum of each PV's usable
// extents.  Every PV loses its PE-start header (1 MiB by default),
// which costs one extent.
func (vg *LVMVolumeGroupDevice) Extents() int64 {
	var total int64
	for _, pv := range vg.parents {
		peStart := blkunit.MiB
		if pvfmt, ok := pv.Format().(*LVMPV); ok && pvfmt.PEStart > 0 {
			peStart = pvfmt.PEStart
		}
		usable := pv.Size() - peStart
		if usable > 0 {
			total += int64(usable / vg.peSize)
		}
	}
	return total
}

// AllocatedExtents returns the extents spoken for by the VG's LVs,
// including cache and metadata overhead.
func (vg *LVMVolumeGroupDevice) AllocatedExtents() int64 {
	var total int64
	for _, lv := range vg.lvs {
		if lv.pool != nil {
			// thin LVs live inside their pool
			continue
		}
		total += int64(vg.Align(lv.Size(), true) / vg.peSize)
		if lv.Cached() {
			total += int64(vg.Align(lv.CacheRequest.Size, true) / vg.peSize)
		}
		total += int64(vg.Align(lv.MetadataVGSpaceUsed(), true) / vg.peSize)
	}
	return total
}

func (vg *LVMVolumeGroupDevice) FreeExtents() int64 {
	return vg.Extents() - vg.AllocatedExtents()
}

func (vg *LVMVolumeGroupDevice) FreeSpace() blkunit.Size {
	return blkunit.Size(vg.FreeExtents()) * vg.peSize
}

// Size of a VG is its extent count times the extent size.
func (vg *LVMVolumeGroupDevice) Size() blkunit.Size {
	return blkunit.Size(vg.Extents()) * vg.peSize
}

// LVs returns the VG's logical volumes, thin LVs included.
func (vg *LVMVolumeGroupDevice) LVs() []*LVMLogicalVolumeDevice {
	ret := make([]*LVMLogicalVolumeDevice, len(vg.lvs))
	copy(ret, vg.lvs)
	return ret
}

func (vg *LVMVolumeGroupDevice) ThinPools() []*LVMLogicalVolumeDevice {
	var ret []*LVMLogicalVolumeDevice
	for _, lv := range vg.lvs {
		if lv.segType == SegThinPool {
			ret = append(ret, lv)
		}
	}
	return ret
}

func (vg *LVMVolumeGroupDevice) ThinLVs() []*LVMLogicalVolumeDevice {
	var ret []*LVMLogicalVolumeDevice
	for _, lv := range vg.lvs {
		if lv.segType == SegThin {
			ret = append(ret, lv)
		}
	}
	return ret
}

func (vg *LVMVolumeGroupDevice) addLV(lv *LVMLogicalVolumeDevice) {
	vg.lvs = append(vg.lvs, lv)
}

func (vg *LVMVolumeGroupDevice) removeLV(lv *LVMLogicalVolumeDevice) {
	vg.lvs = slices.RemoveFunc(vg.lvs, func(o *LVMLogicalVolumeDevice) bool {
		return o.ID() == lv.ID()
	})
}

// LVMCacheRequest asks for an LV to be cached on fast PVs.
type LVMCacheRequest struct {
	Size blkunit.Size
	PVs  []Device
	Mode string
}

// LVMLogicalVolumeDevice is a logical volume: plain, thin pool, thin,
// VDO (pool), or cached.  Its parent is its VG, or its pool for thin
// LVs.
type LVMLogicalVolumeDevice struct {
	StorageDevice

	segType SegType
	lvname  string

	ReqGrow    bool
	ReqSize    blkunit.Size
	ReqMaxSize blkunit.Size
	// ReqPercent sizes the LV as a percentage of the VG space left free by
// the LVs without a percentage.
	ReqPercent int

	CacheRequest *LVMCacheRequest

	// FromLVs are the constituent LVs when this LV is built from
	// other LVs.  While this LV is in the tree the sources are
	// out; destroying it returns them.
	FromLVs []*LVMLogicalVolumeDevice

	// MetadataSize is the pool-metadata size for thin pools.
	MetadataSize blkunit.Size

	vg   *LVMVolumeGroupDevice
	pool *LVMLogicalVolumeDevice
	lvs  []*LVMLogicalVolumeDevice
}

type LVConfig struct {
	Config

	SegType      SegType
	Grow         bool
	MaxSize      blkunit.Size
	Percent      int
	CacheRequest *LVMCacheRequest
	FromLVs      []*LVMLogicalVolumeDevice
	MetadataSize blkunit.Size
	// ThinPool places the LV inside a thin pool instead of
	// directly in a VG.
	ThinPool *LVMLogicalVolumeDevice
}

func NewLVMLogicalVolume(lvname string, cfg LVConfig) (*LVMLogicalVolumeDevice, error) {
	lv := new(LVMLogicalVolumeDevice)

	var vg *LVMVolumeGroupDevice
	switch {
	case cfg.ThinPool != nil:
		vg = cfg.ThinPool.vg
		cfg.Config.Parents = []Device{cfg.ThinPool}
	case len(cfg.Config.Parents) > 0:
		var ok bool
		vg, ok = cfg.Config.Parents[0].(*LVMVolumeGroupDevice)
		if !ok {
			return nil, fmt.Errorf("blkdev: logical volume %q: parent is not a volume group", lvname)
		}
	default:
		return nil, fmt.Errorf("blkdev: logical volume %q: no volume group", lvname)
	}

	initDevice(lv, &lv.StorageDevice, vg.Name()+"-"+lvname, cfg.Config)
	lv.lvname = lvname
	lv.path = "/dev/mapper/" + lv.name
	lv.segType = cfg.SegType
	if lv.segType == "" {
		lv.segType = SegLinear
	}
	if cfg.ThinPool != nil {
		lv.segType = SegThin
	}
	lv.ReqGrow = cfg.Grow
	lv.ReqSize = cfg.Size
	lv.ReqMaxSize = cfg.MaxSize
	lv.ReqPercent = cfg.Percent
	lv.CacheRequest = cfg.CacheRequest
	lv.FromLVs = cfg.FromLVs
	lv.MetadataSize = cfg.MetadataSize
	lv.vg = vg
	lv.pool = cfg.ThinPool

	vg.addLV(lv)
	if lv.pool != nil {
		lv.pool.lvs = append(lv.pool.lvs, lv)
	}
	return lv, nil
}

func (lv *LVMLogicalVolumeDevice) Type() string {
	switch lv.segType {
	case SegThinPool:
		return "lvmthinpool"
	case SegThin:
		return "lvmthinlv"
	case SegVDOPool:
		return "lvmvdopool"
	case SegVDO:
		return "lvmvdolv"
	default:
		return "lvmlv"
	}
}

func (lv *LVMLogicalVolumeDevice) LVName() string                  { return lv.lvname }
func (lv *LVMLogicalVolumeDevice) SegType() SegType                { return lv.segType }
func (lv *LVMLogicalVolumeDevice) VG() *LVMVolumeGroupDevice       { return lv.vg }
func (lv *LVMLogicalVolumeDevice) Pool() *LVMLogicalVolumeDevice   { return lv.pool }
func (lv *LVMLogicalVolumeDevice) Cached() bool                    { return lv.CacheRequest != nil }
func (lv *LVMLogicalVolumeDevice) SupportsSkipActivation() bool    { return true }

func (lv *LVMLogicalVolumeDevice) Resizable() bool {
	return lv.Exists() && (lv.Format().Type() == "" || lv.Format().Resizable())
}

// ThinLVs returns a thin pool's member LVs.
func (lv *LVMLogicalVolumeDevice) ThinLVs() []*LVMLogicalVolumeDevice {
	ret := make([]*LVMLogicalVolumeDevice, len(lv.lvs))
	copy(ret, lv.lvs)
	return ret
}

// UsedSpace is the space a thin pool's member LVs claim.
func (lv *LVMLogicalVolumeDevice) UsedSpace() blkunit.Size {
	var total blkunit.Size
	for _, sub := range lv.lvs {
		total += sub.Size()
	}
	return total
}

// MetadataVGSpaceUsed is the VG space consumed by the LV's metadata.
func (lv *LVMLogicalVolumeDevice) MetadataVGSpaceUsed() blkunit.Size {
	return lv.MetadataSize
}

// AutosetMetadataSize picks a thin pool's metadata size when none was
// requested, and raises the VG's pmspare reservation to match.
func (lv *LVMLogicalVolumeDevice) AutosetMetadataSize() {
	if lv.segType != SegThinPool || lv.MetadataSize != 0 {
		return
	}
	md := lv.Size() / 1000
	if md < 4*blkunit.MiB {
		md = 4 * blkunit.MiB
	}
	if md > 16*blkunit.GiB {
		md = 16 * blkunit.GiB
	}
	md = lv.vg.Align(md, true)
	lv.MetadataSize = md
	if md > lv.vg.pmspare {
		lv.vg.pmspare = md
	}
}

// ConfigAttrs allows renaming the LV.  The rename itself happens
// outside the engine, so the attribute is apply-only.
func (lv *LVMLogicalVolumeDevice) ConfigAttrs() map[string]ConfigAttr {
	return map[string]ConfigAttr{
		"name": {
			Get: func() any { return lv.lvname },
			Set: func(v any) {
				lv.lvname = v.(string)
				lv.SetName(lv.vg.Name() + "-" + lv.lvname)
			},
		},
	}
}
