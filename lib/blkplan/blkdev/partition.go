// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package blkdev

import (
	"fmt"

	"git.lukeshu.com/blockplan/lib/blkplan/blklabel"
	"git.lukeshu.com/blockplan/lib/blkplan/blkunit"
	"git.lukeshu.com/blockplan/lib/containers"
)

// PartitionDevice is a partition, either present on a disk or
// requested.  The Req* attributes describe the request; the allocator
// fills in the disk and the disklabel slot.
type PartitionDevice struct {
	StorageDevice

	// Candidate disks; empty means any disk will do.
	ReqDisks []Device
	// Disk tags, consulted when ReqDisks is empty.
	ReqDiskTags []string

	ReqSize     blkunit.Size
	ReqBaseSize blkunit.Size
	ReqMaxSize  blkunit.Size
	ReqGrow     bool
	ReqPrimary  bool
	ReqBootable bool
	ReqPartType containers.Optional[blklabel.PartType]

	ReqStartSector containers.Optional[int64]
	ReqEndSector   containers.Optional[int64]

	// Weight biases the allocation order; > 1000 marks a boot
	// request.
	Weight int

	parted *blklabel.Partition
	disk   Device
}

type PartitionConfig struct {
	Config

	Disks    []Device
	DiskTags []string
	MaxSize  blkunit.Size
	Grow     bool
	Primary  bool
	Bootable bool
	PartType containers.Optional[blklabel.PartType]
	Start    containers.Optional[int64]
	End      containers.Optional[int64]
	Weight   int
}

func NewPartition(name string, cfg PartitionConfig) *PartitionDevice {
	p := new(PartitionDevice)
	initDevice(p, &p.StorageDevice, name, cfg.Config)
	p.ReqDisks = cfg.Disks
	p.ReqDiskTags = cfg.DiskTags
	p.ReqSize = cfg.Size
	p.ReqBaseSize = cfg.Size
	p.ReqMaxSize = cfg.MaxSize
	p.ReqGrow = cfg.Grow
	p.ReqPrimary = cfg.Primary
	p.ReqBootable = cfg.Bootable
	p.ReqPartType = cfg.PartType
	p.ReqStartSector = cfg.Start
	p.ReqEndSector = cfg.End
	p.Weight = cfg.Weight

	// An existing partition's disk is its sole parent.
	if len(p.parents) == 1 {
		p.disk = p.parents[0]
	}
	return p
}

func (p *PartitionDevice) Type() string { return "partition" }

func (p *PartitionDevice) Disk() Device { return p.disk }

// SetDisk places the partition on (or removes it from) a disk,
// keeping the parent list in step.
func (p *PartitionDevice) SetDisk(disk Device) {
	if p.disk != nil {
		p.RemoveParent(p.disk)
	}
	p.disk = disk
	if disk != nil {
		p.AddParent(disk)
	}
}

func (p *PartitionDevice) PartedPartition() *blklabel.Partition { return p.parted }

func (p *PartitionDevice) SetPartedPartition(part *blklabel.Partition) {
	p.parted = part
}

func (p *PartitionDevice) IsExtended() bool {
	return (p.parted != nil && p.parted.Type == blklabel.Extended) ||
		(p.ReqPartType.OK && p.ReqPartType.Val == blklabel.Extended)
}

func (p *PartitionDevice) IsLogical() bool {
	return p.parted != nil && p.parted.Type == blklabel.Logical
}

func (p *PartitionDevice) PartitionNumber() int {
	if p.parted == nil {
		return 0
	}
	return p.parted.Number()
}

// DisklabelSupported reports whether the partition's disk carries a
// disklabel the engine can manipulate.
func (p *PartitionDevice) DisklabelSupported() bool {
	if p.disk == nil {
		return false
	}
	lbl := DiskLabelOf(p.disk)
	return lbl != nil && lbl.Supported()
}

// UpdateName re-reads the canonical name after disklabel
// renumbering.
func (p *PartitionDevice) UpdateName() {
	if p.parted == nil || p.disk == nil {
		return
	}
	p.SetName(PartitionName(p.disk.Name(), p.parted.Number()))
	p.Format().SetDevice(p.Path())
}

// Size reflects the allocated disklabel slot once the partition has
// one.
func (p *PartitionDevice) Size() blkunit.Size {
	if p.parted != nil && p.disk != nil {
		if lbl := DiskLabelOf(p.disk); lbl != nil && lbl.Table() != nil {
			return blkunit.SectorCount(p.parted.Geom.Length()).Size(lbl.Table().SectorSize)
		}
	}
	return p.StorageDevice.Size()
}

func (p *PartitionDevice) Resizable() bool {
	return p.Exists() && (p.Format().Type() == "" || p.Format().Resizable())
}

func (p *PartitionDevice) MinSize() blkunit.Size {
	return p.Format().MinSize()
}

func (p *PartitionDevice) MaxSize() blkunit.Size {
	if p.disk == nil {
		return 0
	}
	lbl := DiskLabelOf(p.disk)
	if lbl == nil || lbl.Table() == nil {
		return 0
	}
	maxLen := lbl.Table().MaxPartitionLength()
	if maxLen == 0 {
		return 0
	}
	return blkunit.SectorCount(maxLen).Size(lbl.Table().SectorSize)
}

func (p *PartitionDevice) SetFlag(flag blklabel.Flag) {
	if p.parted != nil {
		p.parted.SetFlag(flag)
	}
}

func (p *PartitionDevice) UnsetFlag(flag blklabel.Flag) {
	if p.parted != nil {
		p.parted.UnsetFlag(flag)
	}
}

func (p *PartitionDevice) GetFlag(flag blklabel.Flag) bool {
	return p.parted != nil && p.parted.GetFlag(flag)
}

// CheckSize compares the partition's allocated size against its
// format's limits: -1 below the minimum, +1 above the maximum, 0 ok.
func (p *PartitionDevice) CheckSize() int {
	if min := p.Format().MinSize(); min > 0 && p.Size() < min {
		return -1
	}
	if max := p.Format().MaxSize(); max > 0 && p.Size() > max {
		return 1
	}
	return 0
}

// PartitionName composes a partition's device name from its disk's
// name and its number, inserting the "p" separator when the disk name
// ends in a digit (nvme0n1 → nvme0n1p1).
func PartitionName(disk string, num int) string {
	if disk == "" {
		return ""
	}
	last := disk[len(disk)-1]
	if last >= '0' && last <= '9' {
		return fmt.Sprintf("%sp%d", disk, num)
	}
	return fmt.Sprintf("%s%d", disk, num)
}
