// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package blkdev

type Disk struct {
	StorageDevice
}

func NewDisk(name string, cfg Config) *Disk {
	d := new(Disk)
	initDevice(d, &d.StorageDevice, name, cfg)
	return d
}

func (d *Disk) Type() string { return "disk" }
func (d *Disk) IsDisk() bool { return true }

// DiskLabel returns the disk's partition-table format, or nil if the
// disk is not partitioned.
func (d *Disk) DiskLabel() *DiskLabel {
	lbl, _ := d.Format().(*DiskLabel)
	return lbl
}

// Partitioned reports whether the disk carries a supported
// disklabel.
func Partitioned(dev Device) bool {
	lbl, ok := dev.Format().(*DiskLabel)
	return ok && lbl.Supported() && lbl.Table() != nil
}

// DiskLabelOf returns the partition-table format of a disk device,
// or nil.
func DiskLabelOf(dev Device) *DiskLabel {
	lbl, _ := dev.Format().(*DiskLabel)
	return lbl
}

// DiskFile is a loop-backed disk image.
type DiskFile struct {
	Disk
}

func NewDiskFile(name string, cfg Config) *DiskFile {
	d := new(DiskFile)
	initDevice(d, &d.StorageDevice, name, cfg)
	return d
}

func (d *DiskFile) Type() string { return "disk file" }
