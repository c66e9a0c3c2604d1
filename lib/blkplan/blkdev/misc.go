// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package blkdev

// TmpFSDevice is a tmpfs mount masquerading as a device so that it
// can carry a format and a mountpoint in the tree.
type TmpFSDevice struct {
	StorageDevice
}

func NewTmpFS(name string, cfg Config) *TmpFSDevice {
	d := new(TmpFSDevice)
	initDevice(d, &d.StorageDevice, name, cfg)
	d.exists = true
	return d
}

func (d *TmpFSDevice) Type() string          { return "tmpfs" }
func (d *TmpFSDevice) FormatImmutable() bool { return true }

// NoDevice is a placeholder for formats that have no block device of
// their own.
type NoDevice struct {
	StorageDevice
}

func NewNoDevice(name string, cfg Config) *NoDevice {
	d := new(NoDevice)
	initDevice(d, &d.StorageDevice, name, cfg)
	return d
}

func (d *NoDevice) Type() string { return "nodev" }
