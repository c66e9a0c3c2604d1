// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package blkdev

// DMDevice is a generic device-mapper device.
type DMDevice struct {
	StorageDevice
}

func NewDMDevice(name string, cfg Config) *DMDevice {
	d := new(DMDevice)
	initDevice(d, &d.StorageDevice, name, cfg)
	if d.path == "" {
		d.path = "/dev/mapper/" + name
	}
	return d
}

func (d *DMDevice) Type() string { return "dm" }

// LUKSDevice is the cleartext view of an encrypted container.  Its
// parent is the luks-formatted device underneath.
type LUKSDevice struct {
	DMDevice
}

func NewLUKSDevice(name string, cfg Config) *LUKSDevice {
	d := new(LUKSDevice)
	initDevice(d, &d.StorageDevice, name, cfg)
	if d.path == "" {
		d.path = "/dev/mapper/" + name
	}
	return d
}

func (d *LUKSDevice) Type() string { return "luks/dm-crypt" }

func (d *LUKSDevice) Resizable() bool {
	return d.Exists() && (d.Format().Type() == "" || d.Format().Resizable())
}
