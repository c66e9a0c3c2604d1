// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package blktree

import (
	"strings"

	"git.lukeshu.com/blockplan/lib/blkplan/blkdev"
)

// filtered returns the candidate devices for a lookup.  Incomplete
// devices (degraded arrays) and hidden devices are excluded unless
// asked for.
func (t *DeviceTree) filtered(incomplete, hidden bool) []blkdev.Device {
	var ret []blkdev.Device
	for _, d := range t.devices {
		if !incomplete && !deviceComplete(d) {
			continue
		}
		ret = append(ret, d)
	}
	if hidden {
		ret = append(ret, t.hidden...)
	}
	return ret
}

func isLVMDevice(d blkdev.Device) bool {
	switch d.(type) {
	case *blkdev.LVMLogicalVolumeDevice, *blkdev.LVMVolumeGroupDevice:
		return true
	default:
		return false
	}
}

// GetDeviceByName returns the first device with a matching name.
func (t *DeviceTree) GetDeviceByName(name string, incomplete, hidden bool) blkdev.Device {
	if name == "" {
		return nil
	}
	for _, d := range t.filtered(incomplete, hidden) {
		if d.Name() == name {
			return d
		}
		// lvm escapes dashes in map names
		if isLVMDevice(d) && d.Name() == strings.ReplaceAll(name, "--", "-") {
			return d
		}
	}
	return nil
}

// GetDeviceByUUID returns the first device whose own or format uuid
// matches.
func (t *DeviceTree) GetDeviceByUUID(uuid string, incomplete, hidden bool) blkdev.Device {
	if uuid == "" {
		return nil
	}
	for _, d := range t.filtered(incomplete, hidden) {
		if d.UUID() == uuid || d.Format().UUID() == uuid {
			return d
		}
	}
	return nil
}

// GetDeviceByLabel returns the first device with a matching
// filesystem label.
func (t *DeviceTree) GetDeviceByLabel(label string, incomplete, hidden bool) blkdev.Device {
	if label == "" {
		return nil
	}
	for _, d := range t.filtered(incomplete, hidden) {
		if d.Format().Label() == label {
			return d
		}
	}
	return nil
}

// GetDeviceByPath returns the first device with a matching path,
// preferring leaves to interior nodes.
func (t *DeviceTree) GetDeviceByPath(path string, incomplete, hidden bool) blkdev.Device {
	if path == "" {
		return nil
	}
	devices := t.filtered(incomplete, hidden)
	// The devices list keeps leaves at the end; search it
	// backwards so leaves win.
	for i := len(devices) - 1; i >= 0; i-- {
		d := devices[i]
		if d.Path() == path {
			return d
		}
		if isLVMDevice(d) && d.Path() == strings.ReplaceAll(path, "--", "-") {
			return d
		}
	}
	return nil
}

// GetDeviceBySysfsPath returns the first device with a matching
// sysfs path.
func (t *DeviceTree) GetDeviceBySysfsPath(path string, incomplete, hidden bool) blkdev.Device {
	if path == "" {
		return nil
	}
	for _, d := range t.filtered(incomplete, hidden) {
		if d.SysfsPath() == path {
			return d
		}
	}
	return nil
}

// GetDeviceByID returns the device with the given numeric id.
func (t *DeviceTree) GetDeviceByID(id blkdev.ID, incomplete, hidden bool) blkdev.Device {
	for _, d := range t.filtered(incomplete, hidden) {
		if d.ID() == id {
			return d
		}
	}
	return nil
}
