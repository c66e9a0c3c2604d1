// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package blktree

import (
	"fmt"
	"regexp"
	"strings"

	"git.lukeshu.com/blockplan/lib/blkplan/blkdev"
)

var biosDriveRe = regexp.MustCompile(`^(0x)?[A-Fa-f0-9]{2}(p\d+)?$`)

// ResolveDevice returns the device matching a device specification:
// a name ("sda3"), a node path ("/dev/mapper/vg-root"), "UUID=…",
// "LABEL=…", a BIOS drive number ("0x80p1"), or an LV path
// ("/dev/vg/lv").  Mount options select Btrfs subvolumes via
// "subvol=" and "subvolid=".  Returns nil when nothing matches.
func (t *DeviceTree) ResolveDevice(devspec, options string) blkdev.Device {
	cacheKey := devspec + "\x00" + options
	if dev, ok := t.resolveCache.Get(cacheKey); ok {
		return dev
	}
	dev := t.resolveDevice(devspec, options)
	if dev != nil {
		t.resolveCache.Add(cacheKey, dev)
	}
	return dev
}

func (t *DeviceTree) resolveDevice(devspec, options string) blkdev.Device {
	var device blkdev.Device

	switch {
	case strings.HasPrefix(devspec, "UUID="):
		uuid := unquote(strings.TrimPrefix(devspec, "UUID="))
		device = t.UUIDs()[uuid]
	case strings.HasPrefix(devspec, "LABEL="):
		label := unquote(strings.TrimPrefix(devspec, "LABEL="))
		device = t.Labels()[label]
	case biosDriveRe.MatchString(devspec):
		drive, partnum, _ := strings.Cut(devspec, "p")
		var spec int
		fmt.Sscanf(strings.TrimPrefix(drive, "0x"), "%x", &spec)
		for eddName, eddNumber := range t.env.EDD {
			if eddNumber == spec {
				name := eddName
				if partnum != "" {
					name += partnum
				}
				device = t.GetDeviceByName(name, false, false)
				break
			}
		}
	case options != "" && hasOption(options, "nodev"):
		device = t.GetDeviceByName(devspec, false, false)
		if device == nil {
			device = t.GetDeviceByPath(devspec, false, false)
		}
	default:
		if !strings.HasPrefix(devspec, "/dev/") {
			device = t.GetDeviceByName(devspec, false, false)
			if device == nil {
				devspec = "/dev/" + devspec
			}
		}
		if device == nil {
			device = t.GetDeviceByPath(devspec, false, false)
		}
		if device == nil {
			// it may be an lv path: /dev/vgname/lvname
			name := strings.TrimPrefix(devspec, "/dev/")
			vgName, lvName, found := strings.Cut(name, "/")
			if found && lvName != "" && !strings.Contains(lvName, "/") {
				device = t.GetDeviceByName(vgName+"-"+lvName, false, false)
			}
		}
	}

	// mount options may pick out a btrfs subvolume
	if device != nil && options != "" && strings.HasPrefix(device.Type(), "btrfs") {
		if sv, ok := device.(*blkdev.BtrfsSubVolumeDevice); ok {
			device = sv.Volume()
		}
		if vol, ok := device.(*blkdev.BtrfsVolumeDevice); ok {
			if val := optionValue(options, "subvol"); val != "" {
				for _, sub := range vol.SubVolumes(t.devices) {
					if sub.Name() == val {
						device = sub
						break
					}
				}
			} else if val := optionValue(options, "subvolid"); val != "" {
				for _, sub := range vol.SubVolumes(t.devices) {
					if fmt.Sprintf("%d", sub.VolID) == val {
						device = sub
						break
					}
				}
			}
		}
	}

	return device
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

func hasOption(options, name string) bool {
	for _, opt := range strings.Split(options, ",") {
		if opt == name {
			return true
		}
	}
	return false
}

func optionValue(options, name string) string {
	for _, opt := range strings.Split(options, ",") {
		if key, val, ok := strings.Cut(opt, "="); ok && key == name {
			return val
		}
	}
	return ""
}
