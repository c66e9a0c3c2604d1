// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package blktree

import (
	"fmt"
	"strings"

	"git.lukeshu.com/blockplan/lib/blkplan/blkdev"
	"git.lukeshu.com/blockplan/lib/containers"
)

// KnownTags are the disk tags the filter policy understands.
var KnownTags = containers.NewSet(
	"local", "remote", "removable", "ssd", "usb", "nvme", "nvdimm",
)

// ExpandTagList expands "@tag" entries into the names of the devices
// carrying the tag; other entries pass through.
func (t *DeviceTree) ExpandTagList(taglist []string) (containers.Set[string], error) {
	result := containers.NewSet[string]()
	for _, item := range taglist {
		if !strings.HasPrefix(item, "@") {
			result.Insert(item)
			continue
		}
		tag := item[1:]
		if !KnownTags.Has(tag) {
			return nil, fmt.Errorf("blktree: unknown tag %q encountered", item)
		}
		for _, d := range t.devices {
			if d.Tags().Has(tag) {
				result.Insert(d.Name())
			}
		}
	}
	return result, nil
}

// diskInTagList reports whether the disk matches the mixed
// name-or-@tag list.
func diskInTagList(disk blkdev.Device, taglist []string) (bool, error) {
	for _, item := range taglist {
		if item == disk.Name() {
			return true, nil
		}
	}
	for _, item := range taglist {
		if !strings.HasPrefix(item, "@") {
			continue
		}
		tag := item[1:]
		if !KnownTags.Has(tag) {
			return false, fmt.Errorf("blktree: unknown ignoredisk tag %q encountered", item)
		}
		if disk.Tags().Has(tag) {
			return true, nil
		}
	}
	return false, nil
}

func (t *DeviceTree) isIgnoredDisk(disk blkdev.Device) (bool, error) {
	if len(t.IgnoredDisks) > 0 {
		ignored, err := diskInTagList(disk, t.IgnoredDisks)
		if err != nil || ignored {
			return ignored, err
		}
	}
	if len(t.ExclusiveDisks) > 0 {
		exclusive, err := diskInTagList(disk, t.ExclusiveDisks)
		if err != nil {
			return false, err
		}
		return !exclusive, nil
	}
	return false, nil
}

// HideIgnoredDisks applies the ignored/exclusive disk policy: any
// subtree rooted at an ignored disk is hidden.
func (t *DeviceTree) HideIgnoredDisks() error {
	var disks []blkdev.Device
	for _, d := range t.devices {
		if d.IsDisk() {
			disks = append(disks, d)
		}
	}
	for _, disk := range disks {
		ignored, err := t.isIgnoredDisk(disk)
		if err != nil {
			return err
		}
		if !ignored {
			continue
		}
		// a multipath/fwraid member may only be ignored along
		// with all of its siblings
		if children := t.Children(disk); len(children) == 1 {
			allIgnored := true
			for _, parent := range children[0].Parents() {
				parentIgnored, err := t.isIgnoredDisk(parent)
				if err != nil {
					return err
				}
				if !parentIgnored {
					allIgnored = false
					break
				}
			}
			if !allIgnored {
				return &TreeInvariantError{Msg: "including only a subset of raid/multipath member disks is not allowed"}
			}
			if err := t.Hide(children[0]); err != nil {
				return err
			}
		}
		if err := t.Hide(disk); err != nil {
			return err
		}
	}
	return nil
}
