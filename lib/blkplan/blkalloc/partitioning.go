// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package blkalloc

import (
	"context"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/blockplan/lib/blkplan/blkaction"
	"git.lukeshu.com/blockplan/lib/blkplan/blkdev"
	"git.lukeshu.com/blockplan/lib/blkplan/blklabel"
	"git.lukeshu.com/blockplan/lib/blkplan/blktree"
)

// DoPartitioning allocates and grows partitions.
//
// When it returns without error, every PartitionDevice has its disk
// chosen and its disklabel slot populated; all Req* attributes are
// reset to the allocated sizes so a second run is a no-op.
func DoPartitioning(ctx context.Context, tree *blktree.DeviceTree, bootDisk blkdev.Device, sizeSets []SizeSet) error {
	env := tree.Env()

	var disks []blkdev.Device
	for _, dev := range tree.Devices() {
		if blkdev.Partitioned(dev) && !dev.Protected() {
			disks = append(disks, dev)
		}
	}
	for _, disk := range disks {
		if err := disk.Setup(ctx); err != nil {
			dlog.Errorf(ctx, "failed to set up disk %s: %v", disk.Name(), err)
			return &PartitioningError{Msg: "disk " + disk.Name() + " inaccessible"}
		}
	}

	// Drop any extended partition that has no create action; a new
	// one is reconciled in at the end if it is still needed.
	for _, part := range treePartitions(tree) {
		if !part.Exists() && part.IsExtended() &&
			len(tree.Actions().Find(blktree.FindSpec{Device: part, ActionType: "create"})) == 0 {
			if err := tree.RemoveDevice(part, true, false); err != nil {
				return err
			}
		}
	}

	partitions := treePartitions(tree)

	if bootDisk != nil {
		// start over with flexible-size requests, and move the
		// boot flag onto the stage1 mountpoint's device
		for _, part := range partitions {
			part.ReqBootable = false
			if !part.Exists() {
				part.ReqSize = part.ReqBaseSize
			}
		}
		bootDev := tree.Mountpoints()["/boot"]
		if bootDev == nil {
			bootDev = tree.Mountpoints()["/"]
		}
		if bootPart, ok := bootDev.(*blkdev.PartitionDevice); ok {
			bootPart.ReqBootable = true
		}
	}

	removeNewPartitions(env, disks, partitions, partitions)
	free := GetFreeRegions(disks, false)

	if err := AllocatePartitions(ctx, env, disks, partitions, free, bootDisk); err != nil {
		return err
	}
	if err := GrowPartitions(ctx, env, disks, partitions, free, sizeSets); err != nil {
		return err
	}

	// mark all growable requests as no longer growable
	for _, part := range partitions {
		dlog.Debugf(ctx, "fixing size of %s", part.Name())
		part.ReqGrow = false
		part.ReqBaseSize = part.Size()
		part.ReqSize = part.Size()
	}

	// allocation may have renumbered pre-existing partitions too
	for _, part := range treePartitions(tree) {
		if part.IsExtended() {
			continue
		}
		part.UpdateName()
	}

	if err := UpdateExtendedPartitions(ctx, tree, disks); err != nil {
		return err
	}

	for _, part := range treePartitions(tree) {
		if part.Exists() {
			continue
		}
		if problem := part.CheckSize(); problem != 0 {
			return &PartitioningError{Msg: "partition is too small or too large for " +
				part.Format().Type() + " formatting"}
		}
	}
	return nil
}

func treePartitions(tree *blktree.DeviceTree) []*blkdev.PartitionDevice {
	var ret []*blkdev.PartitionDevice
	for _, dev := range tree.Devices() {
		if part, ok := dev.(*blkdev.PartitionDevice); ok {
			ret = append(ret, part)
		}
	}
	return ret
}

// UpdateExtendedPartitions reconciles extended-partition devices with
// the tree: implicit extendeds created by the allocator get devices,
// and devices whose extended is gone from the disklabel are removed.
func UpdateExtendedPartitions(ctx context.Context, tree *blktree.DeviceTree, disks []blkdev.Device) error {
	for _, disk := range disks {
		table := blkdev.DiskLabelOf(disk).Table()
		extended := table.ExtendedPartition()

		if extended == nil {
			// remove any obsolete extended partitions
			for _, part := range treePartitions(tree) {
				if sameDisk(part.Disk(), disk) && part.IsExtended() {
					if err := removeExtendedDevice(tree, part); err != nil {
						return err
					}
				}
			}
			continue
		}

		extendedName := blkdev.PartitionName(disk.Name(), extended.Number())
		device := tree.GetDeviceByName(extendedName, false, false)
		if device != nil {
			if !device.Exists() {
				// created by us; update the slot pointer
				device.(*blkdev.PartitionDevice).SetPartedPartition(extended)
			}
		}

		// remove any extended devices whose slot is gone
		for _, part := range treePartitions(tree) {
			if sameDisk(part.Disk(), disk) && part.IsExtended() &&
				part.PartedPartition() != nil && !tableHasPartition(table, part.PartedPartition()) {
				if err := removeExtendedDevice(tree, part); err != nil {
					return err
				}
			}
		}

		if device != nil {
			continue
		}

		// Give the implicit extended a device.  Unlike a normal
		// request, the slot is already defined, so the parents
		// are set up directly and the device just gets added;
		// the create action is emitted at commit time.
		dlog.Debugf(ctx, "adding implicit extended partition %s", extendedName)
		part := blkdev.NewPartition(extendedName, blkdev.PartitionConfig{
			Config: blkdev.Config{Parents: []blkdev.Device{disk}},
		})
		part.SetPartedPartition(extended)
		if err := tree.AddDevice(part, true); err != nil {
			return err
		}
	}
	return nil
}

func removeExtendedDevice(tree *blktree.DeviceTree, part *blkdev.PartitionDevice) error {
	if part.Exists() {
		destroy, err := blkaction.NewDestroyDevice(part)
		if err != nil {
			return err
		}
		return tree.Actions().Add(destroy)
	}
	return tree.RemoveDevice(part, true, false)
}

func tableHasPartition(table *blklabel.Label, slot *blklabel.Partition) bool {
	for _, p := range table.Partitions() {
		if p == slot {
			return true
		}
	}
	return false
}
