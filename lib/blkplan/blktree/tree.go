// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package blktree owns the in-memory model of a host's storage
// topology, plus the queue of pending modifications to it.
//
// The tree is a quasi-tree: a list of devices whose parent links form
// a DAG.  It does not necessarily reflect the actual state of the
// system's devices; actions are registered against the tree and are
// reversible up to the moment they execute.
//
// The tree, the queue, and the actions themselves are confined to a
// single goroutine; callers that want concurrency run one engine per
// host and isolate them with message passing.  The only operations
// that block for meaningful durations are the device and format hooks
// invoked from Process.
package blktree

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/blockplan/lib/blkplan/blkaction"
	"git.lukeshu.com/blockplan/lib/blkplan/blkdev"
	"git.lukeshu.com/blockplan/lib/blkplan/blkenv"
	"git.lukeshu.com/blockplan/lib/containers"
	"git.lukeshu.com/blockplan/lib/slices"
)

// TreeInvariantError is a refused mutation that would put the tree in
// an inconsistent state: duplicate UUIDs, missing parents, removing a
// non-leaf, a mountpoint already in use.
type TreeInvariantError struct {
	Msg string
}

func (e *TreeInvariantError) Error() string {
	return "blktree: " + e.Msg
}

// DeviceTree is the model of the host's storage topology.
type DeviceTree struct {
	env *blkenv.Env

	devices []blkdev.Device
	hidden  []blkdev.Device
	actions *ActionQueue

	// IgnoredDisks and ExclusiveDisks are the disk-filter policy;
	// see HideIgnoredDisks.  Entries are names or "@tag"s.
	IgnoredDisks   []string
	ExclusiveDisks []string

	// DeviceAdded and DeviceRemoved are emitted synchronously as
	// the device list changes.
	DeviceAdded   func(blkdev.Device)
	DeviceRemoved func(blkdev.Device)

	resolveCache containers.LRUCache[string, blkdev.Device]
}

func New(env *blkenv.Env) *DeviceTree {
	if env == nil {
		env = blkenv.New()
	}
	t := &DeviceTree{env: env}
	t.actions = &ActionQueue{tree: t}
	return t
}

func (t *DeviceTree) Env() *blkenv.Env { return t.env }

// Actions returns the tree's action queue.
func (t *DeviceTree) Actions() *ActionQueue { return t.actions }

// Devices returns the devices currently in the tree, incomplete
// devices excluded.
func (t *DeviceTree) Devices() []blkdev.Device {
	var ret []blkdev.Device
	for _, d := range t.devices {
		if !deviceComplete(d) {
			continue
		}
		ret = append(ret, d)
	}
	return ret
}

func deviceComplete(d blkdev.Device) bool {
	if md, ok := d.(*blkdev.MDRaidArrayDevice); ok {
		return md.Complete()
	}
	return true
}

// AddDevice inserts a device into the tree.  Every parent must
// already be in the tree, and the uuid must not collide with another
// device's.
func (t *DeviceTree) AddDevice(dev blkdev.Device, isNew bool) error {
	if dev.UUID() != "" {
		if _, isNoDev := dev.(*blkdev.NoDevice); !isNoDev {
			for _, d := range t.devices {
				if d.UUID() != dev.UUID() {
					continue
				}
				if d.Name() == dev.Name() {
					return &TreeInvariantError{Msg: fmt.Sprintf(
						"trying to add already existing device %q", dev.Name())}
				}
				return &TreeInvariantError{Msg: fmt.Sprintf(
					"duplicate UUID %q found for devices %q and %q",
					dev.UUID(), dev.Name(), d.Name())}
			}
		}
	}

	for _, parent := range dev.Parents() {
		if !blkdev.ContainsDevice(t.devices, parent) {
			return &TreeInvariantError{Msg: fmt.Sprintf(
				"parent device %q not in tree", parent.Name())}
		}
	}

	t.devices = append(t.devices, dev)
	t.resolveCache.Purge()
	if t.DeviceAdded != nil {
		t.DeviceAdded(dev)
	}
	return nil
}

// RemoveDevice removes a leaf device from the tree, or any device if
// force.  With modparent, sibling partitions on the same disk refresh
// their names to account for renumbering.
func (t *DeviceTree) RemoveDevice(dev blkdev.Device, force, modparent bool) error {
	if !blkdev.ContainsDevice(t.devices, dev) {
		return &TreeInvariantError{Msg: fmt.Sprintf("device %q not in tree", dev.Name())}
	}
	if !t.IsLeaf(dev) && !force {
		return &TreeInvariantError{Msg: fmt.Sprintf("cannot remove non-leaf device %q", dev.Name())}
	}

	if part, ok := dev.(*blkdev.PartitionDevice); ok && modparent && part.Disk() != nil {
		if lbl := blkdev.DiskLabelOf(part.Disk()); lbl != nil && lbl.Table() != nil && part.PartedPartition() != nil {
			lbl.Table().RemovePartition(part.PartedPartition())
		}
		for _, d := range t.devices {
			if sibling, ok := d.(*blkdev.PartitionDevice); ok &&
				sibling.ID() != part.ID() &&
				sameDevice(sibling.Disk(), part.Disk()) {
				sibling.UpdateName()
			}
		}
	}
	t.devices = slices.RemoveFunc(t.devices, func(d blkdev.Device) bool {
		return d.ID() == dev.ID()
	})
	t.resolveCache.Purge()
	if t.DeviceRemoved != nil {
		t.DeviceRemoved(dev)
	}
	return nil
}

// Children returns the devices that list dev as a parent.
func (t *DeviceTree) Children(dev blkdev.Device) []blkdev.Device {
	var ret []blkdev.Device
	for _, d := range t.devices {
		if blkdev.ContainsDevice(d.Parents(), dev) {
			ret = append(ret, d)
		}
	}
	return ret
}

// IsLeaf reports whether no other tree device lists dev in its
// parents.
func (t *DeviceTree) IsLeaf(dev blkdev.Device) bool {
	return len(t.Children(dev)) == 0
}

// Leaves returns all devices upon which no other devices exist.
func (t *DeviceTree) Leaves() []blkdev.Device {
	var ret []blkdev.Device
	for _, d := range t.devices {
		if t.IsLeaf(d) {
			ret = append(ret, d)
		}
	}
	return ret
}

// RecursiveRemove removes a device after removing its dependent
// devices, leaves first.  With actions, destroy actions are scheduled
// instead of pruning the tree directly.  When the device is a disk
// its format is destroyed but the disk itself remains.
func (t *DeviceTree) RecursiveRemove(dev blkdev.Device, actions, removeDevice, modparent bool) error {
	devices := t.GetDependentDevices(dev, false)
	// Remove in reverse so that logical partitions go in
	// descending numerical order and the action list stays
	// readable.
	slices.Reverse(devices)

	for len(devices) > 0 {
		var leaves []blkdev.Device
		for _, d := range devices {
			if t.IsLeaf(d) {
				leaves = append(leaves, d)
			}
		}
		if len(leaves) == 0 {
			return &TreeInvariantError{Msg: fmt.Sprintf(
				"dependency loop while removing %q", dev.Name())}
		}
		for _, leaf := range leaves {
			if actions {
				if leaf.Format().Exists() && !leaf.Protected() && !leaf.FormatImmutable() {
					destroyFmt, err := blkaction.NewDestroyFormat(leaf)
					if err != nil {
						return err
					}
					if err := t.actions.Add(destroyFmt); err != nil {
						return err
					}
				}
				destroyDev, err := blkaction.NewDestroyDevice(leaf)
				if err != nil {
					return err
				}
				if err := t.actions.Add(destroyDev); err != nil {
					return err
				}
			} else {
				if !leaf.FormatImmutable() {
					leaf.SetFormat(nil)
				}
				if err := t.RemoveDevice(leaf, false, modparent); err != nil {
					return err
				}
			}
			devices = slices.RemoveFunc(devices, func(d blkdev.Device) bool {
				return d.ID() == leaf.ID()
			})
		}
	}

	if !dev.FormatImmutable() {
		if actions {
			destroyFmt, err := blkaction.NewDestroyFormat(dev)
			if err != nil {
				return err
			}
			if err := t.actions.Add(destroyFmt); err != nil {
				return err
			}
		} else {
			dev.SetFormat(nil)
		}
	}

	if removeDevice && !dev.IsDisk() {
		if actions {
			destroyDev, err := blkaction.NewDestroyDevice(dev)
			if err != nil {
				return err
			}
			if err := t.actions.Add(destroyDev); err != nil {
				return err
			}
		} else {
			if err := t.RemoveDevice(dev, false, modparent); err != nil {
				return err
			}
		}
	}
	return nil
}

// GetDependentDevices returns the devices that directly or indirectly
// depend on dep.
func (t *DeviceTree) GetDependentDevices(dep blkdev.Device, hidden bool) []blkdev.Device {
	var ret []blkdev.Device
	if t.IsLeaf(dep) && !hidden {
		return ret
	}
	devices := t.devices
	if hidden {
		devices = append(devices[:len(devices):len(devices)], t.hidden...)
	}
	for _, d := range devices {
		if d.DependsOn(dep) {
			ret = append(ret, d)
		}
	}
	return ret
}

// GetRelatedDisks returns the disks related to disk by way of
// aggregate devices (a VG spanning two disks relates them).
func (t *DeviceTree) GetRelatedDisks(disk blkdev.Device) []blkdev.Device {
	var ret []blkdev.Device
	for _, dep := range t.GetDependentDevices(disk, true) {
		for _, d := range dep.Disks() {
			if !blkdev.ContainsDevice(ret, d) {
				ret = append(ret, d)
			}
		}
	}
	return ret
}

// GetDiskActions returns the queued actions touching any of the given
// disks, directly or through container devices, preserving queue
// order.
func (t *DeviceTree) GetDiskActions(disks []blkdev.Device) []blkaction.Action {
	related := make(containers.Set[blkdev.ID])
	for _, a := range t.actions.actions {
		for _, disk := range disks {
			if a.Device().DependsOn(disk) || a.Device().ID() == disk.ID() {
				for _, d := range a.Device().Disks() {
					related.Insert(d.ID())
				}
			}
		}
	}
	var ret []blkaction.Action
	for _, a := range t.actions.actions {
		for _, d := range a.Device().Disks() {
			if related.Has(d.ID()) {
				ret = append(ret, a)
				break
			}
		}
	}
	return ret
}

// CancelDiskActions cancels all actions related to the given disks,
// newest first.
func (t *DeviceTree) CancelDiskActions(disks []blkdev.Device) error {
	actions := t.GetDiskActions(disks)
	for i := len(actions) - 1; i >= 0; i-- {
		if err := t.actions.Remove(actions[i]); err != nil {
			return err
		}
	}
	return nil
}

// Hide removes a device and everything depending on it from the
// tree, leaves first.  When the device is a disk, all queued actions
// touching it (or a disk related to it) are cancelled first; hiding a
// non-disk device cancels nothing.  Hidden devices can be restored with Unhide, but
// cancelled actions are not re-queued.
func (t *DeviceTree) Hide(dev blkdev.Device) error {
	if blkdev.ContainsDevice(t.hidden, dev) {
		return nil
	}

	// cancel actions first thing so that we hide the correct set
	// of devices
	if dev.IsDisk() {
		if err := t.CancelDiskActions([]blkdev.Device{dev}); err != nil {
			return err
		}
	}

	for _, child := range t.Children(dev) {
		if err := t.Hide(child); err != nil {
			return err
		}
	}

	if !dev.Exists() {
		// cancelled actions already removed it
		return nil
	}

	if err := t.RemoveDevice(dev, true, false); err != nil {
		return err
	}
	t.hidden = append(t.hidden, dev)
	t.env.LVMFilter.AddReject(dev.Name())
	return nil
}

// Unhide restores a hidden device and its hidden dependents,
// roots first.
func (t *DeviceTree) Unhide(dev blkdev.Device) {
	// the hidden list is in leaves-first order; walk it backwards
	for i := len(t.hidden) - 1; i >= 0; i-- {
		hidden := t.hidden[i]
		if hidden.ID() != dev.ID() && !hidden.DependsOn(dev) {
			continue
		}
		anyParentHidden := false
		for _, parent := range hidden.Parents() {
			if blkdev.ContainsDevice(t.hidden, parent) {
				anyParentHidden = true
				break
			}
		}
		if anyParentHidden {
			continue
		}
		t.hidden = append(t.hidden[:i], t.hidden[i+1:]...)
		t.devices = append(t.devices, hidden)
		t.env.LVMFilter.RemoveReject(hidden.Name())
	}
	t.resolveCache.Purge()
}

// Mountpoints returns the mountpoint → device mapping.
func (t *DeviceTree) Mountpoints() map[string]blkdev.Device {
	ret := make(map[string]blkdev.Device)
	for _, d := range t.Devices() {
		if d.Format().Mountable() && d.Format().Mountpoint() != "" {
			ret[d.Format().Mountpoint()] = d
		}
	}
	return ret
}

// UUIDs returns the uuid → device mapping, format uuids included.
func (t *DeviceTree) UUIDs() map[string]blkdev.Device {
	ret := make(map[string]blkdev.Device)
	for _, d := range t.devices {
		if u := d.UUID(); u != "" {
			ret[u] = d
		}
		if u := d.Format().UUID(); u != "" {
			ret[u] = d
		}
	}
	return ret
}

// Labels returns the filesystem-label → device mapping.  Btrfs member
// devices are excluded; the label belongs to the volume.
func (t *DeviceTree) Labels() map[string]blkdev.Device {
	ret := make(map[string]blkdev.Device)
	for _, d := range t.devices {
		label := d.Format().Label()
		if label == "" {
			continue
		}
		if d.Format().Type() == "btrfs" {
			switch d.(type) {
			case *blkdev.BtrfsVolumeDevice, *blkdev.BtrfsSubVolumeDevice:
			default:
				continue
			}
		}
		ret[label] = d
	}
	return ret
}

// TeardownAll deactivates every unprotected leaf, best-effort.
func (t *DeviceTree) TeardownAll(ctx context.Context) {
	for _, d := range t.Leaves() {
		if d.Protected() {
			continue
		}
		if err := d.Teardown(ctx, true); err != nil {
			dlog.Infof(ctx, "teardown of %s failed: %v", d.Name(), err)
		}
	}
}

// SetupAll activates every leaf, best-effort.
func (t *DeviceTree) SetupAll(ctx context.Context) {
	for _, d := range t.Leaves() {
		if err := d.Setup(ctx); err != nil {
			dlog.Errorf(ctx, "setup of %s failed: %v", d.Name(), err)
		}
	}
}

func sameDevice(a, b blkdev.Device) bool {
	return a != nil && b != nil && a.ID() == b.ID()
}
