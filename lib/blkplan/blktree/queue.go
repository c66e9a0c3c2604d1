// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package blktree

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/blockplan/lib/blkplan/blkaction"
	"git.lukeshu.com/blockplan/lib/blkplan/blkdev"
	"git.lukeshu.com/blockplan/lib/blkplan/blklabel"
	"git.lukeshu.com/blockplan/lib/slices"
)

// ActionQueue is the ordered list of pending actions, plus the
// append-only log of completed ones.  Registering an action applies
// its tree side effects synchronously so that subsequent actions see
// the new state.
type ActionQueue struct {
	tree *DeviceTree

	actions   []blkaction.Action
	completed []blkaction.Action
}

// Actions returns the pending actions in queue order.
func (q *ActionQueue) Actions() []blkaction.Action {
	ret := make([]blkaction.Action, len(q.actions))
	copy(ret, q.actions)
	return ret
}

// CompletedActions returns the log of executed actions.
func (q *ActionQueue) CompletedActions() []blkaction.Action {
	ret := make([]blkaction.Action, len(q.completed))
	copy(ret, q.completed)
	return ret
}

// Add registers an action: domain checks, tree side effects, apply,
// append.  A failed check leaves the tree and the queue unchanged.
func (q *ActionQueue) Add(a blkaction.Action) error {
	isDevice := a.Obj() == blkaction.ObjDevice
	isCreateDevice := a.Type() == blkaction.TypeCreate && isDevice
	inTree := blkdev.ContainsDevice(q.tree.devices, a.Device())

	switch {
	case isCreateDevice && inTree:
		return &TreeInvariantError{Msg: fmt.Sprintf("device %q is already in the tree", a.Device().Name())}
	case !isCreateDevice && !inTree:
		return &TreeInvariantError{Msg: fmt.Sprintf("device %q is not in the tree", a.Device().Name())}
	}

	switch {
	case a.Type() == blkaction.TypeDestroy && isDevice:
		if !q.tree.IsLeaf(a.Device()) {
			return &TreeInvariantError{Msg: fmt.Sprintf(
				"cannot destroy non-leaf device %q", a.Device().Name())}
		}
		if err := q.tree.RemoveDevice(a.Device(), false, true); err != nil {
			return err
		}
		// destroying an LV built from other LVs returns its
		// sources to the tree
		if lv, ok := a.Device().(*blkdev.LVMLogicalVolumeDevice); ok {
			for _, src := range lv.FromLVs {
				if err := q.tree.AddDevice(src, false); err != nil {
					return err
				}
			}
		}
	case isCreateDevice:
		// creating an LV built from other LVs takes its
		// sources out of the tree
		if lv, ok := a.Device().(*blkdev.LVMLogicalVolumeDevice); ok {
			for _, src := range lv.FromLVs {
				if blkdev.ContainsDevice(q.tree.devices, src) {
					if err := q.tree.RemoveDevice(src, false, true); err != nil {
						return err
					}
				}
			}
		}
		if err := q.tree.AddDevice(a.Device(), true); err != nil {
			return err
		}
	case a.Type() == blkaction.TypeCreate && a.Obj() == blkaction.ObjFormat:
		mountpoint := a.Format().Mountpoint()
		if mountpoint != "" {
			if _, used := q.tree.Mountpoints()[mountpoint]; used {
				return &TreeInvariantError{Msg: fmt.Sprintf(
					"mountpoint %q already in use", mountpoint)}
			}
		}
	}

	a.Apply()
	q.actions = append(q.actions, a)
	return nil
}

// Remove unregisters an action, undoing the tree side effects Add
// made.
func (q *ActionQueue) Remove(a blkaction.Action) error {
	if !containsAction(q.actions, a) {
		return &TreeInvariantError{Msg: fmt.Sprintf("action not in queue: %v", a)}
	}

	isDevice := a.Obj() == blkaction.ObjDevice
	switch {
	case a.Type() == blkaction.TypeCreate && isDevice:
		if err := q.tree.RemoveDevice(a.Device(), false, true); err != nil {
			return err
		}
		if lv, ok := a.Device().(*blkdev.LVMLogicalVolumeDevice); ok {
			for _, src := range lv.FromLVs {
				if err := q.tree.AddDevice(src, false); err != nil {
					return err
				}
			}
		}
	case a.Type() == blkaction.TypeDestroy && isDevice:
		if lv, ok := a.Device().(*blkdev.LVMLogicalVolumeDevice); ok {
			for _, src := range lv.FromLVs {
				if blkdev.ContainsDevice(q.tree.devices, src) {
					if err := q.tree.RemoveDevice(src, false, true); err != nil {
						return err
					}
				}
			}
		}
		if err := q.tree.AddDevice(a.Device(), false); err != nil {
			return err
		}
	}

	a.Cancel()
	q.actions = slices.RemoveFunc(q.actions, func(o blkaction.Action) bool {
		return o.ID() == a.ID()
	})
	return nil
}

// FindSpec narrows a Find; zero fields match anything.
type FindSpec struct {
	Device     blkdev.Device
	ActionType string
	ObjectType string
	Path       string
	DevID      blkdev.ID
}

// Find returns all pending actions matching the spec.
func (q *ActionQueue) Find(spec FindSpec) []blkaction.Action {
	typ, haveType := blkaction.ParseType(spec.ActionType)
	obj, haveObj := blkaction.ParseObject(spec.ObjectType)

	var ret []blkaction.Action
	for _, a := range q.actions {
		if spec.Device != nil && a.Device().ID() != spec.Device.ID() {
			continue
		}
		if spec.ActionType != "" && (!haveType || a.Type() != typ) {
			continue
		}
		if spec.ObjectType != "" && (!haveObj || a.Obj() != obj) {
			continue
		}
		if spec.Path != "" && a.Device().Path() != spec.Path {
			continue
		}
		if spec.DevID != 0 && a.Device().ID() != spec.DevID {
			continue
		}
		ret = append(ret, a)
	}
	return ret
}

// Prune removes redundant actions, newest first.  Mutually-obsoleting
// pairs are both removed.
func (q *ActionQueue) Prune() {
	snapshot := q.Actions()
	for i := len(snapshot) - 1; i >= 0; i-- {
		action := snapshot[i]
		if !containsAction(q.actions, action) {
			continue
		}
		for _, obsolete := range q.Actions() {
			if !action.Obsoletes(obsolete) {
				continue
			}
			q.actions = slices.RemoveFunc(q.actions, func(o blkaction.Action) bool {
				return o.ID() == obsolete.ID()
			})
			if obsolete.Obsoletes(action) && containsAction(q.actions, action) {
				q.actions = slices.RemoveFunc(q.actions, func(o blkaction.Action) bool {
					return o.ID() == action.ID()
				})
			}
		}
	}
}

// Sort topologically orders the queue by the requires relation.
func (q *ActionQueue) Sort() error {
	if len(q.actions) == 0 {
		return nil
	}

	var edges [][2]int
	for i, action := range q.actions {
		for j, other := range q.actions {
			if i == j {
				continue
			}
			// other requires action → action comes first
			if other.Requires(action) {
				edges = append(edges, [2]int{i, j})
			}
		}
	}

	order, err := tsort(len(q.actions), edges)
	if err != nil {
		return err
	}
	sorted := make([]blkaction.Action, 0, len(q.actions))
	for _, idx := range order {
		sorted = append(sorted, q.actions[idx])
	}
	q.actions = sorted
	return nil
}

// ProcessConfig parameterizes a Process run.
type ProcessConfig struct {
	Callbacks *blkaction.Callbacks
	DryRun    bool
}

// Process commits the queue: prune, sanity-check, sort, then execute
// one action at a time.  On failure the completed actions stay in
// CompletedActions and the rest of the queue is left intact so the
// caller can inspect and retry.
func (q *ActionQueue) Process(ctx context.Context, cfg ProcessConfig) error {
	if err := q.preProcess(ctx); err != nil {
		return err
	}

	if cfg.DryRun {
		for _, action := range q.actions {
			dlog.Infof(ctx, "would execute action: %v", action)
		}
		q.postProcess()
		return nil
	}

	for len(q.actions) > 0 {
		action := q.actions[0]
		dlog.Infof(ctx, "executing action: %v", action)

		err := action.Execute(ctx, q.tree.env, cfg.Callbacks)
		var commitErr *blklabel.CommitError
		if errors.As(err, &commitErr) {
			// A previous action probably activated an LVM or
			// MD device holding the disklabel busy.  Tear down
			// everything that depends on the same disk,
			// including devices pending removal, and retry
			// exactly once.
			disk := actionDisk(action)
			if disk != nil {
				devs := append(q.tree.Devices(), actionDevices(q.actions)...)
				seen := make(map[blkdev.ID]bool)
				for _, dep := range devs {
					if seen[dep.ID()] {
						continue
					}
					seen[dep.ID()] = true
					if dep.Exists() && dep.DependsOn(disk) {
						if terr := dep.Teardown(ctx, true); terr != nil {
							dlog.Infof(ctx, "teardown of %s failed: %v", dep.Name(), terr)
						}
					}
				}
			}
			err = action.Execute(ctx, q.tree.env, cfg.Callbacks)
		}
		if err != nil {
			return err
		}

		// catch any renumbering the disklabel did
		for _, dev := range q.tree.devices {
			if part, ok := dev.(*blkdev.PartitionDevice); ok && part.Exists() {
				part.UpdateName()
			}
		}

		q.completed = append(q.completed, action)
		q.actions = q.actions[1:]
	}

	q.postProcess()
	return nil
}

func (q *ActionQueue) preProcess(ctx context.Context) error {
	for _, a := range q.actions {
		dlog.Debugf(ctx, "action: %v", a)
	}

	dlog.Infof(ctx, "pruning action queue...")
	q.Prune()

	devices := q.tree.Devices()

	problematic := q.findActiveDevicesOnActionDisks(devices)
	if len(problematic) > 0 {
		if q.tree.env.InstallerMode {
			for _, dev := range devices {
				if dev.Protected() {
					continue
				}
				if err := dev.Teardown(ctx, true); err != nil {
					dlog.Infof(ctx, "teardown of %s failed: %v", dev.Name(), err)
				}
			}
		} else {
			return fmt.Errorf("blktree: partitions in use on disks with changes pending: %s",
				strings.Join(problematic, ","))
		}
	}

	// Disks whose disklabel format itself is being replaced start
	// over from the on-disk table; planned partition slots are the
	// plan and stay put.
	dlog.Infof(ctx, "resetting replaced disklabels...")
	for _, dev := range devices {
		lbl := blkdev.DiskLabelOf(dev)
		if lbl == nil {
			continue
		}
		for _, a := range q.actions {
			if a.Obj() == blkaction.ObjFormat && a.Type() == blkaction.TypeCreate &&
				a.Device().ID() == dev.ID() && a.Format().Type() == "disklabel" {
				lbl.ResetPlanned()
				break
			}
		}
	}

	var mountpoints []string
	for _, dev := range devices {
		if mp := dev.Format().Mountpoint(); mp != "" {
			mountpoints = append(mountpoints, mp)
		}
	}
	for _, dev := range devices {
		dev.PreCommitFixup(mountpoints)
	}
	// also devices we are about to destroy; those are already out
	// of the tree
	for _, a := range q.actions {
		if a.Type() == blkaction.TypeDestroy && a.Obj() == blkaction.ObjDevice {
			a.Device().PreCommitFixup(mountpoints)
		}
	}

	// Set up create actions for any extended partitions the
	// allocator added.  An explicitly requested extended partition
	// already has one.  The device is already in the tree, so the
	// action is applied and appended directly, bypassing Add's
	// duplicate check.
	for _, dev := range devices {
		part, ok := dev.(*blkdev.PartitionDevice)
		if !ok || !part.IsExtended() || part.Exists() {
			continue
		}
		if len(q.Find(FindSpec{Device: part, ActionType: "create"})) > 0 {
			continue
		}
		action, err := blkaction.NewCreateDevice(part)
		if err != nil {
			return err
		}
		// apply first in case apply fails
		action.Apply()
		q.actions = append(q.actions, action)
	}

	dlog.Infof(ctx, "sorting actions...")
	if err := q.Sort(); err != nil {
		return err
	}
	for _, a := range q.actions {
		dlog.Debugf(ctx, "action: %v", a)

		// drop lvm filters for devices the plan touches
		for _, dev := range devices {
			if dev.DependsOn(a.Device()) {
				q.tree.env.LVMFilter.RemoveReject(dev.Name())
			}
		}
	}
	return nil
}

func (q *ActionQueue) postProcess() {
	// removal of partitions consults the on-disk table, so keep it
	// in step after the commit
	for _, dev := range q.tree.devices {
		if lbl := blkdev.DiskLabelOf(dev); lbl != nil && lbl.Table() != nil {
			lbl.UpdateOriginal()
		}
	}
	for _, dev := range q.tree.devices {
		if part, ok := dev.(*blkdev.PartitionDevice); ok && part.Disk() != nil && part.PartedPartition() != nil {
			if lbl := blkdev.DiskLabelOf(part.Disk()); lbl != nil && lbl.Table() != nil {
				if slot := lbl.Table().PartitionByNumber(part.PartedPartition().Number()); slot != nil {
					part.SetPartedPartition(slot)
				}
			}
		}
	}
}

// findActiveDevicesOnActionDisks returns the names of active non-disk
// non-partition devices whose disks have disklabel changes pending.
func (q *ActionQueue) findActiveDevicesOnActionDisks(devices []blkdev.Device) []string {
	var disks []blkdev.Device
	for _, a := range q.actions {
		var disk blkdev.Device
		if a.Obj() == blkaction.ObjDevice {
			if part, ok := a.Device().(*blkdev.PartitionDevice); ok {
				disk = part.Disk()
			}
		} else if a.Obj() == blkaction.ObjFormat && a.Format().Type() == "disklabel" {
			disk = a.Device()
		}
		if disk != nil && !blkdev.ContainsDevice(disks, disk) {
			disks = append(disks, disk)
		}
	}

	var names []string
	for _, dev := range devices {
		if !dev.Status() || dev.IsDisk() {
			continue
		}
		if _, isPart := dev.(*blkdev.PartitionDevice); isPart {
			continue
		}
		for _, d := range dev.Disks() {
			if blkdev.ContainsDevice(disks, d) {
				names = append(names, dev.Name())
				break
			}
		}
	}
	return names
}

func actionDisk(a blkaction.Action) blkdev.Device {
	if part, ok := a.Device().(*blkdev.PartitionDevice); ok {
		return part.Disk()
	}
	return a.Device()
}

func actionDevices(actions []blkaction.Action) []blkdev.Device {
	var ret []blkdev.Device
	for _, a := range actions {
		ret = append(ret, a.Device())
	}
	return ret
}

func containsAction(actions []blkaction.Action, a blkaction.Action) bool {
	for _, o := range actions {
		if o.ID() == a.ID() {
			return true
		}
	}
	return false
}
