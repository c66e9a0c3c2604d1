// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package blkaction

import (
	"context"
	"fmt"

	"git.lukeshu.com/blockplan/lib/blkplan/blkdev"
	"git.lukeshu.com/blockplan/lib/blkplan/blkenv"
	"git.lukeshu.com/blockplan/lib/blkplan/blkunit"
)

// CreateDevice is the creation of a new device.
type CreateDevice struct {
	base
}

func NewCreateDevice(device blkdev.Device) (*CreateDevice, error) {
	if device.Exists() {
		return nil, fmt.Errorf("blkaction: create device: %s already exists", device.Name())
	}
	b, err := newBase(TypeCreate, ObjDevice, "create device", device)
	if err != nil {
		return nil, err
	}
	return &CreateDevice{base: b}, nil
}

func (a *CreateDevice) Execute(ctx context.Context, env *blkenv.Env, cb *Callbacks) error {
	if err := a.execute(cb, a); err != nil {
		return err
	}
	return a.device.Create(ctx)
}

// Requires is true when the other action must come first:
//
//   - this action's device depends on the other action's device
//   - both create partitions of one disk and this partition's number
//     is higher (create in ascending numerical order)
//   - both create LVs in one VG and this LV is non-cached while the
//     other is cached (fast cache space first), or this LV is linear
//     while the other is not (non-linear LVs can't be allocated just
//     anywhere)
//   - the other action adds a member to this device's container
func (a *CreateDevice) Requires(other Action) bool {
	if baseRequires(a, other) {
		return true
	}
	if a.device.DependsOn(other.Device()) {
		return true
	}
	if other.Type() == TypeCreate && other.Obj() == ObjDevice {
		if selfPart, ok := a.device.(*blkdev.PartitionDevice); ok {
			if otherPart, ok := other.Device().(*blkdev.PartitionDevice); ok &&
				sameDevice(selfPart.Disk(), otherPart.Disk()) &&
				selfPart.PartedPartition() != nil && otherPart.PartedPartition() != nil {
				return selfPart.PartitionNumber() > otherPart.PartitionNumber()
			}
		}
		if selfLV, ok := a.device.(*blkdev.LVMLogicalVolumeDevice); ok {
			if otherLV, ok := other.Device().(*blkdev.LVMLogicalVolumeDevice); ok &&
				selfLV.VG() == otherLV.VG() {
				if !selfLV.Cached() && otherLV.Cached() {
					return true
				}
				if selfLV.SegType() == blkdev.SegLinear && otherLV.SegType() != blkdev.SegLinear {
					return true
				}
			}
		}
	}
	if other.Type() == TypeAdd && sameDevice(other.Container(), a.container) {
		return true
	}
	return false
}

func (a *CreateDevice) Obsoletes(other Action) bool {
	return baseObsoletes(a, other)
}

func (a *CreateDevice) String() string { return a.describe(a) }

// DestroyDevice is the deletion of an existing device.
type DestroyDevice struct {
	base
}

func NewDestroyDevice(device blkdev.Device) (*DestroyDevice, error) {
	b, err := newDestroyBase(device)
	if err != nil {
		return nil, err
	}
	return &DestroyDevice{base: b}, nil
}

// Destroying a btrfs volume wipes its members' formats instead of
// tearing down a device, so missing btrfs tooling does not block it.
func newDestroyBase(device blkdev.Device) (base, error) {
	if _, isBtrfs := device.(*blkdev.BtrfsVolumeDevice); isBtrfs {
		return base{
			id:        blkdev.NextID(),
			typ:       TypeDestroy,
			obj:       ObjDevice,
			desc:      "destroy device",
			device:    device,
			container: device.Container(),
		}, nil
	}
	return newBase(TypeDestroy, ObjDevice, "destroy device", device)
}

// Apply bumps the skip-activation override so the device can be
// activated for teardown.  The bump is guarded by the applied flag so
// that apply is idempotent.
func (a *DestroyDevice) Apply() {
	if a.applied {
		return
	}
	if a.device.SupportsSkipActivation() {
		a.device.BumpIgnoreSkipActivation(1)
	}
	a.base.Apply()
}

func (a *DestroyDevice) Cancel() {
	if !a.applied {
		return
	}
	if a.device.SupportsSkipActivation() {
		a.device.BumpIgnoreSkipActivation(-1)
	}
	a.base.Cancel()
}

func (a *DestroyDevice) Execute(ctx context.Context, env *blkenv.Env, cb *Callbacks) error {
	if err := a.execute(cb, a); err != nil {
		return err
	}
	return a.device.Destroy(ctx)
}

// Requires is true when the other action must come first:
//
//   - the other action destroys a device that depends on this one
//   - both destroy partitions of one disk and this partition's
//     number is lower (destroy in descending numerical order)
//   - the other action destroys this device's format
//   - the other action removes this device from a container
func (a *DestroyDevice) Requires(other Action) bool {
	if baseRequires(a, other) {
		return true
	}
	if other.Type() == TypeDestroy {
		if other.Obj() == ObjDevice && other.Device().DependsOn(a.device) {
			return true
		}
		if other.Obj() == ObjDevice {
			if selfPart, ok := a.device.(*blkdev.PartitionDevice); ok && selfPart.DisklabelSupported() {
				if otherPart, ok := other.Device().(*blkdev.PartitionDevice); ok &&
					otherPart.DisklabelSupported() &&
					sameDevice(selfPart.Disk(), otherPart.Disk()) &&
					selfPart.PartedPartition() != nil && otherPart.PartedPartition() != nil {
					if selfPart.PartitionNumber() < otherPart.PartitionNumber() {
						return true
					}
				}
			}
		}
		if other.Obj() == ObjFormat && other.Device().ID() == a.device.ID() {
			return true
		}
	}
	if other.Type() == TypeRemove && sameDevice(other.Device(), a.device) {
		return true
	}
	return false
}

// Obsoletes is true for:
//
//   - all actions with lower id on the same device, self included,
//     if the device does not exist
//   - all non-format-destroy actions with lower id on the same
//     device if the device exists
//   - any action adding this device to a container, or adding a
//     member to this (container) device
func (a *DestroyDevice) Obsoletes(other Action) bool {
	if other.Device().ID() == a.device.ID() {
		switch {
		case a.id >= other.ID() && !a.device.Exists():
			return true
		case a.id > other.ID() && a.device.Exists() &&
			!(other.Type() == TypeDestroy && other.Obj() == ObjFormat):
			return true
		case other.Type() == TypeAdd && sameDevice(other.Device(), a.device):
			return true
		}
		return false
	}
	if other.Type() == TypeAdd && sameDevice(other.Container(), a.device) {
		return true
	}
	return false
}

func (a *DestroyDevice) String() string { return a.describe(a) }

// ResizeDevice resizes an existing device.
type ResizeDevice struct {
	base

	dir        ResizeDir
	origTarget blkunit.Size
	target     blkunit.Size
}

func NewResizeDevice(device blkdev.Device, newSize blkunit.Size) (*ResizeDevice, error) {
	if !device.Resizable() {
		return nil, fmt.Errorf("blkaction: resize device: %s is not resizable", device.Name())
	}
	if device.CurrentSize() == newSize {
		return nil, fmt.Errorf("blkaction: resize device: new size same as old size")
	}
	if newSize < device.MinSize() {
		return nil, fmt.Errorf("blkaction: resize device: new size %v is too small", newSize)
	}
	if max := device.MaxSize(); max > 0 && newSize > max {
		return nil, fmt.Errorf("blkaction: resize device: new size %v is too large", newSize)
	}
	b, err := newBase(TypeResize, ObjDevice, "resize device", device)
	if err != nil {
		return nil, err
	}
	a := &ResizeDevice{base: b, target: newSize}
	if newSize > device.CurrentSize() {
		a.dir = DirGrow
	} else {
		a.dir = DirShrink
	}
	a.origTarget = device.TargetSize()
	return a, nil
}

func (a *ResizeDevice) Dir() ResizeDir { return a.dir }

func (a *ResizeDevice) Apply() {
	if a.applied {
		return
	}
	a.device.SetTargetSize(a.target)
	a.base.Apply()
}

func (a *ResizeDevice) Cancel() {
	if !a.applied {
		return
	}
	a.device.SetTargetSize(a.origTarget)
	a.base.Cancel()
}

func (a *ResizeDevice) Execute(ctx context.Context, env *blkenv.Env, cb *Callbacks) error {
	if err := a.execute(cb, a); err != nil {
		return err
	}
	return a.device.Resize(ctx)
}

// Requires is true when the other action must come first:
//
//   - the other action is a format shrink on the same device and
//     this is a device shrink (the format shrinks first)
//   - the other action grows a device this one depends on
//   - the other action shrinks a device that depends on this one
//   - this is a grow, the other is a shrink, and the devices share
//     an ancestor
//   - the other action removes this device from a container
//   - the other action adds a member to this device's container
func (a *ResizeDevice) Requires(other Action) bool {
	if baseRequires(a, other) {
		return true
	}
	if other.Type() == TypeResize {
		switch {
		case a.device.ID() == other.Device().ID() &&
			a.dir == other.Dir() &&
			other.Obj() == ObjFormat && a.dir == DirShrink:
			return true
		case isGrow(other) && a.device.DependsOn(other.Device()):
			return true
		case isShrink(other) && other.Device().DependsOn(a.device):
			return true
		case a.dir == DirGrow && isShrink(other) &&
			ancestorsIntersect(a.device, other.Device()):
			return true
		}
	}
	if other.Type() == TypeRemove && sameDevice(other.Device(), a.device) {
		return true
	}
	if other.Type() == TypeAdd && sameDevice(other.Container(), a.container) {
		return true
	}
	return false
}

func (a *ResizeDevice) Obsoletes(other Action) bool {
	return baseObsoletes(a, other)
}

func (a *ResizeDevice) String() string { return a.describe(a) }
