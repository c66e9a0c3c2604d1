// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package blkaction

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"git.lukeshu.com/blockplan/lib/blkplan/blkdev"
	"git.lukeshu.com/blockplan/lib/blkplan/blkenv"
	"git.lukeshu.com/blockplan/lib/blkplan/blkgpt"
	"git.lukeshu.com/blockplan/lib/blkplan/blklabel"
	"git.lukeshu.com/blockplan/lib/blkplan/blkunit"
)

// CreateFormat is the creation of a new format on a device.
type CreateFormat struct {
	base

	format     blkdev.Format
	origFormat blkdev.Format
}

// NewCreateFormat schedules fmt to be created on device.  A nil fmt
// means the format is already associated with the device.
func NewCreateFormat(device blkdev.Device, format blkdev.Format) (*CreateFormat, error) {
	if device.FormatImmutable() {
		return nil, fmt.Errorf("blkaction: create format: %s's formatting cannot be modified", device.Name())
	}
	b, err := newBase(TypeCreate, ObjFormat, "create format", device)
	if err != nil {
		return nil, err
	}
	a := &CreateFormat{base: b}
	if format != nil {
		a.origFormat = device.Format()
		a.format = format
	} else {
		a.origFormat = blkdev.GetFormat("")
		a.format = device.Format()
	}
	if a.format.Exists() {
		return nil, fmt.Errorf("blkaction: create format: specified format already exists")
	}
	if !a.format.Formattable() {
		return nil, fmt.Errorf("blkaction: create format: resource to create format %q is unavailable", a.format.Type())
	}
	return a, nil
}

func (a *CreateFormat) Format() blkdev.Format { return a.format }

func (a *CreateFormat) Apply() {
	if a.applied {
		return
	}
	a.device.SetFormat(a.format)
	a.base.Apply()
}

func (a *CreateFormat) Cancel() {
	if !a.applied {
		return
	}
	a.device.SetFormat(a.origFormat)
	a.base.Cancel()
}

func (a *CreateFormat) Execute(ctx context.Context, env *blkenv.Env, cb *Callbacks) error {
	if err := a.execute(cb, a); err != nil {
		return err
	}
	if cb != nil && cb.CreateFormatPre != nil {
		cb.CreateFormatPre(fmt.Sprintf("Creating %s on %s", a.device.Format().Type(), a.device.Path()))
	}

	if part, ok := a.device.(*blkdev.PartitionDevice); ok && part.DisklabelSupported() {
		format := a.device.Format()
		for _, flag := range blklabel.AllFlags {
			// keep the LBA flag and the format's own flag
			if flag == blklabel.FlagLBA || flag == format.PartedFlag() {
				continue
			}
			part.UnsetFlag(flag)
		}
		if flag := format.PartedFlag(); flag != "" {
			part.SetFlag(flag)
		}
		if system := format.PartedSystem(); system != "" && part.PartedPartition() != nil {
			part.PartedPartition().System = system
		}
		if env != nil && env.GPTDiscoverablePartitions && part.PartedPartition() != nil {
			if typeUUID, err := blkgpt.PartUUIDForMountpoint(format.Mountpoint(), env.Arch); err == nil && typeUUID != "" {
				part.PartedPartition().TypeUUID = typeUUID
			}
		}
		if lbl := blkdev.DiskLabelOf(part.Disk()); lbl != nil {
			if err := lbl.CommitToDisk(ctx); err != nil {
				return err
			}
		}
	}

	if luksFmt, ok := a.device.Format().(*blkdev.LUKS); ok && env != nil && env.GetEntropy != nil {
		required := env.MinLUKSEntropy
		if luksFmt.MinLUKSEntropy > 0 {
			required = luksFmt.MinLUKSEntropy
		}
		if current := env.GetEntropy(); current < required {
			forceCont := false
			if cb != nil && cb.WaitForEntropy != nil {
				msg := fmt.Sprintf("Not enough entropy to create LUKS format. %d bits are needed.", required)
				forceCont = cb.WaitForEntropy(msg, required)
			}
			if forceCont {
				env.MinLUKSEntropy = 0
			}
		}
	}

	if err := a.device.Setup(ctx); err != nil {
		return err
	}
	if err := a.device.Format().Create(ctx, a.device.Path(), nil); err != nil {
		return err
	}

	// The original polls udev for the new format's UUID; the scan
	// layer is out of scope here, so mint one.
	if a.device.Format().UUID() == "" {
		a.device.Format().SetUUID(uuid.NewString())
	}

	if cb != nil && cb.CreateFormatPost != nil {
		cb.CreateFormatPost(fmt.Sprintf("Created %s on %s", a.device.Format().Type(), a.device.Path()))
	}
	return nil
}

// Requires is true when the other action must come first:
//
//   - this device depends on the other action's device, unless the
//     other action destroys a device or works on a container
//   - the other action creates or resizes this action's device
func (a *CreateFormat) Requires(other Action) bool {
	if baseRequires(a, other) {
		return true
	}
	if a.device.DependsOn(other.Device()) &&
		!(other.Type() == TypeDestroy && other.Obj() == ObjDevice) &&
		other.Obj() != ObjContainer {
		return true
	}
	if other.Obj() == ObjDevice &&
		(other.Type() == TypeCreate || other.Type() == TypeResize) &&
		a.device.ID() == other.Device().ID() {
		return true
	}
	return false
}

// Obsoletes is true for format actions with lower id on this
// action's device, except those that destroy existing formats.
func (a *CreateFormat) Obsoletes(other Action) bool {
	return a.device.ID() == other.Device().ID() &&
		a.obj == other.Obj() &&
		!(other.Type() == TypeDestroy && other.Format().Exists()) &&
		a.id > other.ID()
}

func (a *CreateFormat) String() string { return a.describe(a) }

// DestroyFormat is the removal of an existing format from a device.
type DestroyFormat struct {
	base

	origFormat blkdev.Format
}

func NewDestroyFormat(device blkdev.Device) (*DestroyFormat, error) {
	if device.FormatImmutable() {
		return nil, fmt.Errorf("blkaction: destroy format: %s's formatting cannot be modified", device.Name())
	}
	b, err := newBase(TypeDestroy, ObjFormat, "destroy format", device)
	if err != nil {
		return nil, err
	}
	a := &DestroyFormat{base: b, origFormat: device.Format()}
	if !a.origFormat.Destroyable() {
		return nil, fmt.Errorf("blkaction: destroy format: resource to destroy format %q is unavailable", a.origFormat.Type())
	}
	return a, nil
}

// Format returns the original format, the one being destroyed.
func (a *DestroyFormat) Format() blkdev.Format { return a.origFormat }

func (a *DestroyFormat) Apply() {
	if a.applied {
		return
	}
	a.device.SetFormat(nil)
	if a.device.SupportsSkipActivation() {
		a.device.BumpIgnoreSkipActivation(1)
	}
	a.base.Apply()
}

func (a *DestroyFormat) Cancel() {
	if !a.applied {
		return
	}
	a.device.SetFormat(a.origFormat)
	if a.device.SupportsSkipActivation() {
		a.device.BumpIgnoreSkipActivation(-1)
	}
	a.base.Cancel()
}

// Execute wipes the format signature from the device.
func (a *DestroyFormat) Execute(ctx context.Context, env *blkenv.Env, cb *Callbacks) error {
	if err := a.execute(cb, a); err != nil {
		return err
	}
	wasActive := a.device.Status()
	if err := a.device.Setup(ctx); err != nil {
		return err
	}
	if err := a.origFormat.Destroy(ctx); err != nil {
		return err
	}
	if part, ok := a.device.(*blkdev.PartitionDevice); ok && part.DisklabelSupported() {
		if flag := a.origFormat.PartedFlag(); flag != "" {
			part.UnsetFlag(flag)
		}
		if lbl := blkdev.DiskLabelOf(part.Disk()); lbl != nil {
			if err := lbl.CommitToDisk(ctx); err != nil {
				return err
			}
		}
	}
	if !wasActive {
		return a.device.Teardown(ctx, false)
	}
	return nil
}

// Requires is true when the other action must come first:
//
//   - the other action destroys a device that depends on this one
//   - the other action removes this device from a container
func (a *DestroyFormat) Requires(other Action) bool {
	if baseRequires(a, other) {
		return true
	}
	if other.Type() == TypeDestroy && other.Device().DependsOn(a.device) {
		return true
	}
	if other.Type() == TypeRemove && sameDevice(other.Device(), a.device) {
		return true
	}
	return false
}

// Obsoletes is true for:
//
//   - non-destroy format actions with lower id on the same device
//   - itself, if this format does not exist
//   - later format-destroy actions on the same device, when neither
//     format (or both formats) exist on disk
//
// Destroys of existing and of planned formats never obsolete each
// other in either direction: wiping the on-disk format and unwinding
// a planned one are different modifications.
func (a *DestroyFormat) Obsoletes(other Action) bool {
	if a.device.ID() != other.Device().ID() || a.obj != other.Obj() {
		return false
	}
	if other.Type() == TypeDestroy {
		switch {
		case a.origFormat.Exists() != other.Format().Exists():
			return false
		case a.id == other.ID() && !a.origFormat.Exists():
			return true
		default:
			return a.id < other.ID()
		}
	}
	return a.id > other.ID()
}

func (a *DestroyFormat) String() string { return a.describe(a) }

// ResizeFormat resizes an existing format.  It is the dual of
// ResizeDevice: format-grow follows device-grow, format-shrink
// precedes device-shrink.
type ResizeFormat struct {
	base

	dir        ResizeDir
	origTarget blkunit.Size
	target     blkunit.Size
}

func NewResizeFormat(device blkdev.Device, newSize blkunit.Size) (*ResizeFormat, error) {
	if device.FormatImmutable() {
		return nil, fmt.Errorf("blkaction: resize format: %s's formatting cannot be modified", device.Name())
	}
	if !device.Format().Resizable() {
		return nil, fmt.Errorf("blkaction: resize format: format %q is not resizable", device.Format().Type())
	}
	if device.Format().CurrentSize() == newSize {
		return nil, fmt.Errorf("blkaction: resize format: new size same as old size")
	}
	b, err := newBase(TypeResize, ObjFormat, "resize format", device)
	if err != nil {
		return nil, err
	}
	a := &ResizeFormat{base: b, target: newSize}
	if newSize > device.Format().CurrentSize() {
		a.dir = DirGrow
	} else {
		a.dir = DirShrink
	}
	a.origTarget = device.Format().TargetSize()
	return a, nil
}

func (a *ResizeFormat) Dir() ResizeDir { return a.dir }

func (a *ResizeFormat) Apply() {
	if a.applied {
		return
	}
	a.device.Format().SetTargetSize(a.target)
	if a.device.SupportsSkipActivation() {
		a.device.BumpIgnoreSkipActivation(1)
	}
	a.base.Apply()
}

func (a *ResizeFormat) Cancel() {
	if !a.applied {
		return
	}
	a.device.Format().SetTargetSize(a.origTarget)
	if a.device.SupportsSkipActivation() {
		a.device.BumpIgnoreSkipActivation(-1)
	}
	a.base.Cancel()
}

func (a *ResizeFormat) Execute(ctx context.Context, env *blkenv.Env, cb *Callbacks) error {
	if err := a.execute(cb, a); err != nil {
		return err
	}
	if cb != nil && cb.ResizeFormatPre != nil {
		cb.ResizeFormatPre(fmt.Sprintf("Resizing filesystem on %s", a.device.Path()))
	}
	if err := a.device.Setup(ctx); err != nil {
		return err
	}
	if err := a.device.Format().DoResize(ctx); err != nil {
		return err
	}
	if cb != nil && cb.ResizeFormatPost != nil {
		cb.ResizeFormatPost(fmt.Sprintf("Resized filesystem on %s", a.device.Path()))
	}
	return nil
}

// Requires is true when the other action must come first:
//
//   - the other action is a device grow on the same device and this
//     is a format grow (the device grows first)
//   - the other action shrinks a device that depends on this one
//   - the other action grows a device this one depends on
//   - the other action removes this device from a container
func (a *ResizeFormat) Requires(other Action) bool {
	if baseRequires(a, other) {
		return true
	}
	if other.Type() == TypeResize {
		switch {
		case a.device.ID() == other.Device().ID() &&
			a.dir == other.Dir() &&
			other.Obj() == ObjDevice && a.dir == DirGrow:
			return true
		case isShrink(other) && other.Device().DependsOn(a.device):
			return true
		case isGrow(other) && a.device.DependsOn(other.Device()):
			return true
		}
	}
	if other.Type() == TypeRemove && sameDevice(other.Device(), a.device) {
		return true
	}
	return false
}

func (a *ResizeFormat) Obsoletes(other Action) bool {
	return baseObsoletes(a, other)
}

func (a *ResizeFormat) String() string { return a.describe(a) }
