// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package blkdev models the storage entities that the engine plans
// over: disks, partitions, RAID arrays, LVM volume groups and logical
// volumes, Btrfs volumes, encrypted containers, and the formats that
// live on them.
//
// A Device records the desired state of one entity.  The hooks that
// commit that state to the host (create, destroy, setup, teardown,
// resize) are external collaborators, injected per device; the model
// itself performs no I/O.
package blkdev

import (
	"context"
	"fmt"
	"sync/atomic"

	"git.lukeshu.com/blockplan/lib/blkplan/blkunit"
	"git.lukeshu.com/blockplan/lib/containers"
	"git.lukeshu.com/blockplan/lib/slices"
)

// ID is a process-wide unique monotonic integer, assigned at
// construction.  Devices and actions draw from the same sequence.
type ID int64

var lastID int64

func NextID() ID {
	return ID(atomic.AddInt64(&lastID, 1))
}

// StorageError is a generic failure from a device or format hook
// during execute.
type StorageError struct {
	Op     string
	Device string
	Err    error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("blkdev: %s %s: %v", e.Op, e.Device, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Hooks are the per-device external collaborators that apply planned
// state to the host.  A nil hook is a no-op.
type Hooks struct {
	Create   func(ctx context.Context) error
	Destroy  func(ctx context.Context) error
	Setup    func(ctx context.Context) error
	Teardown func(ctx context.Context, recursive bool) error
	Resize   func(ctx context.Context) error
}

// ConfigAttr describes one device or format attribute that may be
// changed through a Configure action.  Handler names the hook that
// commits the change to the host; an empty Handler means the change
// is apply-only.
type ConfigAttr struct {
	Get     func() any
	Set     func(any)
	Handler string
}

// ConfigHandlerFunc commits (or, with dryRun, validates) a configure
// change.
type ConfigHandlerFunc func(ctx context.Context, dryRun bool) error

// Device is one entity in the device tree.
type Device interface {
	ID() ID
	Type() string
	Name() string
	SetName(string)
	UUID() string
	SetUUID(string)
	Path() string
	SysfsPath() string
	Size() blkunit.Size
	SetSize(blkunit.Size)
	CurrentSize() blkunit.Size
	TargetSize() blkunit.Size
	SetTargetSize(blkunit.Size)
	MinSize() blkunit.Size
	MaxSize() blkunit.Size
	Resizable() bool

	Parents() []Device
	AddParent(Device)
	RemoveParent(Device)
	Ancestors() []Device
	Disks() []Device
	DependsOn(Device) bool

	Format() Format
	SetFormat(Format)
	FormatImmutable() bool

	Exists() bool
	SetExists(bool)
	Protected() bool
	SetProtected(bool)
	Tags() containers.Set[string]
	IsDisk() bool
	Status() bool

	// Container is the aggregate this device is a member of, if
	// any (an LVM VG, an MD array, a Btrfs volume).
	Container() Device
	SetContainer(Device)

	Create(ctx context.Context) error
	Destroy(ctx context.Context) error
	Setup(ctx context.Context) error
	Teardown(ctx context.Context, recursive bool) error
	Resize(ctx context.Context) error

	UpdateName()
	PreCommitFixup(mountpoints []string)
	UnavailableDependencies() []string

	ConfigAttrs() map[string]ConfigAttr
	ConfigHandler(name string) ConfigHandlerFunc

	// SupportsSkipActivation reports whether the device honors
	// the skip-activation counter (LVM logical volumes).
	SupportsSkipActivation() bool
	BumpIgnoreSkipActivation(delta int)
}

// StorageDevice carries the attributes common to every entity.  The
// concrete variants embed it and register themselves via initDevice
// so that the common methods can hand out the outer value.
type StorageDevice struct {
	// outer is the variant embedding this StorageDevice.  Go
	// method promotion hands the embedded receiver to common
	// methods; anything that returns "this device" has to go
	// through outer instead.
	outer Device

	id        ID
	name      string
	uuid      string
	path      string
	sysfsPath string
	size      blkunit.Size
	target    blkunit.Size
	parents   []Device
	format    Format
	exists    bool
	protected bool
	active    bool
	tags      containers.Set[string]
	container Device

	hooks          Hooks
	configHandlers map[string]ConfigHandlerFunc

	ignoreSkipActivation int
}

// Config is the common construction-time state for a device.
type Config struct {
	UUID      string
	Path      string
	SysfsPath string
	Size      blkunit.Size
	Parents   []Device
	Format    Format
	Exists    bool
	Protected bool
	Tags      []string
	Hooks     Hooks
}

func initDevice(outer Device, dev *StorageDevice, name string, cfg Config) {
	*dev = StorageDevice{
		outer:     outer,
		id:        NextID(),
		name:      name,
		uuid:      cfg.UUID,
		path:      cfg.Path,
		sysfsPath: cfg.SysfsPath,
		size:      cfg.Size,
		parents:   cfg.Parents,
		format:    cfg.Format,
		exists:    cfg.Exists,
		protected: cfg.Protected,
		tags:      containers.NewSet(cfg.Tags...),
		hooks:     cfg.Hooks,
	}
	if dev.format == nil {
		dev.format = GetFormat("")
	}
}

func (d *StorageDevice) ID() ID            { return d.id }
func (d *StorageDevice) Type() string      { return "storage device" }
func (d *StorageDevice) Name() string      { return d.name }
func (d *StorageDevice) SetName(n string)  { d.name = n }
func (d *StorageDevice) UUID() string      { return d.uuid }
func (d *StorageDevice) SetUUID(u string)  { d.uuid = u }
func (d *StorageDevice) SysfsPath() string { return d.sysfsPath }

func (d *StorageDevice) Path() string {
	if d.path != "" {
		return d.path
	}
	return "/dev/" + d.name
}

// Size is the planned size: the target size while a resize is
// pending, the current size otherwise.
func (d *StorageDevice) Size() blkunit.Size {
	if d.target > 0 {
		return d.target
	}
	return d.size
}

func (d *StorageDevice) SetSize(size blkunit.Size)      { d.size = size }
func (d *StorageDevice) CurrentSize() blkunit.Size      { return d.size }
func (d *StorageDevice) TargetSize() blkunit.Size       { return d.target }
func (d *StorageDevice) SetTargetSize(s blkunit.Size)   { d.target = s }
func (d *StorageDevice) MinSize() blkunit.Size          { return 0 }
func (d *StorageDevice) MaxSize() blkunit.Size          { return 0 }
func (d *StorageDevice) Resizable() bool                { return false }

func (d *StorageDevice) Parents() []Device { return d.parents }

func (d *StorageDevice) AddParent(p Device) {
	d.parents = append(d.parents, p)
}

func (d *StorageDevice) RemoveParent(p Device) {
	d.parents = slices.RemoveFunc(d.parents, func(o Device) bool {
		return o.ID() == p.ID()
	})
}

// Ancestors returns the device and every device it transitively
// descends from, leaves first.  A device may appear more than once if
// it is reachable over multiple paths.
func (d *StorageDevice) Ancestors() []Device {
	ret := []Device{d.outer}
	for _, p := range d.parents {
		ret = append(ret, p.Ancestors()...)
	}
	return ret
}

// Disks returns the disks the device ultimately lives on.
func (d *StorageDevice) Disks() []Device {
	var ret []Device
	for _, a := range d.Ancestors() {
		if a.IsDisk() && !ContainsDevice(ret, a) {
			ret = append(ret, a)
		}
	}
	return ret
}

// DependsOn reports whether the device transitively depends on dep
// through the parent relation.  The relation is irreflexive: a
// device does not depend on itself.  (Action ordering relies on that;
// a reflexive closure would put destroy-format and destroy-device on
// the same device into a requirement cycle.)
func (d *StorageDevice) DependsOn(dep Device) bool {
	for _, p := range d.parents {
		if p.ID() == dep.ID() || p.DependsOn(dep) {
			return true
		}
	}
	return false
}

func (d *StorageDevice) Format() Format { return d.format }

func (d *StorageDevice) SetFormat(fmt Format) {
	if fmt == nil {
		fmt = GetFormat("")
	}
	d.format = fmt
}

func (d *StorageDevice) FormatImmutable() bool { return false }

func (d *StorageDevice) Exists() bool        { return d.exists }
func (d *StorageDevice) SetExists(v bool)    { d.exists = v }
func (d *StorageDevice) Protected() bool     { return d.protected }
func (d *StorageDevice) SetProtected(v bool) { d.protected = v }

func (d *StorageDevice) Tags() containers.Set[string] { return d.tags }

func (d *StorageDevice) IsDisk() bool { return false }
func (d *StorageDevice) Status() bool { return d.active }

func (d *StorageDevice) Container() Device     { return d.container }
func (d *StorageDevice) SetContainer(c Device) { d.container = c }

func (d *StorageDevice) Create(ctx context.Context) error {
	if d.hooks.Create != nil {
		if err := d.hooks.Create(ctx); err != nil {
			return &StorageError{Op: "create", Device: d.name, Err: err}
		}
	}
	d.exists = true
	return nil
}

func (d *StorageDevice) Destroy(ctx context.Context) error {
	if d.hooks.Destroy != nil {
		if err := d.hooks.Destroy(ctx); err != nil {
			return &StorageError{Op: "destroy", Device: d.name, Err: err}
		}
	}
	d.exists = false
	return nil
}

func (d *StorageDevice) Setup(ctx context.Context) error {
	if d.active {
		return nil
	}
	if d.hooks.Setup != nil {
		if err := d.hooks.Setup(ctx); err != nil {
			return &StorageError{Op: "setup", Device: d.name, Err: err}
		}
	}
	d.active = true
	return nil
}

func (d *StorageDevice) Teardown(ctx context.Context, recursive bool) error {
	if !d.active {
		return nil
	}
	if d.hooks.Teardown != nil {
		if err := d.hooks.Teardown(ctx, recursive); err != nil {
			return &StorageError{Op: "teardown", Device: d.name, Err: err}
		}
	}
	d.active = false
	return nil
}

func (d *StorageDevice) Resize(ctx context.Context) error {
	if d.hooks.Resize != nil {
		if err := d.hooks.Resize(ctx); err != nil {
			return &StorageError{Op: "resize", Device: d.name, Err: err}
		}
	}
	if d.target > 0 {
		d.size = d.target
		d.target = 0
	}
	return nil
}

func (d *StorageDevice) UpdateName() {}

func (d *StorageDevice) PreCommitFixup(mountpoints []string) {}

func (d *StorageDevice) UnavailableDependencies() []string { return nil }

func (d *StorageDevice) ConfigAttrs() map[string]ConfigAttr { return nil }

func (d *StorageDevice) ConfigHandler(name string) ConfigHandlerFunc {
	return d.configHandlers[name]
}

func (d *StorageDevice) SupportsSkipActivation() bool { return false }

func (d *StorageDevice) BumpIgnoreSkipActivation(delta int) {
	d.ignoreSkipActivation += delta
}

func (d *StorageDevice) IgnoreSkipActivation() int { return d.ignoreSkipActivation }

// ContainsDevice reports whether devices contains dev, comparing by
// id.
func ContainsDevice(devices []Device, dev Device) bool {
	for _, d := range devices {
		if d.ID() == dev.ID() {
			return true
		}
	}
	return false
}
