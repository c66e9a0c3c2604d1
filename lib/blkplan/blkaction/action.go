// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package blkaction reifies modifications to the device tree.  An
// action is applied to the in-memory model when it is registered,
// can be cancelled to restore the model, and is executed against the
// host when the plan commits.
//
// Actions relate to each other through two algebras: Requires orders
// execution, Obsoletes lets the queue drop redundant actions.
package blkaction

import (
	"context"
	"fmt"
	"strings"

	"git.lukeshu.com/blockplan/lib/blkplan/blkdev"
	"git.lukeshu.com/blockplan/lib/blkplan/blkenv"
)

// Type hints at execution ordering; a higher value should execute
// earlier.
type Type int

const (
	TypeNone      Type = 0
	TypeConfigure Type = 5
	TypeRemove    Type = 10
	TypeAdd       Type = 50
	TypeCreate    Type = 100
	TypeResize    Type = 500
	TypeDestroy   Type = 1000
)

func (t Type) String() string {
	switch t {
	case TypeNone:
		return "None"
	case TypeConfigure:
		return "Configure"
	case TypeRemove:
		return "Remove"
	case TypeAdd:
		return "Add"
	case TypeCreate:
		return "Create"
	case TypeResize:
		return "Resize"
	case TypeDestroy:
		return "Destroy"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// ParseType resolves a type name ("create", "destroy", …); it is the
// inverse of Type.String.
func ParseType(s string) (Type, bool) {
	for _, t := range []Type{TypeNone, TypeConfigure, TypeRemove, TypeAdd, TypeCreate, TypeResize, TypeDestroy} {
		if strings.EqualFold(s, t.String()) {
			return t, true
		}
	}
	return 0, false
}

// Object is the kind of operand an action works on.
type Object int

const (
	ObjNone Object = iota
	ObjFormat
	ObjDevice
	ObjContainer
)

func (o Object) String() string {
	switch o {
	case ObjNone:
		return "None"
	case ObjFormat:
		return "Format"
	case ObjDevice:
		return "Device"
	case ObjContainer:
		return "Container"
	default:
		return fmt.Sprintf("Object(%d)", int(o))
	}
}

// ParseObject resolves an object name ("device", "format", …).
func ParseObject(s string) (Object, bool) {
	for _, o := range []Object{ObjNone, ObjFormat, ObjDevice, ObjContainer} {
		if strings.EqualFold(s, o.String()) {
			return o, true
		}
	}
	return 0, false
}

// ResizeDir is the direction of a resize action.
type ResizeDir int

const (
	DirNone ResizeDir = iota
	DirShrink
	DirGrow
)

func (d ResizeDir) String() string {
	switch d {
	case DirShrink:
		return "Shrink"
	case DirGrow:
		return "Grow"
	default:
		return ""
	}
}

// DependencyError means a device's external dependencies are
// unavailable.  It is raised at action construction and prevents
// scheduling.
type DependencyError struct {
	DeviceType string
	Missing    []string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("blkaction: device type %q requires unavailable dependencies: %s",
		e.DeviceType, strings.Join(e.Missing, ", "))
}

// Callbacks are the optional progress hooks threaded through
// execution.  Any callback may be nil.
type Callbacks struct {
	ReportProgress   func(msg string)
	CreateFormatPre  func(msg string)
	CreateFormatPost func(msg string)
	ResizeFormatPre  func(msg string)
	ResizeFormatPost func(msg string)
	// WaitForEntropy blocks until enough entropy is available or
	// the user forces the operation; it reports the latter.
	WaitForEntropy func(msg string, requiredBits int) bool
}

func (cb *Callbacks) reportProgress(msg string) {
	if cb != nil && cb.ReportProgress != nil {
		cb.ReportProgress(msg)
	}
}

// Action is one atomic modification to the device tree.
type Action interface {
	ID() blkdev.ID
	Type() Type
	Obj() Object
	Device() blkdev.Device
	Container() blkdev.Device
	// Format is the operand format; for format-destroy actions it
	// is the original format, not the device's current one.
	Format() blkdev.Format
	Dir() ResizeDir
	Applied() bool

	// Apply applies the action's changes to the in-memory model;
	// Cancel restores the pre-apply state.  Both are idempotent.
	Apply()
	Cancel()

	// Execute performs the action against the host.
	Execute(ctx context.Context, env *blkenv.Env, cb *Callbacks) error

	// Requires reports whether other must execute before this
	// action.
	Requires(other Action) bool
	// Obsoletes reports whether other can be dropped from the
	// queue when this action is present.
	Obsoletes(other Action) bool

	fmt.Stringer
}

type base struct {
	id        blkdev.ID
	typ       Type
	obj       Object
	desc      string
	device    blkdev.Device
	container blkdev.Device
	applied   bool
}

func newBase(typ Type, obj Object, desc string, device blkdev.Device) (base, error) {
	a := base{
		id:        blkdev.NextID(),
		typ:       typ,
		obj:       obj,
		desc:      desc,
		device:    device,
		container: device.Container(),
	}
	if obj == ObjDevice {
		if missing := device.UnavailableDependencies(); len(missing) > 0 {
			return base{}, &DependencyError{DeviceType: device.Type(), Missing: missing}
		}
	}
	return a, nil
}

func (a *base) ID() blkdev.ID              { return a.id }
func (a *base) Type() Type                 { return a.typ }
func (a *base) Obj() Object                { return a.obj }
func (a *base) Device() blkdev.Device      { return a.device }
func (a *base) Container() blkdev.Device   { return a.container }
func (a *base) Format() blkdev.Format      { return a.device.Format() }
func (a *base) Dir() ResizeDir             { return DirNone }
func (a *base) Applied() bool              { return a.applied }

func (a *base) Apply()  { a.applied = true }
func (a *base) Cancel() { a.applied = false }

func (a *base) execute(cb *Callbacks, self Action) error {
	if !a.applied {
		return fmt.Errorf("blkaction: cannot execute unapplied action %v", self)
	}
	cb.reportProgress(fmt.Sprintf("Executing %v", self))
	return nil
}

func (a *base) describe(self Action) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%d] %s", a.id, a.desc)
	if dir := self.Dir(); dir != DirNone {
		fmt.Fprintf(&sb, " (%v)", dir)
	}
	if a.obj == ObjFormat {
		fmt.Fprintf(&sb, " %s on", blkdev.FormatDesc(self.Format()))
	}
	fmt.Fprintf(&sb, " %s %s (id %d)", a.device.Type(), a.device.Name(), a.device.ID())
	return sb.String()
}

// baseRequires is the generic ordering edge: a higher type value
// should execute earlier.  Container actions are excluded; their
// orderings are stated explicitly by the member actions.
func baseRequires(self, other Action) bool {
	return self.Obj() != ObjContainer && other.Obj() != ObjContainer &&
		self.Type() < other.Type()
}

// baseObsoletes: an action obsoletes an earlier action of the same
// type and object on the same device.
func baseObsoletes(self, other Action) bool {
	return self.Device().ID() == other.Device().ID() &&
		self.Type() == other.Type() &&
		self.Obj() == other.Obj() &&
		self.ID() > other.ID()
}

func isShrink(a Action) bool { return a.Type() == TypeResize && a.Dir() == DirShrink }
func isGrow(a Action) bool   { return a.Type() == TypeResize && a.Dir() == DirGrow }

func sameDevice(a, b blkdev.Device) bool {
	return a != nil && b != nil && a.ID() == b.ID()
}

// ancestorsIntersect reports whether the two devices share any
// ancestor (either device itself included).
func ancestorsIntersect(a, b blkdev.Device) bool {
	ids := make(map[blkdev.ID]struct{})
	for _, anc := range a.Ancestors() {
		ids[anc.ID()] = struct{}{}
	}
	for _, anc := range b.Ancestors() {
		if _, ok := ids[anc.ID()]; ok {
			return true
		}
	}
	return false
}
