// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package blkaction

import (
	"context"
	"fmt"

	"git.lukeshu.com/blockplan/lib/blkplan/blkdev"
	"git.lukeshu.com/blockplan/lib/blkplan/blkenv"
)

// attrAction is the shared machinery of ConfigureDevice and
// ConfigureFormat: set a named attribute to a new value, with an
// optional handler that commits the change to the host.
type attrAction struct {
	base

	attr     string
	newValue any
	oldValue any
	set      func(any)
	handler  blkdev.ConfigHandlerFunc
}

func (a *attrAction) Attr() string { return a.attr }

func (a *attrAction) Apply() {
	if a.applied {
		return
	}
	a.set(a.newValue)
	a.base.Apply()
}

func (a *attrAction) Cancel() {
	if !a.applied {
		return
	}
	a.set(a.oldValue)
	a.base.Cancel()
}

// configureObsoletes: a configure action obsoletes an earlier
// configure of the same attribute on the same device and object.
func configureObsoletes(self Action, attr string, other Action) bool {
	otherAttr, ok := other.(interface{ Attr() string })
	return ok &&
		other.Type() == TypeConfigure &&
		self.Obj() == other.Obj() &&
		self.Device().ID() == other.Device().ID() &&
		attr == otherAttr.Attr() &&
		self.ID() > other.ID()
}

func newAttrAction(typ Type, obj Object, desc string, device blkdev.Device,
	attrs map[string]blkdev.ConfigAttr, lookupHandler func(string) blkdev.ConfigHandlerFunc,
	what, attr string, newValue any,
) (attrAction, error) {
	spec, ok := attrs[attr]
	if !ok {
		return attrAction{}, fmt.Errorf("blkaction: %s %q doesn't support changing %q through configuration actions",
			what, device.Name(), attr)
	}
	var handler blkdev.ConfigHandlerFunc
	if spec.Handler != "" {
		handler = lookupHandler(spec.Handler)
		if handler == nil {
			return attrAction{}, fmt.Errorf("blkaction: invalid method %q for changing attribute %q",
				spec.Handler, attr)
		}
	}
	b, err := newBase(typ, obj, desc, device)
	if err != nil {
		return attrAction{}, err
	}
	a := attrAction{
		base:     b,
		attr:     attr,
		newValue: newValue,
		oldValue: spec.Get(),
		set:      spec.Set,
		handler:  handler,
	}
	// a dry run at construction catches bad values before the
	// action is ever registered
	if a.handler != nil {
		if err := a.handler(context.Background(), true); err != nil {
			return attrAction{}, err
		}
	}
	return a, nil
}

// ConfigureFormat sets a named attribute of a device's format.
type ConfigureFormat struct {
	attrAction
}

func NewConfigureFormat(device blkdev.Device, attr string, newValue any) (*ConfigureFormat, error) {
	format := device.Format()
	inner, err := newAttrAction(TypeConfigure, ObjFormat, "configure format", device,
		format.ConfigAttrs(), format.ConfigHandler, "format "+format.Type(), attr, newValue)
	if err != nil {
		return nil, err
	}
	return &ConfigureFormat{attrAction: inner}, nil
}

func (a *ConfigureFormat) Apply() {
	if a.applied {
		return
	}
	if a.device.SupportsSkipActivation() {
		a.device.BumpIgnoreSkipActivation(1)
	}
	a.attrAction.Apply()
}

func (a *ConfigureFormat) Cancel() {
	if !a.applied {
		return
	}
	if a.device.SupportsSkipActivation() {
		a.device.BumpIgnoreSkipActivation(-1)
	}
	a.attrAction.Cancel()
}

func (a *ConfigureFormat) Execute(ctx context.Context, env *blkenv.Env, cb *Callbacks) error {
	if err := a.execute(cb, a); err != nil {
		return err
	}
	if a.handler != nil {
		return a.handler(ctx, false)
	}
	return nil
}

func (a *ConfigureFormat) Requires(other Action) bool {
	return baseRequires(a, other)
}

func (a *ConfigureFormat) Obsoletes(other Action) bool {
	return configureObsoletes(a, a.attr, other)
}

func (a *ConfigureFormat) String() string { return a.describe(a) }

// ConfigureDevice sets a named attribute of a device.
type ConfigureDevice struct {
	attrAction
}

func NewConfigureDevice(device blkdev.Device, attr string, newValue any) (*ConfigureDevice, error) {
	inner, err := newAttrAction(TypeConfigure, ObjDevice, "configure device", device,
		device.ConfigAttrs(), device.ConfigHandler, "device type "+device.Type(), attr, newValue)
	if err != nil {
		return nil, err
	}
	return &ConfigureDevice{attrAction: inner}, nil
}

func (a *ConfigureDevice) Execute(ctx context.Context, env *blkenv.Env, cb *Callbacks) error {
	if err := a.execute(cb, a); err != nil {
		return err
	}
	if a.handler != nil {
		return a.handler(ctx, false)
	}
	return nil
}

func (a *ConfigureDevice) Requires(other Action) bool {
	return baseRequires(a, other)
}

func (a *ConfigureDevice) Obsoletes(other Action) bool {
	return configureObsoletes(a, a.attr, other)
}

func (a *ConfigureDevice) String() string { return a.describe(a) }
