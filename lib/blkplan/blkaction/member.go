// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package blkaction

import (
	"context"

	"git.lukeshu.com/blockplan/lib/blkplan/blkdev"
	"git.lukeshu.com/blockplan/lib/blkplan/blkenv"
)

// AddMember adds a member device to a container (an LVM VG, an MD
// array, a Btrfs volume).
type AddMember struct {
	base
}

func NewAddMember(container, device blkdev.Device) (*AddMember, error) {
	b, err := newBase(TypeAdd, ObjContainer, "add container member", device)
	if err != nil {
		return nil, err
	}
	b.container = container
	return &AddMember{base: b}, nil
}

func (a *AddMember) Apply() {
	if a.applied {
		return
	}
	a.container.AddParent(a.device)
	a.device.SetContainer(a.container)
	a.base.Apply()
}

func (a *AddMember) Cancel() {
	if !a.applied {
		return
	}
	a.container.RemoveParent(a.device)
	a.device.SetContainer(nil)
	a.base.Cancel()
}

func (a *AddMember) Execute(ctx context.Context, env *blkenv.Env, cb *Callbacks) error {
	if err := a.execute(cb, a); err != nil {
		return err
	}
	return hookAddMember(ctx, a.container, a.device)
}

// Requires: a create or resize of the member device must come first.
func (a *AddMember) Requires(other Action) bool {
	return (other.Type() == TypeCreate || other.Type() == TypeResize) &&
		sameDevice(other.Device(), a.device)
}

// Obsoletes: the removal of the same member from the same container,
// and a later addition of the same member to the same container.
func (a *AddMember) Obsoletes(other Action) bool {
	if other.Type() == TypeRemove &&
		sameDevice(other.Device(), a.device) &&
		sameDevice(other.Container(), a.container) {
		return true
	}
	if other.Type() == TypeAdd &&
		sameDevice(other.Device(), a.device) &&
		sameDevice(other.Container(), a.container) &&
		other.ID() > a.id {
		return true
	}
	return false
}

func (a *AddMember) String() string { return a.describe(a) }

// RemoveMember removes a member device from a container.
type RemoveMember struct {
	base
}

func NewRemoveMember(container, device blkdev.Device) (*RemoveMember, error) {
	b, err := newBase(TypeRemove, ObjContainer, "remove container member", device)
	if err != nil {
		return nil, err
	}
	b.container = container
	return &RemoveMember{base: b}, nil
}

func (a *RemoveMember) Apply() {
	if a.applied {
		return
	}
	a.container.RemoveParent(a.device)
	a.device.SetContainer(nil)
	a.base.Apply()
}

func (a *RemoveMember) Cancel() {
	if !a.applied {
		return
	}
	a.container.AddParent(a.device)
	a.device.SetContainer(a.container)
	a.base.Cancel()
}

func (a *RemoveMember) Execute(ctx context.Context, env *blkenv.Env, cb *Callbacks) error {
	if err := a.execute(cb, a); err != nil {
		return err
	}
	return hookRemoveMember(ctx, a.container, a.device)
}

// Requires: destroy and shrink actions on anything inside the
// container come first, as do additions to the container.
func (a *RemoveMember) Requires(other Action) bool {
	if (other.Type() == TypeDestroy || isShrink(other)) &&
		sameDevice(other.Device().Container(), a.container) {
		return true
	}
	if other.Type() == TypeAdd && sameDevice(other.Container(), a.container) {
		return true
	}
	return false
}

// Obsoletes: the addition of the same member to the same container,
// and a later removal of the same member from the same container.
func (a *RemoveMember) Obsoletes(other Action) bool {
	if other.Type() == TypeAdd &&
		sameDevice(other.Device(), a.device) &&
		sameDevice(other.Container(), a.container) {
		return true
	}
	if other.Type() == TypeRemove &&
		sameDevice(other.Device(), a.device) &&
		sameDevice(other.Container(), a.container) &&
		other.ID() > a.id {
		return true
	}
	return false
}

func (a *RemoveMember) String() string { return a.describe(a) }

// hookAddMember and hookRemoveMember dispatch to the container's
// membership hooks, when it has any.

type memberHooks interface {
	HookAddMember(ctx context.Context, member blkdev.Device) error
	HookRemoveMember(ctx context.Context, member blkdev.Device) error
}

func hookAddMember(ctx context.Context, container, member blkdev.Device) error {
	if h, ok := container.(memberHooks); ok {
		return h.HookAddMember(ctx, member)
	}
	return nil
}

func hookRemoveMember(ctx context.Context, container, member blkdev.Device) error {
	if h, ok := container.(memberHooks); ok {
		return h.HookRemoveMember(ctx, member)
	}
	return nil
}
