// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package blkplan is the declarative block-storage configuration
// engine: an in-memory model of a host's storage topology plus a
// queue of pending modifications, committed atomically in dependency
// order.
//
// A caller builds the desired target state by registering actions
// against the tree; Commit resolves partition geometry, grows LVM,
// prunes and orders the queue, and executes it against the host.
package blkplan

import (
	"context"

	"git.lukeshu.com/blockplan/lib/blkplan/blkaction"
	"git.lukeshu.com/blockplan/lib/blkplan/blkalloc"
	"git.lukeshu.com/blockplan/lib/blkplan/blkdev"
	"git.lukeshu.com/blockplan/lib/blkplan/blkenv"
	"git.lukeshu.com/blockplan/lib/blkplan/blktree"
)

// Plan is one engine instance: a device tree, its action queue, and
// the allocation state that only lives for one commit.
type Plan struct {
	Tree *blktree.DeviceTree

	// BootDisk, when set, is moved to the head of every candidate
	// disk list and receives the boot flag handling.
	BootDisk blkdev.Device

	sizeSets []blkalloc.SizeSet
}

func New(env *blkenv.Env) *Plan {
	return &Plan{Tree: blktree.New(env)}
}

func (p *Plan) Env() *blkenv.Env { return p.Tree.Env() }

// Actions returns the plan's action queue.
func (p *Plan) Actions() *blktree.ActionQueue { return p.Tree.Actions() }

// AddSizeSet registers a cross-chunk growth constraint for the next
// commit.  Size sets are only valid for one allocation run.
func (p *Plan) AddSizeSet(set blkalloc.SizeSet) {
	p.sizeSets = append(p.sizeSets, set)
}

// VGs returns the volume groups currently in the tree.
func (p *Plan) VGs() []*blkdev.LVMVolumeGroupDevice {
	var ret []*blkdev.LVMVolumeGroupDevice
	for _, dev := range p.Tree.Devices() {
		if vg, ok := dev.(*blkdev.LVMVolumeGroupDevice); ok {
			ret = append(ret, vg)
		}
	}
	return ret
}

// needsPartitioning reports whether any partition still needs
// concrete geometry.
func (p *Plan) needsPartitioning() bool {
	for _, dev := range p.Tree.Devices() {
		if part, ok := dev.(*blkdev.PartitionDevice); ok {
			if !part.Exists() && part.PartedPartition() == nil {
				return true
			}
			if part.ReqGrow {
				return true
			}
		}
	}
	return false
}

// Commit resolves geometry for pending partition requests, grows LVM,
// and processes the action queue against the host.
//
// Size sets are consumed whether or not the commit succeeds.
func (p *Plan) Commit(ctx context.Context, callbacks *blkaction.Callbacks, dryRun bool) error {
	sizeSets := p.sizeSets
	p.sizeSets = nil

	if p.needsPartitioning() {
		if err := blkalloc.DoPartitioning(ctx, p.Tree, p.BootDisk, sizeSets); err != nil {
			return err
		}
	}
	if err := blkalloc.GrowLVM(ctx, p.VGs()); err != nil {
		return err
	}

	return p.Tree.Actions().Process(ctx, blktree.ProcessConfig{
		Callbacks: callbacks,
		DryRun:    dryRun,
	})
}
