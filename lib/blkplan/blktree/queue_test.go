// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package blktree

import (
	"context"
	"errors"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/blockplan/lib/blkplan/blkaction"
	"git.lukeshu.com/blockplan/lib/blkplan/blkdev"
	"git.lukeshu.com/blockplan/lib/blkplan/blkenv"
	"git.lukeshu.com/blockplan/lib/blkplan/blklabel"
	"git.lukeshu.com/blockplan/lib/blkplan/blkunit"
)

func scheduleCreate(t *testing.T, tree *DeviceTree, name string, size blkunit.Size) *blkdev.PartitionDevice {
	t.Helper()
	part := blkdev.NewPartition(name, blkdev.PartitionConfig{
		Config: blkdev.Config{Size: size},
	})
	create, err := blkaction.NewCreateDevice(part)
	require.NoError(t, err)
	require.NoError(t, tree.Actions().Add(create))
	return part
}

func describeType(a blkaction.Action) string {
	switch {
	case a.Type() == blkaction.TypeCreate && a.Obj() == blkaction.ObjDevice:
		return "create device"
	case a.Type() == blkaction.TypeCreate && a.Obj() == blkaction.ObjFormat:
		return "create format"
	case a.Type() == blkaction.TypeDestroy && a.Obj() == blkaction.ObjDevice:
		return "destroy device"
	case a.Type() == blkaction.TypeDestroy && a.Obj() == blkaction.ObjFormat:
		return "destroy format"
	case a.Type() == blkaction.TypeResize:
		return "resize"
	default:
		return "other"
	}
}

func TestQueueAddChecks(t *testing.T) {
	t.Parallel()
	tree := New(blkenv.New())
	disk := mkDisk(t, "sda", 8*blkunit.GiB)
	require.NoError(t, tree.AddDevice(disk, false))

	part := blkdev.NewPartition("sda1", blkdev.PartitionConfig{
		Config: blkdev.Config{Parents: []blkdev.Device{disk}, Exists: true},
	})
	require.NoError(t, tree.AddDevice(part, false))

	// destroying a non-leaf is refused
	destroy, err := blkaction.NewDestroyDevice(disk)
	require.NoError(t, err)
	err = tree.Actions().Add(destroy)
	require.Error(t, err)
	var invErr *TreeInvariantError
	assert.ErrorAs(t, err, &invErr)

	// actions on devices outside the tree are refused
	stranger := blkdev.NewPartition("sdb1", blkdev.PartitionConfig{
		Config: blkdev.Config{Exists: true},
	})
	strangerDestroy, err := blkaction.NewDestroyDevice(stranger)
	require.NoError(t, err)
	err = tree.Actions().Add(strangerDestroy)
	require.Error(t, err)
	assert.ErrorAs(t, err, &invErr)

	// a second format with the same mountpoint is refused
	part.SetFormat(blkdev.NewFS("ext4", blkdev.FSConfig{
		FormatConfig: blkdev.FormatConfig{Exists: true},
		Mountpoint:   "/home",
	}))
	part2 := scheduleCreate(t, tree, "sda2", blkunit.GiB)
	createFmt, err := blkaction.NewCreateFormat(part2, blkdev.NewFS("xfs", blkdev.FSConfig{Mountpoint: "/home"}))
	require.NoError(t, err)
	err = tree.Actions().Add(createFmt)
	require.Error(t, err)
	assert.ErrorAs(t, err, &invErr)
}

func TestQueueAddRemoveRoundTrip(t *testing.T) {
	t.Parallel()
	tree := New(blkenv.New())

	part := scheduleCreate(t, tree, "req0", blkunit.GiB)
	assert.NotNil(t, tree.GetDeviceByName("req0", false, false))

	create := tree.Actions().Actions()[0]
	require.NoError(t, tree.Actions().Remove(create))
	assert.Nil(t, tree.GetDeviceByName("req0", false, false))
	assert.Empty(t, tree.Actions().Actions())
	assert.False(t, create.Applied())
	_ = part
}

func TestQueueFind(t *testing.T) {
	t.Parallel()
	tree := New(blkenv.New())
	part := scheduleCreate(t, tree, "req0", blkunit.GiB)
	scheduleCreate(t, tree, "req1", blkunit.GiB)

	assert.Len(t, tree.Actions().Find(FindSpec{}), 2)
	assert.Len(t, tree.Actions().Find(FindSpec{Device: part}), 1)
	assert.Len(t, tree.Actions().Find(FindSpec{ActionType: "create"}), 2)
	assert.Len(t, tree.Actions().Find(FindSpec{ActionType: "destroy"}), 0)
	assert.Len(t, tree.Actions().Find(FindSpec{ObjectType: "device"}), 2)
	assert.Len(t, tree.Actions().Find(FindSpec{DevID: part.ID()}), 1)
}

func TestPruneIdempotent(t *testing.T) {
	t.Parallel()
	tree := New(blkenv.New())

	part := scheduleCreate(t, tree, "req0", blkunit.GiB)
	// schedule a destroy of the never-created device: everything
	// on it collapses
	destroy, err := blkaction.NewDestroyDevice(part)
	require.NoError(t, err)
	require.NoError(t, tree.Actions().Add(destroy))

	tree.Actions().Prune()
	assert.Empty(t, tree.Actions().Actions())

	// prune(); prune() == prune()
	tree.Actions().Prune()
	assert.Empty(t, tree.Actions().Actions())
}

func TestSortByRequires(t *testing.T) {
	t.Parallel()
	tree := New(blkenv.New())
	disk := mkDisk(t, "sda", 8*blkunit.GiB)
	require.NoError(t, tree.AddDevice(disk, false))

	pv := scheduleCreate(t, tree, "sda1", 4*blkunit.GiB)
	pv.SetDisk(disk)
	pv.SetFormat(blkdev.NewLVMPV(blkdev.FormatConfig{}))

	vg := blkdev.NewLVMVolumeGroup("vg", blkdev.VGConfig{Config: blkdev.Config{Parents: []blkdev.Device{pv}}})
	lv, err := blkdev.NewLVMLogicalVolume("root", blkdev.LVConfig{
		Config: blkdev.Config{Size: blkunit.GiB, Parents: []blkdev.Device{vg}},
	})
	require.NoError(t, err)

	// the vg's create is registered before the lv's (Add refuses a
	// device whose parent is not in the tree); Sort must still leave
	// no action requiring a later one
	createVG, err := blkaction.NewCreateDevice(vg)
	require.NoError(t, err)
	createLV, err := blkaction.NewCreateDevice(lv)
	require.NoError(t, err)
	require.NoError(t, tree.Actions().Add(createVG))
	require.NoError(t, tree.Actions().Add(createLV))

	require.NoError(t, tree.Actions().Sort())
	actions := tree.Actions().Actions()

	// I3: nothing in the queue requires anything after it
	for i := range actions {
		for j := i + 1; j < len(actions); j++ {
			assert.False(t, actions[i].Requires(actions[j]),
				"%v requires later %v", actions[i], actions[j])
		}
	}

	// sort(); sort() == sort()
	require.NoError(t, tree.Actions().Sort())
	assert.Equal(t, actionIDs(actions), actionIDs(tree.Actions().Actions()))
}

func actionIDs(actions []blkaction.Action) []blkdev.ID {
	ids := make([]blkdev.ID, len(actions))
	for i, a := range actions {
		ids[i] = a.ID()
	}
	return ids
}

func TestProcess(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	tree := New(blkenv.New())
	disk := mkDisk(t, "sda", 8*blkunit.GiB)
	require.NoError(t, tree.AddDevice(disk, false))

	part := scheduleCreate(t, tree, "req0", blkunit.GiB)
	createFmt, err := blkaction.NewCreateFormat(part, blkdev.NewFS("ext4", blkdev.FSConfig{Mountpoint: "/home"}))
	require.NoError(t, err)
	require.NoError(t, tree.Actions().Add(createFmt))

	// a dry run leaves the queue intact
	require.NoError(t, tree.Actions().Process(ctx, ProcessConfig{DryRun: true}))
	assert.Len(t, tree.Actions().Actions(), 2)
	assert.Empty(t, tree.Actions().CompletedActions())

	// the real run drains it into the completed log, in order
	var progress []string
	require.NoError(t, tree.Actions().Process(ctx, ProcessConfig{
		Callbacks: &blkaction.Callbacks{
			ReportProgress: func(msg string) { progress = append(progress, msg) },
		},
	}))
	assert.Empty(t, tree.Actions().Actions())
	require.Len(t, tree.Actions().CompletedActions(), 2)
	assert.Len(t, progress, 2)
	assert.True(t, part.Exists())
	assert.True(t, part.Format().Exists())
	assert.NotEmpty(t, part.Format().UUID(), "created formats get a uuid")
}

func TestProcessActiveDeviceDetection(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)

	build := func(env *blkenv.Env) (*DeviceTree, blkdev.Device) {
		tree := New(env)
		disk := mkDisk(t, "sda", 8*blkunit.GiB)
		require.NoError(t, tree.AddDevice(disk, false))

		pv := blkdev.NewPartition("sda1", blkdev.PartitionConfig{
			Config: blkdev.Config{
				Parents: []blkdev.Device{disk},
				Exists:  true,
				Format:  blkdev.NewLVMPV(blkdev.FormatConfig{Exists: true}),
			},
		})
		require.NoError(t, tree.AddDevice(pv, false))
		vg := blkdev.NewLVMVolumeGroup("vg", blkdev.VGConfig{
			Config: blkdev.Config{Parents: []blkdev.Device{pv}, Exists: true},
		})
		require.NoError(t, tree.AddDevice(vg, false))
		require.NoError(t, vg.Setup(ctx)) // the VG is active

		// schedule a new partition on the same disk
		part := scheduleCreate(t, tree, "req0", blkunit.GiB)
		part.SetDisk(disk)
		return tree, vg
	}

	// outside installer mode the conflict is an error naming the
	// device
	tree, _ := build(blkenv.New())
	err := tree.Actions().Process(ctx, ProcessConfig{DryRun: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vg")

	// installer mode tears the conflicting devices down instead
	env := blkenv.New()
	env.InstallerMode = true
	tree, vg := build(env)
	require.NoError(t, tree.Actions().Process(ctx, ProcessConfig{DryRun: true}))
	assert.False(t, vg.Status())
}

func TestProcessCommitRetry(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	tree := New(blkenv.New())
	disk := mkDisk(t, "sda", 8*blkunit.GiB)
	require.NoError(t, tree.AddDevice(disk, false))

	// an active LV on the disk blocks the first disklabel commit
	pv := blkdev.NewPartition("sda1", blkdev.PartitionConfig{
		Config: blkdev.Config{
			Parents: []blkdev.Device{disk},
			Exists:  true,
			Format:  blkdev.NewLVMPV(blkdev.FormatConfig{Exists: true}),
		},
	})
	require.NoError(t, tree.AddDevice(pv, false))
	vg := blkdev.NewLVMVolumeGroup("vg", blkdev.VGConfig{
		Config: blkdev.Config{Parents: []blkdev.Device{pv}, Exists: true},
	})
	require.NoError(t, tree.AddDevice(vg, false))
	lv, err := blkdev.NewLVMLogicalVolume("root", blkdev.LVConfig{
		Config: blkdev.Config{Size: blkunit.GiB, Parents: []blkdev.Device{vg}, Exists: true},
	})
	require.NoError(t, err)
	require.NoError(t, tree.AddDevice(lv, false))

	// the disklabel commit fails while the LV is active
	table := blkdev.DiskLabelOf(disk).Table()
	table.OnCommit = func() error {
		if lv.Status() {
			return errors.New("disklabel busy: dependent device active")
		}
		return nil
	}

	// a new formatted partition forces a disklabel commit during
	// execute; creating it activates the LV behind the engine's
	// back, the way udev events do
	part := blkdev.NewPartition("req0", blkdev.PartitionConfig{
		Config: blkdev.Config{
			Size: blkunit.GiB,
			Hooks: blkdev.Hooks{
				Create: func(ctx context.Context) error { return lv.Setup(ctx) },
			},
		},
	})
	create, err := blkaction.NewCreateDevice(part)
	require.NoError(t, err)
	require.NoError(t, tree.Actions().Add(create))
	part.SetDisk(disk)
	slot := mustAddSlot(t, disk)
	part.SetPartedPartition(slot)

	createFmt, err := blkaction.NewCreateFormat(part, blkdev.NewFS("ext4", blkdev.FSConfig{}))
	require.NoError(t, err)
	require.NoError(t, tree.Actions().Add(createFmt))

	require.NoError(t, tree.Actions().Process(ctx, ProcessConfig{}))

	// the retry path tore the LV down and the commit went through
	assert.False(t, lv.Status())
	assert.True(t, part.Format().Exists())
	assert.Len(t, tree.Actions().CompletedActions(), 2)
}

func mustAddSlot(t *testing.T, disk blkdev.Device) *blklabel.Partition {
	t.Helper()
	table := blkdev.DiskLabelOf(disk).Table()
	slot := &blklabel.Partition{
		Type: blklabel.Normal,
		Geom: blklabel.Geometry{Start: 2048, End: 2048 + 2097152 - 1},
	}
	require.NoError(t, table.AddPartition(slot))
	return slot
}
