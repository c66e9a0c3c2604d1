// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package blktree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/blockplan/lib/blkplan/blkdev"
	"git.lukeshu.com/blockplan/lib/blkplan/blkenv"
	"git.lukeshu.com/blockplan/lib/blkplan/blklabel"
	"git.lukeshu.com/blockplan/lib/blkplan/blkunit"
)

func mkDisk(t *testing.T, name string, size blkunit.Size) *blkdev.Disk {
	t.Helper()
	sectorSize := blkunit.Size(512)
	return blkdev.NewDisk(name, blkdev.Config{
		Size:   size,
		Exists: true,
		Format: blkdev.NewDiskLabel(blkdev.DiskLabelConfig{
			FormatConfig: blkdev.FormatConfig{Exists: true},
			Table:        blklabel.New(blklabel.MSDOS, sectorSize, int64(size/sectorSize)),
		}),
	})
}

func TestAddRemoveRoundTrip(t *testing.T) {
	t.Parallel()
	tree := New(blkenv.New())
	disk := mkDisk(t, "sda", 8*blkunit.GiB)

	var added, removed []string
	tree.DeviceAdded = func(d blkdev.Device) { added = append(added, d.Name()) }
	tree.DeviceRemoved = func(d blkdev.Device) { removed = append(removed, d.Name()) }

	require.NoError(t, tree.AddDevice(disk, false))
	require.Len(t, tree.Devices(), 1)
	require.NoError(t, tree.RemoveDevice(disk, false, true))
	assert.Empty(t, tree.Devices())

	assert.Equal(t, []string{"sda"}, added)
	assert.Equal(t, []string{"sda"}, removed)
}

func TestTreeInvariants(t *testing.T) {
	t.Parallel()
	tree := New(blkenv.New())
	disk := mkDisk(t, "sda", 8*blkunit.GiB)
	require.NoError(t, tree.AddDevice(disk, false))

	// duplicate uuids are refused
	a := blkdev.NewDisk("sdb", blkdev.Config{UUID: "x-1", Exists: true})
	b := blkdev.NewDisk("sdc", blkdev.Config{UUID: "x-1", Exists: true})
	require.NoError(t, tree.AddDevice(a, false))
	err := tree.AddDevice(b, false)
	require.Error(t, err)
	var invErr *TreeInvariantError
	assert.ErrorAs(t, err, &invErr)

	// a device whose parent is not in the tree is refused
	orphan := blkdev.NewPartition("sdz1", blkdev.PartitionConfig{
		Config: blkdev.Config{
			Parents: []blkdev.Device{mkDisk(t, "sdz", blkunit.GiB)},
			Exists:  true,
		},
	})
	err = tree.AddDevice(orphan, false)
	require.Error(t, err)
	assert.ErrorAs(t, err, &invErr)

	// removing a non-leaf is refused without force
	part := blkdev.NewPartition("sda1", blkdev.PartitionConfig{
		Config: blkdev.Config{Parents: []blkdev.Device{disk}, Exists: true},
	})
	require.NoError(t, tree.AddDevice(part, false))
	err = tree.RemoveDevice(disk, false, true)
	require.Error(t, err)
	assert.ErrorAs(t, err, &invErr)
	require.NoError(t, tree.RemoveDevice(disk, true, true))
}

func TestLookups(t *testing.T) {
	t.Parallel()
	tree := New(blkenv.New())
	disk := mkDisk(t, "sda", 8*blkunit.GiB)
	require.NoError(t, tree.AddDevice(disk, false))

	part := blkdev.NewPartition("sda1", blkdev.PartitionConfig{
		Config: blkdev.Config{
			Parents:   []blkdev.Device{disk},
			Exists:    true,
			UUID:      "part-uuid",
			SysfsPath: "/sys/block/sda/sda1",
			Format: blkdev.NewFS("ext4", blkdev.FSConfig{
				FormatConfig: blkdev.FormatConfig{Exists: true, UUID: "fs-uuid", Label: "rootfs"},
				Mountpoint:   "/",
			}),
		},
	})
	require.NoError(t, tree.AddDevice(part, false))

	assert.Equal(t, part.ID(), tree.GetDeviceByName("sda1", false, false).ID())
	assert.Equal(t, part.ID(), tree.GetDeviceByUUID("part-uuid", false, false).ID())
	assert.Equal(t, part.ID(), tree.GetDeviceByUUID("fs-uuid", false, false).ID())
	assert.Equal(t, part.ID(), tree.GetDeviceByLabel("rootfs", false, false).ID())
	assert.Equal(t, part.ID(), tree.GetDeviceByPath("/dev/sda1", false, false).ID())
	assert.Equal(t, part.ID(), tree.GetDeviceBySysfsPath("/sys/block/sda/sda1", false, false).ID())
	assert.Equal(t, part.ID(), tree.GetDeviceByID(part.ID(), false, false).ID())
	assert.Nil(t, tree.GetDeviceByName("sda2", false, false))

	assert.Equal(t, part.ID(), tree.Mountpoints()["/"].ID())
}

func TestResolveDevice(t *testing.T) {
	t.Parallel()
	env := blkenv.New()
	env.EDD = map[string]int{"sda": 0x80}
	tree := New(env)
	disk := mkDisk(t, "sda", 8*blkunit.GiB)
	require.NoError(t, tree.AddDevice(disk, false))
	part := blkdev.NewPartition("sda1", blkdev.PartitionConfig{
		Config: blkdev.Config{
			Parents: []blkdev.Device{disk},
			Exists:  true,
			Format: blkdev.NewFS("ext4", blkdev.FSConfig{
				FormatConfig: blkdev.FormatConfig{Exists: true, UUID: "fs-uuid", Label: "rootfs"},
			}),
		},
	})
	require.NoError(t, tree.AddDevice(part, false))

	pv := blkdev.NewDisk("sdb", blkdev.Config{Size: 8 * blkunit.GiB, Exists: true, Format: blkdev.NewLVMPV(blkdev.FormatConfig{Exists: true})})
	require.NoError(t, tree.AddDevice(pv, false))
	vg := blkdev.NewLVMVolumeGroup("vg", blkdev.VGConfig{Config: blkdev.Config{Parents: []blkdev.Device{pv}, Exists: true}})
	require.NoError(t, tree.AddDevice(vg, false))
	lv, err := blkdev.NewLVMLogicalVolume("root", blkdev.LVConfig{
		Config: blkdev.Config{Size: blkunit.GiB, Parents: []blkdev.Device{vg}, Exists: true},
	})
	require.NoError(t, err)
	require.NoError(t, tree.AddDevice(lv, false))

	type TestCase struct {
		Spec    string
		Options string
		Want    blkdev.Device
	}
	testcases := map[string]TestCase{
		"name":      {Spec: "sda1", Want: part},
		"dev-path":  {Spec: "/dev/sda1", Want: part},
		"bare-name": {Spec: "sdb", Want: pv},
		"uuid":      {Spec: "UUID=fs-uuid", Want: part},
		"uuid-q":    {Spec: `UUID="fs-uuid"`, Want: part},
		"label":     {Spec: "LABEL=rootfs", Want: part},
		"bios":      {Spec: "0x80", Want: disk},
		"bios-part": {Spec: "0x80p1", Want: part},
		"lv-path":   {Spec: "/dev/vg/root", Want: lv},
		"lv-mapper": {Spec: "/dev/mapper/vg-root", Want: lv},
		"missing":   {Spec: "florp", Want: nil},
	}
	for name, tc := range testcases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			got := tree.ResolveDevice(tc.Spec, tc.Options)
			if tc.Want == nil {
				assert.Nil(t, got)
			} else {
				require.NotNil(t, got)
				assert.Equal(t, tc.Want.ID(), got.ID())
			}
		})
	}
}

func TestHideUnhide(t *testing.T) {
	t.Parallel()
	tree := New(blkenv.New())
	disk := mkDisk(t, "sda", 8*blkunit.GiB)
	require.NoError(t, tree.AddDevice(disk, false))
	part := blkdev.NewPartition("sda1", blkdev.PartitionConfig{
		Config: blkdev.Config{Parents: []blkdev.Device{disk}, Exists: true},
	})
	require.NoError(t, tree.AddDevice(part, false))

	require.NoError(t, tree.Hide(disk))
	assert.Empty(t, tree.Devices())
	assert.True(t, tree.Env().LVMFilter.Rejects("sda"))
	assert.NotNil(t, tree.GetDeviceByName("sda", false, true))

	tree.Unhide(disk)
	assert.Len(t, tree.Devices(), 2)
	assert.False(t, tree.Env().LVMFilter.Rejects("sda"))
}

func TestHideCancelsActions(t *testing.T) {
	t.Parallel()
	tree := New(blkenv.New())
	disk := mkDisk(t, "sda", 8*blkunit.GiB)
	require.NoError(t, tree.AddDevice(disk, false))

	part := scheduleCreate(t, tree, "req0", 100*blkunit.MiB)
	require.Len(t, tree.Actions().Actions(), 1)
	// place the request on the disk so the action is related to it
	part.SetDisk(disk)

	require.NoError(t, tree.Hide(disk))
	assert.Empty(t, tree.Actions().Actions(),
		"hiding a disk cancels the actions touching it")

	// cancelled actions are not re-queued by unhide
	tree.Unhide(disk)
	assert.Empty(t, tree.Actions().Actions())
}

func TestRecursiveRemove(t *testing.T) {
	t.Parallel()
	tree := New(blkenv.New())
	disk := mkDisk(t, "sda", 8*blkunit.GiB)
	require.NoError(t, tree.AddDevice(disk, false))
	part := blkdev.NewPartition("sda1", blkdev.PartitionConfig{
		Config: blkdev.Config{
			Parents: []blkdev.Device{disk},
			Exists:  true,
			Format:  blkdev.NewFS("ext4", blkdev.FSConfig{FormatConfig: blkdev.FormatConfig{Exists: true}}),
		},
	})
	require.NoError(t, tree.AddDevice(part, false))

	// with actions: the partition's format and device get destroy
	// actions, the disk keeps its device but loses its format
	require.NoError(t, tree.RecursiveRemove(disk, true, true, true))
	actions := tree.Actions().Actions()
	require.Len(t, actions, 3)
	assert.Equal(t, "destroy format", describeType(actions[0]))
	assert.Equal(t, "destroy device", describeType(actions[1]))
	assert.Equal(t, "destroy format", describeType(actions[2]))
	assert.NotNil(t, tree.GetDeviceByName("sda", false, false), "disks survive recursive remove")
	assert.Nil(t, tree.GetDeviceByName("sda1", false, false))
}

func TestExpandTagList(t *testing.T) {
	t.Parallel()
	tree := New(blkenv.New())
	ssd := blkdev.NewDisk("sda", blkdev.Config{Exists: true, Tags: []string{"ssd", "local"}})
	hdd := blkdev.NewDisk("sdb", blkdev.Config{Exists: true, Tags: []string{"local"}})
	require.NoError(t, tree.AddDevice(ssd, false))
	require.NoError(t, tree.AddDevice(hdd, false))

	names, err := tree.ExpandTagList([]string{"@ssd", "sdc"})
	require.NoError(t, err)
	assert.True(t, names.Has("sda"))
	assert.True(t, names.Has("sdc"))
	assert.False(t, names.Has("sdb"))

	_, err = tree.ExpandTagList([]string{"@florp"})
	assert.Error(t, err)
}
