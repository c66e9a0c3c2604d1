// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package blkalloc

import (
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/blockplan/lib/blkplan/blkaction"
	"git.lukeshu.com/blockplan/lib/blkplan/blkdev"
	"git.lukeshu.com/blockplan/lib/blkplan/blkenv"
	"git.lukeshu.com/blockplan/lib/blkplan/blklabel"
	"git.lukeshu.com/blockplan/lib/blkplan/blktree"
	"git.lukeshu.com/blockplan/lib/blkplan/blkunit"
	"git.lukeshu.com/blockplan/lib/containers"
)

// mkTable builds a disklabel with the given primary-slot usage.  As
// on a real msdos disklabel, an extended partition occupies one of
// the primary slots, so with extended set the table holds primaries-1
// normal partitions plus the extended one.
func mkTable(t *testing.T, typ blklabel.Type, primaries int, extended bool) *blklabel.Label {
	t.Helper()
	table := blklabel.New(typ, 512, 16777216)
	normals := primaries
	if extended {
		normals--
	}
	start := int64(2048)
	for i := 0; i < normals; i++ {
		require.NoError(t, table.AddPartition(&blklabel.Partition{
			Type: blklabel.Normal,
			Geom: blklabel.Geometry{Start: start, End: start + 204800 - 1},
		}))
		start += 204800
	}
	if extended {
		require.NoError(t, table.AddPartition(&blklabel.Partition{
			Type: blklabel.Extended,
			Geom: blklabel.Geometry{Start: start, End: start + 2097152 - 1},
		}))
	}
	return table
}

func TestNextPartitionType(t *testing.T) {
	t.Parallel()
	type TestCase struct {
		Table     *blklabel.Label
		NoPrimary bool
		Type      blklabel.PartType
		OK        bool
	}
	testcases := map[string]TestCase{
		// msdos
		"dos-empty":               {Table: mkTable(t, blklabel.MSDOS, 0, false), Type: blklabel.Normal, OK: true},
		"dos-3-noext":             {Table: mkTable(t, blklabel.MSDOS, 3, false), Type: blklabel.Extended, OK: true},
		"dos-3-ext":               {Table: mkTable(t, blklabel.MSDOS, 3, true), Type: blklabel.Normal, OK: true},
		"dos-3-ext-noprimary":     {Table: mkTable(t, blklabel.MSDOS, 3, true), NoPrimary: true, Type: blklabel.Logical, OK: true},
		"dos-full-ext":            {Table: mkTable(t, blklabel.MSDOS, 4, true), Type: blklabel.Logical, OK: true},
		"dos-4-noext":             {Table: mkTable(t, blklabel.MSDOS, 4, false), OK: false},
		"dos-2-noprimary-noext":   {Table: mkTable(t, blklabel.MSDOS, 2, false), NoPrimary: true, OK: false},
		"dos-2-noprimary-ext":     {Table: mkTable(t, blklabel.MSDOS, 2, true), NoPrimary: true, Type: blklabel.Logical, OK: true},
		// gpt
		"gpt-empty":           {Table: mkTable(t, blklabel.GPT, 0, false), Type: blklabel.Normal, OK: true},
		"gpt-empty-noprimary": {Table: mkTable(t, blklabel.GPT, 0, false), NoPrimary: true, OK: false},
		// mac
		"mac-empty":           {Table: mkTable(t, blklabel.Mac, 0, false), Type: blklabel.Normal, OK: true},
		"mac-empty-noprimary": {Table: mkTable(t, blklabel.Mac, 0, false), NoPrimary: true, OK: false},
	}
	for name, tc := range testcases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			typ, ok := GetNextPartitionType(tc.Table, tc.NoPrimary)
			require.Equal(t, tc.OK, ok)
			if ok {
				assert.Equal(t, tc.Type, typ)
			}
		})
	}

	// a free primary slot next to an extended still yields a
	// primary...
	table := mkTable(t, blklabel.MSDOS, 3, true)
	typ, ok := GetNextPartitionType(table, false)
	require.True(t, ok)
	assert.Equal(t, blklabel.Normal, typ)

	// ...but with every primary slot taken, only logicals are left
	table = mkTable(t, blklabel.MSDOS, 4, true)
	typ, ok = GetNextPartitionType(table, false)
	require.True(t, ok)
	assert.Equal(t, blklabel.Logical, typ)
}

func TestPartitionCompare(t *testing.T) {
	t.Parallel()
	mk := func(cfg blkdev.PartitionConfig) *blkdev.PartitionDevice {
		return blkdev.NewPartition("req", cfg)
	}

	// explicit start sector wins over everything
	a := mk(blkdev.PartitionConfig{Start: containers.OptionalValue[int64](2048)})
	b := mk(blkdev.PartitionConfig{Config: blkdev.Config{Size: blkunit.GiB}, Weight: 5000})
	assert.Negative(t, PartitionCompare(a, b))

	// higher weight first
	a = mk(blkdev.PartitionConfig{Config: blkdev.Config{Size: blkunit.MiB}, Weight: 2000})
	b = mk(blkdev.PartitionConfig{Config: blkdev.Config{Size: blkunit.GiB}})
	assert.Negative(t, PartitionCompare(a, b))

	// fixed size before growable
	a = mk(blkdev.PartitionConfig{Config: blkdev.Config{Size: blkunit.GiB}})
	b = mk(blkdev.PartitionConfig{Config: blkdev.Config{Size: blkunit.GiB}, Grow: true})
	assert.Negative(t, PartitionCompare(a, b))

	// larger base first
	a = mk(blkdev.PartitionConfig{Config: blkdev.Config{Size: 2 * blkunit.GiB}})
	b = mk(blkdev.PartitionConfig{Config: blkdev.Config{Size: blkunit.GiB}})
	assert.Negative(t, PartitionCompare(a, b))

	// among growables, the uncapped one first
	a = mk(blkdev.PartitionConfig{Config: blkdev.Config{Size: blkunit.GiB}, Grow: true})
	b = mk(blkdev.PartitionConfig{Config: blkdev.Config{Size: blkunit.GiB}, Grow: true, MaxSize: 2 * blkunit.GiB})
	assert.Negative(t, PartitionCompare(a, b))
}

func TestCompareDisks(t *testing.T) {
	t.Parallel()
	env := blkenv.New()
	env.EDD = map[string]int{"sdb": 0x80, "sda": 0x81}

	// BIOS order beats name order
	assert.Negative(t, CompareDisks(env, "sdb", "sda"))
	// a disk the BIOS knows about goes first
	assert.Negative(t, CompareDisks(env, "sda", "sdc"))

	plain := blkenv.New()
	// virtio before ide before scsi
	assert.Negative(t, CompareDisks(plain, "vda", "hda"))
	assert.Negative(t, CompareDisks(plain, "hda", "sda"))
	// shorter names first: sdb before sdaa
	assert.Negative(t, CompareDisks(plain, "sdb", "sdaa"))
	assert.Negative(t, CompareDisks(plain, "sda", "sdb"))
}

func mkTree(t *testing.T, env *blkenv.Env, diskSize blkunit.Size) (*blktree.DeviceTree, *blkdev.Disk) {
	t.Helper()
	tree := blktree.New(env)
	sectorSize := blkunit.Size(512)
	disk := blkdev.NewDisk("sda", blkdev.Config{
		Size:   diskSize,
		Exists: true,
		Format: blkdev.NewDiskLabel(blkdev.DiskLabelConfig{
			FormatConfig: blkdev.FormatConfig{Exists: true},
			Table:        blklabel.New(blklabel.MSDOS, sectorSize, int64(diskSize/sectorSize)),
		}),
	})
	require.NoError(t, tree.AddDevice(disk, false))
	return tree, disk
}

func scheduleRequest(t *testing.T, tree *blktree.DeviceTree, name string, size blkunit.Size) *blkdev.PartitionDevice {
	t.Helper()
	part := blkdev.NewPartition(name, blkdev.PartitionConfig{
		Config: blkdev.Config{Size: size},
	})
	create, err := blkaction.NewCreateDevice(part)
	require.NoError(t, err)
	require.NoError(t, tree.Actions().Add(create))
	return part
}

// Four requests on a 2 GiB msdos disk force an implicit extended
// partition into existence; destroying enough of the layout and
// re-running takes it back out.
func TestAllocatorExtendedAutoCreation(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	env := blkenv.New()
	tree, disk := mkTree(t, env, 2*blkunit.GiB)

	p400 := scheduleRequest(t, tree, "req400", 400*blkunit.MiB)
	scheduleRequest(t, tree, "req300", 300*blkunit.MiB)
	scheduleRequest(t, tree, "req200", 200*blkunit.MiB)
	scheduleRequest(t, tree, "req100", 100*blkunit.MiB)

	require.NoError(t, DoPartitioning(ctx, tree, nil, nil))

	table := blkdev.DiskLabelOf(disk).Table()
	require.NotNil(t, table.ExtendedPartition())
	assert.Len(t, table.LogicalPartitions(), 1)
	assert.Len(t, table.Partitions(), 5)

	// the largest request went first and became primary #1
	assert.Equal(t, 1, p400.PartitionNumber())
	assert.Equal(t, "sda1", p400.Name())

	// the implicit extended got a device in the tree
	extDev := tree.GetDeviceByName("sda4", false, false)
	require.NotNil(t, extDev)
	assert.False(t, extDev.Exists())

	// commit pre-processing emits the implicit create action for
	// it: applied first, then appended without going through Add
	require.NoError(t, tree.Actions().Process(ctx, blktree.ProcessConfig{DryRun: true}))
	creates := tree.Actions().Find(blktree.FindSpec{Device: extDev, ActionType: "create"})
	require.Len(t, creates, 1)
	assert.True(t, creates[0].Applied())

	// destroy the 400 MiB partition and re-run with the
	// keep-empty-extended policy off
	env.KeepEmptyExtPartitions = false
	destroy, err := blkaction.NewDestroyDevice(p400)
	require.NoError(t, err)
	require.NoError(t, tree.Actions().Add(destroy))

	require.NoError(t, DoPartitioning(ctx, tree, nil, nil))

	assert.Nil(t, table.ExtendedPartition())
	assert.Empty(t, table.LogicalPartitions())
	assert.Len(t, table.Partitions(), 3)
	assert.Nil(t, tree.GetDeviceByName("sda4", false, false))
}

// After allocation every placed partition is aligned at both ends and
// starts within the disklabel's allowed range.
func TestAllocationAlignment(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	env := blkenv.New()
	tree, disk := mkTree(t, env, 8*blkunit.GiB)

	scheduleRequest(t, tree, "req0", 100*blkunit.MiB)
	scheduleRequest(t, tree, "req1", 333*blkunit.MiB)
	grower := blkdev.NewPartition("req2", blkdev.PartitionConfig{
		Config: blkdev.Config{Size: 200 * blkunit.MiB},
		Grow:   true,
		MaxSize: 4 * blkunit.GiB,
	})
	create, err := blkaction.NewCreateDevice(grower)
	require.NoError(t, err)
	require.NoError(t, tree.Actions().Add(create))

	require.NoError(t, DoPartitioning(ctx, tree, nil, nil))

	table := blkdev.DiskLabelOf(disk).Table()
	for _, slot := range table.Partitions() {
		alignment := table.GetAlignment(0)
		endAlignment := table.GetEndAlignment(alignment)
		wholeDisk := blklabel.Geometry{Start: 0, End: table.Sectors - 1}
		assert.True(t, alignment.IsAligned(wholeDisk, slot.Geom.Start), "start of %v", slot)
		assert.True(t, endAlignment.IsAligned(wholeDisk, slot.Geom.End), "end of %v", slot)
		assert.LessOrEqual(t, slot.Geom.Start, table.MaxPartitionStartSector())
	}

	// the growable request took everything up to its cap
	assert.Equal(t, 4*blkunit.GiB, grower.Size())
	assert.False(t, grower.ReqGrow, "allocation pins growable requests")
}

func TestGetBestFreeSpaceRegionBoot(t *testing.T) {
	t.Parallel()
	table := blklabel.New(blklabel.MSDOS, 512, 16777216)
	// occupy the middle, leaving a small early region and a large
	// late one
	require.NoError(t, table.AddPartition(&blklabel.Partition{
		Type: blklabel.Normal,
		Geom: blklabel.Geometry{Start: 4196352, End: 8390655},
	}))

	al := table.GetAlignment(0)

	// non-boot fixed requests pick the smallest fitting region
	got := GetBestFreeSpaceRegion(table, blklabel.Normal, blkunit.GiB,
		containers.OptionalNil[int64](), false, nil, false, al)
	require.NotNil(t, got)
	assert.Equal(t, int64(1), got.Start)

	// growable requests pick the largest
	got = GetBestFreeSpaceRegion(table, blklabel.Normal, blkunit.GiB,
		containers.OptionalNil[int64](), false, nil, true, al)
	require.NotNil(t, got)
	assert.Equal(t, int64(8390656), got.Start)

	// boot requests take the first that fits
	got = GetBestFreeSpaceRegion(table, blklabel.Normal, blkunit.GiB,
		containers.OptionalNil[int64](), true, nil, false, al)
	require.NotNil(t, got)
	assert.Equal(t, int64(1), got.Start)
}
