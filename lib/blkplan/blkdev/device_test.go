// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package blkdev

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/blockplan/lib/blkplan/blklabel"
	"git.lukeshu.com/blockplan/lib/blkplan/blkunit"
)

func mkDisk(t *testing.T, name string, size blkunit.Size) *Disk {
	t.Helper()
	sectorSize := blkunit.Size(512)
	table := blklabel.New(blklabel.MSDOS, sectorSize, int64(size/sectorSize))
	return NewDisk(name, Config{
		Size:   size,
		Exists: true,
		Format: NewDiskLabel(DiskLabelConfig{
			FormatConfig: FormatConfig{Exists: true},
			Table:        table,
		}),
	})
}

func TestIDsMonotonic(t *testing.T) {
	t.Parallel()
	a := NewDisk("sda", Config{})
	b := NewDisk("sdb", Config{})
	assert.Greater(t, b.ID(), a.ID())
}

func TestDependsOn(t *testing.T) {
	t.Parallel()
	disk := mkDisk(t, "sda", 8*blkunit.GiB)
	part := NewPartition("sda1", PartitionConfig{
		Config: Config{Size: blkunit.GiB, Parents: []Device{disk}, Exists: true},
	})
	pv := NewDisk("sdb", Config{Size: 8 * blkunit.GiB, Exists: true, Format: NewLVMPV(FormatConfig{Exists: true})})
	vg := NewLVMVolumeGroup("vg", VGConfig{Config: Config{Parents: []Device{part, pv}}})
	lv, err := NewLVMLogicalVolume("root", LVConfig{
		Config: Config{Size: blkunit.GiB, Parents: []Device{vg}},
	})
	require.NoError(t, err)

	// transitive, not reflexive
	assert.True(t, part.DependsOn(disk))
	assert.True(t, lv.DependsOn(disk))
	assert.True(t, lv.DependsOn(pv))
	assert.True(t, lv.DependsOn(vg))
	assert.False(t, lv.DependsOn(lv))
	assert.False(t, disk.DependsOn(part))

	assert.ElementsMatch(t, []string{"sda", "sdb"},
		[]string{lv.Disks()[0].Name(), lv.Disks()[1].Name()})

	// members know their container
	assert.Equal(t, vg.ID(), part.Container().ID())
	assert.Equal(t, vg.ID(), pv.Container().ID())
}

func TestVGGeometry(t *testing.T) {
	t.Parallel()
	pv := NewDisk("pv1", Config{Size: 40 * blkunit.GiB, Exists: true, Format: NewLVMPV(FormatConfig{})})
	vg := NewLVMVolumeGroup("vg", VGConfig{Config: Config{Parents: []Device{pv}}})

	// each PV loses its 1 MiB PE-start header, which costs an
	// extent
	assert.Equal(t, blkunit.Size(4*blkunit.MiB), vg.PESize())
	assert.Equal(t, int64(10239), vg.Extents())

	lv1, err := NewLVMLogicalVolume("lv1", LVConfig{Config: Config{Size: blkunit.GiB, Parents: []Device{vg}}, Grow: true})
	require.NoError(t, err)
	_, err = NewLVMLogicalVolume("lv2", LVConfig{Config: Config{Size: 10 * blkunit.GiB, Parents: []Device{vg}}, Grow: true})
	require.NoError(t, err)
	_, err = NewLVMLogicalVolume("lv3", LVConfig{Config: Config{Size: 10 * blkunit.GiB, Parents: []Device{vg}}, Grow: true, MaxSize: 12 * blkunit.GiB})
	require.NoError(t, err)

	assert.Equal(t, int64(10239-256-2560-2560), vg.FreeExtents())
	assert.Len(t, vg.LVs(), 3)

	assert.Equal(t, "vg-lv1", lv1.Name())
	assert.Equal(t, "/dev/mapper/vg-lv1", lv1.Path())
	assert.Equal(t, "lv1", lv1.LVName())
	assert.Equal(t, SegLinear, lv1.SegType())
	assert.True(t, lv1.SupportsSkipActivation())

	// alignment helpers
	assert.Equal(t, 8*blkunit.MiB, vg.Align(5*blkunit.MiB, true))
	assert.Equal(t, 4*blkunit.MiB, vg.Align(5*blkunit.MiB, false))
}

func TestThinPool(t *testing.T) {
	t.Parallel()
	pv := NewDisk("pv1", Config{Size: 40 * blkunit.GiB, Exists: true, Format: NewLVMPV(FormatConfig{})})
	vg := NewLVMVolumeGroup("vg", VGConfig{Config: Config{Parents: []Device{pv}}})
	pool, err := NewLVMLogicalVolume("pool", LVConfig{
		Config:  Config{Size: 10 * blkunit.GiB, Parents: []Device{vg}},
		SegType: SegThinPool,
	})
	require.NoError(t, err)
	thin, err := NewLVMLogicalVolume("thin", LVConfig{
		Config:   Config{Size: 4 * blkunit.GiB},
		ThinPool: pool,
	})
	require.NoError(t, err)

	assert.Equal(t, SegThin, thin.SegType())
	assert.Same(t, pool, thin.Pool())
	assert.Same(t, vg, thin.VG())
	assert.Equal(t, 4*blkunit.GiB, pool.UsedSpace())
	assert.Len(t, vg.ThinPools(), 1)
	assert.Len(t, vg.ThinLVs(), 1)

	// thin LVs live inside their pool, not in the VG's free space
	assert.Equal(t, int64(10239-2560), vg.FreeExtents())

	pool.AutosetMetadataSize()
	assert.Equal(t, 12*blkunit.MiB, pool.MetadataSize)
	assert.Equal(t, 12*blkunit.MiB, vg.PMSpareSize())
}

func TestPartitionNaming(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "sda1", PartitionName("sda", 1))
	assert.Equal(t, "nvme0n1p3", PartitionName("nvme0n1", 3))
	assert.Equal(t, "mmcblk0p2", PartitionName("mmcblk0", 2))

	disk := mkDisk(t, "sda", 8*blkunit.GiB)
	table := DiskLabelOf(disk).Table()
	slot := &blklabel.Partition{Type: blklabel.Normal, Geom: blklabel.Geometry{Start: 2048, End: 206847}}
	require.NoError(t, table.AddPartition(slot))

	part := NewPartition("req0", PartitionConfig{Config: Config{Size: 100 * blkunit.MiB}})
	part.SetPartedPartition(slot)
	part.SetDisk(disk)
	part.UpdateName()
	assert.Equal(t, "sda1", part.Name())
	assert.Equal(t, "/dev/sda1", part.Path())

	// size reflects the slot geometry
	assert.Equal(t, 100*blkunit.MiB, part.Size())
}

func TestFormatLifecycle(t *testing.T) {
	t.Parallel()
	format := NewFS("ext4", FSConfig{Mountpoint: "/home"})
	assert.Equal(t, "ext4", format.Type())
	assert.Equal(t, "/home", format.Mountpoint())
	assert.True(t, format.Mountable())
	assert.True(t, format.Formattable())
	// a planned format isn't resizable until it exists on disk
	assert.False(t, format.Resizable())
	format.SetExists(true)
	assert.True(t, format.Resizable())

	swap := GetFormat("swap")
	assert.Equal(t, "swap", swap.Type())
	assert.Equal(t, blklabel.FlagSwap, swap.PartedFlag())

	pv := GetFormat("lvmpv")
	assert.Equal(t, blklabel.FlagLVM, pv.PartedFlag())
	assert.Equal(t, "8e", pv.PartedSystem())

	none := GetFormat("")
	assert.Equal(t, "", none.Type())
	assert.False(t, none.Destroyable())
}
