// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package blkalloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/blockplan/lib/blkplan/blkdev"
	"git.lukeshu.com/blockplan/lib/blkplan/blklabel"
	"git.lukeshu.com/blockplan/lib/blkplan/blkunit"
)

func TestChunk(t *testing.T) {
	t.Parallel()
	dev1 := blkdev.NewDisk("req1", blkdev.Config{})
	dev2 := blkdev.NewDisk("req2", blkdev.Config{})
	dev3 := blkdev.NewDisk("req3", blkdev.Config{})

	req1 := NewRequest(dev1, 10, true)
	req2 := NewRequest(dev2, 20, false)

	chunk := NewChunk(110, req1, req2)
	assert.Equal(t, int64(80), chunk.Pool)
	assert.Equal(t, int64(10), chunk.Base)

	req3 := NewRequest(dev3, 20, true)
	req3.MaxGrowth = 35
	chunk.AddRequest(req3)
	assert.Equal(t, int64(60), chunk.Pool)
	assert.Equal(t, int64(30), chunk.Base)

	assert.Equal(t, blkunit.Size(30), chunk.LengthToSize(30))
	assert.Equal(t, int64(40), chunk.SizeToLength(40))
	assert.True(t, chunk.HasGrowable())

	chunk.GrowRequests(false)

	// the chunk is done growing since its pool has been exhausted
	assert.True(t, chunk.IsDone())

	// one request remains since req1 has no maximum growth
	assert.Equal(t, 1, chunk.Remaining())

	// req1 is 10 units and growable with no limit
	// req2 is 20 units and not growable
	// req3 is 20 units and growable with a limit of 35 units
	//
	// Requests grow proportionally to their share of the combined
	// base of all growable requests.  With no max, req3 would get
	// 40 and req1 would get 20; req3's limit trims it to 35 and
	// req1 picks up the leftovers, ending at 25.
	assert.Equal(t, int64(25), req1.Growth)
	assert.Equal(t, int64(0), req2.Growth)
	assert.Equal(t, int64(35), req3.Growth)
}

func TestChunkReclaim(t *testing.T) {
	t.Parallel()
	dev := blkdev.NewDisk("req1", blkdev.Config{})
	req := NewRequest(dev, 10, true)
	chunk := NewChunk(50, req)
	chunk.GrowRequests(false)
	assert.Equal(t, int64(40), req.Growth)

	require.NoError(t, chunk.Reclaim(req, 15))
	assert.Equal(t, int64(25), req.Growth)
	assert.Equal(t, int64(15), chunk.Pool)

	// reclaiming more than the growth is refused
	assert.Error(t, chunk.Reclaim(req, 9000))

	// the request sits out the next iteration, so the pool stays
	// put
	chunk.GrowRequests(false)
	assert.Equal(t, int64(25), req.Growth)
	assert.Equal(t, int64(15), chunk.Pool)

	// ...but is back on the table the time after that
	chunk.GrowRequests(false)
	assert.Equal(t, int64(40), req.Growth)
	assert.Equal(t, int64(0), chunk.Pool)
}

// A 100 MiB chunk with a mix of fixed, capped-growable, and unbounded
// requests.  512 B sectors; the chunk is 204768 sectors long.
func TestDiskChunk(t *testing.T) {
	t.Parallel()
	sectorSize := blkunit.Size(512)
	disk := blkdev.NewDisk("sda", blkdev.Config{
		Size:   8 * blkunit.GiB,
		Exists: true,
		Format: blkdev.NewDiskLabel(blkdev.DiskLabelConfig{
			FormatConfig: blkdev.FormatConfig{Exists: true},
			Table:        blklabel.New(blklabel.MSDOS, sectorSize, 16777216),
		}),
	})

	type partSpec struct {
		name    string
		length  int64 // sectors
		grow    bool
		maxSize blkunit.Size
		growth  int64 // expected, sectors
	}
	specs := []partSpec{
		{name: "p1", length: 20480, grow: true, growth: 17912},
		{name: "p2", length: 61440, grow: true, growth: 53736},
		{name: "p3", length: 20480, grow: true, maxSize: 12 * blkunit.MiB, growth: 4096},
		{name: "p4", length: 14336, grow: false, growth: 0},
		{name: "p5", length: 10240, grow: true, maxSize: 6 * blkunit.MiB, growth: 2048},
	}

	chunkGeom := blklabel.Geometry{Start: 2048, End: 2048 + 204768 - 1}
	chunk, err := NewDiskChunk(disk, chunkGeom)
	require.NoError(t, err)

	var reqs []*Request
	start := chunkGeom.Start
	for _, spec := range specs {
		part := blkdev.NewPartition(spec.name, blkdev.PartitionConfig{
			Config:  blkdev.Config{Size: blkunit.SectorCount(spec.length).Size(sectorSize)},
			Grow:    spec.grow,
			MaxSize: spec.maxSize,
		})
		part.SetDisk(disk)
		part.SetPartedPartition(&blklabel.Partition{
			Type: blklabel.Normal,
			Geom: blklabel.Geometry{Start: start, End: start + spec.length - 1},
		})
		start += spec.length

		req := NewPartitionRequest(part)
		require.NoError(t, chunk.AddRequest(req))
		reqs = append(reqs, req)
	}

	assert.Equal(t, int64(204768), chunk.Length)
	assert.Equal(t, int64(204768-126976), chunk.Pool)

	chunk.GrowRequests(false)

	for i, spec := range specs {
		assert.Equal(t, spec.growth, reqs[i].Growth, spec.name)
	}
	assert.True(t, chunk.IsDone())
}

func mkVG(t *testing.T, pvSizes ...blkunit.Size) *blkdev.LVMVolumeGroupDevice {
	t.Helper()
	var pvs []blkdev.Device
	for i, size := range pvSizes {
		pvs = append(pvs, blkdev.NewDisk(
			"pv"+string(rune('1'+i)),
			blkdev.Config{Size: size, Exists: true, Format: blkdev.NewLVMPV(blkdev.FormatConfig{})},
		))
	}
	return blkdev.NewLVMVolumeGroup("vg", blkdev.VGConfig{Config: blkdev.Config{Parents: pvs}})
}

// A 40 GiB VG with pe_size 4 MiB holding lv1 (1 GiB, grow), lv2
// (10 GiB, grow), lv3 (10 GiB, grow, max 12 GiB).
func TestVGChunk(t *testing.T) {
	t.Parallel()
	vg := mkVG(t, 40*blkunit.GiB)
	lv1, err := blkdev.NewLVMLogicalVolume("lv1", blkdev.LVConfig{
		Config: blkdev.Config{Size: blkunit.GiB, Parents: []blkdev.Device{vg}}, Grow: true,
	})
	require.NoError(t, err)
	lv2, err := blkdev.NewLVMLogicalVolume("lv2", blkdev.LVConfig{
		Config: blkdev.Config{Size: 10 * blkunit.GiB, Parents: []blkdev.Device{vg}}, Grow: true,
	})
	require.NoError(t, err)
	lv3, err := blkdev.NewLVMLogicalVolume("lv3", blkdev.LVConfig{
		Config: blkdev.Config{Size: 10 * blkunit.GiB, Parents: []blkdev.Device{vg}}, Grow: true,
		MaxSize: 12 * blkunit.GiB,
	})
	require.NoError(t, err)

	req1 := NewLVRequest(lv1)
	req2 := NewLVRequest(lv2)
	req3 := NewLVRequest(lv3)
	chunk := NewVGChunk(vg, req1, req2, req3)

	assert.Equal(t, vg.Extents(), chunk.Length)
	assert.Equal(t, vg.FreeExtents(), chunk.Pool)
	assert.Equal(t, int64(256+2560+2560), chunk.Base)

	// default extent size is 4 MiB
	assert.Equal(t, 16*blkunit.MiB, chunk.LengthToSize(4))
	assert.Equal(t, int64(8), chunk.SizeToLength(33*blkunit.MiB))
	assert.True(t, chunk.HasGrowable())

	assert.Equal(t, 3, chunk.Remaining())
	assert.False(t, chunk.IsDone())

	chunk.GrowRequests(false)

	// the chunk is done growing since its pool has been exhausted
	assert.True(t, chunk.IsDone())

	// lv1 and lv2 have no max, so they are still growing
	assert.Equal(t, 2, chunk.Remaining())

	// The vg starts with 4863 free extents and a 1:10:10 growth
	// ratio.  The first pass hands lv3 2315 extents and reclaims
	// 1803 of them against its 512-extent max; the second pass
	// splits the remainder 1:10 between lv1 and lv2, and the one
	// leftover extent goes to lv2, first in sorted order.
	assert.Equal(t, int64(395), req1.Growth)
	assert.Equal(t, int64(3956), req2.Growth)
	assert.Equal(t, int64(512), req3.Growth)
}

// Cache space is reserved off the top, so the growth amounts match
// the uncached case exactly.
func TestVGChunkWithCache(t *testing.T) {
	t.Parallel()
	// 1025 MiB so the second PV provides 1024 MiB of usable space
	vg := mkVG(t, 40*blkunit.GiB, 1025*blkunit.MiB)
	pv2 := vg.Parents()[1]

	lv1, err := blkdev.NewLVMLogicalVolume("lv1", blkdev.LVConfig{
		Config: blkdev.Config{Size: blkunit.GiB, Parents: []blkdev.Device{vg}}, Grow: true,
		CacheRequest: &blkdev.LVMCacheRequest{Size: 512 * blkunit.MiB, PVs: []blkdev.Device{pv2}, Mode: "writethrough"},
	})
	require.NoError(t, err)
	lv2, err := blkdev.NewLVMLogicalVolume("lv2", blkdev.LVConfig{
		Config: blkdev.Config{Size: 10 * blkunit.GiB, Parents: []blkdev.Device{vg}}, Grow: true,
		CacheRequest: &blkdev.LVMCacheRequest{Size: 512 * blkunit.MiB, PVs: []blkdev.Device{pv2}, Mode: "writethrough"},
	})
	require.NoError(t, err)
	lv3, err := blkdev.NewLVMLogicalVolume("lv3", blkdev.LVConfig{
		Config: blkdev.Config{Size: 10 * blkunit.GiB, Parents: []blkdev.Device{vg}}, Grow: true,
		MaxSize: 12 * blkunit.GiB,
	})
	require.NoError(t, err)

	req1 := NewLVRequest(lv1)
	req2 := NewLVRequest(lv2)
	req3 := NewLVRequest(lv3)
	chunk := NewVGChunk(vg, req1, req2, req3)

	chunk.GrowRequests(false)

	assert.True(t, chunk.IsDone())
	assert.Equal(t, 2, chunk.Remaining())
	assert.Equal(t, int64(395), req1.Growth)
	assert.Equal(t, int64(3956), req2.Growth)
	assert.Equal(t, int64(512), req3.Growth)
}

// With 44 MiB on the cache PV beyond what the caches need, the spare
// extents go to lv1 and lv2 in the same 1:10 ratio.
func TestVGChunkWithCachePVFree(t *testing.T) {
	t.Parallel()
	vg := mkVG(t, 40*blkunit.GiB, 1069*blkunit.MiB)
	pv2 := vg.Parents()[1]

	lv1, err := blkdev.NewLVMLogicalVolume("lv1", blkdev.LVConfig{
		Config: blkdev.Config{Size: blkunit.GiB, Parents: []blkdev.Device{vg}}, Grow: true,
		CacheRequest: &blkdev.LVMCacheRequest{Size: 512 * blkunit.MiB, PVs: []blkdev.Device{pv2}, Mode: "writethrough"},
	})
	require.NoError(t, err)
	lv2, err := blkdev.NewLVMLogicalVolume("lv2", blkdev.LVConfig{
		Config: blkdev.Config{Size: 10 * blkunit.GiB, Parents: []blkdev.Device{vg}}, Grow: true,
		CacheRequest: &blkdev.LVMCacheRequest{Size: 512 * blkunit.MiB, PVs: []blkdev.Device{pv2}, Mode: "writethrough"},
	})
	require.NoError(t, err)
	lv3, err := blkdev.NewLVMLogicalVolume("lv3", blkdev.LVConfig{
		Config: blkdev.Config{Size: 10 * blkunit.GiB, Parents: []blkdev.Device{vg}}, Grow: true,
		MaxSize: 12 * blkunit.GiB,
	})
	require.NoError(t, err)

	req1 := NewLVRequest(lv1)
	req2 := NewLVRequest(lv2)
	req3 := NewLVRequest(lv3)
	chunk := NewVGChunk(vg, req1, req2, req3)

	chunk.GrowRequests(false)

	assert.True(t, chunk.IsDone())
	assert.Equal(t, 2, chunk.Remaining())
	assert.Equal(t, int64(395+1), req1.Growth)
	assert.Equal(t, int64(3956+10), req2.Growth)
	assert.Equal(t, int64(512), req3.Growth)
}

func TestThinPoolChunk(t *testing.T) {
	t.Parallel()
	vg := mkVG(t, 40*blkunit.GiB)
	pool, err := blkdev.NewLVMLogicalVolume("pool", blkdev.LVConfig{
		Config:  blkdev.Config{Size: 10 * blkunit.GiB, Parents: []blkdev.Device{vg}},
		SegType: blkdev.SegThinPool,
	})
	require.NoError(t, err)
	thin1, err := blkdev.NewLVMLogicalVolume("thin1", blkdev.LVConfig{
		Config: blkdev.Config{Size: blkunit.GiB}, ThinPool: pool, Grow: true,
	})
	require.NoError(t, err)
	thin2, err := blkdev.NewLVMLogicalVolume("thin2", blkdev.LVConfig{
		Config: blkdev.Config{Size: 3 * blkunit.GiB}, ThinPool: pool,
	})
	require.NoError(t, err)

	req1 := NewLVRequest(thin1)
	req2 := NewLVRequest(thin2)
	chunk := NewThinPoolChunk(pool, req1, req2)

	// pool is 2560 extents; thin1 (256) grows into everything
	// thin2 (768) doesn't hold
	assert.Equal(t, int64(2560), chunk.Length)
	chunk.GrowRequests(false)
	assert.Equal(t, int64(2560-256-768), req1.Growth)
	assert.Equal(t, int64(0), req2.Growth)
}
