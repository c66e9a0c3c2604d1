// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"git.lukeshu.com/blockplan/lib/blkplan"
	"git.lukeshu.com/blockplan/lib/blkplan/blkaction"
	"git.lukeshu.com/blockplan/lib/blkplan/blkdev"
	"git.lukeshu.com/blockplan/lib/blkplan/blkenv"
	"git.lukeshu.com/blockplan/lib/blkplan/blklabel"
	"git.lukeshu.com/blockplan/lib/blkplan/blkunit"
)

// topologyFile is the JSON description of the starting state plus the
// partition requests to plan.
type topologyFile struct {
	Disks    []diskSpec    `json:"disks"`
	Requests []requestSpec `json:"requests"`
}

type diskSpec struct {
	Name       string   `json:"name"`
	Size       string   `json:"size"`
	Label      string   `json:"label"`       // msdos, gpt, mac
	SectorSize int64    `json:"sector_size"` // bytes; 512 if zero
	Tags       []string `json:"tags"`
}

type requestSpec struct {
	Name       string   `json:"name"`
	FSType     string   `json:"fstype"`
	Mountpoint string   `json:"mountpoint"`
	Size       string   `json:"size"`
	MaxSize    string   `json:"max_size"`
	Grow       bool     `json:"grow"`
	Primary    bool     `json:"primary"`
	Weight     int      `json:"weight"`
	Disks      []string `json:"disks"`
	DiskTags   []string `json:"disk_tags"`
}

// loadTopology builds a Plan from a topology file: existing disks go
// straight into the tree, and each request becomes a partition with a
// create-device action queued, plus a create-format action when the
// request names a filesystem type.
func loadTopology(env *blkenv.Env, path string) (*blkplan.Plan, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var topo topologyFile
	if err := json.Unmarshal(bs, &topo); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	plan := blkplan.New(env)

	byName := make(map[string]blkdev.Device)
	for _, spec := range topo.Disks {
		size, err := blkunit.ParseSize(spec.Size)
		if err != nil {
			return nil, fmt.Errorf("disk %q: %w", spec.Name, err)
		}
		sectorSize := blkunit.Size(spec.SectorSize)
		if sectorSize == 0 {
			sectorSize = 512
		}
		labelType := blklabel.Type(spec.Label)
		if spec.Label == "" {
			labelType = blklabel.MSDOS
		}
		table := blklabel.New(labelType, sectorSize, int64(size/sectorSize))
		disk := blkdev.NewDisk(spec.Name, blkdev.Config{
			Size:   size,
			Exists: true,
			Tags:   spec.Tags,
			Format: blkdev.NewDiskLabel(blkdev.DiskLabelConfig{
				FormatConfig: blkdev.FormatConfig{Exists: true},
				Table:        table,
			}),
		})
		if err := plan.Tree.AddDevice(disk, false); err != nil {
			return nil, err
		}
		byName[spec.Name] = disk
		if env.BootDisk == spec.Name {
			plan.BootDisk = disk
		}
	}

	for _, spec := range topo.Requests {
		size, err := blkunit.ParseSize(spec.Size)
		if err != nil {
			return nil, fmt.Errorf("request %q: %w", spec.Name, err)
		}
		var maxSize blkunit.Size
		if spec.MaxSize != "" {
			maxSize, err = blkunit.ParseSize(spec.MaxSize)
			if err != nil {
				return nil, fmt.Errorf("request %q: %w", spec.Name, err)
			}
		}
		var reqDisks []blkdev.Device
		for _, diskName := range spec.Disks {
			disk, ok := byName[diskName]
			if !ok {
				return nil, fmt.Errorf("request %q: unknown disk %q", spec.Name, diskName)
			}
			reqDisks = append(reqDisks, disk)
		}

		part := blkdev.NewPartition(spec.Name, blkdev.PartitionConfig{
			Config:   blkdev.Config{Size: size},
			Disks:    reqDisks,
			DiskTags: spec.DiskTags,
			MaxSize:  maxSize,
			Grow:     spec.Grow,
			Primary:  spec.Primary,
			Weight:   spec.Weight,
		})
		createDev, err := blkaction.NewCreateDevice(part)
		if err != nil {
			return nil, err
		}
		if err := plan.Actions().Add(createDev); err != nil {
			return nil, err
		}

		if spec.FSType != "" {
			format := blkdev.NewFS(spec.FSType, blkdev.FSConfig{
				Mountpoint: spec.Mountpoint,
			})
			createFmt, err := blkaction.NewCreateFormat(part, format)
			if err != nil {
				return nil, err
			}
			if err := plan.Actions().Add(createFmt); err != nil {
				return nil, err
			}
		}
	}

	return plan, nil
}
