// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package blkalloc

import (
	"sort"

	"git.lukeshu.com/blockplan/lib/blkplan/blkdev"
	"git.lukeshu.com/blockplan/lib/blkplan/blkunit"
)

// SizeSet is a cross-chunk growth constraint over a set of partition
// requests.
type SizeSet interface {
	SetDevices() []blkdev.Device
}

// TotalSizeSet is a set of requests that must jointly reach a target
// combined size.  Over-allocation is reclaimed largest-grown first;
// under-allocation just grows further.
type TotalSizeSet struct {
	Devices []blkdev.Device
	Size    blkunit.Size

	allocated blkunit.Size
}

func NewTotalSizeSet(devices []blkdev.Device, size blkunit.Size) *TotalSizeSet {
	s := &TotalSizeSet{Devices: devices, Size: size}
	for _, d := range devices {
		if p, ok := d.(*blkdev.PartitionDevice); ok {
			s.allocated += p.ReqBaseSize
		}
	}
	return s
}

func (s *TotalSizeSet) SetDevices() []blkdev.Device { return s.Devices }

func (s *TotalSizeSet) needed() blkunit.Size { return s.Size - s.allocated }

// SameSizeSet is a set of requests that must all finish at the same
// size: the smallest member's achievable size.
type SameSizeSet struct {
	Devices []blkdev.Device
	Size    blkunit.Size
	Grow    bool
	MaxSize blkunit.Size
}

func NewSameSizeSet(devices []blkdev.Device, size blkunit.Size, grow bool, maxSize blkunit.Size) *SameSizeSet {
	return &SameSizeSet{
		Devices: devices,
		Size:    size / blkunit.Size(len(devices)),
		Grow:    grow,
		MaxSize: maxSize,
	}
}

func (s *SameSizeSet) SetDevices() []blkdev.Device { return s.Devices }

// manageSizeSets reconciles the size sets with the chunks' growth,
// running two passes and re-growing any chunk units were
// reclaimed from.
func manageSizeSets(sizeSets []SizeSet, chunks []*DiskChunk) {
	growthByRequest := make(map[*Request]int64)
	requestsByDevice := make(map[blkdev.ID]*Request)
	chunksByRequest := make(map[*Request]*DiskChunk)
	for _, chunk := range chunks {
		for _, req := range chunk.Requests {
			requestsByDevice[req.Device.ID()] = req
			chunksByRequest[req] = chunk
			growthByRequest[req] = 0
		}
	}

	for i := 0; i < 2; i++ {
		reclaimed := make(map[*DiskChunk]int64)
		for _, ss := range sizeSets {
			switch set := ss.(type) {
			case *TotalSizeSet:
				// members are trimmed to reach the requested
				// combined size
				for _, dev := range set.Devices {
					req := requestsByDevice[dev.ID()]
					if req == nil {
						continue
					}
					chunk := chunksByRequest[req]
					newGrowth := req.Growth - growthByRequest[req]
					set.allocated += chunk.LengthToSize(newGrowth)
				}

				// decide how much to take back from each
				// request, trimming the requests that have
				// grown the most first
				var requests []*Request
				for _, dev := range set.Devices {
					if req := requestsByDevice[dev.ID()]; req != nil {
						requests = append(requests, req)
					}
				}
				sort.SliceStable(requests, func(a, b int) bool {
					return requests[a].Growth > requests[b].Growth
				})
				needed := set.needed()
				for _, req := range requests {
					chunk := chunksByRequest[req]

					if set.needed() < 0 {
						// take back some from each device
						// instead of all from the last
						extra := -chunk.SizeToLength(needed) / int64(len(set.Devices))
						if extra > req.Growth && i == 0 {
							continue
						}
						if extra > req.Growth {
							extra = req.Growth
						}
						reclaimed[chunk] += extra
						_ = chunk.Reclaim(req, extra)
						set.allocated -= chunk.LengthToSize(extra)
					}

					if set.needed() <= 0 {
						req.Done = true
					}
				}
			case *SameSizeSet:
				// members all end up with the same size as
				// the smallest member
				var requests []*Request
				for _, dev := range set.Devices {
					if req := requestsByDevice[dev.ID()]; req != nil {
						requests = append(requests, req)
					}
				}
				if len(requests) == 0 {
					continue
				}
				minGrowth := requests[0].Growth
				for _, req := range requests[1:] {
					if req.Growth < minGrowth {
						minGrowth = req.Growth
					}
				}
				for _, req := range requests {
					chunk := chunksByRequest[req]
					maxGrowth := chunk.SizeToLength(set.Size) - req.Base
					target := minGrowth
					if maxGrowth < target {
						target = maxGrowth
					}
					if target < 0 {
						target = 0
					}
					switch {
					case req.Growth > target:
						extra := req.Growth - target
						reclaimed[chunk] += extra
						_ = chunk.Reclaim(req, extra)
						req.Done = true
					case req.Growth == target:
						req.Done = true
					}
				}
			}
		}

		// remember growth so the next pass only counts what the
		// re-grow below adds
		for req := range growthByRequest {
			growthByRequest[req] = req.Growth
		}

		for _, chunk := range chunks {
			if reclaimed[chunk] != 0 && !chunk.IsDone() {
				chunk.GrowRequests(false)
			}
		}
	}
}
