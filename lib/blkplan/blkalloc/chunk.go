// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package blkalloc

import (
	"fmt"

	"git.lukeshu.com/blockplan/lib/blkplan/blkdev"
	"git.lukeshu.com/blockplan/lib/blkplan/blkunit"
)

// Request is the grower's view of a single device: its base
// allocation, how much it has grown, and how far it may grow.  Units
// vary with the chunk (sectors for disks, extents for VGs).
type Request struct {
	Device blkdev.Device

	Base      int64
	Growth    int64
	MaxGrowth int64
	Done      bool

	// Reserve is fixed extra space the request needs on top of
	// its base (LV cache space and metadata overhead).
	Reserve int64

	growable bool
}

// NewRequest builds a bare request; the chunk-specific constructors
// below fill in bases from device geometry.
func NewRequest(device blkdev.Device, base int64, growable bool) *Request {
	return &Request{
		Device:   device,
		Base:     base,
		Done:     !growable,
		growable: growable,
	}
}

func (r *Request) Growable() bool { return r.growable }

func (r *Request) String() string {
	return fmt.Sprintf("Request -- device=%s (id %d) growable=%v base=%d growth=%d max_grow=%d done=%v",
		r.Device.Name(), r.Device.ID(), r.growable, r.Base, r.Growth, r.MaxGrowth, r.Done)
}

// chunkOps is the behavior a chunk variant can specialize.
type chunkOps interface {
	// maxGrowth bounds a request's growth; 0 means unbounded.
	maxGrowth(req *Request) int64
	lengthToSize(length int64) blkunit.Size
	sortRequests(reqs []*Request)
}

// Chunk is a pool of allocatable units over which a set of requests
// competes during growth.
type Chunk struct {
	Length   int64
	Pool     int64
	Base     int64
	Requests []*Request

	skip map[*Request]bool
	ops  chunkOps
}

// NewChunk builds a plain chunk whose units mean whatever the caller
// wants them to.
func NewChunk(length int64, requests ...*Request) *Chunk {
	c := &Chunk{Length: length, Pool: length}
	c.ops = (*defaultOps)(c)
	for _, req := range requests {
		c.AddRequest(req)
	}
	return c
}

type defaultOps Chunk

func (*defaultOps) maxGrowth(req *Request) int64          { return req.MaxGrowth }
func (*defaultOps) lengthToSize(length int64) blkunit.Size { return blkunit.Size(length) }
func (*defaultOps) sortRequests([]*Request)               {}

// AddRequest adds a request to the chunk, claiming its base and
// reserve out of the pool.
func (c *Chunk) AddRequest(req *Request) {
	c.Requests = append(c.Requests, req)
	c.Pool -= req.Base
	c.Pool -= req.Reserve
	if !req.Done {
		c.Base += req.Base
	}
}

// Reclaim takes units back from a request and returns them to the
// pool.  The request sits out the next growth iteration.
func (c *Chunk) Reclaim(req *Request, amount int64) error {
	if req.Growth < amount {
		return fmt.Errorf("blkalloc: cannot reclaim more than request has grown")
	}
	req.Growth -= amount
	c.Pool += amount
	if c.skip == nil {
		c.skip = make(map[*Request]bool)
	}
	c.skip[req] = true
	return nil
}

// Growth is the sum of growth over the chunk's requests.
func (c *Chunk) Growth() int64 {
	var total int64
	for _, req := range c.Requests {
		total += req.Growth
	}
	return total
}

func (c *Chunk) HasGrowable() bool {
	for _, req := range c.Requests {
		if req.growable {
			return true
		}
	}
	return false
}

// Remaining is the number of requests still being grown.
func (c *Chunk) Remaining() int {
	cnt := 0
	for _, req := range c.Requests {
		if !req.Done {
			cnt++
		}
	}
	return cnt
}

func (c *Chunk) IsDone() bool {
	return c.Remaining() == 0 || c.Pool == 0
}

// LengthToSize converts chunk units to bytes.
func (c *Chunk) LengthToSize(length int64) blkunit.Size {
	return c.ops.lengthToSize(length)
}

// SizeToLength converts bytes to chunk units, rounding down.
func (c *Chunk) SizeToLength(size blkunit.Size) int64 {
	unit := int64(c.ops.lengthToSize(1))
	return int64(size) / unit
}

// trimOverGrownRequest enforces a request's max growth, returning the
// excess to the pool.  base is the growable-base total to adjust when
// the request finishes; it returns the new total.
func (c *Chunk) trimOverGrownRequest(req *Request, base int64, haveBase bool) int64 {
	max := c.ops.maxGrowth(req)
	if max > 0 && req.Growth >= max {
		if req.Growth > max {
			// grown beyond the maximum; put some back
			c.Pool += req.Growth - max
			req.Growth = max
		}
		// This request is done growing, so it no longer
		// factors into the growable base used to compute each
		// request's share of the pool.
		if haveBase {
			base -= req.Base
		}
		req.Done = true
	}
	return base
}

// GrowRequests divides the pool among the chunk's growable requests.
//
// Each request receives an allotment proportional to its share of the
// combined base size of all still-growing requests: a request with
// base 1000 grows four times as fast as one with base 250.  Under
// uniform growth every request instead receives an equal cut.
func (c *Chunk) GrowRequests(uniform bool) {
	c.ops.sortRequests(c.Requests)

	// newBase holds the base for the next pass so that every
	// request within one pass sees the same denominator.
	newBase := c.Base
	var lastPool int64
	for !c.IsDone() && c.Pool != 0 && lastPool != c.Pool {
		lastPool = c.Pool
		c.Base = newBase
		var growth int64
		if uniform {
			growth = lastPool / int64(c.Remaining())
		}
		for _, req := range c.Requests {
			if req.Done || c.skip[req] {
				continue
			}
			if !uniform {
				// truncate, don't round
				growth = blkunit.MulDiv(req.Base, lastPool, c.Base)
			}
			req.Growth += growth
			c.Pool -= growth
			newBase = c.trimOverGrownRequest(req, newBase, true)
		}
	}

	if c.Pool > 0 {
		// allocate any leftovers to the first request that can
		// still grow
		for _, req := range c.Requests {
			if req.Done || c.skip[req] {
				continue
			}
			req.Growth += c.Pool
			c.Pool = 0
			c.trimOverGrownRequest(req, 0, false)
			if c.Pool == 0 {
				break
			}
		}
	}

	// requests that were skipped this time are back on the table
	// next time
	c.skip = nil
}
