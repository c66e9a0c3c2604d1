// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package blkenv holds the process-wide knobs that the engine
// consults: feature flags, the entropy source, the BIOS drive map,
// and the LVM command-cache filter.  The engine never reaches for
// globals; an Env is created once at process start and passed down
// explicitly.
package blkenv

import (
	"sync"

	"git.lukeshu.com/blockplan/lib/containers"
)

type Env struct {
	// InstallerMode enables best-effort teardown of conflicting
	// active devices during commit instead of failing.
	InstallerMode bool

	// KeepEmptyExtPartitions keeps an extended partition with no
	// logical partitions instead of removing it automatically.
	KeepEmptyExtPartitions bool

	// GPTDiscoverablePartitions stamps new partitions with the
	// type UUID matching their mountpoint.
	GPTDiscoverablePartitions bool

	// Arch overrides the host architecture for GPT type lookups.
	Arch string

	// MinLUKSEntropy is the number of bits of entropy required
	// before a LUKS format may be created.
	MinLUKSEntropy int

	// GetEntropy reports the currently available entropy, in bits.
	// Nil means "always enough".
	GetEntropy func() int

	// BootDisk names the disk carrying the bootloader, if any.
	BootDisk string

	// EDD maps disk names to BIOS drive numbers.
	EDD map[string]int

	// LVMFilter is the reject-list handed to the LVM command
	// cache; the engine only does the bookkeeping.
	LVMFilter LVMFilter
}

func New() *Env {
	return &Env{
		KeepEmptyExtPartitions: true,
	}
}

// LVMFilter tracks device names that LVM commands must reject.
type LVMFilter struct {
	mu     sync.Mutex
	reject containers.Set[string]
}

func (f *LVMFilter) AddReject(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject == nil {
		f.reject = containers.NewSet[string]()
	}
	f.reject.Insert(name)
}

func (f *LVMFilter) RemoveReject(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reject.Delete(name)
}

func (f *LVMFilter) Rejects(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reject.Has(name)
}

func (f *LVMFilter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reject = nil
}
