// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package blklabel models a partition table ("disklabel") on a disk:
// partition slots with numbering, free-region computation, alignment
// arithmetic, and the per-label-type maxima that the allocator has to
// respect.
package blklabel

import (
	"fmt"
	"sort"

	"git.lukeshu.com/blockplan/lib/blkplan/blkunit"
)

type Type string

const (
	MSDOS Type = "msdos"
	GPT   Type = "gpt"
	Mac   Type = "mac"
)

// PartType is a partition's role within the disklabel.
type PartType int

const (
	Normal PartType = iota
	Logical
	Extended
)

func (t PartType) String() string {
	switch t {
	case Normal:
		return "normal"
	case Logical:
		return "logical"
	case Extended:
		return "extended"
	default:
		return fmt.Sprintf("PartType(%d)", int(t))
	}
}

// Flag is a per-partition disklabel flag.
type Flag string

const (
	FlagBoot     Flag = "boot"
	FlagLBA      Flag = "lba"
	FlagRAID     Flag = "raid"
	FlagLVM      Flag = "lvm"
	FlagSwap     Flag = "swap"
	FlagESP      Flag = "esp"
	FlagBiosGrub Flag = "bios_grub"
	FlagPrep     Flag = "prep"
)

// AllFlags is every flag a partition may carry.
var AllFlags = []Flag{
	FlagBoot, FlagLBA, FlagRAID, FlagLVM, FlagSwap, FlagESP, FlagBiosGrub, FlagPrep,
}

// Partition is one slot in a disklabel.
type Partition struct {
	Type PartType
	Geom Geometry

	// System is the partition system type: an MBR type id string
	// for msdos, a partition type UUID for gpt.
	System string
	// TypeUUID is a gpt discoverable-partitions type UUID stamped
	// at creation time, when that behavior is enabled.
	TypeUUID string

	flags map[Flag]bool
	num   int
}

// Number returns the partition's number within its disklabel.
// Numbers change when slots are removed; see Label.RemovePartition.
func (p *Partition) Number() int { return p.num }

func (p *Partition) GetFlag(flag Flag) bool { return p.flags[flag] }

func (p *Partition) SetFlag(flag Flag) {
	if p.flags == nil {
		p.flags = make(map[Flag]bool)
	}
	p.flags[flag] = true
}

func (p *Partition) UnsetFlag(flag Flag) {
	delete(p.flags, flag)
}

func (p *Partition) String() string {
	return fmt.Sprintf("%v %d (%v)", p.Type, p.num, p.Geom)
}

// Label is an in-memory partition table.
type Label struct {
	Type       Type
	SectorSize blkunit.Size
	Sectors    int64

	// OnCommit, if set, is consulted by Commit; it is how the
	// busy-dependents condition surfaces as a CommitError.
	OnCommit func() error

	// Optimal and Minimal override the default alignments when
	// their Grain is non-zero.
	Optimal Alignment
	Minimal Alignment

	parts []*Partition
}

// CommitError is the failure mode of writing a disklabel to disk
// while the host holds dependent devices (LVM, MD) active on it.
type CommitError struct {
	Label *Label
	Err   error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("blklabel: disklabel commit failed: %v", e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

func New(typ Type, sectorSize blkunit.Size, sectors int64) *Label {
	return &Label{
		Type:       typ,
		SectorSize: sectorSize,
		Sectors:    sectors,
	}
}

// DataStart returns the first sector usable for partitions.
func (l *Label) DataStart() int64 {
	switch l.Type {
	case GPT:
		return 34
	default:
		return 1
	}
}

// DataEnd returns the last sector usable for partitions.
func (l *Label) DataEnd() int64 {
	switch l.Type {
	case GPT:
		return l.Sectors - 34
	default:
		return l.Sectors - 1
	}
}

func (l *Label) MaxPrimaryPartitionCount() int {
	switch l.Type {
	case MSDOS:
		return 4
	case Mac:
		return 62
	default:
		return 128
	}
}

func (l *Label) SupportsExtended() bool {
	return l.Type == MSDOS
}

// MaxPartitionStartSector returns the disklabel-specific maximum
// start sector for new partitions.
func (l *Label) MaxPartitionStartSector() int64 {
	if l.Type == MSDOS {
		// 32-bit LBA fields
		return 0xFFFFFFFF
	}
	return l.DataEnd()
}

// MaxPartitionLength returns the disklabel-specific maximum partition
// length in sectors, or 0 for no limit.
func (l *Label) MaxPartitionLength() int64 {
	if l.Type == MSDOS {
		return 0xFFFFFFFF
	}
	return 0
}

// GetAlignment returns the alignment to use for a partition of the
// given size.  When the size is smaller than the optimal grain the
// minimal alignment is used instead.
func (l *Label) GetAlignment(size blkunit.Size) Alignment {
	opt := l.optimalAlignment()
	if size > 0 && size < blkunit.SectorCount(opt.Grain).Size(l.SectorSize) {
		return l.minimalAlignment()
	}
	return opt
}

// GetEndAlignment returns the end-sector alignment corresponding to a
// start-sector alignment.
func (l *Label) GetEndAlignment(a Alignment) Alignment {
	return Alignment{Offset: a.Offset - 1, Grain: a.Grain}
}

func (l *Label) optimalAlignment() Alignment {
	if l.Optimal.Grain != 0 {
		return l.Optimal
	}
	return Alignment{Offset: 0, Grain: int64(blkunit.MiB / l.SectorSize)}
}

func (l *Label) minimalAlignment() Alignment {
	if l.Minimal.Grain != 0 {
		return l.Minimal
	}
	return l.optimalAlignment()
}

// GrainSize returns the optimal alignment grain, in sectors.
func (l *Label) GrainSize() int64 {
	return l.optimalAlignment().Grain
}

// Partitions returns every slot, ordered by start sector.
func (l *Label) Partitions() []*Partition {
	ret := make([]*Partition, len(l.parts))
	copy(ret, l.parts)
	return ret
}

func (l *Label) PrimaryPartitionCount() int {
	cnt := 0
	for _, p := range l.parts {
		if p.Type != Logical {
			cnt++
		}
	}
	return cnt
}

func (l *Label) ExtendedPartition() *Partition {
	for _, p := range l.parts {
		if p.Type == Extended {
			return p
		}
	}
	return nil
}

func (l *Label) LogicalPartitions() []*Partition {
	var ret []*Partition
	for _, p := range l.parts {
		if p.Type == Logical {
			ret = append(ret, p)
		}
	}
	return ret
}

func (l *Label) PartitionByNumber(num int) *Partition {
	for _, p := range l.parts {
		if p.num == num {
			return p
		}
	}
	return nil
}

// AddPartition inserts a slot with the exact geometry carried by
// part, enforcing the disklabel rules, and assigns its number.
func (l *Label) AddPartition(part *Partition) error {
	geom := part.Geom
	if geom.Length() <= 0 {
		return fmt.Errorf("blklabel: partition has non-positive length %v", geom)
	}
	if geom.Start < l.DataStart() || geom.End > l.DataEnd() {
		return fmt.Errorf("blklabel: partition %v outside of usable region %d-%d",
			geom, l.DataStart(), l.DataEnd())
	}

	ext := l.ExtendedPartition()
	switch part.Type {
	case Extended:
		if !l.SupportsExtended() {
			return fmt.Errorf("blklabel: disklabel type %q does not support extended partitions", l.Type)
		}
		if ext != nil {
			return fmt.Errorf("blklabel: disklabel already has an extended partition")
		}
		for _, p := range l.parts {
			if p.Geom.Overlaps(geom) {
				return fmt.Errorf("blklabel: partitions %v and %v overlap", p, geom)
			}
		}
	case Logical:
		if ext == nil {
			return fmt.Errorf("blklabel: no extended partition to hold logical partition")
		}
		if !ext.Geom.Contains(geom) {
			return fmt.Errorf("blklabel: logical partition %v not contained in extended %v", geom, ext.Geom)
		}
		for _, p := range l.LogicalPartitions() {
			if p.Geom.Overlaps(geom) {
				return fmt.Errorf("blklabel: partitions %v and %v overlap", p, geom)
			}
		}
	default:
		for _, p := range l.parts {
			if p.Geom.Overlaps(geom) {
				return fmt.Errorf("blklabel: partitions %v and %v overlap", p, geom)
			}
		}
	}

	if part.Type != Logical && l.PrimaryPartitionCount() >= l.MaxPrimaryPartitionCount() {
		return fmt.Errorf("blklabel: no primary partition slots left")
	}

	l.parts = append(l.parts, part)
	sort.Slice(l.parts, func(i, j int) bool {
		return l.parts[i].Geom.Start < l.parts[j].Geom.Start
	})
	l.renumber(part)
	return nil
}

// RemovePartition removes a slot.  Logical partitions with higher
// numbers are renumbered to fill the gap.
func (l *Label) RemovePartition(part *Partition) {
	for i, p := range l.parts {
		if p == part {
			l.parts = append(l.parts[:i], l.parts[i+1:]...)
			break
		}
	}
	l.renumber(nil)
}

func (l *Label) renumber(added *Partition) {
	switch l.Type {
	case MSDOS:
		// Primaries keep their numbers; a new primary takes the
		// lowest free slot in 1..4.
		if added != nil && added.Type != Logical {
			used := make(map[int]bool)
			for _, p := range l.parts {
				if p != added && p.Type != Logical {
					used[p.num] = true
				}
			}
			for n := 1; n <= l.MaxPrimaryPartitionCount(); n++ {
				if !used[n] {
					added.num = n
					break
				}
			}
		}
		// Logicals are numbered 5+ in start-sector order.
		num := l.MaxPrimaryPartitionCount() + 1
		for _, p := range l.parts {
			if p.Type == Logical {
				p.num = num
				num++
			}
		}
	default:
		if added != nil {
			used := make(map[int]bool)
			for _, p := range l.parts {
				if p != added {
					used[p.num] = true
				}
			}
			for n := 1; ; n++ {
				if !used[n] {
					added.num = n
					break
				}
			}
		}
	}
}

// FreeSpaceRegions returns the free regions on the disklabel, in
// ascending order.  Free space inside the extended partition is
// reported separately from free space outside it, so a region is
// usable either for logical partitions or for primaries, never both.
func (l *Label) FreeSpaceRegions() []Geometry {
	var occupied []Geometry
	for _, p := range l.parts {
		if p.Type == Logical {
			continue
		}
		occupied = append(occupied, p.Geom)
	}

	free := subtract(Geometry{Start: l.DataStart(), End: l.DataEnd()}, occupied)

	if ext := l.ExtendedPartition(); ext != nil {
		// One sector after the extended's start is reserved for
		// the first EBR.
		inner := Geometry{Start: ext.Geom.Start + 1, End: ext.Geom.End}
		if inner.Length() > 0 {
			var logicals []Geometry
			for _, p := range l.LogicalPartitions() {
				logicals = append(logicals, p.Geom)
			}
			free = append(free, subtract(inner, logicals)...)
		}
	}

	sort.Slice(free, func(i, j int) bool { return free[i].Start < free[j].Start })
	return free
}

func subtract(whole Geometry, used []Geometry) []Geometry {
	sorted := make([]Geometry, len(used))
	copy(sorted, used)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	var free []Geometry
	cur := whole.Start
	for _, g := range sorted {
		if g.End < whole.Start || g.Start > whole.End {
			continue
		}
		if g.Start > cur {
			free = append(free, Geometry{Start: cur, End: g.Start - 1})
		}
		if g.End+1 > cur {
			cur = g.End + 1
		}
	}
	if cur <= whole.End {
		free = append(free, Geometry{Start: cur, End: whole.End})
	}
	return free
}

// Commit writes the disklabel out to the disk.  The actual write is
// an external collaborator; Commit consults the OnCommit hook and
// wraps its failure as a CommitError.
func (l *Label) Commit() error {
	if l.OnCommit == nil {
		return nil
	}
	if err := l.OnCommit(); err != nil {
		return &CommitError{Label: l, Err: err}
	}
	return nil
}

// Clone returns a deep copy of the label.  The copy shares the
// OnCommit hook but none of the partition slots.
func (l *Label) Clone() *Label {
	dup := &Label{
		Type:       l.Type,
		SectorSize: l.SectorSize,
		Sectors:    l.Sectors,
		OnCommit:   l.OnCommit,
		Optimal:    l.Optimal,
		Minimal:    l.Minimal,
	}
	for _, p := range l.parts {
		pdup := &Partition{
			Type:     p.Type,
			Geom:     p.Geom,
			System:   p.System,
			TypeUUID: p.TypeUUID,
			num:      p.num,
		}
		if p.flags != nil {
			pdup.flags = make(map[Flag]bool, len(p.flags))
			for k, v := range p.flags {
				pdup.flags[k] = v
			}
		}
		dup.parts = append(dup.parts, pdup)
	}
	return dup
}

// Restore replaces the label's slots with those of other, which must
// describe the same disk.
func (l *Label) Restore(other *Label) {
	restored := other.Clone()
	l.parts = restored.parts
}
