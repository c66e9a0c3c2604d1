// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package blkdev

import (
	"context"

	"git.lukeshu.com/blockplan/lib/blkplan/blklabel"
)

// DiskLabel is the format a partition table places on a disk.  It
// carries the planned table plus a snapshot of the table as it is on
// disk, so the planned state can be thrown away or committed.
type DiskLabel struct {
	FormatBase
	table       *blklabel.Label
	orig        *blklabel.Label
	unsupported bool
}

type DiskLabelConfig struct {
	FormatConfig
	Table       *blklabel.Label
	Unsupported bool
}

func NewDiskLabel(cfg DiskLabelConfig) *DiskLabel {
	f := &DiskLabel{
		FormatBase:  newFormatBase(cfg.FormatConfig),
		table:       cfg.Table,
		unsupported: cfg.Unsupported,
	}
	if f.table != nil {
		f.orig = f.table.Clone()
	}
	return f
}

func (f *DiskLabel) Type() string     { return "disklabel" }
func (f *DiskLabel) Formattable() bool { return true }
func (f *DiskLabel) Supported() bool  { return !f.unsupported }

// Table returns the planned partition table.
func (f *DiskLabel) Table() *blklabel.Label { return f.table }

// OrigTable returns the partition table as of the last commit.
func (f *DiskLabel) OrigTable() *blklabel.Label { return f.orig }

// ResetPlanned throws away planned partition-table changes,
// restoring the on-disk state.
func (f *DiskLabel) ResetPlanned() {
	if f.table != nil && f.orig != nil {
		f.table.Restore(f.orig)
	}
}

// UpdateOriginal records the planned table as the new on-disk state.
// Called after a successful commit.
func (f *DiskLabel) UpdateOriginal() {
	if f.table != nil {
		f.orig = f.table.Clone()
	}
}

// CommitToDisk writes the planned table out to the disk.
func (f *DiskLabel) CommitToDisk(ctx context.Context) error {
	if f.table == nil {
		return nil
	}
	if err := f.table.Commit(); err != nil {
		return err
	}
	f.UpdateOriginal()
	return nil
}
