// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"os"

	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/blockplan/lib/blkplan"
	"git.lukeshu.com/blockplan/lib/blkplan/blkdev"
	"git.lukeshu.com/blockplan/lib/blkplan/blkunit"
	"git.lukeshu.com/blockplan/lib/textui"
)

func init() {
	subcommands = append(subcommands, subcommand{
		Command: cobra.Command{
			Use:   "plan",
			Short: "Allocate the requested partitions and print the ordered action plan",
			Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		},
		RunE: func(plan *blkplan.Plan, cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			if err := plan.Commit(ctx, nil, true); err != nil {
				return err
			}

			textui.Fprintf(os.Stdout, "planned actions:\n")
			for _, action := range plan.Actions().Actions() {
				textui.Fprintf(os.Stdout, "  %v\n", action)
			}

			textui.Fprintf(os.Stdout, "resulting layout:\n")
			for _, dev := range plan.Tree.Devices() {
				disk, ok := dev.(*blkdev.Disk)
				if !ok {
					continue
				}
				lbl := disk.DiskLabel()
				if lbl == nil || lbl.Table() == nil {
					continue
				}
				table := lbl.Table()
				textui.Fprintf(os.Stdout, "  %s: %v %s\n", disk.Name(), disk.Size(), table.Type)
				for _, part := range table.Partitions() {
					textui.Fprintf(os.Stdout, "    %s  %v  %d-%d  %v\n",
						blkdev.PartitionName(disk.Name(), part.Number()),
						part.Type,
						part.Geom.Start, part.Geom.End,
						blkunit.SectorCount(part.Geom.Length()).Size(table.SectorSize))
				}
				for _, free := range table.FreeSpaceRegions() {
					textui.Fprintf(os.Stdout, "    free  %d-%d  %v\n",
						free.Start, free.End,
						blkunit.SectorCount(free.Length()).Size(table.SectorSize))
				}
			}
			return nil
		},
	})
}
