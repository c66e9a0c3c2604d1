// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"bufio"
	"os"

	"git.lukeshu.com/go/lowmemjson"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/blockplan/lib/blkplan"
	"git.lukeshu.com/blockplan/lib/blkplan/blkdev"
	"git.lukeshu.com/blockplan/lib/blkplan/blkunit"
	"git.lukeshu.com/blockplan/lib/containers"
)

type treeDumpDevice struct {
	ID       blkdev.ID
	Type     string
	Name     string
	Path     string
	UUID     string                 `json:",omitempty"`
	Size     blkunit.Size
	Exists   bool
	Parents  []blkdev.ID            `json:",omitempty"`
	Format   string                 `json:",omitempty"`
	Tags     containers.Set[string] `json:",omitempty"`
}

func init() {
	subcommands = append(subcommands, subcommand{
		Command: cobra.Command{
			Use:   "dump-tree",
			Short: "Dump the device tree as JSON",
			Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		},
		RunE: func(plan *blkplan.Plan, cmd *cobra.Command, _ []string) error {
			var dump []treeDumpDevice
			for _, dev := range plan.Tree.Devices() {
				entry := treeDumpDevice{
					ID:     dev.ID(),
					Type:   dev.Type(),
					Name:   dev.Name(),
					Path:   dev.Path(),
					UUID:   dev.UUID(),
					Size:   dev.Size(),
					Exists: dev.Exists(),
					Format: dev.Format().Type(),
					Tags:   dev.Tags(),
				}
				for _, parent := range dev.Parents() {
					entry.Parents = append(entry.Parents, parent.ID())
				}
				dump = append(dump, entry)
			}

			out := bufio.NewWriter(os.Stdout)
			defer out.Flush()
			return lowmemjson.Encode(&lowmemjson.ReEncoder{
				Out:    out,
				Indent: "\t",
			}, dump)
		},
	})
}
