// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"os"

	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"

	"git.lukeshu.com/blockplan/lib/blkplan"
	"git.lukeshu.com/blockplan/lib/textui"
)

func init() {
	subcommands = append(subcommands, subcommand{
		Command: cobra.Command{
			Use:   "spew-tree",
			Short: "Spew the raw device tree, for debugging",
			Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		},
		RunE: func(plan *blkplan.Plan, cmd *cobra.Command, _ []string) error {
			spew := spew.NewDefaultConfig()
			spew.DisablePointerAddresses = true
			spew.DisableMethods = true

			for _, dev := range plan.Tree.Devices() {
				textui.Fprintf(os.Stdout, "%s = ", dev.Name())
				spew.Dump(dev)
				_, _ = os.Stdout.WriteString("\n")
			}
			return nil
		},
	})
}
