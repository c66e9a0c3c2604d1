// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"os"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"git.lukeshu.com/blockplan/lib/blkplan"
	"git.lukeshu.com/blockplan/lib/blkplan/blkenv"
	"git.lukeshu.com/blockplan/lib/textui"
)

type logLevelFlag struct {
	logrus.Level
}

func (lvl *logLevelFlag) Type() string { return "loglevel" }
func (lvl *logLevelFlag) Set(str string) error {
	var err error
	lvl.Level, err = logrus.ParseLevel(str)
	return err
}

var _ pflag.Value = (*logLevelFlag)(nil)

type subcommand struct {
	cobra.Command
	RunE func(*blkplan.Plan, *cobra.Command, []string) error
}

var subcommands []subcommand

func loadEnv(configFlag string) (*blkenv.Env, error) {
	env := blkenv.New()
	if configFlag == "" {
		return env, nil
	}
	v := viper.New()
	v.SetConfigFile(configFlag)
	v.SetDefault("keep_empty_ext_partitions", true)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	env.InstallerMode = v.GetBool("installer_mode")
	env.KeepEmptyExtPartitions = v.GetBool("keep_empty_ext_partitions")
	env.GPTDiscoverablePartitions = v.GetBool("gpt_discoverable_partitions")
	env.MinLUKSEntropy = v.GetInt("min_luks_entropy")
	env.Arch = v.GetString("arch")
	env.BootDisk = v.GetString("boot_disk")
	return env, nil
}

func main() {
	logLevelFlag := logLevelFlag{
		Level: logrus.InfoLevel,
	}
	var topologyFlag string
	var configFlag string

	argparser := &cobra.Command{
		Use:   "blockplan {[flags]|SUBCOMMAND}",
		Short: "Plan declarative changes to a host's storage topology",

		Args: cliutil.WrapPositionalArgs(cliutil.OnlySubcommands),
		RunE: cliutil.RunSubcommands,

		SilenceErrors: true, // main() will handle this after .ExecuteContext() returns
		SilenceUsage:  true, // our FlagErrorFunc will handle it

		CompletionOptions: cobra.CompletionOptions{ //nolint:exhaustivestruct
			DisableDefaultCmd: true,
		},
	}
	argparser.SetFlagErrorFunc(cliutil.FlagErrorFunc)
	argparser.SetHelpTemplate(cliutil.HelpTemplate)
	argparser.PersistentFlags().Var(&logLevelFlag, "verbosity", "set the verbosity")
	argparser.PersistentFlags().StringVar(&topologyFlag, "topology", "", "load the starting device topology from JSON file `topology.json`")
	if err := argparser.MarkPersistentFlagFilename("topology"); err != nil {
		panic(err)
	}
	if err := argparser.MarkPersistentFlagRequired("topology"); err != nil {
		panic(err)
	}
	argparser.PersistentFlags().StringVar(&configFlag, "config", "", "load engine feature flags from `config` (any viper-readable format)")
	if err := argparser.MarkPersistentFlagFilename("config"); err != nil {
		panic(err)
	}

	for i := range subcommands {
		child := subcommands[i]
		cmd := child.Command
		runE := child.RunE
		cmd.RunE = func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := logrus.New()
			logger.SetLevel(logLevelFlag.Level)
			ctx = dlog.WithLogger(ctx, dlog.WrapLogrus(logger))

			grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
				EnableSignalHandling: true,
			})
			grp.Go("main", func(ctx context.Context) error {
				env, err := loadEnv(configFlag)
				if err != nil {
					return err
				}
				plan, err := loadTopology(env, topologyFlag)
				if err != nil {
					return err
				}
				cmd.SetContext(ctx)
				return runE(plan, cmd, args)
			})
			return grp.Wait()
		}
		argparser.AddCommand(&cmd)
	}

	if err := argparser.ExecuteContext(context.Background()); err != nil {
		textui.Fprintf(os.Stderr, "%v: error: %v\n", argparser.CommandPath(), err)
		os.Exit(1)
	}
}
