// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Command super-recover reads every superblock mirror on one or more
// btrfs block devices, elects the mirror with the highest generation
// as canonical, and rewrites any mirror that disagrees with it.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfssuper"
	"git.lukeshu.com/btrfs-recover-ng/lib/linux"
	"git.lukeshu.com/btrfs-recover-ng/lib/textui"
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

func main() {
	logLevel := logLevelFlag{Level: logrus.InfoLevel}

	argparser := &cobra.Command{
		Use:   "super-recover DEVICE...",
		Short: "Recover the superblocks of a broken btrfs filesystem",
		Long: "" +
			"Reads every superblock mirror on each DEVICE, elects the\n" +
			"mirror with the highest generation as canonical, and\n" +
			"rewrites any mirror on any device that disagrees with it,\n" +
			"preserving each device's own dev_item identity.",

		Args: cliutil.WrapPositionalArgs(cobra.MinimumNArgs(1)),

		SilenceErrors: true,
		SilenceUsage:  true,

		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	argparser.SetFlagErrorFunc(cliutil.FlagErrorFunc)
	argparser.SetHelpTemplate(cliutil.HelpTemplate)
	argparser.Flags().VarP(&logLevel, "verbosity", "v", "set the logging verbosity")

	argparser.RunE = func(cmd *cobra.Command, args []string) error {
		logger := logrus.New()
		logger.SetLevel(logLevel.Level)
		ctx := dlog.WithLogger(cmd.Context(), dlog.WrapLogrus(logger))

		grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
			EnableSignalHandling: true,
		})
		var exitFlag int
		grp.Go("main", func(ctx context.Context) error {
			flag, err := recoverSuperblocks(ctx, args)
			exitFlag = flag
			return err
		})
		if err := grp.Wait(); err != nil {
			return err
		}
		if exitFlag != 0 {
			os.Exit(exitFlag)
		}
		return nil
	}

	if err := argparser.ExecuteContext(context.Background()); err != nil {
		textui.Fprintf(os.Stderr, "%v: error: %v\n", argparser.CommandPath(), err)
		os.Exit(1)
	}
}

// recoverSuperblocks opens every device, runs btrfssuper.Recover, and
// returns the process exit code the way the original's `!!ret`
// reports it: non-zero iff some mirror failed to rewrite, independent
// of whether anything needed fixing at all.
func recoverSuperblocks(ctx context.Context, paths []string) (exitFlag int, err error) {
	devs := make([]*btrfs.Device, 0, len(paths))
	defer func() {
		for _, dev := range devs {
			if _err := dev.Close(); err == nil && _err != nil {
				err = _err
			}
		}
	}()

	for _, path := range paths {
		mounted, mErr := linux.IsMounted(path)
		if mErr != nil {
			dlog.Errorf(ctx, "%s: could not check whether device is mounted: %v", path, mErr)
		} else if mounted {
			return 0, fmt.Errorf("%s: refusing to recover a mounted device", path)
		}

		fh, oErr := os.OpenFile(path, os.O_RDWR, 0)
		if oErr != nil {
			return 0, fmt.Errorf("open %s: %w", path, oErr)
		}
		devs = append(devs, &btrfs.Device{File: fh})
	}

	report, err := btrfssuper.Recover(ctx, devs)
	if err != nil {
		return 0, err
	}

	dlog.Infof(ctx, "result: %s (max generation seen: %v)", report.Flag, report.MaxGen)
	for _, dev := range devs {
		sb, sErr := dev.Superblock()
		if sErr != nil {
			continue
		}
		dlog.Infof(ctx, "%s: fsid=%s", dev.Name(), formatUUID(sb.FSUUID))
	}

	if report.Flag == btrfssuper.RecoverFlagFatal || report.Flag == btrfssuper.RecoverFlagDegraded {
		return 1, nil
	}
	return 0, nil
}

// formatUUID renders an on-disk UUID in its canonical RFC 4122 string
// form, going through google/uuid rather than the package's own
// minimal Stringer so that CLI/log output matches what every other
// btrfs tool (and a user pasting a UUID back in) expects.
func formatUUID(u [16]byte) string {
	return uuid.UUID(u).String()
}
