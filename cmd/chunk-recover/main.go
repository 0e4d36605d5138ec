// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Command chunk-recover scans one or more btrfs block devices for
// surviving chunk-tree records, cross-checks them against the
// device/extent trees, and writes a fresh chunk tree.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfschunkrecover"
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
	var assumeYes bool
	var dumpScanPath string
	var loadScanPath string

	argparser := &cobra.Command{
		Use:   "chunk-recover DEVICE...",
		Short: "Rebuild the chunk tree of a broken btrfs filesystem",
		Long: "" +
			"Scans every DEVICE for surviving chunk/block-group/dev-extent\n" +
			"records, cross-checks them against each other and against the\n" +
			"on-disk device and extent trees, and writes a fresh chunk tree.\n" +
			"\n" +
			"We are going to rebuild the chunk tree on disk; this may cause\n" +
			"corrupted data if something goes wrong.",

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
	argparser.Flags().BoolVarP(&assumeYes, "yes", "y", false, "don't prompt for confirmation before writing")
	argparser.Flags().StringVar(&dumpScanPath, "dump-scan", "", "write the scan-phase results to `file` as JSON and exit")
	argparser.Flags().StringVar(&loadScanPath, "load-scan", "", "replay scan-phase results previously written by --dump-scan instead of scanning devices")
	if err := argparser.MarkFlagFilename("dump-scan"); err != nil {
		panic(err)
	}
	if err := argparser.MarkFlagFilename("load-scan"); err != nil {
		panic(err)
	}

	argparser.RunE = func(cmd *cobra.Command, args []string) error {
		logger := logrus.New()
		logger.SetLevel(logLevel.Level)
		ctx := dlog.WithLogger(cmd.Context(), dlog.WrapLogrus(logger))

		grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
			EnableSignalHandling: true,
		})
		grp.Go("main", func(ctx context.Context) error {
			return runChunkRecover(ctx, args, chunkRecoverOptions{
				assumeYes:    assumeYes,
				dumpScanPath: dumpScanPath,
				loadScanPath: loadScanPath,
			})
		})
		return grp.Wait()
	}

	if err := argparser.ExecuteContext(context.Background()); err != nil {
		textui.Fprintf(os.Stderr, "%v: error: %v\n", argparser.CommandPath(), err)
		os.Exit(1)
	}
}

type chunkRecoverOptions struct {
	assumeYes    bool
	dumpScanPath string
	loadScanPath string
}

func runChunkRecover(ctx context.Context, paths []string, opts chunkRecoverOptions) (err error) {
	fs := &btrfs.FS{}
	defer func() {
		if _err := fs.Close(); err == nil && _err != nil {
			err = _err
		}
	}()

	for _, path := range paths {
		mounted, mErr := linux.IsMounted(path)
		if mErr != nil {
			dlog.Errorf(ctx, "%s: could not check whether device is mounted: %v", path, mErr)
		} else if mounted {
			return fmt.Errorf("%s: refusing to recover a mounted device", path)
		}

		fh, oErr := os.OpenFile(path, os.O_RDWR, 0)
		if oErr != nil {
			return fmt.Errorf("open %s: %w", path, oErr)
		}
		if aErr := fs.AddDevice(&btrfs.Device{File: fh}); aErr != nil {
			return fmt.Errorf("add device %s: %w", path, aErr)
		}
	}

	sbRef, err := fs.Superblock()
	if err != nil {
		return fmt.Errorf("read canonical superblock: %w", err)
	}
	sb := sbRef.Data
	dlog.Infof(ctx, "fsid=%s", formatUUID(sb.FSUUID))

	if opts.loadScanPath != "" {
		dlog.Infof(ctx, "loading scan results from %s instead of scanning devices", opts.loadScanPath)
		caches, lErr := btrfschunkrecover.LoadScan(ctx, opts.loadScanPath)
		if lErr != nil {
			return lErr
		}
		return finishChunkRecover(ctx, fs, sb, caches, opts)
	}

	devs := fs.LV.PhysicalVolumes()
	caches, err := btrfschunkrecover.Scan(ctx, devs, sb)
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}

	if opts.dumpScanPath != "" {
		dlog.Infof(ctx, "writing scan results to %s", opts.dumpScanPath)
		return btrfschunkrecover.DumpScan(caches, opts.dumpScanPath)
	}

	return finishChunkRecover(ctx, fs, sb, caches, opts)
}

// finishChunkRecover runs the rest of the pipeline (first cross-check,
// reconstruction, second cross-check, build) given already-populated
// caches -- the shared tail of both the normal scan path and
// --load-scan.
func finishChunkRecover(ctx context.Context, fs *btrfs.FS, sb btrfs.Superblock, caches *btrfschunkrecover.Caches, opts chunkRecoverOptions) error {
	first := btrfschunkrecover.CrossCheckFirstPass(caches)
	dlog.Infof(ctx, "first pass: %d good, %d bad, %d orphan block-group(s), %d orphan device-extent(s)",
		len(first.Good), len(first.Bad), len(first.OrphanBGs), len(first.OrphanDevExts))

	devUUIDs, err := deviceUUIDs(fs)
	if err != nil {
		return err
	}

	good, unrepaired, bad := btrfschunkrecover.ReconstructOrphans(ctx, sb, caches, first, devUUIDs)
	dlog.Infof(ctx, "reconstruction: %d synthesized, %d unrepaired, %d rejected", len(good), len(unrepaired), len(bad))
	for _, rc := range unrepaired {
		dlog.Errorf(ctx, "left unrepaired: %s", rc.Reason)
	}
	for _, rc := range bad {
		dlog.Errorf(ctx, "rejected: %s", rc.Reason)
	}

	candidates := append(append([]btrfschunkrecover.ReconciledChunk(nil), first.Good...), good...)
	if len(candidates) == 0 {
		return fmt.Errorf("no usable chunk records after reconstruction")
	}

	confirm := confirmFunc(opts.assumeYes)
	report, err := btrfschunkrecover.BuildChunkTree(ctx, fs, sb, candidates, confirm)
	if err != nil {
		return err
	}
	dlog.Infof(ctx, "chunk tree rebuilt at %v, generation %v (%d chunk(s), %d dropped, %d unrepaired)",
		report.ChunkTreeRoot, report.Generation, report.Plan.GoodChunks, report.Plan.DroppedChunks, report.Plan.UnrepairedChunks)
	return nil
}

// deviceUUIDs reads each member device's own dev_item UUID, the way
// btrfschunkrecover.Recover does, so ReconstructOrphans can stamp a
// synthesized chunk's stripes with the right device identity.
func deviceUUIDs(fs *btrfs.FS) (map[btrfsvol.DeviceID]btrfsprim.UUID, error) {
	devs := fs.LV.PhysicalVolumes()
	ret := make(map[btrfsvol.DeviceID]btrfsprim.UUID, len(devs))
	for id, dev := range devs {
		sb, err := dev.Superblock()
		if err != nil {
			return nil, fmt.Errorf("device id=%v: %w", id, err)
		}
		ret[id] = sb.DevItem.DevUUID
	}
	return ret, nil
}

// confirmFunc returns a btrfschunkrecover.ConfirmFunc that either
// always approves (assumeYes) or prompts on stdin/stdout with the
// original tool's wording.
func confirmFunc(assumeYes bool) btrfschunkrecover.ConfirmFunc {
	return func(plan btrfschunkrecover.Plan) bool {
		if assumeYes {
			return true
		}
		fmt.Printf("We are going to rebuild the chunk tree on disk, this may cause\n"+
			"corrupted data if something goes wrong, affecting %d device(s),\n"+
			"%d good chunk(s), %d dropped, %d unrepaired.\n"+
			"Are you sure? [y/N] ", len(plan.Devices), plan.GoodChunks, plan.DroppedChunks, plan.UnrepairedChunks)
		reader := bufio.NewReader(os.Stdin)
		line, _ := reader.ReadString('\n')
		answer := strings.ToLower(strings.TrimSpace(line))
		if answer != "y" && answer != "yes" {
			fmt.Println("Aborted to rebuild chunk tree records")
			return false
		}
		return true
	}
}

// formatUUID renders an on-disk UUID in its canonical RFC 4122 string
// form, going through google/uuid rather than the package's own
// minimal Stringer so that CLI/log output matches what every other
// btrfs tool (and a user pasting a UUID back in) expects.
func formatUUID(u [16]byte) string {
	return uuid.UUID(u).String()
}
