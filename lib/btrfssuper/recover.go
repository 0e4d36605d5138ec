// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfssuper

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-recover-ng/lib/diskio"
)

// Control owns the state of one superblock-recovery run across every
// device of a filesystem.
type Control struct {
	Devices []*DeviceRecord

	// MaxGeneration is the highest generation seen among all good
	// mirrors on all devices.
	MaxGeneration btrfs.Generation

	// RecoverSuper is the elected canonical superblock: the first
	// encountered good mirror whose generation equals
	// MaxGeneration.
	RecoverSuper *btrfs.Superblock

	RecoverFlag RecoverFlag
}

// Report summarizes the outcome of a Recover call for a caller that
// wants to print or log it without reaching into Control's internals.
type Report struct {
	Flag         RecoverFlag
	MaxGen       btrfs.Generation
	RewrittenAny bool
}

// readDevSupers reads each of the fixed-offset superblock mirrors on
// dev, classifying each as good or bad, and folds the device's good
// mirrors into the running global-maximum generation.
func readDevSupers(ctrl *Control, dev *btrfs.Device) error {
	record := &DeviceRecord{
		Dev:  dev,
		Name: dev.Name(),
	}
	ctrl.Devices = append(ctrl.Devices, record)

	for _, bytenr := range btrfs.SuperblockAddrs {
		ref := diskio.Ref[btrfsvol.PhysicalAddr, btrfs.Superblock]{
			File: dev,
			Addr: bytenr,
		}
		if err := ref.Read(); err != nil {
			return fmt.Errorf("%s: reading superblock at %v: %w", record.Name, bytenr, err)
		}

		rec := SuperblockRecord{SB: ref.Data, Bytenr: bytenr}
		if ref.Data.IsValidAt(bytenr) {
			record.GoodSupers = append(record.GoodSupers, rec)
			if ref.Data.Generation > record.MaxGeneration {
				record.MaxGeneration = ref.Data.Generation
			}
			if ref.Data.Generation > ctrl.MaxGeneration {
				ctrl.MaxGeneration = ref.Data.Generation
			}
		} else {
			record.BadSupers = append(record.BadSupers, rec)
		}
	}
	return nil
}

// updateReadResult demotes any mirror whose generation is below its
// own device's maximum into that device's bad list -- it is stale even
// though it checksums fine -- and elects the first mirror anywhere
// whose generation equals the global maximum as the recovery source.
func updateReadResult(ctrl *Control) {
	for _, record := range ctrl.Devices {
		var stillGood []SuperblockRecord
		for _, rec := range record.GoodSupers {
			if rec.SB.Generation < record.MaxGeneration {
				record.BadSupers = append(record.BadSupers, rec)
				continue
			}
			stillGood = append(stillGood, rec)
			if rec.SB.Generation == ctrl.MaxGeneration && ctrl.RecoverSuper == nil {
				sb := rec.SB
				ctrl.RecoverSuper = &sb
			}
		}
		record.GoodSupers = stillGood
	}
}

// correctBadSuper rewrites one mirror with the canonical superblock's
// content, fixing up only the self-referential bytenr and this
// device's own dev_item, then recomputes the checksum and writes the
// full fixed-size record back at bytenr.
func correctBadSuper(record *DeviceRecord, bytenr btrfsvol.PhysicalAddr, good btrfs.Superblock) error {
	bad := good
	bad.Self = bytenr
	bad.DevItem = record.devItem

	csum, err := bad.CalculateChecksum()
	if err != nil {
		return err
	}
	bad.Checksum = csum

	ref := diskio.Ref[btrfsvol.PhysicalAddr, btrfs.Superblock]{
		File: record.Dev,
		Addr: bytenr,
		Data: bad,
	}
	return ref.Write()
}

// classifyFailure reports whether a rewrite failure at bytenr is fatal
// (the primary mirror) or merely degraded (a backup mirror).
func classifyFailure(bytenr btrfsvol.PhysicalAddr) RecoverFlag {
	if bytenr == btrfs.SuperblockAddrs[0] {
		return RecoverFlagFatal
	}
	return RecoverFlagDegraded
}

// correctDiskBadSupers rewrites every mirror on record's device that
// doesn't already carry the canonical generation. Two passes, matching
// the source's ordering:
//
//  1. good supers. Walked in read order and capturing this device's
//     dev_item from the first one seen. updateReadResult already
//     demoted any mirror stale relative to this device's own max, so
//     every remaining good mirror shares one generation: either it
//     already equals the global max (nothing to do, and everything
//     after it is fine too) or the whole device is behind the rest of
//     the filesystem and every one of these checksum-valid-but-stale
//     mirrors needs rewriting.
//  2. bad supers (failed magic/bytenr/checksum outright, or demoted
//     above): always rewritten.
func correctDiskBadSupers(ctx context.Context, ctrl *Control, record *DeviceRecord) RecoverFlag {
	flag := RecoverFlagNone

	var stillGood []SuperblockRecord
	cutoff := len(record.GoodSupers)
	for i, rec := range record.GoodSupers {
		if !record.haveDevItem {
			record.devItem = rec.SB.DevItem
			record.haveDevItem = true
		}
		if rec.SB.Generation >= ctrl.MaxGeneration {
			cutoff = i
			break
		}
		if err := correctBadSuper(record, rec.Bytenr, *ctrl.RecoverSuper); err != nil {
			dlog.Errorf(ctx, "%s: failed to correct superblock at %v: %v", record.Name, rec.Bytenr, err)
			flag = flag.merge(classifyFailure(rec.Bytenr))
			stillGood = append(stillGood, rec)
			continue
		}
		stillGood = append(stillGood, SuperblockRecord{SB: *ctrl.RecoverSuper, Bytenr: rec.Bytenr})
		flag = flag.merge(RecoverFlagFixed)
	}
	stillGood = append(stillGood, record.GoodSupers[cutoff:]...)
	record.GoodSupers = stillGood

	if !record.haveDevItem {
		// No good superblock anywhere on this device: there is
		// nothing to stamp a rewritten mirror with, so skip the
		// device rather than crash (see the open question about
		// the source's unconditional BUG_ON here).
		dlog.Errorf(ctx, "%s: no good superblock found on this device; skipping", record.Name)
		return flag
	}

	var stillBad []SuperblockRecord
	for _, rec := range record.BadSupers {
		if err := correctBadSuper(record, rec.Bytenr, *ctrl.RecoverSuper); err != nil {
			dlog.Errorf(ctx, "%s: failed to correct superblock at %v: %v", record.Name, rec.Bytenr, err)
			flag = flag.merge(classifyFailure(rec.Bytenr))
			stillBad = append(stillBad, rec)
			continue
		}
		record.GoodSupers = append(record.GoodSupers, SuperblockRecord{SB: *ctrl.RecoverSuper, Bytenr: rec.Bytenr})
		flag = flag.merge(RecoverFlagFixed)
	}
	record.BadSupers = stillBad
	return flag
}

// Recover runs the full superblock-recovery pipeline over devs: read
// every mirror on every device, elect the canonical superblock, and
// rewrite every stale mirror in place.
func Recover(ctx context.Context, devs []*btrfs.Device) (Report, error) {
	ctrl := &Control{}

	for _, dev := range devs {
		if err := readDevSupers(ctrl, dev); err != nil {
			return Report{}, err
		}
	}
	updateReadResult(ctrl)

	if ctrl.RecoverSuper == nil {
		return Report{}, fmt.Errorf("no valid superblock found on any device")
	}

	for _, record := range ctrl.Devices {
		flag := correctDiskBadSupers(ctx, ctrl, record)
		ctrl.RecoverFlag = ctrl.RecoverFlag.merge(flag)
	}

	return Report{
		Flag:         ctrl.RecoverFlag,
		MaxGen:       ctrl.MaxGeneration,
		RewrittenAny: ctrl.RecoverFlag == RecoverFlagFixed || ctrl.RecoverFlag == RecoverFlagDegraded || ctrl.RecoverFlag == RecoverFlagFatal,
	}, nil
}
