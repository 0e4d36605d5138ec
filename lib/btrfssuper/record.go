// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package btrfssuper reads every superblock mirror on every device of a
// filesystem, elects the mirror with the highest generation as
// canonical, and rewrites any mirror that disagrees with it.
package btrfssuper

import (
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs/btrfsvol"
)

// SuperblockRecord is one sample of a superblock mirror as read from
// disk, independent of whether it turned out to be good or bad.
type SuperblockRecord struct {
	SB     btrfs.Superblock
	Bytenr btrfsvol.PhysicalAddr
}

// DeviceRecord accumulates the superblock mirrors read from a single
// device, partitioned into good and bad as of the most recent call to
// updateReadResult.
type DeviceRecord struct {
	Dev  *btrfs.Device
	Name string

	GoodSupers []SuperblockRecord
	BadSupers  []SuperblockRecord

	// MaxGeneration is the highest generation among GoodSupers on
	// this device alone.
	MaxGeneration btrfs.Generation

	// devItem is the dev_item captured from the first good mirror
	// seen on this device; it is preserved across every rewrite so
	// that a mirror rewritten from another device's canonical
	// superblock still reports this device's own identity.
	devItem     btrfsitem.Dev
	haveDevItem bool
}

// RecoverFlag reports what, if anything, correctDiskBadSupers had to
// do to a device.
type RecoverFlag int

const (
	// RecoverFlagNone means every mirror already agreed with the
	// canonical generation; nothing was written.
	RecoverFlagNone RecoverFlag = iota
	// RecoverFlagFatal means the primary mirror (SuperblockAddrs[0],
	// at 64KiB) failed to rewrite.
	RecoverFlagFatal
	// RecoverFlagDegraded means a non-primary mirror failed to
	// rewrite, but the primary succeeded or was already good.
	RecoverFlagDegraded
	// RecoverFlagFixed means every bad mirror encountered was
	// rewritten successfully.
	RecoverFlagFixed
)

func (f RecoverFlag) String() string {
	switch f {
	case RecoverFlagNone:
		return "all superblocks are valid, no need to recover"
	case RecoverFlagFatal:
		return "some fatal superblocks failed to recover"
	case RecoverFlagDegraded:
		return "some backup superblocks failed to recover"
	case RecoverFlagFixed:
		return "recover all bad superblocks successfully"
	default:
		return "unknown recover result"
	}
}

// merge folds rhs into f the way the source accumulates recover_flag
// across multiple devices: a fatal or degraded result on any device
// sticks, a fixed result only shows once nothing worse has happened,
// and "none" never overrides what's already been recorded.
func (f RecoverFlag) merge(rhs RecoverFlag) RecoverFlag {
	switch {
	case f == RecoverFlagNone:
		return rhs
	case rhs == RecoverFlagNone:
		return f
	case f == RecoverFlagFatal || rhs == RecoverFlagFatal:
		return RecoverFlagFatal
	case f == RecoverFlagDegraded || rhs == RecoverFlagDegraded:
		return RecoverFlagDegraded
	default:
		return RecoverFlagFixed
	}
}
