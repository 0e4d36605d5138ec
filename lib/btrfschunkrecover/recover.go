// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfschunkrecover

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs/btrfsvol"
)

// Recover runs the whole chunk-tree recovery pipeline (§4) over devs:
// scan every device for surviving tree leaves, cross-check the
// records against each other, synthesize chunks for orphaned
// block-groups and device-extents, re-validate against the on-disk
// device/extent trees, and -- once confirm approves -- write a fresh
// chunk tree and superblocks.
//
// sb is the canonical superblock already elected by btrfssuper.Recover
// (§4.2); chunk-tree recovery never re-derives it.
func Recover(ctx context.Context, fs *btrfs.FS, sb btrfs.Superblock, confirm ConfirmFunc) (Report, error) {
	devs := fs.LV.PhysicalVolumes()
	if len(devs) == 0 {
		return Report{}, fmt.Errorf("chunk-tree recovery: no devices")
	}

	devUUIDs := make(map[btrfsvol.DeviceID]btrfsprim.UUID, len(devs))
	for id, dev := range devs {
		devSB, err := dev.Superblock()
		if err != nil {
			return Report{}, fmt.Errorf("chunk-tree recovery: device id=%v: %w", id, err)
		}
		devUUIDs[id] = devSB.DevItem.DevUUID
	}

	dlog.Infof(ctx, "chunk-tree recovery: scanning %d device(s)", len(devs))
	caches, err := Scan(ctx, devs, sb)
	if err != nil {
		return Report{}, fmt.Errorf("chunk-tree recovery: scan: %w", err)
	}

	first := CrossCheckFirstPass(caches)
	dlog.Infof(ctx, "chunk-tree recovery: first pass: %d good, %d bad, %d orphan block-group(s), %d orphan device-extent(s)",
		len(first.Good), len(first.Bad), len(first.OrphanBGs), len(first.OrphanDevExts))

	good, unrepaired, bad := ReconstructOrphans(ctx, sb, caches, first, devUUIDs)
	dlog.Infof(ctx, "chunk-tree recovery: reconstruction: %d synthesized, %d unrepaired, %d rejected",
		len(good), len(unrepaired), len(bad))
	for _, rc := range unrepaired {
		dlog.Errorf(ctx, "chunk@%v: left unrepaired: %s", rc.laddr(), rc.Reason)
	}
	for _, rc := range bad {
		dlog.Errorf(ctx, "chunk@%v: rejected: %s", rc.laddr(), rc.Reason)
	}

	candidates := append(append([]ReconciledChunk(nil), first.Good...), good...)
	if len(candidates) == 0 {
		return Report{}, fmt.Errorf("chunk-tree recovery: no usable chunk records after reconstruction")
	}

	return BuildChunkTree(ctx, fs, sb, candidates, confirm)
}
