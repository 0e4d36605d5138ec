// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfschunkrecover

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs/btrfsvol"
)

// ReconstructOrphans implements §4.6: for every orphan block-group
// left over from the first cross-check pass, gather the orphan
// device-extents that claim to back it and try to synthesize a chunk
// record from them. devUUIDs supplies each device's UUID for the
// stripe array (by devid, as captured from that device's own
// superblock's dev_item).
func ReconstructOrphans(ctx context.Context, sb btrfs.Superblock, caches *Caches, first FirstPassResult, devUUIDs map[btrfsvol.DeviceID]btrfsprim.UUID) (good, unrepaired, bad []ReconciledChunk) {
	for _, bg := range first.OrphanBGs {
		laddr := btrfsvol.LogicalAddr(bg.Key.ObjectID)
		length := btrfsvol.AddrDelta(bg.Key.Offset)
		flags := bg.BG.Flags
		key := btrfsprim.Key{ObjectID: btrfsprim.FIRST_CHUNK_TREE_OBJECTID, ItemType: btrfsprim.CHUNK_ITEM_KEY, Offset: uint64(laddr)}

		reject := func(reason string) ReconciledChunk {
			return ReconciledChunk{Key: key, Status: ChunkBad, Reason: reason}
		}

		var matching []*DevExtentRecord
		for _, de := range first.OrphanDevExts {
			if de.DevExtent.ChunkOffset == laddr {
				matching = append(matching, de)
			}
		}
		n := len(matching)

		expected := btrfsvol.CalcNumStripes(flags)
		if expected != 0 && n != expected {
			dlog.Errorf(ctx, "chunk@%v: expected_num_stripes=%d, found %d orphan device-extents", laddr, expected, n)
			bad = append(bad, reject(fmt.Sprintf("expected_num_stripes=%d, N=%d", expected, n)))
			continue
		}
		if n == 0 {
			bad = append(bad, reject("no orphan device-extents reference this block-group"))
			continue
		}

		stripeLen, err := btrfsvol.CalcStripeLength(flags, length, n)
		if err != nil {
			bad = append(bad, reject(err.Error()))
			continue
		}
		lengthOK := true
		for _, de := range matching {
			if btrfsvol.AddrDelta(de.DevExtent.Length) != stripeLen {
				lengthOK = false
				break
			}
		}
		if !lengthOK {
			bad = append(bad, reject("device-extent length does not match computed stripe length (I5)"))
			continue
		}

		chunk := btrfsitem.Chunk{
			Head: btrfsitem.ChunkHeader{
				Size:           length,
				Owner:          btrfsprim.EXTENT_TREE_OBJECTID,
				StripeLen:      btrfsvol.StripeLen,
				Type:           flags,
				IOOptimalAlign: sb.SectorSize,
				IOOptimalWidth: sb.SectorSize,
				IOMinSize:      sb.SectorSize,
				SubStripes:     uint16(btrfsvol.CalcSubStripes(flags)),
			},
			Stripes: make([]btrfsitem.ChunkStripe, n),
		}

		stripeOf := func(de *DevExtentRecord) btrfsitem.ChunkStripe {
			devID := btrfsvol.DeviceID(de.Key.ObjectID)
			return btrfsitem.ChunkStripe{
				DeviceID:   devID,
				Offset:     btrfsvol.PhysicalAddr(de.Key.Offset),
				DeviceUUID: devUUIDs[devID],
			}
		}

		switch {
		case btrfsvol.IsOrderedLayout(flags) && flags.Has(btrfsvol.BLOCK_GROUP_METADATA):
			assigned := make([]bool, n)
			used := make(map[*DevExtentRecord]bool, n)
			subStripes := btrfsvol.CalcSubStripes(flags)
			conflict := false

			for _, leaf := range caches.Leaves {
				if leaf.LAddr < laddr || leaf.LAddr >= laddr.Add(length) {
					continue
				}
				offset := leaf.LAddr.Sub(laddr)
				idx, err := btrfsvol.StripeIndex(flags, offset, btrfsvol.AddrDelta(btrfsvol.StripeLen), n, subStripes)
				if err != nil {
					continue
				}
				var found *DevExtentRecord
				for _, de := range matching {
					devStart := btrfsvol.PhysicalAddr(de.Key.Offset)
					devEnd := devStart.Add(de.DevExtent.Length)
					for _, m := range leaf.Mirrors {
						if m.Dev == btrfsvol.DeviceID(de.Key.ObjectID) && m.Addr >= devStart && m.Addr < devEnd {
							found = de
							break
						}
					}
					if found != nil {
						break
					}
				}
				if found == nil {
					continue
				}
				if assigned[idx] {
					if !used[found] {
						conflict = true
					}
					continue
				}
				chunk.Stripes[idx] = stripeOf(found)
				assigned[idx] = true
				used[found] = true
			}

			if conflict {
				unrepaired = append(unrepaired, ReconciledChunk{
					Key: key, Chunk: chunk, Status: ChunkUnrepaired,
					Reason: "conflicting stripe assignments from extent-buffer mirrors; cannot reorder without parity",
				})
				continue
			}

			var leftover []*DevExtentRecord
			for _, de := range matching {
				if !used[de] {
					leftover = append(leftover, de)
				}
			}
			missing := false
			for i := range assigned {
				if assigned[i] {
					continue
				}
				if len(leftover) == 0 {
					missing = true
					break
				}
				chunk.Stripes[i] = stripeOf(leftover[0])
				leftover = leftover[1:]
				assigned[i] = true
			}
			if missing {
				bad = append(bad, reject("ordered layout demands a device-extent that does not exist"))
				continue
			}

		case btrfsvol.IsOrderedLayout(flags):
			// ordered layout under DATA: deferred to a post-mount
			// step not covered by this core.
			unrepaired = append(unrepaired, ReconciledChunk{
				Key: key, Chunk: chunk, Status: ChunkUnrepaired,
				Reason: "ordered-layout data chunk reconstruction is deferred to a post-mount step",
			})
			continue

		default:
			// unordered: single, DUP, RAID1, RAID1C3, RAID1C4
			for i, de := range matching {
				chunk.Stripes[i] = stripeOf(de)
			}
		}

		good = append(good, ReconciledChunk{Key: key, Chunk: chunk, Status: ChunkGood})
	}

	return good, unrepaired, bad
}
