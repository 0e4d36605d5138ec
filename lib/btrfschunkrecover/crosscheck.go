// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfschunkrecover

import (
	"fmt"
	"sort"

	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfstree"
)

// ChunkStatus classifies a chunk record at the end of cross-checking.
type ChunkStatus int

const (
	ChunkGood ChunkStatus = iota
	ChunkBad
	ChunkUnrepaired
)

func (s ChunkStatus) String() string {
	switch s {
	case ChunkGood:
		return "good"
	case ChunkBad:
		return "bad"
	case ChunkUnrepaired:
		return "unrepaired"
	default:
		return "unknown"
	}
}

// ReconciledChunk is a chunk record after it has been checked against
// its block-group and device-extents (or, for synthesized chunks,
// after §4.6's reconstruction).
type ReconciledChunk struct {
	Key    btrfsprim.Key
	Chunk  btrfsitem.Chunk
	Status ChunkStatus
	Reason string
	// Dropped marks a bad chunk that is silently discarded rather
	// than reported, because it also lacks a metadata block-group
	// and is therefore an old, already-superseded chunk.
	Dropped bool
}

func (rc ReconciledChunk) laddr() btrfsvol.LogicalAddr {
	return btrfsvol.LogicalAddr(rc.Key.Offset)
}

// FirstPassResult is the outcome of §4.5's first cross-check pass.
type FirstPassResult struct {
	Good          []ReconciledChunk
	Bad           []ReconciledChunk
	OrphanBGs     []*BlockGroupRecord
	OrphanDevExts []*DevExtentRecord
}

// CrossCheckFirstPass implements §4.5's first pass: for every cached
// chunk, find its matching block-group (I2) and the device-extents
// backing each of its stripes (I1). Block-groups and device-extents
// not claimed by any good chunk are returned as orphans for §4.6.
func CrossCheckFirstPass(caches *Caches) FirstPassResult {
	var result FirstPassResult

	usedBG := make(map[btrfsvol.LogicalAddr]bool)
	usedDevExt := make(map[DevExtentKey]bool)

	devExtCountByChunk := make(map[btrfsvol.LogicalAddr]int)
	for _, de := range caches.DevExtents {
		devExtCountByChunk[de.DevExtent.ChunkOffset]++
	}

	chunkLaddrs := make([]btrfsvol.LogicalAddr, 0, len(caches.Chunks))
	for laddr := range caches.Chunks {
		chunkLaddrs = append(chunkLaddrs, laddr)
	}
	sort.Slice(chunkLaddrs, func(i, j int) bool { return chunkLaddrs[i] < chunkLaddrs[j] })

	for _, laddr := range chunkLaddrs {
		chunk := caches.Chunks[laddr]
		length := btrfsvol.AddrDelta(chunk.Chunk.Head.Size)
		numStripes := len(chunk.Chunk.Stripes)

		bad := func(reason string) {
			result.Bad = append(result.Bad, ReconciledChunk{Key: chunk.Key, Chunk: chunk.Chunk, Status: ChunkBad, Reason: reason})
		}

		bg, ok := caches.BlockGroups[laddr]
		if !ok {
			bad("no matching block-group (I2)")
			continue
		}
		if btrfsvol.AddrDelta(bg.Key.Offset) != length || bg.BG.Flags != chunk.Chunk.Head.Type {
			bad("block-group length or flags mismatch (I2)")
			continue
		}

		stripeLen, err := btrfsvol.CalcStripeLength(chunk.Chunk.Head.Type, length, numStripes)
		if err != nil {
			bad(fmt.Sprintf("cannot compute stripe length: %v", err))
			continue
		}

		if devExtCountByChunk[laddr] != numStripes {
			bad(fmt.Sprintf("device-extent count mismatch (I1): have %d, want %d", devExtCountByChunk[laddr], numStripes))
			continue
		}

		matched := make([]DevExtentKey, 0, numStripes)
		mismatch := ""
		for _, stripe := range chunk.Chunk.Stripes {
			dk := DevExtentKey{DevID: stripe.DeviceID, Offset: stripe.Offset}
			de, found := caches.DevExtents[dk]
			switch {
			case !found:
				mismatch = fmt.Sprintf("no device-extent at %v (I1)", dk)
			case de.DevExtent.ChunkOffset != laddr:
				mismatch = fmt.Sprintf("device-extent at %v backs a different chunk (I1)", dk)
			case btrfsvol.AddrDelta(de.DevExtent.Length) != stripeLen:
				mismatch = fmt.Sprintf("device-extent at %v has wrong length (I1, I5)", dk)
			}
			if mismatch != "" {
				break
			}
			matched = append(matched, dk)
		}
		if mismatch != "" {
			bad(mismatch)
			continue
		}

		result.Good = append(result.Good, ReconciledChunk{Key: chunk.Key, Chunk: chunk.Chunk, Status: ChunkGood})
		usedBG[laddr] = true
		for _, dk := range matched {
			usedDevExt[dk] = true
		}
	}

	bgLaddrs := make([]btrfsvol.LogicalAddr, 0, len(caches.BlockGroups))
	for laddr := range caches.BlockGroups {
		if !usedBG[laddr] {
			bgLaddrs = append(bgLaddrs, laddr)
		}
	}
	sort.Slice(bgLaddrs, func(i, j int) bool { return bgLaddrs[i] < bgLaddrs[j] })
	for _, laddr := range bgLaddrs {
		result.OrphanBGs = append(result.OrphanBGs, caches.BlockGroups[laddr])
	}

	devExtKeys := make([]DevExtentKey, 0, len(caches.DevExtents))
	for dk := range caches.DevExtents {
		if !usedDevExt[dk] {
			devExtKeys = append(devExtKeys, dk)
		}
	}
	sort.Slice(devExtKeys, func(i, j int) bool {
		if devExtKeys[i].DevID != devExtKeys[j].DevID {
			return devExtKeys[i].DevID < devExtKeys[j].DevID
		}
		return devExtKeys[i].Offset < devExtKeys[j].Offset
	})
	for _, dk := range devExtKeys {
		result.OrphanDevExts = append(result.OrphanDevExts, caches.DevExtents[dk])
	}

	return result
}

// findTreeRoot walks the root tree looking for the ROOT_ITEM
// belonging to treeID and returns the logical address of that tree's
// root node.
func findTreeRoot(reader btrfstree.Reader, rootTreeRoot btrfsvol.LogicalAddr, treeID btrfsprim.ObjID) (btrfsvol.LogicalAddr, error) {
	items, err := reader.Lookup(rootTreeRoot, btrfsprim.ROOT_TREE_OBJECTID, func(key btrfsprim.Key) bool {
		return key.ObjectID == treeID && key.ItemType == btrfsprim.ROOT_ITEM_KEY
	})
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, fmt.Errorf("no ROOT_ITEM for tree %v", treeID)
	}
	root, ok := items[len(items)-1].Body.(btrfsitem.Root)
	if !ok {
		return 0, fmt.Errorf("ROOT_ITEM for tree %v has wrong item type", treeID)
	}
	return root.ByteNr, nil
}

// SecondPassResult is the outcome of §4.5's second cross-check pass.
type SecondPassResult struct {
	Good    []ReconciledChunk
	Demoted []ReconciledChunk
}

// CrossCheckSecondPass re-validates every good chunk against the
// actual on-disk device-tree and extent-tree, once the filesystem has
// been opened through the tentatively-rebuilt map (§4.7 step 2). A
// chunk whose stripes don't resolve to matching DEV_EXTENT items, or
// whose range doesn't resolve to a matching BLOCK_GROUP_ITEM, is
// demoted to bad_chunks -- unless it also has no metadata block-group,
// in which case it is an old, already-dropped chunk and is silently
// discarded rather than reported.
func CrossCheckSecondPass(reader btrfstree.Reader, sb btrfs.Superblock, good []ReconciledChunk) (SecondPassResult, error) {
	var result SecondPassResult

	devTreeRoot, err := findTreeRoot(reader, sb.RootTree, btrfsprim.DEV_TREE_OBJECTID)
	if err != nil {
		return result, fmt.Errorf("cross-check: locate device tree: %w", err)
	}
	extentTreeRoot, err := findTreeRoot(reader, sb.RootTree, btrfsprim.EXTENT_TREE_OBJECTID)
	if err != nil {
		return result, fmt.Errorf("cross-check: locate extent tree: %w", err)
	}

	for _, rc := range good {
		laddr := rc.laddr()
		length := btrfsvol.AddrDelta(rc.Chunk.Head.Size)

		bgItems, err := reader.Lookup(extentTreeRoot, btrfsprim.EXTENT_TREE_OBJECTID, func(key btrfsprim.Key) bool {
			return key.ItemType == btrfsprim.BLOCK_GROUP_ITEM_KEY && btrfsvol.LogicalAddr(key.ObjectID) == laddr
		})
		if err != nil {
			return result, fmt.Errorf("cross-check: chunk@%v: look up block-group: %w", laddr, err)
		}
		haveBG := false
		for _, item := range bgItems {
			bg, ok := item.Body.(btrfsitem.BlockGroup)
			if ok && btrfsvol.AddrDelta(item.Key.Offset) == length && bg.Flags == rc.Chunk.Head.Type {
				haveBG = true
				break
			}
		}

		allStripesOK := true
		for _, stripe := range rc.Chunk.Stripes {
			devExtItems, err := reader.Lookup(devTreeRoot, btrfsprim.DEV_TREE_OBJECTID, func(key btrfsprim.Key) bool {
				return key.ItemType == btrfsprim.DEV_EXTENT_KEY &&
					btrfsvol.DeviceID(key.ObjectID) == stripe.DeviceID &&
					btrfsvol.PhysicalAddr(key.Offset) == stripe.Offset
			})
			if err != nil {
				return result, fmt.Errorf("cross-check: chunk@%v: look up device-extent: %w", laddr, err)
			}
			ok := false
			for _, item := range devExtItems {
				de, isDE := item.Body.(btrfsitem.DevExtent)
				if isDE && de.ChunkOffset == laddr {
					ok = true
					break
				}
			}
			if !ok {
				allStripesOK = false
				break
			}
		}

		if haveBG && allStripesOK {
			result.Good = append(result.Good, rc)
			continue
		}

		demoted := rc
		demoted.Status = ChunkBad
		demoted.Reason = "second-pass cross-check against device-tree/extent-tree failed"
		// A chunk with no block-group at all is an old,
		// already-dropped chunk rather than a real inconsistency.
		demoted.Dropped = !haveBG
		result.Demoted = append(result.Demoted, demoted)
	}

	return result, nil
}
