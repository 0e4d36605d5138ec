// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfschunkrecover_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfschunkrecover"
)

func orphanBG(laddr btrfsvol.LogicalAddr, length btrfsvol.AddrDelta, flags btrfsvol.BlockGroupFlags) *btrfschunkrecover.BlockGroupRecord {
	return &btrfschunkrecover.BlockGroupRecord{
		Key: bgKey(laddr, length),
		BG:  btrfsitem.BlockGroup{Flags: flags},
	}
}

func orphanDevExt(devID btrfsvol.DeviceID, off btrfsvol.PhysicalAddr, chunkOffset btrfsvol.LogicalAddr, length btrfsvol.AddrDelta) *btrfschunkrecover.DevExtentRecord {
	return &btrfschunkrecover.DevExtentRecord{
		Key:       devExtKey(devID, off),
		DevExtent: btrfsitem.DevExtent{ChunkOffset: chunkOffset, Length: length},
	}
}

var testDevUUIDs = map[btrfsvol.DeviceID]btrfsprim.UUID{
	1: {0x01},
	2: {0x02},
}

// TestReconstructRAID1 covers scenario S3: a RAID1 block-group with
// both its device-extents present reconstructs cleanly.
func TestReconstructRAID1(t *testing.T) {
	laddr := btrfsvol.LogicalAddr(0x100000)
	length := btrfsvol.AddrDelta(0x400000)
	flags := btrfsvol.BLOCK_GROUP_METADATA | btrfsvol.BLOCK_GROUP_RAID1

	first := btrfschunkrecover.FirstPassResult{
		OrphanBGs: []*btrfschunkrecover.BlockGroupRecord{orphanBG(laddr, length, flags)},
		OrphanDevExts: []*btrfschunkrecover.DevExtentRecord{
			orphanDevExt(1, 0x10000, laddr, length),
			orphanDevExt(2, 0x10000, laddr, length),
		},
	}

	good, unrepaired, bad := btrfschunkrecover.ReconstructOrphans(context.Background(), btrfs.Superblock{SectorSize: 4096}, btrfschunkrecover.NewCaches(), first, testDevUUIDs)

	assert.Empty(t, unrepaired)
	assert.Empty(t, bad)
	require.Len(t, good, 1)
	assert.Len(t, good[0].Chunk.Stripes, 2)
}

// TestReconstructRAID0 covers a RAID0 DATA block-group: even with both
// device-extents present, no chunk is synthesized for it; it is
// reported as unrepaired rather than placed in list order.
func TestReconstructRAID0(t *testing.T) {
	laddr := btrfsvol.LogicalAddr(0x100000)
	length := btrfsvol.AddrDelta(0x400000)
	flags := btrfsvol.BLOCK_GROUP_DATA | btrfsvol.BLOCK_GROUP_RAID0

	first := btrfschunkrecover.FirstPassResult{
		OrphanBGs: []*btrfschunkrecover.BlockGroupRecord{orphanBG(laddr, length, flags)},
		OrphanDevExts: []*btrfschunkrecover.DevExtentRecord{
			orphanDevExt(1, 0x10000, laddr, length/2),
			orphanDevExt(2, 0x10000, laddr, length/2),
		},
	}

	// RAID0 is an ordered layout, but only for METADATA does this
	// package attempt stripe resolution from extent-buffer mirrors;
	// DATA under an ordered layout is deferred per the "do not
	// guess" rule.
	good, unrepaired, bad := btrfschunkrecover.ReconstructOrphans(context.Background(), btrfs.Superblock{SectorSize: 4096}, btrfschunkrecover.NewCaches(), first, testDevUUIDs)

	assert.Empty(t, good)
	assert.Empty(t, bad)
	require.Len(t, unrepaired, 1)
}

// TestReconstructInvalidRAID1Combination covers scenario S5: a RAID1
// block-group with only one surviving device-extent can't satisfy
// I1's exact stripe count and is rejected rather than guessed at.
func TestReconstructInvalidRAID1Combination(t *testing.T) {
	laddr := btrfsvol.LogicalAddr(0x100000)
	length := btrfsvol.AddrDelta(0x400000)
	flags := btrfsvol.BLOCK_GROUP_METADATA | btrfsvol.BLOCK_GROUP_RAID1

	first := btrfschunkrecover.FirstPassResult{
		OrphanBGs: []*btrfschunkrecover.BlockGroupRecord{orphanBG(laddr, length, flags)},
		OrphanDevExts: []*btrfschunkrecover.DevExtentRecord{
			orphanDevExt(1, 0x10000, laddr, length),
		},
	}

	good, unrepaired, bad := btrfschunkrecover.ReconstructOrphans(context.Background(), btrfs.Superblock{SectorSize: 4096}, btrfschunkrecover.NewCaches(), first, testDevUUIDs)

	assert.Empty(t, good)
	assert.Empty(t, unrepaired)
	require.Len(t, bad, 1)
	assert.Contains(t, bad[0].Reason, "expected_num_stripes")
}

// TestReconstructMetadataRAID0UsesExtentBufferMirrors covers the
// ordered-layout METADATA path: a RAID0 metadata block-group whose two
// halves are each anchored by a leaf recorded at a known physical
// mirror resolves into the stripe slots that StripeIndex demands.
func TestReconstructMetadataRAID0UsesExtentBufferMirrors(t *testing.T) {
	laddr := btrfsvol.LogicalAddr(0)
	length := btrfsvol.AddrDelta(2 * btrfsvol.StripeLen)
	flags := btrfsvol.BLOCK_GROUP_METADATA | btrfsvol.BLOCK_GROUP_RAID0

	first := btrfschunkrecover.FirstPassResult{
		OrphanBGs: []*btrfschunkrecover.BlockGroupRecord{orphanBG(laddr, length, flags)},
		OrphanDevExts: []*btrfschunkrecover.DevExtentRecord{
			orphanDevExt(1, 0x10000, laddr, btrfsvol.AddrDelta(btrfsvol.StripeLen)),
			orphanDevExt(2, 0x20000, laddr, btrfsvol.AddrDelta(btrfsvol.StripeLen)),
		},
	}

	caches := btrfschunkrecover.NewCaches()
	// stripe 0 covers [0, StripeLen) and lives on dev 1 at 0x10000;
	// stripe 1 covers [StripeLen, 2*StripeLen) and lives on dev 2 at
	// 0x20000.
	caches.InsertLeaf(laddr, 1, [32]byte{1}, btrfschunkrecover.LeafMirror{Dev: 1, Addr: 0x10000})
	caches.InsertLeaf(laddr.Add(btrfsvol.AddrDelta(btrfsvol.StripeLen)), 1, [32]byte{2}, btrfschunkrecover.LeafMirror{Dev: 2, Addr: 0x20000})

	good, unrepaired, bad := btrfschunkrecover.ReconstructOrphans(context.Background(), btrfs.Superblock{SectorSize: 4096}, caches, first, testDevUUIDs)

	assert.Empty(t, unrepaired)
	assert.Empty(t, bad)
	require.Len(t, good, 1)
	require.Len(t, good[0].Chunk.Stripes, 2)
	assert.Equal(t, btrfsvol.DeviceID(1), good[0].Chunk.Stripes[0].DeviceID)
	assert.Equal(t, btrfsvol.DeviceID(2), good[0].Chunk.Stripes[1].DeviceID)
}
