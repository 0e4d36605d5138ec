// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfschunkrecover_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfschunkrecover"
)

func devExtKey(devID btrfsvol.DeviceID, off btrfsvol.PhysicalAddr) btrfsprim.Key {
	return btrfsprim.Key{ObjectID: btrfsprim.ObjID(devID), ItemType: btrfsprim.DEV_EXTENT_KEY, Offset: uint64(off)}
}

func bgKey(laddr btrfsvol.LogicalAddr, length btrfsvol.AddrDelta) btrfsprim.Key {
	return btrfsprim.Key{ObjectID: btrfsprim.ObjID(laddr), ItemType: btrfsprim.BLOCK_GROUP_ITEM_KEY, Offset: uint64(length)}
}

// buildConsistentRAID1Chunk populates caches with a self-consistent
// two-stripe RAID1 chunk: one CHUNK_ITEM, its BLOCK_GROUP_ITEM, and
// both backing DEV_EXTENTs. Covers scenario S3's steady-state shape.
func buildConsistentRAID1Chunk(c *btrfschunkrecover.Caches, laddr btrfsvol.LogicalAddr, length btrfsvol.AddrDelta, gen btrfs.Generation) {
	flags := btrfsvol.BLOCK_GROUP_METADATA | btrfsvol.BLOCK_GROUP_RAID1
	chunk := btrfsitem.Chunk{
		Head: btrfsitem.ChunkHeader{Size: length, Type: flags},
		Stripes: []btrfsitem.ChunkStripe{
			{DeviceID: 1, Offset: 0x10000},
			{DeviceID: 2, Offset: 0x10000},
		},
	}
	c.InsertChunk(chunkKey(laddr), chunk, gen)
	c.InsertBlockGroup(bgKey(laddr, length), btrfsitem.BlockGroup{Flags: flags}, gen)
	c.InsertDevExtent(devExtKey(1, 0x10000), btrfsitem.DevExtent{ChunkOffset: laddr, Length: length}, gen)
	c.InsertDevExtent(devExtKey(2, 0x10000), btrfsitem.DevExtent{ChunkOffset: laddr, Length: length}, gen)
}

func TestCrossCheckFirstPassAcceptsConsistentChunk(t *testing.T) {
	c := btrfschunkrecover.NewCaches()
	buildConsistentRAID1Chunk(c, 0x100000, 0x400000, 9)

	result := btrfschunkrecover.CrossCheckFirstPass(c)

	require.Len(t, result.Good, 1)
	assert.Empty(t, result.Bad)
	assert.Empty(t, result.OrphanBGs)
	assert.Empty(t, result.OrphanDevExts)
}

// TestCrossCheckFirstPassMissingBlockGroup covers I2: a chunk whose
// block-group never showed up is bad, and its device-extents become
// orphans for reconstruction.
func TestCrossCheckFirstPassMissingBlockGroup(t *testing.T) {
	c := btrfschunkrecover.NewCaches()
	laddr := btrfsvol.LogicalAddr(0x100000)
	length := btrfsvol.AddrDelta(0x400000)
	flags := btrfsvol.BLOCK_GROUP_METADATA | btrfsvol.BLOCK_GROUP_RAID1
	chunk := btrfsitem.Chunk{
		Head: btrfsitem.ChunkHeader{Size: length, Type: flags},
		Stripes: []btrfsitem.ChunkStripe{
			{DeviceID: 1, Offset: 0x10000},
			{DeviceID: 2, Offset: 0x10000},
		},
	}
	c.InsertChunk(chunkKey(laddr), chunk, 9)
	c.InsertDevExtent(devExtKey(1, 0x10000), btrfsitem.DevExtent{ChunkOffset: laddr, Length: length}, 9)
	c.InsertDevExtent(devExtKey(2, 0x10000), btrfsitem.DevExtent{ChunkOffset: laddr, Length: length}, 9)

	result := btrfschunkrecover.CrossCheckFirstPass(c)

	assert.Empty(t, result.Good)
	require.Len(t, result.Bad, 1)
	assert.Len(t, result.OrphanDevExts, 2)
}

// TestCrossCheckFirstPassWrongStripeCount covers I1: a RAID1 chunk
// missing one of its two device-extents is bad (this is scenario S5's
// "invalid RAID1 combination" shape seen from the chunk-tree side).
func TestCrossCheckFirstPassWrongStripeCount(t *testing.T) {
	c := btrfschunkrecover.NewCaches()
	laddr := btrfsvol.LogicalAddr(0x100000)
	length := btrfsvol.AddrDelta(0x400000)
	flags := btrfsvol.BLOCK_GROUP_METADATA | btrfsvol.BLOCK_GROUP_RAID1
	chunk := btrfsitem.Chunk{
		Head: btrfsitem.ChunkHeader{Size: length, Type: flags},
		Stripes: []btrfsitem.ChunkStripe{
			{DeviceID: 1, Offset: 0x10000},
			{DeviceID: 2, Offset: 0x10000},
		},
	}
	c.InsertChunk(chunkKey(laddr), chunk, 9)
	c.InsertBlockGroup(bgKey(laddr, length), btrfsitem.BlockGroup{Flags: flags}, 9)
	c.InsertDevExtent(devExtKey(1, 0x10000), btrfsitem.DevExtent{ChunkOffset: laddr, Length: length}, 9)

	result := btrfschunkrecover.CrossCheckFirstPass(c)

	assert.Empty(t, result.Good)
	require.Len(t, result.Bad, 1)
	require.Len(t, result.OrphanDevExts, 1)
}
