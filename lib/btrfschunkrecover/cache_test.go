// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfschunkrecover_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs/btrfssum"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfschunkrecover"
)

func chunkKey(laddr btrfsvol.LogicalAddr) btrfsprim.Key {
	return btrfsprim.Key{ObjectID: btrfsprim.FIRST_CHUNK_TREE_OBJECTID, ItemType: btrfsprim.CHUNK_ITEM_KEY, Offset: uint64(laddr)}
}

func TestInsertChunkNewerReplacesOlder(t *testing.T) {
	c := btrfschunkrecover.NewCaches()
	key := chunkKey(100)

	c.InsertChunk(key, btrfsitem.Chunk{Head: btrfsitem.ChunkHeader{Size: 1}}, 5)
	c.InsertChunk(key, btrfsitem.Chunk{Head: btrfsitem.ChunkHeader{Size: 2}}, 10)

	got := c.Chunks[100]
	assert.Equal(t, btrfs.Generation(10), got.Generation)
	assert.Equal(t, btrfsvol.AddrDelta(2), got.Chunk.Head.Size)
}

func TestInsertChunkOlderDropped(t *testing.T) {
	c := btrfschunkrecover.NewCaches()
	key := chunkKey(100)

	c.InsertChunk(key, btrfsitem.Chunk{Head: btrfsitem.ChunkHeader{Size: 2}}, 10)
	c.InsertChunk(key, btrfsitem.Chunk{Head: btrfsitem.ChunkHeader{Size: 1}}, 5)

	got := c.Chunks[100]
	assert.Equal(t, btrfs.Generation(10), got.Generation)
	assert.Equal(t, btrfsvol.AddrDelta(2), got.Chunk.Head.Size)
}

// TestInsertChunkSameGenerationConflict covers I3: two different
// records at the same key and generation are a benign, logged
// conflict, not a crash.
func TestInsertChunkSameGenerationConflict(t *testing.T) {
	c := btrfschunkrecover.NewCaches()
	key := chunkKey(100)

	c.InsertChunk(key, btrfsitem.Chunk{Head: btrfsitem.ChunkHeader{Size: 1}}, 7)
	c.InsertChunk(key, btrfsitem.Chunk{Head: btrfsitem.ChunkHeader{Size: 2}}, 7)

	assert.Equal(t, btrfsvol.AddrDelta(1), c.Chunks[100].Chunk.Head.Size)
	assert.Len(t, c.Conflicts, 1)
}

// TestInsertChunkIdempotent covers P3: inserting the same record twice
// at the same generation is silent and has no side effects.
func TestInsertChunkIdempotent(t *testing.T) {
	c := btrfschunkrecover.NewCaches()
	key := chunkKey(100)
	chunk := btrfsitem.Chunk{Head: btrfsitem.ChunkHeader{Size: 42}}

	c.InsertChunk(key, chunk, 7)
	c.InsertChunk(key, chunk, 7)

	assert.Empty(t, c.Conflicts)
	assert.Equal(t, btrfsvol.AddrDelta(42), c.Chunks[100].Chunk.Head.Size)
}

func TestInsertLeafMergesMirrorsUpToCap(t *testing.T) {
	c := btrfschunkrecover.NewCaches()
	csum := btrfssum.CSum{1}

	for i := 0; i < btrfsvol.NumMirrors+2; i++ {
		c.InsertLeaf(200, 3, csum, btrfschunkrecover.LeafMirror{Dev: 1, Addr: btrfsvol.PhysicalAddr(i * 16384)})
	}

	rec := c.Leaves[200]
	assert.Len(t, rec.Mirrors, btrfsvol.NumMirrors)
	assert.Equal(t, 2, c.DroppedMirrors)
}

func TestInsertLeafDuplicateMirrorNotDoubleCounted(t *testing.T) {
	c := btrfschunkrecover.NewCaches()
	csum := btrfssum.CSum{2}
	mirror := btrfschunkrecover.LeafMirror{Dev: 1, Addr: 0}

	c.InsertLeaf(200, 3, csum, mirror)
	c.InsertLeaf(200, 3, csum, mirror)

	assert.Len(t, c.Leaves[200].Mirrors, 1)
	assert.Zero(t, c.DroppedMirrors)
}

func TestInsertDevExtentGenerationRules(t *testing.T) {
	c := btrfschunkrecover.NewCaches()
	key := btrfsprim.Key{ObjectID: 1, ItemType: btrfsprim.DEV_EXTENT_KEY, Offset: 0x1000}

	c.InsertDevExtent(key, btrfsitem.DevExtent{Length: 10}, 1)
	c.InsertDevExtent(key, btrfsitem.DevExtent{Length: 20}, 2)

	dkey := btrfschunkrecover.DevExtentKey{DevID: 1, Offset: 0x1000}
	assert.Equal(t, btrfsvol.AddrDelta(20), c.DevExtents[dkey].DevExtent.Length)
}
