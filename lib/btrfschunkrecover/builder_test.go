// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfschunkrecover_test

import (
	"context"
	"os"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/btrfs-recover-ng/lib/binstruct"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs/btrfssum"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfschunkrecover"
)

var spewConfig = func() *spew.ConfigState {
	cfg := spew.NewDefaultConfig()
	cfg.DisablePointerAddresses = true
	return cfg
}()

const (
	testChunkLAddr = btrfsvol.LogicalAddr(0x100000)
	testChunkPAddr = btrfsvol.PhysicalAddr(0x01_0000_0000)
	testChunkLen   = btrfsvol.AddrDelta(0x400000)
)

// writeLeaf marshals a single-leaf node carrying items and writes it
// to dev's raw physical storage at physAddr, as though it had survived
// on disk at logical address laddr all along.
func writeLeaf(t *testing.T, dev *btrfs.Device, sb btrfs.Superblock, physAddr btrfsvol.PhysicalAddr, laddr btrfsvol.LogicalAddr, owner btrfsprim.ObjID, items []btrfs.Item) {
	t.Helper()
	node := btrfs.Node{
		Size:         sb.NodeSize,
		ChecksumType: sb.ChecksumType,
		Head: btrfs.NodeHeader{
			MetadataUUID: sb.EffectiveMetadataUUID(),
			Addr:         laddr,
			Generation:   sb.Generation,
			Owner:        owner,
			Level:        0,
		},
		BodyLeaf: items,
	}
	csum, err := node.CalculateChecksum()
	require.NoError(t, err)
	node.Head.Checksum = csum

	buf, err := binstruct.Marshal(node)
	require.NoError(t, err)
	_, err = dev.WriteAt(buf, physAddr)
	require.NoError(t, err)
}

// buildSingleChunkFixture assembles a one-device filesystem with a
// single, self-consistent SYSTEM chunk, plus on-disk root/device/extent
// tree leaves describing it, so BuildChunkTree's second cross-check
// pass has real trees to validate against.
func buildSingleChunkFixture(t *testing.T) (*btrfs.FS, btrfs.Superblock, []btrfschunkrecover.ReconciledChunk) {
	t.Helper()

	f, err := os.CreateTemp(t.TempDir(), "btrfs-chunkrecover-dev-")
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	require.NoError(t, f.Truncate(int64(testChunkPAddr)+int64(testChunkLen)))

	dev := &btrfs.Device{File: f}

	var sb btrfs.Superblock
	sb.Magic = btrfs.SuperblockMagic
	sb.FSUUID = btrfs.UUID{0xaa}
	sb.SectorSize = 4096
	sb.NodeSize = 16384
	sb.ChecksumType = btrfssum.TYPE_CRC32
	sb.Generation = 10
	sb.DevItem.DevID = 1

	flags := btrfsvol.BLOCK_GROUP_SYSTEM
	chunk := btrfsitem.Chunk{
		Head: btrfsitem.ChunkHeader{Size: testChunkLen, Type: flags, StripeLen: btrfsvol.StripeLen, IOMinSize: sb.SectorSize},
		Stripes: []btrfsitem.ChunkStripe{
			{DeviceID: 1, Offset: testChunkPAddr, DeviceUUID: btrfsprim.UUID{0x01}},
		},
	}
	rc := btrfschunkrecover.ReconciledChunk{
		Key:    chunkKey(testChunkLAddr),
		Chunk:  chunk,
		Status: btrfschunkrecover.ChunkGood,
	}

	rootTreeAddr := testChunkLAddr
	devTreeAddr := testChunkLAddr.Add(btrfsvol.AddrDelta(sb.NodeSize))
	extentTreeAddr := testChunkLAddr.Add(btrfsvol.AddrDelta(2 * sb.NodeSize))
	physOf := func(laddr btrfsvol.LogicalAddr) btrfsvol.PhysicalAddr {
		return testChunkPAddr.Add(laddr.Sub(testChunkLAddr))
	}

	sb.RootTree = rootTreeAddr

	writeLeaf(t, dev, sb, physOf(rootTreeAddr), rootTreeAddr, btrfsprim.ROOT_TREE_OBJECTID, []btrfs.Item{
		{Key: btrfsprim.Key{ObjectID: btrfsprim.DEV_TREE_OBJECTID, ItemType: btrfsprim.ROOT_ITEM_KEY}, Body: btrfsitem.Root{ByteNr: devTreeAddr}},
		{Key: btrfsprim.Key{ObjectID: btrfsprim.EXTENT_TREE_OBJECTID, ItemType: btrfsprim.ROOT_ITEM_KEY}, Body: btrfsitem.Root{ByteNr: extentTreeAddr}},
	})
	writeLeaf(t, dev, sb, physOf(devTreeAddr), devTreeAddr, btrfsprim.DEV_TREE_OBJECTID, []btrfs.Item{
		{
			Key: btrfsprim.Key{ObjectID: btrfsprim.ObjID(1), ItemType: btrfsprim.DEV_EXTENT_KEY, Offset: uint64(testChunkPAddr)},
			Body: btrfsitem.DevExtent{
				ChunkTree:     btrfsprim.CHUNK_TREE_OBJECTID,
				ChunkObjectID: btrfsprim.FIRST_CHUNK_TREE_OBJECTID,
				ChunkOffset:   testChunkLAddr,
				Length:        testChunkLen,
			},
		},
	})
	writeLeaf(t, dev, sb, physOf(extentTreeAddr), extentTreeAddr, btrfsprim.EXTENT_TREE_OBJECTID, []btrfs.Item{
		{
			Key:  btrfsprim.Key{ObjectID: btrfsprim.ObjID(testChunkLAddr), ItemType: btrfsprim.BLOCK_GROUP_ITEM_KEY, Offset: uint64(testChunkLen)},
			Body: btrfsitem.BlockGroup{ChunkObjectID: btrfsprim.FIRST_CHUNK_TREE_OBJECTID, Flags: flags},
		},
	})

	csum, err := sb.CalculateChecksum()
	require.NoError(t, err)
	sb.Checksum = csum
	for _, bytenr := range btrfs.SuperblockAddrs {
		out := sb
		out.Self = bytenr
		csum, err := out.CalculateChecksum()
		require.NoError(t, err)
		out.Checksum = csum
		buf, err := binstruct.Marshal(out)
		require.NoError(t, err)
		_, err = dev.WriteAt(buf, bytenr)
		require.NoError(t, err)
	}

	fs := &btrfs.FS{}
	require.NoError(t, fs.AddDevice(dev))

	return fs, sb, []btrfschunkrecover.ReconciledChunk{rc}
}

// TestBuildChunkTreeUserAbort covers scenario S6: declining the
// confirmation prompt aborts the rebuild without writing anything.
func TestBuildChunkTreeUserAbort(t *testing.T) {
	fs, sb, goodChunks := buildSingleChunkFixture(t)

	_, err := btrfschunkrecover.BuildChunkTree(context.Background(), fs, sb, goodChunks, func(btrfschunkrecover.Plan) bool {
		return false
	})

	require.ErrorIs(t, err, btrfschunkrecover.ErrUserAborted)
}

// TestBuildChunkTreeConfirmsPlan covers the approval path up to (but
// not including) the actual tree write: the plan handed to confirm
// reflects the one good chunk the fixture describes.
func TestBuildChunkTreeConfirmsPlan(t *testing.T) {
	fs, sb, goodChunks := buildSingleChunkFixture(t)

	var seenPlan btrfschunkrecover.Plan
	_, err := btrfschunkrecover.BuildChunkTree(context.Background(), fs, sb, goodChunks, func(p btrfschunkrecover.Plan) bool {
		seenPlan = p
		return false
	})

	require.ErrorIs(t, err, btrfschunkrecover.ErrUserAborted)
	if seenPlan.GoodChunks != 1 || seenPlan.DroppedChunks != 0 || len(seenPlan.Devices) != 1 || seenPlan.Devices[0] != 1 {
		t.Fatalf("unexpected plan:\n%s", spewConfig.Sdump(seenPlan))
	}
}
