// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfschunkrecover_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs/btrfssum"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfschunkrecover"
)

// TestDumpScanRoundTrip covers the --dump-scan/--load-scan debug path:
// a scan result written to disk and reloaded must carry the same
// records forward into cross-check/reconstruction.
func TestDumpScanRoundTrip(t *testing.T) {
	c := btrfschunkrecover.NewCaches()
	key := chunkKey(testChunkLAddr)
	c.InsertChunk(key, btrfsitem.Chunk{
		Head: btrfsitem.ChunkHeader{Size: testChunkLen, Type: btrfsvol.BLOCK_GROUP_SYSTEM},
		Stripes: []btrfsitem.ChunkStripe{
			{DeviceID: 1, Offset: testChunkPAddr, DeviceUUID: btrfsprim.UUID{0x01}},
		},
	}, 10)
	c.InsertLeaf(testChunkLAddr, 10, btrfssum.CSum{0xaa}, btrfschunkrecover.LeafMirror{Dev: 1, Addr: testChunkPAddr})

	path := filepath.Join(t.TempDir(), "scan.json")
	require.NoError(t, btrfschunkrecover.DumpScan(c, path))

	loaded, err := btrfschunkrecover.LoadScan(context.Background(), path)
	require.NoError(t, err)

	require.Contains(t, loaded.Chunks, testChunkLAddr)
	require.Equal(t, c.Chunks[testChunkLAddr].Chunk.Head.Size, loaded.Chunks[testChunkLAddr].Chunk.Head.Size)
	require.Contains(t, loaded.Leaves, testChunkLAddr)
	require.Equal(t, c.Leaves[testChunkLAddr].Checksum, loaded.Leaves[testChunkLAddr].Checksum)
}
