// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfschunkrecover

import (
	"bufio"
	"context"
	"fmt"
	"os"

	"git.lukeshu.com/go/lowmemjson"

	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs/btrfssum"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-recover-ng/lib/jsonutil"
	"git.lukeshu.com/btrfs-recover-ng/lib/streamio"
)

// scanDump is the on-disk shape of a serialized Caches snapshot. It
// lets --dump-scan capture the result of a full device scan so that
// --load-scan can replay cross-check and reconstruction against it
// without re-reading the devices.
type scanDump struct {
	Chunks      []chunkDump
	BlockGroups []blockGroupDump
	DevExtents  []devExtentDump
	Leaves      []leafDump

	Conflicts      []string
	DroppedMirrors int
}

type chunkDump struct {
	Key        btrfsprim.Key
	Chunk      jsonutil.Binary[btrfsitem.Chunk]
	Generation btrfs.Generation
}

type blockGroupDump struct {
	Key        btrfsprim.Key
	BG         jsonutil.Binary[btrfsitem.BlockGroup]
	Generation btrfs.Generation
}

type devExtentDump struct {
	Key        btrfsprim.Key
	DevExtent  jsonutil.Binary[btrfsitem.DevExtent]
	Generation btrfs.Generation
}

type leafDump struct {
	LAddr      btrfsvol.LogicalAddr
	Generation btrfs.Generation
	Checksum   btrfssum.CSum
	Mirrors    []LeafMirror
}

func (c *Caches) toDump() scanDump {
	dump := scanDump{
		Conflicts:      c.Conflicts,
		DroppedMirrors: c.DroppedMirrors,
	}
	for _, rec := range c.Chunks {
		dump.Chunks = append(dump.Chunks, chunkDump{
			Key:        rec.Key,
			Chunk:      jsonutil.Binary[btrfsitem.Chunk]{Val: rec.Chunk},
			Generation: rec.Generation,
		})
	}
	for _, rec := range c.BlockGroups {
		dump.BlockGroups = append(dump.BlockGroups, blockGroupDump{
			Key:        rec.Key,
			BG:         jsonutil.Binary[btrfsitem.BlockGroup]{Val: rec.BG},
			Generation: rec.Generation,
		})
	}
	for _, rec := range c.DevExtents {
		dump.DevExtents = append(dump.DevExtents, devExtentDump{
			Key:        rec.Key,
			DevExtent:  jsonutil.Binary[btrfsitem.DevExtent]{Val: rec.DevExtent},
			Generation: rec.Generation,
		})
	}
	for _, rec := range c.Leaves {
		dump.Leaves = append(dump.Leaves, leafDump{
			LAddr:      rec.LAddr,
			Generation: rec.Generation,
			Checksum:   rec.Checksum,
			Mirrors:    rec.Mirrors,
		})
	}
	return dump
}

func fromDump(dump scanDump) *Caches {
	c := NewCaches()
	c.Conflicts = dump.Conflicts
	c.DroppedMirrors = dump.DroppedMirrors
	for _, rec := range dump.Chunks {
		laddr := btrfsvol.LogicalAddr(rec.Key.Offset)
		c.Chunks[laddr] = &ChunkRecord{Key: rec.Key, Chunk: rec.Chunk.Val, Generation: rec.Generation}
	}
	for _, rec := range dump.BlockGroups {
		laddr := btrfsvol.LogicalAddr(rec.Key.ObjectID)
		c.BlockGroups[laddr] = &BlockGroupRecord{Key: rec.Key, BG: rec.BG.Val, Generation: rec.Generation}
	}
	for _, rec := range dump.DevExtents {
		dkey := DevExtentKey{DevID: btrfsvol.DeviceID(rec.Key.ObjectID), Offset: btrfsvol.PhysicalAddr(rec.Key.Offset)}
		c.DevExtents[dkey] = &DevExtentRecord{Key: rec.Key, DevExtent: rec.DevExtent.Val, Generation: rec.Generation}
	}
	for _, rec := range dump.Leaves {
		c.Leaves[rec.LAddr] = &LeafRecord{LAddr: rec.LAddr, Generation: rec.Generation, Checksum: rec.Checksum, Mirrors: rec.Mirrors}
	}
	return c
}

// DumpScan serializes caches to filename as JSON, for later replay via
// LoadScan.
func DumpScan(caches *Caches, filename string) (err error) {
	fh, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("dump scan: %w", err)
	}
	defer func() {
		if _err := fh.Close(); err == nil && _err != nil {
			err = _err
		}
	}()

	buffer := bufio.NewWriter(fh)
	defer func() {
		if _err := buffer.Flush(); err == nil && _err != nil {
			err = _err
		}
	}()

	cfg := lowmemjson.ReEncoder{
		Out:                   buffer,
		Indent:                "\t",
		ForceTrailingNewlines: true,
		CompactIfUnder:        120,
	}
	if err := lowmemjson.Encode(&cfg, caches.toDump()); err != nil {
		return fmt.Errorf("dump scan: %w", err)
	}
	return nil
}

// LoadScan deserializes a scan result previously written by DumpScan.
func LoadScan(ctx context.Context, filename string) (*Caches, error) {
	fh, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("load scan: %w", err)
	}
	scanner, err := streamio.NewRuneScanner(ctx, fh)
	if err != nil {
		_ = fh.Close()
		return nil, fmt.Errorf("load scan: %w", err)
	}
	defer func() { _ = scanner.Close() }()

	var dump scanDump
	if err := lowmemjson.DecodeThenEOF(scanner, &dump); err != nil {
		return nil, fmt.Errorf("load scan: %w", err)
	}
	return fromDump(dump), nil
}
