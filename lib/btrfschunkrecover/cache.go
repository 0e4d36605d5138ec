// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfschunkrecover

import (
	"fmt"
	"reflect"

	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs/btrfssum"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs/btrfsvol"
)

// ChunkRecord is one CHUNK_ITEM found while scanning, keyed by its
// logical offset.
type ChunkRecord struct {
	Key        btrfsprim.Key
	Chunk      btrfsitem.Chunk
	Generation btrfs.Generation
}

// BlockGroupRecord is one BLOCK_GROUP_ITEM found while scanning, keyed
// by the logical start of the range it covers.
type BlockGroupRecord struct {
	Key        btrfsprim.Key
	BG         btrfsitem.BlockGroup
	Generation btrfs.Generation
}

// DevExtentKey identifies a DEV_EXTENT by the physical location it
// covers: the device and the starting offset on that device.
type DevExtentKey struct {
	DevID  btrfsvol.DeviceID
	Offset btrfsvol.PhysicalAddr
}

// DevExtentRecord is one DEV_EXTENT found while scanning.
type DevExtentRecord struct {
	Key        btrfsprim.Key
	DevExtent  btrfsitem.DevExtent
	Generation btrfs.Generation
}

// LeafMirror is one physical location at which a given logical leaf
// was found on disk.
type LeafMirror struct {
	Dev  btrfsvol.DeviceID
	Addr btrfsvol.PhysicalAddr
}

// LeafRecord tracks every place an accepted tree node (leaf or
// internal) was found for a given logical address, so that stripe
// ordering (§4.6) can cross-reference a logical leaf back to its
// physical stripe.
type LeafRecord struct {
	LAddr      btrfsvol.LogicalAddr
	Generation btrfs.Generation
	Checksum   btrfssum.CSum
	Mirrors    []LeafMirror
}

// Caches holds the four deduplicating, generation-keyed stores that
// accumulate while scanning devices: chunks, block-groups,
// device-extents, and extent-buffer (leaf) mirror locations. This is
// the Go equivalent of recover_control's cache_tree /
// block_group_tree / device_extent_tree / eb_cache.
//
// Caches is built and consumed by a single sequential scan; nothing
// here needs to be safe for concurrent access.
type Caches struct {
	Chunks      map[btrfsvol.LogicalAddr]*ChunkRecord
	BlockGroups map[btrfsvol.LogicalAddr]*BlockGroupRecord
	DevExtents  map[DevExtentKey]*DevExtentRecord
	Leaves      map[btrfsvol.LogicalAddr]*LeafRecord

	// Conflicts accumulates benign same-generation disagreements
	// (I3) for the end-of-run summary; they do not abort scanning.
	Conflicts []string

	// DroppedMirrors counts leaf mirrors seen beyond NumMirrors for
	// a single logical leaf, per the design notes: overflow is
	// logged and dropped, not grown into.
	DroppedMirrors int
}

func NewCaches() *Caches {
	return &Caches{
		Chunks:      make(map[btrfsvol.LogicalAddr]*ChunkRecord),
		BlockGroups: make(map[btrfsvol.LogicalAddr]*BlockGroupRecord),
		DevExtents:  make(map[DevExtentKey]*DevExtentRecord),
		Leaves:      make(map[btrfsvol.LogicalAddr]*LeafRecord),
	}
}

// generationDecision is the outcome of comparing a newly-found record
// against one already occupying its primary key, per §4.4's insertion
// procedure.
type generationDecision int

const (
	decisionReplace generationDecision = iota
	decisionDropNew
	decisionMergeSame
	decisionConflict
)

func decideGeneration(existingGen, newGen btrfs.Generation, identical bool) generationDecision {
	switch {
	case newGen > existingGen:
		return decisionReplace
	case newGen < existingGen:
		return decisionDropNew
	case identical:
		return decisionMergeSame
	default:
		return decisionConflict
	}
}

func (c *Caches) conflict(kind string, key any) {
	c.Conflicts = append(c.Conflicts, fmt.Sprintf("%s: conflicting records at key %v with equal generation", kind, key))
}

// InsertChunk applies the §4.4 insertion procedure for a CHUNK_ITEM
// found at key with the given owning node's generation.
func (c *Caches) InsertChunk(key btrfsprim.Key, chunk btrfsitem.Chunk, gen btrfs.Generation) {
	laddr := btrfsvol.LogicalAddr(key.Offset)
	existing, ok := c.Chunks[laddr]
	if !ok {
		c.Chunks[laddr] = &ChunkRecord{Key: key, Chunk: chunk, Generation: gen}
		return
	}
	switch decideGeneration(existing.Generation, gen, reflect.DeepEqual(existing.Chunk, chunk)) {
	case decisionReplace:
		c.Chunks[laddr] = &ChunkRecord{Key: key, Chunk: chunk, Generation: gen}
	case decisionConflict:
		c.conflict("chunk", laddr)
	}
}

// InsertBlockGroup applies the §4.4 insertion procedure for a
// BLOCK_GROUP_ITEM.
func (c *Caches) InsertBlockGroup(key btrfsprim.Key, bg btrfsitem.BlockGroup, gen btrfs.Generation) {
	laddr := btrfsvol.LogicalAddr(key.ObjectID)
	existing, ok := c.BlockGroups[laddr]
	if !ok {
		c.BlockGroups[laddr] = &BlockGroupRecord{Key: key, BG: bg, Generation: gen}
		return
	}
	switch decideGeneration(existing.Generation, gen, reflect.DeepEqual(existing.BG, bg)) {
	case decisionReplace:
		c.BlockGroups[laddr] = &BlockGroupRecord{Key: key, BG: bg, Generation: gen}
	case decisionConflict:
		c.conflict("block-group", laddr)
	}
}

// InsertDevExtent applies the §4.4 insertion procedure for a
// DEV_EXTENT.
func (c *Caches) InsertDevExtent(key btrfsprim.Key, devext btrfsitem.DevExtent, gen btrfs.Generation) {
	dkey := DevExtentKey{DevID: btrfsvol.DeviceID(key.ObjectID), Offset: btrfsvol.PhysicalAddr(key.Offset)}
	existing, ok := c.DevExtents[dkey]
	if !ok {
		c.DevExtents[dkey] = &DevExtentRecord{Key: key, DevExtent: devext, Generation: gen}
		return
	}
	switch decideGeneration(existing.Generation, gen, reflect.DeepEqual(existing.DevExtent, devext)) {
	case decisionReplace:
		c.DevExtents[dkey] = &DevExtentRecord{Key: key, DevExtent: devext, Generation: gen}
	case decisionConflict:
		c.conflict("device-extent", dkey)
	}
}

func (k DevExtentKey) String() string {
	return fmt.Sprintf("(devid=%v off=%v)", k.DevID, k.Offset)
}

// InsertLeaf applies the §4.4 insertion procedure for an accepted tree
// node (leaf or internal -- both are tracked, since internal-node
// mirror locations are just as useful for §4.6's stripe
// cross-referencing). Identity for extent-buffer records includes the
// embedded checksum, not just the generation.
func (c *Caches) InsertLeaf(laddr btrfsvol.LogicalAddr, gen btrfs.Generation, csum btrfssum.CSum, mirror LeafMirror) {
	existing, ok := c.Leaves[laddr]
	if !ok {
		c.Leaves[laddr] = &LeafRecord{LAddr: laddr, Generation: gen, Checksum: csum, Mirrors: []LeafMirror{mirror}}
		return
	}
	switch decideGeneration(existing.Generation, gen, existing.Checksum == csum) {
	case decisionReplace:
		c.Leaves[laddr] = &LeafRecord{LAddr: laddr, Generation: gen, Checksum: csum, Mirrors: []LeafMirror{mirror}}
	case decisionMergeSame:
		for _, m := range existing.Mirrors {
			if m == mirror {
				return
			}
		}
		if len(existing.Mirrors) >= btrfsvol.NumMirrors {
			c.DroppedMirrors++
			return
		}
		existing.Mirrors = append(existing.Mirrors, mirror)
	case decisionConflict:
		c.conflict("extent-buffer", laddr)
	}
}
