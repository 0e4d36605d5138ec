// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfschunkrecover

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/btrfs-recover-ng/lib/binstruct"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfstree"
	"git.lukeshu.com/btrfs-recover-ng/lib/diskio"
)

// ErrUserAborted is returned when the caller-supplied ConfirmFunc
// declines to proceed with the rebuild (scenario S6).
var ErrUserAborted = errors.New("btrfschunkrecover: chunk-tree rebuild aborted by user")

// ErrUnrepairable marks a second-pass cross-check failure that isn't
// the benign already-dropped case -- an invariant this package relies
// on turned out not to hold, and guessing further would be unsafe.
var ErrUnrepairable = errors.New("btrfschunkrecover: chunk record failed second-pass cross-check")

// Plan summarizes what BuildChunkTree is about to write, for a caller
// to present to the user before it commits anything.
type Plan struct {
	Devices          []btrfsvol.DeviceID
	GoodChunks       int
	DroppedChunks    int
	UnrepairedChunks int
}

// ConfirmFunc is asked to approve a Plan before any write happens. A
// false return aborts the rebuild with ErrUserAborted.
type ConfirmFunc func(Plan) bool

// Report summarizes a completed chunk-tree rebuild.
type Report struct {
	Plan          Plan
	ChunkTreeRoot btrfsvol.LogicalAddr
	Generation    btrfs.Generation
}

// systemChunkAllocator hands out fresh node-sized logical addresses
// carved out of the free tail of an existing SYSTEM chunk, since a
// from-scratch chunk tree needs somewhere to live before it can
// describe its own storage.
type systemChunkAllocator struct {
	next btrfsvol.LogicalAddr
	end  btrfsvol.LogicalAddr
	step btrfsvol.LogicalAddr
}

func newSystemChunkAllocator(sb btrfs.Superblock, chunks []ReconciledChunk) (*systemChunkAllocator, error) {
	sorted := append([]ReconciledChunk(nil), chunks...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].laddr() < sorted[j].laddr() })

	for _, rc := range sorted {
		if !rc.Chunk.Head.Type.Has(btrfsvol.BLOCK_GROUP_SYSTEM) {
			continue
		}
		return &systemChunkAllocator{
			next: rc.laddr(),
			end:  rc.laddr().Add(btrfsvol.AddrDelta(rc.Chunk.Head.Size)),
			step: btrfsvol.LogicalAddr(sb.NodeSize),
		}, nil
	}
	return nil, fmt.Errorf("no SYSTEM chunk available to carve the new chunk tree out of")
}

func (a *systemChunkAllocator) alloc() (btrfsvol.LogicalAddr, error) {
	if a.next+a.step > a.end {
		return 0, fmt.Errorf("exhausted SYSTEM chunk space while allocating chunk-tree nodes")
	}
	addr := a.next
	a.next += a.step
	return addr, nil
}

// BuildChunkTree implements §4.7: open the filesystem through the
// good-chunks map, re-validate it against the actual device/extent
// trees, get the caller's go-ahead, and write a fresh chunk tree plus
// updated superblocks.
func BuildChunkTree(ctx context.Context, fs *btrfs.FS, sb btrfs.Superblock, goodChunks []ReconciledChunk, confirm ConfirmFunc) (Report, error) {
	mappings := make([]btrfsvol.Mapping, 0, len(goodChunks))
	for _, rc := range goodChunks {
		mappings = append(mappings, rc.Chunk.Mappings(rc.Key)...)
	}
	if err := fs.InitFromMappings(mappings); err != nil {
		return Report{}, fmt.Errorf("build chunk tree: open tentative map: %w", err)
	}

	reader := btrfstree.NewReader(fs, sb)
	second, err := CrossCheckSecondPass(reader, sb, goodChunks)
	if err != nil {
		return Report{}, fmt.Errorf("build chunk tree: second cross-check: %w", err)
	}

	dropped := 0
	for _, d := range second.Demoted {
		if !d.Dropped {
			return Report{}, fmt.Errorf("%w: chunk@%v: %s", ErrUnrepairable, d.laddr(), d.Reason)
		}
		dropped++
		dlog.Infof(ctx, "chunk@%v: dropping already-obsolete chunk (no matching block-group survives)", d.laddr())
	}

	final := second.Good
	if len(final) == 0 {
		return Report{}, fmt.Errorf("build chunk tree: no chunks survived cross-checking")
	}

	devs := fs.LV.PhysicalVolumes()
	devIDs := make([]btrfsvol.DeviceID, 0, len(devs))
	for id := range devs {
		devIDs = append(devIDs, id)
	}
	sort.Slice(devIDs, func(i, j int) bool { return devIDs[i] < devIDs[j] })

	plan := Plan{
		Devices:       devIDs,
		GoodChunks:    len(final),
		DroppedChunks: dropped,
	}
	if !confirm(plan) {
		return Report{}, ErrUserAborted
	}

	generation := sb.Generation + 1

	items := make([]btrfstree.TreeItem, 0, len(final)+len(devIDs))
	for _, id := range devIDs {
		devSB, err := devs[id].Superblock()
		if err != nil {
			return Report{}, fmt.Errorf("build chunk tree: device id=%v: %w", id, err)
		}
		items = append(items, btrfstree.TreeItem{
			Key:  btrfsprim.Key{ObjectID: btrfsprim.DEV_ITEMS_OBJECTID, ItemType: btrfsprim.DEV_ITEM_KEY, Offset: uint64(id)},
			Body: devSB.DevItem,
		})
	}
	var sysChunks []ReconciledChunk
	for _, rc := range final {
		items = append(items, btrfstree.TreeItem{Key: rc.Key, Body: rc.Chunk})
		if rc.Chunk.Head.Type.Has(btrfsvol.BLOCK_GROUP_SYSTEM) {
			sysChunks = append(sysChunks, rc)
		}
	}

	alloc, err := newSystemChunkAllocator(sb, final)
	if err != nil {
		return Report{}, fmt.Errorf("build chunk tree: %w", err)
	}

	root, nodes, err := btrfstree.BuildTree(sb, btrfsprim.CHUNK_TREE_OBJECTID, items, generation,
		sb.EffectiveMetadataUUID(), sb.FSUUID, alloc.alloc)
	if err != nil {
		return Report{}, fmt.Errorf("build chunk tree: %w", err)
	}
	if err := btrfstree.Finalize(nodes); err != nil {
		return Report{}, fmt.Errorf("build chunk tree: %w", err)
	}

	for addr, node := range nodes {
		buf, err := binstruct.Marshal(*node)
		if err != nil {
			return Report{}, fmt.Errorf("build chunk tree: marshal node@%v: %w", addr, err)
		}
		if _, err := fs.WriteAt(buf, addr); err != nil {
			return Report{}, fmt.Errorf("build chunk tree: write node@%v: %w", addr, err)
		}
	}

	newSB := sb
	newSB.ChunkTree = root
	newSB.ChunkRootGeneration = generation
	newSB.Generation = generation
	sort.Slice(sysChunks, func(i, j int) bool { return sysChunks[i].laddr() < sysChunks[j].laddr() })
	var sysArray []byte
	for _, rc := range sysChunks {
		sc := btrfs.SysChunk{Key: rc.Key, Chunk: rc.Chunk}
		buf, err := binstruct.Marshal(sc)
		if err != nil {
			return Report{}, fmt.Errorf("build chunk tree: marshal sys_chunk_array entry: %w", err)
		}
		if len(sysArray)+len(buf) > len(newSB.SysChunkArray) {
			return Report{}, fmt.Errorf("build chunk tree: sys_chunk_array overflow")
		}
		sysArray = append(sysArray, buf...)
	}
	newSB.SysChunkArray = [0x800]byte{}
	copy(newSB.SysChunkArray[:], sysArray)
	newSB.SysChunkArraySize = uint32(len(sysArray))

	for _, id := range devIDs {
		dev := devs[id]
		for _, bytenr := range btrfs.SuperblockAddrs {
			out := newSB
			out.Self = bytenr
			devSB, err := dev.Superblock()
			if err != nil {
				return Report{}, fmt.Errorf("build chunk tree: device id=%v: %w", id, err)
			}
			out.DevItem = devSB.DevItem
			csum, err := out.CalculateChecksum()
			if err != nil {
				return Report{}, fmt.Errorf("build chunk tree: checksum superblock: %w", err)
			}
			out.Checksum = csum
			ref := diskio.Ref[btrfsvol.PhysicalAddr, btrfs.Superblock]{File: dev, Addr: bytenr, Data: out}
			if err := ref.Write(); err != nil {
				return Report{}, fmt.Errorf("build chunk tree: write superblock %s@%v: %w", dev.Name(), bytenr, err)
			}
		}
	}

	return Report{Plan: plan, ChunkTreeRoot: root, Generation: generation}, nil
}
