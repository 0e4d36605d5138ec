// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package btrfschunkrecover rebuilds a filesystem's chunk tree by
// scanning every device for surviving tree leaves, cross-checking the
// records they carry against each other, synthesizing chunks for
// orphaned block-groups and device-extents, and writing a fresh
// chunk tree.
package btrfschunkrecover

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/btrfs-recover-ng/lib/binstruct"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-recover-ng/lib/textui"
)

// scanStats is the Progress payload for ScanDevice: one line, updated
// at most once a second, reporting how far into the device the scan
// has gotten and what it's turned up so far.
type scanStats struct {
	DevName string
	Pos     btrfsvol.PhysicalAddr
	Size    btrfsvol.PhysicalAddr

	Accepted int
	Rejected int
}

func (s scanStats) String() string {
	pct := 0
	if s.Size > 0 {
		pct = int(100 * float64(s.Pos) / float64(s.Size))
	}
	return fmt.Sprintf("%s: scanning %v%% (%v/%v): %d accepted, %d rejected",
		s.DevName, pct, s.Pos, s.Size, s.Accepted, s.Rejected)
}

// ScanDevice walks one device in sectorsize increments looking for
// surviving tree nodes, feeding every accepted one into caches. The
// scan is a single pass over one device at a time: callers that need
// to scan a multi-device filesystem do so by calling ScanDevice once
// per device in sequence (see Scan), never concurrently -- the core
// is single-threaded end to end.
func ScanDevice(ctx context.Context, dev *btrfs.Device, sb btrfs.Superblock, devID btrfsvol.DeviceID, caches *Caches) error {
	size := dev.Size()
	sectorSize := btrfsvol.PhysicalAddr(sb.SectorSize)
	nodeSize := btrfsvol.PhysicalAddr(sb.NodeSize)
	if sectorSize <= 0 {
		return fmt.Errorf("%s: superblock sector size is not positive", dev.Name())
	}
	if nodeSize <= 0 {
		return fmt.Errorf("%s: superblock node size is not positive", dev.Name())
	}
	sbSize := btrfsvol.PhysicalAddr(binstruct.StaticSize(btrfs.Superblock{}))

	progressWriter := textui.NewProgress[scanStats](ctx, dlog.LogLevelInfo, textui.Tunable(1*time.Second))
	defer progressWriter.Done()

	var skipUntil btrfsvol.PhysicalAddr
	var accepted, rejected int
	for pos := btrfsvol.PhysicalAddr(0); pos+nodeSize <= size; pos += sectorSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		progressWriter.Set(scanStats{
			DevName:  dev.Name(),
			Pos:      pos,
			Size:     size,
			Accepted: accepted,
			Rejected: rejected,
		})
		if pos < skipUntil {
			continue
		}
		if inSuperblockWindow(pos, sbSize) {
			continue
		}

		nodeRef, err := btrfs.ReadNode[btrfsvol.PhysicalAddr](dev, sb, pos, btrfs.NodeExpectations{})
		if err != nil {
			rejected++
			if !errors.Is(err, btrfs.ErrNotANode) {
				dlog.Errorf(ctx, "%s: pos=%v: %v", dev.Name(), pos, err)
			}
			continue
		}
		accepted++
		skipUntil = pos + nodeSize

		caches.InsertLeaf(nodeRef.Data.Head.Addr, nodeRef.Data.Head.Generation, nodeRef.Data.Head.Checksum,
			LeafMirror{Dev: devID, Addr: pos})

		routeItems(sb, nodeRef.Data, caches)
	}
	progressWriter.Set(scanStats{DevName: dev.Name(), Pos: size, Size: size, Accepted: accepted, Rejected: rejected})
	dlog.Infof(ctx, "%s: scan complete: %d candidate nodes accepted, %d rejected", dev.Name(), accepted, rejected)
	return nil
}

func inSuperblockWindow(pos, sbSize btrfsvol.PhysicalAddr) bool {
	for _, addr := range btrfs.SuperblockAddrs {
		if pos >= addr && pos < addr+sbSize {
			return true
		}
	}
	return false
}

// routeItems extracts records from a leaf node's items according to
// its owner and the canonical superblock's generation bounds, per
// §4.3. Internal nodes have no BodyLeaf items, so this is a no-op for
// them; they were already recorded by InsertLeaf above.
func routeItems(sb btrfs.Superblock, node btrfs.Node, caches *Caches) {
	switch node.Head.Owner {
	case btrfsprim.EXTENT_TREE_OBJECTID, btrfsprim.DEV_TREE_OBJECTID:
		if node.Head.Generation > sb.Generation {
			return
		}
	case btrfsprim.CHUNK_TREE_OBJECTID:
		if node.Head.Generation > sb.ChunkRootGeneration {
			return
		}
	default:
		return
	}

	for _, item := range node.BodyLeaf {
		switch item.Key.ItemType {
		case btrfsprim.CHUNK_ITEM_KEY:
			if chunk, ok := item.Body.(btrfsitem.Chunk); ok {
				caches.InsertChunk(item.Key, chunk, node.Head.Generation)
			}
		case btrfsprim.BLOCK_GROUP_ITEM_KEY:
			if bg, ok := item.Body.(btrfsitem.BlockGroup); ok {
				caches.InsertBlockGroup(item.Key, bg, node.Head.Generation)
			}
		case btrfsprim.DEV_EXTENT_KEY:
			if devext, ok := item.Body.(btrfsitem.DevExtent); ok {
				caches.InsertDevExtent(item.Key, devext, node.Head.Generation)
			}
		}
	}
}

// Scan walks every device in devs, in ascending device-ID order, and
// returns the populated caches. Devices are scanned strictly one
// after another.
func Scan(ctx context.Context, devs map[btrfsvol.DeviceID]*btrfs.Device, sb btrfs.Superblock) (*Caches, error) {
	caches := NewCaches()

	ids := make([]btrfsvol.DeviceID, 0, len(devs))
	for id := range devs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		dev := devs[id]
		dlog.Infof(ctx, "scanning device id=%v (%s)", id, dev.Name())
		if err := ScanDevice(ctx, dev, sb, id, caches); err != nil {
			return nil, fmt.Errorf("scan device id=%v: %w", id, err)
		}
	}

	for _, c := range caches.Conflicts {
		dlog.Errorf(ctx, "scan: %s", c)
	}
	if caches.DroppedMirrors > 0 {
		dlog.Errorf(ctx, "scan: dropped %d leaf mirror(s) beyond NumMirrors=%d", caches.DroppedMirrors, btrfsvol.NumMirrors)
	}

	return caches, nil
}
