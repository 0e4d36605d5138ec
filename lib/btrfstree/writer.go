// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfstree

import (
	"fmt"
	"sort"

	"git.lukeshu.com/btrfs-recover-ng/lib/binstruct"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs/btrfsvol"
)

// TreeItem is one (key, item) pair destined for a freshly-built tree.
type TreeItem struct {
	Key  btrfsprim.Key
	Body btrfsitem.Item
}

// AllocFunc allocates the next free logical address at which a new
// tree node may be written. It stands in for the consumed
// alloc_free_block contract, narrowed to the one thing a from-scratch
// tree build needs: a fresh node-sized logical slot.
type AllocFunc func() (btrfsvol.LogicalAddr, error)

// BuildTree packs items into one or more freshly-allocated leaf nodes
// (splitting a leaf once it would overflow the filesystem's node
// size), then builds internal levels above those leaves until a
// single root remains. It returns the root's address and every node
// that was built, keyed by the address alloc gave it; the caller is
// responsible for writing each node (via diskio.Ref or the logical
// volume directly) and for having already mapped every address alloc
// can hand out.
//
// An empty items list still produces one empty leaf, matching how the
// chunk-tree rebuild replaces a destroyed root with a fresh empty one
// before inserting anything into it.
func BuildTree(
	sb btrfs.Superblock,
	owner btrfsprim.ObjID,
	items []TreeItem,
	generation btrfsprim.Generation,
	fsUUID, chunkTreeUUID btrfsprim.UUID,
	alloc AllocFunc,
) (btrfsvol.LogicalAddr, map[btrfsvol.LogicalAddr]*btrfs.Node, error) {
	sorted := append([]TreeItem(nil), items...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key.Cmp(sorted[j].Key) < 0 })

	nodes := make(map[btrfsvol.LogicalAddr]*btrfs.Node)

	newHeader := func(level uint8) btrfs.NodeHeader {
		return btrfs.NodeHeader{
			MetadataUUID:  fsUUID,
			Flags:         btrfs.NodeWritten,
			ChunkTreeUUID: chunkTreeUUID,
			Generation:    generation,
			Owner:         owner,
			Level:         level,
		}
	}

	allocNode := func(node *btrfs.Node) (btrfsvol.LogicalAddr, error) {
		addr, err := alloc()
		if err != nil {
			return 0, err
		}
		node.Head.Addr = addr
		nodes[addr] = node
		return addr, nil
	}

	type entry struct {
		minKey btrfsprim.Key
		addr   btrfsvol.LogicalAddr
	}

	headerBudget := int(sb.NodeSize) - binstruct.StaticSize(btrfs.NodeHeader{})
	itemHeadSize := binstruct.StaticSize(btrfs.ItemHeader{})

	var leaves []entry
	if len(sorted) == 0 {
		node := &btrfs.Node{Size: sb.NodeSize, ChecksumType: sb.ChecksumType, Head: newHeader(0)}
		addr, err := allocNode(node)
		if err != nil {
			return 0, nil, err
		}
		return addr, nodes, nil
	}
	for i := 0; i < len(sorted); {
		node := &btrfs.Node{Size: sb.NodeSize, ChecksumType: sb.ChecksumType, Head: newHeader(0)}
		minKey := sorted[i].Key
		used := 0
		for i < len(sorted) {
			bodyBuf, err := binstruct.Marshal(sorted[i].Body)
			if err != nil {
				return 0, nil, fmt.Errorf("btrfstree.BuildTree: marshal item %v: %w", sorted[i].Key, err)
			}
			need := itemHeadSize + len(bodyBuf)
			if used+need > headerBudget && len(node.BodyLeaf) > 0 {
				break
			}
			node.BodyLeaf = append(node.BodyLeaf, btrfs.Item{
				Key:      sorted[i].Key,
				BodySize: uint32(len(bodyBuf)),
				Body:     sorted[i].Body,
			})
			used += need
			i++
		}
		addr, err := allocNode(node)
		if err != nil {
			return 0, nil, err
		}
		leaves = append(leaves, entry{minKey: minKey, addr: addr})
	}

	cur := leaves
	level := uint8(1)
	kpSize := binstruct.StaticSize(btrfs.KeyPointer{})
	for len(cur) > 1 {
		var next []entry
		for j := 0; j < len(cur); {
			node := &btrfs.Node{Size: sb.NodeSize, ChecksumType: sb.ChecksumType, Head: newHeader(level)}
			minKey := cur[j].minKey
			used := 0
			for j < len(cur) {
				if used+kpSize > headerBudget && len(node.BodyInternal) > 0 {
					break
				}
				node.BodyInternal = append(node.BodyInternal, btrfs.KeyPointer{
					Key:        cur[j].minKey,
					BlockPtr:   cur[j].addr,
					Generation: generation,
				})
				used += kpSize
				j++
			}
			addr, err := allocNode(node)
			if err != nil {
				return 0, nil, err
			}
			next = append(next, entry{minKey: minKey, addr: addr})
		}
		cur = next
		level++
	}

	return cur[0].addr, nodes, nil
}

// Finalize computes and stores each node's checksum, leaving it ready
// to marshal and write.
func Finalize(nodes map[btrfsvol.LogicalAddr]*btrfs.Node) error {
	for addr, node := range nodes {
		csum, err := node.CalculateChecksum()
		if err != nil {
			return fmt.Errorf("btrfstree.Finalize: node@%v: %w", addr, err)
		}
		node.Head.Checksum = csum
	}
	return nil
}
