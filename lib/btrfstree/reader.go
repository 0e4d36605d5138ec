// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfstree

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"

	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-recover-ng/lib/containers"
	"git.lukeshu.com/btrfs-recover-ng/lib/diskio"
)

// nodeCacheSize bounds the number of checksum-validated nodes a Reader
// keeps around. §4.5 walks the device/extent trees once per chunk
// during the second cross-check pass, so the same handful of upper
// nodes get re-read for every chunk in a run; this avoids redoing the
// checksum over and over for those.
const nodeCacheSize = 256

// Reader walks trees through an already-mapped logical address space
// (typically an *btrfs.FS whose LogicalVolume has been seeded by
// InitFromMappings or InitFromSysChunks).
type Reader struct {
	FS diskio.File[btrfsvol.LogicalAddr]
	SB btrfs.Superblock

	// nodeCache is optional; the zero Reader works fine uncached.
	nodeCache *lru.Cache
}

var _ TreeOperator = Reader{}

// NewReader builds a Reader backed by a bounded cache of the nodes it
// has already read and validated.
func NewReader(fs diskio.File[btrfsvol.LogicalAddr], sb btrfs.Superblock) Reader {
	cache, err := lru.New(nodeCacheSize)
	if err != nil {
		panic(err) // only fails for a non-positive size
	}
	return Reader{FS: fs, SB: sb, nodeCache: cache}
}

// TreeWalk implements TreeOperator.
func (r Reader) TreeWalk(root btrfsvol.LogicalAddr, treeID btrfsprim.ObjID, cb ItemCallback) error {
	if root == 0 {
		return nil
	}
	return r.walk(root, btrfs.NodeExpectations{
		LAddr: containers.OptionalValue(root),
		Owner: []btrfsprim.ObjID{treeID},
	}, cb)
}

func (r Reader) readNode(addr btrfsvol.LogicalAddr, exp btrfs.NodeExpectations) (*diskio.Ref[btrfsvol.LogicalAddr, btrfs.Node], error) {
	if r.nodeCache != nil {
		if cached, ok := r.nodeCache.Get(addr); ok {
			nodeRef := cached.(*diskio.Ref[btrfsvol.LogicalAddr, btrfs.Node])
			if err := checkNodeExpectations(addr, nodeRef.Data.Head, exp); err != nil {
				return nodeRef, err
			}
			return nodeRef, nil
		}
	}
	nodeRef, err := btrfs.ReadNode[btrfsvol.LogicalAddr](r.FS, r.SB, addr, exp)
	if err != nil {
		return nodeRef, err
	}
	if r.nodeCache != nil {
		r.nodeCache.Add(addr, nodeRef)
	}
	return nodeRef, nil
}

func checkNodeExpectations(addr btrfsvol.LogicalAddr, head btrfs.NodeHeader, exp btrfs.NodeExpectations) error {
	if exp.LAddr.OK && head.Addr != exp.LAddr.Val {
		return fmt.Errorf("btrfstree: node@%v: read from laddr=%v but claims to be at laddr=%v",
			addr, exp.LAddr.Val, head.Addr)
	}
	if exp.Level.OK && head.Level != exp.Level.Val {
		return fmt.Errorf("btrfstree: node@%v: expected level=%v but claims to be level=%v",
			addr, exp.Level.Val, head.Level)
	}
	if exp.MaxGeneration.OK && head.Generation > exp.MaxGeneration.Val {
		return fmt.Errorf("btrfstree: node@%v: expected generation<=%v but claims to be generation=%v",
			addr, exp.MaxGeneration.Val, head.Generation)
	}
	if len(exp.Owner) > 0 {
		var found bool
		for _, id := range exp.Owner {
			if head.Owner == id {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("btrfstree: node@%v: expected owner in %v but claims to have owner=%v",
				addr, exp.Owner, head.Owner)
		}
	}
	return nil
}

func (r Reader) walk(addr btrfsvol.LogicalAddr, exp btrfs.NodeExpectations, cb ItemCallback) error {
	nodeRef, err := r.readNode(addr, exp)
	if err != nil {
		return fmt.Errorf("btrfstree: walk node@%v: %w", addr, err)
	}
	if nodeRef.Data.Head.Level > 0 {
		childLevel := nodeRef.Data.Head.Level - 1
		for _, kp := range nodeRef.Data.BodyInternal {
			childExp := btrfs.NodeExpectations{
				LAddr:         containers.OptionalValue(kp.BlockPtr),
				Level:         containers.OptionalValue(childLevel),
				MaxGeneration: containers.OptionalValue(kp.Generation),
				Owner:         exp.Owner,
			}
			if err := r.walk(kp.BlockPtr, childExp, cb); err != nil {
				return err
			}
		}
		return nil
	}
	for _, item := range nodeRef.Data.BodyLeaf {
		if err := cb(item); err != nil {
			return err
		}
	}
	return nil
}

// Lookup finds every item in the tree rooted at root whose key matches
// pred, without requiring the caller to walk the whole tree by hand.
// It is a linear TreeWalk dressed up as a search -- acceptable here
// because the trees this package reads (device-tree, extent-tree) are
// only consulted once per chunk during the second cross-check pass,
// never as a hot path.
func (r Reader) Lookup(root btrfsvol.LogicalAddr, treeID btrfsprim.ObjID, pred func(btrfsprim.Key) bool) ([]btrfs.Item, error) {
	var ret []btrfs.Item
	err := r.TreeWalk(root, treeID, func(item btrfs.Item) error {
		if pred(item.Key) {
			ret = append(ret, item)
		}
		return nil
	})
	return ret, err
}
