// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package btrfstree narrows the filesystem-core's B-tree surface down
// to the handful of operations chunk-tree recovery needs: walking an
// existing tree by logical root address, and building a brand new
// tree from a flat list of items. It is a stand-in for the real
// open_ctree/search_slot/insert_item/commit_transaction machinery,
// which this core consumes rather than reimplements.
package btrfstree

import (
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs/btrfsvol"
)

// TreeOperator is the narrow subset of the filesystem core's tree
// interface that this package provides a from-scratch implementation
// of.
type TreeOperator interface {
	// TreeWalk visits every item in the tree rooted at root, calling
	// cb for each. Internal nodes are descended transparently.
	TreeWalk(root btrfsvol.LogicalAddr, treeID btrfsprim.ObjID, cb ItemCallback) error
}

// ItemCallback is called once per leaf item during a TreeWalk.
type ItemCallback func(item btrfs.Item) error
