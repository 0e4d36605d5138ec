// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsitem

import (
	"reflect"

	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs/btrfsprim"
)

func (BlockGroup) isItem()    {}
func (Chunk) isItem()         {}
func (Dev) isItem()           {}
func (DevExtent) isItem()     {}
func (DirEntry) isItem()      {}
func (Empty) isItem()         {}
func (Extent) isItem()        {}
func (ExtentCSum) isItem()    {}
func (ExtentDataRef) isItem() {}
func (FileExtent) isItem()    {}
func (FreeSpaceBitmap) isItem() {}
func (FreeSpaceInfo) isItem() {}
func (Inode) isItem()         {}
func (InodeRef) isItem()      {}
func (Metadata) isItem()      {}
func (QGroupInfo) isItem()    {}
func (QGroupLimit) isItem()   {}
func (QGroupStatus) isItem()  {}
func (Root) isItem()          {}
func (RootRef) isItem()       {}
func (SharedDataRef) isItem() {}
func (FreeSpaceHeader) isItem() {}
func (UUIDMap) isItem()       {}

// keytype2gotype maps a Key.ItemType to the concrete Item type that
// decodes it, for every type with a fixed (ObjectID-independent)
// meaning. It mirrors btrfs_tree.h's key-type switch.
var keytype2gotype = map[btrfsprim.ItemType]reflect.Type{
	btrfsprim.INODE_ITEM_KEY:       reflect.TypeOf(Inode{}),
	btrfsprim.INODE_REF_KEY:        reflect.TypeOf(InodeRef{}),
	btrfsprim.XATTR_ITEM_KEY:       reflect.TypeOf(DirEntry{}),
	btrfsprim.ORPHAN_ITEM_KEY:      reflect.TypeOf(Empty{}),
	btrfsprim.DIR_LOG_ITEM_KEY:     reflect.TypeOf(Empty{}),
	btrfsprim.DIR_LOG_INDEX_KEY:    reflect.TypeOf(Empty{}),
	btrfsprim.DIR_ITEM_KEY:         reflect.TypeOf(DirEntry{}),
	btrfsprim.DIR_INDEX_KEY:        reflect.TypeOf(DirEntry{}),
	btrfsprim.EXTENT_DATA_KEY:      reflect.TypeOf(FileExtent{}),
	btrfsprim.EXTENT_CSUM_KEY:      reflect.TypeOf(ExtentCSum{}),
	btrfsprim.ROOT_ITEM_KEY:        reflect.TypeOf(Root{}),
	btrfsprim.ROOT_BACKREF_KEY:     reflect.TypeOf(RootRef{}),
	btrfsprim.ROOT_REF_KEY:         reflect.TypeOf(RootRef{}),
	btrfsprim.EXTENT_ITEM_KEY:      reflect.TypeOf(Extent{}),
	btrfsprim.METADATA_ITEM_KEY:    reflect.TypeOf(Metadata{}),
	btrfsprim.TREE_BLOCK_REF_KEY:   reflect.TypeOf(Empty{}),
	btrfsprim.EXTENT_DATA_REF_KEY:  reflect.TypeOf(ExtentDataRef{}),
	btrfsprim.SHARED_BLOCK_REF_KEY: reflect.TypeOf(Empty{}),
	btrfsprim.SHARED_DATA_REF_KEY:  reflect.TypeOf(SharedDataRef{}),
	btrfsprim.BLOCK_GROUP_ITEM_KEY: reflect.TypeOf(BlockGroup{}),
	btrfsprim.FREE_SPACE_INFO_KEY:  reflect.TypeOf(FreeSpaceInfo{}),
	btrfsprim.FREE_SPACE_EXTENT_KEY: reflect.TypeOf(Empty{}),
	btrfsprim.FREE_SPACE_BITMAP_KEY: reflect.TypeOf(FreeSpaceBitmap{}),
	btrfsprim.DEV_EXTENT_KEY:       reflect.TypeOf(DevExtent{}),
	btrfsprim.DEV_ITEM_KEY:         reflect.TypeOf(Dev{}),
	btrfsprim.CHUNK_ITEM_KEY:       reflect.TypeOf(Chunk{}),
	btrfsprim.QGROUP_STATUS_KEY:    reflect.TypeOf(QGroupStatus{}),
	btrfsprim.QGROUP_INFO_KEY:      reflect.TypeOf(QGroupInfo{}),
	btrfsprim.QGROUP_LIMIT_KEY:     reflect.TypeOf(QGroupLimit{}),
	btrfsprim.QGROUP_RELATION_KEY:  reflect.TypeOf(Empty{}),
	btrfsprim.UUID_KEY_SUBVOL:          reflect.TypeOf(UUIDMap{}),
	btrfsprim.UUID_KEY_RECEIVED_SUBVOL: reflect.TypeOf(UUIDMap{}),
}

// untypedObjID2gotype maps the ObjectID of an UNTYPED_KEY item to its
// concrete Item type. Only FREE_SPACE_OBJECTID items use this key type.
var untypedObjID2gotype = map[btrfsprim.ObjID]reflect.Type{
	btrfsprim.FREE_SPACE_OBJECTID: reflect.TypeOf(FreeSpaceHeader{}),
}
