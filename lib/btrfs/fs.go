// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfs

import (
	"fmt"
	"io"

	"github.com/datawire/dlib/derror"

	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-recover-ng/lib/diskio"
)

// FS is a filesystem assembled from one or more Devices joined through
// a logical volume. Unlike Device, whose addresses are physical, FS
// speaks the logical address space that chunk items, tree nodes, and
// item keys reference.
type FS struct {
	// Callers should not poke at LV directly except to do things
	// this type doesn't expose, such as iterating mappings for
	// diagnostics.
	LV btrfsvol.LogicalVolume[*Device]

	cacheSuperblocks []*diskio.Ref[btrfsvol.PhysicalAddr, Superblock]
	cacheSuperblock  *diskio.Ref[btrfsvol.PhysicalAddr, Superblock]
}

var (
	_ diskio.File[btrfsvol.LogicalAddr] = (*FS)(nil)
	_ io.Closer                         = (*FS)(nil)
)

func (fs *FS) Name() string {
	if name := fs.LV.Name(); name != "" {
		return name
	}
	sb, err := fs.Superblock()
	if err != nil {
		return "fs_uuid=(unreadable)"
	}
	name := fmt.Sprintf("fs_uuid=%v", sb.Data.FSUUID)
	fs.LV.SetName(name)
	return name
}

func (fs *FS) Size() btrfsvol.LogicalAddr { return fs.LV.Size() }

func (fs *FS) Close() error {
	var errs derror.MultiError
	for _, dev := range fs.LV.PhysicalVolumes() {
		if err := dev.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if errs != nil {
		return errs
	}
	return nil
}

func (fs *FS) ReadAt(p []byte, off btrfsvol.LogicalAddr) (int, error) {
	return fs.LV.ReadAt(p, off)
}

func (fs *FS) WriteAt(p []byte, off btrfsvol.LogicalAddr) (int, error) {
	return fs.LV.WriteAt(p, off)
}

func (fs *FS) Resolve(laddr btrfsvol.LogicalAddr) (paddrs map[btrfsvol.QualifiedPhysicalAddr]struct{}, maxlen btrfsvol.AddrDelta) {
	return fs.LV.Resolve(laddr)
}

// AddDevice registers dev as a member of the filesystem, keyed by the
// devid its own superblock claims.
func (fs *FS) AddDevice(dev *Device) error {
	sb, err := dev.Superblock()
	if err != nil {
		return err
	}
	if err := fs.LV.AddPhysicalVolume(sb.DevItem.DevID, dev); err != nil {
		return err
	}
	fs.cacheSuperblocks = nil
	fs.cacheSuperblock = nil
	return nil
}

func (fs *FS) Superblocks() ([]*diskio.Ref[btrfsvol.PhysicalAddr, Superblock], error) {
	if fs.cacheSuperblocks != nil {
		return fs.cacheSuperblocks, nil
	}
	devs := fs.LV.PhysicalVolumes()
	if len(devs) == 0 {
		return nil, fmt.Errorf("no devices")
	}
	var ret []*diskio.Ref[btrfsvol.PhysicalAddr, Superblock]
	for _, dev := range devs {
		sbs, err := dev.Superblocks()
		if err != nil {
			return nil, fmt.Errorf("file %q: %w", dev.Name(), err)
		}
		ret = append(ret, sbs...)
	}
	fs.cacheSuperblocks = ret
	return ret, nil
}

func (fs *FS) Superblock() (*diskio.Ref[btrfsvol.PhysicalAddr, Superblock], error) {
	if fs.cacheSuperblock != nil {
		return fs.cacheSuperblock, nil
	}
	sbs, err := fs.Superblocks()
	if err != nil {
		return nil, err
	}
	if len(sbs) == 0 {
		return nil, fmt.Errorf("no superblocks")
	}
	fs.cacheSuperblock = sbs[0]
	return sbs[0], nil
}

// InitFromMappings replaces the logical volume's address map wholesale
// with the given mappings. Callers rebuilding the chunk tree use this
// to open the filesystem through a map assembled from good_chunks
// rather than one read from an on-disk (possibly destroyed) chunk
// tree.
func (fs *FS) InitFromMappings(mappings []btrfsvol.Mapping) error {
	fs.LV.ClearMappings()
	for _, mapping := range mappings {
		if err := fs.LV.AddMapping(mapping); err != nil {
			return err
		}
	}
	return nil
}

// InitFromSysChunks seeds the address map from a superblock's
// sys_chunk_array alone -- enough to read the chunk-tree and tree-root
// nodes that the full chunk tree (if present) would otherwise be
// needed to resolve.
func (fs *FS) InitFromSysChunks(sb Superblock) error {
	syschunks, err := sb.ParseSysChunkArray()
	if err != nil {
		return err
	}
	fs.LV.ClearMappings()
	for _, chunk := range syschunks {
		for _, mapping := range chunk.Chunk.Mappings(chunk.Key) {
			if err := fs.LV.AddMapping(mapping); err != nil {
				return err
			}
		}
	}
	return nil
}
