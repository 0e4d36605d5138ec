// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfssuper_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/btrfs-recover-ng/lib/binstruct"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs/btrfssum"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfssuper"
)

func newFakeDevice(t *testing.T, devID btrfsvol.DeviceID, gens [3]btrfs.Generation) *btrfs.Device {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "btrfs-dev-")
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	require.NoError(t, f.Truncate(int64(btrfs.SuperblockAddrs[2])+4096))

	dev := &btrfs.Device{File: f}
	for i, bytenr := range btrfs.SuperblockAddrs {
		sb := fakeSuperblock(t, bytenr, gens[i], devID)
		buf, err := binstruct.Marshal(sb)
		require.NoError(t, err)
		_, err = dev.WriteAt(buf, bytenr)
		require.NoError(t, err)
	}
	return dev
}

func fakeSuperblock(t *testing.T, bytenr btrfsvol.PhysicalAddr, gen btrfs.Generation, devID btrfsvol.DeviceID) btrfs.Superblock {
	t.Helper()
	var sb btrfs.Superblock
	sb.Magic = btrfs.SuperblockMagic
	sb.Self = bytenr
	sb.Generation = gen
	sb.ChecksumType = btrfssum.TYPE_CRC32
	sb.NodeSize = 16384
	sb.SectorSize = 4096
	sb.DevItem.DevID = devID
	csum, err := sb.CalculateChecksum()
	require.NoError(t, err)
	sb.Checksum = csum
	return sb
}

func readSuperAt(t *testing.T, dev *btrfs.Device, bytenr btrfsvol.PhysicalAddr) btrfs.Superblock {
	t.Helper()
	var sb btrfs.Superblock
	buf := make([]byte, binstruct.StaticSize(sb))
	_, err := dev.ReadAt(buf, bytenr)
	require.NoError(t, err)
	_, err = binstruct.Unmarshal(buf, &sb)
	require.NoError(t, err)
	return sb
}

// TestS1SingleDeviceStaleMirror covers spec scenario S1: one device,
// three mirrors, generations 42, 42, 40. The third mirror is stale and
// must be rewritten to generation 42.
func TestS1SingleDeviceStaleMirror(t *testing.T) {
	dev := newFakeDevice(t, 1, [3]btrfs.Generation{42, 42, 40})

	report, err := btrfssuper.Recover(context.Background(), []*btrfs.Device{dev})
	require.NoError(t, err)

	assert.Equal(t, btrfssuper.RecoverFlagFixed, report.Flag)
	assert.Equal(t, btrfs.Generation(42), report.MaxGen)

	fixed := readSuperAt(t, dev, btrfs.SuperblockAddrs[2])
	assert.Equal(t, btrfs.Generation(42), fixed.Generation)
	assert.True(t, fixed.IsValidAt(btrfs.SuperblockAddrs[2]))
	assert.Equal(t, btrfsvol.DeviceID(1), fixed.DevItem.DevID)
}

// TestS2TwoDeviceSplitBrain covers spec scenario S2: device A is
// entirely at generation 50, device B entirely at generation 49.
// Device B's mirrors must be rewritten with the generation-50
// superblock's content while keeping device B's own dev_item.
func TestS2TwoDeviceSplitBrain(t *testing.T) {
	devA := newFakeDevice(t, 1, [3]btrfs.Generation{50, 50, 50})
	devB := newFakeDevice(t, 2, [3]btrfs.Generation{49, 49, 49})

	report, err := btrfssuper.Recover(context.Background(), []*btrfs.Device{devA, devB})
	require.NoError(t, err)

	assert.Equal(t, btrfssuper.RecoverFlagFixed, report.Flag)
	assert.Equal(t, btrfs.Generation(50), report.MaxGen)

	for _, bytenr := range btrfs.SuperblockAddrs {
		fixed := readSuperAt(t, devB, bytenr)
		assert.Equal(t, btrfs.Generation(50), fixed.Generation)
		assert.Equal(t, btrfsvol.DeviceID(2), fixed.DevItem.DevID)
		assert.True(t, fixed.IsValidAt(bytenr))
	}

	for _, bytenr := range btrfs.SuperblockAddrs {
		untouched := readSuperAt(t, devA, bytenr)
		assert.Equal(t, btrfs.Generation(50), untouched.Generation)
	}
}

// TestP2Idempotence covers spec property P2: running recovery twice in
// a row produces "nothing to do" the second time.
func TestP2Idempotence(t *testing.T) {
	dev := newFakeDevice(t, 1, [3]btrfs.Generation{7, 7, 5})

	_, err := btrfssuper.Recover(context.Background(), []*btrfs.Device{dev})
	require.NoError(t, err)

	report, err := btrfssuper.Recover(context.Background(), []*btrfs.Device{dev})
	require.NoError(t, err)
	assert.Equal(t, btrfssuper.RecoverFlagNone, report.Flag)
}
