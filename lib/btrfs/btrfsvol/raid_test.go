// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsvol_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs/btrfsvol"
)

func TestCalcNumStripes(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 0, btrfsvol.CalcNumStripes(btrfsvol.BLOCK_GROUP_RAID0))
	assert.Equal(t, 0, btrfsvol.CalcNumStripes(btrfsvol.BLOCK_GROUP_RAID10))
	assert.Equal(t, 0, btrfsvol.CalcNumStripes(btrfsvol.BLOCK_GROUP_RAID5))
	assert.Equal(t, 0, btrfsvol.CalcNumStripes(btrfsvol.BLOCK_GROUP_RAID6))
	assert.Equal(t, 2, btrfsvol.CalcNumStripes(btrfsvol.BLOCK_GROUP_RAID1))
	assert.Equal(t, 2, btrfsvol.CalcNumStripes(btrfsvol.BLOCK_GROUP_DUP))
	assert.Equal(t, 1, btrfsvol.CalcNumStripes(btrfsvol.BLOCK_GROUP_METADATA))
}

func TestCalcStripeLength(t *testing.T) {
	t.Parallel()
	// S3: RAID1 metadata, chunk length 1GiB, 2 stripes -> each stripe is
	// the full length.
	length, err := btrfsvol.CalcStripeLength(btrfsvol.BLOCK_GROUP_RAID1, 1<<30, 2)
	require.NoError(t, err)
	assert.Equal(t, btrfsvol.AddrDelta(1<<30), length)

	// S4: RAID0, chunk length 2MiB, 2 stripes -> each stripe is 1MiB.
	length, err = btrfsvol.CalcStripeLength(btrfsvol.BLOCK_GROUP_RAID0, 2<<20, 2)
	require.NoError(t, err)
	assert.Equal(t, btrfsvol.AddrDelta(1<<20), length)
}

func TestStripeIndexRAID0(t *testing.T) {
	t.Parallel()
	// S4: two devices, stripe_len=64KiB; logical 0 is stripe 0.
	idx, err := btrfsvol.StripeIndex(btrfsvol.BLOCK_GROUP_RAID0, 0, btrfsvol.StripeLen, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)

	idx, err = btrfsvol.StripeIndex(btrfsvol.BLOCK_GROUP_RAID0, btrfsvol.StripeLen, btrfsvol.StripeLen, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
}

func TestStripeIndexRAID5(t *testing.T) {
	t.Parallel()
	// D = num_stripes-1 = 3; the rotation repeats every num_stripes*D
	// stripes, and over one full cycle every index is hit.
	const numStripes = 4
	seen := make(map[int]bool)
	for stripeNr := int64(0); stripeNr < numStripes*(numStripes-1); stripeNr++ {
		idx, err := btrfsvol.StripeIndex(btrfsvol.BLOCK_GROUP_RAID5,
			btrfsvol.AddrDelta(stripeNr)*btrfsvol.StripeLen, btrfsvol.StripeLen, numStripes, 1)
		require.NoError(t, err)
		seen[idx] = true
	}
	assert.Len(t, seen, numStripes)
}

func TestIsOrderedLayout(t *testing.T) {
	t.Parallel()
	assert.True(t, btrfsvol.IsOrderedLayout(btrfsvol.BLOCK_GROUP_RAID0))
	assert.False(t, btrfsvol.IsOrderedLayout(btrfsvol.BLOCK_GROUP_RAID1))
	assert.False(t, btrfsvol.IsOrderedLayout(btrfsvol.BLOCK_GROUP_DUP))
}
