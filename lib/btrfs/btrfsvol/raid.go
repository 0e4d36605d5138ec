// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsvol

import "fmt"

// StripeLen and NumMirrors mirror btrfs-progs' BTRFS_STRIPE_LEN and
// BTRFS_NUM_MIRRORS: the fixed stripe granularity used when striping
// data across a chunk's devices, and the fixed mirror count used by
// the single/DUP/RAID1 layouts.
const (
	StripeLen  = 64 * 1024
	NumMirrors = 2
)

// CalcNumStripes returns the number of stripes a chunk of the given
// type must have, or 0 if any stripe count is acceptable (the striped
// RAID layouts, whose width is chosen at allocation time rather than
// fixed by the profile).
func CalcNumStripes(flags BlockGroupFlags) int {
	switch {
	case flags.Has(BLOCK_GROUP_RAID0), flags.Has(BLOCK_GROUP_RAID10),
		flags.Has(BLOCK_GROUP_RAID5), flags.Has(BLOCK_GROUP_RAID6):
		return 0
	case flags.Has(BLOCK_GROUP_RAID1C4):
		return 4
	case flags.Has(BLOCK_GROUP_RAID1C3):
		return 3
	case flags.Has(BLOCK_GROUP_RAID1), flags.Has(BLOCK_GROUP_DUP):
		return NumMirrors
	default:
		return 1
	}
}

// CalcSubStripes returns the sub_stripes value implied by flags; only
// RAID10 has a sub-mirror width other than 1.
func CalcSubStripes(flags BlockGroupFlags) int {
	if flags.Has(BLOCK_GROUP_RAID10) {
		return NumMirrors
	}
	return 1
}

// CalcStripeLength computes the length of each device-extent backing a
// chunk, given the chunk's type, logical length, and stripe count.
func CalcStripeLength(flags BlockGroupFlags, length AddrDelta, numStripes int) (AddrDelta, error) {
	if numStripes <= 0 {
		return 0, fmt.Errorf("calc stripe length: num_stripes=%v is not positive", numStripes)
	}
	switch {
	case flags.Has(BLOCK_GROUP_RAID0):
		return length / AddrDelta(numStripes), nil
	case flags.Has(BLOCK_GROUP_RAID10):
		subStripes := CalcSubStripes(flags)
		if numStripes%subStripes != 0 {
			return 0, fmt.Errorf("calc stripe length: num_stripes=%v is not a multiple of sub_stripes=%v",
				numStripes, subStripes)
		}
		return length / AddrDelta(numStripes/subStripes), nil
	case flags.Has(BLOCK_GROUP_RAID5):
		if numStripes < 2 {
			return 0, fmt.Errorf("calc stripe length: RAID5 needs at least 2 stripes, got %v", numStripes)
		}
		return length / AddrDelta(numStripes-1), nil
	case flags.Has(BLOCK_GROUP_RAID6):
		if numStripes < 3 {
			return 0, fmt.Errorf("calc stripe length: RAID6 needs at least 3 stripes, got %v", numStripes)
		}
		return length / AddrDelta(numStripes-2), nil
	default:
		// single, DUP, RAID1, RAID1C3, RAID1C4: every stripe is a
		// full mirror of the logical range.
		return length, nil
	}
}

// StripeIndex computes the canonical stripe slot that a logical offset
// (relative to the chunk's start) maps to, for the "ordered" RAID
// layouts (RAID0/10/5/6). It is meaningless for unordered layouts
// (single/DUP/RAID1/RAID1C3/RAID1C4), where stripe assignment isn't a
// function of logical offset.
func StripeIndex(flags BlockGroupFlags, offset AddrDelta, chunkStripeLen AddrDelta, numStripes, subStripes int) (int, error) {
	if chunkStripeLen <= 0 {
		return 0, fmt.Errorf("stripe index: stripe_len must be positive")
	}
	stripeNr := int64(offset / chunkStripeLen)
	switch {
	case flags.Has(BLOCK_GROUP_RAID0):
		return int(stripeNr % int64(numStripes)), nil
	case flags.Has(BLOCK_GROUP_RAID10):
		if subStripes <= 0 {
			return 0, fmt.Errorf("stripe index: sub_stripes must be positive")
		}
		width := int64(numStripes / subStripes)
		return int((stripeNr % width) * int64(subStripes)), nil
	case flags.Has(BLOCK_GROUP_RAID5):
		d := int64(numStripes - 1)
		if d <= 0 {
			return 0, fmt.Errorf("stripe index: RAID5 needs at least 2 stripes")
		}
		return int(((stripeNr % d) + (stripeNr / d)) % int64(numStripes)), nil
	case flags.Has(BLOCK_GROUP_RAID6):
		d := int64(numStripes - 2)
		if d <= 0 {
			return 0, fmt.Errorf("stripe index: RAID6 needs at least 3 stripes")
		}
		return int(((stripeNr % d) + (stripeNr / d)) % int64(numStripes)), nil
	default:
		return 0, fmt.Errorf("stripe index: flags=%v is not an ordered layout", flags)
	}
}

// IsOrderedLayout reports whether a chunk's stripe assignment is a
// function of logical offset (RAID0/10/5/6), as opposed to being
// arbitrary (single/DUP/RAID1/RAID1C3/RAID1C4).
func IsOrderedLayout(flags BlockGroupFlags) bool {
	return flags.Has(BLOCK_GROUP_RAID0) || flags.Has(BLOCK_GROUP_RAID10) ||
		flags.Has(BLOCK_GROUP_RAID5) || flags.Has(BLOCK_GROUP_RAID6)
}
