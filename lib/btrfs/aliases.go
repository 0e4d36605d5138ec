// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfs

import (
	"git.lukeshu.com/btrfs-recover-ng/lib/btrfs/btrfsprim"
)

type (
	// (u)int64 types

	Generation = btrfsprim.Generation
	ObjID      = btrfsprim.ObjID

	// complex types

	Key  = btrfsprim.Key
	Time = btrfsprim.Time
	UUID = btrfsprim.UUID
)
