// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package linux

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// IsMounted reports whether the block device at path is the source of
// any active mount, by comparing device numbers against every entry
// in /proc/self/mountinfo rather than just the literal path string --
// a mount source is sometimes reached through a different path (a
// symlink under /dev/disk/by-*, say) than the one the caller passed
// in, and a string comparison would miss that.
func IsMounted(path string) (bool, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return false, fmt.Errorf("stat %q: %w", path, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFBLK {
		return false, nil
	}

	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return false, fmt.Errorf("open /proc/self/mountinfo: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		// Fields before " - " are a variable-length list of
		// optional fields; the mount source is the second field
		// after the separator.
		idx := strings.Index(line, " - ")
		if idx < 0 {
			continue
		}
		fields := strings.Fields(line[idx+len(" - "):])
		if len(fields) < 2 {
			continue
		}
		source := fields[1]
		if !strings.HasPrefix(source, "/") {
			continue
		}
		var srcSt unix.Stat_t
		if err := unix.Stat(source, &srcSt); err != nil {
			continue
		}
		if srcSt.Mode&unix.S_IFMT == unix.S_IFBLK && srcSt.Rdev == st.Rdev {
			return true, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("read /proc/self/mountinfo: %w", err)
	}
	return false, nil
}
