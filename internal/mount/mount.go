// Package mount enumerates the live Btrfs mounts known to the kernel.
package mount

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrMountTableUnavailable is returned when the kernel mount table cannot
// be read at all (as opposed to a single entry being malformed, which is
// simply skipped).
var ErrMountTableUnavailable = errors.New("mount table unavailable")

// Filesystem describes one live Btrfs mount. It is immutable after
// discovery; mountpoint is guaranteed non-empty. The same device_number may
// appear under several mountpoints (bind mounts, multiple subvolumes of the
// same filesystem) and represents the same underlying filesystem in all of
// them.
type Filesystem struct {
	DevicePath   string
	Mountpoint   string
	DeviceNumber uint64
}

const procMountsPath = "/proc/mounts"

// deviceNumberFunc resolves a mountpoint to its device number. It is a
// package-level variable so tests can substitute a fake without touching
// the real filesystem.
var deviceNumberFunc = deviceNumber

// Enumerate reads the kernel's current mount table and returns one
// Filesystem per mounted entry whose filesystem type is "btrfs". Ordering
// is whatever /proc/mounts yields; callers that need a stable order (the
// scheduler does) must sort explicitly.
func Enumerate() ([]Filesystem, error) {
	return enumerateFromFile(procMountsPath)
}

func enumerateFromFile(path string) ([]Filesystem, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMountTableUnavailable, err)
	}
	defer file.Close()

	var result []Filesystem
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}

		device, mountpoint, fstype := fields[0], fields[1], fields[2]
		if fstype != "btrfs" {
			continue
		}
		if mountpoint == "" {
			continue
		}

		devno, err := deviceNumberFunc(mountpoint)
		if err != nil {
			// The mount disappeared between reading the table and
			// stat-ing it, or we lack permission; skip rather than fail
			// the whole enumeration.
			continue
		}

		result = append(result, Filesystem{
			DevicePath:   device,
			Mountpoint:   mountpoint,
			DeviceNumber: devno,
		})
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMountTableUnavailable, err)
	}

	return result, nil
}

// deviceNumber resolves a mountpoint to the opaque device number the kernel
// associates with it, used by the scheduler to deduplicate filesystems that
// are mounted under more than one path.
func deviceNumber(mountpoint string) (uint64, error) {
	var st unix.Stat_t
	if err := unix.Stat(mountpoint, &st); err != nil {
		return 0, err
	}
	return uint64(st.Dev), nil
}
