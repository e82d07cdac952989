//go:build linux

package sneakernet

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// Mount tries every block filesystem type the kernel knows, the way mount(8) does
// when no type is given.
func (SystemMounter) Mount(device, target string) error {
	fstypes, err := blockFilesystems()
	if err != nil {
		return fmt.Errorf("mount %s on %s: %w", device, target, err)
	}

	var lastErr error = errors.New("no block filesystem types available")
	for _, fstype := range fstypes {
		err := unix.Mount(device, target, fstype, unix.MS_NOATIME, "")
		if err == nil {
			return nil
		}
		// EINVAL: wrong type; ENODEV: type not usable here
		if errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENODEV) {
			lastErr = err
			continue
		}
		return fmt.Errorf("mount %s on %s (%s): %w", device, target, fstype, err)
	}
	return fmt.Errorf("mount %s on %s: %w", device, target, lastErr)
}

func (SystemMounter) Unmount(target string) error {
	if err := unix.Unmount(target, 0); err != nil {
		return fmt.Errorf("unmount %s: %w", target, err)
	}
	return nil
}

func blockFilesystems() ([]string, error) {
	f, err := os.Open("/proc/filesystems")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		// "nodev	proc" vs "	ext4"
		if len(fields) == 1 {
			out = append(out, fields[0])
		}
	}
	return out, scanner.Err()
}
