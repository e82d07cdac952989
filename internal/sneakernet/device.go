package sneakernet

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/moby/sys/mountinfo"
)

// directories searched, in order, for a stable device identifier
var deviceDirs = []string{
	"/dev/disk/by-uuid",
	"/dev/disk/by-label",
	"/dev/disk/by-partuuid",
	"/dev/disk/by-id",
}

// ResolveDevice maps a stable identifier (filesystem UUID, label, partition UUID or
// /dev/disk/by-id name) or an absolute device path to the device node.
func ResolveDevice(id string) (string, error) {
	var candidates []string
	if filepath.IsAbs(id) {
		candidates = []string{id}
	} else {
		for _, dir := range deviceDirs {
			candidates = append(candidates, filepath.Join(dir, id))
		}
	}

	for _, c := range candidates {
		dev, err := filepath.EvalSymlinks(c)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("resolve device %s: %w", c, err)
		}
		return dev, nil
	}

	return "", fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
}

// Mounter is the platform capability the transfer manager needs from the OS
type Mounter interface {
	// Mounted reports whether path is the root of a filesystem other than its parent's
	Mounted(path string) (bool, error)
	// Mount attaches device read/write at target without access time updates
	Mount(device, target string) error
	Unmount(target string) error
}

// SystemMounter talks to the kernel directly
type SystemMounter struct{}

func (SystemMounter) Mounted(path string) (bool, error) {
	return mountinfo.Mounted(path)
}

var _ Mounter = SystemMounter{}
