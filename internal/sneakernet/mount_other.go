//go:build !linux

package sneakernet

import (
	"errors"
	"fmt"
	"runtime"
)

var errMountUnsupported = errors.New("mounting is not supported on " + runtime.GOOS + ", mount the device yourself")

func (SystemMounter) Mount(device, target string) error {
	return fmt.Errorf("mount %s on %s: %w", device, target, errMountUnsupported)
}

func (SystemMounter) Unmount(target string) error {
	return fmt.Errorf("unmount %s: %w", target, errMountUnsupported)
}
