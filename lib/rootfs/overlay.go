// Package rootfs manages the on-disk filesystem state of a bake: the
// unpacked base rootfs, an overlayfs mount per provisioning step, and the
// capture of each step's upper directory as an OCI layer.
package rootfs

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// Overlay is a mounted overlayfs instance.
type Overlay struct {
	Merged string
	Upper  string
	work   string
}

// MountOverlay mounts an overlay at merged with the given lower chain.
// lowers are ordered bottom-up (base first); overlayfs wants them top-down,
// so the order is reversed when building the mount option.
func MountOverlay(lowers []string, upper, work, merged string) (*Overlay, error) {
	if len(lowers) == 0 {
		return nil, fmt.Errorf("overlay requires at least one lower dir")
	}
	for _, dir := range []string{upper, work, merged} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create overlay dir: %w", err)
		}
	}

	topDown := make([]string, len(lowers))
	for i, l := range lowers {
		topDown[len(lowers)-1-i] = l
	}

	opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s",
		strings.Join(topDown, ":"), upper, work)
	if err := unix.Mount("overlay", merged, "overlay", 0, opts); err != nil {
		return nil, fmt.Errorf("mount overlay: %w", err)
	}

	return &Overlay{Merged: merged, Upper: upper, work: work}, nil
}

// Unmount detaches the overlay. The upper directory survives the unmount
// and holds the filesystem diff produced while mounted.
func (o *Overlay) Unmount() error {
	if err := unix.Unmount(o.Merged, 0); err != nil {
		return fmt.Errorf("unmount overlay: %w", err)
	}
	return nil
}
