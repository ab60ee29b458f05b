//go:build linux

package diskbench

import (
	"os"

	"golang.org/x/sys/unix"
)

// syncFilesystem flushes every dirty buffer on the machine, like sync(1).
func syncFilesystem() error {
	unix.Sync()
	return nil
}

func fdatasync(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}
