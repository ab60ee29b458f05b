//go:build !linux

package diskbench

import "os"

// syncFilesystem is a no-op where there is no portable sync(2). The scratch
// file itself is still flushed before the timer stops.
func syncFilesystem() error {
	return nil
}

func fdatasync(f *os.File) error {
	return f.Sync()
}
