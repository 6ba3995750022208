//go:build !linux

package logfile

import "os"

// punchHole is a no-op off Linux: the file is still deleted by os.Remove,
// just without the early block-deallocation fast path.
func punchHole(f *os.File, size int64) error {
	return nil
}
