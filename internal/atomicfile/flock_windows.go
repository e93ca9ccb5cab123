//go:build windows

package atomicfile

import "os"

// Cross-process locking is a no-op on Windows; the in-process mutex in
// callers still serializes writers within one process.
func flockExclusive(_ *os.File) error {
	return nil
}

func flockShared(_ *os.File) error {
	return nil
}

func flockUnlock(_ *os.File) error {
	return nil
}
