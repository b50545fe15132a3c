//go:build !unix

package witness

import "os"

// tryLockFile is a stub on non-Unix platforms; only the marker contents
// are checked there.
func tryLockFile(f *os.File) error { return nil }

// unlockFile is a stub counterpart to tryLockFile on non-Unix platforms.
func unlockFile(f *os.File) error { return nil }
