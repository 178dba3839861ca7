//go:build unix

package pagefile

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// LockSingleWriter takes an advisory exclusive flock on f, enforcing the
// "single-writer" contract spec §5 requires of the paged store. It returns
// an error immediately if another process already holds the lock, rather
// than blocking -- a second writer opening the same files is a
// configuration mistake, not something to queue behind.
func LockSingleWriter(f *os.File) error {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return fmt.Errorf("pagefile: database already locked by another writer: %w", err)
	}
	return nil
}

// UnlockSingleWriter releases the lock taken by LockSingleWriter.
func UnlockSingleWriter(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
