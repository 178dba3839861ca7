//go:build !unix

package pagefile

import "os"

// LockSingleWriter is a no-op outside unix-family platforms: no lock is
// taken, and OpenDirectFile opens the file without any exclusive-sharing
// mode either.
func LockSingleWriter(f *os.File) error { return nil }

func UnlockSingleWriter(f *os.File) error { return nil }
