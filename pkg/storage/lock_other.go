//go:build !unix

package storage

import "os"

// Advisory locking is only implemented on unix; elsewhere the store is
// single-process by convention.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
