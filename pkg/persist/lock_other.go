//go:build !unix

package persist

import (
	"errors"
	"os"
)

var errLockUnsupported = errors.New("disk backend needs flock; use the sqlite backend on this platform")

func lockFile(*os.File) error { return errLockUnsupported }

func unlockFile(*os.File) error { return nil }
