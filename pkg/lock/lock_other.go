//go:build !(linux || darwin || freebsd || openbsd || windows)

package lock

import (
	"errors"
	"os"
)

// Without OS file locks the lock file itself is the lock. A crashed holder
// leaves it behind and it must be removed by hand.
func lockFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	if os.IsExist(err) {
		return nil, errHeld
	}
	return f, err
}

func unlockFile(f *os.File, path string) error {
	return errors.Join(f.Close(), os.Remove(path))
}
