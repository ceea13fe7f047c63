//go:build linux || darwin || freebsd || openbsd

package lock

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

func lockFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	fd := int(f.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, errHeld
		}
		return nil, err
	}

	// the previous holder unlinks the file before unlocking it, so the inode
	// we locked may no longer be the one at path
	opened, err := f.Stat()
	if err == nil {
		var current os.FileInfo
		if current, err = os.Stat(path); err == nil && os.SameFile(opened, current) {
			return f, nil
		}
	}
	_ = unix.Flock(fd, unix.LOCK_UN)
	_ = f.Close()
	return nil, errReplaced
}

// unlockFile removes path while still holding the lock.
func unlockFile(f *os.File, path string) error {
	rmErr := os.Remove(path)
	if os.IsNotExist(rmErr) {
		rmErr = nil
	}
	return errors.Join(rmErr, unix.Flock(int(f.Fd()), unix.LOCK_UN), f.Close())
}
