//go:build linux || darwin || freebsd || openbsd

package system

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// fcntlOwner returns the pid holding a conflicting fcntl lock on path, or 0.
// dpkg and apt lock their files this way.
func fcntlOwner(path string) (int32, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	lk := unix.Flock_t{Type: unix.F_WRLCK, Whence: io.SeekStart}
	if err := unix.FcntlFlock(f.Fd(), unix.F_GETLK, &lk); err != nil {
		return 0, err
	}
	if lk.Type == unix.F_UNLCK {
		return 0, nil
	}
	return lk.Pid, nil
}
