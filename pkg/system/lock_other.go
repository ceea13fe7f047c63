//go:build !(linux || darwin || freebsd || openbsd)

package system

import "errors"

func fcntlOwner(string) (int32, error) {
	return 0, errors.New("fcntl locks are not supported on this platform")
}
