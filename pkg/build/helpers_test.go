package build_test

import (
	"errors"

	"github.com/samber/lo"
	"github.com/shirou/gopsutil/v4/process"
)

func errorsAs(err error, target any) bool {
	return errors.As(err, target)
}

// exited reports whether pid is gone or only a zombie waiting to be reaped.
func exited(pid int32) bool {
	p, err := process.NewProcess(pid)
	if err != nil {
		return true
	}
	status, err := p.Status()
	return err != nil || lo.Contains(status, process.Zombie)
}
