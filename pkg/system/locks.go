package system

import (
	"context"
	"os"
	"strconv"
	"strings"

	"github.com/samber/lo"
	"github.com/shirou/gopsutil/v4/process"
)

// LockState is the state of a package manager lock file.
type LockState string

const (
	LockFree  LockState = "free"
	LockHeld  LockState = "held"
	LockStale LockState = "stale"
)

// LockInfo describes who holds a lock file.
type LockInfo struct {
	Path   string
	State  LockState
	PID    int32
	Holder string
}

// LockInspector reports the state of a lock file of m.
type LockInspector interface {
	Inspect(ctx context.Context, path string, m Manager) LockInfo
}

// HostLockInspector inspects locks on the running host. The owner is taken
// from an fcntl lock on the file, then from a pid written into it, then from
// a running process of the manager.
type HostLockInspector struct {
	alive     func(pid int32) bool
	processes func(ctx context.Context) ([]string, error)
}

func NewHostLockInspector() *HostLockInspector {
	return &HostLockInspector{
		alive: func(pid int32) bool {
			ok, err := process.PidExists(pid)
			return err == nil && ok
		},
		processes: runningProcessNames,
	}
}

func (h *HostLockInspector) Inspect(ctx context.Context, path string, m Manager) LockInfo {
	info := LockInfo{Path: path, State: LockFree}
	if _, err := os.Stat(path); err != nil {
		return info
	}

	if pid, err := fcntlOwner(path); err == nil && pid > 0 {
		info.PID = pid
		info.Holder = "fcntl"
		info.State = LockHeld
		return info
	}

	if data, err := os.ReadFile(path); err == nil {
		if pid, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 32); err == nil && pid > 0 {
			info.PID = int32(pid)
			if h.alive(int32(pid)) {
				info.Holder = "pidfile"
				info.State = LockHeld
				return info
			}
			info.State = LockStale
			return info
		}
	}

	if h.processes != nil {
		if names, err := h.processes(ctx); err == nil {
			for _, p := range m.Processes {
				if lo.Contains(names, p) {
					info.Holder = p
					info.State = LockHeld
					return info
				}
			}
		}
	}

	info.State = LockStale
	return info
}

func runningProcessNames(ctx context.Context) ([]string, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(procs))
	for _, p := range procs {
		if name, err := p.NameWithContext(ctx); err == nil {
			names = append(names, name)
		}
	}
	return names, nil
}
