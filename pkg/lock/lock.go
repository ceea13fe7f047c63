package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// ErrTimeout is returned when a lock could not be acquired in time.
var ErrTimeout = errors.New("timed out waiting for install lock")

var (
	// errHeld means another process holds the file lock
	errHeld = errors.New("lock held")
	// errReplaced means the previous holder unlinked the file after we opened it
	errReplaced = errors.New("lock file replaced")
)

const (
	DefaultTimeout      = 10 * time.Minute
	DefaultPollInterval = 250 * time.Millisecond
)

// slots serialises goroutines of this process per lock path. It is shared by
// every Locker, so two Lockers over the same directory exclude each other.
var slots = struct {
	sync.Mutex
	m map[string]chan struct{}
}{m: map[string]chan struct{}{}}

func slot(key string) chan struct{} {
	slots.Lock()
	defer slots.Unlock()
	s, ok := slots.m[key]
	if !ok {
		s = make(chan struct{}, 1)
		slots.m[key] = s
	}
	return s
}

// Locker serialises installs of the same binary name, both between
// goroutines of this process and between processes sharing an install root.
// Across processes it relies on an OS file lock, which the kernel drops when
// the holder dies, so a crashed install never leaves a stale lock behind.
type Locker struct {
	Dir          string
	Timeout      time.Duration
	PollInterval time.Duration
}

func New(dir string, timeout time.Duration) *Locker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Locker{
		Dir:          dir,
		Timeout:      timeout,
		PollInterval: DefaultPollInterval,
	}
}

// Path returns the lock file used for name.
func (l *Locker) Path(name string) string {
	return filepath.Join(l.Dir, name+".lock")
}

func (l *Locker) key(name string) string {
	if l.Dir == "" {
		return "\x00" + name
	}
	if abs, err := filepath.Abs(l.Path(name)); err == nil {
		return abs
	}
	return l.Path(name)
}

// Acquire blocks until the lock for name is held, ctx ends or the timeout
// elapses. The returned release func must be called exactly once.
func (l *Locker) Acquire(ctx context.Context, name string) (func(), error) {
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s := slot(l.key(name))
	select {
	case s <- struct{}{}:
	case <-ctx.Done():
		return nil, l.waitErr(ctx, name, timeout)
	}

	f, err := l.acquireFile(ctx, name, timeout)
	if err != nil {
		<-s
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if f != nil {
				if err := unlockFile(f, l.Path(name)); err != nil {
					log.WithField("binary", name).Warnf("failed to release lock file: %v", err)
				}
			}
			<-s
		})
	}, nil
}

func (l *Locker) waitErr(ctx context.Context, name string, timeout time.Duration) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w %s after %s", ErrTimeout, name, timeout)
	}
	return ctx.Err()
}

func (l *Locker) acquireFile(ctx context.Context, name string, timeout time.Duration) (*os.File, error) {
	if l.Dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(l.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock dir: %w", err)
	}
	path := l.Path(name)
	interval := l.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	logged := false
	for {
		f, err := lockFile(path)
		switch {
		case err == nil:
			if err := writeOwner(f); err != nil {
				_ = unlockFile(f, path)
				return nil, fmt.Errorf("failed to write lock file %s: %w", path, err)
			}
			return f, nil
		case errors.Is(err, errReplaced):
			continue
		case !errors.Is(err, errHeld):
			return nil, fmt.Errorf("failed to lock %s: %w", path, err)
		}

		if !logged {
			log.WithFields(log.Fields{"binary": name, "pid": owner(path)}).Info("waiting for install lock")
			logged = true
		}
		select {
		case <-ctx.Done():
			return nil, l.waitErr(ctx, name, timeout)
		case <-time.After(interval):
		}
	}
}

// writeOwner records the holder pid for the waiting message of other processes.
func writeOwner(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	_, err := f.WriteAt([]byte(fmt.Sprintf("%d\n%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))), 0)
	return err
}

func owner(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return "unknown"
	}
	if pid := strings.TrimSpace(strings.SplitN(string(data), "\n", 2)[0]); pid != "" {
		return pid
	}
	return "unknown"
}
