package system

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/flanksource/commons/logger"
	"github.com/flanksource/provision/pkg/command"
	"github.com/samber/lo"
)

// LibraryProbe finds shared libraries on disk without asking the package
// manager, so bundled or hand-copied libraries count as present.
type LibraryProbe struct {
	Dirs   []string
	GOOS   string
	Runner command.Runner
	// UseLinkerCache consults `ldconfig -p` after scanning Dirs
	UseLinkerCache bool
}

// DefaultLibraryDirs returns the directories scanned on goos, with the
// private library directory first.
func DefaultLibraryDirs(goos, privateLib string, getenv func(string) string) []string {
	var dirs []string
	if privateLib != "" {
		dirs = append(dirs, privateLib)
	}
	switch goos {
	case "darwin":
		dirs = append(dirs, splitPath(getenv("DYLD_LIBRARY_PATH"))...)
		dirs = append(dirs, "/opt/homebrew/lib", "/usr/local/lib", "/usr/lib")
	case "windows":
		dirs = append(dirs, splitPath(getenv("PATH"))...)
	default:
		dirs = append(dirs, splitPath(getenv("LD_LIBRARY_PATH"))...)
		dirs = append(dirs,
			"/lib", "/lib64", "/usr/lib", "/usr/lib64", "/usr/local/lib", "/usr/local/lib64",
			"/lib/x86_64-linux-gnu", "/usr/lib/x86_64-linux-gnu",
			"/lib/aarch64-linux-gnu", "/usr/lib/aarch64-linux-gnu",
			"/lib/arm-linux-gnueabihf", "/usr/lib/arm-linux-gnueabihf",
			"/home/linuxbrew/.linuxbrew/lib",
		)
	}
	return lo.Uniq(lo.Compact(dirs))
}

func splitPath(value string) []string {
	return lo.Compact(filepath.SplitList(value))
}

func NewLibraryProbe(runner command.Runner, dirs []string) *LibraryProbe {
	return &LibraryProbe{
		Dirs:           dirs,
		GOOS:           runtime.GOOS,
		Runner:         runner,
		UseLinkerCache: runtime.GOOS == "linux",
	}
}

// Patterns returns the file name globs matching library on goos, e.g.
// libhwloc.so* for "hwloc".
func Patterns(library, goos string) []string {
	base := strings.TrimPrefix(library, "lib")
	switch goos {
	case "darwin":
		return []string{"lib" + base + ".dylib", "lib" + base + ".*.dylib", base + ".framework"}
	case "windows":
		return []string{base + ".dll", base + "-*.dll", "lib" + base + "*.dll"}
	default:
		return []string{"lib" + base + ".so", "lib" + base + ".so.*"}
	}
}

// Find returns the first file providing library.
func (p *LibraryProbe) Find(ctx context.Context, library string) (string, bool) {
	patterns := Patterns(library, p.GOOS)
	for _, dir := range p.Dirs {
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		fsys := os.DirFS(dir)
		for _, pattern := range patterns {
			matches, err := doublestar.Glob(fsys, pattern)
			if err != nil || len(matches) == 0 {
				continue
			}
			found := filepath.Join(dir, filepath.FromSlash(matches[0]))
			logger.V(3).Infof("library %s found at %s", library, found)
			return found, true
		}
	}

	if p.UseLinkerCache && p.Runner != nil {
		if found, ok := p.linkerCache(ctx, library, patterns); ok {
			return found, true
		}
	}
	return "", false
}

// linkerCache parses lines such as
// "libhwloc.so.15 (libc6,x86-64) => /lib/x86_64-linux-gnu/libhwloc.so.15".
func (p *LibraryProbe) linkerCache(ctx context.Context, library string, patterns []string) (string, bool) {
	for _, ldconfig := range []string{"ldconfig", "/sbin/ldconfig"} {
		res := p.Runner.Run(ctx, command.Cmd{Name: ldconfig, Args: []string{"-p"}})
		if !res.Success() {
			continue
		}
		for _, line := range strings.Split(res.Stdout, "\n") {
			name, target, ok := strings.Cut(strings.TrimSpace(line), "=>")
			if !ok {
				continue
			}
			name = strings.Fields(name)[0]
			for _, pattern := range patterns {
				if matched, _ := path.Match(pattern, name); matched {
					return strings.TrimSpace(target), true
				}
			}
		}
		return "", false
	}
	logger.V(3).Infof("ldconfig unavailable while probing %s", library)
	return "", false
}
