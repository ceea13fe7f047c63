package system

import (
	"sort"
	"strings"

	"github.com/flanksource/provision/pkg/command"
	"github.com/samber/lo"
)

// Manager describes how to drive one package manager CLI.
type Manager struct {
	Name   string
	Binary string
	Family Family
	// Update refreshes the package index; a nonzero exit is not fatal
	Update []string
	// Install is followed by the package names
	Install []string
	// Alternative is tried when Install fails, e.g. without weak dependencies
	Alternative []string
	// Query is a full command line that succeeds when a package is installed
	Query []string
	Env   map[string]string
	// LockFiles are relative to the filesystem root
	LockFiles []string
	// Processes hold the lock while running
	Processes  []string
	Privileged bool
}

// Managers is keyed by the names used in dependency package tables.
var Managers = map[string]Manager{
	"apt": {
		Name:        "apt",
		Binary:      "apt-get",
		Family:      FamilyDebian,
		Update:      []string{"update"},
		Install:     []string{"install", "-y"},
		Alternative: []string{"install", "-y", "--no-install-recommends"},
		Query:       []string{"dpkg-query", "-W", "-f=${Status}"},
		Env:         map[string]string{"DEBIAN_FRONTEND": "noninteractive"},
		LockFiles: []string{
			"var/lib/dpkg/lock-frontend",
			"var/lib/dpkg/lock",
			"var/lib/apt/lists/lock",
			"var/cache/apt/archives/lock",
		},
		Processes:  []string{"apt", "apt-get", "dpkg", "unattended-upgr", "aptitude"},
		Privileged: true,
	},
	"dnf": {
		Name:        "dnf",
		Binary:      "dnf",
		Family:      FamilyFedora,
		Update:      []string{"makecache"},
		Install:     []string{"install", "-y"},
		Alternative: []string{"install", "-y", "--setopt=install_weak_deps=False", "--skip-broken"},
		Query:       []string{"rpm", "-q"},
		LockFiles: []string{
			"var/run/dnf.pid",
			"var/cache/dnf/metadata_lock.pid",
			"var/lib/dnf/rpmdb_lock.pid",
		},
		Processes:  []string{"dnf", "rpm"},
		Privileged: true,
	},
	"yum": {
		Name:        "yum",
		Binary:      "yum",
		Family:      FamilyRHEL,
		Update:      []string{"makecache"},
		Install:     []string{"install", "-y"},
		Alternative: []string{"install", "-y", "--skip-broken"},
		Query:       []string{"rpm", "-q"},
		LockFiles:   []string{"var/run/yum.pid"},
		Processes:   []string{"yum", "rpm"},
		Privileged:  true,
	},
	"apk": {
		Name:        "apk",
		Binary:      "apk",
		Family:      FamilyAlpine,
		Update:      []string{"update"},
		Install:     []string{"add"},
		Alternative: []string{"add", "--no-cache"},
		Query:       []string{"apk", "info", "-e"},
		LockFiles:   []string{"lib/apk/db/lock"},
		Processes:   []string{"apk"},
		Privileged:  true,
	},
	"pacman": {
		Name:        "pacman",
		Binary:      "pacman",
		Family:      FamilyArch,
		Update:      []string{"-Sy"},
		Install:     []string{"-S", "--noconfirm", "--needed"},
		Alternative: []string{"-Sy", "--noconfirm", "--needed"},
		Query:       []string{"pacman", "-Q"},
		LockFiles:   []string{"var/lib/pacman/db.lck"},
		Processes:   []string{"pacman"},
		Privileged:  true,
	},
	"brew": {
		Name:        "brew",
		Binary:      "brew",
		Family:      FamilyDarwin,
		Update:      []string{"update"},
		Install:     []string{"install"},
		Alternative: []string{"reinstall"},
		Query:       []string{"brew", "list", "--versions"},
		Env:         map[string]string{"HOMEBREW_NO_AUTO_UPDATE": "1", "HOMEBREW_NO_INSTALL_CLEANUP": "1"},
		Processes:   []string{"brew"},
	},
}

// familyManagers lists candidate managers per family in preference order.
var familyManagers = map[Family][]string{
	FamilyDebian: {"apt"},
	FamilyFedora: {"dnf", "yum"},
	FamilyRHEL:   {"dnf", "yum"},
	FamilyAlpine: {"apk"},
	FamilyArch:   {"pacman"},
	FamilyDarwin: {"brew"},
}

// ManagersFor returns the managers to try for family. Unknown families try all.
func ManagersFor(family Family) []string {
	if names, ok := familyManagers[family]; ok {
		return names
	}
	return []string{"apt", "dnf", "yum", "apk", "pacman", "brew"}
}

func managerForBinary(binary string) string {
	for name, m := range Managers {
		if m.Binary == binary {
			return name
		}
	}
	return ""
}

// Command builds the invocation of args followed by packages, prefixed with
// non-interactive sudo when sudo is set.
func (m Manager) Command(args, packages []string, sudo bool) command.Cmd {
	full := append(append([]string{}, args...), packages...)
	name := m.Binary
	if sudo {
		// sudo resets the environment, so variables are passed through env(1)
		prefix := []string{"-n"}
		if len(m.Env) > 0 {
			prefix = append(prefix, "env")
			for _, k := range lo.Keys(m.Env) {
				prefix = append(prefix, k+"="+m.Env[k])
			}
			sort.Strings(prefix[2:])
		}
		full = append(append(prefix, m.Binary), full...)
		name = "sudo"
	}
	return command.Cmd{Name: name, Args: full, Env: m.Env}
}

// QueryCommand builds the informational "is it installed" command.
func (m Manager) QueryCommand(pkg string) command.Cmd {
	return command.Cmd{Name: m.Query[0], Args: append(append([]string{}, m.Query[1:]...), pkg)}
}

// Manual renders the command a user should run when automatic installation
// is disabled.
func (m Manager) Manual(packages []string, sudo bool) string {
	parts := append(append([]string{m.Binary}, m.Install...), packages...)
	if sudo {
		parts = append([]string{"sudo"}, parts...)
	}
	return strings.Join(parts, " ")
}
