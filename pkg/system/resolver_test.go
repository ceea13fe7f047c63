package system_test

import (
	"context"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/flanksource/provision/mock"
	"github.com/flanksource/provision/pkg/command"
	"github.com/flanksource/provision/pkg/system"
	"github.com/flanksource/provision/pkg/types"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// fakeLocks reports every lock file as held until release is closed.
type fakeLocks struct {
	state   system.LockState
	inspect int32
}

func (f *fakeLocks) Inspect(_ context.Context, path string, _ system.Manager) system.LockInfo {
	atomic.AddInt32(&f.inspect, 1)
	return system.LockInfo{Path: path, State: f.state, PID: 4242}
}

var _ = Describe("Resolver", func() {
	var (
		root     string
		libDir   string
		runner   *mock.Runner
		locks    *fakeLocks
		resolver *system.Resolver
		spec     types.DependencySpec
	)

	BeforeEach(func() {
		root = GinkgoT().TempDir()
		libDir = filepath.Join(root, "usr/lib")
		writeFile(root, "etc/os-release", "ID=debian\n")
		runner = mock.NewRunner().WithPath("apt-get", "/usr/bin/apt-get")
		locks = &fakeLocks{state: system.LockFree}
		resolver = &system.Resolver{
			Runner:         runner,
			Families:       &system.FamilyDetector{Root: root, GOOS: "linux", Runner: runner},
			Libraries:      &system.LibraryProbe{Dirs: []string{libDir}, GOOS: "linux"},
			Locks:          locks,
			Root:           root,
			AutoInstall:    true,
			LockTimeout:    time.Second,
			InstallTimeout: time.Minute,
			PollInterval:   20 * time.Millisecond,
			IsRoot:         func() bool { return true },
		}
		spec = types.DependencySpec{
			Libraries: []string{"hwloc"},
			Packages: map[string][]string{
				"apt": {"hwloc", "ocl-icd-opencl-dev"},
				"dnf": {"hwloc-libs"},
			},
		}
	})

	installLib := func(context.Context, command.Cmd) command.Result {
		writeFile(libDir, "libhwloc.so.15", "elf")
		return command.Result{}
	}

	It("does nothing when the libraries are present", func() {
		writeFile(libDir, "libhwloc.so.15", "elf")
		report, err := resolver.Ensure(context.Background(), spec)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Satisfied()).To(BeTrue())
		Expect(report.Dependencies[0].State).To(Equal(system.DepPresent))
		Expect(runner.Calls()).To(BeEmpty())
	})

	It("fails fast with the exact command when auto install is off", func() {
		resolver.AutoInstall = false
		resolver.IsRoot = func() bool { return false }

		report, err := resolver.Ensure(context.Background(), spec)
		Expect(err).To(HaveOccurred())
		Expect(types.IsKind(err, types.KindDependencyResolutionFailed)).To(BeTrue())
		Expect(system.ReasonOf(err)).To(Equal(system.ReasonDisabled))
		Expect(err.Error()).To(ContainSubstring("sudo apt-get install -y hwloc ocl-icd-opencl-dev"))
		Expect(err.Error()).To(ContainSubstring(system.AutoInstallEnv))
		Expect(report.Command).To(Equal("sudo apt-get install -y hwloc ocl-icd-opencl-dev"))
		Expect(report.Dependencies[0].State).To(Equal(system.DepManagerAvailable))
		Expect(runner.Ran("apt-get")).To(BeFalse())
	})

	It("installs with the primary command", func() {
		runner.OnFunc("apt-get install -y hwloc", installLib)
		report, err := resolver.Ensure(context.Background(), spec)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Manager).To(Equal("apt"))
		Expect(report.Dependencies[0].State).To(Equal(system.DepInstalled))
		Expect(runner.Calls()).To(Equal([]string{
			"apt-get update",
			"apt-get install -y hwloc ocl-icd-opencl-dev",
		}))
		Expect(runner.Commands()[1].Env).To(HaveKeyWithValue("DEBIAN_FRONTEND", "noninteractive"))
	})

	It("falls back to the alternative command", func() {
		runner.OnExit("apt-get install -y hwloc", 100, "E: Unable to correct problems, you have held broken packages.")
		runner.OnFunc("apt-get install -y --no-install-recommends", installLib)

		report, err := resolver.Ensure(context.Background(), spec)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Satisfied()).To(BeTrue())
		Expect(runner.Ran("apt-get install -y --no-install-recommends hwloc ocl-icd-opencl-dev")).To(BeTrue())
	})

	It("honours alternative flag overrides", func() {
		spec.AlternativeFlags = map[string][]string{"apt": {"install", "-y", "--fix-broken"}}
		runner.OnExit("apt-get install -y hwloc", 100, "broken")
		runner.OnFunc("apt-get install -y --fix-broken", installLib)

		_, err := resolver.Ensure(context.Background(), spec)
		Expect(err).NotTo(HaveOccurred())
		Expect(runner.Ran("apt-get install -y --no-install-recommends")).To(BeFalse())
	})

	It("reports the output when both commands fail", func() {
		runner.OnExit("apt-get install -y", 100, "E: Package 'hwloc' has no installation candidate")

		report, err := resolver.Ensure(context.Background(), spec)
		Expect(system.ReasonOf(err)).To(Equal(system.ReasonInstallFailed))
		Expect(err.Error()).To(ContainSubstring("no installation candidate"))
		Expect(report.Dependencies[0].State).To(Equal(system.DepFailed))
	})

	It("fails when the library is still missing after install", func() {
		runner.On("apt-get install -y", command.Result{})
		_, err := resolver.Ensure(context.Background(), spec)
		Expect(system.ReasonOf(err)).To(Equal(system.ReasonStillMissing))
	})

	It("reports a missing package manager", func() {
		spec.Packages = map[string][]string{"pacman": {"hwloc"}}
		report, err := resolver.Ensure(context.Background(), spec)
		Expect(system.ReasonOf(err)).To(Equal(system.ReasonNoManager))
		Expect(report.Dependencies[0].State).To(Equal(system.DepManagerMissing))
	})

	It("times out on a live lock holder within tolerance", func() {
		locks.state = system.LockHeld
		resolver.LockTimeout = 300 * time.Millisecond

		start := time.Now()
		report, err := resolver.Ensure(context.Background(), spec)
		elapsed := time.Since(start)

		Expect(system.ReasonOf(err)).To(Equal(system.ReasonLocked))
		Expect(err.Error()).To(ContainSubstring("pid 4242"))
		Expect(elapsed).To(BeNumerically(">=", 300*time.Millisecond))
		Expect(elapsed).To(BeNumerically("<", 2*time.Second))
		Expect(report.Dependencies[0].State).To(Equal(system.DepManagerLocked))
		Expect(atomic.LoadInt32(&locks.inspect)).To(BeNumerically(">", 1))
		Expect(runner.Ran("apt-get")).To(BeFalse())
	})

	It("proceeds past stale locks", func() {
		locks.state = system.LockStale
		runner.OnFunc("apt-get install -y hwloc", installLib)
		_, err := resolver.Ensure(context.Background(), spec)
		Expect(err).NotTo(HaveOccurred())
	})

	It("uses sudo when not root", func() {
		resolver.IsRoot = func() bool { return false }
		runner.OnFunc("sudo -n env DEBIAN_FRONTEND=noninteractive apt-get install -y hwloc", installLib)
		_, err := resolver.Ensure(context.Background(), spec)
		Expect(err).NotTo(HaveOccurred())
		Expect(runner.Calls()[0]).To(HavePrefix("sudo -n "))
	})

	It("installs build tool packages without probing libraries", func() {
		runner.On("apt-get install -y", command.Result{})
		runner.OnOutput("dpkg-query", "install ok installed")
		report, err := resolver.InstallPackages(context.Background(), map[string][]string{"apt": {"make", "jq"}}, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Satisfied()).To(BeTrue())
		Expect(strings.Join(runner.Calls(), "\n")).To(ContainSubstring("apt-get install -y make jq"))
	})
})
