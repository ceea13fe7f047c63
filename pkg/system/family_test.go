package system_test

import (
	"context"
	"os"
	"path/filepath"

	"github.com/flanksource/provision/mock"
	"github.com/flanksource/provision/pkg/system"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func writeFile(root, rel, content string) {
	path := filepath.Join(root, rel)
	Expect(os.MkdirAll(filepath.Dir(path), 0755)).To(Succeed())
	Expect(os.WriteFile(path, []byte(content), 0644)).To(Succeed())
}

var _ = Describe("FamilyDetector", func() {
	var (
		root     string
		runner   *mock.Runner
		detector *system.FamilyDetector
	)

	BeforeEach(func() {
		root = GinkgoT().TempDir()
		runner = mock.NewRunner()
		detector = &system.FamilyDetector{Root: root, GOOS: "linux", Runner: runner}
	})

	It("maps os-release ID", func() {
		writeFile(root, "etc/os-release", "NAME=\"Ubuntu\"\nID=ubuntu\nID_LIKE=debian\n")
		family, source := detector.Detect(context.Background())
		Expect(family).To(Equal(system.FamilyDebian))
		Expect(source).To(Equal(system.SourceOSRelease))
	})

	It("falls back to ID_LIKE", func() {
		writeFile(root, "etc/os-release", "ID=\"rocky-derivative\"\nID_LIKE=\"rhel centos fedora\"\n")
		family, _ := detector.Detect(context.Background())
		Expect(family).To(Equal(system.FamilyRHEL))
	})

	It("uses marker files when os-release is unknown", func() {
		writeFile(root, "etc/os-release", "ID=something\n")
		writeFile(root, "etc/alpine-release", "3.20.0\n")
		family, source := detector.Detect(context.Background())
		Expect(family).To(Equal(system.FamilyAlpine))
		Expect(source).To(Equal(system.SourceMarker))
	})

	It("probes package manager binaries last", func() {
		runner.WithPath("pacman", "/usr/bin/pacman")
		family, source := detector.Detect(context.Background())
		Expect(family).To(Equal(system.FamilyArch))
		Expect(source).To(Equal(system.SourceCommand))
	})

	It("reports unknown without any signal", func() {
		family, source := detector.Detect(context.Background())
		Expect(family).To(Equal(system.FamilyUnknown))
		Expect(source).To(BeEmpty())
	})

	It("treats darwin as homebrew", func() {
		detector.GOOS = "darwin"
		family, _ := detector.Detect(context.Background())
		Expect(family).To(Equal(system.FamilyDarwin))
		Expect(system.ManagersFor(family)).To(Equal([]string{"brew"}))
	})
})

var _ = Describe("Manager", func() {
	It("passes the environment through sudo", func() {
		cmd := system.Managers["apt"].Command([]string{"install", "-y"}, []string{"hwloc"}, true)
		Expect(cmd.String()).To(Equal("sudo -n env DEBIAN_FRONTEND=noninteractive apt-get install -y hwloc"))
	})

	It("runs directly as root", func() {
		cmd := system.Managers["dnf"].Command(system.Managers["dnf"].Alternative, []string{"hwloc-libs"}, false)
		Expect(cmd.String()).To(Equal("dnf install -y --setopt=install_weak_deps=False --skip-broken hwloc-libs"))
	})

	It("renders the manual command", func() {
		Expect(system.Managers["apk"].Manual([]string{"hwloc", "opencl"}, true)).To(Equal("sudo apk add hwloc opencl"))
		Expect(system.Managers["brew"].Manual([]string{"hwloc"}, false)).To(Equal("brew install hwloc"))
	})
})
