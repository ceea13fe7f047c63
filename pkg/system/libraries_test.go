package system_test

import (
	"context"
	"path/filepath"

	"github.com/flanksource/provision/mock"
	"github.com/flanksource/provision/pkg/system"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("LibraryProbe", func() {
	It("builds per-OS patterns without doubling the lib prefix", func() {
		Expect(system.Patterns("hwloc", "linux")).To(ConsistOf("libhwloc.so", "libhwloc.so.*"))
		Expect(system.Patterns("libOpenCL", "linux")).To(ConsistOf("libOpenCL.so", "libOpenCL.so.*"))
		Expect(system.Patterns("hwloc", "darwin")).To(ContainElement("libhwloc.*.dylib"))
		Expect(system.Patterns("OpenCL", "windows")).To(ContainElement("OpenCL.dll"))
	})

	It("finds versioned libraries in the scanned dirs", func() {
		dir := GinkgoT().TempDir()
		writeFile(dir, "libhwloc.so.15", "elf")
		probe := &system.LibraryProbe{Dirs: []string{"/does/not/exist", dir}, GOOS: "linux"}

		path, ok := probe.Find(context.Background(), "hwloc")
		Expect(ok).To(BeTrue())
		Expect(path).To(Equal(filepath.Join(dir, "libhwloc.so.15")))

		_, ok = probe.Find(context.Background(), "OpenCL")
		Expect(ok).To(BeFalse())
	})

	It("does not match a library that only shares a prefix", func() {
		dir := GinkgoT().TempDir()
		writeFile(dir, "libhwloc-plugins.so", "elf")
		probe := &system.LibraryProbe{Dirs: []string{dir}, GOOS: "linux"}
		_, ok := probe.Find(context.Background(), "hwloc")
		Expect(ok).To(BeFalse())
	})

	It("consults the linker cache", func() {
		runner := mock.NewRunner().OnOutput("ldconfig -p", `1234 libs found in cache "/etc/ld.so.cache"
	libhwloc.so.15 (libc6,x86-64) => /lib/x86_64-linux-gnu/libhwloc.so.15
	libOpenCL.so.1 (libc6,x86-64) => /lib/x86_64-linux-gnu/libOpenCL.so.1
`)
		probe := &system.LibraryProbe{GOOS: "linux", Runner: runner, UseLinkerCache: true}
		path, ok := probe.Find(context.Background(), "OpenCL")
		Expect(ok).To(BeTrue())
		Expect(path).To(Equal("/lib/x86_64-linux-gnu/libOpenCL.so.1"))
	})

	It("lists the private lib dir first", func() {
		env := map[string]string{"LD_LIBRARY_PATH": "/opt/a:/opt/b"}
		dirs := system.DefaultLibraryDirs("linux", "/srv/provision/bin/lib", func(k string) string { return env[k] })
		Expect(dirs[0]).To(Equal("/srv/provision/bin/lib"))
		Expect(dirs).To(ContainElements("/opt/a", "/opt/b", "/usr/lib/x86_64-linux-gnu"))
	})
})
