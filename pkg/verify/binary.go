package verify

import (
	"debug/elf"
	"debug/macho"
	"debug/pe"
	"fmt"
	"io"
	"os"

	"github.com/flanksource/provision/pkg/types"
)

// BinaryInfo contains the OS and architecture recorded in an executable header
type BinaryInfo struct {
	OS   string
	Arch string
	Type string // "elf", "macho", "pe", "script", "unknown"
}

func (b BinaryInfo) String() string {
	if b.OS == "" {
		return b.Type
	}
	return fmt.Sprintf("%s %s/%s", b.Type, b.OS, b.Arch)
}

// DetectBinaryPlatform reads the executable header of path
func DetectBinaryPlatform(path string) (*BinaryInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer func() { _ = f.Close() }()

	magic := make([]byte, 4)
	if _, err := io.ReadFull(f, magic); err != nil {
		return &BinaryInfo{Type: "unknown"}, nil
	}

	switch {
	case magic[0] == 0x7f && magic[1] == 'E' && magic[2] == 'L' && magic[3] == 'F':
		return detectELF(path)
	case isMachO(magic):
		return detectMachO(path)
	case magic[0] == 'M' && magic[1] == 'Z':
		return detectPE(path)
	case magic[0] == '#' && magic[1] == '!':
		return &BinaryInfo{Type: "script"}, nil
	}

	return &BinaryInfo{Type: "unknown"}, nil
}

func isMachO(m []byte) bool {
	switch {
	case m[0] == 0xfe && m[1] == 0xed && m[2] == 0xfa && (m[3] == 0xce || m[3] == 0xcf):
		return true
	case (m[0] == 0xce || m[0] == 0xcf) && m[1] == 0xfa && m[2] == 0xed && m[3] == 0xfe:
		return true
	case m[0] == 0xca && m[1] == 0xfe && m[2] == 0xba && m[3] == 0xbe:
		return true
	}
	return false
}

func detectELF(path string) (*BinaryInfo, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ELF: %w", err)
	}
	defer func() { _ = f.Close() }()

	info := &BinaryInfo{OS: types.OSLinux, Type: "elf"}
	switch f.OSABI {
	case elf.ELFOSABI_FREEBSD:
		info.OS = types.OSFreeBSD
	case elf.ELFOSABI_OPENBSD:
		info.OS = types.OSOpenBSD
	}

	switch f.Machine {
	case elf.EM_X86_64:
		info.Arch = types.ArchX86_64
	case elf.EM_AARCH64:
		info.Arch = types.ArchARM64
	case elf.EM_386:
		info.Arch = types.ArchX86
	case elf.EM_ARM:
		info.Arch = types.ArchARM
	default:
		info.Arch = f.Machine.String()
	}
	return info, nil
}

func detectMachO(path string) (*BinaryInfo, error) {
	f, err := macho.Open(path)
	if err != nil {
		fatFile, fatErr := macho.OpenFat(path)
		if fatErr != nil {
			return nil, fmt.Errorf("failed to parse Mach-O: %w", err)
		}
		defer func() { _ = fatFile.Close() }()
		// darwin_all releases are universal and run on both architectures
		return &BinaryInfo{OS: types.OSDarwin, Type: "macho", Arch: "universal"}, nil
	}
	defer func() { _ = f.Close() }()

	info := &BinaryInfo{OS: types.OSDarwin, Type: "macho"}
	switch f.Cpu {
	case macho.CpuAmd64:
		info.Arch = types.ArchX86_64
	case macho.CpuArm64:
		info.Arch = types.ArchARM64
	case macho.Cpu386:
		info.Arch = types.ArchX86
	case macho.CpuArm:
		info.Arch = types.ArchARM
	default:
		info.Arch = f.Cpu.String()
	}
	return info, nil
}

func detectPE(path string) (*BinaryInfo, error) {
	f, err := pe.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PE: %w", err)
	}
	defer func() { _ = f.Close() }()

	info := &BinaryInfo{OS: types.OSWindows, Type: "pe"}
	switch f.Machine {
	case pe.IMAGE_FILE_MACHINE_AMD64:
		info.Arch = types.ArchX86_64
	case pe.IMAGE_FILE_MACHINE_ARM64:
		info.Arch = types.ArchARM64
	case pe.IMAGE_FILE_MACHINE_I386:
		info.Arch = types.ArchX86
	case pe.IMAGE_FILE_MACHINE_ARMNT:
		info.Arch = types.ArchARM
	default:
		info.Arch = fmt.Sprintf("unknown(%d)", f.Machine)
	}
	return info, nil
}

// VerifyBinaryPlatform checks that the header of path matches key. Scripts
// and universal Mach-O binaries match any architecture of their OS.
func VerifyBinaryPlatform(path string, key types.PlatformKey) error {
	info, err := DetectBinaryPlatform(path)
	if err != nil {
		return fmt.Errorf("failed to detect binary platform: %w", err)
	}

	switch info.Type {
	case "unknown":
		return fmt.Errorf("unknown binary format")
	case "script":
		return nil
	}

	if info.OS != key.OS {
		return fmt.Errorf("binary OS mismatch: expected %s, got %s", key.OS, info.OS)
	}
	if info.Arch != key.Arch && info.Arch != "universal" {
		return fmt.Errorf("binary arch mismatch: expected %s, got %s", key.Arch, info.Arch)
	}
	return nil
}
