package checksum

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"io"
	"os"
	"path"
	"strings"
)

// HashType represents different hash algorithms
type HashType string

const (
	HashTypeMD5    HashType = "md5"
	HashTypeSHA1   HashType = "sha1"
	HashTypeSHA256 HashType = "sha256"
	HashTypeSHA384 HashType = "sha384"
	HashTypeSHA512 HashType = "sha512"
)

// SidecarSuffixes are the extensions release publishers use for per-asset checksum files
var SidecarSuffixes = []string{".sha256", ".sha512", ".sha256sum", ".sha512sum"}

// AggregateNames are checksum files covering every asset of a release
var AggregateNames = []string{"checksums.txt", "SHA256SUMS", "SHA512SUMS", "sha256sums.txt"}

// DetectHashType detects the hash type from an explicit prefix or the hex length.
func DetectHashType(checksum string) HashType {
	checksum = strings.TrimSpace(checksum)
	if prefix, _, ok := strings.Cut(checksum, ":"); ok {
		switch HashType(strings.ToLower(prefix)) {
		case HashTypeMD5, HashTypeSHA1, HashTypeSHA256, HashTypeSHA384, HashTypeSHA512:
			return HashType(strings.ToLower(prefix))
		}
	}

	if idx := strings.Index(checksum, ":"); idx >= 0 {
		checksum = checksum[idx+1:]
	}

	switch len(strings.TrimSpace(checksum)) {
	case 32:
		return HashTypeMD5
	case 40:
		return HashTypeSHA1
	case 96:
		return HashTypeSHA384
	case 128:
		return HashTypeSHA512
	default:
		return HashTypeSHA256
	}
}

// CreateHasher creates the appropriate hash.Hash for the given type
func CreateHasher(hashType HashType) (hash.Hash, error) {
	switch hashType {
	case HashTypeMD5:
		return md5.New(), nil
	case HashTypeSHA1:
		return sha1.New(), nil
	case HashTypeSHA256:
		return sha256.New(), nil
	case HashTypeSHA384:
		return sha512.New384(), nil
	case HashTypeSHA512:
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("unsupported hash type: %s", hashType)
	}
}

// ParseChecksum splits "type:hex" or bare hex into value and type.
func ParseChecksum(checksum string) (value string, hashType HashType) {
	checksum = strings.TrimSpace(checksum)
	hashType = DetectHashType(checksum)
	if _, v, ok := strings.Cut(checksum, ":"); ok {
		return strings.ToLower(strings.TrimSpace(v)), hashType
	}
	return strings.ToLower(checksum), hashType
}

// FormatChecksum formats a checksum with its type prefix
func FormatChecksum(value string, hashType HashType) string {
	return fmt.Sprintf("%s:%s", hashType, value)
}

// CalculateFileChecksum hashes a file with the given algorithm.
func CalculateFileChecksum(filePath string, hashType HashType) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to open file %s: %w", filePath, err)
	}
	defer func() { _ = file.Close() }()

	hasher, err := CreateHasher(hashType)
	if err != nil {
		return "", err
	}

	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("failed to read file %s: %w", filePath, err)
	}

	return fmt.Sprintf("%x", hasher.Sum(nil)), nil
}

// Verify compares a file against an expected checksum.
func Verify(filePath, expected string) (bool, string, error) {
	expectedValue, hashType := ParseChecksum(expected)
	actual, err := CalculateFileChecksum(filePath, hashType)
	if err != nil {
		return false, "", err
	}
	return actual == expectedValue, FormatChecksum(actual, hashType), nil
}

// IsValidChecksum checks for a hex digest of a known length with an optional type prefix.
func IsValidChecksum(input string) bool {
	input = strings.TrimSpace(input)
	if prefix, v, ok := strings.Cut(input, ":"); ok {
		switch HashType(strings.ToLower(prefix)) {
		case HashTypeMD5, HashTypeSHA1, HashTypeSHA256, HashTypeSHA384, HashTypeSHA512:
		default:
			return false
		}
		input = v
	}
	switch len(input) {
	case 32, 40, 64, 96, 128:
	default:
		return false
	}
	for _, r := range input {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')) {
			return false
		}
	}
	return true
}

// ParseChecksumFile finds the checksum for filename in the content of a
// checksum file. It understands "hex  name", "hex *name" and files holding a
// single bare digest.
func ParseChecksumFile(content, filename string) (string, error) {
	filename = path.Base(filename)
	var bare []string

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 1 {
			bare = append(bare, fields[0])
			continue
		}
		name := strings.TrimPrefix(strings.Join(fields[1:], " "), "*")
		if (name == filename || strings.HasSuffix(name, "/"+filename)) && IsValidChecksum(fields[0]) {
			value, hashType := ParseChecksum(fields[0])
			return FormatChecksum(value, hashType), nil
		}
	}

	if len(bare) == 1 && IsValidChecksum(bare[0]) {
		value, hashType := ParseChecksum(bare[0])
		return FormatChecksum(value, hashType), nil
	}

	return "", fmt.Errorf("checksum not found for %s", filename)
}
