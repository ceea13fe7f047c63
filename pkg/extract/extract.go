package extract

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/flanksource/clicky/task"
	"github.com/flanksource/provision/pkg/utils"
)

// ExtractOption is a functional option for configuring extraction
type ExtractOption func(*extractConfig)

type extractConfig struct {
	binaryPath  string
	fullExtract bool
}

// WithBinaryPath sets the path or glob of the binary to find in the archive
func WithBinaryPath(binaryPath string) ExtractOption {
	return func(c *extractConfig) {
		c.binaryPath = binaryPath
	}
}

// WithFullExtract extracts the archive without searching for a binary
func WithFullExtract() ExtractOption {
	return func(c *extractConfig) {
		c.fullExtract = true
	}
}

// Extract unpacks archivePath into a fresh extractDir and returns the path
// of the requested binary, or "" for a full extract.
func Extract(archivePath, extractDir string, t *task.Task, opts ...ExtractOption) (string, error) {
	config := &extractConfig{}
	for _, opt := range opts {
		opt(config)
	}

	if t != nil {
		t.SetDescription(fmt.Sprintf("Extracting %s", filepath.Base(archivePath)))
	}

	if _, err := os.Stat(extractDir); err == nil {
		if err := os.RemoveAll(extractDir); err != nil {
			return "", fmt.Errorf("failed to clean up existing extract directory: %w", err)
		}
	}

	result, err := Unarchive(archivePath, extractDir)
	if err != nil {
		return "", err
	}
	utils.LogExtraction(t, archivePath, extractDir, len(result.Files))
	if len(result.Files) == 0 {
		return "", fmt.Errorf("archive %s is empty", filepath.Base(archivePath))
	}

	if config.fullExtract {
		return "", nil
	}

	return FindBinaryInDir(extractDir, config.binaryPath, t)
}

// FindBinaryInDir locates a binary in an extracted tree. binaryPath may be an
// exact relative path, a doublestar glob or a bare name matched anywhere.
func FindBinaryInDir(extractDir, binaryPath string, t *task.Task) (string, error) {
	if binaryPath != "" {
		fullPath := filepath.Join(extractDir, binaryPath)
		if fileExists(fullPath) {
			utils.LogBinarySearch(t, extractDir, binaryPath, true, fullPath)
			return fullPath, nil
		}

		pattern := binaryPath
		if !strings.ContainsAny(pattern, "*?[{") {
			pattern = "**/" + filepath.Base(binaryPath)
		}
		matches, err := doublestar.Glob(os.DirFS(extractDir), filepath.ToSlash(pattern), doublestar.WithFilesOnly())
		if err != nil {
			return "", fmt.Errorf("invalid binary path pattern %q: %w", binaryPath, err)
		}
		if len(matches) > 0 {
			// prefer the shallowest match
			sort.Slice(matches, func(i, j int) bool {
				return strings.Count(matches[i], "/") < strings.Count(matches[j], "/")
			})
			found := filepath.Join(extractDir, filepath.FromSlash(matches[0]))
			utils.LogBinarySearch(t, extractDir, binaryPath, true, found)
			return found, nil
		}
		utils.LogBinarySearch(t, extractDir, binaryPath, false, "")
		return "", fmt.Errorf("%s not found in archive", binaryPath)
	}

	var executables []string
	err := filepath.Walk(extractDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || info.Mode()&0111 == 0 {
			return nil
		}
		executables = append(executables, path)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to search for executables: %w", err)
	}

	if len(executables) == 0 {
		return "", fmt.Errorf("no executable files found in archive")
	}
	if len(executables) > 1 && t != nil {
		t.Debugf("Found %d executables, using %s", len(executables), filepath.Base(executables[0]))
	}
	utils.LogBinarySearch(t, extractDir, "executable", true, executables[0])
	return executables[0], nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
