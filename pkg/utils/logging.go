package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/flanksource/clicky/task"
)

// LogPath returns path relative to the working directory when that is
// shorter, otherwise its basename.
func LogPath(path string) string {
	if path == "" {
		return ""
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Base(path)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return filepath.Base(abs)
	}
	rel, err := filepath.Rel(cwd, abs)
	if err != nil || len(rel) > len(abs) {
		return filepath.Base(abs)
	}
	return rel
}

// FormatBytes formats a byte count as B, KB, MB...
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// ShortenURL drops the scheme and, for long URLs, everything between the
// host and the file name.
func ShortenURL(url string) string {
	url = strings.TrimPrefix(strings.TrimPrefix(url, "https://"), "http://")
	if len(url) <= 60 {
		return url
	}
	parts := strings.Split(url, "/")
	if len(parts) <= 2 {
		return url
	}
	return fmt.Sprintf("%s/.../%s", parts[0], parts[len(parts)-1])
}

func LogDownloadStart(t *task.Task, url, dest string) {
	if t == nil {
		return
	}
	t.Infof("Downloading from %s", ShortenURL(url))
	t.SetDescription(fmt.Sprintf("Downloading %s", filepath.Base(dest)))
}

// LogBinarySearch records where a binary was looked for inside an unpacked asset
func LogBinarySearch(t *task.Task, searchDir, binaryName string, found bool, foundPath string) {
	if t == nil {
		return
	}
	if found {
		t.V(4).Infof("searched %s for %s: found %s", LogPath(searchDir), binaryName, LogPath(foundPath))
	} else {
		t.V(4).Infof("searched %s for %s: not found", LogPath(searchDir), binaryName)
	}
}

func LogExtraction(t *task.Task, archivePath, extractDir string, fileCount int) {
	if t == nil {
		return
	}
	if fileCount > 0 {
		t.Infof("Extracted %s (%d files) to %s", filepath.Base(archivePath), fileCount, LogPath(extractDir))
	} else {
		t.Infof("Extracting %s to %s", filepath.Base(archivePath), LogPath(extractDir))
	}
}
