package extract

import (
	"path/filepath"
	"strings"
)

// GetExtension returns the file extension from a URL, handling compound archive suffixes
func GetExtension(url string) string {
	if idx := strings.Index(url, "?"); idx != -1 {
		url = url[:idx]
	}

	lower := strings.ToLower(url)
	for _, ext := range supported {
		if strings.HasSuffix(lower, ext) {
			return ext
		}
	}
	return filepath.Ext(url)
}

// supported lists archive suffixes, longest first so .tar.gz wins over .gz
var supported = []string{".tar.gz", ".tar.xz", ".tar.bz2", ".tgz", ".txz", ".tbz2", ".tar", ".zip"}

// IsArchive returns true if the file appears to be a supported archive
func IsArchive(path string) bool {
	lower := strings.ToLower(path)
	for _, ext := range supported {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}
