package cache

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/flanksource/commons/logger"
	"github.com/flanksource/provision/pkg/checksum"
	"github.com/flanksource/provision/pkg/utils"
)

// Cache stores downloaded release artifacts keyed by URL so that retries and
// reinstalls do not hit the network again. A Cache with an empty Dir is disabled.
type Cache struct {
	Dir string
}

func New(dir string) *Cache {
	return &Cache{Dir: dir}
}

func (c *Cache) Enabled() bool {
	return c != nil && c.Dir != ""
}

// Path returns {dir}/{url-hash}/{filename}
func (c *Cache) Path(url, filename string) string {
	if !c.Enabled() {
		return ""
	}
	return filepath.Join(c.Dir, hashURL(url), filename)
}

// Lookup returns the cached copy of url when present and, if expectedChecksum
// is set, matching it. Corrupt entries are evicted.
func (c *Cache) Lookup(url, filename, expectedChecksum string) (string, bool) {
	if !c.Enabled() {
		return "", false
	}
	path := c.Path(url, filename)
	if !utils.Exists(path) {
		return "", false
	}
	if expectedChecksum != "" {
		ok, actual, err := checksum.Verify(path, expectedChecksum)
		if err != nil || !ok {
			logger.Warnf("Evicting cached %s (checksum %s does not match %s)", filename, actual, expectedChecksum)
			_ = os.RemoveAll(filepath.Dir(path))
			return "", false
		}
	}
	return path, true
}

// Store copies a downloaded file into the cache.
func (c *Cache) Store(url, sourcePath string) error {
	if !c.Enabled() {
		return nil
	}
	dest := c.Path(url, filepath.Base(sourcePath))
	if err := utils.AtomicInstall(sourcePath, dest, 0644); err != nil {
		return fmt.Errorf("failed to copy to cache: %w", err)
	}
	return nil
}

// Restore copies a cached file to dest.
func (c *Cache) Restore(cachePath, dest string) error {
	if err := utils.CopyFile(cachePath, dest); err != nil {
		return fmt.Errorf("failed to copy from cache: %w", err)
	}
	return nil
}

// hashURL creates a short hash of a URL for directory naming
func hashURL(url string) string {
	normalized := strings.TrimPrefix(url, "https://")
	normalized = strings.TrimPrefix(normalized, "http://")
	normalized = strings.TrimSuffix(normalized, "/")

	hash := sha256.Sum256([]byte(normalized))
	return fmt.Sprintf("%x", hash[:8])
}
