package installer

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/flanksource/clicky/task"
	"github.com/flanksource/commons/logger"
	"github.com/flanksource/provision/pkg/utils"
)

// CleanupManager removes staging directories when an install attempt ends
type CleanupManager struct {
	debug       bool
	directories []string
	task        *task.Task
}

func NewCleanupManager(debug bool, t *task.Task) *CleanupManager {
	return &CleanupManager{debug: debug, task: t}
}

// AddDirectory adds a directory to be cleaned up
func (cm *CleanupManager) AddDirectory(dirpath string) {
	if dirpath != "" {
		cm.directories = append(cm.directories, dirpath)
	}
}

// Cleanup performs the actual cleanup
func (cm *CleanupManager) Cleanup() {
	if cm.debug {
		for _, dir := range cm.directories {
			if cm.task != nil {
				cm.task.Debugf("Install: keeping temporary files for debugging: %s", dir)
			}
		}
		return
	}
	for _, dir := range cm.directories {
		if err := os.RemoveAll(dir); err != nil {
			logger.V(4).Infof("Failed to clean up directory %s: %v", utils.LogPath(dir), err)
		}
	}
	cm.directories = nil
}

// isStagingDir matches the os.MkdirTemp names of name, so lotus does not
// match the staging dirs of lotus-miner.
func isStagingDir(entry, name string) bool {
	suffix, ok := strings.CutPrefix(entry, name+"-")
	return ok && suffix != "" && strings.Trim(suffix, "0123456789") == ""
}

// SweepStaging removes leftovers of earlier runs for name: staging
// directories and half-renamed binaries. The caller must hold the install
// lock for name.
func SweepStaging(stagingDir, binDir string, names ...string) int {
	removed := 0
	entries, _ := os.ReadDir(stagingDir)
	for _, e := range entries {
		for _, name := range names {
			if isStagingDir(e.Name(), name) {
				if err := os.RemoveAll(filepath.Join(stagingDir, e.Name())); err == nil {
					removed++
				}
				break
			}
		}
	}
	for _, name := range names {
		stale := filepath.Join(binDir, name+".tmp")
		if utils.Exists(stale) && os.Remove(stale) == nil {
			removed++
		}
	}
	if removed > 0 {
		logger.V(2).Infof("removed %d leftovers of interrupted installs in %s", removed, utils.LogPath(stagingDir))
	}
	return removed
}
