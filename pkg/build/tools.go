package build

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/flanksource/commons/logger"
	"github.com/flanksource/provision/pkg/command"
	"github.com/flanksource/provision/pkg/download"
	"github.com/flanksource/provision/pkg/extract"
	"github.com/flanksource/provision/pkg/template"
	"github.com/flanksource/provision/pkg/types"
	"github.com/flanksource/provision/pkg/utils"
)

// ToolsDir holds portable downloads of build tools.
func (b *Builder) ToolsDir() string {
	return filepath.Join(b.Root, "tools", "bin")
}

// EnsureTools makes every tool runnable: already on PATH or in ToolsDir,
// installed through the system package manager, or downloaded as a portable
// binary into ToolsDir.
func (b *Builder) EnsureTools(ctx context.Context, tools []types.ToolSpec, key types.PlatformKey) error {
	var missing []string
	for _, tool := range tools {
		if b.hasTool(tool.Name) {
			continue
		}

		if b.Packages != nil && len(tool.Packages) > 0 {
			if _, err := b.Packages.InstallPackages(ctx, tool.Packages, nil); err != nil {
				logger.Warnf("could not install %s with the package manager: %v", tool.Name, err)
			} else if b.hasTool(tool.Name) {
				continue
			}
		}

		if tool.URLTemplate != "" {
			if err := b.installPortable(ctx, tool, key); err != nil {
				logger.Warnf("could not download portable %s: %v", tool.Name, err)
			} else {
				continue
			}
		}
		missing = append(missing, tool.Name)
	}
	if len(missing) > 0 {
		return types.Errorf(types.KindToolchainUnavailable, "build", "build tools unavailable: %v", missing)
	}
	return nil
}

func (b *Builder) hasTool(name string) bool {
	if _, err := b.Runner.LookPath(name); err == nil {
		return true
	}
	return command.LookPathIn(name, b.ToolsDir()) != ""
}

func (b *Builder) installPortable(ctx context.Context, tool types.ToolSpec, key types.PlatformKey) error {
	data := key.TemplateData()
	data["name"] = tool.Name
	url, err := template.Render(tool.URLTemplate, data)
	if err != nil {
		return err
	}

	work, err := b.tempDir("tool-" + tool.Name)
	if err != nil {
		return err
	}
	defer func() { _ = os.RemoveAll(work) }()

	file := filepath.Join(work, filepath.Base(url))
	if _, err := b.Fetcher.Fetch(ctx, url, file, download.WithTask(b.Task)); err != nil {
		return err
	}
	if extract.IsArchive(file) {
		found, err := extract.Extract(file, filepath.Join(work, "x"), b.Task, extract.WithBinaryPath(key.AddExtension(tool.Name)))
		if err != nil {
			return err
		}
		file = found
	}

	dest := filepath.Join(b.ToolsDir(), key.AddExtension(tool.Name))
	if err := utils.AtomicInstall(file, dest, 0755); err != nil {
		return fmt.Errorf("failed to install %s: %w", tool.Name, err)
	}
	logger.Infof("installed portable %s into %s", tool.Name, utils.LogPath(dest))
	return nil
}
