package libdirect

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/flanksource/provision/pkg/command"
	"github.com/flanksource/provision/pkg/template"
)

// LibDir is the private library directory under binDir.
func LibDir(binDir string) string {
	return filepath.Join(binDir, "lib")
}

// EnvScript is the path of the launch environment script for goos.
func EnvScript(binDir, goos string) string {
	if goos == "windows" {
		return filepath.Join(binDir, "provision-env.ps1")
	}
	return filepath.Join(binDir, "provision-env.sh")
}

const shScript = `#!/bin/sh
# Generated by provision, source before launching binaries from {{.bin}}
export PATH="{{.bin}}:$PATH"
{{- if .lib }}
export {{.var}}="{{.lib}}${ {{- .var}}:+:${{.var}}}"
{{- end }}
`

const ps1Script = `# Generated by provision, dot-source before launching binaries from {{.bin}}
$env:PATH = "{{.bin}};{{if .lib}}{{.lib}};{{end}}" + $env:PATH
`

// libraryVar is the loader search path variable on goos.
func libraryVar(goos string) string {
	switch goos {
	case "darwin":
		return "DYLD_LIBRARY_PATH"
	case "windows":
		return "PATH"
	default:
		return "LD_LIBRARY_PATH"
	}
}

// WriteEnvScript writes the launch environment script into binDir.
func WriteEnvScript(binDir, goos string) (string, error) {
	data := map[string]any{
		"bin": binDir,
		"var": libraryVar(goos),
		"lib": "",
	}
	if _, err := os.Stat(LibDir(binDir)); err == nil {
		data["lib"] = LibDir(binDir)
	}
	tmpl := shScript
	if goos == "windows" {
		tmpl = ps1Script
	}
	content, err := template.Render(tmpl, data)
	if err != nil {
		return "", err
	}
	dest := EnvScript(binDir, goos)
	if err := os.MkdirAll(binDir, 0755); err != nil {
		return "", err
	}
	if err := os.WriteFile(dest+".tmp", []byte(content), 0755); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", dest, err)
	}
	return dest, os.Rename(dest+".tmp", dest)
}

// LaunchEnv returns the environment additions needed to run binaries from
// binDir against the private library directory.
func LaunchEnv(binDir string) map[string]string {
	return LaunchEnvFor(binDir, runtime.GOOS, os.Getenv)
}

func LaunchEnvFor(binDir, goos string, getenv func(string) string) map[string]string {
	lib := LibDir(binDir)
	if _, err := os.Stat(lib); err != nil {
		return nil
	}
	name := libraryVar(goos)
	return map[string]string{name: command.PrependPath(getenv(name), lib)}
}
