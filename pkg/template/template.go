package template

import (
	"fmt"
	"strings"

	"github.com/flanksource/gomplate/v3"
	"github.com/flanksource/provision/pkg/types"
	"github.com/flanksource/provision/pkg/version"
)

// ReleaseData is the variable set available to URL, asset and checksum
// templates: os, arch, goos, goarch, ext, platform, version (normalized) and tag.
func ReleaseData(key types.PlatformKey, tag string) map[string]any {
	data := key.TemplateData()
	data["tag"] = tag
	data["version"] = version.Normalize(tag)
	return data
}

// Render renders a Go template through gomplate, so sprig style functions and
// CEL helpers are available.
func Render(templateStr string, data map[string]any) (string, error) {
	if !strings.Contains(templateStr, "{{") {
		return templateStr, nil
	}
	result, err := gomplate.RunTemplate(data, gomplate.Template{
		Template: templateStr,
	})
	if err != nil {
		return "", fmt.Errorf("template %q failed: %w", templateStr, err)
	}
	return result, nil
}

// RenderCEL evaluates a CEL expression to a string.
func RenderCEL(expression string, data map[string]any) (string, error) {
	result, err := gomplate.RunTemplate(data, gomplate.Template{
		Expression: expression,
	})
	if err != nil {
		return "", fmt.Errorf("CEL expression %q failed: %w", expression, err)
	}
	return result, nil
}

func isCELExpression(expr string) bool {
	return strings.Contains(expr, "\n") ||
		strings.Contains(expr, " ? ") ||
		strings.Contains(expr, " in ") ||
		strings.Contains(expr, "==") ||
		strings.Contains(expr, "!=")
}

// Evaluate treats expr as CEL when it looks like an expression, otherwise as
// a template. Checksum file names use this to vary per platform.
func Evaluate(expr string, data map[string]any) (string, error) {
	if isCELExpression(expr) {
		return RenderCEL(expr, data)
	}
	return Render(expr, data)
}
