package version

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// TagFilter is a compiled CEL expression deciding whether a release tag is
// usable. The expression sees `tag` (raw), `version` (normalized) and
// `stable` (bool), e.g. `!tag.contains("miner") && stable`.
type TagFilter struct {
	expr    string
	program cel.Program
}

// NewTagFilter compiles expr. An empty expression accepts every tag.
func NewTagFilter(expr string) (*TagFilter, error) {
	if expr == "" {
		return &TagFilter{}, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("tag", cel.StringType),
		cel.Variable("version", cel.StringType),
		cel.Variable("stable", cel.BoolType),
	)
	if err != nil {
		return nil, err
	}

	ast, issues := env.Parse(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("invalid tag filter %q: %w", expr, issues.Err())
	}
	checked, issues := env.Check(ast)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("invalid tag filter %q: %w", expr, issues.Err())
	}
	if checked.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("tag filter %q must return a bool, got %s", expr, checked.OutputType())
	}

	program, err := env.Program(checked)
	if err != nil {
		return nil, err
	}
	return &TagFilter{expr: expr, program: program}, nil
}

// Match evaluates the filter for one tag.
func (f *TagFilter) Match(tag string) (bool, error) {
	if f == nil || f.program == nil {
		return true, nil
	}
	out, _, err := f.program.Eval(map[string]any{
		"tag":     tag,
		"version": Normalize(tag),
		"stable":  IsStable(tag),
	})
	if err != nil {
		return false, fmt.Errorf("failed to evaluate tag filter %q for %s: %w", f.expr, tag, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("tag filter %q returned %T", f.expr, out.Value())
	}
	return b, nil
}

// Apply returns the tags accepted by the filter, preserving order.
func (f *TagFilter) Apply(tags []string) ([]string, error) {
	var out []string
	for _, t := range tags {
		ok, err := f.Match(t)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, t)
		}
	}
	return out, nil
}
