// Package template expands {{ name }} placeholders in task bodies.
//
// Values are substituted verbatim. Nothing is shell-escaped: task bodies are
// shell scripts written by whoever owns the pipeline file, and bindings are
// expected to be shell-safe already.
package template

import (
	"fmt"
	"sort"
	"strings"
)

const (
	openDelim  = "{{"
	closeDelim = "}}"
)

// Bindings is an immutable name → value table used for rendering.
// The zero value is an empty table.
type Bindings struct {
	m map[string]string
}

// NewBindings copies m into a new Bindings value.
func NewBindings(m map[string]string) Bindings {
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return Bindings{m: cp}
}

// Lookup returns the value bound to name.
func (b Bindings) Lookup(name string) (string, bool) {
	v, ok := b.m[name]
	return v, ok
}

// With returns a copy of b with overrides applied on top.
func (b Bindings) With(overrides map[string]string) Bindings {
	cp := make(map[string]string, len(b.m)+len(overrides))
	for k, v := range b.m {
		cp[k] = v
	}
	for k, v := range overrides {
		cp[k] = v
	}
	return Bindings{m: cp}
}

// Names returns all bound names, sorted.
func (b Bindings) Names() []string {
	names := make([]string, 0, len(b.m))
	for k := range b.m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Map returns a copy of the underlying table.
func (b Bindings) Map() map[string]string {
	cp := make(map[string]string, len(b.m))
	for k, v := range b.m {
		cp[k] = v
	}
	return cp
}

// Len returns the number of bound names.
func (b Bindings) Len() int { return len(b.m) }

// BindingError reports a placeholder with no value.
type BindingError struct {
	Task string // empty when rendering outside a task (e.g. variable definitions)
	Name string
}

func (e *BindingError) Error() string {
	if e.Task == "" {
		return fmt.Sprintf("unbound variable %q", e.Name)
	}
	return fmt.Sprintf("task %q: unbound variable %q", e.Task, e.Name)
}

// Render substitutes every placeholder in body.
// Text between the delimiters that is not a valid identifier (for example
// docker's {{.Names}}) is not a placeholder and is copied through untouched.
func Render(body string, vars Bindings) (string, error) {
	return render(body, func(name string) (string, error) {
		if v, ok := vars.Lookup(name); ok {
			return v, nil
		}
		return "", &BindingError{Name: name}
	})
}

// RenderTask is Render with the task id attached to any BindingError.
func RenderTask(taskID, body string, vars Bindings) (string, error) {
	out, err := Render(body, vars)
	if err != nil {
		if be, ok := err.(*BindingError); ok {
			return "", &BindingError{Task: taskID, Name: be.Name}
		}
		return "", err
	}
	return out, nil
}

// Placeholders lists the identifiers referenced by body in order of first
// appearance.
func Placeholders(body string) []string {
	var names []string
	seen := make(map[string]struct{})
	_, _ = render(body, func(name string) (string, error) {
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			names = append(names, name)
		}
		return "", nil
	})
	return names
}

func render(body string, lookup func(name string) (string, error)) (string, error) {
	if !strings.Contains(body, openDelim) {
		return body, nil
	}

	var b strings.Builder
	b.Grow(len(body))
	rest := body
	for {
		start := strings.Index(rest, openDelim)
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.Index(rest[start+len(openDelim):], closeDelim)
		if end < 0 {
			// unterminated: not a placeholder
			b.WriteString(rest)
			break
		}
		end += start + len(openDelim)

		inner := strings.TrimSpace(rest[start+len(openDelim) : end])
		if !isIdent(inner) {
			// a stray "{{" may precede a real placeholder: rescan from the next byte
			b.WriteString(rest[:start+1])
			rest = rest[start+1:]
			continue
		}
		b.WriteString(rest[:start])
		v, err := lookup(inner)
		if err != nil {
			return "", err
		}
		b.WriteString(v)
		rest = rest[end+len(closeDelim):]
	}
	return b.String(), nil
}

// isIdent reports whether s is [A-Za-z_][A-Za-z0-9_.-]*.
func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && (r >= '0' && r <= '9' || r == '.' || r == '-'):
		default:
			return false
		}
	}
	return true
}
