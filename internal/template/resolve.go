package template

import (
	"fmt"
	"sort"
	"strings"
)

// CycleError reports variable definitions that reference each other.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("variable cycle: %s", strings.Join(e.Path, " -> "))
}

// Resolve expands variable definitions that may reference each other or the
// fixed bindings, e.g. releases_dir: "{{ base_dir }}/releases".
// Fixed values are literal and win over a definition with the same name.
func Resolve(defs map[string]string, fixed Bindings) (Bindings, error) {
	out := fixed.Map()

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(defs))
	var stack []string

	var visit func(name string) error
	visit = func(name string) error {
		if _, ok := fixed.Lookup(name); ok {
			return nil
		}
		switch state[name] {
		case done:
			return nil
		case visiting:
			i := indexOf(stack, name)
			path := append(append([]string{}, stack[i:]...), name)
			return &CycleError{Path: path}
		}

		state[name] = visiting
		stack = append(stack, name)

		body := defs[name]
		v, err := render(body, func(ref string) (string, error) {
			if _, isDef := defs[ref]; isDef {
				if err := visit(ref); err != nil {
					return "", err
				}
			}
			if val, ok := out[ref]; ok {
				return val, nil
			}
			return "", &BindingError{Name: ref}
		})
		if err != nil {
			return err
		}

		stack = stack[:len(stack)-1]
		state[name] = done
		out[name] = v
		return nil
	}

	// sorted so the first reported error is stable
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := visit(name); err != nil {
			return Bindings{}, fmt.Errorf("resolve variable %q: %w", name, err)
		}
	}

	return Bindings{m: out}, nil
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return 0
}
