package task

import (
	"sort"
	"sync"
)

// Registry holds tasks, macros and host groups.
//
// Registering a task, macro or host group under an existing id replaces the
// previous definition (last write wins). Macros are resolved against the
// task table at expansion time, so redefining a task changes every later
// expansion but not plans already expanded.
//
// Reads take a shared lock and writes an exclusive one, so a registry can be
// reloaded while other goroutines expand plans from it.
type Registry struct {
	mu     sync.RWMutex
	tasks  map[string]Task
	macros map[string]Macro
	hosts  map[string]HostGroup
}

// NewRegistry creates an empty registry. "local" resolves without registration.
func NewRegistry() *Registry {
	return &Registry{
		tasks:  make(map[string]Task),
		macros: make(map[string]Macro),
		hosts:  make(map[string]HostGroup),
	}
}

// Register adds or replaces a task.
func (r *Registry) Register(t Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[t.ID] = t
}

// Get returns the task registered under id.
func (r *Registry) Get(id string) (Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return Task{}, &UnknownTaskError{ID: id}
	}
	return t, nil
}

// Tasks returns all tasks sorted by id.
func (r *Registry) Tasks() []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DefineMacro adds or replaces a macro. Task ids are not checked here.
func (r *Registry) DefineMacro(id string, taskIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.macros[id] = Macro{ID: id, Tasks: append([]string(nil), taskIDs...)}
}

// Macro returns the macro registered under id.
func (r *Registry) Macro(id string) (Macro, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.macros[id]
	if !ok {
		return Macro{}, &UnknownMacroError{ID: id}
	}
	return Macro{ID: m.ID, Tasks: append([]string(nil), m.Tasks...)}, nil
}

// Macros returns all macros sorted by id.
func (r *Registry) Macros() []Macro {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Macro, 0, len(r.macros))
	for _, m := range r.macros {
		out = append(out, Macro{ID: m.ID, Tasks: append([]string(nil), m.Tasks...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Expand returns the tasks of macro id in order. Expansion is flat: macro
// entries always name tasks.
func (r *Registry) Expand(id string) ([]Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.expandLocked(id)
}

// expandLocked expects r.mu to be held.
func (r *Registry) expandLocked(id string) ([]Task, error) {
	m, ok := r.macros[id]
	if !ok {
		return nil, &UnknownMacroError{ID: id}
	}
	out := make([]Task, 0, len(m.Tasks))
	for _, tid := range m.Tasks {
		t, ok := r.tasks[tid]
		if !ok {
			return nil, &UnknownTaskError{ID: tid, Macro: id}
		}
		out = append(out, t)
	}
	return out, nil
}

// Plan expands name as a macro or, when no macro has that name, returns the
// single task registered under it. The lookup and the expansion see the
// same registry contents.
func (r *Registry) Plan(name string) ([]Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.macros[name]; ok {
		return r.expandLocked(name)
	}
	if t, ok := r.tasks[name]; ok {
		return []Task{t}, nil
	}
	return nil, &UnknownMacroError{ID: name}
}

// DefineHosts adds or replaces a host group. Defining "local" is ignored:
// the local group is fixed.
func (r *Registry) DefineHosts(g HostGroup) {
	if g.Name == LocalTarget {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hosts[g.Name] = HostGroup{Name: g.Name, Endpoints: append([]Endpoint(nil), g.Endpoints...)}
}

// Resolve maps a target name to its host group.
func (r *Registry) Resolve(name string) (HostGroup, error) {
	if name == LocalTarget {
		return HostGroup{Name: LocalTarget, Endpoints: []Endpoint{LocalEndpoint()}}, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.hosts[name]
	if !ok || len(g.Endpoints) == 0 {
		return HostGroup{}, &UnknownHostError{Name: name}
	}
	return HostGroup{Name: g.Name, Endpoints: append([]Endpoint(nil), g.Endpoints...)}, nil
}

// HostGroups returns all registered groups sorted by name, without "local".
func (r *Registry) HostGroups() []HostGroup {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]HostGroup, 0, len(r.hosts))
	for _, g := range r.hosts {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PasswordEnvs returns the distinct password_env names of all SSH
// endpoints, sorted.
func (r *Registry) PasswordEnvs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	var names []string
	for _, g := range r.hosts {
		for _, ep := range g.Endpoints {
			if ep.PasswordEnv == "" {
				continue
			}
			if _, ok := seen[ep.PasswordEnv]; ok {
				continue
			}
			seen[ep.PasswordEnv] = struct{}{}
			names = append(names, ep.PasswordEnv)
		}
	}
	sort.Strings(names)
	return names
}

// CheckTargets verifies that every task's target resolves.
func (r *Registry) CheckTargets(tasks []Task) error {
	for _, t := range tasks {
		if _, err := r.Resolve(t.Target); err != nil {
			return &UnknownHostError{Name: t.Target, Task: t.ID}
		}
	}
	return nil
}

// Validate checks every macro expands and every task target resolves.
// All problems are returned, macros first.
func (r *Registry) Validate() []error {
	var errs []error
	for _, m := range r.Macros() {
		if _, err := r.Expand(m.ID); err != nil {
			errs = append(errs, err)
		}
	}
	for _, t := range r.Tasks() {
		if _, err := r.Resolve(t.Target); err != nil {
			errs = append(errs, &UnknownHostError{Name: t.Target, Task: t.ID})
		}
	}
	return errs
}

// Replace swaps the contents of r with those of other in one write.
func (r *Registry) Replace(other *Registry) {
	other.mu.RLock()
	tasks := make(map[string]Task, len(other.tasks))
	for k, v := range other.tasks {
		tasks[k] = v
	}
	macros := make(map[string]Macro, len(other.macros))
	for k, v := range other.macros {
		macros[k] = v
	}
	hosts := make(map[string]HostGroup, len(other.hosts))
	for k, v := range other.hosts {
		hosts[k] = v
	}
	other.mu.RUnlock()

	r.mu.Lock()
	r.tasks, r.macros, r.hosts = tasks, macros, hosts
	r.mu.Unlock()
}

// HostKeys returns the distinct non-local host group names used by tasks,
// sorted. Used to pick deploy locks.
func HostKeys(tasks []Task) []string {
	seen := make(map[string]struct{})
	var keys []string
	for _, t := range tasks {
		if t.Target == LocalTarget {
			continue
		}
		if _, ok := seen[t.Target]; ok {
			continue
		}
		seen[t.Target] = struct{}{}
		keys = append(keys, t.Target)
	}
	sort.Strings(keys)
	return keys
}
