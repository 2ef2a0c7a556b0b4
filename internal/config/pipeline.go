package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/shipforge/internal/task"
)

// DefaultPipelineFile is read when no --file is given.
const DefaultPipelineFile = "shipforge.yml"

// Pipeline is the decoded pipeline file.
type Pipeline struct {
	Shell  []string              `yaml:"shell,omitempty"`
	Vars   map[string]string     `yaml:"vars,omitempty"`
	Hosts  map[string][]HostSpec `yaml:"hosts,omitempty"`
	Tasks  map[string]TaskSpec   `yaml:"tasks"`
	Macros map[string][]string   `yaml:"macros,omitempty"`
}

// HostSpec is one endpoint of a host group. In YAML it is either a
// "user@host[:port]" string or a mapping.
type HostSpec struct {
	Address     string `yaml:"address"`
	User        string `yaml:"user,omitempty"`
	Auth        string `yaml:"auth,omitempty"`
	KeyFile     string `yaml:"key_file,omitempty"`
	PasswordEnv string `yaml:"password_env,omitempty"`
}

// UnmarshalYAML accepts the short string form as well as a mapping.
func (h *HostSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		user, addr := splitUserHost(node.Value)
		*h = HostSpec{Address: addr, User: user}
		return nil
	}
	type plain HostSpec
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	if p.User == "" {
		p.User, p.Address = splitUserHost(p.Address)
	}
	*h = HostSpec(p)
	return nil
}

// TaskSpec is one task definition.
type TaskSpec struct {
	On                string        `yaml:"on,omitempty"`
	Description       string        `yaml:"description,omitempty"`
	Script            string        `yaml:"script"`
	Timeout           time.Duration `yaml:"timeout,omitempty"`
	ContinueOnFailure bool          `yaml:"continue_on_failure,omitempty"`
}

// LoadPipeline reads a pipeline file. Files ending in .hcl are decoded as
// HCL, everything else as YAML.
func LoadPipeline(path string) (*Pipeline, error) {
	if strings.EqualFold(filepath.Ext(path), ".hcl") {
		return loadHCL(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline: %w", err)
	}

	var p Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse pipeline %s: %w", path, err)
	}
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("pipeline %s: %w", path, err)
	}
	return &p, nil
}

// validate checks the structure of the file. References between tasks,
// macros and hosts are checked later, when a plan is built.
func (p *Pipeline) validate() error {
	if len(p.Tasks) == 0 {
		return errors.New("no tasks defined")
	}
	var errs []error
	for _, id := range sortedKeys(p.Tasks) {
		t := p.Tasks[id]
		if strings.TrimSpace(t.Script) == "" {
			errs = append(errs, fmt.Errorf("task %q has an empty script", id))
		}
		if t.Timeout < 0 {
			errs = append(errs, fmt.Errorf("task %q has a negative timeout", id))
		}
	}
	for _, name := range sortedKeys(p.Hosts) {
		if len(p.Hosts[name]) == 0 {
			errs = append(errs, fmt.Errorf("host group %q has no endpoints", name))
		}
		for _, h := range p.Hosts[name] {
			if h.Address == "" {
				errs = append(errs, fmt.Errorf("host group %q has an endpoint without an address", name))
			}
			switch task.AuthMethod(h.Auth) {
			case task.AuthDefault, task.AuthAgent, task.AuthKey, task.AuthPassword:
			default:
				errs = append(errs, fmt.Errorf("host group %q: unknown auth %q", name, h.Auth))
			}
		}
	}
	for _, id := range sortedKeys(p.Macros) {
		if len(p.Macros[id]) == 0 {
			errs = append(errs, fmt.Errorf("macro %q is empty", id))
		}
	}
	return errors.Join(errs...)
}

// Build loads the pipeline into a fresh registry.
func Build(p *Pipeline) *task.Registry {
	reg := task.NewRegistry()

	for _, name := range sortedKeys(p.Hosts) {
		if name == task.LocalTarget {
			slog.Warn("host group name is reserved, ignoring", "group", name)
			continue
		}
		group := task.HostGroup{Name: name}
		for _, h := range p.Hosts[name] {
			group.Endpoints = append(group.Endpoints, h.Endpoint())
		}
		reg.DefineHosts(group)
	}

	for _, id := range sortedKeys(p.Tasks) {
		spec := p.Tasks[id]
		target := spec.On
		if target == "" {
			target = task.LocalTarget
		}
		reg.Register(task.Task{
			ID:                id,
			Target:            target,
			Body:              spec.Script,
			Description:       spec.Description,
			Timeout:           spec.Timeout,
			ContinueOnFailure: spec.ContinueOnFailure,
		})
	}

	for _, id := range sortedKeys(p.Macros) {
		reg.DefineMacro(id, p.Macros[id])
	}
	return reg
}

// Load reads path and builds its registry.
func Load(path string) (*Pipeline, *task.Registry, error) {
	p, err := LoadPipeline(path)
	if err != nil {
		return nil, nil, err
	}
	return p, Build(p), nil
}

// Endpoint converts the spec. localhost and 127.0.0.1 without a user run
// in the local shell.
func (h HostSpec) Endpoint() task.Endpoint {
	if h.User == "" && isLoopback(h.Address) {
		return task.LocalEndpoint()
	}
	return task.Endpoint{
		Kind:        task.KindSSH,
		Address:     h.Address,
		User:        h.User,
		Auth:        task.AuthMethod(h.Auth),
		KeyFile:     h.KeyFile,
		PasswordEnv: h.PasswordEnv,
	}
}

// ParseEndpoint parses "user@host[:port]".
func ParseEndpoint(s string) task.Endpoint {
	user, addr := splitUserHost(s)
	return HostSpec{Address: addr, User: user}.Endpoint()
}

func splitUserHost(s string) (user, addr string) {
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, "@"); i >= 0 {
		return s[:i], s[i+1:]
	}
	return "", s
}

func isLoopback(addr string) bool {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	return host == "localhost" || host == "127.0.0.1"
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
