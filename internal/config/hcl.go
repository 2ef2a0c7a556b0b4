package config

import (
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
)

// HCL pipelines use blocks instead of maps:
//
//	vars = { app_dir = "/var/www/app" }
//
//	host "web" {
//	  endpoints = ["forge@web-1.example.com", "forge@web-2.example.com"]
//	}
//
//	task "migrate" {
//	  on     = "web"
//	  script = <<-EOT
//	    cd {{ app_dir }}/current
//	    php artisan migrate --force
//	  EOT
//	}
//
//	macro "deploy" {
//	  tasks = ["clone", "migrate"]
//	}
//
// HCL interpolates "${...}" itself; shell variables must be written "$${VAR}".
type hclPipeline struct {
	Shell  []string          `hcl:"shell,optional"`
	Vars   map[string]string `hcl:"vars,optional"`
	Hosts  []*hclHost        `hcl:"host,block"`
	Tasks  []*hclTask        `hcl:"task,block"`
	Macros []*hclMacro       `hcl:"macro,block"`
}

type hclHost struct {
	Name        string   `hcl:"name,label"`
	Endpoints   []string `hcl:"endpoints"`
	Auth        string   `hcl:"auth,optional"`
	KeyFile     string   `hcl:"key_file,optional"`
	PasswordEnv string   `hcl:"password_env,optional"`
}

type hclTask struct {
	ID                string `hcl:"id,label"`
	On                string `hcl:"on,optional"`
	Description       string `hcl:"description,optional"`
	Script            string `hcl:"script"`
	Timeout           string `hcl:"timeout,optional"`
	ContinueOnFailure bool   `hcl:"continue_on_failure,optional"`
}

type hclMacro struct {
	ID    string   `hcl:"id,label"`
	Tasks []string `hcl:"tasks"`
}

func loadHCL(path string) (*Pipeline, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parse pipeline %s: %w", path, diags)
	}

	var raw hclPipeline
	if diags := gohcl.DecodeBody(file.Body, nil, &raw); diags.HasErrors() {
		return nil, fmt.Errorf("decode pipeline %s: %w", path, diags)
	}

	p := &Pipeline{
		Shell:  raw.Shell,
		Vars:   raw.Vars,
		Hosts:  make(map[string][]HostSpec, len(raw.Hosts)),
		Tasks:  make(map[string]TaskSpec, len(raw.Tasks)),
		Macros: make(map[string][]string, len(raw.Macros)),
	}
	for _, h := range raw.Hosts {
		specs := make([]HostSpec, 0, len(h.Endpoints))
		for _, ep := range h.Endpoints {
			user, addr := splitUserHost(ep)
			specs = append(specs, HostSpec{
				Address:     addr,
				User:        user,
				Auth:        h.Auth,
				KeyFile:     h.KeyFile,
				PasswordEnv: h.PasswordEnv,
			})
		}
		p.Hosts[h.Name] = specs
	}
	for _, t := range raw.Tasks {
		var timeout time.Duration
		if t.Timeout != "" {
			d, err := time.ParseDuration(t.Timeout)
			if err != nil {
				return nil, fmt.Errorf("pipeline %s: task %q: invalid timeout: %w", path, t.ID, err)
			}
			timeout = d
		}
		// last block wins, like Register
		p.Tasks[t.ID] = TaskSpec{
			On:                t.On,
			Description:       t.Description,
			Script:            t.Script,
			Timeout:           timeout,
			ContinueOnFailure: t.ContinueOnFailure,
		}
	}
	for _, m := range raw.Macros {
		p.Macros[m.ID] = m.Tasks
	}

	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("pipeline %s: %w", path, err)
	}
	return p, nil
}
