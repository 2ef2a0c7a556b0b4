package task

import (
	"fmt"
	"net"
	"time"
)

// LocalTarget is the reserved host group that runs tasks in a local shell.
const LocalTarget = "local"

// Task is a single named unit of shell work bound to a host group.
type Task struct {
	ID          string        `json:"id"`
	Target      string        `json:"target"`
	Body        string        `json:"body"`
	Description string        `json:"description,omitempty"` // printed before the task runs
	Timeout     time.Duration `json:"timeout,omitempty"`     // 0 = no timeout

	// ContinueOnFailure lets a non-zero exit be recorded without halting
	// the run. Connection and binding errors still halt.
	ContinueOnFailure bool `json:"continue_on_failure,omitempty"`
}

// Macro is a named, ordered list of task ids. Duplicates are allowed.
type Macro struct {
	ID    string   `json:"id"`
	Tasks []string `json:"tasks"`
}

// EndpointKind distinguishes local execution from SSH.
type EndpointKind int

const (
	KindLocal EndpointKind = iota
	KindSSH
)

func (k EndpointKind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindSSH:
		return "ssh"
	default:
		return "unknown"
	}
}

// AuthMethod selects how an SSH endpoint authenticates.
type AuthMethod string

const (
	AuthDefault  AuthMethod = ""         // agent, then default key files
	AuthAgent    AuthMethod = "agent"    // SSH_AUTH_SOCK
	AuthKey      AuthMethod = "key"      // KeyFile
	AuthPassword AuthMethod = "password" // read from PasswordEnv
)

// Endpoint is one reachable execution context.
type Endpoint struct {
	Kind        EndpointKind `json:"kind"`
	Address     string       `json:"address,omitempty"` // host or host:port
	User        string       `json:"user,omitempty"`
	Auth        AuthMethod   `json:"auth,omitempty"`
	KeyFile     string       `json:"key_file,omitempty"`
	PasswordEnv string       `json:"password_env,omitempty"`
}

// LocalEndpoint returns the endpoint for in-process shell execution.
func LocalEndpoint() Endpoint {
	return Endpoint{Kind: KindLocal}
}

// HostPort returns Address with the default SSH port filled in.
func (e Endpoint) HostPort() string {
	if _, _, err := net.SplitHostPort(e.Address); err == nil {
		return e.Address
	}
	return net.JoinHostPort(e.Address, "22")
}

// String renders the endpoint as "local" or "user@host".
func (e Endpoint) String() string {
	if e.Kind == KindLocal {
		return "local"
	}
	if e.User == "" {
		return e.Address
	}
	return fmt.Sprintf("%s@%s", e.User, e.Address)
}

// HostGroup is a named set of endpoints. Tasks targeting a group run once
// per endpoint, in registration order.
type HostGroup struct {
	Name      string     `json:"name"`
	Endpoints []Endpoint `json:"endpoints"`
}

// State is the outcome of one task on one endpoint.
type State int

const (
	StatePending State = iota
	StateRunning
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateRunning:
		return "RUNNING"
	case StateSucceeded:
		return "SUCCEEDED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Result captures one execution of a task on one endpoint.
type Result struct {
	TaskID     string        `json:"task_id"`
	Endpoint   string        `json:"endpoint"`
	Command    string        `json:"command"` // rendered body
	State      State         `json:"state"`
	ExitStatus int           `json:"exit_status"`
	Output     string        `json:"output,omitempty"` // tail of combined stdout/stderr
	Truncated  bool          `json:"output_truncated,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	EndedAt    time.Time     `json:"ended_at"`
	Duration   time.Duration `json:"duration"`
	Kind       FailureKind   `json:"kind,omitempty"`
	Error      string        `json:"error,omitempty"`
	LogFile    string        `json:"log_file,omitempty"`
}

// Failed reports whether the task did not succeed on this endpoint.
func (r *Result) Failed() bool {
	return r.State == StateFailed
}

// RunStatus is the overall outcome of a run.
type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Report is the ordered, append-only record of a run.
type Report struct {
	RunID       string        `json:"run_id"`
	Macro       string        `json:"macro"`
	Planned     []string      `json:"planned"`
	StartedAt   time.Time     `json:"started_at"`
	EndedAt     time.Time     `json:"ended_at"`
	Duration    time.Duration `json:"duration"`
	Status      RunStatus     `json:"status"`
	Results     []Result      `json:"results"`
	FailedTask  string        `json:"failed_task,omitempty"`
	FailureKind FailureKind   `json:"failure_kind,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// Succeeded reports whether every task in the run succeeded.
func (r *Report) Succeeded() bool {
	return r.Status == RunSucceeded
}
