package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/ppiankov/shipforge/internal/task"
)

// Session runs scripts on one endpoint.
// Run feeds script to the endpoint's shell on stdin, streams combined output
// to out and blocks until the shell exits. A non-zero exit is returned as the
// status with a nil error; errors mean the session failed or ctx ended.
type Session interface {
	Run(ctx context.Context, script string, out io.Writer) (int, error)
	Close() error
}

// DialFunc opens a session to an endpoint.
type DialFunc func(ctx context.Context, ep task.Endpoint) (Session, error)

// Pool hands out one session per endpoint and reuses it for every task of a
// run. It is owned by a single run; Close releases everything it opened.
type Pool struct {
	dial     DialFunc
	mu       sync.Mutex
	sessions map[string]Session
	closed   bool
}

// NewPool creates a pool that opens sessions with dial.
func NewPool(dial DialFunc) *Pool {
	return &Pool{
		dial:     dial,
		sessions: make(map[string]Session),
	}
}

// Get returns the session for ep, dialing it on first use.
// Dial failures are returned as *task.ConnectionError.
func (p *Pool) Get(ctx context.Context, ep task.Endpoint) (Session, error) {
	key := poolKey(ep)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, &task.ConnectionError{Endpoint: ep.String(), Err: errors.New("session pool closed")}
	}
	if s, ok := p.sessions[key]; ok {
		return s, nil
	}

	slog.Debug("opening session", "endpoint", ep.String(), "kind", ep.Kind)
	s, err := p.dial(ctx, ep)
	if err != nil {
		var ce *task.ConnectionError
		if errors.As(err, &ce) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &task.ConnectionError{Endpoint: ep.String(), Err: err}
	}
	p.sessions[key] = s
	return s, nil
}

// Close closes every open session. Safe to call more than once.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	for key, s := range p.sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", key, err))
		}
	}
	p.sessions = nil
	return errors.Join(errs...)
}

// Len returns the number of open sessions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

func poolKey(ep task.Endpoint) string {
	if ep.Kind == task.KindLocal {
		return "local"
	}
	return fmt.Sprintf("%s@%s", ep.User, ep.HostPort())
}

// Dialer opens local and SSH sessions.
type Dialer struct {
	Shell []string
	SSH   SSHConfig
	Env   []string // environment for local sessions; nil = SanitizedEnv(Secrets...)

	// Secrets are extra variable names hidden from local sessions, such as
	// the password_env of SSH endpoints.
	Secrets []string
}

// Dial implements DialFunc.
func (d *Dialer) Dial(ctx context.Context, ep task.Endpoint) (Session, error) {
	switch ep.Kind {
	case task.KindLocal:
		env := d.Env
		if env == nil {
			env = SanitizedEnv(d.Secrets...)
		}
		return NewLocalSession(d.Shell, env), nil
	case task.KindSSH:
		return DialSSH(ctx, ep, d.SSH, d.Shell)
	default:
		return nil, fmt.Errorf("unsupported endpoint kind %s", ep.Kind)
	}
}
