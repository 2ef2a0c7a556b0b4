package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/ppiankov/shipforge/internal/task"
)

// SSHConfig holds client settings shared by every SSH endpoint of a run.
type SSHConfig struct {
	KnownHostsFile  string        // default ~/.ssh/known_hosts
	InsecureHostKey bool          // skip host key verification
	ConnectTimeout  time.Duration // default 15s
	DefaultUser     string        // used when the endpoint has no user
}

// SSHSession runs scripts over one SSH connection. Each Run opens a fresh
// channel on the shared client.
type SSHSession struct {
	client   *ssh.Client
	endpoint string
	shell    string
}

// DialSSH connects and authenticates to ep.
func DialSSH(ctx context.Context, ep task.Endpoint, cfg SSHConfig, shell []string) (*SSHSession, error) {
	if len(shell) == 0 {
		shell = DefaultShell
	}
	timeout := cfg.ConnectTimeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}

	user := ep.User
	if user == "" {
		user = cfg.DefaultUser
	}
	if user == "" {
		user = os.Getenv("USER")
	}

	auth, err := authMethods(ep)
	if err != nil {
		return nil, &task.ConnectionError{Endpoint: ep.String(), Err: err}
	}
	hostKey, err := hostKeyCallback(cfg)
	if err != nil {
		return nil, &task.ConnectionError{Endpoint: ep.String(), Err: err}
	}

	clientCfg := &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}

	addr := ep.HostPort()
	slog.Debug("dialing ssh", "addr", addr, "user", user)

	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &task.ConnectionError{Endpoint: ep.String(), Err: err}
	}

	// bound the handshake by ctx as well as the dial timeout
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if !stop() {
		// ctx ended during the handshake and conn is already closed
		if err == nil {
			_ = c.Close()
		}
		return nil, ctx.Err()
	}
	if err != nil {
		_ = conn.Close()
		return nil, &task.ConnectionError{Endpoint: ep.String(), Err: err}
	}

	return &SSHSession{
		client:   ssh.NewClient(c, chans, reqs),
		endpoint: ep.String(),
		shell:    strings.Join(shell, " "),
	}, nil
}

// Run sends script to the remote shell's stdin and waits for it to exit.
func (s *SSHSession) Run(ctx context.Context, script string, out io.Writer) (int, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return -1, &task.ConnectionError{Endpoint: s.endpoint, Err: fmt.Errorf("open session: %w", err)}
	}
	defer func() { _ = sess.Close() }()

	sess.Stdin = strings.NewReader(script)
	sess.Stdout = out
	sess.Stderr = out

	if err := sess.Start(s.shell); err != nil {
		return -1, &task.ConnectionError{Endpoint: s.endpoint, Err: fmt.Errorf("start shell: %w", err)}
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	select {
	case <-ctx.Done():
		// not every server honours signals; closing the channel unblocks Wait
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		<-done
		return -1, ctx.Err()
	case err := <-done:
		return exitStatus(s.endpoint, err)
	}
}

// Close closes the underlying connection.
func (s *SSHSession) Close() error {
	return s.client.Close()
}

func exitStatus(endpoint string, err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	// ExitMissingError and io errors: the connection went away mid-task
	return -1, &task.ConnectionError{Endpoint: endpoint, Err: err}
}

func authMethods(ep task.Endpoint) ([]ssh.AuthMethod, error) {
	switch ep.Auth {
	case task.AuthAgent:
		m, err := agentAuth()
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{m}, nil
	case task.AuthKey:
		if ep.KeyFile == "" {
			return nil, errors.New("auth \"key\" requires key_file")
		}
		signer, err := loadKey(ep.KeyFile)
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	case task.AuthPassword:
		if ep.PasswordEnv == "" {
			return nil, errors.New("auth \"password\" requires password_env")
		}
		pw, ok := os.LookupEnv(ep.PasswordEnv)
		if !ok {
			return nil, fmt.Errorf("password env var %q is not set", ep.PasswordEnv)
		}
		return []ssh.AuthMethod{ssh.Password(pw)}, nil
	case task.AuthDefault:
		var methods []ssh.AuthMethod
		if m, err := agentAuth(); err == nil {
			methods = append(methods, m)
		}
		var signers []ssh.Signer
		for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
			path := filepath.Join(homeDir(), ".ssh", name)
			if signer, err := loadKey(path); err == nil {
				signers = append(signers, signer)
			}
		}
		if len(signers) > 0 {
			methods = append(methods, ssh.PublicKeys(signers...))
		}
		if len(methods) == 0 {
			return nil, errors.New("no ssh agent and no default key found")
		}
		return methods, nil
	default:
		return nil, fmt.Errorf("unknown auth method %q", ep.Auth)
	}
}

func agentAuth() (ssh.AuthMethod, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, errors.New("SSH_AUTH_SOCK is not set")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("connect to ssh agent: %w", err)
	}
	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers), nil
}

func loadKey(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(expandHome(path))
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse key %s: %w", path, err)
	}
	return signer, nil
}

func hostKeyCallback(cfg SSHConfig) (ssh.HostKeyCallback, error) {
	if cfg.InsecureHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	path := cfg.KnownHostsFile
	if path == "" {
		path = filepath.Join(homeDir(), ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(expandHome(path))
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}
	return cb, nil
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

// expandHome replaces a leading "~/" with the user's home directory.
func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(homeDir(), path[2:])
	}
	return path
}
