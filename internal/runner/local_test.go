package runner

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"
)

var testShell = []string{"sh", "-se"}

func TestLocalSession_Success(t *testing.T) {
	s := NewLocalSession(testShell, nil)
	var out bytes.Buffer

	status, err := s.Run(context.Background(), "echo hello\n", &out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != 0 {
		t.Fatalf("expected status 0, got %d", status)
	}
	if !strings.Contains(out.String(), "hello") {
		t.Errorf("expected 'hello' in output, got: %q", out.String())
	}
}

func TestLocalSession_NonZeroExit(t *testing.T) {
	s := NewLocalSession(testShell, nil)

	status, err := s.Run(context.Background(), "exit 3\n", &bytes.Buffer{})
	if err != nil {
		t.Fatalf("non-zero exit should not be an error, got: %v", err)
	}
	if status != 3 {
		t.Errorf("expected status 3, got %d", status)
	}
}

func TestLocalSession_StopsOnFirstFailure(t *testing.T) {
	s := NewLocalSession(testShell, nil)
	var out bytes.Buffer

	status, err := s.Run(context.Background(), "false\necho after\n", &out)
	if err != nil {
		t.Fatal(err)
	}
	if status == 0 {
		t.Error("expected non-zero status with -e")
	}
	if strings.Contains(out.String(), "after") {
		t.Errorf("script continued after failing command: %q", out.String())
	}
}

func TestLocalSession_Stderr(t *testing.T) {
	s := NewLocalSession(testShell, nil)
	var out bytes.Buffer

	if _, err := s.Run(context.Background(), "echo oops >&2\n", &out); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "oops") {
		t.Errorf("expected stderr captured, got %q", out.String())
	}
}

func TestLocalSession_Timeout(t *testing.T) {
	s := NewLocalSession(testShell, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := s.Run(ctx, "sleep 10\n", &bytes.Buffer{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("process was not killed promptly")
	}
}

func TestLocalSession_Env(t *testing.T) {
	s := NewLocalSession(testShell, []string{"PATH=" + os.Getenv("PATH"), "RELEASE=42"})
	var out bytes.Buffer

	if _, err := s.Run(context.Background(), "echo $RELEASE\n", &out); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out.String()) != "42" {
		t.Errorf("expected env passed through, got %q", out.String())
	}
}

func TestLocalSession_MissingShell(t *testing.T) {
	s := NewLocalSession([]string{"/nonexistent/shell-xyz"}, nil)

	_, err := s.Run(context.Background(), "echo hi\n", &bytes.Buffer{})
	if err == nil {
		t.Fatal("expected error for missing shell")
	}
}
