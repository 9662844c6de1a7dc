package procexec

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/function61/gokit/assert"
)

func TestExecuteCapturesOutput(t *testing.T) {
	out := New(nil).Execute(context.Background(), Command{
		Path:    "/bin/sh",
		Args:    []string{"-c", "echo to stdout; echo to stderr >&2; exit 3"},
		Timeout: 5 * time.Second,
	})

	assert.Assert(t, out.ExitCode == 3)
	assert.Assert(t, !out.OK())
	assert.EqualString(t, out.Stdout, "to stdout\n")
	assert.EqualString(t, out.Stderr, "to stderr\n")
	assert.EqualString(t, out.Describe(), "exit code 3: to stderr")
}

func TestExecuteTimeout(t *testing.T) {
	started := time.Now()

	out := New(nil).Execute(context.Background(), Command{
		Path:    "/bin/sh",
		Args:    []string{"-c", "sleep 10"},
		Timeout: 100 * time.Millisecond,
	})

	assert.Assert(t, out.TimedOut())
	assert.Assert(t, out.ExitCode == ExitCodeTimeout)
	assert.Assert(t, time.Since(started) < 5*time.Second)
}

func TestExecuteNotStarted(t *testing.T) {
	out := New(nil).Execute(context.Background(), Command{
		Path: "/nonexistent/mtx",
	})

	assert.Assert(t, out.ExitCode == ExitCodeNotStarted)
	assert.Assert(t, strings.Contains(out.Describe(), "not started"))
}

func TestExecuteBackground(t *testing.T) {
	out := New(nil).Execute(context.Background(), Command{
		Path:       "/bin/sh",
		Args:       []string{"-c", "sleep 0.1; echo done"},
		Timeout:    5 * time.Second,
		Background: true,
	})

	assert.Assert(t, out.Completion != nil)

	select {
	case final := <-out.Completion:
		assert.Assert(t, final.OK())
		assert.EqualString(t, final.Stdout, "done\n")
	case <-time.After(5 * time.Second):
		t.Fatal("background command never completed")
	}
}

func TestCommandString(t *testing.T) {
	assert.EqualString(t, Command{Path: "mt", Args: []string{"-f", "/dev/nst0", "fsf", "3"}}.String(), "mt -f /dev/nst0 fsf 3")
}
