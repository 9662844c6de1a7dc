// Runs external tape utilities (mt, mtx, dd, tar) with bounded runtime
package procexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"time"

	"github.com/function61/gokit/logex"
	"github.com/function61/nauha/pkg/logtee"
)

const (
	ExitCodeNotStarted = -1 // binary not found, permission denied etc.
	ExitCodeTimeout    = -2 // killed because it ran longer than allowed
)

type Command struct {
	Path       string
	Args       []string
	Timeout    time.Duration // zero = no limit (only honor ctx)
	Background bool          // return immediately, result comes via Output.Completion
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Path}, c.Args...), " ")
}

type Output struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration

	// non-nil only for background commands. receives the final output exactly once
	Completion <-chan Output `json:"-"`
}

func (o Output) OK() bool {
	return o.ExitCode == 0
}

func (o Output) TimedOut() bool {
	return o.ExitCode == ExitCodeTimeout
}

// Executor is safe for concurrent use. a non-zero exit code is not an error: it is data
// for the caller to interpret
type Executor interface {
	Execute(ctx context.Context, cmd Command) Output
}

type osExecutor struct {
	logl *logex.Leveled
}

// runs commands as real OS processes
func New(logger *log.Logger) Executor {
	return &osExecutor{logex.Levels(logex.NonNil(logger))}
}

func (e *osExecutor) Execute(ctx context.Context, cmd Command) Output {
	if !cmd.Background {
		return e.run(ctx, cmd)
	}

	completion := make(chan Output, 1)

	go func() {
		// background processes outlive the request that started them, but still obey timeout
		completion <- e.run(context.Background(), cmd)
	}()

	return Output{Completion: completion}
}

func (e *osExecutor) run(ctx context.Context, cmd Command) Output {
	started := time.Now()

	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}

	stderrLines := logtee.NewLineSplitterTee(stderr, func(line string) {
		e.logl.Debug.Printf("%s: %s", cmd.Path, line)
	})

	proc := exec.CommandContext(ctx, cmd.Path, cmd.Args...)
	proc.Stdout = stdout
	proc.Stderr = stderrLines
	// children (e.g. shell pipelines) could keep pipes open after kill
	proc.WaitDelay = 2 * time.Second

	e.logl.Debug.Printf("exec %s", cmd.String())

	err := proc.Run()
	stderrLines.Flush()

	out := Output{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(started),
	}

	out.ExitCode = exitCodeFrom(ctx, err)

	switch out.ExitCode {
	case 0:
	case ExitCodeNotStarted:
		out.Stderr = err.Error()
		e.logl.Error.Printf("%s: %v", cmd.Path, err)
	case ExitCodeTimeout:
		e.logl.Error.Printf("%s: killed after %s", cmd.String(), cmd.Timeout)
	default:
		e.logl.Debug.Printf("%s: exit code %d", cmd.Path, out.ExitCode)
	}

	return out
}

func exitCodeFrom(ctx context.Context, err error) int {
	if err == nil {
		return 0
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return ExitCodeTimeout
		}

		// cancelled by caller. there is no separate code for that
		return ExitCodeTimeout
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code
		}

		return ExitCodeTimeout // killed by a signal
	}

	return ExitCodeNotStarted
}

// shorthand for building descriptive failure messages
func (o Output) Describe() string {
	stderr := strings.TrimSpace(o.Stderr)
	if len(stderr) > 512 {
		stderr = stderr[len(stderr)-512:]
	}

	switch o.ExitCode {
	case ExitCodeTimeout:
		return fmt.Sprintf("timed out after %s", o.Duration.Round(time.Millisecond))
	case ExitCodeNotStarted:
		return fmt.Sprintf("not started: %s", stderr)
	default:
		return fmt.Sprintf("exit code %d: %s", o.ExitCode, stderr)
	}
}
