package tapesimulator

import (
	"strings"

	"github.com/function61/nauha/pkg/procexec"
)

// makes matching commands fail without touching library state
type Failure struct {
	Match  string // prefix of the command line, like "mt -f /dev/nst0 rewind"
	Times  int    // how many invocations fail. <= 0 = forever
	Output procexec.Output
}

func (l *Library) InjectFailure(failure Failure) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if failure.Output.OK() {
		failure.Output.ExitCode = 1
	}

	l.failures = append(l.failures, &failure)
}

func (l *Library) ClearFailures() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.failures = nil
}

func (l *Library) injectedFailure(cmd procexec.Command) (procexec.Output, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	line := cmd.String()

	for i, failure := range l.failures {
		if !strings.HasPrefix(line, failure.Match) {
			continue
		}

		if failure.Times > 0 {
			failure.Times--
			if failure.Times == 0 {
				l.failures = append(l.failures[:i], l.failures[i+1:]...)
			}
		}

		return failure.Output, true
	}

	return procexec.Output{}, false
}
