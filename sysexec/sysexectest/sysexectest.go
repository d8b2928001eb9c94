// Package sysexectest provides a scripted sysexec.Runner for tests.
package sysexectest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/projecteru2/deploykit/sysexec"
)

// Response scripts the result of one command. Match is a substring the
// command line must contain; an empty Match accepts anything.
type Response struct {
	Match  string
	Stdout string
	Stderr string
	Err    error
}

var (
	_ sysexec.Runner   = (*Runner)(nil)
	_ sysexec.Streamer = (*Runner)(nil)
)

// Runner replays Responses in order and records every command it sees.
// When Lenient is set, commands beyond the script succeed with no output.
type Runner struct {
	Lenient bool

	mu        sync.Mutex
	responses []Response
	calls     []sysexec.Cmd
}

// New creates a Runner scripted with responses.
func New(responses ...Response) *Runner {
	return &Runner{responses: responses}
}

// Run implements sysexec.Runner.
func (r *Runner) Run(_ context.Context, c sysexec.Cmd) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)

	if len(r.responses) == 0 {
		if r.Lenient {
			return nil, nil
		}
		return nil, fmt.Errorf("unexpected command: %s", c)
	}
	resp := r.responses[0]
	r.responses = r.responses[1:]

	if resp.Match != "" && !strings.Contains(c.String(), resp.Match) {
		return nil, fmt.Errorf("unexpected command %q; expected substring %q", c, resp.Match)
	}
	if resp.Err != nil {
		return []byte(resp.Stdout), sysexec.Failed(c, []byte(resp.Stderr), resp.Err)
	}
	return []byte(resp.Stdout), nil
}

// Stream implements sysexec.Streamer by replaying the scripted stdout one
// line at a time.
func (r *Runner) Stream(ctx context.Context, c sysexec.Cmd, line func(string)) error {
	out, err := r.Run(ctx, c)
	for _, l := range strings.FieldsFunc(string(out), func(c rune) bool { return c == '\n' || c == '\r' }) {
		line(l)
	}
	return err
}

// Calls returns the command lines seen so far.
func (r *Runner) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	for i, c := range r.calls {
		out[i] = c.String()
	}
	return out
}

// Stdin returns the standard input passed to the i-th command.
func (r *Runner) Stdin(i int) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i < 0 || i >= len(r.calls) {
		return nil
	}
	return r.calls[i].Stdin
}

// Remaining reports scripted responses that were never consumed.
func (r *Runner) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.responses)
}

// ErrExit is a convenience non-zero exit error.
var ErrExit = errors.New("exit status 1")
