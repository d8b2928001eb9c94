// Package sysexec runs the privileged system utilities the installer drives
// (formatters, account managers, bootloader installers). A non-zero exit
// becomes an InternalError carrying the captured standard error.
package sysexec

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/deploykit/errdefs"
)

// waitDelay bounds how long Run waits for output pipes after the process
// exits or ctx is cancelled.
const waitDelay = 5 * time.Second

// Cmd describes one subprocess invocation.
type Cmd struct {
	Name  string
	Args  []string
	Stdin []byte
}

// Command builds a Cmd.
func Command(name string, args ...string) Cmd {
	return Cmd{Name: name, Args: args}
}

// WithStdin returns a copy of c that feeds data on standard input.
func (c Cmd) WithStdin(data []byte) Cmd {
	c.Stdin = data
	return c
}

// String renders the command line. Stdin is never included.
func (c Cmd) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Runner executes commands and returns their standard output.
type Runner interface {
	Run(ctx context.Context, c Cmd) ([]byte, error)
}

// Streamer is implemented by Runners that can hand standard output to a
// callback line by line while the command runs.
type Streamer interface {
	Stream(ctx context.Context, c Cmd, line func(string)) error
}

// Exec runs commands on the host with os/exec.
type Exec struct{}

var (
	_ Runner   = Exec{}
	_ Streamer = Exec{}
)

// Run executes c, returning stdout. On failure the error carries stderr.
func (Exec) Run(ctx context.Context, c Cmd) ([]byte, error) {
	logger := log.WithFunc("sysexec.Run")
	logger.Debugf(ctx, "exec: %s", c)

	cmd := exec.CommandContext(ctx, c.Name, c.Args...) //nolint:gosec // installer drives fixed system tools
	cmd.WaitDelay = waitDelay
	if c.Stdin != nil {
		cmd.Stdin = bytes.NewReader(c.Stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), Failed(c, stderr.Bytes(), err)
	}
	return stdout.Bytes(), nil
}

// Stream executes c, calling line for every line it prints on stdout.
// unsquashfs separates progress updates with carriage returns, so both
// '\r' and '\n' end a line.
func (Exec) Stream(ctx context.Context, c Cmd, line func(string)) error {
	log.WithFunc("sysexec.Stream").Debugf(ctx, "exec: %s", c)

	cmd := exec.CommandContext(ctx, c.Name, c.Args...) //nolint:gosec // installer drives fixed system tools
	cmd.WaitDelay = waitDelay
	if c.Stdin != nil {
		cmd.Stdin = bytes.NewReader(c.Stdin)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errdefs.WithKind(fmt.Errorf("%s: stdout pipe: %w", c.Name, err), errdefs.ErrInternal)
	}
	if err := cmd.Start(); err != nil {
		return Failed(c, nil, err)
	}
	sc := bufio.NewScanner(stdout)
	sc.Split(ScanLines)
	for sc.Scan() {
		if text := strings.TrimSpace(sc.Text()); text != "" {
			line(text)
		}
	}
	if err := cmd.Wait(); err != nil {
		return Failed(c, stderr.Bytes(), err)
	}
	return nil
}

// ScanLines is bufio.ScanLines that also splits on carriage returns.
func ScanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// Failed builds the InternalError for a failed command.
func Failed(c Cmd, stderr []byte, err error) error {
	msg := strings.TrimSpace(string(stderr))
	if msg == "" {
		return errdefs.WithKind(fmt.Errorf("%s: %w", c.Name, err), errdefs.ErrInternal)
	}
	return errdefs.WithKind(fmt.Errorf("%s: %s: %w", c.Name, msg, err), errdefs.ErrInternal)
}
