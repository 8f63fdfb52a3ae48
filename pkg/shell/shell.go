package shell

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Command describes a single process invocation.
type Command struct {
	Name    string
	Args    []string
	Dir     string
	Env     []string // Appended to the current environment.
	Stdin   io.Reader
	Stdout  io.Writer // When set, stdout is streamed here instead of captured.
	Timeout time.Duration
}

// String renders the command line for logs and errors.
func (c *Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}

	return c.Name + " " + strings.Join(c.Args, " ")
}

// Line builds a Command that runs a configured shell line through sh -c.
func Line(dir, line string) *Command {
	return &Command{
		Name: "sh",
		Args: []string{"-c", line},
		Dir:  dir,
	}
}

// Error is returned when a command exits unsuccessfully.
type Error struct {
	Command string
	Output  string
	Err     error
}

func (e *Error) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("%s: %v", e.Command, e.Err)
	}

	return fmt.Sprintf("%s: %v (output: %s)", e.Command, e.Err, out)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Runner executes commands.
type Runner interface {
	// Run executes cmd and returns its trimmed stdout. Stderr is folded into
	// the error output on failure.
	Run(ctx context.Context, cmd *Command) (string, error)
}

// NewRunner creates a Runner backed by os/exec.
func NewRunner(log logrus.FieldLogger) Runner {
	return &runner{
		log: log.WithField("component", "shell"),
	}
}

type runner struct {
	log logrus.FieldLogger
}

// Ensure interface compliance.
var _ Runner = (*runner)(nil)

func (r *runner) Run(ctx context.Context, c *Command) (string, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	//nolint:gosec // Commands come from operator configuration.
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Stdin = c.Stdin

	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}

	var stdout, stderr bytes.Buffer

	if c.Stdout != nil {
		cmd.Stdout = c.Stdout
	} else {
		cmd.Stdout = &stdout
	}

	cmd.Stderr = &stderr

	start := time.Now()

	err := cmd.Run()

	log := r.log.WithFields(logrus.Fields{
		"command":  c.String(),
		"dir":      c.Dir,
		"duration": time.Since(start).Round(time.Millisecond),
	})

	if err != nil {
		log.WithError(err).Debug("Command failed")

		return strings.TrimSpace(stdout.String()), &Error{
			Command: c.String(),
			Output:  stderr.String() + stdout.String(),
			Err:     err,
		}
	}

	log.Debug("Command completed")

	return strings.TrimSpace(stdout.String()), nil
}

// RunLines runs each shell line in order inside dir and stops at the first
// failure.
func RunLines(
	ctx context.Context,
	r Runner,
	dir string,
	lines []string,
	timeout time.Duration,
) error {
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}

		cmd := Line(dir, line)
		cmd.Timeout = timeout

		if _, err := r.Run(ctx, cmd); err != nil {
			return fmt.Errorf("running %q: %w", line, err)
		}
	}

	return nil
}
