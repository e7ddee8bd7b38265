// Package analyzer runs the wrapped analyzer and captures its outcome.
package analyzer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"

	"github.com/Norgate-AV/linter-cache/internal/config"
	"github.com/Norgate-AV/linter-cache/internal/envelope"
)

// State is the lifecycle of one analyzer execution
type State int

const (
	NotStarted State = iota
	Running
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not started"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// killDelay is how long a cancelled analyzer gets before it is killed
const killDelay = 5 * time.Second

// ErrOutputMissing is returned when the analyzer exits zero without writing
// the requested output file
var ErrOutputMissing = errors.New("analyzer did not produce the requested output file")

// LaunchError reports an analyzer that could not be started at all
type LaunchError struct {
	Path string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to launch %s: %v", e.Path, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// SignaledError reports an analyzer killed by a signal, or stopped by one
// when the run was cancelled. Code follows the shell convention of 128 plus
// the signal number.
type SignaledError struct {
	Signal syscall.Signal
	Code   int

	// Err is the cancellation cause, nil when the signal came from elsewhere
	Err error
}

func (e *SignaledError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("analyzer stopped by signal %v: %v", e.Signal, e.Err)
	}

	return fmt.Sprintf("analyzer killed by signal %v", e.Signal)
}

func (e *SignaledError) Unwrap() error {
	return e.Err
}

// Invocation is one analyzer run against one target
type Invocation struct {
	Target      string
	PassThrough []string

	// OutputFile is the requested stamp file, empty when none was requested
	OutputFile string
}

// Runner executes the analyzer once. The versioning helpers may be called
// any number of times.
type Runner struct {
	path       string
	outputFlag string
	fs         afero.Fs
	log        log.Interface
	state      State

	execCommand func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// NewRunner creates a runner for the analyzer configured in cfg
func NewRunner(cfg *config.Config, logger log.Interface) *Runner {
	return &Runner{
		path:        cfg.AnalyzerPath,
		outputFlag:  cfg.OutputFlag,
		fs:          afero.NewOsFs(),
		log:         logger,
		execCommand: exec.CommandContext,
	}
}

// State returns where the runner is in its lifecycle
func (r *Runner) State() State {
	return r.state
}

// Args builds the analyzer command line for inv
func (r *Runner) Args(inv Invocation) []string {
	args := make([]string, 0, len(inv.PassThrough)+2)
	args = append(args, inv.PassThrough...)

	if inv.OutputFile != "" && r.outputFlag != "" {
		args = append(args, r.outputFlag+"="+inv.OutputFile)
	}

	return append(args, inv.Target)
}

// Run executes the analyzer and captures stdout, stderr, exit code and the
// output file. A non-zero exit is a normal, completed result.
func (r *Runner) Run(ctx context.Context, inv Invocation) (*envelope.Envelope, error) {
	if r.state != NotStarted {
		return nil, fmt.Errorf("analyzer already %s", r.state)
	}

	writesOutput := inv.OutputFile != "" && r.outputFlag != ""

	// A file left over from an earlier run must not pass for this run's output
	if writesOutput {
		if err := r.fs.Remove(inv.OutputFile); err != nil && !os.IsNotExist(err) {
			r.state = Failed
			return nil, fmt.Errorf("failed to remove stale output file: %w", err)
		}
	}

	args := r.Args(inv)

	var stdout, stderr bytes.Buffer

	cmd := r.execCommand(ctx, r.path, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// On cancellation send SIGTERM, then kill after killDelay
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killDelay

	r.log.WithFields(log.Fields{
		"analyzer": r.path,
		"args":     strings.Join(args, " "),
	}).Debug("running analyzer")

	if err := cmd.Start(); err != nil {
		r.state = Failed
		return nil, &LaunchError{Path: r.path, Err: err}
	}

	r.state = Running

	exitCode, err := wait(cmd)
	if err != nil {
		r.state = Failed
		return nil, err
	}

	// An analyzer that traps SIGTERM exits normally with a partial result
	if ctx.Err() != nil {
		r.state = Failed
		return nil, &SignaledError{Signal: syscall.SIGTERM, Code: 128 + int(syscall.SIGTERM), Err: ctx.Err()}
	}

	env := envelope.New(stdout.Bytes(), stderr.Bytes(), exitCode)

	if inv.OutputFile != "" {
		if !writesOutput {
			// Without an output flag the stamp is the analyzer's report
			env.SetOutput(stdout.Bytes())
		} else {
			data, err := afero.ReadFile(r.fs, inv.OutputFile)
			switch {
			case err == nil:
				env.SetOutput(data)
			case !os.IsNotExist(err):
				r.state = Failed
				return nil, fmt.Errorf("failed to read output file: %w", err)
			case exitCode == 0:
				r.state = Failed
				return nil, fmt.Errorf("%w: %s", ErrOutputMissing, inv.OutputFile)
			}
		}
	}

	r.state = Completed

	r.log.WithFields(log.Fields{
		"exit_code": exitCode,
		"stdout":    humanize.Bytes(uint64(stdout.Len())),
		"stderr":    humanize.Bytes(uint64(stderr.Len())),
		"output":    env.HasOutput,
	}).Debug("analyzer completed")

	return env, nil
}

// wait returns the exit code of a started command
func wait(cmd *exec.Cmd) (int, error) {
	err := cmd.Wait()
	if err == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return 0, fmt.Errorf("analyzer failed: %w", err)
	}

	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 0, &SignaledError{Signal: status.Signal(), Code: 128 + int(status.Signal())}
	}

	return exitErr.ExitCode(), nil
}

// Version returns the analyzer's version text. Lines describing the host
// machine are dropped so the same analyzer build reports the same version
// everywhere.
func (r *Runner) Version(ctx context.Context) (string, error) {
	out, err := r.output(ctx, "--version")
	if err != nil {
		return "", err
	}

	var lines []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "Host CPU") {
			continue
		}

		lines = append(lines, line)
	}

	return strings.Join(lines, "; "), nil
}

// DumpConfig returns the effective analyzer configuration for target
func (r *Runner) DumpConfig(ctx context.Context, target string, passThrough []string) (string, error) {
	args := append([]string{"--dump-config"}, passThrough...)
	return r.output(ctx, append(args, target)...)
}

func (r *Runner) output(ctx context.Context, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer

	cmd := r.execCommand(ctx, r.path, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return "", &LaunchError{Path: r.path, Err: err}
	}

	code, err := wait(cmd)
	if err != nil {
		return "", err
	}

	if code != 0 {
		err := fmt.Errorf("%s exited with code %d: %s", args[0], code, strings.TrimSpace(stderr.String()))
		return "", &LaunchError{Path: r.path, Err: err}
	}

	return stdout.String(), nil
}
