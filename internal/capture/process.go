// Package capture spawns and supervises the external audio-capture program
// whose standard output supplies the raw PCM stream for a session.
//
// The child runs in its own process group with stdin bound to the null device
// and stderr inherited from the server, so it can never block on either. Only
// stdout is piped back. How the child is treated when its session ends is
// controlled by a [TeardownPolicy]; in every case the child is reaped in the
// background so no zombies accumulate.
package capture

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
)

// TeardownPolicy selects what happens to the child process when its session
// ends before the child has exited on its own.
type TeardownPolicy string

const (
	// TeardownDetach sends no signal. The parent's end of the stdout pipe is
	// closed, so the child observes a broken pipe on its next write.
	TeardownDetach TeardownPolicy = "detach"

	// TeardownTerminate sends SIGTERM to the child's process group.
	TeardownTerminate TeardownPolicy = "terminate"

	// TeardownKill sends SIGKILL to the child's process group.
	TeardownKill TeardownPolicy = "kill"
)

// IsValid reports whether p is a recognised teardown policy.
func (p TeardownPolicy) IsValid() bool {
	switch p {
	case TeardownDetach, TeardownTerminate, TeardownKill:
		return true
	}
	return false
}

var errEmptyCommand = errors.New("empty command")

// SpawnError reports that the capture program could not be started.
type SpawnError struct {
	Argv []string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("capture: spawn %q: %v", e.Argv, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Option configures [Spawn].
type Option func(*options)

type options struct {
	stderr io.Writer
	env    []string
	dir    string
	logger *slog.Logger
}

// WithStderr redirects the child's stderr. The default is the server's own
// stderr. A nil writer discards the output.
func WithStderr(w io.Writer) Option {
	return func(o *options) { o.stderr = w }
}

// WithEnv appends KEY=VALUE entries to the inherited environment.
func WithEnv(env ...string) Option {
	return func(o *options) { o.env = append(o.env, env...) }
}

// WithDir sets the child's working directory.
func WithDir(dir string) Option {
	return func(o *options) { o.dir = dir }
}

// WithLogger sets the logger used for process lifecycle messages.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// Process is a running capture program.
type Process struct {
	argv   []string
	cmd    *exec.Cmd
	stdout io.ReadCloser
	logger *slog.Logger

	releaseOnce sync.Once
	done        chan struct{}
	exitErr     error
}

// Spawn starts argv[0] with the remaining elements as its arguments. The
// returned error is always a *[SpawnError].
func Spawn(argv []string, opts ...Option) (*Process, error) {
	o := options{stderr: os.Stderr, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	if len(argv) == 0 || argv[0] == "" {
		return nil, &SpawnError{Argv: argv, Err: errEmptyCommand}
	}

	cmd := exec.Command(argv[0], argv[1:]...) //nolint:gosec // G204: argv is operator configuration
	setupProcessGroup(cmd)
	cmd.Stderr = o.stderr
	cmd.Dir = o.dir
	if len(o.env) > 0 {
		cmd.Env = append(os.Environ(), o.env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Argv: argv, Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Argv: argv, Err: err}
	}

	p := &Process{
		argv:   argv,
		cmd:    cmd,
		stdout: stdout,
		logger: o.logger,
		done:   make(chan struct{}),
	}
	p.logger.Debug("capture process started", "pid", cmd.Process.Pid, "argv", argv)
	return p, nil
}

// Stdout returns the child's standard output.
func (p *Process) Stdout() io.Reader { return p.stdout }

// PID returns the operating-system process id of the child.
func (p *Process) PID() int { return p.cmd.Process.Pid }

// Done is closed once the child has exited and been reaped. Reaping starts
// with the first call to [Process.Release].
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitErr returns the result of waiting on the child. It is only meaningful
// after Done is closed.
func (p *Process) ExitErr() error {
	select {
	case <-p.done:
		return p.exitErr
	default:
		return nil
	}
}

// Release applies policy, closes the parent's end of the stdout pipe (which
// unblocks any pending read) and reaps the child in the background. It never
// waits for the child to exit. Only the first call has any effect.
func (p *Process) Release(policy TeardownPolicy) {
	p.releaseOnce.Do(func() {
		pid := p.cmd.Process.Pid
		switch policy {
		case TeardownTerminate:
			if err := terminateProcessGroup(p.cmd); err != nil {
				p.logger.Warn("capture: terminate failed", "pid", pid, "err", err)
			}
		case TeardownKill:
			if err := killProcessGroup(p.cmd); err != nil {
				p.logger.Warn("capture: kill failed", "pid", pid, "err", err)
			}
		}
		_ = p.stdout.Close()
		go p.reap(pid)
	})
}

func (p *Process) reap(pid int) {
	err := p.cmd.Wait()
	p.exitErr = err
	close(p.done)

	if err != nil {
		p.logger.Debug("capture process exited", "pid", pid, "err", err)
		return
	}
	p.logger.Debug("capture process exited", "pid", pid)
}
