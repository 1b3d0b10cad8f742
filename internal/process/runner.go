// Package process provides the low-level child process primitive shared by
// the script execution engine and the terminal session manager.
//
// Each spawned process gets its own process group, two independently
// drained output pipes, and memory-bounded capture buffers. Termination is
// cooperative-first: SIGTERM to the group, then SIGKILL after a bounded
// grace period.
package process

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/workhorse/workhorse/internal/common/logger"
)

// Stream identifies which output pipe a chunk came from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// SpawnRequest describes a child process to start.
type SpawnRequest struct {
	// Command is the program or shell command line. When Args is empty the
	// command is interpreted by "sh -c"; otherwise it is executed directly
	// with Args as its argument vector.
	Command string
	Args    []string

	WorkingDir string
	Env        map[string]string

	// Interactive attaches a stdin pipe for long-lived shells.
	Interactive bool

	// BufferMaxBytes caps captured output per stream; zero uses the
	// runner's default.
	BufferMaxBytes int64

	// OnOutput, when set, receives each chunk as it is drained, in arrival
	// order per stream. Called from the drain goroutines.
	OnOutput func(stream Stream, data string)
}

// Runner spawns and terminates managed child processes.
type Runner struct {
	logger         *logger.Logger
	bufferMaxBytes int64
	stopGrace      time.Duration
}

// NewRunner creates a process runner. bufferMaxBytes caps output capture
// per stream; stopGrace bounds the SIGTERM-to-SIGKILL escalation window.
func NewRunner(log *logger.Logger, bufferMaxBytes int64, stopGrace time.Duration) *Runner {
	if log == nil {
		log = logger.Default()
	}
	if stopGrace <= 0 {
		stopGrace = 2 * time.Second
	}
	return &Runner{
		logger:         log.WithFields(zap.String("component", "process-runner")),
		bufferMaxBytes: bufferMaxBytes,
		stopGrace:      stopGrace,
	}
}

// Process is a handle to a spawned child process.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *boundedBuffer
	stderr *boundedBuffer

	done     chan struct{}
	mu       sync.Mutex
	exitCode int
	exited   bool
	waitErr  error

	stopOnce  sync.Once
	logger    *logger.Logger
	stopGrace time.Duration
}

// Spawn starts a child process and begins draining its output. The two
// pipes are drained by independent goroutines so a full buffer on one
// stream never stalls the other. A spawn failure is returned directly;
// callers decide how to record it.
func (r *Runner) Spawn(ctx context.Context, req SpawnRequest) (*Process, error) {
	if req.Command == "" {
		return nil, fmt.Errorf("command is required")
	}

	var cmd *exec.Cmd
	if len(req.Args) > 0 {
		cmd = exec.CommandContext(ctx, req.Command, req.Args...)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", req.Command)
	}
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	}
	cmd.Env = mergeEnv(req.Env)
	cmd.SysProcAttr = sysProcAttr()

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to attach stdout: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to attach stderr: %w", err)
	}

	var stdin io.WriteCloser
	if req.Interactive {
		stdin, err = cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to attach stdin: %w", err)
		}
	}

	bufferMaxBytes := req.BufferMaxBytes
	if bufferMaxBytes <= 0 {
		bufferMaxBytes = r.bufferMaxBytes
	}

	proc := &Process{
		cmd:       cmd,
		stdin:     stdin,
		stdout:    newBoundedBuffer(bufferMaxBytes),
		stderr:    newBoundedBuffer(bufferMaxBytes),
		done:      make(chan struct{}),
		logger:    r.logger,
		stopGrace: r.stopGrace,
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	r.logger.Debug("process started",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("command", req.Command),
		zap.String("working_dir", req.WorkingDir),
	)

	// Two independent drain loops; one idle stream never blocks the other.
	drains := &errgroup.Group{}
	drains.Go(func() error {
		proc.drain(stdoutPipe, proc.stdout, StreamStdout, req.OnOutput)
		return nil
	})
	drains.Go(func() error {
		proc.drain(stderrPipe, proc.stderr, StreamStderr, req.OnOutput)
		return nil
	})

	go proc.reap(drains)

	return proc, nil
}

func (p *Process) drain(reader io.ReadCloser, buffer *boundedBuffer, stream Stream, onOutput func(Stream, string)) {
	defer func() { _ = reader.Close() }()
	buf := bufio.NewReader(reader)
	data := make([]byte, 4096)
	for {
		n, err := buf.Read(data)
		if n > 0 {
			buffer.Write(data[:n])
			if onOutput != nil {
				onOutput(stream, string(data[:n]))
			}
		}
		if err != nil {
			if err != io.EOF {
				p.logger.Debug("process output read error", zap.Error(err))
			}
			return
		}
	}
}

// reap waits for both drains and the process, records the exit state and
// closes done. It is the sole authority for final state.
func (p *Process) reap(drains *errgroup.Group) {
	_ = drains.Wait()
	err := p.cmd.Wait()

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			if waitStatus, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				exitCode = waitStatus.ExitStatus()
			} else {
				exitCode = 1
			}
		} else {
			exitCode = 1
		}
	}

	p.mu.Lock()
	p.exitCode = exitCode
	p.exited = true
	p.waitErr = err
	p.mu.Unlock()

	p.logger.Debug("process exited",
		zap.Int("pid", p.cmd.Process.Pid),
		zap.Int("exit_code", exitCode),
		zap.Error(err),
	)

	close(p.done)
}

// Done is closed once the process has exited and both streams are drained.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the process exits or ctx is cancelled. On normal
// return it yields the exit code.
func (p *Process) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.exitCode, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// ExitCode returns the exit code and whether the process has exited.
func (p *Process) ExitCode() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.exited
}

// Stdout returns the captured stdout, including the truncation marker when
// the capture cap was exceeded.
func (p *Process) Stdout() string { return p.stdout.String() }

// Stderr returns the captured stderr.
func (p *Process) Stderr() string { return p.stderr.String() }

// Pid returns the OS process id.
func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Write forwards data to the process's stdin. Only valid for interactive
// processes.
func (p *Process) Write(data string) error {
	if p.stdin == nil {
		return fmt.Errorf("process has no stdin pipe")
	}
	_, err := io.WriteString(p.stdin, data)
	return err
}

// CloseStdin closes the stdin pipe, letting an interactive shell exit.
func (p *Process) CloseStdin() error {
	if p.stdin == nil {
		return nil
	}
	return p.stdin.Close()
}

// Stop terminates the process group: SIGTERM first, then SIGKILL once the
// grace period (or ctx) expires. Safe to call multiple times; it returns
// after the process has exited.
func (p *Process) Stop(ctx context.Context) {
	p.stopOnce.Do(func() {
		if p.cmd.Process == nil {
			return
		}

		if err := terminateGracefully(p.cmd.Process); err != nil {
			p.logger.Debug("graceful termination signal failed", zap.Error(err))
		}

		select {
		case <-p.done:
			return
		case <-ctx.Done():
		case <-time.After(p.stopGrace):
		}

		p.logger.Warn("process did not exit in time, escalating to forceful termination",
			zap.Int("pid", p.cmd.Process.Pid),
			zap.Duration("grace", p.stopGrace),
		)
		if err := terminateForcefully(p.cmd.Process); err != nil {
			p.logger.Debug("forceful termination signal failed", zap.Error(err))
		}
	})

	<-p.done
}

// mergeEnv merges custom variables over the parent environment, returning
// the "KEY=VALUE" slice form exec.Cmd expects.
func mergeEnv(env map[string]string) []string {
	base := make(map[string]string, len(os.Environ())+len(env))
	for _, entry := range os.Environ() {
		if eq := strings.IndexByte(entry, '='); eq >= 0 {
			base[entry[:eq]] = entry[eq+1:]
		}
	}
	for k, v := range env {
		base[k] = v
	}

	merged := make([]string, 0, len(base))
	for k, v := range base {
		merged = append(merged, fmt.Sprintf("%s=%s", k, v))
	}
	return merged
}
