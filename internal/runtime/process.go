//go:build !windows

package runtime

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/go-logr/logr"

	"github.com/newrelic/agent-control-go/internal/assembler"
)

// logQueueCapacity bounds the in-memory log forwarder per executable; once
// full, the oldest buffered line is dropped to keep the supervisor's memory
// use independent of how fast (or slow) log consumers drain it (§5).
const logQueueCapacity = 1000

// stderrTailCapacity bounds how many trailing stderr lines are kept for
// surfacing as last_error on an unhealthy/degraded report (§4.6).
const stderrTailCapacity = 20

// LogLine is one forwarded line of stdout/stderr output.
type LogLine struct {
	ExecutableID string
	Stream       string // "stdout" or "stderr"
	Text         string
	At           time.Time
}

// Process supervises a single OS process: starting it in its own process
// group so a stop signal reaches every descendant, forwarding its output
// through a bounded, drop-oldest queue, and reporting its exit.
type Process struct {
	exec assembler.RenderedExecutable
	log  logr.Logger

	mu         sync.Mutex
	cmd        *exec.Cmd
	done       chan struct{}
	exitErr    error
	stderrTail []string

	logs chan LogLine
}

func NewProcess(execSpec assembler.RenderedExecutable, log logr.Logger, logs chan LogLine) *Process {
	return &Process{exec: execSpec, log: log, logs: logs}
}

// Start launches the executable. It is an error to call Start while already
// running.
func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cmd := exec.CommandContext(ctx, p.exec.Path, p.exec.Args...)
	cmd.Env = os.Environ()
	for k, v := range p.exec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Stop() owns shutdown (SIGTERM, then SIGKILL after shutdown_timeout);
	// disable exec.CommandContext's own kill-on-cancel so ctx's cancellation
	// doesn't race that sequence with an immediate SIGKILL of just the
	// direct child.
	cmd.Cancel = func() error { return nil }

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		return err
	}

	p.cmd = cmd
	p.done = make(chan struct{})
	p.exitErr = nil
	p.stderrTail = nil

	go p.forward("stdout", stdout)
	go p.forward("stderr", stderr)
	go p.wait()

	return nil
}

func (p *Process) forward(stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		text := scanner.Text()
		line := LogLine{ExecutableID: p.exec.ID, Stream: stream, Text: text, At: time.Now()}
		if stream == "stderr" {
			p.recordStderr(text)
		}
		select {
		case p.logs <- line:
		default:
			// Queue full: drop the oldest buffered line to make room, per
			// the bounded drop-oldest policy (§5).
			select {
			case <-p.logs:
			default:
			}
			select {
			case p.logs <- line:
			default:
			}
		}
	}
}

// recordStderr keeps the last stderrTailCapacity stderr lines, for
// surfacing as last_error on an unhealthy report (§4.6).
func (p *Process) recordStderr(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stderrTail = append(p.stderrTail, line)
	if len(p.stderrTail) > stderrTailCapacity {
		p.stderrTail = p.stderrTail[len(p.stderrTail)-stderrTailCapacity:]
	}
}

// StderrTail returns a copy of the most recent stderr lines recorded for
// the process's last (or current) run.
func (p *Process) StderrTail() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.stderrTail))
	copy(out, p.stderrTail)
	return out
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.exitErr = err
	done := p.done
	p.mu.Unlock()
	close(done)
}

// Done returns a channel closed when the process has exited.
func (p *Process) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// ExitErr reports the process's exec.Wait error, if any, once Done is closed.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// ExitCode reports the process's exit code once Done is closed, or -1 if it
// never started or has not exited yet.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.ProcessState == nil {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

func (p *Process) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Stop signals the process group to terminate, waiting up to timeout before
// escalating to SIGKILL (§4.6: "graceful shutdown window honoring
// shutdown_timeout, then force-kill").
func (p *Process) Stop(timeout time.Duration) error {
	p.mu.Lock()
	cmd := p.cmd
	done := p.done
	p.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	pgid := cmd.Process.Pid
	_ = syscall.Kill(-pgid, syscall.SIGTERM)

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		<-done
		return nil
	}
}
