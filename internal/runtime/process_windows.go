//go:build windows

package runtime

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/newrelic/agent-control-go/internal/assembler"
)

const logQueueCapacity = 1000

// stderrTailCapacity bounds how many trailing stderr lines are kept for
// surfacing as last_error on an unhealthy/degraded report (§4.6).
const stderrTailCapacity = 20

type LogLine struct {
	ExecutableID string
	Stream       string
	Text         string
	At           time.Time
}

// Process on Windows does not use a Job Object to corral descendants (the
// Unix implementation's process-group kill has no direct equivalent here);
// Stop only terminates the immediate child. Tracked as a known gap rather
// than worked around with a fabricated dependency.
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

func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cmd := exec.CommandContext(ctx, p.exec.Path, p.exec.Args...)
	cmd.Env = os.Environ()
	for k, v := range p.exec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	// Stop() owns shutdown; disable exec.CommandContext's own kill-on-cancel
	// so ctx's cancellation doesn't race Stop's explicit Kill.
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

func (p *Process) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

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

func (p *Process) Stop(timeout time.Duration) error {
	p.mu.Lock()
	cmd := p.cmd
	done := p.done
	p.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	_ = cmd.Process.Kill()
	select {
	case <-done:
	case <-time.After(timeout):
	}
	return nil
}
