package runtime

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/newrelic/agent-control-go/internal/agenttype"
	"github.com/newrelic/agent-control-go/internal/assembler"
)

// OnHostSupervisor drives one on-host executable through Running ->
// (Degraded|Stopped) per §4.6: start it, watch for exit, apply its restart
// policy, and stop honoring shutdown_timeout on request.
type OnHostSupervisor struct {
	spec assembler.RenderedExecutable
	log  logr.Logger
	logs chan LogLine

	mu             sync.Mutex
	state          State
	proc           *Process
	backoff        BackoffPolicy
	retries        int
	cancel         context.CancelFunc
	lastExitCode   int
	lastStderrTail []string
}

func NewOnHostSupervisor(spec assembler.RenderedExecutable, log logr.Logger) *OnHostSupervisor {
	return &OnHostSupervisor{
		spec:    spec,
		log:     log.WithValues("executable", spec.ID),
		logs:    make(chan LogLine, logQueueCapacity),
		state:   StateAssembled,
		backoff: NewBackoffPolicy(spec.RestartPolicy),
	}
}

// Logs exposes the bounded forwarding channel for this executable's output.
func (s *OnHostSupervisor) Logs() <-chan LogLine { return s.logs }

func (s *OnHostSupervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *OnHostSupervisor) setState(to State) {
	from := s.state
	if err := Transition(from, to); err != nil {
		s.log.V(1).Info("ignoring illegal state transition", "from", from, "to", to)
		return
	}
	s.state = to
}

// Run starts the executable and supervises it until ctx is cancelled,
// restarting it on exit per the declared backoff policy until max_retries
// is exhausted, at which point the executable settles into Degraded.
func (s *OnHostSupervisor) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	for {
		if runCtx.Err() != nil {
			s.mu.Lock()
			s.setState(StateStopped)
			s.mu.Unlock()
			return
		}

		proc := NewProcess(s.spec, s.log, s.logs)
		if err := proc.Start(runCtx); err != nil {
			s.log.Error(err, "failed to start executable")
			if !s.awaitRestart(runCtx) {
				return
			}
			continue
		}

		s.mu.Lock()
		s.proc = proc
		s.setState(StateRunning)
		s.mu.Unlock()

		select {
		case <-runCtx.Done():
			_ = proc.Stop(s.spec.ShutdownTimeout.Duration())
			s.mu.Lock()
			s.setState(StateStopped)
			s.mu.Unlock()
			return
		case <-proc.Done():
			exitErr := proc.ExitErr()
			exitCode := proc.ExitCode()
			if exitErr == nil {
				s.log.Info("executable exited cleanly")
			} else {
				s.log.Error(exitErr, "executable exited")
			}
			s.mu.Lock()
			s.lastExitCode = exitCode
			s.lastStderrTail = proc.StderrTail()
			s.setState(StateDegraded)
			s.mu.Unlock()
			if !s.restartAllowed(exitCode) {
				s.log.Info("restart not permitted for this exit code, leaving executable stopped", "exitCode", exitCode)
				return
			}
			if !s.awaitRestart(runCtx) {
				return
			}
		}
	}
}

// restartAllowed decides whether exitCode warrants a restart attempt, per
// §4.6: "if the exit code is in restart_exit_codes or the policy is
// non-None, schedules a restart" (and, either way, only within the
// configured retry budget).
func (s *OnHostSupervisor) restartAllowed(exitCode int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	policy := s.spec.RestartPolicy
	noDeclaredPolicy := policy.Type == agenttype.BackoffNone || policy.Type == ""
	if noDeclaredPolicy && !containsExitCode(policy.RestartExitCodes, exitCode) {
		return false
	}
	if policy.MaxRetries <= 0 {
		return true
	}
	s.retries++
	return s.retries <= policy.MaxRetries
}

func containsExitCode(codes []int, code int) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

// LastError reports the most recent exit's code and stderr tail while the
// supervisor is currently Degraded because of it, for the runtime's health
// overlay (§4.6: "reports unhealthy with last_error = last exit code + tail
// of stderr").
func (s *OnHostSupervisor) LastError() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateDegraded {
		return "", false
	}
	msg := fmt.Sprintf("exit code %d", s.lastExitCode)
	if len(s.lastStderrTail) > 0 {
		msg += ": " + strings.Join(s.lastStderrTail, " | ")
	}
	return msg, true
}

// awaitRestart waits the backoff policy's next delay, or returns false if
// ctx is cancelled first.
func (s *OnHostSupervisor) awaitRestart(ctx context.Context) bool {
	delay := s.backoff.NextDelay()
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

// Stop cancels supervision, triggering a graceful shutdown of the current
// process if one is running.
func (s *OnHostSupervisor) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Pid reports the current child PID, or 0 if not running.
func (s *OnHostSupervisor) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return 0
	}
	return s.proc.Pid()
}
