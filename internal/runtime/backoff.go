package runtime

import (
	"sync"
	"time"

	backoffv5 "github.com/cenkalti/backoff/v5"

	"github.com/newrelic/agent-control-go/internal/agenttype"
)

// BackoffPolicy decides how long to wait before the next restart attempt.
type BackoffPolicy interface {
	NextDelay() time.Duration
	Reset()
}

// NewBackoffPolicy builds the BackoffPolicy named by rp.Type, per §4.6.
func NewBackoffPolicy(rp agenttype.RestartPolicy) BackoffPolicy {
	switch rp.Type {
	case agenttype.BackoffFixed:
		return &fixedBackoff{delay: rp.BackoffDelay.Duration()}
	case agenttype.BackoffLinear:
		return &linearBackoff{step: rp.BackoffDelay.Duration(), max: rp.LastRetryInterval.Duration()}
	case agenttype.BackoffExponential:
		bo := backoffv5.NewExponentialBackOff()
		bo.InitialInterval = rp.BackoffDelay.Duration()
		if rp.LastRetryInterval.Duration() > 0 {
			bo.MaxInterval = rp.LastRetryInterval.Duration()
		}
		bo.MaxElapsedTime = 0
		return &exponentialBackoff{bo: bo}
	case agenttype.BackoffNone:
		// restartAllowed is what actually gates whether a restart ever
		// happens when the policy is none — a restart only fires here for
		// an exit code explicitly listed in restart_exit_codes, and it
		// fires immediately.
		return &fixedBackoff{delay: 0}
	default:
		return &fixedBackoff{delay: 0}
	}
}

type fixedBackoff struct{ delay time.Duration }

func (f *fixedBackoff) NextDelay() time.Duration { return f.delay }
func (f *fixedBackoff) Reset()                   {}

type linearBackoff struct {
	mu      sync.Mutex
	step    time.Duration
	max     time.Duration
	attempt int
}

func (l *linearBackoff) NextDelay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempt++
	d := time.Duration(l.attempt) * l.step
	if l.max > 0 && d > l.max {
		d = l.max
	}
	return d
}

func (l *linearBackoff) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempt = 0
}

type exponentialBackoff struct {
	mu sync.Mutex
	bo *backoffv5.ExponentialBackOff
}

func (e *exponentialBackoff) NextDelay() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bo.NextBackOff()
}

func (e *exponentialBackoff) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bo.Reset()
}
