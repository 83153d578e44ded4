package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newrelic/agent-control-go/internal/agentid"
	"github.com/newrelic/agent-control-go/internal/agenttype"
	"github.com/newrelic/agent-control-go/internal/assembler"
)

func flakyExecutable(restartPolicy agenttype.RestartPolicy) assembler.RenderedExecutable {
	return assembler.RenderedExecutable{
		ID:              "main",
		Path:            "sh",
		Args:            []string{"-c", "echo boom-from-stderr >&2; exit 2"},
		RestartPolicy:   restartPolicy,
		ShutdownTimeout: agenttype.Duration(time.Second),
	}
}

// TestRestartPolicyExhaustedReportsUnhealthy exercises §8 end-to-end scenario
// 5: an executable exiting with a matching restart_exit_code is restarted up
// to max_retries, then left Degraded with last_error describing the exit.
func TestRestartPolicyExhaustedReportsUnhealthy(t *testing.T) {
	spec := flakyExecutable(agenttype.RestartPolicy{
		Type:             agenttype.BackoffFixed,
		BackoffDelay:     agenttype.Duration(5 * time.Millisecond),
		MaxRetries:       3,
		RestartExitCodes: []int{2},
	})
	sup := NewOnHostSupervisor(spec, logr.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	require.Eventually(t, func() bool {
		return sup.State() == StateDegraded
	}, 2*time.Second, 5*time.Millisecond)

	// Give any still-exhausting restart attempts time to settle before
	// asserting the final, stable outcome.
	time.Sleep(200 * time.Millisecond)

	assert.Equal(t, StateDegraded, sup.State())
	msg, degraded := sup.LastError()
	require.True(t, degraded)
	assert.Contains(t, msg, "exit code 2")
	assert.Contains(t, msg, "boom-from-stderr")
}

// TestRestartPolicyNoneLeavesExecutableStopped covers §4.6's "the exit code
// is in restart_exit_codes OR the policy is non-None" rule: a `none` policy
// with no matching restart_exit_codes must never restart, even once.
func TestRestartPolicyNoneLeavesExecutableStopped(t *testing.T) {
	spec := flakyExecutable(agenttype.RestartPolicy{Type: agenttype.BackoffNone})
	sup := NewOnHostSupervisor(spec, logr.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	require.Eventually(t, func() bool {
		return sup.State() == StateDegraded
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateDegraded, sup.State())
	msg, degraded := sup.LastError()
	require.True(t, degraded)
	assert.Contains(t, msg, "exit code 2")
}

// TestRestartPolicyNoneStillHonorsRestartExitCodes covers the other half of
// the same §4.6 rule: even with policy `none`, an exit code explicitly
// listed in restart_exit_codes is still restarted.
func TestRestartPolicyNoneStillHonorsRestartExitCodes(t *testing.T) {
	spec := flakyExecutable(agenttype.RestartPolicy{Type: agenttype.BackoffNone, RestartExitCodes: []int{2}})
	sup := NewOnHostSupervisor(spec, logr.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	require.Eventually(t, func() bool {
		return sup.State() == StateRunning || sup.State() == StateDegraded
	}, 2*time.Second, 5*time.Millisecond)

	// With MaxRetries unset (<=0) the policy restarts indefinitely; confirm
	// the supervisor keeps cycling rather than settling permanently stopped
	// after the first exit.
	firstPid := sup.Pid()
	require.Eventually(t, func() bool {
		pid := sup.Pid()
		return pid != 0 && pid != firstPid
	}, 2*time.Second, 5*time.Millisecond, "a listed exit code must start a new process")
	time.Sleep(100 * time.Millisecond)
	assert.NotEqual(t, StateStopped, sup.State())
}

func TestPollHealthOverlaysExhaustedRestartAsUnhealthy(t *testing.T) {
	id, err := agentid.NewSubAgent("flaky")
	require.NoError(t, err)
	typeID, err := agentid.NewTypeID("testing", "flaky", "0.1.0")
	require.NoError(t, err)

	restartPolicy := agenttype.RestartPolicy{
		Type:             agenttype.BackoffFixed,
		BackoffDelay:     agenttype.Duration(5 * time.Millisecond),
		MaxRetries:       2,
		RestartExitCodes: []int{2},
	}
	def := &agenttype.Definition{
		ID: typeID,
		Deployment: agenttype.Deployment{
			OnHost: &agenttype.OnHostDeployment{
				Executables: []agenttype.Executable{{
					ID:              "main",
					Path:            "sh",
					Args:            []string{"-c", "echo boom >&2; exit 2"},
					RestartPolicy:   restartPolicy,
					ShutdownTimeout: agenttype.Duration(time.Second),
				}},
			},
		},
	}
	ea := &assembler.EffectiveAgent{
		AgentID: id,
		TypeID:  typeID,
		OnHost:  []assembler.RenderedExecutable{flakyExecutable(restartPolicy)},
	}

	rt, err := NewSubAgentRuntime(id, def, ea, nil, "", logr.Discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, rt.Start(ctx, ea))

	require.Eventually(t, func() bool {
		return rt.onHost[0].State() == StateDegraded
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(150 * time.Millisecond)

	status, err := rt.PollHealth(context.Background())
	require.NoError(t, err)
	assert.False(t, status.Healthy, "an exhausted-restart on-host executable must never report healthy, even with no declared health spec")
	assert.Contains(t, status.Message, "exit code 2")
}
