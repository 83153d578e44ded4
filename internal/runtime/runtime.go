package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-multierror"

	"github.com/newrelic/agent-control-go/internal/agentid"
	"github.com/newrelic/agent-control-go/internal/agenttype"
	"github.com/newrelic/agent-control-go/internal/assembler"
	"github.com/newrelic/agent-control-go/internal/k8sclient"
)

// SubAgentRuntime is one Sub-Agent's complete runtime: its process or K8s
// object supervisors, plus the health/version/GUID pollers declared by its
// Agent Type (§4.6).
type SubAgentRuntime struct {
	AgentID agentid.ID
	log     logr.Logger

	mu         sync.Mutex
	state      State
	onHost     []*OnHostSupervisor
	k8s        *K8sSupervisor
	health     HealthChecker
	version    VersionChecker
	guid       *GUIDChecker
	lastHealth HealthStatus
	runCancel  context.CancelFunc
}

// NewSubAgentRuntime builds a runtime for ea against the given Agent Type
// Definition, wiring health/version/GUID pollers according to the
// deployment branch in effect.
func NewSubAgentRuntime(id agentid.ID, def *agenttype.Definition, ea *assembler.EffectiveAgent, k8sClient k8sclient.Client, namespace string, log logr.Logger) (*SubAgentRuntime, error) {
	rt := &SubAgentRuntime{AgentID: id, log: log.WithValues("agentID", id.String()), state: StateAssembled}

	switch {
	case def.Deployment.OnHost != nil:
		for _, exec := range ea.OnHost {
			rt.onHost = append(rt.onHost, NewOnHostSupervisor(exec, log))
		}
		checker, err := NewHealthChecker(def.Deployment.OnHost.Health, nil, "", nil)
		if err != nil {
			return nil, err
		}
		rt.health = checker
		vchecker, err := NewVersionChecker(def.Deployment.OnHost.Version, nil, "", "")
		if err != nil {
			return nil, err
		}
		rt.version = vchecker
	case def.Deployment.K8s != nil:
		rt.k8s = NewK8sSupervisor(k8sClient, namespace, id, log)
		checker, err := NewHealthChecker(def.Deployment.K8s.Health, k8sClient, namespace, nil)
		if err != nil {
			return nil, err
		}
		rt.health = checker
		vchecker, err := NewVersionChecker(def.Deployment.K8s.Version, k8sClient, namespace, "")
		if err != nil {
			return nil, err
		}
		rt.version = vchecker
		guidChecker, err := NewGUIDChecker(def.Deployment.K8s.GUID, k8sClient, namespace)
		if err != nil {
			return nil, err
		}
		rt.guid = guidChecker
	}
	return rt, nil
}

func (r *SubAgentRuntime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start transitions Assembled -> Running, launching every executable or
// applying every K8s object.
func (r *SubAgentRuntime) Start(ctx context.Context, ea *assembler.EffectiveAgent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	r.runCancel = cancel

	if r.k8s != nil {
		if err := r.k8s.Apply(ctx, ea.K8s); err != nil {
			return err
		}
	}
	for _, s := range r.onHost {
		go s.Run(runCtx)
	}
	r.state = StateRunning
	return nil
}

// Stop transitions towards Stopped, tearing down processes or K8s objects.
func (r *SubAgentRuntime) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel := r.runCancel
	onHost := r.onHost
	k8sSup := r.k8s
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, s := range onHost {
		s.Stop()
	}

	var merr *multierror.Error
	if k8sSup != nil {
		if err := k8sSup.Stop(ctx); err != nil {
			merr = multierror.Append(merr, err)
		}
	}

	r.mu.Lock()
	r.state = StateStopped
	r.mu.Unlock()
	return merr.ErrorOrNil()
}

// Terminate finalizes the runtime, releasing any state it can never return
// from (§3 Lifecycle: Stopped -> Terminated is the only Sub-Agent-removal
// path).
func (r *SubAgentRuntime) Terminate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = StateTerminated
}

// PollHealth runs the configured health checker once, overlays any on-host
// executable's last exit (§4.6: an exited, non-restarted process is always
// unhealthy regardless of what the declared health spec reports), and
// records the result for the caller (supervisor core) to forward to the
// fleet-control client.
func (r *SubAgentRuntime) PollHealth(ctx context.Context) (HealthStatus, error) {
	r.mu.Lock()
	checker := r.health
	onHost := r.onHost
	r.mu.Unlock()

	status := HealthStatus{Healthy: true, At: time.Now()}
	if checker != nil {
		var err error
		status, err = checker.Check(ctx)
		if err != nil {
			return HealthStatus{}, err
		}
	}

	for _, s := range onHost {
		if msg, degraded := s.LastError(); degraded {
			status.Healthy = false
			status.Message = msg
			break
		}
	}

	r.mu.Lock()
	r.lastHealth = status
	if !status.Healthy && r.state == StateRunning {
		r.state = StateDegraded
	} else if status.Healthy && r.state == StateDegraded {
		r.state = StateRunning
	}
	r.mu.Unlock()
	return status, nil
}

// PollVersion runs the configured version checker once, if any.
func (r *SubAgentRuntime) PollVersion(ctx context.Context) (VersionReport, error) {
	if r.version == nil {
		return VersionReport{}, nil
	}
	return r.version.Check(ctx)
}

// PollGUID runs the configured GUID checker once, if any (K8s-only).
func (r *SubAgentRuntime) PollGUID(ctx context.Context) (GUIDReport, error) {
	if r.guid == nil {
		return GUIDReport{}, nil
	}
	return r.guid.Check(ctx)
}
