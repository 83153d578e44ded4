// Package supervisor implements the Supervisor Core (C8): it reconciles
// the desired set of Sub-Agents (from the Config Repository and Agent Type
// Registry) against the set of running Sub-Agent Runtimes, adding,
// modifying, or removing them to converge, then keeps their observed
// status up to date via periodic health polling.
package supervisor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/newrelic/agent-control-go/internal/agentid"
	"github.com/newrelic/agent-control-go/internal/agenttype"
	"github.com/newrelic/agent-control-go/internal/assembler"
	"github.com/newrelic/agent-control-go/internal/configrepo"
	"github.com/newrelic/agent-control-go/internal/k8sclient"
	"github.com/newrelic/agent-control-go/internal/runtime"
	"github.com/newrelic/agent-control-go/internal/template"
	"github.com/newrelic/agent-control-go/internal/variable"
)

const (
	ConditionAccepted = "Accepted"
	ConditionReady     = "Ready"
)

// DesiredAgent is one entry of the converged set the Supervisor Core
// reconciles towards: an AgentID bound to an Agent Type.
type DesiredAgent struct {
	ID     agentid.ID
	TypeID agentid.TypeID
}

// Status is the observed state of one Sub-Agent, reported upstream via the
// Fleet-Control Client (§4.8).
type Status struct {
	AgentID    agentid.ID
	State      runtime.State
	ConfigHash string
	Conditions []metav1.Condition
	ObservedAt time.Time
}

type trackedAgent struct {
	desired DesiredAgent
	rt      *runtime.SubAgentRuntime
	hash    string
	status  Status
	seq     int
}

// Supervisor is the reconcile-on-poll loop's in-memory model: for every
// AgentID in the desired set, it ensures a SubAgentRuntime exists, is
// assembled from current config, and is running.
type Supervisor struct {
	registry       *agenttype.Registry
	repo           *configrepo.Repository
	hashStore      *configrepo.HashStore
	assembleRoot   string
	secretResolver template.SecretResolver
	identity       assembler.Identity
	k8sClient      k8sclient.Client
	namespace      string
	log            logr.Logger

	mu       sync.Mutex
	agents   map[agentid.ID]*trackedAgent
	nextSeq  int
}

func New(registry *agenttype.Registry, repo *configrepo.Repository, hashStore *configrepo.HashStore, assembleRoot string, identity assembler.Identity, secretResolver template.SecretResolver, k8sClient k8sclient.Client, namespace string, log logr.Logger) *Supervisor {
	return &Supervisor{
		registry:       registry,
		repo:           repo,
		hashStore:      hashStore,
		assembleRoot:   assembleRoot,
		identity:       identity,
		secretResolver: secretResolver,
		k8sClient:      k8sClient,
		namespace:      namespace,
		log:            log,
		agents:         map[agentid.ID]*trackedAgent{},
	}
}

// Reconcile converges the running set of Sub-Agent Runtimes to desired,
// applying the add/remove/modify diff in §4.8 and returning an aggregated
// error for every agent that failed to converge, without aborting the
// others.
func (s *Supervisor) Reconcile(ctx context.Context, desired []DesiredAgent, capabilities map[agentid.ID]configrepo.Capabilities) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[agentid.ID]DesiredAgent, len(desired))
	for _, d := range desired {
		wanted[d.ID] = d
	}

	var merr *multierror.Error

	for id, tracked := range s.agents {
		if _, ok := wanted[id]; ok {
			continue
		}
		if err := s.stopAndRemoveLocked(ctx, tracked); err != nil {
			merr = multierror.Append(merr, err)
		}
	}

	for id, d := range wanted {
		caps := capabilities[id]
		if err := s.convergeAgentLocked(ctx, d, caps); err != nil {
			merr = multierror.Append(merr, err)
			s.recordFailureLocked(id, err)
		}
	}

	return merr.ErrorOrNil()
}

func (s *Supervisor) convergeAgentLocked(ctx context.Context, d DesiredAgent, caps configrepo.Capabilities) error {
	def, err := s.registry.Get(d.TypeID)
	if err != nil {
		return err
	}

	raw, err := s.repo.LoadRemoteFallbackLocal(d.ID, caps)
	if err != nil {
		return err
	}
	var rawValues variable.RawValues
	if err := yaml.Unmarshal(raw, &rawValues); err != nil {
		return fmt.Errorf("supervisor: decoding config for %s: %w", d.ID, err)
	}
	bound, err := variable.Resolve(def.Variables, rawValues, nil)
	if err != nil {
		return err
	}

	hash := contentHash(raw)

	existing, alreadyTracked := s.agents[d.ID]
	if alreadyTracked && existing.hash == hash && existing.rt.State() == runtime.StateRunning {
		s.refreshStatusLocked(ctx, existing)
		return nil
	}

	ea, err := assembler.Assemble(def, d.ID, bound, s.identity, s.secretResolver, s.assembleRoot)
	if err != nil {
		return err
	}

	if alreadyTracked && existing.rt != nil {
		if err := existing.rt.Stop(ctx); err != nil {
			s.log.Error(err, "stopping previous runtime before re-assembly", "agentID", d.ID.String())
		}
	}

	rt, err := runtime.NewSubAgentRuntime(d.ID, def, ea, s.k8sClient, s.namespace, s.log)
	if err != nil {
		return err
	}
	if err := rt.Start(ctx, ea); err != nil {
		return err
	}

	s.nextSeq++
	tracked := &trackedAgent{desired: d, rt: rt, hash: hash, seq: s.nextSeq}
	s.agents[d.ID] = tracked
	if s.hashStore != nil {
		_ = s.hashStore.Store(d.ID, configrepo.HashRecord{Hash: hash, State: configrepo.HashApplied})
	}
	s.setConditionLocked(tracked, ConditionAccepted, metav1.ConditionTrue, "Converged", "")
	s.refreshStatusLocked(ctx, tracked)
	return nil
}

func (s *Supervisor) stopAndRemoveLocked(ctx context.Context, tracked *trackedAgent) error {
	delete(s.agents, tracked.desired.ID)
	if tracked.rt == nil {
		return nil
	}
	if err := tracked.rt.Stop(ctx); err != nil {
		return err
	}
	tracked.rt.Terminate()
	return nil
}

func (s *Supervisor) recordFailureLocked(id agentid.ID, reconcileErr error) {
	tracked, ok := s.agents[id]
	if !ok {
		tracked = &trackedAgent{desired: DesiredAgent{ID: id}}
		s.agents[id] = tracked
	}
	s.setConditionLocked(tracked, ConditionAccepted, metav1.ConditionFalse, "ReconcileFailed", reconcileErr.Error())
}

func (s *Supervisor) setConditionLocked(tracked *trackedAgent, condType string, status metav1.ConditionStatus, reason, message string) {
	meta.SetStatusCondition(&tracked.status.Conditions, metav1.Condition{
		Type:               condType,
		Status:             status,
		LastTransitionTime: metav1.Now(),
		Reason:             reason,
		Message:            message,
	})
}

func (s *Supervisor) refreshStatusLocked(ctx context.Context, tracked *trackedAgent) {
	health, err := tracked.rt.PollHealth(ctx)
	if err != nil {
		s.setConditionLocked(tracked, ConditionReady, metav1.ConditionUnknown, "HealthCheckFailed", err.Error())
	} else if health.Healthy {
		s.setConditionLocked(tracked, ConditionReady, metav1.ConditionTrue, "Healthy", health.Message)
	} else {
		s.setConditionLocked(tracked, ConditionReady, metav1.ConditionFalse, "Unhealthy", health.Message)
	}
	tracked.status.AgentID = tracked.desired.ID
	tracked.status.State = tracked.rt.State()
	tracked.status.ConfigHash = tracked.hash
	tracked.status.ObservedAt = time.Now()
}

// Status returns the last observed Status for id, if tracked.
func (s *Supervisor) Status(id agentid.ID) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tracked, ok := s.agents[id]
	if !ok {
		return Status{}, false
	}
	return tracked.status, true
}

// AllStatuses returns every tracked agent's last observed Status.
func (s *Supervisor) AllStatuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.agents))
	for _, tracked := range s.agents {
		out = append(out, tracked.status)
	}
	return out
}

// TrackedAgentIDs returns the AgentIDs currently tracked, for the Garbage
// Collector to diff against on-disk/cluster state.
func (s *Supervisor) TrackedAgentIDs() []agentid.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]agentid.ID, 0, len(s.agents))
	for id := range s.agents {
		out = append(out, id)
	}
	return out
}

// Shutdown stops every tracked runtime in reverse creation order, per
// §4.8's `ApplicationEvent::StopRequested` orderly-shutdown rule, and
// aggregates any stop errors without aborting the rest.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ordered := make([]*trackedAgent, 0, len(s.agents))
	for _, tracked := range s.agents {
		ordered = append(ordered, tracked)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].seq > ordered[j].seq })
	s.mu.Unlock()

	var merr *multierror.Error
	for _, tracked := range ordered {
		if tracked.rt == nil {
			continue
		}
		if err := tracked.rt.Stop(ctx); err != nil {
			merr = multierror.Append(merr, err)
		}
		tracked.rt.Terminate()
	}

	s.mu.Lock()
	s.agents = map[agentid.ID]*trackedAgent{}
	s.mu.Unlock()

	return merr.ErrorOrNil()
}

// contentHash is the config-hash used to gate re-assembly, matching the
// hash the teacher's reconciler compares via bytes.Equal before deciding
// whether a resource actually changed.
func contentHash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
