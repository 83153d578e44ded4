package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newrelic/agent-control-go/internal/agentid"
	"github.com/newrelic/agent-control-go/internal/agenttype"
	"github.com/newrelic/agent-control-go/internal/assembler"
	"github.com/newrelic/agent-control-go/internal/configrepo"
	"github.com/newrelic/agent-control-go/internal/k8sclient"
)

func sleeperType(t *testing.T) (agentid.TypeID, *agenttype.Definition) {
	t.Helper()
	typeID, err := agentid.NewTypeID("testing", "sleeper", "0.1.0")
	require.NoError(t, err)
	def := &agenttype.Definition{
		ID: typeID,
		Deployment: agenttype.Deployment{
			OnHost: &agenttype.OnHostDeployment{
				Executables: []agenttype.Executable{
					{
						ID:              "main",
						Path:            "sleep",
						Args:            []string{"30"},
						RestartPolicy:   agenttype.RestartPolicy{Type: agenttype.BackoffNone},
						ShutdownTimeout: agenttype.Duration(time.Second),
					},
				},
			},
		},
	}
	require.NoError(t, def.Validate())
	return typeID, def
}

func newTestSupervisor(t *testing.T) (*Supervisor, agentid.TypeID) {
	t.Helper()
	typeID, def := sleeperType(t)

	registry := agenttype.NewRegistry()
	require.NoError(t, registry.Store(def))

	fs := afero.NewMemMapFs()
	local := &configrepo.LocalStore{Fs: fs, Root: "/local"}
	remote := configrepo.NewRemoteStore(fs, "/remote")
	repo := configrepo.New(local, remote)
	hashStore := configrepo.NewHashStore(fs, "/remote")

	root := t.TempDir()
	identity := assembler.Identity{HostID: "host-1", InstanceID: "11111111111111111111111111111111"}

	sv := New(registry, repo, hashStore, root, identity, nil, k8sclient.NewFake(), "newrelic", logr.Discard())
	return sv, typeID
}

func TestReconcileAddsAndStartsSubAgent(t *testing.T) {
	sv, typeID := newTestSupervisor(t)
	id, err := agentid.NewSubAgent("svc")
	require.NoError(t, err)

	desired := []DesiredAgent{{ID: id, TypeID: typeID}}
	caps := map[agentid.ID]configrepo.Capabilities{id: {AcceptsRemoteConfig: true}}

	require.NoError(t, sv.Reconcile(context.Background(), desired, caps))

	status, ok := sv.Status(id)
	require.True(t, ok)
	assert.Equal(t, id, status.AgentID)
	assert.NotEmpty(t, status.ConfigHash)
	assert.Contains(t, sv.TrackedAgentIDs(), id)

	require.NoError(t, sv.Shutdown(context.Background()))
}

func TestReconcileIsIdempotentWhenValuesUnchanged(t *testing.T) {
	sv, typeID := newTestSupervisor(t)
	id, err := agentid.NewSubAgent("svc")
	require.NoError(t, err)

	desired := []DesiredAgent{{ID: id, TypeID: typeID}}
	caps := map[agentid.ID]configrepo.Capabilities{id: {AcceptsRemoteConfig: true}}

	require.NoError(t, sv.Reconcile(context.Background(), desired, caps))
	firstSeq := sv.agents[id].seq

	require.NoError(t, sv.Reconcile(context.Background(), desired, caps))
	assert.Equal(t, firstSeq, sv.agents[id].seq, "unchanged config must not re-create the runtime")

	require.NoError(t, sv.Shutdown(context.Background()))
}

func TestReconcileRemovesAgentsDroppedFromDesired(t *testing.T) {
	sv, typeID := newTestSupervisor(t)
	id, err := agentid.NewSubAgent("svc")
	require.NoError(t, err)

	desired := []DesiredAgent{{ID: id, TypeID: typeID}}
	caps := map[agentid.ID]configrepo.Capabilities{id: {AcceptsRemoteConfig: true}}
	require.NoError(t, sv.Reconcile(context.Background(), desired, caps))
	require.Contains(t, sv.TrackedAgentIDs(), id)

	require.NoError(t, sv.Reconcile(context.Background(), nil, nil))
	assert.NotContains(t, sv.TrackedAgentIDs(), id)
}

func TestReconcileUnknownAgentTypeFailsWithoutAbortingOthers(t *testing.T) {
	sv, typeID := newTestSupervisor(t)
	good, err := agentid.NewSubAgent("svc")
	require.NoError(t, err)
	missingType, err := agentid.NewTypeID("testing", "missing", "0.1.0")
	require.NoError(t, err)
	bad, err := agentid.NewSubAgent("broken")
	require.NoError(t, err)

	desired := []DesiredAgent{
		{ID: good, TypeID: typeID},
		{ID: bad, TypeID: missingType},
	}
	caps := map[agentid.ID]configrepo.Capabilities{
		good: {AcceptsRemoteConfig: true},
		bad:  {AcceptsRemoteConfig: true},
	}

	err = sv.Reconcile(context.Background(), desired, caps)
	require.Error(t, err)

	_, ok := sv.Status(good)
	assert.True(t, ok, "the good agent must still converge despite the bad one failing")

	badStatus, ok := sv.Status(bad)
	require.True(t, ok)
	found := false
	for _, c := range badStatus.Conditions {
		if c.Type == ConditionAccepted && c.Status == "False" {
			found = true
		}
	}
	assert.True(t, found, "failed agent must record a False Accepted condition")

	require.NoError(t, sv.Shutdown(context.Background()))
}

func TestShutdownStopsEveryTrackedRuntime(t *testing.T) {
	sv, typeID := newTestSupervisor(t)
	id, err := agentid.NewSubAgent("svc")
	require.NoError(t, err)

	desired := []DesiredAgent{{ID: id, TypeID: typeID}}
	caps := map[agentid.ID]configrepo.Capabilities{id: {AcceptsRemoteConfig: true}}
	require.NoError(t, sv.Reconcile(context.Background(), desired, caps))

	require.NoError(t, sv.Shutdown(context.Background()))
	assert.Empty(t, sv.TrackedAgentIDs())
}
