package gc

import (
	"context"
	"testing"

	"github.com/go-logr/logr"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/newrelic/agent-control-go/internal/agentid"
	"github.com/newrelic/agent-control-go/internal/k8sclient"
)

func mustAgent(t *testing.T, name string) agentid.ID {
	t.Helper()
	id, err := agentid.NewSubAgent(name)
	require.NoError(t, err)
	return id
}

func TestOnHostCollectorRemovesUndesiredAgents(t *testing.T) {
	fs := afero.NewMemMapFs()
	infra := mustAgent(t, "infra")
	kept := mustAgent(t, "kept")
	require.NoError(t, fs.MkdirAll("/remote/fleet/agents.d/infra/values", 0o700))
	require.NoError(t, fs.MkdirAll("/remote/fleet/agents.d/kept/values", 0o700))
	require.NoError(t, fs.MkdirAll("/remote/fleet/agents.d/agent-control/values", 0o700))

	c := &OnHostCollector{Fs: fs, RemoteDir: "/remote", LocalAgent: agentid.AgentControl(), Log: logr.Discard()}
	err := c.Collect(map[agentid.ID]struct{}{kept: {}})
	require.NoError(t, err)

	exists, err := afero.DirExists(fs, "/remote/fleet/agents.d/infra")
	require.NoError(t, err)
	assert.False(t, exists, "undesired agent directory should be removed")

	exists, err = afero.DirExists(fs, "/remote/fleet/agents.d/kept")
	require.NoError(t, err)
	assert.True(t, exists, "desired agent directory must survive")

	exists, err = afero.DirExists(fs, "/remote/fleet/agents.d/agent-control")
	require.NoError(t, err)
	assert.True(t, exists, "agent-control's own state is never collected")
}

func TestOnHostCollectorIdempotentOnMissingDir(t *testing.T) {
	fs := afero.NewMemMapFs()
	c := &OnHostCollector{Fs: fs, RemoteDir: "/remote", LocalAgent: agentid.AgentControl(), Log: logr.Discard()}
	require.NoError(t, c.Collect(map[agentid.ID]struct{}{}))
}

var deploymentGVK = schema.GroupVersionKind{Group: "apps", Version: "v1", Kind: "Deployment"}

func applyLabeled(t *testing.T, client *k8sclient.Fake, name, namespace, agentID string) {
	t.Helper()
	obj := &unstructured.Unstructured{}
	obj.SetGroupVersionKind(deploymentGVK)
	obj.SetName(name)
	obj.SetNamespace(namespace)
	obj.SetLabels(map[string]string{k8sclient.LabelAgentID: agentID})
	_, err := client.ApplyIfChanged(context.Background(), obj)
	require.NoError(t, err)
}

func TestK8sCollectorDeletesUndesired(t *testing.T) {
	client := k8sclient.NewFake()
	applyLabeled(t, client, "infra-deploy", "ns", "infra")
	applyLabeled(t, client, "kept-deploy", "ns", "kept")

	c := &K8sCollector{
		Client:    client,
		Namespace: "ns",
		Kinds:     []k8sclient.TypeMeta{{GroupVersionKind: deploymentGVK}},
		Log:       logr.Discard(),
	}
	kept := mustAgent(t, "kept")
	err := c.Collect(context.Background(), map[agentid.ID]struct{}{kept: {}})
	require.NoError(t, err)

	obj, err := client.Get(context.Background(), k8sclient.TypeMeta{GroupVersionKind: deploymentGVK}, "infra-deploy", "ns")
	require.NoError(t, err)
	assert.Nil(t, obj, "undesired object must be deleted")

	obj, err = client.Get(context.Background(), k8sclient.TypeMeta{GroupVersionKind: deploymentGVK}, "kept-deploy", "ns")
	require.NoError(t, err)
	assert.NotNil(t, obj, "desired object must survive")
}

func TestK8sCollectorSkipsUnknownKinds(t *testing.T) {
	client := k8sclient.NewFake()
	client.UnknownKinds[deploymentGVK.Kind] = struct{}{}

	c := &K8sCollector{
		Client:    client,
		Namespace: "ns",
		Kinds:     []k8sclient.TypeMeta{{GroupVersionKind: deploymentGVK}},
		Log:       logr.Discard(),
	}
	err := c.Collect(context.Background(), map[agentid.ID]struct{}{})
	require.NoError(t, err, "a kind missing from the cluster must not be an error")
}

func TestCollectorRunsBothEnvironments(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/remote/fleet/agents.d/infra/values", 0o700))
	client := k8sclient.NewFake()
	applyLabeled(t, client, "infra-deploy", "ns", "infra")

	c := &Collector{
		OnHost: &OnHostCollector{Fs: fs, RemoteDir: "/remote", LocalAgent: agentid.AgentControl(), Log: logr.Discard()},
		K8s: &K8sCollector{
			Client:    client,
			Namespace: "ns",
			Kinds:     []k8sclient.TypeMeta{{GroupVersionKind: deploymentGVK}},
			Log:       logr.Discard(),
		},
	}
	require.NoError(t, c.Collect(context.Background(), nil))

	exists, err := afero.DirExists(fs, "/remote/fleet/agents.d/infra")
	require.NoError(t, err)
	assert.False(t, exists)
}
