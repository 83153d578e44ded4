package assembler

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newrelic/agent-control-go/internal/agentid"
	"github.com/newrelic/agent-control-go/internal/agenttype"
	"github.com/newrelic/agent-control-go/internal/variable"
)

func TestAssembleOnHostRendersAndPublishesAtomically(t *testing.T) {
	root := t.TempDir()
	typeID, err := agentid.NewTypeID("newrelic", "infra-agent", "0.1.0")
	require.NoError(t, err)

	def := &agenttype.Definition{
		ID: typeID,
		Deployment: agenttype.Deployment{
			OnHost: &agenttype.OnHostDeployment{
				Executables: []agenttype.Executable{
					{
						ID:   "main",
						Path: "/usr/bin/newrelic-infra",
						Args: []string{"--license-key", "${var:license_key}"},
						Env:  map[string]string{"NRIA_LOG_LEVEL": "${var:log.level}"},
					},
				},
			},
		},
	}

	bound := variable.Bound{
		"license_key": {Kind: agenttype.KindString, Scalar: "s3cr3t"},
		"log.level":   {Kind: agenttype.KindString, Scalar: "debug"},
	}

	agent, err := agentid.NewSubAgent("infra")
	require.NoError(t, err)

	ea, err := Assemble(def, agent, bound, Identity{HostID: "host-1", InstanceID: "inst-1"}, nil, root)
	require.NoError(t, err)
	require.Len(t, ea.OnHost, 1)
	assert.Equal(t, []string{"--license-key", "s3cr3t"}, ea.OnHost[0].Args)
	assert.Equal(t, "debug", ea.OnHost[0].Env["NRIA_LOG_LEVEL"])

	assert.Equal(t, filepath.Join(root, agent.String(), "files"), ea.StagingDir)
	_, err = os.Stat(ea.StagingDir)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, agent.String(), ".staging-files"))
	assert.True(t, os.IsNotExist(err))
}

func TestAssembleOnHostFailsOnUnresolvedVariable(t *testing.T) {
	root := t.TempDir()
	typeID, err := agentid.NewTypeID("newrelic", "infra-agent", "0.1.0")
	require.NoError(t, err)
	def := &agenttype.Definition{
		ID: typeID,
		Deployment: agenttype.Deployment{
			OnHost: &agenttype.OnHostDeployment{
				Executables: []agenttype.Executable{
					{ID: "main", Path: "/usr/bin/newrelic-infra", Args: []string{"${var:missing}"}},
				},
			},
		},
	}
	agent, err := agentid.NewSubAgent("infra")
	require.NoError(t, err)

	_, err = Assemble(def, agent, variable.Bound{}, Identity{}, nil, root)
	assert.Error(t, err)
}

func TestAssembleOnHostResolvesSubAgentIDNamespace(t *testing.T) {
	root := t.TempDir()
	typeID, err := agentid.NewTypeID("newrelic", "infra-agent", "0.1.0")
	require.NoError(t, err)
	def := &agenttype.Definition{
		ID: typeID,
		Deployment: agenttype.Deployment{
			OnHost: &agenttype.OnHostDeployment{
				Executables: []agenttype.Executable{
					{ID: "main", Path: "/usr/bin/newrelic-infra", Args: []string{"-config", "${sub:agent_id}.yml"}},
				},
			},
		},
	}
	agent, err := agentid.NewSubAgent("infra")
	require.NoError(t, err)

	ea, err := Assemble(def, agent, variable.Bound{}, Identity{}, nil, root)
	require.NoError(t, err)
	require.Len(t, ea.OnHost, 1)
	assert.Equal(t, []string{"-config", agent.String() + ".yml"}, ea.OnHost[0].Args)
}

func TestAssembleK8sRendersEachObjectDeterministically(t *testing.T) {
	typeID, err := agentid.NewTypeID("newrelic", "k8s-agent", "0.1.0")
	require.NoError(t, err)
	def := &agenttype.Definition{
		ID: typeID,
		Deployment: agenttype.Deployment{
			K8s: &agenttype.K8sDeployment{
				Objects: map[string]agenttype.K8sObjectSpec{
					"b-deployment": {Kind: "Deployment", Template: "kind: Deployment\nmetadata:\n  name: ${var:name}\n"},
					"a-configmap":  {Kind: "ConfigMap", Template: "kind: ConfigMap\n"},
				},
			},
		},
	}
	agent, err := agentid.NewSubAgent("app")
	require.NoError(t, err)
	bound := variable.Bound{"name": {Kind: agenttype.KindString, Scalar: "my-app"}}

	ea, err := Assemble(def, agent, bound, Identity{}, nil, t.TempDir())
	require.NoError(t, err)
	require.Len(t, ea.K8s, 2)
	assert.Contains(t, ea.K8s[0].YAML, "kind: ConfigMap")
	assert.Contains(t, ea.K8s[1].YAML, "name: my-app")
}

func TestAssembleFailsWithoutDeploymentBranch(t *testing.T) {
	typeID, err := agentid.NewTypeID("newrelic", "empty-agent", "0.1.0")
	require.NoError(t, err)
	def := &agenttype.Definition{ID: typeID}
	agent, err := agentid.NewSubAgent("app")
	require.NoError(t, err)

	_, err = Assemble(def, agent, variable.Bound{}, Identity{}, nil, t.TempDir())
	assert.Error(t, err)
}
