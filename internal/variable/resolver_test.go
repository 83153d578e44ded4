package variable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newrelic/agent-control-go/internal/agenttype"
)

func strPtr(s string) *string { return &s }

func schemaWithLog() *agenttype.VariableNode {
	return &agenttype.VariableNode{
		Children: map[string]*agenttype.VariableNode{
			"license_key": {Leaf: &agenttype.VariableDefinition{Type: agenttype.KindString, Required: true}},
			"log": {
				Children: map[string]*agenttype.VariableNode{
					"level": {Leaf: &agenttype.VariableDefinition{Type: agenttype.KindString, Required: false, Default: strPtr("info")}},
				},
			},
			"tags": {Leaf: &agenttype.VariableDefinition{Type: agenttype.KindMapString, Required: false}},
		},
	}
}

func TestResolveBindsFinalAndDefault(t *testing.T) {
	raw := RawValues{
		"license_key": "abc123",
		"log":         map[string]interface{}{"level": "debug"},
	}
	bound, err := Resolve(schemaWithLog(), raw, nil)
	require.NoError(t, err)
	assert.Equal(t, "abc123", bound["license_key"].Scalar)
	assert.Equal(t, "debug", bound["log.level"].Scalar)
}

func TestResolveFallsBackToDefault(t *testing.T) {
	raw := RawValues{"license_key": "abc123"}
	bound, err := Resolve(schemaWithLog(), raw, nil)
	require.NoError(t, err)
	assert.Equal(t, "info", bound["log.level"].Scalar)
}

func TestResolveMissingRequiredFails(t *testing.T) {
	raw := RawValues{}
	_, err := Resolve(schemaWithLog(), raw, nil)
	require.Error(t, err)
	var mr *MissingRequiredError
	require.ErrorAs(t, err, &mr)
	assert.Equal(t, "license_key", mr.Path)
}

func TestResolveMapStringVariable(t *testing.T) {
	raw := RawValues{
		"license_key": "abc123",
		"tags":        map[string]interface{}{"env": "prod", "team": "infra"},
	}
	bound, err := Resolve(schemaWithLog(), raw, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"env": "prod", "team": "infra"}, bound["tags"].StringMap)
}

func TestResolveTypeMismatch(t *testing.T) {
	raw := RawValues{
		"license_key": 42, // should be a string
	}
	_, err := Resolve(schemaWithLog(), raw, nil)
	require.Error(t, err)
	var tm *TypeMismatchError
	require.ErrorAs(t, err, &tm)
}

func TestResolveConstraintViolation(t *testing.T) {
	raw := RawValues{
		"license_key": "abc123",
		"log":         map[string]interface{}{"level": "trace"},
	}
	constraints := Constraints{"log.level": {AllowedValues: []string{"info", "warn", "error"}}}
	_, err := Resolve(schemaWithLog(), raw, constraints)
	require.Error(t, err)
	var cv *ConstraintViolationError
	require.ErrorAs(t, err, &cv)
}

func TestMergeRemoteOverridesLocal(t *testing.T) {
	local := RawValues{"log": map[string]interface{}{"level": "info"}, "license_key": "local-key"}
	remote := RawValues{"log": map[string]interface{}{"level": "debug"}}
	merged := Merge(local, remote)
	logMap := merged["log"].(map[string]interface{})
	assert.Equal(t, "debug", logMap["level"])
	assert.Equal(t, "local-key", merged["license_key"])
}

func TestEmptyValuesYieldEmptyEffectiveConfig(t *testing.T) {
	schema := &agenttype.VariableNode{
		Children: map[string]*agenttype.VariableNode{
			"optional": {Leaf: &agenttype.VariableDefinition{Type: agenttype.KindString, Required: false}},
		},
	}
	bound, err := Resolve(schema, RawValues{}, nil)
	require.NoError(t, err)
	assert.Empty(t, bound["optional"].Scalar)
}
