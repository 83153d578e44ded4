package secret

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	value string
	err   error
}

func (s stubProvider) Get(path string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.value + ":" + path, nil
}

func TestRegistryResolveDispatchesByNamespace(t *testing.T) {
	reg := NewRegistry(map[string]Provider{
		"vault":      stubProvider{value: "vault-secret"},
		"k8s-secret": stubProvider{value: "k8s-secret"},
	})

	got, err := reg.Resolve("vault", "secret/data/newrelic#license_key")
	require.NoError(t, err)
	assert.Equal(t, "vault-secret:secret/data/newrelic#license_key", got)

	got, err = reg.Resolve("k8s-secret", "default/license#key")
	require.NoError(t, err)
	assert.Equal(t, "k8s-secret:default/license#key", got)
}

func TestRegistryResolveUnknownNamespaceErrors(t *testing.T) {
	reg := NewRegistry(map[string]Provider{"vault": stubProvider{value: "x"}})
	_, err := reg.Resolve("unknown", "path")
	assert.Error(t, err)
}

func TestRegistryResolvePropagatesProviderError(t *testing.T) {
	boom := errors.New("boom")
	reg := NewRegistry(map[string]Provider{"vault": stubProvider{err: boom}})
	_, err := reg.Resolve("vault", "path")
	assert.ErrorIs(t, err, boom)
}

func TestScanGroupsReferencesByNamespace(t *testing.T) {
	result := Scan([]Reference{
		{Namespace: "vault", Path: "a"},
		{Namespace: "k8s-secret", Path: "b"},
		{Namespace: "vault", Path: "c"},
	})
	assert.Equal(t, []string{"a", "c"}, result["vault"])
	assert.Equal(t, []string{"b"}, result["k8s-secret"])
}

func TestRegistryCopiesInputMap(t *testing.T) {
	providers := map[string]Provider{"vault": stubProvider{value: "v1"}}
	reg := NewRegistry(providers)
	providers["vault"] = stubProvider{value: "mutated"}

	got, err := reg.Resolve("vault", "p")
	require.NoError(t, err)
	assert.Equal(t, "v1:p", got)
}
