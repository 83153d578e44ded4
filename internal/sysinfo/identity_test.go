package sysinfo

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memPersister struct {
	ids        StableIdentifiers
	instanceID string
	found      bool
}

func (m *memPersister) LoadIdentifiers() (StableIdentifiers, string, bool, error) {
	return m.ids, m.instanceID, m.found, nil
}

func (m *memPersister) StoreIdentifiers(ids StableIdentifiers, instanceID string) error {
	m.ids = ids
	m.instanceID = instanceID
	m.found = true
	return nil
}

func TestResolveMintsFreshIDWhenNothingPersisted(t *testing.T) {
	p := &memPersister{}
	r := NewResolver(p)
	id, err := r.Resolve(StableIdentifiers{HostID: "host-1", Hostname: "box"})
	require.NoError(t, err)
	assert.Len(t, id, 32)
	assert.Equal(t, id, p.instanceID)
}

func TestResolveReusesIDWhenIdentifiersUnchanged(t *testing.T) {
	p := &memPersister{}
	r := NewResolver(p)
	first, err := r.Resolve(StableIdentifiers{HostID: "host-1", Hostname: "box"})
	require.NoError(t, err)

	second, err := r.Resolve(StableIdentifiers{HostID: "host-1", Hostname: "box"})
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestResolveMintsFreshIDWhenIdentifiersChange(t *testing.T) {
	p := &memPersister{}
	r := NewResolver(p)
	first, err := r.Resolve(StableIdentifiers{HostID: "host-1", Hostname: "box"})
	require.NoError(t, err)

	second, err := r.Resolve(StableIdentifiers{HostID: "host-2", Hostname: "box"})
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestRenderInstanceIDIsUppercaseHexNoHyphens(t *testing.T) {
	id, err := MintInstanceID()
	require.NoError(t, err)
	assert.Len(t, id, 32)
	for _, r := range id {
		valid := (r >= '0' && r <= '9') || (r >= 'A' && r <= 'F')
		assert.True(t, valid, fmt.Sprintf("unexpected character %q", r))
	}
}
