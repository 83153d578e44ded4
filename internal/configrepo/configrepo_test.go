package configrepo

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newrelic/agent-control-go/internal/agentid"
	"github.com/newrelic/agent-control-go/internal/k8sclient"
)

func mustAgent(t *testing.T, name string) agentid.ID {
	t.Helper()
	id, err := agentid.NewSubAgent(name)
	require.NoError(t, err)
	return id
}

func TestLoadRemoteFallbackLocalPrefersRemote(t *testing.T) {
	fs := afero.NewMemMapFs()
	id := mustAgent(t, "infra")
	local := &LocalStore{Fs: fs, Root: "/local"}
	remote := NewRemoteStore(fs, "/remote")

	require.NoError(t, writeLocalSeed(fs, local, id, []byte("from: local\n")))
	require.NoError(t, remote.Store(id, []byte("from: remote\n")))

	repo := New(local, remote)
	raw, err := repo.LoadRemoteFallbackLocal(id, Capabilities{AcceptsRemoteConfig: true})
	require.NoError(t, err)
	assert.Equal(t, "from: remote\n", string(raw))
}

func TestLoadRemoteFallbackLocalFallsBackWhenNotAccepting(t *testing.T) {
	fs := afero.NewMemMapFs()
	id := mustAgent(t, "infra")
	local := &LocalStore{Fs: fs, Root: "/local"}
	remote := NewRemoteStore(fs, "/remote")

	require.NoError(t, writeLocalSeed(fs, local, id, []byte("from: local\n")))
	require.NoError(t, remote.Store(id, []byte("from: remote\n")))

	repo := New(local, remote)
	raw, err := repo.LoadRemoteFallbackLocal(id, Capabilities{AcceptsRemoteConfig: false})
	require.NoError(t, err)
	assert.Equal(t, "from: local\n", string(raw))
}

func TestLoadRemoteFallbackLocalEmptyWhenNeitherPresent(t *testing.T) {
	fs := afero.NewMemMapFs()
	id := mustAgent(t, "infra")
	repo := New(&LocalStore{Fs: fs, Root: "/local"}, NewRemoteStore(fs, "/remote"))
	raw, err := repo.LoadRemoteFallbackLocal(id, Capabilities{AcceptsRemoteConfig: true})
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestLocalStoreIsReadOnly(t *testing.T) {
	fs := afero.NewMemMapFs()
	id := mustAgent(t, "infra")
	local := &LocalStore{Fs: fs, Root: "/local"}
	assert.Error(t, local.Store(id, []byte("x")))
	assert.Error(t, local.Delete(id))
}

func TestRemoteStoreDeleteIsNotExistTolerant(t *testing.T) {
	fs := afero.NewMemMapFs()
	id := mustAgent(t, "infra")
	remote := NewRemoteStore(fs, "/remote")
	assert.NoError(t, remote.Delete(id))
}

func TestHashStorePersistsAcrossLoads(t *testing.T) {
	fs := afero.NewMemMapFs()
	id := mustAgent(t, "infra")
	store := NewHashStore(fs, "/remote")

	rec, err := store.Load(id)
	require.NoError(t, err)
	assert.Equal(t, HashUnset, rec.State)

	require.NoError(t, store.Store(id, HashRecord{Hash: "abc123", State: HashApplied}))
	rec, err = store.Load(id)
	require.NoError(t, err)
	assert.Equal(t, "abc123", rec.Hash)
	assert.Equal(t, HashApplied, rec.State)
}

func TestInstanceIDStoreRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	id := mustAgent(t, "infra")
	store := NewInstanceIDStore(fs, "/remote")

	_, found, err := store.Load(id)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Store(id, "01912e1a-0000-7000-8000-000000000000"))
	got, found, err := store.Load(id)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "01912e1a-0000-7000-8000-000000000000", got)
}

func TestK8sConfigMapStoreRoundTrip(t *testing.T) {
	fake := k8sclient.NewFake()
	id := mustAgent(t, "infra")
	store := &K8sConfigMapStore{
		Client:          fake,
		Namespace:       "newrelic",
		Prefix:          "ac-values",
		Key:             "remote_config",
		ManagedByValue:  "agent-control",
	}

	_, found, err := store.Load(id)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Store(id, []byte("license_key: abc\n")))
	raw, found, err := store.Load(id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "license_key: abc\n", string(raw))

	require.NoError(t, store.Delete(id))
	_, found, err = store.Load(id)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestK8sConfigMapStorePreservesOtherKeysOnDelete(t *testing.T) {
	fake := k8sclient.NewFake()
	id := mustAgent(t, "infra")
	local := &K8sConfigMapStore{Client: fake, Namespace: "newrelic", Prefix: "ac-values", Key: "local_config", ManagedByValue: "agent-control"}
	remote := &K8sConfigMapStore{Client: fake, Namespace: "newrelic", Prefix: "ac-values", Key: "remote_config", ManagedByValue: "agent-control"}

	require.NoError(t, local.Store(id, []byte("a: 1\n")))
	require.NoError(t, remote.Store(id, []byte("b: 2\n")))

	require.NoError(t, remote.Delete(id))

	_, found, err := remote.Load(id)
	require.NoError(t, err)
	assert.False(t, found)

	raw, found, err := local.Load(id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "a: 1\n", string(raw))
}

func writeLocalSeed(fs afero.Fs, local *LocalStore, id agentid.ID, raw []byte) error {
	dir := "/local/fleet/agents.d/" + id.String() + "/values"
	if err := fs.MkdirAll(dir, dirMode); err != nil {
		return err
	}
	return afero.WriteFile(fs, local.path(id), raw, fileMode)
}
