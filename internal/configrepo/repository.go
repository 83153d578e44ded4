// Package configrepo implements the Config Repository (C4): keyed YAML
// values storage per AgentID with remote-overrides-local semantics and
// signed-config acceptance.
package configrepo

import (
	"github.com/newrelic/agent-control-go/internal/agentid"
)

// Capabilities describes what a given AgentID's remote-control participation
// allows, mirroring the capability bitset negotiated over OpAMP (§4.7).
type Capabilities struct {
	AcceptsRemoteConfig bool
}

// Store is the minimal per-AgentID keyed value store both the local and
// remote backing stores implement.
type Store interface {
	Load(id agentid.ID) (raw []byte, found bool, err error)
	Store(id agentid.ID, raw []byte) error
	Delete(id agentid.ID) error
}

// Repository is the C4 façade: load_remote_fallback_local semantics over a
// read-only local store and a read-write remote store.
type Repository struct {
	Local  Store
	Remote Store
}

// New constructs a Repository over the given local and remote stores.
func New(local, remote Store) *Repository {
	return &Repository{Local: local, Remote: remote}
}

// LoadRemoteFallbackLocal implements §4.4: remote if present and the agent
// is remote-configurable under capabilities; else local; else empty (a
// valid, not erroneous, effective configuration).
func (r *Repository) LoadRemoteFallbackLocal(id agentid.ID, capabilities Capabilities) ([]byte, error) {
	if capabilities.AcceptsRemoteConfig {
		raw, found, err := r.Remote.Load(id)
		if err != nil {
			return nil, err
		}
		if found {
			return raw, nil
		}
	}
	raw, found, err := r.Local.Load(id)
	if err != nil {
		return nil, err
	}
	if found {
		return raw, nil
	}
	return nil, nil
}

// StoreRemote writes raw as the accepted remote value for id. Callers must
// have already run signature validation (§4.7) before calling this.
func (r *Repository) StoreRemote(id agentid.ID, raw []byte) error {
	return r.Remote.Store(id, raw)
}

// DeleteRemote reverts id to its local value, transparently, per §4.4.
func (r *Repository) DeleteRemote(id agentid.ID) error {
	return r.Remote.Delete(id)
}
