package configrepo

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/newrelic/agent-control-go/internal/agentid"
	"github.com/newrelic/agent-control-go/internal/sysinfo"
)

// instanceIDRecord is the on-disk shape of instance_id.yaml: the minted
// Instance ID plus the stable
// identifiers it was minted under, so a later boot can detect drift (§3).
type instanceIDRecord struct {
	InstanceID      string `yaml:"instance_id"`
	HostID          string `yaml:"host_id,omitempty"`
	Hostname        string `yaml:"hostname,omitempty"`
	CloudInstanceID string `yaml:"cloud_instance_id,omitempty"`
	K8sClusterName  string `yaml:"cluster_name,omitempty"`
	K8sFleetID      string `yaml:"fleet_id,omitempty"`
}

// InstanceIDStore persists the per-AgentID Instance ID (§3, §6:
// instance_id.yaml) so a restarted supervisor reuses the same identity
// towards the fleet-control plane instead of reminting on every boot. It is
// file-backed only; K8s mode uses it too, and no ConfigMap key holds the
// Instance ID.
type InstanceIDStore struct {
	Fs   afero.Fs
	Root string

	mu sync.Mutex
}

func NewInstanceIDStore(fs afero.Fs, root string) *InstanceIDStore {
	return &InstanceIDStore{Fs: fs, Root: root}
}

func (s *InstanceIDStore) path(id agentid.ID) string {
	return filepath.Join(s.Root, "fleet", "agents.d", id.String(), "instance_id.yaml")
}

func (s *InstanceIDStore) load(id agentid.ID) (instanceIDRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := afero.ReadFile(s.Fs, s.path(id))
	if os.IsNotExist(err) {
		return instanceIDRecord{}, false, nil
	}
	if err != nil {
		return instanceIDRecord{}, false, fmt.Errorf("configrepo: instance id load %s: %w", id, err)
	}
	var rec instanceIDRecord
	if err := yaml.Unmarshal(raw, &rec); err != nil {
		return instanceIDRecord{}, false, fmt.Errorf("configrepo: instance id load %s: corrupt instance_id.yaml: %w", id, err)
	}
	if rec.InstanceID == "" {
		return instanceIDRecord{}, false, nil
	}
	return rec, true, nil
}

func (s *InstanceIDStore) store(id agentid.ID, rec instanceIDRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir := filepath.Dir(s.path(id))
	if err := s.Fs.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("configrepo: instance id store %s: %w", id, err)
	}
	raw, err := yaml.Marshal(rec)
	if err != nil {
		return fmt.Errorf("configrepo: instance id store %s: %w", id, err)
	}
	tmp := filepath.Join(dir, ".instance_id.yaml.tmp")
	if err := afero.WriteFile(s.Fs, tmp, raw, fileMode); err != nil {
		return fmt.Errorf("configrepo: instance id store %s: %w", id, err)
	}
	if err := s.Fs.Rename(tmp, s.path(id)); err != nil {
		return fmt.Errorf("configrepo: instance id store %s: %w", id, err)
	}
	return nil
}

// Load returns the persisted Instance ID alone, ignoring the stable
// identifiers it was minted under.
func (s *InstanceIDStore) Load(id agentid.ID) (string, bool, error) {
	rec, found, err := s.load(id)
	return rec.InstanceID, found, err
}

// Store persists instanceID for id without recording stable identifiers;
// callers that care about drift detection should use ForAgent instead.
func (s *InstanceIDStore) Store(id agentid.ID, instanceID string) error {
	return s.store(id, instanceIDRecord{InstanceID: instanceID})
}

// ForAgent returns a sysinfo.InstanceIDPersister bound to one AgentID, for
// use with sysinfo.Resolver.
func (s *InstanceIDStore) ForAgent(id agentid.ID) *AgentInstanceIDStore {
	return &AgentInstanceIDStore{store: s, id: id}
}

// AgentInstanceIDStore adapts InstanceIDStore to sysinfo.InstanceIDPersister
// for a single AgentID.
type AgentInstanceIDStore struct {
	store *InstanceIDStore
	id    agentid.ID
}

func (a *AgentInstanceIDStore) LoadIdentifiers() (sysinfo.StableIdentifiers, string, bool, error) {
	rec, found, err := a.store.load(a.id)
	if err != nil || !found {
		return sysinfo.StableIdentifiers{}, "", found, err
	}
	return sysinfo.StableIdentifiers{
		HostID:          rec.HostID,
		Hostname:        rec.Hostname,
		CloudInstanceID: rec.CloudInstanceID,
		K8sClusterName:  rec.K8sClusterName,
		K8sFleetID:      rec.K8sFleetID,
	}, rec.InstanceID, true, nil
}

func (a *AgentInstanceIDStore) StoreIdentifiers(ids sysinfo.StableIdentifiers, instanceID string) error {
	return a.store.store(a.id, instanceIDRecord{
		InstanceID:      instanceID,
		HostID:          ids.HostID,
		Hostname:        ids.Hostname,
		CloudInstanceID: ids.CloudInstanceID,
		K8sClusterName:  ids.K8sClusterName,
		K8sFleetID:      ids.K8sFleetID,
	})
}
