package configrepo

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/newrelic/agent-control-go/internal/agentid"
)

// HashState enumerates the ConfigHash state machine carried in §3.
type HashState string

const (
	HashUnset    HashState = "unset"
	HashApplying HashState = "applying"
	HashApplied  HashState = "applied"
	HashFailed   HashState = "failed"
)

// HashRecord is the persisted {hash, state[, message]} pair, written to
// hash.yaml per §6.
type HashRecord struct {
	Hash    string    `yaml:"hash"`
	State   HashState `yaml:"state"`
	Message string    `yaml:"message,omitempty"`
}

// HashStore persists HashRecord per AgentID so a crashed supervisor resumes
// with the last outcome (§3 Lifecycle). On a persistence error it falls
// back to an in-memory last-known value for the rest of the process
// lifetime, per §7's IOErrors policy, rather than propagating the error.
type HashStore struct {
	Fs   afero.Fs
	Root string

	mu       sync.Mutex
	fallback map[agentid.ID]HashRecord
	degraded bool
}

func NewHashStore(fs afero.Fs, root string) *HashStore {
	return &HashStore{Fs: fs, Root: root, fallback: map[agentid.ID]HashRecord{}}
}

func (s *HashStore) path(id agentid.ID) string {
	return filepath.Join(s.Root, "fleet", "agents.d", id.String(), "hash.yaml")
}

func (s *HashStore) Load(id agentid.ID) (HashRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.degraded {
		return s.fallback[id], nil
	}
	raw, err := afero.ReadFile(s.Fs, s.path(id))
	if os.IsNotExist(err) {
		return HashRecord{State: HashUnset}, nil
	}
	if err != nil {
		s.degraded = true
		return s.fallback[id], nil
	}
	var rec HashRecord
	if err := yaml.Unmarshal(raw, &rec); err != nil {
		return HashRecord{}, fmt.Errorf("configrepo: hash store %s: corrupt hash.yaml: %w", id, err)
	}
	return rec, nil
}

func (s *HashStore) Store(id agentid.ID, rec HashRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback[id] = rec
	if s.degraded {
		return nil
	}
	dir := filepath.Dir(s.path(id))
	raw, err := yaml.Marshal(rec)
	if err != nil {
		return fmt.Errorf("configrepo: hash store %s: %w", id, err)
	}
	if err := s.Fs.MkdirAll(dir, dirMode); err != nil {
		s.degraded = true
		return nil
	}
	if err := afero.WriteFile(s.Fs, s.path(id), raw, fileMode); err != nil {
		s.degraded = true
		return nil
	}
	return nil
}

func (s *HashStore) Delete(id agentid.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.fallback, id)
	if s.degraded {
		return nil
	}
	err := s.Fs.Remove(s.path(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("configrepo: hash delete %s: %w", id, err)
	}
	return nil
}
