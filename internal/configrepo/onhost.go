package configrepo

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	"github.com/newrelic/agent-control-go/internal/agentid"
)

// dirMode/fileMode match §6: "All files are written with owner-only
// permissions; directories are created with 0700".
const (
	dirMode  os.FileMode = 0o700
	fileMode os.FileMode = 0o600
)

// LocalStore is the read-only local values store: a single values.yaml per
// AgentID under <local_dir>/fleet/agents.d/<agent_id>/values/values.yaml,
// mirroring the on-host persisted state layout (§6).
type LocalStore struct {
	Fs   afero.Fs
	Root string // local_dir
}

// LocalValuesPath is the on-disk location LocalStore reads from, exported so
// out-of-band writers (the legacy-config migrator) can adopt a file into it
// without going through the read-only Store interface.
func LocalValuesPath(root string, id agentid.ID) string {
	return filepath.Join(root, "fleet", "agents.d", id.String(), "values", "values.yaml")
}

func (s *LocalStore) path(id agentid.ID) string {
	return LocalValuesPath(s.Root, id)
}

func (s *LocalStore) Load(id agentid.ID) ([]byte, bool, error) {
	raw, err := afero.ReadFile(s.Fs, s.path(id))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("configrepo: local load %s: %w", id, err)
	}
	return raw, true, nil
}

// Store and Delete are not part of the local store's contract (§4.4: "Local
// store: read-only"); they exist only so LocalStore satisfies Store for
// symmetry and always fail loudly if ever invoked.
func (s *LocalStore) Store(id agentid.ID, raw []byte) error {
	return fmt.Errorf("configrepo: local store is read-only, cannot write %s", id)
}

func (s *LocalStore) Delete(id agentid.ID) error {
	return fmt.Errorf("configrepo: local store is read-only, cannot delete %s", id)
}

// RemoteStore is the read-write on-host remote values store, with
// transactional (atomic, serialized-per-AgentID) writes, per §4.4.
type RemoteStore struct {
	Fs   afero.Fs
	Root string // remote_dir

	mu    sync.Mutex
	locks map[agentid.ID]*sync.Mutex
}

func NewRemoteStore(fs afero.Fs, root string) *RemoteStore {
	return &RemoteStore{Fs: fs, Root: root, locks: map[agentid.ID]*sync.Mutex{}}
}

func (s *RemoteStore) path(id agentid.ID) string {
	return filepath.Join(s.Root, "fleet", "agents.d", id.String(), "values", "values.yaml")
}

func (s *RemoteStore) lockFor(id agentid.ID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *RemoteStore) Load(id agentid.ID) ([]byte, bool, error) {
	raw, err := afero.ReadFile(s.Fs, s.path(id))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("configrepo: remote load %s: %w", id, err)
	}
	return raw, true, nil
}

// Store writes raw atomically: write to a temp file in the same directory,
// then rename over the target, so concurrent readers never observe a torn
// write. Writers for the same AgentID are additionally serialized.
func (s *RemoteStore) Store(id agentid.ID, raw []byte) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	dir := filepath.Dir(s.path(id))
	if err := s.Fs.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("configrepo: remote store %s: creating %s: %w", id, dir, err)
	}
	tmp := filepath.Join(dir, ".values.yaml.tmp")
	if err := afero.WriteFile(s.Fs, tmp, raw, fileMode); err != nil {
		return fmt.Errorf("configrepo: remote store %s: writing temp file: %w", id, err)
	}
	if err := s.Fs.Rename(tmp, s.path(id)); err != nil {
		return fmt.Errorf("configrepo: remote store %s: renaming into place: %w", id, err)
	}
	return nil
}

func (s *RemoteStore) Delete(id agentid.ID) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	err := s.Fs.Remove(s.path(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("configrepo: remote delete %s: %w", id, err)
	}
	return nil
}
