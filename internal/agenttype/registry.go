package agenttype

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/newrelic/agent-control-go/internal/agentid"
)

//go:embed catalog/*.yaml
var embeddedCatalog embed.FS

// ErrNotFound is returned by Get when no definition exists for the given id.
var ErrNotFound = fmt.Errorf("agent type not found")

// ErrAlreadyExists is returned by Store when id is already registered.
var ErrAlreadyExists = fmt.Errorf("agent type already exists")

// Registry holds the immutable set of Agent Type definitions known to the
// supervisor: the embedded catalog plus at most one local overlay.
type Registry struct {
	mu    sync.RWMutex
	types map[agentid.TypeID]*Definition
}

// NewRegistry constructs an empty registry. Use LoadEmbeddedCatalog and
// LoadOverlay (or Store) to populate it before serving traffic.
func NewRegistry() *Registry {
	return &Registry{types: make(map[agentid.TypeID]*Definition)}
}

// yamlDefinition mirrors the on-disk shape of a single Agent Type entry.
type yamlDefinition struct {
	Namespace  string        `yaml:"namespace"`
	Name       string        `yaml:"name"`
	Version    string        `yaml:"version"`
	Variables  *VariableNode `yaml:"variables"`
	Deployment Deployment    `yaml:"deployment"`
}

func (d yamlDefinition) toDefinition() (*Definition, error) {
	id, err := agentid.NewTypeID(d.Namespace, d.Name, d.Version)
	if err != nil {
		return nil, err
	}
	def := &Definition{ID: id, Variables: d.Variables, Deployment: d.Deployment}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// LoadEmbeddedCatalog parses every YAML file under catalog/ into the
// registry. It is the first of the two load steps described in §4.1.
func (r *Registry) LoadEmbeddedCatalog() error {
	entries, err := embeddedCatalog.ReadDir("catalog")
	if err != nil {
		return fmt.Errorf("agent type registry: reading embedded catalog: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		raw, err := embeddedCatalog.ReadFile(filepath.Join("catalog", entry.Name()))
		if err != nil {
			return fmt.Errorf("agent type registry: reading %s: %w", entry.Name(), err)
		}
		if err := r.loadBytes(raw); err != nil {
			return fmt.Errorf("agent type registry: loading %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// LoadOverlay parses a single user-supplied YAML file
// (<local_dir>/dynamic-agent-types/type.yaml) and adds or replaces its one
// definition in the registry. A missing file is not an error: the overlay
// is optional.
func (r *Registry) LoadOverlay(path string) error {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("agent type registry: reading overlay %s: %w", path, err)
	}
	var yd yamlDefinition
	if err := yaml.Unmarshal(raw, &yd); err != nil {
		return fmt.Errorf("agent type registry: parsing overlay %s: %w", path, err)
	}
	def, err := yd.toDefinition()
	if err != nil {
		return fmt.Errorf("agent type registry: overlay %s: %w", path, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[def.ID] = def // overlay overrides, never duplicate-errors
	return nil
}

func (r *Registry) loadBytes(raw []byte) error {
	var yd yamlDefinition
	if err := yaml.Unmarshal(raw, &yd); err != nil {
		return err
	}
	def, err := yd.toDefinition()
	if err != nil {
		return err
	}
	return r.Store(def)
}

// Get returns the definition for id, or ErrNotFound.
func (r *Registry) Get(id agentid.TypeID) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.types[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return def, nil
}

// Store registers def, failing with ErrAlreadyExists on a duplicate id.
func (r *Registry) Store(def *Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[def.ID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, def.ID)
	}
	r.types[def.ID] = def
	return nil
}

// List returns every registered Agent Type id, for diagnostics
// (--print-debug-info).
func (r *Registry) List() []agentid.TypeID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]agentid.TypeID, 0, len(r.types))
	for id := range r.types {
		ids = append(ids, id)
	}
	return ids
}
