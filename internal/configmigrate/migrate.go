// Package configmigrate adopts a pre-existing, non-fleet-managed on-host
// configuration file into the Config Repository's local values store the
// first time a matching AgentID/AgentType is seen, so installing the
// supervisor next to an already-configured legacy agent does not discard an
// operator's existing settings. Grounded in
// `original_source/agent-control/src/config_migrate/migration/migrator.rs`,
// narrowed to a single adoption step: no migration DSL, no agent-type
// version stepping — one legacy file, one field mapping, one target
// AgentType.
package configmigrate

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-logr/logr"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/newrelic/agent-control-go/internal/agentid"
	"github.com/newrelic/agent-control-go/internal/configrepo"
)

// FieldMapping renames one legacy top-level key to a dotted variable path
// in the values tree the Variable Resolver understands (§4.3).
type FieldMapping struct {
	LegacyKey  string
	TargetPath string
}

// Spec describes one legacy file this migrator knows how to convert.
type Spec struct {
	// AgentType restricts the migration to AgentIDs bound to this Agent
	// Type; other desired agents are left untouched.
	AgentType agentid.TypeID
	// LegacyFilePath is the pre-existing configuration file on disk (e.g.
	// an infra agent's own newrelic-infra.yml).
	LegacyFilePath string
	Fields         []FieldMapping
}

// Migrator converts Spec.LegacyFilePath into a local_config values file for
// every matching AgentID that does not already have one, so a second run is
// a no-op.
//
// The converted file is adopted directly into LocalStore's on-disk location
// rather than through configrepo.Store.Store: the local store is read-only
// by design (§4.4), since it mirrors operator-edited files, which is exactly
// what this migration is producing.
type Migrator struct {
	Fs       afero.Fs
	Repo     *configrepo.Repository
	LocalDir string
	Log      logr.Logger
}

// Migrate runs every Spec against desired, skipping AgentIDs that already
// have a local_config value (already managed, or already migrated).
func (m *Migrator) Migrate(desired map[agentid.ID]agentid.TypeID, specs []Spec) error {
	for _, spec := range specs {
		for id, typeID := range desired {
			if typeID != spec.AgentType {
				continue
			}
			if err := m.migrateOne(id, spec); err != nil {
				return fmt.Errorf("configmigrate: migrating %s: %w", id, err)
			}
		}
	}
	return nil
}

func (m *Migrator) migrateOne(id agentid.ID, spec Spec) error {
	_, found, err := m.Repo.Local.Load(id)
	if err != nil {
		return err
	}
	if found {
		return nil
	}

	raw, err := afero.ReadFile(m.Fs, spec.LegacyFilePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var legacy map[string]any
	if err := yaml.Unmarshal(raw, &legacy); err != nil {
		return fmt.Errorf("legacy file is not valid YAML: %w", err)
	}

	values := map[string]any{}
	for _, fm := range spec.Fields {
		v, ok := legacy[fm.LegacyKey]
		if !ok {
			continue
		}
		setPath(values, strings.Split(fm.TargetPath, "."), v)
	}

	out, err := yaml.Marshal(values)
	if err != nil {
		return err
	}
	dest := configrepo.LocalValuesPath(m.LocalDir, id)
	if err := m.Fs.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
		return err
	}
	if err := afero.WriteFile(m.Fs, dest, out, 0o600); err != nil {
		return err
	}
	m.Log.Info("migrated legacy configuration", "agentID", id.String(), "legacyFile", spec.LegacyFilePath)
	return nil
}

// setPath assigns v at the dotted path inside root, creating intermediate
// maps as needed.
func setPath(root map[string]any, path []string, v any) {
	cur := root
	for _, segment := range path[:len(path)-1] {
		next, ok := cur[segment].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[segment] = next
		}
		cur = next
	}
	cur[path[len(path)-1]] = v
}
