// Package config parses the desired-configuration file and the dynamic
// agent-type overlay (§6) into typed Go structures the rest of the engine
// consumes: the per-AgentID agent-type bindings the Supervisor Core
// reconciles against, the Fleet-Control Client's transport settings, and
// the compiled variable constraint set (§4.3).
package config

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/newrelic/agent-control-go/internal/agentid"
	"github.com/newrelic/agent-control-go/internal/configmigrate"
	"github.com/newrelic/agent-control-go/internal/variable"
)

// LogLevel enumerates the desired-config `log.level` values (§6).
type LogLevel string

const (
	LogTrace LogLevel = "trace"
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// Log is the §6 `log` block.
type Log struct {
	Level LogLevel `yaml:"level,omitempty"`
	File  *struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"file,omitempty"`
}

// Proxy is the §6 `proxy` block. It is parsed and merged from remote
// configuration, but the fleet-control HTTP transport does not read it: that
// transport always takes its proxy from the process environment
// (HTTPS_PROXY/HTTP_PROXY/NO_PROXY), whatever URL or IgnoreSystemProxy say.
type Proxy struct {
	URL               string `yaml:"url,omitempty"`
	CABundleDir       string `yaml:"ca_bundle_dir,omitempty"`
	CABundleFile      string `yaml:"ca_bundle_file,omitempty"`
	IgnoreSystemProxy bool   `yaml:"ignore_system_proxy,omitempty"`
}

// Server is the §6 `server` block (the status/debug HTTP endpoint).
type Server struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host,omitempty"`
	Port    int    `yaml:"port,omitempty"`
}

// SignatureValidation is the §6 `fleet_control.signature_validation` block.
type SignatureValidation struct {
	PublicKeyServerURL string `yaml:"public_key_server_url,omitempty"`
	Enabled            bool   `yaml:"enabled,omitempty"`
}

// AuthConfig is the §6 `fleet_control.auth_config` block. Type selects the
// TokenRetriever implementation (§6 collaborator interface): "local" for a
// static bearer token (tests), "oauth2" for client-credentials.
type AuthConfig struct {
	Type         string `yaml:"type,omitempty"`
	Token        string `yaml:"token,omitempty"`
	TokenURL     string `yaml:"token_url,omitempty"`
	ClientID     string `yaml:"client_id,omitempty"`
	ClientSecret string `yaml:"client_secret,omitempty"`
}

// FleetControl is the §6 `fleet_control` block.
type FleetControl struct {
	Endpoint            string               `yaml:"endpoint"`
	PollInterval        string               `yaml:"poll_interval,omitempty"`
	SignatureValidation *SignatureValidation `yaml:"signature_validation,omitempty"`
	FleetID             string               `yaml:"fleet_id"`
	AuthConfig          *AuthConfig          `yaml:"auth_config,omitempty"`
}

// K8s is the §6 `k8s` block.
type K8s struct {
	ClusterName string `yaml:"cluster_name"`
	Namespace   string `yaml:"namespace,omitempty"`
}

// AgentEntry is one `agents.<id>` entry: the Agent Type bound to an
// AgentID in the desired set.
type AgentEntry struct {
	AgentType string `yaml:"agent_type"`
}

// rawDesiredConfig mirrors the on-disk YAML shape exactly, before
// validation turns its string keys into typed identifiers.
type rawDesiredConfig struct {
	HostID                  string                      `yaml:"host_id,omitempty"`
	Log                     *Log                        `yaml:"log,omitempty"`
	Proxy                   *Proxy                      `yaml:"proxy,omitempty"`
	Server                  *Server                     `yaml:"server,omitempty"`
	FleetControl            *FleetControl               `yaml:"fleet_control,omitempty"`
	K8s                     *K8s                        `yaml:"k8s,omitempty"`
	AgentTypeVarConstraints map[string]map[string]Rule  `yaml:"agent_type_var_constraints,omitempty"`
	Agents                  map[string]AgentEntry       `yaml:"agents"`
	LegacyMigrations        []rawLegacyMigration        `yaml:"legacy_migrations,omitempty"`
}

// rawLegacyMigration mirrors one `legacy_migrations` entry: the on-disk
// shape configmigrate.Spec is compiled from (§ Supplemented features,
// config_migrate).
type rawLegacyMigration struct {
	AgentType  string            `yaml:"agent_type"`
	LegacyFile string            `yaml:"legacy_file"`
	Fields     map[string]string `yaml:"fields"` // legacy key -> target variable path
}

// Rule mirrors the on-disk shape of one constraint entry under
// `agent_type_var_constraints.<agent_type>.<var.path>` (§6).
type Rule struct {
	AllowedValues []string `yaml:"allowed_values,omitempty"`
}

// DesiredConfig is the parsed, validated top-level desired configuration
// (§3 "Desired Configuration").
type DesiredConfig struct {
	HostID           string
	Log              Log
	Proxy            Proxy
	Server           Server
	FleetControl     *FleetControl
	K8s              *K8s
	Agents           map[agentid.ID]agentid.TypeID
	VarConstraints   map[agentid.TypeID]variable.Constraints
	LegacyMigrations []configmigrate.Spec
}

// Parse validates and decodes raw YAML bytes (the contents of
// `<local_dir>/config.yaml`) into a DesiredConfig.
func Parse(raw []byte) (*DesiredConfig, error) {
	var rc rawDesiredConfig
	if err := yaml.Unmarshal(raw, &rc); err != nil {
		return nil, fmt.Errorf("config: parsing desired configuration: %w", err)
	}

	dc := &DesiredConfig{
		Agents:         map[agentid.ID]agentid.TypeID{},
		VarConstraints: map[agentid.TypeID]variable.Constraints{},
		FleetControl:   rc.FleetControl,
		K8s:            rc.K8s,
		HostID:         rc.HostID,
	}
	if rc.Log != nil {
		dc.Log = *rc.Log
	}
	if rc.Proxy != nil {
		dc.Proxy = *rc.Proxy
	}
	if rc.Server != nil {
		dc.Server = *rc.Server
	}

	names := make([]string, 0, len(rc.Agents))
	for name := range rc.Agents {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		entry := rc.Agents[name]
		id, err := agentid.NewSubAgent(name)
		if err != nil {
			return nil, fmt.Errorf("config: agents.%s: %w", name, err)
		}
		typeID, err := agentid.ParseTypeID(entry.AgentType)
		if err != nil {
			return nil, fmt.Errorf("config: agents.%s.agent_type: %w", name, err)
		}
		dc.Agents[id] = typeID
	}

	for _, lm := range rc.LegacyMigrations {
		typeID, err := agentid.ParseTypeID(lm.AgentType)
		if err != nil {
			return nil, fmt.Errorf("config: legacy_migrations[].agent_type: %w", err)
		}
		fields := make([]configmigrate.FieldMapping, 0, len(lm.Fields))
		keys := make([]string, 0, len(lm.Fields))
		for k := range lm.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fields = append(fields, configmigrate.FieldMapping{LegacyKey: k, TargetPath: lm.Fields[k]})
		}
		dc.LegacyMigrations = append(dc.LegacyMigrations, configmigrate.Spec{
			AgentType:      typeID,
			LegacyFilePath: lm.LegacyFile,
			Fields:         fields,
		})
	}

	for typeName, rules := range rc.AgentTypeVarConstraints {
		typeID, err := agentid.ParseTypeID(typeName)
		if err != nil {
			return nil, fmt.Errorf("config: agent_type_var_constraints.%s: %w", typeName, err)
		}
		constraints := make(variable.Constraints, len(rules))
		for path, rule := range rules {
			constraints[path] = variable.Rule{AllowedValues: rule.AllowedValues}
		}
		dc.VarConstraints[typeID] = constraints
	}

	return dc, nil
}
