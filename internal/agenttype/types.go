// Package agenttype implements the Agent Type Registry (C1): validated
// identifiers for types already live in internal/agentid, this package
// carries the parsed Agent Type definitions loaded from the embedded
// catalog plus one local overlay file.
package agenttype

import (
	"fmt"

	"github.com/newrelic/agent-control-go/internal/agentid"
)

// VariableKind enumerates the scalar and collection kinds a variable leaf
// may declare, per original_source's variable_spec/kind.rs.
type VariableKind string

const (
	KindString      VariableKind = "string"
	KindBool        VariableKind = "bool"
	KindNumber      VariableKind = "number"
	KindFile        VariableKind = "file"
	KindMapString   VariableKind = "map[string]string"
	KindMapFile     VariableKind = "map[string]file"
	KindYAML        VariableKind = "yaml"
)

func (k VariableKind) Valid() bool {
	switch k {
	case KindString, KindBool, KindNumber, KindFile, KindMapString, KindMapFile, KindYAML:
		return true
	default:
		return false
	}
}

// VariableDefinition is a single leaf of the variable schema tree.
type VariableDefinition struct {
	Description string       `yaml:"description"`
	Type        VariableKind `yaml:"type"`
	Required    bool         `yaml:"required"`
	Default     *string      `yaml:"default,omitempty"`
	Variants    []string     `yaml:"variants,omitempty"`
	FilePath    string       `yaml:"file_path,omitempty"`
}

// VariableNode is one node of the arbitrary-depth variable tree: either a
// leaf (Leaf != nil) or an interior node with named Children.
type VariableNode struct {
	Leaf     *VariableDefinition     `yaml:"-"`
	Children map[string]*VariableNode `yaml:"-"`
}

// IsLeaf reports whether this node carries a variable schema directly.
func (n *VariableNode) IsLeaf() bool {
	return n != nil && n.Leaf != nil
}

// UnmarshalYAML decides, node by node, whether a mapping is a variable leaf
// (it has a "type" key) or an interior grouping node.
func (n *VariableNode) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var probe map[string]interface{}
	if err := unmarshal(&probe); err != nil {
		return err
	}
	if _, hasType := probe["type"]; hasType {
		var leaf VariableDefinition
		if err := unmarshal(&leaf); err != nil {
			return err
		}
		n.Leaf = &leaf
		return nil
	}
	var children map[string]*VariableNode
	if err := unmarshal(&children); err != nil {
		return err
	}
	n.Children = children
	return nil
}

// Executable describes one on-host process an Agent Type launches.
type Executable struct {
	ID              string            `yaml:"id"`
	Path            string            `yaml:"path"`
	Args            []string          `yaml:"args,omitempty"`
	Env             map[string]string `yaml:"env,omitempty"`
	RestartPolicy   RestartPolicy     `yaml:"restart_policy"`
	ShutdownTimeout Duration          `yaml:"shutdown_timeout"`
}

// BackoffKind enumerates the restart backoff strategies named in §4.6.
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffLinear      BackoffKind = "linear"
	BackoffExponential BackoffKind = "exponential"
	BackoffNone        BackoffKind = "none"
)

// RestartPolicy governs whether and how a sub-agent executable is restarted
// after exit.
type RestartPolicy struct {
	Type               BackoffKind   `yaml:"type"`
	BackoffDelay       Duration      `yaml:"backoff_delay"`
	MaxRetries         int           `yaml:"max_retries"`
	LastRetryInterval  Duration      `yaml:"last_retry_interval"`
	RestartExitCodes   []int         `yaml:"restart_exit_codes,omitempty"`
}

// HealthKind selects how a sub-agent's health is derived.
type HealthKind string

const (
	HealthFile HealthKind = "file"
	HealthHTTP HealthKind = "http"
	HealthK8s  HealthKind = "k8s"
)

// HealthCheckSpec configures a health poller.
type HealthCheckSpec struct {
	Kind         HealthKind    `yaml:"kind"`
	Path         string        `yaml:"path,omitempty"` // HealthFile path; HTTP checks use URL
	URL          string        `yaml:"url,omitempty"`
	K8sObjectRef string        `yaml:"k8s_object_ref,omitempty"`
	Interval     Duration      `yaml:"interval"`
	InitialDelay Duration      `yaml:"initial_delay"`
}

// VersionCheckSpec configures the version poller.
type VersionCheckSpec struct {
	Command      []string `yaml:"command,omitempty"`
	Regex        string   `yaml:"regex,omitempty"`
	K8sFieldPath string   `yaml:"k8s_field_path,omitempty"`
	AttributeKey string   `yaml:"attribute_key"`
}

// OnHostDeployment is the on-host branch of an Agent Type's deployment.
type OnHostDeployment struct {
	Executables []Executable      `yaml:"executables"`
	Health      *HealthCheckSpec  `yaml:"health,omitempty"`
	Version     *VersionCheckSpec `yaml:"version,omitempty"`
}

// K8sObjectSpec is a single templated Kubernetes object an Agent Type
// renders and applies.
type K8sObjectSpec struct {
	Kind     string `yaml:"kind"`
	Template string `yaml:"template"` // raw YAML with placeholders
}

// K8sDeployment is the Kubernetes branch of an Agent Type's deployment.
type K8sDeployment struct {
	Objects map[string]K8sObjectSpec `yaml:"objects"`
	Health  *HealthCheckSpec         `yaml:"health,omitempty"`
	Version *VersionCheckSpec        `yaml:"version,omitempty"`
	GUID    *GUIDCheckSpec           `yaml:"guid,omitempty"`
}

// GUIDCheckSpec configures the K8s-only GUID poller.
type GUIDCheckSpec struct {
	ObjectRef    string `yaml:"object_ref"`
	AttributeKey string `yaml:"attribute_key"`
}

// Deployment carries exactly one of OnHost or K8s; the other is nil and
// ignored at runtime for the current environment.
type Deployment struct {
	OnHost *OnHostDeployment `yaml:"on_host,omitempty"`
	K8s    *K8sDeployment    `yaml:"k8s,omitempty"`
}

// Definition is a complete, immutable Agent Type definition.
type Definition struct {
	ID         agentid.TypeID
	Variables  *VariableNode
	Deployment Deployment
}

// Validate enforces the load-time invariants from §4.1: the deployment
// carries at least one branch, and every variable leaf declares a known
// type.
func (d *Definition) Validate() error {
	if d.Deployment.OnHost == nil && d.Deployment.K8s == nil {
		return fmt.Errorf("agent type %s: deployment must declare on_host and/or k8s", d.ID)
	}
	return validateVariableTree(d.Variables, "")
}

func validateVariableTree(n *VariableNode, path string) error {
	if n == nil {
		return nil
	}
	if n.IsLeaf() {
		if !n.Leaf.Type.Valid() {
			return fmt.Errorf("variable %q: unknown type %q", path, n.Leaf.Type)
		}
		return nil
	}
	for name, child := range n.Children {
		childPath := name
		if path != "" {
			childPath = path + "." + name
		}
		if err := validateVariableTree(child, childPath); err != nil {
			return err
		}
	}
	return nil
}
