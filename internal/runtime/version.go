package runtime

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"time"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/newrelic/agent-control-go/internal/agenttype"
	"github.com/newrelic/agent-control-go/internal/k8sclient"
)

// VersionReport carries the discovered agent version, keyed by the
// attribute the fleet-control client reports it under (§4.6, §4.7).
type VersionReport struct {
	AttributeKey string
	Version      string
	At           time.Time
}

// VersionChecker discovers the running agent's reported version.
type VersionChecker interface {
	Check(ctx context.Context) (VersionReport, error)
}

func NewVersionChecker(spec *agenttype.VersionCheckSpec, k8sClient k8sclient.Client, namespace, k8sKind string) (VersionChecker, error) {
	if spec == nil {
		return noopVersionChecker{}, nil
	}
	switch {
	case len(spec.Command) > 0 && spec.Regex != "":
		re, err := regexp.Compile(spec.Regex)
		if err != nil {
			return nil, fmt.Errorf("runtime: version regex %q: %w", spec.Regex, err)
		}
		return &commandVersionChecker{command: spec.Command, regex: re, attributeKey: spec.AttributeKey}, nil
	case spec.K8sFieldPath != "":
		return &k8sFieldVersionChecker{client: k8sClient, namespace: namespace, kind: k8sKind, fieldPath: spec.K8sFieldPath, attributeKey: spec.AttributeKey}, nil
	default:
		return nil, fmt.Errorf("runtime: version check spec declares neither a command+regex nor a k8s_field_path")
	}
}

type noopVersionChecker struct{}

func (noopVersionChecker) Check(ctx context.Context) (VersionReport, error) {
	return VersionReport{At: time.Now()}, nil
}

// commandVersionChecker shells out to the configured command (e.g.
// "<binary> --version") and extracts the version via regex, for on-host
// agents (§4.6).
type commandVersionChecker struct {
	command      []string
	regex        *regexp.Regexp
	attributeKey string
}

func (c *commandVersionChecker) Check(ctx context.Context) (VersionReport, error) {
	if len(c.command) == 0 {
		return VersionReport{}, fmt.Errorf("runtime: empty version command")
	}
	cmd := exec.CommandContext(ctx, c.command[0], c.command[1:]...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return VersionReport{}, fmt.Errorf("runtime: running version command: %w", err)
	}
	match := c.regex.FindStringSubmatch(out.String())
	if match == nil {
		return VersionReport{}, fmt.Errorf("runtime: version regex did not match command output")
	}
	version := match[0]
	if len(match) > 1 {
		version = match[1]
	}
	return VersionReport{AttributeKey: c.attributeKey, Version: version, At: time.Now()}, nil
}

// k8sFieldVersionChecker reads the version from a field path on a known
// Kubernetes object, identified by the namespace+kind passed at construction
// time (the object name itself is supplied by the caller through
// WithObjectName before Check is called).
type k8sFieldVersionChecker struct {
	client       k8sclient.Client
	namespace    string
	kind         string
	objectName   string
	fieldPath    string
	attributeKey string
}

// WithObjectName binds the target object's name; it must be called before
// Check.
func (c *k8sFieldVersionChecker) WithObjectName(name string) *k8sFieldVersionChecker {
	c.objectName = name
	return c
}

func (c *k8sFieldVersionChecker) Check(ctx context.Context) (VersionReport, error) {
	obj, err := c.client.Get(ctx, k8sclient.TypeMeta{GroupVersionKind: gvkForKind(c.kind)}, c.objectName, c.namespace)
	if err != nil {
		return VersionReport{}, err
	}
	if obj == nil {
		return VersionReport{}, fmt.Errorf("runtime: object %s/%s not found for version check", c.kind, c.objectName)
	}
	fields := splitFieldPath(c.fieldPath)
	value, found, err := unstructured.NestedString(obj.Object, fields...)
	if err != nil || !found {
		return VersionReport{}, fmt.Errorf("runtime: field path %q not found on %s/%s", c.fieldPath, c.kind, c.objectName)
	}
	return VersionReport{AttributeKey: c.attributeKey, Version: value, At: time.Now()}, nil
}

func splitFieldPath(path string) []string {
	var out []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			out = append(out, path[start:i])
			start = i + 1
		}
	}
	out = append(out, path[start:])
	return out
}
