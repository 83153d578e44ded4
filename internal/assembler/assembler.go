// Package assembler implements the Effective-Agent Assembler (C5): it
// combines a Definition's deployment templates with resolved Variables into
// the concrete artifacts a Sub-Agent Runtime will execute — rendered
// on-host files staged atomically, or rendered Kubernetes objects.
package assembler

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/newrelic/agent-control-go/internal/agentid"
	"github.com/newrelic/agent-control-go/internal/agenttype"
	"github.com/newrelic/agent-control-go/internal/template"
	"github.com/newrelic/agent-control-go/internal/variable"
)

// Identity carries the AC-namespace placeholder values (§4.2's "ac:"
// namespace) available to every template render.
type Identity struct {
	HostID     string
	InstanceID string
}

// RenderedExecutable is one on-host executable after template rendering:
// its path, args and env are fully resolved, ground strings.
type RenderedExecutable struct {
	ID              string
	Path            string
	Args            []string
	Env             map[string]string
	RestartPolicy   agenttype.RestartPolicy
	ShutdownTimeout agenttype.Duration
}

// RenderedK8sObject is one Kubernetes object manifest after template
// rendering, still as YAML text — the runtime decodes it into an
// unstructured.Unstructured right before apply.
type RenderedK8sObject struct {
	YAML string
}

// EffectiveAgent is C5's output: the fully assembled, ready-to-run
// configuration for one Sub-Agent.
type EffectiveAgent struct {
	AgentID    agentid.ID
	TypeID     agentid.TypeID
	OnHost     []RenderedExecutable
	K8s        []RenderedK8sObject
	StagingDir string // set only for on-host deployments
}

// Assemble renders def's deployment using bound variables and identity,
// materializing on-host artifacts under a staging directory beneath root
// before atomically publishing them (§4.5: "materializes into a staging
// directory, then atomically publishes via rename").
func Assemble(def *agenttype.Definition, id agentid.ID, bound variable.Bound, identity Identity, secretResolver template.SecretResolver, root string) (*EffectiveAgent, error) {
	ctx := buildContext(bound, identity, secretResolver, id)

	ea := &EffectiveAgent{AgentID: id, TypeID: def.ID}

	switch {
	case def.Deployment.OnHost != nil:
		staged, err := assembleOnHost(def.Deployment.OnHost, ctx, id, root)
		if err != nil {
			return nil, fmt.Errorf("assembler: %s: %w", id, err)
		}
		ea.OnHost = staged.executables
		ea.StagingDir = staged.finalDir
	case def.Deployment.K8s != nil:
		objs, err := assembleK8s(def.Deployment.K8s, ctx)
		if err != nil {
			return nil, fmt.Errorf("assembler: %s: %w", id, err)
		}
		ea.K8s = objs
	default:
		return nil, fmt.Errorf("assembler: %s: agent type %s declares no deployment", id, def.ID)
	}
	return ea, nil
}

func buildContext(bound variable.Bound, identity Identity, secretResolver template.SecretResolver, id agentid.ID) *template.Context {
	varNS := map[string]string{}
	for path, v := range bound {
		varNS[path] = scalarString(v)
	}
	return &template.Context{
		AC: map[string]string{
			"host_id":     identity.HostID,
			"instance_id": identity.InstanceID,
		},
		Sub: map[string]string{
			"agent_id": id.String(),
		},
		Var:    varNS,
		Secret: secretResolver,
	}
}

func scalarString(v variable.Value) string {
	if v.Kind == agenttype.KindFile {
		return string(v.FileContent)
	}
	return v.Scalar
}

type stagedOnHost struct {
	executables []RenderedExecutable
	finalDir    string
}

// assembleOnHost renders each executable's Path/Args/Env and publishes the
// agent's materialization directory: a staging directory
// `<root>/<agentID>/.staging-files` is created and then renamed into place
// as `<root>/<agentID>/files`, replacing only that subdirectory. No variable
// is written to disk: the staged directory is published empty, and a
// `${var:...}` reference to a `file` variable substitutes the file's content
// rather than a path.
func assembleOnHost(dep *agenttype.OnHostDeployment, ctx *template.Context, id agentid.ID, root string) (*stagedOnHost, error) {
	agentDir := filepath.Join(root, id.String())
	finalDir := filepath.Join(agentDir, "files")
	stagingDir := filepath.Join(agentDir, ".staging-files")

	if err := os.RemoveAll(stagingDir); err != nil {
		return nil, fmt.Errorf("clearing staging dir: %w", err)
	}
	if err := os.MkdirAll(stagingDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating staging dir: %w", err)
	}

	var rendered []RenderedExecutable
	for _, exec := range dep.Executables {
		path, err := template.Render(ctx, exec.Path)
		if err != nil {
			return nil, fmt.Errorf("rendering path for executable %s: %w", exec.ID, err)
		}
		args := make([]string, len(exec.Args))
		for i, a := range exec.Args {
			rv, err := template.Render(ctx, a)
			if err != nil {
				return nil, fmt.Errorf("rendering arg %d for executable %s: %w", i, exec.ID, err)
			}
			args[i] = rv
		}
		env := make(map[string]string, len(exec.Env))
		for k, v := range exec.Env {
			rv, err := template.Render(ctx, v)
			if err != nil {
				return nil, fmt.Errorf("rendering env %s for executable %s: %w", k, exec.ID, err)
			}
			env[k] = rv
		}
		rendered = append(rendered, RenderedExecutable{
			ID:              exec.ID,
			Path:            path,
			Args:            args,
			Env:             env,
			RestartPolicy:   exec.RestartPolicy,
			ShutdownTimeout: exec.ShutdownTimeout,
		})
	}

	sort.Slice(rendered, func(i, j int) bool { return rendered[i].ID < rendered[j].ID })

	if err := os.RemoveAll(finalDir); err != nil {
		return nil, fmt.Errorf("clearing previous assembly: %w", err)
	}
	if err := os.Rename(stagingDir, finalDir); err != nil {
		return nil, fmt.Errorf("publishing staged assembly: %w", err)
	}

	return &stagedOnHost{executables: rendered, finalDir: finalDir}, nil
}

func assembleK8s(dep *agenttype.K8sDeployment, ctx *template.Context) ([]RenderedK8sObject, error) {
	names := make([]string, 0, len(dep.Objects))
	for name := range dep.Objects {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]RenderedK8sObject, 0, len(names))
	for _, name := range names {
		rendered, err := template.Render(ctx, dep.Objects[name].Template)
		if err != nil {
			return nil, fmt.Errorf("rendering k8s object %q: %w", name, err)
		}
		out = append(out, RenderedK8sObject{YAML: rendered})
	}
	return out, nil
}
