// Package gc implements the Garbage Collector (C9): periodic retirement of
// persisted state and cluster objects for AgentIDs no longer present in the
// desired set. It never touches AgentControl's own state (§4.9).
package gc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"

	"github.com/newrelic/agent-control-go/internal/agentid"
	"github.com/newrelic/agent-control-go/internal/k8sclient"
)

// OnHostCollector retires per-agent on-host persisted state (values,
// materialized files, hash, instance id) for AgentIDs no longer desired.
type OnHostCollector struct {
	Fs         afero.Fs
	RemoteDir  string
	LocalAgent agentid.ID // AgentControl's own ID, never collected
	Log        logr.Logger
}

// Collect removes `<remote_dir>/fleet/agents.d/<agent_id>` for every
// directory entry not present in desired. It is idempotent: a directory
// already gone is not an error.
func (c *OnHostCollector) Collect(desired map[agentid.ID]struct{}) error {
	agentsDir := filepath.Join(c.RemoteDir, "fleet", "agents.d")
	entries, err := afero.ReadDir(c.Fs, agentsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("gc: listing %s: %w", agentsDir, err)
	}

	var merr *multierror.Error
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if name == c.LocalAgent.String() {
			continue
		}
		id, err := agentid.Parse(name)
		if err != nil {
			// Not a name this supervisor ever minted; leave it alone.
			continue
		}
		if _, wanted := desired[id]; wanted {
			continue
		}
		dir := filepath.Join(agentsDir, name)
		if err := c.Fs.RemoveAll(dir); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("gc: removing %s: %w", dir, err))
			continue
		}
		c.Log.Info("garbage collected on-host agent state", "agentID", name)
	}
	return merr.ErrorOrNil()
}

// K8sCollector retires labeled cluster objects for AgentIDs no longer
// desired, one supervised kind at a time.
type K8sCollector struct {
	Client    k8sclient.Client
	Namespace string
	Kinds     []k8sclient.TypeMeta
	// MaxFinalizerRetries bounds the finalizer-patch-then-retry loop for a
	// single object before giving up and moving on (§4.9).
	MaxFinalizerRetries int
	Log                 logr.Logger
}

// Collect lists every object of every kind in Kinds, and deletes those
// whose agent-id label is not in desired. A kind missing from the cluster
// (ListLabeled returning nothing because the CRD/API isn't installed) is
// skipped, not an error.
func (c *K8sCollector) Collect(ctx context.Context, desired map[agentid.ID]struct{}) error {
	var merr *multierror.Error
	for _, kind := range c.Kinds {
		objs, err := c.Client.ListLabeled(ctx, kind, c.Namespace, "")
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("gc: listing %s: %w", kind.GroupVersionKind, err))
			continue
		}
		for _, obj := range objs {
			label := obj.GetLabels()[k8sclient.LabelAgentID]
			if label == "" {
				continue
			}
			id, err := agentid.Parse(label)
			if err != nil {
				continue
			}
			if _, wanted := desired[id]; wanted {
				continue
			}
			if err := c.deleteWithRetry(ctx, kind, obj.GetName()); err != nil {
				merr = multierror.Append(merr, err)
				continue
			}
			c.Log.Info("garbage collected k8s object", "kind", kind.GroupVersionKind.Kind, "name", obj.GetName(), "agentID", label)
		}
	}
	return merr.ErrorOrNil()
}

// deleteWithRetry implements §4.9's "if a resource still has finalizers
// after a delete attempt, the GC patches the finalizer list to null and
// retries with bounded attempts".
func (c *K8sCollector) deleteWithRetry(ctx context.Context, kind k8sclient.TypeMeta, name string) error {
	attempts := c.MaxFinalizerRetries
	if attempts <= 0 {
		attempts = 3
	}
	if err := c.Client.Delete(ctx, kind, name, c.Namespace); err != nil {
		return fmt.Errorf("gc: deleting %s/%s: %w", kind.GroupVersionKind.Kind, name, err)
	}
	for attempt := 0; attempt < attempts; attempt++ {
		obj, err := c.Client.Get(ctx, kind, name, c.Namespace)
		if err != nil {
			return fmt.Errorf("gc: checking %s/%s after delete: %w", kind.GroupVersionKind.Kind, name, err)
		}
		if obj == nil {
			return nil
		}
		if len(obj.GetFinalizers()) == 0 {
			// Already gone from the API server's perspective on next read,
			// or being torn down without a finalizer blocking it.
			return nil
		}
		if err := c.Client.Patch(ctx, kind, name, c.Namespace, []byte(`{"metadata":{"finalizers":null}}`)); err != nil {
			return fmt.Errorf("gc: patching finalizers for %s/%s: %w", kind.GroupVersionKind.Kind, name, err)
		}
		if err := c.Client.Delete(ctx, kind, name, c.Namespace); err != nil {
			return fmt.Errorf("gc: re-deleting %s/%s: %w", kind.GroupVersionKind.Kind, name, err)
		}
	}
	return fmt.Errorf("gc: %s/%s still present after %d finalizer-patch retries", kind.GroupVersionKind.Kind, name, attempts)
}

// Collector runs both the on-host and K8s collectors, whichever is
// configured (nil fields are skipped), as one Tick(gc_interval) pass (§4.8).
type Collector struct {
	OnHost *OnHostCollector
	K8s    *K8sCollector
}

// Collect runs a single GC pass against the current desired set.
func (c *Collector) Collect(ctx context.Context, desired []agentid.ID) error {
	set := make(map[agentid.ID]struct{}, len(desired))
	for _, id := range desired {
		set[id] = struct{}{}
	}

	var merr *multierror.Error
	if c.OnHost != nil {
		if err := c.OnHost.Collect(set); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	if c.K8s != nil {
		if err := c.K8s.Collect(ctx, set); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}
