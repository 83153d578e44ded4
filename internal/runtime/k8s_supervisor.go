package runtime

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"sigs.k8s.io/yaml"

	"github.com/newrelic/agent-control-go/internal/agentid"
	"github.com/newrelic/agent-control-go/internal/assembler"
	"github.com/newrelic/agent-control-go/internal/k8sclient"
)

// K8sSupervisor drives the Kubernetes branch of §4.6: apply_if_changed each
// rendered object, and tear them down on Stop.
type K8sSupervisor struct {
	client    k8sclient.Client
	namespace string
	agentID   string
	log       logr.Logger

	applied []k8sclient.TypeMeta
	names   []string
}

func NewK8sSupervisor(client k8sclient.Client, namespace string, id agentid.ID, log logr.Logger) *K8sSupervisor {
	return &K8sSupervisor{client: client, namespace: namespace, agentID: id.String(), log: log}
}

// Apply decodes and applies each rendered object, tracking what it applied
// so Stop can retire exactly those objects. Every object is stamped with
// the owning AgentID's label (§4.6: "labels carrying agent_id are always
// added") so the Garbage Collector (§4.9) can find it again.
func (s *K8sSupervisor) Apply(ctx context.Context, objects []assembler.RenderedK8sObject) error {
	s.applied = s.applied[:0]
	s.names = s.names[:0]
	for i, rendered := range objects {
		obj := &unstructured.Unstructured{}
		if err := yaml.Unmarshal([]byte(rendered.YAML), &obj.Object); err != nil {
			return fmt.Errorf("runtime: decoding k8s object %d: %w", i, err)
		}
		if obj.GetNamespace() == "" {
			obj.SetNamespace(s.namespace)
		}
		labels := obj.GetLabels()
		if labels == nil {
			labels = map[string]string{}
		}
		labels[k8sclient.LabelAgentID] = s.agentID
		labels[k8sclient.LabelManagedBy] = k8sclient.ManagedByValue
		obj.SetLabels(labels)

		changed, err := s.client.ApplyIfChanged(ctx, obj)
		if err != nil {
			return fmt.Errorf("runtime: applying %s/%s: %w", obj.GetKind(), obj.GetName(), err)
		}
		if changed {
			s.log.Info("applied object", "kind", obj.GetKind(), "name", obj.GetName())
		}
		s.applied = append(s.applied, k8sclient.TypeMeta{GroupVersionKind: obj.GroupVersionKind()})
		s.names = append(s.names, obj.GetName())
	}
	return nil
}

// Stop deletes every object this supervisor applied; an object a finalizer
// keeps alive after the delete has its finalizers patched away and is
// deleted once more (§4.6).
func (s *K8sSupervisor) Stop(ctx context.Context) error {
	var firstErr error
	for i, tm := range s.applied {
		if err := deleteWithFinalizerPatch(ctx, s.client, tm, s.names[i], s.namespace); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// deleteWithFinalizerPatch deletes the named object, and if it is still
// present afterwards because a finalizer blocked the delete, patches the
// finalizer list to null and retries once — a single-retry form of the
// finalizer recovery the Garbage Collector performs (§4.9).
func deleteWithFinalizerPatch(ctx context.Context, client k8sclient.Client, tm k8sclient.TypeMeta, name, namespace string) error {
	if err := client.Delete(ctx, tm, name, namespace); err != nil {
		return err
	}
	obj, err := client.Get(ctx, tm, name, namespace)
	if err != nil || obj == nil {
		return err
	}
	if len(obj.GetFinalizers()) == 0 {
		return nil
	}
	if err := client.Patch(ctx, tm, name, namespace, []byte(`{"metadata":{"finalizers":null}}`)); err != nil {
		return err
	}
	return client.Delete(ctx, tm, name, namespace)
}
