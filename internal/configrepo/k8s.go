package configrepo

import (
	"context"
	"fmt"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/newrelic/agent-control-go/internal/agentid"
	"github.com/newrelic/agent-control-go/internal/k8sclient"
)

var configMapGVK = schema.GroupVersionKind{Version: "v1", Kind: "ConfigMap"}

// K8sConfigMapStore stores one values key (either "local_config" or
// "remote_config", per §6) inside a per-AgentID ConfigMap named
// "<prefix>-<agent_id>".
type K8sConfigMapStore struct {
	Client         k8sclient.Client
	Namespace      string
	Prefix         string
	Key            string // "local_config" or "remote_config"
	ManagedByValue string
}

func (s *K8sConfigMapStore) name(id agentid.ID) string {
	return fmt.Sprintf("%s-%s", s.Prefix, id.String())
}

func (s *K8sConfigMapStore) Load(id agentid.ID) ([]byte, bool, error) {
	obj, err := s.Client.Get(context.Background(), k8sclient.TypeMeta{GroupVersionKind: configMapGVK}, s.name(id), s.Namespace)
	if err != nil {
		return nil, false, fmt.Errorf("configrepo: k8s load %s: %w", id, err)
	}
	if obj == nil {
		return nil, false, nil
	}
	data, _, _ := unstructured.NestedStringMap(obj.Object, "data")
	raw, ok := data[s.Key]
	if !ok {
		return nil, false, nil
	}
	return []byte(raw), true, nil
}

func (s *K8sConfigMapStore) Store(id agentid.ID, raw []byte) error {
	obj := &unstructured.Unstructured{}
	obj.SetGroupVersionKind(configMapGVK)
	obj.SetName(s.name(id))
	obj.SetNamespace(s.Namespace)
	obj.SetLabels(map[string]string{
		k8sclient.LabelAgentID:   id.String(),
		k8sclient.LabelManagedBy: s.ManagedByValue,
	})
	existing, err := s.Client.Get(context.Background(), k8sclient.TypeMeta{GroupVersionKind: configMapGVK}, s.name(id), s.Namespace)
	if err != nil {
		return fmt.Errorf("configrepo: k8s store %s: %w", id, err)
	}
	data := map[string]string{}
	if existing != nil {
		data, _, _ = unstructured.NestedStringMap(existing.Object, "data")
		if data == nil {
			data = map[string]string{}
		}
	}
	data[s.Key] = string(raw)
	if err := unstructured.SetNestedStringMap(obj.Object, data, "data"); err != nil {
		return fmt.Errorf("configrepo: k8s store %s: %w", id, err)
	}
	if _, err := s.Client.ApplyIfChanged(context.Background(), obj); err != nil {
		return fmt.Errorf("configrepo: k8s store %s: %w", id, err)
	}
	return nil
}

func (s *K8sConfigMapStore) Delete(id agentid.ID) error {
	ctx := context.Background()
	existing, err := s.Client.Get(ctx, k8sclient.TypeMeta{GroupVersionKind: configMapGVK}, s.name(id), s.Namespace)
	if err != nil {
		return fmt.Errorf("configrepo: k8s delete-key %s: %w", id, err)
	}
	if existing == nil {
		return nil
	}
	data, _, _ := unstructured.NestedStringMap(existing.Object, "data")
	delete(data, s.Key)
	if len(data) == 0 {
		return s.Client.Delete(ctx, k8sclient.TypeMeta{GroupVersionKind: configMapGVK}, s.name(id), s.Namespace)
	}
	if err := unstructured.SetNestedStringMap(existing.Object, data, "data"); err != nil {
		return err
	}
	_, err = s.Client.ApplyIfChanged(ctx, existing)
	return err
}
