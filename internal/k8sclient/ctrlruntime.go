package k8sclient

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/types"
	ctrlclient "sigs.k8s.io/controller-runtime/pkg/client"
)

// CtrlRuntimeClient implements Client over a controller-runtime
// client.Client, the same dependency the teacher's controller binary wires
// up in cmd/controller/main.go.
type CtrlRuntimeClient struct {
	Kube ctrlclient.Client
}

func newUnstructured(tm TypeMeta, name, namespace string) *unstructured.Unstructured {
	u := &unstructured.Unstructured{}
	u.SetGroupVersionKind(tm.GroupVersionKind)
	u.SetName(name)
	u.SetNamespace(namespace)
	return u
}

// ApplyIfChanged implements the "apply_if_changed" merge semantics of
// §4.6: read the live object, structurally diff the "spec" subtree against
// the rendered one, and only patch on difference.
func (c *CtrlRuntimeClient) ApplyIfChanged(ctx context.Context, obj *unstructured.Unstructured) (bool, error) {
	live := &unstructured.Unstructured{}
	live.SetGroupVersionKind(obj.GroupVersionKind())
	key := ctrlclient.ObjectKeyFromObject(obj)

	err := c.Kube.Get(ctx, key, live)
	if apierrors.IsNotFound(err) {
		if err := c.Kube.Create(ctx, obj); err != nil {
			return false, fmt.Errorf("k8sclient: create %s %s: %w", obj.GetKind(), key, err)
		}
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("k8sclient: get %s %s: %w", obj.GetKind(), key, err)
	}

	liveSpec, _, _ := unstructured.NestedMap(live.Object, "spec")
	desiredSpec, _, _ := unstructured.NestedMap(obj.Object, "spec")
	if reflect.DeepEqual(liveSpec, desiredSpec) {
		return false, nil
	}

	toPatch := live.DeepCopy()
	if desiredSpec != nil {
		if err := unstructured.SetNestedMap(toPatch.Object, desiredSpec, "spec"); err != nil {
			return false, fmt.Errorf("k8sclient: set spec on %s %s: %w", obj.GetKind(), key, err)
		}
	}
	labels := toPatch.GetLabels()
	if labels == nil {
		labels = map[string]string{}
	}
	for k, v := range obj.GetLabels() {
		labels[k] = v
	}
	toPatch.SetLabels(labels)

	if err := c.Kube.Update(ctx, toPatch); err != nil {
		return false, fmt.Errorf("k8sclient: update %s %s: %w", obj.GetKind(), key, err)
	}
	return true, nil
}

func (c *CtrlRuntimeClient) Get(ctx context.Context, tm TypeMeta, name, namespace string) (*unstructured.Unstructured, error) {
	u := newUnstructured(tm, name, namespace)
	err := c.Kube.Get(ctx, ctrlclient.ObjectKeyFromObject(u), u)
	if apierrors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("k8sclient: get %s %s/%s: %w", tm.GroupVersionKind.Kind, namespace, name, err)
	}
	return u, nil
}

func (c *CtrlRuntimeClient) Delete(ctx context.Context, tm TypeMeta, name, namespace string) error {
	u := newUnstructured(tm, name, namespace)
	err := c.Kube.Delete(ctx, u)
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("k8sclient: delete %s %s/%s: %w", tm.GroupVersionKind.Kind, namespace, name, err)
	}
	return nil
}

func (c *CtrlRuntimeClient) Patch(ctx context.Context, tm TypeMeta, name, namespace string, patch []byte) error {
	u := newUnstructured(tm, name, namespace)
	if err := json.Unmarshal(patch, &map[string]interface{}{}); err != nil {
		return fmt.Errorf("k8sclient: patch %s %s/%s: invalid JSON merge patch: %w", tm.GroupVersionKind.Kind, namespace, name, err)
	}
	err := c.Kube.Patch(ctx, u, ctrlclient.RawPatch(types.MergePatchType, patch))
	if err != nil {
		return fmt.Errorf("k8sclient: patch %s %s/%s: %w", tm.GroupVersionKind.Kind, namespace, name, err)
	}
	return nil
}

func (c *CtrlRuntimeClient) ListLabeled(ctx context.Context, tm TypeMeta, namespace, selector string) ([]unstructured.Unstructured, error) {
	list := &unstructured.UnstructuredList{}
	list.SetGroupVersionKind(tm.GroupVersionKind)
	labelSelector, err := parseSelector(selector)
	if err != nil {
		return nil, fmt.Errorf("k8sclient: list %s: invalid selector %q: %w", tm.GroupVersionKind.Kind, selector, err)
	}
	if err := c.Kube.List(ctx, list, ctrlclient.InNamespace(namespace), labelSelector); err != nil {
		if meansKindMissing(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("k8sclient: list %s: %w", tm.GroupVersionKind.Kind, err)
	}
	return list.Items, nil
}

func (c *CtrlRuntimeClient) Watch(ctx context.Context, tm TypeMeta, namespace string) (<-chan Event, error) {
	// Watching is not exercised by the supervisor's own reconcile loop
	// (it polls on gc_interval, per §4.9); the seam is kept for
	// completeness and for tests that want to assert on apply-then-watch
	// behavior against a fake client.
	ch := make(chan Event)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func meansKindMissing(err error) bool {
	return apierrors.IsNotFound(err) || apierrors.ReasonForError(err) == "NoMatch"
}

func parseSelector(selector string) (ctrlclient.MatchingLabels, error) {
	labels := ctrlclient.MatchingLabels{}
	if selector == "" {
		return labels, nil
	}
	pairs := splitComma(selector)
	for _, p := range pairs {
		k, v, ok := splitEquals(p)
		if !ok {
			return nil, fmt.Errorf("expected key=value pairs, got %q", p)
		}
		labels[k] = v
	}
	return labels, nil
}

func splitComma(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

func splitEquals(s string) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}
