package k8sclient

import (
	"context"
	"reflect"
	"sync"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// Fake is an in-memory Client used by tests across configrepo, runtime/k8s,
// and gc — it never touches a real cluster.
type Fake struct {
	mu      sync.Mutex
	objects map[string]*unstructured.Unstructured
	// UnknownKinds simulates kinds missing from the cluster: ListLabeled
	// returns (nil, nil) for any TypeMeta whose Kind is in this set.
	UnknownKinds map[string]struct{}
}

func NewFake() *Fake {
	return &Fake{objects: map[string]*unstructured.Unstructured{}, UnknownKinds: map[string]struct{}{}}
}

func fakeKey(tm TypeMeta, name, namespace string) string {
	return tm.GroupVersionKind.String() + "/" + namespace + "/" + name
}

func (f *Fake) ApplyIfChanged(_ context.Context, obj *unstructured.Unstructured) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fakeKey(TypeMeta{GroupVersionKind: obj.GroupVersionKind()}, obj.GetName(), obj.GetNamespace())
	existing, ok := f.objects[key]
	if ok {
		existingSpec, _, _ := unstructured.NestedMap(existing.Object, "spec")
		desiredSpec, _, _ := unstructured.NestedMap(obj.Object, "spec")
		if reflect.DeepEqual(existingSpec, desiredSpec) {
			return false, nil
		}
	}
	f.objects[key] = obj.DeepCopy()
	return true, nil
}

func (f *Fake) Get(_ context.Context, tm TypeMeta, name, namespace string) (*unstructured.Unstructured, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[fakeKey(tm, name, namespace)]
	if !ok {
		return nil, nil
	}
	return obj.DeepCopy(), nil
}

func (f *Fake) Delete(_ context.Context, tm TypeMeta, name, namespace string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, fakeKey(tm, name, namespace))
	return nil
}

func (f *Fake) Patch(_ context.Context, tm TypeMeta, name, namespace string, patch []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fakeKey(tm, name, namespace)
	obj, ok := f.objects[key]
	if !ok {
		return nil
	}
	// Finalizer-null patches are the only ones GC issues; model that
	// narrow case directly rather than a general JSON-merge-patch engine.
	obj.SetFinalizers(nil)
	f.objects[key] = obj
	return nil
}

func (f *Fake) ListLabeled(_ context.Context, tm TypeMeta, namespace, selector string) ([]unstructured.Unstructured, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, missing := f.UnknownKinds[tm.GroupVersionKind.Kind]; missing {
		return nil, nil
	}
	wanted, err := parseSelector(selector)
	if err != nil {
		return nil, err
	}
	var out []unstructured.Unstructured
	for _, obj := range f.objects {
		if obj.GroupVersionKind() != tm.GroupVersionKind {
			continue
		}
		if namespace != "" && obj.GetNamespace() != namespace {
			continue
		}
		if labelsMatch(obj.GetLabels(), wanted) {
			out = append(out, *obj.DeepCopy())
		}
	}
	return out, nil
}

func (f *Fake) Watch(ctx context.Context, tm TypeMeta, namespace string) (<-chan Event, error) {
	ch := make(chan Event)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func labelsMatch(labels map[string]string, wanted map[string]string) bool {
	for k, v := range wanted {
		if labels[k] != v {
			return false
		}
	}
	return true
}
