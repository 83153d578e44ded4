// Package k8sclient defines the K8sClient capability interface (§6) that
// every other component depends on instead of talking to client-go or
// controller-runtime directly, and a controller-runtime-backed
// implementation.
package k8sclient

import (
	"context"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// TypeMeta identifies a Kubernetes resource kind independent of any
// particular object instance.
type TypeMeta struct {
	GroupVersionKind schema.GroupVersionKind
}

// Client is the capability surface the supervisor needs from a Kubernetes
// cluster: apply/get/delete/patch/list/watch over DynamicObjects. Concrete
// transport (client-go dynamic client, controller-runtime client.Client) is
// a collaborator, not part of this engine (§1).
type Client interface {
	// ApplyIfChanged reads the live object, diffs it against obj, and only
	// patches when the spec differs (§4.6). It creates the object if
	// absent. Returns whether a write was actually performed.
	ApplyIfChanged(ctx context.Context, obj *unstructured.Unstructured) (changed bool, err error)

	// Get returns the live object, or (nil, nil) if it does not exist.
	Get(ctx context.Context, tm TypeMeta, name, namespace string) (*unstructured.Unstructured, error)

	// Delete removes the object. Not-found is not an error.
	Delete(ctx context.Context, tm TypeMeta, name, namespace string) error

	// Patch applies a JSON merge patch to the object.
	Patch(ctx context.Context, tm TypeMeta, name, namespace string, patch []byte) error

	// ListLabeled returns every object of kind tm in namespace matching
	// selector.
	ListLabeled(ctx context.Context, tm TypeMeta, namespace, selector string) ([]unstructured.Unstructured, error)

	// Watch streams change events for kind tm in namespace. The returned
	// channel is closed when ctx is canceled.
	Watch(ctx context.Context, tm TypeMeta, namespace string) (<-chan Event, error)
}

// EventType enumerates the kinds of change a Watch stream reports.
type EventType string

const (
	EventAdded    EventType = "added"
	EventModified EventType = "modified"
	EventDeleted  EventType = "deleted"
)

// Event is one change observed on a Watch stream.
type Event struct {
	Type   EventType
	Object unstructured.Unstructured
}
