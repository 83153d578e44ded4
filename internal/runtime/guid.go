package runtime

import (
	"context"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/newrelic/agent-control-go/internal/agenttype"
	"github.com/newrelic/agent-control-go/internal/k8sclient"
)

// GUIDReport carries the entity GUID a Kubernetes-deployed agent reports
// about itself once its instrumentation has registered with the platform
// it's reporting to (§4.6, K8s-only).
type GUIDReport struct {
	AttributeKey string
	GUID         string
	At           time.Time
}

// GUIDChecker polls for an agent's reported entity GUID, available only for
// Kubernetes deployments.
type GUIDChecker struct {
	client       k8sclient.Client
	namespace    string
	kind         string
	objectName   string
	fieldPath    string
	attributeKey string
}

func NewGUIDChecker(spec *agenttype.GUIDCheckSpec, client k8sclient.Client, namespace string) (*GUIDChecker, error) {
	if spec == nil {
		return nil, nil
	}
	kind, name, err := splitObjectRef(spec.ObjectRef)
	if err != nil {
		return nil, err
	}
	return &GUIDChecker{
		client:       client,
		namespace:    namespace,
		kind:         kind,
		objectName:   name,
		fieldPath:    spec.AttributeKey,
		attributeKey: spec.AttributeKey,
	}, nil
}

func (c *GUIDChecker) Check(ctx context.Context) (GUIDReport, error) {
	obj, err := c.client.Get(ctx, k8sclient.TypeMeta{GroupVersionKind: gvkForKind(c.kind)}, c.objectName, c.namespace)
	if err != nil {
		return GUIDReport{}, err
	}
	if obj == nil {
		return GUIDReport{}, fmt.Errorf("runtime: object %s/%s not found for guid check", c.kind, c.objectName)
	}
	guid, found, err := unstructured.NestedString(obj.Object, splitFieldPath(c.fieldPath)...)
	if err != nil || !found {
		return GUIDReport{}, fmt.Errorf("runtime: guid field %q not found on %s/%s", c.fieldPath, c.kind, c.objectName)
	}
	return GUIDReport{AttributeKey: c.attributeKey, GUID: guid, At: time.Now()}, nil
}
