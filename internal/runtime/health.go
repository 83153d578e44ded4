package runtime

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/newrelic/agent-control-go/internal/agenttype"
	"github.com/newrelic/agent-control-go/internal/k8sclient"
)

// HealthStatus is the outcome of one health poll.
type HealthStatus struct {
	Healthy bool
	Message string
	At      time.Time
}

// HealthChecker polls health once, per the Agent Type's declared kind
// (file, HTTP, or Kubernetes object readiness — §4.6).
type HealthChecker interface {
	Check(ctx context.Context) (HealthStatus, error)
}

// NewHealthChecker builds the checker named by spec.Kind.
func NewHealthChecker(spec *agenttype.HealthCheckSpec, k8sClient k8sclient.Client, namespace string, httpClient *http.Client) (HealthChecker, error) {
	if spec == nil {
		return noopHealthChecker{}, nil
	}
	switch spec.Kind {
	case agenttype.HealthFile:
		return &fileHealthChecker{path: spec.Path}, nil
	case agenttype.HealthHTTP:
		if httpClient == nil {
			httpClient = http.DefaultClient
		}
		return &httpHealthChecker{url: spec.URL, client: httpClient}, nil
	case agenttype.HealthK8s:
		return &k8sHealthChecker{client: k8sClient, objectRef: spec.K8sObjectRef, namespace: namespace}, nil
	default:
		return nil, fmt.Errorf("runtime: unknown health check kind %q", spec.Kind)
	}
}

type noopHealthChecker struct{}

func (noopHealthChecker) Check(ctx context.Context) (HealthStatus, error) {
	return HealthStatus{Healthy: true, At: time.Now()}, nil
}

// fileHealthChecker reports healthy iff the sentinel file exists (§4.6
// file-based health); its last-modified time is reported as the message and
// is not checked for staleness.
type fileHealthChecker struct{ path string }

func (c *fileHealthChecker) Check(ctx context.Context) (HealthStatus, error) {
	info, err := os.Stat(c.path)
	if os.IsNotExist(err) {
		return HealthStatus{Healthy: false, Message: "health file missing", At: time.Now()}, nil
	}
	if err != nil {
		return HealthStatus{}, err
	}
	return HealthStatus{Healthy: true, Message: info.ModTime().String(), At: time.Now()}, nil
}

type httpHealthChecker struct {
	url    string
	client *http.Client
}

func (c *httpHealthChecker) Check(ctx context.Context) (HealthStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return HealthStatus{}, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return HealthStatus{Healthy: false, Message: err.Error(), At: time.Now()}, nil
	}
	defer resp.Body.Close()
	healthy := resp.StatusCode >= 200 && resp.StatusCode < 300
	return HealthStatus{Healthy: healthy, Message: resp.Status, At: time.Now()}, nil
}

// k8sHealthChecker reports readiness for Deployment/StatefulSet/DaemonSet/
// HelmRelease/Instrumentation objects by inspecting well-known status
// fields (§4.6: "k8s-object-readiness").
type k8sHealthChecker struct {
	client    k8sclient.Client
	objectRef string // "<kind>/<name>"
	namespace string
}

func (c *k8sHealthChecker) Check(ctx context.Context) (HealthStatus, error) {
	kind, name, err := splitObjectRef(c.objectRef)
	if err != nil {
		return HealthStatus{}, err
	}
	obj, err := c.client.Get(ctx, k8sclient.TypeMeta{GroupVersionKind: gvkForKind(kind)}, name, c.namespace)
	if err != nil {
		return HealthStatus{}, err
	}
	if obj == nil {
		return HealthStatus{Healthy: false, Message: "object not found", At: time.Now()}, nil
	}
	return evaluateReadiness(kind, obj), nil
}

func evaluateReadiness(kind string, obj *unstructured.Unstructured) HealthStatus {
	now := time.Now()
	switch kind {
	case "Deployment", "StatefulSet", "DaemonSet":
		desired, desiredSet, _ := unstructured.NestedInt64(obj.Object, "spec", "replicas")
		ready, _, _ := unstructured.NestedInt64(obj.Object, "status", "readyReplicas")
		if !desiredSet {
			desired = 1
		}
		if ready >= desired {
			return HealthStatus{Healthy: true, At: now}
		}
		return HealthStatus{Healthy: false, Message: fmt.Sprintf("ready %d/%d", ready, desired), At: now}
	case "HelmRelease":
		conditions, _, _ := unstructured.NestedSlice(obj.Object, "status", "conditions")
		for _, c := range conditions {
			cm, ok := c.(map[string]interface{})
			if !ok {
				continue
			}
			if cm["type"] == "Ready" {
				healthy := cm["status"] == "True"
				return HealthStatus{Healthy: healthy, Message: fmt.Sprintf("%v", cm["message"]), At: now}
			}
		}
		return HealthStatus{Healthy: false, Message: "no Ready condition reported", At: now}
	case "Instrumentation":
		// Instrumentation CRDs carry no runtime status; existence means applied.
		return HealthStatus{Healthy: true, At: now}
	default:
		return HealthStatus{Healthy: false, Message: fmt.Sprintf("unsupported kind %q", kind), At: now}
	}
}

func splitObjectRef(ref string) (kind, name string, err error) {
	for i := 0; i < len(ref); i++ {
		if ref[i] == '/' {
			return ref[:i], ref[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("runtime: malformed object ref %q, expected <kind>/<name>", ref)
}
