package runtime

import "k8s.io/apimachinery/pkg/runtime/schema"

// gvkForKind maps the health/version/GUID poller's well-known Kind names to
// their GroupVersionKind, per §4.6's supported K8s object kinds.
func gvkForKind(kind string) schema.GroupVersionKind {
	switch kind {
	case "Deployment":
		return schema.GroupVersionKind{Group: "apps", Version: "v1", Kind: "Deployment"}
	case "StatefulSet":
		return schema.GroupVersionKind{Group: "apps", Version: "v1", Kind: "StatefulSet"}
	case "DaemonSet":
		return schema.GroupVersionKind{Group: "apps", Version: "v1", Kind: "DaemonSet"}
	case "HelmRelease":
		return schema.GroupVersionKind{Group: "helm.toolkit.fluxcd.io", Version: "v2beta2", Kind: "HelmRelease"}
	case "Instrumentation":
		return schema.GroupVersionKind{Group: "opentelemetry.io", Version: "v1alpha1", Kind: "Instrumentation"}
	default:
		return schema.GroupVersionKind{Kind: kind}
	}
}
