package secret

import (
	"context"
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// K8sSecretProvider resolves "<namespace>/<name>#<key>" paths against
// Kubernetes Secret objects, backing the "k8s-secret:" template namespace.
// Adapted from the Secret accessor helpers the teacher's controller used
// for model-provider credentials.
type K8sSecretProvider struct {
	Client           client.Client
	DefaultNamespace string
}

// Get fetches the secret value addressed by path, which takes the form
// "[namespace/]name#key"; DefaultNamespace is used when no namespace is
// given in path.
func (p *K8sSecretProvider) Get(path string) (string, error) {
	ns, name, key, err := splitSecretPath(path, p.DefaultNamespace)
	if err != nil {
		return "", err
	}

	ctx := context.Background()
	secretObj := &corev1.Secret{}
	ref := client.ObjectKey{Namespace: ns, Name: name}
	if err := p.Client.Get(ctx, ref, secretObj); err != nil {
		return "", fmt.Errorf("k8s-secret: failed to find Secret %s: %w", ref.String(), err)
	}

	value, exists := secretObj.Data[key]
	if !exists {
		return "", fmt.Errorf("k8s-secret: key %q not found in Secret %s", key, ref.String())
	}
	return string(value), nil
}

func splitSecretPath(path, defaultNamespace string) (namespace, name, key string, err error) {
	hashIdx := strings.IndexByte(path, '#')
	if hashIdx < 0 {
		return "", "", "", fmt.Errorf("k8s-secret: path %q must be of the form \"[namespace/]name#key\"", path)
	}
	ref, key := path[:hashIdx], path[hashIdx+1:]
	if slashIdx := strings.IndexByte(ref, '/'); slashIdx >= 0 {
		return ref[:slashIdx], ref[slashIdx+1:], key, nil
	}
	return defaultNamespace, ref, key, nil
}
