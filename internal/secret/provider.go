// Package secret implements the SecretProvider collaborator interface
// (§6) and a namespace-keyed registry so the template engine (C2) and
// variable resolver (C3) can batch one call per provider during a render.
package secret

import "fmt"

// Provider resolves a single secret identified by an opaque path. It may
// block and may fail; the template engine returns a failure unchanged, which
// aborts the whole assembly (§4.2 rule 3).
type Provider interface {
	Get(path string) (string, error)
}

// Registry maps a template namespace (e.g. "vault", "k8s-secret", or a
// user-defined provider name) to the Provider that serves it. It is
// read-only after construction, per §5.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds a registry from a fixed set of namespace->provider
// bindings, established once at startup.
func NewRegistry(providers map[string]Provider) *Registry {
	cp := make(map[string]Provider, len(providers))
	for k, v := range providers {
		cp[k] = v
	}
	return &Registry{providers: cp}
}

// Resolve fetches path through the provider registered for namespace.
func (r *Registry) Resolve(namespace, path string) (string, error) {
	p, ok := r.providers[namespace]
	if !ok {
		return "", fmt.Errorf("secret namespace %q: no provider registered", namespace)
	}
	return p.Get(path)
}

// Namespaces a secret reference resolves to its provider's namespace.
// ScanResult groups the secret paths a render needs, by namespace, so the
// resolver (C3) can batch one call per registered provider before
// substitution, per §4.3.
type ScanResult map[string][]string

// Scan groups requested (namespace, path) pairs by namespace.
func Scan(refs []Reference) ScanResult {
	out := ScanResult{}
	for _, ref := range refs {
		out[ref.Namespace] = append(out[ref.Namespace], ref.Path)
	}
	return out
}

// Reference is one secret placeholder discovered while scanning a render.
type Reference struct {
	Namespace string
	Path      string
}
