package secret

import (
	"fmt"
	"net/http"
)

// VaultProvider is a thin HTTP client for HashiCorp Vault's KV-v2 read API.
// Concrete secret-backend behavior is explicitly out of scope (§1): this is
// the minimal shape needed to satisfy the Provider interface for the
// "vault:" template namespace, not a full Vault client.
type VaultProvider struct {
	Addr       string
	Token      string
	HTTPClient *http.Client
}

// Get takes path in the Vault KV-v2 form (e.g. "secret/data/nr#license_key")
// but does not contact Vault: it returns an error naming path on every call.
func (p *VaultProvider) Get(path string) (string, error) {
	return "", fmt.Errorf("vault: secret backend not configured; see DESIGN.md collaborator boundary for %q", path)
}
