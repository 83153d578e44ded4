package fleetcontrol

import (
	"context"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// TokenSource abstracts how the poll loop authenticates against the
// fleet-control endpoint: a static API key, or transparent OAuth2
// client-credentials rotation (§4.7).
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken never rotates; used when the fleet-control endpoint is
// configured with a long-lived API key.
type StaticToken string

func (s StaticToken) Token(ctx context.Context) (string, error) { return string(s), nil }

// OAuth2ClientCredentials wraps x/oauth2's clientcredentials flow so the
// bearer token is fetched and refreshed transparently.
type OAuth2ClientCredentials struct {
	ts oauth2.TokenSource
}

func NewOAuth2ClientCredentials(ctx context.Context, clientID, clientSecret, tokenURL string, scopes []string) *OAuth2ClientCredentials {
	cfg := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		Scopes:       scopes,
	}
	return &OAuth2ClientCredentials{ts: cfg.TokenSource(ctx)}
}

func (o *OAuth2ClientCredentials) Token(ctx context.Context) (string, error) {
	tok, err := o.ts.Token()
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// authenticatingTransport attaches the bearer token from a TokenSource to
// every outgoing request.
type authenticatingTransport struct {
	base   http.RoundTripper
	tokens TokenSource
}

func (t *authenticatingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	tok, err := t.tokens.Token(req.Context())
	if err != nil {
		return nil, err
	}
	cloned := req.Clone(req.Context())
	cloned.Header.Set("Authorization", "Bearer "+tok)
	return t.base.RoundTrip(cloned)
}
