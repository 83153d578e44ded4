package fleetcontrol

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/newrelic/agent-control-go/internal/agentid"
)

// ConfigUpdate is one accepted remote configuration delivery for an
// AgentID, after signature validation.
type ConfigUpdate struct {
	AgentID agentid.ID
	Raw     []byte
	Hash    string
}

// Client is the poll-based fleet-control client (§4.7): it periodically
// reports this agent's status and fetches any pending remote config.
type Client struct {
	endpoint   string
	instanceID []byte
	httpClient *http.Client
	verifier   *SignatureVerifier
	log        logr.Logger
}

// NewClient builds a Client whose transport honors the process proxy
// environment and is instrumented via otelhttp, and whose requests are
// authenticated via tokens.
func NewClient(endpoint string, instanceID []byte, tokens TokenSource, verifier *SignatureVerifier, log logr.Logger) *Client {
	base := &http.Transport{Proxy: http.ProxyFromEnvironment}
	instrumented := otelhttp.NewTransport(base)
	var transport http.RoundTripper = instrumented
	if tokens != nil {
		transport = &authenticatingTransport{base: instrumented, tokens: tokens}
	}
	return &Client{
		endpoint:   endpoint,
		instanceID: instanceID,
		httpClient: &http.Client{Transport: transport, Timeout: 30 * time.Second},
		verifier:   verifier,
		log:        log,
	}
}

// Poll sends one AgentToServer report and returns the decoded response. A
// non-nil RemoteConfig in the response has already had its signature
// validated when a SignatureVerifier was configured.
func (c *Client) Poll(ctx context.Context, report *AgentToServer) (*ServerToAgent, error) {
	report.InstanceUID = c.instanceID
	body := MarshalAgentToServer(report)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("fleetcontrol: building poll request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-protobuf")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fleetcontrol: poll request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fleetcontrol: poll returned status %d", resp.StatusCode)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fleetcontrol: reading poll response: %w", err)
	}

	sta, err := UnmarshalServerToAgent(respBody)
	if err != nil {
		return nil, fmt.Errorf("fleetcontrol: decoding poll response: %w", err)
	}

	if sta.RemoteConfig != nil && c.verifier != nil {
		if err := c.verifier.Verify(ctx, sta.RemoteConfig.KeyID, sta.RemoteConfig.ConfigYAML, sta.RemoteConfig.Signature); err != nil {
			return nil, fmt.Errorf("fleetcontrol: rejecting remote config: %w", err)
		}
	}

	return sta, nil
}
