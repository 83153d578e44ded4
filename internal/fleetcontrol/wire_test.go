package fleetcontrol

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"google.golang.org/protobuf/encoding/protowire"
)

func testLogger() logr.Logger { return logr.Discard() }

// marshalServerToAgentForTest encodes a ServerToAgent for use as a fake
// server response; production code only ever needs to decode this
// direction, so this mirror lives in the test file rather than wire.go.
func marshalServerToAgentForTest(m *ServerToAgent) []byte {
	var b []byte
	if m.InstanceUID != nil {
		b = protowire.AppendTag(b, fieldServerInstanceUID, protowire.BytesType)
		b = protowire.AppendBytes(b, m.InstanceUID)
	}
	if m.RemoteConfig != nil {
		b = protowire.AppendTag(b, fieldServerRemoteConfig, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalRemoteConfigForTest(m.RemoteConfig))
	}
	if m.Identification != nil {
		b = protowire.AppendTag(b, fieldServerIdentify, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalIdentificationForTest(m.Identification))
	}
	return b
}

func marshalRemoteConfigForTest(rc *AgentRemoteConfig) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldRemoteConfigYAML, protowire.BytesType)
	b = protowire.AppendBytes(b, rc.ConfigYAML)
	b = protowire.AppendTag(b, fieldRemoteConfigHash, protowire.BytesType)
	b = protowire.AppendString(b, rc.ConfigHash)
	if rc.Signature != nil {
		b = protowire.AppendTag(b, fieldRemoteConfigSignature, protowire.BytesType)
		b = protowire.AppendBytes(b, rc.Signature)
	}
	if rc.KeyID != "" {
		b = protowire.AppendTag(b, fieldRemoteConfigKeyID, protowire.BytesType)
		b = protowire.AppendString(b, rc.KeyID)
	}
	return b
}

func marshalIdentificationForTest(id *AgentIdentification) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldIdentifyNewInstanceUID, protowire.BytesType)
	b = protowire.AppendBytes(b, id.NewInstanceUID)
	return b
}

func TestMarshalAgentToServerProducesBytes(t *testing.T) {
	agentMsg := &AgentToServer{
		InstanceUID:  []byte("instance-1"),
		Capabilities: CapabilityAcceptsRemoteConfig | CapabilityReportsHealth,
		Health:       &ComponentHealth{Healthy: true, StartTimeUnixNano: 123},
		RemoteConfigStatus: &RemoteConfigStatus{
			LastConfigHash: "abc123",
			Applied:        true,
		},
		EffectiveConfigHash: "def456",
	}
	raw := MarshalAgentToServer(agentMsg)
	assert.NotEmpty(t, raw)
}

func TestUnmarshalServerToAgentRoundTrip(t *testing.T) {
	server := &ServerToAgent{
		InstanceUID: []byte("instance-1"),
		RemoteConfig: &AgentRemoteConfig{
			ConfigYAML: []byte("license_key: abc\n"),
			ConfigHash: "hash1",
			Signature:  []byte("sig-bytes"),
			KeyID:      "key-1",
		},
		Identification: &AgentIdentification{NewInstanceUID: []byte("instance-2")},
	}
	raw := marshalServerToAgentForTest(server)

	decoded, err := UnmarshalServerToAgent(raw)
	require.NoError(t, err)
	assert.Equal(t, server.InstanceUID, decoded.InstanceUID)
	require.NotNil(t, decoded.RemoteConfig)
	assert.Equal(t, "license_key: abc\n", string(decoded.RemoteConfig.ConfigYAML))
	assert.Equal(t, "hash1", decoded.RemoteConfig.ConfigHash)
	assert.Equal(t, "key-1", decoded.RemoteConfig.KeyID)
	require.NotNil(t, decoded.Identification)
	assert.Equal(t, []byte("instance-2"), decoded.Identification.NewInstanceUID)
}

func TestClientPollRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, []byte("inst"), nil, nil, testLogger())
	_, err := client.Poll(context.Background(), &AgentToServer{Capabilities: CapabilityReportsHealth})
	assert.Error(t, err)
}

func TestClientPollDecodesServerResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(marshalServerToAgentForTest(&ServerToAgent{InstanceUID: []byte("srv")}))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, []byte("inst"), StaticToken("tkn"), nil, testLogger())
	resp, err := client.Poll(context.Background(), &AgentToServer{Capabilities: CapabilityReportsHealth})
	require.NoError(t, err)
	assert.Equal(t, []byte("srv"), resp.InstanceUID)
}
