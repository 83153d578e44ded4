// Package fleetcontrol implements the Fleet-Control Client (C7): a
// poll-based, OpAMP-shaped control-plane protocol. No opamp-go dependency
// is available to this module, so the wire messages are hand-coded against
// the protobuf wire format directly via protowire, rather than fabricating
// a vendored opamp-go.
package fleetcontrol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers are chosen to mirror the upstream OpAMP protobufs' shape
// closely enough that a wire capture reads the same way, without actually
// depending on their generated types.
const (
	fieldAgentInstanceUID         = 1
	fieldAgentCapabilities        = 2
	fieldAgentHealth              = 3
	fieldAgentRemoteConfigStatus  = 4
	fieldAgentEffectiveConfigHash = 5

	fieldHealthHealthy   = 1
	fieldHealthLastError = 2
	fieldHealthStartedAt = 3

	fieldRCSLastConfigHash = 1
	fieldRCSApplied        = 2
	fieldRCSErrorMessage   = 3

	fieldServerInstanceUID   = 1
	fieldServerRemoteConfig  = 2
	fieldServerIdentify      = 3

	fieldRemoteConfigYAML      = 1
	fieldRemoteConfigHash      = 2
	fieldRemoteConfigSignature = 3
	fieldRemoteConfigKeyID     = 4

	fieldIdentifyNewInstanceUID = 1
)

// Capability bits, per §4.7.
const (
	CapabilityAcceptsRemoteConfig uint64 = 1 << 0
	CapabilityReportsHealth       uint64 = 1 << 1
	CapabilityReportsEffectiveCfg uint64 = 1 << 2
)

type ComponentHealth struct {
	Healthy           bool
	LastError         string
	StartTimeUnixNano uint64
}

type RemoteConfigStatus struct {
	LastConfigHash string
	Applied        bool
	ErrorMessage   string
}

// AgentToServer is what the fleet-control client reports on each poll.
type AgentToServer struct {
	InstanceUID         []byte
	Capabilities        uint64
	Health              *ComponentHealth
	RemoteConfigStatus  *RemoteConfigStatus
	EffectiveConfigHash string
}

// AgentRemoteConfig is the signed configuration payload pushed down from
// the server.
type AgentRemoteConfig struct {
	ConfigYAML []byte
	ConfigHash string
	Signature  []byte
	KeyID      string
}

type AgentIdentification struct {
	NewInstanceUID []byte
}

// ServerToAgent is what the server returns for one poll.
type ServerToAgent struct {
	InstanceUID    []byte
	RemoteConfig   *AgentRemoteConfig
	Identification *AgentIdentification
}

func MarshalAgentToServer(m *AgentToServer) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldAgentInstanceUID, protowire.BytesType)
	b = protowire.AppendBytes(b, m.InstanceUID)
	b = protowire.AppendTag(b, fieldAgentCapabilities, protowire.VarintType)
	b = protowire.AppendVarint(b, m.Capabilities)
	if m.Health != nil {
		b = protowire.AppendTag(b, fieldAgentHealth, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalHealth(m.Health))
	}
	if m.RemoteConfigStatus != nil {
		b = protowire.AppendTag(b, fieldAgentRemoteConfigStatus, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalRCS(m.RemoteConfigStatus))
	}
	if m.EffectiveConfigHash != "" {
		b = protowire.AppendTag(b, fieldAgentEffectiveConfigHash, protowire.BytesType)
		b = protowire.AppendString(b, m.EffectiveConfigHash)
	}
	return b
}

func marshalHealth(h *ComponentHealth) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldHealthHealthy, protowire.VarintType)
	b = protowire.AppendVarint(b, boolToVarint(h.Healthy))
	if h.LastError != "" {
		b = protowire.AppendTag(b, fieldHealthLastError, protowire.BytesType)
		b = protowire.AppendString(b, h.LastError)
	}
	b = protowire.AppendTag(b, fieldHealthStartedAt, protowire.VarintType)
	b = protowire.AppendVarint(b, h.StartTimeUnixNano)
	return b
}

func marshalRCS(r *RemoteConfigStatus) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldRCSLastConfigHash, protowire.BytesType)
	b = protowire.AppendString(b, r.LastConfigHash)
	b = protowire.AppendTag(b, fieldRCSApplied, protowire.VarintType)
	b = protowire.AppendVarint(b, boolToVarint(r.Applied))
	if r.ErrorMessage != "" {
		b = protowire.AppendTag(b, fieldRCSErrorMessage, protowire.BytesType)
		b = protowire.AppendString(b, r.ErrorMessage)
	}
	return b
}

func boolToVarint(v bool) uint64 {
	if v {
		return 1
	}
	return 0
}

// UnmarshalServerToAgent decodes the server's poll response.
func UnmarshalServerToAgent(data []byte) (*ServerToAgent, error) {
	out := &ServerToAgent{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("fleetcontrol: malformed tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fieldServerInstanceUID:
			v, n, err := consumeBytes(data, typ)
			if err != nil {
				return nil, err
			}
			out.InstanceUID = v
			data = data[n:]
		case fieldServerRemoteConfig:
			v, n, err := consumeBytes(data, typ)
			if err != nil {
				return nil, err
			}
			rc, err := unmarshalRemoteConfig(v)
			if err != nil {
				return nil, err
			}
			out.RemoteConfig = rc
			data = data[n:]
		case fieldServerIdentify:
			v, n, err := consumeBytes(data, typ)
			if err != nil {
				return nil, err
			}
			id, err := unmarshalIdentification(v)
			if err != nil {
				return nil, err
			}
			out.Identification = id
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("fleetcontrol: malformed field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return out, nil
}

func unmarshalRemoteConfig(data []byte) (*AgentRemoteConfig, error) {
	out := &AgentRemoteConfig{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("fleetcontrol: malformed remote config tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fieldRemoteConfigYAML:
			v, n, err := consumeBytes(data, typ)
			if err != nil {
				return nil, err
			}
			out.ConfigYAML = v
			data = data[n:]
		case fieldRemoteConfigHash:
			v, n, err := consumeBytes(data, typ)
			if err != nil {
				return nil, err
			}
			out.ConfigHash = string(v)
			data = data[n:]
		case fieldRemoteConfigSignature:
			v, n, err := consumeBytes(data, typ)
			if err != nil {
				return nil, err
			}
			out.Signature = v
			data = data[n:]
		case fieldRemoteConfigKeyID:
			v, n, err := consumeBytes(data, typ)
			if err != nil {
				return nil, err
			}
			out.KeyID = string(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("fleetcontrol: malformed remote config field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return out, nil
}

func unmarshalIdentification(data []byte) (*AgentIdentification, error) {
	out := &AgentIdentification{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("fleetcontrol: malformed identify tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fieldIdentifyNewInstanceUID:
			v, n, err := consumeBytes(data, typ)
			if err != nil {
				return nil, err
			}
			out.NewInstanceUID = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("fleetcontrol: malformed identify field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return out, nil
}

func consumeBytes(data []byte, typ protowire.Type) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("fleetcontrol: expected bytes-typed field, got %v", typ)
	}
	v, n := protowire.ConsumeBytes(data)
	if n < 0 {
		return nil, 0, fmt.Errorf("fleetcontrol: malformed bytes field: %w", protowire.ParseError(n))
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, n, nil
}
