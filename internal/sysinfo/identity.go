// Package sysinfo resolves the stable identifiers §3 uses to decide when an
// AgentID needs a freshly minted Instance ID, and mints/renders that ID.
// Grounded in the original's `agent-control/src/ac_sysinfo.rs` host-identity
// resolution, supplemented per SPEC_FULL.md.
package sysinfo

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// StableIdentifiers is the set of values §3's Instance ID section compares
// across restarts: on-host {host_id or machine_id, hostname,
// cloud_instance_id}; on K8s {cluster_name, fleet_id}. Unused fields for a
// given environment are left empty and do not affect the fingerprint.
type StableIdentifiers struct {
	HostID           string
	Hostname         string
	CloudInstanceID  string
	K8sClusterName   string
	K8sFleetID       string
}

// fingerprint is a fixed-order join of all five fields (empty ones
// included), used only to detect change between two StableIdentifiers values — it is
// never persisted itself.
func (s StableIdentifiers) fingerprint() string {
	return strings.Join([]string{s.HostID, s.Hostname, s.CloudInstanceID, s.K8sClusterName, s.K8sFleetID}, "\x1f")
}

// Equal reports whether two StableIdentifiers sets are identical.
func (s StableIdentifiers) Equal(other StableIdentifiers) bool {
	return s.fingerprint() == other.fingerprint()
}

// ResolveOnHost builds the on-host stable identifier set: hostID (or
// machine_id if hostID is empty), the OS hostname, and a best-effort cloud
// instance id (never fatal — a failed cloud lookup just leaves the field
// empty, per SPEC_FULL.md's supplemented cloud detector).
func ResolveOnHost(ctx context.Context, hostID string, cloudDetector CloudInstanceIDDetector) StableIdentifiers {
	hostname, _ := os.Hostname()
	s := StableIdentifiers{HostID: hostID, Hostname: hostname}
	if cloudDetector != nil {
		detectCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if id, err := cloudDetector.Detect(detectCtx); err == nil {
			s.CloudInstanceID = id
		}
	}
	return s
}

// ResolveK8s builds the K8s stable identifier set named in §3.
func ResolveK8s(clusterName, fleetID string) StableIdentifiers {
	return StableIdentifiers{K8sClusterName: clusterName, K8sFleetID: fleetID}
}

// CloudInstanceIDDetector is a best-effort, short-timeout cloud metadata
// lookup. A failure is never fatal: the caller treats it as "unknown".
type CloudInstanceIDDetector interface {
	Detect(ctx context.Context) (string, error)
}

// AWSIMDSDetector queries the AWS Instance Metadata Service (IMDSv1, a bare
// GET — IMDSv2's token dance is skipped since this is best-effort only) for
// the instance id. Grounded in `original_source/resource-detection/src/cloud/aws`.
type AWSIMDSDetector struct {
	Client   *http.Client
	Endpoint string // defaults to http://169.254.169.254/latest/meta-data/instance-id
}

func (d AWSIMDSDetector) Detect(ctx context.Context) (string, error) {
	endpoint := d.Endpoint
	if endpoint == "" {
		endpoint = "http://169.254.169.254/latest/meta-data/instance-id"
	}
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("sysinfo: IMDS returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

// GCPMetadataDetector queries the GCP metadata server for the numeric
// instance id. Grounded in `original_source/resource-detection/src/cloud/gcp`.
type GCPMetadataDetector struct {
	Client   *http.Client
	Endpoint string // defaults to http://metadata.google.internal/computeMetadata/v1/instance/id
}

func (d GCPMetadataDetector) Detect(ctx context.Context) (string, error) {
	endpoint := d.Endpoint
	if endpoint == "" {
		endpoint = "http://metadata.google.internal/computeMetadata/v1/instance/id"
	}
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Metadata-Flavor", "Google")
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("sysinfo: GCP metadata server returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

// MintInstanceID generates a fresh UUID-v7 and renders it in the external
// form §3 specifies: 32 uppercase hex characters, no hyphens.
func MintInstanceID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("sysinfo: minting instance id: %w", err)
	}
	return RenderInstanceID(id), nil
}

// RenderInstanceID renders a uuid.UUID in the external form §3 specifies.
func RenderInstanceID(id uuid.UUID) string {
	return strings.ToUpper(strings.ReplaceAll(id.String(), "-", ""))
}

// Resolver persists StableIdentifiers alongside the Instance ID it minted
// them under, so a subsequent call can detect drift and mint a new one
// rather than silently keeping a stale identity (§3).
type Resolver struct {
	store InstanceIDPersister
}

// InstanceIDPersister is the narrow slice of configrepo.InstanceIDStore this
// package needs, kept as an interface so sysinfo does not import configrepo.
type InstanceIDPersister interface {
	LoadIdentifiers() (StableIdentifiers, string, bool, error)
	StoreIdentifiers(StableIdentifiers, string) error
}

func NewResolver(store InstanceIDPersister) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the Instance ID to use for current: the previously
// persisted one if current matches what was last persisted, otherwise a
// freshly minted one, persisting the (possibly new) pair before returning.
func (r *Resolver) Resolve(current StableIdentifiers) (string, error) {
	prevIdentifiers, prevInstanceID, found, err := r.store.LoadIdentifiers()
	if err != nil {
		return "", err
	}
	if found && prevIdentifiers.Equal(current) {
		return prevInstanceID, nil
	}
	instanceID, err := MintInstanceID()
	if err != nil {
		return "", err
	}
	if err := r.store.StoreIdentifiers(current, instanceID); err != nil {
		return "", err
	}
	return instanceID, nil
}
