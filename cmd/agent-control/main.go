// Command agent-control is the fleet-managed agent supervisor's entry
// point: it owns the top-level CLI surface (§6), wires the Supervisor Core
// (C8) and its collaborators, and drives the reconcile/poll/GC event loop
// until a shutdown signal arrives.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"k8s.io/apimachinery/pkg/runtime/schema"
	ctrl "sigs.k8s.io/controller-runtime"
	ctrlclient "sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/newrelic/agent-control-go/internal/agentid"
	"github.com/newrelic/agent-control-go/internal/agenttype"
	"github.com/newrelic/agent-control-go/internal/assembler"
	"github.com/newrelic/agent-control-go/internal/config"
	"github.com/newrelic/agent-control-go/internal/configmigrate"
	"github.com/newrelic/agent-control-go/internal/configrepo"
	"github.com/newrelic/agent-control-go/internal/fleetcontrol"
	"github.com/newrelic/agent-control-go/internal/gc"
	"github.com/newrelic/agent-control-go/internal/k8sclient"
	"github.com/newrelic/agent-control-go/internal/secret"
	"github.com/newrelic/agent-control-go/internal/supervisor"
	"github.com/newrelic/agent-control-go/internal/sysinfo"
)

// version is overwritten at build time via -ldflags.
var version = "dev"

// Exit codes per §6.
const (
	exitOK             = 0
	exitRuntimeFailure = 1
	exitArgParseFail   = 2
	exitBadYAML        = 65
	exitMissingFile    = 66
)

func main() {
	os.Exit(run(os.Args[1:]))
}

type flags struct {
	printVersion    bool
	printDebugInfo  bool
	localDir        string
	remoteDir       string
	logsDir         string
}

// parseFlags builds the §6 CLI surface: long-form only, case-insensitive
// flag names, via pflag's normalization hook — the same mechanism the
// teacher's `cli/cmd/kagent/main.go` uses for its own subcommand flag sets.
func parseFlags(args []string) (*flags, error) {
	fs := pflag.NewFlagSet("agent-control", pflag.ContinueOnError)
	fs.SetNormalizeFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ToLower(name))
	})

	f := &flags{}
	fs.BoolVar(&f.printVersion, "version", false, "print the version and exit")
	fs.BoolVar(&f.printDebugInfo, "print-debug-info", false, "print the loaded registry, desired configuration, and resolved identity")
	fs.StringVar(&f.localDir, "local-dir", "/etc/newrelic-agent-control", "directory holding config.yaml and the agent-type overlay (debug builds only)")
	fs.StringVar(&f.remoteDir, "remote-dir", "/var/lib/newrelic-agent-control", "directory holding persisted per-agent state (debug builds only)")
	fs.StringVar(&f.logsDir, "logs-dir", "", "directory for the rolling log file sink (debug builds only)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return f, nil
}

func run(args []string) int {
	f, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitArgParseFail
	}
	if f.printVersion {
		fmt.Println(version)
		return exitOK
	}

	desiredRaw, err := os.ReadFile(filepath.Join(f.localDir, "config.yaml"))
	if os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "agent-control: %s/config.yaml not found\n", f.localDir)
		return exitMissingFile
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitRuntimeFailure
	}
	desired, err := config.Parse(desiredRaw)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitBadYAML
	}

	log := newLogger(f.printDebugInfo || desired.Log.Level == config.LogDebug || desired.Log.Level == config.LogTrace)

	registry := agenttype.NewRegistry()
	if err := registry.LoadEmbeddedCatalog(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitRuntimeFailure
	}
	if err := registry.LoadOverlay(filepath.Join(f.localDir, "dynamic-agent-types", "type.yaml")); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitRuntimeFailure
	}

	app, err := buildApp(f, desired, registry, log)
	if err != nil {
		log.Error(err, "fatal error during startup")
		return exitRuntimeFailure
	}

	if f.printDebugInfo {
		printDebugInfo(registry, desired, app.identity, version)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app.run(ctx)
	return exitOK
}

func newLogger(debug bool) logr.Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zl, err := cfg.Build()
	if err != nil {
		zl = zap.NewNop()
	}
	return zapr.NewLogger(zl)
}

func printDebugInfo(registry *agenttype.Registry, desired *config.DesiredConfig, identity assembler.Identity, version string) {
	fmt.Printf("agent-control %s\n", version)
	fmt.Println("registered agent types:")
	for _, id := range registry.List() {
		fmt.Printf("  %s\n", id)
	}
	fmt.Println("desired agents:")
	for id, typeID := range desired.Agents {
		fmt.Printf("  %s -> %s\n", id, typeID)
	}
	if desired.FleetControl != nil {
		fmt.Printf("fleet control endpoint: %s (fleet_id=%s)\n", desired.FleetControl.Endpoint, desired.FleetControl.FleetID)
	}
	fmt.Printf("host_id: %s\n", identity.HostID)
	fmt.Printf("instance_id: %s\n", identity.InstanceID)
}

// app is the fully wired runtime: a Supervisor Core, its Garbage Collector,
// and (when fleet_control is configured) a Fleet-Control Client driving the
// poll loop named in §4.7.
type app struct {
	sup             *supervisor.Supervisor
	collector       *gc.Collector
	repo            *configrepo.Repository
	fleetClient     *fleetcontrol.Client
	subAgentClients map[agentid.ID]*fleetcontrol.Client
	desired         *config.DesiredConfig
	capabilities    map[agentid.ID]configrepo.Capabilities
	identity        assembler.Identity
	gcInterval      time.Duration
	pollInterval    time.Duration
	log             logr.Logger
}

func buildApp(f *flags, desired *config.DesiredConfig, registry *agenttype.Registry, log logr.Logger) (*app, error) {
	osFs := afero.NewOsFs()
	namespace := ""
	var k8sClient k8sclient.Client
	var secretProviders = map[string]secret.Provider{}

	if desired.K8s != nil {
		namespace = desired.K8s.Namespace
		if namespace == "" {
			namespace = "default"
		}
		restCfg, err := ctrl.GetConfig()
		if err != nil {
			return nil, fmt.Errorf("building k8s client config: %w", err)
		}
		kube, err := ctrlclient.New(restCfg, ctrlclient.Options{})
		if err != nil {
			return nil, fmt.Errorf("building k8s client: %w", err)
		}
		k8sClient = &k8sclient.CtrlRuntimeClient{Kube: kube}
		secretProviders["k8s-secret"] = &secret.K8sSecretProvider{Client: kube, DefaultNamespace: namespace}
	}
	secretProviders["vault"] = &secret.VaultProvider{}
	secretRegistry := secret.NewRegistry(secretProviders)

	repo, hashStore, instanceIDStore := buildConfigRepo(desired, osFs, f, k8sClient, namespace)

	if len(desired.LegacyMigrations) > 0 && desired.K8s == nil {
		migrator := &configmigrate.Migrator{Fs: osFs, Repo: repo, LocalDir: f.localDir, Log: log.WithName("configmigrate")}
		if err := migrator.Migrate(desired.Agents, desired.LegacyMigrations); err != nil {
			return nil, fmt.Errorf("migrating legacy configuration: %w", err)
		}
	}

	hostIdentifiers := resolveIdentity(context.Background(), desired)
	instanceResolver := sysinfo.NewResolver(instanceIDStore.ForAgent(agentid.AgentControl()))
	instanceID, err := instanceResolver.Resolve(hostIdentifiers)
	if err != nil {
		return nil, fmt.Errorf("resolving instance id: %w", err)
	}

	identity := assembler.Identity{HostID: desired.HostID, InstanceID: instanceID}
	assembleRoot := filepath.Join(f.remoteDir, "fleet", "agents.d")

	sup := supervisor.New(registry, repo, hashStore, assembleRoot, identity, secretRegistry.Resolve, k8sClient, namespace, log.WithName("supervisor"))

	capabilities := map[agentid.ID]configrepo.Capabilities{}
	for id := range desired.Agents {
		capabilities[id] = configrepo.Capabilities{AcceptsRemoteConfig: desired.FleetControl != nil}
	}

	collector := buildCollector(desired, osFs, f, k8sClient, namespace, log.WithName("gc"))

	a := &app{
		sup:          sup,
		collector:    collector,
		repo:         repo,
		desired:      desired,
		capabilities: capabilities,
		identity:     identity,
		gcInterval:   30 * time.Second,
		pollInterval: 30 * time.Second,
		log:          log,
	}

	if desired.FleetControl != nil {
		client, err := buildFleetClient(desired.FleetControl, instanceID, log.WithName("fleetcontrol"))
		if err != nil {
			return nil, err
		}
		a.fleetClient = client
		if desired.FleetControl.PollInterval != "" {
			if d, err := time.ParseDuration(desired.FleetControl.PollInterval); err == nil {
				a.pollInterval = d
			}
		}

		// §4.7: each Sub-Agent that accepts remote config gets its own
		// instance within fleet control, polled and dispatched
		// independently of AgentControl's own desired-configuration poll.
		subAgentClients := map[agentid.ID]*fleetcontrol.Client{}
		for id := range desired.Agents {
			if !capabilities[id].AcceptsRemoteConfig {
				continue
			}
			subInstanceID, err := sysinfo.NewResolver(instanceIDStore.ForAgent(id)).Resolve(hostIdentifiers)
			if err != nil {
				return nil, fmt.Errorf("resolving instance id for %s: %w", id, err)
			}
			subClient, err := buildFleetClient(desired.FleetControl, subInstanceID, log.WithName("fleetcontrol").WithValues("agentID", id.String()))
			if err != nil {
				return nil, err
			}
			subAgentClients[id] = subClient
		}
		a.subAgentClients = subAgentClients
	}

	return a, nil
}

func buildConfigRepo(desired *config.DesiredConfig, osFs afero.Fs, f *flags, k8sClient k8sclient.Client, namespace string) (*configrepo.Repository, *configrepo.HashStore, *configrepo.InstanceIDStore) {
	if desired.K8s != nil {
		local := &configrepo.K8sConfigMapStore{Client: k8sClient, Namespace: namespace, Prefix: "agent-control", Key: "local_config", ManagedByValue: k8sclient.ManagedByValue}
		remote := &configrepo.K8sConfigMapStore{Client: k8sClient, Namespace: namespace, Prefix: "agent-control", Key: "remote_config", ManagedByValue: k8sclient.ManagedByValue}
		repo := configrepo.New(local, remote)
		// Hash/instance-id persistence stays on-host even in K8s mode
		// deployments that mount a writable local_dir; a ConfigMap-backed
		// variant would duplicate K8sConfigMapStore's key scheme and isn't
		// exercised by any SPEC_FULL.md component beyond what this already
		// covers, so it's deferred (see DESIGN.md).
		hashStore := configrepo.NewHashStore(osFs, f.remoteDir)
		instanceIDStore := configrepo.NewInstanceIDStore(osFs, f.remoteDir)
		return repo, hashStore, instanceIDStore
	}
	local := &configrepo.LocalStore{Fs: osFs, Root: f.localDir}
	remote := configrepo.NewRemoteStore(osFs, f.remoteDir)
	repo := configrepo.New(local, remote)
	hashStore := configrepo.NewHashStore(osFs, f.remoteDir)
	instanceIDStore := configrepo.NewInstanceIDStore(osFs, f.remoteDir)
	return repo, hashStore, instanceIDStore
}

func buildCollector(desired *config.DesiredConfig, osFs afero.Fs, f *flags, k8sClient k8sclient.Client, namespace string, log logr.Logger) *gc.Collector {
	c := &gc.Collector{}
	if desired.K8s == nil {
		c.OnHost = &gc.OnHostCollector{Fs: osFs, RemoteDir: f.remoteDir, LocalAgent: agentid.AgentControl(), Log: log}
		return c
	}
	c.K8s = &gc.K8sCollector{
		Client:    k8sClient,
		Namespace: namespace,
		Kinds:     supervisedK8sKinds(),
		Log:       log,
	}
	return c
}

// supervisedK8sKinds lists the object kinds the Garbage Collector sweeps,
// matching the kinds §4.6's health poller understands plus the ConfigMaps
// C4 writes for its own per-agent state.
func supervisedK8sKinds() []k8sclient.TypeMeta {
	kinds := []schema.GroupVersionKind{
		{Group: "apps", Version: "v1", Kind: "Deployment"},
		{Group: "apps", Version: "v1", Kind: "StatefulSet"},
		{Group: "apps", Version: "v1", Kind: "DaemonSet"},
		{Group: "helm.toolkit.fluxcd.io", Version: "v2beta2", Kind: "HelmRelease"},
		{Group: "opentelemetry.io", Version: "v1alpha1", Kind: "Instrumentation"},
		{Version: "v1", Kind: "ConfigMap"},
	}
	out := make([]k8sclient.TypeMeta, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, k8sclient.TypeMeta{GroupVersionKind: k})
	}
	return out
}

func resolveIdentity(ctx context.Context, desired *config.DesiredConfig) sysinfo.StableIdentifiers {
	if desired.K8s != nil {
		fleetID := ""
		if desired.FleetControl != nil {
			fleetID = desired.FleetControl.FleetID
		}
		return sysinfo.ResolveK8s(desired.K8s.ClusterName, fleetID)
	}
	var detector sysinfo.CloudInstanceIDDetector = sysinfo.AWSIMDSDetector{}
	return sysinfo.ResolveOnHost(ctx, desired.HostID, detector)
}

func buildFleetClient(fc *config.FleetControl, instanceID string, log logr.Logger) (*fleetcontrol.Client, error) {
	var tokens fleetcontrol.TokenSource
	if fc.AuthConfig != nil {
		switch fc.AuthConfig.Type {
		case "oauth2":
			tokens = fleetcontrol.NewOAuth2ClientCredentials(context.Background(), fc.AuthConfig.ClientID, fc.AuthConfig.ClientSecret, fc.AuthConfig.TokenURL, nil)
		default:
			tokens = fleetcontrol.StaticToken(fc.AuthConfig.Token)
		}
	}

	var verifier *fleetcontrol.SignatureVerifier
	if fc.SignatureValidation != nil && fc.SignatureValidation.Enabled {
		verifier = fleetcontrol.NewSignatureVerifier(fc.SignatureValidation.PublicKeyServerURL, jwa.RS256)
	}

	rawID := []byte(instanceID)
	return fleetcontrol.NewClient(fc.Endpoint, rawID, tokens, verifier, log), nil
}

// run drives §4.8's event loop until ctx is canceled: an initial
// reconcile, then a poll ticker (fleet-control) and a GC ticker running
// concurrently, until the shutdown signal fires the orderly-shutdown path.
func (a *app) run(ctx context.Context) {
	initial := make([]supervisor.DesiredAgent, 0, len(a.desired.Agents))
	for id, typeID := range a.desired.Agents {
		initial = append(initial, supervisor.DesiredAgent{ID: id, TypeID: typeID})
	}
	if err := a.sup.Reconcile(ctx, initial, a.capabilities); err != nil {
		a.log.Error(err, "initial reconcile had failures")
	}

	gcTicker := time.NewTicker(a.gcInterval)
	defer gcTicker.Stop()

	var pollCh <-chan time.Time
	if a.fleetClient != nil {
		pollTicker := time.NewTicker(a.pollInterval)
		defer pollTicker.Stop()
		pollCh = pollTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := a.sup.Shutdown(shutdownCtx); err != nil {
				a.log.Error(err, "shutdown had failures")
			}
			return
		case <-gcTicker.C:
			if err := a.collector.Collect(ctx, a.sup.TrackedAgentIDs()); err != nil {
				a.log.Error(err, "gc pass had failures")
			}
		case <-pollCh:
			a.pollFleetControl(ctx)
			a.pollSubAgentFleetControl(ctx)
		}
	}
}

// pollFleetControl runs one iteration of §4.7's poll loop for
// AgentControl's own desired configuration: report status, receive any
// pending remote config, and dispatch it to the Supervisor Core.
func (a *app) pollFleetControl(ctx context.Context) {
	report := &fleetcontrol.AgentToServer{
		Capabilities: fleetcontrol.CapabilityAcceptsRemoteConfig | fleetcontrol.CapabilityReportsHealth | fleetcontrol.CapabilityReportsEffectiveCfg,
		Health:       &fleetcontrol.ComponentHealth{Healthy: true},
	}
	resp, err := a.fleetClient.Poll(ctx, report)
	if err != nil {
		a.log.Error(err, "fleet control poll failed")
		return
	}
	if resp.RemoteConfig == nil {
		return
	}

	dc, err := config.Parse(resp.RemoteConfig.ConfigYAML)
	if err != nil {
		a.log.Error(err, "rejecting remote config: invalid desired configuration", "hash", resp.RemoteConfig.ConfigHash)
		return
	}

	desiredAgents := make([]supervisor.DesiredAgent, 0, len(dc.Agents))
	for id, typeID := range dc.Agents {
		desiredAgents = append(desiredAgents, supervisor.DesiredAgent{ID: id, TypeID: typeID})
	}
	if err := a.sup.Reconcile(ctx, desiredAgents, a.capabilities); err != nil {
		a.log.Error(err, "reconcile after remote config had failures", "hash", resp.RemoteConfig.ConfigHash)
	}
	a.desired = dc
}

// pollSubAgentFleetControl runs one iteration of §4.7's poll loop for every
// Sub-Agent that independently participates in fleet control, implementing
// §4.8's "RemoteConfigReceived(SubAgent X) -> forward to that runtime as
// ConfigChanged": a validated remote payload is written into the Config
// Repository under that Sub-Agent's own AgentID, and the next Reconcile
// picks up the resulting content-hash change and re-assembles it.
func (a *app) pollSubAgentFleetControl(ctx context.Context) {
	changed := false
	for id, client := range a.subAgentClients {
		report := &fleetcontrol.AgentToServer{
			Capabilities: fleetcontrol.CapabilityAcceptsRemoteConfig | fleetcontrol.CapabilityReportsHealth,
			Health:       &fleetcontrol.ComponentHealth{Healthy: true},
		}
		resp, err := client.Poll(ctx, report)
		if err != nil {
			a.log.Error(err, "fleet control poll failed", "agentID", id.String())
			continue
		}
		if resp.RemoteConfig == nil {
			continue
		}
		if err := a.repo.StoreRemote(id, resp.RemoteConfig.ConfigYAML); err != nil {
			a.log.Error(err, "storing remote config failed", "agentID", id.String(), "hash", resp.RemoteConfig.ConfigHash)
			continue
		}
		changed = true
	}
	if !changed {
		return
	}

	desiredAgents := make([]supervisor.DesiredAgent, 0, len(a.desired.Agents))
	for id, typeID := range a.desired.Agents {
		desiredAgents = append(desiredAgents, supervisor.DesiredAgent{ID: id, TypeID: typeID})
	}
	if err := a.sup.Reconcile(ctx, desiredAgents, a.capabilities); err != nil {
		a.log.Error(err, "reconcile after sub-agent remote config had failures")
	}
}
