package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/rightsize/pkg/config"
	"github.com/openfroyo/rightsize/pkg/engine"
	"github.com/openfroyo/rightsize/pkg/policy"
	awsprovider "github.com/openfroyo/rightsize/pkg/providers/aws"
	"github.com/openfroyo/rightsize/pkg/providers/host"
	"github.com/openfroyo/rightsize/pkg/providers/simulated"
	"github.com/openfroyo/rightsize/pkg/resize"
	"github.com/openfroyo/rightsize/pkg/stores"
	"github.com/openfroyo/rightsize/pkg/telemetry"
	"github.com/openfroyo/rightsize/pkg/transports/ssh"
)

// loadConfig reads --config, or returns the defaults when it is not set.
func loadConfig(ctx context.Context) (*config.File, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(ctx, configPath)
}

// appOptions selects which parts of the application a command needs.
type appOptions struct {
	// provider overrides provider.name from the configuration.
	provider string

	// dryRun runs against the simulated provider on a virtual clock and
	// keeps runs out of the history.
	dryRun bool

	// client builds the control-plane client and policy engine.
	client bool

	// store opens the run history.
	store bool

	// seed lists instances the simulated provider starts with.
	seed []resize.Parameters
}

// app holds the wired components shared by the commands.
type app struct {
	cfg       *config.File
	telemetry *telemetry.Telemetry
	logger    zerolog.Logger
	clock     engine.Clock
	client    engine.ResourceClient
	simulated *simulated.Client
	store     *stores.SQLiteStore
	policies  *policy.Engine
	closers   []func(context.Context) error
}

func newApp(ctx context.Context, cfg *config.File, opts appOptions) (*app, error) {
	telCfg := cfg.Telemetry
	if logLevel != "" {
		telCfg.Logging.Level = logLevel
	}
	tel, err := telemetry.NewTelemetry(ctx, &telCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	a := &app{
		cfg:       cfg,
		telemetry: tel,
		logger:    tel.Logger.Zerolog(),
		clock:     engine.WallClock(),
	}

	if opts.store && !opts.dryRun {
		if err := a.openStore(ctx); err != nil {
			a.Close(ctx)
			return nil, err
		}
	}

	if opts.client {
		if err := a.buildClient(ctx, opts); err != nil {
			a.Close(ctx)
			return nil, err
		}
		if err := a.buildPolicies(ctx, true); err != nil {
			a.Close(ctx)
			return nil, err
		}
	}

	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	store, err := stores.Open(ctx, a.cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open run history: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, func(context.Context) error { return store.Close() })

	if days := a.cfg.Store.RetentionDays; days > 0 {
		cutoff := time.Now().AddDate(0, 0, -days)
		n, err := store.PruneRuns(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("failed to prune run history: %w", err)
		}
		if n > 0 {
			a.logger.Info().Int64("runs", n).Int("retention_days", days).Msg("Pruned run history")
		}
	}

	a.telemetry.Events.Subscribe(stores.EventSubscriber(store, a.logger), nil)
	return nil
}

func (a *app) buildClient(ctx context.Context, opts appOptions) error {
	name := a.cfg.Provider.Name
	if opts.provider != "" {
		name = opts.provider
	}
	if opts.dryRun {
		name = config.ProviderSimulated
	}

	var client engine.ResourceClient
	switch name {
	case config.ProviderSimulated:
		// Nothing real is waited for, so simulated runs never sleep.
		a.clock = engine.NewVirtualClock(time.Now())
		sim := a.newSimulated(opts.seed)
		a.simulated = sim
		client = sim

	case config.ProviderAWS:
		awsCfg := a.cfg.Provider.AWS
		c, err := awsprovider.New(ctx, awsprovider.Config{
			Region:              awsCfg.Region,
			Profile:             awsCfg.Profile,
			Endpoint:            awsCfg.Endpoint,
			ShellDocument:       awsCfg.ShellDocument,
			PowerShellDocument:  awsCfg.PowerShellDocument,
			CommandPollInterval: time.Duration(awsCfg.CommandPollInterval) * time.Second,
		}, awsprovider.WithClock(a.clock), awsprovider.WithLogger(a.logger))
		if err != nil {
			return err
		}
		client = c

	case config.ProviderWASM:
		plugin, err := a.loadPlugin(ctx)
		if err != nil {
			return err
		}
		client = plugin

	default:
		return engine.NewConfigurationError(fmt.Sprintf("unknown provider %q", name), nil).
			WithCode(engine.ErrCodeValidation)
	}

	if a.cfg.Provider.SSH.Enabled && !opts.dryRun {
		client = a.sshOverlay(client)
	}
	a.client = client
	return nil
}

func (a *app) newSimulated(seed []resize.Parameters) *simulated.Client {
	simCfg := a.cfg.Provider.Simulated
	sim := simulated.New(
		simulated.WithCapacityFailures(simCfg.CapacityFailures),
		simulated.WithTransitionPolls(simCfg.TransitionPolls),
		simulated.WithLogger(a.logger),
	)
	for _, p := range seed {
		if p.InstanceID == "" {
			continue
		}
		sim.AddInstance(simulated.Instance{
			ID:               p.InstanceID,
			InstanceType:     simCfg.InstanceType,
			Platform:         p.Platform,
			AvailabilityZone: p.AvailabilityZone,
		})
	}
	return sim
}

func (a *app) loadPlugin(ctx context.Context) (*host.Plugin, error) {
	wasmCfg := a.cfg.Provider.WASM
	manifestPath := wasmCfg.Manifest
	if manifestPath == "" {
		manifestPath = filepath.Join(filepath.Dir(wasmCfg.Module), "manifest.yaml")
	}

	hostCfg := host.DefaultConfig()
	if wasmCfg.CallTimeout > 0 {
		hostCfg.CallTimeout = time.Duration(wasmCfg.CallTimeout) * time.Second
	}
	registry := host.NewRegistry(filepath.Dir(manifestPath), hostCfg, a.logger)
	a.closers = append(a.closers, registry.Close)

	manifest, err := registry.RegisterFromPath(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to register plugin: %w", err)
	}
	if wasmCfg.Module != "" && !sameFile(manifest.ModulePath, wasmCfg.Module) {
		return nil, engine.NewConfigurationError(
			fmt.Sprintf("manifest entrypoint %s does not match module %s", manifest.ModulePath, wasmCfg.Module), nil).
			WithCode(engine.ErrCodeValidation)
	}
	return registry.Get(ctx, manifest.Name, manifest.Version)
}

func sameFile(a, b string) bool {
	ai, err := os.Stat(a)
	if err != nil {
		return false
	}
	bi, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(ai, bi)
}

func (a *app) sshOverlay(inner engine.ResourceClient) engine.ResourceClient {
	sshCfg := a.cfg.Provider.SSH
	base := ssh.DefaultConfig("", sshCfg.User)
	if sshCfg.Port > 0 {
		base.Port = sshCfg.Port
	}
	if sshCfg.KeyPath != "" {
		base.PrivateKeyPath = sshCfg.KeyPath
	}
	if sshCfg.KnownHostsPath != "" {
		base.KnownHostsPath = sshCfg.KnownHostsPath
	}
	base.InsecureIgnoreHostKey = sshCfg.InsecureIgnoreHostKey
	if sshCfg.ConnectTimeout > 0 {
		base.ConnectionTimeout = time.Duration(sshCfg.ConnectTimeout) * time.Second
	}

	opts := []ssh.CommandOption{
		ssh.WithHosts(sshCfg.Hosts),
		ssh.WithCommandLogger(a.logger),
	}
	if sshCfg.AddressAttribute != "" {
		opts = append(opts, ssh.WithAddressAttribute(sshCfg.AddressAttribute))
	}
	if sshCfg.RemoteDir != "" {
		opts = append(opts, ssh.WithRemoteDir(sshCfg.RemoteDir))
	}
	return ssh.NewCommandClient(inner, base, opts...)
}

// buildPolicies creates the guard policy engine. With lookup set, policies
// see the current description of the target resource.
func (a *app) buildPolicies(ctx context.Context, lookup bool) error {
	var opts []policy.Option
	if lookup && a.client != nil {
		opts = append(opts, policy.WithResourceLookup(a.client))
	}
	if a.cfg.Policy.DisableBuiltins {
		opts = append(opts, policy.WithoutBuiltins())
	}
	pe, err := policy.NewEngine(a.logger, opts...)
	if err != nil {
		return err
	}
	if len(a.cfg.Policy.Paths) > 0 {
		if err := pe.LoadPolicies(ctx, a.cfg.Policy.Paths); err != nil {
			return err
		}
	}
	a.policies = pe
	return nil
}

// newEngine wires the workflow engine to telemetry, history and policies.
func (a *app) newEngine() *engine.WorkflowEngine {
	opts := []engine.Option{
		engine.WithLogger(a.logger),
		engine.WithObserver(a.telemetry.Observer()),
		engine.WithClock(a.clock),
	}
	if a.store != nil {
		opts = append(opts, engine.WithRecorder(a.store))
	}
	if a.policies != nil {
		opts = append(opts, engine.WithGuard(a.policies))
	}
	return engine.NewWorkflowEngine(a.client, opts...)
}

// Close releases everything the app opened, newest first.
func (a *app) Close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	// Telemetry goes first so buffered events reach the store.
	errs := []error{a.telemetry.Shutdown(ctx)}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn().Err(err).Msg("Shutdown incomplete")
	}
}
