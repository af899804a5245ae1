package host

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/mod/semver"
)

// Registry holds plugin manifests and modules and instantiates plugins on
// first use.
type Registry struct {
	// mu protects the registry state.
	mu sync.Mutex

	// plugins maps name@version to a loaded plugin.
	plugins map[string]*Plugin

	// manifests maps name@version to its manifest.
	manifests map[string]*Manifest

	// modules maps name@version to module bytes.
	modules map[string][]byte

	loader *ManifestLoader
	config Config
	logger zerolog.Logger

	// allowed limits the capabilities plugins may request. Empty allows all.
	allowed map[string]bool
}

// NewRegistry creates a plugin registry.
func NewRegistry(baseDir string, cfg Config, logger zerolog.Logger) *Registry {
	return &Registry{
		plugins:   make(map[string]*Plugin),
		manifests: make(map[string]*Manifest),
		modules:   make(map[string][]byte),
		loader:    NewManifestLoader(baseDir),
		config:    cfg,
		logger:    logger.With().Str("component", "wasm-registry").Logger(),
		allowed:   make(map[string]bool),
	}
}

// SetAllowedCapabilities restricts the capabilities plugins may request.
func (r *Registry) SetAllowedCapabilities(capabilities []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.allowed = make(map[string]bool, len(capabilities))
	for _, c := range capabilities {
		r.allowed[c] = true
	}
}

// Register adds a plugin from manifest bytes and its module.
func (r *Registry) Register(manifestData, module []byte) (*Manifest, error) {
	manifest, err := r.loader.LoadFromBytes(manifestData, module)
	if err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.add(manifest, module); err != nil {
		return nil, err
	}
	return manifest, nil
}

// RegisterFromPath adds a plugin from a manifest file. The module is read
// from the manifest's entrypoint.
func (r *Registry) RegisterFromPath(manifestPath string) (*Manifest, error) {
	manifest, err := r.loader.LoadFromFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest: %w", err)
	}

	module, err := os.ReadFile(manifest.ModulePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read module: %w", err)
	}

	if manifest.Checksum != "" {
		if err := manifest.VerifyChecksum(module); err != nil {
			return nil, fmt.Errorf("checksum verification failed: %w", err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.add(manifest, module); err != nil {
		return nil, err
	}
	return manifest, nil
}

func (r *Registry) add(manifest *Manifest, module []byte) error {
	key := manifest.Key()
	if _, exists := r.manifests[key]; exists {
		return fmt.Errorf("plugin %s already registered", key)
	}
	if err := r.validateCapabilities(manifest.GetCapabilities()); err != nil {
		return fmt.Errorf("capability validation failed: %w", err)
	}

	r.manifests[key] = manifest
	r.modules[key] = module
	r.logger.Debug().Str("plugin", key).Msg("Plugin registered")
	return nil
}

func (r *Registry) validateCapabilities(capabilities []string) error {
	if len(r.allowed) == 0 {
		return nil
	}

	var denied []string
	for _, c := range capabilities {
		if !r.allowed[c] {
			denied = append(denied, c)
		}
	}
	if len(denied) > 0 {
		return fmt.Errorf("capabilities not allowed: %v", denied)
	}
	return nil
}

// Get returns the plugin matching name and a version constraint, loading it
// if needed. The constraint is an exact version, "latest" or empty, "~1.2"
// for the newest 1.2.x, or "^1.2" for the newest 1.x.
func (r *Registry) Get(ctx context.Context, name, version string) (*Plugin, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, err := r.resolveVersion(name, version)
	if err != nil {
		return nil, err
	}

	if plugin, ok := r.plugins[key]; ok {
		return plugin, nil
	}

	plugin, err := NewPlugin(ctx, r.manifests[key], r.modules[key], r.config, r.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load plugin %s: %w", key, err)
	}
	r.plugins[key] = plugin
	return plugin, nil
}

// List returns the registered manifests ordered by key.
func (r *Registry) List() []*Manifest {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Manifest, 0, len(r.manifests))
	for _, m := range r.manifests {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Unregister removes a plugin, closing it if loaded.
func (r *Registry) Unregister(ctx context.Context, name, version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := buildPluginKey(name, version)
	if plugin, ok := r.plugins[key]; ok {
		if err := plugin.Close(ctx); err != nil {
			return fmt.Errorf("failed to close plugin: %w", err)
		}
		delete(r.plugins, key)
	}
	delete(r.manifests, key)
	delete(r.modules, key)
	return nil
}

// Close closes every loaded plugin.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []string
	for key, plugin := range r.plugins {
		if err := plugin.Close(ctx); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	r.plugins = make(map[string]*Plugin)

	if len(errs) > 0 {
		return fmt.Errorf("errors closing plugins: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ScanDirectory registers every <dir>/<plugin>/manifest.yaml. Plugins that
// fail to load are logged and skipped.
func (r *Registry) ScanDirectory(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		manifestPath := filepath.Join(dir, entry.Name(), "manifest.yaml")
		if _, err := os.Stat(manifestPath); err != nil {
			continue
		}
		if _, err := r.RegisterFromPath(manifestPath); err != nil {
			r.logger.Warn().Err(err).Str("path", manifestPath).Msg("Skipping plugin")
		}
	}
	return nil
}

func (r *Registry) resolveVersion(name, version string) (string, error) {
	var prefix string
	switch {
	case version == "" || version == "latest":
	case strings.HasPrefix(version, "~"):
		prefix = semver.MajorMinor(canonical(version[1:]))
	case strings.HasPrefix(version, "^"):
		prefix = semver.Major(canonical(version[1:]))
	default:
		key := buildPluginKey(name, version)
		if _, ok := r.manifests[key]; !ok {
			return "", fmt.Errorf("plugin %s not found", key)
		}
		return key, nil
	}
	if version != "" && version != "latest" && prefix == "" {
		return "", fmt.Errorf("invalid version constraint %q", version)
	}

	var best *Manifest
	for _, m := range r.manifests {
		if m.Name != name {
			continue
		}
		v := canonical(m.Version)
		if prefix != "" && v != prefix && !strings.HasPrefix(v, prefix+".") {
			continue
		}
		if best == nil || semver.Compare(v, canonical(best.Version)) > 0 {
			best = m
		}
	}
	if best == nil {
		if prefix == "" {
			return "", fmt.Errorf("plugin %s not found", name)
		}
		return "", fmt.Errorf("no version matching %s found for plugin %s", version, name)
	}
	return best.Key(), nil
}

// canonical adds the "v" prefix semver expects.
func canonical(version string) string {
	if strings.HasPrefix(version, "v") {
		return version
	}
	return "v" + version
}

func buildPluginKey(name, version string) string {
	return name + "@" + version
}
