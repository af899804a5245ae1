package host

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Plugin operations. Each is exported by the module as a function taking a
// JSON request and returning a JSON response.
const (
	OpDescribeResource    = "describe_resource"
	OpStopResource        = "stop_resource"
	OpStartResource       = "start_resource"
	OpModifyAttribute     = "modify_attribute"
	OpCreateReservation   = "create_reservation"
	OpCancelReservation   = "cancel_reservation"
	OpDescribeReservation = "describe_reservation"
	OpRunRemoteCommand    = "run_remote_command"
)

var knownOperations = map[string]bool{
	OpDescribeResource:    true,
	OpStopResource:        true,
	OpStartResource:       true,
	OpModifyAttribute:     true,
	OpCreateReservation:   true,
	OpCancelReservation:   true,
	OpDescribeReservation: true,
	OpRunRemoteCommand:    true,
}

// Manifest describes a control-plane plugin.
type Manifest struct {
	Name        string `json:"name" yaml:"name"`
	Version     string `json:"version" yaml:"version"`
	Author      string `json:"author,omitempty" yaml:"author,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Entrypoint is the module file, relative to the manifest.
	Entrypoint string `json:"entrypoint" yaml:"entrypoint"`

	// Checksum is the hex SHA-256 of the module. Optional.
	Checksum string `json:"checksum,omitempty" yaml:"checksum,omitempty"`

	// Capabilities lists the host functions the plugin may use.
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`

	// Operations lists the operations the module exports.
	Operations []string `json:"operations" yaml:"operations"`

	// Path is the file the manifest was loaded from.
	Path string `json:"path" yaml:"-"`

	// ModulePath is the resolved module location.
	ModulePath string `json:"module_path" yaml:"-"`

	// Verified is set once the module checksum has been checked.
	Verified bool `json:"verified" yaml:"-"`
}

// Key returns name@version.
func (m *Manifest) Key() string {
	return buildPluginKey(m.Name, m.Version)
}

// Supports reports whether the plugin implements op.
func (m *Manifest) Supports(op string) bool {
	for _, o := range m.Operations {
		if o == op {
			return true
		}
	}
	return false
}

// GetCapabilities returns the requested capabilities, sorted and deduplicated.
func (m *Manifest) GetCapabilities() []string {
	set := make(map[string]bool, len(m.Capabilities))
	caps := make([]string, 0, len(m.Capabilities))
	for _, c := range m.Capabilities {
		if !set[c] {
			set[c] = true
			caps = append(caps, c)
		}
	}
	sort.Strings(caps)
	return caps
}

// VerifyChecksum checks the module against the manifest checksum.
func (m *Manifest) VerifyChecksum(module []byte) error {
	if m.Checksum == "" {
		return fmt.Errorf("no checksum in manifest")
	}

	hash := sha256.Sum256(module)
	computed := hex.EncodeToString(hash[:])
	if computed != m.Checksum {
		return fmt.Errorf("module checksum mismatch: expected %s, got %s", m.Checksum, computed)
	}

	m.Verified = true
	return nil
}

// ManifestLoader loads and validates plugin manifests.
type ManifestLoader struct {
	// BaseDir resolves entrypoints of manifests loaded from bytes.
	BaseDir string
}

// NewManifestLoader creates a new manifest loader.
func NewManifestLoader(baseDir string) *ManifestLoader {
	return &ManifestLoader{BaseDir: baseDir}
}

// LoadFromFile loads a manifest from a YAML file and resolves its module.
func (l *ManifestLoader) LoadFromFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}

	manifest, err := l.parse(data)
	if err != nil {
		return nil, err
	}
	manifest.Path = path

	if err := l.resolveModulePath(manifest); err != nil {
		return nil, fmt.Errorf("failed to resolve module path: %w", err)
	}

	return manifest, nil
}

// LoadFromBytes parses a manifest and verifies module against its checksum
// when one is set.
func (l *ManifestLoader) LoadFromBytes(data, module []byte) (*Manifest, error) {
	manifest, err := l.parse(data)
	if err != nil {
		return nil, err
	}

	if manifest.Checksum != "" {
		if err := manifest.VerifyChecksum(module); err != nil {
			return nil, err
		}
	}

	return manifest, nil
}

func (l *ManifestLoader) parse(data []byte) (*Manifest, error) {
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	if err := validateManifest(&manifest); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return &manifest, nil
}

func validateManifest(m *Manifest) error {
	if m.Name == "" {
		return fmt.Errorf("plugin name is required")
	}
	if m.Version == "" {
		return fmt.Errorf("plugin version is required")
	}
	if m.Entrypoint == "" {
		return fmt.Errorf("entrypoint is required")
	}
	if len(m.Operations) == 0 {
		return fmt.Errorf("at least one operation is required")
	}
	for _, op := range m.Operations {
		if !knownOperations[op] {
			return fmt.Errorf("unknown operation %q", op)
		}
	}
	for _, c := range m.Capabilities {
		if !knownCapabilities[c] {
			return fmt.Errorf("unknown capability %q", c)
		}
	}
	return nil
}

func (l *ManifestLoader) resolveModulePath(m *Manifest) error {
	switch {
	case filepath.IsAbs(m.Entrypoint):
		m.ModulePath = m.Entrypoint
	case m.Path != "":
		m.ModulePath = filepath.Join(filepath.Dir(m.Path), m.Entrypoint)
	default:
		m.ModulePath = filepath.Join(l.BaseDir, m.Entrypoint)
	}

	if _, err := os.Stat(m.ModulePath); err != nil {
		return fmt.Errorf("module not found at %s: %w", m.ModulePath, err)
	}
	return nil
}
