package config

import (
	"fmt"
	"strings"

	"github.com/openfroyo/rightsize/pkg/resize"
	"github.com/openfroyo/rightsize/pkg/telemetry"
)

// Provider names.
const (
	ProviderSimulated = "simulated"
	ProviderAWS       = "aws"
	ProviderWASM      = "wasm"
)

// File is the rightsize configuration file.
type File struct {
	// Provider selects and configures the control-plane client.
	Provider ProviderConfig `json:"provider" yaml:"provider" toml:"provider"`

	// Resize holds default resize parameters. The instance and target type
	// are usually supplied on the command line, so they are only checked
	// when a run is started.
	Resize resize.Parameters `json:"resize" yaml:"resize" toml:"resize" validate:"-"`

	// Batch lists instances resized together by "run --batch".
	Batch BatchConfig `json:"batch" yaml:"batch" toml:"batch"`

	// Telemetry configures logging, metrics, tracing and events.
	Telemetry telemetry.Config `json:"telemetry" yaml:"telemetry" toml:"telemetry" validate:"-"`

	// Store configures the run history database.
	Store StoreConfig `json:"store" yaml:"store" toml:"store"`

	// Policy configures the pre-run guard policies.
	Policy PolicyConfig `json:"policy" yaml:"policy" toml:"policy"`

	// Server configures the HTTP API started by "serve".
	Server ServerConfig `json:"server" yaml:"server" toml:"server"`
}

// ProviderConfig selects the ResourceClient implementation.
type ProviderConfig struct {
	// Name is one of simulated, aws or wasm.
	Name string `json:"name" yaml:"name" toml:"name" validate:"required,oneof=simulated aws wasm"`

	AWS       AWSConfig       `json:"aws" yaml:"aws" toml:"aws"`
	SSH       SSHConfig       `json:"ssh" yaml:"ssh" toml:"ssh"`
	WASM      WASMConfig      `json:"wasm" yaml:"wasm" toml:"wasm"`
	Simulated SimulatedConfig `json:"simulated" yaml:"simulated" toml:"simulated"`
}

// AWSConfig configures the EC2 and SSM client.
type AWSConfig struct {
	// Region overrides the region from the shared AWS configuration.
	Region string `json:"region,omitempty" yaml:"region,omitempty" toml:"region"`

	// Profile selects a shared configuration profile.
	Profile string `json:"profile,omitempty" yaml:"profile,omitempty" toml:"profile"`

	// Endpoint overrides the service endpoint, e.g. for a local emulator.
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty" toml:"endpoint" validate:"omitempty,url"`

	// ShellDocument and PowerShellDocument are the SSM documents used for
	// remote commands.
	ShellDocument      string `json:"shell_document" yaml:"shell_document" toml:"shell_document" validate:"required"`
	PowerShellDocument string `json:"powershell_document" yaml:"powershell_document" toml:"powershell_document" validate:"required"`

	// CommandPollInterval is the delay in seconds between SSM invocation polls.
	CommandPollInterval int `json:"command_poll_interval" yaml:"command_poll_interval" toml:"command_poll_interval" validate:"gte=1"`
}

// SSHConfig enables running remote commands over SSH instead of the
// provider's own command channel.
type SSHConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled" toml:"enabled"`

	User string `json:"user,omitempty" yaml:"user,omitempty" toml:"user" validate:"required_if=Enabled true"`
	Port int    `json:"port,omitempty" yaml:"port,omitempty" toml:"port" validate:"gte=0,lte=65535"`

	// KeyPath is the private key used for authentication. Defaults to the
	// first standard key found in ~/.ssh.
	KeyPath string `json:"key_path,omitempty" yaml:"key_path,omitempty" toml:"key_path"`

	// KnownHostsPath verifies host keys. InsecureIgnoreHostKey disables
	// verification entirely.
	KnownHostsPath        string `json:"known_hosts_path,omitempty" yaml:"known_hosts_path,omitempty" toml:"known_hosts_path"`
	InsecureIgnoreHostKey bool   `json:"insecure_ignore_host_key,omitempty" yaml:"insecure_ignore_host_key,omitempty" toml:"insecure_ignore_host_key"`

	// Hosts maps resource ids to addresses.
	Hosts map[string]string `json:"hosts,omitempty" yaml:"hosts,omitempty" toml:"hosts"`

	// AddressAttribute is the described resource attribute used as the
	// address when Hosts has no entry.
	AddressAttribute string `json:"address_attribute,omitempty" yaml:"address_attribute,omitempty" toml:"address_attribute"`

	// RemoteDir is where scripts are uploaded before they run.
	RemoteDir string `json:"remote_dir,omitempty" yaml:"remote_dir,omitempty" toml:"remote_dir"`

	// ConnectTimeout is the dial timeout in seconds.
	ConnectTimeout int `json:"connect_timeout,omitempty" yaml:"connect_timeout,omitempty" toml:"connect_timeout" validate:"gte=0"`
}

// WASMConfig configures a sandboxed control-plane plugin.
type WASMConfig struct {
	// Module is the compiled plugin.
	Module string `json:"module,omitempty" yaml:"module,omitempty" toml:"module"`

	// Manifest is the plugin's manifest file. Defaults to manifest.yaml next
	// to the module.
	Manifest string `json:"manifest,omitempty" yaml:"manifest,omitempty" toml:"manifest"`

	// CallTimeout bounds a single plugin call, in seconds.
	CallTimeout int `json:"call_timeout,omitempty" yaml:"call_timeout,omitempty" toml:"call_timeout" validate:"gte=0"`
}

// SimulatedConfig seeds the in-memory provider used by dry runs.
type SimulatedConfig struct {
	// InstanceType is the starting type of every simulated instance.
	InstanceType string `json:"instance_type" yaml:"instance_type" toml:"instance_type" validate:"required"`

	// CapacityFailures is the number of reservation attempts that fail with
	// insufficient capacity before one succeeds.
	CapacityFailures int `json:"capacity_failures,omitempty" yaml:"capacity_failures,omitempty" toml:"capacity_failures" validate:"gte=0"`

	// TransitionPolls is the number of polls a stop or start takes.
	TransitionPolls int `json:"transition_polls,omitempty" yaml:"transition_polls,omitempty" toml:"transition_polls" validate:"gte=0"`
}

// BatchConfig lists resize targets run concurrently.
type BatchConfig struct {
	Concurrency int      `json:"concurrency" yaml:"concurrency" toml:"concurrency" validate:"gte=1,lte=64"`
	Targets     []Target `json:"targets,omitempty" yaml:"targets,omitempty" toml:"targets" validate:"dive"`
}

// Target is one instance of a batch.
type Target struct {
	InstanceID string `json:"instance_id" yaml:"instance_id" toml:"instance_id" validate:"required"`

	// TargetInstanceType overrides resize.target_instance_type.
	TargetInstanceType string `json:"target_instance_type,omitempty" yaml:"target_instance_type,omitempty" toml:"target_instance_type"`
}

// StoreConfig configures run history.
type StoreConfig struct {
	// Path is the sqlite database file. ":memory:" keeps history in memory.
	Path string `json:"path" yaml:"path" toml:"path" validate:"required"`

	// RetentionDays prunes runs older than this many days on start. Zero
	// keeps everything.
	RetentionDays int `json:"retention_days,omitempty" yaml:"retention_days,omitempty" toml:"retention_days" validate:"gte=0"`
}

// PolicyConfig configures guard policies.
type PolicyConfig struct {
	// Paths are rego files or directories of rego files.
	Paths []string `json:"paths,omitempty" yaml:"paths,omitempty" toml:"paths"`

	// DisableBuiltins skips the built-in policies.
	DisableBuiltins bool `json:"disable_builtins,omitempty" yaml:"disable_builtins,omitempty" toml:"disable_builtins"`

	// Watch reloads policy files when they change.
	Watch bool `json:"watch,omitempty" yaml:"watch,omitempty" toml:"watch"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Address string `json:"address" yaml:"address" toml:"address" validate:"required"`

	// AllowedOrigins are the CORS origins allowed to call the API.
	AllowedOrigins []string `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty" toml:"allowed_origins"`

	// MaxConcurrentRuns bounds runs started through the API.
	MaxConcurrentRuns int `json:"max_concurrent_runs" yaml:"max_concurrent_runs" toml:"max_concurrent_runs" validate:"gte=1"`
}

// ValidationError describes one problem found while loading or validating
// a configuration file.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the field path, e.g. "provider.name".
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

// String formats the error as file:line:column: path: message.
func (v ValidationError) String() string {
	var b strings.Builder
	if v.File != "" {
		b.WriteString(v.File)
		if v.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", v.Line, v.Column)
		}
		b.WriteString(": ")
	}
	if v.Path != "" {
		b.WriteString(v.Path)
		b.WriteString(": ")
	}
	b.WriteString(v.Message)
	return b.String()
}

// LoadError is returned when a configuration file cannot be used.
type LoadError struct {
	Source string
	Errors []ValidationError
}

// Error implements the error interface.
func (e *LoadError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("invalid configuration %s: %s", e.Source, e.Errors[0])
	}
	msgs := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		msgs[i] = ve.String()
	}
	return fmt.Sprintf("invalid configuration %s (%d errors): %s", e.Source, len(e.Errors), strings.Join(msgs, "; "))
}
