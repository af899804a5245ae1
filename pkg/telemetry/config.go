package telemetry

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config selects and tunes the telemetry sinks.
type Config struct {
	ServiceName    string `json:"service_name" yaml:"service_name" toml:"service_name" validate:"required"`
	ServiceVersion string `json:"service_version" yaml:"service_version" toml:"service_version" validate:"required"`

	// Environment is reported as deployment.environment on spans.
	Environment string `json:"environment" yaml:"environment" toml:"environment"`

	Logging LoggingConfig `json:"logging" yaml:"logging" toml:"logging"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing" toml:"tracing"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics" toml:"metrics"`
	Events  EventsConfig  `json:"events" yaml:"events" toml:"events"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" toml:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `json:"format" yaml:"format" toml:"format" validate:"oneof=console json"`

	// Output is stdout, stderr or a file path.
	Output string `json:"output" yaml:"output" toml:"output"`

	// Writer overrides Output. Tests use it to capture logs.
	Writer io.Writer `json:"-" yaml:"-" toml:"-"`

	EnableCaller bool `json:"enable_caller" yaml:"enable_caller" toml:"enable_caller"`

	// Sampling lets SamplingInitial messages through per second, then every
	// SamplingThereafter-th.
	EnableSampling     bool `json:"enable_sampling" yaml:"enable_sampling" toml:"enable_sampling"`
	SamplingInitial    int  `json:"sampling_initial" yaml:"sampling_initial" toml:"sampling_initial" validate:"gte=0"`
	SamplingThereafter int  `json:"sampling_thereafter" yaml:"sampling_thereafter" toml:"sampling_thereafter" validate:"gte=0"`

	// TimeFormat is rfc3339, unix, unixms or unixmicro.
	TimeFormat string `json:"time_format" yaml:"time_format" toml:"time_format"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled" toml:"enabled"`

	// Exporter is otlp, stdout or none.
	Exporter string `json:"exporter" yaml:"exporter" toml:"exporter" validate:"omitempty,oneof=otlp stdout none"`

	// Endpoint is the OTLP gRPC collector, e.g. "localhost:4317".
	Endpoint string `json:"endpoint" yaml:"endpoint" toml:"endpoint" validate:"required_if=Exporter otlp"`

	SamplingRate float64 `json:"sampling_rate" yaml:"sampling_rate" toml:"sampling_rate" validate:"gte=0,lte=1"`

	MaxExportBatchSize int           `json:"max_export_batch_size" yaml:"max_export_batch_size" toml:"max_export_batch_size"`
	ExportTimeout      time.Duration `json:"export_timeout" yaml:"export_timeout" toml:"export_timeout"`

	Headers  map[string]string `json:"headers,omitempty" yaml:"headers,omitempty" toml:"headers"`
	Insecure bool              `json:"insecure" yaml:"insecure" toml:"insecure"`
}

// MetricsConfig configures the Prometheus registry.
type MetricsConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled" toml:"enabled"`

	// ListenAddress and Path are used by the standalone metrics server.
	ListenAddress string `json:"listen_address" yaml:"listen_address" toml:"listen_address"`
	Path          string `json:"path" yaml:"path" toml:"path"`

	Namespace string `json:"namespace" yaml:"namespace" toml:"namespace"`

	// DefaultHistogramBuckets are run and step duration buckets in seconds.
	DefaultHistogramBuckets []float64 `json:"buckets,omitempty" yaml:"buckets,omitempty" toml:"buckets"`
}

// EventsConfig configures lifecycle event delivery.
type EventsConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled" toml:"enabled"`

	BufferSize    int           `json:"buffer_size" yaml:"buffer_size" toml:"buffer_size" validate:"required_if=Enabled true,gte=0"`
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval" toml:"flush_interval"`
	MaxBatchSize  int           `json:"max_batch_size" yaml:"max_batch_size" toml:"max_batch_size"`

	// EnableAsync delivers events from a background goroutine. Otherwise
	// Publish calls subscribers directly.
	EnableAsync bool `json:"enable_async" yaml:"enable_async" toml:"enable_async"`
}

// DefaultConfig returns console logging at info, tracing off, metrics on
// and asynchronous events.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "rightsize",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			ListenAddress:           ":9090",
			Path:                    "/metrics",
			Namespace:               "rightsize",
			DefaultHistogramBuckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		},
		Events: EventsConfig{
			Enabled:       true,
			BufferSize:    1000,
			FlushInterval: 5 * time.Second,
			MaxBatchSize:  100,
			EnableAsync:   true,
		},
	}
}

// Validate reports every invalid field, named by its yaml path.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	msgs := make([]string, len(fieldErrs))
	for i, fe := range fieldErrs {
		msgs[i] = fmt.Sprintf("%s: failed %q constraint", yamlPath(fe.StructNamespace()), fe.Tag())
	}
	return fmt.Errorf("invalid telemetry config: %s", strings.Join(msgs, "; "))
}

// yamlPath turns "Config.Tracing.SamplingRate" into "tracing.sampling_rate".
func yamlPath(namespace string) string {
	parts := strings.Split(namespace, ".")[1:]
	for i, p := range parts {
		var b strings.Builder
		for j, r := range p {
			if j > 0 && r >= 'A' && r <= 'Z' {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		}
		parts[i] = strings.ToLower(b.String())
	}
	return strings.Join(parts, ".")
}
