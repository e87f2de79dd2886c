package telemetry

import (
	"fmt"
	"time"
)

// Config is the telemetry section of the daemon configuration.
type Config struct {
	// ServiceName identifies this process in traces and metrics.
	ServiceName string `yaml:"service_name"`

	// ServiceVersion is stamped onto the trace resource.
	ServiceVersion string `yaml:"service_version"`

	// Environment tags telemetry with the deployment environment.
	Environment string `yaml:"environment"`

	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
	Events  EventsConfig  `yaml:"events"`
}

// LoggingConfig configures the zerolog root logger.
type LoggingConfig struct {
	// Level is the minimum level (trace, debug, info, warn, error, fatal).
	Level string `yaml:"level"`

	// Format is console or json.
	Format string `yaml:"format"`

	// Output is stdout, stderr, or a file path.
	Output string `yaml:"output"`

	// EnableCaller adds file:line to every entry.
	EnableCaller bool `yaml:"enable_caller"`

	// EnableSampling rate-limits repetitive entries.
	EnableSampling     bool `yaml:"enable_sampling"`
	SamplingInitial    int  `yaml:"sampling_initial"`
	SamplingThereafter int  `yaml:"sampling_thereafter"`

	// TimeFormat is unix or rfc3339.
	TimeFormat string `yaml:"time_format"`
}

// TracingConfig configures the otel tracer.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`

	// Exporter is otlp, stdout, or none.
	Exporter string `yaml:"exporter"`

	// Endpoint is the OTLP gRPC collector address.
	Endpoint string `yaml:"endpoint"`

	// SamplingRate is the head sampling ratio in [0, 1].
	SamplingRate float64 `yaml:"sampling_rate"`

	MaxExportBatchSize int           `yaml:"max_export_batch_size"`
	ExportTimeout      time.Duration `yaml:"export_timeout"`

	// Headers are sent with every OTLP export request.
	Headers map[string]string `yaml:"headers"`

	// Insecure disables TLS on the collector connection.
	Insecure bool `yaml:"insecure"`
}

// MetricsConfig configures the prometheus registry and its HTTP endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`

	ListenAddress string `yaml:"listen_address"`
	Path          string `yaml:"path"`

	// Namespace prefixes every metric name.
	Namespace string `yaml:"namespace"`

	// DefaultHistogramBuckets are latency buckets in seconds.
	DefaultHistogramBuckets []float64 `yaml:"default_histogram_buckets"`
}

// EventsConfig configures the in-process event publisher.
type EventsConfig struct {
	Enabled bool `yaml:"enabled"`

	BufferSize    int           `yaml:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxBatchSize  int           `yaml:"max_batch_size"`

	// EnableAsync delivers events on a background goroutine.
	EnableAsync bool `yaml:"enable_async"`
}

// DefaultConfig returns the configuration used when the daemon config has
// no telemetry section: console logging, stdout traces, metrics on :9090.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "herd",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stdout",
			EnableCaller:       true,
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Enabled:            true,
			Exporter:           "stdout",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			ListenAddress: ":9090",
			Path:          "/metrics",
			Namespace:     "openherd",
			DefaultHistogramBuckets: []float64{
				0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0,
			},
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

var logLevels = map[string]bool{
	"trace": true, "debug": true, "info": true,
	"warn": true, "error": true, "fatal": true,
}

var traceExporters = map[string]bool{
	"otlp": true, "stdout": true, "none": true,
}

// Validate checks the configuration before any subsystem starts.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}
	if c.ServiceVersion == "" {
		return fmt.Errorf("service version is required")
	}
	if !logLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Logging.Format)
	}
	if c.Tracing.Enabled {
		if !traceExporters[c.Tracing.Exporter] {
			return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
		}
		if c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
			return fmt.Errorf("otlp trace exporter requires an endpoint")
		}
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)
	}
	if c.Metrics.Enabled && c.Metrics.ListenAddress == "" {
		return fmt.Errorf("metrics listen address is required when metrics are enabled")
	}
	if c.Events.Enabled && c.Events.BufferSize <= 0 {
		return fmt.Errorf("event buffer size must be positive, got: %d", c.Events.BufferSize)
	}
	return nil
}
