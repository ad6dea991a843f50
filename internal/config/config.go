// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	Store         StoreConfig         `yaml:"store"`
	Executor      ExecutorConfig      `yaml:"executor"`
	Generation    GenerationConfig    `yaml:"generation"`
	Intake        IntakeConfig        `yaml:"intake"`
	Dedup         DedupConfig         `yaml:"dedup"`
	Notification  NotificationConfig  `yaml:"notification"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AuthConfig describes bearer token verification for write routes. Auth is
// disabled when SecretEnv is empty.
type AuthConfig struct {
	SecretEnv string `yaml:"secret_env"`
	Issuer    string `yaml:"issuer"`
	Audience  string `yaml:"audience"`
}

// StoreConfig describes work unit persistence settings.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	Migrate         bool          `yaml:"migrate"`
}

// ExecutorConfig describes where and how task runs are created.
type ExecutorConfig struct {
	Driver             string `yaml:"driver"`
	Namespace          string `yaml:"namespace"`
	Kubeconfig         string `yaml:"kubeconfig"`
	Release            string `yaml:"release"`
	ServiceAccountName string `yaml:"service_account_name"`
	// TaskSuffixes maps a phase name to the suffix of the task it runs.
	TaskSuffixes map[string]string `yaml:"task_suffixes"`
	// BreakerFailures consecutive API errors pause executor calls for
	// BreakerCooldown. Only applied to the kubernetes driver.
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// GenerationConfig describes reconciliation behaviour.
type GenerationConfig struct {
	SbomDir          string        `yaml:"sbom_dir"`
	ManifestFileName string        `yaml:"manifest_file_name"`
	SentinelExitCode int           `yaml:"sentinel_exit_code"`
	ResyncInterval   time.Duration `yaml:"resync_interval"`
	Workers          int           `yaml:"workers"`
	// Phases overrides the phase graph of a generation type.
	Phases map[string][]string `yaml:"phases"`
}

// IntakeConfig describes the event bus consumer.
type IntakeConfig struct {
	Enabled    bool   `yaml:"enabled"`
	URLEnv     string `yaml:"url_env"`
	Subject    string `yaml:"subject"`
	// Stream and Durable name the JetStream stream and the durable
	// consumer replicas share.
	Stream  string `yaml:"stream"`
	Durable string `yaml:"durable"`
	// MaxDeliver bounds redeliveries of a message that keeps failing.
	MaxDeliver     int           `yaml:"max_deliver"`
	AckWait        time.Duration `yaml:"ack_wait"`
	RedeliverDelay time.Duration `yaml:"redeliver_delay"`
}

// DedupConfig describes delivery deduplication settings.
type DedupConfig struct {
	Enabled bool          `yaml:"enabled"`
	Driver  string        `yaml:"driver"`
	AddrEnv string        `yaml:"addr_env"`
	DB      int           `yaml:"db"`
	TTL     time.Duration `yaml:"ttl"`
}

// NotificationConfig describes the generation-finished hook.
type NotificationConfig struct {
	Enabled bool   `yaml:"enabled"`
	URLEnv  string `yaml:"url_env"`
	Subject string `yaml:"subject"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			Driver:          "memory",
			DSNEnv:          "SBOMER_DATABASE_DSN",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Executor: ExecutorConfig{
			Driver:             "memory",
			Namespace:          "default",
			Release:            "sbomer",
			ServiceAccountName: "sbomer-sa",
			TaskSuffixes: map[string]string{
				"INIT":          "init",
				"OPERATIONINIT": "operation-init",
				"GENERATE":      "generate",
			},
			BreakerFailures: 5,
			BreakerCooldown: 30 * time.Second,
		},
		Generation: GenerationConfig{
			SbomDir:          "/data",
			ManifestFileName: "bom.json",
			SentinelExitCode: 10,
			ResyncInterval:   30 * time.Second,
			Workers:          4,
		},
		Intake: IntakeConfig{
			URLEnv:         "SBOMER_NATS_URL",
			Subject:        "pnc.events",
			Stream:         "PNC_EVENTS",
			Durable:        "sbomer",
			MaxDeliver:     10,
			AckWait:        time.Minute,
			RedeliverDelay: 5 * time.Second,
		},
		Dedup: DedupConfig{
			Driver:  "memory",
			AddrEnv: "SBOMER_REDIS_ADDR",
			TTL:     24 * time.Hour,
		},
		Notification: NotificationConfig{
			URLEnv:  "SBOMER_NATS_URL",
			Subject: "sbomer.generation.finished",
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

var knownPhases = map[string]bool{"INIT": true, "OPERATIONINIT": true, "GENERATE": true}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSNEnv == "" {
			errs = append(errs, "store.dsn_env is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}
	switch c.Executor.Driver {
	case "memory", "kubernetes":
	default:
		errs = append(errs, fmt.Sprintf("executor.driver %q is not supported", c.Executor.Driver))
	}
	if c.Executor.Release == "" {
		errs = append(errs, "executor.release is required")
	}
	if c.Generation.SbomDir == "" {
		errs = append(errs, "generation.sbom_dir is required")
	}
	if c.Generation.ManifestFileName == "" {
		errs = append(errs, "generation.manifest_file_name is required")
	}
	if c.Generation.SentinelExitCode < 1 || c.Generation.SentinelExitCode > 255 {
		errs = append(errs, "generation.sentinel_exit_code must be between 1 and 255")
	}
	if c.Generation.Workers < 1 {
		errs = append(errs, "generation.workers must be at least 1")
	}
	for typ, phases := range c.Generation.Phases {
		if len(phases) == 0 {
			errs = append(errs, fmt.Sprintf("generation.phases.%s must not be empty", typ))
		}
		for _, p := range phases {
			if !knownPhases[strings.ToUpper(p)] {
				errs = append(errs, fmt.Sprintf("generation.phases.%s: unknown phase %q", typ, p))
			}
		}
	}
	if c.Intake.Enabled && c.Intake.Subject == "" {
		errs = append(errs, "intake.subject is required when intake is enabled")
	}
	if c.Intake.Enabled && (c.Intake.Stream == "" || c.Intake.Durable == "") {
		errs = append(errs, "intake.stream and intake.durable are required when intake is enabled")
	}
	if c.Dedup.Enabled && c.Dedup.Driver != "memory" && c.Dedup.Driver != "redis" {
		errs = append(errs, fmt.Sprintf("dedup.driver %q is not supported", c.Dedup.Driver))
	}
	if c.Notification.Enabled && c.Notification.Subject == "" {
		errs = append(errs, "notification.subject is required when notification is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads SBOMER_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SBOMER_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SBOMER_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("SBOMER_EXECUTOR_DRIVER"); v != "" {
		cfg.Executor.Driver = v
	}
	if v := os.Getenv("SBOMER_EXECUTOR_NAMESPACE"); v != "" {
		cfg.Executor.Namespace = v
	}
	if v := os.Getenv("SBOMER_GENERATION_SBOM_DIR"); v != "" {
		cfg.Generation.SbomDir = v
	}
	if v := os.Getenv("SBOMER_GENERATION_SENTINEL_EXIT_CODE"); v != "" {
		if code, err := strconv.Atoi(v); err == nil {
			cfg.Generation.SentinelExitCode = code
		}
	}
	if v := os.Getenv("SBOMER_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
