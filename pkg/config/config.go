// Package config loads the service's configuration from environment
// variables (prefix SANDBOXRUN) and an optional config file, applying
// the defaults spec §6 and §5 name: service host/port/workers, per-request
// resource caps, the warm pool's per-runtime target sizes, TTL/idle/health
// intervals, default provider and fallback chain, and per-cloud
// provider fields.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully resolved, typed configuration for one service
// instance.
type Config struct {
	Service  ServiceConfig  `mapstructure:"service"`
	Request  RequestConfig  `mapstructure:"request"`
	Pool     PoolConfig     `mapstructure:"pool"`
	Provider ProviderConfig `mapstructure:"provider"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServiceConfig holds the host-level listen settings (consumed by the
// out-of-scope HTTP surface, carried here because the spec's
// configuration section names them alongside the core's own options).
type ServiceConfig struct {
	Host              string   `mapstructure:"host"`
	Port              int      `mapstructure:"port"`
	Workers           int      `mapstructure:"workers"`
	CORSOrigins       []string `mapstructure:"cors_origins"`
	APIKey            string   `mapstructure:"api_key"`
	SigningSecret     string   `mapstructure:"signing_secret"`
	MetadataStoreURL  string   `mapstructure:"metadata_store_url"`
}

// RequestConfig holds the per-request resource caps and concurrency
// ceiling the Client Facade and admission limiter apply when a caller
// doesn't specify them.
type RequestConfig struct {
	DefaultMemoryMB      int           `mapstructure:"default_memory_mb"`
	DefaultCPUCores      float64       `mapstructure:"default_cpu_cores"`
	DefaultTimeoutMS     int           `mapstructure:"default_timeout_ms"`
	MaxConcurrentExecs   int           `mapstructure:"max_concurrent_executions"`
	RateLimitPerMinute   int           `mapstructure:"rate_limit_per_minute"`
	RateLimitBurst       int           `mapstructure:"rate_limit_burst"`
	AdmissionWaitTimeout time.Duration `mapstructure:"admission_wait_timeout"`
}

// PoolConfig holds the warm-pool on/off switch and the lifecycle
// parameters the Pool Manager, Health Monitor, and Replenisher read.
type PoolConfig struct {
	Enabled               bool          `mapstructure:"enabled"`
	TargetSize            int           `mapstructure:"target_size"`
	PerRuntimeTargetSize  map[string]int `mapstructure:"per_runtime_target_size"`
	MaxIdle               time.Duration `mapstructure:"max_idle"`
	WorkerTTL             time.Duration `mapstructure:"worker_ttl"`
	HealthCheckInterval   time.Duration `mapstructure:"health_check_interval"`
	HealthCheckTimeout    time.Duration `mapstructure:"health_check_timeout"`
	ReplenishInterval     time.Duration `mapstructure:"replenish_interval"`
	MemoryMB              int           `mapstructure:"memory_mb"`
	CPUCores              float64       `mapstructure:"cpu_cores"`
	PidsLimit             int64         `mapstructure:"pids_limit"`
	ContainerdSocket      string        `mapstructure:"containerd_socket"`
}

// ProviderConfig holds the default provider, fallback chain, and
// per-cloud enable/region/project/prefix fields.
type ProviderConfig struct {
	Default       string         `mapstructure:"default"`
	FallbackChain []string       `mapstructure:"fallback_chain"`
	AWSLambda     CloudProvider  `mapstructure:"aws_lambda"`
	GCPCloudRun   CloudProvider  `mapstructure:"gcp_cloud_run"`
	AzureContainer CloudProvider `mapstructure:"azure_container"`
}

// CloudProvider holds one remote provider's enable flag and region/
// project/function-prefix fields.
type CloudProvider struct {
	Enabled bool   `mapstructure:"enabled"`
	Region  string `mapstructure:"region"`
	Project string `mapstructure:"project"`
	Prefix  string `mapstructure:"prefix"`
}

// LoggingConfig holds the log level and output format.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// EnvPrefix is the common environment-variable prefix spec §6 requires.
const EnvPrefix = "SANDBOXRUN"

// Load reads configuration from configPath (if non-empty) and from
// environment variables prefixed with EnvPrefix, applying defaults for
// anything left unset. A missing config file is not an error; missing
// environment variables fall back to defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("sandboxrun")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/sandboxrun")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.host", "0.0.0.0")
	v.SetDefault("service.port", 8080)
	v.SetDefault("service.workers", 4)

	v.SetDefault("request.default_memory_mb", 256)
	v.SetDefault("request.default_cpu_cores", 0.5)
	v.SetDefault("request.default_timeout_ms", 10000)
	v.SetDefault("request.max_concurrent_executions", 50)
	v.SetDefault("request.rate_limit_per_minute", 60)
	v.SetDefault("request.rate_limit_burst", 10)
	v.SetDefault("request.admission_wait_timeout", 2*time.Second)

	v.SetDefault("pool.enabled", true)
	v.SetDefault("pool.target_size", 2)
	v.SetDefault("pool.max_idle", 10*time.Minute)
	v.SetDefault("pool.worker_ttl", time.Hour)
	v.SetDefault("pool.health_check_interval", 30*time.Second)
	v.SetDefault("pool.health_check_timeout", 5*time.Second)
	v.SetDefault("pool.replenish_interval", 5*time.Second)
	v.SetDefault("pool.memory_mb", 256)
	v.SetDefault("pool.cpu_cores", 0.5)
	v.SetDefault("pool.pids_limit", 50)
	v.SetDefault("pool.containerd_socket", "/run/containerd/containerd.sock")

	v.SetDefault("provider.default", "local_docker")
	v.SetDefault("provider.fallback_chain", []string{})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
