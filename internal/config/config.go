package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents a server role configuration.
// The same file format is shared by the World and Scene roles;
// role-specific sections are simply ignored by the other role.
type Config struct {
	// Server configuration
	Server ServerConfig `yaml:"server"`

	// Registry store (Redis) configuration
	Registry RegistryConfig `yaml:"registry"`

	// Routing configuration (World role)
	Routing RoutingConfig `yaml:"routing"`

	// Heartbeat configuration
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`

	// Scene configuration (Scene role)
	Scene SceneConfig `yaml:"scene"`

	// Security configuration
	Security SecurityConfig `yaml:"security"`

	// Tracing configuration
	Tracing TracingConfig `yaml:"tracing"`

	// Graceful shutdown timeout
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// ServerConfig represents server process configuration
type ServerConfig struct {
	// Name identifies this process in the server registry
	Name string `yaml:"name"`

	// PublicAddr is the address clients are redirected to / connect to
	PublicAddr string `yaml:"public_addr"`

	// PublicPort is the port clients are redirected to / connect to
	PublicPort uint16 `yaml:"public_port"`

	// ListenAddr is the client listener bind address (World role)
	ListenAddr string `yaml:"listen_addr"`

	// Health check and metrics port
	HealthCheckPort int `yaml:"health_check_port"`
}

// RegistryConfig represents the Redis-backed server registry configuration
type RegistryConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// Key prefix for registry keys
	KeyPrefix string `yaml:"key_prefix"`

	// Connection pool configuration
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// Retry configuration for the initial connectivity check at boot
	DialRetries    int           `yaml:"dial_retries"`
	DialRetryDelay time.Duration `yaml:"dial_retry_delay"`
}

// RoutingConfig represents the wait queue / assignment configuration
type RoutingConfig struct {
	// WaitQueueTick is the interval between router drain passes
	WaitQueueTick time.Duration `yaml:"wait_queue_tick"`

	// MaxClientsPerInstance is the system-wide capacity ceiling.
	// Per-scene catalog values are clamped to [1, this].
	MaxClientsPerInstance int `yaml:"max_clients_per_instance"`

	// CatalogPath points at the scene template data file
	CatalogPath string `yaml:"catalog_path"`
}

// HeartbeatConfig represents liveness publication configuration
type HeartbeatConfig struct {
	// PulseInterval is how often this process republishes its registry row
	PulseInterval time.Duration `yaml:"pulse_interval"`

	// LivenessWindow is how stale a pulse may be before readers treat the
	// server as absent. Defaults to 3x the pulse interval.
	LivenessWindow time.Duration `yaml:"liveness_window"`
}

// SceneConfig represents Scene role configuration
type SceneConfig struct {
	// LoadingTimeout bounds how long a claimed instance may sit in Loading
	// before it is reverted to Pending for another claim attempt
	LoadingTimeout time.Duration `yaml:"loading_timeout"`

	// MaxInstances caps how many instances this process will claim
	MaxInstances int `yaml:"max_instances"`
}

// SecurityConfig represents security configuration for the client listener
type SecurityConfig struct {
	// Maximum concurrent client connections
	MaxConnections int `yaml:"max_connections"`

	// Maximum connections per IP address
	MaxConnectionsPerIP int `yaml:"max_connections_per_ip"`

	// Connection rate limit (connections per second per IP)
	ConnectionRateLimit int `yaml:"connection_rate_limit"`
}

// TracingConfig represents tracing configuration
type TracingConfig struct {
	// OTLP collector gRPC endpoint; tracing is disabled when empty
	Endpoint string `yaml:"endpoint"`
}

// Load loads configuration from file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set default values
	setDefaults(&cfg)

	// Validate configuration
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ValidateConfig validates the configuration (exported for hot reload)
func ValidateConfig(cfg *Config) error {
	return validateConfig(cfg)
}

// validateConfig validates the configuration
func validateConfig(cfg *Config) error {
	if cfg.Server.Name == "" {
		return fmt.Errorf("server.name is required")
	}
	if cfg.Server.PublicAddr == "" {
		return fmt.Errorf("server.public_addr is required")
	}
	if cfg.Server.HealthCheckPort <= 0 || cfg.Server.HealthCheckPort > 65535 {
		return fmt.Errorf("server.health_check_port must be between 1 and 65535")
	}

	if cfg.Registry.Addr == "" {
		return fmt.Errorf("registry.addr is required")
	}
	if cfg.Registry.PoolSize <= 0 {
		return fmt.Errorf("registry.pool_size must be greater than 0")
	}

	if cfg.Routing.WaitQueueTick <= 0 {
		return fmt.Errorf("routing.wait_queue_tick must be greater than 0")
	}
	if cfg.Routing.MaxClientsPerInstance <= 0 {
		return fmt.Errorf("routing.max_clients_per_instance must be greater than 0")
	}

	if cfg.Heartbeat.PulseInterval <= 0 {
		return fmt.Errorf("heartbeat.pulse_interval must be greater than 0")
	}
	if cfg.Heartbeat.LivenessWindow < cfg.Heartbeat.PulseInterval {
		return fmt.Errorf("heartbeat.liveness_window must be at least the pulse interval")
	}

	if cfg.Scene.LoadingTimeout <= 0 {
		return fmt.Errorf("scene.loading_timeout must be greater than 0")
	}

	if cfg.GracefulShutdownTimeout <= 0 {
		return fmt.Errorf("graceful_shutdown_timeout must be greater than 0")
	}

	return nil
}

// setDefaults sets default values for configuration
func setDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":7100"
	}

	if cfg.Server.HealthCheckPort == 0 {
		cfg.Server.HealthCheckPort = 9090
	}

	if cfg.Registry.Addr == "" {
		cfg.Registry.Addr = "localhost:6379"
	}

	if cfg.Registry.KeyPrefix == "" {
		cfg.Registry.KeyPrefix = "scene-director:"
	}

	if cfg.Registry.PoolSize == 0 {
		cfg.Registry.PoolSize = 10
	}

	if cfg.Registry.MinIdleConns == 0 {
		cfg.Registry.MinIdleConns = 5
	}

	if cfg.Registry.DialTimeout == 0 {
		cfg.Registry.DialTimeout = 5 * time.Second
	}

	if cfg.Registry.ReadTimeout == 0 {
		cfg.Registry.ReadTimeout = 3 * time.Second
	}

	if cfg.Registry.WriteTimeout == 0 {
		cfg.Registry.WriteTimeout = 3 * time.Second
	}

	if cfg.Registry.DialRetries == 0 {
		cfg.Registry.DialRetries = 3
	}

	if cfg.Registry.DialRetryDelay == 0 {
		cfg.Registry.DialRetryDelay = 500 * time.Millisecond
	}

	if cfg.Routing.WaitQueueTick == 0 {
		cfg.Routing.WaitQueueTick = 2 * time.Second
	}

	if cfg.Routing.MaxClientsPerInstance == 0 {
		cfg.Routing.MaxClientsPerInstance = 500
	}

	if cfg.Heartbeat.PulseInterval == 0 {
		cfg.Heartbeat.PulseInterval = 5 * time.Second
	}

	if cfg.Heartbeat.LivenessWindow == 0 {
		cfg.Heartbeat.LivenessWindow = 3 * cfg.Heartbeat.PulseInterval
	}

	if cfg.Scene.LoadingTimeout == 0 {
		cfg.Scene.LoadingTimeout = 60 * time.Second
	}

	if cfg.Scene.MaxInstances == 0 {
		cfg.Scene.MaxInstances = 64
	}

	if cfg.GracefulShutdownTimeout == 0 {
		cfg.GracefulShutdownTimeout = 30 * time.Second
	}

	// Security defaults
	if cfg.Security.MaxConnections == 0 {
		cfg.Security.MaxConnections = 5000
	}
	if cfg.Security.MaxConnectionsPerIP == 0 {
		cfg.Security.MaxConnectionsPerIP = 10
	}
	if cfg.Security.ConnectionRateLimit == 0 {
		cfg.Security.ConnectionRateLimit = 5
	}
}
