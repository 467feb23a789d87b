// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/absmach/commcore/protocol"
	"github.com/absmach/commcore/ratelimit"
	"gopkg.in/yaml.v3"
)

// Config holds the complete node configuration.
type Config struct {
	Server     ServerConfig      `yaml:"server"`
	Dispatcher DispatcherConfig  `yaml:"dispatcher"`
	Log        LogConfig         `yaml:"log"`
	Inbound    InboundConfig     `yaml:"inbound"`
	Ports      []PortConfig      `yaml:"ports"`
	Operations []OperationConfig `yaml:"operations"`
	RateLimit  ratelimit.Config  `yaml:"ratelimit"`
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	TCPAddr         string        `yaml:"tcp_addr"`
	TCPReadTimeout  time.Duration `yaml:"tcp_read_timeout"`
	TCPWriteTimeout time.Duration `yaml:"tcp_write_timeout"`

	// TLS settings
	TLSEnabled    bool   `yaml:"tls_enabled"`
	TLSCertFile   string `yaml:"tls_cert_file"`
	TLSKeyFile    string `yaml:"tls_key_file"`
	TLSCAFile     string `yaml:"tls_ca_file"`
	TLSClientAuth string `yaml:"tls_client_auth"` // none, request, require

	// WebSocket settings
	WSEnabled bool   `yaml:"ws_enabled"`
	WSAddr    string `yaml:"ws_addr"`
	WSPath    string `yaml:"ws_path"`

	// Health check settings
	HealthEnabled bool   `yaml:"health_enabled"`
	HealthAddr    string `yaml:"health_addr"`

	// OpenTelemetry settings
	MetricsEnabled      bool          `yaml:"metrics_enabled"`
	OtelEndpoint        string        `yaml:"otel_endpoint"`
	OtelServiceName     string        `yaml:"otel_service_name"`
	OtelServiceVersion  string        `yaml:"otel_service_version"`
	OtelMetricsEnabled  bool          `yaml:"otel_metrics_enabled"`
	OtelTracesEnabled   bool          `yaml:"otel_traces_enabled"`
	OtelTraceSampleRate float64       `yaml:"otel_trace_sample_rate"`
	OtelExportInterval  time.Duration `yaml:"otel_export_interval"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DispatcherConfig bounds the number of live workers.
type DispatcherConfig struct {
	Ceiling int `yaml:"ceiling"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// InboundConfig describes the input port served by the listeners.
// An empty operation list admits every operation.
type InboundConfig struct {
	Name       string   `yaml:"name"`
	Operations []string `yaml:"operations"`
}

// PortConfig describes an asynchronous protocol port.
type PortConfig struct {
	Name       string          `yaml:"name"`
	Protocol   string          `yaml:"protocol"`
	Role       string          `yaml:"role"` // input, output
	Address    string          `yaml:"address"`
	Parameters map[string]any  `yaml:"parameters"`
	Topics     []string        `yaml:"topics"`
	Reconnect  ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig holds the redial policy of a port.
type ReconnectConfig struct {
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	InitialBackoff   time.Duration `yaml:"initial_backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
	Multiplier       float64       `yaml:"multiplier"`
	Jitter           bool          `yaml:"jitter"`
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// OperationConfig declares a receiver. With Forward set, messages are
// published through the named output port; otherwise they are logged.
type OperationConfig struct {
	Name    string `yaml:"name"`
	Forward string `yaml:"forward"`
}

// ProtocolParameters returns a copy of the port parameters.
func (p PortConfig) ProtocolParameters() protocol.Parameters {
	params := make(protocol.Parameters, len(p.Parameters))
	for k, v := range p.Parameters {
		params[k] = v
	}
	return params
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			TCPAddr:         ":1883",
			TCPReadTimeout:  60 * time.Second,
			TCPWriteTimeout: 60 * time.Second,
			TLSClientAuth:   "none",

			WSEnabled: false,
			WSAddr:    ":8083",
			WSPath:    "/mqtt",

			HealthEnabled: true,
			HealthAddr:    ":8081",

			OtelEndpoint:        "localhost:4317",
			OtelServiceName:     "commcore",
			OtelServiceVersion:  "1.0.0",
			OtelMetricsEnabled:  true,
			OtelTracesEnabled:   false,
			OtelTraceSampleRate: 0.1,
			OtelExportInterval:  30 * time.Second,

			ShutdownTimeout: 30 * time.Second,
		},
		Dispatcher: DispatcherConfig{
			Ceiling: 50,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Inbound: InboundConfig{
			Name: "in",
		},
		RateLimit: ratelimit.DefaultConfig(),
	}
}

// DefaultReconnect returns the redial policy applied to ports that do
// not set one.
func DefaultReconnect() ReconnectConfig {
	return ReconnectConfig{
		DialTimeout:      5 * time.Second,
		InitialBackoff:   500 * time.Millisecond,
		MaxBackoff:       30 * time.Second,
		Multiplier:       2,
		Jitter:           true,
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

// Load reads configuration from a YAML file.
// If filename is empty or the file does not exist, returns default configuration.
func Load(filename string) (*Config, error) {
	cfg := Default()
	if filename == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	for i := range cfg.Ports {
		if cfg.Ports[i].Reconnect == (ReconnectConfig{}) {
			cfg.Ports[i].Reconnect = DefaultReconnect()
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.TCPAddr == "" {
		return fmt.Errorf("server.tcp_addr cannot be empty")
	}
	if c.Server.TLSEnabled {
		if c.Server.TLSCertFile == "" {
			return fmt.Errorf("server.tls_cert_file required when TLS is enabled")
		}
		if c.Server.TLSKeyFile == "" {
			return fmt.Errorf("server.tls_key_file required when TLS is enabled")
		}
		switch c.Server.TLSClientAuth {
		case "", "none":
		case "request", "require":
			if c.Server.TLSCAFile == "" {
				return fmt.Errorf("server.tls_ca_file required when tls_client_auth is '%s'", c.Server.TLSClientAuth)
			}
		default:
			return fmt.Errorf("server.tls_client_auth must be one of: none, request, require")
		}
	}
	if c.Server.WSEnabled && c.Server.WSAddr == "" {
		return fmt.Errorf("server.ws_addr cannot be empty when WebSocket is enabled")
	}
	if c.Server.HealthEnabled && c.Server.HealthAddr == "" {
		return fmt.Errorf("server.health_addr cannot be empty when health is enabled")
	}
	if c.Server.MetricsEnabled {
		if c.Server.OtelServiceName == "" {
			return fmt.Errorf("server.otel_service_name cannot be empty when metrics enabled")
		}
		if c.Server.OtelTraceSampleRate < 0 || c.Server.OtelTraceSampleRate > 1 {
			return fmt.Errorf("server.otel_trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	if c.Dispatcher.Ceiling < 1 {
		return fmt.Errorf("dispatcher.ceiling must be at least 1")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Inbound.Name == "" {
		return fmt.Errorf("inbound.name cannot be empty")
	}

	ports := make(map[string]protocol.Role, len(c.Ports))
	for i, p := range c.Ports {
		if p.Name == "" {
			return fmt.Errorf("ports[%d].name cannot be empty", i)
		}
		if _, ok := ports[p.Name]; ok {
			return fmt.Errorf("ports[%d].name '%s' is duplicated", i, p.Name)
		}
		if p.Protocol == "" {
			return fmt.Errorf("ports[%d].protocol cannot be empty", i)
		}
		if p.Address == "" {
			return fmt.Errorf("ports[%d].address cannot be empty", i)
		}
		role, err := protocol.ParseRole(p.Role)
		if err != nil {
			return fmt.Errorf("ports[%d].role must be one of: input, output", i)
		}
		if role == protocol.RoleInput && len(p.Topics) == 0 {
			return fmt.Errorf("ports[%d].topics required for input ports", i)
		}
		if p.Reconnect.Multiplier != 0 && p.Reconnect.Multiplier < 1 {
			return fmt.Errorf("ports[%d].reconnect.multiplier must be at least 1.0", i)
		}
		if p.Reconnect.FailureThreshold < 0 {
			return fmt.Errorf("ports[%d].reconnect.failure_threshold cannot be negative", i)
		}
		ports[p.Name] = role
	}
	// Every port holds one dispatcher slot for as long as it runs.
	if len(c.Ports) >= c.Dispatcher.Ceiling {
		return fmt.Errorf("dispatcher.ceiling must exceed the number of ports (%d)", len(c.Ports))
	}

	ops := make(map[string]struct{}, len(c.Operations))
	for i, op := range c.Operations {
		if op.Name == "" {
			return fmt.Errorf("operations[%d].name cannot be empty", i)
		}
		if _, ok := ops[op.Name]; ok {
			return fmt.Errorf("operations[%d].name '%s' is duplicated", i, op.Name)
		}
		ops[op.Name] = struct{}{}
		if op.Forward == "" {
			continue
		}
		role, ok := ports[op.Forward]
		if !ok {
			return fmt.Errorf("operations[%d].forward references unknown port '%s'", i, op.Forward)
		}
		if role != protocol.RoleOutput {
			return fmt.Errorf("operations[%d].forward port '%s' must be an output port", i, op.Forward)
		}
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Connection.Enabled && (c.RateLimit.Connection.Rate <= 0 || c.RateLimit.Connection.Burst < 1) {
			return fmt.Errorf("ratelimit.connection rate and burst must be positive")
		}
		if c.RateLimit.Operation.Enabled && (c.RateLimit.Operation.Rate <= 0 || c.RateLimit.Operation.Burst < 1) {
			return fmt.Errorf("ratelimit.operation rate and burst must be positive")
		}
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
