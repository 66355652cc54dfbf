// Package config provides configuration management for the bridge.
//
// Configuration is loaded in order of precedence (highest to lowest):
// 1. Command line flags
// 2. Environment variables (TOOLBRIDGE_*, plus PORT and TOOL_SERVER_PATH)
// 3. Configuration file
// 4. Default values
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment variable the bridge reads.
const EnvPrefix = "TOOLBRIDGE"

// Config represents the complete bridge configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Subprocess SubprocessConfig `mapstructure:"subprocess" yaml:"subprocess"`
	Request    RequestConfig    `mapstructure:"request" yaml:"request"`
	Reconnect  ReconnectConfig  `mapstructure:"reconnect" yaml:"reconnect"`
	Session    SessionConfig    `mapstructure:"session" yaml:"session"`
	Queue      QueueConfig      `mapstructure:"queue" yaml:"queue"`
	WebSocket  WebSocketConfig  `mapstructure:"websocket" yaml:"websocket"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
}

// ServerConfig contains HTTP listener configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	PublicURL       string        `mapstructure:"public_url" yaml:"public_url"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// SubprocessConfig describes the tool server process
type SubprocessConfig struct {
	Command     string        `mapstructure:"command" yaml:"command"`
	Args        []string      `mapstructure:"args" yaml:"args"`
	WorkingDir  string        `mapstructure:"working_dir" yaml:"working_dir"`
	Env         []string      `mapstructure:"env" yaml:"env"`
	WarmUp      time.Duration `mapstructure:"warm_up" yaml:"warm_up"`
	StopTimeout time.Duration `mapstructure:"stop_timeout" yaml:"stop_timeout"`
	StderrLines int           `mapstructure:"stderr_lines" yaml:"stderr_lines"`
}

// RequestConfig contains the pending request policy
type RequestConfig struct {
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// ReconnectConfig contains the reconnection backoff policy
type ReconnectConfig struct {
	InitialDelay time.Duration `mapstructure:"initial_delay" yaml:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	MaxAttempts  int           `mapstructure:"max_attempts" yaml:"max_attempts"`
}

// SessionConfig contains session lifetime configuration
type SessionConfig struct {
	MaxIdle       time.Duration `mapstructure:"max_idle" yaml:"max_idle"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

// QueueConfig bounds the outage queue. Zero means unbounded.
type QueueConfig struct {
	MaxSize int `mapstructure:"max_size" yaml:"max_size"`
}

// WebSocketConfig contains push channel configuration
type WebSocketConfig struct {
	PingInterval time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	OutputFile string `mapstructure:"output_file" yaml:"output_file"`
	Verbose    bool   `mapstructure:"verbose" yaml:"verbose"`
}

// MetricsConfig controls the prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			AllowedOrigins:  []string{"*"},
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    45 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Subprocess: SubprocessConfig{
			WarmUp:      2 * time.Second,
			StopTimeout: 5 * time.Second,
			StderrLines: 1000,
		},
		Request: RequestConfig{
			Timeout: 30 * time.Second,
		},
		Reconnect: ReconnectConfig{
			InitialDelay: 1 * time.Second,
			MaxDelay:     30 * time.Second,
			MaxAttempts:  5,
		},
		Session: SessionConfig{
			MaxIdle:       30 * time.Minute,
			SweepInterval: 60 * time.Second,
		},
		Queue: QueueConfig{
			MaxSize: 1000,
		},
		WebSocket: WebSocketConfig{
			PingInterval: 30 * time.Second,
			WriteTimeout: 10 * time.Second,
			ReadTimeout:  60 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// LoadConfig loads configuration from defaults, an optional file and the
// environment.
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()
	if err := Bind(v); err != nil {
		return nil, err
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("toolbridge")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.toolbridge")
		v.AddConfigPath("/etc/toolbridge")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			if configFile != "" {
				return nil, fmt.Errorf("config file not found: %s", configFile)
			}
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return Decode(v)
}

// Bind installs defaults and environment bindings on v. Callers that also
// bind cobra flags do so after Bind and before Decode.
func Bind(v *viper.Viper) error {
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The two scalars a deployment usually sets have short aliases.
	if err := v.BindEnv("server.port", GetEnvVarName("server.port"), "PORT"); err != nil {
		return fmt.Errorf("failed to bind port: %w", err)
	}
	if err := v.BindEnv("subprocess.command", GetEnvVarName("subprocess.command"), "TOOL_SERVER_PATH"); err != nil {
		return fmt.Errorf("failed to bind subprocess command: %w", err)
	}
	return nil
}

// Decode unmarshals and validates the configuration held by v.
func Decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default values in viper
func setDefaults(v *viper.Viper) {
	defaults := DefaultConfig()

	v.SetDefault("server.host", defaults.Server.Host)
	v.SetDefault("server.port", defaults.Server.Port)
	v.SetDefault("server.public_url", defaults.Server.PublicURL)
	v.SetDefault("server.allowed_origins", defaults.Server.AllowedOrigins)
	v.SetDefault("server.read_timeout", defaults.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", defaults.Server.WriteTimeout)
	v.SetDefault("server.shutdown_timeout", defaults.Server.ShutdownTimeout)

	v.SetDefault("subprocess.command", defaults.Subprocess.Command)
	v.SetDefault("subprocess.args", defaults.Subprocess.Args)
	v.SetDefault("subprocess.working_dir", defaults.Subprocess.WorkingDir)
	v.SetDefault("subprocess.env", defaults.Subprocess.Env)
	v.SetDefault("subprocess.warm_up", defaults.Subprocess.WarmUp)
	v.SetDefault("subprocess.stop_timeout", defaults.Subprocess.StopTimeout)
	v.SetDefault("subprocess.stderr_lines", defaults.Subprocess.StderrLines)

	v.SetDefault("request.timeout", defaults.Request.Timeout)

	v.SetDefault("reconnect.initial_delay", defaults.Reconnect.InitialDelay)
	v.SetDefault("reconnect.max_delay", defaults.Reconnect.MaxDelay)
	v.SetDefault("reconnect.max_attempts", defaults.Reconnect.MaxAttempts)

	v.SetDefault("session.max_idle", defaults.Session.MaxIdle)
	v.SetDefault("session.sweep_interval", defaults.Session.SweepInterval)

	v.SetDefault("queue.max_size", defaults.Queue.MaxSize)

	v.SetDefault("websocket.ping_interval", defaults.WebSocket.PingInterval)
	v.SetDefault("websocket.write_timeout", defaults.WebSocket.WriteTimeout)
	v.SetDefault("websocket.read_timeout", defaults.WebSocket.ReadTimeout)

	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.format", defaults.Logging.Format)
	v.SetDefault("logging.output_file", defaults.Logging.OutputFile)
	v.SetDefault("logging.verbose", defaults.Logging.Verbose)

	v.SetDefault("metrics.enabled", defaults.Metrics.Enabled)
	v.SetDefault("metrics.path", defaults.Metrics.Path)
}

// validateConfig validates the loaded configuration
func validateConfig(config *Config) error {
	if config.Server.Host == "" {
		return fmt.Errorf("server.host cannot be empty")
	}

	if config.Server.Port < 1 || config.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", config.Server.Port)
	}

	if config.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be positive, got %v", config.Server.ShutdownTimeout)
	}

	if config.Subprocess.WarmUp < 0 {
		return fmt.Errorf("subprocess.warm_up must be non-negative, got %v", config.Subprocess.WarmUp)
	}

	if config.Subprocess.StopTimeout <= 0 {
		return fmt.Errorf("subprocess.stop_timeout must be positive, got %v", config.Subprocess.StopTimeout)
	}

	if config.Subprocess.StderrLines < 1 {
		return fmt.Errorf("subprocess.stderr_lines must be at least 1, got %d", config.Subprocess.StderrLines)
	}

	if config.Request.Timeout <= 0 {
		return fmt.Errorf("request.timeout must be positive, got %v", config.Request.Timeout)
	}

	if config.Reconnect.InitialDelay <= 0 {
		return fmt.Errorf("reconnect.initial_delay must be positive, got %v", config.Reconnect.InitialDelay)
	}

	if config.Reconnect.MaxDelay < config.Reconnect.InitialDelay {
		return fmt.Errorf("reconnect.max_delay (%v) must not be below reconnect.initial_delay (%v)",
			config.Reconnect.MaxDelay, config.Reconnect.InitialDelay)
	}

	if config.Reconnect.MaxAttempts < 1 {
		return fmt.Errorf("reconnect.max_attempts must be at least 1, got %d", config.Reconnect.MaxAttempts)
	}

	if config.Session.MaxIdle <= 0 {
		return fmt.Errorf("session.max_idle must be positive, got %v", config.Session.MaxIdle)
	}

	if config.Session.SweepInterval <= 0 {
		return fmt.Errorf("session.sweep_interval must be positive, got %v", config.Session.SweepInterval)
	}

	if config.Queue.MaxSize < 0 {
		return fmt.Errorf("queue.max_size must be non-negative, got %d", config.Queue.MaxSize)
	}

	if config.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("websocket.ping_interval must be positive, got %v", config.WebSocket.PingInterval)
	}

	if config.WebSocket.ReadTimeout <= config.WebSocket.PingInterval {
		return fmt.Errorf("websocket.read_timeout (%v) must exceed websocket.ping_interval (%v)",
			config.WebSocket.ReadTimeout, config.WebSocket.PingInterval)
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[config.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error, got %s", config.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"text": true, "json": true,
	}
	if !validLogFormats[config.Logging.Format] {
		return fmt.Errorf("logging.format must be 'text' or 'json', got %s", config.Logging.Format)
	}

	if config.Metrics.Enabled && !strings.HasPrefix(config.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with '/', got %q", config.Metrics.Path)
	}

	return nil
}

// Address returns the listen address for the HTTP server.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetEnvVarName returns the environment variable name for a config key
func GetEnvVarName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}
