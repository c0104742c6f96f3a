package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// RedisConfig holds the host store connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`     // localhost:6379
	Password string `yaml:"password"` //
	DB       int    `yaml:"db"`       // 0
	ShardID  string `yaml:"shard_id"` // override the generated shard id
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`   // default: true
	Addr      string `yaml:"addr"`      // :9121
	Namespace string `yaml:"namespace"` // pulsar
}

// TracingConfig holds the OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`      // default: false
	Exporter    string  `yaml:"exporter"`     // otlp-http
	Endpoint    string  `yaml:"endpoint"`     // localhost:4318
	ServiceName string  `yaml:"service_name"` // pulsar
	SampleRate  float64 `yaml:"sample_rate"`  // 1.0
}

// EngineConfig holds the dynamic engine keys' boot values.
type EngineConfig struct {
	MaxExecutions                int64 `yaml:"max_executions"`
	MaxExecutionsPerRegistration int64 `yaml:"max_executions_per_registration"`
	ProfileExecutions            bool  `yaml:"profile_executions"`
	ExecutionThreads             int64 `yaml:"execution_threads"`
	ExecutionMaxIdleTimeMs       int64 `yaml:"execution_max_idle_time_ms"`
	SendMsgRetries               int64 `yaml:"send_msg_retries"`
}

// DaemonConfig is the pulsard configuration file.
type DaemonConfig struct {
	ListenAddr string        `yaml:"listen_addr"` // :6480
	LogLevel   string        `yaml:"log_level"`   // info
	LogFormat  string        `yaml:"log_format"`  // text, json
	Redis      RedisConfig   `yaml:"redis"`
	Metrics    MetricsConfig `yaml:"metrics"`
	Tracing    TracingConfig `yaml:"tracing"`
	Engine     EngineConfig  `yaml:"engine"`
}

// DefaultDaemonConfig returns the daemon defaults.
func DefaultDaemonConfig() *DaemonConfig {
	return &DaemonConfig{
		ListenAddr: ":6480",
		LogLevel:   "info",
		LogFormat:  "text",
		Redis:      RedisConfig{Addr: "localhost:6379"},
		Metrics:    MetricsConfig{Enabled: true, Addr: ":9121", Namespace: "pulsar"},
		Tracing:    TracingConfig{Exporter: "otlp-http", Endpoint: "localhost:4318", ServiceName: "pulsar", SampleRate: 1.0},
		Engine: EngineConfig{
			MaxExecutions:                DefaultMaxExecutions,
			MaxExecutionsPerRegistration: DefaultMaxExecutionsPerRegistration,
			ExecutionThreads:             DefaultExecutionThreads,
			ExecutionMaxIdleTimeMs:       DefaultExecutionMaxIdleTime.Milliseconds(),
			SendMsgRetries:               DefaultSendMsgRetries,
		},
	}
}

// LoadDaemonConfig reads a YAML config file over the defaults.
func LoadDaemonConfig(path string) (*DaemonConfig, error) {
	cfg := DefaultDaemonConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// LoadDaemonEnv applies PULSAR_* environment overrides.
func LoadDaemonEnv(cfg *DaemonConfig) {
	if v := os.Getenv("PULSAR_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("PULSAR_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("PULSAR_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}
	if v := os.Getenv("PULSAR_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PULSAR_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
}

// ApplyEngine pushes the boot values into the dynamic engine configuration.
func (dc *DaemonConfig) ApplyEngine(e *Engine) error {
	pairs := map[string]string{
		"MaxExecutions":                strconv.FormatInt(dc.Engine.MaxExecutions, 10),
		"MaxExecutionsPerRegistration": strconv.FormatInt(dc.Engine.MaxExecutionsPerRegistration, 10),
		"ExecutionThreads":             strconv.FormatInt(dc.Engine.ExecutionThreads, 10),
		"ExecutionMaxIdleTime":         strconv.FormatInt(dc.Engine.ExecutionMaxIdleTimeMs, 10),
		"SendMsgRetries":               strconv.FormatInt(dc.Engine.SendMsgRetries, 10),
	}
	if dc.Engine.ProfileExecutions {
		pairs["ProfileExecutions"] = "1"
	}
	for key, value := range pairs {
		if err := e.Set(key, value); err != nil {
			return err
		}
	}
	return nil
}
