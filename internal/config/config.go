package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the typed daemon configuration, loaded once at startup.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Backend   BackendConfig   `yaml:"backend"`
	Contexts  ContextsConfig  `yaml:"contexts"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig describes the inbound HTTP listener.
type ServerConfig struct {
	Listen string `yaml:"listen"`
	// APIKey, when set, must be presented by clients as a bearer token. The
	// proxy validates it but implements no further auth policy.
	APIKey         string        `yaml:"api_key"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// BackendConfig describes the Lightspeed assistant service the proxy
// bridges to, plus the context metadata the OpenAI protocol cannot carry.
type BackendConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
	// Model is the identifier advertised on /v1/models and echoed in
	// responses.
	Model string `yaml:"model"`

	WorkingDirectory string   `yaml:"working_directory"`
	AllowedTools     []string `yaml:"allowed_tools"`
	SystemPrompt     string   `yaml:"system_prompt"`

	Auth AuthConfig `yaml:"auth"`
}

// AuthConfig selects how the backend bearer token is obtained.
type AuthConfig struct {
	// Source is one of "none", "static", "env", "file".
	Source    string `yaml:"source"`
	Token     string `yaml:"token"`
	TokenFile string `yaml:"token_file"`
}

// ContextsConfig controls the registry's idle-TTL eviction.
type ContextsConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

type TelemetryConfig struct {
	// OTLPEndpoint enables trace export when non-empty, e.g. "localhost:4318".
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:         "127.0.0.1:8085",
			RequestTimeout: 120 * time.Second,
		},
		Backend: BackendConfig{
			BaseURL: "http://127.0.0.1:8080",
			Timeout: 60 * time.Second,
			Model:   "lightspeed",
			Auth:    AuthConfig{Source: "none"},
		},
		Contexts: ContextsConfig{
			TTL:           30 * time.Minute,
			SweepInterval: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "lightspeed_proxy",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads a YAML config file on top of the defaults and validates the
// result. A missing file is not an error; the defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen must not be empty")
	}
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url must not be empty")
	}
	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("server.request_timeout must be positive")
	}
	if c.Backend.Timeout <= 0 {
		return fmt.Errorf("backend.timeout must be positive")
	}
	if c.Contexts.TTL <= 0 {
		return fmt.Errorf("contexts.ttl must be positive")
	}
	if c.Contexts.SweepInterval <= 0 {
		return fmt.Errorf("contexts.sweep_interval must be positive")
	}
	switch c.Backend.Auth.Source {
	case "", "none", "static", "env", "file":
	default:
		return fmt.Errorf("backend.auth.source %q is not one of none, static, env, file", c.Backend.Auth.Source)
	}
	if c.Backend.Auth.Source == "static" && c.Backend.Auth.Token == "" {
		return fmt.Errorf("backend.auth.token is required when source is static")
	}
	if c.Backend.Auth.Source == "file" && c.Backend.Auth.TokenFile == "" {
		return fmt.Errorf("backend.auth.token_file is required when source is file")
	}
	return nil
}
