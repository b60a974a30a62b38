// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"

	llmux "github.com/eugener/llmux/internal"
)

// Config is the top-level proxy configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`

	// GatekeeperStore selects the persistence backend: "memory" or "sqlite".
	GatekeeperStore string         `yaml:"gatekeeper_store"`
	Database        DatabaseConfig `yaml:"database"`

	// AdminKey guards the admin API. Generated at startup when empty.
	AdminKey string `yaml:"admin_key"`

	// MaxIPsPerUser caps the distinct client IPs a token may be used from
	// before it is disabled. 0 disables the cap.
	MaxIPsPerUser int `yaml:"max_ips_per_user"`

	// QuotaRefreshPeriod is "hourly", "daily", or a 5-field cron expression.
	// Empty disables the refresh.
	QuotaRefreshPeriod string `yaml:"quota_refresh_period"`

	// TokenQuota is the per-family token allowance applied on refresh and to
	// newly created users. Absent families are unlimited.
	TokenQuota map[llmux.ModelFamily]int64 `yaml:"token_quota"`

	// AllowedModelFamilies filters the served model list and rejects
	// requests outside it. Empty allows every known family.
	AllowedModelFamilies []llmux.ModelFamily `yaml:"allowed_model_families"`

	PromptLogging bool `yaml:"prompt_logging"`

	// RejectedPhrases are substrings that cause a prompt to be refused.
	RejectedPhrases []string `yaml:"rejected_phrases"`
	// BlockedOrigins are Origin/Referer substrings refused with the spoofed
	// account-disabled response.
	BlockedOrigins []string `yaml:"blocked_origins"`

	Providers []ProviderEntry `yaml:"providers"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"` // long: covers SSE streams
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// ProviderEntry is one upstream service's key list.
type ProviderEntry struct {
	Service llmux.Service `yaml:"service"`
	Keys    []KeyEntry    `yaml:"keys"`
}

// KeyEntry is a single upstream credential.
type KeyEntry struct {
	// Secret is the provider credential. For AWS it is either
	// "accessKeyId:secretAccessKey" or the literal "default" for the ambient
	// credential chain.
	Secret string `yaml:"secret"`
	// Trial marks a free-tier key, which sits out rate limits twice as long.
	Trial bool `yaml:"trial"`
	// Families overrides the model families the key serves. Empty derives
	// the service's full family set.
	Families []llmux.ModelFamily `yaml:"families"`
	// Meta carries service-specific attributes: org_id (OpenAI), region
	// (AWS), auth=oauth (Google).
	Meta map[string]string `yaml:"meta"`
}

// serviceFamilies is the default family set each service's keys serve.
var serviceFamilies = map[llmux.Service][]llmux.ModelFamily{
	llmux.ServiceOpenAI: {
		llmux.FamilyTurbo, llmux.FamilyGPT4, llmux.FamilyGPT432K,
		llmux.FamilyGPT4Turbo, llmux.FamilyDallE,
	},
	llmux.ServiceAnthropic: {llmux.FamilyClaude},
	llmux.ServiceGoogle:    {llmux.FamilyBison},
	llmux.ServiceAWS:       {llmux.FamilyAWSClaude},
	llmux.ServiceMistral: {
		llmux.FamilyMistralTiny, llmux.FamilyMistralSmall,
		llmux.FamilyMistralMedium, llmux.FamilyMistralLarge,
	},
}

// ResolvedFamilies returns the key's family set, deriving the service
// default when unset.
func (k KeyEntry) ResolvedFamilies(service llmux.Service) []llmux.ModelFamily {
	if len(k.Families) > 0 {
		return k.Families
	}
	return serviceFamilies[service]
}

// FamilyAllowed reports whether f passes the allow-list.
func (c *Config) FamilyAllowed(f llmux.ModelFamily) bool {
	if len(c.AllowedModelFamilies) == 0 {
		return true
	}
	for _, a := range c.AllowedModelFamilies {
		if a == f {
			return true
		}
	}
	return false
}

// Validate checks option values that cannot be caught by YAML parsing.
func (c *Config) Validate() error {
	switch c.GatekeeperStore {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("config: gatekeeper_store %q (want memory or sqlite)", c.GatekeeperStore)
	}
	for _, p := range c.Providers {
		switch p.Service {
		case llmux.ServiceOpenAI, llmux.ServiceAnthropic, llmux.ServiceGoogle,
			llmux.ServiceAWS, llmux.ServiceMistral:
		default:
			return fmt.Errorf("config: unknown service %q", p.Service)
		}
		for i, k := range p.Keys {
			if k.Secret == "" {
				return fmt.Errorf("config: %s key %d has empty secret", p.Service, i)
			}
		}
	}
	return nil
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Defaults returns a config with every option at its default value.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:        ":7860",
			ReadTimeout: 30 * time.Second,
			// Streams run up to the upstream request timeout.
			WriteTimeout:    11 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
		GatekeeperStore:    "memory",
		Database:           DatabaseConfig{DSN: "llmux.db"},
		QuotaRefreshPeriod: "daily",
		PromptLogging:      false,
	}
}
