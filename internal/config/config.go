package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/basket/sdoh-analyst/internal/policy"
)

// ProviderConfig holds per-provider LLM credentials.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// LLMConfig selects the oracle backend.
type LLMConfig struct {
	// Provider is one of google, anthropic, openai, openai_compatible, openrouter.
	Provider string `yaml:"provider" validate:"oneof=google anthropic openai openai_compatible openrouter"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url" validate:"omitempty,url"`

	// CompatibleProvider names the model prefix for openai_compatible.
	CompatibleProvider string `yaml:"compatible_provider"`
}

type LoopConfig struct {
	MaxIterations   int           `yaml:"max_iterations" validate:"min=1,max=100"`
	Deadline        time.Duration `yaml:"deadline" validate:"min=1s"`
	CarryTranscript bool          `yaml:"carry_transcript"`
}

type SQLConfig struct {
	RowCap             int           `yaml:"row_cap" validate:"min=1,max=100000"`
	StatementTimeout   time.Duration `yaml:"statement_timeout" validate:"min=100ms"`
	MaxJoins           int           `yaml:"max_joins" validate:"min=0"`
	MaxEstimatedRows   int64         `yaml:"max_estimated_rows" validate:"min=1"`
	DefaultRowEstimate int64         `yaml:"default_row_estimate" validate:"min=1"`
	AllowWildcard      bool          `yaml:"allow_wildcard"`
}

type WarehouseConfig struct {
	Driver string `yaml:"driver" validate:"oneof=postgres sqlite"`
	DSN    string `yaml:"dsn"`
	Schema string `yaml:"schema"`
	// Refresh is a cron spec for re-reading the schema while serving.
	// Empty disables it.
	Refresh string `yaml:"refresh"`
}

type ColumnsConfig struct {
	K         int     `yaml:"k" validate:"min=1,max=50"`
	Threshold float64 `yaml:"threshold" validate:"min=0,max=1"`
	// Dictionary is a CSV of table,column,description rows. Relative
	// paths resolve against the home directory.
	Dictionary string `yaml:"dictionary"`
}

type MCPServerConfig struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url" validate:"omitempty,url"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	Token   string            `yaml:"token"`
}

type GeoConfig struct {
	Enabled           bool            `yaml:"enabled"`
	OverpassURL       string          `yaml:"overpass_url" validate:"omitempty,url"`
	NominatimURL      string          `yaml:"nominatim_url" validate:"omitempty,url"`
	UserAgent         string          `yaml:"user_agent"`
	RequestsPerSecond float64         `yaml:"requests_per_second" validate:"gt=0"`
	Timeout           time.Duration   `yaml:"timeout" validate:"min=1s"`
	MCP               MCPServerConfig `yaml:"mcp"`
}

type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter" validate:"omitempty,oneof=otlp-http stdout none"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate" validate:"min=0,max=1"`
}

type ServerConfig struct {
	BindAddr string `yaml:"bind_addr" validate:"required,hostname_port"`
	// AuthToken, when set, is required as a bearer token on /v1 routes.
	AuthToken         string `yaml:"auth_token"`
	RequestsPerMinute int    `yaml:"requests_per_minute" validate:"min=0"`
	Burst             int    `yaml:"burst" validate:"min=0"`
	// TrustProxy reads the client IP from proxy headers for rate limiting.
	TrustProxy bool `yaml:"trust_proxy"`
}

// RetentionConfig bounds how long the turn ledger and audit rows are kept.
type RetentionConfig struct {
	Schedule  string `yaml:"schedule"`
	TurnDays  int    `yaml:"turn_days" validate:"min=0"`
	AuditDays int    `yaml:"audit_days" validate:"min=0"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`

	LLM       LLMConfig                 `yaml:"llm"`
	Providers map[string]ProviderConfig `yaml:"providers"`

	Loop      LoopConfig      `yaml:"loop"`
	SQL       SQLConfig       `yaml:"sql"`
	Warehouse WarehouseConfig `yaml:"warehouse"`
	Columns   ColumnsConfig   `yaml:"columns"`
	Geo       GeoConfig       `yaml:"geo"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Server    ServerConfig    `yaml:"server"`
	Retention RetentionConfig `yaml:"retention"`
	Policy    policy.Policy   `yaml:"policy"`

	// NeedsSetup is set when no config.yaml exists yet.
	NeedsSetup bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// DictionaryPath resolves the data dictionary location.
func (c Config) DictionaryPath() string {
	p := strings.TrimSpace(c.Columns.Dictionary)
	if p == "" {
		p = "dictionary.csv"
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.HomeDir, p)
}

// ProviderAPIKey returns the API key for the given provider, checking env
// overrides first.
func (c Config) ProviderAPIKey(provider string) string {
	envMap := map[string][]string{
		"google":            {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
		"anthropic":         {"ANTHROPIC_API_KEY"},
		"openai":            {"OPENAI_API_KEY"},
		"openai_compatible": {"OPENAI_API_KEY"},
		"openrouter":        {"OPENROUTER_API_KEY"},
	}
	for _, envVar := range envMap[provider] {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if p, ok := c.Providers[provider]; ok {
		return p.APIKey
	}
	return ""
}

// Fingerprint returns a stable hash of the settings that change turn
// behavior. Secrets are not part of it.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "llm=%s/%s|loop=%d/%s|sql=%d/%s/%d/%d|wh=%s/%s|cols=%d/%g",
		c.LLM.Provider, c.LLM.Model,
		c.Loop.MaxIterations, c.Loop.Deadline,
		c.SQL.RowCap, c.SQL.StatementTimeout, c.SQL.MaxJoins, c.SQL.MaxEstimatedRows,
		c.Warehouse.Driver, c.Warehouse.Schema,
		c.Columns.K, c.Columns.Threshold)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		LLM:      LLMConfig{Provider: "google"},
		Loop: LoopConfig{
			MaxIterations: 10,
			Deadline:      2 * time.Minute,
		},
		SQL: SQLConfig{
			RowCap:             200,
			StatementTimeout:   30 * time.Second,
			MaxJoins:           6,
			MaxEstimatedRows:   100_000,
			DefaultRowEstimate: 10_000,
		},
		Warehouse: WarehouseConfig{Driver: "sqlite"},
		Columns:   ColumnsConfig{K: 6, Threshold: 0.1},
		Geo: GeoConfig{
			RequestsPerSecond: 1,
			Timeout:           30 * time.Second,
		},
		Telemetry: TelemetryConfig{Exporter: "none", SampleRate: 1},
		Server:    ServerConfig{BindAddr: "127.0.0.1:18790", RequestsPerMinute: 30, Burst: 5},
		Retention: RetentionConfig{Schedule: "0 3 * * *", TurnDays: 90, AuditDays: 30},
	}
}

func HomeDir() string {
	if override := os.Getenv("ANALYST_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".analyst")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml from homeDir, creating the directory if needed.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create analyst home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
		cfg.NeedsSetup = true
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks field constraints. The error names every failing field.
func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s (%s=%v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Warehouse.Driver == "postgres" && strings.TrimSpace(cfg.Warehouse.DSN) == "" {
		return fmt.Errorf("invalid config: warehouse.dsn is required for postgres")
	}
	if err := cfg.Policy.Validate(); err != nil {
		return fmt.Errorf("invalid config: policy: %w", err)
	}
	return nil
}

func normalize(cfg *Config) {
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	switch cfg.LLM.Provider {
	case "", "gemini", "googleai":
		cfg.LLM.Provider = "google"
	}
	cfg.Warehouse.Driver = strings.ToLower(strings.TrimSpace(cfg.Warehouse.Driver))
	switch cfg.Warehouse.Driver {
	case "", "sqlite3":
		cfg.Warehouse.Driver = "sqlite"
	case "postgresql", "pgx":
		cfg.Warehouse.Driver = "postgres"
	}
	if cfg.Warehouse.Driver == "sqlite" && cfg.Warehouse.DSN == "" {
		cfg.Warehouse.DSN = filepath.Join(cfg.HomeDir, "warehouse.db")
	}
	if cfg.Warehouse.Schema == "" {
		if cfg.Warehouse.Driver == "postgres" {
			cfg.Warehouse.Schema = "public"
		} else {
			cfg.Warehouse.Schema = "main"
		}
	}
	if cfg.Geo.RequestsPerSecond <= 0 {
		cfg.Geo.RequestsPerSecond = 1
	}
	if cfg.Telemetry.Exporter == "" {
		cfg.Telemetry.Exporter = "none"
	}
}

func applyEnvOverrides(cfg *Config) {
	str := func(name string, dst *string) {
		if raw := os.Getenv(name); raw != "" {
			*dst = raw
		}
	}
	str("ANALYST_LOG_LEVEL", &cfg.LogLevel)
	str("ANALYST_LLM_PROVIDER", &cfg.LLM.Provider)
	str("ANALYST_LLM_MODEL", &cfg.LLM.Model)
	str("ANALYST_LLM_BASE_URL", &cfg.LLM.BaseURL)
	str("ANALYST_WAREHOUSE_DRIVER", &cfg.Warehouse.Driver)
	str("ANALYST_WAREHOUSE_DSN", &cfg.Warehouse.DSN)
	str("ANALYST_WAREHOUSE_SCHEMA", &cfg.Warehouse.Schema)
	str("ANALYST_DICTIONARY", &cfg.Columns.Dictionary)
	str("ANALYST_BIND_ADDR", &cfg.Server.BindAddr)
	str("ANALYST_API_TOKEN", &cfg.Server.AuthToken)
	str("ANALYST_OVERPASS_URL", &cfg.Geo.OverpassURL)
	str("ANALYST_NOMINATIM_URL", &cfg.Geo.NominatimURL)
	str("ANALYST_OTEL_EXPORTER", &cfg.Telemetry.Exporter)
	str("ANALYST_OTEL_ENDPOINT", &cfg.Telemetry.Endpoint)

	if raw := os.Getenv("ANALYST_MAX_ITERATIONS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Loop.MaxIterations = v
		}
	}
	if raw := os.Getenv("ANALYST_TURN_DEADLINE"); raw != "" {
		if v, err := time.ParseDuration(raw); err == nil {
			cfg.Loop.Deadline = v
		}
	}
	if raw := os.Getenv("ANALYST_ROW_CAP"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.SQL.RowCap = v
		}
	}
	if raw := os.Getenv("ANALYST_STATEMENT_TIMEOUT"); raw != "" {
		if v, err := time.ParseDuration(raw); err == nil {
			cfg.SQL.StatementTimeout = v
		}
	}
	if raw := os.Getenv("ANALYST_GEO_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Geo.Enabled = v
		}
	}
	if raw := os.Getenv("ANALYST_OTEL_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Telemetry.Enabled = v
		}
	}
}
