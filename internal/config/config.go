package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/longregen/promptlab/internal/domain/models"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for promptlab
type Config struct {
	LLM          LLMConfig          `json:"llm" yaml:"llm"`
	Database     DatabaseConfig     `json:"database" yaml:"database"`
	Server       ServerConfig       `json:"server" yaml:"server"`
	Optimization OptimizationConfig `json:"optimization" yaml:"optimization"`
	Limits       LimitsConfig       `json:"limits" yaml:"limits"`
	Logging      LoggingConfig      `json:"logging" yaml:"logging"`
	Tracing      TracingConfig      `json:"tracing" yaml:"tracing"`
}

// LLMConfig holds the OpenAI-compatible endpoint used for generation and
// optimization.
type LLMConfig struct {
	URL               string   `json:"url" yaml:"url"`
	APIKey            string   `json:"api_key" yaml:"api_key"`
	Model             string   `json:"model" yaml:"model"`
	MaxTokens         int      `json:"max_tokens" yaml:"max_tokens"`
	Temperature       float64  `json:"temperature" yaml:"temperature"`
	Timeout           Duration `json:"timeout" yaml:"timeout"`
	RequestsPerSecond float64  `json:"requests_per_second" yaml:"requests_per_second"` // 0 disables limiting
	Burst             int      `json:"burst" yaml:"burst"`
	MaxRetries        int      `json:"max_retries" yaml:"max_retries"`
}

// Database drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DatabaseConfig selects the lineage store
type DatabaseConfig struct {
	Driver      string `json:"driver" yaml:"driver"`
	URL         string `json:"url" yaml:"url"`                 // postgres
	SQLitePath  string `json:"sqlite_path" yaml:"sqlite_path"` // sqlite (CLI mode)
	AutoMigrate bool   `json:"auto_migrate" yaml:"auto_migrate"`
}

// ServerConfig holds API server configuration
type ServerConfig struct {
	Host        string   `json:"host" yaml:"host"`
	Port        int      `json:"port" yaml:"port"`
	CORSOrigins []string `json:"cors_origins" yaml:"cors_origins"`
}

// OptimizationConfig tunes strategy selection and execution
type OptimizationConfig struct {
	Thresholds          models.StrategyThresholds `json:"thresholds" yaml:"thresholds"`
	StrategyTimeout     Duration                  `json:"strategy_timeout" yaml:"strategy_timeout"`
	StrategyTimeouts    map[string]Duration       `json:"strategy_timeouts,omitempty" yaml:"strategy_timeouts,omitempty"`
	MaxLLMRetries       int                       `json:"max_llm_retries" yaml:"max_llm_retries"`
	MaxDemos            int                       `json:"max_demos" yaml:"max_demos"`
	SearchTrials        int                       `json:"search_trials" yaml:"search_trials"`
	HoldoutFraction     float64                   `json:"holdout_fraction" yaml:"holdout_fraction"`
	FuzzyMatchThreshold float64                   `json:"fuzzy_match_threshold" yaml:"fuzzy_match_threshold"`
	FullGenerations     int                       `json:"full_generations" yaml:"full_generations"`
	FullPopulation      int                       `json:"full_population" yaml:"full_population"`
	ScoreCandidates     bool                      `json:"score_candidates" yaml:"score_candidates"`
	AllocationRetries   int                       `json:"allocation_retries" yaml:"allocation_retries"`
}

// LimitsConfig caps the length, in characters, of user supplied text
type LimitsConfig struct {
	Task     int `json:"task" yaml:"task"`
	Prompt   int `json:"prompt" yaml:"prompt"`
	Input    int `json:"input" yaml:"input"`
	Output   int `json:"output" yaml:"output"`
	Feedback int `json:"feedback" yaml:"feedback"`
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // text or json
}

type TracingConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".promptlab")

	return &Config{
		LLM: LLMConfig{
			URL:         "http://localhost:8000/v1",
			APIKey:      "",
			Model:       "Qwen/Qwen3-8B-AWQ",
			MaxTokens:   4096,
			Temperature: 0.7,
			Timeout:     Duration(2 * time.Minute),
			Burst:       1,
			MaxRetries:  2,
		},
		Database: DatabaseConfig{
			Driver:      DriverSQLite,
			SQLitePath:  filepath.Join(dataDir, "promptlab.db"),
			AutoMigrate: true,
		},
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000"},
		},
		Optimization: OptimizationConfig{
			Thresholds:          models.DefaultStrategyThresholds(),
			StrategyTimeout:     Duration(2 * time.Minute),
			MaxLLMRetries:       2,
			MaxDemos:            3,
			SearchTrials:        4,
			HoldoutFraction:     0.25,
			FuzzyMatchThreshold: 0.8,
			FullGenerations:     3,
			FullPopulation:      8,
			AllocationRetries:   3,
		},
		Limits: LimitsConfig{
			Task:     1000,
			Prompt:   10000,
			Input:    5000,
			Output:   10000,
			Feedback: 5000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// envString loads a string environment variable into the target pointer if set
func envString(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

// envInt loads an integer environment variable into the target pointer if set and valid
func envInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*target = i
		}
	}
}

// envFloat loads a float64 environment variable into the target pointer if set and valid
func envFloat(key string, target *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*target = f
		}
	}
}

func envBool(key string, target *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}

func envDuration(key string, target *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*target = Duration(d)
		}
	}
}

// envStringSlice loads a comma-separated environment variable into a string slice
func envStringSlice(key string, target *[]string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			*target = result
		}
	}
}

// Load loads configuration from the default config file locations and
// environment variables.
func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom is Load with an explicit config file. An empty path falls back
// to PROMPTLAB_CONFIG and the default locations.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	explicit := path != "" || os.Getenv("PROMPTLAB_CONFIG") != ""
	if path == "" {
		path = getConfigPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decodeFile(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	case explicit:
		return nil, fmt.Errorf("read config file: %w", err)
	}

	applyEnv(cfg)

	if cfg.Database.Driver == DriverSQLite && cfg.Database.SQLitePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.SQLitePath), 0755); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func decodeFile(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

func applyEnv(cfg *Config) {
	envString("PROMPTLAB_LLM_URL", &cfg.LLM.URL)
	envString("PROMPTLAB_LLM_API_KEY", &cfg.LLM.APIKey)
	envString("PROMPTLAB_LLM_MODEL", &cfg.LLM.Model)
	envInt("PROMPTLAB_LLM_MAX_TOKENS", &cfg.LLM.MaxTokens)
	envFloat("PROMPTLAB_LLM_TEMPERATURE", &cfg.LLM.Temperature)
	envDuration("PROMPTLAB_LLM_TIMEOUT", &cfg.LLM.Timeout)
	envFloat("PROMPTLAB_LLM_REQUESTS_PER_SECOND", &cfg.LLM.RequestsPerSecond)
	envInt("PROMPTLAB_LLM_MAX_RETRIES", &cfg.LLM.MaxRetries)

	envString("PROMPTLAB_DB_DRIVER", &cfg.Database.Driver)
	envString("PROMPTLAB_DATABASE_URL", &cfg.Database.URL)
	envString("PROMPTLAB_SQLITE_PATH", &cfg.Database.SQLitePath)
	envBool("PROMPTLAB_AUTO_MIGRATE", &cfg.Database.AutoMigrate)

	envString("PROMPTLAB_SERVER_HOST", &cfg.Server.Host)
	envInt("PROMPTLAB_SERVER_PORT", &cfg.Server.Port)
	envStringSlice("PROMPTLAB_CORS_ORIGINS", &cfg.Server.CORSOrigins)

	envInt("PROMPTLAB_FEW_SHOT_MIN", &cfg.Optimization.Thresholds.FewShotMin)
	envInt("PROMPTLAB_SEARCH_MIN", &cfg.Optimization.Thresholds.SearchMin)
	envInt("PROMPTLAB_FULL_MIN", &cfg.Optimization.Thresholds.FullMin)
	envDuration("PROMPTLAB_STRATEGY_TIMEOUT", &cfg.Optimization.StrategyTimeout)
	envInt("PROMPTLAB_MAX_LLM_RETRIES", &cfg.Optimization.MaxLLMRetries)
	envBool("PROMPTLAB_SCORE_CANDIDATES", &cfg.Optimization.ScoreCandidates)
	envInt("PROMPTLAB_ALLOCATION_RETRIES", &cfg.Optimization.AllocationRetries)

	envString("PROMPTLAB_LOG_LEVEL", &cfg.Logging.Level)
	envString("PROMPTLAB_LOG_FORMAT", &cfg.Logging.Format)
	envBool("PROMPTLAB_TRACING", &cfg.Tracing.Enabled)
}

// isValidURL validates that a URL has proper format
func isValidURL(urlStr string) bool {
	u, err := url.Parse(urlStr)
	return err == nil && u.Scheme != "" && u.Host != ""
}

// Validate checks that the configuration has valid values
func (c *Config) Validate() error {
	var errs []string

	// Server validation
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server port must be between 1 and 65535")
	}

	// LLM validation
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errs = append(errs, "LLM temperature must be between 0 and 2")
	}
	if c.LLM.MaxTokens < 1 {
		errs = append(errs, "LLM max_tokens must be positive")
	}
	if c.LLM.URL == "" {
		errs = append(errs, "LLM URL is required")
	} else if !isValidURL(c.LLM.URL) {
		errs = append(errs, "LLM URL must be a valid URL")
	}
	if c.LLM.Model == "" {
		errs = append(errs, "LLM model is required")
	}
	if c.LLM.Timeout <= 0 {
		errs = append(errs, "LLM timeout must be positive")
	}
	if c.LLM.RequestsPerSecond < 0 {
		errs = append(errs, "LLM requests_per_second must not be negative")
	}
	if c.LLM.MaxRetries < 0 {
		errs = append(errs, "LLM max_retries must not be negative")
	}

	// Database validation
	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.URL == "" {
			errs = append(errs, "database URL is required for the postgres driver")
		} else if !isValidURL(c.Database.URL) {
			errs = append(errs, "database URL must be a valid URL")
		}
	case DriverSQLite:
		if c.Database.SQLitePath == "" {
			errs = append(errs, "sqlite_path is required for the sqlite driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("database driver must be %q or %q", DriverPostgres, DriverSQLite))
	}

	// Optimization validation
	o := c.Optimization
	if err := o.Thresholds.Validate(); err != nil {
		errs = append(errs, "optimization thresholds: "+err.Error())
	}
	if o.StrategyTimeout <= 0 {
		errs = append(errs, "strategy_timeout must be positive")
	}
	for name, d := range o.StrategyTimeouts {
		if _, err := models.ParseStrategy(name); err != nil {
			errs = append(errs, "strategy_timeouts: "+err.Error())
		} else if d <= 0 {
			errs = append(errs, fmt.Sprintf("strategy_timeouts: %s must be positive", name))
		}
	}
	if o.MaxLLMRetries < 0 {
		errs = append(errs, "max_llm_retries must not be negative")
	}
	if o.MaxDemos < 1 {
		errs = append(errs, "max_demos must be at least 1")
	}
	if o.SearchTrials < 1 {
		errs = append(errs, "search_trials must be at least 1")
	}
	if o.HoldoutFraction <= 0 || o.HoldoutFraction >= 1 {
		errs = append(errs, "holdout_fraction must be between 0 and 1 (exclusive)")
	}
	if o.FuzzyMatchThreshold <= 0 || o.FuzzyMatchThreshold > 1 {
		errs = append(errs, "fuzzy_match_threshold must be in (0, 1]")
	}
	if o.FullGenerations < 1 || o.FullPopulation < 2 {
		errs = append(errs, "full_generations must be at least 1 and full_population at least 2")
	}
	if o.AllocationRetries < 0 {
		errs = append(errs, "allocation_retries must not be negative")
	}

	// Limits validation
	l := c.Limits
	if l.Task < 1 || l.Prompt < 1 || l.Input < 1 || l.Output < 1 || l.Feedback < 1 {
		errs = append(errs, "all limits must be positive")
	}

	// Logging validation
	if _, err := parseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		errs = append(errs, "log format must be 'text' or 'json'")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// SlogLevel returns the configured log level
func (c *Config) SlogLevel() slog.Level {
	level, _ := parseLevel(c.Logging.Level)
	return level
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log level %q must be debug, info, warn or error", s)
	}
	return level, nil
}

// StrategyTimeoutFor returns the timeout of one strategy
func (c *Config) StrategyTimeoutFor(s models.Strategy) time.Duration {
	if d, ok := c.Optimization.StrategyTimeouts[string(s)]; ok && d > 0 {
		return d.Std()
	}
	return c.Optimization.StrategyTimeout.Std()
}

// Redacted returns a copy safe to print, with secrets masked
func (c *Config) Redacted() *Config {
	cp := *c
	if cp.LLM.APIKey != "" {
		cp.LLM.APIKey = "****"
	}
	if u, err := url.Parse(cp.Database.URL); err == nil && u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "****")
			cp.Database.URL = u.String()
		}
	}
	return &cp
}

// getConfigPath returns the path to the config file
func getConfigPath() string {
	if path := os.Getenv("PROMPTLAB_CONFIG"); path != "" {
		return path
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "config.json"
	}

	candidates := []string{
		filepath.Join(homeDir, ".config", "promptlab", "config.json"),
		filepath.Join(homeDir, ".config", "promptlab", "config.yaml"),
		filepath.Join(homeDir, ".promptlab", "config.json"),
		filepath.Join(homeDir, ".promptlab", "config.yaml"),
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return candidates[0]
}

// Duration is a time.Duration written as a Go duration string ("90s") in
// config files. Plain numbers are read as seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v any) error {
	switch val := v.(type) {
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(val * float64(time.Second))
	case int:
		*d = Duration(time.Duration(val) * time.Second)
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}
