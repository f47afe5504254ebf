// Package config loads the appforge configuration from defaults, an optional
// YAML file and environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"appforge/internal/cache"
	"appforge/internal/logging"
	"appforge/internal/workflow"

	"gopkg.in/yaml.v3"
)

// Environment constants
const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
	EnvTest        = "test"
)

// ConfigEnvVar names the variable holding the config file path.
const ConfigEnvVar = "APPFORGE_CONFIG"

// APIConfig describes the completion provider.
type APIConfig struct {
	Endpoint          string        `yaml:"endpoint"`
	ModelsURL         string        `yaml:"models_url"`
	ModelsSnapshot    string        `yaml:"models_snapshot"`
	Referrer          string        `yaml:"referrer"`
	Token             string        `yaml:"token"`
	Private           bool          `yaml:"private"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	ModelsRefresh     time.Duration `yaml:"models_refresh"`
}

// CacheConfig describes the response cache.
type CacheConfig struct {
	Capacity int           `yaml:"capacity"`
	TTL      time.Duration `yaml:"ttl"`
	RedisURL string        `yaml:"redis_url"`
}

// StoreConfig describes run history persistence. An empty DSN disables it.
type StoreConfig struct {
	DSN string `yaml:"dsn"`
}

// ServerConfig describes the HTTP server.
type ServerConfig struct {
	Port           string   `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	RateLimitRPM   int      `yaml:"rate_limit_rpm"`
}

// Config is the complete application configuration.
type Config struct {
	Environment string          `yaml:"environment"`
	API         APIConfig       `yaml:"api"`
	Cache       CacheConfig     `yaml:"cache"`
	Workflow    workflow.Config `yaml:"workflow"`
	Store       StoreConfig     `yaml:"store"`
	Server      ServerConfig    `yaml:"server"`
	Log         logging.Options `yaml:"log"`
}

// Default returns the built-in configuration.
func Default() Config {
	cc := cache.DefaultConfig()
	return Config{
		Environment: EnvDevelopment,
		API: APIConfig{
			Endpoint:          "https://text.pollinations.ai/openai",
			ModelsURL:         "https://text.pollinations.ai/models",
			Referrer:          "appforge",
			Private:           true,
			Timeout:           120 * time.Second,
			MaxRetries:        3,
			RequestsPerSecond: 0,
			Burst:             1,
			ModelsRefresh:     10 * time.Minute,
		},
		Cache: CacheConfig{
			Capacity: cc.Capacity,
			TTL:      cc.TTL,
		},
		Workflow: workflow.DefaultConfig(),
		Store:    StoreConfig{DSN: "appforge.db"},
		Server: ServerConfig{
			Port:         "8080",
			RateLimitRPM: 600,
		},
		Log: logging.Options{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (or
// $APPFORGE_CONFIG when path is empty), then environment overrides. The
// result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(ConfigEnvVar)
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.Log.Production = cfg.IsProduction()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.API.Endpoint, "APPFORGE_API_ENDPOINT")
	setString(&c.API.ModelsURL, "APPFORGE_MODELS_URL")
	setString(&c.API.ModelsSnapshot, "APPFORGE_MODELS_SNAPSHOT")
	setString(&c.API.Referrer, "APPFORGE_REFERRER")
	setString(&c.API.Token, "APPFORGE_TOKEN")
	setString(&c.Cache.RedisURL, "REDIS_URL")
	setString(&c.Store.DSN, "DATABASE_URL")
	setString(&c.Server.Port, "PORT")
	setString(&c.Environment, "ENVIRONMENT")
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.File, "LOG_FILE")

	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = splitList(v)
	}

	var errs []error
	errs = append(errs,
		setDuration(&c.API.Timeout, "APPFORGE_TIMEOUT"),
		setInt(&c.API.MaxRetries, "APPFORGE_MAX_RETRIES"),
		setFloat(&c.API.RequestsPerSecond, "APPFORGE_RPS"),
		setInt(&c.Workflow.Parallelism, "APPFORGE_PARALLELISM"),
	)
	return errors.Join(errs...)
}

// Validate rejects configurations the workflow cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.API.Endpoint) == "" {
		errs = append(errs, errors.New("api.endpoint must not be empty"))
	}
	if c.API.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("api.timeout must be positive, got %s", c.API.Timeout))
	}
	if c.API.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("api.max_retries must not be negative, got %d", c.API.MaxRetries))
	}
	if c.API.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("api.requests_per_second must not be negative, got %g", c.API.RequestsPerSecond))
	}
	if c.Cache.Capacity < 0 {
		errs = append(errs, fmt.Errorf("cache.capacity must not be negative, got %d", c.Cache.Capacity))
	}
	if c.Workflow.Parallelism < 1 {
		errs = append(errs, fmt.Errorf("workflow.parallelism must be at least 1, got %d", c.Workflow.Parallelism))
	}
	if c.Workflow.MaxPlanSteps < 1 {
		errs = append(errs, fmt.Errorf("workflow.max_plan_steps must be at least 1, got %d", c.Workflow.MaxPlanSteps))
	}
	if c.Workflow.DiscussionTurns < 0 {
		errs = append(errs, fmt.Errorf("workflow.discussion_turns must not be negative, got %d", c.Workflow.DiscussionTurns))
	}
	return errors.Join(errs...)
}

// IsProduction reports whether the environment is production.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// ResponseCache returns the response cache settings.
func (c *Config) ResponseCache() cache.Config {
	cc := cache.DefaultConfig()
	if c.Cache.Capacity > 0 {
		cc.Capacity = c.Cache.Capacity
	}
	if c.Cache.TTL > 0 {
		cc.TTL = c.Cache.TTL
	}
	return cc
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}

// setDuration accepts Go durations ("90s") or plain seconds ("90").
func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(secs) * time.Second
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
