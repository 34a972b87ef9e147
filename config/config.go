// Package config loads repohealth settings from an optional config file, an
// optional .env file, REPOHEALTH_* environment variables and bound flags.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrInvalidConfig is wrapped by every validation error.
var ErrInvalidConfig = errors.New("invalid configuration")

// Store backends. StoreMemory is the SQLite store on a private in-memory
// database.
const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreMemory   = "memory"
)

const envPrefix = "REPOHEALTH"

// Config holds all configuration for the application
type Config struct {
	GitHubToken      string
	GitHubAPIURL     string
	GitHubGraphQLURL string
	GitHubRPS        float64
	FetchTimeout     time.Duration

	Store             string
	PostgresDSN       string
	SQLitePath        string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CacheTTL      time.Duration

	HTTPAddr string
	LogLevel string

	FreshnessWindow time.Duration
	RetrySchedule   []time.Duration
	InlineRetry     bool
	ScanInterval    time.Duration
	ScanLimit       int
	ScanWorkers     int
	LockStaleAfter  time.Duration
	ScoringProfile  string
}

// SetDefaults registers every default in one place.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("github-api-url", "https://api.github.com")
	v.SetDefault("github-graphql-url", "")
	v.SetDefault("github-rps", 5.0)
	v.SetDefault("fetch-timeout", "30s")

	v.SetDefault("store", StorePostgres)
	v.SetDefault("postgres-host", "localhost")
	v.SetDefault("postgres-port", 5432)
	v.SetDefault("postgres-user", "postgres")
	v.SetDefault("postgres-password", "")
	v.SetDefault("postgres-db", "repohealth")
	v.SetDefault("db-max-open-conns", 25)
	v.SetDefault("db-max-idle-conns", 25)
	v.SetDefault("db-conn-max-lifetime", "5m")
	v.SetDefault("sqlite-path", "repohealth.db")

	v.SetDefault("redis-addr", "")
	v.SetDefault("redis-db", 0)
	v.SetDefault("cache-ttl", "30s")

	v.SetDefault("http-addr", ":8080")
	v.SetDefault("log-level", "info")

	v.SetDefault("freshness-window", "6h")
	v.SetDefault("retry-schedule", "1s,2s,3s,5s,8s,13s")
	v.SetDefault("inline-retry", true)
	v.SetDefault("scan-interval", "30s")
	v.SetDefault("scan-limit", 25)
	v.SetDefault("scan-workers", 5)
	v.SetDefault("lock-stale-after", "15m")
	v.SetDefault("scoring-profile", "")
}

// NewViper returns a viper instance wired for environment lookup with
// defaults registered. configFile, when set, must exist; otherwise
// .repohealth.yaml is looked up in the working and home directories. A .env
// file in the working directory is merged when present.
func NewViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName(".repohealth")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	if err := mergeDotEnv(v, ".env"); err != nil {
		return nil, err
	}
	return v, nil
}

// mergeDotEnv folds KEY=value pairs from path into v. REPOHEALTH_ prefixed
// keys map onto config keys, so REPOHEALTH_REDIS_ADDR sets redis-addr. The
// real environment still wins through AutomaticEnv.
func mergeDotEnv(v *viper.Viper, path string) error {
	env := viper.New()
	env.SetConfigFile(path)
	env.SetConfigType("env")
	if err := env.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	values := make(map[string]interface{})
	prefix := strings.ToLower(envPrefix) + "_"
	for _, key := range env.AllKeys() {
		name := strings.TrimPrefix(key, prefix)
		values[strings.ReplaceAll(name, "_", "-")] = env.Get(key)
	}
	return v.MergeConfigMap(values)
}

// Load reads and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	c := &Config{
		GitHubToken:      v.GetString("github-token"),
		GitHubAPIURL:     v.GetString("github-api-url"),
		GitHubGraphQLURL: v.GetString("github-graphql-url"),
		GitHubRPS:        v.GetFloat64("github-rps"),

		Store:          strings.ToLower(v.GetString("store")),
		PostgresDSN:    v.GetString("postgres-dsn"),
		SQLitePath:     v.GetString("sqlite-path"),
		DBMaxOpenConns: v.GetInt("db-max-open-conns"),
		DBMaxIdleConns: v.GetInt("db-max-idle-conns"),

		RedisAddr:     v.GetString("redis-addr"),
		RedisPassword: v.GetString("redis-password"),
		RedisDB:       v.GetInt("redis-db"),

		HTTPAddr: v.GetString("http-addr"),
		LogLevel: v.GetString("log-level"),

		InlineRetry:    v.GetBool("inline-retry"),
		ScanLimit:      v.GetInt("scan-limit"),
		ScanWorkers:    v.GetInt("scan-workers"),
		ScoringProfile: v.GetString("scoring-profile"),
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"fetch-timeout", &c.FetchTimeout},
		{"db-conn-max-lifetime", &c.DBConnMaxLifetime},
		{"cache-ttl", &c.CacheTTL},
		{"freshness-window", &c.FreshnessWindow},
		{"scan-interval", &c.ScanInterval},
		{"lock-stale-after", &c.LockStaleAfter},
	}
	for _, d := range durations {
		parsed, err := parseDuration(v.GetString(d.key))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, d.key, err)
		}
		*d.dst = parsed
	}

	schedule, err := parseSchedule(v.GetStringSlice("retry-schedule"))
	if err != nil {
		return nil, fmt.Errorf("%w: retry-schedule: %v", ErrInvalidConfig, err)
	}
	c.RetrySchedule = schedule

	if c.PostgresDSN == "" {
		c.PostgresDSN = fmt.Sprintf(
			"user=%s password=%s dbname=%s port=%d host=%s sslmode=disable",
			v.GetString("postgres-user"),
			v.GetString("postgres-password"),
			v.GetString("postgres-db"),
			v.GetInt("postgres-port"),
			v.GetString("postgres-host"),
		)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks ranges and enumerations. The GitHub token is checked
// separately by RequireGitHubToken since offline commands do not need it.
func (c *Config) Validate() error {
	switch c.Store {
	case StorePostgres, StoreMemory:
	case StoreSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return fmt.Errorf("%w: sqlite-path: is required for the %s store", ErrInvalidConfig, StoreSQLite)
		}
	default:
		return fmt.Errorf("%w: store: must be one of %q, %q or %q, got %q",
			ErrInvalidConfig, StorePostgres, StoreSQLite, StoreMemory, c.Store)
	}

	positive := []struct {
		key   string
		value int
	}{
		{"scan-limit", c.ScanLimit},
		{"scan-workers", c.ScanWorkers},
		{"db-max-open-conns", c.DBMaxOpenConns},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%w: %s: must be positive, got %d", ErrInvalidConfig, p.key, p.value)
		}
	}

	if c.DBMaxIdleConns < 0 {
		return fmt.Errorf("%w: db-max-idle-conns: must not be negative", ErrInvalidConfig)
	}
	if c.GitHubRPS < 0 {
		return fmt.Errorf("%w: github-rps: must not be negative", ErrInvalidConfig)
	}
	if c.RedisDB < 0 {
		return fmt.Errorf("%w: redis-db: must not be negative", ErrInvalidConfig)
	}
	if c.ScanInterval <= 0 {
		return fmt.Errorf("%w: scan-interval: must be positive", ErrInvalidConfig)
	}
	if c.FreshnessWindow < 0 {
		return fmt.Errorf("%w: freshness-window: must not be negative", ErrInvalidConfig)
	}
	if c.LockStaleAfter < 0 {
		return fmt.Errorf("%w: lock-stale-after: must not be negative", ErrInvalidConfig)
	}
	if len(c.RetrySchedule) == 0 {
		return fmt.Errorf("%w: retry-schedule: must not be empty", ErrInvalidConfig)
	}
	return nil
}

// RequireGitHubToken fails when no token is configured.
func (c *Config) RequireGitHubToken() error {
	if c.GitHubToken == "" {
		return fmt.Errorf("%w: github-token: is required (set %s_GITHUB_TOKEN)", ErrInvalidConfig, envPrefix)
	}
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

// parseSchedule accepts a YAML list or a comma separated string.
func parseSchedule(items []string) ([]time.Duration, error) {
	var schedule []time.Duration
	for _, item := range items {
		for _, part := range strings.Split(item, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			d, err := parseDuration(part)
			if err != nil {
				return nil, err
			}
			schedule = append(schedule, d)
		}
	}
	return schedule, nil
}
