// Package config loads and validates harvester configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "HARVEST"

// DefaultIndexURL is the OFLC performance data page.
const DefaultIndexURL = "https://www.dol.gov/agencies/eta/foreign-labor/performance"

var clockPattern = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Source       SourceConfig       `mapstructure:"source"`
	HTTP         HTTPConfig         `mapstructure:"http"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Manifest     ManifestConfig     `mapstructure:"manifest"`
	Harvest      HarvestConfig      `mapstructure:"harvest"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Server       ServerConfig       `mapstructure:"server"`
	PubSub       PubSubConfig       `mapstructure:"pubsub"`
	DB           DBConfig           `mapstructure:"db"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// SourceConfig names the index page and how to identify ourselves to it.
type SourceConfig struct {
	IndexURL      string `mapstructure:"index_url"`
	UserAgent     string `mapstructure:"user_agent"`
	RespectRobots bool   `mapstructure:"respect_robots"`
}

// HTTPConfig bounds outbound requests.
type HTTPConfig struct {
	TimeoutSeconds      int     `mapstructure:"timeout_seconds"`
	ProbeTimeoutSeconds int     `mapstructure:"probe_timeout_seconds"`
	MaxBodyBytes        int     `mapstructure:"max_body_bytes"`
	RequestsPerSecond   float64 `mapstructure:"requests_per_second"`
	Burst               int     `mapstructure:"burst"`
}

// StorageConfig sets where artifacts live and the optional GCS mirror.
type StorageConfig struct {
	Root      string `mapstructure:"root"`
	LogDir    string `mapstructure:"log_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	GCSPrefix string `mapstructure:"gcs_prefix"`
	// MirrorDir copies committed artifacts to a second local tree when no
	// GCS bucket is configured.
	MirrorDir string `mapstructure:"mirror_dir"`
}

// ManifestConfig locates the manifest file.
type ManifestConfig struct {
	Path string `mapstructure:"path"`
}

// HarvestConfig sizes the worker pool.
type HarvestConfig struct {
	Concurrency         int  `mapstructure:"concurrency"`
	QueueDepth          int  `mapstructure:"queue_depth"`
	FailOnArtifactError bool `mapstructure:"fail_on_artifact_error"`
}

// OrchestratorConfig controls retries and the quarterly schedule.
type OrchestratorConfig struct {
	MaxAttempts          int    `mapstructure:"max_attempts"`
	BackoffBaseSeconds   int    `mapstructure:"backoff_base_seconds"`
	BackoffMaxSeconds    int    `mapstructure:"backoff_max_seconds"`
	RunAt                string `mapstructure:"run_at"`
	Months               []int  `mapstructure:"months"`
	DayOfMonth           int    `mapstructure:"day_of_month"`
	CheckIntervalMinutes int    `mapstructure:"check_interval_minutes"`
	RunOnStart           bool   `mapstructure:"run_on_start"`
	// Timezone is an IANA name; empty means the host's local zone.
	Timezone string `mapstructure:"timezone"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// APIKey guards mutating endpoints when set.
	APIKey string `mapstructure:"api_key"`
}

// PubSubConfig holds metadata for commit notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// DBConfig controls run-history persistence.
type DBConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
	// ToFile also writes JSON logs to a timestamped file in the log dir.
	ToFile bool `mapstructure:"to_file"`
}

// Load builds a Config from disk/environment. An empty path searches the
// working directory, /etc/oflc-harvester and ~/.oflc-harvester for
// config.yaml.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/oflc-harvester/")
		v.AddConfigPath("$HOME/.oflc-harvester")
		// A missing file is fine; defaults and environment still apply.
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("source.index_url", DefaultIndexURL)
	v.SetDefault("source.user_agent", "oflc-harvester/1.0")
	v.SetDefault("source.respect_robots", true)
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.probe_timeout_seconds", 10)
	v.SetDefault("http.max_body_bytes", 0)
	v.SetDefault("http.requests_per_second", 2)
	v.SetDefault("http.burst", 1)
	v.SetDefault("storage.root", "data")
	v.SetDefault("storage.log_dir", "logs")
	v.SetDefault("storage.gcs_prefix", "oflc")
	v.SetDefault("harvest.concurrency", 4)
	v.SetDefault("harvest.queue_depth", 64)
	v.SetDefault("harvest.fail_on_artifact_error", false)
	v.SetDefault("orchestrator.max_attempts", 5)
	v.SetDefault("orchestrator.backoff_base_seconds", 60)
	v.SetDefault("orchestrator.backoff_max_seconds", 1800)
	v.SetDefault("orchestrator.run_at", "07:00")
	v.SetDefault("orchestrator.months", []int{1, 4, 7, 10})
	v.SetDefault("orchestrator.day_of_month", 15)
	v.SetDefault("orchestrator.check_interval_minutes", 60)
	v.SetDefault("orchestrator.run_on_start", true)
	v.SetDefault("server.port", 8080)
	v.SetDefault("db.table", "harvest_runs")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.to_file", false)
}

// Validate enforces required values and reasonable limits.
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Source),
		validation.Field(&c.HTTP),
		validation.Field(&c.Storage),
		validation.Field(&c.Harvest),
		validation.Field(&c.Orchestrator),
		validation.Field(&c.Server),
		validation.Field(&c.DB),
	)
}

// Validate validates the source configuration.
func (c SourceConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.IndexURL, validation.Required, is.URL),
	)
}

// Validate validates the HTTP configuration.
func (c HTTPConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.TimeoutSeconds, validation.Required, validation.Min(1)),
		validation.Field(&c.ProbeTimeoutSeconds, validation.Required, validation.Min(1)),
		validation.Field(&c.MaxBodyBytes, validation.Min(0)),
		validation.Field(&c.RequestsPerSecond, validation.Min(0.0)),
		validation.Field(&c.Burst, validation.Min(0)),
	)
}

// Validate validates the storage configuration.
func (c StorageConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Root, validation.Required),
	)
}

// Validate validates the worker pool configuration.
func (c HarvestConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Concurrency, validation.Required, validation.Min(1), validation.Max(64)),
		validation.Field(&c.QueueDepth, validation.Min(0)),
	)
}

// Validate validates the retry and schedule configuration.
func (c OrchestratorConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.MaxAttempts, validation.Required, validation.Min(1)),
		validation.Field(&c.BackoffBaseSeconds, validation.Min(0)),
		validation.Field(&c.BackoffMaxSeconds, validation.Min(c.BackoffBaseSeconds)),
		validation.Field(&c.RunAt, validation.Required, validation.Match(clockPattern)),
		validation.Field(&c.Months, validation.Required, validation.Each(validation.Min(1), validation.Max(12))),
		validation.Field(&c.DayOfMonth, validation.Required, validation.Min(1), validation.Max(31)),
		validation.Field(&c.CheckIntervalMinutes, validation.Required, validation.Min(1)),
		validation.Field(&c.Timezone, validation.By(validTimezone)),
	)
}

func validTimezone(value any) error {
	name, _ := value.(string)
	if name == "" {
		return nil
	}
	if _, err := time.LoadLocation(name); err != nil {
		return errors.New("unknown timezone")
	}
	return nil
}

// Validate validates the HTTP server configuration.
func (c ServerConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// Validate validates the run-history configuration.
func (c DBConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Table, validation.When(c.DSN != "", validation.Required,
			validation.Match(regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)))),
	)
}

// ManifestPath returns the configured manifest path, defaulting to
// manifest.json under the storage root.
func (c Config) ManifestPath() string {
	if c.Manifest.Path != "" {
		return c.Manifest.Path
	}
	return filepath.Join(c.Storage.Root, "manifest.json")
}

// LogDir returns the log directory. Relative paths live under the storage
// root so the orphan scan can exclude them.
func (c Config) LogDir() string {
	if c.Storage.LogDir == "" || filepath.IsAbs(c.Storage.LogDir) {
		return c.Storage.LogDir
	}
	return filepath.Join(c.Storage.Root, c.Storage.LogDir)
}

// Timeout returns the full-download timeout.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// ProbeTimeout returns the HEAD probe timeout.
func (c Config) ProbeTimeout() time.Duration {
	return time.Duration(c.HTTP.ProbeTimeoutSeconds) * time.Second
}

// BackoffBase returns the first retry delay.
func (c Config) BackoffBase() time.Duration {
	return time.Duration(c.Orchestrator.BackoffBaseSeconds) * time.Second
}

// BackoffMax returns the retry delay ceiling.
func (c Config) BackoffMax() time.Duration {
	return time.Duration(c.Orchestrator.BackoffMaxSeconds) * time.Second
}

// CheckInterval returns how often the scheduler wakes up.
func (c Config) CheckInterval() time.Duration {
	return time.Duration(c.Orchestrator.CheckIntervalMinutes) * time.Minute
}

// Months returns the scheduled months.
func (c Config) Months() []time.Month {
	out := make([]time.Month, 0, len(c.Orchestrator.Months))
	for _, m := range c.Orchestrator.Months {
		out = append(out, time.Month(m))
	}
	return out
}

// Location returns the schedule's time zone.
func (c Config) Location() *time.Location {
	if c.Orchestrator.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Orchestrator.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}
