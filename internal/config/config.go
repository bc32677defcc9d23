package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"kolis/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Remote     RemoteConfig     `yaml:"remote"`
	Sync       SyncConfig       `yaml:"sync"`
	Pricing    PricingConfig    `yaml:"pricing"`
	Tracking   TrackingConfig   `yaml:"tracking"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	Exports    ExportConfig     `yaml:"exports"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type RemoteConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout bounds every remote call; exceeding it yields a retryable
// error, never a hang.
func (r RemoteConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

type SyncConfig struct {
	MaxAttempts         int     `yaml:"max_attempts"`
	InitialDelaySeconds int     `yaml:"initial_delay_seconds"`
	MaxDelaySeconds     int     `yaml:"max_delay_seconds"`
	BackoffFactor       float64 `yaml:"backoff_factor"`
	QueueCapacity       int     `yaml:"queue_capacity"`
	BatchSize           int     `yaml:"batch_size"`
	RemoteRPS           float64 `yaml:"remote_rps"`
	RemoteBurst         int     `yaml:"remote_burst"`
}

type PricingConfig struct {
	BasePrice        float64 `yaml:"base_price"`
	PerKmRate        float64 `yaml:"per_km_rate"`
	MediumSurcharge  float64 `yaml:"medium_surcharge"`
	LargeSurcharge   float64 `yaml:"large_surcharge"`
	FragileSurcharge float64 `yaml:"fragile_surcharge"`
	UrgentSurcharge  float64 `yaml:"urgent_surcharge"`
	MinutesPerKm     float64 `yaml:"minutes_per_km"`
	QuoteTolerance   float64 `yaml:"quote_tolerance"`
}

type TrackingConfig struct {
	SilenceWindowSeconds int `yaml:"silence_window_seconds"`
	PollIntervalSeconds  int `yaml:"poll_interval_seconds"`
}

func (t TrackingConfig) SilenceWindow() time.Duration {
	return time.Duration(t.SilenceWindowSeconds) * time.Second
}

func (t TrackingConfig) PollInterval() time.Duration {
	return time.Duration(t.PollIntervalSeconds) * time.Second
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	HTTPPort          int  `yaml:"http_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type ExportConfig struct {
	Path string `yaml:"path"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional; a missing file is not an error.
	_ = godotenv.Load(".env")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	// Expand ${VAR} references before parsing so secrets stay out of YAML.
	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}

	if c.Remote.BaseURL == "" {
		return errors.New("remote base_url is required")
	}

	if c.Sync.BackoffFactor < 1 {
		return fmt.Errorf("sync backoff_factor must be >= 1, got %v", c.Sync.BackoffFactor)
	}

	if c.Pricing.PerKmRate < 0 || c.Pricing.BasePrice < 0 {
		return errors.New("pricing rates must be non-negative")
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.Remote.TimeoutSeconds == 0 {
		c.Remote.TimeoutSeconds = 10
	}

	// Sync defaults
	if c.Sync.MaxAttempts == 0 {
		c.Sync.MaxAttempts = 5
	}
	if c.Sync.InitialDelaySeconds == 0 {
		c.Sync.InitialDelaySeconds = 2
	}
	if c.Sync.MaxDelaySeconds == 0 {
		c.Sync.MaxDelaySeconds = 60
	}
	if c.Sync.BackoffFactor == 0 {
		c.Sync.BackoffFactor = 2
	}
	if c.Sync.QueueCapacity == 0 {
		c.Sync.QueueCapacity = models.DefaultQueueCapacity
	}
	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = models.DefaultSyncBatchSize
	}
	if c.Sync.RemoteRPS == 0 {
		c.Sync.RemoteRPS = 10
	}
	if c.Sync.RemoteBurst == 0 {
		c.Sync.RemoteBurst = 5
	}

	// Pricing defaults, amounts in XOF
	if c.Pricing.BasePrice == 0 {
		c.Pricing.BasePrice = 500
	}
	if c.Pricing.PerKmRate == 0 {
		c.Pricing.PerKmRate = 150
	}
	if c.Pricing.MediumSurcharge == 0 {
		c.Pricing.MediumSurcharge = 300
	}
	if c.Pricing.LargeSurcharge == 0 {
		c.Pricing.LargeSurcharge = 700
	}
	if c.Pricing.FragileSurcharge == 0 {
		c.Pricing.FragileSurcharge = 250
	}
	if c.Pricing.UrgentSurcharge == 0 {
		c.Pricing.UrgentSurcharge = 500
	}
	if c.Pricing.MinutesPerKm == 0 {
		c.Pricing.MinutesPerKm = 3
	}
	if c.Pricing.QuoteTolerance == 0 {
		c.Pricing.QuoteTolerance = 500
	}

	// Tracking defaults
	if c.Tracking.SilenceWindowSeconds == 0 {
		c.Tracking.SilenceWindowSeconds = 30
	}
	if c.Tracking.PollIntervalSeconds == 0 {
		c.Tracking.PollIntervalSeconds = 10
	}

	if c.Monitoring.HTTPPort == 0 {
		c.Monitoring.HTTPPort = 8080
	}
}
