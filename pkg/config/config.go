package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/lucid-vigil/healthguard/pkg/rules"
	"github.com/lucid-vigil/healthguard/pkg/telemetry"
)

// Config is the top-level configuration struct for the application.
// Tags are used by Viper to map YAML keys to struct fields.
type Config struct {
	LogLevel    string            `mapstructure:"log_level"`
	LogFormat   string            `mapstructure:"log_format"`
	APIPort     string            `mapstructure:"api_port"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Detection   DetectionConfig   `mapstructure:"detection"`
	Rules       rules.Config      `mapstructure:"rules"`
	Telemetry   telemetry.Config  `mapstructure:"telemetry"`
	Risk        RiskConfig        `mapstructure:"risk"`
	Ingest      IngestConfig      `mapstructure:"ingest"`
	Jobs        []JobConfig       `mapstructure:"jobs"`
	Performance PerformanceConfig `mapstructure:"performance"`
	Actions     ActionsConfig     `mapstructure:"actions"`
}

// StorageConfig selects the document store. Driver is "memory" or "mongo".
type StorageConfig struct {
	Driver   string        `mapstructure:"driver"`
	MongoURI string        `mapstructure:"mongo_uri"`
	Database string        `mapstructure:"database"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// RedisConfig enables the cross-replica training lock.
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

// KafkaConfig enables the kafka_publish alert action.
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// DetectionConfig tunes feature extraction and the per-tenant outlier model.
type DetectionConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	AnomalyThreshold   float64       `mapstructure:"anomaly_threshold"`
	ResponseScoreFloor float64       `mapstructure:"response_score_floor"`
	MinTrainingSamples int           `mapstructure:"min_training_samples"`
	MaxTrainingSamples int           `mapstructure:"max_training_samples"`
	TrainingWindow     time.Duration `mapstructure:"training_window"`
	NumTrees           int           `mapstructure:"num_trees"`
	SampleSize         int           `mapstructure:"sample_size"`
	Contamination      float64       `mapstructure:"contamination"`
	Seed               int64         `mapstructure:"seed"`
	HashBuckets        int           `mapstructure:"hash_buckets"`
	MaxContextCount    int64         `mapstructure:"max_context_count"`
	RetrainWorkers     int           `mapstructure:"retrain_workers"`
}

type RiskConfig struct {
	Staleness time.Duration `mapstructure:"staleness"`
	Workers   int           `mapstructure:"workers"`
}

// IngestConfig bounds inbound events. A zero rate disables rate limiting.
type IngestConfig struct {
	MaxDetailsSize int `mapstructure:"max_details_size"`
	RatePerMinute  int `mapstructure:"rate_per_minute"`
	Burst          int `mapstructure:"burst"`
}

// JobConfig defines the configuration for a single scheduled job:
// its name, whether it's enabled and its run interval.
type JobConfig struct {
	Name     string `mapstructure:"name"`
	Enabled  bool   `mapstructure:"enabled"`
	Interval string `mapstructure:"interval"`
}

type PerformanceConfig struct {
	MaxCPUPercent float64 `mapstructure:"max_cpu_percent"`
}

// ActionsConfig holds the global configuration for alert actions.
type ActionsConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Names       []string      `mapstructure:"names"`        // Actions to run for every created alert
	DedupWindow time.Duration `mapstructure:"dedup_window"` // 0 disables deduplication
}

// GetJobConfig returns the configuration of the named job, or nil.
func (c *Config) GetJobConfig(name string) *JobConfig {
	for i := range c.Jobs {
		if c.Jobs[i].Name == name {
			return &c.Jobs[i]
		}
	}
	return nil
}

// NewViper returns a viper instance with HealthGuard's search paths,
// defaults and environment binding. It reads config.yaml from the working
// directory or /etc/healthguard/, and HEALTHGUARD_* variables override it.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName("config") // config.yaml
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/healthguard/")

	setDefaults(v)

	v.SetEnvPrefix("HEALTHGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("api_port", "8080")

	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.mongo_uri", "mongodb://localhost:27017")
	v.SetDefault("storage.database", "healthguard")
	v.SetDefault("storage.timeout", 10*time.Second)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_ttl", 5*time.Minute)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "healthguard.alerts")

	v.SetDefault("detection.enabled", true)
	v.SetDefault("detection.anomaly_threshold", 0.7)
	v.SetDefault("detection.response_score_floor", 0.5)
	v.SetDefault("detection.min_training_samples", 100)
	v.SetDefault("detection.max_training_samples", 10000)
	v.SetDefault("detection.training_window", 7*24*time.Hour)
	v.SetDefault("detection.num_trees", 100)
	v.SetDefault("detection.sample_size", 256)
	v.SetDefault("detection.contamination", 0.1)
	v.SetDefault("detection.seed", 42)
	v.SetDefault("detection.hash_buckets", 1000)
	v.SetDefault("detection.max_context_count", 10000)
	v.SetDefault("detection.retrain_workers", 4)

	defaults := rules.DefaultConfig()
	v.SetDefault("rules.failed_login_threshold", defaults.FailedLoginThreshold)
	v.SetDefault("rules.failed_login_window", defaults.FailedLoginWindow)
	v.SetDefault("rules.suspicious_patterns", defaults.SuspiciousPatterns)
	v.SetDefault("rules.off_hours_start", defaults.OffHoursStart)
	v.SetDefault("rules.off_hours_end", defaults.OffHoursEnd)
	v.SetDefault("rules.multi_host_threshold", defaults.MultiHostThreshold)
	v.SetDefault("rules.multi_host_window", defaults.MultiHostWindow)

	td := telemetry.DefaultConfig()
	v.SetDefault("telemetry.failed_logon_event_id", td.FailedLogonEventID)
	v.SetDefault("telemetry.failed_logon_threshold", td.FailedLogonThreshold)
	v.SetDefault("telemetry.high_cpu_percent", td.HighCPUPercent)
	v.SetDefault("telemetry.high_cpu_process_threshold", td.HighCPUProcessThreshold)

	v.SetDefault("risk.staleness", time.Hour)
	v.SetDefault("risk.workers", 4)

	v.SetDefault("ingest.max_details_size", 64*1024)
	v.SetDefault("ingest.rate_per_minute", 0)
	v.SetDefault("ingest.burst", 100)

	v.SetDefault("jobs", []map[string]interface{}{
		{"name": "risk_sweep", "enabled": true, "interval": "1h"},
		{"name": "model_retrain", "enabled": true, "interval": "24h"},
	})
	v.SetDefault("performance.max_cpu_percent", 85.0)

	v.SetDefault("actions.enabled", true) // log_alert is harmless, so on by default
	v.SetDefault("actions.names", []string{"log_alert"})
	v.SetDefault("actions.dedup_window", 5*time.Minute)
}

// LoadConfig reads the configuration from a YAML file (e.g., config.yaml) and
// environment variables.
func LoadConfig() (*Config, error) {
	cfg, _, err := Load(NewViper())
	return cfg, err
}

// Load reads and decodes the configuration through v. It returns whether a
// config file was found, which is required for Watch.
func Load(v *viper.Viper) (*Config, bool, error) {
	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Info().Msg("Config file not found, using defaults and environment variables.")
			fileFound = false
		} else {
			return nil, false, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, false, err
	}
	return cfg, fileFound, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Watch re-decodes the configuration whenever the config file changes and
// passes the result to onChange. Decoding failures are logged and the
// previous configuration stays in effect.
func Watch(v *viper.Viper, onChange func(*Config)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := decode(v)
		if err != nil {
			log.Error().Err(err).Str("file", e.Name).Msg("Ignoring invalid configuration change")
			return
		}
		log.Info().Str("file", e.Name).Str("op", e.Op.String()).Msg("Configuration reloaded")
		onChange(cfg)
	})
	v.WatchConfig()
}
