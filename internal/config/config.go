// Package config holds the policy constants and infrastructure settings of
// the core. Defaults reproduce the documented thresholds; a YAML file and
// environment variables override them.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment overrides.
const (
	EnvRedisAddr   = "PATTERN_AGENTS_REDIS_ADDR"
	EnvSQLitePath  = "PATTERN_AGENTS_SQLITE_PATH"
	EnvLogLevel    = "PATTERN_AGENTS_LOG_LEVEL"
	EnvMetricsAddr = "PATTERN_AGENTS_METRICS_ADDR"
)

// Agent names used by the registry.
const (
	AgentIncomeVariability = "income_variability"
	AgentSpendingPattern   = "spending_pattern"
)

// Config is the root configuration.
type Config struct {
	Bus      BusConfig      `yaml:"bus"`
	Income   IncomeConfig   `yaml:"income"`
	Spending SpendingConfig `yaml:"spending"`
	Agents   AgentsConfig   `yaml:"agents"`
	Redis    RedisConfig    `yaml:"redis"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// BusConfig tunes the event bus.
type BusConfig struct {
	HistorySize int `yaml:"history_size"`
	MaxDepth    int `yaml:"max_depth"`
}

// AgentsConfig selects which agents the registry starts.
type AgentsConfig struct {
	Enabled []string `yaml:"enabled"`
}

// IncomeConfig holds the income variability policy.
type IncomeConfig struct {
	Priority                 int           `yaml:"priority"`
	WindowDays               int           `yaml:"window_days"`
	MinSamples               int           `yaml:"min_samples"`
	VariabilityThreshold     float64       `yaml:"variability_threshold"`
	HighVariabilityThreshold float64       `yaml:"high_variability_threshold"`
	BufferFraction           float64       `yaml:"buffer_fraction"`
	HistoryTimeout           time.Duration `yaml:"history_timeout"`
	MinConfidence            float64       `yaml:"min_confidence"`
	Flex                     FlexConfig    `yaml:"flex"`
	Trend                    TrendConfig   `yaml:"trend"`
}

// FlexConfig holds flex budget allocations and weekly rules. Percentages
// are whole percentage points.
type FlexConfig struct {
	EssentialsPercent       float64  `yaml:"essentials_percent"`
	SavingsPercent          float64  `yaml:"savings_percent"`
	SavingsFloorPercent     float64  `yaml:"savings_floor_percent"`
	DiscretionaryPercent    float64  `yaml:"discretionary_percent"`
	EssentialCategories     []string `yaml:"essential_categories"`
	HighWeekMultiplier      float64  `yaml:"high_week_multiplier"`
	HighWeekSavingsBoost    float64  `yaml:"high_week_savings_boost"`
	LowWeekMultiplier       float64  `yaml:"low_week_multiplier"`
	LowWeekDiscretionaryCut float64  `yaml:"low_week_discretionary_cut"`
}

// TrendConfig holds the downward-trend prediction policy.
type TrendConfig struct {
	Weeks          int     `yaml:"weeks"`
	DropThreshold  float64 `yaml:"drop_threshold"`
	Confidence     float64 `yaml:"confidence"`
	BufferFraction float64 `yaml:"buffer_fraction"`
}

// SpendingConfig holds the spending pattern policy.
type SpendingConfig struct {
	Priority       int           `yaml:"priority"`
	MinConfidence  float64       `yaml:"min_confidence"`
	HistoryTimeout time.Duration `yaml:"history_timeout"`
	WarmStartDays  int           `yaml:"warm_start_days"`

	WeekendFoodMinCount   int     `yaml:"weekend_food_min_count"`
	WeekendFoodMinAverage float64 `yaml:"weekend_food_min_average"`
	LateNightStartHour    int     `yaml:"late_night_start_hour"`
	LateNightEndHour      int     `yaml:"late_night_end_hour"`
	LateNightMinCount     int     `yaml:"late_night_min_count"`
	PaydayMinAmount       float64 `yaml:"payday_min_amount"`

	InterventionMultiplier float64       `yaml:"intervention_multiplier"`
	RapidWindow            time.Duration `yaml:"rapid_window"`
	RapidCount             int           `yaml:"rapid_count"`

	AnomalyZ          float64 `yaml:"anomaly_z"`
	AnomalyHighZ      float64 `yaml:"anomaly_high_z"`
	AnomalyMinSamples int     `yaml:"anomaly_min_samples"`

	Profiles ProfileConfig `yaml:"profiles"`
}

// ProfileConfig bounds the in-memory behavioral profiles.
type ProfileConfig struct {
	MaxTransactionsPerCategory int           `yaml:"max_transactions_per_category"`
	MaxTriggers                int           `yaml:"max_triggers"`
	MaxUsers                   int           `yaml:"max_users"`
	TTL                        time.Duration `yaml:"ttl"`
	CleanupInterval            time.Duration `yaml:"cleanup_interval"`
	SnapshotTTL                time.Duration `yaml:"snapshot_ttl"`
	PersistTimeout             time.Duration `yaml:"persist_timeout"`
}

// RedisConfig enables the Redis relay, history and snapshot store.
type RedisConfig struct {
	Addr             string        `yaml:"addr"`
	Password         string        `yaml:"password"`
	DB               int           `yaml:"db"`
	ChannelPrefix    string        `yaml:"channel_prefix"`
	IngestPattern    string        `yaml:"ingest_pattern"`
	HistoryPrefix    string        `yaml:"history_prefix"`
	SnapshotPrefix   string        `yaml:"snapshot_prefix"`
	HistoryRetention time.Duration `yaml:"history_retention"`
}

// SQLiteConfig enables the SQLite history provider.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Bus: BusConfig{HistorySize: 100, MaxDepth: 16},
		Income: IncomeConfig{
			Priority:                 10,
			WindowDays:               90,
			MinSamples:               3,
			VariabilityThreshold:     0.3,
			HighVariabilityThreshold: 0.5,
			BufferFraction:           0.25,
			HistoryTimeout:           2 * time.Second,
			MinConfidence:            0.5,
			Flex: FlexConfig{
				EssentialsPercent:       50,
				SavingsPercent:          20,
				SavingsFloorPercent:     10,
				DiscretionaryPercent:    30,
				EssentialCategories:     []string{"housing", "food", "healthcare", "transport"},
				HighWeekMultiplier:      1.2,
				HighWeekSavingsBoost:    10,
				LowWeekMultiplier:       0.7,
				LowWeekDiscretionaryCut: 0.5,
			},
			Trend: TrendConfig{
				Weeks:          2,
				DropThreshold:  0.15,
				Confidence:     0.8,
				BufferFraction: 0.3,
			},
		},
		Spending: SpendingConfig{
			Priority:               10,
			MinConfidence:          0.5,
			HistoryTimeout:         2 * time.Second,
			WarmStartDays:          90,
			WeekendFoodMinCount:    4,
			WeekendFoodMinAverage:  800,
			LateNightStartHour:     20,
			LateNightEndHour:       2,
			LateNightMinCount:      5,
			PaydayMinAmount:        1000,
			InterventionMultiplier: 2,
			RapidWindow:            time.Hour,
			RapidCount:             3,
			AnomalyZ:               2,
			AnomalyHighZ:           3,
			AnomalyMinSamples:      3,
			Profiles: ProfileConfig{
				MaxTransactionsPerCategory: 200,
				MaxTriggers:                10,
				MaxUsers:                   10000,
				TTL:                        24 * time.Hour,
				CleanupInterval:            10 * time.Minute,
				SnapshotTTL:                30 * 24 * time.Hour,
				PersistTimeout:             2 * time.Second,
			},
		},
		Agents: AgentsConfig{Enabled: []string{AgentIncomeVariability, AgentSpendingPattern}},
		Log:    LogConfig{Level: "info", Format: "json"},
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides settings from environment variables.
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvRedisAddr)); v != "" {
		c.Redis.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvSQLitePath)); v != "" {
		c.SQLite.Path = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		c.Log.Level = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvMetricsAddr)); v != "" {
		c.Metrics.Addr = v
	}
}

// Validate rejects settings the agents cannot work with.
func (c Config) Validate() error {
	var errs []error
	if c.Bus.HistorySize < 1 {
		errs = append(errs, errors.New("bus.history_size must be positive"))
	}
	if c.Bus.MaxDepth < 1 {
		errs = append(errs, errors.New("bus.max_depth must be positive"))
	}
	in := c.Income
	if in.MinSamples < 2 {
		errs = append(errs, errors.New("income.min_samples must be at least 2"))
	}
	if in.VariabilityThreshold <= 0 || in.HighVariabilityThreshold < in.VariabilityThreshold {
		errs = append(errs, errors.New("income thresholds must satisfy 0 < variability_threshold <= high_variability_threshold"))
	}
	f := in.Flex
	if sum := f.EssentialsPercent + f.SavingsPercent + f.DiscretionaryPercent; sum != 100 {
		errs = append(errs, fmt.Errorf("income.flex allocations must sum to 100, got %g", sum))
	}
	if f.SavingsFloorPercent > f.SavingsPercent {
		errs = append(errs, errors.New("income.flex.savings_floor_percent exceeds savings_percent"))
	}
	if in.Trend.Weeks < 1 {
		errs = append(errs, errors.New("income.trend.weeks must be positive"))
	}
	sp := c.Spending
	if sp.RapidCount < 1 || sp.RapidWindow <= 0 {
		errs = append(errs, errors.New("spending rapid window and count must be positive"))
	}
	if sp.AnomalyZ <= 0 || sp.AnomalyHighZ < sp.AnomalyZ {
		errs = append(errs, errors.New("spending anomaly thresholds must satisfy 0 < anomaly_z <= anomaly_high_z"))
	}
	if sp.LateNightStartHour < 0 || sp.LateNightStartHour > 23 || sp.LateNightEndHour < 0 || sp.LateNightEndHour > 23 {
		errs = append(errs, errors.New("spending late night hours must be within 0-23"))
	}
	p := sp.Profiles
	if p.MaxTransactionsPerCategory < 1 || p.MaxTriggers < 1 || p.MaxUsers < 1 {
		errs = append(errs, errors.New("spending.profiles caps must be positive"))
	}
	return errors.Join(errs...)
}

// YAML renders the configuration.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
