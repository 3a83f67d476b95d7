package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Config struct {
	// Logging
	LogLevel  string
	LogFormat string // text or json

	// Board session
	DeviceID        string
	BoardSource     string // simulator, edf or mqtt
	EDFPath         string
	SimSamplingRate float64
	SimSeed         uint64

	// Stream loop
	BurstDuration    time.Duration
	WarmUp           time.Duration
	RetryInterval    time.Duration
	RetryMultiplier  float64
	RetryMaxInterval time.Duration
	RetryMaxAttempts int

	// Signal conditioning
	LineNoise   string // both, 50 or 60
	ForwardOnly bool

	// Artifact gate
	MinSamples         int
	AmplitudeThreshold float64 // uV
	MotionThreshold    float64
	VarianceRejection  bool
	VariancePercentile float64
	AuxLayout          string // accel-first or gyro-first

	// Inference engine
	ModelPath     string
	RemoteURL     string // non-empty selects the remote engine
	RemoteTimeout time.Duration

	// MQTT Configuration
	MQTTEnabled      bool
	MQTTBroker       string
	MQTTClientID     string
	MQTTUsername     string
	MQTTPassword     string
	MQTTTopicState   string
	MQTTTopicHealth  string
	MQTTTopicRaw     string
	MQTTTopicControl string

	// Result store
	Store          string // clickhouse, sqlite or none
	ClickHouseAddr string
	ClickHouseDB   string
	ClickHouseUser string
	ClickHousePass string
	SQLitePath     string

	// Result history
	HistoryMax  int
	HistoryPath string

	// Health monitoring
	HealthInterval     time.Duration
	HealthSkipRateWarn float64
}

// Accepted enum values
var (
	LogFormats   = []string{"text", "json"}
	BoardSources = []string{"simulator", "edf", "mqtt"}
	LineNoises   = []string{"both", "50", "60"}
	AuxLayouts   = []string{"accel-first", "gyro-first"}
	Stores       = []string{"clickhouse", "sqlite", "none"}
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	v.SetDefault("device_id", "muse-01")
	v.SetDefault("board_source", "simulator")
	v.SetDefault("edf_path", "")
	v.SetDefault("sim_sampling_rate", 256.0)
	v.SetDefault("sim_seed", 1)

	v.SetDefault("burst_duration", "1s")
	v.SetDefault("warm_up", "2s")
	v.SetDefault("retry_interval", "2s")
	v.SetDefault("retry_multiplier", 1.0)
	v.SetDefault("retry_max_interval", "30s")
	v.SetDefault("retry_max_attempts", 0)

	v.SetDefault("line_noise", "both")
	v.SetDefault("forward_only", false)

	v.SetDefault("min_samples", 32)
	v.SetDefault("amplitude_threshold", 250.0)
	v.SetDefault("motion_threshold", 0.5)
	v.SetDefault("variance_rejection", false)
	v.SetDefault("variance_percentile", 95.0)
	v.SetDefault("aux_layout", "accel-first")

	v.SetDefault("model_path", "./model/attention_model.yaml")
	v.SetDefault("remote_url", "")
	v.SetDefault("remote_timeout", "5s")

	v.SetDefault("mqtt_enabled", false)
	v.SetDefault("mqtt_broker", "tcp://localhost:1883")
	v.SetDefault("mqtt_client_id", "attentionspan-backend")
	v.SetDefault("mqtt_username", "")
	v.SetDefault("mqtt_password", "")
	v.SetDefault("mqtt_topic_state", "eeg/{device_id}/state")
	v.SetDefault("mqtt_topic_health", "eeg/{device_id}/health")
	v.SetDefault("mqtt_topic_raw", "eeg/{device_id}/raw")
	v.SetDefault("mqtt_topic_control", "eeg/{device_id}/control")

	v.SetDefault("store", "none")
	v.SetDefault("clickhouse_addr", "localhost:9000")
	v.SetDefault("clickhouse_db", "eeg")
	v.SetDefault("clickhouse_user", "default")
	v.SetDefault("clickhouse_pass", "")
	v.SetDefault("sqlite_path", "./data/results.db")

	v.SetDefault("history_max", 0)
	v.SetDefault("history_path", "")

	v.SetDefault("health_interval", "30s")
	v.SetDefault("health_skip_rate_warn", 0.8)
}

// Load reads .env, the environment and the file named by CONFIG_FILE
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file (yaml, toml or json).
// Environment variables override file values; an empty path falls back to CONFIG_FILE.
func LoadFile(path string) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		logrus.WithField("path", v.ConfigFileUsed()).Debug("Config: Loaded file")
	}

	cfg := &Config{
		LogLevel:  v.GetString("log_level"),
		LogFormat: strings.ToLower(v.GetString("log_format")),

		DeviceID:        v.GetString("device_id"),
		BoardSource:     strings.ToLower(v.GetString("board_source")),
		EDFPath:         v.GetString("edf_path"),
		SimSamplingRate: v.GetFloat64("sim_sampling_rate"),
		SimSeed:         v.GetUint64("sim_seed"),

		BurstDuration:    v.GetDuration("burst_duration"),
		WarmUp:           v.GetDuration("warm_up"),
		RetryInterval:    v.GetDuration("retry_interval"),
		RetryMultiplier:  v.GetFloat64("retry_multiplier"),
		RetryMaxInterval: v.GetDuration("retry_max_interval"),
		RetryMaxAttempts: v.GetInt("retry_max_attempts"),

		LineNoise:   strings.ToLower(v.GetString("line_noise")),
		ForwardOnly: v.GetBool("forward_only"),

		MinSamples:         v.GetInt("min_samples"),
		AmplitudeThreshold: v.GetFloat64("amplitude_threshold"),
		MotionThreshold:    v.GetFloat64("motion_threshold"),
		VarianceRejection:  v.GetBool("variance_rejection"),
		VariancePercentile: v.GetFloat64("variance_percentile"),
		AuxLayout:          strings.ToLower(v.GetString("aux_layout")),

		ModelPath:     v.GetString("model_path"),
		RemoteURL:     v.GetString("remote_url"),
		RemoteTimeout: v.GetDuration("remote_timeout"),

		MQTTEnabled:      v.GetBool("mqtt_enabled"),
		MQTTBroker:       v.GetString("mqtt_broker"),
		MQTTClientID:     v.GetString("mqtt_client_id"),
		MQTTUsername:     v.GetString("mqtt_username"),
		MQTTPassword:     v.GetString("mqtt_password"),
		MQTTTopicState:   v.GetString("mqtt_topic_state"),
		MQTTTopicHealth:  v.GetString("mqtt_topic_health"),
		MQTTTopicRaw:     v.GetString("mqtt_topic_raw"),
		MQTTTopicControl: v.GetString("mqtt_topic_control"),

		Store:          strings.ToLower(v.GetString("store")),
		ClickHouseAddr: v.GetString("clickhouse_addr"),
		ClickHouseDB:   v.GetString("clickhouse_db"),
		ClickHouseUser: v.GetString("clickhouse_user"),
		ClickHousePass: v.GetString("clickhouse_pass"),
		SQLitePath:     v.GetString("sqlite_path"),

		HistoryMax:  v.GetInt("history_max"),
		HistoryPath: v.GetString("history_path"),

		HealthInterval:     v.GetDuration("health_interval"),
		HealthSkipRateWarn: v.GetFloat64("health_skip_rate_warn"),
	}
	return cfg, nil
}

// Validate checks ranges and enum values. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	oneOf := func(name, value string, allowed []string) {
		check(slices.Contains(allowed, value), "%s must be one of %v, got %q", name, allowed, value)
	}

	_, err := logrus.ParseLevel(c.LogLevel)
	check(err == nil, "LOG_LEVEL %q is not a valid level", c.LogLevel)
	oneOf("LOG_FORMAT", c.LogFormat, LogFormats)

	check(c.DeviceID != "", "DEVICE_ID must not be empty")
	oneOf("BOARD_SOURCE", c.BoardSource, BoardSources)
	check(c.BoardSource != "edf" || c.EDFPath != "", "EDF_PATH is required when BOARD_SOURCE is edf")
	check(c.BoardSource != "mqtt" || c.MQTTEnabled, "BOARD_SOURCE mqtt requires MQTT_ENABLED")
	check(c.SimSamplingRate > 0, "SIM_SAMPLING_RATE must be > 0, got %v", c.SimSamplingRate)

	check(c.BurstDuration > 0, "BURST_DURATION must be > 0, got %v", c.BurstDuration)
	check(c.WarmUp >= 2*c.BurstDuration, "WARM_UP must be at least twice BURST_DURATION (%v), got %v", 2*c.BurstDuration, c.WarmUp)
	check(c.RetryInterval > 0, "RETRY_INTERVAL must be > 0, got %v", c.RetryInterval)
	check(c.RetryMultiplier >= 1, "RETRY_MULTIPLIER must be >= 1, got %v", c.RetryMultiplier)
	check(c.RetryMaxAttempts >= 0, "RETRY_MAX_ATTEMPTS must be >= 0, got %d", c.RetryMaxAttempts)

	oneOf("LINE_NOISE", c.LineNoise, LineNoises)

	check(c.MinSamples >= 16 && c.MinSamples <= 32 && c.MinSamples%2 == 0,
		"MIN_SAMPLES must be even and within [16, 32], got %d", c.MinSamples)
	check(c.AmplitudeThreshold >= 100 && c.AmplitudeThreshold <= 250,
		"AMPLITUDE_THRESHOLD must be within [100, 250] uV, got %v", c.AmplitudeThreshold)
	check(c.MotionThreshold > 0, "MOTION_THRESHOLD must be > 0, got %v", c.MotionThreshold)
	check(c.VariancePercentile > 0 && c.VariancePercentile < 100,
		"VARIANCE_PERCENTILE must be within (0, 100), got %v", c.VariancePercentile)
	oneOf("AUX_LAYOUT", c.AuxLayout, AuxLayouts)

	check(c.RemoteURL != "" || c.ModelPath != "", "MODEL_PATH or REMOTE_URL is required")
	check(c.RemoteURL == "" || c.RemoteTimeout > 0, "REMOTE_TIMEOUT must be > 0, got %v", c.RemoteTimeout)

	check(!c.MQTTEnabled || c.MQTTBroker != "", "MQTT_BROKER is required when MQTT is enabled")

	oneOf("STORE", c.Store, Stores)
	check(c.Store != "sqlite" || c.SQLitePath != "", "SQLITE_PATH is required when STORE is sqlite")
	check(c.Store != "clickhouse" || c.ClickHouseAddr != "", "CLICKHOUSE_ADDR is required when STORE is clickhouse")

	check(c.HistoryMax >= 0, "HISTORY_MAX must be >= 0, got %d", c.HistoryMax)
	check(c.HealthInterval > 0, "HEALTH_INTERVAL must be > 0, got %v", c.HealthInterval)
	check(c.HealthSkipRateWarn >= 0 && c.HealthSkipRateWarn <= 1,
		"HEALTH_SKIP_RATE_WARN must be within [0, 1], got %v", c.HealthSkipRateWarn)

	return errors.Join(errs...)
}

// SetupLogging applies the log level and format to the standard logrus logger
func (c *Config) SetupLogging() error {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(level)
	if c.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
