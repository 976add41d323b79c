package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// MySQL SSL modes
const (
	SSLModeDisabled       = "disabled"
	SSLModePreferred      = "preferred"
	SSLModeRequired       = "required"
	SSLModeVerifyCA       = "verify_ca"
	SSLModeVerifyIdentity = "verify_identity"
)

// State storage types
const (
	StateTypeMemory     = "memory"
	StateTypeClickHouse = "clickhouse"
)

type Config struct {
	MySQL         MySQLConfig         `mapstructure:"mysql"`
	Source        SourceConfig        `mapstructure:"source"`
	Sink          SinkConfig          `mapstructure:"sink"`
	State         StateConfig         `mapstructure:"state"`
	Monitoring    MonitoringConfig    `mapstructure:"monitoring"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type MySQLConfig struct {
	Host        string            `mapstructure:"host"`
	Port        int               `mapstructure:"port"`
	Username    string            `mapstructure:"username"`
	Password    string            `mapstructure:"password"`
	Database    string            `mapstructure:"database"`
	ServerID    uint32            `mapstructure:"server_id"`
	Flavor      string            `mapstructure:"flavor"`
	SSLMode     string            `mapstructure:"ssl_mode"`
	SSLCert     string            `mapstructure:"ssl_cert"`
	SSLKey      string            `mapstructure:"ssl_key"`
	SSLCa       string            `mapstructure:"ssl_ca"`
	TableFilter TableFilterConfig `mapstructure:"table_filter"`
}

type TableFilterConfig struct {
	IncludePatterns []string `mapstructure:"include_patterns"`
	ExcludePatterns []string `mapstructure:"exclude_patterns"`
	IncludeTables   []string `mapstructure:"include_tables"`
	ExcludeTables   []string `mapstructure:"exclude_tables"`
}

// SourceConfig controls chunking and the two read phases.
type SourceConfig struct {
	ChunkSize                 int           `mapstructure:"chunk_size"`
	Parallelism               int           `mapstructure:"parallelism"`
	DistributionFactorLower   float64       `mapstructure:"distribution_factor_lower"`
	DistributionFactorUpper   float64       `mapstructure:"distribution_factor_upper"`
	SnapshotMaxRetries        int           `mapstructure:"snapshot_max_retries"`
	SnapshotRetryDelay        time.Duration `mapstructure:"snapshot_retry_delay"`
	LoaderBatchSize           int           `mapstructure:"loader_batch_size"`
	StreamReconnectMaxBackoff time.Duration `mapstructure:"stream_reconnect_max_backoff"`
	TableDiscoveryInterval    time.Duration `mapstructure:"table_discovery_interval"`
}

// SinkConfig selects a sink factory by identifier. Options are handed to the factory unchanged.
type SinkConfig struct {
	Type          string            `mapstructure:"type"`
	Options       map[string]string `mapstructure:"options"`
	LocalTimeZone string            `mapstructure:"local_time_zone"`
}

type ClickHouseConfig struct {
	Addresses    []string      `mapstructure:"addresses"`
	Database     string        `mapstructure:"database"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	EnableSSL    bool          `mapstructure:"enable_ssl"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	MaxIdleConns int           `mapstructure:"max_idle_conns"`
	MaxLifetime  time.Duration `mapstructure:"max_lifetime"`
}

type StateConfig struct {
	Type               string           `mapstructure:"type"`
	ClickHouse         ClickHouseConfig `mapstructure:"clickhouse"`
	Table              string           `mapstructure:"table"`
	CheckpointInterval time.Duration    `mapstructure:"checkpoint_interval"`
	RetentionPeriod    time.Duration    `mapstructure:"retention_period"`
}

type MonitoringConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Port        int    `mapstructure:"port"`
	MetricsPath string `mapstructure:"metrics_path"`
	HealthPath  string `mapstructure:"health_path"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
	LocalTime  bool   `mapstructure:"local_time"`
}

type ObservabilityConfig struct {
	ErrorReporting ErrorReportingConfig `mapstructure:"error_reporting"`
	LogExporting   LogExportingConfig   `mapstructure:"log_exporting"`
}

type ErrorReportingConfig struct {
	Enabled  bool         `mapstructure:"enabled"`
	Provider string       `mapstructure:"provider"` // sentry, noop
	Sentry   SentryConfig `mapstructure:"sentry"`
}

type SentryConfig struct {
	DSN          string        `mapstructure:"dsn"`
	Environment  string        `mapstructure:"environment"`
	Release      string        `mapstructure:"release"`
	SampleRate   float64       `mapstructure:"sample_rate"`
	Debug        bool          `mapstructure:"debug"`
	FlushTimeout time.Duration `mapstructure:"flush_timeout"`
}

type LogExportingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Provider string         `mapstructure:"provider"` // newrelic, noop
	NewRelic NewRelicConfig `mapstructure:"newrelic"`
}

type NewRelicConfig struct {
	LicenseKey    string        `mapstructure:"license_key"`
	AppName       string        `mapstructure:"app_name"`
	LogForwarding bool          `mapstructure:"log_forwarding"`
	MinLogLevel   string        `mapstructure:"min_log_level"`
	FlushTimeout  time.Duration `mapstructure:"flush_timeout"`
}

// Load reads a YAML config file, substitutes environment references and validates the result.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load for an in-memory document.
func Parse(data []byte) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	expanded, err := expandEnvWithDefaults(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to expand environment variables: %w", err)
	}

	if err := v.ReadConfig(bytes.NewBufferString(expanded)); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mysql.host", "localhost")
	v.SetDefault("mysql.port", 3306)
	v.SetDefault("mysql.server_id", 5400)
	v.SetDefault("mysql.flavor", "mysql")
	v.SetDefault("mysql.ssl_mode", SSLModePreferred)

	v.SetDefault("source.chunk_size", 8096)
	v.SetDefault("source.parallelism", 4)
	v.SetDefault("source.distribution_factor_lower", 0.05)
	v.SetDefault("source.distribution_factor_upper", 1000.0)
	v.SetDefault("source.snapshot_max_retries", 3)
	v.SetDefault("source.snapshot_retry_delay", "1s")
	v.SetDefault("source.loader_batch_size", 1000)
	v.SetDefault("source.stream_reconnect_max_backoff", "30s")
	v.SetDefault("source.table_discovery_interval", "0s")

	v.SetDefault("sink.type", "elasticsearch")

	v.SetDefault("state.type", StateTypeMemory)
	v.SetDefault("state.table", "hybrid_cdc_checkpoints")
	v.SetDefault("state.clickhouse.database", "default")
	v.SetDefault("state.clickhouse.dial_timeout", "10s")
	v.SetDefault("state.clickhouse.max_open_conns", 4)
	v.SetDefault("state.clickhouse.max_idle_conns", 2)
	v.SetDefault("state.clickhouse.max_lifetime", "1h")
	v.SetDefault("state.checkpoint_interval", "30s")
	v.SetDefault("state.retention_period", "168h")

	v.SetDefault("monitoring.enabled", true)
	v.SetDefault("monitoring.port", 8080)
	v.SetDefault("monitoring.metrics_path", "/metrics")
	v.SetDefault("monitoring.health_path", "/health")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output_path", "stdout")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 7)
	v.SetDefault("logging.compress", true)
	v.SetDefault("logging.local_time", true)

	v.SetDefault("observability.error_reporting.enabled", false)
	v.SetDefault("observability.error_reporting.provider", "sentry")
	v.SetDefault("observability.error_reporting.sentry.sample_rate", 1.0)
	v.SetDefault("observability.error_reporting.sentry.flush_timeout", "5s")

	v.SetDefault("observability.log_exporting.enabled", false)
	v.SetDefault("observability.log_exporting.provider", "newrelic")
	v.SetDefault("observability.log_exporting.newrelic.log_forwarding", true)
	v.SetDefault("observability.log_exporting.newrelic.min_log_level", "info")
	v.SetDefault("observability.log_exporting.newrelic.flush_timeout", "5s")
}

func validate(cfg *Config) error {
	if err := validateMySQL(&cfg.MySQL); err != nil {
		return err
	}
	if err := validateSource(&cfg.Source); err != nil {
		return err
	}

	if cfg.Sink.Type == "" {
		return fmt.Errorf("sink.type is required")
	}
	if cfg.Sink.LocalTimeZone != "" {
		if _, err := time.LoadLocation(cfg.Sink.LocalTimeZone); err != nil {
			return fmt.Errorf("sink.local_time_zone is invalid: %w", err)
		}
	}

	if err := validateState(&cfg.State); err != nil {
		return err
	}

	if cfg.Monitoring.Enabled {
		if err := validatePort(cfg.Monitoring.Port, "monitoring.port"); err != nil {
			return err
		}
	}

	if err := validateRange(cfg.Logging.MaxSize, 1, 1000, "logging.max_size"); err != nil {
		return err
	}
	if err := validateRange(cfg.Logging.MaxBackups, 0, 100, "logging.max_backups"); err != nil {
		return err
	}
	return validateRange(cfg.Logging.MaxAge, 0, 365, "logging.max_age")
}

func validateMySQL(cfg *MySQLConfig) error {
	if cfg.Host == "" {
		return fmt.Errorf("mysql.host is required")
	}
	if cfg.Username == "" {
		return fmt.Errorf("mysql.username is required")
	}
	if err := validatePort(cfg.Port, "mysql.port"); err != nil {
		return err
	}
	if cfg.ServerID == 0 {
		return fmt.Errorf("mysql.server_id must be non-zero")
	}

	switch cfg.SSLMode {
	case SSLModeDisabled, SSLModePreferred, SSLModeRequired, SSLModeVerifyCA, SSLModeVerifyIdentity:
	default:
		return fmt.Errorf("mysql.ssl_mode must be one of: disabled, preferred, required, verify_ca, verify_identity")
	}
	if (cfg.SSLCert == "") != (cfg.SSLKey == "") {
		return fmt.Errorf("mysql.ssl_cert and mysql.ssl_key must be specified together")
	}
	if (cfg.SSLMode == SSLModeVerifyCA || cfg.SSLMode == SSLModeVerifyIdentity) && cfg.SSLCa == "" {
		return fmt.Errorf("mysql.ssl_ca is required when ssl_mode is %s", cfg.SSLMode)
	}
	return nil
}

func validateSource(cfg *SourceConfig) error {
	if err := validateRange(cfg.ChunkSize, 1, 10000000, "source.chunk_size"); err != nil {
		return err
	}
	if err := validateRange(cfg.Parallelism, 1, 256, "source.parallelism"); err != nil {
		return err
	}
	if cfg.DistributionFactorLower <= 0 || cfg.DistributionFactorLower > cfg.DistributionFactorUpper {
		return fmt.Errorf("source.distribution_factor_lower must be positive and not exceed distribution_factor_upper, got %v..%v",
			cfg.DistributionFactorLower, cfg.DistributionFactorUpper)
	}
	if cfg.SnapshotMaxRetries < 0 {
		return fmt.Errorf("source.snapshot_max_retries must be non-negative, got %d", cfg.SnapshotMaxRetries)
	}
	if err := validatePositiveDuration(cfg.SnapshotRetryDelay, "source.snapshot_retry_delay"); err != nil {
		return err
	}
	if err := validateRange(cfg.LoaderBatchSize, 1, 1000000, "source.loader_batch_size"); err != nil {
		return err
	}
	if err := validatePositiveDuration(cfg.StreamReconnectMaxBackoff, "source.stream_reconnect_max_backoff"); err != nil {
		return err
	}
	if cfg.TableDiscoveryInterval < 0 {
		return fmt.Errorf("source.table_discovery_interval must be non-negative, got %v", cfg.TableDiscoveryInterval)
	}
	return nil
}

func validateState(cfg *StateConfig) error {
	switch cfg.Type {
	case StateTypeMemory:
	case StateTypeClickHouse:
		ch := &cfg.ClickHouse
		if len(ch.Addresses) == 0 {
			return fmt.Errorf("state.clickhouse.addresses is required when state.type is clickhouse")
		}
		if err := validateRange(ch.MaxOpenConns, 1, 1000, "state.clickhouse.max_open_conns"); err != nil {
			return err
		}
		if err := validateRange(ch.MaxIdleConns, 0, ch.MaxOpenConns, "state.clickhouse.max_idle_conns"); err != nil {
			return err
		}
		if err := validatePositiveDuration(ch.DialTimeout, "state.clickhouse.dial_timeout"); err != nil {
			return err
		}
		if cfg.Table == "" {
			return fmt.Errorf("state.table is required")
		}
	default:
		return fmt.Errorf("state.type must be one of: memory, clickhouse")
	}

	if err := validateDurationMinimum(cfg.CheckpointInterval, time.Second, "state.checkpoint_interval"); err != nil {
		return err
	}
	return validateDurationMinimum(cfg.RetentionPeriod, time.Hour, "state.retention_period")
}

func validatePort(port int, name string) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535, got %d", name, port)
	}
	return nil
}

func validatePositiveDuration(d time.Duration, name string) error {
	if d <= 0 {
		return fmt.Errorf("%s must be positive, got %v", name, d)
	}
	return nil
}

func validateDurationMinimum(d time.Duration, minimum time.Duration, name string) error {
	if d < minimum {
		return fmt.Errorf("%s must be at least %v, got %v", name, minimum, d)
	}
	return nil
}

func validateRange(value int, lo int, hi int, name string) error {
	if value < lo || value > hi {
		return fmt.Errorf("%s must be between %d and %d, got %d", name, lo, hi, value)
	}
	return nil
}
