package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Log            LogConfig            `mapstructure:"log"`
	JWT            JWTConfig            `mapstructure:"jwt"`
	Security       SecurityConfig       `mapstructure:"security"`
	Monitoring     MonitoringConfig     `mapstructure:"monitoring"`
	Platform       PlatformConfig       `mapstructure:"platform"`
	Scheduler      SchedulerConfig      `mapstructure:"scheduler"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Encryption     EncryptionConfig     `mapstructure:"encryption"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	TimeZone        string        `mapstructure:"timezone"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// PostgresDSN returns DSN when set, otherwise builds one from the discrete fields.
func (d DatabaseConfig) PostgresDSN() string {
	if d.DSN != "" {
		return d.DSN
	}
	ssl := d.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	tz := d.TimeZone
	if tz == "" {
		tz = "UTC"
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=%s",
		d.Host, d.User, d.Password, d.Name, d.Port, ssl, tz)
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json, text
	Output     string `mapstructure:"output"` // stdout, file, both
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`    // MB
	MaxAge     int    `mapstructure:"max_age"`     // days
	MaxBackups int    `mapstructure:"max_backups"` // number of backup files
	Compress   bool   `mapstructure:"compress"`
}

type JWTConfig struct {
	Secret    string        `mapstructure:"secret"`
	ExpiresIn time.Duration `mapstructure:"expires_in"`
}

type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
}

type CORSConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
}

type RateLimitingConfig struct {
	Enabled           bool                  `mapstructure:"enabled"`
	RequestsPerMinute int                   `mapstructure:"requests_per_minute"`
	Burst             int                   `mapstructure:"burst"`
	Paths             []PathRateLimitConfig `mapstructure:"paths"`
	WhitelistIPs      []string              `mapstructure:"whitelist_ips"`
}

// PathRateLimitConfig overrides the global limit for requests under Prefix.
type PathRateLimitConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	Prefix            string `mapstructure:"prefix"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute"`
	Burst             int    `mapstructure:"burst"`
}

type MonitoringConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MetricsPath string        `mapstructure:"metrics_path"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

// TracingConfig OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"` // OTLP gRPC, e.g. http://otel-collector:4317
	Insecure    bool    `mapstructure:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
	ServiceName string  `mapstructure:"service_name"`
}

// PlatformConfig holds the Graph API and webhook credentials.
type PlatformConfig struct {
	GraphBaseURL string        `mapstructure:"graph_base_url"`
	APIVersion   string        `mapstructure:"api_version"`
	AppSecret    string        `mapstructure:"app_secret"`
	VerifyToken  string        `mapstructure:"verify_token"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryDelay   time.Duration `mapstructure:"retry_delay"`
}

type SchedulerConfig struct {
	CronSecret       string        `mapstructure:"cron_secret"`
	BatchSize        int           `mapstructure:"batch_size"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
	StaleAfter       time.Duration `mapstructure:"stale_after"`
	PassTimeout      time.Duration `mapstructure:"pass_timeout"`
	RefreshWindow    time.Duration `mapstructure:"refresh_window"`
	EmbeddedInterval time.Duration `mapstructure:"embedded_interval"` // 0 disables the in-process ticker
	Timezone         string        `mapstructure:"timezone"`
}

// Location resolves Timezone, falling back to UTC.
func (s SchedulerConfig) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

type CircuitBreakerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	MaxFailures     int           `mapstructure:"max_failures"`
	ResetTimeout    time.Duration `mapstructure:"reset_timeout"`
	HalfOpenMaxReqs int           `mapstructure:"half_open_max_requests"`
}

type EncryptionConfig struct {
	TokenKey string `mapstructure:"token_key"`
}

// envKeys can be supplied through the environment without a config file
// (AUTODM_ prefix, dots become underscores).
var envKeys = []string{
	"server.port",
	"database.dsn",
	"log.level",
	"jwt.secret",
	"platform.app_secret",
	"platform.verify_token",
	"scheduler.cron_secret",
	"scheduler.embedded_interval",
	"scheduler.timezone",
	"encryption.token_key",
	"monitoring.tracing.enabled",
	"monitoring.tracing.endpoint",
}

// BindEnv registers envKeys with viper.
func BindEnv() {
	for _, k := range envKeys {
		_ = viper.BindEnv(k)
	}
}

// Load 在默认配置基础上叠加 viper 中读取到的值
func Load() (*Config, error) {
	cfg := GetDefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// GetDefaultConfig 返回默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "password",
			Name:            "autodm",
			SSLMode:         "disable",
			TimeZone:        "UTC",
			MaxOpenConns:    50,
			MaxIdleConns:    10,
			ConnMaxLifetime: time.Hour,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePath:   "./logs/autodm.log",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 3,
			Compress:   true,
		},
		JWT: JWTConfig{
			Secret:    "default-secret-key",
			ExpiresIn: 24 * time.Hour,
		},
		Security: SecurityConfig{
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE"},
				AllowedHeaders: []string{"*"},
			},
			RateLimiting: RateLimitingConfig{
				Enabled:           true,
				RequestsPerMinute: 600,
				Burst:             100,
			},
		},
		Monitoring: MonitoringConfig{
			Enabled:     true,
			MetricsPath: "/metrics",
			Tracing: TracingConfig{
				Enabled:     false,
				Endpoint:    "http://localhost:4317",
				Insecure:    true,
				SampleRatio: 0.1,
				ServiceName: "autodm",
			},
		},
		Platform: PlatformConfig{
			GraphBaseURL: "https://graph.facebook.com",
			APIVersion:   "v19.0",
			Timeout:      15 * time.Second,
			MaxRetries:   2,
			RetryDelay:   500 * time.Millisecond,
		},
		Scheduler: SchedulerConfig{
			BatchSize:     25,
			MaxAttempts:   3,
			RetryBackoff:  30 * time.Second,
			StaleAfter:    15 * time.Minute,
			PassTimeout:   5 * time.Minute,
			RefreshWindow: 7 * 24 * time.Hour,
			Timezone:      "UTC",
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:         true,
			MaxFailures:     5,
			ResetTimeout:    60 * time.Second,
			HalfOpenMaxReqs: 3,
		},
	}
}
