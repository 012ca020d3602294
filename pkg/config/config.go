package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env  string
	Port int

	Source    SourceConfig
	Sink      SinkConfig
	Sync      SyncConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Log       LogConfig
	Server    ServerConfig
	Scheduler SchedulerConfig
}

// SourceConfig describes the campus-management API being mirrored from.
type SourceConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	CampusID     int
	PageSize     int
	PageDelay    time.Duration
	HTTPTimeout  time.Duration
}

// SinkConfig describes the calendar API being mirrored into.
type SinkConfig struct {
	BaseURL     string
	CalendarID  string
	TokenFile   string
	HTTPTimeout time.Duration
}

// SyncConfig tunes the reconciliation passes.
type SyncConfig struct {
	TimeZone      string
	Lookback      time.Duration
	ResetLookback time.Duration
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type LogConfig struct {
	Level  string
	Format string
}

// ServerConfig gates the ops HTTP surface exposed by the serve command.
type ServerConfig struct {
	AdminToken     string
	AllowedOrigins []string
}

// SchedulerConfig drives periodic syncs when running in serve mode.
type SchedulerConfig struct {
	Enabled    bool
	Interval   time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")

	cfg.Source = SourceConfig{
		BaseURL:      v.GetString("SOURCE_BASE_URL"),
		ClientID:     v.GetString("SOURCE_CLIENT_ID"),
		ClientSecret: v.GetString("SOURCE_CLIENT_SECRET"),
		CampusID:     v.GetInt("SOURCE_CAMPUS_ID"),
		PageSize:     v.GetInt("SOURCE_PAGE_SIZE"),
		PageDelay:    parseDuration(v.GetString("SOURCE_PAGE_DELAY"), 2*time.Second),
		HTTPTimeout:  parseDuration(v.GetString("SOURCE_HTTP_TIMEOUT"), 30*time.Second),
	}

	cfg.Sink = SinkConfig{
		BaseURL:     v.GetString("SINK_BASE_URL"),
		CalendarID:  v.GetString("SINK_CALENDAR_ID"),
		TokenFile:   v.GetString("SINK_TOKEN_FILE"),
		HTTPTimeout: parseDuration(v.GetString("SINK_HTTP_TIMEOUT"), 30*time.Second),
	}

	cfg.Sync = SyncConfig{
		TimeZone:      v.GetString("SYNC_TIMEZONE"),
		Lookback:      parseDuration(v.GetString("SYNC_LOOKBACK"), 24*time.Hour),
		ResetLookback: parseDuration(v.GetString("SYNC_RESET_LOOKBACK"), 30*24*time.Hour),
	}

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Server = ServerConfig{
		AdminToken:     v.GetString("SERVER_ADMIN_TOKEN"),
		AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS")),
	}

	cfg.Scheduler = SchedulerConfig{
		Enabled:    v.GetBool("ENABLE_SCHEDULER"),
		Interval:   parseDuration(v.GetString("SCHEDULER_INTERVAL"), 24*time.Hour),
		MaxRetries: v.GetInt("SCHEDULER_MAX_RETRIES"),
		RetryDelay: parseDuration(v.GetString("SCHEDULER_RETRY_DELAY"), time.Minute),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)

	v.SetDefault("SOURCE_BASE_URL", "https://api.intra.42.fr")
	v.SetDefault("SOURCE_CLIENT_ID", "")
	v.SetDefault("SOURCE_CLIENT_SECRET", "")
	v.SetDefault("SOURCE_CAMPUS_ID", 13)
	v.SetDefault("SOURCE_PAGE_SIZE", 30)
	v.SetDefault("SOURCE_PAGE_DELAY", "2s")
	v.SetDefault("SOURCE_HTTP_TIMEOUT", "30s")

	v.SetDefault("SINK_BASE_URL", "https://www.googleapis.com/calendar/v3")
	v.SetDefault("SINK_CALENDAR_ID", "")
	v.SetDefault("SINK_TOKEN_FILE", "sink_token")
	v.SetDefault("SINK_HTTP_TIMEOUT", "30s")

	v.SetDefault("SYNC_TIMEZONE", "Europe/Helsinki")
	v.SetDefault("SYNC_LOOKBACK", "24h")
	v.SetDefault("SYNC_RESET_LOOKBACK", "720h")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "campus_cal_sync")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("SERVER_ADMIN_TOKEN", "")
	v.SetDefault("ALLOWED_ORIGINS", "")

	v.SetDefault("ENABLE_SCHEDULER", false)
	v.SetDefault("SCHEDULER_INTERVAL", "24h")
	v.SetDefault("SCHEDULER_MAX_RETRIES", 3)
	v.SetDefault("SCHEDULER_RETRY_DELAY", "1m")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
