// Package config provides application configuration management using environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ReleaseDateLayout is the time layout of a release date once its underscores are replaced
// with spaces. Cookies and date settings are written "october_5_2017"; "_2" cannot appear in
// the layout itself because it is the space-padded day directive.
const ReleaseDateLayout = "January 2 2006"

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	NATS      NATSConfig
	Gateway   GatewayConfig
	Compat    CompatConfig
	Voice     VoiceConfig
	Snowflake SnowflakeConfig
	Logging   LoggingConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	HTTPPort string
	GRPCPort string
	Host     string
	Env      string
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host           string
	Port           string
	User           string
	Password       string
	Name           string
	SSLMode        string
	MaxOpenConns   int
	MaxIdleConns   int
	// MigrationsPath overrides the embedded migrations with a directory on disk
	MigrationsPath string
}

// RedisConfig configures the cross-node presence mirror. An empty Addr disables it.
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	PresenceTTL time.Duration
}

// Enabled reports whether a presence mirror should be started
func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

// NATSConfig configures the media relay used in distributed voice mode. An empty URL disables it.
type NATSConfig struct {
	URL           string
	Name          string
	SubjectPrefix string
	Timeout       time.Duration
}

// Enabled reports whether voice media negotiation is relayed to a media-server process
func (c NATSConfig) Enabled() bool {
	return c.URL != ""
}

// GatewayConfig holds the session/heartbeat knobs of the event gateway
type GatewayConfig struct {
	HeartbeatInterval  time.Duration
	HeartbeatGrace     time.Duration
	ResumeTimeout      time.Duration
	ReplayBufferSize   int
	DefaultReleaseDate time.Time
	RequireReleaseDate bool
	InboundRateLimit   int
	InboundRateWindow  time.Duration
	BroadcastPerMinute int
	GuildCacheTTL      time.Duration
}

// CompatConfig holds the client-epoch boundaries used for payload shaping
type CompatConfig struct {
	Epoch2016      time.Time
	Epoch2017      time.Time
	Epoch2018      time.Time
	PresenceCutoff time.Time
}

// VoiceConfig holds voice signalling configuration
type VoiceConfig struct {
	Endpoint          string
	HeartbeatInterval time.Duration
	InboundRateLimit  int
	InboundRateWindow time.Duration
}

// SnowflakeConfig identifies this process in generated ids
type SnowflakeConfig struct {
	WorkerID  int64
	ProcessID int64
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// Load loads configuration from environment variables
// It optionally loads from a .env file if it exists
func Load() (*Config, error) {
	// Try to load .env file (optional, ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.Server = ServerConfig{
		HTTPPort: getEnv("HTTP_PORT", "8080"),
		GRPCPort: getEnv("GRPC_PORT", "50051"),
		Host:     getEnv("SERVER_HOST", "localhost"),
		Env:      getEnv("ENVIRONMENT", "development"),
	}

	maxOpenConns, _ := strconv.Atoi(getEnv("DB_MAX_OPEN_CONNS", "25"))
	maxIdleConns, _ := strconv.Atoi(getEnv("DB_MAX_IDLE_CONNS", "5"))

	cfg.Database = DatabaseConfig{
		Host:           getEnv("DB_HOST", "localhost"),
		Port:           getEnv("DB_PORT", "5432"),
		User:           getEnv("DB_USER", "retrocord"),
		Password:       getEnv("DB_PASSWORD", ""),
		Name:           getEnv("DB_NAME", "retrocord_db"),
		SSLMode:        getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns:   maxOpenConns,
		MaxIdleConns:   maxIdleConns,
		MigrationsPath: getEnv("DB_MIGRATIONS_PATH", ""),
	}

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	cfg.Redis = RedisConfig{
		Addr:        getEnv("REDIS_ADDR", ""),
		Password:    getEnv("REDIS_PASSWORD", ""),
		DB:          redisDB,
		PresenceTTL: getDuration("REDIS_PRESENCE_TTL", 2*time.Minute),
	}

	cfg.NATS = NATSConfig{
		URL:           getEnv("NATS_URL", ""),
		Name:          getEnv("NATS_CLIENT_NAME", "retrocord-gateway"),
		SubjectPrefix: getEnv("NATS_MEDIA_SUBJECT", "retrocord.media"),
		Timeout:       getDuration("NATS_TIMEOUT", 3*time.Second),
	}

	var err error
	cfg.Gateway = GatewayConfig{
		HeartbeatInterval:  getDuration("GATEWAY_HEARTBEAT_INTERVAL", 45*time.Second),
		HeartbeatGrace:     getDuration("GATEWAY_HEARTBEAT_GRACE", 20*time.Second),
		ResumeTimeout:      getDuration("GATEWAY_RESUME_TIMEOUT", 10*time.Second),
		ReplayBufferSize:   getInt("GATEWAY_REPLAY_BUFFER", 500),
		RequireReleaseDate: getEnv("GATEWAY_REQUIRE_RELEASE_DATE", "false") == "true",
		InboundRateLimit:   getInt("GATEWAY_INBOUND_RATE_LIMIT", 120),
		InboundRateWindow:  getDuration("GATEWAY_INBOUND_RATE_WINDOW", time.Minute),
		BroadcastPerMinute: getInt("GATEWAY_BROADCASTS_PER_MINUTE", 6),
		GuildCacheTTL:      getDuration("GATEWAY_GUILD_CACHE_TTL", 30*time.Second),
	}
	if cfg.Gateway.DefaultReleaseDate, err = getDate("GATEWAY_DEFAULT_RELEASE_DATE", "october_5_2017"); err != nil {
		return nil, err
	}

	if cfg.Compat.Epoch2016, err = getDate("COMPAT_EPOCH_2016", "january_1_2016"); err != nil {
		return nil, err
	}
	if cfg.Compat.Epoch2017, err = getDate("COMPAT_EPOCH_2017", "january_1_2017"); err != nil {
		return nil, err
	}
	if cfg.Compat.Epoch2018, err = getDate("COMPAT_EPOCH_2018", "january_1_2018"); err != nil {
		return nil, err
	}
	if cfg.Compat.PresenceCutoff, err = getDate("COMPAT_PRESENCE_CUTOFF", "august_1_2016"); err != nil {
		return nil, err
	}

	cfg.Voice = VoiceConfig{
		Endpoint:          getEnv("VOICE_ENDPOINT", "localhost:8080"),
		HeartbeatInterval: getDuration("VOICE_HEARTBEAT_INTERVAL", 13750*time.Millisecond),
		InboundRateLimit:  getInt("VOICE_INBOUND_RATE_LIMIT", 120),
		InboundRateWindow: getDuration("VOICE_INBOUND_RATE_WINDOW", time.Minute),
	}

	workerID, _ := strconv.ParseInt(getEnv("SNOWFLAKE_WORKER_ID", "1"), 10, 64)
	processID, _ := strconv.ParseInt(getEnv("SNOWFLAKE_PROCESS_ID", "0"), 10, 64)
	cfg.Snowflake = SnowflakeConfig{WorkerID: workerID, ProcessID: processID}

	cfg.Logging = LoggingConfig{
		Level:  getEnv("LOG_LEVEL", "info"),
		Format: getEnv("LOG_FORMAT", "json"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.User == "" {
		return fmt.Errorf("DB_USER is required")
	}
	if c.Database.Password == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("DB_NAME is required")
	}

	if c.Gateway.HeartbeatInterval <= 0 {
		return fmt.Errorf("GATEWAY_HEARTBEAT_INTERVAL must be positive")
	}
	if c.Gateway.HeartbeatGrace < 0 {
		return fmt.Errorf("GATEWAY_HEARTBEAT_GRACE must not be negative")
	}
	if c.Gateway.ResumeTimeout <= 0 {
		return fmt.Errorf("GATEWAY_RESUME_TIMEOUT must be positive")
	}
	if c.Gateway.ReplayBufferSize <= 0 {
		return fmt.Errorf("GATEWAY_REPLAY_BUFFER must be positive")
	}
	if c.Gateway.InboundRateLimit <= 0 || c.Gateway.InboundRateWindow <= 0 {
		return fmt.Errorf("GATEWAY_INBOUND_RATE_LIMIT and GATEWAY_INBOUND_RATE_WINDOW must be positive")
	}

	if c.Voice.HeartbeatInterval <= 0 {
		return fmt.Errorf("VOICE_HEARTBEAT_INTERVAL must be positive")
	}
	if c.Voice.InboundRateLimit <= 0 || c.Voice.InboundRateWindow <= 0 {
		return fmt.Errorf("VOICE_INBOUND_RATE_LIMIT and VOICE_INBOUND_RATE_WINDOW must be positive")
	}

	if !c.Compat.Epoch2016.Before(c.Compat.Epoch2017) || !c.Compat.Epoch2017.Before(c.Compat.Epoch2018) {
		return fmt.Errorf("COMPAT_EPOCH_* boundaries must be strictly increasing")
	}

	if c.Snowflake.WorkerID < 0 || c.Snowflake.WorkerID > 31 {
		return fmt.Errorf("SNOWFLAKE_WORKER_ID must be between 0 and 31")
	}
	if c.Snowflake.ProcessID < 0 || c.Snowflake.ProcessID > 31 {
		return fmt.Errorf("SNOWFLAKE_PROCESS_ID must be between 0 and 31")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error")
	}
	validLogFormats := map[string]bool{"json": true, "console": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, console")
	}

	return nil
}

// GetDSN returns the database connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// ParseReleaseDate parses a "month_day_year" date such as "october_5_2017"
func ParseReleaseDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if strings.Contains(value, " ") {
		return time.Time{}, fmt.Errorf("invalid release date %q: expected month_day_year", value)
	}
	t, err := time.Parse(ReleaseDateLayout, strings.ReplaceAll(value, "_", " "))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid release date %q: %w", value, err)
	}
	return t, nil
}

// getEnv retrieves an environment variable with a fallback default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getInt(key string, defaultValue int) int {
	v, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return v
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return d
}

func getDate(key, defaultValue string) (time.Time, error) {
	t, err := ParseReleaseDate(getEnv(key, defaultValue))
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w", key, err)
	}
	return t, nil
}
