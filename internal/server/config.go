package server

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/Tyrowin/collabhub/internal/realtime"
)

// RateLimitConfig defines a token bucket: Burst tokens refilled every
// RefillInterval.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst"`
	RefillInterval time.Duration `yaml:"refill_interval"`
}

// AuthConfig holds the token verification settings.
type AuthConfig struct {
	Secret    string `yaml:"secret"`
	Algorithm string `yaml:"algorithm"`
}

// RelayConfig selects the cross-process relay. An empty URL keeps delivery
// local to the process.
type RelayConfig struct {
	URL   string `yaml:"url"`
	Topic string `yaml:"topic"`
}

// RealtimeConfig tunes sessions and fan-out.
type RealtimeConfig struct {
	DefaultRoom    string        `yaml:"default_room"`
	HistoryLimit   int           `yaml:"history_limit"`
	SendBufferSize int           `yaml:"send_buffer_size"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	PongWait       time.Duration `yaml:"pong_wait"`
}

// LogConfig selects the log level and encoding.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port            string          `yaml:"port"`
	AllowedOrigins  []string        `yaml:"allowed_origins"`
	MaxMessageSize  int64           `yaml:"max_message_size"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
	APIRateLimit    RateLimitConfig `yaml:"api_rate_limit"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`

	Auth        AuthConfig     `yaml:"auth"`
	DatabaseURL string         `yaml:"database_url"`
	Relay       RelayConfig    `yaml:"relay"`
	Realtime    RealtimeConfig `yaml:"realtime"`
	Log         LogConfig      `yaml:"log"`
}

func defaultConfig() Config {
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: 4096,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		APIRateLimit: RateLimitConfig{
			Burst:          20,
			RefillInterval: time.Second,
		},
		ShutdownTimeout: 10 * time.Second,
		Auth:            AuthConfig{Algorithm: "HS256"},
		Relay:           RelayConfig{Topic: realtime.DefaultRelayTopic},
		Realtime: RealtimeConfig{
			DefaultRoom:    realtime.DefaultRoom,
			HistoryLimit:   realtime.DefaultHistoryLimit,
			SendBufferSize: realtime.DefaultSendBufferSize,
			WriteTimeout:   realtime.DefaultWriteTimeout,
			PongWait:       60 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "console"},
	}
}

func sanitizeConfig(cfg Config) Config {
	def := defaultConfig()

	if cfg.Port == "" {
		cfg.Port = def.Port
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if cfg.APIRateLimit.Burst <= 0 {
		cfg.APIRateLimit.Burst = def.APIRateLimit.Burst
	}
	if cfg.APIRateLimit.RefillInterval <= 0 {
		cfg.APIRateLimit.RefillInterval = def.APIRateLimit.RefillInterval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.Auth.Algorithm == "" {
		cfg.Auth.Algorithm = def.Auth.Algorithm
	}
	if cfg.Relay.Topic == "" {
		cfg.Relay.Topic = def.Relay.Topic
	}
	if strings.TrimSpace(cfg.Realtime.DefaultRoom) == "" {
		cfg.Realtime.DefaultRoom = def.Realtime.DefaultRoom
	}
	if cfg.Realtime.HistoryLimit < 0 {
		cfg.Realtime.HistoryLimit = 0
	}
	if cfg.Realtime.SendBufferSize <= 0 {
		cfg.Realtime.SendBufferSize = def.Realtime.SendBufferSize
	}
	if cfg.Realtime.WriteTimeout <= 0 {
		cfg.Realtime.WriteTimeout = def.Realtime.WriteTimeout
	}
	if cfg.Realtime.PongWait <= 0 {
		cfg.Realtime.PongWait = def.Realtime.PongWait
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = def.Log.Format
	}
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// Validate reports settings the server cannot start with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Auth.Secret) == "" {
		return errors.New("config: JWT_SECRET must be set")
	}
	if c.Realtime.PongWait <= 0 || c.Realtime.WriteTimeout <= 0 {
		return errors.New("config: realtime timeouts must be positive")
	}
	return nil
}

// HubConfig maps the settings onto the realtime hub.
func (c *Config) HubConfig() realtime.HubConfig {
	history := c.Realtime.HistoryLimit
	if history == 0 {
		history = -1
	}
	return realtime.HubConfig{
		DefaultRoom:    c.Realtime.DefaultRoom,
		HistoryLimit:   history,
		SendBufferSize: c.Realtime.SendBufferSize,
		WriteTimeout:   c.Realtime.WriteTimeout,
		PongWait:       c.Realtime.PongWait,
		RateBurst:      c.RateLimit.Burst,
		RateInterval:   c.RateLimit.RefillInterval / time.Duration(c.RateLimit.Burst),
		RelayTopic:     c.Relay.Topic,
	}
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()
	applyEnv(&cfg)
	cfg = sanitizeConfig(cfg)
	return &cfg
}

// LoadConfig reads the YAML file at path, if any, then applies environment
// overrides and defaults. When path is empty CONFIG_FILE is consulted.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config file %s", path)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config file %s", path)
		}
	}

	applyEnv(&cfg)
	cfg = sanitizeConfig(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}
	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}
	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}
	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseRefillInterval(interval, cfg.RateLimit.RefillInterval)
	}
	if burst := os.Getenv("API_RATE_LIMIT_BURST"); burst != "" {
		cfg.APIRateLimit.Burst = parseIntValue(burst, cfg.APIRateLimit.Burst)
	}
	if interval := os.Getenv("API_RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.APIRateLimit.RefillInterval = parseRefillInterval(interval, cfg.APIRateLimit.RefillInterval)
	}
	if timeout := os.Getenv("SHUTDOWN_TIMEOUT"); timeout != "" {
		cfg.ShutdownTimeout = parseDuration(timeout, cfg.ShutdownTimeout)
	}

	if secret, ok := os.LookupEnv("JWT_SECRET"); ok {
		cfg.Auth.Secret = secret
	}
	if alg := os.Getenv("JWT_ALGORITHM"); alg != "" {
		cfg.Auth.Algorithm = alg
	}
	if dsn, ok := os.LookupEnv("DATABASE_URL"); ok {
		cfg.DatabaseURL = dsn
	}
	if relayURL, ok := os.LookupEnv("RELAY_URL"); ok {
		cfg.Relay.URL = relayURL
	}
	if topic := os.Getenv("RELAY_TOPIC"); topic != "" {
		cfg.Relay.Topic = topic
	}

	if room := os.Getenv("DEFAULT_ROOM"); room != "" {
		cfg.Realtime.DefaultRoom = strings.TrimSpace(room)
	}
	if limit := os.Getenv("HISTORY_LIMIT"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n >= 0 {
			cfg.Realtime.HistoryLimit = n
		}
	}
	if size := os.Getenv("SEND_BUFFER_SIZE"); size != "" {
		cfg.Realtime.SendBufferSize = parseIntValue(size, cfg.Realtime.SendBufferSize)
	}
	if timeout := os.Getenv("WRITE_TIMEOUT"); timeout != "" {
		cfg.Realtime.WriteTimeout = parseDuration(timeout, cfg.Realtime.WriteTimeout)
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Log.Format = format
	}
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseRefillInterval(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}

// parseDuration accepts Go durations ("750ms") or whole seconds ("10").
func parseDuration(value string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return parseRefillInterval(value, defaultValue)
}
