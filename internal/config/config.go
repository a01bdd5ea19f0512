package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Security  SecurityConfig  `json:"security"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Cache     CacheConfig     `json:"cache"`
	Tracing   TracingConfig   `json:"tracing"`
	Retry     RetryConfig     `json:"retry"`
	Features  FeaturesConfig  `json:"features"`
	Engine    EngineConfig    `json:"engine"`
}

// ServerConfig holds server-related configuration.
type ServerConfig struct {
	Port      string `json:"port" env:"SERVER_PORT"`
	Host      string `json:"host" env:"SERVER_HOST"`
	EnableTLS bool   `json:"enable_tls" env:"SERVER_ENABLE_TLS"`
	CertFile  string `json:"cert_file" env:"SERVER_CERT_FILE"`
	KeyFile   string `json:"key_file" env:"SERVER_KEY_FILE"`
	Env       string `json:"env" env:"APP_ENV"`
}

// DatabaseConfig holds database-related configuration.
type DatabaseConfig struct {
	Path        string        `json:"path" env:"DATABASE_PATH"`
	BusyTimeout time.Duration `json:"busy_timeout" env:"DATABASE_BUSY_TIMEOUT"`
}

// SecurityConfig holds security-related configuration.
type SecurityConfig struct {
	// Max request body size in bytes (default: 1MB)
	MaxRequestBodySize int64 `json:"max_request_body_size" env:"MAX_REQUEST_BODY_SIZE"`
	// Allowed CORS origins (comma-separated)
	AllowedOrigins string `json:"allowed_origins" env:"ALLOWED_ORIGINS"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool `json:"enabled" env:"RATE_LIMIT_ENABLED"`
	Rate    int  `json:"rate" env:"RATE_LIMIT_RATE"`
	Window  int  `json:"window" env:"RATE_LIMIT_WINDOW"` // in seconds
	Burst   int  `json:"burst" env:"RATE_LIMIT_BURST"`
}

// CacheConfig selects the leaderboard cache. An empty RedisAddr keeps it in memory.
type CacheConfig struct {
	RedisAddr      string        `json:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword  string        `json:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB        int           `json:"redis_db" env:"REDIS_DB"`
	LeaderboardTTL time.Duration `json:"leaderboard_ttl" env:"LEADERBOARD_TTL"`
}

// TracingConfig configures the Jaeger exporter.
type TracingConfig struct {
	Enabled        bool   `json:"enabled" env:"TRACING_ENABLED"`
	JaegerEndpoint string `json:"jaeger_endpoint" env:"JAEGER_ENDPOINT"`
	ServiceName    string `json:"service_name" env:"TRACING_SERVICE_NAME"`
}

// RetryConfig bounds the retry of conflicting operations.
type RetryConfig struct {
	MaxAttempts    int           `json:"max_attempts" env:"RETRY_MAX_ATTEMPTS"`
	InitialBackoff time.Duration `json:"initial_backoff" env:"RETRY_INITIAL_BACKOFF"`
	MaxBackoff     time.Duration `json:"max_backoff" env:"RETRY_MAX_BACKOFF"`
}

// FeaturesConfig sets the initial state of the engine's feature flags.
type FeaturesConfig struct {
	Challenges    bool `json:"challenges" env:"FEATURE_CHALLENGES"`
	StampCards    bool `json:"stamp_cards" env:"FEATURE_STAMP_CARDS"`
	SpinWheel     bool `json:"spin_wheel" env:"FEATURE_SPIN_WHEEL"`
	AutoAssign    bool `json:"auto_assign" env:"FEATURE_AUTO_ASSIGN"`
	PointsRewards bool `json:"points_rewards" env:"FEATURE_POINTS_REWARDS"`
	RewardPublish bool `json:"reward_publish" env:"FEATURE_REWARD_PUBLISH"`
}

// EngineConfig holds the loyalty engine settings.
type EngineConfig struct {
	ProgramsFile string `json:"programs_file" env:"PROGRAMS_FILE"`
	// RandomSeed fixes the spin RNG; 0 draws a seed from crypto/rand.
	RandomSeed uint64 `json:"random_seed" env:"RANDOM_SEED"`
	// DifficultyMultipliers scale challenge rewards by template difficulty.
	DifficultyMultipliers map[string]float64 `json:"difficulty_multipliers"`
	RewardFloor           float64            `json:"reward_floor" env:"REWARD_FLOOR"`
	RewardCeiling         float64            `json:"reward_ceiling" env:"REWARD_CEILING"`
	// SweepInterval runs both expiry sweeps periodically; 0 leaves them to the admin endpoints.
	SweepInterval time.Duration `json:"sweep_interval" env:"SWEEP_INTERVAL"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8080",
			Env:  "development",
		},
		Database: DatabaseConfig{
			Path:        "./loyalty.db",
			BusyTimeout: 5 * time.Second,
		},
		Security: SecurityConfig{
			MaxRequestBodySize: 1 << 20,
			AllowedOrigins:     "*",
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Rate:    100,
			Window:  60,
			Burst:   20,
		},
		Cache: CacheConfig{
			LeaderboardTTL: 30 * time.Second,
		},
		Tracing: TracingConfig{
			JaegerEndpoint: "http://localhost:14268/api/traces",
			ServiceName:    "loyalty-engine",
		},
		Retry: RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: 10 * time.Millisecond,
			MaxBackoff:     200 * time.Millisecond,
		},
		Features: FeaturesConfig{
			Challenges:    true,
			StampCards:    true,
			SpinWheel:     true,
			AutoAssign:    true,
			PointsRewards: true,
			RewardPublish: true,
		},
		Engine: EngineConfig{
			ProgramsFile: "./programs.yaml",
			DifficultyMultipliers: map[string]float64{
				"easy":   1.0,
				"medium": 1.2,
				"hard":   1.5,
				"expert": 2.0,
			},
			RewardFloor:   0.8,
			RewardCeiling: 1.5,
			SweepInterval: time.Hour,
		},
	}
}

// LoadConfig loads configuration from defaults, an optional JSON file and the
// environment. Environment variables take precedence over config file values.
func LoadConfig(configFile string) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		if err := loadFromFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	return cfg, nil
}

// loadFromFile loads configuration from a JSON file.
func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, cfg)
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Server.EnableTLS && (c.Server.CertFile == "" || c.Server.KeyFile == "") {
		return fmt.Errorf("tls requires cert_file and key_file")
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.Rate <= 0 {
			return fmt.Errorf("rate limit rate must be positive")
		}
		if c.RateLimit.Window <= 0 {
			return fmt.Errorf("rate limit window must be positive")
		}
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry max attempts must be positive")
	}
	if c.Engine.ProgramsFile == "" {
		return fmt.Errorf("programs file is required")
	}
	if c.Engine.RewardFloor <= 0 || c.Engine.RewardCeiling < c.Engine.RewardFloor {
		return fmt.Errorf("reward bounds must satisfy 0 < floor <= ceiling")
	}
	if c.Engine.SweepInterval < 0 {
		return fmt.Errorf("sweep interval must not be negative")
	}
	for name, m := range c.Engine.DifficultyMultipliers {
		if m <= 0 {
			return fmt.Errorf("difficulty multiplier %q must be positive", name)
		}
	}
	return nil
}
