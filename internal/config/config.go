package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/irfndi/celebrum-distiller/internal/models"
	"github.com/irfndi/celebrum-distiller/internal/utils"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Environment  string             `mapstructure:"environment"`
	LogLevel     string             `mapstructure:"log_level"`
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Board        BoardConfig        `mapstructure:"board"`
	Distiller    DistillerConfig    `mapstructure:"distiller"`
	Verification VerificationConfig `mapstructure:"verification"`
	Adaptation   AdaptationConfig   `mapstructure:"adaptation"`
	Cleanup      CleanupConfig      `mapstructure:"cleanup"`
	Market       MarketConfig       `mapstructure:"market"`
	Workers      WorkersConfig      `mapstructure:"workers"`
	Agents       []AgentConfig      `mapstructure:"agents"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
	// AdminKey guards the operator POST endpoints. Empty leaves them open.
	AdminKey        string        `mapstructure:"admin_key"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type BoardConfig struct {
	Capacity     int     `mapstructure:"capacity"`
	DecayRate    float64 `mapstructure:"decay_rate"`
	MinStrength  float64 `mapstructure:"min_strength"`
	SupportBoost float64 `mapstructure:"support_boost"`
}

type DistillerConfig struct {
	DefaultWeights    map[string]float64 `mapstructure:"default_weights"`
	AgentTimeout      time.Duration      `mapstructure:"agent_timeout"`
	MaxResonanceNudge float64            `mapstructure:"max_resonance_nudge"`
	GuardThreshold    float64            `mapstructure:"guard_threshold"`
	MaxGuardPenalty   float64            `mapstructure:"max_guard_penalty"`
	MaxMLNudge        float64            `mapstructure:"max_ml_nudge"`
}

// Weights converts the configured default vector into model weights.
// Names that are not canonical dimensions are dropped.
func (c DistillerConfig) Weights() models.Weights {
	w := make(models.Weights, len(c.DefaultWeights))
	for name, v := range c.DefaultWeights {
		if dim, err := models.ParseDimension(name); err == nil && dim.IsCanonical() {
			w[dim] = v
		}
	}
	return w
}

type VerificationConfig struct {
	WindowDays int `mapstructure:"window_days"`
}

type AdaptationConfig struct {
	MinSamplesT7 int        `mapstructure:"min_samples_t7"`
	MinSamplesT1 int        `mapstructure:"min_samples_t1"`
	SmoothingT7  float64    `mapstructure:"smoothing_t7"`
	SmoothingT1  float64    `mapstructure:"smoothing_t1"`
	Bias         BiasConfig `mapstructure:"bias"`
}

type BiasConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	GapThreshold    float64 `mapstructure:"gap_threshold"`
	MaxAdjust       float64 `mapstructure:"max_adjust"`
	MinGroupSamples int     `mapstructure:"min_group_samples"`
}

type CleanupConfig struct {
	RetentionDays   int `mapstructure:"retention_days"`
	IntervalMinutes int `mapstructure:"interval_minutes"`
}

type MarketConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	MaxRetries        int           `mapstructure:"max_retries"`
	CacheTTL          time.Duration `mapstructure:"cache_ttl"`
	BreakerFailures   int           `mapstructure:"breaker_failures"`
	BreakerReset      time.Duration `mapstructure:"breaker_reset"`
}

type WorkersConfig struct {
	PersistPoolSize int `mapstructure:"persist_pool_size"`
}

type AgentConfig struct {
	Dimension string `mapstructure:"dimension"`
	URL       string `mapstructure:"url"`
}

type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name"`
}

// Load reads .env, an optional config file and the environment, in that
// order of increasing precedence. An empty path searches ./configs and the
// working directory for config.yaml.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Without an explicit path a missing file means defaults plus env.
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	config.Environment = strings.ToLower(config.Environment)
	config.Database.Driver = strings.ToLower(config.Database.Driver)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks every section. The returned error wraps a
// *utils.ValidationError.
func (c *Config) Validate() error {
	if err := c.Distiller.Weights().Validate(); err != nil {
		return fmt.Errorf("distiller.default_weights: %w", utils.NewValidationError(err.Error()))
	}
	if len(c.Distiller.Weights()) != len(c.Distiller.DefaultWeights) {
		return fmt.Errorf("distiller.default_weights: %w",
			utils.NewValidationError("unknown dimension in weight vector"))
	}
	if c.Distiller.AgentTimeout <= 0 {
		return invalid("distiller.agent_timeout", "must be positive, got %s", c.Distiller.AgentTimeout)
	}
	if c.Distiller.MaxGuardPenalty < 0 || c.Distiller.MaxGuardPenalty >= 1 {
		return invalid("distiller.max_guard_penalty", "must be in [0,1), got %v", c.Distiller.MaxGuardPenalty)
	}

	switch c.Database.Driver {
	case DriverSQLite:
		if strings.TrimSpace(c.Database.Path) == "" {
			return invalid("database.path", "is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Database.Host == "" || c.Database.DBName == "" {
			return invalid("database", "host and dbname are required for the postgres driver")
		}
	default:
		return invalid("database.driver", "must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.Database.Driver)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return invalid("server.port", "must be in 1..65535, got %d", c.Server.Port)
	}
	if c.Environment == "production" && c.Server.AdminKey == "" {
		return invalid("server.admin_key", "is required in production")
	}

	if c.Board.Capacity <= 0 {
		return invalid("board.capacity", "must be positive, got %d", c.Board.Capacity)
	}
	if c.Board.DecayRate < 0 || c.Board.DecayRate >= 1 {
		return invalid("board.decay_rate", "must be in [0,1), got %v", c.Board.DecayRate)
	}
	if c.Board.MinStrength < 0 || c.Board.MinStrength > 1 {
		return invalid("board.min_strength", "must be in [0,1], got %v", c.Board.MinStrength)
	}

	if c.Verification.WindowDays <= 0 {
		return invalid("verification.window_days", "must be positive, got %d", c.Verification.WindowDays)
	}
	for key, ratio := range map[string]float64{
		"adaptation.smoothing_t7": c.Adaptation.SmoothingT7,
		"adaptation.smoothing_t1": c.Adaptation.SmoothingT1,
	} {
		if ratio <= 0 || ratio > 1 {
			return invalid(key, "must be in (0,1], got %v", ratio)
		}
	}
	if c.Adaptation.Bias.MaxAdjust < 0 || c.Adaptation.Bias.MaxAdjust >= 1 {
		return invalid("adaptation.bias.max_adjust", "must be in [0,1), got %v", c.Adaptation.Bias.MaxAdjust)
	}

	if c.Cleanup.RetentionDays <= 0 {
		return invalid("cleanup.retention_days", "must be positive, got %d", c.Cleanup.RetentionDays)
	}
	if c.Market.RequestsPerSecond <= 0 {
		return invalid("market.requests_per_second", "must be positive, got %v", c.Market.RequestsPerSecond)
	}
	if c.Workers.PersistPoolSize < 0 {
		return invalid("workers.persist_pool_size", "must not be negative, got %d", c.Workers.PersistPoolSize)
	}

	seen := make(map[models.Dimension]bool, len(c.Agents))
	for i, a := range c.Agents {
		dim, err := models.ParseDimension(a.Dimension)
		if err != nil {
			return invalid(fmt.Sprintf("agents[%d].dimension", i), "%v", err)
		}
		if seen[dim] {
			return invalid(fmt.Sprintf("agents[%d].dimension", i), "%s configured twice", dim)
		}
		seen[dim] = true
		if strings.TrimSpace(a.URL) == "" {
			return invalid(fmt.Sprintf("agents[%d].url", i), "is required")
		}
	}
	return nil
}

func invalid(key, format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", key, utils.NewValidationErrorf(format, args...))
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.admin_key", "")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.path", "data/distiller.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "celebrum_distiller")
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("board.capacity", 20)
	v.SetDefault("board.decay_rate", 0.1)
	v.SetDefault("board.min_strength", 0.2)
	v.SetDefault("board.support_boost", 0.15)

	v.SetDefault("distiller.default_weights", map[string]float64{
		"signal":    0.30,
		"catalyst":  0.20,
		"sentiment": 0.20,
		"odds":      0.15,
		"risk_adj":  0.15,
	})
	v.SetDefault("distiller.agent_timeout", "60s")
	v.SetDefault("distiller.max_resonance_nudge", 0.5)
	v.SetDefault("distiller.guard_threshold", 4.0)
	v.SetDefault("distiller.max_guard_penalty", 0.3)
	v.SetDefault("distiller.max_ml_nudge", 0.3)

	v.SetDefault("verification.window_days", 90)

	v.SetDefault("adaptation.min_samples_t7", 10)
	v.SetDefault("adaptation.min_samples_t1", 5)
	v.SetDefault("adaptation.smoothing_t7", 0.8)
	v.SetDefault("adaptation.smoothing_t1", 0.5)
	v.SetDefault("adaptation.bias.enabled", true)
	v.SetDefault("adaptation.bias.gap_threshold", 0.5)
	v.SetDefault("adaptation.bias.max_adjust", 0.10)
	v.SetDefault("adaptation.bias.min_group_samples", 3)

	v.SetDefault("cleanup.retention_days", 400)
	v.SetDefault("cleanup.interval_minutes", 1440)

	v.SetDefault("market.base_url", "http://localhost:3001")
	v.SetDefault("market.timeout", "15s")
	v.SetDefault("market.requests_per_second", 5.0)
	v.SetDefault("market.max_retries", 3)
	v.SetDefault("market.cache_ttl", "24h")
	v.SetDefault("market.breaker_failures", 5)
	v.SetDefault("market.breaker_reset", "60s")

	v.SetDefault("workers.persist_pool_size", 0)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.service_name", "celebrum-distiller")
}
