package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" yaml:"server" toml:"server"`

	// Tier determines which backends are used
	Tier Tier `json:"tier" yaml:"tier" toml:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository" yaml:"repository" toml:"repository"`
	Cache      CacheConfig      `json:"cache" yaml:"cache" toml:"cache"`
	EventBus   EventBusConfig   `json:"eventBus" yaml:"eventBus" toml:"event_bus"`

	// Engine behavior
	Scoring     ScoringConfig    `json:"scoring" yaml:"scoring" toml:"scoring"`
	Profile     ProfileConfig    `json:"profile" yaml:"profile" toml:"profile"`
	Alert       AlertConfig      `json:"alert" yaml:"alert" toml:"alert"`
	Calibration CalibrationTable `json:"calibration" yaml:"calibration" toml:"calibration"`

	// CalibrationFile is watched and hot-reloaded when set.
	CalibrationFile string `json:"calibrationFile" yaml:"calibrationFile" toml:"calibration_file"`
	// BaseCalibration is Calibration before CalibrationFile was layered on.
	BaseCalibration CalibrationTable `json:"-" yaml:"-" toml:"-"`

	// Observability
	Logging LoggingConfig `json:"logging" yaml:"logging" toml:"logging"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing" toml:"tracing"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics" toml:"metrics"`

	// AsyncWorker subscribes to submitted sessions on the event bus.
	AsyncWorker bool `json:"asyncWorker" yaml:"asyncWorker" toml:"async_worker"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" yaml:"host" toml:"host"`
	Port         int    `json:"port" yaml:"port" toml:"port"`
	ReadTimeout  int    `json:"readTimeout" yaml:"readTimeout" toml:"read_timeout"`    // seconds
	WriteTimeout int    `json:"writeTimeout" yaml:"writeTimeout" toml:"write_timeout"` // seconds

	// MaxBodyBytes caps session intake request bodies. Zero means 1 MiB.
	MaxBodyBytes int64 `json:"maxBodyBytes" yaml:"maxBodyBytes" toml:"max_body_bytes"`

	// AllowedOrigins restricts CORS. Empty allows any origin.
	AllowedOrigins []string `json:"allowedOrigins" yaml:"allowedOrigins" toml:"allowed_origins"`
}

// ScoringStrategy selects the risk scorer.
type ScoringStrategy string

const (
	StrategyRule   ScoringStrategy = "rule"
	StrategyModel  ScoringStrategy = "model"
	StrategyHybrid ScoringStrategy = "hybrid"
)

// ScoringConfig holds risk scorer settings.
type ScoringConfig struct {
	Strategy  ScoringStrategy `json:"strategy" yaml:"strategy" toml:"strategy"`
	ModelPath string          `json:"modelPath" yaml:"modelPath" toml:"model_path"`

	// Hybrid weighting, used only by the hybrid strategy.
	RuleWeight  float64 `json:"ruleWeight" yaml:"ruleWeight" toml:"rule_weight"`
	ModelWeight float64 `json:"modelWeight" yaml:"modelWeight" toml:"model_weight"`
}

// ProfileConfig holds profile updater settings.
type ProfileConfig struct {
	// Serialize enables a per-user lock around read-modify-write.
	// When false concurrent sessions for a user race and the last write wins.
	Serialize   bool          `json:"serialize" yaml:"serialize" toml:"serialize"`
	LockTTL     time.Duration `json:"lockTtl" yaml:"lockTtl" toml:"lock_ttl"`
	LockRetries int           `json:"lockRetries" yaml:"lockRetries" toml:"lock_retries"`
}

// AlertConfig holds alert evaluator settings.
type AlertConfig struct {
	ExtremeThreshold  float64        `json:"extremeThreshold" yaml:"extremeThreshold" toml:"extreme_threshold"`
	ElevatedThreshold float64        `json:"elevatedThreshold" yaml:"elevatedThreshold" toml:"elevated_threshold"`
	ElevatedCount     int            `json:"elevatedCount" yaml:"elevatedCount" toml:"elevated_count"`
	Window            time.Duration  `json:"window" yaml:"window" toml:"window"`
	ExtraTriggers     []AlertTrigger `json:"extraTriggers" yaml:"extraTriggers" toml:"extra_triggers"`
}

// AlertTrigger is an operator-defined CEL condition over risk_score and elevated_count.
type AlertTrigger struct {
	ID         string `json:"id" yaml:"id" toml:"id"`
	Expression string `json:"expression" yaml:"expression" toml:"expression"`
	Reason     string `json:"reason" yaml:"reason" toml:"reason"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" toml:"level"`    // debug, info, warn, error
	Format string `json:"format" yaml:"format" toml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	ServiceName string `json:"serviceName" yaml:"serviceName" toml:"service_name"`
	Endpoint    string `json:"endpoint" yaml:"endpoint" toml:"endpoint"` // OTLP gRPC host:port
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Path    string `json:"path" yaml:"path" toml:"path"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + channels + in-process cache
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for the community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         5000,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			ProfileTTL:   10 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Scoring: ScoringConfig{
			Strategy:    StrategyRule,
			RuleWeight:  0.4,
			ModelWeight: 0.6,
		},
		Profile: ProfileConfig{
			Serialize:   false,
			LockTTL:     5 * time.Second,
			LockRetries: 20,
		},
		Alert: AlertConfig{
			ExtremeThreshold:  0.9,
			ElevatedThreshold: 0.8,
			ElevatedCount:     3,
			Window:            10 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// ProConfig returns a configuration for the pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       30 * time.Second,
		ProfileTTL:     10 * time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Profile.Serialize = true
	cfg.Tracing.Enabled = true
	cfg.AsyncWorker = true
	return cfg
}
