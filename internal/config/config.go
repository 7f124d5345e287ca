// Package config assembles the runtime configuration from defaults, an
// optional config file and the environment.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrInvalidConfig is returned when the assembled configuration is unusable.
var ErrInvalidConfig = errors.New("invalid configuration")

// Load builds the configuration: .env, tier defaults, KESTREL_CONFIG file,
// environment overrides, then validation.
func Load() (*domain.Config, error) {
	return load(".env")
}

func load(envFiles ...string) (*domain.Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	cfg := domain.DefaultConfig()
	if strings.EqualFold(os.Getenv("KESTREL_TIER"), string(domain.TierPro)) {
		cfg = domain.ProConfig()
	}

	if path := os.Getenv("KESTREL_CONFIG"); path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	cfg.BaseCalibration = cfg.Calibration.Clone()
	if cfg.CalibrationFile != "" {
		table, err := LoadCalibration(cfg.CalibrationFile)
		if err != nil {
			return nil, err
		}
		cfg.Calibration = layerCalibration(cfg.BaseCalibration, table)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeFile overlays the file at path onto v, choosing the decoder by extension.
func decodeFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), v); err != nil {
			return fmt.Errorf("decode TOML %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, v); err != nil {
			return fmt.Errorf("decode YAML %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("decode JSON %s: %w", path, err)
		}
	default:
		return fmt.Errorf("%w: unsupported config format %q", ErrInvalidConfig, filepath.Ext(path))
	}
	return nil
}

func layerCalibration(base, overrides domain.CalibrationTable) domain.CalibrationTable {
	merged := base.Clone()
	for name, b := range overrides {
		merged[name] = b
	}
	return merged
}

// LoadCalibration reads a calibration table file (toml, yaml or json).
func LoadCalibration(path string) (domain.CalibrationTable, error) {
	table := domain.CalibrationTable{}
	if err := decodeFile(path, &table); err != nil {
		return nil, err
	}
	for name, b := range table {
		if b.Max < b.Min {
			return nil, fmt.Errorf("%w: calibration %s has max < min", ErrInvalidConfig, name)
		}
	}
	return table, nil
}

// applyEnv applies KESTREL_* overrides. Malformed numbers and booleans are errors.
func applyEnv(cfg *domain.Config) error {
	var errs []error

	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("KESTREL_HOST", &cfg.Server.Host)
	num("KESTREL_PORT", &cfg.Server.Port)
	if v := os.Getenv("KESTREL_CORS_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = nil
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.Server.AllowedOrigins = append(cfg.Server.AllowedOrigins, origin)
			}
		}
	}

	str("KESTREL_DB_DRIVER", &cfg.Repository.Driver)
	str("KESTREL_SQLITE_PATH", &cfg.Repository.SQLitePath)
	str("KESTREL_PG_URL", &cfg.Repository.PostgresURL)
	str("KESTREL_PG_HOST", &cfg.Repository.PostgresHost)
	num("KESTREL_PG_PORT", &cfg.Repository.PostgresPort)
	str("KESTREL_PG_USER", &cfg.Repository.PostgresUser)
	str("KESTREL_PG_PASSWORD", &cfg.Repository.PostgresPassword)
	str("KESTREL_PG_DB", &cfg.Repository.PostgresDB)
	str("KESTREL_PG_SSLMODE", &cfg.Repository.PostgresSSLMode)

	str("KESTREL_CACHE_TYPE", &cfg.Cache.Type)
	str("KESTREL_REDIS_ADDR", &cfg.Cache.RedisAddr)
	str("KESTREL_REDIS_PASSWORD", &cfg.Cache.RedisPassword)

	str("KESTREL_BUS_TYPE", &cfg.EventBus.Type)
	str("KESTREL_NATS_URL", &cfg.EventBus.NATSUrl)
	str("KESTREL_NATS_TOKEN", &cfg.EventBus.NATSToken)
	str("KESTREL_NATS_QUEUE_GROUP", &cfg.EventBus.NATSQueueGroup)

	var strategy string
	str("KESTREL_SCORING_STRATEGY", &strategy)
	if strategy != "" {
		cfg.Scoring.Strategy = domain.ScoringStrategy(strings.ToLower(strategy))
	}
	str("KESTREL_MODEL_PATH", &cfg.Scoring.ModelPath)

	flag("KESTREL_PROFILE_SERIALIZE", &cfg.Profile.Serialize)
	flag("KESTREL_ASYNC_WORKER", &cfg.AsyncWorker)
	str("KESTREL_CALIBRATION_FILE", &cfg.CalibrationFile)

	str("KESTREL_LOG_LEVEL", &cfg.Logging.Level)
	str("KESTREL_LOG_FORMAT", &cfg.Logging.Format)

	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		cfg.Tracing.Endpoint = endpoint
		cfg.Tracing.Enabled = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Validate reports every problem found in cfg, wrapped in ErrInvalidConfig.
func Validate(cfg *domain.Config) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		add("server port %d out of range", cfg.Server.Port)
	}
	if cfg.Server.MaxBodyBytes < 0 {
		add("server max body bytes must be non-negative")
	}

	switch cfg.Repository.Driver {
	case "sqlite", "postgres":
	default:
		add("unsupported repository driver %q", cfg.Repository.Driver)
	}

	switch cfg.Cache.Type {
	case "memory", "redis":
	default:
		add("unsupported cache type %q", cfg.Cache.Type)
	}

	switch cfg.EventBus.Type {
	case "channel", "nats":
	default:
		add("unsupported event bus type %q", cfg.EventBus.Type)
	}

	switch cfg.Scoring.Strategy {
	case "", domain.StrategyRule, domain.StrategyModel, domain.StrategyHybrid:
	default:
		add("unsupported scoring strategy %q", cfg.Scoring.Strategy)
	}
	if cfg.Scoring.RuleWeight < 0 || cfg.Scoring.ModelWeight < 0 {
		add("hybrid weights must be non-negative")
	}

	a := cfg.Alert
	if a.ExtremeThreshold < 0 || a.ExtremeThreshold > 1 {
		add("alert extreme threshold %v outside [0,1]", a.ExtremeThreshold)
	}
	if a.ElevatedThreshold < 0 || a.ElevatedThreshold > 1 {
		add("alert elevated threshold %v outside [0,1]", a.ElevatedThreshold)
	}
	if a.ElevatedCount < 1 {
		add("alert elevated count must be at least 1")
	}
	if a.Window <= 0 {
		add("alert window must be positive")
	}

	if cfg.Profile.Serialize && cfg.Profile.LockRetries < 0 {
		add("profile lock retries must be non-negative")
	}

	for name, b := range cfg.Calibration {
		if b.Max < b.Min {
			add("calibration %s has max < min", name)
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
