package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
)

// clearEnv blanks every variable Load reads so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"KESTREL_TIER", "KESTREL_CONFIG", "KESTREL_HOST", "KESTREL_PORT", "KESTREL_CORS_ORIGINS",
		"KESTREL_DB_DRIVER", "KESTREL_SQLITE_PATH", "KESTREL_PG_URL", "KESTREL_PG_HOST",
		"KESTREL_PG_PORT", "KESTREL_PG_USER", "KESTREL_PG_PASSWORD", "KESTREL_PG_DB",
		"KESTREL_PG_SSLMODE", "KESTREL_CACHE_TYPE", "KESTREL_REDIS_ADDR", "KESTREL_REDIS_PASSWORD",
		"KESTREL_BUS_TYPE", "KESTREL_NATS_URL", "KESTREL_NATS_TOKEN", "KESTREL_NATS_QUEUE_GROUP",
		"KESTREL_SCORING_STRATEGY", "KESTREL_MODEL_PATH", "KESTREL_PROFILE_SERIALIZE",
		"KESTREL_ASYNC_WORKER", "KESTREL_CALIBRATION_FILE", "KESTREL_LOG_LEVEL",
		"KESTREL_LOG_FORMAT", "OTEL_EXPORTER_OTLP_ENDPOINT",
	} {
		t.Setenv(key, "")
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func noEnvFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := load(noEnvFile(t))
	require.NoError(t, err)
	assert.Equal(t, domain.TierCommunity, cfg.Tier)
	assert.Equal(t, "sqlite", cfg.Repository.Driver)
	assert.Equal(t, "memory", cfg.Cache.Type)
	assert.Equal(t, "channel", cfg.EventBus.Type)
	assert.Equal(t, domain.StrategyRule, cfg.Scoring.Strategy)
	assert.Equal(t, 10*time.Minute, cfg.Alert.Window)
	assert.False(t, cfg.Profile.Serialize)
}

func TestLoadProTier(t *testing.T) {
	clearEnv(t)
	t.Setenv("KESTREL_TIER", "pro")

	cfg, err := load(noEnvFile(t))
	require.NoError(t, err)
	assert.Equal(t, domain.TierPro, cfg.Tier)
	assert.Equal(t, "postgres", cfg.Repository.Driver)
	assert.Equal(t, "redis", cfg.Cache.Type)
	assert.Equal(t, "nats", cfg.EventBus.Type)
	assert.True(t, cfg.Profile.Serialize)
	assert.True(t, cfg.AsyncWorker)
}

func TestLoadEnvFile(t *testing.T) {
	clearEnv(t)
	// godotenv leaves existing variables alone, so this one must be truly unset.
	os.Unsetenv("KESTREL_LOG_FORMAT")
	t.Cleanup(func() { os.Unsetenv("KESTREL_LOG_FORMAT") })

	envFile := writeFile(t, t.TempDir(), ".env", "KESTREL_LOG_FORMAT=text\n")

	cfg, err := load(envFile)
	require.NoError(t, err)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestLoadConfigFiles(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{
			name: "TOML",
			file: "kestrel.toml",
			content: `
[server]
port = 7000

[scoring]
strategy = "hybrid"
rule_weight = 0.5
model_weight = 0.5

[alert]
extreme_threshold = 0.95
elevated_threshold = 0.8
elevated_count = 4
window = "5m"

[calibration.typing_speed_cps]
min = 0.0
max = 20.0
`,
		},
		{
			name: "YAML",
			file: "kestrel.yaml",
			content: `
server:
  port: 7000
scoring:
  strategy: hybrid
  ruleWeight: 0.5
  modelWeight: 0.5
alert:
  extremeThreshold: 0.95
  elevatedThreshold: 0.8
  elevatedCount: 4
  window: 5m
calibration:
  typing_speed_cps:
    min: 0
    max: 20
`,
		},
		{
			name: "JSON",
			file: "kestrel.json",
			content: `{
  "server": {"port": 7000},
  "scoring": {"strategy": "hybrid", "ruleWeight": 0.5, "modelWeight": 0.5},
  "alert": {"extremeThreshold": 0.95, "elevatedThreshold": 0.8, "elevatedCount": 4, "window": 300000000000},
  "calibration": {"typing_speed_cps": {"min": 0, "max": 20}}
}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("KESTREL_CONFIG", writeFile(t, t.TempDir(), tt.file, tt.content))

			cfg, err := load(noEnvFile(t))
			require.NoError(t, err)
			assert.Equal(t, 7000, cfg.Server.Port)
			assert.Equal(t, "0.0.0.0", cfg.Server.Host, "unset fields keep defaults")
			assert.Equal(t, domain.StrategyHybrid, cfg.Scoring.Strategy)
			assert.Equal(t, 0.95, cfg.Alert.ExtremeThreshold)
			assert.Equal(t, 4, cfg.Alert.ElevatedCount)
			assert.Equal(t, 5*time.Minute, cfg.Alert.Window)
			assert.Equal(t, domain.Bounds{Min: 0, Max: 20}, cfg.Calibration[domain.MetricTypingSpeed])
		})
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("KESTREL_CONFIG", writeFile(t, t.TempDir(), "kestrel.toml", "[server]\nport = 7000\n"))
	t.Setenv("KESTREL_PORT", "8080")
	t.Setenv("KESTREL_SCORING_STRATEGY", "MODEL")
	t.Setenv("KESTREL_PROFILE_SERIALIZE", "true")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("KESTREL_PG_PASSWORD", "secret")
	t.Setenv("KESTREL_CORS_ORIGINS", "https://app.example.com, https://admin.example.com,")

	cfg, err := load(noEnvFile(t))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, domain.StrategyModel, cfg.Scoring.Strategy)
	assert.True(t, cfg.Profile.Serialize)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, "collector:4317", cfg.Tracing.Endpoint)
	assert.Equal(t, "secret", cfg.Repository.PostgresPassword)
	assert.Equal(t, []string{"https://app.example.com", "https://admin.example.com"}, cfg.Server.AllowedOrigins)
}

func TestLoadErrors(t *testing.T) {
	t.Run("MalformedPort", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("KESTREL_PORT", "eighty")
		_, err := load(noEnvFile(t))
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("MalformedBool", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("KESTREL_ASYNC_WORKER", "maybe")
		_, err := load(noEnvFile(t))
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("UnknownStrategy", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("KESTREL_SCORING_STRATEGY", "neural")
		_, err := load(noEnvFile(t))
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("UnsupportedExtension", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("KESTREL_CONFIG", writeFile(t, t.TempDir(), "kestrel.ini", "port=1"))
		_, err := load(noEnvFile(t))
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("MissingConfigFile", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("KESTREL_CONFIG", filepath.Join(t.TempDir(), "nope.toml"))
		_, err := load(noEnvFile(t))
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	t.Run("DefaultsAreValid", func(t *testing.T) {
		assert.NoError(t, Validate(domain.DefaultConfig()))
		assert.NoError(t, Validate(domain.ProConfig()))
	})

	t.Run("CollectsEveryProblem", func(t *testing.T) {
		cfg := domain.DefaultConfig()
		cfg.Server.Port = 0
		cfg.Repository.Driver = "mysql"
		cfg.Alert.ElevatedCount = 0
		cfg.Alert.Window = 0
		cfg.Calibration = domain.CalibrationTable{"x": {Min: 5, Max: 1}}

		err := Validate(cfg)
		require.ErrorIs(t, err, ErrInvalidConfig)
		for _, want := range []string{"port", "mysql", "elevated count", "window", "calibration x"} {
			assert.Contains(t, err.Error(), want)
		}
	})

	t.Run("ThresholdOutOfRange", func(t *testing.T) {
		cfg := domain.DefaultConfig()
		cfg.Alert.ExtremeThreshold = 1.5
		assert.ErrorIs(t, Validate(cfg), ErrInvalidConfig)
	})
}

func TestLoadCalibrationFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	t.Setenv("KESTREL_CALIBRATION_FILE", writeFile(t, dir, "calibration.yaml", "avg_dwell_time_ms:\n  min: 10\n  max: 300\n"))

	cfg, err := load(noEnvFile(t))
	require.NoError(t, err)
	assert.Equal(t, domain.Bounds{Min: 10, Max: 300}, cfg.Calibration[domain.MetricAvgDwellTime])
	assert.NotContains(t, cfg.BaseCalibration, domain.MetricAvgDwellTime)

	_, err = LoadCalibration(writeFile(t, dir, "bad.json", `{"avg_dwell_time_ms": {"min": 300, "max": 10}}`))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestCalibrationLayer(t *testing.T) {
	base := domain.CalibrationTable{domain.MetricTypingSpeed: {Min: 0, Max: 20}}
	normalizer := features.NewNormalizer(base)
	layer := NewCalibrationLayer(base, normalizer)
	base[domain.MetricTypingSpeed] = domain.Bounds{Min: 0, Max: 99}

	layer.SetTable(domain.CalibrationTable{domain.MetricAvgDwellTime: {Min: 0, Max: 1000}})
	table := normalizer.Table()
	assert.Equal(t, domain.Bounds{Min: 0, Max: 1000}, table[domain.MetricAvgDwellTime])
	assert.Equal(t, domain.Bounds{Min: 0, Max: 20}, table[domain.MetricTypingSpeed])

	// Dropping a metric from the file restores the underlying bounds.
	layer.SetTable(domain.CalibrationTable{})
	table = normalizer.Table()
	assert.Equal(t, features.DefaultCalibration()[domain.MetricAvgDwellTime], table[domain.MetricAvgDwellTime])
	assert.Equal(t, domain.Bounds{Min: 0, Max: 20}, table[domain.MetricTypingSpeed])
}

func TestCalibrationWatcher(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "calibration.json", `{"avg_dwell_time_ms": {"min": 0, "max": 400}}`)

	normalizer := features.NewNormalizer(nil)
	w, err := NewCalibrationWatcher(path, normalizer)
	require.NoError(t, err)
	defer w.Close()

	var failures atomic.Int32
	w.OnReload(func(_ domain.CalibrationTable, err error) {
		if err != nil {
			failures.Add(1)
		}
	})

	require.NoError(t, os.WriteFile(path, []byte(`{"avg_dwell_time_ms": {"min": 0, "max": 1000}}`), 0o644))
	require.Eventually(t, func() bool { return w.Reloads() >= 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, domain.Bounds{Min: 0, Max: 1000}, normalizer.Table()[domain.MetricAvgDwellTime])

	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o644))
	require.Eventually(t, func() bool { return failures.Load() >= 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, domain.Bounds{Min: 0, Max: 1000}, normalizer.Table()[domain.MetricAvgDwellTime],
		"a bad file must not replace the active table")

	t.Run("UnrelatedFilesIgnored", func(t *testing.T) {
		before := w.Reloads()
		writeFile(t, dir, "other.json", `{}`)
		time.Sleep(3 * reloadDebounce)
		assert.Equal(t, before, w.Reloads())
	})
}
