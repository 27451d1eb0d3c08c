package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-labwatch/internal/domain/lab"
	"github.com/drfirst/go-labwatch/internal/domain/patient"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"LABWATCH_BACKEND_URL", "LABWATCH_BACKOFF", "LABWATCH_MAX_ATTEMPTS", "LOG_LEVEL"} {
		t.Setenv(k, "")
	}
}

func TestMissingFileYieldsDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.Equal(t, 10*time.Second, cfg.AnalyzerConfig().Backoff)
	assert.Zero(t, cfg.AnalyzerConfig().MaxAttempts)
}

func TestLoadYAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "analyser.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
directory:
  base_url: http://directory:5000
  timeout: 2s
  breaker:
    failure_threshold: 3
analysis:
  backoff: 250ms
  max_attempts: 6
tolerance:
  default: 30
  zodiac:
    aries: 70
    Gemini: 45
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://directory:5000", cfg.Directory.BaseURL)
	assert.Equal(t, 250*time.Millisecond, cfg.Analysis.Backoff)
	assert.Equal(t, 6, cfg.Analysis.MaxAttempts)
	assert.Equal(t, 16, cfg.Analysis.Workers, "unset keys keep defaults")

	client := cfg.DirectoryClientConfig()
	assert.Equal(t, 2*time.Second, client.Timeout)
	assert.Equal(t, uint32(3), client.Breaker.FailureThreshold)
	assert.Equal(t, "directory", client.Breaker.Name)

	policy, err := cfg.Policy()
	require.NoError(t, err)
	aries, gemini := patient.Aries, patient.Gemini
	assert.Equal(t, lab.MustGlucoseLevel(70), policy.Threshold(&aries))
	assert.Equal(t, lab.MustGlucoseLevel(45), policy.Threshold(&gemini))
	assert.Equal(t, lab.MustGlucoseLevel(30), policy.Threshold(nil))
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("LABWATCH_BACKEND_URL", "http://elsewhere:5000")
	t.Setenv("LABWATCH_BACKOFF", "1s")
	t.Setenv("LABWATCH_MAX_ATTEMPTS", "3")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "http://elsewhere:5000", cfg.Directory.BaseURL)
	assert.Equal(t, time.Second, cfg.Analysis.Backoff)
	assert.Equal(t, 3, cfg.Analysis.MaxAttempts)

	t.Setenv("LABWATCH_MAX_ATTEMPTS", "many")
	_, err = Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateRejectsBadTolerance(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown sign", func(c *Config) { c.Tolerance.Zodiac["Ophiuchus"] = 40 }},
		{"threshold out of range", func(c *Config) { c.Tolerance.Zodiac["Leo"] = 100 }},
		{"zero default", func(c *Config) { c.Tolerance.Default = 0 }},
		{"negative attempts", func(c *Config) { c.Analysis.MaxAttempts = -1 }},
		{"no directory", func(c *Config) { c.Directory.BaseURL = "" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "analyser.yaml")

	cfg := DefaultConfig()
	cfg.Tolerance.Zodiac["Taurus"] = 55
	cfg.Analysis.Backoff = 3 * time.Second
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoggerUsesLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "warn"
	logger, err := cfg.Logger()
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(-1))
	assert.True(t, logger.Core().Enabled(1))
}

func TestShippedConfigNotifiesDemoPatients(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join("..", "..", "configs", "analyser.yaml"))
	require.NoError(t, err)
	policy, err := cfg.Policy()
	require.NoError(t, err)

	// Seeded patient 0 is an Aries with glucose 60 and must be notified
	aries := patient.Aries
	assert.Equal(t, lab.MustGlucoseLevel(30), policy.Threshold(&aries))
	assert.True(t, policy.ShouldNotify(lab.MustGlucoseLevel(60), &aries))
}
