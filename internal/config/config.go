// Package config loads the glucose analyser settings from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/drfirst/go-labwatch/internal/analysis"
	"github.com/drfirst/go-labwatch/internal/domain/patient"
	"github.com/drfirst/go-labwatch/internal/infrastructure/directoryhttp"
	"github.com/drfirst/go-labwatch/internal/tolerance"
	"github.com/drfirst/go-labwatch/pkg/circuitbreaker"
)

// Config holds analyser configuration.
type Config struct {
	Directory DirectoryConfig `yaml:"directory"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Tolerance ToleranceConfig `yaml:"tolerance"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DirectoryConfig configures the directory API client.
type DirectoryConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the circuit breaker around directory reads.
type BreakerConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
}

// AnalysisConfig configures the retry loop and concurrency.
type AnalysisConfig struct {
	Backoff     time.Duration `yaml:"backoff"`
	MaxAttempts int           `yaml:"max_attempts"` // 0 = until the directory answers
	Workers     int           `yaml:"workers"`
}

// ToleranceConfig is the glucose threshold table. Zodiac keys are matched
// case-insensitively.
type ToleranceConfig struct {
	Default int            `yaml:"default"`
	Zodiac  map[string]int `yaml:"zodiac"`
}

// LoggingConfig configures zap.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// DefaultConfig returns the settings the analyser runs with when no file exists.
func DefaultConfig() *Config {
	return &Config{
		Directory: DirectoryConfig{
			BaseURL: "http://localhost:5000",
			Timeout: 5 * time.Second,
			Breaker: BreakerConfig{
				Timeout:          5 * time.Second,
				FailureThreshold: 5,
			},
		},
		Analysis: AnalysisConfig{
			Backoff:     10 * time.Second,
			MaxAttempts: 0,
			Workers:     16,
		},
		Tolerance: ToleranceConfig{
			Default: tolerance.DefaultThreshold,
			Zodiac:  map[string]int{},
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() error {
	if url := os.Getenv("LABWATCH_BACKEND_URL"); url != "" {
		c.Directory.BaseURL = url
	}
	if v := os.Getenv("LABWATCH_BACKOFF"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("LABWATCH_BACKOFF: %w", err)
		}
		c.Analysis.Backoff = d
	}
	if v := os.Getenv("LABWATCH_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LABWATCH_MAX_ATTEMPTS: %w", err)
		}
		c.Analysis.MaxAttempts = n
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	return nil
}

// Validate checks the configuration, including the tolerance table.
func (c *Config) Validate() error {
	var errs []error
	if c.Directory.BaseURL == "" {
		errs = append(errs, errors.New("directory.base_url is required"))
	}
	if c.Directory.Timeout <= 0 {
		errs = append(errs, errors.New("directory.timeout must be positive"))
	}
	if c.Analysis.Backoff < 0 {
		errs = append(errs, errors.New("analysis.backoff must not be negative"))
	}
	if c.Analysis.MaxAttempts < 0 {
		errs = append(errs, errors.New("analysis.max_attempts must not be negative"))
	}
	if c.Analysis.Workers < 0 {
		errs = append(errs, errors.New("analysis.workers must not be negative"))
	}
	if _, err := c.Policy(); err != nil {
		errs = append(errs, err)
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Policy builds the tolerance policy from the threshold table.
func (c *Config) Policy() (*tolerance.Policy, error) {
	table := make(map[patient.ZodiacSign]int, len(c.Tolerance.Zodiac))
	for name, v := range c.Tolerance.Zodiac {
		sign, err := patient.ParseZodiac(name)
		if err != nil {
			return nil, fmt.Errorf("tolerance.zodiac: %w", err)
		}
		table[sign] = v
	}
	return tolerance.NewPolicy(c.Tolerance.Default, table)
}

// AnalyzerConfig returns the orchestrator retry settings.
func (c *Config) AnalyzerConfig() analysis.Config {
	return analysis.Config{
		Backoff:     c.Analysis.Backoff,
		MaxAttempts: c.Analysis.MaxAttempts,
	}
}

// DirectoryClientConfig returns the directory client settings.
func (c *Config) DirectoryClientConfig() directoryhttp.Config {
	breaker := circuitbreaker.DefaultConfig("directory")
	if c.Directory.Breaker.Timeout > 0 {
		breaker.Timeout = c.Directory.Breaker.Timeout
	}
	if c.Directory.Breaker.FailureThreshold > 0 {
		breaker.FailureThreshold = c.Directory.Breaker.FailureThreshold
	}
	return directoryhttp.Config{
		BaseURL: c.Directory.BaseURL,
		Timeout: c.Directory.Timeout,
		Breaker: breaker,
	}
}

// Logger builds a zap logger at the configured level.
func (c *Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if c.Logging.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
