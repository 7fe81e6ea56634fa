// Package config loads config.yaml, an optional .env file and OWLDET_* overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"OwlDetServer/engine"
	"OwlDetServer/logger"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	RegistryFile   = "file"
	RegistrySQLite = "sqlite"
	RegistryMemory = "memory"
)

type Config struct {
	HTTPPort          int             `yaml:"HTTPPort"`
	RPCPort           int             `yaml:"RPCPort"`
	MonitorPort       int             `yaml:"MonitorPort"`
	LogMode           string          `yaml:"LogMode"`
	CacheSize         int             `yaml:"CacheSize"`
	DefaultConfidence float32         `yaml:"DefaultConfidence"`
	Extractor         ExtractorConfig `yaml:"Extractor"`
	Registry          RegistryConfig  `yaml:"Registry"`
}

type ExtractorConfig struct {
	Backend     string   `yaml:"Backend"`
	ModelPath   string   `yaml:"ModelPath"`
	InputName   string   `yaml:"InputName"`
	OutputNames []string `yaml:"OutputNames"`
	InputSize   int      `yaml:"InputSize"`
	UseGPU      bool     `yaml:"UseGPU"`
	RemoteURL   string   `yaml:"RemoteURL"`
	TimeoutMs   int      `yaml:"TimeoutMs"`
}

type RegistryConfig struct {
	Backend    string `yaml:"Backend"`
	Dir        string `yaml:"Dir"`
	SQLitePath string `yaml:"SQLitePath"`
}

func Default() Config {
	return Config{
		HTTPPort:          8080,
		RPCPort:           50051,
		MonitorPort:       50052,
		LogMode:           "production",
		CacheSize:         20,
		DefaultConfidence: 0.9,
		Extractor: ExtractorConfig{
			Backend:   engine.BackendGoCV,
			ModelPath: "models/owlv2-base-patch16-ensemble.onnx",
			InputName: "pixel_values",
			InputSize: 960,
			TimeoutMs: 30000,
		},
		Registry: RegistryConfig{
			Backend:    RegistryFile,
			Dir:        "models",
			SQLitePath: "models/registry.db",
		},
	}
}

// Load reads path (a missing file means defaults), then envFile, then the environment.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			logger.Named("config").Warn("config file not found, using defaults", zap.String("path", path))
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.HTTPPort = getEnvAsInt("OWLDET_HTTP_PORT", cfg.HTTPPort)
	cfg.RPCPort = getEnvAsInt("OWLDET_RPC_PORT", cfg.RPCPort)
	cfg.MonitorPort = getEnvAsInt("OWLDET_MONITOR_PORT", cfg.MonitorPort)
	cfg.CacheSize = getEnvAsInt("OWLDET_CACHE_SIZE", cfg.CacheSize)
	cfg.LogMode = getEnv("OWLDET_LOG_MODE", cfg.LogMode)
	cfg.Extractor.Backend = getEnv("OWLDET_EXTRACTOR_BACKEND", cfg.Extractor.Backend)
	cfg.Extractor.ModelPath = getEnv("OWLDET_MODEL_PATH", cfg.Extractor.ModelPath)
	cfg.Extractor.RemoteURL = getEnv("OWLDET_REMOTE_URL", cfg.Extractor.RemoteURL)
	cfg.Registry.Backend = getEnv("OWLDET_REGISTRY_BACKEND", cfg.Registry.Backend)
	cfg.Registry.Dir = getEnv("OWLDET_REGISTRY_DIR", cfg.Registry.Dir)
}

// validate resets out-of-range numbers to their defaults and rejects unknown backends.
func (c *Config) validate() error {
	def := Default()
	log := logger.Named("config")
	fixInt := func(name string, v *int, fallback int) {
		if *v <= 0 {
			log.Warn("invalid value, using default", zap.String("key", name), zap.Int("value", *v), zap.Int("default", fallback))
			*v = fallback
		}
	}
	fixInt("HTTPPort", &c.HTTPPort, def.HTTPPort)
	fixInt("RPCPort", &c.RPCPort, def.RPCPort)
	fixInt("MonitorPort", &c.MonitorPort, def.MonitorPort)
	fixInt("CacheSize", &c.CacheSize, def.CacheSize)
	fixInt("Extractor.InputSize", &c.Extractor.InputSize, def.Extractor.InputSize)
	fixInt("Extractor.TimeoutMs", &c.Extractor.TimeoutMs, def.Extractor.TimeoutMs)
	if c.DefaultConfidence < 0 || c.DefaultConfidence > 1 {
		log.Warn("DefaultConfidence must be between 0.0 and 1.0, using default",
			zap.Float32("value", c.DefaultConfidence), zap.Float32("default", def.DefaultConfidence))
		c.DefaultConfidence = def.DefaultConfidence
	}

	switch c.Extractor.Backend {
	case engine.BackendGoCV:
	case engine.BackendRemote:
		if c.Extractor.RemoteURL == "" {
			return fmt.Errorf("extractor backend %q needs RemoteURL", c.Extractor.Backend)
		}
	default:
		return fmt.Errorf("unknown extractor backend %q", c.Extractor.Backend)
	}
	switch c.Registry.Backend {
	case RegistryFile, RegistrySQLite, RegistryMemory:
	default:
		return fmt.Errorf("unknown registry backend %q", c.Registry.Backend)
	}
	switch c.LogMode {
	case "", "production", "development":
	default:
		return fmt.Errorf("unknown log mode %q", c.LogMode)
	}
	return nil
}

func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		Backend:     c.Extractor.Backend,
		ModelPath:   c.Extractor.ModelPath,
		InputName:   c.Extractor.InputName,
		OutputNames: c.Extractor.OutputNames,
		InputSize:   c.Extractor.InputSize,
		UseGPU:      c.Extractor.UseGPU,
		RemoteURL:   c.Extractor.RemoteURL,
		Timeout:     time.Duration(c.Extractor.TimeoutMs) * time.Millisecond,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		logger.Named("config").Warn("ignoring non-numeric env value", zap.String("key", key), zap.String("value", valueStr))
		return defaultValue
	}
	return value
}
