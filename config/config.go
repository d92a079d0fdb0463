// Package config holds the recognized configuration surface: durable
// store parameters, cache TTL, index retry budget, pause points, pool
// bounds, and the degraded-mode fallback switch. Values load from a
// YAML file and can be overridden from the environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

type Durable struct {
	Path           string `yaml:"path"`
	BusyTimeoutMs  int    `yaml:"busyTimeoutMs"`
	MaxOpenConns   int    `yaml:"maxOpenConns"`
	MaxIdleConns   int    `yaml:"maxIdleConns"`
	WAL            bool   `yaml:"wal"`
	PutTimeoutMs   int    `yaml:"putTimeoutMs"`
	FallbackMemory bool   `yaml:"fallbackMemory"`
}

type Cache struct {
	Enabled    bool   `yaml:"enabled"`
	Addr       string `yaml:"addr"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	TTLSeconds int    `yaml:"ttlSeconds"`
	Prefix     string `yaml:"prefix"`
}

type Index struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Workers int    `yaml:"workers"`
	Retries int    `yaml:"retries"`
	Buffer  int    `yaml:"buffer"`
}

type Controller struct {
	PausePoints     []string `yaml:"pausePoints"`
	ConflictRetries int      `yaml:"conflictRetries"`
}

type Config struct {
	Durable    Durable    `yaml:"durable"`
	Cache      Cache      `yaml:"cache"`
	Index      Index      `yaml:"index"`
	Controller Controller `yaml:"controller"`
}

// Default is the configuration used when no file is given.
func Default() Config {
	return Config{
		Durable: Durable{
			Path:           "./.statekit/checkpoints.db",
			BusyTimeoutMs:  5000,
			MaxOpenConns:   4,
			MaxIdleConns:   1,
			WAL:            true,
			PutTimeoutMs:   10000,
			FallbackMemory: true,
		},
		Cache: Cache{
			Enabled:    false,
			Addr:       "127.0.0.1:6379",
			TTLSeconds: 300,
			Prefix:     "statekit",
		},
		Index: Index{
			Enabled: true,
			Path:    "./.statekit/search.db",
			Workers: 4,
			Retries: 2,
			Buffer:  256,
		},
		Controller: Controller{
			ConflictRetries: 2,
		},
	}
}

// Load reads a YAML config file over the defaults, then applies
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	path = strings.TrimSpace(path)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to decode config file %q: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromEnv builds a config from defaults plus environment overrides.
func FromEnv() (Config, error) {
	cfg := Default()
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Durable.Path = getenv("STATEKIT_SQLITE_PATH", c.Durable.Path)
	c.Durable.MaxOpenConns = getenvInt("STATEKIT_POOL_MAX", c.Durable.MaxOpenConns)
	c.Durable.MaxIdleConns = getenvInt("STATEKIT_POOL_MIN", c.Durable.MaxIdleConns)
	c.Durable.PutTimeoutMs = getenvInt("STATEKIT_PUT_TIMEOUT_MS", c.Durable.PutTimeoutMs)
	c.Durable.FallbackMemory = getenvBool("STATEKIT_FALLBACK_MEMORY", c.Durable.FallbackMemory)

	c.Cache.Enabled = getenvBool("STATEKIT_CACHE_ENABLED", c.Cache.Enabled)
	c.Cache.Addr = getenv("STATEKIT_REDIS_ADDR", c.Cache.Addr)
	c.Cache.Password = getenv("STATEKIT_REDIS_PASSWORD", c.Cache.Password)
	c.Cache.DB = getenvInt("STATEKIT_REDIS_DB", c.Cache.DB)
	c.Cache.TTLSeconds = getenvInt("STATEKIT_CACHE_TTL_SECONDS", c.Cache.TTLSeconds)

	c.Index.Enabled = getenvBool("STATEKIT_INDEX_ENABLED", c.Index.Enabled)
	c.Index.Path = getenv("STATEKIT_INDEX_PATH", c.Index.Path)
	c.Index.Retries = getenvInt("STATEKIT_INDEX_RETRIES", c.Index.Retries)
	c.Index.Workers = getenvInt("STATEKIT_INDEX_WORKERS", c.Index.Workers)

	if raw := getenv("STATEKIT_PAUSE_POINTS", ""); raw != "" {
		points := make([]string, 0)
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				points = append(points, p)
			}
		}
		c.Controller.PausePoints = points
	}
	c.Controller.ConflictRetries = getenvInt("STATEKIT_CONFLICT_RETRIES", c.Controller.ConflictRetries)
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Durable.Path) == "" {
		return fmt.Errorf("durable.path is required")
	}
	if c.Cache.Enabled && strings.TrimSpace(c.Cache.Addr) == "" {
		return fmt.Errorf("cache.addr is required when the cache is enabled")
	}
	if c.Index.Enabled && strings.TrimSpace(c.Index.Path) == "" {
		return fmt.Errorf("index.path is required when the index is enabled")
	}
	if c.Durable.MaxOpenConns < c.Durable.MaxIdleConns {
		return fmt.Errorf("durable.maxOpenConns must be >= durable.maxIdleConns")
	}
	return nil
}

func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

func (c Config) BusyTimeout() time.Duration {
	return time.Duration(c.Durable.BusyTimeoutMs) * time.Millisecond
}

func (c Config) PutTimeout() time.Duration {
	return time.Duration(c.Durable.PutTimeoutMs) * time.Millisecond
}
