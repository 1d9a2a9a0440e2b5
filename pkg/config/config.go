// Package config loads the node cache's configuration via Viper, the
// way the teacher repo assembles every service's Config struct.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// CheckBindingsMode controls how often the internal binding-range
// invariant checker (§8 property 1) runs.
type CheckBindingsMode string

const (
	CheckBindingsNone      CheckBindingsMode = "NONE"
	CheckBindingsOperation CheckBindingsMode = "OPERATION"
	CheckBindingsTxn       CheckBindingsMode = "TXN"
)

// Config holds every tunable named in spec.md §6, with the same
// defaults.
type Config struct {
	CacheSize          int               `mapstructure:"cache.size"`
	EvictionBatchSize  int               `mapstructure:"eviction.batch.size"`
	EvictionReserve    int               `mapstructure:"eviction.reserve.size"`
	LockTimeout        time.Duration     `mapstructure:"lock.timeout"`
	MaxRetry           time.Duration     `mapstructure:"max.retry"`
	RetryWait          time.Duration     `mapstructure:"retry.wait"`
	NumLocks           int               `mapstructure:"num.locks"`
	ObjectIDBatchSize  int               `mapstructure:"object.id.batch.size"`
	ServerHost         string            `mapstructure:"server.host"`
	ServerPort         int               `mapstructure:"server.port"`
	CallbackPort       int               `mapstructure:"callback.port"`
	UpdateQueueSize    int               `mapstructure:"update.queue.size"`
	CheckBindings      CheckBindingsMode `mapstructure:"check.bindings"`
}

// Default returns the configuration with every default from spec.md §6
// applied.
func Default() Config {
	return Config{
		CacheSize:         5000,
		EvictionBatchSize: 100,
		EvictionReserve:   50,
		LockTimeout:       10 * time.Millisecond,
		MaxRetry:          1000 * time.Millisecond,
		RetryWait:         10 * time.Millisecond,
		NumLocks:          20,
		ObjectIDBatchSize: 1000,
		ServerHost:        "localhost",
		ServerPort:        44540,
		CallbackPort:      44541,
		UpdateQueueSize:   100,
		CheckBindings:     CheckBindingsNone,
	}
}

// Load reads configuration from environment variables prefixed
// NODECACHE_, configPath (if non-empty), and finally the built-in
// defaults, in that order of precedence — the same layering the
// teacher's services use for their own Viper-backed Config.
func Load(configPath string) (Config, error) {
	v := viper.New()
	def := Default()
	v.SetDefault("cache.size", def.CacheSize)
	v.SetDefault("eviction.batch.size", def.EvictionBatchSize)
	v.SetDefault("eviction.reserve.size", def.EvictionReserve)
	v.SetDefault("lock.timeout", def.LockTimeout)
	v.SetDefault("max.retry", def.MaxRetry)
	v.SetDefault("retry.wait", def.RetryWait)
	v.SetDefault("num.locks", def.NumLocks)
	v.SetDefault("object.id.batch.size", def.ObjectIDBatchSize)
	v.SetDefault("server.host", def.ServerHost)
	v.SetDefault("server.port", def.ServerPort)
	v.SetDefault("callback.port", def.CallbackPort)
	v.SetDefault("update.queue.size", def.UpdateQueueSize)
	v.SetDefault("check.bindings", string(def.CheckBindings))

	v.SetEnvPrefix("NODECACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", configPath, err)
		}
	}

	cfg := Config{
		CacheSize:         v.GetInt("cache.size"),
		EvictionBatchSize: v.GetInt("eviction.batch.size"),
		EvictionReserve:   v.GetInt("eviction.reserve.size"),
		LockTimeout:       v.GetDuration("lock.timeout"),
		MaxRetry:          v.GetDuration("max.retry"),
		RetryWait:         v.GetDuration("retry.wait"),
		NumLocks:          v.GetInt("num.locks"),
		ObjectIDBatchSize: v.GetInt("object.id.batch.size"),
		ServerHost:        v.GetString("server.host"),
		ServerPort:        v.GetInt("server.port"),
		CallbackPort:      v.GetInt("callback.port"),
		UpdateQueueSize:   v.GetInt("update.queue.size"),
		CheckBindings:     CheckBindingsMode(v.GetString("check.bindings")),
	}
	return cfg, cfg.Validate()
}

// Validate enforces the documented minimums (cache.size min 1000).
func (c Config) Validate() error {
	if c.CacheSize < 1000 {
		return fmt.Errorf("config: cache.size must be >= 1000, got %d", c.CacheSize)
	}
	if c.NumLocks < 1 {
		return fmt.Errorf("config: num.locks must be >= 1, got %d", c.NumLocks)
	}
	if c.EvictionReserve >= c.CacheSize {
		return fmt.Errorf("config: eviction.reserve.size must be < cache.size")
	}
	switch c.CheckBindings {
	case CheckBindingsNone, CheckBindingsOperation, CheckBindingsTxn:
	default:
		return fmt.Errorf("config: invalid check.bindings value %q", c.CheckBindings)
	}
	return nil
}
