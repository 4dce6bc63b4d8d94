// Package config loads runtime settings from flags, environment and an
// optional config file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. USERDIR_PG_DSN.
const EnvPrefix = "USERDIR"

// Cache backends.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
	CacheNone   = "none"
)

// Keys understood by Load.
const (
	KeyPGDSN           = "pg_dsn"
	KeyCacheBackend    = "cache_backend"
	KeyCacheTTL        = "cache_ttl"
	KeyRedisURL        = "redis_url"
	KeyRedisPrefix     = "redis_prefix"
	KeyHTTPAddr        = "http_addr"
	KeyGRPCAddr        = "grpc_addr"
	KeyInLimit         = "in_limit"
	KeyTxMaxAttempts   = "tx_max_attempts"
	KeyLowercaseLogins = "lowercase_logins"
	KeyLogLevel        = "log_level"
	KeyRateBurst       = "rate_burst"
	KeyRatePerSecond   = "rate_per_second"
)

// Config holds the settings of a userdir process.
type Config struct {
	PGDSN           string
	CacheBackend    string
	CacheTTL        time.Duration
	RedisURL        string
	RedisPrefix     string
	HTTPAddr        string
	GRPCAddr        string
	InLimit         int
	TxMaxAttempts   int
	LowercaseLogins bool
	LogLevel        string
	RateBurst       int
	RatePerSecond   int
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyCacheBackend, CacheMemory)
	v.SetDefault(KeyCacheTTL, time.Hour)
	v.SetDefault(KeyRedisPrefix, "userdir")
	v.SetDefault(KeyHTTPAddr, ":8080")
	v.SetDefault(KeyGRPCAddr, ":9090")
	v.SetDefault(KeyInLimit, 1000)
	v.SetDefault(KeyTxMaxAttempts, 3)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyRateBurst, 20)
	v.SetDefault(KeyRatePerSecond, 10)
	return v
}

// Load reads the config file named by path, if any, and decodes v.
func Load(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	cfg := Config{
		PGDSN:           v.GetString(KeyPGDSN),
		CacheBackend:    strings.ToLower(v.GetString(KeyCacheBackend)),
		CacheTTL:        v.GetDuration(KeyCacheTTL),
		RedisURL:        v.GetString(KeyRedisURL),
		RedisPrefix:     v.GetString(KeyRedisPrefix),
		HTTPAddr:        v.GetString(KeyHTTPAddr),
		GRPCAddr:        v.GetString(KeyGRPCAddr),
		InLimit:         v.GetInt(KeyInLimit),
		TxMaxAttempts:   v.GetInt(KeyTxMaxAttempts),
		LowercaseLogins: v.GetBool(KeyLowercaseLogins),
		LogLevel:        v.GetString(KeyLogLevel),
		RateBurst:       v.GetInt(KeyRateBurst),
		RatePerSecond:   v.GetInt(KeyRatePerSecond),
	}
	return cfg, cfg.Validate()
}

// Validate reports inconsistent settings.
func (c Config) Validate() error {
	switch c.CacheBackend {
	case CacheMemory, CacheNone:
	case CacheRedis:
		if c.RedisURL == "" {
			return errors.New("redis cache backend requires redis_url")
		}
	default:
		return fmt.Errorf("unknown cache backend %q", c.CacheBackend)
	}
	if c.InLimit <= 0 {
		return fmt.Errorf("in_limit must be positive, got %d", c.InLimit)
	}
	if c.TxMaxAttempts <= 0 {
		return fmt.Errorf("tx_max_attempts must be positive, got %d", c.TxMaxAttempts)
	}
	return nil
}
