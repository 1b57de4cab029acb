// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package config loads membergate configuration from a YAML file and command
// line flags.
package config

import (
	"errors"
	"io/fs"
	"os"
	"slices"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/holomush/membergate/internal/quota"
	"github.com/holomush/membergate/internal/role"
	"github.com/holomush/membergate/internal/settings"
	"github.com/holomush/membergate/internal/xdg"
)

// CodeInvalid marks configuration errors.
const CodeInvalid = "CONFIG_INVALID"

// Config is the full service configuration.
type Config struct {
	Log      LogConfig                  `koanf:"log" json:"log"`
	Database DatabaseConfig             `koanf:"database" json:"database"`
	Redis    RedisConfig                `koanf:"redis" json:"redis"`
	Metrics  MetricsConfig              `koanf:"metrics" json:"metrics"`
	Audit    AuditConfig                `koanf:"audit" json:"audit"`
	Quota    QuotaConfig                `koanf:"quota" json:"quota"`
	Roles    RolesConfig                `koanf:"roles" json:"roles"`
	Tank     settings.ContentThresholds `koanf:"tank" json:"tank"`
}

// LogConfig selects the log handler.
type LogConfig struct {
	Format string `koanf:"format" json:"format" jsonschema:"enum=json,enum=text"`
	Level  string `koanf:"level" json:"level" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`
}

// DatabaseConfig locates PostgreSQL. DATABASE_URL is used when URL is empty.
type DatabaseConfig struct {
	URL string `koanf:"url" json:"url"`
}

// RedisConfig locates the shared quota counters.
type RedisConfig struct {
	Addr     string `koanf:"addr" json:"addr"`
	Password string `koanf:"password" json:"password,omitempty"`
	DB       int    `koanf:"db" json:"db"`
}

// MetricsConfig configures the metrics and health endpoint. An empty Addr
// disables it.
type MetricsConfig struct {
	Addr string `koanf:"addr" json:"addr"`
}

// AuditConfig configures the audit fallback log.
type AuditConfig struct {
	WALPath string `koanf:"wal_path" json:"wal_path"`
}

// Quota stores.
const (
	QuotaStoreMemory = "memory"
	QuotaStoreRedis  = "redis"
)

// QuotaConfig configures daily quotas.
type QuotaConfig struct {
	// Timezone decides where quota days start.
	Timezone string `koanf:"timezone" json:"timezone"`
	Store    string `koanf:"store" json:"store" jsonschema:"enum=memory,enum=redis"`
	// Defaults apply to roles with no ceiling of their own.
	Defaults  map[string]int `koanf:"defaults" json:"defaults,omitempty"`
	KeyPrefix string         `koanf:"key_prefix" json:"key_prefix"`
	// CounterTTL is how long Redis keeps a day's counters.
	CounterTTL time.Duration `koanf:"counter_ttl" json:"counter_ttl"`
}

// RolesConfig holds role policy that is not part of the stored settings.
type RolesConfig struct {
	AllowNewSuperusers bool           `koanf:"allow_new_superusers" json:"allow_new_superusers"`
	QuotaSeedRank      int            `koanf:"quota_seed_rank" json:"quota_seed_rank"`
	SeedQuota          map[string]int `koanf:"seed_quota" json:"seed_quota,omitempty"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Log:     LogConfig{Format: "json", Level: "info"},
		Metrics: MetricsConfig{Addr: "127.0.0.1:9100"},
		Audit:   AuditConfig{WALPath: xdg.AuditWALFile()},
		Quota: QuotaConfig{
			Timezone:   "UTC",
			Store:      QuotaStoreMemory,
			KeyPrefix:  "membergate:quota",
			CounterTTL: 48 * time.Hour,
		},
		Roles: RolesConfig{QuotaSeedRank: role.MaxRank},
		Tank:  settings.DefaultContentThresholds(),
	}
}

// flagKeys maps command line flags to config keys.
var flagKeys = map[string]string{
	"log-format":   "log.format",
	"log-level":    "log.level",
	"database-url": "database.url",
	"redis-addr":   "redis.addr",
	"metrics-addr": "metrics.addr",
	"audit-wal":    "audit.wal_path",
	"quota-store":  "quota.store",
	"timezone":     "quota.timezone",
}

// RegisterFlags adds the overridable settings to flags.
func RegisterFlags(flags *pflag.FlagSet) {
	d := Default()
	flags.String("log-format", d.Log.Format, "log format (json or text)")
	flags.String("log-level", d.Log.Level, "log level (debug, info, warn, error)")
	flags.String("database-url", "", "PostgreSQL URL (default: $DATABASE_URL)")
	flags.String("redis-addr", "", "Redis address for shared quota counters")
	flags.String("metrics-addr", d.Metrics.Addr, "metrics/health HTTP address (empty = disabled)")
	flags.String("audit-wal", d.Audit.WALPath, "audit write-ahead log path")
	flags.String("quota-store", d.Quota.Store, "quota store (memory or redis)")
	flags.String("timezone", d.Quota.Timezone, "timezone quota days are counted in")
}

// Load reads path and then applies changed flags. A missing file is an
// error only when explicit is true. Unchanged flags never override the file.
func Load(path string, explicit bool, flags *pflag.FlagSet) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		_, err := os.Stat(path)
		switch {
		case err == nil:
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return Config{}, oops.In("config").Code(CodeInvalid).With("path", path).Wrap(err)
			}
		case explicit || !errors.Is(err, fs.ErrNotExist):
			return Config{}, oops.In("config").Code(CodeInvalid).With("path", path).Wrap(err)
		}
	}

	if flags != nil {
		provider := posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok || !f.Changed {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return Config{}, oops.In("config").Code(CodeInvalid).With("source", "flags").Wrap(err)
		}
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return Config{}, oops.In("config").Code(CodeInvalid).Wrap(err)
	}
	if cfg.Database.URL == "" {
		cfg.Database.URL = os.Getenv("DATABASE_URL")
	}
	return cfg, nil
}

// Validate checks values that cannot be expressed in the types.
func (c Config) Validate() error {
	if !slices.Contains([]string{"json", "text"}, c.Log.Format) {
		return invalid("log.format", "must be 'json' or 'text', got %q", c.Log.Format)
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, c.Log.Level) {
		return invalid("log.level", "unknown level %q", c.Log.Level)
	}
	switch c.Quota.Store {
	case QuotaStoreMemory:
	case QuotaStoreRedis:
		if c.Redis.Addr == "" {
			return invalid("redis.addr", "required when quota.store is redis")
		}
	default:
		return invalid("quota.store", "must be 'memory' or 'redis', got %q", c.Quota.Store)
	}
	if _, err := time.LoadLocation(c.Quota.Timezone); err != nil {
		return invalid("quota.timezone", "unknown timezone %q", c.Quota.Timezone)
	}
	if _, err := parseCeilings(c.Quota.Defaults); err != nil {
		return invalid("quota.defaults", "%s", err)
	}
	if _, err := parseCeilings(c.Roles.SeedQuota); err != nil {
		return invalid("roles.seed_quota", "%s", err)
	}
	if err := role.ValidateRank(c.Roles.QuotaSeedRank); err != nil {
		return invalid("roles.quota_seed_rank", "%s", err)
	}
	for key, rank := range map[string]int{
		"tank.min_rank_to_edit":        c.Tank.TankEdit,
		"tank.min_rank_to_edit_status": c.Tank.TankEditStatus,
		"tank.min_rank_to_delete":      c.Tank.TankDelete,
	} {
		if err := role.ValidateRank(rank); err != nil {
			return invalid(key, "%s", err)
		}
	}
	return nil
}

// QuotaDefaults returns the validated default ceilings.
func (c Config) QuotaDefaults() quota.Ceilings {
	out, _ := parseCeilings(c.Quota.Defaults)
	return out
}

// SeedQuota returns the validated ceilings given to seeded roles.
func (c Config) SeedQuota() quota.Ceilings {
	out, _ := parseCeilings(c.Roles.SeedQuota)
	return out
}

func parseCeilings(raw map[string]int) (quota.Ceilings, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(quota.Ceilings, len(raw))
	for name, n := range raw {
		k, err := quota.ParseKind(name)
		if err != nil {
			return nil, err
		}
		out[k] = n
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

func invalid(key, format string, args ...any) error {
	return oops.In("config").Code(CodeInvalid).With("key", key).Errorf(format, args...)
}
