// Package config loads the gate configuration from an optional YAML file and
// PARLEY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"parley.chat/internal/action"
	"parley.chat/internal/auth"
	"parley.chat/internal/obs"
	"parley.chat/internal/quota"
	"parley.chat/internal/ratelimit"
)

const EnvPrefix = "PARLEY"

var ErrInvalid = errors.New("config: invalid")

type Config struct {
	HTTP       HTTPConfig                      `mapstructure:"http"`
	GRPC       GRPCConfig                      `mapstructure:"grpc"`
	Postgres   PostgresConfig                  `mapstructure:"postgres"`
	Redis      RedisConfig                     `mapstructure:"redis"`
	Auth       AuthConfig                      `mapstructure:"auth"`
	Log        LogConfig                       `mapstructure:"log"`
	Timeouts   TimeoutConfig                   `mapstructure:"timeouts"`
	Flood      FloodConfig                     `mapstructure:"flood"`
	RoomKeys   RoomKeyConfig                   `mapstructure:"room_keys"`
	RateLimits map[string]RateRule             `mapstructure:"rate_limits"`
	Quotas     map[string]map[string]QuotaRule `mapstructure:"quotas"`
}

type HTTPConfig struct {
	Addr         string  `mapstructure:"addr"`
	MaxBodyBytes int64   `mapstructure:"max_body_bytes"`
	IPRPS        float64 `mapstructure:"ip_rps"`
	IPBurst      int     `mapstructure:"ip_burst"`
}

type GRPCConfig struct {
	Addr string `mapstructure:"addr"`
}

type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type AuthConfig struct {
	Secret     string `mapstructure:"secret"`
	Issuer     string `mapstructure:"issuer"`
	TOTPIssuer string `mapstructure:"totp_issuer"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type TimeoutConfig struct {
	Cache time.Duration `mapstructure:"cache"`
	Store time.Duration `mapstructure:"store"`
}

type FloodConfig struct {
	Horizon       time.Duration `mapstructure:"horizon"`
	Threshold     int           `mapstructure:"threshold"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// RoomKeyConfig holds the age identity used to seal and reveal private room keys.
type RoomKeyConfig struct {
	Identity   string `mapstructure:"identity"`
	BcryptCost int    `mapstructure:"bcrypt_cost"`
}

type RateRule struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

type QuotaRule struct {
	Count  int           `mapstructure:"count"`
	Period time.Duration `mapstructure:"period"`
}

// Load reads path (when non-empty) on top of the defaults, then applies
// environment overrides such as PARLEY_HTTP_ADDR or PARLEY_RATE_LIMITS_LOGIN_LIMIT.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration produced by Load("") without any environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// configKey maps an action type onto a viper key segment; viper splits keys on dots.
func configKey(t action.Type) string {
	return strings.ReplaceAll(string(t), ".", "_")
}

var defaultRateLimits = map[action.Type]RateRule{
	action.Login:              {Limit: 10, Window: 15 * time.Minute},
	action.Register:           {Limit: 5, Window: time.Hour},
	action.MessageSend:        {Limit: 30, Window: time.Minute},
	action.RoomSecretValidate: {Limit: 10, Window: 15 * time.Minute},
	action.TwoFactorSetup:     {Limit: 5, Window: 5 * time.Minute},
	action.TwoFactorConfirm:   {Limit: 5, Window: 5 * time.Minute},
	action.TwoFactorVerify:    {Limit: 5, Window: 5 * time.Minute},
	action.TwoFactorDisable:   {Limit: 5, Window: 5 * time.Minute},
	action.AdminBan:           {Limit: 30, Window: time.Minute},
	action.AdminUnban:         {Limit: 30, Window: time.Minute},
	action.AdminTimeout:       {Limit: 20, Window: time.Minute},
	action.AdminTimeoutLift:   {Limit: 20, Window: time.Minute},
	action.AdminRoomLock:      {Limit: 30, Window: time.Minute},
	action.AdminRoomUnlock:    {Limit: 30, Window: time.Minute},
	action.AdminRoomKeyReveal: {Limit: 10, Window: time.Minute},
}

var defaultQuotas = map[auth.Role]map[action.Type]QuotaRule{
	auth.RoleElevated: {
		action.AdminBan:        {Count: 20, Period: 24 * time.Hour},
		action.AdminUnban:      {Count: 20, Period: 24 * time.Hour},
		action.AdminRoomLock:   {Count: 10, Period: 24 * time.Hour},
		action.AdminRoomUnlock: {Count: 10, Period: 24 * time.Hour},
	},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.max_body_bytes", 1<<20)
	v.SetDefault("http.ip_rps", 20.0)
	v.SetDefault("http.ip_burst", 40)
	v.SetDefault("grpc.addr", ":9090")
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.issuer", auth.DefaultIssuer)
	v.SetDefault("auth.totp_issuer", "Parley")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("timeouts.cache", 250*time.Millisecond)
	v.SetDefault("timeouts.store", 2*time.Second)
	v.SetDefault("flood.horizon", 5*time.Second)
	v.SetDefault("flood.threshold", 5)
	v.SetDefault("flood.sweep_interval", time.Minute)
	v.SetDefault("room_keys.identity", "")
	v.SetDefault("room_keys.bcrypt_cost", 10)

	for t, r := range defaultRateLimits {
		prefix := "rate_limits." + configKey(t)
		v.SetDefault(prefix+".limit", r.Limit)
		v.SetDefault(prefix+".window", r.Window)
	}
	for role, byAction := range defaultQuotas {
		for t, q := range byAction {
			prefix := "quotas." + role.String() + "." + configKey(t)
			v.SetDefault(prefix+".count", q.Count)
			v.SetDefault(prefix+".period", q.Period)
		}
	}
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	var problems []string
	if c.HTTP.Addr == "" {
		problems = append(problems, "http.addr is empty")
	}
	if c.Timeouts.Cache <= 0 || c.Timeouts.Store <= 0 {
		problems = append(problems, "timeouts must be positive")
	}
	if c.Flood.Horizon <= 0 || c.Flood.Threshold <= 0 || c.Flood.SweepInterval <= 0 {
		problems = append(problems, "flood settings must be positive")
	}
	if _, err := c.RateLimitRules(); err != nil {
		problems = append(problems, err.Error())
	}
	if _, err := c.QuotaTable(); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func actionByKey() map[string]action.Type {
	out := make(map[string]action.Type)
	for _, t := range action.All() {
		out[configKey(t)] = t
	}
	return out
}

// RateLimitRules converts rate_limits into the limiter's table.
func (c *Config) RateLimitRules() (map[action.Type]ratelimit.Rule, error) {
	known := actionByKey()
	out := make(map[action.Type]ratelimit.Rule, len(c.RateLimits))
	for key, r := range c.RateLimits {
		t, ok := known[key]
		if !ok {
			return nil, fmt.Errorf("rate_limits.%s: unknown action", key)
		}
		if r.Limit <= 0 || r.Window < time.Second {
			return nil, fmt.Errorf("rate_limits.%s: limit must be positive and window at least 1s", key)
		}
		out[t] = ratelimit.Rule{Limit: r.Limit, Window: r.Window}
	}
	return out, nil
}

// QuotaTable converts quotas into the ledger's table.
func (c *Config) QuotaTable() (quota.Table, error) {
	known := actionByKey()
	out := make(quota.Table, len(c.Quotas))
	for roleName, byAction := range c.Quotas {
		role, err := auth.ParseRole(roleName)
		if err != nil {
			return nil, fmt.Errorf("quotas.%s: unknown role", roleName)
		}
		limits := make(map[action.Type]quota.Limit, len(byAction))
		for key, q := range byAction {
			t, ok := known[key]
			if !ok {
				return nil, fmt.Errorf("quotas.%s.%s: unknown action", roleName, key)
			}
			if q.Count <= 0 || q.Period <= 0 {
				return nil, fmt.Errorf("quotas.%s.%s: count and period must be positive", roleName, key)
			}
			limits[t] = quota.Limit{Count: q.Count, Period: q.Period}
		}
		out[role] = limits
	}
	return out, nil
}

// LogOptions adapts the log section for obs.ConfigureLogger.
func (c *Config) LogOptions() obs.LogOptions {
	return obs.LogOptions{
		Level:      c.Log.Level,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}
}
