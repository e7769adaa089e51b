// Package config loads runtime settings from config.yaml, a .env file and
// FISCAL_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"fiscalcontrol/auth"
	"fiscalcontrol/payment"
)

const envPrefix = "FISCAL"

type Config struct {
	HTTP     HTTPConfig     `mapstructure:"http"`
	Store    StoreConfig    `mapstructure:"store"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Reminder ReminderConfig `mapstructure:"reminder"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Log      LogConfig      `mapstructure:"log"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type StoreConfig struct {
	Driver      string        `mapstructure:"driver"`
	DatabaseURL string        `mapstructure:"database_url"`
	SheetPath   string        `mapstructure:"sheet_path"`
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
	Timezone    string        `mapstructure:"timezone"`

	Location *time.Location `mapstructure:"-"`
}

type CacheConfig struct {
	Driver    string        `mapstructure:"driver"`
	RedisAddr string        `mapstructure:"redis_addr"`
	TTL       time.Duration `mapstructure:"ttl"`
}

type ReminderConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	HorizonDays int      `mapstructure:"horizon_days"`
	Hour        int      `mapstructure:"hour"`
	Statuses    []string `mapstructure:"statuses"`

	EligibleStatuses []payment.Status `mapstructure:"-"`
}

type NotifyConfig struct {
	Driver     string        `mapstructure:"driver"`
	RelayURL   string        `mapstructure:"relay_url"`
	APIKey     string        `mapstructure:"api_key"`
	Username   string        `mapstructure:"username"`
	Password   string        `mapstructure:"password"`
	AuditPhone string        `mapstructure:"audit_phone"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type AuthConfig struct {
	JWTSecret    string       `mapstructure:"jwt_secret"`
	RequireToken bool         `mapstructure:"require_token"`
	Users        []UserConfig `mapstructure:"users"`
}

type UserConfig struct {
	Username     string `mapstructure:"username"`
	Name         string `mapstructure:"name"`
	Role         string `mapstructure:"role"`
	PasswordHash string `mapstructure:"password_hash"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 15*time.Second)

	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.sheet_path", "pagos.xlsx")
	v.SetDefault("store.lock_timeout", payment.DefaultLockTimeout)
	v.SetDefault("store.timezone", "America/Caracas")

	v.SetDefault("cache.driver", "none")
	v.SetDefault("cache.redis_addr", "localhost:6379")
	v.SetDefault("cache.ttl", 5*time.Minute)

	v.SetDefault("reminder.enabled", true)
	v.SetDefault("reminder.horizon_days", 3)
	v.SetDefault("reminder.hour", 8)
	v.SetDefault("reminder.statuses", []string{string(payment.StatusPendingReview), string(payment.StatusApproved)})

	v.SetDefault("notify.driver", "log")
	v.SetDefault("notify.relay_url", "https://api.callmebot.com/whatsapp.php")
	v.SetDefault("notify.api_key", "")
	v.SetDefault("notify.username", "")
	v.SetDefault("notify.password", "")
	v.SetDefault("notify.audit_phone", "")
	v.SetDefault("notify.timeout", 10*time.Second)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.require_token", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads .env (if present), then the config file at path (or
// ./config.yaml when path is empty and the file exists), then FISCAL_*
// environment variables, e.g. FISCAL_STORE_DATABASE_URL.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("config: store.database_url required for the postgres driver")
		}
	case "sheet":
		if c.Store.SheetPath == "" {
			return fmt.Errorf("config: store.sheet_path required for the sheet driver")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}

	loc, err := time.LoadLocation(c.Store.Timezone)
	if err != nil {
		return fmt.Errorf("config: store.timezone: %w", err)
	}
	c.Store.Location = loc

	switch c.Cache.Driver {
	case "none", "memory", "redis":
	default:
		return fmt.Errorf("config: unknown cache.driver %q", c.Cache.Driver)
	}

	switch c.Notify.Driver {
	case "log":
	case "relay":
		if c.Notify.RelayURL == "" {
			return fmt.Errorf("config: notify.relay_url required for the relay driver")
		}
	default:
		return fmt.Errorf("config: unknown notify.driver %q", c.Notify.Driver)
	}

	if c.Reminder.HorizonDays <= 0 {
		return fmt.Errorf("config: reminder.horizon_days must be positive")
	}
	if c.Reminder.Hour < 0 || c.Reminder.Hour > 23 {
		return fmt.Errorf("config: reminder.hour must be within 0-23")
	}
	c.Reminder.EligibleStatuses = c.Reminder.EligibleStatuses[:0]
	for _, s := range c.Reminder.Statuses {
		st, err := payment.ParseStatus(s)
		if err != nil {
			return fmt.Errorf("config: reminder.statuses: %w", err)
		}
		c.Reminder.EligibleStatuses = append(c.Reminder.EligibleStatuses, st)
	}

	if c.Auth.RequireToken && c.Auth.JWTSecret == "" {
		return fmt.Errorf("config: auth.jwt_secret required when auth.require_token is set")
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// Directory builds the login directory from the configured users.
func (a AuthConfig) Directory() (*auth.Directory, error) {
	users := make([]auth.User, 0, len(a.Users))
	for _, u := range a.Users {
		users = append(users, auth.User{
			Username:     u.Username,
			Name:         u.Name,
			Role:         auth.ParseRole(u.Role),
			PasswordHash: u.PasswordHash,
		})
	}
	return auth.NewDirectory(users)
}

// SlogLevel maps log.level onto a slog level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("config: log.level: %w", err)
	}
	return level, nil
}
