package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the server runtime parameters.
type Config struct {
	Addr                string         `mapstructure:"addr"`
	LogLevel            string         `mapstructure:"log_level"`
	ShutdownGracePeriod time.Duration  `mapstructure:"shutdown_grace_period"`
	Database            DatabaseConfig `mapstructure:"database"`
	Auth                AuthConfig     `mapstructure:"auth"`
	Chat                ChatConfig     `mapstructure:"chat"`
	Uploads             UploadsConfig  `mapstructure:"uploads"`
	CORS                CORSConfig     `mapstructure:"cors"`
	SMTP                SMTPConfig     `mapstructure:"smtp"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type AuthConfig struct {
	Secret   string        `mapstructure:"secret"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

type ChatConfig struct {
	DefaultRoom string `mapstructure:"default_room"`
}

// UploadsConfig describes where attachments live. Stored references are
// relative to PublicDir.
type UploadsConfig struct {
	PublicDir string `mapstructure:"public_dir"`
	MaxBytes  int64  `mapstructure:"max_bytes"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// SMTPConfig is optional; an empty host logs mail instead of sending it.
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

const (
	defaultAddr                = ":8080"
	defaultLogLevel            = "info"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultDriver              = "sqlite3"
	defaultDSN                 = "chatty.db"
	defaultSecret              = "chat-app-secret-change-in-production"
	defaultTokenTTL            = 7 * 24 * time.Hour
	defaultRoomName            = "General"
	defaultPublicDir           = "public"
	defaultMaxUploadBytes      = 10 << 20
)

// Load reads configuration from the provided file path (if any) and the environment.
// Environment variables are prefixed with CHATTY_ and override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CHATTY")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("addr", defaultAddr)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("shutdown_grace_period", defaultShutdownGracePeriod.String())
	v.SetDefault("database.driver", defaultDriver)
	v.SetDefault("database.dsn", defaultDSN)
	v.SetDefault("auth.secret", defaultSecret)
	v.SetDefault("auth.token_ttl", defaultTokenTTL.String())
	v.SetDefault("chat.default_room", defaultRoomName)
	v.SetDefault("uploads.public_dir", defaultPublicDir)
	v.SetDefault("uploads.max_bytes", defaultMaxUploadBytes)
	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("smtp.host", "")
	v.SetDefault("smtp.port", "587")
	v.SetDefault("smtp.username", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("smtp.from", "")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	grace, err := time.ParseDuration(v.GetString("shutdown_grace_period"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid shutdown_grace_period: %w", err)
	}
	cfg.ShutdownGracePeriod = grace

	ttl, err := time.ParseDuration(v.GetString("auth.token_ttl"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid auth.token_ttl: %w", err)
	}
	if ttl <= 0 {
		return Config{}, fmt.Errorf("auth.token_ttl must be positive, got %s", ttl)
	}
	cfg.Auth.TokenTTL = ttl

	if cfg.Chat.DefaultRoom == "" {
		cfg.Chat.DefaultRoom = defaultRoomName
	}
	if cfg.Uploads.MaxBytes <= 0 {
		cfg.Uploads.MaxBytes = defaultMaxUploadBytes
	}
	if cfg.Database.Driver != "sqlite3" && cfg.Database.Driver != "postgres" {
		return Config{}, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}

	return cfg, nil
}
