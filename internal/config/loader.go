package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rpattn/traceforge/internal/db"
	"github.com/rpattn/traceforge/internal/rules"
	"github.com/spf13/viper"
)

// Config is the full process configuration.
type Config struct {
	Database DatabaseConfig
	Server   ServerConfig
	Rules    []rules.Pair
	Engine   EngineConfig
}

// DatabaseConfig wraps the connection settings. Disabled selects the
// in-memory repository.
type DatabaseConfig struct {
	db.Config
	Enabled bool
}

type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// EngineConfig tunes the client-side commit gateway.
type EngineConfig struct {
	Serialize      string
	ConflictPolicy string
	HistoryLimit   int
	AuthorityURL   string
}

func defaults() Config {
	return Config{
		Database: DatabaseConfig{Config: db.DefaultConfig(), Enabled: false},
		Server: ServerConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"*"},
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   15 * time.Second,
		},
		Engine: EngineConfig{
			Serialize:      "reject",
			ConflictPolicy: "refuse",
			AuthorityURL:   "http://localhost:8080",
		},
	}
}

// Load reads config.yaml from configPath and applies environment overrides.
// A missing file is not an error.
func Load(configPath string) (Config, error) {
	cfg := defaults()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.SetEnvPrefix("TRACEFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The database keys also honour the plain DB_ variables.
	for _, key := range []string{"host", "port", "user", "password", "dbname", "sslmode"} {
		if err := v.BindEnv("database."+key, "TRACEFORGE_DATABASE_"+strings.ToUpper(key), "DB_"+strings.ToUpper(key)); err != nil {
			return Config{}, fmt.Errorf("failed to bind env for database.%s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		slog.Info("no config.yaml found, using defaults and env vars", "path", configPath)
	} else {
		slog.Info("loaded config", "file", v.ConfigFileUsed())
	}

	if v.IsSet("database.enabled") {
		cfg.Database.Enabled = v.GetBool("database.enabled")
	}
	if v.IsSet("database.host") {
		cfg.Database.Host = v.GetString("database.host")
		cfg.Database.Enabled = true
	}
	if v.IsSet("database.port") {
		cfg.Database.Port = v.GetInt("database.port")
	}
	if v.IsSet("database.user") {
		cfg.Database.User = v.GetString("database.user")
	}
	if v.IsSet("database.password") {
		cfg.Database.Password = v.GetString("database.password")
	}
	if v.IsSet("database.dbname") {
		cfg.Database.DBName = v.GetString("database.dbname")
	}
	if v.IsSet("database.sslmode") {
		cfg.Database.SSLMode = v.GetString("database.sslmode")
	}
	if v.IsSet("database.max_conns") {
		cfg.Database.MaxConns = v.GetInt32("database.max_conns")
	}

	if v.IsSet("server.addr") {
		cfg.Server.Addr = v.GetString("server.addr")
	}
	if v.IsSet("server.allowed_origins") {
		cfg.Server.AllowedOrigins = v.GetStringSlice("server.allowed_origins")
	}
	if v.IsSet("server.read_timeout") {
		cfg.Server.ReadTimeout = v.GetDuration("server.read_timeout")
	}
	if v.IsSet("server.write_timeout") {
		cfg.Server.WriteTimeout = v.GetDuration("server.write_timeout")
	}

	if v.IsSet("rules") {
		if err := v.UnmarshalKey("rules", &cfg.Rules); err != nil {
			return Config{}, fmt.Errorf("failed to decode rules: %w", err)
		}
	}

	if v.IsSet("engine.serialize") {
		cfg.Engine.Serialize = v.GetString("engine.serialize")
	}
	if v.IsSet("engine.conflict_policy") {
		cfg.Engine.ConflictPolicy = v.GetString("engine.conflict_policy")
	}
	if v.IsSet("engine.history_limit") {
		cfg.Engine.HistoryLimit = v.GetInt("engine.history_limit")
	}
	if v.IsSet("engine.authority_url") {
		cfg.Engine.AuthorityURL = v.GetString("engine.authority_url")
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Engine.Serialize {
	case "reject", "queue":
	default:
		return fmt.Errorf("engine.serialize must be reject or queue, got %q", c.Engine.Serialize)
	}
	switch c.Engine.ConflictPolicy {
	case "refuse", "warn":
	default:
		return fmt.Errorf("engine.conflict_policy must be refuse or warn, got %q", c.Engine.ConflictPolicy)
	}
	if c.Engine.HistoryLimit < 0 {
		return fmt.Errorf("engine.history_limit must not be negative")
	}
	return nil
}
