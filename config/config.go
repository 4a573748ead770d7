// config/config.go
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. CTF_DATABASE_HOST.
const EnvPrefix = "CTF"

type Config struct {
	Server     Server     `mapstructure:"server"`
	Database   Database   `mapstructure:"database"`
	Redis      Redis      `mapstructure:"redis"`
	Ledger     Ledger     `mapstructure:"ledger"`
	Challenges Challenges `mapstructure:"challenges"`
	Scoring    Scoring    `mapstructure:"scoring"`
	Auth       Auth       `mapstructure:"auth"`
	Log        Log        `mapstructure:"log"`
	Telemetry  Telemetry  `mapstructure:"telemetry"`
}

type Server struct {
	Addr                string   `mapstructure:"addr"`
	ReadTimeoutSeconds  int      `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds int      `mapstructure:"write_timeout_seconds"`
	AllowedOrigins      []string `mapstructure:"allowed_origins"`
}

type Database struct {
	Driver       string `mapstructure:"driver"` // postgres | sqlite
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Name         string `mapstructure:"name"`
	SSLMode      string `mapstructure:"sslmode"`
	Path         string `mapstructure:"path"` // sqlite file
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type Redis struct {
	Addr                string `mapstructure:"addr"`
	Username            string `mapstructure:"username"`
	Password            string `mapstructure:"password"`
	DB                  int    `mapstructure:"db"`
	KeyPrefix           string `mapstructure:"key_prefix"`
	DialTimeoutSeconds  int    `mapstructure:"dial_timeout_seconds"`
	ReadTimeoutSeconds  int    `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `mapstructure:"write_timeout_seconds"`
	PoolSize            int    `mapstructure:"pool_size"`
}

type Ledger struct {
	Driver string `mapstructure:"driver"` // sql | redis | memory
}

type Challenges struct {
	Root string `mapstructure:"root"`
}

type Scoring struct {
	BonusPercent int64 `mapstructure:"bonus_percent"`
}

type Auth struct {
	JWTSecret   string `mapstructure:"jwt_secret"`
	SessionKey  string `mapstructure:"session_key"`
	SessionName string `mapstructure:"session_name"`
}

type Log struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type Telemetry struct {
	OTLPEndpoint    string `mapstructure:"otlp_endpoint"`
	Insecure        bool   `mapstructure:"insecure"`
	IntervalSeconds int    `mapstructure:"interval_seconds"`
	ServiceName     string `mapstructure:"service_name"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8181")
	v.SetDefault("server.read_timeout_seconds", 15)
	v.SetDefault("server.write_timeout_seconds", 15)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:8080"})

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "ctf_platform")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.path", "ctf.db")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 25)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.username", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "ctf")
	v.SetDefault("redis.dial_timeout_seconds", 5)
	v.SetDefault("redis.read_timeout_seconds", 3)
	v.SetDefault("redis.write_timeout_seconds", 3)
	v.SetDefault("redis.pool_size", 20)

	v.SetDefault("ledger.driver", "sql")
	v.SetDefault("challenges.root", "questions")
	v.SetDefault("scoring.bonus_percent", 10)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.session_key", "")
	v.SetDefault("auth.session_name", "session")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.insecure", false)
	v.SetDefault("telemetry.interval_seconds", 30)
	v.SetDefault("telemetry.service_name", "ctf-scoring")
}

// Load reads configuration from the optional YAML file at path (falling back
// to $CONFIG_PATH), then applies CTF_* environment overrides on top of the
// defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
		Result:           cfg,
	})
	if err != nil {
		return nil, fmt.Errorf("create config decoder: %w", err)
	}
	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	return cfg, nil
}

// Validate checks the pieces the server cannot start without.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("configuration is nil")
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Challenges.Root == "" {
		return fmt.Errorf("challenges.root is required")
	}
	if c.Scoring.BonusPercent < 0 {
		return fmt.Errorf("scoring.bonus_percent must not be negative")
	}

	switch c.Ledger.Driver {
	case "sql":
		switch c.Database.Driver {
		case "postgres":
			if c.Database.Host == "" || c.Database.Name == "" {
				return fmt.Errorf("database.host and database.name are required for postgres")
			}
		case "sqlite":
			if c.Database.Path == "" {
				return fmt.Errorf("database.path is required for sqlite")
			}
		default:
			return fmt.Errorf("unsupported database.driver %q", c.Database.Driver)
		}
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required for the redis ledger")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported ledger.driver %q", c.Ledger.Driver)
	}

	return nil
}
