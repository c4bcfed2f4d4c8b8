package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	Server   Server
	Database Database
	Redis    Redis
	JWT      JWT
	Logger   Logger
}

type Server struct {
	Addr           string
	Environment    string
	RequestTimeout time.Duration
	AllowedOrigins []string
}

type Database struct {
	Store string
	DSN   string
}

type Redis struct {
	Addr          string
	EventsChannel string
}

type JWT struct {
	Secret string
	TTL    time.Duration
}

type Logger struct {
	Level  string
	Pretty bool
}

// Load reads an optional .env file and then the process environment.
func Load(envFiles ...string) (*Config, error) {
	// .env is optional; real deployments inject the environment directly
	_ = godotenv.Load(envFiles...)

	v := viper.New()
	// An explicitly empty REDIS_ADDR disables Redis
	v.AllowEmptyEnv(true)
	v.AutomaticEnv()
	setDefaults(v)

	c := &Config{
		Server: Server{
			Addr:           v.GetString("addr"),
			Environment:    v.GetString("env"),
			RequestTimeout: v.GetDuration("request_timeout"),
			AllowedOrigins: splitList(v.GetString("allowed_origins")),
		},
		Database: Database{
			Store: strings.ToLower(v.GetString("store")),
			DSN:   v.GetString("db_dsn"),
		},
		Redis: Redis{
			Addr:          v.GetString("redis_addr"),
			EventsChannel: v.GetString("events_channel"),
		},
		JWT: JWT{
			Secret: v.GetString("jwt_secret"),
			TTL:    v.GetDuration("jwt_ttl"),
		},
		Logger: Logger{
			Level:  v.GetString("log_level"),
			Pretty: v.GetBool("log_pretty"),
		},
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":8080")
	v.SetDefault("env", "development")
	v.SetDefault("request_timeout", "5s")
	v.SetDefault("allowed_origins", "http://localhost:3000,http://127.0.0.1:3000")
	v.SetDefault("store", StorePostgres)
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("events_channel", "chat-events")
	v.SetDefault("jwt_ttl", "24h")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_pretty", false)
}

func (c *Config) Validate() error {
	switch c.Database.Store {
	case StorePostgres:
		if c.Database.DSN == "" {
			return errors.New("DB_DSN is not set")
		}
	case StoreMemory:
	default:
		return errors.New("STORE must be one of postgres, memory")
	}
	if c.JWT.Secret == "" {
		return errors.New("JWT_SECRET is not set")
	}
	if c.JWT.TTL <= 0 {
		return errors.New("JWT_TTL must be positive")
	}
	if c.Server.RequestTimeout <= 0 {
		return errors.New("REQUEST_TIMEOUT must be positive")
	}
	return nil
}

func (c *Config) IsDevelopment() bool {
	return c.Server.Environment == "development"
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
