package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

const (
	DefaultConfigPath     = "config.toml"
	DefaultHTTPAddr       = ":8080"
	DefaultPGHost         = "127.0.0.1"
	DefaultPGPort         = 5432
	DefaultPGUser         = "postgres"
	DefaultPGDatabase     = "botwalk"
	DefaultPGSSLMode      = "disable"
	DefaultGraphSource    = "postgres"
	DefaultReaperSpec     = "@every 30s"
	DefaultGatewayURL     = "ws://127.0.0.1:9090/session"
	DefaultClosingMessage = "This conversation was closed due to inactivity. Send a new message to start again."
)

type Config struct {
	Log      LogConfig      `toml:"log"`
	Server   ServerConfig   `toml:"server"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	Security SecurityConfig `toml:"security"`
	Channel  ChannelConfig  `toml:"channel"`
	Flow     FlowConfig     `toml:"flow"`
	Reaper   ReaperConfig   `toml:"reaper"`
	Pending  PendingConfig  `toml:"pending"`
	Dispatch DispatchConfig `toml:"dispatch"`
}

type LogConfig struct {
	Level  string `toml:"level" validate:"oneof=debug info warn error"`
	Format string `toml:"format" validate:"oneof=text json"`
}

type ServerConfig struct {
	Addr string `toml:"addr" validate:"required"`
}

type PostgresConfig struct {
	Host     string `toml:"host" validate:"required"`
	Port     int    `toml:"port" validate:"gt=0,lte=65535"`
	User     string `toml:"user" validate:"required"`
	Password string `toml:"password"`
	Database string `toml:"database" validate:"required"`
	SSLMode  string `toml:"sslmode"`
}

// DSN renders the pgx connection string.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// RedisConfig is optional. An empty URL selects the in-memory cache.
type RedisConfig struct {
	URL string `toml:"url"`
}

type SecurityConfig struct {
	// CredentialKey seals channel credentials at rest. Hex, 32 bytes.
	CredentialKey string `toml:"credential_key" validate:"omitempty,hexadecimal,len=64"`
}

type ChannelConfig struct {
	// GatewayURL is the websocket endpoint of the message gateway.
	GatewayURL string `toml:"gateway_url" validate:"required,uri"`
	// TelegramToken enables the telegram adapter when set.
	TelegramToken  string   `toml:"telegram_token"`
	ConnectTimeout duration `toml:"connect_timeout"`
	PairingTimeout duration `toml:"pairing_timeout"`
	SweepInterval  duration `toml:"sweep_interval"`
}

type FlowConfig struct {
	// GraphSource selects where node graphs are read from.
	GraphSource string `toml:"graph_source" validate:"oneof=postgres file"`
	// GraphDir holds YAML graph fixtures when GraphSource is "file".
	GraphDir string   `toml:"graph_dir"`
	CacheTTL duration `toml:"cache_ttl"`
}

type ReaperConfig struct {
	// Spec is a cron schedule for the idle sweep.
	Spec              string   `toml:"spec" validate:"required"`
	InactivityTimeout duration `toml:"inactivity_timeout"`
	ClosingMessage    string   `toml:"closing_message"`
}

type PendingConfig struct {
	DrainInterval duration `toml:"drain_interval"`
	MaxAttempts   int      `toml:"max_attempts" validate:"gt=0"`
}

type DispatchConfig struct {
	RetryMax     int      `toml:"retry_max" validate:"gte=0"`
	RetryBackoff duration `toml:"retry_backoff"`
}

// duration decodes TOML strings like "30s" or "3m".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Channel: ChannelConfig{
			GatewayURL:     DefaultGatewayURL,
			ConnectTimeout: duration{3 * time.Minute},
			PairingTimeout: duration{60 * time.Second},
			SweepInterval:  duration{15 * time.Second},
		},
		Flow: FlowConfig{
			GraphSource: DefaultGraphSource,
			GraphDir:    "graphs",
			CacheTTL:    duration{5 * time.Minute},
		},
		Reaper: ReaperConfig{
			Spec:              DefaultReaperSpec,
			InactivityTimeout: duration{30 * time.Minute},
			ClosingMessage:    DefaultClosingMessage,
		},
		Pending: PendingConfig{
			DrainInterval: duration{10 * time.Second},
			MaxAttempts:   5,
		},
		Dispatch: DispatchConfig{
			RetryMax:     3,
			RetryBackoff: duration{500 * time.Millisecond},
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return cfg, err
		}
	} else if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	if err := validator.New().Struct(cfg); err != nil {
		return cfg, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}
