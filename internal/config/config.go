// Package config loads and exposes application configuration (TOML).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Default configuration values used when a field is missing in TOML.
const (
	DefaultConfigPath      = "config.toml"
	DefaultDatabaseDriver  = "sqlite"
	DefaultSQLitePath      = "yahk.db"
	DefaultPrefix          = "."
	DefaultSourceFormat    = SourceFormatLong
	DefaultDedupSize       = 100
	DefaultDedupMaxAge     = time.Second
	DefaultShutdownTimeout = 5 * time.Second
	DefaultSendTimeout     = 10 * time.Second
	DefaultQueueSize       = 256
	DefaultConsoleAddr     = "127.0.0.1:8001"
	DefaultMaxRetries      = 5
	DefaultSendRate        = 2.0
	DefaultSendBurst       = 5
)

// Source label formats for relayed lines.
const (
	SourceFormatLong  = "long"
	SourceFormatShort = "short"
)

// Service kinds understood by the connector registry.
var knownKinds = map[string]struct{}{
	"irc":      {},
	"slack":    {},
	"discord":  {},
	"telegram": {},
}

// Config is the root application configuration loaded from TOML.
type Config struct {
	Log      LogConfig       `toml:"log"`
	Database DatabaseConfig  `toml:"database"`
	Bot      BotConfig       `toml:"bot"`
	Console  ConsoleConfig   `toml:"console"`
	Server   ServerConfig    `toml:"server"`
	Plugins  PluginsConfig   `toml:"plugins"`
	Services []ServiceConfig `toml:"services"`
}

// LogConfig holds logging level and format (e.g. level=info, format=text).
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// DatabaseConfig selects the persistence driver ("sqlite", "postgres" or "memory").
type DatabaseConfig struct {
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
	Path   string `toml:"path"`
}

// BotConfig holds dispatcher and relay tuning.
type BotConfig struct {
	Prefix          string   `toml:"prefix"`
	SourceFormat    string   `toml:"source_format"`
	DedupSize       int      `toml:"dedup_size"`
	DedupMaxAge     Duration `toml:"dedup_max_age"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
	SendTimeout     Duration `toml:"send_timeout"`
	QueueSize       int      `toml:"queue_size"`
}

// ConsoleConfig holds the admin console listener.
type ConsoleConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// ServerConfig holds the status HTTP server listen address; empty disables it.
type ServerConfig struct {
	Addr string `toml:"addr"`
}

// PluginsConfig lists built-in plugins to skip.
type PluginsConfig struct {
	Disabled []string `toml:"disabled"`
}

// ServiceConfig is one configured platform connection.
type ServiceConfig struct {
	Kind       string         `toml:"kind"`
	Name       string         `toml:"name"`
	Identifier string         `toml:"identifier"`
	Enabled    *bool          `toml:"enabled"`
	MaxRetries int            `toml:"max_retries"`
	SendRate   float64        `toml:"send_rate"`
	SendBurst  int            `toml:"send_burst"`
	Chats      []ChatConfig   `toml:"chats"`
	IRC        IRCConfig      `toml:"irc"`
	Slack      SlackConfig    `toml:"slack"`
	Discord    DiscordConfig  `toml:"discord"`
	Telegram   TelegramConfig `toml:"telegram"`
}

// IsEnabled reports whether the service should be started; services default to enabled.
func (s ServiceConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// ChatConfig is a chat to join at startup and the bridges it belongs to.
type ChatConfig struct {
	Identifier string   `toml:"identifier"`
	Name       string   `toml:"name"`
	Bridges    []string `toml:"bridges"`
}

// IRCConfig holds IRC connection settings.
type IRCConfig struct {
	Hosts    []string `toml:"hosts"`
	Nick     string   `toml:"nick"`
	User     string   `toml:"user"`
	RealName string   `toml:"real_name"`
	Password string   `toml:"password"`
	TLS      bool     `toml:"tls"`
}

// SlackConfig holds Slack socket mode tokens.
type SlackConfig struct {
	BotToken string `toml:"bot_token"`
	AppToken string `toml:"app_token"`
}

// DiscordConfig holds the Discord bot token.
type DiscordConfig struct {
	Token string `toml:"token"`
}

// TelegramConfig holds the Telegram bot token.
type TelegramConfig struct {
	Token   string `toml:"token"`
	Timeout int    `toml:"timeout"`
}

// Duration decodes TOML strings such as "1s" or "250ms".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Database: DatabaseConfig{
			Driver: DefaultDatabaseDriver,
			Path:   DefaultSQLitePath,
		},
		Bot: BotConfig{
			Prefix:          DefaultPrefix,
			SourceFormat:    DefaultSourceFormat,
			DedupSize:       DefaultDedupSize,
			DedupMaxAge:     Duration{DefaultDedupMaxAge},
			ShutdownTimeout: Duration{DefaultShutdownTimeout},
			SendTimeout:     Duration{DefaultSendTimeout},
			QueueSize:       DefaultQueueSize,
		},
		Console: ConsoleConfig{
			Enabled: true,
			Addr:    DefaultConsoleAddr,
		},
	}
}

// Load reads and parses the TOML config file at path and applies default values for missing fields.
// A missing file yields the defaults. Environment overrides are applied last.
func Load(path string) (Config, error) {
	cfg := Default()

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

	applyEnv(&cfg)
	cfg.applyServiceDefaults()
	return cfg, nil
}

// Parse decodes TOML from a string; used by tests and embedded configs.
func Parse(data string) (Config, error) {
	cfg := Default()
	if _, err := toml.Decode(data, &cfg); err != nil {
		return cfg, err
	}
	cfg.applyServiceDefaults()
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("YAHK_DATABASE_DSN")); v != "" {
		cfg.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("YAHK_DATABASE_DRIVER")); v != "" {
		cfg.Database.Driver = v
	}
	if v := strings.TrimSpace(os.Getenv("YAHK_LOG_LEVEL")); v != "" {
		cfg.Log.Level = v
	}
}

func (c *Config) applyServiceDefaults() {
	for i := range c.Services {
		svc := &c.Services[i]
		svc.Kind = strings.ToLower(strings.TrimSpace(svc.Kind))
		if svc.Identifier == "" && svc.Kind != "" && svc.Name != "" {
			svc.Identifier = ServiceIdentifier(svc.Kind, svc.Name)
		}
		if svc.MaxRetries == 0 {
			svc.MaxRetries = DefaultMaxRetries
		}
		if svc.SendRate == 0 {
			svc.SendRate = DefaultSendRate
		}
		if svc.SendBurst == 0 {
			svc.SendBurst = DefaultSendBurst
		}
	}
}

// ServiceIdentifier builds the stable natural key for a configured service, e.g. "irc/libera".
func ServiceIdentifier(kind, name string) string {
	return strings.ToLower(kind) + "/" + name
}

// Validate reports configuration mistakes that would prevent startup.
func (c Config) Validate() error {
	var errs []error
	if len([]rune(c.Bot.Prefix)) != 1 {
		errs = append(errs, fmt.Errorf("bot.prefix must be a single character, got %q", c.Bot.Prefix))
	}
	switch c.Bot.SourceFormat {
	case SourceFormatLong, SourceFormatShort:
	default:
		errs = append(errs, fmt.Errorf("bot.source_format must be %q or %q", SourceFormatLong, SourceFormatShort))
	}
	switch c.Database.Driver {
	case "sqlite", "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown database driver: %s", c.Database.Driver))
	}
	if c.Database.Driver == "postgres" && strings.TrimSpace(c.Database.DSN) == "" {
		errs = append(errs, errors.New("database.dsn is required for postgres"))
	}
	seen := map[string]struct{}{}
	for i, svc := range c.Services {
		if _, ok := knownKinds[svc.Kind]; !ok {
			errs = append(errs, fmt.Errorf("services[%d]: unknown kind %q", i, svc.Kind))
		}
		if strings.TrimSpace(svc.Identifier) == "" {
			errs = append(errs, fmt.Errorf("services[%d]: name or identifier is required", i))
			continue
		}
		if _, dup := seen[svc.Identifier]; dup {
			errs = append(errs, fmt.Errorf("services[%d]: duplicate identifier %q", i, svc.Identifier))
		}
		seen[svc.Identifier] = struct{}{}
		for j, chat := range svc.Chats {
			if strings.TrimSpace(chat.Identifier) == "" {
				errs = append(errs, fmt.Errorf("services[%d].chats[%d]: identifier is required", i, j))
			}
		}
	}
	return errors.Join(errs...)
}
