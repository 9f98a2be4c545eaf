// Package config provides Viper-based configuration loading for the Gem Hunt server.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// ListenConfig is a host/port pair for a listener.
type ListenConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (l ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Host, l.Port)
}

// MatchmakingConfig holds room and queue settings.
type MatchmakingConfig struct {
	ListenConfig `mapstructure:",squash"`
	// MaxPlayers is the capacity of every room and of the queue.
	MaxPlayers int `mapstructure:"max_players"`
	// MinPlayers is the smallest room a host may start.
	MinPlayers int `mapstructure:"min_players"`
	// GameURL is the public base URL of the game endpoint; the match id is appended.
	GameURL string `mapstructure:"game_url"`
}

// GameConfig holds game session settings.
type GameConfig struct {
	ListenConfig `mapstructure:",squash"`
	GridWidth    int           `mapstructure:"grid_width"`
	GridHeight   int           `mapstructure:"grid_height"`
	Duration     time.Duration `mapstructure:"duration"`
	TickInterval time.Duration `mapstructure:"tick_interval"`
	GemInterval  time.Duration `mapstructure:"gem_interval"`
	// CleanupDelay bounds how long a finished session lingers with players attached.
	CleanupDelay time.Duration `mapstructure:"cleanup_delay"`
	// LobbyTimeout bounds how long a session waits in the lobby with nobody connected.
	LobbyTimeout time.Duration `mapstructure:"lobby_timeout"`
}

// WebsocketConfig holds per-connection transport settings shared by both endpoints.
type WebsocketConfig struct {
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	SendBuffer      int           `mapstructure:"send_buffer"`
	MaxMessageBytes int64         `mapstructure:"max_message_bytes"`
}

// DatabaseConfig holds PostgreSQL connection settings for the match archive.
type DatabaseConfig struct {
	// Enabled turns the match archive on. When false no connection is made.
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// Config is the top-level application configuration.
type Config struct {
	Logging     LoggingConfig     `mapstructure:"logging"`
	API         ListenConfig      `mapstructure:"api"`
	Matchmaking MatchmakingConfig `mapstructure:"matchmaking"`
	Game        GameConfig        `mapstructure:"game"`
	Websocket   WebsocketConfig   `mapstructure:"websocket"`
	Database    DatabaseConfig    `mapstructure:"database"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	for _, err := range []error{
		validateLogging(c.Logging),
		validateListen("api", c.API),
		validateMatchmaking(c.Matchmaking),
		validateGame(c.Game),
		validateWebsocket(c.Websocket),
		validateDatabase(c.Database),
	} {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateListen(section string, l ListenConfig) error {
	if l.Port < 0 || l.Port > 65535 {
		return fmt.Errorf("%s.port must be 0-65535, got %d", section, l.Port)
	}
	return nil
}

func validateMatchmaking(m MatchmakingConfig) error {
	var errs []string
	if err := validateListen("matchmaking", m.ListenConfig); err != nil {
		errs = append(errs, err.Error())
	}
	if m.MinPlayers < 2 {
		errs = append(errs, fmt.Sprintf("matchmaking.min_players must be >= 2, got %d", m.MinPlayers))
	}
	if m.MaxPlayers < m.MinPlayers {
		errs = append(errs, fmt.Sprintf("matchmaking.max_players must be >= min_players, got %d", m.MaxPlayers))
	}
	if m.MaxPlayers > 4 {
		errs = append(errs, fmt.Sprintf("matchmaking.max_players must be <= 4 (one corner per player), got %d", m.MaxPlayers))
	}
	if m.GameURL == "" {
		errs = append(errs, "matchmaking.game_url must not be empty")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateGame(g GameConfig) error {
	var errs []string
	if err := validateListen("game", g.ListenConfig); err != nil {
		errs = append(errs, err.Error())
	}
	if g.GridWidth < 2 || g.GridHeight < 2 {
		errs = append(errs, fmt.Sprintf("game grid must be at least 2x2, got %dx%d", g.GridWidth, g.GridHeight))
	}
	if g.Duration <= 0 {
		errs = append(errs, "game.duration must be positive")
	}
	if g.TickInterval < 100*time.Millisecond || g.TickInterval > time.Second {
		errs = append(errs, fmt.Sprintf("game.tick_interval must be within 100ms-1s, got %s", g.TickInterval))
	}
	if g.GemInterval <= 0 {
		errs = append(errs, "game.gem_interval must be positive")
	}
	if g.CleanupDelay < 0 {
		errs = append(errs, "game.cleanup_delay must not be negative")
	}
	if g.LobbyTimeout < 0 {
		errs = append(errs, "game.lobby_timeout must not be negative")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateWebsocket(w WebsocketConfig) error {
	var errs []string
	if w.ReadTimeout < 0 {
		errs = append(errs, "websocket.read_timeout must not be negative")
	}
	if w.WriteTimeout < 0 {
		errs = append(errs, "websocket.write_timeout must not be negative")
	}
	if w.PingInterval < 0 {
		errs = append(errs, "websocket.ping_interval must not be negative")
	}
	if w.ReadTimeout > 0 && w.PingInterval >= w.ReadTimeout {
		errs = append(errs, "websocket.ping_interval must be shorter than read_timeout")
	}
	if w.SendBuffer < 1 {
		errs = append(errs, fmt.Sprintf("websocket.send_buffer must be >= 1, got %d", w.SendBuffer))
	}
	if w.MaxMessageBytes < 1 {
		errs = append(errs, fmt.Sprintf("websocket.max_message_bytes must be >= 1, got %d", w.MaxMessageBytes))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateDatabase(d DatabaseConfig) error {
	if !d.Enabled {
		return nil
	}
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 || d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must be within 0..max_conns")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result. An empty path loads defaults and environment only.
//
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()

	// Environment variable overrides with GEMHUNT_ prefix
	v.SetEnvPrefix("GEMHUNT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the configuration produced by defaults alone.
//
// Postcondition: Returns a Config that passes Validate.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 5000)

	v.SetDefault("matchmaking.host", "0.0.0.0")
	v.SetDefault("matchmaking.port", 8765)
	v.SetDefault("matchmaking.max_players", 4)
	v.SetDefault("matchmaking.min_players", 2)
	v.SetDefault("matchmaking.game_url", "ws://localhost:9001/game/")

	v.SetDefault("game.host", "0.0.0.0")
	v.SetDefault("game.port", 9001)
	v.SetDefault("game.grid_width", 10)
	v.SetDefault("game.grid_height", 10)
	v.SetDefault("game.duration", "60s")
	v.SetDefault("game.tick_interval", "1s")
	v.SetDefault("game.gem_interval", "2s")
	v.SetDefault("game.cleanup_delay", "30s")
	v.SetDefault("game.lobby_timeout", "5m")

	v.SetDefault("websocket.read_timeout", "60s")
	v.SetDefault("websocket.write_timeout", "10s")
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.send_buffer", 64)
	v.SetDefault("websocket.max_message_bytes", 4096)

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "gemhunt")
	v.SetDefault("database.password", "gemhunt")
	v.SetDefault("database.name", "gemhunt")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")
}
