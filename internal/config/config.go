// Package config loads and validates the CareSync server configuration.
package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/caredock/caresync/internal/errors"
)

// Conflict strategy names accepted in per-collection configuration. A
// collection without one of these configured is rejected at resolution
// time, never defaulted.
const (
	StrategyServerWins          = "server_wins"
	StrategyClientWins          = "client_wins"
	StrategyMergeServerPriority = "merge_with_server_priority"
	StrategyMergeClientPriority = "merge_with_client_priority"
	StrategyFieldLevelMerge     = "field_level_merge"
)

// Sides a field rule can award a field to.
const (
	SideServer = "server"
	SideClient = "client"
)

// Config is the root server configuration.
type Config struct {
	// Store selects and configures the document store driver.
	Store StoreConfig `yaml:"store"`

	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server"`

	// Sync bounds incremental sync work per call.
	Sync SyncConfig `yaml:"sync"`

	// Collections maps each syncable collection to its conflict handling.
	// Only collections listed here can be resolved; the resolver fails
	// closed for anything else.
	Collections map[string]CollectionConfig `yaml:"collections"`

	// Access seeds the static permission provider. Users not listed are
	// denied everything.
	Access AccessConfig `yaml:"access,omitempty"`

	// Realtime configures change fan-out.
	Realtime RealtimeConfig `yaml:"realtime"`

	// Archive configures periodic audit archive export.
	Archive ArchiveConfig `yaml:"archive"`

	// Logging configures the structured logger.
	Logging LoggingConfig `yaml:"logging"`
}

// StoreConfig selects the document store driver.
type StoreConfig struct {
	// Driver is "sqlite" or "mongo".
	Driver string `yaml:"driver"`

	// Path is the SQLite database directory. Default: ./data.
	Path string `yaml:"path,omitempty"`

	// URI is the MongoDB connection string.
	URI string `yaml:"uri,omitempty"`

	// Database is the MongoDB database name. Default: caresync.
	Database string `yaml:"database,omitempty"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Addr is the listen address. Default: :8080.
	Addr string `yaml:"addr,omitempty"`

	// CORSOrigins lists allowed origins. Empty allows none.
	CORSOrigins []string `yaml:"cors_origins,omitempty"`
}

// SyncConfig bounds incremental sync work per call.
type SyncConfig struct {
	// DefaultPageLimit is used when a request omits pageLimit. Default: 100.
	DefaultPageLimit int `yaml:"default_page_limit,omitempty"`

	// MaxPageLimit caps a requested pageLimit. Default: 500.
	MaxPageLimit int `yaml:"max_page_limit,omitempty"`

	// MaxPages caps pages consumed server-side per collection per call.
	// Default: 10.
	MaxPages int `yaml:"max_pages,omitempty"`

	// DeletionListLimit caps tombstones returned per collection per call.
	// Default: 1000.
	DeletionListLimit int `yaml:"deletion_list_limit,omitempty"`

	// HeartbeatWindow is how long a session heartbeat stays fresh, as a
	// Go duration string. Default: 5m.
	HeartbeatWindow string `yaml:"heartbeat_window,omitempty"`
}

// CollectionConfig is the conflict handling for one collection.
type CollectionConfig struct {
	// Strategy is one of the five strategy names.
	Strategy string `yaml:"strategy"`

	// FieldRules awards individual fields to a side. Required for
	// field_level_merge, ignored otherwise.
	FieldRules map[string]string `yaml:"field_rules,omitempty"`

	// DefaultSide receives fields not listed in FieldRules. Required for
	// field_level_merge, ignored otherwise.
	DefaultSide string `yaml:"default_side,omitempty"`
}

// AccessConfig seeds the static permission provider. Real deployments
// swap in the platform permission service behind the same interfaces.
type AccessConfig struct {
	// Users lists every principal allowed to sync.
	Users []AccessUser `yaml:"users,omitempty"`
}

// AccessUser is one grant. Admin sees every collection and facility;
// otherwise Collections and Facilities bound what the user may touch.
type AccessUser struct {
	ID          string   `yaml:"id"`
	Admin       bool     `yaml:"admin,omitempty"`
	Collections []string `yaml:"collections,omitempty"`
	Facilities  []string `yaml:"facilities,omitempty"`
}

// RealtimeConfig configures change fan-out.
type RealtimeConfig struct {
	// Enabled turns the change notifier on. Default: true when collections
	// are configured.
	Enabled *bool `yaml:"enabled,omitempty"`

	// NotificationMaxAge bounds how long delivered notifications are kept,
	// as a Go duration string. Default: 24h.
	NotificationMaxAge string `yaml:"notification_max_age,omitempty"`
}

// ArchiveConfig configures periodic audit archive export.
type ArchiveConfig struct {
	// Enabled turns the periodic exporter on.
	Enabled bool `yaml:"enabled,omitempty"`

	// Interval between archive runs, as a Go duration string. Default: 24h.
	Interval string `yaml:"interval,omitempty"`

	// Directory receives archive files before upload. Default: ./archives.
	Directory string `yaml:"directory,omitempty"`

	// Provider is the upload target: "aws", "minio" or "r2". Empty keeps
	// archives local only.
	Provider string `yaml:"provider,omitempty"`

	// Bucket, Region, Endpoint and AccountID configure the provider.
	Bucket    string `yaml:"bucket,omitempty"`
	Region    string `yaml:"region,omitempty"`
	Endpoint  string `yaml:"endpoint,omitempty"`
	AccountID string `yaml:"account_id,omitempty"`

	// PasswordEnv names an environment variable holding the archive
	// encryption password. Empty produces unencrypted archives.
	PasswordEnv string `yaml:"password_env,omitempty"`

	// RetentionCount caps local archive files kept on disk. 0 keeps all.
	RetentionCount int `yaml:"retention_count,omitempty"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	// Level is DEBUG, INFO, WARN or ERROR. Default: INFO.
	Level string `yaml:"level,omitempty"`
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrConfig, fmt.Sprintf("cannot read %s", path), err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML configuration bytes.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(errors.ErrConfig, "invalid YAML", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with defaults applied and no collections.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Driver:   "sqlite",
			Path:     "./data",
			Database: "caresync",
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
		Sync: SyncConfig{
			DefaultPageLimit:  100,
			MaxPageLimit:      500,
			MaxPages:          10,
			DeletionListLimit: 1000,
			HeartbeatWindow:   "5m",
		},
		Realtime: RealtimeConfig{
			NotificationMaxAge: "24h",
		},
		Archive: ArchiveConfig{
			Interval:  "24h",
			Directory: "./archives",
		},
		Logging: LoggingConfig{
			Level: "INFO",
		},
	}
}

// Validate checks the configuration for structural correctness.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return errors.New(errors.ErrConfig, "store.path is required for the sqlite driver")
		}
	case "mongo":
		if c.Store.URI == "" {
			return errors.New(errors.ErrConfig, "store.uri is required for the mongo driver")
		}
		if c.Store.Database == "" {
			return errors.New(errors.ErrConfig, "store.database is required for the mongo driver")
		}
	default:
		return errors.Newf(errors.ErrConfig, "unknown store.driver %q", c.Store.Driver)
	}

	if c.Sync.DefaultPageLimit <= 0 || c.Sync.MaxPageLimit <= 0 || c.Sync.MaxPages <= 0 {
		return errors.New(errors.ErrConfig, "sync page limits must be positive")
	}
	if c.Sync.DefaultPageLimit > c.Sync.MaxPageLimit {
		return errors.New(errors.ErrConfig, "sync.default_page_limit exceeds sync.max_page_limit")
	}
	if _, err := parseDuration(c.Sync.HeartbeatWindow, 5*time.Minute); err != nil {
		return errors.Wrap(errors.ErrConfig, "invalid sync.heartbeat_window", err)
	}
	if _, err := parseDuration(c.Realtime.NotificationMaxAge, 24*time.Hour); err != nil {
		return errors.Wrap(errors.ErrConfig, "invalid realtime.notification_max_age", err)
	}
	if _, err := parseDuration(c.Archive.Interval, 24*time.Hour); err != nil {
		return errors.Wrap(errors.ErrConfig, "invalid archive.interval", err)
	}

	for name, col := range c.Collections {
		if err := validateCollection(name, col); err != nil {
			return err
		}
	}

	for i, user := range c.Access.Users {
		if user.ID == "" {
			return errors.Newf(errors.ErrConfig, "access.users[%d] has no id", i)
		}
		if !user.Admin && len(user.Collections) == 0 {
			return errors.Newf(errors.ErrConfig,
				"access.users[%d] (%s) grants no collections and is not admin", i, user.ID)
		}
	}

	if c.Archive.Provider != "" {
		switch c.Archive.Provider {
		case "aws", "minio", "r2":
		default:
			return errors.Newf(errors.ErrConfig, "unknown archive.provider %q", c.Archive.Provider)
		}
		if c.Archive.Bucket == "" {
			return errors.New(errors.ErrConfig, "archive.bucket is required when archive.provider is set")
		}
	}

	return nil
}

func validateCollection(name string, col CollectionConfig) error {
	switch col.Strategy {
	case StrategyServerWins, StrategyClientWins,
		StrategyMergeServerPriority, StrategyMergeClientPriority:
		return nil
	case StrategyFieldLevelMerge:
		if len(col.FieldRules) == 0 {
			return errors.Newf(errors.ErrConfig,
				"collection %q uses field_level_merge but has no field_rules", name)
		}
		for field, side := range col.FieldRules {
			if side != SideServer && side != SideClient {
				return errors.Newf(errors.ErrConfig,
					"collection %q field_rules.%s has unknown side %q", name, field, side)
			}
		}
		if col.DefaultSide != SideServer && col.DefaultSide != SideClient {
			return errors.Newf(errors.ErrConfig,
				"collection %q uses field_level_merge but default_side is %q", name, col.DefaultSide)
		}
		return nil
	case "":
		return errors.Newf(errors.ErrConfig, "collection %q has no strategy", name)
	default:
		return errors.Newf(errors.ErrConfig, "collection %q has unknown strategy %q", name, col.Strategy)
	}
}

// CollectionNames returns the configured collections in sorted order.
func (c *Config) CollectionNames() []string {
	names := make([]string, 0, len(c.Collections))
	for name := range c.Collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RealtimeEnabled reports whether change fan-out is on. Defaults to true
// when any collection is configured.
func (c *Config) RealtimeEnabled() bool {
	if c.Realtime.Enabled != nil {
		return *c.Realtime.Enabled
	}
	return len(c.Collections) > 0
}

// HeartbeatWindow returns the parsed session freshness window.
func (c *Config) HeartbeatWindow() time.Duration {
	d, _ := parseDuration(c.Sync.HeartbeatWindow, 5*time.Minute)
	return d
}

// NotificationMaxAge returns the parsed notification retention bound.
func (c *Config) NotificationMaxAge() time.Duration {
	d, _ := parseDuration(c.Realtime.NotificationMaxAge, 24*time.Hour)
	return d
}

// ArchiveInterval returns the parsed archive run interval.
func (c *Config) ArchiveInterval() time.Duration {
	d, _ := parseDuration(c.Archive.Interval, 24*time.Hour)
	return d
}

func parseDuration(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration %q must be positive", s)
	}
	return d, nil
}
