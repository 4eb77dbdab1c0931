// Manages the collabdb.json configuration stored in the data directory.

// Package config loads, validates and watches the collabdb configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/invopop/jsonschema"

	"github.com/maruel/collabdb/internal/collab"
	"github.com/maruel/collabdb/internal/database"
	"github.com/maruel/collabdb/internal/fetch"
	"github.com/maruel/collabdb/internal/kvdb"
)

// FileName is the configuration file inside the data directory.
const FileName = "collabdb.json"

// EnvPrefix prefixes every environment variable override.
const EnvPrefix = "COLLABDB_"

// Config is the whole configuration. Loaded from collabdb.json, created with
// defaults if missing, then overridden by COLLABDB_* environment variables.
type Config struct {
	// LogLevel is one of debug, info, warn or error. It is reloaded while
	// running.
	LogLevel string `json:"log_level" env:"LOG_LEVEL" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`

	// UID is the user owning every document opened by this process.
	UID int64 `json:"uid" env:"UID" jsonschema:"minimum=1"`

	Remote RemoteConfig `json:"remote" envPrefix:"REMOTE_"`
	Cache  CacheConfig  `json:"cache" envPrefix:"CACHE_"`
	Fetch  FetchConfig  `json:"fetch" envPrefix:"FETCH_"`
	Store  StoreConfig  `json:"store" envPrefix:"STORE_"`
}

// RemoteConfig selects where missing documents are fetched from. An empty
// GitDir means there is no remote.
type RemoteConfig struct {
	GitDir      string `json:"git_dir,omitempty" env:"GIT_DIR" jsonschema:"description=Local git repository mirroring the remote documents"`
	URL         string `json:"url,omitempty" env:"URL" jsonschema:"description=Upstream pushed to and pulled from"`
	AuthorName  string `json:"author_name,omitempty" env:"AUTHOR_NAME"`
	AuthorEmail string `json:"author_email,omitempty" env:"AUTHOR_EMAIL"`
}

// CacheConfig sizes the in-memory caches.
type CacheConfig struct {
	Databases      int `json:"databases" env:"DATABASES" jsonschema:"minimum=1"`
	Collabs        int `json:"collabs" env:"COLLABS" jsonschema:"minimum=1"`
	Rows           int `json:"rows" env:"ROWS" jsonschema:"minimum=1"`
	InitialRowLoad int `json:"initial_row_load" env:"INITIAL_ROW_LOAD" jsonschema:"minimum=1"`
}

// FetchConfig tunes remote row fetching.
type FetchConfig struct {
	ChunkSize   int     `json:"chunk_size" env:"CHUNK_SIZE" jsonschema:"minimum=0"`
	Concurrency int     `json:"concurrency" env:"CONCURRENCY" jsonschema:"minimum=1"`
	Rate        float64 `json:"rate" env:"RATE" jsonschema:"minimum=0,description=Remote calls per second; 0 is unlimited"`
	Burst       int     `json:"burst" env:"BURST" jsonschema:"minimum=1"`
}

// StoreConfig configures the on-disk document store.
type StoreConfig struct {
	MaxSnapshots      int      `json:"max_snapshots" env:"MAX_SNAPSHOTS" jsonschema:"minimum=0,description=Snapshots kept per document; 0 keeps all"`
	SnapshotPerUpdate int      `json:"snapshot_per_update" env:"SNAPSHOT_PER_UPDATE" jsonschema:"minimum=0"`
	FlushOnInit       bool     `json:"flush_on_init" env:"FLUSH_ON_INIT"`
	LockTimeout       Duration `json:"lock_timeout" env:"LOCK_TIMEOUT"`
}

// Duration is a time.Duration written as a string like "1.5s".
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// JSONSchema describes Duration as a string.
func (Duration) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string", Description: "Go duration, e.g. 500ms or 2s"}
}

// Default returns the configuration written on first run.
func Default() Config {
	db := database.DefaultOptions()
	f := fetch.DefaultOptions()
	return Config{
		LogLevel: "info",
		UID:      1,
		Remote:   RemoteConfig{AuthorName: "collabdb", AuthorEmail: "collabdb@localhost"},
		Cache: CacheConfig{
			Databases:      db.DatabaseCacheSize,
			Collabs:        db.CollabCacheSize,
			Rows:           db.RowCacheSize,
			InitialRowLoad: db.InitialRowLoad,
		},
		Fetch: FetchConfig{ChunkSize: f.ChunkSize, Concurrency: f.Concurrency, Rate: f.Rate, Burst: f.Burst},
		Store: StoreConfig{
			MaxSnapshots:      10,
			SnapshotPerUpdate: collab.DefaultPersistence().SnapshotPerUpdate,
			LockTimeout:       Duration(time.Second),
		},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.UID <= 0 {
		return errors.New("uid must be positive")
	}
	if c.Remote.URL != "" && c.Remote.GitDir == "" {
		return errors.New("remote.url requires remote.git_dir")
	}
	if c.Cache.Databases < 1 || c.Cache.Collabs < 1 || c.Cache.Rows < 1 {
		return errors.New("cache sizes must be positive")
	}
	if c.Cache.InitialRowLoad < 1 {
		return errors.New("cache.initial_row_load must be positive")
	}
	if c.Fetch.ChunkSize < 0 {
		return errors.New("fetch.chunk_size must be non-negative")
	}
	if c.Fetch.Concurrency < 1 {
		return errors.New("fetch.concurrency must be positive")
	}
	if c.Fetch.Rate < 0 {
		return errors.New("fetch.rate must be non-negative")
	}
	if c.Fetch.Burst < 1 {
		return errors.New("fetch.burst must be positive")
	}
	if c.Store.MaxSnapshots < 0 {
		return errors.New("store.max_snapshots must be non-negative")
	}
	if c.Store.SnapshotPerUpdate < 0 {
		return errors.New("store.snapshot_per_update must be non-negative")
	}
	if c.Store.LockTimeout < 0 {
		return errors.New("store.lock_timeout must be non-negative")
	}
	return nil
}

// Level returns the parsed log level.
func (c *Config) Level() slog.Level {
	l, _ := ParseLevel(c.LogLevel)
	return l
}

// DatabaseOptions returns the settings of a workspace database.
func (c *Config) DatabaseOptions() database.Options {
	return database.Options{
		DatabaseCacheSize: c.Cache.Databases,
		CollabCacheSize:   c.Cache.Collabs,
		RowCacheSize:      c.Cache.Rows,
		InitialRowLoad:    c.Cache.InitialRowLoad,
		Persistence: collab.PersistenceConfig{
			SnapshotPerUpdate: c.Store.SnapshotPerUpdate,
			FlushOnInit:       c.Store.FlushOnInit,
		},
		Fetch: fetch.Options{
			ChunkSize:   c.Fetch.ChunkSize,
			Concurrency: c.Fetch.Concurrency,
			Rate:        c.Fetch.Rate,
			Burst:       c.Fetch.Burst,
		},
	}
}

// StoreOptions returns the settings of the document store.
func (c *Config) StoreOptions() kvdb.Options {
	return kvdb.Options{MaxSnapshots: c.Store.MaxSnapshots, Timeout: time.Duration(c.Store.LockTimeout)}
}

// ParseLevel parses a log level name.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level: %q", s)
	}
}

// Load reads dataDir/collabdb.json, creating it with defaults if it doesn't
// exist, then applies the environment overrides. Overrides are never
// written back to the file.
func Load(dataDir string) (*Config, error) {
	cfg, err := read(dataDir)
	if errors.Is(err, os.ErrNotExist) {
		if err := cfg.Save(dataDir); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", FileName, err)
	}
	return &cfg, nil
}

// read returns the defaults merged with the file content. The error wraps
// os.ErrNotExist when the file is missing, in which case the defaults are
// still returned.
func read(dataDir string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(filepath.Join(dataDir, FileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, err
		}
		return cfg, fmt.Errorf("failed to read %s: %w", FileName, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse %s: %w", FileName, err)
	}
	return cfg, nil
}

// Save writes the configuration to dataDir/collabdb.json.
func (c *Config) Save(dataDir string) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	data = append(data, '\n')
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dataDir, FileName), data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", FileName, err)
	}
	return nil
}

// Schema returns the JSON schema of the configuration file.
func Schema() ([]byte, error) {
	r := jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
	s := r.Reflect(&Config{})
	s.Title = "collabdb configuration"
	return json.MarshalIndent(s, "", "  ")
}
