package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadCreatesDefaults(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if want := Default(); *cfg != want {
		t.Errorf("Load() = %+v, want %+v", *cfg, want)
	}
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatalf("config not written: %v", err)
	}
	if !strings.Contains(string(data), `"lock_timeout": "1s"`) {
		t.Errorf("unexpected file content:\n%s", data)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.UID = 7
	cfg.Cache.Rows = 10
	cfg.Store.LockTimeout = Duration(3 * time.Second)
	if err := cfg.Save(dir); err != nil {
		t.Fatal(err)
	}
	t.Setenv("COLLABDB_LOG_LEVEL", "debug")
	t.Setenv("COLLABDB_FETCH_CHUNK_SIZE", "5")
	t.Setenv("COLLABDB_REMOTE_GIT_DIR", "/tmp/peer")
	t.Setenv("COLLABDB_STORE_LOCK_TIMEOUT", "250ms")

	got, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.UID != 7 || got.Cache.Rows != 10 {
		t.Errorf("file values lost: %+v", got)
	}
	if got.Level() != slog.LevelDebug || got.Fetch.ChunkSize != 5 || got.Remote.GitDir != "/tmp/peer" {
		t.Errorf("env overrides not applied: %+v", got)
	}
	if got.StoreOptions().Timeout != 250*time.Millisecond {
		t.Errorf("Timeout = %v", got.StoreOptions().Timeout)
	}

	// Overrides are not persisted.
	onDisk, err := read(dir)
	if err != nil {
		t.Fatal(err)
	}
	if onDisk.LogLevel != "info" || onDisk.Fetch.ChunkSize != Default().Fetch.ChunkSize {
		t.Errorf("overrides written to disk: %+v", onDisk)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		env     map[string]string
		want    string
	}{
		{"bad json", "{", nil, "failed to parse"},
		{"bad level", `{"log_level": "loud"}`, nil, "unknown log level"},
		{"zero uid", `{"uid": 0}`, nil, "uid must be positive"},
		{"url without dir", `{"remote": {"url": "https://example.com/x.git"}}`, nil, "requires remote.git_dir"},
		{"bad env", `{}`, map[string]string{"COLLABDB_CACHE_ROWS": "many"}, "failed to parse environment"},
		{"bad duration", `{"store": {"lock_timeout": "soon"}}`, nil, "failed to parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if err := os.WriteFile(filepath.Join(dir, FileName), []byte(tt.content), 0o600); err != nil {
				t.Fatal(err)
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(dir)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load() error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestDatabaseOptions(t *testing.T) {
	cfg := Default()
	cfg.Store.FlushOnInit = true
	opts := cfg.DatabaseOptions()
	if opts.DatabaseCacheSize != 5 || opts.CollabCacheSize != 10 || opts.InitialRowLoad != 100 {
		t.Errorf("DatabaseOptions() = %+v", opts)
	}
	if !opts.Persistence.FlushOnInit || opts.Persistence.SnapshotPerUpdate != 100 {
		t.Errorf("Persistence = %+v", opts.Persistence)
	}
	if opts.Fetch.ChunkSize != 1 || opts.Fetch.Concurrency != 8 {
		t.Errorf("Fetch = %+v", opts.Fetch)
	}
}

func TestSchema(t *testing.T) {
	b, err := Schema()
	if err != nil {
		t.Fatal(err)
	}
	var s struct {
		Properties map[string]struct {
			Type       string         `json:"type"`
			Enum       []string       `json:"enum"`
			Properties map[string]any `json:"properties"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(b, &s); err != nil {
		t.Fatalf("invalid schema: %v", err)
	}
	if got := s.Properties["log_level"].Enum; len(got) != 4 {
		t.Errorf("log_level enum = %v", got)
	}
	store := s.Properties["store"].Properties["lock_timeout"]
	if m, ok := store.(map[string]any); !ok || m["type"] != "string" {
		t.Errorf("lock_timeout schema = %v", store)
	}
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	if err := cfg.Save(dir); err != nil {
		t.Fatal(err)
	}
	got := make(chan *Config, 4)
	if err := Watch(t.Context(), dir, func(c *Config) { got <- c }); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	// Invalid edits are ignored.
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(`{"log_level": "loud"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg.LogLevel = "warn"
	if err := cfg.Save(dir); err != nil {
		t.Fatal(err)
	}
	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-got:
			if c.Level() == slog.LevelWarn {
				return
			}
		case <-deadline:
			t.Fatal("no reload seen")
		}
	}
}
