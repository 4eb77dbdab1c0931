package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch calls fn with the new configuration every time collabdb.json is
// written, until ctx is done. Invalid edits are logged and ignored.
//
// The directory is watched rather than the file so editors replacing the
// file are seen too.
func Watch(ctx context.Context, dataDir string, fn func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(dataDir); err != nil {
		_ = w.Close()
		return err
	}
	path := filepath.Join(dataDir, FileName)
	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != path || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
					continue
				}
				cfg, err := reload(dataDir)
				if err != nil {
					slog.WarnContext(ctx, "ignoring invalid configuration", "path", path, "error", err)
					continue
				}
				fn(cfg)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.WarnContext(ctx, "error watching configuration", "error", err)
			}
		}
	}()
	return nil
}

func reload(dataDir string) (*Config, error) {
	cfg, err := read(dataDir)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
