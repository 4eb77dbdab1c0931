// Append-only JSONL file holding one record per line, mirrored in memory.

package registry

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
)

// table stores rows of T in a JSONL file. Appends write one line; any other
// mutation rewrites the file.
type table[T any] struct {
	path string

	mu   sync.RWMutex
	rows []T
}

func openTable[T any](path string) (*table[T], error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	t := &table[T]{path: path}
	if err := t.load(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *table[T]) load() error {
	f, err := os.Open(t.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", t.path, err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for line := 1; scanner.Scan(); line++ {
		b := scanner.Bytes()
		if len(b) == 0 {
			continue
		}
		var row T
		if err := json.Unmarshal(b, &row); err != nil {
			return fmt.Errorf("%s:%d: %w", t.path, line, err)
		}
		t.rows = append(t.rows, row)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read %s: %w", t.path, err)
	}
	return nil
}

// all returns a copy of the rows in insertion order.
func (t *table[T]) all() []T {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.rows)
}

// find returns the first row matching fn.
func (t *table[T]) find(fn func(T) bool) (T, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if i := slices.IndexFunc(t.rows, fn); i >= 0 {
		return t.rows[i], true
	}
	var zero T
	return zero, false
}

// append adds row unless check rejects the current rows.
func (t *table[T]) append(row T, check func([]T) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if check != nil {
		if err := check(t.rows); err != nil {
			return err
		}
	}
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to marshal row: %w", err)
	}
	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s for append: %w", t.path, err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write row: %w", err)
	}
	t.rows = append(t.rows, row)
	return nil
}

// deleteFunc removes every row matching fn and rewrites the file. It
// returns the number of removed rows.
func (t *table[T]) deleteFunc(fn func(T) bool) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := slices.DeleteFunc(slices.Clone(t.rows), fn)
	n := len(t.rows) - len(kept)
	if n == 0 {
		return 0, nil
	}
	if err := t.write(kept); err != nil {
		return 0, err
	}
	t.rows = kept
	return n, nil
}

// write replaces the file through a temporary file so a crash never leaves
// a truncated table.
func (t *table[T]) write(rows []T) error {
	tmp := t.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	w := bufio.NewWriter(f)
	for _, row := range rows {
		data, err := json.Marshal(row)
		if err != nil {
			_ = f.Close()
			return fmt.Errorf("failed to marshal row: %w", err)
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			_ = f.Close()
			return fmt.Errorf("failed to write row: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to flush %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, t.path)
}
