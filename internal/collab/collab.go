// Wraps an automerge document behind a locked, string keyed transaction API.

// Package collab holds the CRDT documents backing workspaces, databases and
// rows, and the plugins that persist them.
package collab

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/automerge/automerge-go"
)

var (
	// ErrClosed is returned when writing to a closed document.
	ErrClosed = errors.New("document closed")
	// ErrReadOnly is returned when writing inside Read.
	ErrReadOnly = errors.New("read-only transaction")
	// ErrDecode is returned when an encoded state or update is invalid.
	ErrDecode = errors.New("failed to decode update")
)

// Plugin observes a document's lifecycle. Methods are called with the
// document lock held; they must use the provided Locked view and never call
// back into the Collab.
type Plugin interface {
	DidInit(d Locked)
	DidReceiveUpdate(d Locked, update []byte)
}

// Collab is one CRDT document. All access is serialized by its own lock.
type Collab struct {
	uid int64
	oid string
	typ ObjectType

	mu      sync.Mutex
	doc     *automerge.Doc
	plugins []Plugin
	closed  bool
}

// New returns an empty in-memory document.
func New(uid int64, oid string, typ ObjectType) *Collab {
	return &Collab{uid: uid, oid: oid, typ: typ, doc: automerge.New()}
}

// FromState decodes a document previously produced by EncodeState.
func FromState(uid int64, oid string, typ ObjectType, state []byte) (*Collab, error) {
	doc, err := automerge.Load(state)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return &Collab{uid: uid, oid: oid, typ: typ, doc: doc}, nil
}

// UID returns the owning user id.
func (c *Collab) UID() int64 { return c.uid }

// ObjectID returns the document id.
func (c *Collab) ObjectID() string { return c.oid }

// Type returns the document type.
func (c *Collab) Type() ObjectType { return c.typ }

// AddPlugin registers p. Call before Initialize.
func (c *Collab) AddPlugin(p Plugin) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plugins = append(c.plugins, p)
}

// Initialize runs every plugin's DidInit. Whatever the plugins loaded is
// considered saved: the next update only carries later changes.
func (c *Collab) Initialize() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.plugins {
		p.DidInit(Locked{c: c})
	}
	c.doc.SaveIncremental()
}

// Read runs fn with a read-only view of the document.
func (c *Collab) Read(fn func(*Txn)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&Txn{m: c.doc.RootMap()})
}

// Transact runs fn and commits its writes atomically. Nothing is written if
// fn returns an error. The resulting update is handed to every plugin.
//
// Writes are buffered until fn returns. If applying them to the document
// fails, the partial changes cannot be discarded, so the document is closed
// and later writes fail with ErrClosed.
func (c *Collab) Transact(fn func(*Txn) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	t := &Txn{m: c.doc.RootMap(), write: true, pending: map[string]*string{}}
	if err := fn(t); err != nil {
		return err
	}
	if len(t.pending) == 0 {
		return nil
	}
	for _, k := range slices.Sorted(maps.Keys(t.pending)) {
		v := t.pending[k]
		var err error
		if v == nil {
			err = c.doc.RootMap().Delete(k)
		} else {
			err = c.doc.RootMap().Set(k, *v)
		}
		if err != nil {
			c.closed = true
			slog.Error("closing document after a partial write", "oid", c.oid, "key", k, "error", err)
			return fmt.Errorf("failed to apply %q: %w", k, err)
		}
	}
	if _, err := c.doc.Commit(""); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	update := c.doc.SaveIncremental()
	for _, p := range c.plugins {
		p.DidReceiveUpdate(Locked{c: c}, update)
	}
	return nil
}

// EncodeState returns the full document state.
func (c *Collab) EncodeState() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc.Save()
}

// ApplyUpdate merges an update or a full state produced by another replica.
func (c *Collab) ApplyUpdate(update []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if err := c.doc.LoadIncremental(update); err != nil {
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}
	// The plugins store update itself; it must not reappear in the next
	// local update.
	c.doc.SaveIncremental()
	for _, p := range c.plugins {
		p.DidReceiveUpdate(Locked{c: c}, update)
	}
	return nil
}

// IsEmpty reports whether the document has no top level keys.
func (c *Collab) IsEmpty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys, err := c.doc.RootMap().Keys()
	return err != nil || len(keys) == 0
}

// Close rejects further writes. Reads still work for holders of the value.
func (c *Collab) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// Locked exposes the document to plugins while the lock is held.
type Locked struct {
	c *Collab
}

// UID returns the owning user id.
func (l Locked) UID() int64 { return l.c.uid }

// ObjectID returns the document id.
func (l Locked) ObjectID() string { return l.c.oid }

// Encode returns the full document state.
func (l Locked) Encode() []byte { return l.c.doc.Save() }

// Merge loads a state or update without notifying plugins.
func (l Locked) Merge(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if err := l.c.doc.LoadIncremental(b); err != nil {
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return nil
}

// Txn reads and buffers writes to the top level map of a document. Values
// are strings; structured values go through GetJSON and SetJSON.
type Txn struct {
	m       *automerge.Map
	write   bool
	pending map[string]*string
}

// Get returns the string at key.
func (t *Txn) Get(key string) (string, bool) {
	if v, ok := t.pending[key]; ok {
		if v == nil {
			return "", false
		}
		return *v, true
	}
	v, err := t.m.Get(key)
	if err != nil || v.Kind() != automerge.KindStr {
		return "", false
	}
	return v.Str(), true
}

// Set stores value at key.
func (t *Txn) Set(key, value string) error {
	if !t.write {
		return ErrReadOnly
	}
	t.pending[key] = &value
	return nil
}

// Delete removes key. Deleting a missing key is a no-op.
func (t *Txn) Delete(key string) error {
	if !t.write {
		return ErrReadOnly
	}
	if _, ok := t.Get(key); !ok {
		delete(t.pending, key)
		return nil
	}
	t.pending[key] = nil
	return nil
}

// Keys returns the sorted keys starting with prefix.
func (t *Txn) Keys(prefix string) []string {
	seen := map[string]bool{}
	if keys, err := t.m.Keys(); err == nil {
		for _, k := range keys {
			seen[k] = true
		}
	}
	for k, v := range t.pending {
		seen[k] = v != nil
	}
	var out []string
	for k, ok := range seen {
		if ok && strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return out
}

// GetJSON decodes the JSON value at key into v. It returns false when the
// key is missing.
func (t *Txn) GetJSON(key string, v any) (bool, error) {
	s, ok := t.Get(key)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return true, fmt.Errorf("invalid value at %q: %w", key, err)
	}
	return true, nil
}

// SetJSON stores v encoded as JSON at key.
func (t *Txn) SetJSON(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %q: %w", key, err)
	}
	return t.Set(key, string(b))
}
