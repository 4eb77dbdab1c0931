// Opens, creates and deletes the databases of a workspace.

package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/maruel/collabdb/internal/collab"
	"github.com/maruel/collabdb/internal/fetch"
	"github.com/maruel/collabdb/internal/kvdb"
	"github.com/maruel/collabdb/internal/lru"
)

// Options sizes the caches of a workspace.
type Options struct {
	DatabaseCacheSize int `json:"database_cache_size"`
	CollabCacheSize   int `json:"collab_cache_size"`
	RowCacheSize      int `json:"row_cache_size"`
	// InitialRowLoad bounds the rows fetched when a database is first
	// opened from the remote.
	InitialRowLoad int                      `json:"initial_row_load"`
	Persistence    collab.PersistenceConfig `json:"persistence"`
	Fetch          fetch.Options            `json:"fetch"`
}

// DefaultOptions returns the default cache sizes.
func DefaultOptions() Options {
	return Options{
		DatabaseCacheSize: 5,
		CollabCacheSize:   10,
		RowCacheSize:      1000,
		InitialRowLoad:    100,
		Persistence:       collab.DefaultPersistence(),
		Fetch:             fetch.DefaultOptions(),
	}
}

// WorkspaceDatabase owns the open databases of one workspace.
//
// The index stored in the workspace document decides which databases exist;
// the caches only hold what is open. Cache locks are never held across
// storage or remote calls.
type WorkspaceDatabase struct {
	uid     int64
	handle  kvdb.Handle
	service CollabService
	opts    Options

	collab    *collab.Collab
	meta      *MetaList
	collabs   *lru.Cache[string, *collab.Collab]
	databases *lru.Cache[string, *Database]
}

// OpenWorkspaceDatabase builds the workspace document and wraps it.
func OpenWorkspaceDatabase(uid int64, workspaceID string, handle kvdb.Handle, service CollabService, opts Options) *WorkspaceDatabase {
	c := service.BuildCollab(uid, workspaceID, collab.WorkspaceDatabase, handle, nil, opts.Persistence)
	return NewWorkspaceDatabase(uid, c, handle, service, opts)
}

// NewWorkspaceDatabase wraps an already built workspace document.
func NewWorkspaceDatabase(uid int64, c *collab.Collab, handle kvdb.Handle, service CollabService, opts Options) *WorkspaceDatabase {
	def := DefaultOptions()
	if opts.DatabaseCacheSize <= 0 {
		opts.DatabaseCacheSize = def.DatabaseCacheSize
	}
	if opts.CollabCacheSize <= 0 {
		opts.CollabCacheSize = def.CollabCacheSize
	}
	if opts.RowCacheSize <= 0 {
		opts.RowCacheSize = def.RowCacheSize
	}
	if opts.InitialRowLoad <= 0 {
		opts.InitialRowLoad = def.InitialRowLoad
	}
	if opts.Fetch == (fetch.Options{}) {
		opts.Fetch = def.Fetch
	}
	return &WorkspaceDatabase{
		uid:       uid,
		handle:    handle,
		service:   service,
		opts:      opts,
		collab:    c,
		meta:      NewMetaList(c),
		collabs:   lru.New[string, *collab.Collab](opts.CollabCacheSize),
		databases: lru.New[string, *Database](opts.DatabaseCacheSize),
	}
}

// Collab returns the workspace document.
func (w *WorkspaceDatabase) Collab() *collab.Collab {
	return w.collab
}

// GetDatabaseCollab returns the database document, loading it from disk or
// else from the remote. An empty remote state counts as not found and is
// not cached.
func (w *WorkspaceDatabase) GetDatabaseCollab(ctx context.Context, id string) (*collab.Collab, bool) {
	c, _, ok := w.databaseCollab(ctx, id)
	return c, ok
}

// databaseCollab also reports whether the document was found on disk.
func (w *WorkspaceDatabase) databaseCollab(ctx context.Context, id string) (*collab.Collab, bool, bool) {
	if c, ok := w.collabs.Get(id); ok {
		return c, true, true
	}
	db, ok := w.handle.Get()
	if !ok {
		slog.WarnContext(ctx, "store unavailable", "database", id)
		return nil, false, false
	}
	local := db.IsExist(w.uid, id)
	var state []byte
	if !local {
		var err error
		state, err = w.service.GetDocState(ctx, id, collab.Database)
		if err != nil {
			slog.ErrorContext(ctx, "failed to fetch database document", "database", id, "error", err)
			return nil, false, false
		}
		if len(state) == 0 {
			slog.ErrorContext(ctx, "remote returned an empty database document", "database", id)
			return nil, false, false
		}
	}
	c := w.service.BuildCollab(w.uid, id, collab.Database, w.handle, state, w.opts.Persistence)
	c, _ = w.collabs.PeekOrPut(id, c)
	return c, local, true
}

// GetDatabase returns the open database. Databases unknown to the index are
// never returned. A database opened from the remote starts fetching its
// first rows.
func (w *WorkspaceDatabase) GetDatabase(ctx context.Context, id string) (*Database, bool) {
	if !w.meta.Contains(id) {
		return nil, false
	}
	if d, ok := w.databases.Get(id); ok {
		return d, true
	}
	c, local, ok := w.databaseCollab(ctx, id)
	if !ok {
		return nil, false
	}
	d, err := Open(id, w.context(c, NewNotifier()))
	if err != nil {
		slog.ErrorContext(ctx, "failed to open database", "database", id, "error", err)
		return nil, false
	}
	if existing, loaded := w.databases.PeekOrPut(id, d); loaded {
		d.Close()
		return existing, true
	}
	if !local {
		d.LoadAllRows()
	}
	return d, true
}

// GetDatabaseIDWithViewID returns the database owning viewID.
func (w *WorkspaceDatabase) GetDatabaseIDWithViewID(viewID string) (string, bool) {
	return w.meta.DatabaseIDForView(viewID)
}

// GetDatabaseWithViewID returns the database owning viewID.
func (w *WorkspaceDatabase) GetDatabaseWithViewID(ctx context.Context, viewID string) (*Database, bool) {
	id, ok := w.meta.DatabaseIDForView(viewID)
	if !ok {
		return nil, false
	}
	return w.GetDatabase(ctx, id)
}

// CreateDatabase creates and indexes a database with its inline view.
//
// It panics when the database id or the inline view id is empty.
func (w *WorkspaceDatabase) CreateDatabase(p CreateDatabaseParams) (*Database, error) {
	if p.DatabaseID == "" {
		panic("database: CreateDatabase requires a database id")
	}
	if p.InlineViewID == "" {
		panic("database: CreateDatabase requires an inline view id")
	}
	if err := w.meta.Add(p.DatabaseID, []string{p.InlineViewID}); err != nil {
		return nil, err
	}
	c := w.service.BuildCollab(w.uid, p.DatabaseID, collab.Database, w.handle, nil, w.opts.Persistence)
	d, err := CreateWithInlineView(p, w.context(c, NewNotifier()))
	if err != nil {
		if err2 := w.meta.Delete(p.DatabaseID); err2 != nil {
			slog.Error("failed to unindex database", "database", p.DatabaseID, "error", err2)
		}
		return nil, err
	}
	w.collabs.Put(p.DatabaseID, c)
	if old, ok := w.databases.Peek(p.DatabaseID); ok {
		old.Close()
	}
	w.databases.Put(p.DatabaseID, d)
	return d, nil
}

// CreateDatabaseWithData creates an independent database from an export.
func (w *WorkspaceDatabase) CreateDatabaseWithData(data DatabaseData) (*Database, error) {
	return w.CreateDatabase(data.ToCreateParams())
}

// TrackDatabase indexes a database whose document exists elsewhere.
func (w *WorkspaceDatabase) TrackDatabase(databaseID string, viewIDs []string) error {
	return w.meta.Add(databaseID, viewIDs)
}

// CreateDatabaseLinkedView links a new view to an existing database.
func (w *WorkspaceDatabase) CreateDatabaseLinkedView(ctx context.Context, p CreateViewParams) error {
	if err := p.Validate(); err != nil {
		return err
	}
	d, ok := w.GetDatabase(ctx, p.DatabaseID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrDatabaseNotExist, p.DatabaseID)
	}
	added, err := w.meta.AddLinkedView(p.DatabaseID, p.ViewID)
	if err != nil {
		return err
	}
	if !added {
		slog.ErrorContext(ctx, "view is already linked", "database", p.DatabaseID, "view", p.ViewID)
	}
	return d.CreateLinkedView(p)
}

// DeleteDatabase unindexes the database, then deletes its document. A
// failure to delete the document is logged; the database is gone either way.
func (w *WorkspaceDatabase) DeleteDatabase(id string) error {
	if err := w.meta.Delete(id); err != nil {
		return err
	}
	if db, ok := w.handle.Get(); ok {
		if err := db.DeleteDoc(w.uid, id); err != nil && !errors.Is(err, kvdb.ErrDocNotFound) {
			slog.Error("failed to delete database document", "database", id, "error", err)
		}
	}
	if d, ok := w.databases.Pop(id); ok {
		d.Close()
	}
	if c, ok := w.collabs.Pop(id); ok {
		c.Close()
	}
	return nil
}

// CloseDatabase evicts and closes the open database. The index and the
// stored document are untouched.
func (w *WorkspaceDatabase) CloseDatabase(id string) {
	if d, ok := w.databases.Pop(id); ok {
		d.Close()
	}
}

// DeleteView deletes a view. Deleting the inline view deletes the whole
// database.
func (w *WorkspaceDatabase) DeleteView(ctx context.Context, databaseID, viewID string) error {
	d, ok := w.GetDatabase(ctx, databaseID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrDatabaseNotExist, databaseID)
	}
	if err := d.DeleteView(viewID); err != nil && !errors.Is(err, ErrViewNotFound) {
		return err
	}
	if d.IsInlineView(viewID) {
		return w.DeleteDatabase(databaseID)
	}
	return w.meta.RemoveLinkedView(databaseID, viewID)
}

// GetDatabaseDuplicatedData exports the database owning viewID through
// that view.
func (w *WorkspaceDatabase) GetDatabaseDuplicatedData(ctx context.Context, viewID string) (DatabaseData, error) {
	d, ok := w.GetDatabaseWithViewID(ctx, viewID)
	if !ok {
		return DatabaseData{}, fmt.Errorf("%w: no database for view %s", ErrDatabaseNotExist, viewID)
	}
	return d.Duplicate(viewID), nil
}

// DuplicateDatabase copies the database owning viewID into a new one.
func (w *WorkspaceDatabase) DuplicateDatabase(ctx context.Context, viewID string) (*Database, error) {
	data, err := w.GetDatabaseDuplicatedData(ctx, viewID)
	if err != nil {
		return nil, err
	}
	return w.CreateDatabaseWithData(data)
}

// RestoreDatabaseFromSnapshot rebuilds a database from a snapshot. The
// result is not cached, not observed and does not write to the database
// document on disk.
func (w *WorkspaceDatabase) RestoreDatabaseFromSnapshot(id string, s kvdb.Snapshot) (*Database, error) {
	c, err := collab.FromState(w.uid, id, collab.Database, s.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecodeUpdate, err)
	}
	return Open(id, w.context(c, nil))
}

// GetAllDatabaseMeta returns the index.
func (w *WorkspaceDatabase) GetAllDatabaseMeta() []DatabaseMeta {
	return w.meta.All()
}

// GetDatabaseSnapshots returns the stored snapshots of a database document.
func (w *WorkspaceDatabase) GetDatabaseSnapshots(id string) []kvdb.Snapshot {
	db, ok := w.handle.Get()
	if !ok {
		return nil
	}
	snaps, err := db.GetSnapshots(w.uid, id)
	if err != nil {
		slog.Error("failed to read snapshots", "database", id, "error", err)
		return nil
	}
	return snaps
}

// Close closes every open database and the workspace document.
func (w *WorkspaceDatabase) Close() {
	for _, d := range w.databases.Purge() {
		d.Close()
	}
	w.collabs.Purge()
	w.collab.Close()
}

func (w *WorkspaceDatabase) context(c *collab.Collab, n *Notifier) Context {
	return Context{
		UID:      w.uid,
		Handle:   w.handle,
		Collab:   c,
		Service:  w.service,
		Notifier: n,
		Rows: BlockOptions{
			RowCacheSize: w.opts.RowCacheSize,
			Fetch:        w.opts.Fetch,
			Persistence:  w.opts.Persistence,
		},
		InitialRowLoad: w.opts.InitialRowLoad,
	}
}
