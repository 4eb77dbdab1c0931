// Caches the row documents of one database and fetches missing ones.

package database

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"weak"

	"github.com/google/uuid"

	"github.com/maruel/collabdb/internal/collab"
	"github.com/maruel/collabdb/internal/fetch"
	"github.com/maruel/collabdb/internal/kvdb"
	"github.com/maruel/collabdb/internal/lru"
	"github.com/maruel/collabdb/internal/notify"
)

const blockEventBuffer = 1000

// BlockEventKind tells what a BlockEvent reports.
type BlockEventKind int

const (
	// DidFetchRow reports rows that arrived from the remote.
	DidFetchRow BlockEventKind = iota
)

// BlockEvent is delivered to Block subscribers.
type BlockEvent struct {
	Kind BlockEventKind
	Rows []RowDetail
}

// BlockOptions tunes a Block.
type BlockOptions struct {
	RowCacheSize int
	Fetch        fetch.Options
	Persistence  collab.PersistenceConfig
}

// Block owns the row cache of a database.
//
// A row missing from the cache is built from local storage when present.
// Otherwise a fetch is started in the background and the lookup returns
// unresolved right away; the row is announced as a DidFetchRow event once it
// arrives and is persisted locally, so the next lookup finds it on disk.
type Block struct {
	uid        int64
	databaseID string
	handle     kvdb.Handle
	service    CollabService
	persist    collab.PersistenceConfig
	notifier   *Notifier

	cache  *lru.Cache[string, *DatabaseRow]
	orch   *fetch.Orchestrator[RowDetail]
	seq    atomic.Uint64
	events *notify.Broadcaster[BlockEvent]
}

// NewBlock returns an empty row store. notifier may be nil.
func NewBlock(uid int64, databaseID string, handle kvdb.Handle, service CollabService, notifier *Notifier, opts BlockOptions) *Block {
	if opts.RowCacheSize <= 0 {
		opts.RowCacheSize = 1000
	}
	b := &Block{
		uid:        uid,
		databaseID: databaseID,
		handle:     handle,
		service:    service,
		persist:    opts.Persistence,
		notifier:   notifier,
		cache:      lru.New[string, *DatabaseRow](opts.RowCacheSize),
		events:     notify.New[BlockEvent](blockEventBuffer),
	}
	b.orch = fetch.New(b.fetchRows, b.resolveRow, opts.Fetch)
	return b
}

// Subscribe returns the stream of fetched rows.
func (b *Block) Subscribe() (<-chan BlockEvent, func()) {
	return b.events.Subscribe()
}

// CreateRow builds a row document, caches it, and returns its order. An
// existing row with the same id is overwritten.
func (b *Block) CreateRow(p CreateRowParams) (RowOrder, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	c := b.service.BuildCollab(b.uid, p.ID, collab.DatabaseRow, b.handle, nil, b.persist)
	row := newDatabaseRow(c)
	if err := row.init(b.databaseID, p); err != nil {
		return RowOrder{}, err
	}
	b.cache.Put(p.ID, row)
	b.notifier.row(RowChange{Kind: Created, DatabaseID: b.databaseID, RowID: p.ID})
	return RowOrder{ID: p.ID, Height: row.Row().Height}, nil
}

// CreateRows creates every row and returns their orders.
func (b *Block) CreateRows(ps []CreateRowParams) ([]RowOrder, error) {
	out := make([]RowOrder, 0, len(ps))
	for _, p := range ps {
		o, err := b.CreateRow(p)
		if err != nil {
			return out, err
		}
		out = append(out, o)
	}
	return out, nil
}

// GetRow returns the row, or an empty row with id when it is not resolved
// yet. The two cases cannot be told apart.
func (b *Block) GetRow(id string) Row {
	row, ok := b.getOrInit(id)
	if !ok {
		return EmptyRow(id, b.databaseID)
	}
	return row.Row()
}

// GetRowsFromRowOrders returns one row per order, empty for unresolved rows.
func (b *Block) GetRowsFromRowOrders(orders []RowOrder) []Row {
	out := make([]Row, 0, len(orders))
	for _, o := range orders {
		out = append(out, b.GetRow(o.ID))
	}
	return out
}

// GetRowMeta returns the row metadata. It returns false only when the row
// is not resolved.
func (b *Block) GetRowMeta(id string) (RowMeta, bool) {
	row, ok := b.getOrInit(id)
	if !ok {
		return RowMeta{}, false
	}
	return row.Meta(), true
}

// GetRowDetail returns the row with its metadata.
func (b *Block) GetRowDetail(id string) (RowDetail, bool) {
	row, ok := b.getOrInit(id)
	if !ok {
		return RowDetail{}, false
	}
	return row.Detail(), true
}

// GetCell returns one cell of a resolved row.
func (b *Block) GetCell(id, field string) (Cell, bool) {
	row, ok := b.getOrInit(id)
	if !ok {
		return nil, false
	}
	return row.Cell(field)
}

// EncodeRow returns the full state of a resolved row document.
func (b *Block) EncodeRow(id string) ([]byte, bool) {
	row, ok := b.getOrInit(id)
	if !ok {
		return nil, false
	}
	return row.collab.EncodeState(), true
}

// GetRowDocumentID returns the id of the document attached to the row.
func (b *Block) GetRowDocumentID(id string) (string, bool) {
	return RowDocumentID(id)
}

// UpdateRow applies fn to a cached row. Rows not in the cache are left
// untouched and no fetch is started.
func (b *Block) UpdateRow(id string, fn func(*RowUpdate)) error {
	row, ok := b.cache.Get(id)
	if !ok {
		return nil
	}
	if err := row.Update(fn); err != nil {
		return err
	}
	b.notifier.row(RowChange{Kind: Updated, DatabaseID: b.databaseID, RowID: id})
	return nil
}

// UpdateRowMeta applies fn to the metadata of a cached row.
func (b *Block) UpdateRowMeta(id string, fn func(*RowMetaUpdate)) error {
	row, ok := b.cache.Get(id)
	if !ok {
		return nil
	}
	if err := row.UpdateMeta(fn); err != nil {
		return err
	}
	b.notifier.row(RowChange{Kind: Updated, DatabaseID: b.databaseID, RowID: id})
	return nil
}

// DeleteRow evicts the row and deletes its persisted document. It returns
// the row if it was cached.
func (b *Block) DeleteRow(id string) (Row, bool) {
	row, cached := b.cache.Pop(id)
	var out Row
	if cached {
		out = row.Row()
		row.collab.Close()
	}
	if db, ok := b.handle.Get(); ok {
		if err := db.DeleteDoc(b.uid, id); err != nil && !errors.Is(err, kvdb.ErrDocNotFound) {
			slog.Error("failed to delete row document", "row", id, "error", err)
		}
	}
	b.notifier.row(RowChange{Kind: Deleted, DatabaseID: b.databaseID, RowID: id})
	return out, cached
}

// BatchLoadRows fetches rows from the remote and announces each resolved
// batch as a DidFetchRow event. The cache is not populated.
func (b *Block) BatchLoadRows(ids []string) {
	if len(ids) == 0 {
		return
	}
	b.dispatch(ids)
}

// CloseRows evicts rows from the cache. Persisted state is kept.
func (b *Block) CloseRows(ids []string) {
	for _, id := range ids {
		b.cache.Pop(id)
	}
}

// CachedRows returns the number of cached rows.
func (b *Block) CachedRows() int {
	return b.cache.Len()
}

// Close stops fetching and ends the event stream.
func (b *Block) Close() {
	b.orch.Close()
	b.events.Close()
	b.cache.Purge()
}

// getOrInit returns the cached row, else builds it from local storage, else
// starts a background fetch and returns false.
func (b *Block) getOrInit(id string) (*DatabaseRow, bool) {
	if row, ok := b.cache.Get(id); ok {
		return row, true
	}
	db, ok := b.handle.Get()
	if !ok {
		return nil, false
	}
	if !db.IsExist(b.uid, id) {
		b.dispatch([]string{id})
		return nil, false
	}
	row := newDatabaseRow(b.service.BuildCollab(b.uid, id, collab.DatabaseRow, b.handle, nil, b.persist))
	row, _ = b.cache.PeekOrPut(id, row)
	return row, true
}

func (b *Block) dispatch(ids []string) {
	seq := b.seq.Add(1)
	fetch.Dispatch(b.orch, seq, b.uid, ids, weak.Make(b.events), func(rows []RowDetail) BlockEvent {
		return BlockEvent{Kind: DidFetchRow, Rows: rows}
	})
}

func (b *Block) fetchRows(ctx context.Context, ids []string) (map[string][]byte, error) {
	return b.service.BatchGetDocState(ctx, ids, collab.DatabaseRow)
}

func (b *Block) resolveRow(id string, state []byte) (RowDetail, bool) {
	c := b.service.BuildCollab(b.uid, id, collab.DatabaseRow, b.handle, state, b.persist)
	return newDatabaseRow(c).Detail(), true
}
