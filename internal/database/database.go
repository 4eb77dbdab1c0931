// A database document: its fields, its views, and the rows it orders.

package database

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/maruel/collabdb/internal/collab"
	"github.com/maruel/collabdb/internal/fetch"
	"github.com/maruel/collabdb/internal/kvdb"
)

const (
	keyDBID       = "id"
	keyInlineView = "inline_view"
	keyDBCreated  = "created_at"
	prefixField   = "field/"
	prefixView    = "view/"
)

// Context is what a Database needs to operate.
type Context struct {
	UID     int64
	Handle  kvdb.Handle
	Collab  *collab.Collab
	Service CollabService
	// Notifier is nil for databases that are not observed live.
	Notifier *Notifier
	Rows     BlockOptions
	// InitialRowLoad bounds LoadAllRows.
	InitialRowLoad int
}

// Database is an open database document with its row store.
type Database struct {
	id       string
	collab   *collab.Collab
	block    *Block
	notifier *Notifier
	rowLoad  int
}

// CreateWithInlineView initializes a new database document with its inline
// view, fields and rows.
func CreateWithInlineView(p CreateDatabaseParams, ctx Context) (*Database, error) {
	d := newDatabase(p.DatabaseID, ctx)
	ts := now()
	layout := p.Layout
	if layout == "" {
		layout = LayoutGrid
	}
	view := View{
		ID:         p.InlineViewID,
		DatabaseID: p.DatabaseID,
		Name:       p.Name,
		Layout:     layout,
		CreatedAt:  ts,
		ModifiedAt: ts,
	}
	for _, f := range p.Fields {
		view.FieldOrders = append(view.FieldOrders, f.ID)
	}
	orders, err := d.block.CreateRows(p.Rows)
	if err != nil {
		d.block.Close()
		return nil, fmt.Errorf("failed to create rows: %w", err)
	}
	view.RowOrders = orders
	err = d.collab.Transact(func(t *collab.Txn) error {
		if err := t.Set(keyDBID, p.DatabaseID); err != nil {
			return err
		}
		if err := t.Set(keyInlineView, p.InlineViewID); err != nil {
			return err
		}
		if err := t.SetJSON(keyDBCreated, ts); err != nil {
			return err
		}
		for _, f := range p.Fields {
			if err := t.SetJSON(prefixField+f.ID, f); err != nil {
				return err
			}
		}
		return t.SetJSON(prefixView+view.ID, view)
	})
	if err != nil {
		d.block.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return d, nil
}

// Open returns the database stored in ctx.Collab, writing its id when the
// document is new.
func Open(id string, ctx Context) (*Database, error) {
	d := newDatabase(id, ctx)
	var stored string
	d.collab.Read(func(t *collab.Txn) { stored, _ = t.Get(keyDBID) })
	switch stored {
	case id:
	case "":
		if err := d.collab.Transact(func(t *collab.Txn) error { return t.Set(keyDBID, id) }); err != nil {
			d.block.Close()
			return nil, err
		}
	default:
		d.block.Close()
		return nil, fmt.Errorf("document %s holds database %s", id, stored)
	}
	return d, nil
}

func newDatabase(id string, ctx Context) *Database {
	rowLoad := ctx.InitialRowLoad
	if rowLoad <= 0 {
		rowLoad = 100
	}
	if ctx.Rows.Fetch == (fetch.Options{}) {
		ctx.Rows.Fetch = fetch.DefaultOptions()
	}
	return &Database{
		id:       id,
		collab:   ctx.Collab,
		block:    NewBlock(ctx.UID, id, ctx.Handle, ctx.Service, ctx.Notifier, ctx.Rows),
		notifier: ctx.Notifier,
		rowLoad:  rowLoad,
	}
}

// ID returns the database id.
func (d *Database) ID() string { return d.id }

// Block returns the row store.
func (d *Database) Block() *Block { return d.block }

// Notifier returns the change streams, nil for restored databases.
func (d *Database) Notifier() *Notifier { return d.notifier }

// InlineViewID returns the id of the view whose deletion deletes the
// database.
func (d *Database) InlineViewID() string {
	var v string
	d.collab.Read(func(t *collab.Txn) { v, _ = t.Get(keyInlineView) })
	return v
}

// IsInlineView reports whether viewID is the inline view.
func (d *Database) IsInlineView(viewID string) bool {
	return viewID != "" && d.InlineViewID() == viewID
}

// GetView returns one view.
func (d *Database) GetView(viewID string) (View, bool) {
	var v View
	var ok bool
	d.collab.Read(func(t *collab.Txn) {
		found, err := t.GetJSON(prefixView+viewID, &v)
		ok = found && err == nil
	})
	return v, ok
}

// GetAllViews returns every view ordered by id.
func (d *Database) GetAllViews() []View {
	var out []View
	d.collab.Read(func(t *collab.Txn) {
		for _, k := range t.Keys(prefixView) {
			var v View
			if ok, err := t.GetJSON(k, &v); ok && err == nil {
				out = append(out, v)
			}
		}
	})
	return out
}

// GetFields returns the fields in inline view order, then any field the
// inline view does not order.
func (d *Database) GetFields() []Field {
	inline, _ := d.GetView(d.InlineViewID())
	byID := map[string]Field{}
	var ids []string
	d.collab.Read(func(t *collab.Txn) {
		for _, k := range t.Keys(prefixField) {
			var f Field
			if ok, err := t.GetJSON(k, &f); ok && err == nil {
				byID[f.ID] = f
				ids = append(ids, f.ID)
			}
		}
	})
	out := make([]Field, 0, len(byID))
	for _, id := range inline.FieldOrders {
		if f, ok := byID[id]; ok {
			out = append(out, f)
			delete(byID, id)
		}
	}
	for _, id := range ids {
		if f, ok := byID[id]; ok {
			out = append(out, f)
		}
	}
	return out
}

// CreateField adds a field and appends it to every view.
func (d *Database) CreateField(f Field) error {
	if f.ID == "" {
		return fmt.Errorf("%w: field id is required", ErrInvalidParams)
	}
	err := d.collab.Transact(func(t *collab.Txn) error {
		if err := t.SetJSON(prefixField+f.ID, f); err != nil {
			return err
		}
		return updateViews(t, func(v *View) {
			if !slices.Contains(v.FieldOrders, f.ID) {
				v.FieldOrders = append(v.FieldOrders, f.ID)
			}
		})
	})
	if err != nil {
		return err
	}
	d.notifier.field(FieldChange{Kind: Created, DatabaseID: d.id, FieldID: f.ID})
	return nil
}

// CreateLinkedView adds a view sharing the inline view's rows and fields.
// Linking an existing view id is a no-op.
func (d *Database) CreateLinkedView(p CreateViewParams) error {
	if _, ok := d.GetView(p.ViewID); ok {
		return nil
	}
	inline, _ := d.GetView(d.InlineViewID())
	ts := now()
	layout := p.Layout
	if layout == "" {
		layout = LayoutGrid
	}
	v := View{
		ID:          p.ViewID,
		DatabaseID:  d.id,
		Name:        p.Name,
		Layout:      layout,
		CreatedAt:   ts,
		ModifiedAt:  ts,
		RowOrders:   slices.Clone(inline.RowOrders),
		FieldOrders: slices.Clone(inline.FieldOrders),
	}
	if err := d.collab.Transact(func(t *collab.Txn) error { return t.SetJSON(prefixView+v.ID, v) }); err != nil {
		return err
	}
	d.notifier.view(ViewChange{Kind: Created, DatabaseID: d.id, ViewID: v.ID})
	return nil
}

// DeleteView removes a view. The inline view id stays recorded so callers
// can still tell it was the inline view.
func (d *Database) DeleteView(viewID string) error {
	if _, ok := d.GetView(viewID); !ok {
		return fmt.Errorf("%w: %s", ErrViewNotFound, viewID)
	}
	if err := d.collab.Transact(func(t *collab.Txn) error { return t.Delete(prefixView + viewID) }); err != nil {
		return err
	}
	d.notifier.view(ViewChange{Kind: Deleted, DatabaseID: d.id, ViewID: viewID})
	return nil
}

// CreateRow creates a row and appends it to every view.
func (d *Database) CreateRow(p CreateRowParams) (RowOrder, error) {
	o, err := d.block.CreateRow(p)
	if err != nil {
		return RowOrder{}, err
	}
	err = d.collab.Transact(func(t *collab.Txn) error {
		return updateViews(t, func(v *View) { v.RowOrders = append(v.RowOrders, o) })
	})
	return o, err
}

// RemoveRow removes a row from every view and deletes its document.
func (d *Database) RemoveRow(id string) (Row, bool) {
	err := d.collab.Transact(func(t *collab.Txn) error {
		return updateViews(t, func(v *View) {
			v.RowOrders = slices.DeleteFunc(v.RowOrders, func(o RowOrder) bool { return o.ID == id })
		})
	})
	if err != nil {
		slog.Error("failed to remove row from views", "database", d.id, "row", id, "error", err)
	}
	return d.block.DeleteRow(id)
}

// GetRowOrders returns the row orders of a view.
func (d *Database) GetRowOrders(viewID string) []RowOrder {
	v, _ := d.GetView(viewID)
	return v.RowOrders
}

// GetRows returns the rows of a view. Rows not resolved yet are empty.
func (d *Database) GetRows(viewID string) []Row {
	return d.block.GetRowsFromRowOrders(d.GetRowOrders(viewID))
}

// GetRow returns a row, empty when not resolved yet.
func (d *Database) GetRow(id string) Row { return d.block.GetRow(id) }

// GetRowMeta returns a row's metadata.
func (d *Database) GetRowMeta(id string) (RowMeta, bool) { return d.block.GetRowMeta(id) }

// GetRowDetail returns a row with its metadata.
func (d *Database) GetRowDetail(id string) (RowDetail, bool) { return d.block.GetRowDetail(id) }

// GetCell returns one cell.
func (d *Database) GetCell(rowID, field string) (Cell, bool) { return d.block.GetCell(rowID, field) }

// UpdateRow updates a cached row.
func (d *Database) UpdateRow(id string, fn func(*RowUpdate)) error { return d.block.UpdateRow(id, fn) }

// UpdateRowMeta updates a cached row's metadata.
func (d *Database) UpdateRowMeta(id string, fn func(*RowMetaUpdate)) error {
	return d.block.UpdateRowMeta(id, fn)
}

// SubscribeBlock returns the stream of rows fetched from the remote.
func (d *Database) SubscribeBlock() (<-chan BlockEvent, func()) { return d.block.Subscribe() }

// LoadAllRows starts fetching the first rows of the inline view.
func (d *Database) LoadAllRows() {
	orders := d.GetRowOrders(d.InlineViewID())
	if len(orders) > d.rowLoad {
		orders = orders[:d.rowLoad]
	}
	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.ID)
	}
	d.block.BatchLoadRows(ids)
}

// Duplicate exports the database through viewID, or the inline view when
// viewID is empty or unknown.
func (d *Database) Duplicate(viewID string) DatabaseData {
	v, ok := d.GetView(viewID)
	if !ok {
		v, _ = d.GetView(d.InlineViewID())
	}
	return DatabaseData{View: v, Fields: d.GetFields(), Rows: d.block.GetRowsFromRowOrders(v.RowOrders)}
}

// Close stops the row store. The document itself stays usable by other
// holders.
func (d *Database) Close() {
	d.block.Close()
	if d.notifier != nil {
		d.notifier.Close()
	}
}

func updateViews(t *collab.Txn, fn func(*View)) error {
	ts := now()
	for _, k := range t.Keys(prefixView) {
		var v View
		if ok, err := t.GetJSON(k, &v); !ok || err != nil {
			continue
		}
		fn(&v)
		v.ModifiedAt = ts
		if err := t.SetJSON(k, v); err != nil {
			return err
		}
	}
	return nil
}
