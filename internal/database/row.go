package database

import (
	"strconv"
	"strings"

	"github.com/maruel/collabdb/internal/collab"
)

const (
	keyRowID      = "id"
	keyDatabaseID = "database_id"
	keyHeight     = "height"
	keyVisibility = "visibility"
	keyCreatedAt  = "created_at"
	keyModifiedAt = "modified_at"
	prefixCell    = "cell/"
	keyMetaIcon   = "meta/icon_url"
	keyMetaCover  = "meta/cover_url"
	keyMetaDocEmp = "meta/is_document_empty"
)

// DatabaseRow is a cached row document. Reads and updates serialize on the
// row's own document lock, independent of the cache holding it.
type DatabaseRow struct {
	id     string
	collab *collab.Collab
}

func newDatabaseRow(c *collab.Collab) *DatabaseRow {
	return &DatabaseRow{id: c.ObjectID(), collab: c}
}

// ID returns the row id.
func (r *DatabaseRow) ID() string {
	return r.id
}

func (r *DatabaseRow) init(databaseID string, p CreateRowParams) error {
	return r.collab.Transact(func(t *collab.Txn) error {
		ts := strconv.FormatInt(now(), 10)
		height := p.Height
		if height == 0 {
			height = DefaultRowHeight
		}
		vis := true
		if p.Visibility != nil {
			vis = *p.Visibility
		}
		for k, v := range map[string]string{
			keyRowID:      r.id,
			keyDatabaseID: databaseID,
			keyHeight:     strconv.Itoa(height),
			keyVisibility: strconv.FormatBool(vis),
			keyCreatedAt:  ts,
			keyModifiedAt: ts,
		} {
			if err := t.Set(k, v); err != nil {
				return err
			}
		}
		for _, k := range t.Keys(prefixCell) {
			if err := t.Delete(k); err != nil {
				return err
			}
		}
		for field, cell := range p.Cells {
			if err := t.SetJSON(prefixCell+field, cell); err != nil {
				return err
			}
		}
		return nil
	})
}

// Row reads the row. A document that was never initialized reads as an
// empty row.
func (r *DatabaseRow) Row() Row {
	var row Row
	r.collab.Read(func(t *collab.Txn) { row = readRow(r.id, t) })
	return row
}

// Meta reads the row metadata. Missing keys read as zero values.
func (r *DatabaseRow) Meta() RowMeta {
	var m RowMeta
	r.collab.Read(func(t *collab.Txn) {
		m.IconURL, _ = t.Get(keyMetaIcon)
		m.CoverURL, _ = t.Get(keyMetaCover)
		v, _ := t.Get(keyMetaDocEmp)
		m.IsDocumentEmpty = v == "true"
	})
	return m
}

// Cell returns the cell of field.
func (r *DatabaseRow) Cell(field string) (Cell, bool) {
	var c Cell
	var ok bool
	r.collab.Read(func(t *collab.Txn) {
		found, err := t.GetJSON(prefixCell+field, &c)
		ok = found && err == nil
	})
	return c, ok
}

// Detail returns the row with its metadata.
func (r *DatabaseRow) Detail() RowDetail {
	d := RowDetail{Row: r.Row(), Meta: r.Meta()}
	d.DocumentID, _ = RowDocumentID(r.id)
	return d
}

// Update applies fn to the row and commits its changes atomically.
func (r *DatabaseRow) Update(fn func(*RowUpdate)) error {
	return r.collab.Transact(func(t *collab.Txn) error {
		u := &RowUpdate{txn: t}
		fn(u)
		if u.err != nil {
			return u.err
		}
		return t.Set(keyModifiedAt, strconv.FormatInt(now(), 10))
	})
}

// UpdateMeta applies fn to the row metadata and commits atomically.
func (r *DatabaseRow) UpdateMeta(fn func(*RowMetaUpdate)) error {
	return r.collab.Transact(func(t *collab.Txn) error {
		u := &RowMetaUpdate{txn: t}
		fn(u)
		return u.err
	})
}

func readRow(id string, t *collab.Txn) Row {
	row := EmptyRow(id, "")
	row.DatabaseID, _ = t.Get(keyDatabaseID)
	if v, ok := t.Get(keyHeight); ok {
		if h, err := strconv.Atoi(v); err == nil {
			row.Height = h
		}
	}
	if v, ok := t.Get(keyVisibility); ok {
		row.Visibility = v != "false"
	}
	if v, ok := t.Get(keyCreatedAt); ok {
		row.CreatedAt, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := t.Get(keyModifiedAt); ok {
		row.ModifiedAt, _ = strconv.ParseInt(v, 10, 64)
	}
	for _, k := range t.Keys(prefixCell) {
		var c Cell
		if ok, err := t.GetJSON(k, &c); ok && err == nil {
			row.Cells[strings.TrimPrefix(k, prefixCell)] = c
		}
	}
	return row
}

// RowUpdate buffers changes to a row. The first error aborts the update.
type RowUpdate struct {
	txn *collab.Txn
	err error
}

// SetCell replaces the cell of field.
func (u *RowUpdate) SetCell(field string, c Cell) *RowUpdate {
	if u.err == nil {
		u.err = u.txn.SetJSON(prefixCell+field, c)
	}
	return u
}

// RemoveCell deletes the cell of field.
func (u *RowUpdate) RemoveCell(field string) *RowUpdate {
	if u.err == nil {
		u.err = u.txn.Delete(prefixCell + field)
	}
	return u
}

// SetHeight changes the display height.
func (u *RowUpdate) SetHeight(h int) *RowUpdate {
	if u.err == nil {
		u.err = u.txn.Set(keyHeight, strconv.Itoa(h))
	}
	return u
}

// SetVisibility hides or shows the row.
func (u *RowUpdate) SetVisibility(v bool) *RowUpdate {
	if u.err == nil {
		u.err = u.txn.Set(keyVisibility, strconv.FormatBool(v))
	}
	return u
}

// RowMetaUpdate buffers changes to row metadata.
type RowMetaUpdate struct {
	txn *collab.Txn
	err error
}

// SetIconURL sets the icon.
func (u *RowMetaUpdate) SetIconURL(s string) *RowMetaUpdate {
	if u.err == nil {
		u.err = u.txn.Set(keyMetaIcon, s)
	}
	return u
}

// SetCoverURL sets the cover image.
func (u *RowMetaUpdate) SetCoverURL(s string) *RowMetaUpdate {
	if u.err == nil {
		u.err = u.txn.Set(keyMetaCover, s)
	}
	return u
}

// SetIsDocumentEmpty records whether the row's document has content.
func (u *RowMetaUpdate) SetIsDocumentEmpty(b bool) *RowMetaUpdate {
	if u.err == nil {
		u.err = u.txn.Set(keyMetaDocEmp, strconv.FormatBool(b))
	}
	return u
}
