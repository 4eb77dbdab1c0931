// Row, field and view types stored in database documents.

package database

import (
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// DefaultRowHeight is the display height of a new row.
const DefaultRowHeight = 60

// Cell is the content of one field in one row. Its shape depends on the
// field type and is opaque to this package.
type Cell map[string]any

// Clone returns a shallow copy.
func (c Cell) Clone() Cell {
	return maps.Clone(c)
}

// Row is a database row as read from its document.
type Row struct {
	ID         string          `json:"id"`
	DatabaseID string          `json:"database_id"`
	Cells      map[string]Cell `json:"cells"`
	Height     int             `json:"height"`
	Visibility bool            `json:"visibility"`
	CreatedAt  int64           `json:"created_at"`
	ModifiedAt int64           `json:"modified_at"`
}

// EmptyRow returns a row with no cells. It is what lookups return for rows
// that are not resolved yet.
func EmptyRow(id, databaseID string) Row {
	return Row{ID: id, DatabaseID: databaseID, Cells: map[string]Cell{}, Height: DefaultRowHeight, Visibility: true}
}

// RowMeta is the per row presentation metadata.
type RowMeta struct {
	IconURL         string `json:"icon_url,omitempty"`
	CoverURL        string `json:"cover_url,omitempty"`
	IsDocumentEmpty bool   `json:"is_document_empty"`
}

// RowDetail is a row with its metadata, as delivered to observers.
type RowDetail struct {
	Row        Row     `json:"row"`
	Meta       RowMeta `json:"meta"`
	DocumentID string  `json:"document_id"`
}

// RowOrder positions a row in a view.
type RowOrder struct {
	ID     string `json:"id"`
	Height int    `json:"height"`
}

// CreateRowParams describes a new row. An empty ID gets a fresh one.
type CreateRowParams struct {
	ID         string          `json:"id"`
	Cells      map[string]Cell `json:"cells,omitempty"`
	Height     int             `json:"height,omitempty"`
	Visibility *bool           `json:"visibility,omitempty"`
}

// FieldType names how cells of a field are interpreted.
type FieldType string

// Field types.
const (
	FieldText     FieldType = "text"
	FieldNumber   FieldType = "number"
	FieldCheckbox FieldType = "checkbox"
	FieldDate     FieldType = "date"
	FieldSelect   FieldType = "select"
	FieldURL      FieldType = "url"
)

// Field is a column of a database.
type Field struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Type      FieldType `json:"type"`
	IsPrimary bool      `json:"is_primary,omitempty"`
}

// Layout is how a view renders its rows.
type Layout string

// View layouts.
const (
	LayoutGrid     Layout = "grid"
	LayoutBoard    Layout = "board"
	LayoutCalendar Layout = "calendar"
)

// View is one presentation of a database's rows.
type View struct {
	ID          string     `json:"id"`
	DatabaseID  string     `json:"database_id"`
	Name        string     `json:"name"`
	Layout      Layout     `json:"layout"`
	CreatedAt   int64      `json:"created_at"`
	ModifiedAt  int64      `json:"modified_at"`
	RowOrders   []RowOrder `json:"row_orders"`
	FieldOrders []string   `json:"field_orders"`
}

// CreateDatabaseParams describes a new database and its inline view.
type CreateDatabaseParams struct {
	DatabaseID   string            `json:"database_id"`
	InlineViewID string            `json:"inline_view_id"`
	Name         string            `json:"name"`
	Layout       Layout            `json:"layout"`
	Fields       []Field           `json:"fields"`
	Rows         []CreateRowParams `json:"rows"`
}

// CreateViewParams describes a view linked to an existing database.
type CreateViewParams struct {
	DatabaseID string `json:"database_id"`
	ViewID     string `json:"view_id"`
	Name       string `json:"name"`
	Layout     Layout `json:"layout"`
}

// Validate checks that the params reference a database and carry a view id.
func (p *CreateViewParams) Validate() error {
	if p.DatabaseID == "" {
		return fmt.Errorf("%w: database_id is required", ErrInvalidParams)
	}
	if p.ViewID == "" {
		return fmt.Errorf("%w: view_id is required", ErrInvalidParams)
	}
	switch p.Layout {
	case "", LayoutGrid, LayoutBoard, LayoutCalendar:
	default:
		return fmt.Errorf("%w: unknown layout %q", ErrInvalidParams, p.Layout)
	}
	return nil
}

// DatabaseData is a full export of a database through one of its views.
type DatabaseData struct {
	View   View    `json:"view"`
	Fields []Field `json:"fields"`
	Rows   []Row   `json:"rows"`
}

// ToCreateParams turns an export into the parameters of an independent copy:
// database, view and row ids are regenerated, fields and cells are kept.
func (d *DatabaseData) ToCreateParams() CreateDatabaseParams {
	p := CreateDatabaseParams{
		DatabaseID:   uuid.NewString(),
		InlineViewID: uuid.NewString(),
		Name:         d.View.Name,
		Layout:       d.View.Layout,
		Fields:       append([]Field(nil), d.Fields...),
	}
	for _, r := range d.Rows {
		vis := r.Visibility
		cells := make(map[string]Cell, len(r.Cells))
		for k, c := range r.Cells {
			cells[k] = c.Clone()
		}
		p.Rows = append(p.Rows, CreateRowParams{ID: uuid.NewString(), Cells: cells, Height: r.Height, Visibility: &vis})
	}
	return p
}

// DatabaseMeta is the workspace index entry of a database.
type DatabaseMeta struct {
	DatabaseID  string   `json:"database_id"`
	CreatedAt   int64    `json:"created_at"`
	LinkedViews []string `json:"linked_views"`
}

// documentIDKey namespaces ids derived from a row id for its document.
var documentIDKey = []byte("document_id")

// RowDocumentID returns the id of the document attached to a row. The id is
// derived from the row id so every replica computes the same one.
func RowDocumentID(rowID string) (string, bool) {
	u, err := uuid.Parse(rowID)
	if err != nil {
		return "", false
	}
	return uuid.NewSHA1(u, documentIDKey).String(), true
}

func now() int64 {
	return time.Now().Unix()
}
