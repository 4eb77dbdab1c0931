package database

import "github.com/maruel/collabdb/internal/notify"

const notifierBuffer = 100

// ChangeKind tells what happened to a row, view or field.
type ChangeKind int

// Change kinds.
const (
	Created ChangeKind = iota
	Updated
	Deleted
)

func (k ChangeKind) String() string {
	switch k {
	case Created:
		return "created"
	case Updated:
		return "updated"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// RowChange is emitted when a row of an open database changes.
type RowChange struct {
	Kind       ChangeKind
	DatabaseID string
	RowID      string
}

// ViewChange is emitted when a view is linked or removed.
type ViewChange struct {
	Kind       ChangeKind
	DatabaseID string
	ViewID     string
}

// FieldChange is emitted when a field is added.
type FieldChange struct {
	Kind       ChangeKind
	DatabaseID string
	FieldID    string
}

// Notifier carries the live change streams of an open database. Restored
// databases have none.
type Notifier struct {
	Rows   *notify.Broadcaster[RowChange]
	Views  *notify.Broadcaster[ViewChange]
	Fields *notify.Broadcaster[FieldChange]
}

// NewNotifier returns a notifier with empty streams.
func NewNotifier() *Notifier {
	return &Notifier{
		Rows:   notify.New[RowChange](notifierBuffer),
		Views:  notify.New[ViewChange](notifierBuffer),
		Fields: notify.New[FieldChange](notifierBuffer),
	}
}

// Close ends every stream.
func (n *Notifier) Close() {
	n.Rows.Close()
	n.Views.Close()
	n.Fields.Close()
}

func (n *Notifier) row(c RowChange) {
	if n != nil {
		n.Rows.Send(c)
	}
}

func (n *Notifier) view(c ViewChange) {
	if n != nil {
		n.Views.Send(c)
	}
}

func (n *Notifier) field(c FieldChange) {
	if n != nil {
		n.Fields.Send(c)
	}
}
