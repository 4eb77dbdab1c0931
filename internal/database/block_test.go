package database

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/maruel/collabdb/internal/collab"
	"github.com/maruel/collabdb/internal/kvdb"
	"github.com/maruel/collabdb/internal/remote"
)

func newBlock(t *testing.T, db *kvdb.DB, r Remote, n *Notifier) *Block {
	t.Helper()
	b := NewBlock(testUID, "db", db.Handle(), NewCollabService(r), n, BlockOptions{
		Fetch:       DefaultOptions().Fetch,
		Persistence: collab.DefaultPersistence(),
	})
	t.Cleanup(b.Close)
	return b
}

// rowState returns the encoded document of a row that only exists remotely.
func rowState(t *testing.T, id, name string) []byte {
	t.Helper()
	c := collab.New(testUID, id, collab.DatabaseRow)
	if err := newDatabaseRow(c).init("db", CreateRowParams{ID: id, Cells: map[string]Cell{"name": textCell(name)}}); err != nil {
		t.Fatal(err)
	}
	return c.EncodeState()
}

func recvEvent(t *testing.T, ch <-chan BlockEvent) BlockEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("event stream closed")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return BlockEvent{}
}

func TestBlockCreateAndGet(t *testing.T) {
	db := openStore(t)
	n := NewNotifier()
	t.Cleanup(n.Close)
	changes, stop := n.Rows.Subscribe()
	defer stop()
	b := newBlock(t, db, remote.Local{}, n)

	o, err := b.CreateRow(CreateRowParams{Cells: map[string]Cell{"name": textCell("a")}})
	if err != nil {
		t.Fatalf("CreateRow failed: %v", err)
	}
	if o.ID == "" || o.Height != DefaultRowHeight {
		t.Errorf("order = %+v", o)
	}
	if c := <-changes; c.Kind != Created || c.RowID != o.ID {
		t.Errorf("change = %+v", c)
	}
	row := b.GetRow(o.ID)
	if row.ID != o.ID || row.DatabaseID != "db" || !row.Visibility {
		t.Errorf("row = %+v", row)
	}
	if c, ok := b.GetCell(o.ID, "name"); !ok || c["data"] != "a" {
		t.Errorf("GetCell = %v, %v", c, ok)
	}
	if _, ok := b.GetCell(o.ID, "missing"); ok {
		t.Error("GetCell(missing) succeeded")
	}
	d, ok := b.GetRowDetail(o.ID)
	if !ok || d.Row.ID != o.ID {
		t.Fatalf("GetRowDetail = %+v, %v", d, ok)
	}
	if want, _ := RowDocumentID(o.ID); d.DocumentID != want {
		t.Errorf("DocumentID = %q, want %q", d.DocumentID, want)
	}
	if !db.IsExist(testUID, o.ID) {
		t.Error("row not persisted")
	}
	state, ok := b.EncodeRow(o.ID)
	if !ok {
		t.Fatal("EncodeRow failed")
	}
	c, err := collab.FromState(testUID, o.ID, collab.DatabaseRow, state)
	if err != nil {
		t.Fatal(err)
	}
	if got := newDatabaseRow(c).Row(); got.Cells["name"]["data"] != "a" {
		t.Errorf("decoded row = %+v", got)
	}
	if _, ok := b.EncodeRow("unknown"); ok {
		t.Error("EncodeRow(unknown) succeeded")
	}
}

func TestBlockGetRowUnresolved(t *testing.T) {
	b := newBlock(t, openStore(t), remote.Local{}, nil)
	id := uuid.NewString()
	row := b.GetRow(id)
	if want := EmptyRow(id, "db"); row.ID != want.ID || len(row.Cells) != 0 {
		t.Errorf("GetRow() = %+v, want empty row", row)
	}
	if _, ok := b.GetRowMeta(id); ok {
		t.Error("GetRowMeta succeeded for an unresolved row")
	}
	if _, ok := b.GetRowDetail(id); ok {
		t.Error("GetRowDetail succeeded for an unresolved row")
	}
	if n := b.CachedRows(); n != 0 {
		t.Errorf("CachedRows() = %d, want 0", n)
	}
}

func TestBlockGetOrInitSameHandle(t *testing.T) {
	b := newBlock(t, openStore(t), remote.Local{}, nil)
	o, err := b.CreateRow(CreateRowParams{})
	if err != nil {
		t.Fatal(err)
	}
	b.CloseRows([]string{o.ID})
	if n := b.CachedRows(); n != 0 {
		t.Fatalf("CachedRows() = %d after CloseRows", n)
	}
	r1, ok1 := b.getOrInit(o.ID)
	r2, ok2 := b.getOrInit(o.ID)
	if !ok1 || !ok2 {
		t.Fatal("getOrInit failed for a stored row")
	}
	if r1 != r2 {
		t.Error("getOrInit returned two handles for the same row")
	}
}

func TestBlockUpdateRow(t *testing.T) {
	n := NewNotifier()
	t.Cleanup(n.Close)
	b := newBlock(t, openStore(t), remote.Local{}, n)
	o, err := b.CreateRow(CreateRowParams{Cells: map[string]Cell{"name": textCell("a")}})
	if err != nil {
		t.Fatal(err)
	}
	changes, stop := n.Rows.Subscribe()
	defer stop()

	err = b.UpdateRow(o.ID, func(u *RowUpdate) {
		u.SetCell("name", textCell("b")).SetHeight(80).SetVisibility(false)
	})
	if err != nil {
		t.Fatalf("UpdateRow failed: %v", err)
	}
	if c := <-changes; c.Kind != Updated || c.RowID != o.ID {
		t.Errorf("change = %+v", c)
	}
	row := b.GetRow(o.ID)
	if row.Cells["name"]["data"] != "b" || row.Height != 80 || row.Visibility {
		t.Errorf("row = %+v", row)
	}
	if err := b.UpdateRowMeta(o.ID, func(u *RowMetaUpdate) { u.SetIconURL("icon").SetIsDocumentEmpty(false) }); err != nil {
		t.Fatal(err)
	}
	if m, ok := b.GetRowMeta(o.ID); !ok || m.IconURL != "icon" || m.IsDocumentEmpty {
		t.Errorf("meta = %+v, %v", m, ok)
	}

	// Rows not in the cache are left alone.
	b.CloseRows([]string{o.ID})
	if err := b.UpdateRow(o.ID, func(u *RowUpdate) { u.SetCell("name", textCell("c")) }); err != nil {
		t.Fatal(err)
	}
	if got := b.GetRow(o.ID).Cells["name"]["data"]; got != "b" {
		t.Errorf("uncached update applied: name = %v", got)
	}
	if err := b.UpdateRow("unknown", func(u *RowUpdate) { u.SetHeight(1) }); err != nil {
		t.Errorf("UpdateRow(unknown) error = %v", err)
	}
}

func TestBlockDeleteRow(t *testing.T) {
	db := openStore(t)
	b := newBlock(t, db, remote.Local{}, nil)
	o, err := b.CreateRow(CreateRowParams{Cells: map[string]Cell{"name": textCell("a")}})
	if err != nil {
		t.Fatal(err)
	}
	row, ok := b.DeleteRow(o.ID)
	if !ok || row.ID != o.ID {
		t.Errorf("DeleteRow() = %+v, %v", row, ok)
	}
	if db.IsExist(testUID, o.ID) {
		t.Error("row document still stored")
	}
	if _, ok := b.DeleteRow(o.ID); ok {
		t.Error("second DeleteRow reported a cached row")
	}
}

func TestBlockBatchLoadRowsOrder(t *testing.T) {
	db := openStore(t)
	r := newFakeRemote()
	r.set("r1", rowState(t, "r1", "one"))
	r.set("r2", rowState(t, "r2", "two"))
	release := r.gate("r1")
	b := newBlock(t, db, r, nil)
	events, stop := b.Subscribe()
	defer stop()

	b.BatchLoadRows([]string{"r1", "r2"})

	ev := recvEvent(t, events)
	if ev.Kind != DidFetchRow || len(ev.Rows) != 1 || ev.Rows[0].Row.ID != "r2" {
		t.Fatalf("first event = %+v, want r2", ev)
	}
	close(release)
	ev = recvEvent(t, events)
	if len(ev.Rows) != 1 || ev.Rows[0].Row.ID != "r1" {
		t.Fatalf("second event = %+v, want r1", ev)
	}
	if got := ev.Rows[0].Row.Cells["name"]["data"]; got != "one" {
		t.Errorf("r1 name = %v", got)
	}

	// Resolved rows are on disk, so lookups no longer hit the remote.
	calls := r.count()
	if got := b.GetRow("r2").Cells["name"]["data"]; got != "two" {
		t.Errorf("r2 name = %v", got)
	}
	if r.count() != calls {
		t.Error("GetRow of a fetched row called the remote")
	}
}

func TestBlockGetRowFetches(t *testing.T) {
	r := newFakeRemote()
	r.set("r1", rowState(t, "r1", "one"))
	b := newBlock(t, openStore(t), r, nil)
	events, stop := b.Subscribe()
	defer stop()

	if row := b.GetRow("r1"); len(row.Cells) != 0 {
		t.Fatalf("GetRow() = %+v, want empty row", row)
	}
	ev := recvEvent(t, events)
	if len(ev.Rows) != 1 || ev.Rows[0].Row.ID != "r1" {
		t.Fatalf("event = %+v", ev)
	}
	if got := b.GetRow("r1").Cells["name"]["data"]; got != "one" {
		t.Errorf("name = %v, want one", got)
	}
}

func TestBlockGetRowsFromRowOrders(t *testing.T) {
	b := newBlock(t, openStore(t), remote.Local{}, nil)
	orders, err := b.CreateRows([]CreateRowParams{
		{ID: "a", Cells: map[string]Cell{"name": textCell("a")}},
		{ID: "b", Cells: map[string]Cell{"name": textCell("b")}},
	})
	if err != nil {
		t.Fatal(err)
	}
	orders = append(orders, RowOrder{ID: "missing"})
	rows := b.GetRowsFromRowOrders(orders)
	if got := rowNames(rows); len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "" {
		t.Errorf("rows = %v", got)
	}
	if rows[2].ID != "missing" {
		t.Errorf("unresolved row id = %q", rows[2].ID)
	}
}

func TestRowDocumentID(t *testing.T) {
	id := uuid.NewString()
	a, ok := RowDocumentID(id)
	if !ok {
		t.Fatal("RowDocumentID failed")
	}
	b, _ := RowDocumentID(id)
	if a != b || a == id {
		t.Errorf("RowDocumentID(%q) = %q then %q", id, a, b)
	}
	if _, ok := RowDocumentID("not-a-uuid"); ok {
		t.Error("RowDocumentID accepted an invalid id")
	}
}
