package kvdb

import (
	"errors"
	"path/filepath"
	"slices"
	"testing"
)

func openTestDB(t *testing.T, opts Options) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "collab.db"), opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestDocLifecycle(t *testing.T) {
	db := openTestDB(t, Options{})

	if db.IsExist(1, "doc") {
		t.Fatal("IsExist before create")
	}
	if _, _, err := db.LoadDoc(1, "doc"); !errors.Is(err, ErrDocNotFound) {
		t.Fatalf("LoadDoc error = %v, want ErrDocNotFound", err)
	}
	if err := db.CreateDoc(1, "doc", []byte("s0")); err != nil {
		t.Fatalf("CreateDoc failed: %v", err)
	}
	if err := db.CreateDoc(1, "doc", []byte("s0")); !errors.Is(err, ErrDocExists) {
		t.Errorf("second CreateDoc error = %v, want ErrDocExists", err)
	}
	if !db.IsExist(1, "doc") {
		t.Error("IsExist after create = false")
	}
	if db.IsExist(2, "doc") {
		t.Error("document leaked to another uid")
	}

	for i, u := range []string{"u1", "u2"} {
		n, err := db.PushUpdate(1, "doc", []byte(u))
		if err != nil {
			t.Fatalf("PushUpdate failed: %v", err)
		}
		if n != i+1 {
			t.Errorf("PushUpdate count = %d, want %d", n, i+1)
		}
	}
	state, updates, err := db.LoadDoc(1, "doc")
	if err != nil {
		t.Fatalf("LoadDoc failed: %v", err)
	}
	if string(state) != "s0" {
		t.Errorf("state = %q, want s0", state)
	}
	if got := toStrings(updates); !slices.Equal(got, []string{"u1", "u2"}) {
		t.Errorf("updates = %v", got)
	}

	if err := db.FlushDoc(1, "doc", []byte("s1")); err != nil {
		t.Fatalf("FlushDoc failed: %v", err)
	}
	state, updates, _ = db.LoadDoc(1, "doc")
	if string(state) != "s1" || len(updates) != 0 {
		t.Errorf("after flush state=%q updates=%d", state, len(updates))
	}
	if n, _ := db.PushUpdate(1, "doc", []byte("u3")); n != 1 {
		t.Errorf("count after flush = %d, want 1", n)
	}

	if err := db.DeleteDoc(1, "doc"); err != nil {
		t.Fatalf("DeleteDoc failed: %v", err)
	}
	if db.IsExist(1, "doc") {
		t.Error("IsExist after delete")
	}
	if err := db.DeleteDoc(1, "doc"); !errors.Is(err, ErrDocNotFound) {
		t.Errorf("second DeleteDoc error = %v", err)
	}
	if _, err := db.PushUpdate(1, "doc", []byte("u")); !errors.Is(err, ErrDocNotFound) {
		t.Errorf("PushUpdate on deleted doc error = %v", err)
	}
}

func TestSnapshots(t *testing.T) {
	db := openTestDB(t, Options{MaxSnapshots: 2})
	if err := db.PushSnapshot(1, "doc", []byte("x"), 0); !errors.Is(err, ErrDocNotFound) {
		t.Fatalf("PushSnapshot on missing doc error = %v", err)
	}
	if err := db.CreateDoc(1, "doc", nil); err != nil {
		t.Fatal(err)
	}
	for _, d := range []string{"a", "b", "c"} {
		if err := db.PushSnapshot(1, "doc", []byte(d), 10); err != nil {
			t.Fatalf("PushSnapshot failed: %v", err)
		}
	}
	snaps, err := db.GetSnapshots(1, "doc")
	if err != nil {
		t.Fatalf("GetSnapshots failed: %v", err)
	}
	var got []string
	for _, s := range snaps {
		got = append(got, string(s.Data))
		if s.UpdateCount != 10 || s.CreatedAt.IsZero() {
			t.Errorf("snapshot %+v", s)
		}
	}
	if !slices.Equal(got, []string{"b", "c"}) {
		t.Errorf("snapshots = %v, want [b c]", got)
	}
	if snaps[0].Seq >= snaps[1].Seq {
		t.Errorf("snapshots not ordered: %d, %d", snaps[0].Seq, snaps[1].Seq)
	}

	if err := db.DeleteDoc(1, "doc"); err != nil {
		t.Fatal(err)
	}
	if snaps, _ := db.GetSnapshots(1, "doc"); len(snaps) != 0 {
		t.Errorf("snapshots survived delete: %d", len(snaps))
	}
}

func TestDocIDs(t *testing.T) {
	db := openTestDB(t, Options{})
	for _, id := range []string{"b", "a"} {
		if err := db.CreateDoc(7, id, nil); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.CreateDoc(8, "c", nil); err != nil {
		t.Fatal(err)
	}
	got, err := db.DocIDs(7)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(got, []string{"a", "b"}) {
		t.Errorf("DocIDs(7) = %v", got)
	}
}

func TestHandle(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "collab.db"), Options{})
	if err != nil {
		t.Fatal(err)
	}
	h := db.Handle()
	if got, ok := h.Get(); !ok || got != db {
		t.Fatal("Get() on open store failed")
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := h.Get(); ok {
		t.Error("Get() succeeded after Close")
	}
	if err := db.CreateDoc(1, "x", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("CreateDoc after Close error = %v", err)
	}
	var zero Handle
	if _, ok := zero.Get(); ok {
		t.Error("zero Handle is available")
	}
}

func toStrings(b [][]byte) []string {
	out := make([]string, len(b))
	for i, v := range b {
		out[i] = string(v)
	}
	return out
}
