package database

import (
	"fmt"
	"slices"
	"strings"

	"github.com/maruel/collabdb/internal/collab"
)

const prefixDBMeta = "db/"

// MetaList is the index of databases stored in the workspace document. It is
// the authority on which databases exist and which views they own.
type MetaList struct {
	c *collab.Collab
}

// NewMetaList returns the index stored in c.
func NewMetaList(c *collab.Collab) *MetaList {
	return &MetaList{c: c}
}

// Get returns the entry of a database.
func (m *MetaList) Get(databaseID string) (DatabaseMeta, bool) {
	var meta DatabaseMeta
	var ok bool
	m.c.Read(func(t *collab.Txn) {
		found, err := t.GetJSON(prefixDBMeta+databaseID, &meta)
		ok = found && err == nil
	})
	return meta, ok
}

// Contains reports whether the database is indexed.
func (m *MetaList) Contains(databaseID string) bool {
	_, ok := m.Get(databaseID)
	return ok
}

// All returns every entry ordered by database id.
func (m *MetaList) All() []DatabaseMeta {
	var out []DatabaseMeta
	m.c.Read(func(t *collab.Txn) { out = allMeta(t) })
	return out
}

// DatabaseIDForView returns the database owning viewID.
func (m *MetaList) DatabaseIDForView(viewID string) (string, bool) {
	for _, meta := range m.All() {
		if slices.Contains(meta.LinkedViews, viewID) {
			return meta.DatabaseID, true
		}
	}
	return "", false
}

// Add indexes a database with its views, merging with an existing entry.
// It fails if a view already belongs to another database.
func (m *MetaList) Add(databaseID string, viewIDs []string) error {
	return m.c.Transact(func(t *collab.Txn) error {
		if err := checkViews(t, databaseID, viewIDs); err != nil {
			return err
		}
		var meta DatabaseMeta
		if ok, err := t.GetJSON(prefixDBMeta+databaseID, &meta); !ok || err != nil {
			meta = DatabaseMeta{DatabaseID: databaseID, CreatedAt: now()}
		}
		for _, v := range viewIDs {
			if !slices.Contains(meta.LinkedViews, v) {
				meta.LinkedViews = append(meta.LinkedViews, v)
			}
		}
		return t.SetJSON(prefixDBMeta+databaseID, meta)
	})
}

// AddLinkedView links viewID to an indexed database. It returns false when
// the view was already linked to it.
func (m *MetaList) AddLinkedView(databaseID, viewID string) (bool, error) {
	added := false
	err := m.c.Transact(func(t *collab.Txn) error {
		var meta DatabaseMeta
		if ok, err := t.GetJSON(prefixDBMeta+databaseID, &meta); !ok || err != nil {
			return fmt.Errorf("%w: %s", ErrDatabaseNotExist, databaseID)
		}
		if slices.Contains(meta.LinkedViews, viewID) {
			return nil
		}
		if err := checkViews(t, databaseID, []string{viewID}); err != nil {
			return err
		}
		meta.LinkedViews = append(meta.LinkedViews, viewID)
		added = true
		return t.SetJSON(prefixDBMeta+databaseID, meta)
	})
	return added, err
}

// RemoveLinkedView unlinks viewID from a database.
func (m *MetaList) RemoveLinkedView(databaseID, viewID string) error {
	return m.c.Transact(func(t *collab.Txn) error {
		var meta DatabaseMeta
		if ok, err := t.GetJSON(prefixDBMeta+databaseID, &meta); !ok || err != nil {
			return nil
		}
		n := len(meta.LinkedViews)
		meta.LinkedViews = slices.DeleteFunc(meta.LinkedViews, func(v string) bool { return v == viewID })
		if len(meta.LinkedViews) == n {
			return nil
		}
		return t.SetJSON(prefixDBMeta+databaseID, meta)
	})
}

// Delete removes a database from the index.
func (m *MetaList) Delete(databaseID string) error {
	return m.c.Transact(func(t *collab.Txn) error { return t.Delete(prefixDBMeta + databaseID) })
}

func allMeta(t *collab.Txn) []DatabaseMeta {
	var out []DatabaseMeta
	for _, k := range t.Keys(prefixDBMeta) {
		var meta DatabaseMeta
		if ok, err := t.GetJSON(k, &meta); ok && err == nil {
			if meta.DatabaseID == "" {
				meta.DatabaseID = strings.TrimPrefix(k, prefixDBMeta)
			}
			out = append(out, meta)
		}
	}
	return out
}

func checkViews(t *collab.Txn, databaseID string, viewIDs []string) error {
	for _, meta := range allMeta(t) {
		if meta.DatabaseID == databaseID {
			continue
		}
		for _, v := range viewIDs {
			if slices.Contains(meta.LinkedViews, v) {
				return fmt.Errorf("%w: %s is linked to %s", ErrViewLinked, v, meta.DatabaseID)
			}
		}
	}
	return nil
}
