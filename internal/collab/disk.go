package collab

import (
	"log/slog"

	"github.com/maruel/collabdb/internal/kvdb"
)

// PersistenceConfig controls how a document is written to disk.
type PersistenceConfig struct {
	// SnapshotPerUpdate writes a snapshot every N updates. 0 disables
	// snapshots.
	SnapshotPerUpdate int `json:"snapshot_per_update"`
	// FlushOnInit compacts pending updates into the stored state when the
	// document is loaded.
	FlushOnInit bool `json:"flush_on_init"`
	// Disabled keeps the document in memory only.
	Disabled bool `json:"disabled,omitzero"`
}

// DefaultPersistence is the configuration used for newly created rows.
func DefaultPersistence() PersistenceConfig {
	return PersistenceConfig{SnapshotPerUpdate: 100}
}

// DiskPlugin loads a document from the store on init and appends every
// update it produces.
type DiskPlugin struct {
	handle kvdb.Handle
	cfg    PersistenceConfig
}

// NewDiskPlugin returns a plugin writing through handle.
func NewDiskPlugin(handle kvdb.Handle, cfg PersistenceConfig) *DiskPlugin {
	return &DiskPlugin{handle: handle, cfg: cfg}
}

// DidInit loads the stored state when it exists, otherwise persists the
// document's current state as a new entry.
func (p *DiskPlugin) DidInit(d Locked) {
	db, ok := p.handle.Get()
	if !ok {
		slog.Warn("store unavailable, document not persisted", "oid", d.ObjectID())
		return
	}
	uid, oid := d.UID(), d.ObjectID()
	if !db.IsExist(uid, oid) {
		if err := db.CreateDoc(uid, oid, d.Encode()); err != nil {
			slog.Error("failed to create document", "oid", oid, "error", err)
		}
		return
	}
	state, updates, err := db.LoadDoc(uid, oid)
	if err != nil {
		slog.Error("failed to load document", "oid", oid, "error", err)
		return
	}
	if err := d.Merge(state); err != nil {
		slog.Error("stored state is corrupted", "oid", oid, "error", err)
	}
	for i, u := range updates {
		if err := d.Merge(u); err != nil {
			slog.Error("skipping corrupted update", "oid", oid, "index", i, "error", err)
		}
	}
	if p.cfg.FlushOnInit && len(updates) > 0 {
		if err := db.FlushDoc(uid, oid, d.Encode()); err != nil {
			slog.Error("failed to flush document", "oid", oid, "error", err)
		}
	}
}

// DidReceiveUpdate appends update and takes a snapshot when due.
func (p *DiskPlugin) DidReceiveUpdate(d Locked, update []byte) {
	db, ok := p.handle.Get()
	if !ok {
		return
	}
	uid, oid := d.UID(), d.ObjectID()
	n, err := db.PushUpdate(uid, oid, update)
	if err != nil {
		slog.Error("failed to persist update", "oid", oid, "error", err)
		return
	}
	if p.cfg.SnapshotPerUpdate > 0 && n%p.cfg.SnapshotPerUpdate == 0 {
		if err := db.PushSnapshot(uid, oid, d.Encode(), n); err != nil {
			slog.Error("failed to write snapshot", "oid", oid, "error", err)
		}
	}
}
