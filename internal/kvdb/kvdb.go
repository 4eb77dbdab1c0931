// Persists document states, incremental updates and snapshots in bbolt.

// Package kvdb is the on-disk store for collaborative documents.
//
// Every document is scoped by a user id and an object id. Its compacted
// state lives in the doc bucket; updates received since the last flush are
// appended to a per-document child bucket of the update bucket; snapshots are
// appended to a per-document child bucket of the snapshot bucket.
package kvdb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
	"weak"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

var (
	// ErrDocNotFound is returned when the document has no persisted state.
	ErrDocNotFound = errors.New("document not found")
	// ErrDocExists is returned by CreateDoc when the document already exists.
	ErrDocExists = errors.New("document already exists")
	// ErrClosed is returned once the store is closed.
	ErrClosed = errors.New("store closed")
)

var (
	bucketDoc      = []byte("doc")
	bucketUpdate   = []byte("update")
	bucketSnapshot = []byte("snapshot")
)

// Options configures a store.
type Options struct {
	// MaxSnapshots is the number of snapshots kept per document. 0 keeps all.
	MaxSnapshots int
	// Timeout bounds waiting for the file lock.
	Timeout time.Duration
}

// Snapshot is a full document state captured at a point in time.
type Snapshot struct {
	Seq         uint64    `msgpack:"seq" json:"seq"`
	CreatedAt   time.Time `msgpack:"created_at" json:"created_at"`
	UpdateCount int       `msgpack:"update_count" json:"update_count"`
	Data        []byte    `msgpack:"data" json:"-"`
}

type docRecord struct {
	State       []byte    `msgpack:"state"`
	UpdateCount int       `msgpack:"update_count"`
	CreatedAt   time.Time `msgpack:"created_at"`
	FlushedAt   time.Time `msgpack:"flushed_at"`
}

// DB is a bbolt backed document store.
type DB struct {
	bolt   *bolt.DB
	opts   Options
	closed atomic.Bool
}

// Open opens or creates the store at path.
func Open(path string, opts Options) (*DB, error) {
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	b, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: opts.Timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	err = b.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketDoc, bucketUpdate, bucketSnapshot} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}
	return &DB{bolt: b, opts: opts}, nil
}

// Close releases the file. Handles report the store unavailable afterward.
func (db *DB) Close() error {
	if db.closed.Swap(true) {
		return nil
	}
	return db.bolt.Close()
}

// Path returns the file backing the store.
func (db *DB) Path() string {
	return db.bolt.Path()
}

// Handle returns a weak accessor to db.
func (db *DB) Handle() Handle {
	return Handle{p: weak.Make(db)}
}

// Handle refers to a store owned elsewhere. It must be upgraded with Get
// before each use, since the owner may have closed or dropped the store.
type Handle struct {
	p weak.Pointer[DB]
}

// Get returns the store if it is still open.
func (h Handle) Get() (*DB, bool) {
	db := h.p.Value()
	if db == nil || db.closed.Load() {
		return nil, false
	}
	return db, true
}

// IsExist reports whether the document has persisted state.
func (db *DB) IsExist(uid int64, oid string) bool {
	found := false
	_ = db.view(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketDoc).Get(docKey(uid, oid)) != nil
		return nil
	})
	return found
}

// CreateDoc persists the initial state of a new document.
func (db *DB) CreateDoc(uid int64, oid string, state []byte) error {
	return db.update(func(tx *bolt.Tx) error {
		k := docKey(uid, oid)
		docs := tx.Bucket(bucketDoc)
		if docs.Get(k) != nil {
			return ErrDocExists
		}
		now := time.Now().UTC()
		return putRecord(docs, k, &docRecord{State: state, CreatedAt: now, FlushedAt: now})
	})
}

// LoadDoc returns the compacted state and the updates pushed since.
func (db *DB) LoadDoc(uid int64, oid string) ([]byte, [][]byte, error) {
	var state []byte
	var updates [][]byte
	err := db.view(func(tx *bolt.Tx) error {
		k := docKey(uid, oid)
		rec, err := getRecord(tx.Bucket(bucketDoc), k)
		if err != nil {
			return err
		}
		state = rec.State
		if ub := tx.Bucket(bucketUpdate).Bucket(k); ub != nil {
			return ub.ForEach(func(_, v []byte) error {
				updates = append(updates, clone(v))
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return state, updates, nil
}

// PushUpdate appends an update and returns the number of updates pending
// since the last flush.
func (db *DB) PushUpdate(uid int64, oid string, update []byte) (int, error) {
	n := 0
	err := db.update(func(tx *bolt.Tx) error {
		k := docKey(uid, oid)
		docs := tx.Bucket(bucketDoc)
		rec, err := getRecord(docs, k)
		if err != nil {
			return err
		}
		ub, err := tx.Bucket(bucketUpdate).CreateBucketIfNotExists(k)
		if err != nil {
			return err
		}
		seq, err := ub.NextSequence()
		if err != nil {
			return err
		}
		if err := ub.Put(seqKey(seq), update); err != nil {
			return err
		}
		rec.UpdateCount++
		n = rec.UpdateCount
		return putRecord(docs, k, rec)
	})
	return n, err
}

// FlushDoc replaces the stored state and discards pending updates.
func (db *DB) FlushDoc(uid int64, oid string, state []byte) error {
	return db.update(func(tx *bolt.Tx) error {
		k := docKey(uid, oid)
		docs := tx.Bucket(bucketDoc)
		rec, err := getRecord(docs, k)
		if err != nil {
			return err
		}
		if err := deleteChild(tx.Bucket(bucketUpdate), k); err != nil {
			return err
		}
		rec.State = state
		rec.UpdateCount = 0
		rec.FlushedAt = time.Now().UTC()
		return putRecord(docs, k, rec)
	})
}

// DeleteDoc removes the document with its updates and snapshots.
func (db *DB) DeleteDoc(uid int64, oid string) error {
	return db.update(func(tx *bolt.Tx) error {
		k := docKey(uid, oid)
		docs := tx.Bucket(bucketDoc)
		if docs.Get(k) == nil {
			return ErrDocNotFound
		}
		if err := docs.Delete(k); err != nil {
			return err
		}
		if err := deleteChild(tx.Bucket(bucketUpdate), k); err != nil {
			return err
		}
		return deleteChild(tx.Bucket(bucketSnapshot), k)
	})
}

// PushSnapshot records a full state and trims the oldest snapshots beyond
// MaxSnapshots.
func (db *DB) PushSnapshot(uid int64, oid string, data []byte, updateCount int) error {
	return db.update(func(tx *bolt.Tx) error {
		k := docKey(uid, oid)
		if tx.Bucket(bucketDoc).Get(k) == nil {
			return ErrDocNotFound
		}
		sb, err := tx.Bucket(bucketSnapshot).CreateBucketIfNotExists(k)
		if err != nil {
			return err
		}
		seq, err := sb.NextSequence()
		if err != nil {
			return err
		}
		raw, err := msgpack.Marshal(&Snapshot{Seq: seq, CreatedAt: time.Now().UTC(), UpdateCount: updateCount, Data: data})
		if err != nil {
			return fmt.Errorf("failed to encode snapshot: %w", err)
		}
		if err := sb.Put(seqKey(seq), raw); err != nil {
			return err
		}
		if db.opts.MaxSnapshots <= 0 {
			return nil
		}
		var keys [][]byte
		if err := sb.ForEach(func(k, _ []byte) error {
			keys = append(keys, clone(k))
			return nil
		}); err != nil {
			return err
		}
		for len(keys) > db.opts.MaxSnapshots {
			if err := sb.Delete(keys[0]); err != nil {
				return err
			}
			keys = keys[1:]
		}
		return nil
	})
}

// GetSnapshots returns the snapshots of a document, oldest first.
func (db *DB) GetSnapshots(uid int64, oid string) ([]Snapshot, error) {
	var out []Snapshot
	err := db.view(func(tx *bolt.Tx) error {
		sb := tx.Bucket(bucketSnapshot).Bucket(docKey(uid, oid))
		if sb == nil {
			return nil
		}
		return sb.ForEach(func(_, v []byte) error {
			var s Snapshot
			if err := msgpack.Unmarshal(v, &s); err != nil {
				return fmt.Errorf("failed to decode snapshot: %w", err)
			}
			s.Data = clone(s.Data)
			out = append(out, s)
			return nil
		})
	})
	return out, err
}

// DocIDs lists the object ids stored for uid.
func (db *DB) DocIDs(uid int64) ([]string, error) {
	var out []string
	prefix := docKey(uid, "")
	err := db.view(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDoc).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			out = append(out, string(k[len(prefix):]))
		}
		return nil
	})
	return out, err
}

func (db *DB) view(fn func(*bolt.Tx) error) error {
	if db.closed.Load() {
		return ErrClosed
	}
	return db.bolt.View(fn)
}

func (db *DB) update(fn func(*bolt.Tx) error) error {
	if db.closed.Load() {
		return ErrClosed
	}
	return db.bolt.Update(fn)
}

func docKey(uid int64, oid string) []byte {
	k := make([]byte, 8, 8+len(oid))
	binary.BigEndian.PutUint64(k, uint64(uid))
	return append(k, oid...)
}

func seqKey(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}

func getRecord(b *bolt.Bucket, k []byte) (*docRecord, error) {
	raw := b.Get(k)
	if raw == nil {
		return nil, ErrDocNotFound
	}
	rec := &docRecord{}
	if err := msgpack.Unmarshal(raw, rec); err != nil {
		return nil, fmt.Errorf("failed to decode document record: %w", err)
	}
	rec.State = clone(rec.State)
	return rec, nil
}

func putRecord(b *bolt.Bucket, k []byte, rec *docRecord) error {
	raw, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode document record: %w", err)
	}
	return b.Put(k, raw)
}

func deleteChild(b *bolt.Bucket, k []byte) error {
	if b.Bucket(k) == nil {
		return nil
	}
	return b.DeleteBucket(k)
}

// clone copies bytes owned by a bbolt page, which are only valid for the
// lifetime of the transaction.
func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
