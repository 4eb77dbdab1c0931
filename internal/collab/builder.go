package collab

import (
	"log/slog"

	"github.com/maruel/collabdb/internal/kvdb"
)

// Build returns a document, seeded with state when it is not empty, and
// attaches disk persistence unless cfg disables it.
//
// It never fails: an undecodable state is logged and the document starts
// empty.
func Build(uid int64, oid string, typ ObjectType, handle kvdb.Handle, state []byte, cfg PersistenceConfig) *Collab {
	c := New(uid, oid, typ)
	if len(state) != 0 {
		decoded, err := FromState(uid, oid, typ, state)
		if err != nil {
			slog.Error("discarding invalid document state", "oid", oid, "type", typ, "error", err)
		} else {
			c = decoded
		}
	}
	if !cfg.Disabled {
		c.AddPlugin(NewDiskPlugin(handle, cfg))
	}
	c.Initialize()
	return c
}
