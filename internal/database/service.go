package database

import (
	"context"

	"github.com/maruel/collabdb/internal/collab"
	"github.com/maruel/collabdb/internal/kvdb"
)

// Remote serves the encoded state of documents missing locally. An empty
// state means the remote does not know the document.
type Remote interface {
	GetDocState(ctx context.Context, oid string, typ collab.ObjectType) ([]byte, error)
	BatchGetDocState(ctx context.Context, ids []string, typ collab.ObjectType) (map[string][]byte, error)
}

// CollabService is everything databases need from the outside: remote state
// and a document builder.
type CollabService interface {
	Remote
	// BuildCollab must not fail.
	BuildCollab(uid int64, oid string, typ collab.ObjectType, handle kvdb.Handle, state []byte, cfg collab.PersistenceConfig) *collab.Collab
}

// NewCollabService builds documents with collab.Build and fetches missing
// ones from r.
func NewCollabService(r Remote) CollabService {
	return &service{Remote: r}
}

type service struct {
	Remote
}

func (s *service) BuildCollab(uid int64, oid string, typ collab.ObjectType, handle kvdb.Handle, state []byte, cfg collab.PersistenceConfig) *collab.Collab {
	return collab.Build(uid, oid, typ, handle, state, cfg)
}
