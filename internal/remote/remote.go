// Remote sources of document state.

// Package remote implements the services rows and databases are fetched from
// when they are missing on disk.
package remote

import (
	"context"

	"github.com/maruel/collabdb/internal/collab"
)

// Local is the service used when no remote peer is configured: every
// document is unknown.
type Local struct{}

// GetDocState always returns an empty state.
func (Local) GetDocState(context.Context, string, collab.ObjectType) ([]byte, error) {
	return nil, nil
}

// BatchGetDocState always returns an empty map.
func (Local) BatchGetDocState(context.Context, []string, collab.ObjectType) (map[string][]byte, error) {
	return map[string][]byte{}, nil
}
