// Package registry records the workspaces known to this installation.
package registry

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/maruel/ksid"
)

// FileName is the registry file inside the data directory.
const FileName = "workspaces.jsonl"

var (
	// ErrNotFound is returned when no workspace matches.
	ErrNotFound = errors.New("workspace not found")
	// ErrNameTaken is returned when creating a workspace with a used name.
	ErrNameTaken = errors.New("workspace name already in use")
	// ErrInvalidName is returned for an empty or blank name.
	ErrInvalidName = errors.New("invalid workspace name")
)

// Workspace is one registered workspace.
type Workspace struct {
	ID       ksid.ID   `json:"id"`
	Name     string    `json:"name"`
	UID      int64     `json:"uid"`
	ObjectID string    `json:"object_id"`
	Created  time.Time `json:"created"`
}

// Registry is the set of workspaces stored in dir.
type Registry struct {
	t *table[Workspace]
}

// Open loads the registry stored in dir, creating dir if needed.
func Open(dir string) (*Registry, error) {
	t, err := openTable[Workspace](filepath.Join(dir, FileName))
	if err != nil {
		return nil, err
	}
	return &Registry{t: t}, nil
}

// Create registers a new workspace owned by uid. The workspace document id
// is generated.
func (r *Registry) Create(name string, uid int64) (Workspace, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Workspace{}, ErrInvalidName
	}
	w := Workspace{
		ID:       ksid.NewID(),
		Name:     name,
		UID:      uid,
		ObjectID: uuid.NewString(),
		Created:  time.Now().UTC().Truncate(time.Second),
	}
	err := r.t.append(w, func(rows []Workspace) error {
		for _, row := range rows {
			if row.Name == name {
				return fmt.Errorf("%w: %s", ErrNameTaken, name)
			}
		}
		return nil
	})
	if err != nil {
		return Workspace{}, err
	}
	return w, nil
}

// Get returns the workspace with id.
func (r *Registry) Get(id ksid.ID) (Workspace, error) {
	if w, ok := r.t.find(func(w Workspace) bool { return w.ID == id }); ok {
		return w, nil
	}
	return Workspace{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// GetByName returns the workspace called name.
func (r *Registry) GetByName(name string) (Workspace, error) {
	if w, ok := r.t.find(func(w Workspace) bool { return w.Name == name }); ok {
		return w, nil
	}
	return Workspace{}, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Lookup resolves s as a workspace id, falling back to a name.
func (r *Registry) Lookup(s string) (Workspace, error) {
	if id, err := ksid.Parse(s); err == nil {
		if w, err := r.Get(id); err == nil {
			return w, nil
		}
	}
	return r.GetByName(s)
}

// List returns every workspace in creation order.
func (r *Registry) List() []Workspace {
	return r.t.all()
}

// Delete unregisters the workspace. Its documents are left on disk.
func (r *Registry) Delete(id ksid.ID) error {
	n, err := r.t.deleteFunc(func(w Workspace) bool { return w.ID == id })
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
