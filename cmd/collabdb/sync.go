// Mirrors the workspace documents to the git peer.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/maruel/collabdb/internal/collab"
	"github.com/maruel/collabdb/internal/database"
	"github.com/maruel/collabdb/internal/remote"
)

const remoteName = "origin"

var errNoPeer = errors.New("no git peer configured; set remote.git_dir in collabdb.json")

// localStates collects the full state of every document of the workspace
// that is available locally, grouped by type.
func localStates(ctx context.Context, ws *database.WorkspaceDatabase) map[collab.ObjectType]map[string][]byte {
	out := map[collab.ObjectType]map[string][]byte{
		collab.WorkspaceDatabase: {ws.Collab().ObjectID(): ws.Collab().EncodeState()},
		collab.Database:          {},
		collab.DatabaseRow:       {},
	}
	for _, m := range ws.GetAllDatabaseMeta() {
		c, ok := ws.GetDatabaseCollab(ctx, m.DatabaseID)
		if !ok {
			slog.WarnContext(ctx, "skipping unavailable database", "database", m.DatabaseID)
			continue
		}
		out[collab.Database][m.DatabaseID] = c.EncodeState()
		d, ok := ws.GetDatabase(ctx, m.DatabaseID)
		if !ok {
			continue
		}
		var ids []string
		for _, v := range d.GetAllViews() {
			for _, o := range v.RowOrders {
				ids = append(ids, o.ID)
			}
		}
		slices.Sort(ids)
		for _, id := range slices.Compact(ids) {
			if state, ok := d.Block().EncodeRow(id); ok {
				out[collab.DatabaseRow][id] = state
			}
		}
	}
	return out
}

func (e *env) author() remote.Author {
	return remote.Author{Name: e.cfg.Remote.AuthorName, Email: e.cfg.Remote.AuthorEmail}
}

func cmdPublish(ctx context.Context, e *env, _ []string) error {
	if e.peer == nil {
		return errNoPeer
	}
	states := localStates(ctx, e.ws)
	for _, typ := range []collab.ObjectType{collab.WorkspaceDatabase, collab.Database, collab.DatabaseRow} {
		if len(states[typ]) == 0 {
			continue
		}
		if err := e.peer.Publish(ctx, e.author(), typ, states[typ]); err != nil {
			return fmt.Errorf("failed to publish %s documents: %w", typ, err)
		}
		slog.InfoContext(ctx, "published", "type", typ, "count", len(states[typ]))
	}
	if e.cfg.Remote.URL == "" {
		return nil
	}
	if err := e.peer.SetRemote(ctx, remoteName, e.cfg.Remote.URL); err != nil {
		return err
	}
	return e.peer.Push(ctx, remoteName, "")
}

// cmdPull fast-forwards the peer, then merges the pulled state of the
// workspace and of every locally known database. Rows are fetched lazily
// when first read.
func cmdPull(ctx context.Context, e *env, _ []string) error {
	if e.peer == nil {
		return errNoPeer
	}
	if e.cfg.Remote.URL == "" {
		return errors.New("remote.url is not configured")
	}
	if err := e.peer.SetRemote(ctx, remoteName, e.cfg.Remote.URL); err != nil {
		return err
	}
	moved, err := e.peer.Pull(ctx, remoteName, "")
	if err != nil {
		return err
	}
	if !moved {
		slog.InfoContext(ctx, "already up to date")
		return nil
	}
	if err := merge(ctx, e.peer, e.ws.Collab(), collab.WorkspaceDatabase); err != nil {
		return err
	}
	for _, m := range e.ws.GetAllDatabaseMeta() {
		if !e.store.IsExist(e.workspace.UID, m.DatabaseID) {
			continue
		}
		c, ok := e.ws.GetDatabaseCollab(ctx, m.DatabaseID)
		if !ok {
			continue
		}
		if err := merge(ctx, e.peer, c, collab.Database); err != nil {
			slog.ErrorContext(ctx, "failed to merge database", "database", m.DatabaseID, "error", err)
		}
	}
	return nil
}

func merge(ctx context.Context, peer *remote.GitPeer, c *collab.Collab, typ collab.ObjectType) error {
	state, err := peer.GetDocState(ctx, c.ObjectID(), typ)
	if err != nil || len(state) == 0 {
		return err
	}
	return c.ApplyUpdate(state)
}
