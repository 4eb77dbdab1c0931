package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/maruel/collabdb/internal/config"
	"github.com/maruel/collabdb/internal/database"
	"github.com/maruel/collabdb/internal/kvdb"
)

type need int

const (
	needNone need = iota
	needStore
	needWorkspace
)

type command struct {
	name    string
	args    string
	help    string
	minArgs int
	needs   need
	run     func(ctx context.Context, e *env, args []string) error
}

var commands []command

func init() {
	commands = []command{
		{"workspaces", "", "List registered workspaces", 0, needNone, cmdWorkspaces},
		{"workspace-create", "NAME", "Register a new workspace", 1, needNone, cmdWorkspaceCreate},
		{"workspace-delete", "NAME", "Unregister a workspace", 1, needNone, cmdWorkspaceDelete},
		{"list", "", "List the databases of the workspace", 0, needWorkspace, cmdList},
		{"create", "NAME FIELD...", "Create a database with text fields", 1, needWorkspace, cmdCreate},
		{"views", "DB", "List the views of a database", 1, needWorkspace, cmdViews},
		{"rows", "VIEW", "Print the rows of a view", 1, needWorkspace, cmdRows},
		{"row", "DB ROW", "Print one row with its metadata", 2, needWorkspace, cmdRow},
		{"add-row", "DB FIELD=VALUE...", "Append a row", 1, needWorkspace, cmdAddRow},
		{"set", "DB ROW FIELD=VALUE...", "Update cells of a row", 3, needWorkspace, cmdSet},
		{"remove-row", "DB ROW", "Remove a row", 2, needWorkspace, cmdRemoveRow},
		{"add-field", "DB FIELD", "Add a text field", 2, needWorkspace, cmdAddField},
		{"link", "DB VIEW [NAME]", "Link a new view to a database", 2, needWorkspace, cmdLink},
		{"delete-view", "DB VIEW", "Delete a view; the inline view deletes the database", 2, needWorkspace, cmdDeleteView},
		{"duplicate", "VIEW", "Copy the database owning a view", 1, needWorkspace, cmdDuplicate},
		{"delete", "DB", "Delete a database", 1, needWorkspace, cmdDelete},
		{"snapshots", "DB", "List the snapshots of a database", 1, needWorkspace, cmdSnapshots},
		{"restore", "DB SEQ", "Print a database as of a snapshot", 2, needWorkspace, cmdRestore},
		{"watch", "DB", "Stream row changes and fetched rows", 1, needWorkspace, cmdWatch},
		{"docs", "", "List the documents in the local store", 0, needStore, cmdDocs},
		{"publish", "", "Commit local documents to the git peer and push", 0, needWorkspace, cmdPublish},
		{"pull", "", "Pull the git peer and merge known documents", 0, needWorkspace, cmdPull},
		{"config-schema", "", "Print the JSON schema of collabdb.json", 0, needNone, cmdConfigSchema},
	}
}

func lookupCommand(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

type rowOut struct {
	ID      string                   `yaml:"id"`
	Height  int                      `yaml:"height"`
	Hidden  bool                     `yaml:"hidden,omitempty"`
	Cells   map[string]database.Cell `yaml:"cells,omitempty"`
	Updated time.Time                `yaml:"updated,omitempty"`
}

func toRowOut(r database.Row) rowOut {
	out := rowOut{ID: r.ID, Height: r.Height, Hidden: !r.Visibility, Cells: r.Cells}
	if r.ModifiedAt != 0 {
		out.Updated = time.Unix(r.ModifiedAt, 0).UTC()
	}
	return out
}

func toRowsOut(rows []database.Row) []rowOut {
	out := make([]rowOut, 0, len(rows))
	for _, r := range rows {
		out = append(out, toRowOut(r))
	}
	return out
}

// parseCells parses FIELD=VALUE arguments into text cells.
func parseCells(args []string) (map[string]database.Cell, error) {
	cells := make(map[string]database.Cell, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected FIELD=VALUE, got %q", a)
		}
		cells[k] = database.Cell{"data": v}
	}
	return cells, nil
}

func (e *env) database(ctx context.Context, id string) (*database.Database, error) {
	d, ok := e.ws.GetDatabase(ctx, id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", database.ErrDatabaseNotExist, id)
	}
	return d, nil
}

func cmdWorkspaces(_ context.Context, e *env, _ []string) error {
	type out struct {
		ID      string    `yaml:"id"`
		Name    string    `yaml:"name"`
		UID     int64     `yaml:"uid"`
		Created time.Time `yaml:"created"`
	}
	var all []out
	for _, w := range e.reg.List() {
		all = append(all, out{ID: w.ID.String(), Name: w.Name, UID: w.UID, Created: w.Created})
	}
	return e.print(all)
}

func cmdWorkspaceCreate(_ context.Context, e *env, args []string) error {
	w, err := e.reg.Create(args[0], e.cfg.UID)
	if err != nil {
		return err
	}
	slog.Info("workspace created", "name", w.Name, "id", w.ID)
	return e.print(map[string]string{"id": w.ID.String(), "object_id": w.ObjectID})
}

func cmdWorkspaceDelete(_ context.Context, e *env, args []string) error {
	w, err := e.reg.Lookup(args[0])
	if err != nil {
		return err
	}
	return e.reg.Delete(w.ID)
}

func cmdList(_ context.Context, e *env, _ []string) error {
	type out struct {
		ID      string    `yaml:"id"`
		Created time.Time `yaml:"created"`
		Views   []string  `yaml:"views"`
	}
	var all []out
	for _, m := range e.ws.GetAllDatabaseMeta() {
		all = append(all, out{ID: m.DatabaseID, Created: time.Unix(m.CreatedAt, 0).UTC(), Views: m.LinkedViews})
	}
	return e.print(all)
}

func cmdCreate(_ context.Context, e *env, args []string) error {
	p := database.CreateDatabaseParams{
		DatabaseID:   uuid.NewString(),
		InlineViewID: uuid.NewString(),
		Name:         args[0],
		Layout:       database.LayoutGrid,
	}
	fields := args[1:]
	if len(fields) == 0 {
		fields = []string{"name"}
	}
	for i, f := range fields {
		p.Fields = append(p.Fields, database.Field{ID: f, Name: f, Type: database.FieldText, IsPrimary: i == 0})
	}
	d, err := e.ws.CreateDatabase(p)
	if err != nil {
		return err
	}
	return e.print(map[string]string{"database": d.ID(), "inline_view": d.InlineViewID()})
}

func cmdViews(ctx context.Context, e *env, args []string) error {
	d, err := e.database(ctx, args[0])
	if err != nil {
		return err
	}
	type out struct {
		ID     string `yaml:"id"`
		Name   string `yaml:"name"`
		Layout string `yaml:"layout"`
		Inline bool   `yaml:"inline,omitempty"`
		Rows   int    `yaml:"rows"`
	}
	var all []out
	for _, v := range d.GetAllViews() {
		all = append(all, out{ID: v.ID, Name: v.Name, Layout: string(v.Layout), Inline: d.IsInlineView(v.ID), Rows: len(v.RowOrders)})
	}
	return e.print(all)
}

func cmdRows(ctx context.Context, e *env, args []string) error {
	d, ok := e.ws.GetDatabaseWithViewID(ctx, args[0])
	if !ok {
		return fmt.Errorf("%w: no database for view %s", database.ErrDatabaseNotExist, args[0])
	}
	return e.print(toRowsOut(d.GetRows(args[0])))
}

func cmdRow(ctx context.Context, e *env, args []string) error {
	d, err := e.database(ctx, args[0])
	if err != nil {
		return err
	}
	detail, ok := d.GetRowDetail(args[1])
	if !ok {
		return fmt.Errorf("row %s is not available locally; it is being fetched", args[1])
	}
	return e.print(map[string]any{
		"row":         toRowOut(detail.Row),
		"icon_url":    detail.Meta.IconURL,
		"cover_url":   detail.Meta.CoverURL,
		"document_id": detail.DocumentID,
	})
}

func cmdAddRow(ctx context.Context, e *env, args []string) error {
	d, err := e.database(ctx, args[0])
	if err != nil {
		return err
	}
	cells, err := parseCells(args[1:])
	if err != nil {
		return err
	}
	o, err := d.CreateRow(database.CreateRowParams{Cells: cells})
	if err != nil {
		return err
	}
	return e.print(map[string]string{"row": o.ID})
}

func cmdSet(ctx context.Context, e *env, args []string) error {
	d, err := e.database(ctx, args[0])
	if err != nil {
		return err
	}
	cells, err := parseCells(args[2:])
	if err != nil {
		return err
	}
	// Updates only apply to loaded rows.
	if _, ok := d.GetRowDetail(args[1]); !ok {
		return fmt.Errorf("row %s is not available locally", args[1])
	}
	return d.UpdateRow(args[1], func(u *database.RowUpdate) {
		for k, c := range cells {
			u.SetCell(k, c)
		}
	})
}

func cmdRemoveRow(ctx context.Context, e *env, args []string) error {
	d, err := e.database(ctx, args[0])
	if err != nil {
		return err
	}
	d.RemoveRow(args[1])
	return nil
}

func cmdAddField(ctx context.Context, e *env, args []string) error {
	d, err := e.database(ctx, args[0])
	if err != nil {
		return err
	}
	return d.CreateField(database.Field{ID: args[1], Name: args[1], Type: database.FieldText})
}

func cmdLink(ctx context.Context, e *env, args []string) error {
	p := database.CreateViewParams{DatabaseID: args[0], ViewID: args[1], Layout: database.LayoutGrid}
	if len(args) > 2 {
		p.Name = args[2]
	}
	return e.ws.CreateDatabaseLinkedView(ctx, p)
}

func cmdDeleteView(ctx context.Context, e *env, args []string) error {
	return e.ws.DeleteView(ctx, args[0], args[1])
}

func cmdDuplicate(ctx context.Context, e *env, args []string) error {
	d, err := e.ws.DuplicateDatabase(ctx, args[0])
	if err != nil {
		return err
	}
	return e.print(map[string]string{"database": d.ID(), "inline_view": d.InlineViewID()})
}

func cmdDelete(_ context.Context, e *env, args []string) error {
	return e.ws.DeleteDatabase(args[0])
}

func cmdSnapshots(_ context.Context, e *env, args []string) error {
	type out struct {
		Seq     uint64    `yaml:"seq"`
		Created time.Time `yaml:"created"`
		Updates int       `yaml:"updates"`
		Bytes   int       `yaml:"bytes"`
	}
	var all []out
	for _, s := range e.ws.GetDatabaseSnapshots(args[0]) {
		all = append(all, out{Seq: s.Seq, Created: s.CreatedAt, Updates: s.UpdateCount, Bytes: len(s.Data)})
	}
	return e.print(all)
}

func cmdRestore(_ context.Context, e *env, args []string) error {
	seq, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid snapshot sequence %q: %w", args[1], err)
	}
	var snap *kvdb.Snapshot
	for _, s := range e.ws.GetDatabaseSnapshots(args[0]) {
		if s.Seq == seq {
			snap = &s
			break
		}
	}
	if snap == nil {
		return fmt.Errorf("no snapshot %d for database %s", seq, args[0])
	}
	d, err := e.ws.RestoreDatabaseFromSnapshot(args[0], *snap)
	if err != nil {
		return err
	}
	defer d.Close()
	data := d.Duplicate("")
	return e.print(map[string]any{"view": data.View.Name, "rows": toRowsOut(data.Rows)})
}

func cmdWatch(ctx context.Context, e *env, args []string) error {
	d, err := e.database(ctx, args[0])
	if err != nil {
		return err
	}
	if err := config.Watch(ctx, e.dataDir, func(c *config.Config) {
		e.level.Set(c.Level())
		slog.InfoContext(ctx, "configuration reloaded", "log_level", c.LogLevel)
	}); err != nil {
		slog.WarnContext(ctx, "not watching configuration", "error", err)
	}
	fetched, stopFetched := d.SubscribeBlock()
	defer stopFetched()
	changes, stopChanges := d.Notifier().Rows.Subscribe()
	defer stopChanges()
	d.LoadAllRows()
	slog.InfoContext(ctx, "watching", "database", d.ID())
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fetched:
			if !ok {
				return errors.New("database closed")
			}
			rows := make([]database.Row, 0, len(ev.Rows))
			for _, r := range ev.Rows {
				rows = append(rows, r.Row)
			}
			if err := e.print(map[string]any{"fetched": toRowsOut(rows)}); err != nil {
				return err
			}
		case c, ok := <-changes:
			if !ok {
				return errors.New("database closed")
			}
			if err := e.print(map[string]string{c.Kind.String(): c.RowID}); err != nil {
				return err
			}
		}
	}
}

func cmdDocs(_ context.Context, e *env, _ []string) error {
	ids, err := e.store.DocIDs(e.cfg.UID)
	if err != nil {
		return err
	}
	return e.print(ids)
}

func cmdConfigSchema(_ context.Context, e *env, _ []string) error {
	b, err := config.Schema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(e.out, "%s\n", b)
	return err
}
