package main

import (
	"bytes"
	"log/slog"
	"runtime"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/maruel/collabdb/internal/collab"
	"github.com/maruel/collabdb/internal/config"
	"github.com/maruel/collabdb/internal/registry"
)

func newTestEnv(t *testing.T, gitDir string) (*env, *bytes.Buffer) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Remote.GitDir = gitDir
	buf := &bytes.Buffer{}
	e := &env{dataDir: dir, cfg: &cfg, level: &slog.LevelVar{}, out: buf}
	t.Cleanup(e.close)
	var err error
	if e.reg, err = registry.Open(dir); err != nil {
		t.Fatal(err)
	}
	if _, err := e.reg.Create("main", cfg.UID); err != nil {
		t.Fatal(err)
	}
	if err := e.openStore(); err != nil {
		t.Fatal(err)
	}
	if err := e.openWorkspace(t.Context(), ""); err != nil {
		t.Fatal(err)
	}
	return e, buf
}

func run(t *testing.T, e *env, buf *bytes.Buffer, name string, args ...string) map[string]any {
	t.Helper()
	c, ok := lookupCommand(name)
	if !ok {
		t.Fatalf("unknown command %q", name)
	}
	buf.Reset()
	if err := c.run(t.Context(), e, args); err != nil {
		t.Fatalf("%s %v failed: %v", name, args, err)
	}
	var out map[string]any
	_ = yaml.Unmarshal(buf.Bytes(), &out)
	return out
}

func TestPrintVersion(t *testing.T) {
	var buf bytes.Buffer
	if err := printVersion(&buf); err != nil {
		t.Fatal(err)
	}
	var got buildInfo
	if err := yaml.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("invalid output %q: %v", buf.String(), err)
	}
	if got.Version == "" || got.Go != runtime.Version() {
		t.Errorf("version = %+v", got)
	}
}

func TestParseCells(t *testing.T) {
	tests := []struct {
		in      []string
		want    map[string]string
		wantErr bool
	}{
		{in: []string{"a=1", "b=x=y"}, want: map[string]string{"a": "1", "b": "x=y"}},
		{in: []string{"a="}, want: map[string]string{"a": ""}},
		{in: []string{"novalue"}, wantErr: true},
		{in: []string{"=1"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.in, " "), func(t *testing.T) {
			got, err := parseCells(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseCells() error = %v", err)
			}
			for k, v := range tt.want {
				if got[k]["data"] != v {
					t.Errorf("cell %s = %v, want %q", k, got[k], v)
				}
			}
		})
	}
}

func TestCommands(t *testing.T) {
	e, buf := newTestEnv(t, "")
	created := run(t, e, buf, "create", "tasks", "title", "owner")
	dbID, _ := created["database"].(string)
	view, _ := created["inline_view"].(string)
	if dbID == "" || view == "" {
		t.Fatalf("create output = %v", created)
	}
	row := run(t, e, buf, "add-row", dbID, "title=write tests", "owner=me")["row"].(string)
	run(t, e, buf, "set", dbID, row, "owner=you")
	run(t, e, buf, "rows", view)
	if out := buf.String(); !strings.Contains(out, "write tests") || !strings.Contains(out, "you") {
		t.Errorf("rows output:\n%s", out)
	}

	run(t, e, buf, "link", dbID, "board", "Board")
	run(t, e, buf, "views", dbID)
	if !strings.Contains(buf.String(), "Board") {
		t.Errorf("views output:\n%s", buf.String())
	}
	dup := run(t, e, buf, "duplicate", "board")
	if dup["database"] == dbID {
		t.Error("duplicate reused the database id")
	}
	run(t, e, buf, "delete-view", dbID, view)
	run(t, e, buf, "list")
	if strings.Contains(buf.String(), dbID) {
		t.Errorf("deleted database still listed:\n%s", buf.String())
	}

	if _, ok := lookupCommand("nope"); ok {
		t.Error("lookupCommand(nope) succeeded")
	}
	c, _ := lookupCommand("publish")
	if err := c.run(t.Context(), e, nil); err != errNoPeer {
		t.Errorf("publish without peer error = %v", err)
	}
}

func TestPublish(t *testing.T) {
	e, buf := newTestEnv(t, "peer")
	created := run(t, e, buf, "create", "notes")
	dbID := created["database"].(string)
	row := run(t, e, buf, "add-row", dbID, "name=first")["row"].(string)
	run(t, e, buf, "publish")

	for _, d := range []struct {
		id  string
		typ collab.ObjectType
	}{
		{e.workspace.ObjectID, collab.WorkspaceDatabase},
		{dbID, collab.Database},
		{row, collab.DatabaseRow},
	} {
		state, err := e.peer.GetDocState(t.Context(), d.id, d.typ)
		if err != nil || len(state) == 0 {
			t.Errorf("%s %s not published: %v", d.typ, d.id, err)
		}
	}
	n, err := e.peer.CommitCount(t.Context())
	if err != nil || n != 3 {
		t.Errorf("CommitCount() = %d, %v; want 3", n, err)
	}
}
