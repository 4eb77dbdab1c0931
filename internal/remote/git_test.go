package remote

import (
	"context"
	"path/filepath"
	"testing"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/maruel/collabdb/internal/collab"
)

func newPeer(t *testing.T) *GitPeer {
	t.Helper()
	p, err := OpenGitPeer(filepath.Join(t.TempDir(), "peer"), "collabdb", "collabdb@localhost")
	if err != nil {
		t.Fatalf("OpenGitPeer failed: %v", err)
	}
	return p
}

func TestGitPeer(t *testing.T) {
	ctx := t.Context()
	p := newPeer(t)

	got, err := p.GetDocState(ctx, "row1", collab.DatabaseRow)
	if err != nil || got != nil {
		t.Fatalf("GetDocState on empty repo = %q, %v", got, err)
	}

	author := Author{Name: "alice", Email: "alice@example.com"}
	states := map[string][]byte{"row1": []byte("s1"), "row2": []byte("s2")}
	if err := p.Publish(ctx, author, collab.DatabaseRow, states); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := p.Publish(ctx, author, collab.DatabaseRow, states); err != nil {
		t.Fatalf("second Publish failed: %v", err)
	}
	if n, _ := p.CommitCount(ctx); n != 1 {
		t.Errorf("CommitCount() = %d, want 1", n)
	}

	m, err := p.BatchGetDocState(ctx, []string{"row1", "row2", "row3"}, collab.DatabaseRow)
	if err != nil {
		t.Fatalf("BatchGetDocState failed: %v", err)
	}
	if len(m) != 2 || string(m["row1"]) != "s1" || string(m["row2"]) != "s2" {
		t.Errorf("BatchGetDocState = %v", m)
	}
	if got, _ := p.GetDocState(ctx, "row1", collab.Database); got != nil {
		t.Errorf("object type not isolated: %q", got)
	}

	if err := p.Remove(ctx, author, collab.DatabaseRow, "row1"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if got, _ := p.GetDocState(ctx, "row1", collab.DatabaseRow); got != nil {
		t.Errorf("removed state still served: %q", got)
	}
	if err := p.Remove(ctx, author, collab.DatabaseRow, "missing"); err != nil {
		t.Errorf("Remove(missing) failed: %v", err)
	}
}

func TestGitPeerPush(t *testing.T) {
	ctx := t.Context()
	p := newPeer(t)
	bareDir := filepath.Join(t.TempDir(), "bare.git")
	bare, err := gogit.PlainInit(bareDir, true)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Publish(ctx, Author{}, collab.Database, map[string][]byte{"db": []byte("x")}); err != nil {
		t.Fatal(err)
	}
	if err := p.SetRemote(ctx, "origin", bareDir); err != nil {
		t.Fatalf("SetRemote failed: %v", err)
	}
	if err := p.SetRemote(ctx, "origin", bareDir); err != nil {
		t.Fatalf("SetRemote replace failed: %v", err)
	}
	if err := p.Push(ctx, "origin", ""); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if _, err := bare.Reference(plumbing.NewBranchReferenceName("master"), true); err != nil {
		t.Errorf("branch missing on remote: %v", err)
	}
	if err := p.SetRemote(ctx, "origin", ""); err != nil {
		t.Errorf("SetRemote remove failed: %v", err)
	}
	if err := p.SetRemote(ctx, "origin", ""); err != nil {
		t.Errorf("SetRemote remove twice failed: %v", err)
	}
}

func TestLocal(t *testing.T) {
	var l Local
	if s, err := l.GetDocState(context.Background(), "x", collab.Database); s != nil || err != nil {
		t.Errorf("GetDocState = %q, %v", s, err)
	}
	m, err := l.BatchGetDocState(context.Background(), []string{"x"}, collab.Database)
	if err != nil || len(m) != 0 {
		t.Errorf("BatchGetDocState = %v, %v", m, err)
	}
}
