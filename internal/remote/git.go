// Serves and publishes document states through a go-git repository.

package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/maruel/collabdb/internal/collab"
)

// Author identifies who published a document state.
type Author struct {
	Name  string
	Email string
}

// GitPeer serves document states committed to a git repository. The state
// of a document lives at "<object type>/<object id>" in HEAD.
type GitPeer struct {
	dir          string
	defaultName  string
	defaultEmail string

	mu   sync.Mutex
	repo *gogit.Repository
}

// OpenGitPeer opens the repository in dir, initializing it when needed.
func OpenGitPeer(dir, defaultName, defaultEmail string) (*GitPeer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil { //nolint:gosec // G301: data directory
		return nil, fmt.Errorf("failed to create repo directory: %w", err)
	}
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		repo, err = gogit.PlainInit(dir, false)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize git repo: %w", err)
		}
		cfg, err := repo.Config()
		if err != nil {
			return nil, fmt.Errorf("failed to read git config: %w", err)
		}
		cfg.User.Name = defaultName
		cfg.User.Email = defaultEmail
		if err := repo.SetConfig(cfg); err != nil {
			return nil, fmt.Errorf("failed to write git config: %w", err)
		}
	}
	return &GitPeer{dir: dir, defaultName: defaultName, defaultEmail: defaultEmail, repo: repo}, nil
}

// Dir returns the working directory of the repository.
func (p *GitPeer) Dir() string {
	return p.dir
}

func docPath(oid string, typ collab.ObjectType) string {
	return path.Join(typ.String(), oid)
}

// GetDocState returns the committed state of oid, or nil when it was never
// published.
func (p *GitPeer) GetDocState(ctx context.Context, oid string, typ collab.ObjectType) ([]byte, error) {
	m, err := p.BatchGetDocState(ctx, []string{oid}, typ)
	if err != nil {
		return nil, err
	}
	return m[oid], nil
}

// BatchGetDocState returns the committed states of ids found in HEAD.
func (p *GitPeer) BatchGetDocState(ctx context.Context, ids []string, typ collab.ObjectType) (map[string][]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string][]byte, len(ids))
	tree, err := p.headTree()
	if err != nil || tree == nil {
		return out, err
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f, err := tree.File(docPath(id, typ))
		if errors.Is(err, object.ErrFileNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get %s: %w", id, err)
		}
		data, err := readFile(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", id, err)
		}
		out[id] = data
	}
	return out, nil
}

// headTree returns nil without error for a repository with no commit.
func (p *GitPeer) headTree() (*object.Tree, error) {
	ref, err := p.repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	c, err := p.repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("failed to get commit: %w", err)
	}
	return c.Tree()
}

func readFile(f *object.File) ([]byte, error) {
	r, err := f.Reader()
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

// Publish writes states and commits them in a single commit. Unchanged
// states produce no commit.
func (p *GitPeer) Publish(ctx context.Context, author Author, typ collab.ObjectType, states map[string][]byte) error {
	return p.commitTx(ctx, author, func(w *gogit.Worktree) (string, error) {
		for oid, state := range states {
			rel := docPath(oid, typ)
			abs := filepath.Join(p.dir, filepath.FromSlash(rel))
			if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil { //nolint:gosec // G301: data directory
				return "", err
			}
			if err := os.WriteFile(abs, state, 0o644); err != nil { //nolint:gosec // G306: published states are not secret
				return "", err
			}
			if _, err := w.Add(rel); err != nil {
				return "", fmt.Errorf("failed to stage %s: %w", rel, err)
			}
		}
		return fmt.Sprintf("publish %d %s", len(states), typ), nil
	})
}

// Remove deletes the published state of oid.
func (p *GitPeer) Remove(ctx context.Context, author Author, typ collab.ObjectType, oid string) error {
	return p.commitTx(ctx, author, func(w *gogit.Worktree) (string, error) {
		rel := docPath(oid, typ)
		if _, err := os.Stat(filepath.Join(p.dir, filepath.FromSlash(rel))); os.IsNotExist(err) {
			return "", nil
		}
		if _, err := w.Remove(rel); err != nil {
			return "", fmt.Errorf("failed to remove %s: %w", rel, err)
		}
		return "remove " + rel, nil
	})
}

func (p *GitPeer) commitTx(_ context.Context, author Author, fn func(w *gogit.Worktree) (string, error)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, err := p.repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree: %w", err)
	}
	msg, err := fn(w)
	if err != nil || msg == "" {
		return err
	}
	status, err := w.Status()
	if err != nil {
		return fmt.Errorf("failed to get worktree status: %w", err)
	}
	if status.IsClean() {
		return nil
	}
	name, email := author.Name, author.Email
	if name == "" {
		name = p.defaultName
	}
	if email == "" {
		email = p.defaultEmail
	}
	now := time.Now()
	_, err = w.Commit(msg, &gogit.CommitOptions{
		Author:    &object.Signature{Name: name, Email: email, When: now},
		Committer: &object.Signature{Name: p.defaultName, Email: p.defaultEmail, When: now},
	})
	if err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// CommitCount returns the number of commits reachable from HEAD.
func (p *GitPeer) CommitCount(context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	iter, err := p.repo.Log(&gogit.LogOptions{})
	if err != nil {
		return 0, nil
	}
	defer iter.Close()
	n := 0
	for {
		if _, err := iter.Next(); err != nil {
			break
		}
		n++
	}
	return n, nil
}

// SetRemote adds or replaces a remote. An empty url removes it.
func (p *GitPeer) SetRemote(_ context.Context, name, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if url == "" {
		if err := p.repo.DeleteRemote(name); err != nil && !errors.Is(err, gogit.ErrRemoteNotFound) {
			return err
		}
		return nil
	}
	if _, err := p.repo.Remote(name); err == nil {
		if err := p.repo.DeleteRemote(name); err != nil {
			return fmt.Errorf("failed to update remote: %w", err)
		}
	}
	_, err := p.repo.CreateRemote(&config.RemoteConfig{Name: name, URLs: []string{url}})
	return err
}

// Push sends branch to the remote. An empty branch pushes the current one.
func (p *GitPeer) Push(ctx context.Context, remoteName, branch string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	branch = p.branch(branch)
	remote, err := p.repo.Remote(remoteName)
	if err != nil {
		return fmt.Errorf("failed to get remote: %w", err)
	}
	refSpec := config.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch))
	err = remote.PushContext(ctx, &gogit.PushOptions{RemoteName: remoteName, RefSpecs: []config.RefSpec{refSpec}})
	if errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return nil
	}
	return err
}

// Pull fetches branch and fast-forwards the worktree. It reports whether
// HEAD moved.
func (p *GitPeer) Pull(ctx context.Context, remoteName, branch string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	branch = p.branch(branch)
	w, err := p.repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("failed to get worktree: %w", err)
	}
	err = w.PullContext(ctx, &gogit.PullOptions{
		RemoteName:    remoteName,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
	})
	if errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to pull: %w", err)
	}
	slog.InfoContext(ctx, "pulled documents", "remote", remoteName, "branch", branch)
	return true, nil
}

func (p *GitPeer) branch(b string) string {
	if b != "" {
		return b
	}
	if ref, err := p.repo.Head(); err == nil {
		return ref.Name().Short()
	}
	return "master"
}
