// Package main is the entry point for the collabdb command line tool.
//
// collabdb manages the collaborative databases of local workspaces: tables
// whose rows are CRDT documents stored in an embedded key value store and
// optionally mirrored to a git repository. Configuration is read from CLI
// flags, COLLABDB_* environment variables and collabdb.json in the data
// directory.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"gopkg.in/yaml.v3"

	"github.com/maruel/collabdb/internal/collab"
	"github.com/maruel/collabdb/internal/config"
	"github.com/maruel/collabdb/internal/database"
	"github.com/maruel/collabdb/internal/kvdb"
	"github.com/maruel/collabdb/internal/registry"
	"github.com/maruel/collabdb/internal/remote"
)

// storeFile is the document store inside the data directory.
const storeFile = "collab.db"

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "collabdb: %v\n", err)
		os.Exit(1)
	}
}

func mainImpl() error {
	version := flag.Bool("version", false, "Print version and exit")
	dataDir := flag.String("data-dir", "./data", "Data directory")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	wsName := flag.String("workspace", "", "Workspace name or id; defaults to the only registered workspace")
	flag.Usage = usage
	flag.Parse()

	if *version {
		return printVersion(os.Stdout)
	}
	if flag.NArg() == 0 {
		usage()
		return errors.New("missing command")
	}
	cmd, ok := lookupCommand(flag.Arg(0))
	if !ok {
		return fmt.Errorf("unknown command: %q", flag.Arg(0))
	}
	args := flag.Args()[1:]
	if len(args) < cmd.minArgs {
		return fmt.Errorf("usage: collabdb %s %s", cmd.name, cmd.args)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()
	ll := &slog.LevelVar{}
	slog.SetDefault(newLogger(os.Stderr, ll))

	cfg, err := config.Load(*dataDir)
	if err != nil {
		return err
	}
	// Flags win over the file and the environment.
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if set["log-level"] {
		cfg.LogLevel = *logLevel
	}
	lvl, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	ll.Set(lvl)

	e := &env{dataDir: *dataDir, cfg: cfg, level: ll, out: os.Stdout}
	defer e.close()
	if e.reg, err = registry.Open(*dataDir); err != nil {
		return fmt.Errorf("failed to open workspace registry: %w", err)
	}
	if cmd.needs >= needStore {
		if err := e.openStore(); err != nil {
			return err
		}
	}
	if cmd.needs >= needWorkspace {
		if err := e.openWorkspace(ctx, *wsName); err != nil {
			return err
		}
	}
	return cmd.run(ctx, e, args)
}

func newLogger(w io.Writer, ll *slog.LevelVar) *slog.Logger {
	// Skip timestamps when running under systemd (it adds its own).
	underSystemd := os.Getenv("JOURNAL_STREAM") != ""
	noColor := true
	if f, ok := w.(*os.File); ok {
		noColor = !isatty.IsTerminal(f.Fd())
		w = colorable.NewColorable(f)
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      ll,
		TimeFormat: "15:04:05.000",
		NoColor:    noColor,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if underSystemd && a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			skip := false
			switch t := a.Value.Any().(type) {
			case string:
				skip = t == ""
			case bool:
				skip = !t
			case int64:
				skip = t == 0
			case uint64:
				skip = t == 0
			case float64:
				skip = t == 0
			case time.Time:
				skip = t.IsZero()
			case time.Duration:
				skip = t == 0
			case nil:
				skip = true
			}
			if skip {
				return slog.Attr{}
			}
			return a
		},
	}))
}

// env holds what a command runs against. Fields are set according to the
// command's needs.
type env struct {
	dataDir string
	cfg     *config.Config
	level   *slog.LevelVar
	out     io.Writer

	reg       *registry.Registry
	store     *kvdb.DB
	peer      *remote.GitPeer
	service   database.CollabService
	workspace registry.Workspace
	ws        *database.WorkspaceDatabase
}

func (e *env) openStore() error {
	db, err := kvdb.Open(filepath.Join(e.dataDir, storeFile), e.cfg.StoreOptions())
	if err != nil {
		return err
	}
	e.store = db
	var r database.Remote = remote.Local{}
	if dir := e.cfg.Remote.GitDir; dir != "" {
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(e.dataDir, dir)
		}
		peer, err := remote.OpenGitPeer(dir, e.cfg.Remote.AuthorName, e.cfg.Remote.AuthorEmail)
		if err != nil {
			return fmt.Errorf("failed to open git peer: %w", err)
		}
		e.peer = peer
		r = peer
	}
	e.service = database.NewCollabService(r)
	return nil
}

// openWorkspace loads the workspace document, seeding it from the remote
// when it only exists there.
func (e *env) openWorkspace(ctx context.Context, name string) error {
	w, err := e.selectWorkspace(name)
	if err != nil {
		return err
	}
	e.workspace = w
	var state []byte
	if !e.store.IsExist(w.UID, w.ObjectID) {
		if state, err = e.service.GetDocState(ctx, w.ObjectID, collab.WorkspaceDatabase); err != nil {
			slog.WarnContext(ctx, "failed to fetch workspace document", "workspace", w.Name, "error", err)
		}
	}
	opts := e.cfg.DatabaseOptions()
	c := e.service.BuildCollab(w.UID, w.ObjectID, collab.WorkspaceDatabase, e.store.Handle(), state, opts.Persistence)
	e.ws = database.NewWorkspaceDatabase(w.UID, c, e.store.Handle(), e.service, opts)
	return nil
}

func (e *env) selectWorkspace(name string) (registry.Workspace, error) {
	if name != "" {
		return e.reg.Lookup(name)
	}
	all := e.reg.List()
	switch len(all) {
	case 0:
		return registry.Workspace{}, errors.New("no workspace registered; run \"collabdb workspace-create NAME\"")
	case 1:
		return all[0], nil
	default:
		return registry.Workspace{}, errors.New("several workspaces registered; pass -workspace")
	}
}

func (e *env) close() {
	if e.ws != nil {
		e.ws.Close()
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			slog.Error("failed to close store", "error", err)
		}
	}
}

// print writes v as YAML.
func (e *env) print(v any) error {
	enc := yaml.NewEncoder(e.out)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "usage: collabdb [flags] <command> [args]\n\ncommands:\n")
	for _, c := range commands {
		fmt.Fprintf(out, "  %-18s %s\n", c.name+" "+c.args, c.help)
	}
	fmt.Fprintf(out, "\nflags:\n")
	flag.PrintDefaults()
}

// buildInfo is what -version reports.
type buildInfo struct {
	Version   string `yaml:"version"`
	Go        string `yaml:"go"`
	Revision  string `yaml:"revision,omitempty"`
	Modified  bool   `yaml:"modified,omitempty"`
	Automerge string `yaml:"automerge,omitempty"`
	Bolt      string `yaml:"bbolt,omitempty"`
}

func readBuildInfo() buildInfo {
	b := buildInfo{Version: "dev", Go: runtime.Version()}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return b
	}
	if v := info.Main.Version; v != "" && v != "(devel)" {
		b.Version = v
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			b.Revision = s.Value
		case "vcs.modified":
			b.Modified = s.Value == "true"
		}
	}
	// The storage formats are owned by these two modules.
	for _, d := range info.Deps {
		switch d.Path {
		case "github.com/automerge/automerge-go":
			b.Automerge = d.Version
		case "go.etcd.io/bbolt":
			b.Bolt = d.Version
		}
	}
	return b
}

func printVersion(w io.Writer) error {
	return (&env{out: w}).print(readBuildInfo())
}
