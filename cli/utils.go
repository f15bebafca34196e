package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/weftlabs/weft/internal/branchdb"
	"github.com/weftlabs/weft/internal/config"
	"github.com/weftlabs/weft/internal/docstore"
	"github.com/weftlabs/weft/internal/fswatch"
	"github.com/weftlabs/weft/internal/logging"
	"github.com/weftlabs/weft/internal/scene"
)

// project is an opened weft project for one-shot commands. The caller must
// close it to flush the store.
type project struct {
	root  string
	cfg   *config.Config
	store *docstore.Store
	db    *branchdb.DB
}

func (p *project) close(ctx context.Context) {
	if err := p.store.Close(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "warning: close store: %v\n", err)
	}
}

// findRoot walks upward from the working directory until it finds a
// directory with a weft.json.
func findRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, config.ConfigFileName)); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not in a weft project (no %s found)", config.ConfigFileName)
		}
		dir = parent
	}
}

// openProject loads the config and branch database of the enclosing
// project without starting the sync engine.
func openProject(ctx context.Context) (*project, error) {
	root, err := findRoot()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}
	if cfg.Project.MetadataDocID == "" {
		return nil, fmt.Errorf("project at %s is not initialized, run 'weft init'", root)
	}

	log := logging.New(logging.Options{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})
	store, err := docstore.Open(cfg.StorePath(root), log)
	if err != nil {
		return nil, err
	}
	globs := append([]string{}, cfg.Project.Ignore...)
	globs = append(globs, fswatch.ParseIgnoreFile(filepath.Join(root, ".weftignore"))...)
	db, err := branchdb.Load(ctx, store, docstore.DocumentID(cfg.Project.MetadataDocID), branchdb.Options{
		Log:      log,
		Username: cfg.User.Name,
		Ignore:   fswatch.NewIgnore(globs...),
	})
	if err != nil {
		_ = store.Close(ctx)
		return nil, err
	}
	return &project{root: root, cfg: cfg, store: store, db: db}, nil
}

// resolveBranch accepts a branch name or an id prefix and returns the
// matching branch state.
func resolveBranch(db *branchdb.DB, arg string) (*branchdb.BranchState, error) {
	var byID *branchdb.BranchState
	var byName []*branchdb.BranchState
	for _, s := range db.Branches() {
		if s.Record.Name == arg {
			byName = append(byName, s)
		}
		if strings.HasPrefix(string(s.Record.ID), arg) {
			byID = s
		}
	}
	switch {
	case len(byName) == 1:
		return byName[0], nil
	case len(byName) > 1:
		return nil, fmt.Errorf("branch name %q is ambiguous, use an id", arg)
	case byID != nil:
		return byID, nil
	default:
		return nil, fmt.Errorf("no branch named %q", arg)
	}
}

// latestRef returns the newest synced ref of a branch, or an error when
// the branch has nothing usable yet.
func latestRef(db *branchdb.DB, id docstore.DocumentID) (branchdb.HistoryRef, error) {
	ref := db.GetLatestRefOnBranch(id)
	if ref == nil {
		return branchdb.HistoryRef{}, fmt.Errorf("branch %s has no synced state yet", id)
	}
	return *ref, nil
}

// sceneCodec returns the structured-file codec for CLI commands. Scene
// parsing is engine-provided at runtime; one-shot commands treat scene
// files as plain structured JSON.
func sceneCodec() scene.Codec { return scene.JSONCodec{} }
