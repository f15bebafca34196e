// Package mirror reconciles the two directions of the sync loop: committing
// filesystem changes into the checked-out branch document (ToDoc) and
// materializing a point in history onto the filesystem (ToFS).
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/weftlabs/weft/internal/branchdb"
	"github.com/weftlabs/weft/internal/docstore"
	"github.com/weftlabs/weft/internal/fswatch"
	"github.com/weftlabs/weft/internal/metrics"
	"github.com/weftlabs/weft/internal/scene"
)

// sceneToMap converts a parsed scene tree into the opaque form stored in
// branch documents.
func sceneToMap(tree *scene.Tree) (map[string]any, error) {
	raw, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("encode scene tree: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode scene tree: %w", err)
	}
	return out, nil
}

func mapToScene(m map[string]any) (*scene.Tree, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode stored scene: %w", err)
	}
	var tree scene.Tree
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("decode stored scene: %w", err)
	}
	return &tree, nil
}

// contentFromBytes classifies raw file bytes into a document representation.
// Files the codec recognizes become structured scenes; valid UTF-8 becomes
// inline text; everything else becomes binary content.
func contentFromBytes(codec scene.Codec, log zerolog.Logger, path string, data []byte) branchdb.FileContent {
	if codec != nil && codec.Recognize(path) {
		tree, err := codec.Parse(data)
		if err == nil {
			m, merr := sceneToMap(tree)
			if merr == nil {
				return branchdb.SceneContent(m)
			}
			err = merr
		}
		log.Warn().Err(err).Str("path", path).Msg("scene parse failed, storing raw")
	}
	if utf8.Valid(data) {
		return branchdb.TextContent(string(data))
	}
	return branchdb.BinaryContent(data)
}

// bytesFromContent renders stored content back into file bytes.
func bytesFromContent(codec scene.Codec, path string, c branchdb.FileContent) ([]byte, error) {
	switch c.Kind {
	case branchdb.FileText:
		return []byte(c.Text), nil
	case branchdb.FileScene:
		tree, err := mapToScene(c.Scene)
		if err != nil {
			return nil, fmt.Errorf("render %q: %w", path, err)
		}
		if codec != nil {
			return codec.Serialize(tree)
		}
		return json.MarshalIndent(tree, "", "  ")
	case branchdb.FileBinary:
		return c.Binary, nil
	default:
		return nil, fmt.Errorf("render %q: unknown content kind %d", path, c.Kind)
	}
}

// ToDoc accumulates filesystem changes and commits them onto the checked-out
// ref as one transaction per Commit call.
type ToDoc struct {
	db      *branchdb.DB
	watcher *fswatch.Watcher
	codec   scene.Codec
	root    string
	log     zerolog.Logger
	met     *metrics.Metrics

	mu      sync.Mutex
	pending map[string]fswatch.Event
}

// NewToDoc builds the FS-to-document side of the mirror. codec may be nil
// when no scene format is registered.
func NewToDoc(db *branchdb.DB, watcher *fswatch.Watcher, codec scene.Codec, root string, log zerolog.Logger) *ToDoc {
	return &ToDoc{
		db:      db,
		watcher: watcher,
		codec:   codec,
		root:    root,
		log:     log.With().Str("component", "mirror.todoc").Logger(),
		met:     metrics.Default(),
		pending: make(map[string]fswatch.Event),
	}
}

// Observe records one watcher event as a pending change. Later events for
// the same path replace earlier ones.
func (d *ToDoc) Observe(ev fswatch.Event) {
	if d.db.ShouldIgnore(ev.Path) {
		return
	}
	d.mu.Lock()
	d.pending[ev.Path] = ev
	n := len(d.pending)
	d.mu.Unlock()
	d.met.PendingLocalChanges.Set(float64(n))
}

// PendingCount returns the number of paths waiting to be committed.
func (d *ToDoc) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *ToDoc) takePending() []fswatch.Event {
	d.mu.Lock()
	events := make([]fswatch.Event, 0, len(d.pending))
	for _, ev := range d.pending {
		events = append(events, ev)
	}
	d.pending = make(map[string]fswatch.Event)
	d.mu.Unlock()
	d.met.PendingLocalChanges.Set(0)
	return events
}

func (d *ToDoc) deltasFromEvents(events []fswatch.Event) []branchdb.FileDelta {
	deltas := make([]branchdb.FileDelta, 0, len(events))
	for _, ev := range events {
		switch ev.Kind {
		case fswatch.Deleted:
			deltas = append(deltas, branchdb.FileDelta{Path: ev.Path, Kind: docstore.FileRemoved})
		case fswatch.Created:
			deltas = append(deltas, branchdb.FileDelta{
				Path:    ev.Path,
				Kind:    docstore.FileAdded,
				Content: contentFromBytes(d.codec, d.log, ev.Path, ev.Content),
			})
		case fswatch.Modified:
			deltas = append(deltas, branchdb.FileDelta{
				Path:    ev.Path,
				Kind:    docstore.FileModified,
				Content: contentFromBytes(d.codec, d.log, ev.Path, ev.Content),
			})
		}
	}
	return deltas
}

// Commit writes every pending change onto the checked-out ref as one commit
// and advances the checked-out ref to the result. With nothing pending, or
// when every pending change turns out to match the document, the ref is
// returned unchanged.
func (d *ToDoc) Commit(ctx context.Context) (branchdb.HistoryRef, error) {
	cur := d.db.CheckedOutRef()
	if cur == nil {
		return branchdb.HistoryRef{}, fmt.Errorf("commit: nothing checked out")
	}
	events := d.takePending()
	if len(events) == 0 {
		return *cur, nil
	}

	ref, err := d.db.CommitFSChanges(ctx, *cur, d.deltasFromEvents(events), nil, false)
	if err != nil {
		return branchdb.HistoryRef{}, err
	}
	if !ref.Equal(*cur) {
		d.db.SetCheckedOutRef(&ref)
	}
	return ref, nil
}

// CheckIn imports the full working tree onto ref as one setup commit, for
// bringing an existing project under sync. Returns the resulting ref.
func (d *ToDoc) CheckIn(ctx context.Context, ref branchdb.HistoryRef) (branchdb.HistoryRef, error) {
	paths := d.watcher.TrackedPaths()
	deltas := make([]branchdb.FileDelta, 0, len(paths))
	for _, rel := range paths {
		if d.db.ShouldIgnore(rel) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(d.root, filepath.FromSlash(rel)))
		if err != nil {
			return branchdb.HistoryRef{}, fmt.Errorf("check in %q: %w", rel, err)
		}
		deltas = append(deltas, branchdb.FileDelta{
			Path:    rel,
			Kind:    docstore.FileAdded,
			Content: contentFromBytes(d.codec, d.log, rel, data),
		})
	}

	out, err := d.db.CommitFSChanges(ctx, ref, deltas, nil, true)
	if err != nil {
		return branchdb.HistoryRef{}, err
	}
	d.db.SetCheckedOutRef(&out)
	d.log.Info().Int("files", len(deltas)).Str("ref", out.String()).Msg("checked in working tree")
	return out, nil
}

// ToFS materializes points in history onto the filesystem.
type ToFS struct {
	db      *branchdb.DB
	watcher *fswatch.Watcher
	codec   scene.Codec
	log     zerolog.Logger
	met     *metrics.Metrics
}

// NewToFS builds the document-to-FS side of the mirror.
func NewToFS(db *branchdb.DB, watcher *fswatch.Watcher, codec scene.Codec, log zerolog.Logger) *ToFS {
	return &ToFS{
		db:      db,
		watcher: watcher,
		codec:   codec,
		log:     log.With().Str("component", "mirror.tofs").Logger(),
		met:     metrics.Default(),
	}
}

// CheckoutRef rewrites the working tree to match goal and publishes goal as
// the checked-out ref. The watcher is paused for the duration so our own
// writes never come back as user edits. Returns the effective file events,
// which is empty when the tree already matched.
func (f *ToFS) CheckoutRef(ctx context.Context, goal branchdb.HistoryRef) ([]fswatch.Event, error) {
	cur := f.db.CheckedOutRef()
	if cur != nil && cur.Equal(goal) {
		f.met.CheckoutsTotal.WithLabelValues("noop").Inc()
		return nil, nil
	}

	deltas, err := f.db.ChangedFilesBetweenRefs(ctx, cur, goal, false)
	if err != nil {
		f.met.CheckoutsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("checkout %s: %w", goal, err)
	}

	writes := make([]fswatch.Write, 0, len(deltas))
	for _, delta := range deltas {
		if delta.Kind == docstore.FileRemoved {
			writes = append(writes, fswatch.Write{Path: delta.Path, Delete: true})
			continue
		}
		data, err := bytesFromContent(f.codec, delta.Path, delta.Content)
		if err != nil {
			f.met.CheckoutsTotal.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("checkout %s: %w", goal, err)
		}
		writes = append(writes, fswatch.Write{Path: delta.Path, Content: data})
	}

	if err := f.watcher.Pause(ctx); err != nil {
		f.met.CheckoutsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("checkout %s: pause watcher: %w", goal, err)
	}
	events, applyErr := f.watcher.ApplyBatch(writes)
	if err := f.watcher.Resume(ctx); err != nil && applyErr == nil {
		applyErr = err
	}
	if applyErr != nil {
		f.met.CheckoutsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("checkout %s: %w", goal, applyErr)
	}

	f.db.SetCheckedOutRef(&goal)
	f.met.CheckoutsTotal.WithLabelValues("ok").Inc()
	f.met.FilesWrittenTotal.Add(float64(len(events)))
	f.log.Info().Str("ref", goal.String()).Int("files", len(events)).Msg("checked out")
	return events, nil
}
