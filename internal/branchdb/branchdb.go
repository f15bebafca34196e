// Package branchdb maintains the branch registry of a project and the
// operations that move branches through their lifecycle.
//
// Every branch is a document in the docstore holding a files map; the
// project metadata document holds the registry of branch records plus a
// pointer to the main branch. The package provides:
//   - Creating a project (main branch doc + metadata doc)
//   - Forking, merging, deleting branches, and preview branches for merge
//     review and revert review
//   - Committing filesystem batches into a branch document
//   - Reading the file set at any point in history, with binary content
//     resolved through linked documents
//   - Diffing two points in history over a fast ancestor path or a slow
//     full-comparison path
package branchdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/weftlabs/weft/internal/docstore"
	"github.com/weftlabs/weft/internal/fswatch"
	"github.com/weftlabs/weft/internal/metrics"
	"github.com/weftlabs/weft/internal/watch"
)

// Registry keys inside the metadata document.
const (
	metaKeyBranches = "branches"
	metaKeyMain     = "main"
)

// ErrUnknownBranch is returned for operations on a branch id that has no
// registry entry.
var ErrUnknownBranch = errors.New("unknown branch")

// Options configures a DB.
type Options struct {
	Log      zerolog.Logger
	Username string
	Ignore   *fswatch.Ignore
	Metrics  *metrics.Metrics
}

// DB is the loaded branch registry for one project.
type DB struct {
	store    *docstore.Store
	log      zerolog.Logger
	met      *metrics.Metrics
	username string
	ignore   *fswatch.Ignore

	meta   *docstore.Handle
	metaID docstore.DocumentID

	mu     sync.Mutex
	mainID docstore.DocumentID
	states map[docstore.DocumentID]*BranchState

	checkedOut *watch.Cell[*HistoryRef]
}

func newDB(store *docstore.Store, meta *docstore.Handle, opts Options) *DB {
	if opts.Ignore == nil {
		opts.Ignore = fswatch.NewIgnore(fswatch.DefaultIgnoreGlobs...)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}
	return &DB{
		store:      store,
		log:        opts.Log.With().Str("component", "branchdb").Logger(),
		met:        opts.Metrics,
		username:   opts.Username,
		ignore:     opts.Ignore,
		meta:       meta,
		metaID:     meta.DocumentID(),
		states:     make(map[docstore.DocumentID]*BranchState),
		checkedOut: watch.NewCell[*HistoryRef](nil),
	}
}

// Init creates a fresh project: a main branch document carrying an empty
// files map under a setup commit, and a metadata document holding the
// registry and main pointer.
func Init(ctx context.Context, store *docstore.Store, opts Options) (*DB, error) {
	main, err := store.Create(ctx)
	if err != nil {
		return nil, fmt.Errorf("create main branch doc: %w", err)
	}
	setupMeta := docstore.CommitMetadata{
		Username: opts.Username,
		BranchID: main.DocumentID(),
		IsSetup:  true,
	}
	if _, err := main.Transact(ctx, nil, setupMeta, func(tx *docstore.Tx) error {
		return tx.Put(nil, "files", map[string]any{})
	}); err != nil {
		return nil, fmt.Errorf("initialize main branch: %w", err)
	}

	meta, err := store.Create(ctx)
	if err != nil {
		return nil, fmt.Errorf("create metadata doc: %w", err)
	}
	db := newDB(store, meta, opts)
	record := BranchRecord{
		ID:        main.DocumentID(),
		Name:      "main",
		CreatedBy: opts.Username,
		CreatedAt: time.Now().UTC(),
	}
	if err := db.writeMetadata(ctx, func(tx *docstore.Tx) error {
		if err := tx.Put(nil, metaKeyMain, string(record.ID)); err != nil {
			return err
		}
		return putRecord(tx, record)
	}); err != nil {
		return nil, fmt.Errorf("initialize metadata doc: %w", err)
	}
	if err := db.RefreshMetadata(ctx); err != nil {
		return nil, err
	}
	return db, nil
}

// Load opens an existing project by its metadata document id. The metadata
// document may still be empty when it has not replicated yet; the registry
// fills in as changes arrive.
func Load(ctx context.Context, store *docstore.Store, metaID docstore.DocumentID, opts Options) (*DB, error) {
	meta, found, err := store.Find(ctx, metaID)
	if err != nil {
		return nil, fmt.Errorf("load metadata doc %s: %w", metaID, err)
	}
	if !found {
		meta = store.Adopt(metaID)
	}
	db := newDB(store, meta, opts)
	if err := db.RefreshMetadata(ctx); err != nil {
		return nil, err
	}
	return db, nil
}

// Store returns the underlying document store.
func (db *DB) Store() *docstore.Store { return db.store }

// MetadataDocID returns the id of the project metadata document.
func (db *DB) MetadataDocID() docstore.DocumentID { return db.metaID }

// MetadataHandle returns the metadata document handle, for subscriptions.
func (db *DB) MetadataHandle() *docstore.Handle { return db.meta }

// MainID returns the main branch id, or empty before the registry has
// replicated.
func (db *DB) MainID() docstore.DocumentID {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.mainID
}

// Branch returns the loaded state for id.
func (db *DB) Branch(id docstore.DocumentID) (*BranchState, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	s, ok := db.states[id]
	return s, ok
}

// Branches returns every loaded branch state, sorted by name then id.
func (db *DB) Branches() []*BranchState {
	db.mu.Lock()
	out := make([]*BranchState, 0, len(db.states))
	for _, s := range db.states {
		out = append(out, s)
	}
	db.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Record.Name != out[j].Record.Name {
			return out[i].Record.Name < out[j].Record.Name
		}
		return out[i].Record.ID < out[j].Record.ID
	})
	return out
}

// ShouldIgnore reports whether a slash-relative path is excluded from
// mirroring and committing.
func (db *DB) ShouldIgnore(path string) bool { return db.ignore.Match(path) }

// Ignore returns the shared ignore matcher, for the watcher.
func (db *DB) Ignore() *fswatch.Ignore { return db.ignore }

// CheckedOutRef returns the ref currently mirrored to the filesystem, or
// nil when nothing is checked out.
func (db *DB) CheckedOutRef() *HistoryRef { return db.checkedOut.Get() }

// SetCheckedOutRef publishes the ref now mirrored to the filesystem. Only
// the mirror's Doc-to-FS side writes this.
func (db *DB) SetCheckedOutRef(ref *HistoryRef) { db.checkedOut.Set(ref) }

// SubscribeCheckedOut delivers checked-out ref updates until ctx is done.
func (db *DB) SubscribeCheckedOut(ctx context.Context) <-chan *HistoryRef {
	return db.checkedOut.Subscribe(ctx)
}

// GetLatestRefOnBranch returns the newest usable ref on a branch: its
// synced heads. Nil until at least one head set has fully synced, so a
// checkout can never land on history with missing binaries.
func (db *DB) GetLatestRefOnBranch(id docstore.DocumentID) *HistoryRef {
	db.mu.Lock()
	defer db.mu.Unlock()
	s, ok := db.states[id]
	if !ok || len(s.SyncedHeads) == 0 {
		return nil
	}
	ref := NewHistoryRef(id, s.SyncedHeads)
	return &ref
}

// writeMetadata runs one transaction against the metadata document.
func (db *DB) writeMetadata(ctx context.Context, fn func(*docstore.Tx) error) error {
	meta := docstore.CommitMetadata{Username: db.username}
	_, err := db.meta.Transact(ctx, nil, meta, fn)
	return err
}

func putRecord(tx *docstore.Tx, rec BranchRecord) error {
	return tx.Put([]string{metaKeyBranches}, string(rec.ID), rec)
}

// RefreshMetadata re-reads the registry from the metadata document and
// reconciles the loaded branch states: new records get a state (loading or
// adopting their document), removed records are dropped, and every kept
// branch is refreshed.
func (db *DB) RefreshMetadata(ctx context.Context) error {
	snapshot := db.meta.Snapshot()

	var mainID docstore.DocumentID
	if v, ok := snapshot[metaKeyMain].(string); ok {
		mainID = docstore.DocumentID(v)
	}

	records := make(map[docstore.DocumentID]BranchRecord)
	if reg, ok := snapshot[metaKeyBranches].(map[string]any); ok {
		for key, raw := range reg {
			rec, err := decodeRegistryEntry(raw)
			if err != nil {
				db.log.Warn().Err(err).Str("entry", key).Msg("skipping malformed branch record")
				continue
			}
			records[rec.ID] = rec
		}
	}

	db.mu.Lock()
	db.mainID = mainID
	for id := range db.states {
		if _, ok := records[id]; !ok {
			delete(db.states, id)
		}
	}
	var toLoad []BranchRecord
	for id, rec := range records {
		if s, ok := db.states[id]; ok {
			s.Record = rec
			continue
		}
		toLoad = append(toLoad, rec)
	}
	db.mu.Unlock()

	for _, rec := range toLoad {
		handle, found, err := db.store.Find(ctx, rec.ID)
		if err != nil {
			return fmt.Errorf("load branch doc %s: %w", rec.ID, err)
		}
		if !found {
			handle = db.store.Adopt(rec.ID)
		}
		db.mu.Lock()
		db.states[rec.ID] = &BranchState{Record: rec, Handle: handle}
		db.mu.Unlock()
	}

	db.mu.Lock()
	ids := make([]docstore.DocumentID, 0, len(db.states))
	for id := range db.states {
		ids = append(ids, id)
	}
	db.met.BranchesTracked.Set(float64(len(db.states)))
	db.mu.Unlock()

	for _, id := range ids {
		if _, err := db.RefreshBranch(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// RefreshBranch recomputes a branch's derived state: its linked binary
// documents and its synced heads. Synced heads advance to the document's
// current heads only once every binary referenced there is locally
// resolved. Returns true when the synced heads moved.
func (db *DB) RefreshBranch(ctx context.Context, id docstore.DocumentID) (bool, error) {
	db.mu.Lock()
	s, ok := db.states[id]
	db.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("refresh branch %s: %w", id, ErrUnknownBranch)
	}

	heads := s.Handle.Heads()
	if len(heads) == 0 {
		return false, nil
	}
	snapshot := s.Handle.SnapshotAt(heads)
	files, _ := snapshot["files"].(map[string]any)
	linked := linkedDocIDs(files)

	resolved := 0
	allResolved := true
	for _, docID := range linked {
		h, found, err := db.store.Find(ctx, docID)
		if err != nil {
			return false, fmt.Errorf("resolve linked doc %s: %w", docID, err)
		}
		if !found || len(h.Heads()) == 0 {
			allResolved = false
			continue
		}
		resolved++
	}

	db.mu.Lock()
	s.LinkedDocIDs = linked
	moved := false
	if allResolved && !docstore.HeadsEqual(s.SyncedHeads, heads) {
		s.SyncedHeads = heads
		moved = true
	}
	db.mu.Unlock()

	db.met.LinkedDocsLoaded.Set(float64(resolved))
	if moved {
		db.log.Debug().Str("branch", string(id)).Int("linked", len(linked)).Msg("synced heads advanced")
	}
	return moved, nil
}

func decodeRegistryEntry(raw any) (BranchRecord, error) {
	buf, err := json.Marshal(raw)
	if err != nil {
		return BranchRecord{}, fmt.Errorf("encode registry entry: %w", err)
	}
	return decodeRecord(buf)
}
