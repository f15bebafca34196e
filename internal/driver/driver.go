// Package driver wires the whole sync engine together and runs the tick
// loop that keeps the filesystem and the checked-out branch document
// converged.
package driver

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/weftlabs/weft/internal/branchdb"
	"github.com/weftlabs/weft/internal/connection"
	"github.com/weftlabs/weft/internal/differ"
	"github.com/weftlabs/weft/internal/docstore"
	"github.com/weftlabs/weft/internal/fswatch"
	"github.com/weftlabs/weft/internal/ingest"
	"github.com/weftlabs/weft/internal/metrics"
	"github.com/weftlabs/weft/internal/mirror"
	"github.com/weftlabs/weft/internal/scene"
	"github.com/weftlabs/weft/internal/watch"
)

// State is the checkout lifecycle of the driver.
type State uint8

const (
	NothingCheckedOut State = iota
	CheckingOut
	CheckedOut
)

func (s State) String() string {
	switch s {
	case CheckingOut:
		return "checking out"
	case CheckedOut:
		return "checked out"
	default:
		return "nothing checked out"
	}
}

// Embedder is the host integration's hook into the sync loop. A nil
// embedder is always safe to sync and ignores file notifications.
type Embedder interface {
	// SafeToSync reports whether the host can tolerate the working tree
	// being rewritten right now.
	SafeToSync() bool
	// FilesChanged tells the host which files the sync loop just rewrote.
	FilesChanged(events []fswatch.Event)
}

// Options configures a Driver.
type Options struct {
	// Root is the project directory to mirror.
	Root     string
	Username string
	// ServerURL is the sync server websocket endpoint. Empty runs the
	// engine offline.
	ServerURL string
	// StorePath is the bbolt database path. Empty keeps everything in
	// memory.
	StorePath string
	// MetadataDocID selects an existing project. Empty initializes a new
	// one.
	MetadataDocID docstore.DocumentID
	// IgnoreGlobs extends the built-in ignore patterns. The .weftignore
	// file at the root, if present, is merged in as well.
	IgnoreGlobs []string
	Embedder    Embedder
	Codec       scene.Codec
	Log         zerolog.Logger
	// TickInterval defaults to 100ms.
	TickInterval time.Duration
	// ConnMaxRetries bounds reconnect attempts before the connection
	// degrades; zero uses the connection default.
	ConnMaxRetries int
}

// Driver owns every engine task and the tick loop.
type Driver struct {
	opts Options
	log  zerolog.Logger
	met  *metrics.Metrics

	store    *docstore.Store
	db       *branchdb.DB
	watcher  *fswatch.Watcher
	toDoc    *mirror.ToDoc
	toFS     *mirror.ToFS
	conn     *connection.Connection
	docW     *ingest.DocumentWatcher
	peerW    *ingest.PeerWatcher
	ingester *ingest.ChangeIngester
	differ   *differ.Differ

	state *watch.Cell[State]

	mu        sync.Mutex
	requested docstore.DocumentID
	fresh     bool

	wg sync.WaitGroup
}

// New builds a driver. The store is opened and the project loaded (or
// initialized) before New returns; a project whose metadata document
// cannot be loaded fails here rather than producing a half-alive driver.
func New(ctx context.Context, opts Options) (*Driver, error) {
	if opts.TickInterval == 0 {
		opts.TickInterval = 100 * time.Millisecond
	}
	log := opts.Log.With().Str("component", "driver").Logger()

	store, err := docstore.Open(opts.StorePath, opts.Log)
	if err != nil {
		return nil, err
	}

	globs := append([]string{}, opts.IgnoreGlobs...)
	globs = append(globs, fswatch.ParseIgnoreFile(filepath.Join(opts.Root, ".weftignore"))...)
	ignore := fswatch.NewIgnore(globs...)

	dbOpts := branchdb.Options{Log: opts.Log, Username: opts.Username, Ignore: ignore}
	var db *branchdb.DB
	fresh := false
	if opts.MetadataDocID == "" {
		db, err = branchdb.Init(ctx, store, dbOpts)
		fresh = true
	} else {
		db, err = branchdb.Load(ctx, store, opts.MetadataDocID, dbOpts)
	}
	if err != nil {
		_ = store.Close(ctx)
		return nil, fmt.Errorf("load project: %w", err)
	}

	watcher, err := fswatch.New(opts.Root, ignore, opts.Log)
	if err != nil {
		_ = store.Close(ctx)
		return nil, err
	}

	d := &Driver{
		opts:    opts,
		log:     log,
		met:     metrics.Default(),
		store:   store,
		db:      db,
		watcher: watcher,
		toDoc:   mirror.NewToDoc(db, watcher, opts.Codec, opts.Root, opts.Log),
		toFS:    mirror.NewToFS(db, watcher, opts.Codec, opts.Log),
		state:   watch.NewCell(NothingCheckedOut),
		fresh:   fresh,
	}

	if opts.ServerURL != "" {
		d.conn = connection.New(store, opts.ServerURL, connection.Options{
			Log:        opts.Log,
			MaxRetries: opts.ConnMaxRetries,
		})
	}

	onDocChanged := func(id docstore.DocumentID) {
		if d.conn != nil {
			d.conn.NotifyDocChanged(id)
		}
		d.ingester.RequestRefresh()
	}
	d.docW = ingest.NewDocumentWatcher(db, onDocChanged, opts.Log)

	ackedHeads := func(docstore.DocumentID) []docstore.ChangeHash { return nil }
	if d.conn != nil {
		d.peerW = ingest.NewPeerWatcher(d.conn, func() { d.ingester.RequestRefresh() }, opts.Log)
		ackedHeads = d.peerW.AckedHeads
	}
	d.ingester = ingest.NewChangeIngester(db, ingest.IngesterOptions{Log: opts.Log, AckedHeads: ackedHeads})
	d.differ = differ.New(db, opts.Codec, opts.Log)

	return d, nil
}

func (d *Driver) spawn(fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
}

// Run starts every task and serves ticks until ctx is done.
func (d *Driver) Run(ctx context.Context) {
	d.spawn(func() { d.watcher.Run(ctx) })
	d.spawn(func() { d.docW.Run(ctx) })
	d.spawn(func() { d.ingester.Run(ctx) })
	if d.conn != nil {
		d.spawn(func() { d.conn.Run(ctx) })
		d.spawn(func() { d.peerW.Run(ctx) })
	}
	d.spawn(func() { d.collectFSEvents(ctx) })
	d.spawn(func() { d.collectBranchEvents(ctx) })

	if d.fresh {
		if err := d.checkInWorkingTree(ctx); err != nil {
			d.log.Error().Err(err).Msg("initial check-in failed")
		}
	}

	ticker := time.NewTicker(d.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

// Close flushes and closes the store. Call after Run has returned.
func (d *Driver) Close(ctx context.Context) error {
	return d.store.Close(ctx)
}

// checkInWorkingTree imports whatever is already on disk into the fresh
// main branch.
func (d *Driver) checkInWorkingTree(ctx context.Context) error {
	ref := d.db.GetLatestRefOnBranch(d.db.MainID())
	if ref == nil {
		return fmt.Errorf("main branch has no usable ref")
	}
	out, err := d.toDoc.CheckIn(ctx, *ref)
	if err != nil {
		return err
	}
	d.state.Set(CheckedOut)
	d.ingester.RequestRefresh()
	if d.conn != nil {
		d.conn.NotifyDocChanged(out.Branch)
	}
	return nil
}

func (d *Driver) collectFSEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			d.met.FsEventsTotal.WithLabelValues(ev.Kind.String()).Inc()
			d.toDoc.Observe(ev)
		}
	}
}

func (d *Driver) collectBranchEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.docW.Events():
			d.ingester.RequestRefresh()
			if ev.TriggerReload {
				d.log.Debug().Str("branch", string(ev.BranchID)).Msg("reload queued")
			}
		}
	}
}

// targetRef picks the ref the next tick should converge on: an explicit
// checkout request, else the newest synced ref of the current branch, else
// main.
func (d *Driver) targetRef() *branchdb.HistoryRef {
	d.mu.Lock()
	requested := d.requested
	d.mu.Unlock()

	if requested != "" {
		if ref := d.db.GetLatestRefOnBranch(requested); ref != nil {
			return ref
		}
		// Requested branch has nothing synced yet; keep waiting on it.
		return nil
	}
	if cur := d.db.CheckedOutRef(); cur != nil {
		return d.db.GetLatestRefOnBranch(cur.Branch)
	}
	return d.db.GetLatestRefOnBranch(d.db.MainID())
}

func (d *Driver) tick(ctx context.Context) {
	start := time.Now()
	d.met.SyncTicksTotal.Inc()
	defer func() { d.met.SyncTickDuration.Observe(time.Since(start).Seconds()) }()

	safe := d.opts.Embedder == nil || d.opts.Embedder.SafeToSync()

	goal := d.targetRef()
	if goal == nil && d.state.Get() == NothingCheckedOut {
		if d.pendingTarget() {
			d.state.Set(CheckingOut)
		}
	}

	if safe && goal != nil {
		cur := d.db.CheckedOutRef()
		if cur == nil || !cur.Equal(*goal) {
			if d.state.Get() == NothingCheckedOut {
				d.state.Set(CheckingOut)
			}
			events, err := d.toFS.CheckoutRef(ctx, *goal)
			if err != nil {
				// Transient by contract; the next tick retries.
				d.log.Warn().Err(err).Str("ref", goal.String()).Msg("checkout failed")
			} else {
				d.clearRequest(goal.Branch)
				d.state.Set(CheckedOut)
				d.ingester.RequestRefresh()
				if len(events) > 0 && d.opts.Embedder != nil {
					d.opts.Embedder.FilesChanged(events)
				}
			}
		} else {
			d.clearRequest(goal.Branch)
			if d.state.Get() != CheckedOut {
				d.state.Set(CheckedOut)
			}
		}
	}

	// Local edits commit even while a checkout target is unreachable, so
	// offline work keeps accruing history.
	if d.db.CheckedOutRef() != nil && d.toDoc.PendingCount() > 0 {
		before := d.db.CheckedOutRef()
		after, err := d.toDoc.Commit(ctx)
		if err != nil {
			d.log.Warn().Err(err).Msg("commit failed")
			return
		}
		if !after.Equal(*before) {
			d.ingester.RequestRefresh()
			if d.conn != nil {
				d.conn.NotifyDocChanged(after.Branch)
			}
		}
	}
}

func (d *Driver) pendingTarget() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requested != ""
}

func (d *Driver) clearRequest(branch docstore.DocumentID) {
	d.mu.Lock()
	if d.requested == branch {
		d.requested = ""
	}
	d.mu.Unlock()
}

// RequestCheckout makes branch the sync target from the next tick on.
func (d *Driver) RequestCheckout(branch docstore.DocumentID) {
	d.mu.Lock()
	d.requested = branch
	d.mu.Unlock()
	d.state.Set(CheckingOut)
}

// State returns the current checkout state.
func (d *Driver) State() State { return d.state.Get() }

// SubscribeState delivers state transitions until ctx is done.
func (d *Driver) SubscribeState(ctx context.Context) <-chan State {
	return d.state.Subscribe(ctx)
}

// DB exposes the branch database for read access.
func (d *Driver) DB() *branchdb.DB { return d.db }

// CheckedOutRef returns the ref currently mirrored to disk.
func (d *Driver) CheckedOutRef() *branchdb.HistoryRef { return d.db.CheckedOutRef() }

// SubscribeCheckedOut delivers checked-out ref updates until ctx is done.
func (d *Driver) SubscribeCheckedOut(ctx context.Context) <-chan *branchdb.HistoryRef {
	return d.db.SubscribeCheckedOut(ctx)
}

// History returns the ingested commit list of the checked-out branch.
func (d *Driver) History() []ingest.CommitInfo { return d.ingester.History() }

// SyncStatus reports replication progress, or unknown when offline.
func (d *Driver) SyncStatus() connection.SyncStatus {
	if d.conn == nil {
		return connection.SyncStatus{Kind: connection.SyncUnknown}
	}
	return d.conn.SyncStatus()
}

// GetDiff computes the project diff between two refs.
func (d *Driver) GetDiff(ctx context.Context, before, after branchdb.HistoryRef) (*differ.ProjectDiff, error) {
	return d.differ.GetDiff(ctx, before, after)
}

// Branch lifecycle passthroughs.

func (d *Driver) ForkBranch(ctx context.Context, name string, source docstore.DocumentID) (docstore.DocumentID, error) {
	return d.db.ForkBranch(ctx, name, source)
}

func (d *Driver) MergeBranch(ctx context.Context, source, target docstore.DocumentID) error {
	return d.db.MergeBranch(ctx, source, target)
}

func (d *Driver) DeleteBranch(ctx context.Context, id docstore.DocumentID) error {
	return d.db.DeleteBranch(ctx, id)
}

func (d *Driver) CreateMergePreviewBranch(ctx context.Context, source, target docstore.DocumentID) (docstore.DocumentID, error) {
	return d.db.CreateMergePreviewBranch(ctx, source, target)
}

func (d *Driver) CreateRevertPreviewBranch(ctx context.Context, branch docstore.DocumentID, revertTo []docstore.ChangeHash) (docstore.DocumentID, error) {
	return d.db.CreateRevertPreviewBranch(ctx, branch, revertTo)
}

func (d *Driver) RevertToHeads(ctx context.Context, branch docstore.DocumentID, revertTo []docstore.ChangeHash) (branchdb.HistoryRef, error) {
	return d.db.RevertToHeads(ctx, branch, revertTo)
}
