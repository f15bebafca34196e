// Package ingest turns raw document change streams into branch-level
// events and a readable commit history.
//
// Three tasks live here:
//   - DocumentWatcher fans in change notifications from the metadata, branch
//     and binary documents, keeps the branch registry fresh and emits
//     BranchChanged events once a branch's new heads are fully synced.
//   - PeerWatcher folds the connection's per-document replication states
//     into last-acknowledged heads, ignoring transient regressions.
//   - ChangeIngester recomputes the checked-out branch's commit history on
//     request, rate limited, and publishes it with sync markers and human
//     summaries.
package ingest

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/weftlabs/weft/internal/branchdb"
	"github.com/weftlabs/weft/internal/docstore"
)

// BranchChanged reports that a branch has new fully-synced heads.
// TriggerReload is false when the filesystem already mirrors them.
type BranchChanged struct {
	BranchID      docstore.DocumentID
	TriggerReload bool
}

// DocumentWatcher multiplexes document subscriptions and keeps branch
// state derived from them current.
type DocumentWatcher struct {
	db  *branchdb.DB
	log zerolog.Logger

	// onDocChanged fires for every observed document change, before any
	// branch bookkeeping. The driver points this at the connection so
	// local commits get announced.
	onDocChanged func(docstore.DocumentID)

	events  chan BranchChanged
	trigger chan docstore.DocumentID

	mu      sync.Mutex
	watched map[docstore.DocumentID]struct{}
}

// NewDocumentWatcher builds a watcher over db. onDocChanged may be nil.
func NewDocumentWatcher(db *branchdb.DB, onDocChanged func(docstore.DocumentID), log zerolog.Logger) *DocumentWatcher {
	return &DocumentWatcher{
		db:           db,
		log:          log.With().Str("component", "docwatcher").Logger(),
		onDocChanged: onDocChanged,
		events:       make(chan BranchChanged, 64),
		trigger:      make(chan docstore.DocumentID, 64),
		watched:      make(map[docstore.DocumentID]struct{}),
	}
}

// Events delivers branch change notifications.
func (w *DocumentWatcher) Events() <-chan BranchChanged { return w.events }

// Run processes document changes until ctx is done.
func (w *DocumentWatcher) Run(ctx context.Context) {
	w.watchDoc(ctx, w.db.MetadataDocID(), w.db.MetadataHandle())
	w.syncWatched(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case id := <-w.trigger:
			w.handleDocChange(ctx, id)
		}
	}
}

// watchDoc forwards a handle's change signals into the trigger channel.
func (w *DocumentWatcher) watchDoc(ctx context.Context, id docstore.DocumentID, h *docstore.Handle) {
	w.mu.Lock()
	if _, ok := w.watched[id]; ok {
		w.mu.Unlock()
		return
	}
	w.watched[id] = struct{}{}
	w.mu.Unlock()

	ch := h.Subscribe(ctx)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				select {
				case w.trigger <- id:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
}

// syncWatched subscribes to every branch document and every linked binary
// document the registry currently knows about. Branches load lazily: a
// registry entry whose document has not replicated yet still gets a
// subscription, so the first arriving change wakes us.
func (w *DocumentWatcher) syncWatched(ctx context.Context) {
	for _, s := range w.db.Branches() {
		w.watchDoc(ctx, s.Record.ID, s.Handle)
		for _, linked := range s.LinkedDocIDs {
			h, found, err := w.db.Store().Find(ctx, linked)
			if err != nil || !found {
				h = w.db.Store().Adopt(linked)
			}
			w.watchDoc(ctx, linked, h)
		}
	}
}

func (w *DocumentWatcher) handleDocChange(ctx context.Context, id docstore.DocumentID) {
	if w.onDocChanged != nil {
		w.onDocChanged(id)
	}

	if id == w.db.MetadataDocID() {
		if err := w.db.RefreshMetadata(ctx); err != nil {
			w.log.Warn().Err(err).Msg("refresh metadata failed")
			return
		}
		w.syncWatched(ctx)
		return
	}

	if _, ok := w.db.Branch(id); ok {
		w.refreshAndEmit(ctx, id)
		w.syncWatched(ctx)
		return
	}

	// A binary document landed; any branch waiting on it may now be able
	// to advance its synced heads.
	for _, s := range w.db.Branches() {
		for _, linked := range s.LinkedDocIDs {
			if linked == id {
				w.refreshAndEmit(ctx, s.Record.ID)
				break
			}
		}
	}
}

func (w *DocumentWatcher) refreshAndEmit(ctx context.Context, branch docstore.DocumentID) {
	moved, err := w.db.RefreshBranch(ctx, branch)
	if err != nil {
		w.log.Warn().Err(err).Str("branch", string(branch)).Msg("refresh branch failed")
		return
	}
	if !moved {
		return
	}

	reload := false
	if checked := w.db.CheckedOutRef(); checked != nil && checked.Branch == branch {
		if ref := w.db.GetLatestRefOnBranch(branch); ref != nil && !docstore.HeadsEqual(checked.Heads, ref.Heads) {
			reload = true
		}
	}
	select {
	case w.events <- BranchChanged{BranchID: branch, TriggerReload: reload}:
	case <-ctx.Done():
	}
}
