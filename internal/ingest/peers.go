package ingest

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/weftlabs/weft/internal/connection"
	"github.com/weftlabs/weft/internal/docstore"
)

// PeerWatcher folds the connection's per-document replication states into
// the last heads the server acknowledged per document. A state whose acked
// heads regress from non-empty to empty is ignored: that happens when a
// reconnect resets the connection's bookkeeping, not because the server
// lost the history.
type PeerWatcher struct {
	conn *connection.Connection
	log  zerolog.Logger

	// onUpdate fires after each fold, so the ingester can refresh its
	// sync markers. May be nil.
	onUpdate func()

	mu    sync.Mutex
	acked map[docstore.DocumentID][]docstore.ChangeHash
}

// NewPeerWatcher builds a watcher over conn. onUpdate may be nil.
func NewPeerWatcher(conn *connection.Connection, onUpdate func(), log zerolog.Logger) *PeerWatcher {
	return &PeerWatcher{
		conn:     conn,
		log:      log.With().Str("component", "peerwatcher").Logger(),
		onUpdate: onUpdate,
		acked:    make(map[docstore.DocumentID][]docstore.ChangeHash),
	}
}

// AckedHeads returns the newest server-acknowledged heads for a document,
// or nil when nothing has been acknowledged yet.
func (p *PeerWatcher) AckedHeads(id docstore.DocumentID) []docstore.ChangeHash {
	p.mu.Lock()
	defer p.mu.Unlock()
	return docstore.CloneHeads(p.acked[id])
}

// Run folds replication state updates until ctx is done.
func (p *PeerWatcher) Run(ctx context.Context) {
	updates := p.conn.SubscribeDocStates(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case states := <-updates:
			p.fold(states)
		}
	}
}

func (p *PeerWatcher) fold(states map[docstore.DocumentID]connection.DocSyncState) {
	changed := false
	p.mu.Lock()
	for id, st := range states {
		if len(st.LastAckedHeads) == 0 && len(p.acked[id]) > 0 {
			continue
		}
		if docstore.HeadsEqual(p.acked[id], st.LastAckedHeads) {
			continue
		}
		p.acked[id] = docstore.CloneHeads(st.LastAckedHeads)
		changed = true
	}
	p.mu.Unlock()

	if changed && p.onUpdate != nil {
		p.onUpdate()
	}
}
