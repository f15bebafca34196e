// Package connection maintains the websocket link to the sync server and
// replicates document changes over it.
//
// The link is outbound-only and self-healing: dial failures back off
// exponentially up to a bounded retry count, after which the connection
// stays down until Reset. Per-document sync progress is published on a
// watch channel for the ingestion layer.
package connection

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/weftlabs/weft/internal/docstore"
	"github.com/weftlabs/weft/internal/metrics"
	"github.com/weftlabs/weft/internal/watch"
)

// Status is the link state.
type Status uint8

const (
	StatusDisconnected Status = iota
	StatusConnected
)

func (s Status) String() string {
	if s == StatusConnected {
		return "connected"
	}
	return "disconnected"
}

// SyncStatusKind summarizes replication progress for UI surfaces.
type SyncStatusKind uint8

const (
	SyncUnknown SyncStatusKind = iota
	SyncUpToDate
	SyncSyncing
	SyncDisconnected
)

func (k SyncStatusKind) String() string {
	switch k {
	case SyncUpToDate:
		return "up to date"
	case SyncSyncing:
		return "syncing"
	case SyncDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// SyncStatus is the folded replication state: the kind plus how many local
// changes remain unacknowledged across all documents. The count matches what
// the history listing shows as unsynced commits.
type SyncStatus struct {
	Kind     SyncStatusKind
	Unsynced int
}

// DocSyncState tracks replication progress for one document.
type DocSyncState struct {
	LastAckedHeads []docstore.ChangeHash
	LastSentHeads  []docstore.ChangeHash
	LastSent       time.Time
	LastReceived   time.Time
}

// Wire message types.
const (
	msgAnnounce = "announce"
	msgRequest  = "request"
	msgChanges  = "changes"
	msgAck      = "ack"
)

type wireMessage struct {
	Type    string                `json:"type"`
	DocID   docstore.DocumentID   `json:"doc_id"`
	Heads   []docstore.ChangeHash `json:"heads,omitempty"`
	Changes []docstore.Change     `json:"changes,omitempty"`
}

// Options configures a Connection.
type Options struct {
	Log        zerolog.Logger
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Metrics    *metrics.Metrics
}

// Connection replicates the store's documents with one sync server.
type Connection struct {
	store *docstore.Store
	url   string
	log   zerolog.Logger
	met   *metrics.Metrics

	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	status    *watch.Cell[Status]
	docStates *watch.Cell[map[docstore.DocumentID]DocSyncState]

	notifyCh chan docstore.DocumentID
	resetCh  chan struct{}
}

// New builds a connection to url. Run starts it.
func New(store *docstore.Store, url string, opts Options) *Connection {
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 10
	}
	if opts.BaseDelay == 0 {
		opts.BaseDelay = 500 * time.Millisecond
	}
	if opts.MaxDelay == 0 {
		opts.MaxDelay = 30 * time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}
	return &Connection{
		store:      store,
		url:        url,
		log:        opts.Log.With().Str("component", "connection").Logger(),
		met:        opts.Metrics,
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
		maxDelay:   opts.MaxDelay,
		status:     watch.NewCell(StatusDisconnected),
		docStates:  watch.NewCell(map[docstore.DocumentID]DocSyncState{}),
		notifyCh:   make(chan docstore.DocumentID, 64),
		resetCh:    make(chan struct{}, 1),
	}
}

// Status returns the current link state.
func (c *Connection) Status() Status { return c.status.Get() }

// SubscribeStatus delivers link state changes until ctx is done.
func (c *Connection) SubscribeStatus(ctx context.Context) <-chan Status {
	return c.status.Subscribe(ctx)
}

// DocStates returns a snapshot of per-document replication progress.
func (c *Connection) DocStates() map[docstore.DocumentID]DocSyncState {
	return c.docStates.Get()
}

// SubscribeDocStates delivers replication progress updates until ctx is done.
func (c *Connection) SubscribeDocStates(ctx context.Context) <-chan map[docstore.DocumentID]DocSyncState {
	return c.docStates.Subscribe(ctx)
}

// NotifyDocChanged queues an announcement of doc's new heads to the server.
// Safe to call from any goroutine; drops are fine since every announcement
// carries the newest heads.
func (c *Connection) NotifyDocChanged(id docstore.DocumentID) {
	select {
	case c.notifyCh <- id:
	default:
	}
}

// Reset clears a degraded connection so dialing resumes.
func (c *Connection) Reset() {
	select {
	case c.resetCh <- struct{}{}:
	default:
	}
}

// SyncStatus folds the link state and per-doc progress into one value.
func (c *Connection) SyncStatus() SyncStatus {
	states := c.docStates.Get()
	unsynced := 0
	for id, st := range states {
		unsynced += len(c.store.ChangesSince(id, st.LastAckedHeads))
	}
	if c.status.Get() != StatusConnected {
		return SyncStatus{Kind: SyncDisconnected, Unsynced: unsynced}
	}
	if len(states) == 0 {
		return SyncStatus{Kind: SyncUnknown}
	}
	if unsynced > 0 {
		return SyncStatus{Kind: SyncSyncing, Unsynced: unsynced}
	}
	return SyncStatus{Kind: SyncUpToDate}
}

func (c *Connection) backoff(attempt int) time.Duration {
	d := c.baseDelay << attempt
	if d <= 0 || d > c.maxDelay {
		return c.maxDelay
	}
	return d
}

// Run dials and maintains the link until ctx is done.
func (c *Connection) Run(ctx context.Context) {
	attempt := 0
	for ctx.Err() == nil {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		c.met.ReconnectAttemptsTotal.Inc()
		if err != nil {
			attempt++
			if attempt > c.maxRetries {
				c.log.Error().Err(err).Int("attempts", attempt).Msg("giving up until reset")
				select {
				case <-c.resetCh:
					attempt = 0
				case <-ctx.Done():
					return
				}
				continue
			}
			c.log.Warn().Err(err).Int("attempt", attempt).Msg("dial failed")
			select {
			case <-time.After(c.backoff(attempt - 1)):
			case <-c.resetCh:
				attempt = 0
			case <-ctx.Done():
				return
			}
			continue
		}

		attempt = 0
		c.status.Set(StatusConnected)
		c.met.ConnectedGauge.Set(1)
		c.log.Info().Str("url", c.url).Msg("connected")

		c.session(ctx, conn)

		c.status.Set(StatusDisconnected)
		c.met.ConnectedGauge.Set(0)
		c.log.Warn().Msg("disconnected")
	}
}

// session runs one connected episode. All writes happen on this goroutine;
// the reader only feeds parsed messages in.
func (c *Connection) session(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	incoming := make(chan wireMessage, 32)
	readErr := make(chan error, 1)
	go func() {
		for {
			var msg wireMessage
			if err := conn.ReadJSON(&msg); err != nil {
				readErr <- err
				return
			}
			select {
			case incoming <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for _, id := range c.store.OpenDocumentIDs() {
		if err := c.announce(conn, id); err != nil {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case err := <-readErr:
			c.log.Debug().Err(err).Msg("read loop ended")
			return
		case id := <-c.notifyCh:
			if err := c.announce(conn, id); err != nil {
				return
			}
		case msg := <-incoming:
			if err := c.handle(conn, msg); err != nil {
				c.log.Warn().Err(err).Str("type", msg.Type).Msg("session error")
				return
			}
		}
	}
}

func (c *Connection) announce(conn *websocket.Conn, id docstore.DocumentID) error {
	heads := c.headsOf(id)
	return conn.WriteJSON(wireMessage{Type: msgAnnounce, DocID: id, Heads: heads})
}

func (c *Connection) handle(conn *websocket.Conn, msg wireMessage) error {
	switch msg.Type {
	case msgRequest:
		// The server told us which heads it has; ship everything newer.
		changes := c.store.ChangesSince(msg.DocID, msg.Heads)
		heads := c.headsOf(msg.DocID)
		if err := conn.WriteJSON(wireMessage{Type: msgChanges, DocID: msg.DocID, Heads: heads, Changes: changes}); err != nil {
			return err
		}
		c.updateDocState(msg.DocID, func(st *DocSyncState) {
			st.LastSentHeads = docstore.CloneHeads(heads)
			st.LastSent = time.Now()
		})
		return nil

	case msgChanges:
		ptrs := make([]*docstore.Change, len(msg.Changes))
		for i := range msg.Changes {
			ptrs[i] = &msg.Changes[i]
		}
		if _, err := c.store.ApplyRemote(msg.DocID, ptrs); err != nil {
			return fmt.Errorf("apply remote changes: %w", err)
		}
		c.updateDocState(msg.DocID, func(st *DocSyncState) {
			st.LastReceived = time.Now()
		})
		return conn.WriteJSON(wireMessage{Type: msgAck, DocID: msg.DocID, Heads: c.headsOf(msg.DocID)})

	case msgAck:
		c.updateDocState(msg.DocID, func(st *DocSyncState) {
			st.LastAckedHeads = docstore.CloneHeads(msg.Heads)
		})
		return nil

	case msgAnnounce:
		// Server has history for this doc; ask for whatever we lack.
		h := c.store.Adopt(msg.DocID)
		if h.ContainsHeads(msg.Heads) {
			return nil
		}
		return conn.WriteJSON(wireMessage{Type: msgRequest, DocID: msg.DocID, Heads: h.Heads()})

	default:
		c.log.Debug().Str("type", msg.Type).Msg("ignoring unknown message")
		return nil
	}
}

func (c *Connection) headsOf(id docstore.DocumentID) []docstore.ChangeHash {
	return c.store.Adopt(id).Heads()
}

func (c *Connection) updateDocState(id docstore.DocumentID, fn func(*DocSyncState)) {
	old := c.docStates.Get()
	next := make(map[docstore.DocumentID]DocSyncState, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	st := next[id]
	fn(&st)
	next[id] = st
	c.docStates.Set(next)
}
