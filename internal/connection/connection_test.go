package connection

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/weftlabs/weft/internal/docstore"
)

func testStore(t *testing.T) *docstore.Store {
	t.Helper()
	s, err := docstore.Open("", zerolog.Nop())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return s
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestReplicateToServer(t *testing.T) {
	store := testStore(t)
	h, err := store.Create(context.Background())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	heads, err := h.Transact(context.Background(), nil, docstore.CommitMetadata{Username: "alice"}, func(tx *docstore.Tx) error {
		return tx.PutText(nil, "greeting", "hello")
	})
	if err != nil {
		t.Fatalf("Transact failed: %v", err)
	}

	received := make(chan wireMessage, 16)
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg wireMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			switch msg.Type {
			case msgAnnounce:
				// Pretend to know nothing; the client should ship it all.
				_ = conn.WriteJSON(wireMessage{Type: msgRequest, DocID: msg.DocID})
			case msgChanges:
				received <- msg
				_ = conn.WriteJSON(wireMessage{Type: msgAck, DocID: msg.DocID, Heads: msg.Heads})
			}
		}
	}))
	defer srv.Close()

	conn := New(store, wsURL(srv), Options{Log: zerolog.Nop(), BaseDelay: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Run(ctx)

	var got wireMessage
	select {
	case got = <-received:
	case <-time.After(3 * time.Second):
		t.Fatal("server never received changes")
	}
	if got.DocID != h.DocumentID() {
		t.Errorf("changes for doc %s, want %s", got.DocID, h.DocumentID())
	}
	if len(got.Changes) != 1 {
		t.Errorf("expected 1 change, got %d", len(got.Changes))
	}

	waitFor(t, "ack to land", func() bool {
		st := conn.DocStates()[h.DocumentID()]
		return docstore.HeadsEqual(st.LastAckedHeads, heads)
	})
	waitFor(t, "status to settle", func() bool {
		return conn.SyncStatus().Kind == SyncUpToDate
	})
}

func TestReceiveRemoteChanges(t *testing.T) {
	// Prepare a change on a second store to play the server's content.
	origin := testStore(t)
	oh, err := origin.Create(context.Background())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	remoteHeads, err := oh.Transact(context.Background(), nil, docstore.CommitMetadata{Username: "bob"}, func(tx *docstore.Tx) error {
		return tx.PutText(nil, "note", "from afar")
	})
	if err != nil {
		t.Fatalf("Transact failed: %v", err)
	}
	payload := origin.ChangesSince(oh.DocumentID(), nil)

	acked := make(chan wireMessage, 1)
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(wireMessage{Type: msgChanges, DocID: oh.DocumentID(), Heads: remoteHeads, Changes: payload})
		for {
			var msg wireMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Type == msgAck {
				acked <- msg
			}
		}
	}))
	defer srv.Close()

	store := testStore(t)
	conn := New(store, wsURL(srv), Options{Log: zerolog.Nop(), BaseDelay: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Run(ctx)

	waitFor(t, "remote changes to apply", func() bool {
		return docstore.HeadsEqual(store.Adopt(oh.DocumentID()).Heads(), remoteHeads)
	})

	select {
	case msg := <-acked:
		if !docstore.HeadsEqual(msg.Heads, remoteHeads) {
			t.Errorf("acked heads %v, want %v", msg.Heads, remoteHeads)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("client never acked the received changes")
	}
}

func TestUnsyncedCountsPendingCommits(t *testing.T) {
	store := testStore(t)
	h, err := store.Create(context.Background())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	// Two local commits, neither of which the server will acknowledge.
	for _, text := range []string{"one", "two"} {
		if _, err := h.Transact(context.Background(), nil, docstore.CommitMetadata{Username: "alice"}, func(tx *docstore.Tx) error {
			return tx.PutText(nil, "note", text)
		}); err != nil {
			t.Fatalf("Transact failed: %v", err)
		}
	}

	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg wireMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Type == msgAnnounce {
				_ = conn.WriteJSON(wireMessage{Type: msgRequest, DocID: msg.DocID})
			}
		}
	}))
	defer srv.Close()

	conn := New(store, wsURL(srv), Options{Log: zerolog.Nop(), BaseDelay: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Run(ctx)

	waitFor(t, "changes to be sent", func() bool {
		return len(conn.DocStates()[h.DocumentID()].LastSentHeads) > 0
	})

	st := conn.SyncStatus()
	if st.Kind != SyncSyncing {
		t.Fatalf("sync status = %v, want syncing", st.Kind)
	}
	if st.Unsynced != 2 {
		t.Errorf("unsynced = %d, want the two pending commits", st.Unsynced)
	}
}

func TestBackoffDegradesAndResetRecovers(t *testing.T) {
	var accept atomic.Bool
	var dials atomic.Int32
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		if !accept.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	store := testStore(t)
	conn := New(store, wsURL(srv), Options{Log: zerolog.Nop(), MaxRetries: 2, BaseDelay: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Run(ctx)

	// Three failed dials exhaust the retry budget.
	waitFor(t, "retries to exhaust", func() bool { return dials.Load() >= 3 })
	settled := dials.Load()
	time.Sleep(50 * time.Millisecond)
	if dials.Load() != settled {
		t.Fatal("kept dialing after the retry budget ran out")
	}
	if conn.Status() != StatusDisconnected {
		t.Fatal("degraded connection reports connected")
	}
	if conn.SyncStatus().Kind != SyncDisconnected {
		t.Errorf("sync status = %v, want disconnected", conn.SyncStatus().Kind)
	}

	accept.Store(true)
	conn.Reset()
	waitFor(t, "reconnect after reset", func() bool { return conn.Status() == StatusConnected })
}

func TestBackoffCaps(t *testing.T) {
	c := New(testStore(t), "ws://unused", Options{Log: zerolog.Nop(), BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second})
	if got := c.backoff(0); got != 500*time.Millisecond {
		t.Errorf("backoff(0) = %v", got)
	}
	if got := c.backoff(3); got != 4*time.Second {
		t.Errorf("backoff(3) = %v", got)
	}
	if got := c.backoff(20); got != 30*time.Second {
		t.Errorf("backoff(20) = %v, want the cap", got)
	}
}
