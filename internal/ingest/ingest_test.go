package ingest

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/weftlabs/weft/internal/branchdb"
	"github.com/weftlabs/weft/internal/connection"
	"github.com/weftlabs/weft/internal/docstore"
	"github.com/weftlabs/weft/internal/metrics"
)

func testDB(t *testing.T) (*branchdb.DB, *docstore.Store) {
	t.Helper()
	store, err := docstore.Open("", zerolog.Nop())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	db, err := branchdb.Init(context.Background(), store, branchdb.Options{Log: zerolog.Nop(), Username: "alice"})
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return db, store
}

func mustCommit(t *testing.T, db *branchdb.DB, ref branchdb.HistoryRef, files []branchdb.FileDelta) branchdb.HistoryRef {
	t.Helper()
	out, err := db.CommitFSChanges(context.Background(), ref, files, nil, false)
	if err != nil {
		t.Fatalf("CommitFSChanges failed: %v", err)
	}
	return out
}

func replicate(t *testing.T, from, to *docstore.Store, id docstore.DocumentID) {
	t.Helper()
	changes := from.ChangesSince(id, to.Adopt(id).Heads())
	ptrs := make([]*docstore.Change, len(changes))
	for i := range changes {
		ptrs[i] = &changes[i]
	}
	if _, err := to.ApplyRemote(id, ptrs); err != nil {
		t.Fatalf("ApplyRemote(%s) failed: %v", id, err)
	}
}

func TestDocumentWatcherEmitsReloadOnRemoteChange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbA, storeA := testDB(t)
	main := dbA.MainID()
	refA := mustCommit(t, dbA, *dbA.GetLatestRefOnBranch(main), []branchdb.FileDelta{
		{Path: "a.txt", Kind: docstore.FileAdded, Content: branchdb.TextContent("v1")},
	})

	storeB, err := docstore.Open("", zerolog.Nop())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	replicate(t, storeA, storeB, dbA.MetadataDocID())
	replicate(t, storeA, storeB, main)

	dbB, err := branchdb.Load(ctx, storeB, dbA.MetadataDocID(), branchdb.Options{Log: zerolog.Nop(), Username: "bob"})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	// The replica mirrors the current state.
	dbB.SetCheckedOutRef(dbB.GetLatestRefOnBranch(main))

	var announced atomic.Int32
	w := NewDocumentWatcher(dbB, func(docstore.DocumentID) { announced.Add(1) }, zerolog.Nop())
	go w.Run(ctx)
	// Let the watcher establish its subscriptions.
	time.Sleep(20 * time.Millisecond)

	// New history lands on the origin and replicates over.
	refA2 := mustCommit(t, dbA, refA, []branchdb.FileDelta{
		{Path: "a.txt", Kind: docstore.FileModified, Content: branchdb.TextContent("v2")},
	})
	replicate(t, storeA, storeB, main)

	select {
	case ev := <-w.Events():
		if ev.BranchID != main {
			t.Errorf("event for branch %s, want %s", ev.BranchID, main)
		}
		if !ev.TriggerReload {
			t.Error("expected a reload trigger for new heads on the checked-out branch")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no branch event after remote change")
	}

	if ref := dbB.GetLatestRefOnBranch(main); ref == nil || !docstore.HeadsEqual(ref.Heads, refA2.Heads) {
		t.Error("replica synced heads did not advance")
	}
	if announced.Load() == 0 {
		t.Error("document change was not announced")
	}
}

func TestDocumentWatcherTracksNewBranches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbA, storeA := testDB(t)
	main := dbA.MainID()

	storeB, err := docstore.Open("", zerolog.Nop())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	replicate(t, storeA, storeB, dbA.MetadataDocID())
	replicate(t, storeA, storeB, main)
	dbB, err := branchdb.Load(ctx, storeB, dbA.MetadataDocID(), branchdb.Options{Log: zerolog.Nop(), Username: "bob"})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	w := NewDocumentWatcher(dbB, nil, zerolog.Nop())
	go w.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	fork, err := dbA.ForkBranch(ctx, "feature", main)
	if err != nil {
		t.Fatalf("ForkBranch failed: %v", err)
	}
	replicate(t, storeA, storeB, dbA.MetadataDocID())
	replicate(t, storeA, storeB, fork)

	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, ok := dbB.Branch(fork); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("replica never picked up the forked branch")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPeerWatcherIgnoresBeheadedStates(t *testing.T) {
	_, store := testDB(t)
	conn := connection.New(store, "ws://unused", connection.Options{Log: zerolog.Nop()})

	updates := 0
	p := NewPeerWatcher(conn, func() { updates++ }, zerolog.Nop())

	doc := docstore.NewDocumentID()
	heads := []docstore.ChangeHash{{1, 2, 3}}

	p.fold(map[docstore.DocumentID]connection.DocSyncState{doc: {LastAckedHeads: heads}})
	if !docstore.HeadsEqual(p.AckedHeads(doc), heads) {
		t.Fatal("acked heads not recorded")
	}
	if updates != 1 {
		t.Fatalf("updates = %d, want 1", updates)
	}

	// A reconnect resets the connection's view; the regression to empty
	// heads must not erase what the server already acknowledged.
	p.fold(map[docstore.DocumentID]connection.DocSyncState{doc: {}})
	if !docstore.HeadsEqual(p.AckedHeads(doc), heads) {
		t.Error("beheaded state erased the acked heads")
	}
	if updates != 1 {
		t.Errorf("updates = %d after a no-op fold, want 1", updates)
	}
}

func TestIngesterSummariesAndSyncMarkers(t *testing.T) {
	ctx := context.Background()
	db, store := testDB(t)
	main := db.MainID()

	ref1 := mustCommit(t, db, *db.GetLatestRefOnBranch(main), []branchdb.FileDelta{
		{Path: "a.txt", Kind: docstore.FileAdded, Content: branchdb.TextContent("v1")},
	})
	fork, err := db.ForkBranch(ctx, "feature", main)
	if err != nil {
		t.Fatalf("ForkBranch failed: %v", err)
	}
	mustCommit(t, db, *db.GetLatestRefOnBranch(fork), []branchdb.FileDelta{
		{Path: "b.txt", Kind: docstore.FileAdded, Content: branchdb.TextContent("on fork")},
	})
	if err := db.MergeBranch(ctx, fork, main); err != nil {
		t.Fatalf("MergeBranch failed: %v", err)
	}
	if _, err := db.RevertToHeads(ctx, main, ref1.Heads); err != nil {
		t.Fatalf("RevertToHeads failed: %v", err)
	}
	db.SetCheckedOutRef(db.GetLatestRefOnBranch(main))

	g := NewChangeIngester(db, IngesterOptions{Log: zerolog.Nop()})
	g.recompute(ctx)

	infos := g.History()
	if len(infos) < 4 {
		t.Fatalf("expected at least 4 commits, got %d", len(infos))
	}
	if !strings.Contains(infos[0].Summary, "reverted to") {
		t.Errorf("newest summary = %q, want a revert", infos[0].Summary)
	}
	if !strings.Contains(infos[1].Summary, "merged feature") {
		t.Errorf("summary = %q, want a merge of feature", infos[1].Summary)
	}
	oldest := infos[len(infos)-1]
	if oldest.Summary != "Initialized project" {
		t.Errorf("oldest summary = %q", oldest.Summary)
	}
	for _, info := range infos {
		if info.Synced {
			t.Fatalf("commit %s marked synced with no server acks", info.Hash.Short())
		}
	}

	// With the server acknowledging everything, every commit is synced.
	acked := store.Adopt(main).Heads()
	g2 := NewChangeIngester(db, IngesterOptions{
		Log:        zerolog.Nop(),
		AckedHeads: func(docstore.DocumentID) []docstore.ChangeHash { return acked },
	})
	g2.recompute(ctx)
	for _, info := range g2.History() {
		if !info.Synced {
			t.Errorf("commit %s not synced despite full ack", info.Hash.Short())
		}
	}
}

func TestIngesterRateLimit(t *testing.T) {
	db, _ := testDB(t)
	db.SetCheckedOutRef(db.GetLatestRefOnBranch(db.MainID()))

	met := metrics.New(prometheus.NewRegistry())
	g := NewChangeIngester(db, IngesterOptions{
		Log:         zerolog.Nop(),
		MinInterval: 50 * time.Millisecond,
		Burst:       2,
		Metrics:     met,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.Run(ctx)

	stop := time.Now().Add(120 * time.Millisecond)
	for time.Now().Before(stop) {
		g.RequestRefresh()
		time.Sleep(2 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	runs := testutil.ToFloat64(met.IngestRunsTotal)
	if runs < 1 {
		t.Fatal("no recompute ran")
	}
	// Burst of 2 plus ~2.4 refilled tokens over 120ms.
	if runs > 6 {
		t.Errorf("%v recomputes in 120ms, rate limit not applied", runs)
	}
}
