package docstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("", zerolog.Nop())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return s
}

func mustTransact(t *testing.T, h *Handle, meta CommitMetadata, fn func(*Tx) error) []ChangeHash {
	t.Helper()
	heads, err := h.Transact(context.Background(), nil, meta, fn)
	if err != nil {
		t.Fatalf("Transact failed: %v", err)
	}
	return heads
}

func TestTransactAdvancesHeads(t *testing.T) {
	s := testStore(t)
	h, err := s.Create(context.Background())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if len(h.Heads()) != 0 {
		t.Fatalf("expected empty heads on new doc, got %v", h.Heads())
	}

	heads1 := mustTransact(t, h, CommitMetadata{Username: "alice"}, func(tx *Tx) error {
		return tx.PutText([]string{"files", "foo.txt"}, "content", "a")
	})
	if len(heads1) != 1 {
		t.Fatalf("expected one head after first commit, got %d", len(heads1))
	}

	heads2 := mustTransact(t, h, CommitMetadata{Username: "alice"}, func(tx *Tx) error {
		return tx.PutText([]string{"files", "foo.txt"}, "content", "b")
	})
	if HeadsEqual(heads1, heads2) {
		t.Fatal("heads did not advance after second commit")
	}

	// Historical read at heads1 still sees the old content.
	old := h.SnapshotAt(heads1)
	files := old["files"].(map[string]any)
	entry := files["foo.txt"].(map[string]any)
	if entry["content"] != "a" {
		t.Errorf("expected content 'a' at heads1, got %v", entry["content"])
	}
}

func TestEmptyTransactionCommitsNothing(t *testing.T) {
	s := testStore(t)
	h, _ := s.Create(context.Background())
	before := mustTransact(t, h, CommitMetadata{}, func(tx *Tx) error {
		return tx.Put(nil, "k", "v")
	})
	after := mustTransact(t, h, CommitMetadata{}, func(tx *Tx) error { return nil })
	if !HeadsEqual(before, after) {
		t.Errorf("empty transaction changed heads: %v -> %v", before, after)
	}
	if got := len(h.Changes()); got != 1 {
		t.Errorf("expected 1 change, got %d", got)
	}
}

func TestTransactionReadsOwnWrites(t *testing.T) {
	s := testStore(t)
	h, _ := s.Create(context.Background())
	mustTransact(t, h, CommitMetadata{}, func(tx *Tx) error {
		if err := tx.Put([]string{"files", "a"}, "content", "x"); err != nil {
			return err
		}
		v, ok := tx.Get([]string{"files", "a"}, "content")
		if !ok || v != "x" {
			t.Errorf("expected to read back own write, got %v (%v)", v, ok)
		}
		return nil
	})
}

func TestDiffBetweenHeads(t *testing.T) {
	s := testStore(t)
	h, _ := s.Create(context.Background())
	heads1 := mustTransact(t, h, CommitMetadata{}, func(tx *Tx) error {
		if err := tx.PutText([]string{"files", "keep.txt"}, "content", "same"); err != nil {
			return err
		}
		return tx.PutText([]string{"files", "gone.txt"}, "content", "bye")
	})
	heads2 := mustTransact(t, h, CommitMetadata{}, func(tx *Tx) error {
		tx.Delete([]string{"files"}, "gone.txt")
		return tx.PutText([]string{"files", "new.txt"}, "content", "hi")
	})

	patches := h.Diff(heads1, heads2)
	var sawDelete, sawAdd bool
	for _, p := range patches {
		if p.Action == PatchDelete && p.Key == "gone.txt" {
			sawDelete = true
		}
		if p.Action == PatchPut && p.Key == "new.txt" {
			sawAdd = true
		}
		if p.Key == "keep.txt" {
			t.Errorf("unchanged file keep.txt showed up in diff: %+v", p)
		}
	}
	if !sawDelete || !sawAdd {
		t.Errorf("diff missed changes: delete=%v add=%v patches=%+v", sawDelete, sawAdd, patches)
	}

	if got := h.Diff(heads2, heads2); len(got) != 0 {
		t.Errorf("diff of identical heads should be empty, got %+v", got)
	}
}

func TestMergeFoldsHistory(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	a, _ := s.Create(ctx)
	b, _ := s.Create(ctx)

	mustTransact(t, a, CommitMetadata{Username: "alice"}, func(tx *Tx) error {
		return tx.PutText([]string{"files", "a.txt"}, "content", "from a")
	})
	headsB := mustTransact(t, b, CommitMetadata{Username: "bob"}, func(tx *Tx) error {
		return tx.PutText([]string{"files", "b.txt"}, "content", "from b")
	})

	if err := a.Merge(b); err != nil {
		t.Fatalf("Merge failed: %v", err)
	}

	state := a.Snapshot()
	files := state["files"].(map[string]any)
	if _, ok := files["a.txt"]; !ok {
		t.Error("a.txt lost after merge")
	}
	if _, ok := files["b.txt"]; !ok {
		t.Error("b.txt missing after merge")
	}
	if !a.ContainsHeads(headsB) {
		t.Error("merged document should contain the source's heads")
	}
	// Two independent histories means two DAG tips.
	if got := len(a.Heads()); got != 2 {
		t.Errorf("expected 2 heads after merging unrelated docs, got %d", got)
	}
}

func TestContainsHeads(t *testing.T) {
	s := testStore(t)
	h, _ := s.Create(context.Background())
	heads := mustTransact(t, h, CommitMetadata{}, func(tx *Tx) error {
		return tx.Put(nil, "k", 1)
	})
	if !h.ContainsHeads(heads) {
		t.Error("document should contain its own heads")
	}
	if h.ContainsHeads(nil) {
		t.Error("empty heads must never count as contained")
	}
	if h.ContainsHeads([]ChangeHash{{0xff}}) {
		t.Error("unknown hash reported as contained")
	}
}

func TestReplicationRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := testStore(t)
	dst := testStore(t)

	h, _ := src.Create(ctx)
	mustTransact(t, h, CommitMetadata{Username: "alice"}, func(tx *Tx) error {
		return tx.PutText([]string{"files", "x.txt"}, "content", "hello")
	})
	heads := mustTransact(t, h, CommitMetadata{Username: "alice"}, func(tx *Tx) error {
		return tx.PutText([]string{"files", "x.txt"}, "content", "world")
	})

	changes := src.ChangesSince(h.DocumentID(), nil)
	if len(changes) != 2 {
		t.Fatalf("expected 2 changes to replicate, got %d", len(changes))
	}
	ptrs := make([]*Change, len(changes))
	for i := range changes {
		ptrs[i] = &changes[i]
	}
	if _, err := dst.ApplyRemote(h.DocumentID(), ptrs); err != nil {
		t.Fatalf("ApplyRemote failed: %v", err)
	}

	replica, found, err := dst.Find(ctx, h.DocumentID())
	if err != nil || !found {
		t.Fatalf("replica not found: %v", err)
	}
	if !HeadsEqual(replica.Heads(), heads) {
		t.Errorf("replica heads %v != source heads %v", replica.Heads(), heads)
	}

	// Incremental: nothing new since the replicated heads.
	if rest := src.ChangesSince(h.DocumentID(), heads); len(rest) != 0 {
		t.Errorf("expected no changes since current heads, got %d", len(rest))
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "weft.db")

	s, err := Open(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	h, _ := s.Create(ctx)
	id := h.DocumentID()
	heads := mustTransact(t, h, CommitMetadata{Username: "alice"}, func(tx *Tx) error {
		return tx.PutBytes([]string{}, "content", []byte{0x00, 0x01, 0x02})
	})
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s2, err := Open(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close(ctx)

	h2, found, err := s2.Find(ctx, id)
	if err != nil || !found {
		t.Fatalf("document lost across restart: found=%v err=%v", found, err)
	}
	if !HeadsEqual(h2.Heads(), heads) {
		t.Errorf("heads changed across restart: %v != %v", h2.Heads(), heads)
	}
	raw, ok := DecodeBytes(h2.Snapshot()["content"])
	if !ok || len(raw) != 3 || raw[2] != 0x02 {
		t.Errorf("binary content corrupted across restart: %v (%v)", raw, ok)
	}
}

func TestSubscribeNotifiesOnCommit(t *testing.T) {
	s := testStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h, _ := s.Create(ctx)
	ch := h.Subscribe(ctx)
	mustTransact(t, h, CommitMetadata{}, func(tx *Tx) error {
		return tx.Put(nil, "k", "v")
	})
	select {
	case <-ch:
	default:
		t.Error("expected a change notification after commit")
	}
}

func TestCommitMetadataRoundTrip(t *testing.T) {
	s := testStore(t)
	h, _ := s.Create(context.Background())
	meta := CommitMetadata{
		Username: "alice",
		BranchID: h.DocumentID(),
		ChangedFiles: []ChangedFile{
			{Path: "foo.txt", Kind: FileModified},
		},
	}
	mustTransact(t, h, meta, func(tx *Tx) error {
		return tx.Put(nil, "k", "v")
	})

	changes := h.Changes()
	if len(changes) != 1 {
		t.Fatalf("expected 1 change, got %d", len(changes))
	}
	got, ok := changes[0].Metadata()
	if !ok {
		t.Fatal("commit metadata missing")
	}
	if got.Username != "alice" || got.BranchID != h.DocumentID() {
		t.Errorf("metadata mangled: %+v", got)
	}
	if len(got.ChangedFiles) != 1 || got.ChangedFiles[0].Kind != FileModified {
		t.Errorf("changed-files manifest mangled: %+v", got.ChangedFiles)
	}
}
