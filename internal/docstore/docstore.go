// Package docstore implements the causal document substrate that branch and
// binary documents live in.
//
// Each document is a DAG of changes identified by blake3 hashes. The package
// provides:
//   - Transactional mutation producing one change per commit, with attached
//     commit metadata
//   - Point-in-time reads at arbitrary historical heads
//   - Diff between two head sets, and merge folding one document's history
//     into another
//   - Change notification channels per handle
//   - Persistence of zstd-compressed change logs in a bbolt database
package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"go.etcd.io/bbolt"
)

// Buckets
var (
	bucketDocuments = []byte("documents")
)

// Store owns every open document and their persistence.
type Store struct {
	log zerolog.Logger

	mu   sync.Mutex
	docs map[DocumentID]*Handle

	db  *bbolt.DB
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// Open creates a store backed by the bbolt database at path. An empty path
// opens an in-memory store with no persistence.
func Open(path string, log zerolog.Logger) (*Store, error) {
	s := &Store{
		log:  log.With().Str("component", "docstore").Logger(),
		docs: make(map[DocumentID]*Handle),
	}
	if path == "" {
		return s, nil
	}

	db, err := bbolt.Open(path, 0666, nil)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucketDocuments)
		return e
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure buckets: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init compressor: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init decompressor: %w", err)
	}

	s.db = db
	s.enc = enc
	s.dec = dec
	return s, nil
}

// Create makes a new empty document and returns its handle.
func (s *Store) Create(ctx context.Context) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := NewDocumentID()
	h := newHandle(s, id)
	s.mu.Lock()
	s.docs[id] = h
	s.mu.Unlock()
	return h, nil
}

// Find returns the handle for id, loading it from disk if needed. The
// second return value is false when the document is unknown both in memory
// and on disk.
func (s *Store) Find(ctx context.Context, id DocumentID) (*Handle, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	if h, ok := s.docs[id]; ok {
		s.mu.Unlock()
		return h, true, nil
	}
	s.mu.Unlock()

	if s.db == nil {
		return nil, false, nil
	}
	changes, found, err := s.loadChanges(id)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}

	h := newHandle(s, id)
	if _, err := h.applyChanges(changes); err != nil {
		return nil, false, fmt.Errorf("replay document %s: %w", id, err)
	}
	s.mu.Lock()
	// Another goroutine may have loaded it first.
	if existing, ok := s.docs[id]; ok {
		s.mu.Unlock()
		return existing, true, nil
	}
	s.docs[id] = h
	s.mu.Unlock()
	return h, true, nil
}

// Adopt registers an empty handle for a document we know about but have not
// received any changes for yet. Replication fills it in later.
func (s *Store) Adopt(id DocumentID) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.docs[id]; ok {
		return h
	}
	h := newHandle(s, id)
	s.docs[id] = h
	return h
}

// OpenDocumentIDs lists every document currently held in memory, sorted.
func (s *Store) OpenDocumentIDs() []DocumentID {
	s.mu.Lock()
	ids := make([]DocumentID, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ApplyRemote adopts changes for id received from a peer, creating the
// document if it is new. Returns the number of changes adopted.
func (s *Store) ApplyRemote(id DocumentID, changes []*Change) (int, error) {
	h := s.Adopt(id)
	adopted, err := h.applyChanges(changes)
	if err != nil {
		return adopted, fmt.Errorf("apply remote changes to %s: %w", id, err)
	}
	return adopted, nil
}

// ChangesSince returns the changes of id that are not ancestors of heads,
// for replication. Unknown documents return nil.
func (s *Store) ChangesSince(id DocumentID, heads []ChangeHash) []Change {
	s.mu.Lock()
	h, ok := s.docs[id]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return h.changesSince(heads)
}

// Close flushes every open document and closes the database.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.docs))
	for _, h := range s.docs {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	if s.db != nil {
		for _, h := range handles {
			s.persist(h)
		}
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("close store: %w", err)
		}
	}
	return nil
}

// persist writes a document's full change log to disk. A no-op for
// in-memory stores.
func (s *Store) persist(h *Handle) {
	if s.db == nil {
		return
	}
	raw, err := json.Marshal(h.Changes())
	if err != nil {
		s.log.Error().Err(err).Str("doc", string(h.id)).Msg("encode change log")
		return
	}
	compressed := s.enc.EncodeAll(raw, nil)
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDocuments).Put([]byte(h.id), compressed)
	})
	if err != nil {
		s.log.Error().Err(err).Str("doc", string(h.id)).Msg("persist change log")
	}
}

func (s *Store) loadChanges(id DocumentID) ([]*Change, bool, error) {
	var compressed []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketDocuments).Get([]byte(id))
		if v != nil {
			compressed = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("read document %s: %w", id, err)
	}
	if compressed == nil {
		return nil, false, nil
	}
	raw, err := s.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, false, fmt.Errorf("decompress document %s: %w", id, err)
	}
	var changes []*Change
	if err := json.Unmarshal(raw, &changes); err != nil {
		return nil, false, fmt.Errorf("decode document %s: %w", id, err)
	}
	return changes, true, nil
}
