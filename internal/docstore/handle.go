package docstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Handle is a live reference to one document in the store. Handles are safe
// for concurrent use; all reads and writes serialize on the handle's lock.
type Handle struct {
	store *Store
	id    DocumentID

	mu      sync.Mutex
	doc     *document
	subs    map[int]chan struct{}
	nextSub int
}

func newHandle(store *Store, id DocumentID) *Handle {
	return &Handle{
		store: store,
		id:    id,
		doc:   newDocument(),
		subs:  make(map[int]chan struct{}),
	}
}

// DocumentID returns the document's identifier.
func (h *Handle) DocumentID() DocumentID { return h.id }

// Heads returns the current heads in canonical order.
func (h *Handle) Heads() []ChangeHash {
	h.mu.Lock()
	defer h.mu.Unlock()
	return CloneHeads(h.doc.heads)
}

// ContainsHeads reports whether every given hash is part of this document's
// history. Used for ancestor detection between refs.
func (h *Handle) ContainsHeads(heads []ChangeHash) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.doc.containsHeads(heads)
}

// Tx is a single open transaction against a document. Mutations accumulate
// as operations and become one change on commit.
type Tx struct {
	state map[string]any
	ops   []Op
}

func encodeValue(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	return raw, nil
}

// Put sets path.key to a JSON-encodable value.
func (tx *Tx) Put(path []string, key string, value any) error {
	raw, err := encodeValue(value)
	if err != nil {
		return err
	}
	tx.ops = append(tx.ops, Op{Path: append([]string(nil), path...), Key: key, Kind: OpPut, Value: raw})
	applyOp(tx.state, tx.ops[len(tx.ops)-1])
	return nil
}

// PutText sets path.key to a text value.
func (tx *Tx) PutText(path []string, key, text string) error {
	return tx.Put(path, key, text)
}

// PutBytes sets path.key to a binary value, stored base64-encoded.
func (tx *Tx) PutBytes(path []string, key string, data []byte) error {
	return tx.Put(path, key, base64.StdEncoding.EncodeToString(data))
}

// Delete removes path.key.
func (tx *Tx) Delete(path []string, key string) {
	tx.ops = append(tx.ops, Op{Path: append([]string(nil), path...), Key: key, Kind: OpDelete})
	applyOp(tx.state, tx.ops[len(tx.ops)-1])
}

// Get reads path.key from the transaction's working state, reflecting any
// mutations already made in this transaction.
func (tx *Tx) Get(path []string, key string) (any, bool) {
	obj := tx.state
	for _, seg := range path {
		child, ok := obj[seg].(map[string]any)
		if !ok {
			return nil, false
		}
		obj = child
	}
	v, ok := obj[key]
	return v, ok
}

// Keys lists the keys of the object at path, sorted.
func (tx *Tx) Keys(path []string) []string {
	obj := tx.state
	for _, seg := range path {
		child, ok := obj[seg].(map[string]any)
		if !ok {
			return nil
		}
		obj = child
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DecodeBytes decodes a value previously stored with PutBytes.
func DecodeBytes(v any) ([]byte, bool) {
	s, ok := v.(string)
	if !ok {
		return nil, false
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, false
	}
	return raw, true
}

// Transact runs fn inside a transaction anchored at anchor (nil for the
// current heads) and commits the result as one change carrying meta. If fn
// makes no mutations, no change is committed and the anchor heads are
// returned unchanged.
func (h *Handle) Transact(ctx context.Context, anchor []ChangeHash, meta CommitMetadata, fn func(*Tx) error) ([]ChangeHash, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	if anchor == nil {
		anchor = CloneHeads(h.doc.heads)
	}
	tx := &Tx{state: h.doc.stateAt(anchor)}
	if err := fn(tx); err != nil {
		h.mu.Unlock()
		return nil, err
	}
	if len(tx.ops) == 0 {
		h.mu.Unlock()
		return anchor, nil
	}

	message, err := json.Marshal(meta)
	if err != nil {
		h.mu.Unlock()
		return nil, fmt.Errorf("encode commit metadata: %w", err)
	}
	change := &Change{
		Deps:      CloneHeads(anchor),
		Actor:     meta.Username,
		Timestamp: time.Now().UTC(),
		Message:   string(message),
		Ops:       tx.ops,
	}
	change.Hash = hashChange(change)
	if _, err := h.doc.addChange(change); err != nil {
		h.mu.Unlock()
		return nil, fmt.Errorf("commit change: %w", err)
	}
	heads := CloneHeads(h.doc.heads)
	h.mu.Unlock()

	h.store.persist(h)
	h.notify()
	return heads, nil
}

// Snapshot returns the state tree at the current heads.
func (h *Handle) Snapshot() map[string]any {
	return h.SnapshotAt(nil)
}

// SnapshotAt returns the state tree at the given historical heads. Nil
// means the current heads.
func (h *Handle) SnapshotAt(heads []ChangeHash) map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.doc.stateAt(heads)
}

// Changes returns every change in causal order, oldest first.
func (h *Handle) Changes() []Change {
	h.mu.Lock()
	defer h.mu.Unlock()
	ordered := h.doc.orderedChanges(nil)
	out := make([]Change, len(ordered))
	for i, c := range ordered {
		out[i] = *c
	}
	return out
}

// Merge folds every change from other into this document.
func (h *Handle) Merge(other *Handle) error {
	if other == nil || other == h {
		return nil
	}
	other.mu.Lock()
	foreign := make([]*Change, 0, len(other.doc.changes))
	for _, c := range other.doc.changes {
		foreign = append(foreign, c)
	}
	other.mu.Unlock()

	src := newDocument()
	for _, c := range foreign {
		src.changes[c.Hash] = c
	}

	h.mu.Lock()
	adopted, err := h.doc.merge(src)
	h.mu.Unlock()
	if err != nil {
		return fmt.Errorf("merge %s into %s: %w", other.id, h.id, err)
	}
	if adopted > 0 {
		h.store.persist(h)
		h.notify()
	}
	return nil
}

// PatchAction identifies what a patch did.
type PatchAction uint8

const (
	PatchPut PatchAction = iota + 1
	PatchDelete
)

// Patch describes one difference between two points in a document's
// history.
type Patch struct {
	Path   []string
	Key    string
	Action PatchAction
}

// Diff returns the patches that transform the state at headsA into the
// state at headsB.
func (h *Handle) Diff(headsA, headsB []ChangeHash) []Patch {
	h.mu.Lock()
	before := h.doc.stateAt(headsA)
	after := h.doc.stateAt(headsB)
	h.mu.Unlock()
	var patches []Patch
	diffObjects(nil, before, after, &patches)
	return patches
}

func diffObjects(path []string, before, after map[string]any, out *[]Patch) {
	keys := make(map[string]bool, len(before)+len(after))
	for k := range before {
		keys[k] = true
	}
	for k := range after {
		keys[k] = true
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	for _, k := range sorted {
		oldV, hadOld := before[k]
		newV, hasNew := after[k]
		switch {
		case !hasNew:
			*out = append(*out, Patch{Path: append([]string(nil), path...), Key: k, Action: PatchDelete})
		case !hadOld:
			*out = append(*out, Patch{Path: append([]string(nil), path...), Key: k, Action: PatchPut})
		default:
			oldObj, oldIsObj := oldV.(map[string]any)
			newObj, newIsObj := newV.(map[string]any)
			if oldIsObj && newIsObj {
				diffObjects(append(path, k), oldObj, newObj, out)
				continue
			}
			if !equalValues(oldV, newV) {
				*out = append(*out, Patch{Path: append([]string(nil), path...), Key: k, Action: PatchPut})
			}
		}
	}
}

func equalValues(a, b any) bool {
	ra, err1 := json.Marshal(a)
	rb, err2 := json.Marshal(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return string(ra) == string(rb)
}

// Subscribe returns a channel that receives a signal after every local
// commit, merge, or remotely applied change. The subscription is removed
// when ctx is done. The channel has a buffer of one; bursts coalesce.
func (h *Handle) Subscribe(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	id := h.nextSub
	h.nextSub++
	h.subs[id] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}()
	return ch
}

func (h *Handle) notify() {
	h.mu.Lock()
	for _, ch := range h.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	h.mu.Unlock()
}

// applyChanges adopts changes received from a remote peer. Changes with
// missing dependencies are rejected as a batch.
func (h *Handle) applyChanges(changes []*Change) (int, error) {
	src := newDocument()
	for _, c := range changes {
		src.changes[c.Hash] = c
	}
	h.mu.Lock()
	adopted, err := h.doc.merge(src)
	h.mu.Unlock()
	if err != nil {
		return adopted, err
	}
	if adopted > 0 {
		h.store.persist(h)
		h.notify()
	}
	return adopted, nil
}

// changesSince returns every change not in the ancestor set of heads, in
// causal order. Empty heads returns the full history.
func (h *Handle) changesSince(heads []ChangeHash) []Change {
	h.mu.Lock()
	defer h.mu.Unlock()
	known := h.doc.ancestors(heads)
	var out []Change
	for _, c := range h.doc.orderedChanges(nil) {
		if !known[c.Hash] {
			out = append(out, *c)
		}
	}
	return out
}
