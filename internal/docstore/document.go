package docstore

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"lukechampine.com/blake3"
)

// OpKind identifies what a single operation does to the document state.
type OpKind uint8

const (
	// OpPut sets a key under an object path to a value.
	OpPut OpKind = iota + 1
	// OpDelete removes a key under an object path.
	OpDelete
)

// Op is one mutation inside a change. The document state is a tree of
// string-keyed maps; Path navigates to the containing object (creating
// intermediate maps on replay) and Key names the field being set or removed.
type Op struct {
	Path  []string        `json:"path,omitempty"`
	Key   string          `json:"key"`
	Kind  OpKind          `json:"kind"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Change is one committed transaction: a set of operations plus the hashes
// of the changes it causally depends on. Changes are immutable once created.
type Change struct {
	Hash      ChangeHash   `json:"hash"`
	Deps      []ChangeHash `json:"deps"`
	Actor     string       `json:"actor,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
	Message   string       `json:"message,omitempty"`
	Ops       []Op         `json:"ops"`
}

// Metadata decodes the commit metadata attached to the change, if any.
func (c *Change) Metadata() (CommitMetadata, bool) {
	if c.Message == "" {
		return CommitMetadata{}, false
	}
	var meta CommitMetadata
	if err := json.Unmarshal([]byte(c.Message), &meta); err != nil {
		return CommitMetadata{}, false
	}
	return meta, true
}

// hashChange computes the change hash over a canonical encoding of
// everything except the hash field itself.
func hashChange(c *Change) ChangeHash {
	canon := struct {
		Deps      []ChangeHash `json:"deps"`
		Actor     string       `json:"actor"`
		Timestamp int64        `json:"timestamp"`
		Message   string       `json:"message"`
		Ops       []Op         `json:"ops"`
	}{
		Deps:      CloneHeads(c.Deps),
		Actor:     c.Actor,
		Timestamp: c.Timestamp.UnixNano(),
		Message:   c.Message,
		Ops:       c.Ops,
	}
	raw, err := json.Marshal(canon)
	if err != nil {
		// Everything in a change is JSON-encodable by construction.
		panic(fmt.Sprintf("docstore: encode change: %v", err))
	}
	return blake3.Sum256(raw)
}

// document is the in-memory change DAG for one document.
type document struct {
	changes map[ChangeHash]*Change
	heads   []ChangeHash
}

func newDocument() *document {
	return &document{changes: make(map[ChangeHash]*Change)}
}

// addChange inserts a change whose dependencies are already present. It
// returns false if the change is already known or a dependency is missing.
func (d *document) addChange(c *Change) (bool, error) {
	if _, ok := d.changes[c.Hash]; ok {
		return false, nil
	}
	for _, dep := range c.Deps {
		if _, ok := d.changes[dep]; !ok {
			return false, fmt.Errorf("change %s depends on unknown change %s", c.Hash.Short(), dep.Short())
		}
	}
	d.changes[c.Hash] = c
	d.recomputeHeads()
	return true, nil
}

// recomputeHeads finds the DAG tips: changes no other change depends on.
func (d *document) recomputeHeads() {
	depended := make(map[ChangeHash]bool, len(d.changes))
	for _, c := range d.changes {
		for _, dep := range c.Deps {
			depended[dep] = true
		}
	}
	heads := make([]ChangeHash, 0, 2)
	for hash := range d.changes {
		if !depended[hash] {
			heads = append(heads, hash)
		}
	}
	SortHeads(heads)
	d.heads = heads
}

// containsHeads reports whether every hash in heads is a known change. A
// document that contains another ref's heads shares history with it, which
// is what enables the fast diff path.
func (d *document) containsHeads(heads []ChangeHash) bool {
	if len(heads) == 0 {
		return false
	}
	for _, h := range heads {
		if _, ok := d.changes[h]; !ok {
			return false
		}
	}
	return true
}

// ancestors returns the set of changes reachable from heads, inclusive.
func (d *document) ancestors(heads []ChangeHash) map[ChangeHash]bool {
	seen := make(map[ChangeHash]bool)
	stack := append([]ChangeHash(nil), heads...)
	for len(stack) > 0 {
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[h] {
			continue
		}
		c, ok := d.changes[h]
		if !ok {
			continue
		}
		seen[h] = true
		stack = append(stack, c.Deps...)
	}
	return seen
}

// orderedChanges returns changes restricted to the given set (nil for all)
// in causal order. Ties between causally concurrent changes are broken by
// timestamp then hash so replay is deterministic on every replica.
func (d *document) orderedChanges(include map[ChangeHash]bool) []*Change {
	ready := make([]*Change, 0, len(d.changes))
	pending := make(map[ChangeHash]int)
	dependents := make(map[ChangeHash][]*Change)

	for hash, c := range d.changes {
		if include != nil && !include[hash] {
			continue
		}
		n := 0
		for _, dep := range c.Deps {
			if include == nil || include[dep] {
				n++
				dependents[dep] = append(dependents[dep], c)
			}
		}
		if n == 0 {
			ready = append(ready, c)
		} else {
			pending[hash] = n
		}
	}

	less := func(a, b *Change) bool {
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.Hash.String() < b.Hash.String()
	}
	sortReady := func() {
		sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
	}
	sortReady()

	out := make([]*Change, 0, len(ready)+len(pending))
	for len(ready) > 0 {
		c := ready[0]
		ready = ready[1:]
		out = append(out, c)
		added := false
		for _, dep := range dependents[c.Hash] {
			pending[dep.Hash]--
			if pending[dep.Hash] == 0 {
				delete(pending, dep.Hash)
				ready = append(ready, dep)
				added = true
			}
		}
		if added {
			sortReady()
		}
	}
	return out
}

// stateAt replays the document up to the given heads and returns the
// resulting state tree. Nil heads means the current heads.
func (d *document) stateAt(heads []ChangeHash) map[string]any {
	var include map[ChangeHash]bool
	if heads != nil {
		include = d.ancestors(heads)
	}
	state := make(map[string]any)
	for _, c := range d.orderedChanges(include) {
		for _, op := range c.Ops {
			applyOp(state, op)
		}
	}
	return state
}

func applyOp(state map[string]any, op Op) {
	obj := state
	for _, seg := range op.Path {
		child, ok := obj[seg].(map[string]any)
		if !ok {
			if op.Kind == OpDelete {
				return
			}
			child = make(map[string]any)
			obj[seg] = child
		}
		obj = child
	}
	switch op.Kind {
	case OpPut:
		var v any
		if err := json.Unmarshal(op.Value, &v); err != nil {
			return
		}
		obj[op.Key] = v
	case OpDelete:
		delete(obj, op.Key)
	}
}

// merge folds every change from other into d. Returns the number of changes
// adopted.
func (d *document) merge(other *document) (int, error) {
	adopted := 0
	// Changes may arrive in any order; loop until no progress remains so
	// dependencies resolve regardless of map iteration order.
	remaining := make([]*Change, 0, len(other.changes))
	for _, c := range other.changes {
		if _, ok := d.changes[c.Hash]; !ok {
			remaining = append(remaining, c)
		}
	}
	for len(remaining) > 0 {
		progressed := false
		next := remaining[:0]
		for _, c := range remaining {
			depsOK := true
			for _, dep := range c.Deps {
				if _, ok := d.changes[dep]; !ok {
					depsOK = false
					break
				}
			}
			if !depsOK {
				next = append(next, c)
				continue
			}
			d.changes[c.Hash] = c
			adopted++
			progressed = true
		}
		if !progressed {
			return adopted, fmt.Errorf("merge: %d changes with unresolvable dependencies", len(next))
		}
		remaining = next
	}
	if adopted > 0 {
		d.recomputeHeads()
	}
	return adopted, nil
}
