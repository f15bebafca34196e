package branchdb

import (
	"context"
	"fmt"
	"sort"

	"github.com/weftlabs/weft/internal/docstore"
)

// encodeFileEntry renders a FileContent as a branch document entry. Writing
// the whole entry object replaces any previous representation, so a file
// switching from text to binary (or back) never keeps stale fields.
func encodeFileEntry(c FileContent) (map[string]any, error) {
	switch c.Kind {
	case FileText:
		return map[string]any{"content": c.Text}, nil
	case FileScene:
		return map[string]any{"structured": c.Scene}, nil
	case FileBinary:
		if c.BinaryDoc == "" {
			return nil, fmt.Errorf("binary entry without a document")
		}
		return map[string]any{"url": binaryURLPrefix + string(c.BinaryDoc)}, nil
	default:
		return nil, fmt.Errorf("unknown file kind %d", c.Kind)
	}
}

// resolveBinary reads the content of a linked binary document.
func (db *DB) resolveBinary(ctx context.Context, id docstore.DocumentID) ([]byte, error) {
	h, found, err := db.store.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found || len(h.Heads()) == 0 {
		return nil, fmt.Errorf("binary doc %s not available locally", id)
	}
	raw, ok := h.Snapshot()["content"]
	if !ok {
		return nil, fmt.Errorf("binary doc %s has no content", id)
	}
	data, ok := docstore.DecodeBytes(raw)
	if !ok {
		return nil, fmt.Errorf("binary doc %s content is malformed", id)
	}
	return data, nil
}

// createBinaryDoc stores data in a fresh linked document and returns its id.
func (db *DB) createBinaryDoc(ctx context.Context, branch docstore.DocumentID, data []byte) (docstore.DocumentID, error) {
	h, err := db.store.Create(ctx)
	if err != nil {
		return "", fmt.Errorf("create binary doc: %w", err)
	}
	meta := docstore.CommitMetadata{Username: db.username, BranchID: branch}
	if _, err := h.Transact(ctx, nil, meta, func(tx *docstore.Tx) error {
		return tx.PutBytes(nil, "content", data)
	}); err != nil {
		return "", fmt.Errorf("write binary doc: %w", err)
	}
	return h.DocumentID(), nil
}

// sameContent reports whether a pending delta's content matches what the
// branch already holds at path, resolving binary documents as needed.
func (db *DB) sameContent(ctx context.Context, existing, pending FileContent) (bool, error) {
	if existing.Kind != pending.Kind {
		return false, nil
	}
	if existing.Kind != FileBinary {
		return existing.Equal(pending), nil
	}
	if pending.BinaryDoc != "" {
		return pending.BinaryDoc == existing.BinaryDoc, nil
	}
	current, err := db.resolveBinary(ctx, existing.BinaryDoc)
	if err != nil {
		// An unresolved binary cannot be compared; treat as changed.
		return false, nil
	}
	return pending.Equal(FileContent{Kind: FileBinary, Binary: current}), nil
}

// CommitFSChanges commits a batch of filesystem changes onto ref as one
// transaction. Deltas whose content matches what the branch already holds
// are filtered out; binary files without an assigned document get a fresh
// linked document first. The commit carries a changed-files manifest, an
// optional revert tag and the setup flag. When every delta filters out, no
// change is committed and ref comes back unchanged.
func (db *DB) CommitFSChanges(ctx context.Context, ref HistoryRef, files []FileDelta, revert []docstore.ChangeHash, isSetup bool) (HistoryRef, error) {
	db.mu.Lock()
	s, ok := db.states[ref.Branch]
	db.mu.Unlock()
	if !ok {
		return HistoryRef{}, fmt.Errorf("commit on %s: %w", ref.Branch, ErrUnknownBranch)
	}

	snapshot := s.Handle.SnapshotAt(ref.Heads)
	existing := make(map[string]FileContent)
	if raw, ok := snapshot["files"].(map[string]any); ok {
		for path, entry := range raw {
			c, err := decodeFileEntry(path, entry)
			if err != nil {
				db.log.Warn().Err(err).Str("path", path).Msg("skipping malformed file entry")
				continue
			}
			existing[path] = c
		}
	}

	type write struct {
		path  string
		kind  docstore.FileChangeKind
		entry map[string]any
	}
	var writes []write
	for _, delta := range files {
		if db.ShouldIgnore(delta.Path) {
			continue
		}
		prior, had := existing[delta.Path]

		if delta.Kind == docstore.FileRemoved {
			if !had {
				continue
			}
			writes = append(writes, write{path: delta.Path, kind: docstore.FileRemoved})
			continue
		}

		content := delta.Content
		if had {
			same, err := db.sameContent(ctx, prior, content)
			if err != nil {
				return HistoryRef{}, err
			}
			if same {
				continue
			}
		}
		if content.Kind == FileBinary && content.BinaryDoc == "" {
			id, err := db.createBinaryDoc(ctx, ref.Branch, content.Binary)
			if err != nil {
				return HistoryRef{}, err
			}
			content.BinaryDoc = id
		}
		entry, err := encodeFileEntry(content)
		if err != nil {
			return HistoryRef{}, fmt.Errorf("commit %q: %w", delta.Path, err)
		}
		kind := docstore.FileModified
		if !had {
			kind = docstore.FileAdded
		}
		writes = append(writes, write{path: delta.Path, kind: kind, entry: entry})
	}

	if len(writes) == 0 {
		return ref, nil
	}
	sort.Slice(writes, func(i, j int) bool { return writes[i].path < writes[j].path })

	manifest := make([]docstore.ChangedFile, len(writes))
	for i, w := range writes {
		manifest[i] = docstore.ChangedFile{Path: w.path, Kind: w.kind}
	}
	meta := docstore.CommitMetadata{
		Username:     db.username,
		BranchID:     ref.Branch,
		RevertedTo:   docstore.CloneHeads(revert),
		ChangedFiles: manifest,
		IsSetup:      isSetup,
	}
	heads, err := s.Handle.Transact(ctx, ref.Heads, meta, func(tx *docstore.Tx) error {
		for _, w := range writes {
			if w.kind == docstore.FileRemoved {
				tx.Delete([]string{"files"}, w.path)
				continue
			}
			if err := tx.Put([]string{"files"}, w.path, w.entry); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return HistoryRef{}, fmt.Errorf("commit on %s: %w", ref.Branch, err)
	}

	db.met.CommitsTotal.Inc()
	if _, err := db.RefreshBranch(ctx, ref.Branch); err != nil {
		return HistoryRef{}, err
	}
	db.log.Info().Str("branch", string(ref.Branch)).Int("files", len(writes)).Msg("committed filesystem changes")
	return NewHistoryRef(ref.Branch, heads), nil
}

// FilesAtRef returns the file set at an exact point in history. Binary
// content is resolved through the linked documents; an unresolved binary is
// an error, which is why checkouts only target synced refs. A nil filter
// keeps every path.
func (db *DB) FilesAtRef(ctx context.Context, ref HistoryRef, filter func(path string) bool) (map[string]FileContent, error) {
	if !ref.Valid() {
		return nil, fmt.Errorf("files at ref: invalid ref")
	}
	db.mu.Lock()
	s, ok := db.states[ref.Branch]
	db.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("files at %s: %w", ref.Branch, ErrUnknownBranch)
	}

	snapshot := s.Handle.SnapshotAt(ref.Heads)
	raw, _ := snapshot["files"].(map[string]any)
	out := make(map[string]FileContent, len(raw))
	for path, entry := range raw {
		if db.ShouldIgnore(path) {
			continue
		}
		if filter != nil && !filter(path) {
			continue
		}
		c, err := decodeFileEntry(path, entry)
		if err != nil {
			return nil, err
		}
		if c.Kind == FileBinary {
			data, err := db.resolveBinary(ctx, c.BinaryDoc)
			if err != nil {
				return nil, fmt.Errorf("files at ref: %q: %w", path, err)
			}
			c.Binary = data
		}
		out[path] = c
	}
	return out, nil
}

// ChangedFilesBetweenRefs computes the file-level delta that transforms the
// tree at old into the tree at new. When new's document contains old's
// heads the diff runs over the document's native head-to-head diff; when
// the refs share no history (or forceSlow is set) it falls back to a full
// comparison of both file sets. A nil old diffs against the empty tree.
func (db *DB) ChangedFilesBetweenRefs(ctx context.Context, old *HistoryRef, new HistoryRef, forceSlow bool) ([]FileDelta, error) {
	if old != nil && old.Equal(new) {
		return nil, nil
	}
	db.mu.Lock()
	s, ok := db.states[new.Branch]
	db.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("diff to %s: %w", new.Branch, ErrUnknownBranch)
	}

	if !forceSlow && old != nil && s.Handle.ContainsHeads(old.Heads) {
		db.met.DiffPathTotal.WithLabelValues("fast").Inc()
		return db.diffFast(ctx, s, *old, new)
	}
	db.met.DiffPathTotal.WithLabelValues("slow").Inc()
	return db.diffSlow(ctx, old, new)
}

func (db *DB) diffFast(ctx context.Context, s *BranchState, old, new HistoryRef) ([]FileDelta, error) {
	kinds := make(map[string]docstore.FileChangeKind)
	for _, p := range s.Handle.Diff(old.Heads, new.Heads) {
		var path string
		var kind docstore.FileChangeKind
		switch {
		case len(p.Path) == 1 && p.Path[0] == "files":
			path = p.Key
			if p.Action == docstore.PatchDelete {
				kind = docstore.FileRemoved
			} else {
				kind = docstore.FileAdded
			}
		case len(p.Path) >= 2 && p.Path[0] == "files":
			path = p.Path[1]
			kind = docstore.FileModified
		default:
			continue
		}
		if db.ShouldIgnore(path) {
			continue
		}
		// Entry-level patches win over field-level ones for the same path.
		if prev, ok := kinds[path]; ok && prev != docstore.FileModified {
			continue
		}
		kinds[path] = kind
	}
	if len(kinds) == 0 {
		return nil, nil
	}

	after, err := db.FilesAtRef(ctx, new, func(path string) bool {
		k, ok := kinds[path]
		return ok && k != docstore.FileRemoved
	})
	if err != nil {
		return nil, err
	}
	return assembleDeltas(kinds, after), nil
}

func (db *DB) diffSlow(ctx context.Context, old *HistoryRef, new HistoryRef) ([]FileDelta, error) {
	before := map[string]FileContent{}
	if old != nil {
		var err error
		before, err = db.FilesAtRef(ctx, *old, nil)
		if err != nil {
			return nil, err
		}
	}
	after, err := db.FilesAtRef(ctx, new, nil)
	if err != nil {
		return nil, err
	}

	kinds := make(map[string]docstore.FileChangeKind)
	for path, b := range after {
		a, had := before[path]
		switch {
		case !had:
			kinds[path] = docstore.FileAdded
		case !a.Equal(b):
			kinds[path] = docstore.FileModified
		}
	}
	for path := range before {
		if _, ok := after[path]; !ok {
			kinds[path] = docstore.FileRemoved
		}
	}
	return assembleDeltas(kinds, after), nil
}

func assembleDeltas(kinds map[string]docstore.FileChangeKind, after map[string]FileContent) []FileDelta {
	out := make([]FileDelta, 0, len(kinds))
	for path, kind := range kinds {
		d := FileDelta{Path: path, Kind: kind}
		if kind != docstore.FileRemoved {
			d.Content = after[path]
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
