package branchdb

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/weftlabs/weft/internal/docstore"
)

// ForkBranch creates a new branch from source's current history. The new
// branch document carries source's full change DAG, and its registry record
// carries a write-once fork origin at source's heads.
func (db *DB) ForkBranch(ctx context.Context, name string, source docstore.DocumentID) (docstore.DocumentID, error) {
	db.mu.Lock()
	src, ok := db.states[source]
	db.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("fork from %s: %w", source, ErrUnknownBranch)
	}
	forkedAt := src.Handle.Heads()
	if len(forkedAt) == 0 {
		return "", fmt.Errorf("fork from %s: branch has no history yet", source)
	}

	handle, err := db.store.Create(ctx)
	if err != nil {
		return "", fmt.Errorf("create branch doc: %w", err)
	}
	if err := handle.Merge(src.Handle); err != nil {
		return "", fmt.Errorf("copy source history: %w", err)
	}

	record := BranchRecord{
		ID:        handle.DocumentID(),
		Name:      name,
		CreatedBy: db.username,
		CreatedAt: time.Now().UTC(),
		Fork:      &ForkInfo{ForkedFrom: source, ForkedAt: forkedAt},
	}
	if err := db.writeMetadata(ctx, func(tx *docstore.Tx) error {
		return putRecord(tx, record)
	}); err != nil {
		return "", fmt.Errorf("register branch %q: %w", name, err)
	}
	if err := db.RefreshMetadata(ctx); err != nil {
		return "", err
	}
	db.log.Info().Str("name", name).Str("branch", string(record.ID)).Str("source", string(source)).Msg("forked branch")
	return record.ID, nil
}

// MergeBranch folds source's history into target and seals it with an
// attributed merge commit carrying the merged branch, the heads merged at
// and the heads source forked at. Source's record is marked merged into
// target; the branch itself stays readable for history views.
func (db *DB) MergeBranch(ctx context.Context, source, target docstore.DocumentID) error {
	db.mu.Lock()
	src, okSrc := db.states[source]
	dst, okDst := db.states[target]
	db.mu.Unlock()
	if !okSrc {
		return fmt.Errorf("merge source %s: %w", source, ErrUnknownBranch)
	}
	if !okDst {
		return fmt.Errorf("merge target %s: %w", target, ErrUnknownBranch)
	}

	mergedAt := src.Handle.Heads()
	if err := dst.Handle.Merge(src.Handle); err != nil {
		return fmt.Errorf("merge %s into %s: %w", source, target, err)
	}

	var forkedAt []docstore.ChangeHash
	if src.Record.Fork != nil {
		forkedAt = src.Record.Fork.ForkedAt
	}
	meta := docstore.CommitMetadata{
		Username: db.username,
		BranchID: target,
		MergeMetadata: &docstore.MergeMetadata{
			MergedBranchID: source,
			MergedAtHeads:  docstore.CloneHeads(mergedAt),
			ForkedAtHeads:  docstore.CloneHeads(forkedAt),
		},
	}
	// The merge itself adds no operations, but the history needs an
	// attributed commit to pin who merged what and when.
	heads, err := dst.Handle.Transact(ctx, nil, meta, func(tx *docstore.Tx) error {
		return tx.Put(nil, "_changed", time.Now().UTC().UnixNano())
	})
	if err != nil {
		return fmt.Errorf("seal merge of %s into %s: %w", source, target, err)
	}

	rec := src.Record
	rec.Merge = &MergeInfo{MergedInto: target, MergedAt: docstore.CloneHeads(heads)}
	if err := db.writeMetadata(ctx, func(tx *docstore.Tx) error {
		return putRecord(tx, rec)
	}); err != nil {
		return fmt.Errorf("mark %s merged: %w", source, err)
	}
	if err := db.RefreshMetadata(ctx); err != nil {
		return err
	}
	db.log.Info().Str("source", string(source)).Str("target", string(target)).Msg("merged branch")
	return nil
}

// DeleteBranch removes a branch from the registry. The branch document
// itself is left alone; peers that still reference it keep working.
func (db *DB) DeleteBranch(ctx context.Context, id docstore.DocumentID) error {
	if id == db.MainID() {
		return fmt.Errorf("delete branch: main branch cannot be deleted")
	}
	if err := db.writeMetadata(ctx, func(tx *docstore.Tx) error {
		tx.Delete([]string{metaKeyBranches}, string(id))
		return nil
	}); err != nil {
		return fmt.Errorf("delete branch %s: %w", id, err)
	}
	if err := db.RefreshMetadata(ctx); err != nil {
		return err
	}
	db.log.Info().Str("branch", string(id)).Msg("deleted branch")
	return nil
}

// CreateMergePreviewBranch builds a throwaway branch holding the merge of
// source into target, for reviewing a merge before committing to it. Its
// record carries both the fork origin (source) and the merge target.
func (db *DB) CreateMergePreviewBranch(ctx context.Context, source, target docstore.DocumentID) (docstore.DocumentID, error) {
	db.mu.Lock()
	src, okSrc := db.states[source]
	dst, okDst := db.states[target]
	db.mu.Unlock()
	if !okSrc {
		return "", fmt.Errorf("merge preview source %s: %w", source, ErrUnknownBranch)
	}
	if !okDst {
		return "", fmt.Errorf("merge preview target %s: %w", target, ErrUnknownBranch)
	}

	sourceHeads := src.Handle.Heads()
	targetHeads := dst.Handle.Heads()

	handle, err := db.store.Create(ctx)
	if err != nil {
		return "", fmt.Errorf("create merge preview doc: %w", err)
	}
	if err := handle.Merge(dst.Handle); err != nil {
		return "", fmt.Errorf("fold target into preview: %w", err)
	}
	if err := handle.Merge(src.Handle); err != nil {
		return "", fmt.Errorf("fold source into preview: %w", err)
	}

	record := BranchRecord{
		ID:        handle.DocumentID(),
		Name:      fmt.Sprintf("%s <- %s", dst.Record.Name, src.Record.Name),
		CreatedBy: db.username,
		CreatedAt: time.Now().UTC(),
		Fork:      &ForkInfo{ForkedFrom: source, ForkedAt: sourceHeads},
		Merge:     &MergeInfo{MergedInto: target, MergedAt: targetHeads},
	}
	if err := db.writeMetadata(ctx, func(tx *docstore.Tx) error {
		return putRecord(tx, record)
	}); err != nil {
		return "", fmt.Errorf("register merge preview: %w", err)
	}
	if err := db.RefreshMetadata(ctx); err != nil {
		return "", err
	}
	return record.ID, nil
}

// revertDelta computes the file changes that move branch's tree at its
// current heads back to the tree at revertTo.
func (db *DB) revertDelta(ctx context.Context, branch docstore.DocumentID, revertTo []docstore.ChangeHash) ([]FileDelta, error) {
	db.mu.Lock()
	s, ok := db.states[branch]
	db.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("revert on %s: %w", branch, ErrUnknownBranch)
	}
	current := NewHistoryRef(branch, s.Handle.Heads())
	target := NewHistoryRef(branch, revertTo)
	if !target.Valid() {
		return nil, fmt.Errorf("revert on %s: no target heads", branch)
	}
	if !s.Handle.ContainsHeads(revertTo) {
		return nil, fmt.Errorf("revert on %s: target heads are not in this branch's history", branch)
	}
	// Diffing current -> target yields exactly the edits that restore the
	// old tree.
	return db.ChangedFilesBetweenRefs(ctx, &current, target, false)
}

// RevertToHeads commits, on the branch itself, the delta that restores the
// tree as it was at revertTo. History is preserved; the revert is a new
// commit tagged with the heads it restored.
func (db *DB) RevertToHeads(ctx context.Context, branch docstore.DocumentID, revertTo []docstore.ChangeHash) (HistoryRef, error) {
	deltas, err := db.revertDelta(ctx, branch, revertTo)
	if err != nil {
		return HistoryRef{}, err
	}
	db.mu.Lock()
	s, ok := db.states[branch]
	db.mu.Unlock()
	if !ok {
		return HistoryRef{}, fmt.Errorf("revert on %s: %w", branch, ErrUnknownBranch)
	}
	anchor := NewHistoryRef(branch, s.Handle.Heads())
	return db.CommitFSChanges(ctx, anchor, deltas, revertTo, false)
}

// CreateRevertPreviewBranch forks branch and applies the revert delta on
// the fork, so the restored tree can be reviewed before reverting for real.
func (db *DB) CreateRevertPreviewBranch(ctx context.Context, branch docstore.DocumentID, revertTo []docstore.ChangeHash) (docstore.DocumentID, error) {
	db.mu.Lock()
	s, ok := db.states[branch]
	db.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("revert preview on %s: %w", branch, ErrUnknownBranch)
	}

	name := fmt.Sprintf("%s revert to %s", s.Record.Name, shortHeads(revertTo))
	preview, err := db.ForkBranch(ctx, name, branch)
	if err != nil {
		return "", err
	}
	if _, err := db.RevertToHeads(ctx, preview, revertTo); err != nil {
		return "", err
	}
	return preview, nil
}

func shortHeads(heads []docstore.ChangeHash) string {
	parts := make([]string, len(heads))
	for i, h := range heads {
		parts[i] = h.Short()
	}
	return strings.Join(parts, ".")
}
