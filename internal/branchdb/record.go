package branchdb

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/weftlabs/weft/internal/docstore"
)

// ForkInfo records where a branch was forked from. It is written once at
// fork time and never modified afterwards.
type ForkInfo struct {
	ForkedFrom docstore.DocumentID   `json:"forked_from"`
	ForkedAt   []docstore.ChangeHash `json:"forked_at"`
}

// MergeInfo records the merge that retired a branch into its target.
type MergeInfo struct {
	MergedInto docstore.DocumentID   `json:"merged_into"`
	MergedAt   []docstore.ChangeHash `json:"merged_at"`
}

// BranchRecord is the durable description of a branch, as stored in the
// project metadata document's branch registry.
type BranchRecord struct {
	ID         docstore.DocumentID   `json:"id"`
	Name       string                `json:"name"`
	CreatedBy  string                `json:"created_by"`
	CreatedAt  time.Time             `json:"created_at"`
	Fork       *ForkInfo             `json:"fork,omitempty"`
	Merge      *MergeInfo            `json:"merge,omitempty"`
	RevertedTo []docstore.ChangeHash `json:"reverted_to,omitempty"`
}

// IsMain reports whether the record describes the main branch, which is the
// only branch with no fork origin.
func (r BranchRecord) IsMain() bool { return r.Fork == nil }

// BranchState is a loaded branch: the durable record joined with the live
// document handle and everything derived from the document's contents.
type BranchState struct {
	Record       BranchRecord
	Handle       *docstore.Handle
	LinkedDocIDs []docstore.DocumentID
	// SyncedHeads is the newest set of heads for which every linked binary
	// document the branch references is locally available. It trails the
	// document's actual heads while binaries are still in flight.
	SyncedHeads []docstore.ChangeHash
}

// SyncedRef returns the ref at the branch's synced heads, or an invalid ref
// when nothing has been synced yet.
func (s *BranchState) SyncedRef() HistoryRef {
	return NewHistoryRef(s.Record.ID, s.SyncedHeads)
}

func encodeRecord(rec BranchRecord) (json.RawMessage, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode branch record %s: %w", rec.ID, err)
	}
	return raw, nil
}

func decodeRecord(raw json.RawMessage) (BranchRecord, error) {
	var rec BranchRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return BranchRecord{}, fmt.Errorf("decode branch record: %w", err)
	}
	if rec.ID == "" {
		return BranchRecord{}, fmt.Errorf("decode branch record: missing id")
	}
	return rec, nil
}
