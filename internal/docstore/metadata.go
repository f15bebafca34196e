package docstore

// FileChangeKind classifies a single entry in a commit's changed-files
// manifest.
type FileChangeKind string

const (
	FileAdded    FileChangeKind = "added"
	FileModified FileChangeKind = "modified"
	FileRemoved  FileChangeKind = "removed"
)

// ChangedFile is one entry of a commit's changed-files manifest. Downstream
// consumers (summaries, diffing) use the manifest to avoid re-deriving "what
// changed" from raw patches.
type ChangedFile struct {
	Path string         `json:"path"`
	Kind FileChangeKind `json:"kind"`
}

// MergeMetadata records the provenance of a merge commit.
type MergeMetadata struct {
	MergedBranchID DocumentID   `json:"merged_branch_id"`
	MergedAtHeads  []ChangeHash `json:"merged_at_heads"`
	ForkedAtHeads  []ChangeHash `json:"forked_at_heads"`
}

// CommitMetadata is attached to every change committed through a
// transaction. It keeps the commit history auditable: who made the change,
// on which branch, and whether it was a merge, a revert or setup work.
type CommitMetadata struct {
	Username      string         `json:"username,omitempty"`
	BranchID      DocumentID     `json:"branch_id,omitempty"`
	MergeMetadata *MergeMetadata `json:"merge_metadata,omitempty"`
	RevertedTo    []ChangeHash   `json:"reverted_to,omitempty"`
	ChangedFiles  []ChangedFile  `json:"changed_files,omitempty"`
	IsSetup       bool           `json:"is_setup,omitempty"`
}
