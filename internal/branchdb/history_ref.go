package branchdb

import (
	"fmt"
	"strings"

	"github.com/weftlabs/weft/internal/docstore"
)

// HistoryRef identifies an exact point in a project's history: a branch
// together with a set of heads on that branch. It is an immutable value
// type compared by branch plus heads.
type HistoryRef struct {
	Branch docstore.DocumentID
	Heads  []docstore.ChangeHash
}

const (
	branchDivider = "+"
	headDivider   = "."
)

// NewHistoryRef builds a ref with heads normalized into canonical order.
func NewHistoryRef(branch docstore.DocumentID, heads []docstore.ChangeHash) HistoryRef {
	return HistoryRef{Branch: branch, Heads: docstore.CloneHeads(heads)}
}

// Valid reports whether the ref points at actual history. A ref with no
// heads cannot be checked out or diffed.
func (r HistoryRef) Valid() bool {
	return r.Branch != "" && len(r.Heads) > 0
}

// Equal reports branch + heads equality.
func (r HistoryRef) Equal(other HistoryRef) bool {
	return r.Branch == other.Branch && docstore.HeadsEqual(r.Heads, other.Heads)
}

// String renders the ref as "<branch>+<head1>.<head2>...". The branch id is
// base32 and heads are hex, so the dividers are unambiguous.
func (r HistoryRef) String() string {
	heads := make([]string, len(r.Heads))
	for i, h := range r.Heads {
		heads[i] = h.String()
	}
	return string(r.Branch) + branchDivider + strings.Join(heads, headDivider)
}

// ParseHistoryRef parses the String form back into a ref.
func ParseHistoryRef(s string) (HistoryRef, error) {
	branchPart, headsPart, found := strings.Cut(s, branchDivider)
	if !found {
		return HistoryRef{}, fmt.Errorf("parse history ref %q: missing %q divider", s, branchDivider)
	}
	branch, err := docstore.ParseDocumentID(branchPart)
	if err != nil {
		return HistoryRef{}, fmt.Errorf("parse history ref %q: %w", s, err)
	}
	var heads []docstore.ChangeHash
	if headsPart != "" {
		for _, part := range strings.Split(headsPart, headDivider) {
			h, err := docstore.ParseChangeHash(part)
			if err != nil {
				return HistoryRef{}, fmt.Errorf("parse history ref %q: %w", s, err)
			}
			heads = append(heads, h)
		}
	}
	ref := NewHistoryRef(branch, heads)
	if !ref.Valid() {
		return HistoryRef{}, fmt.Errorf("parse history ref %q: no heads", s)
	}
	return ref, nil
}
