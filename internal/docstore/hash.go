package docstore

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/oklog/ulid/v2"
)

// DocumentID identifies a document in the store. IDs are ULIDs in their
// canonical text form, so they sort by creation time and are safe to embed
// in paths and URLs.
type DocumentID string

// NewDocumentID generates a fresh DocumentID.
func NewDocumentID() DocumentID {
	return DocumentID(ulid.MustNew(ulid.Now(), rand.Reader).String())
}

// ParseDocumentID validates s as a DocumentID.
func ParseDocumentID(s string) (DocumentID, error) {
	if _, err := ulid.ParseStrict(s); err != nil {
		return "", fmt.Errorf("parse document id %q: %w", s, err)
	}
	return DocumentID(s), nil
}

// ChangeHash is the blake3 hash of a change's canonical encoding.
type ChangeHash [32]byte

// String returns the full hex form of the hash.
func (h ChangeHash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first seven hex characters, for display.
func (h ChangeHash) Short() string {
	return h.String()[:7]
}

// MarshalText implements encoding.TextMarshaler.
func (h ChangeHash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *ChangeHash) UnmarshalText(text []byte) error {
	raw, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("parse change hash: %w", err)
	}
	if len(raw) != len(h) {
		return fmt.Errorf("parse change hash: want %d bytes, got %d", len(h), len(raw))
	}
	copy(h[:], raw)
	return nil
}

// ParseChangeHash parses a full hex change hash.
func ParseChangeHash(s string) (ChangeHash, error) {
	var h ChangeHash
	err := h.UnmarshalText([]byte(s))
	return h, err
}

// SortHeads sorts hashes in place into the canonical head order.
func SortHeads(heads []ChangeHash) {
	sort.Slice(heads, func(i, j int) bool {
		return bytes.Compare(heads[i][:], heads[j][:]) < 0
	})
}

// HeadsEqual reports whether two head sets are identical. Both arguments
// must already be in canonical order, which every docstore API guarantees
// for the heads it returns.
func HeadsEqual(a, b []ChangeHash) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// HeadsContain reports whether heads includes h.
func HeadsContain(heads []ChangeHash, h ChangeHash) bool {
	for _, have := range heads {
		if have == h {
			return true
		}
	}
	return false
}

// CloneHeads returns a copy of heads in canonical order.
func CloneHeads(heads []ChangeHash) []ChangeHash {
	if heads == nil {
		return nil
	}
	out := make([]ChangeHash, len(heads))
	copy(out, heads)
	SortHeads(out)
	return out
}
