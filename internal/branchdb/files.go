package branchdb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/weftlabs/weft/internal/docstore"
)

// binaryURLPrefix marks a file entry whose content lives in a separate
// binary document.
const binaryURLPrefix = "weft:"

// FileKind identifies which representation a file entry uses.
type FileKind uint8

const (
	// FileText stores the file's text inline in the branch document.
	FileText FileKind = iota + 1
	// FileScene stores a structured scene tree, serialized by a codec.
	FileScene
	// FileBinary stores a reference to a linked binary document.
	FileBinary
)

func (k FileKind) String() string {
	switch k {
	case FileText:
		return "text"
	case FileScene:
		return "scene"
	case FileBinary:
		return "binary"
	default:
		return fmt.Sprintf("FileKind(%d)", k)
	}
}

// FileContent is one file's content in exactly one representation. For
// binary files, BinaryDoc names the document the bytes live in; Binary is
// the resolved content when it was available locally.
type FileContent struct {
	Kind      FileKind
	Text      string
	Scene     map[string]any
	Binary    []byte
	BinaryDoc docstore.DocumentID
}

// TextContent builds an inline text content value.
func TextContent(text string) FileContent {
	return FileContent{Kind: FileText, Text: text}
}

// SceneContent builds a structured scene content value.
func SceneContent(tree map[string]any) FileContent {
	return FileContent{Kind: FileScene, Scene: tree}
}

// BinaryContent builds a binary content value with no document assigned
// yet. Committing it creates a new linked document.
func BinaryContent(data []byte) FileContent {
	return FileContent{Kind: FileBinary, Binary: data}
}

// Equal reports whether two contents are the same representation with the
// same payload. Scene trees compare by canonical JSON.
func (c FileContent) Equal(other FileContent) bool {
	if c.Kind != other.Kind {
		return false
	}
	switch c.Kind {
	case FileText:
		return c.Text == other.Text
	case FileScene:
		a, err1 := json.Marshal(c.Scene)
		b, err2 := json.Marshal(other.Scene)
		return err1 == nil && err2 == nil && bytes.Equal(a, b)
	case FileBinary:
		if c.BinaryDoc != "" && c.BinaryDoc == other.BinaryDoc {
			return true
		}
		return bytes.Equal(c.Binary, other.Binary)
	default:
		return false
	}
}

// FileDelta is one file-level change between two points in history, or one
// pending filesystem change waiting to be committed.
type FileDelta struct {
	Path    string
	Kind    docstore.FileChangeKind
	Content FileContent
}

// decodeFileEntry converts a raw entry from a branch document's files map
// into a FileContent. Binary entries come back unresolved; the caller
// resolves BinaryDoc through the store when it needs the bytes.
func decodeFileEntry(path string, raw any) (FileContent, error) {
	entry, ok := raw.(map[string]any)
	if !ok {
		return FileContent{}, fmt.Errorf("file entry %q: not an object", path)
	}
	if v, ok := entry["content"]; ok {
		text, ok := v.(string)
		if !ok {
			return FileContent{}, fmt.Errorf("file entry %q: content is not text", path)
		}
		return TextContent(text), nil
	}
	if v, ok := entry["structured"]; ok {
		tree, ok := v.(map[string]any)
		if !ok {
			return FileContent{}, fmt.Errorf("file entry %q: structured content is not an object", path)
		}
		return SceneContent(tree), nil
	}
	if v, ok := entry["url"]; ok {
		url, ok := v.(string)
		if !ok || !strings.HasPrefix(url, binaryURLPrefix) {
			return FileContent{}, fmt.Errorf("file entry %q: malformed url %v", path, v)
		}
		id, err := docstore.ParseDocumentID(strings.TrimPrefix(url, binaryURLPrefix))
		if err != nil {
			return FileContent{}, fmt.Errorf("file entry %q: %w", path, err)
		}
		return FileContent{Kind: FileBinary, BinaryDoc: id}, nil
	}
	return FileContent{}, fmt.Errorf("file entry %q: no recognized representation", path)
}

// linkedDocIDs extracts every binary document referenced by a files map.
func linkedDocIDs(files map[string]any) []docstore.DocumentID {
	var ids []docstore.DocumentID
	seen := make(map[docstore.DocumentID]bool)
	for path, raw := range files {
		content, err := decodeFileEntry(path, raw)
		if err != nil || content.Kind != FileBinary {
			continue
		}
		if !seen[content.BinaryDoc] {
			seen[content.BinaryDoc] = true
			ids = append(ids, content.BinaryDoc)
		}
	}
	return ids
}
