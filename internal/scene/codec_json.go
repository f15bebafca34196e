package scene

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
)

// JSONCodec reads and writes scene trees as JSON files. It is the codec
// used when no host integration supplies a native one, and in tests.
type JSONCodec struct {
	// Extensions lists the file extensions handled, lowercase with the
	// leading dot. Empty means ".weftscene".
	Extensions []string
	// Defaults maps "<type>.<property>" to the declared default value.
	Defaults map[string]Value
}

func (c JSONCodec) Recognize(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if len(c.Extensions) == 0 {
		return ext == ".weftscene"
	}
	for _, e := range c.Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

func (c JSONCodec) Parse(data []byte) (*Tree, error) {
	var t Tree
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse scene: %w", err)
	}
	return &t, nil
}

func (c JSONCodec) Serialize(tree *Tree) ([]byte, error) {
	data, err := json.MarshalIndent(tree, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("serialize scene: %w", err)
	}
	return append(data, '\n'), nil
}

func (c JSONCodec) DefaultValue(typeName, property string) (Value, bool) {
	v, ok := c.Defaults[typeName+"."+property]
	return v, ok
}
