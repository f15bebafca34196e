// Package scene defines the structured scene model and the codec interface
// that parses and serializes editor scene files. The codec implementation is
// supplied by the host integration; this core only consumes it.
package scene

import "sort"

// Value is a scene property value in its textual variant form.
type Value string

// ExtResource is a reference to another file from a scene. Ext-resource
// references are compared shallowly: path, type and uid only, never the
// referenced file's content.
type ExtResource struct {
	ID   string
	Path string
	Type string
	UID  string
}

// SubResource is a resource embedded inside a scene file.
type SubResource struct {
	ID         string
	Type       string
	Properties map[string]Value
}

// Node is one node in a scene's node tree.
type Node struct {
	ID         string
	Name       string
	Type       string
	Parent     string
	Properties map[string]Value
}

// Tree is the structured form of one scene file.
type Tree struct {
	ResourceType string
	Nodes        map[string]*Node
	SubResources map[string]*SubResource
	ExtResources map[string]*ExtResource
}

// NodeIDs returns the scene's node ids, sorted.
func (t *Tree) NodeIDs() []string {
	if t == nil {
		return nil
	}
	ids := make([]string, 0, len(t.Nodes))
	for id := range t.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SubResourceIDs returns the scene's sub-resource ids, sorted.
func (t *Tree) SubResourceIDs() []string {
	if t == nil {
		return nil
	}
	ids := make([]string, 0, len(t.SubResources))
	for id := range t.SubResources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ExtResourceIDs returns the scene's ext-resource ids, sorted.
func (t *Tree) ExtResourceIDs() []string {
	if t == nil {
		return nil
	}
	ids := make([]string, 0, len(t.ExtResources))
	for id := range t.ExtResources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Codec parses and serializes scene files and knows the declared default
// value of every (type, property) pair. Implementations must be safe for
// concurrent use.
type Codec interface {
	// Recognize reports whether the codec handles the file at path.
	Recognize(path string) bool
	// Parse decodes raw file bytes into a structured tree.
	Parse(data []byte) (*Tree, error)
	// Serialize encodes a tree back into file bytes.
	Serialize(tree *Tree) ([]byte, error)
	// DefaultValue returns the declared default for a property on a type.
	// The second return value is false when no default is declared.
	DefaultValue(typeName, property string) (Value, bool)
}
