// Package differ computes reviewable project diffs between two points in
// history. A diff runs in two phases: a prefetch phase that resolves both
// file sets (including binary content) through the branch database, and a
// pure phase that compares what was fetched. The pure phase never touches
// storage, so a diff can be recomputed or cached cheaply.
package differ

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/weftlabs/weft/internal/branchdb"
	"github.com/weftlabs/weft/internal/docstore"
	"github.com/weftlabs/weft/internal/scene"
)

// ChangeType classifies one diffed entity.
type ChangeType string

const (
	Added    ChangeType = "added"
	Modified ChangeType = "modified"
	Removed  ChangeType = "removed"
)

// PropertyDiff is one changed property. An unset side means the property
// was absent and had no declared default.
type PropertyDiff struct {
	Name      string
	Before    scene.Value
	BeforeSet bool
	After     scene.Value
	AfterSet  bool
}

// NodeDiff is one changed scene node. Script changes are reported as a
// marker only; script content never flows through a scene diff.
type NodeDiff struct {
	ID            string
	Change        ChangeType
	Properties    []PropertyDiff
	ScriptChanged bool
}

// SubResourceDiff is one changed embedded resource, compared deeply.
type SubResourceDiff struct {
	ID         string
	Change     ChangeType
	Properties []PropertyDiff
}

// ExtResourceDiff is one changed external reference, compared shallowly by
// path, type and uid.
type ExtResourceDiff struct {
	ID     string
	Change ChangeType
	Before *scene.ExtResource
	After  *scene.ExtResource
}

// SceneDiff is the structured diff of one scene file.
type SceneDiff struct {
	Nodes        []NodeDiff
	SubResources []SubResourceDiff
	ExtResources []ExtResourceDiff
}

// LineKind classifies one line of a text diff.
type LineKind uint8

const (
	LineKeep LineKind = iota
	LineAdded
	LineRemoved
)

// TextDiff is a line-level diff of one text file.
type TextDiff struct {
	Lines []Line
}

// Line is one line of a text diff.
type Line struct {
	Kind LineKind
	Text string
}

// EntryKind identifies which diff variant an entry carries.
type EntryKind uint8

const (
	EntryScene EntryKind = iota + 1
	EntryText
	EntryResource
	EntryFile
)

// EntryDiff is the diff of one path. Exactly one of Scene and Text is set,
// matching Kind; Resource and File entries carry only the change type. A
// Resource entry additionally carries the diff of its .import sidecar when
// the sidecar changed in the same range.
type EntryDiff struct {
	Path    string
	Change  ChangeType
	Kind    EntryKind
	Scene   *SceneDiff
	Text    *TextDiff
	Sidecar *TextDiff
}

// ProjectDiff is an ordered per-path diff between two refs.
type ProjectDiff struct {
	Before  branchdb.HistoryRef
	After   branchdb.HistoryRef
	Entries []EntryDiff
}

// Differ computes and caches project diffs.
type Differ struct {
	db    *branchdb.DB
	codec scene.Codec
	log   zerolog.Logger

	mu    sync.Mutex
	cache map[string]*ProjectDiff
}

// New builds a differ. codec may be nil, in which case scene entries
// degrade to plain file diffs.
func New(db *branchdb.DB, codec scene.Codec, log zerolog.Logger) *Differ {
	return &Differ{
		db:    db,
		codec: codec,
		log:   log.With().Str("component", "differ").Logger(),
		cache: make(map[string]*ProjectDiff),
	}
}

// GetDiff returns the project diff from before to after. Equal refs produce
// an empty diff. Results are cached by the ref pair; refs are immutable so
// a cached diff never goes stale.
func (d *Differ) GetDiff(ctx context.Context, before, after branchdb.HistoryRef) (*ProjectDiff, error) {
	key := before.String() + "|" + after.String()
	d.mu.Lock()
	if cached, ok := d.cache[key]; ok {
		d.mu.Unlock()
		return cached, nil
	}
	d.mu.Unlock()

	diff := &ProjectDiff{Before: before, After: after}
	if !before.Equal(after) {
		deltas, err := d.db.ChangedFilesBetweenRefs(ctx, &before, after, false)
		if err != nil {
			return nil, fmt.Errorf("diff %s..%s: %w", before, after, err)
		}
		changed := make(map[string]bool, len(deltas))
		for _, delta := range deltas {
			changed[delta.Path] = true
		}
		beforeFiles, err := d.db.FilesAtRef(ctx, before, func(path string) bool { return changed[path] })
		if err != nil {
			return nil, fmt.Errorf("diff %s..%s: %w", before, after, err)
		}

		for _, delta := range deltas {
			prior, hadPrior := beforeFiles[delta.Path]
			diff.Entries = append(diff.Entries, d.diffEntry(delta, prior, hadPrior))
		}
		diff.Entries = pairSidecars(diff.Entries)
		sort.Slice(diff.Entries, func(i, j int) bool { return diff.Entries[i].Path < diff.Entries[j].Path })
	}

	d.mu.Lock()
	d.cache[key] = diff
	d.mu.Unlock()
	return diff, nil
}

// diffEntry is the pure phase for one path; both contents are already
// resolved.
func (d *Differ) diffEntry(delta branchdb.FileDelta, prior branchdb.FileContent, hadPrior bool) EntryDiff {
	entry := EntryDiff{Path: delta.Path}
	switch delta.Kind {
	case docstore.FileAdded:
		entry.Change = Added
	case docstore.FileRemoved:
		entry.Change = Removed
	default:
		entry.Change = Modified
	}

	var beforePtr, afterPtr *branchdb.FileContent
	if hadPrior {
		beforePtr = &prior
	}
	if delta.Kind != docstore.FileRemoved {
		c := delta.Content
		afterPtr = &c
	}

	if kindOf(beforePtr) == branchdb.FileScene || kindOf(afterPtr) == branchdb.FileScene {
		sd, err := d.diffScene(beforePtr, afterPtr)
		if err != nil {
			// One unparsable side degrades this path to a bare file diff.
			d.log.Warn().Err(err).Str("path", delta.Path).Msg("scene diff degraded")
			entry.Kind = EntryFile
			return entry
		}
		entry.Kind = EntryScene
		entry.Scene = sd
		return entry
	}

	if (beforePtr == nil || beforePtr.Kind == branchdb.FileText) &&
		(afterPtr == nil || afterPtr.Kind == branchdb.FileText) {
		entry.Kind = EntryText
		entry.Text = diffText(textOf(beforePtr), textOf(afterPtr))
		return entry
	}

	entry.Kind = EntryResource
	return entry
}

// pairSidecars folds a changed .import sidecar into the resource entry of
// the asset it describes. A sidecar whose asset did not change in the same
// range stays a standalone text entry.
func pairSidecars(entries []EntryDiff) []EntryDiff {
	byPath := make(map[string]int, len(entries))
	for i, e := range entries {
		byPath[e.Path] = i
	}
	folded := make(map[int]bool)
	for i, e := range entries {
		if e.Kind != EntryResource {
			continue
		}
		if j, ok := byPath[e.Path+".import"]; ok && entries[j].Kind == EntryText {
			entries[i].Sidecar = entries[j].Text
			folded[j] = true
		}
	}
	if len(folded) == 0 {
		return entries
	}
	out := entries[:0]
	for i, e := range entries {
		if !folded[i] {
			out = append(out, e)
		}
	}
	return out
}

func kindOf(c *branchdb.FileContent) branchdb.FileKind {
	if c == nil {
		return 0
	}
	return c.Kind
}

func textOf(c *branchdb.FileContent) string {
	if c == nil {
		return ""
	}
	return c.Text
}

func decodeTree(c *branchdb.FileContent) (*scene.Tree, error) {
	if c == nil {
		return nil, nil
	}
	if c.Kind != branchdb.FileScene {
		return nil, fmt.Errorf("content is %v, not a scene", c.Kind)
	}
	raw, err := json.Marshal(c.Scene)
	if err != nil {
		return nil, err
	}
	var tree scene.Tree
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, err
	}
	return &tree, nil
}

const scriptProperty = "script"

func (d *Differ) diffScene(before, after *branchdb.FileContent) (*SceneDiff, error) {
	beforeTree, err := decodeTree(before)
	if err != nil {
		return nil, err
	}
	afterTree, err := decodeTree(after)
	if err != nil {
		return nil, err
	}

	subAt := func(t *scene.Tree, id string) *scene.SubResource {
		if t == nil {
			return nil
		}
		return t.SubResources[id]
	}

	sd := &SceneDiff{}
	refs := &changedRefs{sub: make(map[string]bool), ext: make(map[string]bool)}

	// External references first: node and sub-resource properties consult
	// this set when they point at one.
	for _, id := range unionIDs(beforeTree.ExtResourceIDs(), afterTree.ExtResourceIDs()) {
		var b, a *scene.ExtResource
		if beforeTree != nil {
			b = beforeTree.ExtResources[id]
		}
		if afterTree != nil {
			a = afterTree.ExtResources[id]
		}
		if rd, changed := diffExtResource(id, b, a); changed {
			sd.ExtResources = append(sd.ExtResources, rd)
			refs.ext[id] = true
		}
	}

	// Sub-resources can reference each other, so grow the changed set to a
	// fixed point before emitting their diffs.
	subIDs := unionIDs(beforeTree.SubResourceIDs(), afterTree.SubResourceIDs())
	for {
		grew := false
		for _, id := range subIDs {
			if refs.sub[id] {
				continue
			}
			if _, changed := d.diffSubResource(id, subAt(beforeTree, id), subAt(afterTree, id), refs); changed {
				refs.sub[id] = true
				grew = true
			}
		}
		if !grew {
			break
		}
	}
	for _, id := range subIDs {
		if !refs.sub[id] {
			continue
		}
		rd, _ := d.diffSubResource(id, subAt(beforeTree, id), subAt(afterTree, id), refs)
		sd.SubResources = append(sd.SubResources, rd)
	}

	for _, id := range unionIDs(beforeTree.NodeIDs(), afterTree.NodeIDs()) {
		var b, a *scene.Node
		if beforeTree != nil {
			b = beforeTree.Nodes[id]
		}
		if afterTree != nil {
			a = afterTree.Nodes[id]
		}
		if nd, changed := d.diffNode(id, b, a, refs); changed {
			sd.Nodes = append(sd.Nodes, nd)
		}
	}

	return sd, nil
}

// changedRefs records which sub and external resources differ between the two
// sides, so a property that still points at one is reported as changed.
type changedRefs struct {
	sub map[string]bool
	ext map[string]bool
}

func (r *changedRefs) targetChanged(v scene.Value) bool {
	if r == nil {
		return false
	}
	if id, ok := refID(v, "SubResource"); ok {
		return r.sub[id]
	}
	if id, ok := refID(v, "ExtResource"); ok {
		return r.ext[id]
	}
	return false
}

// refID extracts the id from a serialized reference of the form Kind("id").
// Unquoted legacy ids are accepted too.
func refID(v scene.Value, kind string) (string, bool) {
	s := string(v)
	if !strings.HasPrefix(s, kind+"(") || !strings.HasSuffix(s, ")") {
		return "", false
	}
	inner := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(s, kind+"("), ")"))
	if len(inner) >= 2 && inner[0] == '"' && inner[len(inner)-1] == '"' {
		inner = inner[1 : len(inner)-1]
	}
	if inner == "" {
		return "", false
	}
	return inner, true
}

func (d *Differ) diffNode(id string, before, after *scene.Node, refs *changedRefs) (NodeDiff, bool) {
	switch {
	case before == nil && after == nil:
		return NodeDiff{}, false
	case before == nil:
		// An added node still gets a property walk so values that differ
		// from the declared default show up.
		nd := NodeDiff{ID: id, Change: Added, ScriptChanged: after.Properties[scriptProperty] != ""}
		nd.Properties = d.diffProperties(after.Type, nil, after.Properties, refs)
		return nd, true
	case after == nil:
		nd := NodeDiff{ID: id, Change: Removed, ScriptChanged: before.Properties[scriptProperty] != ""}
		nd.Properties = d.diffProperties(before.Type, before.Properties, nil, refs)
		return nd, true
	}

	nd := NodeDiff{ID: id, Change: Modified}
	for _, pair := range [][3]string{
		{"name", before.Name, after.Name},
		{"type", before.Type, after.Type},
		{"parent", before.Parent, after.Parent},
	} {
		if pair[1] != pair[2] {
			nd.Properties = append(nd.Properties, PropertyDiff{
				Name: pair[0], Before: scene.Value(pair[1]), BeforeSet: true,
				After: scene.Value(pair[2]), AfterSet: true,
			})
		}
	}
	// Property comparison falls back to the declared default when one side
	// leaves a property unset, so resetting a value to its default does not
	// show up as a change.
	nd.Properties = append(nd.Properties, d.diffProperties(after.Type, before.Properties, after.Properties, refs)...)
	if before.Properties[scriptProperty] != after.Properties[scriptProperty] {
		nd.ScriptChanged = true
	}
	return nd, len(nd.Properties) > 0 || nd.ScriptChanged
}

func (d *Differ) diffSubResource(id string, before, after *scene.SubResource, refs *changedRefs) (SubResourceDiff, bool) {
	switch {
	case before == nil && after == nil:
		return SubResourceDiff{}, false
	case before == nil:
		return SubResourceDiff{ID: id, Change: Added,
			Properties: d.diffProperties(after.Type, nil, after.Properties, refs)}, true
	case after == nil:
		return SubResourceDiff{ID: id, Change: Removed,
			Properties: d.diffProperties(before.Type, before.Properties, nil, refs)}, true
	}
	rd := SubResourceDiff{ID: id, Change: Modified}
	if before.Type != after.Type {
		rd.Properties = append(rd.Properties, PropertyDiff{
			Name: "type", Before: scene.Value(before.Type), BeforeSet: true,
			After: scene.Value(after.Type), AfterSet: true,
		})
	}
	rd.Properties = append(rd.Properties, d.diffProperties(after.Type, before.Properties, after.Properties, refs)...)
	return rd, len(rd.Properties) > 0
}

func diffExtResource(id string, before, after *scene.ExtResource) (ExtResourceDiff, bool) {
	switch {
	case before == nil && after == nil:
		return ExtResourceDiff{}, false
	case before == nil:
		return ExtResourceDiff{ID: id, Change: Added, After: after}, true
	case after == nil:
		return ExtResourceDiff{ID: id, Change: Removed, Before: before}, true
	}
	if before.Path == after.Path && before.Type == after.Type && before.UID == after.UID {
		return ExtResourceDiff{}, false
	}
	return ExtResourceDiff{ID: id, Change: Modified, Before: before, After: after}, true
}

// diffProperties compares two property maps, resolving absent values to the
// declared default for typeName. The script property is excluded; it is
// handled as a marker by the caller.
func (d *Differ) diffProperties(typeName string, before, after map[string]scene.Value, refs *changedRefs) []PropertyDiff {
	names := make(map[string]bool, len(before)+len(after))
	for k := range before {
		names[k] = true
	}
	for k := range after {
		names[k] = true
	}
	sorted := make([]string, 0, len(names))
	for k := range names {
		if k != scriptProperty {
			sorted = append(sorted, k)
		}
	}
	sort.Strings(sorted)

	var out []PropertyDiff
	for _, name := range sorted {
		b, bSet := before[name]
		a, aSet := after[name]
		if !bSet {
			if def, ok := d.defaultValue(typeName, name); ok {
				b, bSet = def, true
			}
		}
		if !aSet {
			if def, ok := d.defaultValue(typeName, name); ok {
				a, aSet = def, true
			}
		}
		if bSet == aSet && b == a && !(aSet && refs.targetChanged(a)) {
			continue
		}
		out = append(out, PropertyDiff{Name: name, Before: b, BeforeSet: bSet, After: a, AfterSet: aSet})
	}
	return out
}

func (d *Differ) defaultValue(typeName, property string) (scene.Value, bool) {
	if d.codec == nil {
		return "", false
	}
	return d.codec.DefaultValue(typeName, property)
}

func unionIDs(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range b {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// diffText computes a line diff via longest common subsequence.
func diffText(before, after string) *TextDiff {
	a := splitLines(before)
	b := splitLines(after)

	// lcs[i][j] = length of the LCS of a[i:] and b[j:].
	lcs := make([][]int, len(a)+1)
	for i := range lcs {
		lcs[i] = make([]int, len(b)+1)
	}
	for i := len(a) - 1; i >= 0; i-- {
		for j := len(b) - 1; j >= 0; j-- {
			if a[i] == b[j] {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else if lcs[i+1][j] >= lcs[i][j+1] {
				lcs[i][j] = lcs[i+1][j]
			} else {
				lcs[i][j] = lcs[i][j+1]
			}
		}
	}

	td := &TextDiff{}
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			td.Lines = append(td.Lines, Line{Kind: LineKeep, Text: a[i]})
			i++
			j++
		case lcs[i+1][j] >= lcs[i][j+1]:
			td.Lines = append(td.Lines, Line{Kind: LineRemoved, Text: a[i]})
			i++
		default:
			td.Lines = append(td.Lines, Line{Kind: LineAdded, Text: b[j]})
			j++
		}
	}
	for ; i < len(a); i++ {
		td.Lines = append(td.Lines, Line{Kind: LineRemoved, Text: a[i]})
	}
	for ; j < len(b); j++ {
		td.Lines = append(td.Lines, Line{Kind: LineAdded, Text: b[j]})
	}
	return td
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}
