package differ

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"

	"github.com/weftlabs/weft/internal/branchdb"
	"github.com/weftlabs/weft/internal/docstore"
	"github.com/weftlabs/weft/internal/scene"
)

type fakeCodec struct{}

func (fakeCodec) Recognize(path string) bool { return false }

func (fakeCodec) Parse(data []byte) (*scene.Tree, error) {
	var t scene.Tree
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (fakeCodec) Serialize(t *scene.Tree) ([]byte, error) { return json.Marshal(t) }

func (fakeCodec) DefaultValue(typeName, property string) (scene.Value, bool) {
	if typeName == "Node2D" && property == "scale" {
		return "1", true
	}
	return "", false
}

func testDB(t *testing.T) *branchdb.DB {
	t.Helper()
	store, err := docstore.Open("", zerolog.Nop())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	db, err := branchdb.Init(context.Background(), store, branchdb.Options{Log: zerolog.Nop(), Username: "alice"})
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return db
}

func mustCommit(t *testing.T, db *branchdb.DB, ref branchdb.HistoryRef, files []branchdb.FileDelta) branchdb.HistoryRef {
	t.Helper()
	out, err := db.CommitFSChanges(context.Background(), ref, files, nil, false)
	if err != nil {
		t.Fatalf("CommitFSChanges failed: %v", err)
	}
	return out
}

func treeContent(t *testing.T, tree *scene.Tree) branchdb.FileContent {
	t.Helper()
	raw, err := json.Marshal(tree)
	if err != nil {
		t.Fatalf("marshal tree: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal tree: %v", err)
	}
	return branchdb.SceneContent(m)
}

func TestEqualRefsProduceEmptyDiff(t *testing.T) {
	db := testDB(t)
	ref := *db.GetLatestRefOnBranch(db.MainID())
	d := New(db, fakeCodec{}, zerolog.Nop())

	diff, err := d.GetDiff(context.Background(), ref, ref)
	if err != nil {
		t.Fatalf("GetDiff failed: %v", err)
	}
	if len(diff.Entries) != 0 {
		t.Errorf("equal refs produced %d entries", len(diff.Entries))
	}
}

func TestTextDiffAcrossFork(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	main := db.MainID()

	base := mustCommit(t, db, *db.GetLatestRefOnBranch(main), []branchdb.FileDelta{
		{Path: "notes.txt", Kind: docstore.FileAdded, Content: branchdb.TextContent("one\ntwo\nthree\n")},
	})
	fork, err := db.ForkBranch(ctx, "feature", main)
	if err != nil {
		t.Fatalf("ForkBranch failed: %v", err)
	}
	forkRef := mustCommit(t, db, *db.GetLatestRefOnBranch(fork), []branchdb.FileDelta{
		{Path: "notes.txt", Kind: docstore.FileModified, Content: branchdb.TextContent("one\n2\nthree\nfour\n")},
	})

	d := New(db, fakeCodec{}, zerolog.Nop())
	diff, err := d.GetDiff(ctx, base, forkRef)
	if err != nil {
		t.Fatalf("GetDiff failed: %v", err)
	}
	if len(diff.Entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(diff.Entries))
	}
	entry := diff.Entries[0]
	if entry.Path != "notes.txt" || entry.Change != Modified || entry.Kind != EntryText {
		t.Fatalf("unexpected entry %+v", entry)
	}

	var added, removed, kept int
	for _, line := range entry.Text.Lines {
		switch line.Kind {
		case LineAdded:
			added++
		case LineRemoved:
			removed++
		case LineKeep:
			kept++
		}
	}
	if removed != 1 || added != 2 || kept != 2 {
		t.Errorf("line counts kept=%d removed=%d added=%d, want 2/1/2", kept, removed, added)
	}
}

func TestSceneDiff(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	main := db.MainID()

	v1 := &scene.Tree{
		ResourceType: "scene",
		Nodes: map[string]*scene.Node{
			"root": {ID: "root", Name: "Root", Type: "Node2D", Properties: map[string]scene.Value{
				"position": "0,0",
				"scale":    "2",
				"script":   "res://a.gd",
			}},
		},
		SubResources: map[string]*scene.SubResource{
			"mat1": {ID: "mat1", Type: "Material", Properties: map[string]scene.Value{"color": "red"}},
		},
		ExtResources: map[string]*scene.ExtResource{
			"tex": {ID: "tex", Path: "a.png", Type: "Texture", UID: "uid://1"},
		},
	}
	v2 := &scene.Tree{
		ResourceType: "scene",
		Nodes: map[string]*scene.Node{
			"root": {ID: "root", Name: "Root", Type: "Node2D", Properties: map[string]scene.Value{
				"position": "1,1",
				"script":   "res://b.gd",
			}},
			"child": {ID: "child", Name: "Child", Type: "Sprite", Parent: "root"},
		},
		SubResources: map[string]*scene.SubResource{
			"mat1": {ID: "mat1", Type: "Material", Properties: map[string]scene.Value{"color": "blue"}},
		},
		ExtResources: map[string]*scene.ExtResource{
			"tex": {ID: "tex", Path: "b.png", Type: "Texture", UID: "uid://1"},
		},
	}

	ref1 := mustCommit(t, db, *db.GetLatestRefOnBranch(main), []branchdb.FileDelta{
		{Path: "level.scn", Kind: docstore.FileAdded, Content: treeContent(t, v1)},
	})
	ref2 := mustCommit(t, db, ref1, []branchdb.FileDelta{
		{Path: "level.scn", Kind: docstore.FileModified, Content: treeContent(t, v2)},
	})

	d := New(db, fakeCodec{}, zerolog.Nop())
	diff, err := d.GetDiff(ctx, ref1, ref2)
	if err != nil {
		t.Fatalf("GetDiff failed: %v", err)
	}
	if len(diff.Entries) != 1 || diff.Entries[0].Kind != EntryScene {
		t.Fatalf("expected one scene entry, got %+v", diff.Entries)
	}
	sd := diff.Entries[0].Scene

	if len(sd.Nodes) != 2 {
		t.Fatalf("expected 2 node diffs, got %+v", sd.Nodes)
	}
	childDiff, rootDiff := sd.Nodes[0], sd.Nodes[1]
	if childDiff.ID != "child" || childDiff.Change != Added {
		t.Errorf("unexpected child diff %+v", childDiff)
	}
	if rootDiff.ID != "root" || rootDiff.Change != Modified {
		t.Fatalf("unexpected root diff %+v", rootDiff)
	}
	if !rootDiff.ScriptChanged {
		t.Error("script change not flagged")
	}
	props := map[string]PropertyDiff{}
	for _, p := range rootDiff.Properties {
		props[p.Name] = p
		if p.Name == scriptProperty {
			t.Error("script leaked into the property diff")
		}
	}
	if p := props["position"]; p.Before != "0,0" || p.After != "1,1" {
		t.Errorf("position diff %+v", p)
	}
	// scale was dropped in v2; the declared default stands in.
	if p := props["scale"]; p.Before != "2" || p.After != "1" || !p.AfterSet {
		t.Errorf("scale diff %+v, want fallback to the declared default", p)
	}

	if len(sd.SubResources) != 1 || sd.SubResources[0].ID != "mat1" {
		t.Fatalf("unexpected sub-resource diffs %+v", sd.SubResources)
	}
	if p := sd.SubResources[0].Properties[0]; p.Name != "color" || p.After != "blue" {
		t.Errorf("sub-resource property diff %+v", p)
	}

	if len(sd.ExtResources) != 1 {
		t.Fatalf("unexpected ext-resource diffs %+v", sd.ExtResources)
	}
	ext := sd.ExtResources[0]
	if ext.Change != Modified || ext.After.Path != "b.png" {
		t.Errorf("ext-resource diff %+v", ext)
	}
}

func TestAddedNodeShowsNonDefaultProperties(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	main := db.MainID()

	v1 := &scene.Tree{
		ResourceType: "scene",
		Nodes: map[string]*scene.Node{
			"root": {ID: "root", Name: "Root", Type: "Node2D"},
		},
	}
	v2 := &scene.Tree{
		ResourceType: "scene",
		Nodes: map[string]*scene.Node{
			"root": {ID: "root", Name: "Root", Type: "Node2D"},
			"child": {ID: "child", Name: "Child", Type: "Node2D", Parent: "root",
				Properties: map[string]scene.Value{"scale": "5"}},
		},
	}

	ref1 := mustCommit(t, db, *db.GetLatestRefOnBranch(main), []branchdb.FileDelta{
		{Path: "level.scn", Kind: docstore.FileAdded, Content: treeContent(t, v1)},
	})
	ref2 := mustCommit(t, db, ref1, []branchdb.FileDelta{
		{Path: "level.scn", Kind: docstore.FileModified, Content: treeContent(t, v2)},
	})

	d := New(db, fakeCodec{}, zerolog.Nop())
	diff, err := d.GetDiff(ctx, ref1, ref2)
	if err != nil {
		t.Fatalf("GetDiff failed: %v", err)
	}
	sd := diff.Entries[0].Scene
	if len(sd.Nodes) != 1 || sd.Nodes[0].Change != Added {
		t.Fatalf("expected one added node, got %+v", sd.Nodes)
	}
	if len(sd.Nodes[0].Properties) != 1 {
		t.Fatalf("added node lost its property diffs: %+v", sd.Nodes[0])
	}
	p := sd.Nodes[0].Properties[0]
	if p.Name != "scale" || p.Before != "1" || !p.BeforeSet || p.After != "5" || !p.AfterSet {
		t.Errorf("scale diff %+v, want declared default against the set value", p)
	}
}

func TestNodeReferencingChangedSubResourceIsFlagged(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	main := db.MainID()

	tree := func(color scene.Value) *scene.Tree {
		return &scene.Tree{
			ResourceType: "scene",
			Nodes: map[string]*scene.Node{
				"root": {ID: "root", Name: "Root", Type: "Sprite", Properties: map[string]scene.Value{
					"material": `SubResource("mat1")`,
				}},
			},
			SubResources: map[string]*scene.SubResource{
				"mat1": {ID: "mat1", Type: "Material", Properties: map[string]scene.Value{"color": color}},
			},
		}
	}

	ref1 := mustCommit(t, db, *db.GetLatestRefOnBranch(main), []branchdb.FileDelta{
		{Path: "level.scn", Kind: docstore.FileAdded, Content: treeContent(t, tree("red"))},
	})
	ref2 := mustCommit(t, db, ref1, []branchdb.FileDelta{
		{Path: "level.scn", Kind: docstore.FileModified, Content: treeContent(t, tree("blue"))},
	})

	d := New(db, fakeCodec{}, zerolog.Nop())
	diff, err := d.GetDiff(ctx, ref1, ref2)
	if err != nil {
		t.Fatalf("GetDiff failed: %v", err)
	}
	sd := diff.Entries[0].Scene
	if len(sd.SubResources) != 1 || sd.SubResources[0].ID != "mat1" {
		t.Fatalf("unexpected sub-resource diffs %+v", sd.SubResources)
	}
	// The reference text is identical on both sides; the node changes
	// because the resource behind it did.
	if len(sd.Nodes) != 1 || sd.Nodes[0].ID != "root" {
		t.Fatalf("node pointing at a changed sub-resource was not flagged: %+v", sd.Nodes)
	}
	p := sd.Nodes[0].Properties[0]
	if p.Name != "material" || p.Before != p.After {
		t.Errorf("material diff %+v", p)
	}
}

func TestSidecarFoldsIntoResourceEntry(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	main := db.MainID()

	ref1 := mustCommit(t, db, *db.GetLatestRefOnBranch(main), []branchdb.FileDelta{
		{Path: "art/icon.png", Kind: docstore.FileAdded, Content: branchdb.BinaryContent([]byte{1, 2})},
		{Path: "art/icon.png.import", Kind: docstore.FileAdded, Content: branchdb.TextContent("compress=1\n")},
	})
	ref2 := mustCommit(t, db, ref1, []branchdb.FileDelta{
		{Path: "art/icon.png", Kind: docstore.FileModified, Content: branchdb.BinaryContent([]byte{3, 4})},
		{Path: "art/icon.png.import", Kind: docstore.FileModified, Content: branchdb.TextContent("compress=2\n")},
	})

	d := New(db, fakeCodec{}, zerolog.Nop())
	diff, err := d.GetDiff(ctx, ref1, ref2)
	if err != nil {
		t.Fatalf("GetDiff failed: %v", err)
	}
	if len(diff.Entries) != 1 {
		t.Fatalf("expected the sidecar folded into one entry, got %+v", diff.Entries)
	}
	entry := diff.Entries[0]
	if entry.Path != "art/icon.png" || entry.Kind != EntryResource {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if entry.Sidecar == nil || len(entry.Sidecar.Lines) == 0 {
		t.Error("sidecar diff missing from the resource entry")
	}
}

func TestSidecarOnlyChangeStaysStandalone(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	main := db.MainID()

	ref1 := mustCommit(t, db, *db.GetLatestRefOnBranch(main), []branchdb.FileDelta{
		{Path: "art/icon.png", Kind: docstore.FileAdded, Content: branchdb.BinaryContent([]byte{1, 2})},
		{Path: "art/icon.png.import", Kind: docstore.FileAdded, Content: branchdb.TextContent("compress=1\n")},
	})
	ref2 := mustCommit(t, db, ref1, []branchdb.FileDelta{
		{Path: "art/icon.png.import", Kind: docstore.FileModified, Content: branchdb.TextContent("compress=2\n")},
	})

	d := New(db, fakeCodec{}, zerolog.Nop())
	diff, err := d.GetDiff(ctx, ref1, ref2)
	if err != nil {
		t.Fatalf("GetDiff failed: %v", err)
	}
	if len(diff.Entries) != 1 || diff.Entries[0].Path != "art/icon.png.import" || diff.Entries[0].Kind != EntryText {
		t.Errorf("sidecar-only change should stay a text entry, got %+v", diff.Entries)
	}
}

func TestUnparsableSceneDegradesToFileDiff(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	main := db.MainID()

	ref1 := mustCommit(t, db, *db.GetLatestRefOnBranch(main), []branchdb.FileDelta{
		{Path: "broken.scn", Kind: docstore.FileAdded, Content: branchdb.SceneContent(map[string]any{"Nodes": "not an object"})},
		{Path: "fine.txt", Kind: docstore.FileAdded, Content: branchdb.TextContent("ok")},
	})
	ref2 := mustCommit(t, db, ref1, []branchdb.FileDelta{
		{Path: "broken.scn", Kind: docstore.FileModified, Content: branchdb.SceneContent(map[string]any{"Nodes": 42})},
		{Path: "fine.txt", Kind: docstore.FileModified, Content: branchdb.TextContent("still ok")},
	})

	d := New(db, fakeCodec{}, zerolog.Nop())
	diff, err := d.GetDiff(ctx, ref1, ref2)
	if err != nil {
		t.Fatalf("GetDiff failed: %v", err)
	}
	if len(diff.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(diff.Entries))
	}
	if diff.Entries[0].Path != "broken.scn" || diff.Entries[0].Kind != EntryFile {
		t.Errorf("broken scene did not degrade: %+v", diff.Entries[0])
	}
	// The failure stays isolated to its path.
	if diff.Entries[1].Path != "fine.txt" || diff.Entries[1].Kind != EntryText {
		t.Errorf("healthy entry affected: %+v", diff.Entries[1])
	}
}

func TestBinaryEntryIsResourceDiff(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	main := db.MainID()

	ref1 := mustCommit(t, db, *db.GetLatestRefOnBranch(main), []branchdb.FileDelta{
		{Path: "art/icon.png", Kind: docstore.FileAdded, Content: branchdb.BinaryContent([]byte{1, 2})},
	})
	ref2 := mustCommit(t, db, ref1, []branchdb.FileDelta{
		{Path: "art/icon.png", Kind: docstore.FileModified, Content: branchdb.BinaryContent([]byte{3, 4})},
	})

	d := New(db, fakeCodec{}, zerolog.Nop())
	diff, err := d.GetDiff(ctx, ref1, ref2)
	if err != nil {
		t.Fatalf("GetDiff failed: %v", err)
	}
	if len(diff.Entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(diff.Entries))
	}
	if diff.Entries[0].Kind != EntryResource || diff.Entries[0].Change != Modified {
		t.Errorf("unexpected binary entry %+v", diff.Entries[0])
	}
}

func TestDiffResultIsCached(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	main := db.MainID()

	ref1 := *db.GetLatestRefOnBranch(main)
	ref2 := mustCommit(t, db, ref1, []branchdb.FileDelta{
		{Path: "a.txt", Kind: docstore.FileAdded, Content: branchdb.TextContent("a")},
	})

	d := New(db, fakeCodec{}, zerolog.Nop())
	first, err := d.GetDiff(ctx, ref1, ref2)
	if err != nil {
		t.Fatalf("GetDiff failed: %v", err)
	}
	second, err := d.GetDiff(ctx, ref1, ref2)
	if err != nil {
		t.Fatalf("GetDiff failed: %v", err)
	}
	if first != second {
		t.Error("second call did not hit the cache")
	}
}
