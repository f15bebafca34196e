package scene

import "testing"

func TestJSONCodecRoundTrip(t *testing.T) {
	c := JSONCodec{}
	tree := &Tree{
		ResourceType: "scene",
		Nodes: map[string]*Node{
			"root": {ID: "root", Name: "Root", Type: "Node2D", Properties: map[string]Value{"position": "0,0"}},
		},
		ExtResources: map[string]*ExtResource{
			"1": {ID: "1", Path: "res://icon.png", Type: "Texture"},
		},
	}
	data, err := c.Serialize(tree)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	back, err := c.Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if back.Nodes["root"].Properties["position"] != "0,0" {
		t.Fatalf("round trip lost node property: %+v", back.Nodes["root"])
	}
	if back.ExtResources["1"].Path != "res://icon.png" {
		t.Fatalf("round trip lost ext resource: %+v", back.ExtResources["1"])
	}
}

func TestJSONCodecRecognize(t *testing.T) {
	if !(JSONCodec{}).Recognize("level.weftscene") {
		t.Fatal("default extension not recognized")
	}
	if (JSONCodec{}).Recognize("level.txt") {
		t.Fatal("txt recognized")
	}
	c := JSONCodec{Extensions: []string{".scn"}}
	if !c.Recognize("a/b/Level.SCN") {
		t.Fatal("custom extension not case-insensitive")
	}
}

func TestJSONCodecDefaults(t *testing.T) {
	c := JSONCodec{Defaults: map[string]Value{"Node2D.scale": "1"}}
	if v, ok := c.DefaultValue("Node2D", "scale"); !ok || v != "1" {
		t.Fatalf("DefaultValue = %q, %v", v, ok)
	}
	if _, ok := c.DefaultValue("Node2D", "rotation"); ok {
		t.Fatal("unexpected default")
	}
}

func TestTreeIDsSorted(t *testing.T) {
	tree := &Tree{Nodes: map[string]*Node{"b": {}, "a": {}, "c": {}}}
	ids := tree.NodeIDs()
	if len(ids) != 3 || ids[0] != "a" || ids[2] != "c" {
		t.Fatalf("NodeIDs = %v", ids)
	}
	var nilTree *Tree
	if nilTree.NodeIDs() != nil {
		t.Fatal("nil tree should have no ids")
	}
}
