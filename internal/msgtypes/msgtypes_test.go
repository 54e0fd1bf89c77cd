package msgtypes

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/vmihailenco/msgpack/v5"
)

func TestResolveReturnsCanonicalHandle(t *testing.T) {
	r := NewRegistry()
	a, err := r.Resolve("std_msgs/String")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	b, err := r.Resolve("std_msgs/String")
	if err != nil {
		t.Fatalf("resolve again: %v", err)
	}
	if a != b {
		t.Fatal("expected identical schema handles")
	}
	if _, err := r.Resolve("std_msgs/Nope"); !errors.Is(err, ErrUnknownMessageType) {
		t.Fatalf("expected ErrUnknownMessageType, got %v", err)
	}
}

func TestDefineRejectsBadSchemas(t *testing.T) {
	r := NewRegistry()
	cases := map[string][]Field{
		"nopackage":     {{Name: "x", Type: "int32"}},
		"pkg/Dup":       {{Name: "x", Type: "int32"}, {Name: "x", Type: "int32"}},
		"pkg/Unnamed":   {{Name: "", Type: "int32"}},
		"pkg/BadType":   {{Name: "x", Type: "not a type"}},
		"std_msgs/Bool": {{Name: "data", Type: "bool"}},
	}
	for name, fields := range cases {
		if err := r.Define(name, fields); !errors.Is(err, ErrInvalidSchema) {
			t.Fatalf("%s: expected ErrInvalidSchema, got %v", name, err)
		}
	}
}

func TestResolveChecksNestedTypes(t *testing.T) {
	r := NewRegistry()
	if err := r.Define("pkg/Outer", []Field{{Name: "inner", Type: "pkg/Inner"}}); err != nil {
		t.Fatalf("define outer: %v", err)
	}
	if _, err := r.Resolve("pkg/Outer"); !errors.Is(err, ErrUnknownMessageType) {
		t.Fatalf("expected unresolved nested type, got %v", err)
	}
	if err := r.Define("pkg/Inner", []Field{{Name: "v", Type: "int32"}}); err != nil {
		t.Fatalf("define inner: %v", err)
	}
	if _, err := r.Resolve("pkg/Outer"); err != nil {
		t.Fatalf("resolve after inner defined: %v", err)
	}

	if err := r.Define("pkg/Loop", []Field{{Name: "next", Type: "pkg/Loop[]"}}); err != nil {
		t.Fatalf("define loop: %v", err)
	}
	if _, err := r.Resolve("pkg/Loop"); !errors.Is(err, ErrInvalidSchema) {
		t.Fatalf("expected recursive schema rejected, got %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "types.yaml")
	doc := []byte(`types:
  nav/Waypoint:
    - {name: label, type: string}
    - {name: pose, type: geometry_msgs/Pose}
  nav/Route:
    - {name: points, type: "nav/Waypoint[]"}
`)
	if err := os.WriteFile(path, doc, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	r := NewRegistry()
	if err := r.LoadFile(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	s, err := r.Resolve("nav/Route")
	if err != nil {
		t.Fatalf("resolve route: %v", err)
	}
	in, err := r.ToInstance(map[string]any{
		"points": []any{map[string]any{"label": "dock"}},
	}, s)
	if err != nil {
		t.Fatalf("convert route: %v", err)
	}
	points := in.Fields["points"].([]any)
	wp := points[0].(map[string]any)
	if wp["label"] != "dock" {
		t.Fatalf("unexpected waypoint %v", wp)
	}
	pose := wp["pose"].(map[string]any)
	if pose["orientation"].(map[string]any)["w"] != float64(0) {
		t.Fatalf("expected zero-filled nested pose, got %v", pose)
	}
}

func TestToInstanceFillsDefaultsAndConvertsKinds(t *testing.T) {
	r := NewRegistry()
	s, err := r.Resolve("geometry_msgs/PoseStamped")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	in, err := r.ToInstance(map[string]any{
		"header": map[string]any{"seq": float64(7), "frame_id": "map"},
		"pose":   map[string]any{"position": map[string]any{"x": 1.5, "y": 2}},
	}, s)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if in.Type != "geometry_msgs/PoseStamped" {
		t.Fatalf("unexpected type %q", in.Type)
	}
	header := in.Fields["header"].(map[string]any)
	if header["seq"] != uint32(7) {
		t.Fatalf("expected uint32 seq, got %#v", header["seq"])
	}
	stamp := header["stamp"].(map[string]any)
	if stamp["secs"] != uint32(0) {
		t.Fatalf("expected zero stamp, got %#v", stamp)
	}
	pos := in.Fields["pose"].(map[string]any)["position"].(map[string]any)
	if pos["x"] != 1.5 || pos["y"] != float64(2) || pos["z"] != float64(0) {
		t.Fatalf("unexpected position %#v", pos)
	}
}

func TestToInstanceRejectsMalformedPayloads(t *testing.T) {
	r := NewRegistry()
	cases := []struct {
		typ string
		raw map[string]any
	}{
		{"std_msgs/String", map[string]any{"data": 5}},
		{"std_msgs/String", map[string]any{"extra": "x"}},
		{"std_msgs/Int8", map[string]any{"data": float64(300)}},
		{"std_msgs/Int32", map[string]any{"data": 1.5}},
		{"std_msgs/UInt8", map[string]any{"data": float64(-1)}},
		{"std_msgs/Bool", map[string]any{"data": "true"}},
		{"geometry_msgs/Twist", map[string]any{"linear": "fast"}},
		{"std_msgs/Float64Array", map[string]any{"data": []any{1.0, "two"}}},
		{"std_msgs/ByteArray", map[string]any{"data": "***"}},
	}
	for _, tc := range cases {
		s, err := r.Resolve(tc.typ)
		if err != nil {
			t.Fatalf("resolve %s: %v", tc.typ, err)
		}
		if _, err := r.ToInstance(tc.raw, s); !errors.Is(err, ErrMalformedMessage) {
			t.Fatalf("%s %v: expected ErrMalformedMessage, got %v", tc.typ, tc.raw, err)
		}
	}
}

func TestByteArraysAcceptBase64AndLists(t *testing.T) {
	r := NewRegistry()
	s, err := r.Resolve("std_msgs/ByteArray")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	fromB64, err := r.ToInstance(map[string]any{"data": "AQID"}, s)
	if err != nil {
		t.Fatalf("base64: %v", err)
	}
	fromList, err := r.ToInstance(map[string]any{"data": []any{1.0, 2.0, 3.0}}, s)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []byte{1, 2, 3}
	if !bytes.Equal(fromB64.Fields["data"].([]byte), want) || !bytes.Equal(fromList.Fields["data"].([]byte), want) {
		t.Fatalf("unexpected bytes %v / %v", fromB64.Fields["data"], fromList.Fields["data"])
	}
}

func TestInstanceWireEncoding(t *testing.T) {
	r := NewRegistry()
	s, err := r.Resolve("std_msgs/String")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	in, err := r.ToInstance(map[string]any{"data": "hi"}, s)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	b, err := in.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, err := DecodeInstance(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Type != "std_msgs/String" || out.Fields["data"] != "hi" {
		t.Fatalf("unexpected decoded instance %+v", out)
	}

	var generic map[string]any
	if err := msgpack.Unmarshal(b, &generic); err != nil {
		t.Fatalf("decode as map: %v", err)
	}
	if generic["type"] != "std_msgs/String" {
		t.Fatalf("expected a plain type/fields map on the wire, got %+v", generic)
	}
}

func TestNestedInstanceWireEncoding(t *testing.T) {
	r := NewRegistry()
	s, err := r.Resolve("geometry_msgs/Twist")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	in, err := r.ToInstance(map[string]any{"linear": map[string]any{"x": 0.5}}, s)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	b, err := in.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, err := DecodeInstance(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	linear, ok := out.Fields["linear"].(map[string]any)
	if !ok {
		t.Fatalf("expected nested map, got %T", out.Fields["linear"])
	}
	if linear["x"] != 0.5 {
		t.Fatalf("unexpected linear.x %v (%T)", linear["x"], linear["x"])
	}
}
