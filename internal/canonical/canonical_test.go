package canonical

import (
	"bytes"
	"testing"
)

func TestNormalize_StableAcrossFieldOrder(t *testing.T) {
	a := []byte(`{"b":2,"a":1,"nested":{"y":"q","x":[1,2,3]}}`)
	b := []byte(`{"nested":{"x":[1,2,3],"y":"q"},"a":1,"b":2}`)

	na, err := Normalize(a)
	if err != nil {
		t.Fatalf("normalize a: %v", err)
	}
	nb, err := Normalize(b)
	if err != nil {
		t.Fatalf("normalize b: %v", err)
	}
	if !bytes.Equal(na, nb) {
		t.Fatalf("expected identical canonical form\na=%s\nb=%s", na, nb)
	}
	want := `{"a":1,"b":2,"nested":{"x":[1,2,3],"y":"q"}}`
	if string(na) != want {
		t.Fatalf("canonical form=%s want=%s", na, want)
	}
}

func TestNormalize_PreservesNumericLiterals(t *testing.T) {
	raw := []byte(`{"big":9007199254740993,"float":0.7,"int":1500}`)
	out, err := Normalize(raw)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	want := `{"big":9007199254740993,"float":0.7,"int":1500}`
	if string(out) != want {
		t.Fatalf("canonical form=%s want=%s", out, want)
	}
}

func TestMarshal_StructAndMapAgree(t *testing.T) {
	type payload struct {
		Route     string `json:"route"`
		SessionID string `json:"session_id"`
		Tokens    int64  `json:"tokens"`
	}
	fromStruct, err := Marshal(payload{Route: "r", SessionID: "s", Tokens: 42})
	if err != nil {
		t.Fatalf("marshal struct: %v", err)
	}
	fromMap, err := Marshal(map[string]any{"tokens": 42, "route": "r", "session_id": "s"})
	if err != nil {
		t.Fatalf("marshal map: %v", err)
	}
	if !bytes.Equal(fromStruct, fromMap) {
		t.Fatalf("struct and map disagree\nstruct=%s\nmap=%s", fromStruct, fromMap)
	}
}

func TestHash_Deterministic(t *testing.T) {
	h1, err := Hash(map[string]any{"a": 1, "b": "x"})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, err := Hash(map[string]any{"b": "x", "a": 1})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("hash mismatch: %s vs %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Fatalf("expected hex sha256, got %q", h1)
	}
}
