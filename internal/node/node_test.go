package node

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"glyph/internal/identity"
	"glyph/internal/receipt"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	pk, sk, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	s := NewServer(pk, sk, LocalGenerator{}, nil)
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	return s, ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestGenerate_MetersTokens(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/generate", GenerateRequest{Prompt: "hello there world"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	var res GenerateResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.InputTokens != 3 {
		t.Fatalf("input_tokens=%d want 3", res.InputTokens)
	}
	if res.Text == "" || res.OutputTokens <= 0 {
		t.Fatalf("result=%+v", res)
	}
}

func TestSignReceipt_CountersignsCanonicalPayload(t *testing.T) {
	s, ts := newTestServer(t)

	gwPK, gwSK, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	r := receipt.New(gwPK, s.Pubkey(), "s1", "/inference", 3, 5, 1500)
	if err := r.SignGateway(gwSK); err != nil {
		t.Fatalf("gateway sign: %v", err)
	}

	resp := postJSON(t, ts.URL+"/sign_receipt", r)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	var out struct {
		NodeSig    string `json:"node_sig"`
		NodePubkey string `json:"node_pubkey"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.NodePubkey != s.Pubkey() {
		t.Fatalf("node_pubkey=%s want %s", out.NodePubkey, s.Pubkey())
	}

	r.NodeSig = out.NodeSig
	if !r.Verify() {
		t.Fatal("countersigned receipt does not verify")
	}
}

func TestSignReceipt_RejectsWrongNode(t *testing.T) {
	_, ts := newTestServer(t)

	gwPK, gwSK, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	otherPK, _, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	r := receipt.New(gwPK, otherPK, "s1", "/inference", 1, 1, 1)
	if err := r.SignGateway(gwSK); err != nil {
		t.Fatalf("gateway sign: %v", err)
	}

	resp := postJSON(t, ts.URL+"/sign_receipt", r)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status=%d want 400", resp.StatusCode)
	}
}

func TestRegister_PostsIdentity(t *testing.T) {
	s, _ := newTestServer(t)

	var got map[string]string
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/register" {
			t.Errorf("path=%s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}))
	defer gw.Close()

	if err := s.Register(context.Background(), gw.URL, "node-1", "http://node:9000"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if got["node_pubkey"] != s.Pubkey() || got["public_name"] != "node-1" || got["node_url"] != "http://node:9000" {
		t.Fatalf("body=%v", got)
	}
}
