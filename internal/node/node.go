// Package node implements the compute-node side of the receipt protocol: it
// serves generations and countersigns the gateway's usage receipts.
package node

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cosmossdk.io/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"glyph/internal/canonical"
	"glyph/internal/identity"
)

// GenerateRequest mirrors the gateway's inference body minus billing fields.
type GenerateRequest struct {
	Prompt       string  `json:"prompt"`
	MaxNewTokens int64   `json:"max_new_tokens"`
	Temperature  float64 `json:"temperature"`
}

// GenerateResult is what the gateway meters a receipt from.
type GenerateResult struct {
	Text         string `json:"text"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	WallTimeMS   int64  `json:"wall_time_ms"`
}

// Generator produces text for a prompt. Implementations wrap whatever model
// backend the node operator runs.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error)
}

// LocalGenerator is a model-free Generator for development and tests: it
// echoes the prompt and meters tokens as whitespace-separated words.
type LocalGenerator struct{}

func (LocalGenerator) Generate(_ context.Context, req GenerateRequest) (GenerateResult, error) {
	start := time.Now()
	words := strings.Fields(req.Prompt)
	reply := fmt.Sprintf("echo: %s", req.Prompt)
	out := int64(len(strings.Fields(reply)))
	if req.MaxNewTokens > 0 && out > req.MaxNewTokens {
		out = req.MaxNewTokens
	}
	return GenerateResult{
		Text:         reply,
		InputTokens:  int64(len(words)),
		OutputTokens: out,
		WallTimeMS:   time.Since(start).Milliseconds(),
	}, nil
}

// Server is the node's HTTP surface.
type Server struct {
	pubkey string
	secret string
	gen    Generator
	logger log.Logger
	router chi.Router
}

func NewServer(pubkey, secret string, gen Generator, logger log.Logger) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	s := &Server{pubkey: pubkey, secret: secret, gen: gen, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/generate", s.handleGenerate)
	r.Post("/sign_receipt", s.handleSignReceipt)
	r.Get("/health", s.handleHealth)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Pubkey returns the node's identity public key.
func (s *Server) Pubkey() string {
	return s.pubkey
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	req := GenerateRequest{MaxNewTokens: 256, Temperature: 0.7}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	res, err := s.gen.Generate(r.Context(), req)
	if err != nil {
		s.logger.Error("generate failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleSignReceipt countersigns the canonical payload of the posted
// receipt. The body is treated as an open map so unknown fields still sign
// consistently across versions; numeric literals pass through untouched.
func (s *Server) handleSignReceipt(w http.ResponseWriter, r *http.Request) {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	var body map[string]any
	if err := dec.Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	if pk, _ := body["node_pubkey"].(string); pk != s.pubkey {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "receipt not addressed to this node"})
		return
	}
	delete(body, "gateway_sig")
	delete(body, "node_sig")
	payload, err := canonical.Marshal(body)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	sig, err := identity.Sign(s.secret, payload)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"node_sig": sig, "node_pubkey": s.pubkey})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "node_pubkey": s.pubkey})
}

// Register announces this node to a gateway.
func (s *Server) Register(ctx context.Context, gatewayURL, publicName, selfURL string) error {
	body, err := json.Marshal(map[string]string{
		"public_name": publicName,
		"node_url":    selfURL,
		"node_pubkey": s.pubkey,
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(gatewayURL, "/")+"/register", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("register with %s: %w", gatewayURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("register with %s: status %d", gatewayURL, resp.StatusCode)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
