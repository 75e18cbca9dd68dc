// Package gateway is Glyph's HTTP surface: it routes prompts to registered
// nodes, meters them into two-party signed receipts, keeps the chained
// ledger, settles epochs, and replicates artifacts to peers and the DHT.
package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"cosmossdk.io/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"glyph/internal/dht"
	"glyph/internal/epoch"
	"glyph/internal/ledger"
	"glyph/internal/pricing"
	"glyph/internal/receipt"
)

// nodeInfo is one registered compute node. The registry is in-memory; nodes
// re-register on restart.
type nodeInfo struct {
	Name   string `json:"name"`
	URL    string `json:"url"`
	Pubkey string `json:"node_pubkey"`
}

// Config wires a Server. Secret is the gateway's signing key; MinterKey is
// the optional hex ECDSA key used by /mint/execute.
type Config struct {
	Pubkey    string
	Secret    string
	Ledger    *ledger.Ledger
	Store     dht.Store
	Logger    log.Logger
	Peers     []string
	MinterKey string
}

type Server struct {
	pubkey    string
	secret    string
	ledger    *ledger.Ledger
	oracle    *pricing.Oracle
	epochs    *epoch.Engine
	store     dht.Store
	logger    log.Logger
	metrics   *metrics
	minterKey string
	client    *http.Client
	router    chi.Router

	mu      sync.Mutex
	nodes   map[string]nodeInfo
	order   []string // registration order, drives round-robin
	rrCount uint64

	peersMu sync.Mutex
	peers   []string

	propMu    sync.Mutex
	proposals map[string]*mintProposal
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	s := &Server{
		pubkey:    cfg.Pubkey,
		secret:    cfg.Secret,
		ledger:    cfg.Ledger,
		oracle:    pricing.NewOracle(cfg.Store, logger),
		epochs:    epoch.NewEngine(cfg.Ledger, cfg.Pubkey, cfg.Secret, cfg.Store, logger),
		store:     cfg.Store,
		logger:    logger,
		metrics:   newMetrics(),
		minterKey: cfg.MinterKey,
		client:    &http.Client{},
		nodes:     make(map[string]nodeInfo),
		peers:     append([]string(nil), cfg.Peers...),
		proposals: make(map[string]*mintProposal),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/register", s.handleRegister)
	r.Get("/nodes", s.handleNodes)
	r.Post("/set_eth_address", s.handleSetEthAddress)

	r.Post("/add_peer", s.handleAddPeer)
	r.Get("/peers", s.handlePeers)

	r.Post("/price/quote", s.handleQuote)
	r.Post("/inference", s.handleInference)

	r.Get("/receipts", s.handleReceipts)
	r.Get("/pull/receipts", s.handlePullReceipts)
	r.Post("/gossip/receipts", s.handleGossipReceipts)

	r.Post("/account/credit", s.handleCredit)
	r.Get("/account/balance/{pubkey}", s.handleBalance)

	r.Post("/epoch/settle", s.handleEpochSettle)
	r.Post("/epoch/sign", s.handleEpochSign)
	r.Get("/epoch/status/{id}", s.handleEpochStatus)

	r.Post("/validators/add", s.handleValidatorAdd)
	r.Post("/validators/remove", s.handleValidatorRemove)
	r.Post("/validate/quality", s.handleQuality)

	r.Get("/config/token", s.handleTokenConfigGet)
	r.Post("/config/token", s.handleTokenConfigSet)
	r.Get("/token/supply", s.handleTokenSupply)

	r.Post("/mint/preview", s.handleMintPreview)
	r.Post("/mint/anchor", s.handleMintAnchor)
	r.Post("/mint/execute", s.handleMintExecute)
	r.Post("/mint/propose_psbt", s.handleProposePSBT)
	r.Post("/mint/submit_signature", s.handleProposalSignature)
	r.Get("/mint/proposals", s.handleProposals)
	r.Post("/gossip/mint_proposals", s.handleGossipProposals)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", s.metrics.handler())
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Bootstrap seeds an empty validator set with the gateway's own key at
// threshold 1, so a fresh single-gateway deployment can settle and mint
// without manual setup.
func (s *Server) Bootstrap() error {
	validators, err := s.ledger.Validators()
	if err != nil {
		return err
	}
	if len(validators) > 0 {
		return nil
	}
	s.logger.Info("empty validator set, trusting own key", "pubkey", s.pubkey)
	if err := s.ledger.AddValidator(s.pubkey, 1); err != nil {
		return err
	}
	return s.ledger.SetQuorumThreshold(1)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	head, err := s.ledger.ChainHead()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":             true,
		"gateway_pubkey": s.pubkey,
		"chain_head":     head,
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PublicName string `json:"public_name"`
		NodeURL    string `json:"node_url"`
		NodePubkey string `json:"node_pubkey"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	if body.NodePubkey == "" || body.NodeURL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "node_pubkey and node_url required"})
		return
	}
	s.mu.Lock()
	if _, known := s.nodes[body.NodePubkey]; !known {
		s.order = append(s.order, body.NodePubkey)
	}
	s.nodes[body.NodePubkey] = nodeInfo{Name: body.PublicName, URL: body.NodeURL, Pubkey: body.NodePubkey}
	s.mu.Unlock()
	s.logger.Info("node registered", "name", body.PublicName, "pubkey", body.NodePubkey)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleNodes(w http.ResponseWriter, _ *http.Request) {
	addrs, err := s.ledger.AllNodeAddresses()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.mu.Lock()
	out := make([]map[string]any, 0, len(s.order))
	for _, pk := range s.order {
		n := s.nodes[pk]
		addr, has := addrs[pk]
		out = append(out, map[string]any{
			"name":            n.Name,
			"url":             n.URL,
			"node_pubkey":     n.Pubkey,
			"has_eth_address": has,
			"eth_address":     addr,
		})
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSetEthAddress(w http.ResponseWriter, r *http.Request) {
	var body struct {
		NodePubkey string `json:"node_pubkey"`
		EthAddress string `json:"eth_address"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	if err := s.ledger.SetNodeAddress(body.NodePubkey, body.EthAddress); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var body struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
		WallTimeMS   int64 `json:"wall_time_ms"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.oracle.Quote(r.Context(), body.InputTokens, body.OutputTokens, body.WallTimeMS))
}

func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserPubkey string `json:"user_pubkey"`
		Amount     int64  `json:"amount"`
		Memo       string `json:"memo"`
		Txid       string `json:"txid"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	var err error
	if body.Txid != "" {
		err = s.ledger.CreditPayment(body.UserPubkey, body.Amount, body.Memo, body.Txid, body.Txid)
	} else {
		err = s.ledger.Credit(body.UserPubkey, body.Amount, body.Memo, "")
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	bal, err := s.ledger.Balance(body.UserPubkey)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "balance": bal})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := s.ledger.Balance(chi.URLParam(r, "pubkey"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"balance": bal})
}

func (s *Server) handleReceipts(w http.ResponseWriter, _ *http.Request) {
	list, err := s.ledger.List()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if list == nil {
		list = []receipt.UsageReceipt{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleEpochSettle(w http.ResponseWriter, r *http.Request) {
	var plan epoch.Plan
	if err := decodeJSON(r, &plan); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	snap, err := s.epochs.Settle(r.Context(), plan)
	if errors.Is(err, epoch.ErrEmptyEpoch) {
		writeJSON(w, http.StatusOK, map[string]string{"error": "no receipts"})
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.metrics.epochsSettled.Inc()
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleEpochSign(w http.ResponseWriter, r *http.Request) {
	var body struct {
		EpochID         string `json:"epoch_id"`
		ValidatorPubkey string `json:"validator_pubkey"`
		Signature       string `json:"signature"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	if err := s.epochs.SubmitSignature(body.EpochID, body.ValidatorPubkey, body.Signature); err != nil {
		s.writeError(w, err)
		return
	}
	st, err := s.epochs.Status(body.EpochID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"signatures": st.Signatures,
		"quorum":     st.Quorum,
	})
}

func (s *Server) handleEpochStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.epochs.Status(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleValidatorAdd(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Pubkey string  `json:"pubkey"`
		Weight float64 `json:"weight"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	if body.Weight == 0 {
		body.Weight = 1
	}
	if err := s.ledger.AddValidator(body.Pubkey, body.Weight); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeValidators(w)
}

func (s *Server) handleValidatorRemove(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Pubkey string `json:"pubkey"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	if err := s.ledger.RemoveValidator(body.Pubkey); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeValidators(w)
}

func (s *Server) writeValidators(w http.ResponseWriter) {
	validators, err := s.ledger.ListValidators()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "validators": validators})
}

func (s *Server) handleQuality(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ReceiptID  string  `json:"receipt_id"`
		NodePubkey string  `json:"node_pubkey"`
		Score      float64 `json:"score"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	if err := s.ledger.RecordQuality(body.ReceiptID, body.NodePubkey, body.Score); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleTokenConfigGet(w http.ResponseWriter, _ *http.Request) {
	cfg, err := s.ledger.TokenConfig()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleTokenConfigSet(w http.ResponseWriter, r *http.Request) {
	var cfg ledger.TokenConfig
	if err := decodeJSON(r, &cfg); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	if err := s.ledger.SetTokenConfig(cfg); err != nil {
		s.writeError(w, err)
		return
	}
	stored, err := s.ledger.TokenConfig()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeBadRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body: " + err.Error()})
}

// writeError maps domain error kinds to their HTTP status.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrNoNodes):
		status = http.StatusServiceUnavailable
	case errors.Is(err, ledger.ErrInsufficientBalance):
		status = http.StatusPaymentRequired
	case errors.Is(err, ErrUpstreamNode):
		status = http.StatusBadGateway
	case errors.Is(err, ErrBadCountersignature):
		status = http.StatusInternalServerError
	case errors.Is(err, ledger.ErrInvalidAddress),
		errors.Is(err, ledger.ErrOutOfRange),
		errors.Is(err, ledger.ErrNegativeAmount),
		errors.Is(err, epoch.ErrBadSignature),
		errors.Is(err, ErrRootMismatch),
		errors.Is(err, ErrNotEligible):
		status = http.StatusBadRequest
	case errors.Is(err, epoch.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, epoch.ErrNotFound),
		errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, ErrProposalNotFound):
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "err", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
