package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	errorsmod "cosmossdk.io/errors"

	"github.com/google/uuid"

	"glyph/internal/dht"
	"glyph/internal/receipt"
)

// Outbound timeouts. Replication is best-effort and must never hold up the
// client response.
const (
	inferenceTimeout   = 60 * time.Second
	countersignTimeout = 30 * time.Second
	gossipTimeout      = 5 * time.Second
)

type inferenceRequest struct {
	Prompt       string  `json:"prompt"`
	MaxNewTokens int64   `json:"max_new_tokens"`
	Temperature  float64 `json:"temperature"`
	UserPubkey   string  `json:"user_pubkey"`
}

type generateResult struct {
	Text         string `json:"text"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	WallTimeMS   int64  `json:"wall_time_ms"`
}

// nextNode picks the round-robin target. The counter advances under the
// registry mutex; the returned snapshot stays valid even if the registry
// changes mid-flight.
func (s *Server) nextNode() (nodeInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.order) == 0 {
		return nodeInfo{}, ErrNoNodes
	}
	pk := s.order[s.rrCount%uint64(len(s.order))]
	s.rrCount++
	return s.nodes[pk], nil
}

func (s *Server) handleInference(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	req := inferenceRequest{MaxNewTokens: 256, Temperature: 0.7}
	if err := decodeJSON(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}

	text, err := s.dispatch(r.Context(), req)
	if err != nil {
		s.metrics.inferenceRequests.WithLabelValues("error").Inc()
		s.writeError(w, err)
		return
	}
	s.metrics.inferenceRequests.WithLabelValues("ok").Inc()
	s.metrics.inferenceDuration.Observe(time.Since(started).Seconds())
	writeJSON(w, http.StatusOK, map[string]string{"text": text})
}

// dispatch runs one inference end to end: node selection, generation,
// billing, the countersignature round-trip, and the ledger append. The
// debit commits before the countersignature round-trip; a node that then
// fails to countersign leaves the charge standing.
func (s *Server) dispatch(ctx context.Context, req inferenceRequest) (string, error) {
	node, err := s.nextNode()
	if err != nil {
		return "", err
	}
	sessionID := uuid.NewString()

	var gen generateResult
	err = s.postNode(ctx, node, "/generate", inferenceTimeout, map[string]any{
		"prompt":         req.Prompt,
		"max_new_tokens": req.MaxNewTokens,
		"temperature":    req.Temperature,
	}, &gen)
	if err != nil {
		return "", errorsmod.Wrapf(ErrUpstreamNode, "generate on %s: %v", node.Name, err)
	}

	if req.UserPubkey != "" {
		quote := s.oracle.Quote(ctx, gen.InputTokens, gen.OutputTokens, gen.WallTimeMS)
		if err := s.ledger.Debit(req.UserPubkey, quote.MilliGlyph, "inference", sessionID); err != nil {
			return "", err
		}
	}

	rcpt := receipt.New(s.pubkey, node.Pubkey, sessionID, "/inference",
		gen.InputTokens, gen.OutputTokens, gen.WallTimeMS)
	if err := rcpt.SignGateway(s.secret); err != nil {
		return "", err
	}

	var counter struct {
		NodeSig    string `json:"node_sig"`
		NodePubkey string `json:"node_pubkey"`
	}
	err = s.postNode(ctx, node, "/sign_receipt", countersignTimeout, rcpt, &counter)
	if err != nil {
		return "", errorsmod.Wrapf(ErrBadCountersignature, "sign_receipt on %s: %v", node.Name, err)
	}
	rcpt.NodeSig = counter.NodeSig
	if !rcpt.Verify() {
		return "", ErrBadCountersignature
	}

	added, err := s.ledger.Add(rcpt)
	if err != nil {
		return "", err
	}
	if added {
		s.metrics.receiptsAppended.Inc()
	}

	go s.replicate(rcpt)
	return gen.Text, nil
}

// replicate fans the new receipt out to the DHT and every peer, and
// refreshes this gateway's price ask. All three legs fail silently.
func (s *Server) replicate(rcpt receipt.UsageReceipt) {
	ctx, cancel := context.WithTimeout(context.Background(), gossipTimeout)
	defer cancel()

	if s.store != nil {
		quote := s.oracle.Quote(ctx, 1000, 0, 0)
		if err := s.store.PublishPriceAsk(ctx, s.pubkey, dht.PriceAsk{
			MilliGlyphPer1K: quote.MilliGlyphPer1K,
			Timestamp:       time.Now().Unix(),
		}); err != nil {
			s.metrics.replicationErrors.Inc()
			s.logger.Info("price ask publish failed", "err", err)
		}
		if recent, err := s.recentReceipts(); err == nil {
			if err := s.store.PublishReceipts(ctx, recent); err != nil {
				s.metrics.replicationErrors.Inc()
				s.logger.Info("receipt publish failed", "err", err)
			}
		}
	}

	body, err := json.Marshal([]receipt.UsageReceipt{rcpt})
	if err != nil {
		return
	}
	for _, peer := range s.peerList() {
		if err := s.postRaw(ctx, strings.TrimRight(peer, "/")+"/gossip/receipts", body); err != nil {
			s.metrics.replicationErrors.Inc()
			s.logger.Info("peer gossip failed", "peer", peer, "err", err)
		}
	}
}

// recentReceipts returns the tail of the chain for DHT publication.
func (s *Server) recentReceipts() ([]receipt.UsageReceipt, error) {
	list, err := s.ledger.List()
	if err != nil {
		return nil, err
	}
	const keep = 50
	if len(list) > keep {
		list = list[len(list)-keep:]
	}
	return list, nil
}

func (s *Server) postNode(ctx context.Context, node nodeInfo, path string, timeout time.Duration, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(node.URL, "/")+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (s *Server) postRaw(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
