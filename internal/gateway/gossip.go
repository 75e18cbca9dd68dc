package gateway

import (
	"net/http"
	"strconv"

	"glyph/internal/receipt"
)

func (s *Server) peerList() []string {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	return append([]string(nil), s.peers...)
}

func (s *Server) handleAddPeer(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "url query parameter required"})
		return
	}
	s.peersMu.Lock()
	known := false
	for _, p := range s.peers {
		if p == url {
			known = true
			break
		}
	}
	if !known {
		s.peers = append(s.peers, url)
	}
	peers := append([]string(nil), s.peers...)
	s.peersMu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "peers": peers})
}

func (s *Server) handlePeers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.peerList())
}

// handleGossipReceipts ingests receipts pushed by peers. Invalid entries are
// dropped silently; accepted counts only receipts this gateway had not seen,
// so replaying the same batch converges to zero.
func (s *Server) handleGossipReceipts(w http.ResponseWriter, r *http.Request) {
	var batch []receipt.UsageReceipt
	if err := decodeJSON(r, &batch); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	accepted := 0
	for _, rcpt := range batch {
		added, err := s.ledger.Add(rcpt)
		if err != nil {
			s.logger.Info("gossiped receipt rejected", "err", err)
			continue
		}
		if added {
			accepted++
		}
	}
	if accepted > 0 {
		s.metrics.gossipAccepted.Add(float64(accepted))
	}
	writeJSON(w, http.StatusOK, map[string]int{"accepted": accepted})
}

// handlePullReceipts serves the poll side of replication.
func (s *Server) handlePullReceipts(w http.ResponseWriter, r *http.Request) {
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	list, err := s.ledger.ListSince(since, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if list == nil {
		list = []receipt.UsageReceipt{}
	}
	writeJSON(w, http.StatusOK, list)
}
