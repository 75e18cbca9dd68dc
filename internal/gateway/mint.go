package gateway

import (
	"net/http"
	"time"

	errorsmod "cosmossdk.io/errors"
	"github.com/google/uuid"

	"glyph/internal/minter"
)

// mintProposal is a PSBT-style multi-party mint coordination record. The map
// of proposals is in-memory; proposals are rebuilt via gossip after restart.
type mintProposal struct {
	ID             string            `json:"id"`
	EpochID        string            `json:"epoch_id"`
	EpochRoot      string            `json:"epoch_root"`
	PSBTBase64     string            `json:"psbt_base64"`
	ProposerPubkey string            `json:"proposer_pubkey"`
	Signatures     map[string]string `json:"signatures"`
	CreatedAt      int64             `json:"created_at"`
}

// checkEpochRoot confirms the referenced epoch exists locally and the
// caller's root matches the stored snapshot.
func (s *Server) checkEpochRoot(epochID, root string) error {
	snap, err := s.epochs.Get(epochID)
	if err != nil {
		return err
	}
	if snap.Root != root {
		return ErrRootMismatch
	}
	return nil
}

func (s *Server) handleMintPreview(w http.ResponseWriter, r *http.Request) {
	var body struct {
		EpochID string `json:"epoch_id"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	payouts, err := minter.SelectEpochPayouts(s.epochs, body.EpochID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	st, err := s.epochs.Status(body.EpochID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"epoch_id":   body.EpochID,
		"payouts":    payouts,
		"signatures": len(st.Signatures),
		"quorum":     st.Quorum,
		"eligible":   st.Eligible,
	})
}

func (s *Server) handleMintAnchor(w http.ResponseWriter, r *http.Request) {
	var body struct {
		EpochID string `json:"epoch_id"`
		Txid    string `json:"txid"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	if err := minter.Anchor(s.ledger, body.EpochID, body.Txid); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "epoch_id": body.EpochID, "anchor_txid": body.Txid})
}

// handleMintExecute runs the payouts of a quorum-eligible epoch through the
// configured ERC-20 minter and anchors the resulting transaction.
func (s *Server) handleMintExecute(w http.ResponseWriter, r *http.Request) {
	var body struct {
		EpochID string `json:"epoch_id"`
		DryRun  bool   `json:"dry_run"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeBadRequest(w, err)
		return
	}

	eligible, err := s.epochs.Eligible(body.EpochID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !eligible {
		s.writeError(w, errorsmod.Wrapf(ErrNotEligible, "epoch %s", body.EpochID))
		return
	}
	payouts, err := minter.SelectEpochPayouts(s.epochs, body.EpochID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	cfg, err := minter.ConfigFromLedger(s.ledger, s.minterKey)
	if err != nil {
		s.writeError(w, err)
		return
	}
	m, err := minter.New(r.Context(), cfg, s.logger)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer m.Close()

	txids, err := m.MintRewards(r.Context(), payouts, body.DryRun)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !body.DryRun {
		if err := minter.Anchor(s.ledger, body.EpochID, txids[0]); err != nil {
			s.writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "txids": txids, "dry_run": body.DryRun})
}

func (s *Server) handleTokenSupply(w http.ResponseWriter, r *http.Request) {
	cfg, err := minter.ConfigFromLedger(s.ledger, s.minterKey)
	if err != nil {
		s.writeError(w, err)
		return
	}
	m, err := minter.New(r.Context(), cfg, s.logger)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer m.Close()

	total, max, err := m.TokenSupply(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"total_supply": total.String(),
		"max_supply":   max.String(),
	})
}

func (s *Server) handleProposePSBT(w http.ResponseWriter, r *http.Request) {
	var body struct {
		EpochID        string `json:"epoch_id"`
		EpochRoot      string `json:"epoch_root"`
		PSBTBase64     string `json:"psbt_base64"`
		ProposerPubkey string `json:"proposer_pubkey"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	if err := s.checkEpochRoot(body.EpochID, body.EpochRoot); err != nil {
		s.writeError(w, err)
		return
	}
	p := &mintProposal{
		ID:             uuid.NewString(),
		EpochID:        body.EpochID,
		EpochRoot:      body.EpochRoot,
		PSBTBase64:     body.PSBTBase64,
		ProposerPubkey: body.ProposerPubkey,
		Signatures:     make(map[string]string),
		CreatedAt:      time.Now().Unix(),
	}
	s.propMu.Lock()
	s.proposals[p.ID] = p
	s.propMu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "proposal_id": p.ID})
}

func (s *Server) handleProposalSignature(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ProposalID   string `json:"proposal_id"`
		SignerPubkey string `json:"signer_pubkey"`
		Signature    string `json:"signature"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	s.propMu.Lock()
	p, ok := s.proposals[body.ProposalID]
	if !ok {
		s.propMu.Unlock()
		s.writeError(w, ErrProposalNotFound)
		return
	}
	p.Signatures[body.SignerPubkey] = body.Signature
	n := len(p.Signatures)
	s.propMu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "num_signatures": n})
}

// snapshotProposals deep-copies the proposal map under the lock so callers
// can serialize the result while signature submissions keep mutating the
// originals.
func (s *Server) snapshotProposals() []mintProposal {
	s.propMu.Lock()
	defer s.propMu.Unlock()
	out := make([]mintProposal, 0, len(s.proposals))
	for _, p := range s.proposals {
		c := *p
		c.Signatures = make(map[string]string, len(p.Signatures))
		for pk, sig := range p.Signatures {
			c.Signatures[pk] = sig
		}
		out = append(out, c)
	}
	return out
}

func (s *Server) handleProposals(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshotProposals())
}

// handleGossipProposals ingests proposals relayed by peers. A proposal is
// accepted only when its epoch exists locally with a matching root, and its
// id has not been seen before.
func (s *Server) handleGossipProposals(w http.ResponseWriter, r *http.Request) {
	var batch []mintProposal
	if err := decodeJSON(r, &batch); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	accepted := 0
	for i := range batch {
		p := batch[i]
		if p.ID == "" {
			continue
		}
		if err := s.checkEpochRoot(p.EpochID, p.EpochRoot); err != nil {
			s.logger.Info("gossiped proposal rejected", "proposal_id", p.ID, "err", err)
			continue
		}
		s.propMu.Lock()
		if _, seen := s.proposals[p.ID]; !seen {
			if p.Signatures == nil {
				p.Signatures = make(map[string]string)
			}
			s.proposals[p.ID] = &p
			accepted++
		}
		s.propMu.Unlock()
	}
	writeJSON(w, http.StatusOK, map[string]int{"accepted": accepted})
}
