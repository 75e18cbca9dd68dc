// Package epoch turns a window of ledger receipts into a signed, quorum
// endorsed reward snapshot.
package epoch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"cosmossdk.io/log"

	"glyph/internal/canonical"
	"glyph/internal/dht"
	"glyph/internal/identity"
	"glyph/internal/ledger"
)

// Payout is one node's share of an epoch.
type Payout struct {
	NodePubkey string `json:"node_pubkey"`
	EthAddress string `json:"eth_address"`
	Amount     int64  `json:"amount"`
}

// Snapshot is the signed settlement artifact for one epoch. Root covers the
// canonical snapshot without root or gateway_sig; gateway_sig covers the
// canonical snapshot with root but without gateway_sig.
type Snapshot struct {
	EpochID     string   `json:"epoch_id"`
	CreatedAt   int64    `json:"created_at"`
	StartTime   int64    `json:"start_time"`
	EndTime     int64    `json:"end_time"`
	TokenTicker string   `json:"token_ticker"`
	TotalAmount int64    `json:"total_amount"`
	Payouts     []Payout `json:"payouts"`
	Root        string   `json:"root,omitempty"`
	GatewaySig  string   `json:"gateway_sig,omitempty"`
}

// Plan is a settlement request. Nil bounds default to 0 and now.
type Plan struct {
	TokenTicker string `json:"token_ticker"`
	TotalAmount int64  `json:"total_amount"`
	StartTime   *int64 `json:"start_time,omitempty"`
	EndTime     *int64 `json:"end_time,omitempty"`
}

// Status pairs a stored snapshot with its collected signatures.
type Status struct {
	Snapshot   json.RawMessage         `json:"snapshot"`
	Signatures []ledger.EpochSignature `json:"signatures"`
	Quorum     int64                   `json:"quorum"`
	Eligible   bool                    `json:"eligible"`
}

// Engine settles epochs and collects validator signatures over them.
type Engine struct {
	ledger    *ledger.Ledger
	gatewayPK string
	gatewaySK string
	store     dht.Store
	logger    log.Logger
	now       func() time.Time
}

func NewEngine(l *ledger.Ledger, gatewayPK, gatewaySK string, store dht.Store, logger log.Logger) *Engine {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Engine{
		ledger:    l,
		gatewayPK: gatewayPK,
		gatewaySK: gatewaySK,
		store:     store,
		logger:    logger,
		now:       time.Now,
	}
}

// Settle aggregates weighted contributions over the plan window, builds the
// payout vector, signs the snapshot, persists it, and publishes it to the
// DHT best-effort. An empty window fails with ErrEmptyEpoch.
func (e *Engine) Settle(ctx context.Context, plan Plan) (Snapshot, error) {
	start := int64(0)
	if plan.StartTime != nil {
		start = *plan.StartTime
	}
	end := e.now().Unix()
	if plan.EndTime != nil {
		end = *plan.EndTime
	}

	contribs, err := e.ledger.AggregateWeighted(&start, &end)
	if err != nil {
		return Snapshot{}, err
	}
	if len(contribs) == 0 {
		return Snapshot{}, ErrEmptyEpoch
	}

	addrs, err := e.ledger.AllNodeAddresses()
	if err != nil {
		return Snapshot{}, err
	}

	var sumW float64
	for _, w := range contribs {
		sumW += w
	}

	// Address-less nodes are skipped but their weight stays in the
	// denominator, so addressed nodes keep shares proportional to absolute
	// contribution.
	payouts := make([]Payout, 0, len(contribs))
	for nodePK, w := range contribs {
		addr, ok := addrs[nodePK]
		if !ok {
			e.logger.Info("skipping payout for node without address", "node_pubkey", nodePK)
			continue
		}
		amount := int64(float64(plan.TotalAmount) * w / sumW)
		if amount < 0 {
			amount = 0
		}
		payouts = append(payouts, Payout{NodePubkey: nodePK, EthAddress: addr, Amount: amount})
	}
	sort.Slice(payouts, func(i, j int) bool { return payouts[i].NodePubkey < payouts[j].NodePubkey })

	snap := Snapshot{
		EpochID:     fmt.Sprintf("%d-%d-%s", start, end, plan.TokenTicker),
		CreatedAt:   e.now().Unix(),
		StartTime:   start,
		EndTime:     end,
		TokenTicker: plan.TokenTicker,
		TotalAmount: plan.TotalAmount,
		Payouts:     payouts,
	}

	root, err := canonical.Hash(snap)
	if err != nil {
		return Snapshot{}, err
	}
	snap.Root = root

	signBytes, err := canonical.Marshal(snap)
	if err != nil {
		return Snapshot{}, err
	}
	sig, err := identity.Sign(e.gatewaySK, signBytes)
	if err != nil {
		return Snapshot{}, err
	}
	snap.GatewaySig = sig

	raw, err := json.Marshal(snap)
	if err != nil {
		return Snapshot{}, err
	}
	if err := e.ledger.SaveEpoch(snap.EpochID, raw); err != nil {
		return Snapshot{}, err
	}

	if e.store != nil {
		if err := e.store.PublishEpoch(ctx, snap.EpochID, raw); err != nil {
			e.logger.Info("epoch publish failed", "epoch_id", snap.EpochID, "err", err)
		}
	}
	return snap, nil
}

// SignBytes returns the canonical bytes a validator signs: the full stored
// snapshot, root and gateway_sig included. Anchoring state lives outside the
// snapshot, so sign bytes are stable across anchoring.
func SignBytes(snapshot json.RawMessage) ([]byte, error) {
	return canonical.Normalize(snapshot)
}

// SubmitSignature verifies and records one validator's attestation.
func (e *Engine) SubmitSignature(epochID, validatorPubkey, signature string) error {
	row, err := e.ledger.GetEpoch(epochID)
	if err != nil {
		if err == ledger.ErrNotFound {
			return ErrNotFound
		}
		return err
	}
	ok, err := e.ledger.HasValidator(validatorPubkey)
	if err != nil {
		return err
	}
	if !ok {
		return ErrForbidden
	}
	signBytes, err := SignBytes(row.Snapshot)
	if err != nil {
		return err
	}
	if !identity.Verify(validatorPubkey, signBytes, signature) {
		return ErrBadSignature
	}
	return e.ledger.AddEpochSignature(epochID, validatorPubkey, signature)
}

// Status returns the snapshot, its collected signatures, and the quorum
// state, or ErrNotFound.
func (e *Engine) Status(epochID string) (Status, error) {
	row, err := e.ledger.GetEpoch(epochID)
	if err != nil {
		if err == ledger.ErrNotFound {
			return Status{}, ErrNotFound
		}
		return Status{}, err
	}
	sigs, err := e.ledger.EpochSignatures(epochID)
	if err != nil {
		return Status{}, err
	}
	quorum, err := e.ledger.QuorumThreshold()
	if err != nil {
		return Status{}, err
	}
	return Status{
		Snapshot:   row.Snapshot,
		Signatures: sigs,
		Quorum:     quorum,
		Eligible:   int64(len(sigs)) >= quorum,
	}, nil
}

// Get decodes the stored snapshot for an epoch.
func (e *Engine) Get(epochID string) (Snapshot, error) {
	row, err := e.ledger.GetEpoch(epochID)
	if err != nil {
		if err == ledger.ErrNotFound {
			return Snapshot{}, ErrNotFound
		}
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(row.Snapshot, &snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Eligible reports whether the epoch has reached the signature threshold.
// Signatures are counted, not weighted.
func (e *Engine) Eligible(epochID string) (bool, error) {
	st, err := e.Status(epochID)
	if err != nil {
		return false, err
	}
	return st.Eligible, nil
}
