// Package receipt defines the two-party signed usage receipt, the atomic
// metering record of one inference.
package receipt

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"glyph/internal/canonical"
	"glyph/internal/identity"
)

// UsageReceipt is immutable once both signatures are attached. The two
// signatures cover the canonical payload: every field below except the
// signatures themselves, in canonical JSON form.
type UsageReceipt struct {
	GatewayPubkey string `json:"gateway_pubkey"`
	NodePubkey    string `json:"node_pubkey"`
	SessionID     string `json:"session_id"`
	Route         string `json:"route"`
	InputTokens   int64  `json:"input_tokens"`
	OutputTokens  int64  `json:"output_tokens"`
	WallTimeMS    int64  `json:"wall_time_ms"`
	CreatedAt     int64  `json:"created_at"`
	GatewaySig    string `json:"gateway_sig,omitempty"`
	NodeSig       string `json:"node_sig,omitempty"`
}

// New fills all non-signature fields and stamps the current wall clock.
func New(gatewayPubkey, nodePubkey, sessionID, route string, inputTokens, outputTokens, wallTimeMS int64) UsageReceipt {
	return UsageReceipt{
		GatewayPubkey: gatewayPubkey,
		NodePubkey:    nodePubkey,
		SessionID:     sessionID,
		Route:         route,
		InputTokens:   inputTokens,
		OutputTokens:  outputTokens,
		WallTimeMS:    wallTimeMS,
		CreatedAt:     time.Now().Unix(),
	}
}

// Payload returns the canonical signing payload: the receipt without its
// signatures.
func (r UsageReceipt) Payload() ([]byte, error) {
	c := r
	c.GatewaySig = ""
	c.NodeSig = ""
	return canonical.Marshal(c)
}

// ID is the lowercase hex SHA-256 of the canonical payload.
func (r UsageReceipt) ID() (string, error) {
	payload, err := r.Payload()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// SignGateway attaches the gateway signature.
func (r *UsageReceipt) SignGateway(sk string) error {
	payload, err := r.Payload()
	if err != nil {
		return err
	}
	sig, err := identity.Sign(sk, payload)
	if err != nil {
		return err
	}
	r.GatewaySig = sig
	return nil
}

// SignNode attaches the node countersignature.
func (r *UsageReceipt) SignNode(sk string) error {
	payload, err := r.Payload()
	if err != nil {
		return err
	}
	sig, err := identity.Sign(sk, payload)
	if err != nil {
		return err
	}
	r.NodeSig = sig
	return nil
}

// Verify reports whether both signatures are present and valid over the
// canonical payload.
func (r UsageReceipt) Verify() bool {
	if r.GatewaySig == "" || r.NodeSig == "" {
		return false
	}
	payload, err := r.Payload()
	if err != nil {
		return false
	}
	return identity.Verify(r.GatewayPubkey, payload, r.GatewaySig) &&
		identity.Verify(r.NodePubkey, payload, r.NodeSig)
}
