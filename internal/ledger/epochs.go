package ledger

import (
	"bytes"
	"encoding/json"
	"sort"

	bolt "go.etcd.io/bbolt"
)

// EpochRow is a stored settlement snapshot plus its anchoring state. The
// snapshot bytes are opaque to the ledger; the epoch engine owns their shape.
type EpochRow struct {
	EpochID    string          `json:"epoch_id"`
	Snapshot   json.RawMessage `json:"snapshot"`
	CreatedAt  int64           `json:"created_at"`
	AnchorTxid string          `json:"anchor_txid,omitempty"`
	Finalized  bool            `json:"finalized"`
}

// EpochSignature is one validator's attestation over a snapshot.
type EpochSignature struct {
	ValidatorPubkey string `json:"validator_pubkey"`
	Signature       string `json:"signature"`
	CreatedAt       int64  `json:"created_at"`
}

type validatorRow struct {
	Pubkey  string  `json:"pubkey"`
	Weight  float64 `json:"weight"`
	AddedAt int64   `json:"added_at"`
}

type qualityRow struct {
	NodePubkey string  `json:"node_pubkey"`
	Score      float64 `json:"score"`
	CreatedAt  int64   `json:"created_at"`
}

// SaveEpoch upserts a snapshot. Anchoring state of an existing row survives
// the upsert, so re-settling an epoch never un-finalizes it.
func (l *Ledger) SaveEpoch(epochID string, snapshot json.RawMessage) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		epochs := tx.Bucket(bucketEpochs)
		row := EpochRow{EpochID: epochID, Snapshot: snapshot, CreatedAt: l.now().Unix()}
		if raw := epochs.Get([]byte(epochID)); raw != nil {
			var prev EpochRow
			if err := json.Unmarshal(raw, &prev); err != nil {
				return err
			}
			row.AnchorTxid = prev.AnchorTxid
			row.Finalized = prev.Finalized
			row.CreatedAt = prev.CreatedAt
		}
		return putJSON(epochs, []byte(epochID), row)
	})
}

// GetEpoch returns the stored row, or ErrNotFound.
func (l *Ledger) GetEpoch(epochID string) (EpochRow, error) {
	var row EpochRow
	err := l.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketEpochs).Get([]byte(epochID))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &row)
	})
	return row, err
}

// SetEpochAnchor records the on-chain transaction id for an epoch.
func (l *Ledger) SetEpochAnchor(epochID, txid string) error {
	return l.updateEpoch(epochID, func(row *EpochRow) {
		row.AnchorTxid = txid
	})
}

// SetEpochFinalized marks the epoch finalized.
func (l *Ledger) SetEpochFinalized(epochID string) error {
	return l.updateEpoch(epochID, func(row *EpochRow) {
		row.Finalized = true
	})
}

// IsEpochFinalized reports the finalized flag; unknown epochs read as false.
func (l *Ledger) IsEpochFinalized(epochID string) (bool, error) {
	row, err := l.GetEpoch(epochID)
	if err != nil {
		if err == ErrNotFound {
			return false, nil
		}
		return false, err
	}
	return row.Finalized, nil
}

func (l *Ledger) updateEpoch(epochID string, fn func(*EpochRow)) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		epochs := tx.Bucket(bucketEpochs)
		raw := epochs.Get([]byte(epochID))
		if raw == nil {
			return ErrNotFound
		}
		var row EpochRow
		if err := json.Unmarshal(raw, &row); err != nil {
			return err
		}
		fn(&row)
		return putJSON(epochs, []byte(epochID), row)
	})
}

// AddValidator registers or reweights a validator. Weights are stored for a
// future weighted-quorum variant; eligibility counts signatures.
func (l *Ledger) AddValidator(pubkey string, weight float64) error {
	if weight <= 0 {
		return ErrNegativeAmount
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		validators := tx.Bucket(bucketValidators)
		row := validatorRow{Pubkey: pubkey, Weight: weight, AddedAt: l.now().Unix()}
		if raw := validators.Get([]byte(pubkey)); raw != nil {
			var prev validatorRow
			if err := json.Unmarshal(raw, &prev); err != nil {
				return err
			}
			row.AddedAt = prev.AddedAt
		}
		return putJSON(validators, []byte(pubkey), row)
	})
}

// RemoveValidator deletes a validator; removing an unknown pubkey is a no-op.
func (l *Ledger) RemoveValidator(pubkey string) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketValidators).Delete([]byte(pubkey))
	})
}

// Validators returns pubkey → weight for the whole set.
func (l *Ledger) Validators() (map[string]float64, error) {
	out := make(map[string]float64)
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketValidators).ForEach(func(_, v []byte) error {
			var row validatorRow
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			out[row.Pubkey] = row.Weight
			return nil
		})
	})
	return out, err
}

// ListValidators returns the validator pubkeys in sorted order.
func (l *Ledger) ListValidators() ([]string, error) {
	set, err := l.Validators()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(set))
	for pk := range set {
		out = append(out, pk)
	}
	sort.Strings(out)
	return out, nil
}

// HasValidator reports membership in the validator set.
func (l *Ledger) HasValidator(pubkey string) (bool, error) {
	var ok bool
	err := l.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket(bucketValidators).Get([]byte(pubkey)) != nil
		return nil
	})
	return ok, err
}

// SetQuorumThreshold stores the minimum count of validator signatures an
// epoch needs before minting.
func (l *Ledger) SetQuorumThreshold(n int64) error {
	if n <= 0 {
		return ErrNegativeAmount
	}
	raw, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return l.SetSetting("quorum_threshold", string(raw))
}

// QuorumThreshold returns the configured threshold, defaulting to 1.
func (l *Ledger) QuorumThreshold() (int64, error) {
	v, err := l.GetSetting("quorum_threshold")
	if err != nil {
		return 0, err
	}
	if v == "" {
		return 1, nil
	}
	var n int64
	if err := json.Unmarshal([]byte(v), &n); err != nil {
		return 0, err
	}
	return n, nil
}

func epochSigKey(epochID, pubkey string) []byte {
	return append(append([]byte(epochID), 0x00), []byte(pubkey)...)
}

// AddEpochSignature upserts one validator's signature for an epoch. A
// validator re-submitting replaces its earlier row rather than double
// counting.
func (l *Ledger) AddEpochSignature(epochID, validatorPubkey, signature string) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketEpochSigs), epochSigKey(epochID, validatorPubkey), EpochSignature{
			ValidatorPubkey: validatorPubkey,
			Signature:       signature,
			CreatedAt:       l.now().Unix(),
		})
	})
}

// EpochSignatures returns the collected signatures for an epoch, sorted by
// validator pubkey.
func (l *Ledger) EpochSignatures(epochID string) ([]EpochSignature, error) {
	prefix := append([]byte(epochID), 0x00)
	var out []EpochSignature
	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEpochSigs).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var sig EpochSignature
			if err := json.Unmarshal(v, &sig); err != nil {
				return err
			}
			out = append(out, sig)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ValidatorPubkey < out[j].ValidatorPubkey })
	return out, nil
}

// RecordQuality attaches a quality score in [0, 1] to a receipt.
func (l *Ledger) RecordQuality(receiptID, nodePubkey string, score float64) error {
	if score < 0 || score > 1 {
		return ErrOutOfRange
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketQuality), []byte(receiptID), qualityRow{
			NodePubkey: nodePubkey,
			Score:      score,
			CreatedAt:  l.now().Unix(),
		})
	})
}

// Quality returns the recorded score for a receipt and whether one exists.
func (l *Ledger) Quality(receiptID string) (float64, bool, error) {
	var (
		score float64
		ok    bool
	)
	err := l.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketQuality).Get([]byte(receiptID))
		if raw == nil {
			return nil
		}
		var row qualityRow
		if err := json.Unmarshal(raw, &row); err != nil {
			return err
		}
		score, ok = row.Score, true
		return nil
	})
	return score, ok, err
}
