package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	bolt "go.etcd.io/bbolt"

	"glyph/internal/receipt"
)

// receiptRow is the persisted form of one chained receipt.
type receiptRow struct {
	Receipt     receipt.UsageReceipt `json:"receipt"`
	PrevHash    string               `json:"prev_hash"`
	PayloadHash string               `json:"payload_hash"`
	ChainHash   string               `json:"chain_hash"`
}

// chainLink computes chain_hash = sha256(prev_hex ∥ payload_hex) over the
// ASCII hex strings.
func chainLink(prevHash, payloadHash string) string {
	sum := sha256.Sum256([]byte(prevHash + payloadHash))
	return hex.EncodeToString(sum[:])
}

// Add verifies the receipt and appends it to the hash chain. Re-adding an
// already-seen receipt_id is a no-op; the returned bool reports whether a new
// row was inserted.
func (l *Ledger) Add(r receipt.UsageReceipt) (bool, error) {
	if !r.Verify() {
		return false, ErrInvalidReceipt
	}
	rid, err := r.ID()
	if err != nil {
		return false, err
	}

	added := false
	err = l.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketReceiptIndex)
		if idx.Get([]byte(rid)) != nil {
			return nil // idempotent
		}
		receipts := tx.Bucket(bucketReceipts)

		prevHash := ""
		if _, last := receipts.Cursor().Last(); last != nil {
			var prev receiptRow
			if err := json.Unmarshal(last, &prev); err != nil {
				return err
			}
			prevHash = prev.ChainHash
		}

		seq, err := receipts.NextSequence()
		if err != nil {
			return err
		}
		row := receiptRow{
			Receipt:     r,
			PrevHash:    prevHash,
			PayloadHash: rid,
			ChainHash:   chainLink(prevHash, rid),
		}
		if err := putJSON(receipts, itob(seq), row); err != nil {
			return err
		}
		if err := idx.Put([]byte(rid), itob(seq)); err != nil {
			return err
		}
		added = true
		return nil
	})
	return added, err
}

// List returns every receipt in insertion order.
func (l *Ledger) List() ([]receipt.UsageReceipt, error) {
	var out []receipt.UsageReceipt
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketReceipts).ForEach(func(_, v []byte) error {
			var row receiptRow
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			out = append(out, row.Receipt)
			return nil
		})
	})
	return out, err
}

// ListSince returns up to limit receipts with created_at >= since, in
// insertion order.
func (l *Ledger) ListSince(since int64, limit int) ([]receipt.UsageReceipt, error) {
	if limit <= 0 {
		limit = 200
	}
	var out []receipt.UsageReceipt
	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketReceipts).Cursor()
		for k, v := c.First(); k != nil && len(out) < limit; k, v = c.Next() {
			var row receiptRow
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			if row.Receipt.CreatedAt >= since {
				out = append(out, row.Receipt)
			}
		}
		return nil
	})
	return out, err
}

// ChainHead returns the chain_hash of the newest row, or "" for an empty
// chain.
func (l *Ledger) ChainHead() (string, error) {
	head := ""
	err := l.db.View(func(tx *bolt.Tx) error {
		if _, v := tx.Bucket(bucketReceipts).Cursor().Last(); v != nil {
			var row receiptRow
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			head = row.ChainHash
		}
		return nil
	})
	return head, err
}

// VerifyChain recomputes every chain_hash in insertion order and reports
// whether the whole chain links up.
func (l *Ledger) VerifyChain() (bool, error) {
	ok := true
	err := l.db.View(func(tx *bolt.Tx) error {
		prev := ""
		c := tx.Bucket(bucketReceipts).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var row receiptRow
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			if row.PrevHash != prev || row.ChainHash != chainLink(prev, row.PayloadHash) {
				ok = false
				return nil
			}
			prev = row.ChainHash
		}
		return nil
	})
	return ok, err
}

// tamperReceiptRow is a test hook: it overwrites the payload hash of the
// row at the given position (0-based insertion order).
func (l *Ledger) tamperReceiptRow(pos int, payloadHash string) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketReceipts).Cursor()
		i := 0
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if i == pos {
				var row receiptRow
				if err := json.Unmarshal(v, &row); err != nil {
					return err
				}
				row.PayloadHash = payloadHash
				return putJSON(tx.Bucket(bucketReceipts), k, row)
			}
			i++
		}
		return ErrNotFound
	})
}

// AggregateContributions sums raw output tokens per node over the half-open
// window [start, end). Nil bounds disable filtering.
func (l *Ledger) AggregateContributions(start, end *int64) (map[string]int64, error) {
	totals := make(map[string]int64)
	err := l.forEachInWindow(start, end, func(row receiptRow) {
		totals[row.Receipt.NodePubkey] += row.Receipt.OutputTokens
	})
	return totals, err
}

// AggregateWeighted sums output_tokens × quality per node over [start, end).
// Receipts without a quality observation contribute at DefaultQuality. This
// is the authoritative path for settlement.
func (l *Ledger) AggregateWeighted(start, end *int64) (map[string]float64, error) {
	totals := make(map[string]float64)
	err := l.db.View(func(tx *bolt.Tx) error {
		quality := tx.Bucket(bucketQuality)
		return tx.Bucket(bucketReceipts).ForEach(func(_, v []byte) error {
			var row receiptRow
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			if !inWindow(row.Receipt.CreatedAt, start, end) {
				return nil
			}
			weight := DefaultQuality
			if raw := quality.Get([]byte(row.PayloadHash)); raw != nil {
				var q qualityRow
				if err := json.Unmarshal(raw, &q); err == nil {
					weight = q.Score
				}
			}
			totals[row.Receipt.NodePubkey] += float64(row.Receipt.OutputTokens) * weight
			return nil
		})
	})
	return totals, err
}

func inWindow(ts int64, start, end *int64) bool {
	if start == nil || end == nil {
		return true
	}
	return ts >= *start && ts < *end
}

func (l *Ledger) forEachInWindow(start, end *int64, fn func(receiptRow)) error {
	return l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketReceipts).ForEach(func(_, v []byte) error {
			var row receiptRow
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			if inWindow(row.Receipt.CreatedAt, start, end) {
				fn(row)
			}
			return nil
		})
	})
}
