// Package ledger is the gateway's durable, single-writer store: hash-chained
// receipts, account balances with an append-only transaction log, the
// node→payout-address registry, epoch snapshots, the validator set with
// epoch signatures, quality scores, and opaque settings.
//
// Each mutating operation runs as a single bolt read-write transaction, so
// concurrent settlements observe consistent prefixes of the receipt chain.
package ledger

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketReceipts     = []byte("receipts")          // seq → receiptRow
	bucketReceiptIndex = []byte("receipt_index")     // receipt_id → seq
	bucketAccounts     = []byte("accounts")          // user_pubkey → accountRow
	bucketAccountTxns  = []byte("account_txns")      // seq → AccountTxn
	bucketPayments     = []byte("payments")          // seq → Payment
	bucketNodeAddrs    = []byte("node_addresses")    // node_pubkey → addressRow
	bucketEpochs       = []byte("epochs")            // epoch_id → EpochRow
	bucketValidators   = []byte("validators")        // pubkey → validatorRow
	bucketEpochSigs    = []byte("epoch_signatures")  // epoch_id \x00 pubkey → signature
	bucketQuality      = []byte("quality")           // receipt_id → qualityRow
	bucketSettings     = []byte("settings")          // key → value
)

// DefaultQuality is the contribution weight of a receipt with no recorded
// quality observation.
const DefaultQuality = 0.8

// Ledger wraps a single bolt database file.
type Ledger struct {
	db  *bolt.DB
	now func() time.Time
}

// Open creates or opens the database file at path, creating parent
// directories and all buckets as needed.
func Open(path string) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir ledger dir: %w", err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{
			bucketReceipts, bucketReceiptIndex, bucketAccounts, bucketAccountTxns,
			bucketPayments, bucketNodeAddrs, bucketEpochs, bucketValidators,
			bucketEpochSigs, bucketQuality, bucketSettings,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init ledger buckets: %w", err)
	}
	return &Ledger{db: db, now: time.Now}, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, raw)
}
