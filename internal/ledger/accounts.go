package ledger

import (
	"encoding/json"

	bolt "go.etcd.io/bbolt"
)

type accountRow struct {
	Balance   int64 `json:"balance"`
	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// AccountTxn is one append-only log entry. Credits carry a positive delta,
// debits a negative one; the sum of deltas equals the current balance.
type AccountTxn struct {
	UserPubkey string `json:"user_pubkey"`
	Delta      int64  `json:"delta_amount"`
	Kind       string `json:"kind"` // "credit" | "debit"
	Memo       string `json:"memo"`
	RefID      string `json:"ref_id"`
	CreatedAt  int64  `json:"created_at"`
}

// Payment records an external top-up that backed a credit.
type Payment struct {
	UserPubkey string `json:"user_pubkey"`
	Amount     int64  `json:"amount"`
	Txid       string `json:"txid"`
	Status     string `json:"status"`
	CreatedAt  int64  `json:"created_at"`
}

// EnsureAccount creates a zero-balance account if absent.
func (l *Ledger) EnsureAccount(userPubkey string) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		return ensureAccount(tx, userPubkey, l.now().Unix())
	})
}

func ensureAccount(tx *bolt.Tx, userPubkey string, now int64) error {
	accounts := tx.Bucket(bucketAccounts)
	if accounts.Get([]byte(userPubkey)) != nil {
		return nil
	}
	return putJSON(accounts, []byte(userPubkey), accountRow{CreatedAt: now, UpdatedAt: now})
}

// Balance returns the current balance; unknown users read as 0.
func (l *Ledger) Balance(userPubkey string) (int64, error) {
	var bal int64
	err := l.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket(bucketAccounts).Get([]byte(userPubkey)); raw != nil {
			var row accountRow
			if err := json.Unmarshal(raw, &row); err != nil {
				return err
			}
			bal = row.Balance
		}
		return nil
	})
	return bal, err
}

// Credit adds amount to the user's balance and appends a log row, atomically.
func (l *Ledger) Credit(userPubkey string, amount int64, memo, refID string) error {
	return l.credit(userPubkey, amount, memo, refID, "")
}

// CreditPayment is Credit plus a payment row tying the top-up to an external
// transaction id.
func (l *Ledger) CreditPayment(userPubkey string, amount int64, memo, refID, txid string) error {
	return l.credit(userPubkey, amount, memo, refID, txid)
}

func (l *Ledger) credit(userPubkey string, amount int64, memo, refID, txid string) error {
	if amount < 0 {
		return ErrNegativeAmount
	}
	now := l.now().Unix()
	return l.db.Update(func(tx *bolt.Tx) error {
		if err := ensureAccount(tx, userPubkey, now); err != nil {
			return err
		}
		if err := applyDelta(tx, userPubkey, amount, now); err != nil {
			return err
		}
		if err := appendTxn(tx, AccountTxn{
			UserPubkey: userPubkey, Delta: amount, Kind: "credit",
			Memo: memo, RefID: refID, CreatedAt: now,
		}); err != nil {
			return err
		}
		if txid == "" {
			return nil
		}
		payments := tx.Bucket(bucketPayments)
		seq, err := payments.NextSequence()
		if err != nil {
			return err
		}
		return putJSON(payments, itob(seq), Payment{
			UserPubkey: userPubkey, Amount: amount, Txid: txid,
			Status: "credited", CreatedAt: now,
		})
	})
}

// Debit subtracts amount from the user's balance, failing with
// ErrInsufficientBalance when the balance would go negative. The balance
// update and log row commit atomically.
func (l *Ledger) Debit(userPubkey string, amount int64, memo, refID string) error {
	if amount < 0 {
		return ErrNegativeAmount
	}
	now := l.now().Unix()
	return l.db.Update(func(tx *bolt.Tx) error {
		if err := ensureAccount(tx, userPubkey, now); err != nil {
			return err
		}
		if err := applyDelta(tx, userPubkey, -amount, now); err != nil {
			return err
		}
		return appendTxn(tx, AccountTxn{
			UserPubkey: userPubkey, Delta: -amount, Kind: "debit",
			Memo: memo, RefID: refID, CreatedAt: now,
		})
	})
}

func applyDelta(tx *bolt.Tx, userPubkey string, delta, now int64) error {
	accounts := tx.Bucket(bucketAccounts)
	var row accountRow
	if raw := accounts.Get([]byte(userPubkey)); raw != nil {
		if err := json.Unmarshal(raw, &row); err != nil {
			return err
		}
	}
	next := row.Balance + delta
	if next < 0 {
		return ErrInsufficientBalance
	}
	row.Balance = next
	row.UpdatedAt = now
	return putJSON(accounts, []byte(userPubkey), row)
}

func appendTxn(tx *bolt.Tx, txn AccountTxn) error {
	txns := tx.Bucket(bucketAccountTxns)
	seq, err := txns.NextSequence()
	if err != nil {
		return err
	}
	return putJSON(txns, itob(seq), txn)
}

// AccountTxns returns the user's log entries in append order.
func (l *Ledger) AccountTxns(userPubkey string) ([]AccountTxn, error) {
	var out []AccountTxn
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAccountTxns).ForEach(func(_, v []byte) error {
			var txn AccountTxn
			if err := json.Unmarshal(v, &txn); err != nil {
				return err
			}
			if txn.UserPubkey == userPubkey {
				out = append(out, txn)
			}
			return nil
		})
	})
	return out, err
}
