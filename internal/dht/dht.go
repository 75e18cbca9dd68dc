// Package dht defines the publish/fetch contract Glyph uses for best-effort
// replication hints. The store is TTL-bounded and never a source of truth:
// the ledger remains authoritative locally, and every caller must tolerate
// missing or stale entries.
package dht

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"glyph/internal/receipt"
)

// Logical keys. Each key holds a set of subkeys with independent expiry.
const (
	receiptsKey = "glyph.receipts"
	epochsKey   = "glyph.epochs"
	pricesKey   = "glyph.prices"

	receiptsHeadSubkey = "head"
)

// DefaultTTL is refreshed on each publish.
const DefaultTTL = 300 * time.Second

// PriceAsk is a gateway's advertised price signal.
type PriceAsk struct {
	MilliGlyphPer1K int64 `json:"milli_glyph_per_1k"`
	Timestamp       int64 `json:"timestamp"`
}

// Store is the replication contract. Implementations must be safe for
// concurrent use. Any expiring-key gossip store suffices.
type Store interface {
	PublishReceipts(ctx context.Context, receipts []receipt.UsageReceipt) error
	FetchReceipts(ctx context.Context) ([]receipt.UsageReceipt, error)

	PublishEpoch(ctx context.Context, epochID string, snapshot []byte) error
	FetchEpoch(ctx context.Context, epochID string) ([]byte, error)

	PublishPriceAsk(ctx context.Context, pubkey string, ask PriceAsk) error
	FetchPriceAsks(ctx context.Context) (map[string]PriceAsk, error)
}

type entry struct {
	value   []byte
	expires time.Time
}

// MemStore is an in-process Store with per-entry expiry. It backs single
// process deployments and tests; a networked transport can replace it behind
// the same interface.
type MemStore struct {
	mu   sync.Mutex
	ttl  time.Duration
	now  func() time.Time
	data map[string]map[string]entry
}

// NewMemStore returns a MemStore with DefaultTTL.
func NewMemStore() *MemStore {
	return &MemStore{
		ttl:  DefaultTTL,
		now:  time.Now,
		data: make(map[string]map[string]entry),
	}
}

// NewMemStoreWithClock is for tests that need to control expiry.
func NewMemStoreWithClock(ttl time.Duration, now func() time.Time) *MemStore {
	return &MemStore{ttl: ttl, now: now, data: make(map[string]map[string]entry)}
}

func (m *MemStore) store(key, subkey string, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.data[key]
	if !ok {
		sub = make(map[string]entry)
		m.data[key] = sub
	}
	sub[subkey] = entry{value: value, expires: m.now().Add(m.ttl)}
}

func (m *MemStore) load(key, subkey string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key][subkey]
	if !ok || m.now().After(e.expires) {
		delete(m.data[key], subkey)
		return nil, false
	}
	return e.value, true
}

func (m *MemStore) loadAll(key string) map[string][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte)
	for subkey, e := range m.data[key] {
		if m.now().After(e.expires) {
			delete(m.data[key], subkey)
			continue
		}
		out[subkey] = e.value
	}
	return out
}

func (m *MemStore) PublishReceipts(_ context.Context, receipts []receipt.UsageReceipt) error {
	if len(receipts) == 0 {
		return nil
	}
	b, err := json.Marshal(receipts)
	if err != nil {
		return err
	}
	m.store(receiptsKey, receiptsHeadSubkey, b)
	return nil
}

func (m *MemStore) FetchReceipts(_ context.Context) ([]receipt.UsageReceipt, error) {
	b, ok := m.load(receiptsKey, receiptsHeadSubkey)
	if !ok {
		return nil, nil
	}
	var out []receipt.UsageReceipt
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *MemStore) PublishEpoch(_ context.Context, epochID string, snapshot []byte) error {
	m.store(epochsKey, epochID, snapshot)
	return nil
}

func (m *MemStore) FetchEpoch(_ context.Context, epochID string) ([]byte, error) {
	b, ok := m.load(epochsKey, epochID)
	if !ok {
		return nil, nil
	}
	return b, nil
}

func (m *MemStore) PublishPriceAsk(_ context.Context, pubkey string, ask PriceAsk) error {
	b, err := json.Marshal(ask)
	if err != nil {
		return err
	}
	m.store(pricesKey, pubkey, b)
	return nil
}

func (m *MemStore) FetchPriceAsks(_ context.Context) (map[string]PriceAsk, error) {
	out := make(map[string]PriceAsk)
	for subkey, raw := range m.loadAll(pricesKey) {
		var ask PriceAsk
		if err := json.Unmarshal(raw, &ask); err != nil {
			continue // malformed entries are dropped, not fatal
		}
		out[subkey] = ask
	}
	return out, nil
}
