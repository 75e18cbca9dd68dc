package dht

import (
	"context"
	"testing"
	"time"
)

func TestMemStore_PriceAsksExpire(t *testing.T) {
	now := time.Unix(1000, 0)
	clock := func() time.Time { return now }
	m := NewMemStoreWithClock(300*time.Second, clock)
	ctx := context.Background()

	if err := m.PublishPriceAsk(ctx, "pk-a", PriceAsk{MilliGlyphPer1K: 90, Timestamp: 1000}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := m.PublishPriceAsk(ctx, "pk-b", PriceAsk{MilliGlyphPer1K: 120, Timestamp: 1000}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	asks, err := m.FetchPriceAsks(ctx)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(asks) != 2 || asks["pk-a"].MilliGlyphPer1K != 90 {
		t.Fatalf("unexpected asks: %+v", asks)
	}

	now = now.Add(301 * time.Second)
	asks, err = m.FetchPriceAsks(ctx)
	if err != nil {
		t.Fatalf("fetch after expiry: %v", err)
	}
	if len(asks) != 0 {
		t.Fatalf("expected expired asks to vanish, got %+v", asks)
	}
}

func TestMemStore_EpochRoundTrip(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	if err := m.PublishEpoch(ctx, "0-100-GLYPH", []byte(`{"epoch_id":"0-100-GLYPH"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	b, err := m.FetchEpoch(ctx, "0-100-GLYPH")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(b) != `{"epoch_id":"0-100-GLYPH"}` {
		t.Fatalf("unexpected snapshot: %s", b)
	}

	b, err = m.FetchEpoch(ctx, "missing")
	if err != nil {
		t.Fatalf("fetch missing: %v", err)
	}
	if b != nil {
		t.Fatalf("expected nil for missing epoch")
	}
}
