package pricing

import (
	"context"
	"testing"
	"time"

	"glyph/internal/dht"
)

func TestQuote_BaseRateWithoutDHT(t *testing.T) {
	o := NewOracle(nil, nil)
	q := o.Quote(context.Background(), 3, 5, 1500)
	// ⌊3·100/1000⌋ + ⌊5·100/1000⌋ + ⌊1500/1000⌋ = 0 + 0 + 1
	if q.MilliGlyph != 1 {
		t.Fatalf("milli_glyph=%d want 1", q.MilliGlyph)
	}
	if q.MilliGlyphPer1K != BaseMilliGlyphPer1K {
		t.Fatalf("rate=%d want %d", q.MilliGlyphPer1K, BaseMilliGlyphPer1K)
	}
}

func TestQuote_NegativeWallTimeClamped(t *testing.T) {
	o := NewOracle(nil, nil)
	q := o.Quote(context.Background(), 1000, 0, -500)
	if q.MilliGlyph != 100 {
		t.Fatalf("milli_glyph=%d want 100", q.MilliGlyph)
	}
}

func TestQuote_MedianOfAsks(t *testing.T) {
	ctx := context.Background()
	store := dht.NewMemStore()
	now := time.Now().Unix()

	// Odd count: plain middle element.
	for pk, rate := range map[string]int64{"a": 50, "b": 200, "c": 80} {
		if err := store.PublishPriceAsk(ctx, pk, dht.PriceAsk{MilliGlyphPer1K: rate, Timestamp: now}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	o := NewOracle(store, nil)
	if q := o.Quote(ctx, 1000, 0, 0); q.MilliGlyphPer1K != 80 {
		t.Fatalf("odd median=%d want 80", q.MilliGlyphPer1K)
	}

	// Even count: integer average of the two middle elements.
	if err := store.PublishPriceAsk(ctx, "d", dht.PriceAsk{MilliGlyphPer1K: 101, Timestamp: now}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if q := o.Quote(ctx, 1000, 0, 0); q.MilliGlyphPer1K != 90 {
		t.Fatalf("even median=%d want 90", q.MilliGlyphPer1K)
	}
}
