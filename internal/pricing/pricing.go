// Package pricing quotes mGLYPH cost for an inference from token counts and
// wall time, blending the local floor with the median of DHT-advertised asks.
package pricing

import (
	"context"
	"sort"

	"cosmossdk.io/log"

	"glyph/internal/dht"
)

// BaseMilliGlyphPer1K is the local floor rate, used whenever the DHT is
// unavailable or empty.
const BaseMilliGlyphPer1K int64 = 100

// Quote is the price for a single inference.
type Quote struct {
	MilliGlyph      int64 `json:"milli_glyph"`
	MilliGlyphPer1K int64 `json:"milli_glyph_per_1k"`
}

// Oracle derives quotes. A nil DHT store means the base rate is always used.
type Oracle struct {
	store  dht.Store
	logger log.Logger
}

func NewOracle(store dht.Store, logger log.Logger) *Oracle {
	return &Oracle{store: store, logger: logger}
}

// Quote prices an inference. Integer arithmetic throughout:
//
//	cost = ⌊in·R/1000⌋ + ⌊out·R/1000⌋ + ⌊max(wall_ms,0)/1000⌋
//
// where R is the median advertised ask, or the base rate when no asks are
// visible. DHT failures fall back silently.
func (o *Oracle) Quote(ctx context.Context, inputTokens, outputTokens, wallTimeMS int64) Quote {
	rate := o.marketRate(ctx)

	inCost := inputTokens * rate / 1000
	outCost := outputTokens * rate / 1000
	wall := wallTimeMS
	if wall < 0 {
		wall = 0
	}
	timeCost := wall / 1000 // 1 mGLYPH per second of compute

	return Quote{
		MilliGlyph:      inCost + outCost + timeCost,
		MilliGlyphPer1K: rate,
	}
}

func (o *Oracle) marketRate(ctx context.Context) int64 {
	if o.store == nil {
		return BaseMilliGlyphPer1K
	}
	asks, err := o.store.FetchPriceAsks(ctx)
	if err != nil {
		if o.logger != nil {
			o.logger.Debug("price ask fetch failed, using base rate", "err", err)
		}
		return BaseMilliGlyphPer1K
	}
	values := make([]int64, 0, len(asks))
	for _, ask := range asks {
		values = append(values, ask.MilliGlyphPer1K)
	}
	if len(values) == 0 {
		return BaseMilliGlyphPer1K
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	mid := len(values) / 2
	if len(values)%2 == 1 {
		return values[mid]
	}
	return (values[mid-1] + values[mid]) / 2
}
