package pricefeed

import (
	"sort"
	"sync"
	"time"

	"krypton-core/pkg/market"
)

// CandleBuffer keeps a short rolling window of minute bars per symbol so the
// kline endpoint can serve charts without a round trip to the exchange.
type CandleBuffer struct {
	mu      sync.RWMutex
	maxMins int
	bars    map[string][]market.Kline // per symbol, 1m bars, ascending
}

// NewCandleBuffer retains roughly maxMins minutes of bars per symbol.
func NewCandleBuffer(maxMins int) *CandleBuffer {
	if maxMins <= 0 {
		maxMins = 6 * 60
	}
	return &CandleBuffer{
		maxMins: maxMins,
		bars:    make(map[string][]market.Kline),
	}
}

// Ingest folds a price point into the current minute bar of its symbol.
func (b *CandleBuffer) Ingest(p market.PricePoint) {
	minute := p.Timestamp - p.Timestamp%60_000
	if p.Timestamp == 0 {
		minute = time.Now().UnixMilli()
		minute -= minute % 60_000
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	bars := b.bars[p.Symbol]
	if n := len(bars); n > 0 && bars[n-1].OpenTime == minute {
		bar := &bars[n-1]
		bar.Close = p.Price
		if p.Price > bar.High {
			bar.High = p.Price
		}
		if p.Price < bar.Low {
			bar.Low = p.Price
		}
		return
	}

	bars = append(bars, market.Kline{
		Symbol:    p.Symbol,
		OpenTime:  minute,
		CloseTime: minute + 60_000 - 1,
		Open:      p.Price,
		High:      p.Price,
		Low:       p.Price,
		Close:     p.Price,
	})
	if len(bars) > b.maxMins {
		bars = bars[len(bars)-b.maxMins:]
	}
	b.bars[p.Symbol] = bars
}

// intervalMinutes maps the supported kline intervals to bar width.
var intervalMinutes = map[string]int{
	"1m": 1, "5m": 5, "15m": 15, "30m": 30, "1h": 60, "4h": 240,
}

// SupportedInterval reports whether the buffer can aggregate an interval.
func SupportedInterval(interval string) bool {
	_, ok := intervalMinutes[interval]
	return ok
}

// Klines aggregates the rolling minute bars into the requested interval and
// returns at most limit bars, oldest first.
func (b *CandleBuffer) Klines(symbol, interval string, limit int) []market.Kline {
	mins, ok := intervalMinutes[interval]
	if !ok {
		return nil
	}
	if limit <= 0 {
		limit = 100
	}

	b.mu.RLock()
	src := make([]market.Kline, len(b.bars[symbol]))
	copy(src, b.bars[symbol])
	b.mu.RUnlock()

	if len(src) == 0 {
		return nil
	}

	width := int64(mins) * 60_000
	grouped := make(map[int64]*market.Kline)
	for _, bar := range src {
		bucket := bar.OpenTime - bar.OpenTime%width
		agg, ok := grouped[bucket]
		if !ok {
			k := bar
			k.OpenTime = bucket
			k.CloseTime = bucket + width - 1
			grouped[bucket] = &k
			continue
		}
		agg.Close = bar.Close
		if bar.High > agg.High {
			agg.High = bar.High
		}
		if bar.Low < agg.Low {
			agg.Low = bar.Low
		}
		agg.Volume += bar.Volume
	}

	out := make([]market.Kline, 0, len(grouped))
	for _, k := range grouped {
		out = append(out, *k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime < out[j].OpenTime })
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Backfill seeds the buffer with historical bars fetched over REST.
func (b *CandleBuffer) Backfill(symbol string, bars []market.Kline) {
	if len(bars) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	existing := b.bars[symbol]
	if len(existing) > 0 {
		return // live data already flowing; do not rewind
	}
	cp := make([]market.Kline, len(bars))
	copy(cp, bars)
	if len(cp) > b.maxMins {
		cp = cp[len(cp)-b.maxMins:]
	}
	b.bars[symbol] = cp
}
