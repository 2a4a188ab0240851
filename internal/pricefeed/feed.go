// Package pricefeed maintains the current mark price for every tracked symbol
// from a REST seed plus a streaming subscription, and notifies subscribers on
// each update.
package pricefeed

import (
	"context"
	"log"
	"math/rand"
	"time"

	"krypton-core/internal/events"
	"krypton-core/pkg/market"
)

// Feed owns the in-memory price map. Two long-lived tasks write into it: the
// REST seeder and the stream consumer.
type Feed struct {
	rest    *market.Client
	stream  *market.StreamClient
	bus     *events.Bus
	store   *Store
	candles *CandleBuffer
	breaker *breaker

	symbols  []string
	tracked  map[string]bool
	staleCap time.Duration
}

// New builds a feed for the configured symbol set. staleMs is the threshold
// past which consumers must treat a price as unknown.
func New(rest *market.Client, stream *market.StreamClient, bus *events.Bus, symbols []string, staleMs int) *Feed {
	tracked := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		tracked[s] = true
	}
	return &Feed{
		rest:     rest,
		stream:   stream,
		bus:      bus,
		store:    NewStore(),
		candles:  NewCandleBuffer(6 * 60),
		breaker:  newBreaker(5, 30*time.Second),
		symbols:  symbols,
		tracked:  tracked,
		staleCap: time.Duration(staleMs) * time.Millisecond,
	}
}

// Start seeds prices over REST and launches the stream consumer.
func (f *Feed) Start(ctx context.Context) {
	if err := f.seed(ctx); err != nil {
		log.Printf("[FEED] initial seed failed: %v", err)
	}
	f.backfillCandles(ctx)
	go f.runStream(ctx)
}

// Latest returns the last price, its staleness and whether the symbol was
// ever received. Callers compare staleness against StaleThreshold.
func (f *Feed) Latest(symbol string) (price float64, staleness time.Duration, ok bool) {
	return f.store.Latest(symbol)
}

// Fresh reports whether the symbol has a usable, non-stale price.
func (f *Feed) Fresh(symbol string) (float64, bool) {
	price, staleness, ok := f.store.Latest(symbol)
	if !ok || staleness > f.staleCap {
		return 0, false
	}
	return price, true
}

// StaleThreshold exposes the configured staleness cap.
func (f *Feed) StaleThreshold() time.Duration { return f.staleCap }

// TrackedSymbols returns the configured symbol set, static at startup.
func (f *Feed) TrackedSymbols() []string {
	out := make([]string, len(f.symbols))
	copy(out, f.symbols)
	return out
}

// Tracked reports whether the feed knows the symbol at all.
func (f *Feed) Tracked(symbol string) bool { return f.tracked[symbol] }

// Snapshot returns current prices of all tracked symbols.
func (f *Feed) Snapshot() map[string]float64 {
	return f.store.Snapshot()
}

// Klines serves aggregated bars from the rolling candle buffer.
func (f *Feed) Klines(symbol, interval string, limit int) []market.Kline {
	return f.candles.Klines(symbol, interval, limit)
}

// Apply folds one price update into the feed: last-price map, candle buffer
// and tick subscribers. Out-of-order or untracked updates are dropped.
func (f *Feed) Apply(point market.PricePoint) {
	if !f.tracked[point.Symbol] {
		return
	}
	if !f.store.Apply(point) {
		return // out-of-order update
	}
	f.candles.Ingest(point)
	if f.bus != nil {
		f.bus.Publish(events.EventPriceTick, point)
	}
}

// seed pulls a REST snapshot, retrying up to 5 times with jittered backoff.
func (f *Feed) seed(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * time.Second
			backoff += time.Duration(rand.Int63n(int64(500 * time.Millisecond)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		err := f.breaker.Call(func() error {
			points, err := f.rest.TickerPrices(ctx)
			if err != nil {
				return err
			}
			seeded := 0
			for _, p := range points {
				if !f.tracked[p.Symbol] {
					continue
				}
				if f.store.Apply(p) {
					seeded++
				}
			}
			log.Printf("[FEED] seeded %d symbols", seeded)
			return nil
		})
		if err == nil {
			return nil
		}
		lastErr = err
		log.Printf("[FEED] seed attempt %d failed: %v", attempt+1, err)
	}
	return lastErr
}

// backfillCandles loads recent minute bars so kline queries work right away.
func (f *Feed) backfillCandles(ctx context.Context) {
	for _, sym := range f.symbols {
		symbol := sym
		err := f.breaker.Call(func() error {
			bars, err := f.rest.Klines(ctx, symbol, "1m", 360)
			if err != nil {
				return err
			}
			f.candles.Backfill(symbol, bars)
			return nil
		})
		if err != nil {
			log.Printf("[FEED] candle backfill %s failed: %v", symbol, err)
		}
	}
}

// runStream keeps the combined trade subscription alive, reconnecting with
// exponential backoff capped at 30s. After every reconnect the snapshot is
// re-seeded to close the gap.
func (f *Feed) runStream(ctx context.Context) {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ch, stop, err := f.stream.SubscribeTrades(ctx, f.symbols)
		if err != nil {
			log.Printf("[FEED] stream connect failed: %v (retry in %v)", err, backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
			continue
		}

		log.Printf("[FEED] stream connected (%d symbols)", len(f.symbols))
		backoff = time.Second

		for point := range ch {
			f.Apply(point)
		}
		stop()

		if ctx.Err() != nil {
			return
		}
		log.Printf("[FEED] stream disconnected, reseeding")
		if err := f.seed(ctx); err != nil {
			log.Printf("[FEED] reseed failed: %v", err)
		}
	}
}
