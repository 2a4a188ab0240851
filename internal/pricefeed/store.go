package pricefeed

import (
	"hash/fnv"
	"sync"
	"time"

	"krypton-core/pkg/market"
)

const numShards = 16

// Store is the in-memory last-price map, sharded to keep the hot read path
// cheap. The feed is the single writer; everyone else reads through Latest.
type Store struct {
	shards [numShards]*priceShard
}

type priceShard struct {
	mu    sync.RWMutex
	items map[string]priceEntry
}

type priceEntry struct {
	price     float64
	eventTime int64 // exchange timestamp, ms
	updatedAt time.Time
}

// NewStore creates an empty price store.
func NewStore() *Store {
	s := &Store{}
	for i := 0; i < numShards; i++ {
		s.shards[i] = &priceShard{items: make(map[string]priceEntry)}
	}
	return s
}

func (s *Store) getShard(key string) *priceShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[h.Sum32()%numShards]
}

// Apply stores a point unless a newer event timestamp is already present, so
// per-symbol timestamps stay monotonic across the seed and stream paths.
func (s *Store) Apply(p market.PricePoint) bool {
	shard := s.getShard(p.Symbol)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if cur, ok := shard.items[p.Symbol]; ok && cur.eventTime > p.Timestamp {
		return false
	}
	shard.items[p.Symbol] = priceEntry{
		price:     p.Price,
		eventTime: p.Timestamp,
		updatedAt: time.Now(),
	}
	return true
}

// Latest returns the last price and its staleness; ok=false if the symbol was
// never seeded.
func (s *Store) Latest(symbol string) (price float64, staleness time.Duration, ok bool) {
	shard := s.getShard(symbol)
	shard.mu.RLock()
	entry, found := shard.items[symbol]
	shard.mu.RUnlock()
	if !found {
		return 0, 0, false
	}
	return entry.price, time.Since(entry.updatedAt), true
}

// Snapshot returns the current price of every known symbol.
func (s *Store) Snapshot() map[string]float64 {
	out := make(map[string]float64)
	for _, shard := range s.shards {
		shard.mu.RLock()
		for sym, e := range shard.items {
			out[sym] = e.price
		}
		shard.mu.RUnlock()
	}
	return out
}
