// Package push fans per-challenge updates out to subscribed clients. Events
// for one challenge are delivered in emission order; no ordering is promised
// across challenges.
package push

import (
	"log"
	"sync"
	"time"

	"krypton-core/internal/events"
)

const defaultBufferSize = 256

// Conn is the transport a client writes into; satisfied by
// *websocket.Conn and by test doubles.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// Hub is the per-challenge subscriber registry.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[string]map[*Client]struct{})}
}

// Register attaches a new client to a challenge's stream.
func (h *Hub) Register(challengeID string) *Client {
	c := &Client{
		hub:         h,
		challengeID: challengeID,
		signal:      make(chan struct{}, 1),
		done:        make(chan struct{}),
	}

	h.mu.Lock()
	set, ok := h.clients[challengeID]
	if !ok {
		set = make(map[*Client]struct{})
		h.clients[challengeID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.clients[c.challengeID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, c.challengeID)
		}
	}
}

// Broadcast enqueues an event on every client subscribed to its challenge.
// Called sequentially per challenge, after the writer lock is released.
func (h *Hub) Broadcast(ev events.ChallengeEvent) {
	h.mu.RLock()
	set := h.clients[ev.ChallengeID]
	targets := make([]*Client, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(ev)
	}
}

// SubscriberCount reports attached clients for a challenge.
func (h *Hub) SubscriberCount(challengeID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[challengeID])
}

// Client is one connection's bounded outbound queue.
type Client struct {
	hub         *Hub
	challengeID string

	mu        sync.Mutex
	queue     []events.ChallengeEvent
	fullSince time.Time

	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

// enqueue applies the backpressure policy: on overflow drop the oldest
// state-carrying event; terminal events are never dropped.
func (c *Client) enqueue(ev events.ChallengeEvent) {
	c.mu.Lock()
	if len(c.queue) >= defaultBufferSize {
		if i := oldestDroppable(c.queue); i >= 0 {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
		}
		if c.fullSince.IsZero() {
			c.fullSince = time.Now()
		}
	} else {
		c.fullSince = time.Time{}
	}
	c.queue = append(c.queue, ev)
	c.mu.Unlock()

	select {
	case c.signal <- struct{}{}:
	default:
	}
}

func oldestDroppable(queue []events.ChallengeEvent) int {
	for i, ev := range queue {
		if !ev.Terminal() {
			return i
		}
	}
	return -1
}

// drain pops the whole queue and reports how long the buffer has been full.
func (c *Client) drain() ([]events.ChallengeEvent, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	batch := c.queue
	c.queue = nil
	var fullFor time.Duration
	if !c.fullSince.IsZero() {
		fullFor = time.Since(c.fullSince)
	}
	return batch, fullFor
}

// Close detaches the client from the hub.
func (c *Client) Close() {
	c.once.Do(func() {
		c.hub.unregister(c)
		close(c.done)
	})
}

// Run pumps queued events into conn until the client closes, the connection
// fails, or the buffer has been continuously full for over 30 seconds.
func (c *Client) Run(conn Conn) {
	defer c.Close()
	defer conn.Close()

	for {
		select {
		case <-c.done:
			return
		case <-c.signal:
		}

		batch, fullFor := c.drain()
		if fullFor > 30*time.Second {
			log.Printf("[PUSH] disconnecting saturated client challenge=%s", c.challengeID)
			return
		}
		for _, ev := range batch {
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
