package push

import (
	"context"
	"log"
	"time"

	"krypton-core/internal/events"
	"krypton-core/pkg/cache"
)

// Dispatcher is the single egress for challenge events. Callers persist the
// audit record first, then Emit; the dispatcher forwards to connected clients
// in order and mirrors user-facing transitions onto the bot queue.
type Dispatcher struct {
	hub   *Hub
	cache *cache.Cache
}

// NewDispatcher wires the hub and the optional bot notification queue.
func NewDispatcher(hub *Hub, c *cache.Cache) *Dispatcher {
	return &Dispatcher{hub: hub, cache: c}
}

// Hub exposes the underlying hub for connection registration.
func (d *Dispatcher) Hub() *Hub { return d.hub }

// Emit forwards the event to subscribed clients and, for user-facing
// transitions, enqueues a bot notification.
func (d *Dispatcher) Emit(ev events.ChallengeEvent) {
	d.hub.Broadcast(ev)

	switch ev.Type {
	case events.TypePositionClosed, events.TypePhaseTransition,
		events.TypeChallengeFailed, events.TypePayoutStatus:
		go d.notify(ev)
	}
}

func (d *Dispatcher) notify(ev events.ChallengeEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.cache.PushNotification(ctx, ev); err != nil {
		log.Printf("[PUSH] bot notification failed: %v", err)
	}
}
