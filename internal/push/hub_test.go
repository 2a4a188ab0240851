package push

import (
	"sync"
	"testing"
	"time"

	"krypton-core/internal/events"
)

type recordingConn struct {
	mu     sync.Mutex
	events []events.ChallengeEvent
	closed bool
}

func (r *recordingConn) WriteJSON(v any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, v.(events.ChallengeEvent))
	return nil
}

func (r *recordingConn) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *recordingConn) snapshot() []events.ChallengeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.ChallengeEvent, len(r.events))
	copy(out, r.events)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestHubDeliversInOrder(t *testing.T) {
	hub := NewHub()
	client := hub.Register("c1")
	conn := &recordingConn{}
	go client.Run(conn)
	defer client.Close()

	hub.Broadcast(events.ChallengeEvent{ChallengeID: "c1", Type: events.TypePositionClosed, Data: 1})
	hub.Broadcast(events.ChallengeEvent{ChallengeID: "c1", Type: events.TypeBalanceUpdate, Data: 2})
	hub.Broadcast(events.ChallengeEvent{ChallengeID: "c1", Type: events.TypePhaseTransition, Data: 3})
	// Events of another challenge never arrive here.
	hub.Broadcast(events.ChallengeEvent{ChallengeID: "c2", Type: events.TypeBalanceUpdate, Data: 4})

	waitFor(t, func() bool { return len(conn.snapshot()) == 3 })
	got := conn.snapshot()
	if got[0].Type != events.TypePositionClosed || got[1].Type != events.TypeBalanceUpdate || got[2].Type != events.TypePhaseTransition {
		t.Fatalf("order = %v %v %v", got[0].Type, got[1].Type, got[2].Type)
	}
}

func TestOverflowDropsOldestBalanceUpdateNeverTerminal(t *testing.T) {
	hub := NewHub()
	client := hub.Register("c1")
	// No pump running: the queue fills up.

	// One terminal event first, then flood with balance updates.
	client.enqueue(events.ChallengeEvent{ChallengeID: "c1", Type: events.TypePositionClosed, Data: "keep"})
	for i := 0; i < defaultBufferSize+50; i++ {
		client.enqueue(events.ChallengeEvent{ChallengeID: "c1", Type: events.TypeBalanceUpdate, Data: i})
	}

	batch, _ := client.drain()
	if len(batch) > defaultBufferSize+1 {
		t.Fatalf("queue grew unbounded: %d", len(batch))
	}
	if batch[0].Type != events.TypePositionClosed {
		t.Fatal("terminal event was dropped under pressure")
	}
	// The oldest balance updates are the ones sacrificed.
	if batch[1].Data.(int) == 0 {
		t.Fatal("oldest balance update survived overflow")
	}
	last := batch[len(batch)-1]
	if last.Data.(int) != defaultBufferSize+49 {
		t.Fatalf("newest event missing, last = %v", last.Data)
	}
}

func TestUnregisterStopsDelivery(t *testing.T) {
	hub := NewHub()
	client := hub.Register("c1")
	if hub.SubscriberCount("c1") != 1 {
		t.Fatal("subscriber not registered")
	}

	client.Close()
	if hub.SubscriberCount("c1") != 0 {
		t.Fatal("subscriber still registered after close")
	}

	// Broadcasting to a challenge without subscribers is a no-op.
	hub.Broadcast(events.ChallengeEvent{ChallengeID: "c1", Type: events.TypeBalanceUpdate})
}

func TestRunExitsWhenClientCloses(t *testing.T) {
	hub := NewHub()
	client := hub.Register("c1")
	conn := &recordingConn{}

	done := make(chan struct{})
	go func() {
		client.Run(conn)
		close(done)
	}()

	hub.Broadcast(events.ChallengeEvent{ChallengeID: "c1", Type: events.TypeBalanceUpdate})
	waitFor(t, func() bool { return len(conn.snapshot()) == 1 })

	client.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after Close")
	}

	conn.mu.Lock()
	closed := conn.closed
	conn.mu.Unlock()
	if !closed {
		t.Fatal("connection not closed")
	}
}
