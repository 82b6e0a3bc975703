package clients

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/offline-hub/offline-hub/internal/logging"
)

func TestConnectAndMatchAll(t *testing.T) {
	r := NewRegistry(logging.Discard(), 4)
	a := r.Connect("/app/", "")
	b := r.Connect("/app/chat", "v1")

	if r.Len() != 2 {
		t.Fatalf("expected 2 clients, got %d", r.Len())
	}
	controlled := r.MatchAll(MatchOptions{})
	if len(controlled) != 1 || controlled[0].ID != b.ID() {
		t.Fatalf("expected only controlled client, got %+v", controlled)
	}
	all := r.MatchAll(MatchOptions{IncludeUncontrolled: true, Type: TypeWindow})
	if len(all) != 2 || all[0].ID != a.ID() {
		t.Fatalf("expected both clients ordered by connect time, got %+v", all)
	}
}

func TestClaimTakesOverAllClients(t *testing.T) {
	r := NewRegistry(logging.Discard(), 4)
	r.Connect("/", "")
	r.Connect("/", "v1")

	if n := r.Claim("v2"); n != 2 {
		t.Fatalf("expected 2 claimed, got %d", n)
	}
	if r.CountControlledBy("v1") != 0 || r.CountControlledBy("v2") != 2 {
		t.Fatalf("claim did not update controllers")
	}
}

func TestBroadcastDeliversToEveryClient(t *testing.T) {
	r := NewRegistry(logging.Discard(), 4)
	a := r.Connect("/", "v1")
	b := r.Connect("/", "v1")

	delivered, err := r.Broadcast(map[string]string{"type": "SW_VERSION", "version": "v2"})
	if err != nil {
		t.Fatalf("broadcast error: %v", err)
	}
	if delivered != 2 {
		t.Fatalf("expected 2 deliveries, got %d", delivered)
	}
	for _, c := range []*Client{a, b} {
		var msg map[string]string
		if err := json.Unmarshal(<-c.Messages(), &msg); err != nil {
			t.Fatalf("decode message: %v", err)
		}
		if msg["type"] != "SW_VERSION" || msg["version"] != "v2" {
			t.Fatalf("unexpected message %v", msg)
		}
	}
}

func TestBroadcastNeverBlocksOnFullOutbox(t *testing.T) {
	r := NewRegistry(logging.Discard(), 1)
	slow := r.Connect("/", "v1")

	for i := 0; i < 5; i++ {
		if _, err := r.Broadcast(map[string]int{"n": i}); err != nil {
			t.Fatalf("broadcast error: %v", err)
		}
	}
	if len(slow.Messages()) != 1 {
		t.Fatalf("expected exactly one buffered message, got %d", len(slow.Messages()))
	}
	if err := r.Post(slow.ID(), "x"); !errors.Is(err, ErrOutboxFull) {
		t.Fatalf("expected ErrOutboxFull, got %v", err)
	}
}

func TestPostUnknownClient(t *testing.T) {
	r := NewRegistry(logging.Discard(), 1)
	if err := r.Post("missing", "x"); !errors.Is(err, ErrClientNotFound) {
		t.Fatalf("expected ErrClientNotFound, got %v", err)
	}
	if _, err := r.Focus("missing"); !errors.Is(err, ErrClientNotFound) {
		t.Fatalf("expected ErrClientNotFound from focus, got %v", err)
	}
}

func TestFocusMovesFocusAndNotifies(t *testing.T) {
	r := NewRegistry(logging.Discard(), 4)
	a := r.Connect("/a", "v1")
	b := r.Connect("/b", "v1")

	if _, err := r.Focus(a.ID()); err != nil {
		t.Fatalf("focus a: %v", err)
	}
	snap, err := r.Focus(b.ID())
	if err != nil {
		t.Fatalf("focus b: %v", err)
	}
	if !snap.Focused {
		t.Fatalf("expected b focused")
	}
	for _, s := range r.MatchAll(MatchOptions{}) {
		if s.ID == a.ID() && s.Focused {
			t.Fatalf("focus should move away from a")
		}
	}
	var msg map[string]string
	if err := json.Unmarshal(<-b.Messages(), &msg); err != nil || msg["type"] != "FOCUS" {
		t.Fatalf("expected FOCUS message, got %v (%v)", msg, err)
	}
}

func TestDisconnectClosesOutboxAndRunsHooks(t *testing.T) {
	r := NewRegistry(logging.Discard(), 4)
	var (
		mu   sync.Mutex
		seen []Snapshot
	)
	r.OnDisconnect(func(s Snapshot) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	c := r.Connect("/", "v1")
	if !r.Disconnect(c.ID()) {
		t.Fatalf("expected disconnect to succeed")
	}
	if r.Disconnect(c.ID()) {
		t.Fatalf("second disconnect should report false")
	}
	if _, ok := <-c.Messages(); ok {
		t.Fatalf("outbox should be closed")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0].Controller != "v1" {
		t.Fatalf("unexpected hook calls %+v", seen)
	}
}

func TestConcurrentBroadcastAndDisconnect(t *testing.T) {
	r := NewRegistry(logging.Discard(), 2)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		c := r.Connect("/", "v1")
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = r.Broadcast("ping")
		}()
		go func(id string) {
			defer wg.Done()
			r.Disconnect(id)
		}(c.ID())
	}
	wg.Wait()
	if r.Len() != 0 {
		t.Fatalf("expected all clients disconnected, got %d", r.Len())
	}
}

func TestCloseDisconnectsEveryone(t *testing.T) {
	r := NewRegistry(logging.Discard(), 1)
	r.Connect("/", "")
	r.Connect("/", "")
	r.Close()
	if r.Len() != 0 {
		t.Fatalf("expected empty registry after close")
	}
}
