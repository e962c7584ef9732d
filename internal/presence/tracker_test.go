package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"cardsort/collab/internal/message"
	"cardsort/collab/internal/transport"
)

func setupBroker(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	return miniredis.RunT(t)
}

func connect(t *testing.T, mr *miniredis.Miniredis) *transport.Connection {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	conn := transport.NewWithClient(client, transport.Options{PingInterval: time.Minute})
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(conn.Destroy)
	return conn
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestEnterRequiresConnection(t *testing.T) {
	mr := setupBroker(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	conn := transport.NewWithClient(client, transport.Options{})
	defer conn.Destroy()

	tr := NewTracker(conn, conn.Channel("ABC123", transport.KindPresence), "p1", time.Second)
	err := tr.Enter(context.Background(), message.PresenceRecord{Status: message.StatusSorting})
	if err == nil {
		t.Fatal("Enter must fail while not connected")
	}
	cerr, ok := err.(*transport.Error)
	if !ok || cerr.Type != transport.ErrorConnection {
		t.Errorf("expected connection error, got %v", err)
	}
}

func TestEnterSeedsAndDeltasPropagate(t *testing.T) {
	mr := setupBroker(t)
	connA := connect(t, mr)
	connB := connect(t, mr)

	trA := NewTracker(connA, connA.Channel("ABC123", transport.KindPresence), "alice", time.Minute)
	if err := trA.Enter(context.Background(), message.PresenceRecord{Name: "Alice", Status: message.StatusSorting, CurrentStep: 1}); err != nil {
		t.Fatalf("A enter failed: %v", err)
	}
	defer trA.Cleanup()

	// B enters later and must see A both via the seeded member list and via
	// subsequent deltas.
	trB := NewTracker(connB, connB.Channel("ABC123", transport.KindPresence), "bob", time.Minute)
	if err := trB.Enter(context.Background(), message.PresenceRecord{Name: "Bob", Status: message.StatusSorting, CurrentStep: 1}); err != nil {
		t.Fatalf("B enter failed: %v", err)
	}
	defer trB.Cleanup()

	waitFor(t, time.Second, func() bool {
		_, ok := trB.Snapshot()["alice"]
		return ok
	})

	if err := trA.LocalUpdate(context.Background(), Update{Status: message.StatusRevealed8}); err != nil {
		t.Fatalf("A update failed: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		return trB.Snapshot()["alice"].Status == message.StatusRevealed8
	})

	if err := trA.Leave(context.Background()); err != nil {
		t.Fatalf("A leave failed: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		_, ok := trB.Snapshot()["alice"]
		return !ok
	})
}

func TestHeartbeatRepublishesLatestStatus(t *testing.T) {
	mr := setupBroker(t)
	connA := connect(t, mr)
	connObs := connect(t, mr)

	var mu sync.Mutex
	var updates []message.PresenceRecord
	unsub := connObs.Channel("ABC123", transport.KindPresence).Subscribe(func(env message.Envelope) {
		if env.Kind != message.KindPresenceUpdate {
			return
		}
		rec, err := env.PresenceRecord()
		if err != nil {
			return
		}
		mu.Lock()
		updates = append(updates, rec)
		mu.Unlock()
	})
	defer unsub()
	time.Sleep(50 * time.Millisecond)

	tr := NewTracker(connA, connA.Channel("ABC123", transport.KindPresence), "alice", 30*time.Millisecond)
	if err := tr.Enter(context.Background(), message.PresenceRecord{Name: "Alice", Status: message.StatusSorting}); err != nil {
		t.Fatalf("enter failed: %v", err)
	}
	defer tr.Cleanup()

	if err := tr.LocalUpdate(context.Background(), Update{Status: message.StatusRevealed3}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	// Wait for at least two heartbeats after the status change.
	before := time.Now()
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		n := 0
		for _, rec := range updates {
			if rec.LastActive.After(before) {
				n++
			}
		}
		return n >= 2
	})

	mu.Lock()
	lastRec := updates[len(updates)-1]
	mu.Unlock()
	if lastRec.Status != message.StatusRevealed3 {
		t.Errorf("heartbeat republished stale status %s", lastRec.Status)
	}
}

func TestLocalEchoCannotOverrideIdentity(t *testing.T) {
	mr := setupBroker(t)
	connA := connect(t, mr)
	connForger := connect(t, mr)

	tr := NewTracker(connA, connA.Channel("ABC123", transport.KindPresence), "alice", time.Minute)
	if err := tr.Enter(context.Background(), message.PresenceRecord{Name: "Alice", CurrentStep: 1, Status: message.StatusSorting}); err != nil {
		t.Fatalf("enter failed: %v", err)
	}
	defer tr.Cleanup()

	// A stale snapshot of "alice" arrives from the network claiming a
	// different name and step.
	forged, err := message.New(message.KindPresenceUpdate, message.PresenceRecord{
		ParticipantID: "alice",
		Name:          "Mallory",
		CurrentStep:   3,
		Status:        message.StatusCompleted,
	})
	if err != nil {
		t.Fatalf("build forged envelope: %v", err)
	}
	if err := connForger.Channel("ABC123", transport.KindPresence).Publish(context.Background(), forged); err != nil {
		t.Fatalf("publish forged envelope: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	local, entered := tr.Local()
	if !entered {
		t.Fatal("tracker should still be entered")
	}
	if local.Name != "Alice" || local.CurrentStep != 1 || local.Status != message.StatusSorting {
		t.Errorf("inbound echo mutated local record: %+v", local)
	}
	if rec, ok := tr.Snapshot()["alice"]; !ok || rec.Name != "Alice" {
		t.Errorf("snapshot shows overridden local record: %+v", rec)
	}
}

func TestUnknownUpdateIsImplicitEnter(t *testing.T) {
	mr := setupBroker(t)
	connA := connect(t, mr)
	connForger := connect(t, mr)

	tr := NewTracker(connA, connA.Channel("ABC123", transport.KindPresence), "alice", time.Minute)
	if err := tr.Enter(context.Background(), message.PresenceRecord{Name: "Alice", Status: message.StatusSorting}); err != nil {
		t.Fatalf("enter failed: %v", err)
	}
	defer tr.Cleanup()

	env, _ := message.New(message.KindPresenceUpdate, message.PresenceRecord{
		ParticipantID: "ghost",
		Name:          "Ghost",
		Status:        message.StatusSorting,
	})
	if err := connForger.Channel("ABC123", transport.KindPresence).Publish(context.Background(), env); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		_, ok := tr.Snapshot()["ghost"]
		return ok
	})
}

func TestActivePresenceThreshold(t *testing.T) {
	mr := setupBroker(t)
	connA := connect(t, mr)
	connForger := connect(t, mr)

	tr := NewTracker(connA, connA.Channel("ABC123", transport.KindPresence), "alice", time.Minute)
	if err := tr.Enter(context.Background(), message.PresenceRecord{Name: "Alice", Status: message.StatusSorting}); err != nil {
		t.Fatalf("enter failed: %v", err)
	}
	defer tr.Cleanup()

	now := time.Now()
	forge := func(id string, ts time.Time) {
		env, _ := message.New(message.KindPresenceUpdate, message.PresenceRecord{
			ParticipantID: id,
			Name:          id,
			Status:        message.StatusSorting,
			LastActive:    ts,
			Cursor:        &message.CursorPosition{X: 1, Y: 1, Timestamp: ts},
		})
		if err := connForger.Channel("ABC123", transport.KindPresence).Publish(context.Background(), env); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}
	forge("stale", now.Add(-6*time.Second))
	forge("fresh", now.Add(-2*time.Second))

	waitFor(t, time.Second, func() bool {
		snap := tr.Snapshot()
		_, a := snap["stale"]
		_, b := snap["fresh"]
		return a && b
	})

	active := tr.ActivePresence(5 * time.Second)
	if _, ok := active["stale"]; ok {
		t.Error("a cursor 6s old must be excluded at a 5s threshold")
	}
	if _, ok := active["fresh"]; !ok {
		t.Error("a cursor 2s old must be included at a 5s threshold")
	}
}

func TestClassifyActivity(t *testing.T) {
	now := time.Now()
	cases := []struct {
		age  time.Duration
		want Activity
	}{
		{2 * time.Second, ActivityActive},
		{30 * time.Second, ActivityIdle},
		{10 * time.Minute, ActivityInactive},
	}
	for _, tc := range cases {
		rec := message.PresenceRecord{LastActive: now.Add(-tc.age)}
		if got := Classify(rec, now); got != tc.want {
			t.Errorf("age %s: expected %s, got %s", tc.age, tc.want, got)
		}
	}
}

func TestCleanupCancelsHeartbeat(t *testing.T) {
	mr := setupBroker(t)
	connA := connect(t, mr)
	connObs := connect(t, mr)

	var mu sync.Mutex
	count := 0
	unsub := connObs.Channel("ABC123", transport.KindPresence).Subscribe(func(env message.Envelope) {
		if env.Kind == message.KindPresenceUpdate {
			mu.Lock()
			count++
			mu.Unlock()
		}
	})
	defer unsub()
	time.Sleep(50 * time.Millisecond)

	tr := NewTracker(connA, connA.Channel("ABC123", transport.KindPresence), "alice", 20*time.Millisecond)
	if err := tr.Enter(context.Background(), message.PresenceRecord{Name: "Alice", Status: message.StatusSorting}); err != nil {
		t.Fatalf("enter failed: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count >= 1
	})

	tr.Cleanup()
	mu.Lock()
	after := count
	mu.Unlock()

	time.Sleep(120 * time.Millisecond)
	mu.Lock()
	final := count
	mu.Unlock()
	if final > after+1 {
		t.Errorf("heartbeats kept publishing after cleanup: %d -> %d", after, final)
	}
}
