package collab

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"cardsort/collab/internal/message"
	"cardsort/collab/internal/roster"
	"cardsort/collab/internal/transport"
)

// fakeRoster is an in-memory RosterSource whose rows tests mutate directly.
type fakeRoster struct {
	mu   sync.Mutex
	sess roster.Session
}

func newFakeRoster(code string, participants ...roster.Participant) *fakeRoster {
	return &fakeRoster{sess: roster.Session{Code: code, DeckName: "values", Participants: participants}}
}

func (f *fakeRoster) GetSession(ctx context.Context, code string) (roster.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if code != f.sess.Code {
		return roster.Session{}, roster.ErrSessionNotFound
	}
	out := f.sess
	out.Participants = append([]roster.Participant(nil), f.sess.Participants...)
	return out, nil
}

func (f *fakeRoster) GetParticipant(ctx context.Context, code, participantID string) (roster.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.sess.Participants {
		if p.ID == participantID {
			return p, nil
		}
	}
	return roster.Participant{}, roster.ErrParticipantNotFound
}

func (f *fakeRoster) add(p roster.Participant) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sess.Participants = append(f.sess.Participants, p)
}

func (f *fakeRoster) setStep(participantID string, step int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.sess.Participants {
		if f.sess.Participants[i].ID == participantID {
			f.sess.Participants[i].CurrentStep = step
		}
	}
}

func participant(id, code string, step int) roster.Participant {
	return roster.Participant{
		ID:          id,
		SessionCode: code,
		Name:        id,
		Emoji:       "🦊",
		Color:       "#10b981",
		CurrentStep: step,
		Status:      message.StatusSorting,
		JoinedAt:    time.Now(),
	}
}

func newConn(t *testing.T, mr *miniredis.Miniredis) *transport.Connection {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	conn := transport.NewWithClient(client, transport.Options{PingInterval: time.Minute})
	t.Cleanup(conn.Destroy)
	return conn
}

func startService(t *testing.T, mr *miniredis.Miniredis, source RosterSource, local roster.Participant) *Service {
	t.Helper()
	svc := New(newConn(t, mr), source, Options{
		Heartbeat:      time.Minute,
		UpdateDebounce: 40 * time.Millisecond,
	})
	if err := svc.Start(context.Background(), local); err != nil {
		t.Fatalf("Start for %s failed: %v", local.ID, err)
	}
	t.Cleanup(func() { svc.Stop(context.Background()) })
	return svc
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

func TestStartPopulatesReconciledView(t *testing.T) {
	mr := miniredis.RunT(t)
	alice := participant("alice", "ABC123", 1)
	bob := participant("bob", "ABC123", 2)
	source := newFakeRoster("ABC123", alice, bob)

	svc := startService(t, mr, source, alice)

	view := svc.Participants()
	if len(view) != 2 {
		t.Fatalf("expected both roster rows in the view, got %d", len(view))
	}
	if view["alice"].Degraded || view["bob"].Degraded {
		t.Error("roster-backed records must not be degraded")
	}
	// Bob has no presence yet; his roster row still carries identity and step.
	if view["bob"].CurrentStep != 2 || view["bob"].Identity.Name != "bob" {
		t.Errorf("roster fallback for bob: %+v", view["bob"])
	}
	if svc.ConnectionState() != transport.StateConnected {
		t.Errorf("state = %s, want connected", svc.ConnectionState())
	}
}

func TestPeersObserveStatusChanges(t *testing.T) {
	mr := miniredis.RunT(t)
	alice := participant("alice", "ABC123", 1)
	bob := participant("bob", "ABC123", 1)
	source := newFakeRoster("ABC123", alice, bob)

	svcA := startService(t, mr, source, alice)
	svcB := startService(t, mr, source, bob)

	waitFor(t, time.Second, func() bool {
		view := svcB.Participants()
		_, ok := view["alice"]
		return ok
	})

	if err := svcA.UpdateStatus(context.Background(), message.StatusRevealed8); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		return svcB.Participants()["alice"].Status == message.StatusRevealed8
	})
}

func TestRosterOwnsStepPresenceOwnsStatus(t *testing.T) {
	mr := miniredis.RunT(t)
	alice := participant("alice", "ABC123", 1)
	bob := participant("bob", "ABC123", 1)
	source := newFakeRoster("ABC123", alice, bob)

	svcA := startService(t, mr, source, alice)
	svcB := startService(t, mr, source, bob)

	// The durable store advances alice to step 2 while her live presence
	// still claims step 1 with a fresher status.
	source.setStep("alice", 2)
	if err := svcA.UpdateStatus(context.Background(), message.StatusRevealed8); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	publishRosterChanged(t, mr, "ABC123")

	waitFor(t, time.Second, func() bool {
		rec, ok := svcB.Participants()["alice"]
		return ok && rec.CurrentStep == 2 && rec.Status == message.StatusRevealed8
	})
}

func TestRosterChangedEventTriggersRefetch(t *testing.T) {
	mr := miniredis.RunT(t)
	alice := participant("alice", "ABC123", 1)
	source := newFakeRoster("ABC123", alice)

	svc := startService(t, mr, source, alice)

	source.add(participant("charlie", "ABC123", 1))
	publishRosterChanged(t, mr, "ABC123")

	waitFor(t, time.Second, func() bool {
		_, ok := svc.Participants()["charlie"]
		return ok
	})
}

func TestStopLeavesPresenceButKeepsRosterRow(t *testing.T) {
	mr := miniredis.RunT(t)
	alice := participant("alice", "ABC123", 1)
	bob := participant("bob", "ABC123", 1)
	source := newFakeRoster("ABC123", alice, bob)

	svcA := startService(t, mr, source, alice)
	svcB := startService(t, mr, source, bob)

	waitFor(t, time.Second, func() bool {
		return svcB.ActivePresence(time.Minute)["alice"].ParticipantID == "alice"
	})
	if err := svcA.Reveal(context.Background(), message.Arrangement{
		ParticipantName: "alice",
		RevealType:      message.RevealTop8,
	}); err != nil {
		t.Fatalf("Reveal failed: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		_, ok := svcB.Arrangements()["alice"]
		return ok
	})

	svcA.Stop(context.Background())

	waitFor(t, time.Second, func() bool {
		_, present := svcB.ActivePresence(time.Minute)["alice"]
		return !present
	})
	// Leaving withdraws the arrangement but the durable roster row survives.
	waitFor(t, time.Second, func() bool {
		_, ok := svcB.Arrangements()["alice"]
		return !ok
	})
	if _, ok := svcB.Participants()["alice"]; !ok {
		t.Error("roster row must survive a presence leave")
	}
}

func TestRevealFlowsBetweenServices(t *testing.T) {
	mr := miniredis.RunT(t)
	alice := participant("alice", "ABC123", 1)
	bob := participant("bob", "ABC123", 1)
	source := newFakeRoster("ABC123", alice, bob)

	svcA := startService(t, mr, source, alice)
	svcB := startService(t, mr, source, bob)

	err := svcA.Reveal(context.Background(), message.Arrangement{
		ParticipantName: "alice",
		RevealType:      message.RevealTop8,
		CardPositions:   []message.CardPosition{{CardID: "c1", X: 1}},
		LastUpdated:     time.Now(),
	})
	if err != nil {
		t.Fatalf("Reveal failed: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		_, ok := svcB.Arrangements()["alice"]
		return ok
	})

	svcA.UpdateArrangement(message.ArrangementDelta{CardPositions: []message.CardPosition{{CardID: "c1", X: 9}}})
	waitFor(t, time.Second, func() bool {
		arr, ok := svcB.Arrangements()["alice"]
		return ok && len(arr.CardPositions) == 1 && arr.CardPositions[0].X == 9
	})

	if err := svcA.HideArrangement(context.Background()); err != nil {
		t.Fatalf("HideArrangement failed: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		_, ok := svcB.Arrangements()["alice"]
		return !ok
	})
}

func TestReconnectReentersPresenceAndReplaysMissedEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	alice := participant("alice", "ABC123", 1)
	source := newFakeRoster("ABC123", alice)

	svc := startService(t, mr, source, alice)

	if err := svc.Reveal(context.Background(), message.Arrangement{
		ParticipantName: "alice",
		RevealType:      message.RevealTop8,
	}); err != nil {
		t.Fatalf("Reveal failed: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		_, ok := svc.Arrangements()["alice"]
		return ok
	})

	observer := newConn(t, mr)
	if err := observer.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	reentered := make(chan struct{}, 1)
	unsub := observer.Channel("ABC123", transport.KindPresence).Subscribe(func(env message.Envelope) {
		if env.Kind != message.KindPresenceEnter {
			return
		}
		if rec, err := env.PresenceRecord(); err == nil && rec.ParticipantID == "alice" {
			select {
			case reentered <- struct{}{}:
			default:
			}
		}
	})
	defer unsub()

	// A hide published while this client was away lands in the history
	// stream without ever being delivered live.
	raw := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer raw.Close()
	hidden, err := message.New(message.KindArrangementHidden, message.ArrangementHidden{ParticipantID: "alice"})
	if err != nil {
		t.Fatalf("build hidden: %v", err)
	}
	data, err := json.Marshal(hidden)
	if err != nil {
		t.Fatalf("marshal hidden: %v", err)
	}
	if err := raw.XAdd(context.Background(), &redis.XAddArgs{
		Stream: "history:reveals:ABC123",
		Values: map[string]any{"payload": string(data)},
	}).Err(); err != nil {
		t.Fatalf("XAdd failed: %v", err)
	}

	svc.handleState(transport.StateDisconnected)
	svc.handleState(transport.StateConnected)

	select {
	case <-reentered:
	case <-time.After(time.Second):
		t.Fatal("presence was not re-entered after the outage")
	}
	waitFor(t, time.Second, func() bool {
		_, ok := svc.Arrangements()["alice"]
		return !ok
	})

	// Recovery from suspension resyncs the same way.
	svc.handleState(transport.StateSuspended)
	svc.handleState(transport.StateConnected)
	select {
	case <-reentered:
	case <-time.After(time.Second):
		t.Fatal("presence was not re-entered after suspension")
	}
}

func TestStartTwiceFails(t *testing.T) {
	mr := miniredis.RunT(t)
	alice := participant("alice", "ABC123", 1)
	source := newFakeRoster("ABC123", alice)

	svc := startService(t, mr, source, alice)
	if err := svc.Start(context.Background(), alice); err == nil {
		t.Fatal("expected the second Start to fail")
	}
}

func publishRosterChanged(t *testing.T, mr *miniredis.Miniredis, code string) {
	t.Helper()
	conn := newConn(t, mr)
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	env, err := message.New(message.KindRosterChanged, message.RosterChanged{SessionCode: code})
	if err != nil {
		t.Fatalf("build roster-changed: %v", err)
	}
	if err := conn.Channel(code, transport.KindSession).Publish(context.Background(), env); err != nil {
		t.Fatalf("publish roster-changed: %v", err)
	}
}
