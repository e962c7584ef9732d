package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"cardsort/collab/internal/message"
	"cardsort/collab/internal/transport"
)

func dialWS(t *testing.T, srv string, code, kind string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv, "http") + "/ws/" + code + "/" + kind
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func presenceEnvelope(t *testing.T, pid string) message.Envelope {
	t.Helper()
	env, err := message.New(message.KindPresenceUpdate, message.PresenceRecord{
		ParticipantID: pid,
		Name:          pid,
		CurrentStep:   1,
		Status:        "sorting",
		LastActive:    time.Now(),
	})
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	return env
}

func TestWSRelaysBrokerMessagesToClient(t *testing.T) {
	srv, store, _, conn := setupServer(t)
	if _, err := store.CreateSession(context.Background(), "ABC123", "values"); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	ws := dialWS(t, srv.URL, "ABC123", transport.KindPresence)

	// Give the bridge a moment to attach its channel subscription.
	time.Sleep(50 * time.Millisecond)
	ch := conn.Channel("ABC123", transport.KindPresence)
	if err := ch.Publish(context.Background(), presenceEnvelope(t, "alice")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(time.Second))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read relayed frame: %v", err)
	}
	env, err := message.Decode(raw)
	if err != nil {
		t.Fatalf("relayed frame invalid: %v", err)
	}
	rec, err := env.PresenceRecord()
	if err != nil || rec.ParticipantID != "alice" {
		t.Errorf("relayed record = %+v err = %v", rec, err)
	}
}

func TestWSPublishesClientFramesAndDropsInvalid(t *testing.T) {
	srv, store, _, conn := setupServer(t)
	if _, err := store.CreateSession(context.Background(), "ABC123", "values"); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	received := make(chan message.Envelope, 4)
	unsub := conn.Channel("ABC123", transport.KindPresence).Subscribe(func(env message.Envelope) {
		received <- env
	})
	defer unsub()

	ws := dialWS(t, srv.URL, "ABC123", transport.KindPresence)
	time.Sleep(50 * time.Millisecond)

	// An invalid frame is dropped at the boundary and must not close the
	// socket or reach subscribers.
	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"kind":"nope"}`)); err != nil {
		t.Fatalf("write invalid frame: %v", err)
	}
	data, err := json.Marshal(presenceEnvelope(t, "bob"))
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write valid frame: %v", err)
	}

	select {
	case env := <-received:
		rec, err := env.PresenceRecord()
		if err != nil || rec.ParticipantID != "bob" {
			t.Errorf("received record = %+v err = %v", rec, err)
		}
	case <-time.After(time.Second):
		t.Fatal("valid client frame never reached the channel")
	}
	select {
	case env := <-received:
		t.Errorf("unexpected extra envelope %q", env.Kind)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWSRejectsUnknownKindAndSession(t *testing.T) {
	srv, store, _, _ := setupServer(t)
	if _, err := store.CreateSession(context.Background(), "ABC123", "values"); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	resp, err := http.Get(srv.URL + "/ws/ABC123/bogus")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown kind status = %d, want 400", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/ws/ZZZZZZ/" + transport.KindPresence)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", resp.StatusCode)
	}
}
