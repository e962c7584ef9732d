package gateway

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"cardsort/collab/internal/message"
	"cardsort/collab/internal/transport"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

var allowedChannelKinds = map[string]struct{}{
	transport.KindSession:  {},
	transport.KindPresence: {},
	transport.KindReveals:  {},
	transport.KindViewers:  {},
	transport.KindStatus:   {},
}

// handleWS bridges one browser client to one "{kind}:{code}" channel:
// subscribed envelopes flow down the socket, client frames are validated and
// published. Frames that fail envelope validation are dropped at this
// boundary so malformed client input never reaches the channel.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	code := ps.ByName("code")
	kind := ps.ByName("kind")
	if _, ok := allowedChannelKinds[kind]; !ok {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "unknown channel kind")
		return
	}
	if _, err := s.store.GetSession(r.Context(), code); err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
		return
	}
	if s.conn.State() != transport.StateConnected {
		writeError(w, http.StatusServiceUnavailable, "BROKER_UNAVAILABLE", "broker connection is "+string(s.conn.State()))
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("gateway: websocket upgrade: %v", err)
		return
	}
	defer ws.Close()

	ch := s.conn.Channel(code, kind)

	// Concurrent writers (relay goroutine vs. control frames) share one
	// socket; gorilla requires a single writer at a time.
	var writeMu sync.Mutex
	unsub := ch.Subscribe(func(env message.Envelope) {
		data, err := json.Marshal(env)
		if err != nil {
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Printf("gateway: relay to client on %s: %v", ch.Name(), err)
		}
	})
	defer unsub()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("gateway: client on %s: %v", ch.Name(), err)
			}
			return
		}
		env, err := message.Decode(raw)
		if err != nil {
			log.Printf("gateway: dropping client frame on %s: %v", ch.Name(), err)
			continue
		}
		if err := ch.Publish(r.Context(), env); err != nil {
			log.Printf("gateway: publish client frame on %s: %v", ch.Name(), err)
		}
	}
}
