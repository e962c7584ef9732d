package presence

import (
	"context"
	"log"
	"sync"
	"time"

	"cardsort/collab/internal/message"
	"cardsort/collab/internal/transport"
)

// CursorStream publishes and consumes pointer coordinates on the viewers
// channel. Outbound positions are throttled independently of the presence
// channel (~20Hz); inbound positions are last-writer-wins by timestamp per
// participant.
type CursorStream struct {
	conn     *transport.Connection
	ch       *transport.Channel
	localID  string
	interval time.Duration

	mu        sync.Mutex
	positions map[string]message.CursorPosition
	unsub     func()
	closed    bool
	onMove    map[int]func(participantID string, pos message.CursorPosition)
	nextSub   int
}

// NewCursorStream wires a stream to the session's viewers channel. interval
// is the minimum spacing between outbound publishes, typically 50ms.
func NewCursorStream(conn *transport.Connection, ch *transport.Channel, localID string, interval time.Duration) *CursorStream {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	return &CursorStream{
		conn:      conn,
		ch:        ch,
		localID:   localID,
		interval:  interval,
		positions: map[string]message.CursorPosition{},
		onMove:    map[int]func(string, message.CursorPosition){},
	}
}

// Start begins consuming remote cursor messages.
func (s *CursorStream) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.unsub != nil {
		return
	}
	s.unsub = s.ch.Subscribe(s.handle)
}

// Publish sends the local pointer position, throttled to at most one publish
// per interval. Dropped intermediate calls and publish failures are both
// absorbed here: losing a cursor tick must never disturb the session.
func (s *CursorStream) Publish(ctx context.Context, x, y float64) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	mv := message.CursorMove{ParticipantID: s.localID, X: x, Y: y, Timestamp: time.Now()}
	env, err := message.New(message.KindCursorMove, mv)
	if err != nil {
		log.Printf("presence: encode cursor: %v", err)
		return
	}
	if err := s.conn.PublishThrottled(ctx, s.ch, "cursor:"+s.localID, env, s.interval); err != nil {
		log.Printf("presence: cursor publish failed: %v", err)
	}
}

func (s *CursorStream) handle(env message.Envelope) {
	if env.Kind != message.KindCursorMove {
		return
	}
	mv, err := env.CursorMove()
	if err != nil {
		return
	}
	if mv.ParticipantID == s.localID {
		return
	}

	pos := message.CursorPosition{X: mv.X, Y: mv.Y, Timestamp: mv.Timestamp}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if existing, ok := s.positions[mv.ParticipantID]; ok && existing.Timestamp.After(pos.Timestamp) {
		s.mu.Unlock()
		return
	}
	s.positions[mv.ParticipantID] = pos
	notify := make([]func(string, message.CursorPosition), 0, len(s.onMove))
	for _, fn := range s.onMove {
		notify = append(notify, fn)
	}
	s.mu.Unlock()
	for _, fn := range notify {
		fn(mv.ParticipantID, pos)
	}
}

// OnMove registers a callback for accepted remote cursor positions.
func (s *CursorStream) OnMove(fn func(participantID string, pos message.CursorPosition)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.onMove[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.onMove, id)
		s.mu.Unlock()
	}
}

// Positions returns a copy of the latest known position per participant.
func (s *CursorStream) Positions() map[string]message.CursorPosition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]message.CursorPosition, len(s.positions))
	for id, pos := range s.positions {
		out[id] = pos
	}
	return out
}

// Active returns only positions newer than now minus the threshold.
func (s *CursorStream) Active(threshold time.Duration) map[string]message.CursorPosition {
	cutoff := time.Now().Add(-threshold)
	out := map[string]message.CursorPosition{}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, pos := range s.positions {
		if pos.Timestamp.After(cutoff) {
			out[id] = pos
		}
	}
	return out
}

// Stop cancels the subscription and drops all cached positions. Idempotent.
func (s *CursorStream) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unsub := s.unsub
	s.unsub = nil
	s.positions = map[string]message.CursorPosition{}
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}
