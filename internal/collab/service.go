// Package collab composes the transport, presence, reconcile, and reveal
// components into one collaboration service per session context. The service
// is an explicit instance created and owned by its caller and injected with
// its dependencies; nothing here is a package-level singleton.
package collab

import (
	"context"
	"log"
	"sync"
	"time"

	"cardsort/collab/internal/message"
	"cardsort/collab/internal/presence"
	"cardsort/collab/internal/reconcile"
	"cardsort/collab/internal/reveal"
	"cardsort/collab/internal/roster"
	"cardsort/collab/internal/transport"
)

// RosterSource is the authoritative roster collaborator. The Postgres store
// satisfies it; tests inject an in-memory fake.
type RosterSource interface {
	GetSession(ctx context.Context, code string) (roster.Session, error)
	GetParticipant(ctx context.Context, code, participantID string) (roster.Participant, error)
}

// Options tunes one service instance. Zero values fall back to defaults.
type Options struct {
	Heartbeat      time.Duration // presence republish cadence, default 1s
	CursorInterval time.Duration // cursor throttle window, default 50ms
	UpdateDebounce time.Duration // arrangement update debounce, default 200ms
	HistoryLimit   int64         // reveal history replay window, default 50
	RosterRefresh  time.Duration // fallback roster re-fetch cadence, 0 disables
}

// Service is the real-time collaboration engine for one participant in one
// session. It keeps every observer's view converging on the same state:
// roster identity and step are authoritative, presence and arrangements are
// merged on top.
type Service struct {
	conn   *transport.Connection
	source RosterSource
	opts   Options

	code    string
	localID string

	tracker *presence.Tracker
	cursors *presence.CursorStream
	reveals *reveal.Broadcaster

	mu          sync.Mutex
	started     bool
	stopped     bool
	rosterMap   map[string]reconcile.RosterEntry
	display     map[string]reconcile.DisplayRecord
	subscribers map[int]func(map[string]reconcile.DisplayRecord)
	nextSub     int
	prevState   transport.State
	stateUnsub  func()
	sessUnsub   func()
	trackUnsub  func()
	refreshStop context.CancelFunc
}

// New builds a service around an injected connection and roster source. The
// caller owns the connection's lifecycle; Stop leaves the session but does
// not destroy the connection.
func New(conn *transport.Connection, source RosterSource, opts Options) *Service {
	return &Service{
		conn:        conn,
		source:      source,
		opts:        opts,
		rosterMap:   map[string]reconcile.RosterEntry{},
		display:     map[string]reconcile.DisplayRecord{},
		subscribers: map[int]func(map[string]reconcile.DisplayRecord){},
	}
}

// Start connects (retrying recoverable failures with backoff), enters
// presence for the local participant, replays reveal history, and begins
// consuming roster-change events.
func (s *Service) Start(ctx context.Context, local roster.Participant) error {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return &transport.Error{Type: transport.ErrorInitialization, Message: "service already started or stopped"}
	}
	s.started = true
	s.code = local.SessionCode
	s.localID = local.ID
	s.mu.Unlock()

	if err := transport.Retry(ctx, func() error { return s.conn.Connect(ctx) }); err != nil {
		return err
	}

	presenceCh := s.conn.Channel(s.code, transport.KindPresence)
	viewersCh := s.conn.Channel(s.code, transport.KindViewers)
	revealsCh := s.conn.Channel(s.code, transport.KindReveals)
	sessionCh := s.conn.Channel(s.code, transport.KindSession)

	s.tracker = presence.NewTracker(s.conn, presenceCh, local.ID, s.opts.Heartbeat)
	s.cursors = presence.NewCursorStream(s.conn, viewersCh, local.ID, s.opts.CursorInterval)
	s.reveals = reveal.NewBroadcaster(s.conn, revealsCh, s.opts.UpdateDebounce, s.opts.HistoryLimit)

	s.trackUnsub = s.tracker.OnChange(s.recompute)

	if err := s.tracker.Enter(ctx, message.PresenceRecord{
		ParticipantID: local.ID,
		Name:          local.Name,
		Emoji:         local.Emoji,
		Color:         local.Color,
		CurrentStep:   local.CurrentStep,
		Status:        local.Status,
	}); err != nil {
		return err
	}
	s.cursors.Start()

	if err := s.reveals.Initialize(ctx); err != nil {
		return err
	}

	s.sessUnsub = sessionCh.Subscribe(func(env message.Envelope) {
		if env.Kind != message.KindRosterChanged {
			return
		}
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.refreshRoster(rctx); err != nil {
			log.Printf("collab: roster refresh after change event failed: %v", err)
		}
	})

	if err := s.refreshRoster(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.prevState = s.conn.State()
	s.mu.Unlock()
	s.stateUnsub = s.conn.OnStateChange(s.handleState)

	if s.opts.RosterRefresh > 0 {
		rctx, cancel := context.WithCancel(context.Background())
		s.mu.Lock()
		s.refreshStop = cancel
		s.mu.Unlock()
		go s.refreshLoop(rctx)
	}
	return nil
}

// refreshLoop is the explicit fallback for roster collaborators that cannot
// push change events. The re-fetch is an idempotent wholesale merge, so it
// cannot race the event-driven path into divergent state.
func (s *Service) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.RosterRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := s.refreshRoster(rctx)
		cancel()
		if err != nil && ctx.Err() == nil {
			log.Printf("collab: periodic roster refresh failed: %v", err)
		}
	}
}

func (s *Service) refreshRoster(ctx context.Context) error {
	sess, err := s.source.GetSession(ctx, s.code)
	if err != nil {
		return err
	}
	next := make(map[string]reconcile.RosterEntry, len(sess.Participants))
	for _, p := range sess.Participants {
		next[p.ID] = reconcile.RosterEntry{
			Identity:     reconcile.Identity{ID: p.ID, Name: p.Name, Emoji: p.Emoji, Color: p.Color},
			CurrentStep:  p.CurrentStep,
			Status:       p.Status,
			LastActivity: p.LastActivity,
		}
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.rosterMap = next
	s.mu.Unlock()

	s.recompute()
	return nil
}

// recompute re-runs the pure reconcile over current inputs and notifies
// subscribers. Each subscriber gets its own copy of the map.
func (s *Service) recompute() {
	s.mu.Lock()
	if s.stopped || s.tracker == nil {
		s.mu.Unlock()
		return
	}
	rosterMap := s.rosterMap
	tracker := s.tracker
	localID := s.localID
	s.mu.Unlock()

	display := reconcile.Reconcile(rosterMap, tracker.Snapshot(), localID)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.display = display
	notify := make([]func(map[string]reconcile.DisplayRecord), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		notify = append(notify, fn)
	}
	s.mu.Unlock()

	for _, fn := range notify {
		fn(copyDisplay(display))
	}
}

// handleState watches connection transitions. Coming back to connected after
// an outage re-enters presence and replays reveal history, since a suspended
// connection can have missed messages.
func (s *Service) handleState(state transport.State) {
	s.mu.Lock()
	prev := s.prevState
	s.prevState = state
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return
	}
	if state == transport.StateConnected && (prev == transport.StateDisconnected || prev == transport.StateSuspended) {
		go s.resync()
	}
}

func (s *Service) resync() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	s.mu.Lock()
	tracker, reveals := s.tracker, s.reveals
	stopped := s.stopped
	s.mu.Unlock()
	if stopped || tracker == nil {
		return
	}

	if rec, entered := tracker.Local(); entered {
		if err := tracker.Enter(ctx, rec); err != nil {
			log.Printf("collab: presence re-entry after reconnect failed: %v", err)
		}
	}
	if err := reveals.Resync(ctx); err != nil {
		log.Printf("collab: reveal resync after reconnect failed: %v", err)
	}
	if err := s.refreshRoster(ctx); err != nil {
		log.Printf("collab: roster refresh after reconnect failed: %v", err)
	}
}

// UpdateStatus publishes a new local status on the presence channel.
func (s *Service) UpdateStatus(ctx context.Context, status string) error {
	return s.tracker.LocalUpdate(ctx, presence.Update{Status: status})
}

// SetStep publishes a new local step. The authoritative value still lives in
// the roster; the presence copy only keeps remote observers fresh between
// roster fetches.
func (s *Service) SetStep(ctx context.Context, step int) error {
	return s.tracker.LocalUpdate(ctx, presence.Update{CurrentStep: step})
}

// SetViewing records which participant's arrangement the local client is
// looking at; empty clears it.
func (s *Service) SetViewing(ctx context.Context, participantID string) error {
	return s.tracker.LocalUpdate(ctx, presence.Update{IsViewing: &participantID})
}

// PublishCursor sends the local pointer position, throttled.
func (s *Service) PublishCursor(ctx context.Context, x, y float64) {
	s.cursors.Publish(ctx, x, y)
}

// Reveal broadcasts the local participant's arrangement.
func (s *Service) Reveal(ctx context.Context, arr message.Arrangement) error {
	arr.ParticipantID = s.localID
	return s.reveals.Reveal(ctx, arr)
}

// UpdateArrangement schedules a debounced partial update of the local
// arrangement.
func (s *Service) UpdateArrangement(delta message.ArrangementDelta) {
	s.reveals.Update(s.localID, delta)
}

// HideArrangement withdraws the local arrangement.
func (s *Service) HideArrangement(ctx context.Context) error {
	return s.reveals.Hide(ctx, s.localID)
}

// Participants returns the latest reconciled view as a fresh copy.
func (s *Service) Participants() map[string]reconcile.DisplayRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyDisplay(s.display)
}

// ActivePresence filters the presence map down to recently active records.
func (s *Service) ActivePresence(idleThreshold time.Duration) map[string]message.PresenceRecord {
	return s.tracker.ActivePresence(idleThreshold)
}

// Arrangements returns a copy of the current reveal cache.
func (s *Service) Arrangements() map[string]message.Arrangement {
	return s.reveals.Arrangements()
}

// OnParticipantChange registers a callback for reconciled roster+presence
// changes. The returned func unsubscribes.
func (s *Service) OnParticipantChange(fn func(map[string]reconcile.DisplayRecord)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = fn
	current := copyDisplay(s.display)
	s.mu.Unlock()

	fn(current)
	return func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}

// OnArrangementUpdate registers a callback for revealed or changed
// arrangements.
func (s *Service) OnArrangementUpdate(fn func(message.Arrangement)) func() {
	return s.reveals.OnUpdate(fn)
}

// OnArrangementRemoved registers a callback for hidden arrangements.
func (s *Service) OnArrangementRemoved(fn func(participantID string)) func() {
	return s.reveals.OnRemoved(fn)
}

// OnCursorMove registers a callback for remote cursor positions.
func (s *Service) OnCursorMove(fn func(participantID string, pos message.CursorPosition)) func() {
	return s.cursors.OnMove(fn)
}

// ConnectionState returns the transport state for UI status indicators.
func (s *Service) ConnectionState() transport.State {
	return s.conn.State()
}

// OnConnectionStateChange registers a transport state listener.
func (s *Service) OnConnectionStateChange(fn func(transport.State)) func() {
	return s.conn.OnStateChange(fn)
}

// Stop leaves presence, cancels every subscription and timer, and detaches
// the session's channels. Safe to call while async work is in flight and
// safe to call twice.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	stateUnsub, sessUnsub, trackUnsub := s.stateUnsub, s.sessUnsub, s.trackUnsub
	refreshStop := s.refreshStop
	tracker, cursors, reveals := s.tracker, s.cursors, s.reveals
	s.subscribers = map[int]func(map[string]reconcile.DisplayRecord){}
	s.mu.Unlock()

	if refreshStop != nil {
		refreshStop()
	}
	if stateUnsub != nil {
		stateUnsub()
	}
	if sessUnsub != nil {
		sessUnsub()
	}
	if trackUnsub != nil {
		trackUnsub()
	}
	// A deliberate leave withdraws the local arrangement through the normal
	// hidden event, so observers and the history replay stay consistent.
	if reveals != nil {
		if _, ok := reveals.Arrangement(s.localID); ok {
			if err := reveals.Hide(ctx, s.localID); err != nil {
				log.Printf("collab: arrangement hide on stop failed: %v", err)
			}
		}
	}
	if tracker != nil {
		if err := tracker.Leave(ctx); err != nil {
			log.Printf("collab: presence leave on stop failed: %v", err)
		}
		tracker.Cleanup()
	}
	if cursors != nil {
		cursors.Stop()
	}
	if reveals != nil {
		reveals.Close()
	}
	s.conn.Leave(s.code)
}

func copyDisplay(in map[string]reconcile.DisplayRecord) map[string]reconcile.DisplayRecord {
	out := make(map[string]reconcile.DisplayRecord, len(in))
	for id, rec := range in {
		out[id] = rec
	}
	return out
}
