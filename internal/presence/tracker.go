// Package presence tracks the local participant's ephemeral record and the
// set of observed remote records for one session. Ephemeral state (status,
// cursor, last-active) lives only on the broker's presence channel; identity
// and step progress stay authoritative in the roster and are merged in by the
// reconcile package.
package presence

import (
	"context"
	"log"
	"sync"
	"time"

	"cardsort/collab/internal/message"
	"cardsort/collab/internal/transport"
)

// Activity classifies how recently a participant was seen. Recomputed on
// every read, never stored.
type Activity string

const (
	ActivityActive   Activity = "active"
	ActivityIdle     Activity = "idle"
	ActivityInactive Activity = "inactive"
)

const (
	activeWindow = 5 * time.Second
	idleWindow   = 5 * time.Minute
)

// Classify buckets a record by its last activity: active under 5s, idle
// under 5m, inactive beyond that.
func Classify(rec message.PresenceRecord, now time.Time) Activity {
	age := now.Sub(rec.LastActive)
	switch {
	case age < activeWindow:
		return ActivityActive
	case age < idleWindow:
		return ActivityIdle
	default:
		return ActivityInactive
	}
}

// Update is a partial change to the local presence record. Zero-valued
// fields are left as they were; the full merged record is republished, since
// the presence protocol carries whole records, not diffs.
type Update struct {
	Status      string
	CurrentStep int
	Cursor      *message.CursorPosition
	IsViewing   *string
}

// Tracker owns the local presence record and applies remote deltas. One
// instance per participant-session pair; the lifecycle is
// not-entered → entered → updated* → left.
type Tracker struct {
	conn      *transport.Connection
	ch        *transport.Channel
	localID   string
	heartbeat time.Duration

	mu        sync.Mutex
	entered   bool
	destroyed bool
	local     message.PresenceRecord
	remote    map[string]message.PresenceRecord
	hbCancel  context.CancelFunc
	unsub     func()
	onChange  map[int]func()
	nextSub   int
}

// NewTracker wires a tracker to the session's presence channel. heartbeat is
// the republish cadence for the local record, typically ~1s.
func NewTracker(conn *transport.Connection, ch *transport.Channel, localID string, heartbeat time.Duration) *Tracker {
	if heartbeat <= 0 {
		heartbeat = time.Second
	}
	return &Tracker{
		conn:      conn,
		ch:        ch,
		localID:   localID,
		heartbeat: heartbeat,
		remote:    map[string]message.PresenceRecord{},
		onChange:  map[int]func(){},
	}
}

// OnChange registers a callback fired after any presence mutation, local or
// remote. The returned func unsubscribes.
func (t *Tracker) OnChange(fn func()) func() {
	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.onChange[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.onChange, id)
		t.mu.Unlock()
	}
}

// Enter publishes the local record and seeds the remote map from the channel
// occupants. It fails when the transport is not connected. Calling Enter
// again after a reconnect republishes and reseeds, which is how the service
// re-establishes presence after an outage.
func (t *Tracker) Enter(ctx context.Context, rec message.PresenceRecord) error {
	if state := t.conn.State(); state != transport.StateConnected {
		return &transport.Error{
			Type:        transport.ErrorConnection,
			Message:     "presence enter while " + string(state),
			Recoverable: true,
		}
	}

	rec.ParticipantID = t.localID
	if rec.LastActive.IsZero() {
		rec.LastActive = time.Now()
	}

	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return &transport.Error{Type: transport.ErrorInitialization, Message: "tracker destroyed"}
	}
	if t.unsub == nil {
		t.unsub = t.ch.Subscribe(t.handle)
	}
	t.local = rec
	t.entered = true
	if t.hbCancel == nil {
		hctx, cancel := context.WithCancel(context.Background())
		t.hbCancel = cancel
		go t.heartbeatLoop(hctx)
	}
	t.mu.Unlock()

	occupants, err := t.ch.PresenceList(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	for id, occ := range occupants {
		if id == t.localID {
			continue
		}
		t.remote[id] = occ
	}
	t.mu.Unlock()

	if err := t.ch.PresenceEnter(ctx, rec); err != nil {
		return err
	}
	t.notifyChange()
	return nil
}

// LocalUpdate merges a partial update into the local record and republishes
// the full record.
func (t *Tracker) LocalUpdate(ctx context.Context, upd Update) error {
	t.mu.Lock()
	if !t.entered || t.destroyed {
		t.mu.Unlock()
		return &transport.Error{Type: transport.ErrorChannel, Message: "presence update before enter"}
	}
	rec := t.local
	if upd.Status != "" {
		rec.Status = upd.Status
	}
	if upd.CurrentStep != 0 {
		rec.CurrentStep = upd.CurrentStep
	}
	if upd.Cursor != nil {
		rec.Cursor = upd.Cursor
	}
	if upd.IsViewing != nil {
		rec.IsViewing = *upd.IsViewing
	}
	rec.LastActive = time.Now()
	t.local = rec
	t.mu.Unlock()

	if err := t.ch.PresenceUpdate(ctx, rec); err != nil {
		return err
	}
	t.notifyChange()
	return nil
}

// Leave publishes the departure and clears all presence state. The heartbeat
// timer is cancelled before the publish so no beat can fire afterwards.
func (t *Tracker) Leave(ctx context.Context) error {
	t.mu.Lock()
	if !t.entered {
		t.mu.Unlock()
		return nil
	}
	t.entered = false
	if t.hbCancel != nil {
		t.hbCancel()
		t.hbCancel = nil
	}
	rec := t.local
	t.remote = map[string]message.PresenceRecord{}
	t.mu.Unlock()

	err := t.ch.PresenceLeave(ctx, rec)
	t.notifyChange()
	return err
}

// Cleanup tears the tracker down without publishing. Safe to call while a
// heartbeat tick or publish is in flight; late continuations see the
// destroyed flag and become no-ops.
func (t *Tracker) Cleanup() {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return
	}
	t.destroyed = true
	t.entered = false
	if t.hbCancel != nil {
		t.hbCancel()
		t.hbCancel = nil
	}
	unsub := t.unsub
	t.unsub = nil
	t.remote = map[string]message.PresenceRecord{}
	t.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// handle applies one inbound presence delta. Deltas are keyed by
// participantId; an update for an unknown participant is treated as an
// implicit enter. Events echoing the local participant never mutate local
// state: the roster owns identity and step, and a stale remote snapshot must
// not overwrite them.
func (t *Tracker) handle(env message.Envelope) {
	switch env.Kind {
	case message.KindPresenceEnter, message.KindPresenceUpdate, message.KindPresenceLeave:
	default:
		return
	}
	rec, err := env.PresenceRecord()
	if err != nil {
		return
	}

	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return
	}
	if rec.ParticipantID == t.localID {
		local := t.local
		t.mu.Unlock()
		if rec.Name != local.Name || rec.Emoji != local.Emoji || rec.Color != local.Color || rec.CurrentStep != local.CurrentStep {
			log.Printf("presence: ignoring %s echo trying to override local identity/step for %s", env.Kind, rec.ParticipantID)
		}
		return
	}
	switch env.Kind {
	case message.KindPresenceLeave:
		delete(t.remote, rec.ParticipantID)
	default:
		t.remote[rec.ParticipantID] = rec
	}
	t.mu.Unlock()
	t.notifyChange()
}

func (t *Tracker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(t.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		t.mu.Lock()
		if t.destroyed || !t.entered {
			t.mu.Unlock()
			return
		}
		rec := t.local
		rec.LastActive = time.Now()
		t.local = rec
		t.mu.Unlock()

		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := t.ch.PresenceUpdate(pctx, rec)
		cancel()

		t.mu.Lock()
		destroyed := t.destroyed
		t.mu.Unlock()
		if destroyed {
			return
		}
		if err != nil {
			// A lost heartbeat never tears down the session.
			log.Printf("presence: heartbeat publish failed: %v", err)
		}
	}
}

// Local returns a copy of the local record and whether it has been entered.
func (t *Tracker) Local() (message.PresenceRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local, t.entered
}

// Snapshot returns every known record, local included, as a fresh map.
func (t *Tracker) Snapshot() map[string]message.PresenceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]message.PresenceRecord, len(t.remote)+1)
	for id, rec := range t.remote {
		out[id] = rec
	}
	if t.entered {
		out[t.localID] = t.local
	}
	return out
}

// ActivePresence returns only records whose freshest activity (last-active or
// cursor timestamp) is newer than now minus the threshold. A kept record's
// cursor is dropped when the cursor itself has gone stale.
func (t *Tracker) ActivePresence(idleThreshold time.Duration) map[string]message.PresenceRecord {
	cutoff := time.Now().Add(-idleThreshold)
	out := map[string]message.PresenceRecord{}
	for id, rec := range t.Snapshot() {
		freshest := rec.LastActive
		if rec.Cursor != nil && rec.Cursor.Timestamp.After(freshest) {
			freshest = rec.Cursor.Timestamp
		}
		if !freshest.After(cutoff) {
			continue
		}
		if rec.Cursor != nil && !rec.Cursor.Timestamp.After(cutoff) {
			rec.Cursor = nil
		}
		out[id] = rec
	}
	return out
}

func (t *Tracker) notifyChange() {
	t.mu.Lock()
	notify := make([]func(), 0, len(t.onChange))
	for _, fn := range t.onChange {
		notify = append(notify, fn)
	}
	t.mu.Unlock()
	for _, fn := range notify {
		fn()
	}
}
