// Package reveal broadcasts and caches participants' revealed card
// arrangements. Outbound position updates are debounced per participant;
// inbound state is reconstructed from the channel's bounded history on every
// (re)join, so a late joiner or a reconnecting client converges on the same
// arrangements as everyone else.
package reveal

import (
	"context"
	"log"
	"sync"
	"time"

	"cardsort/collab/internal/message"
	"cardsort/collab/internal/transport"
)

// Broadcaster owns the per-participant Arrangement cache for one session.
type Broadcaster struct {
	conn         *transport.Connection
	ch           *transport.Channel
	debounce     time.Duration
	historyLimit int64

	mu        sync.Mutex
	cache     map[string]message.Arrangement
	pending   map[string]message.ArrangementDelta
	pendingAt map[string]time.Time
	unsub     func()
	destroyed bool
	replaying bool
	backlog   []message.Envelope
	onUpdate  map[int]func(message.Arrangement)
	onRemoved map[int]func(participantID string)
	nextSub   int
}

// NewBroadcaster wires a broadcaster to the session's reveals channel.
// debounce is the outbound update coalescing window, typically ~200ms;
// historyLimit bounds the replay window.
func NewBroadcaster(conn *transport.Connection, ch *transport.Channel, debounce time.Duration, historyLimit int64) *Broadcaster {
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	return &Broadcaster{
		conn:         conn,
		ch:           ch,
		debounce:     debounce,
		historyLimit: historyLimit,
		cache:        map[string]message.Arrangement{},
		pending:      map[string]message.ArrangementDelta{},
		pendingAt:    map[string]time.Time{},
		onUpdate:     map[int]func(message.Arrangement){},
		onRemoved:    map[int]func(string){},
	}
}

// Initialize subscribes to the reveals channel and seeds the cache from
// channel history. Subscribing first means no event can fall between the
// history fetch and live delivery.
func (b *Broadcaster) Initialize(ctx context.Context) error {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return &transport.Error{Type: transport.ErrorInitialization, Message: "broadcaster destroyed"}
	}
	if b.unsub == nil {
		b.unsub = b.ch.Subscribe(b.handle)
	}
	b.mu.Unlock()
	return b.replay(ctx)
}

// Resync re-runs the history replay, replacing the cache wholesale. Called
// after a reconnect: a suspended connection can have missed reveals, updates,
// or hides, and the post-reconnect replay is authoritative.
func (b *Broadcaster) Resync(ctx context.Context) error {
	return b.replay(ctx)
}

// replay reconstructs the latest Arrangement per participant from the
// bounded event backlog. Events arrive newest first; the first revealed event
// seen per participant wins, updates newer than that reveal are folded in
// oldest-first, and anything older than the kept reveal is discarded. A hide
// newer than every reveal leaves the participant absent.
//
// Live events delivered while the history fetch is in flight are diverted
// into a backlog and re-applied after the cache swap, so the swap cannot
// overwrite a delivery the fetch missed.
func (b *Broadcaster) replay(ctx context.Context) error {
	b.beginReplay()
	events, err := b.ch.History(ctx, b.historyLimit)
	if err != nil {
		b.finishReplay(nil)
		return err
	}

	decided := map[string]bool{}
	pendingUpdates := map[string][]message.ArrangementDelta{}
	next := map[string]message.Arrangement{}

	for _, env := range events {
		switch env.Kind {
		case message.KindArrangementReveal:
			arr, err := env.Arrangement()
			if err != nil {
				continue
			}
			if decided[arr.ParticipantID] {
				continue
			}
			decided[arr.ParticipantID] = true
			updates := pendingUpdates[arr.ParticipantID]
			for i := len(updates) - 1; i >= 0; i-- {
				arr = message.MergeArrangement(arr, updates[i])
			}
			next[arr.ParticipantID] = arr
		case message.KindArrangementUpdated:
			upd, err := env.ArrangementUpdate()
			if err != nil {
				continue
			}
			if decided[upd.ParticipantID] {
				continue
			}
			pendingUpdates[upd.ParticipantID] = append(pendingUpdates[upd.ParticipantID], upd.Delta)
		case message.KindArrangementHidden:
			hid, err := env.ArrangementHidden()
			if err != nil {
				continue
			}
			// The newest event for this participant is a hide; any older
			// reveal is superseded.
			decided[hid.ParticipantID] = true
		}
	}

	b.finishReplay(next)
	return nil
}

// beginReplay starts diverting inbound events into the backlog.
func (b *Broadcaster) beginReplay() {
	b.mu.Lock()
	b.replaying = true
	b.backlog = nil
	b.mu.Unlock()
}

// finishReplay installs the replayed cache (skipped when next is nil, the
// failed-fetch case), notifies subscribers of the differences, and re-applies
// the events that arrived mid-replay.
func (b *Broadcaster) finishReplay(next map[string]message.Arrangement) {
	b.mu.Lock()
	if b.destroyed {
		b.replaying = false
		b.backlog = nil
		b.mu.Unlock()
		return
	}
	var removed []string
	var installed []message.Arrangement
	if next != nil {
		for id := range b.cache {
			if _, ok := next[id]; !ok {
				removed = append(removed, id)
			}
		}
		b.cache = next
		for _, arr := range next {
			installed = append(installed, arr)
		}
	}
	backlog := b.backlog
	b.backlog = nil
	b.replaying = false
	b.mu.Unlock()

	for _, id := range removed {
		b.notifyRemoved(id)
	}
	for _, arr := range installed {
		b.notifyUpdate(arr)
	}
	for _, env := range backlog {
		b.apply(env)
	}
}

// Reveal publishes a full arrangement snapshot and caches it locally.
func (b *Broadcaster) Reveal(ctx context.Context, arr message.Arrangement) error {
	if arr.LastUpdated.IsZero() {
		arr.LastUpdated = time.Now()
	}
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return &transport.Error{Type: transport.ErrorInitialization, Message: "broadcaster destroyed"}
	}
	b.cache[arr.ParticipantID] = arr
	delete(b.pending, arr.ParticipantID)
	b.mu.Unlock()

	env, err := message.New(message.KindArrangementReveal, arr)
	if err != nil {
		return err
	}
	if err := b.ch.Publish(ctx, env); err != nil {
		return err
	}
	b.notifyUpdate(arr)
	return nil
}

// Update merges a partial delta into the cached arrangement and schedules a
// debounced broadcast. Bursts within the debounce window coalesce into one
// publish carrying the merged delta. Updating a participant with no cached
// arrangement is a silent no-op: there is nothing to partially update.
func (b *Broadcaster) Update(participantID string, delta message.ArrangementDelta) {
	b.mu.Lock()
	arr, ok := b.cache[participantID]
	if !ok || b.destroyed {
		b.mu.Unlock()
		return
	}
	merged := message.MergeArrangement(arr, delta)
	merged.LastUpdated = time.Now()
	b.cache[participantID] = merged

	if time.Since(b.pendingAt[participantID]) > b.debounce {
		delete(b.pending, participantID)
	}
	b.pending[participantID] = message.MergeDeltas(b.pending[participantID], delta)
	b.pendingAt[participantID] = time.Now()
	outbound := b.pending[participantID]
	b.mu.Unlock()

	env, err := message.New(message.KindArrangementUpdated, message.ArrangementUpdate{
		ParticipantID: participantID,
		Delta:         outbound,
	})
	if err != nil {
		log.Printf("reveal: encode update: %v", err)
		return
	}
	b.conn.PublishDebounced(b.ch, "arrangement:"+participantID, env, b.debounce)
	b.notifyUpdate(merged)
}

// Hide removes the cached arrangement and announces the removal.
func (b *Broadcaster) Hide(ctx context.Context, participantID string) error {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return &transport.Error{Type: transport.ErrorInitialization, Message: "broadcaster destroyed"}
	}
	delete(b.cache, participantID)
	delete(b.pending, participantID)
	b.mu.Unlock()

	env, err := message.New(message.KindArrangementHidden, message.ArrangementHidden{ParticipantID: participantID})
	if err != nil {
		return err
	}
	if err := b.ch.Publish(ctx, env); err != nil {
		return err
	}
	b.notifyRemoved(participantID)
	return nil
}

func (b *Broadcaster) handle(env message.Envelope) {
	b.mu.Lock()
	if b.replaying {
		b.backlog = append(b.backlog, env)
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	b.apply(env)
}

func (b *Broadcaster) apply(env message.Envelope) {
	switch env.Kind {
	case message.KindArrangementReveal:
		arr, err := env.Arrangement()
		if err != nil {
			return
		}
		b.mu.Lock()
		if b.destroyed {
			b.mu.Unlock()
			return
		}
		b.cache[arr.ParticipantID] = arr
		b.mu.Unlock()
		b.notifyUpdate(arr)
	case message.KindArrangementUpdated:
		upd, err := env.ArrangementUpdate()
		if err != nil {
			return
		}
		b.mu.Lock()
		arr, ok := b.cache[upd.ParticipantID]
		if !ok || b.destroyed {
			// Cannot partially update something never revealed.
			b.mu.Unlock()
			return
		}
		merged := message.MergeArrangement(arr, upd.Delta)
		merged.LastUpdated = time.Now()
		b.cache[upd.ParticipantID] = merged
		b.mu.Unlock()
		b.notifyUpdate(merged)
	case message.KindArrangementHidden:
		hid, err := env.ArrangementHidden()
		if err != nil {
			return
		}
		b.mu.Lock()
		_, ok := b.cache[hid.ParticipantID]
		if ok {
			delete(b.cache, hid.ParticipantID)
		}
		b.mu.Unlock()
		if ok {
			b.notifyRemoved(hid.ParticipantID)
		}
	}
}

// Arrangement returns a copy of the cached arrangement for one participant.
func (b *Broadcaster) Arrangement(participantID string) (message.Arrangement, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	arr, ok := b.cache[participantID]
	if !ok {
		return message.Arrangement{}, false
	}
	arr.CardPositions = append([]message.CardPosition(nil), arr.CardPositions...)
	return arr, true
}

// Arrangements returns a copy of the whole cache.
func (b *Broadcaster) Arrangements() map[string]message.Arrangement {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]message.Arrangement, len(b.cache))
	for id, arr := range b.cache {
		arr.CardPositions = append([]message.CardPosition(nil), arr.CardPositions...)
		out[id] = arr
	}
	return out
}

// OnUpdate registers a callback for revealed or changed arrangements.
func (b *Broadcaster) OnUpdate(fn func(message.Arrangement)) func() {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.onUpdate[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.onUpdate, id)
		b.mu.Unlock()
	}
}

// OnRemoved registers a callback for hidden arrangements.
func (b *Broadcaster) OnRemoved(fn func(participantID string)) func() {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.onRemoved[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.onRemoved, id)
		b.mu.Unlock()
	}
}

// Close cancels the subscription and drops the cache. Idempotent; a publish
// or replay still in flight sees the destroyed flag and becomes a no-op.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	b.destroyed = true
	unsub := b.unsub
	b.unsub = nil
	b.cache = map[string]message.Arrangement{}
	b.pending = map[string]message.ArrangementDelta{}
	b.backlog = nil
	b.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (b *Broadcaster) notifyUpdate(arr message.Arrangement) {
	b.mu.Lock()
	notify := make([]func(message.Arrangement), 0, len(b.onUpdate))
	for _, fn := range b.onUpdate {
		notify = append(notify, fn)
	}
	b.mu.Unlock()
	for _, fn := range notify {
		fn(arr)
	}
}

func (b *Broadcaster) notifyRemoved(participantID string) {
	b.mu.Lock()
	notify := make([]func(string), 0, len(b.onRemoved))
	for _, fn := range b.onRemoved {
		notify = append(notify, fn)
	}
	b.mu.Unlock()
	for _, fn := range notify {
		fn(participantID)
	}
}
