package transport

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"

	"cardsort/collab/internal/message"
)

func logf(format string, args ...any) {
	log.Printf("transport: "+format, args...)
}

// Channel is a handle on one "{kind}:{sessionCode}" broker channel. Handles
// are memoized per connection; see Connection.Channel.
//
// Publishes on the reveals kind are additionally appended to a bounded
// history stream so late joiners can replay recent events.
type Channel struct {
	conn       *Connection
	kind       string
	code       string
	name       string
	historyKey string
	membersKey string

	mu      sync.Mutex
	pubsubs map[int]*redis.PubSub
	nextSub int
	closed  bool
}

// Name returns the fully qualified channel name, "{kind}:{sessionCode}".
func (ch *Channel) Name() string { return ch.name }

// Kind returns the channel kind.
func (ch *Channel) Kind() string { return ch.kind }

// Publish sends one envelope to every subscriber of this channel.
func (ch *Channel) Publish(ctx context.Context, env message.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return channelError("encode", ch.name, err)
	}
	if ch.kind == KindReveals {
		args := &redis.XAddArgs{
			Stream: ch.historyKey,
			MaxLen: ch.conn.opts.HistoryLimit,
			Approx: true,
			Values: map[string]any{"payload": string(data)},
		}
		if err := ch.conn.client.XAdd(ctx, args).Err(); err != nil {
			return channelError("append history", ch.name, err)
		}
	}
	if err := ch.conn.client.Publish(ctx, ch.name, data).Err(); err != nil {
		return channelError("publish", ch.name, err)
	}
	return nil
}

// Subscribe starts delivering the channel's messages to handler. Payloads
// that fail envelope validation are logged and dropped here, so handlers only
// ever see well-formed messages. The returned func cancels the subscription.
func (ch *Channel) Subscribe(handler func(message.Envelope)) func() {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return func() {}
	}
	pubsub := ch.conn.client.Subscribe(context.Background(), ch.name)
	id := ch.nextSub
	ch.nextSub++
	ch.pubsubs[id] = pubsub
	ch.mu.Unlock()

	go func() {
		for msg := range pubsub.Channel() {
			env, err := message.Decode([]byte(msg.Payload))
			if err != nil {
				logf("dropping message on %s: %v", ch.name, err)
				continue
			}
			handler(env)
		}
	}()

	return func() {
		ch.mu.Lock()
		if ps, ok := ch.pubsubs[id]; ok {
			delete(ch.pubsubs, id)
			ch.mu.Unlock()
			_ = ps.Close()
			return
		}
		ch.mu.Unlock()
	}
}

// History fetches up to limit events from the channel's bounded history
// stream, newest first. Rows that no longer decode are skipped.
func (ch *Channel) History(ctx context.Context, limit int64) ([]message.Envelope, error) {
	if limit <= 0 {
		limit = ch.conn.opts.HistoryLimit
	}
	rows, err := ch.conn.client.XRevRangeN(ctx, ch.historyKey, "+", "-", limit).Result()
	if err != nil {
		return nil, channelError("fetch history", ch.name, err)
	}
	out := make([]message.Envelope, 0, len(rows))
	for _, row := range rows {
		payload, ok := row.Values["payload"].(string)
		if !ok {
			logf("history row %s on %s has no payload", row.ID, ch.name)
			continue
		}
		env, err := message.Decode([]byte(payload))
		if err != nil {
			logf("dropping history row %s on %s: %v", row.ID, ch.name, err)
			continue
		}
		out = append(out, env)
	}
	return out, nil
}

// PresenceEnter records the member and announces it to all occupants.
func (ch *Channel) PresenceEnter(ctx context.Context, rec message.PresenceRecord) error {
	return ch.presencePublish(ctx, message.KindPresenceEnter, rec)
}

// PresenceUpdate replaces the member's record wholesale and announces the new
// value. The broker keeps no diffs; the full record travels every time.
func (ch *Channel) PresenceUpdate(ctx context.Context, rec message.PresenceRecord) error {
	return ch.presencePublish(ctx, message.KindPresenceUpdate, rec)
}

// PresenceLeave removes the member and announces the departure.
func (ch *Channel) PresenceLeave(ctx context.Context, rec message.PresenceRecord) error {
	if err := ch.conn.client.HDel(ctx, ch.membersKey, rec.ParticipantID).Err(); err != nil {
		return channelError("presence leave", ch.name, err)
	}
	env, err := message.New(message.KindPresenceLeave, rec)
	if err != nil {
		return channelError("encode presence leave", ch.name, err)
	}
	return ch.Publish(ctx, env)
}

func (ch *Channel) presencePublish(ctx context.Context, kind string, rec message.PresenceRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return channelError("encode presence", ch.name, err)
	}
	if err := ch.conn.client.HSet(ctx, ch.membersKey, rec.ParticipantID, data).Err(); err != nil {
		return channelError("store presence", ch.name, err)
	}
	env, err := message.New(kind, rec)
	if err != nil {
		return channelError("encode presence", ch.name, err)
	}
	return ch.Publish(ctx, env)
}

// PresenceList returns the current occupants as a fresh map; mutating it
// cannot affect broker or channel state.
func (ch *Channel) PresenceList(ctx context.Context) (map[string]message.PresenceRecord, error) {
	rows, err := ch.conn.client.HGetAll(ctx, ch.membersKey).Result()
	if err != nil {
		return nil, channelError("list presence", ch.name, err)
	}
	out := make(map[string]message.PresenceRecord, len(rows))
	for id, raw := range rows {
		var rec message.PresenceRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			logf("dropping presence member %s on %s: %v", id, ch.name, err)
			continue
		}
		out[id] = rec
	}
	return out, nil
}

func (ch *Channel) close() {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	pubsubs := make([]*redis.PubSub, 0, len(ch.pubsubs))
	for id, ps := range ch.pubsubs {
		pubsubs = append(pubsubs, ps)
		delete(ch.pubsubs, id)
	}
	ch.mu.Unlock()
	for _, ps := range pubsubs {
		_ = ps.Close()
	}
}
