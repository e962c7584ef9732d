// Package transport owns the single connection to the pub/sub broker and the
// per-session channel handles built on top of it. Redis provides the channel,
// presence, and bounded-history primitives; this package layers the
// connection state machine, throttle/debounce publishing, and the error
// taxonomy over it.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"cardsort/collab/internal/message"
)

// State is the connection lifecycle state. Transitions drive presence
// re-entry and history resync in the collaboration service.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateSuspended    State = "suspended"
	StateClosing      State = "closing"
	StateClosed       State = "closed"
	StateFailed       State = "failed"
)

// Channel kinds. A channel is addressed as "{kind}:{sessionCode}".
const (
	KindSession  = "session"
	KindPresence = "presence"
	KindReveals  = "reveals"
	KindViewers  = "viewers"
	KindStatus   = "status"
)

// Options tunes the connection. Zero values fall back to defaults.
type Options struct {
	ConnectTimeout time.Duration // Connect deadline, default 10s
	PingInterval   time.Duration // health probe cadence, default 2s
	SuspendAfter   int           // consecutive failed probes before suspended, default 3
	HistoryLimit   int64         // bounded reveal-history window, default 50
}

func (o *Options) withDefaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 2 * time.Second
	}
	if o.SuspendAfter <= 0 {
		o.SuspendAfter = 3
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 50
	}
}

// Connection is the single broker connection. One instance is shared by all
// channels of a client; it is created by the composition root and passed by
// reference, never held as a package global.
type Connection struct {
	client *redis.Client
	opts   Options

	mu            sync.Mutex
	state         State
	listeners     map[int]func(State)
	nextListener  int
	channels      map[string]*Channel
	throttleLast  map[string]time.Time
	debounced     map[string]*time.Timer
	destroyed     bool
	monitorCancel context.CancelFunc
}

// New builds a connection from a broker URL. The connection is not
// established until Connect is called.
func New(brokerURL string, opts Options) (*Connection, error) {
	parsed, err := redis.ParseURL(brokerURL)
	if err != nil {
		return nil, newError(ErrorInitialization, "parse broker url", false, err)
	}
	return NewWithClient(redis.NewClient(parsed), opts), nil
}

// NewWithClient wraps an existing broker client. Used by tests running
// against miniredis.
func NewWithClient(client *redis.Client, opts Options) *Connection {
	opts.withDefaults()
	return &Connection{
		client:       client,
		opts:         opts,
		state:        StateDisconnected,
		listeners:    map[int]func(State){},
		channels:     map[string]*Channel{},
		throttleLast: map[string]time.Time{},
		debounced:    map[string]*time.Timer{},
	}
}

// Connect performs the broker handshake. It resolves only once the state
// machine reaches connected, and fails with a classified error if the connect
// timeout elapses first. Connect failures are not retried here; callers own
// the retry policy.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return newError(ErrorInitialization, "connection destroyed", false, nil)
	}
	c.mu.Unlock()

	c.setState(StateConnecting)
	cctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()
	if err := c.client.Ping(cctx).Err(); err != nil {
		c.setState(StateFailed)
		if errors.Is(err, context.DeadlineExceeded) {
			return newError(ErrorNetwork, fmt.Sprintf("connect timed out after %s", c.opts.ConnectTimeout), true, err)
		}
		return Classify(err)
	}

	c.mu.Lock()
	if c.monitorCancel == nil && !c.destroyed {
		mctx, mcancel := context.WithCancel(context.Background())
		c.monitorCancel = mcancel
		go c.monitor(mctx)
	}
	c.mu.Unlock()

	c.setState(StateConnected)
	return nil
}

// monitor probes the broker and surfaces outages as state transitions:
// disconnected after the first failed probe, suspended after SuspendAfter
// consecutive failures, back to connected on the first success.
func (c *Connection) monitor(ctx context.Context) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		pctx, cancel := context.WithTimeout(ctx, c.opts.PingInterval)
		err := c.client.Ping(pctx).Err()
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			failures++
			if failures >= c.opts.SuspendAfter {
				c.setState(StateSuspended)
			} else {
				c.setState(StateDisconnected)
			}
			continue
		}
		failures = 0
		c.setState(StateConnected)
	}
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	if c.destroyed && s != StateClosing && s != StateClosed {
		c.mu.Unlock()
		return
	}
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	notify := make([]func(State), 0, len(c.listeners))
	for _, fn := range c.listeners {
		notify = append(notify, fn)
	}
	c.mu.Unlock()
	for _, fn := range notify {
		fn(s)
	}
}

// State returns the current connection state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStateChange registers a listener invoked immediately with the current
// state and on every subsequent transition. The returned func unsubscribes.
func (c *Connection) OnStateChange(fn func(State)) func() {
	c.mu.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	current := c.state
	c.mu.Unlock()

	fn(current)
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Channel returns the handle for (sessionCode, kind), creating it on first
// use. Repeated calls with the same key return the same handle.
func (c *Connection) Channel(sessionCode, kind string) *Channel {
	name := kind + ":" + sessionCode
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.channels[name]; ok {
		return ch
	}
	ch := &Channel{
		conn:       c,
		kind:       kind,
		code:       sessionCode,
		name:       name,
		historyKey: "history:" + name,
		membersKey: "members:" + name,
		pubsubs:    map[int]*redis.PubSub{},
	}
	c.channels[name] = ch
	return ch
}

// Leave detaches every channel belonging to one session, leaving other
// sessions' channels untouched.
func (c *Connection) Leave(sessionCode string) {
	c.mu.Lock()
	var detach []*Channel
	for name, ch := range c.channels {
		if ch.code == sessionCode {
			detach = append(detach, ch)
			delete(c.channels, name)
		}
	}
	c.mu.Unlock()
	for _, ch := range detach {
		ch.close()
	}
}

// Entries this far past their last publish can no longer throttle anything;
// sweeping them keeps the map from growing one key per participant forever.
const throttleEvictAfter = time.Minute

// PublishThrottled publishes at most once per interval per key, dropping
// intermediate calls. A call after the window has elapsed publishes
// immediately (leading edge).
func (c *Connection) PublishThrottled(ctx context.Context, ch *Channel, key string, env message.Envelope, interval time.Duration) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return newError(ErrorInitialization, "connection destroyed", false, nil)
	}
	now := time.Now()
	for k, last := range c.throttleLast {
		if now.Sub(last) > throttleEvictAfter {
			delete(c.throttleLast, k)
		}
	}
	if last, ok := c.throttleLast[key]; ok && now.Sub(last) < interval {
		c.mu.Unlock()
		return nil
	}
	c.throttleLast[key] = now
	c.mu.Unlock()
	return ch.Publish(ctx, env)
}

// PublishDebounced coalesces a burst of calls per key and publishes only the
// payload of the last call once delay elapses without another (trailing
// edge). The pending timer is cancelled on Destroy.
func (c *Connection) PublishDebounced(ch *Channel, key string, env message.Envelope, delay time.Duration) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	if t, ok := c.debounced[key]; ok {
		t.Stop()
	}
	c.debounced[key] = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.destroyed {
			c.mu.Unlock()
			return
		}
		delete(c.debounced, key)
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ch.Publish(ctx, env); err != nil {
			logf("debounced publish on %s failed: %v", ch.name, err)
		}
	})
	c.mu.Unlock()
}

// Destroy releases every channel, cancels pending timers, and closes the
// broker connection. Safe to call more than once.
func (c *Connection) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	if c.monitorCancel != nil {
		c.monitorCancel()
		c.monitorCancel = nil
	}
	for key, t := range c.debounced {
		t.Stop()
		delete(c.debounced, key)
	}
	channels := make([]*Channel, 0, len(c.channels))
	for name, ch := range c.channels {
		channels = append(channels, ch)
		delete(c.channels, name)
	}
	c.state = StateClosing
	c.mu.Unlock()

	for _, ch := range channels {
		ch.close()
	}
	if err := c.client.Close(); err != nil {
		logf("closing broker client: %v", err)
	}
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
}
