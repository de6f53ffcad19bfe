// Package bus is the external event transport: a redis pub/sub client with a
// small connection state machine, exponential reconnect backoff, and
// hop-counted JSON payloads so republish chains can be cycle-guarded.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	logx "taskhive/pkg/logx"
)

// HopsKey is the reserved payload key incremented exactly once per publish.
// Subscribers must round-trip it untouched.
const HopsKey = "__hops"

var (
	ErrNotConnected     = errors.New("bus is not connected")
	ErrAlreadyConnected = errors.New("bus connect called while not disconnected")
)

// State is the bus connection state. Observed transitions:
// Disconnected→Connecting→Connected, Connected→Reconnecting→Connected,
// Connecting→Disconnected on a failed dial (the background probe walks
// Disconnected→Connecting→Connected again once the broker answers), and
// Reconnecting→Disconnected when Disconnect cancels the retry loop.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Handler receives decoded payloads for a subscribed topic. Handlers run on
// the bus receive goroutine and must hand real work off quickly.
type Handler func(topic string, payload map[string]any)

// SubID identifies one registered handler, since Go funcs are not comparable.
type SubID uint64

type Config struct {
	Addr       string
	Password   string
	DB         int
	ClientName string

	// Reconnect backoff: starts at InitialBackoff, doubles per failed
	// attempt, capped at MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// DialTimeout bounds each connection probe.
	DialTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:6379"
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Minute
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	return c
}

// Bus is the interface the orchestrator programs against; tests substitute
// an in-memory fake.
type Bus interface {
	Connect() error
	Disconnect()
	Publish(topic string, payload map[string]any) error
	Subscribe(topic string, h Handler) (SubID, error)
	Unsubscribe(topic string, id SubID)
	UnsubscribeAll(topic string)
	State() State
}

// Notify carries optional observer callbacks; any field may be nil.
type Notify struct {
	StateChanged func(State)
	Published    func(topic, payload string)
	Received     func(topic, payload string)
}

type subscription struct {
	id SubID
	h  Handler
}

type Client struct {
	cfg    Config
	log    logx.Logger
	notify Notify

	state atomic.Int32
	seq   atomic.Uint64

	mu        sync.Mutex
	rdb       *redis.Client
	ps        *redis.PubSub
	subs      map[string][]subscription
	confirmed map[string]bool // topics whose SUBSCRIBE the broker acked
	cancel    context.CancelFunc
	done      chan struct{}

	// subCond wakes Subscribe callers waiting on a broker ack. Broadcast on
	// every ack and on every state change.
	subCond *sync.Cond
}

var _ Bus = (*Client)(nil)

func New(cfg Config, log logx.Logger, notify Notify) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Client{
		cfg:       cfg.withDefaults(),
		log:       log,
		notify:    notify,
		subs:      map[string][]subscription{},
		confirmed: map[string]bool{},
	}
	c.subCond = sync.NewCond(&c.mu)
	return c
}

func (c *Client) State() State { return State(c.state.Load()) }

func (c *Client) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old == s {
		return
	}
	c.log.Info("bus state changed", logx.String("from", old.String()), logx.String("to", s.String()))
	c.subCond.Broadcast()
	if c.notify.StateChanged != nil {
		c.notify.StateChanged(s)
	}
}

// markConfirmed records a broker subscribe/unsubscribe ack for a topic and
// wakes any Subscribe call waiting on it.
func (c *Client) markConfirmed(topic string, subscribed bool) {
	c.mu.Lock()
	if subscribed {
		c.confirmed[topic] = true
	} else {
		delete(c.confirmed, topic)
	}
	c.mu.Unlock()
	c.subCond.Broadcast()
}

// Connect dials the broker. On success all registered topics are subscribed
// before any delivery is dispatched. On dial failure the client drops back to
// Disconnected and the reconnect loop takes over.
func (c *Client) Connect() error {
	if c.State() != Disconnected {
		c.log.Warn("connect called while not disconnected", logx.String("state", c.State().String()))
		return ErrAlreadyConnected
	}
	c.setState(Connecting)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.cancel = cancel
	c.done = done
	c.rdb = redis.NewClient(&redis.Options{
		Addr:       c.cfg.Addr,
		Password:   c.cfg.Password,
		DB:         c.cfg.DB,
		ClientName: c.cfg.ClientName,
	})
	rdb := c.rdb
	c.mu.Unlock()

	pingCtx, pingCancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	err := rdb.Ping(pingCtx).Err()
	pingCancel()
	if err != nil {
		c.log.Error("bus connection failed", logx.Err(err))
		c.setState(Disconnected)
		// Keep probing in the background. The client stays Disconnected
		// until a probe succeeds, then walks the normal
		// Connecting->Connected path.
		go func() {
			defer close(done)
			if !c.backoff(ctx) {
				return
			}
			c.setState(Connecting)
			c.attach(ctx)
			c.run(ctx)
		}()
		return err
	}

	c.attach(ctx)
	go func() {
		defer close(done)
		c.run(ctx)
	}()
	return nil
}

// attach creates a fresh pubsub subscribed to every registered topic and
// flips the state to Connected only after the broker has acked every
// SUBSCRIBE. A publish issued the moment Connected is observed therefore
// cannot outrun the handshake and get dropped.
func (c *Client) attach(ctx context.Context) {
	c.mu.Lock()
	rdb := c.rdb
	if rdb == nil { // Disconnect won the race
		c.mu.Unlock()
		return
	}
	topics := make([]string, 0, len(c.subs))
	for t := range c.subs {
		topics = append(topics, t)
	}
	c.confirmed = map[string]bool{}
	ps := rdb.Subscribe(ctx, topics...)
	c.ps = ps
	c.mu.Unlock()

	// The read loop is not running yet (initial connect) or is between
	// cycles (reconnect), so draining acks here races with nobody. Messages
	// interleaved with the acks are dispatched, not discarded.
	for acked := 0; acked < len(topics); {
		reply, err := ps.Receive(ctx)
		if err != nil {
			c.log.Warn("subscribe handshake interrupted", logx.Err(err))
			return
		}
		switch r := reply.(type) {
		case *redis.Subscription:
			c.markConfirmed(r.Channel, r.Kind == "subscribe")
			acked++
		case *redis.Message:
			c.dispatch(r.Channel, r.Payload)
		}
	}

	for _, t := range topics {
		c.log.Info("resubscribed to topic", logx.String("topic", t))
	}
	c.setState(Connected)
}

// run owns the read loop and the reconnect cycle until ctx is canceled.
func (c *Client) run(ctx context.Context) {
	for {
		c.mu.Lock()
		ps := c.ps
		c.mu.Unlock()
		if ps == nil {
			return
		}

		err := c.readLoop(ctx, ps)
		_ = ps.Close()
		if ctx.Err() != nil {
			return
		}

		c.log.Warn("bus link lost", logx.Err(err))
		c.setState(Reconnecting)
		if !c.backoff(ctx) {
			return
		}
		c.attach(ctx)
	}
}

func (c *Client) readLoop(ctx context.Context, ps *redis.PubSub) error {
	for {
		reply, err := ps.Receive(ctx)
		if err != nil {
			return err
		}
		switch r := reply.(type) {
		case *redis.Message:
			c.dispatch(r.Channel, r.Payload)
		case *redis.Subscription:
			// Ack for a Subscribe/Unsubscribe issued on the live link.
			c.markConfirmed(r.Channel, r.Kind == "subscribe")
		}
	}
}

// backoff probes the broker with exponentially growing delays. Returns false
// when ctx was canceled (Disconnect), true once a probe succeeds.
func (c *Client) backoff(ctx context.Context) bool {
	delay := c.cfg.InitialBackoff
	for {
		c.log.Info("bus reconnect attempt scheduled", logx.Duration("delay", delay))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return false
		case <-tmr.C:
		}

		c.mu.Lock()
		rdb := c.rdb
		c.mu.Unlock()
		if rdb == nil {
			return false
		}

		pingCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		c.log.Warn("bus reconnect attempt failed", logx.Err(err))
		delay *= 2
		if delay > c.cfg.MaxBackoff {
			delay = c.cfg.MaxBackoff
		}
	}
}

// Disconnect cancels any outstanding reconnect loop, closes the link, and
// settles in Disconnected. Subscriptions stay registered for the next
// Connect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	ps := c.ps
	rdb := c.rdb
	c.cancel = nil
	c.done = nil
	c.ps = nil
	c.rdb = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ps != nil {
		_ = ps.Close()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			c.log.Warn("bus receive loop did not stop within timeout")
		}
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	c.setState(Disconnected)
}

// Publish increments the payload's hop counter exactly once, serializes it as
// JSON, and sends it. Rejected (logged, no-op) unless Connected.
func (c *Client) Publish(topic string, payload map[string]any) error {
	if c.State() != Connected {
		c.log.Warn("cannot publish, bus is not connected",
			logx.String("topic", topic),
			logx.String("state", c.State().String()))
		return ErrNotConnected
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload[HopsKey] = Hops(payload) + 1

	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("serialize payload for topic %q: %w", topic, err)
	}

	c.mu.Lock()
	rdb := c.rdb
	c.mu.Unlock()
	if rdb == nil {
		return ErrNotConnected
	}

	if c.notify.Published != nil {
		c.notify.Published(topic, string(b))
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	defer cancel()
	if err := rdb.Publish(ctx, topic, b).Err(); err != nil {
		return fmt.Errorf("publish to topic %q: %w", topic, err)
	}
	return nil
}

// Subscribe registers the handler. Multiple handlers may share one topic and
// all of them fire per delivery.
func (c *Client) Subscribe(topic string, h Handler) (SubID, error) {
	if topic == "" {
		return 0, errors.New("topic is required")
	}
	if h == nil {
		return 0, errors.New("handler is required")
	}
	id := SubID(c.seq.Add(1))

	c.mu.Lock()
	first := len(c.subs[topic]) == 0
	c.subs[topic] = append(c.subs[topic], subscription{id: id, h: h})
	ps := c.ps
	c.mu.Unlock()

	c.log.Info("subscribing to topic", logx.String("topic", topic))
	if first && ps != nil && c.State() == Connected {
		err := ps.Subscribe(context.Background(), topic)
		if err == nil {
			// Wait for the broker ack (consumed by the read loop) so a
			// publish issued right after Subscribe returns is deliverable.
			err = c.waitConfirmed(topic)
		}
		if err != nil {
			c.mu.Lock()
			c.removeLocked(topic, id)
			c.mu.Unlock()
			return 0, fmt.Errorf("subscribe to topic %q: %w", topic, err)
		}
	}
	return id, nil
}

// waitConfirmed blocks until the broker acks the topic's SUBSCRIBE, the link
// leaves Connected, or DialTimeout passes.
func (c *Client) waitConfirmed(topic string) error {
	deadline := time.Now().Add(c.cfg.DialTimeout)
	wake := time.AfterFunc(c.cfg.DialTimeout, c.subCond.Broadcast)
	defer wake.Stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	for !c.confirmed[topic] {
		if State(c.state.Load()) != Connected {
			return ErrNotConnected
		}
		if !time.Now().Before(deadline) {
			return errors.New("no broker ack before timeout")
		}
		c.subCond.Wait()
	}
	return nil
}

// Unsubscribe removes one handler. Removing the last handler for a topic
// stops delivery routing for it.
func (c *Client) Unsubscribe(topic string, id SubID) {
	c.mu.Lock()
	c.removeLocked(topic, id)
	empty := len(c.subs[topic]) == 0
	if empty {
		delete(c.subs, topic)
	}
	ps := c.ps
	c.mu.Unlock()

	c.log.Info("unsubscribing from topic", logx.String("topic", topic))
	if empty && ps != nil && c.State() == Connected {
		if err := ps.Unsubscribe(context.Background(), topic); err != nil {
			c.log.Error("failed to unsubscribe from topic", logx.String("topic", topic), logx.Err(err))
		}
	}
}

// UnsubscribeAll removes every handler for the topic.
func (c *Client) UnsubscribeAll(topic string) {
	c.mu.Lock()
	_, had := c.subs[topic]
	delete(c.subs, topic)
	ps := c.ps
	c.mu.Unlock()

	if had && ps != nil && c.State() == Connected {
		if err := ps.Unsubscribe(context.Background(), topic); err != nil {
			c.log.Error("failed to unsubscribe from topic", logx.String("topic", topic), logx.Err(err))
		}
	}
}

// HandlerCount reports registered handlers for a topic.
func (c *Client) HandlerCount(topic string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs[topic])
}

func (c *Client) removeLocked(topic string, id SubID) {
	list := c.subs[topic]
	for i, s := range list {
		if s.id == id {
			c.subs[topic] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

func (c *Client) dispatch(topic, raw string) {
	if c.notify.Received != nil {
		c.notify.Received(topic, raw)
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		c.log.Error("could not decode payload", logx.String("topic", topic), logx.Err(err))
		return
	}

	c.mu.Lock()
	list := append([]subscription(nil), c.subs[topic]...)
	c.mu.Unlock()

	if len(list) == 0 {
		c.log.Warn("received message on unsubscribed topic", logx.String("topic", topic))
		return
	}
	for _, s := range list {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.Error("handler panic", logx.String("topic", topic), logx.Any("panic", r))
				}
			}()
			s.h(topic, clonePayload(payload))
		}()
	}
}

// Hops reads the hop counter from a payload; absent or malformed counts as 0.
func Hops(payload map[string]any) int {
	switch v := payload[HopsKey].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	default:
		return 0
	}
}

func clonePayload(m map[string]any) map[string]any {
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
