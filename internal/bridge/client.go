package bridge

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-mqttsync/internal/transport"
)

const (
	defaultEventBuffer = 1024
	defaultKeepAlive   = 60 * time.Second

	// Status payloads published retained on Options.StatusTopic.
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Transport is the connection the client drives. *transport.Conn satisfies it.
type Transport interface {
	Send(f transport.Frame) error
	Close() error
}

// DialFunc opens a new transport whose inbound traffic goes to h.
type DialFunc func(ctx context.Context, h transport.Handlers) (Transport, error)

// Options configures a Client.
type Options struct {
	// Address is the broker "host:port". Required unless Dial is set.
	Address string

	// ClientIDPrefix forms the client id "<prefix>_<unix-seconds>".
	ClientIDPrefix string

	// Username and Password are sent in CONNECT when non-empty.
	Username string
	Password string

	// KeepAlive is advertised in CONNECT.
	// Default: 60 seconds.
	KeepAlive time.Duration

	// ConnectTimeout bounds the TCP dial.
	// Default: transport.DefaultConnectTimeout.
	ConnectTimeout time.Duration

	// Subscriptions is the subscription set, issued in order after every
	// accepted CONNACK. It is copied and never changes afterwards.
	Subscriptions []string

	// StatusTopic, when set, is registered as the last will ("offline",
	// retained) and receives a retained "online" after each CONNACK.
	StatusTopic string

	// EventBuffer is the capacity of the Events channel.
	// Default: 1024.
	EventBuffer int

	// Logger is optional.
	Logger Logger

	// Dial overrides the default TCP transport. Used by tests.
	Dial DialFunc

	// Now overrides the clock used for client ids.
	Now func() time.Time
}

// Stats holds operational statistics.
type Stats struct {
	State             State
	ClientID          string
	Opens             uint64
	Connects          uint64
	Refusals          uint64
	Disconnects       uint64
	MessagesIn        uint64
	PublishesOut      uint64
	PublishesDropped  uint64
	EventsDropped     uint64
	LastConnectedUnix int64
}

// Client is the MQTT session state machine layered over a Transport.
//
// Every open creates a fresh transport tagged with a generation number.
// Callbacks from a transport whose generation is no longer current are
// ignored, which is what keeps a late CONNACK or close notification from
// an abandoned connection from corrupting the live session.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Events are delivered on a buffered channel; when it is full the
//     event is dropped and counted.
type Client struct {
	opts Options
	subs []string
	dial DialFunc
	now  func() time.Time

	mu       sync.Mutex
	state    State
	gen      uint64
	conn     Transport
	clientID string
	nextID   uint16

	events chan Event
	logger Logger

	opens            atomic.Uint64
	connects         atomic.Uint64
	refusals         atomic.Uint64
	disconnects      atomic.Uint64
	messagesIn       atomic.Uint64
	publishesOut     atomic.Uint64
	publishesDropped atomic.Uint64
	eventsDropped    atomic.Uint64
	lastConnected    atomic.Int64
}

// NewClient creates a client in the Closed state. Call Open, or let the
// heartbeat monitor do it.
func NewClient(opts Options) (*Client, error) {
	if opts.ClientIDPrefix == "" {
		return nil, fmt.Errorf("%w: client id prefix is required", ErrInvalidOptions)
	}
	if opts.Address == "" && opts.Dial == nil {
		return nil, fmt.Errorf("%w: broker address is required", ErrInvalidOptions)
	}
	for i, s := range opts.Subscriptions {
		if s == "" {
			return nil, fmt.Errorf("%w: subscription %d is empty", ErrInvalidOptions, i)
		}
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = defaultKeepAlive
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}

	c := &Client{
		opts:   opts,
		subs:   append([]string(nil), opts.Subscriptions...),
		dial:   opts.Dial,
		now:    opts.Now,
		events: make(chan Event, opts.EventBuffer),
		logger: opts.Logger,
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.dial == nil {
		c.dial = c.dialTCP
	}
	return c, nil
}

func (c *Client) dialTCP(ctx context.Context, h transport.Handlers) (Transport, error) {
	var tl transport.Logger
	if c.logger != nil {
		tl = c.logger
	}
	conn, err := transport.Open(ctx, transport.Config{
		Address:        c.opts.Address,
		ConnectTimeout: c.opts.ConnectTimeout,
		Logger:         tl,
	}, h)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Events returns the channel on which session events are delivered.
// It is never closed.
func (c *Client) Events() <-chan Event {
	return c.events
}

// State returns the current session state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ClientID returns the client id used for the most recent CONNECT.
func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// Subscriptions returns a copy of the subscription set.
func (c *Client) Subscriptions() []string {
	return append([]string(nil), c.subs...)
}

// Open tears down any existing connection, dials a new transport and sends
// CONNECT. It returns once CONNECT is written; the CONNACK arrives later.
// A Connected session is ended with DISCONNECT so the broker drops its will.
//
// Returns:
//   - error: transport.ErrConnection if the broker is unreachable,
//     ErrSuperseded if another Open or Close won the race
func (c *Client) Open(ctx context.Context) error {
	c.mu.Lock()
	old := c.conn
	if old != nil && c.state == StateConnected {
		if err := old.Send(transport.Frame{Verb: transport.VerbDisconnect}); err != nil {
			c.logDebug("DISCONNECT not sent", "error", err)
		}
	}
	c.conn = nil
	c.gen++
	gen := c.gen
	c.setState(StateOpening)
	c.mu.Unlock()

	if old != nil {
		old.Close() //nolint:errcheck // Replaced connection
	}
	c.opens.Add(1)

	conn, err := c.dial(ctx, c.handlersFor(gen))

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen {
		if conn != nil {
			conn.Close() //nolint:errcheck // Abandoned connection
		}
		c.logInfo("open superseded", "generation", gen)
		return ErrSuperseded
	}
	if err != nil {
		c.setState(StateClosed)
		c.logError("broker connection failed", err, "address", c.opts.Address)
		return err
	}

	c.conn = conn
	c.clientID = fmt.Sprintf("%s_%d", c.opts.ClientIDPrefix, c.now().Unix())

	if err := conn.Send(c.connectFrame()); err != nil {
		c.conn = nil
		c.gen++
		c.setState(StateClosed)
		conn.Close() //nolint:errcheck // Failed handshake
		c.logError("sending CONNECT failed", err)
		return err
	}

	c.setState(StateAwaitingAck)
	return nil
}

func (c *Client) connectFrame() transport.Frame {
	f := transport.Frame{
		Verb:         transport.VerbConnect,
		ClientID:     c.clientID,
		Username:     c.opts.Username,
		Password:     c.opts.Password,
		KeepAlive:    uint16(min(c.opts.KeepAlive/time.Second, 65535)), // #nosec G115 -- clamped
		CleanSession: true,
	}
	if c.opts.StatusTopic != "" {
		f.Will = &transport.Will{
			Topic:   c.opts.StatusTopic,
			Payload: []byte(StatusOffline),
			Retain:  true,
		}
	}
	return f
}

func (c *Client) handlersFor(gen uint64) transport.Handlers {
	return transport.Handlers{
		OnFrame: func(f transport.Frame) { c.handleFrame(gen, f) },
		OnClose: func(err error) { c.handleClose(gen, err) },
	}
}

func (c *Client) handleFrame(gen uint64, f transport.Frame) {
	switch f.Verb {
	case transport.VerbConnAck:
		c.handleConnAck(gen, f)

	case transport.VerbPublish:
		if !c.isCurrent(gen) {
			return
		}
		c.messagesIn.Add(1)
		c.emit(Event{Kind: EventMessage, Topic: f.Topic, Payload: f.Payload, Retain: f.Retain})

	case transport.VerbSubAck:
		if !c.isCurrent(gen) {
			return
		}
		granted := make([]byte, len(f.Topics))
		for i, t := range f.Topics {
			granted[i] = t.QoS
		}
		c.emit(Event{Kind: EventSubscribed, Granted: granted})

	case transport.VerbPingResp:
		c.logDebug("ping response")

	default:
		c.logDebug("ignoring frame", "verb", f.Verb.String())
	}
}

func (c *Client) handleConnAck(gen uint64, f transport.Frame) {
	c.mu.Lock()

	if gen != c.gen || (c.state != StateOpening && c.state != StateAwaitingAck) {
		state := c.state
		c.mu.Unlock()
		c.logDebug("ignoring stale CONNACK", "generation", gen, "state", state.String())
		return
	}

	if f.Status != 0 {
		conn := c.conn
		c.conn = nil
		c.gen++
		c.setState(StateClosed)
		c.mu.Unlock()

		if conn != nil {
			conn.Close() //nolint:errcheck // Refused session
		}
		c.refusals.Add(1)
		c.logError("broker refused connection", nil, "status", f.Status, "reason", f.Description)
		c.emit(Event{Kind: EventConnectRefused, Status: f.Status, Reason: f.Description})
		return
	}

	c.setState(StateConnected)
	c.connects.Add(1)
	c.lastConnected.Store(c.now().Unix())

	if len(c.subs) > 0 {
		if err := c.conn.Send(c.subscribeFrame(c.subs)); err != nil {
			c.logError("resubscribe failed", err)
		}
	}
	if c.opts.StatusTopic != "" {
		c.sendPublish(c.opts.StatusTopic, []byte(StatusOnline), true) //nolint:errcheck // Logged inside
	}
	c.mu.Unlock()

	c.logInfo("connected to broker", "client_id", c.ClientID(), "subscriptions", len(c.subs))
	c.emit(Event{Kind: EventConnected})
}

func (c *Client) handleClose(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.gen++
	c.setState(StateClosed)
	c.mu.Unlock()

	c.disconnects.Add(1)
	c.logError("broker connection lost", err)
	c.emit(Event{Kind: EventDisconnected, Err: err})
}

// subscribeFrame builds one SUBSCRIBE for topics at QoS 0. Caller holds mu.
func (c *Client) subscribeFrame(topics []string) transport.Frame {
	c.nextID++
	if c.nextID == 0 {
		c.nextID = 1
	}
	f := transport.Frame{Verb: transport.VerbSubscribe, ID: c.nextID}
	for _, t := range topics {
		f.Topics = append(f.Topics, transport.TopicQoS{Topic: t, QoS: 0})
	}
	return f
}

// sendPublish writes a QoS 0 PUBLISH. Caller holds mu and state is Connected.
func (c *Client) sendPublish(topic string, payload []byte, retain bool) error {
	err := c.conn.Send(transport.Frame{
		Verb:    transport.VerbPublish,
		Topic:   topic,
		Payload: payload,
		Retain:  retain,
	})
	if err != nil {
		c.logError("publish failed", err, "topic", topic)
		return err
	}
	c.publishesOut.Add(1)
	return nil
}

// Publish sends payload to topic at QoS 0.
//
// When the session is not Connected the message is dropped, never queued,
// and ErrDropped is returned. If the session was Closed an Open is
// started before returning so that later publishes can succeed.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	c.mu.Lock()
	if c.state == StateConnected {
		defer c.mu.Unlock()
		return c.sendPublish(topic, payload, retain)
	}
	state := c.state
	c.mu.Unlock()

	c.publishesDropped.Add(1)
	c.logWarn("not connected, dropping publish", "topic", topic, "state", state.String())
	c.openIfClosed(ctx, state)
	return fmt.Errorf("%w: %s while %s", ErrDropped, topic, state)
}

// Subscribe issues one SUBSCRIBE for topics at QoS 0. Topics outside the
// subscription set last only for the current session.
func (c *Client) Subscribe(ctx context.Context, topics []string) error {
	if len(topics) == 0 {
		return nil
	}

	c.mu.Lock()
	if c.state == StateConnected {
		defer c.mu.Unlock()
		return c.conn.Send(c.subscribeFrame(topics))
	}
	state := c.state
	c.mu.Unlock()

	c.openIfClosed(ctx, state)
	return fmt.Errorf("%w: subscribe while %s", ErrNotConnected, state)
}

func (c *Client) openIfClosed(ctx context.Context, state State) {
	if state != StateClosed {
		return
	}
	if err := c.Open(ctx); err != nil {
		c.logDebug("implicit open failed", "error", err)
	}
}

// Ping sends PINGREQ on a Connected session.
func (c *Client) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConnected {
		return fmt.Errorf("%w: ping while %s", ErrNotConnected, c.state)
	}
	return c.conn.Send(transport.Frame{Verb: transport.VerbPing})
}

// Close ends the session. A Connected session gets a retained "offline"
// status (when configured) and a DISCONNECT first. Close is safe in any state.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	wasConnected := c.state == StateConnected
	if wasConnected {
		if c.opts.StatusTopic != "" {
			c.sendPublish(c.opts.StatusTopic, []byte(StatusOffline), true) //nolint:errcheck // Best effort
		}
		if err := conn.Send(transport.Frame{Verb: transport.VerbDisconnect}); err != nil {
			c.logDebug("DISCONNECT not sent", "error", err)
		}
	}
	c.conn = nil
	c.gen++
	c.setState(StateClosed)
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Stats returns a snapshot of the client counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	state, clientID := c.state, c.clientID
	c.mu.Unlock()

	return Stats{
		State:             state,
		ClientID:          clientID,
		Opens:             c.opens.Load(),
		Connects:          c.connects.Load(),
		Refusals:          c.refusals.Load(),
		Disconnects:       c.disconnects.Load(),
		MessagesIn:        c.messagesIn.Load(),
		PublishesOut:      c.publishesOut.Load(),
		PublishesDropped:  c.publishesDropped.Load(),
		EventsDropped:     c.eventsDropped.Load(),
		LastConnectedUnix: c.lastConnected.Load(),
	}
}

func (c *Client) isCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen
}

// setState records and logs a transition. Caller holds mu.
func (c *Client) setState(next State) {
	if c.state == next {
		return
	}
	c.logDebug("bridge state changed", "from", c.state.String(), "to", next.String())
	c.state = next
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.eventsDropped.Add(1)
		c.logError("event queue full, dropping event", nil, "kind", ev.Kind.String(), "topic", ev.Topic)
	}
}

func (c *Client) logDebug(msg string, keysAndValues ...any) {
	if c.logger != nil {
		c.logger.Debug(msg, keysAndValues...)
	}
}

func (c *Client) logInfo(msg string, keysAndValues ...any) {
	if c.logger != nil {
		c.logger.Info(msg, keysAndValues...)
	}
}

func (c *Client) logWarn(msg string, keysAndValues ...any) {
	if c.logger != nil {
		c.logger.Warn(msg, keysAndValues...)
	}
}

func (c *Client) logError(msg string, err error, keysAndValues ...any) {
	if c.logger == nil {
		return
	}
	if err != nil {
		keysAndValues = append(keysAndValues, "error", err)
	}
	c.logger.Error(msg, keysAndValues...)
}
