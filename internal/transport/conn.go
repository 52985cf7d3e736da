package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

const (
	// DefaultConnectTimeout bounds the TCP dial.
	DefaultConnectTimeout = 10 * time.Second

	defaultWriteTimeout = 5 * time.Second

	// defaultQueueSize is the buffer between the receive loop and the
	// dispatch worker.
	defaultQueueSize = 256

	// maxPacketSize caps inbound packets. Anything larger closes the
	// connection because the stream cannot be resynchronised.
	maxPacketSize = 1 << 20

	// maxLengthBytes is the longest MQTT remaining-length encoding.
	maxLengthBytes = 4
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Config holds broker connection settings.
type Config struct {
	// Address is the broker "host:port".
	Address string

	// ConnectTimeout bounds the TCP dial.
	// Default: 10 seconds.
	ConnectTimeout time.Duration

	// WriteTimeout bounds a single frame write.
	// Default: 5 seconds.
	WriteTimeout time.Duration

	// QueueSize is the inbound frame buffer. Frames arriving while it is
	// full are dropped and counted.
	// Default: 256.
	QueueSize int

	// Logger is optional.
	Logger Logger
}

// Handlers receive inbound traffic. Both run on the connection's single
// dispatch goroutine, so frames are delivered in arrival order and
// OnClose always comes after the last frame.
type Handlers struct {
	// OnFrame is invoked for every decoded inbound frame.
	OnFrame func(Frame)

	// OnClose is invoked at most once when the broker side closes or the
	// stream breaks. It is not invoked after a local Close.
	OnClose func(err error)
}

// Stats holds operational statistics.
type Stats struct {
	FramesTx      uint64
	FramesRx      uint64
	FramesDropped uint64 // Frames dropped due to a full dispatch queue
	ErrorsTotal   uint64
	LastActivity  time.Time
	Connected     bool
}

// Conn is one TCP connection to an MQTT broker.
//
// Thread Safety:
//   - Send and Close are safe for concurrent use.
//   - Handlers are invoked from a single goroutine.
type Conn struct {
	cfg      Config
	conn     net.Conn
	handlers Handlers

	writeMu sync.Mutex

	queue chan Frame

	// done is closed by a local Close; readerDone when the receive loop exits.
	done       *closeOnce
	readerDone chan struct{}
	readErr    error
	closeConn  sync.Once
	readerWG   sync.WaitGroup

	framesTx      atomic.Uint64
	framesRx      atomic.Uint64
	framesDropped atomic.Uint64
	errorsTotal   atomic.Uint64
	lastActivity  atomic.Int64 // Unix nanoseconds
}

// Open dials the broker and starts the receive loop and dispatch worker.
//
// Parameters:
//   - ctx: Cancels the dial
//   - cfg: Connection settings; zero values take defaults
//   - h: Inbound frame and close handlers
//
// Returns:
//   - *Conn: Connected transport
//   - error: ErrConnection if the broker is unreachable
func Open(ctx context.Context, cfg Config, h Handlers) (*Conn, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("%w: no broker address", ErrConnection)
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrConnection, cfg.Address, err)
	}

	c := &Conn{
		cfg:        cfg,
		conn:       conn,
		handlers:   h,
		queue:      make(chan Frame, cfg.QueueSize),
		done:       newCloseOnce(),
		readerDone: make(chan struct{}),
	}
	c.lastActivity.Store(time.Now().UnixNano())

	c.readerWG.Add(1)
	go c.receiveLoop()
	go c.dispatchLoop()

	c.logDebug("broker connection opened", "address", cfg.Address)
	return c, nil
}

// Send encodes and writes one frame.
//
// Returns:
//   - error: ErrTransport if the connection is closed or the write fails,
//     ErrProtocol if the frame cannot be encoded
func (c *Conn) Send(f Frame) error {
	if c.isClosed() {
		return fmt.Errorf("%w: send %s on closed connection", ErrTransport, f.Verb)
	}

	cp, err := Encode(f)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		c.errorsTotal.Add(1)
		return fmt.Errorf("%w: set write deadline: %w", ErrTransport, err)
	}
	if err := cp.Write(c.conn); err != nil {
		c.errorsTotal.Add(1)
		return fmt.Errorf("%w: write %s: %w", ErrTransport, f.Verb, err)
	}

	c.framesTx.Add(1)
	c.lastActivity.Store(time.Now().UnixNano())
	return nil
}

// Close shuts the connection down. It is idempotent and waits for the
// receive loop; a handler already running is allowed to finish on its own.
func (c *Conn) Close() error {
	c.done.Close()
	c.shutdownConn()
	c.readerWG.Wait()
	return nil
}

// Stats returns a snapshot of the connection counters.
func (c *Conn) Stats() Stats {
	connected := true
	select {
	case <-c.readerDone:
		connected = false
	default:
	}
	return Stats{
		FramesTx:      c.framesTx.Load(),
		FramesRx:      c.framesRx.Load(),
		FramesDropped: c.framesDropped.Load(),
		ErrorsTotal:   c.errorsTotal.Load(),
		LastActivity:  time.Unix(0, c.lastActivity.Load()),
		Connected:     connected && !c.isClosed(),
	}
}

// Address returns the broker address this connection was dialled to.
func (c *Conn) Address() string {
	return c.cfg.Address
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.done.Done():
		return true
	default:
		return false
	}
}

func (c *Conn) shutdownConn() {
	c.closeConn.Do(func() {
		c.conn.Close() //nolint:errcheck // Unblocks the reader; error is irrelevant
	})
}

// receiveLoop reads packets until the stream breaks or Close is called.
// It never blocks on handlers.
func (c *Conn) receiveLoop() {
	defer c.readerWG.Done()
	defer close(c.readerDone)

	r := bufio.NewReader(c.conn)
	for {
		cp, err := readPacket(r)
		if err != nil {
			if errors.Is(err, ErrProtocol) {
				c.errorsTotal.Add(1)
				c.logError("undecodable packet, skipping", err)
				continue
			}
			if !c.isClosed() {
				if !errors.Is(err, io.EOF) {
					c.errorsTotal.Add(1)
				}
				c.readErr = err
				c.shutdownConn()
			}
			return
		}

		f, err := Decode(cp)
		if err != nil {
			c.errorsTotal.Add(1)
			c.logError("unsupported packet, skipping", err)
			continue
		}

		c.framesRx.Add(1)
		c.lastActivity.Store(time.Now().UnixNano())

		select {
		case c.queue <- f:
		default:
			c.framesDropped.Add(1)
			c.errorsTotal.Add(1)
			c.logError("dispatch queue full, dropping frame", nil, "verb", f.Verb.String(), "topic", f.Topic)
		}
	}
}

// dispatchLoop is the only goroutine that invokes handlers.
func (c *Conn) dispatchLoop() {
	for {
		select {
		case f := <-c.queue:
			c.deliver(f)
		case <-c.readerDone:
		drain:
			for {
				select {
				case f := <-c.queue:
					c.deliver(f)
				default:
					break drain
				}
			}
			// readErr is written before readerDone is closed.
			if c.readErr != nil && !c.isClosed() && c.handlers.OnClose != nil {
				c.logInfo("broker connection lost", "address", c.cfg.Address, "error", c.readErr)
				c.handlers.OnClose(c.readErr)
			}
			return
		}
	}
}

func (c *Conn) deliver(f Frame) {
	if c.isClosed() || c.handlers.OnFrame == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logError("frame handler panic", fmt.Errorf("%v", r), "verb", f.Verb.String())
		}
	}()
	c.handlers.OnFrame(f)
}

// readPacket reads one complete packet off the stream before decoding it,
// so a body paho cannot parse costs only that packet.
func readPacket(r *bufio.Reader) (packets.ControlPacket, error) {
	header, err := r.ReadByte()
	if err != nil {
		return nil, err
	}

	var raw bytes.Buffer
	raw.WriteByte(header)

	length, multiplier := 0, 1
	for i := 0; ; i++ {
		if i == maxLengthBytes {
			return nil, fmt.Errorf("%w: malformed remaining length", errPacketTooLarge)
		}
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		raw.WriteByte(b)
		length += int(b&0x7f) * multiplier
		if b&0x80 == 0 {
			break
		}
		multiplier *= 128
	}
	if length > maxPacketSize {
		return nil, fmt.Errorf("%w: %d bytes", errPacketTooLarge, length)
	}

	if _, err := io.CopyN(&raw, r, int64(length)); err != nil {
		return nil, err
	}

	cp, err := packets.ReadPacket(&raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	return cp, nil
}

func (c *Conn) logDebug(msg string, keysAndValues ...any) {
	if c.cfg.Logger != nil {
		c.cfg.Logger.Debug(msg, keysAndValues...)
	}
}

func (c *Conn) logInfo(msg string, keysAndValues ...any) {
	if c.cfg.Logger != nil {
		c.cfg.Logger.Info(msg, keysAndValues...)
	}
}

func (c *Conn) logError(msg string, err error, keysAndValues ...any) {
	if c.cfg.Logger == nil {
		return
	}
	if err != nil {
		keysAndValues = append(keysAndValues, "error", err)
	}
	c.cfg.Logger.Error(msg, keysAndValues...)
}
