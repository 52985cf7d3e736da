// Package brokertest provides an in-process MQTT broker stand-in for tests.
//
// It speaks just enough of MQTT 3.1.1 (via the paho packets codec) for a
// test to script both sides of a session:
//
//	b := brokertest.New(t)
//	conn := dial(b.Addr())
//	s := b.Accept(t)
//	connect := s.ExpectConnect(t)
//	s.Connack(t, 0)
package brokertest

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

// DefaultTimeout bounds every blocking helper.
const DefaultTimeout = 2 * time.Second

// Broker listens on a loopback port and hands accepted connections to the test.
type Broker struct {
	ln       net.Listener
	sessions chan *Session
	done     chan struct{}
	stop     sync.Once

	mu     sync.Mutex
	opened []*Session
	wg     sync.WaitGroup
}

// New starts a broker on 127.0.0.1 with an ephemeral port. It is closed
// automatically when the test finishes.
func New(t testing.TB) *Broker {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("brokertest: listen: %v", err)
	}

	b := &Broker{
		ln:       ln,
		sessions: make(chan *Session, 16),
		done:     make(chan struct{}),
	}
	b.wg.Add(1)
	go b.acceptLoop()

	t.Cleanup(b.Close)
	return b
}

func (b *Broker) acceptLoop() {
	defer b.wg.Done()
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			return
		}
		s := &Session{conn: conn}
		b.mu.Lock()
		b.opened = append(b.opened, s)
		b.mu.Unlock()
		select {
		case b.sessions <- s:
		case <-b.done:
			return
		}
	}
}

// Addr returns the "host:port" the broker listens on.
func (b *Broker) Addr() string {
	return b.ln.Addr().String()
}

// Accept waits for the next client connection.
func (b *Broker) Accept(t testing.TB) *Session {
	t.Helper()
	select {
	case s := <-b.sessions:
		return s
	case <-time.After(DefaultTimeout):
		t.Fatalf("brokertest: no client connected within %v", DefaultTimeout)
		return nil
	}
}

// Close stops listening and drops every open session.
func (b *Broker) Close() {
	b.stop.Do(func() {
		close(b.done)
		b.ln.Close() //nolint:errcheck // Test helper
		b.wg.Wait()
		b.mu.Lock()
		for _, s := range b.opened {
			s.Close()
		}
		b.mu.Unlock()
	})
}

// Session is the broker side of one client connection.
type Session struct {
	conn    net.Conn
	writeMu sync.Mutex
}

// Read returns the next packet from the client.
func (s *Session) Read(t testing.TB) packets.ControlPacket {
	t.Helper()
	cp, err := s.TryRead(DefaultTimeout)
	if err != nil {
		t.Fatalf("brokertest: read: %v", err)
	}
	return cp
}

// TryRead returns the next packet or the read error, without failing the test.
func (s *Session) TryRead(timeout time.Duration) (packets.ControlPacket, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	return packets.ReadPacket(s.conn)
}

// Write sends a packet to the client.
func (s *Session) Write(t testing.TB, cp packets.ControlPacket) {
	t.Helper()
	if err := s.WriteRaw(cp); err != nil {
		t.Fatalf("brokertest: write: %v", err)
	}
}

// WriteRaw sends a packet and returns the error. Safe from any goroutine.
func (s *Session) WriteRaw(cp packets.ControlPacket) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(DefaultTimeout)); err != nil {
		return err
	}
	return cp.Write(s.conn)
}

// WriteBytes sends raw bytes, for malformed-input tests.
func (s *Session) WriteBytes(t testing.TB, b []byte) {
	t.Helper()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.conn.Write(b); err != nil {
		t.Fatalf("brokertest: write bytes: %v", err)
	}
}

// Close drops the connection from the broker side.
func (s *Session) Close() {
	s.conn.Close() //nolint:errcheck // Test helper
}

// ExpectConnect reads a packet and fails unless it is CONNECT.
func (s *Session) ExpectConnect(t testing.TB) *packets.ConnectPacket {
	t.Helper()
	cp := s.Read(t)
	p, ok := cp.(*packets.ConnectPacket)
	if !ok {
		t.Fatalf("brokertest: got %s, want CONNECT", cp.String())
	}
	return p
}

// ExpectSubscribe reads a packet and fails unless it is SUBSCRIBE.
func (s *Session) ExpectSubscribe(t testing.TB) *packets.SubscribePacket {
	t.Helper()
	cp := s.Read(t)
	p, ok := cp.(*packets.SubscribePacket)
	if !ok {
		t.Fatalf("brokertest: got %s, want SUBSCRIBE", cp.String())
	}
	return p
}

// ExpectPublish reads a packet and fails unless it is PUBLISH.
func (s *Session) ExpectPublish(t testing.TB) *packets.PublishPacket {
	t.Helper()
	cp := s.Read(t)
	p, ok := cp.(*packets.PublishPacket)
	if !ok {
		t.Fatalf("brokertest: got %s, want PUBLISH", cp.String())
	}
	return p
}

// Connack answers a CONNECT with the given return code.
func (s *Session) Connack(t testing.TB, code byte) {
	t.Helper()
	p := packets.NewControlPacket(packets.Connack).(*packets.ConnackPacket)
	p.ReturnCode = code
	s.Write(t, p)
}

// Suback grants QoS 0 for every filter of sub.
func (s *Session) Suback(t testing.TB, sub *packets.SubscribePacket) {
	t.Helper()
	p := packets.NewControlPacket(packets.Suback).(*packets.SubackPacket)
	p.MessageID = sub.MessageID
	p.ReturnCodes = make([]byte, len(sub.Topics))
	s.Write(t, p)
}

// Publish delivers a QoS 0 message to the client.
func (s *Session) Publish(t testing.TB, topic string, payload []byte) {
	t.Helper()
	p := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
	p.TopicName = topic
	p.Payload = payload
	s.Write(t, p)
}

// Handshake accepts the session: CONNECT → CONNACK(0), then, when the
// client follows up with SUBSCRIBE, answers SUBACK. It returns both packets;
// sub is nil when the next packet was not a SUBSCRIBE.
func (s *Session) Handshake(t testing.TB) (connect *packets.ConnectPacket, sub *packets.SubscribePacket) {
	t.Helper()
	connect = s.ExpectConnect(t)
	s.Connack(t, 0)

	cp, err := s.TryRead(DefaultTimeout)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return connect, nil
		}
		t.Fatalf("brokertest: read after CONNACK: %v", err)
	}
	sub, ok := cp.(*packets.SubscribePacket)
	if !ok {
		t.Fatalf("brokertest: got %s after CONNACK, want SUBSCRIBE", cp.String())
	}
	s.Suback(t, sub)
	return connect, sub
}
