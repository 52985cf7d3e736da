package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-mqttsync/internal/bridge"
)

// Default monitor settings.
const (
	DefaultInterval      = 30 * time.Second
	DefaultStaleAckTicks = 3
)

// ErrInvalidOptions is returned by New for unusable options.
var ErrInvalidOptions = errors.New("heartbeat: invalid options")

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Bridge is the part of the bridge client the monitor drives.
type Bridge interface {
	State() bridge.State
	Open(ctx context.Context) error
	Ping() error
}

// Action is what a tick did.
type Action int

// Tick outcomes.
const (
	ActionNone Action = iota
	ActionOpen
	ActionPing
	ActionWait
	ActionSkipped
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionOpen:
		return "open"
	case ActionPing:
		return "ping"
	case ActionWait:
		return "wait"
	case ActionSkipped:
		return "skipped"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// Options configures a Monitor.
type Options struct {
	Bridge Bridge

	// Interval between ticks. Default: 30 seconds.
	Interval time.Duration

	// StaleAckTicks is how many consecutive ticks a handshake may stay in
	// Opening or AwaitingAck before the monitor forces a new Open.
	// Default: 3.
	StaleAckTicks int

	Logger Logger
}

// Stats holds monitor counters.
type Stats struct {
	Ticks        uint64
	Opens        uint64
	OpenFailures uint64
	Pings        uint64
	PingFailures uint64
	Skipped      uint64
	StaleForced  uint64
}

// Monitor is the only reconnect driver. It polls the bridge on a fixed
// interval without backoff: Closed triggers one Open, Connected triggers a
// fire-and-forget Ping, and a handshake stuck for StaleAckTicks ticks is
// restarted.
//
// Ticks never overlap. Tick may be called manually while Run is active; a
// tick that finds another one in flight is skipped.
type Monitor struct {
	bridge        Bridge
	interval      time.Duration
	staleAckTicks int
	logger        Logger

	inFlight atomic.Bool
	waiting  int // consecutive ticks in Opening/AwaitingAck; guarded by inFlight

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	ticks        atomic.Uint64
	opens        atomic.Uint64
	openFailures atomic.Uint64
	pings        atomic.Uint64
	pingFailures atomic.Uint64
	skipped      atomic.Uint64
	staleForced  atomic.Uint64
}

// New creates a monitor. Call Start or Run to begin ticking.
func New(opts Options) (*Monitor, error) {
	if opts.Bridge == nil {
		return nil, fmt.Errorf("%w: bridge is required", ErrInvalidOptions)
	}
	if opts.Interval < 0 || opts.StaleAckTicks < 0 {
		return nil, fmt.Errorf("%w: interval and stale ack ticks must not be negative", ErrInvalidOptions)
	}
	if opts.Interval == 0 {
		opts.Interval = DefaultInterval
	}
	if opts.StaleAckTicks == 0 {
		opts.StaleAckTicks = DefaultStaleAckTicks
	}

	return &Monitor{
		bridge:        opts.Bridge,
		interval:      opts.Interval,
		staleAckTicks: opts.StaleAckTicks,
		logger:        opts.Logger,
		done:          make(chan struct{}),
	}, nil
}

// Start runs the monitor in a background goroutine until ctx is cancelled
// or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.Run(ctx)
	}()
}

// Stop ends a monitor started with Start and waits for its loop to exit.
// Safe to call multiple times.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
		m.wg.Wait()
	})
}

// Run ticks immediately, then on every interval, until ctx is cancelled or
// Stop is called.
func (m *Monitor) Run(ctx context.Context) {
	m.logInfo("heartbeat started", "interval", m.interval.String(), "stale_ack_ticks", m.staleAckTicks)
	defer m.logInfo("heartbeat stopped")

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick performs one health check and reports what it did.
func (m *Monitor) Tick(ctx context.Context) Action {
	if !m.inFlight.CompareAndSwap(false, true) {
		m.skipped.Add(1)
		m.logDebug("tick skipped, previous tick still running")
		return ActionSkipped
	}
	defer m.inFlight.Store(false)

	m.ticks.Add(1)
	state := m.bridge.State()

	switch state {
	case bridge.StateClosed:
		m.waiting = 0
		m.open(ctx, state)
		return ActionOpen

	case bridge.StateConnected:
		m.waiting = 0
		m.pings.Add(1)
		if err := m.bridge.Ping(); err != nil {
			m.pingFailures.Add(1)
			m.logWarn("keepalive ping failed", "error", err)
		}
		return ActionPing

	case bridge.StateOpening, bridge.StateAwaitingAck:
		m.waiting++
		if m.waiting < m.staleAckTicks {
			m.logDebug("handshake in progress", "state", state.String(), "ticks", m.waiting)
			return ActionWait
		}
		m.waiting = 0
		m.staleForced.Add(1)
		m.logWarn("handshake stale, reopening", "state", state.String(), "ticks", m.staleAckTicks)
		m.open(ctx, state)
		return ActionOpen

	default:
		return ActionNone
	}
}

func (m *Monitor) open(ctx context.Context, from bridge.State) {
	m.opens.Add(1)
	if err := m.bridge.Open(ctx); err != nil {
		m.openFailures.Add(1)
		if errors.Is(err, bridge.ErrSuperseded) {
			m.logDebug("open superseded", "from", from.String())
			return
		}
		m.logWarn("reconnect attempt failed", "from", from.String(), "error", err)
		return
	}
	m.logDebug("open sent", "from", from.String())
}

// Stats returns a snapshot of the monitor counters.
func (m *Monitor) Stats() Stats {
	return Stats{
		Ticks:        m.ticks.Load(),
		Opens:        m.opens.Load(),
		OpenFailures: m.openFailures.Load(),
		Pings:        m.pings.Load(),
		PingFailures: m.pingFailures.Load(),
		Skipped:      m.skipped.Load(),
		StaleForced:  m.staleForced.Load(),
	}
}

func (m *Monitor) logDebug(msg string, keysAndValues ...any) {
	if m.logger != nil {
		m.logger.Debug(msg, keysAndValues...)
	}
}

func (m *Monitor) logInfo(msg string, keysAndValues ...any) {
	if m.logger != nil {
		m.logger.Info(msg, keysAndValues...)
	}
}

func (m *Monitor) logWarn(msg string, keysAndValues ...any) {
	if m.logger != nil {
		m.logger.Warn(msg, keysAndValues...)
	}
}
