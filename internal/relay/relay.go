package relay

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-mqttsync/internal/bridge"
	"github.com/nerrad567/gray-logic-mqttsync/internal/entity"
)

// Broadcast channels.
const (
	ChannelEntityUpdated    = "entity.updated"
	ChannelBridgeState      = "bridge.state"
	ChannelMessageUnmatched = "message.unmatched"
	ChannelCommandSent      = "command.sent"
)

// defaultSaveTimeout bounds one store write from the notifier.
const defaultSaveTimeout = 5 * time.Second

// ErrInvalidOptions is returned by New for unusable options.
var ErrInvalidOptions = errors.New("relay: invalid options")

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Bridge is the part of the bridge client the relay consumes.
type Bridge interface {
	Events() <-chan bridge.Event
	Publish(ctx context.Context, topic string, payload []byte, retain bool) error
	State() bridge.State
}

// Store persists accepted updates.
type Store interface {
	Save(ctx context.Context, u entity.Update) error
	LoadAll(ctx context.Context) ([]entity.Record, error)
}

// Exporter receives accepted updates for time-series storage. Writes must
// not block.
type Exporter interface {
	WriteEntityValue(entityID, topic string, value any, ts time.Time)
}

// Broadcaster fans events out to live clients.
type Broadcaster interface {
	Broadcast(channel string, payload any)
}

// Options configures a Relay. Only Bridge is required.
type Options struct {
	Bridge      Bridge
	Store       Store
	Exporter    Exporter
	Broadcaster Broadcaster
	Logger      Logger

	// SaveTimeout bounds each store write. Default: 5 seconds.
	SaveTimeout time.Duration
}

// CommandResult describes a published command.
type CommandResult struct {
	ID       string `json:"id"`
	EntityID string `json:"entity_id"`
	Topic    string `json:"topic"`
	Payload  string `json:"payload"`
	Retain   bool   `json:"retain"`
}

// Stats holds relay counters.
type Stats struct {
	Messages        uint64
	Updates         uint64
	Unmatched       uint64
	SaveFailures    uint64
	Commands        uint64
	CommandFailures uint64
}

// Relay owns the bridge event stream. It feeds inbound messages to the
// synchronizer, fans accepted updates out to the store, the exporter and
// live clients, and turns command requests into publishes.
type Relay struct {
	bridge      Bridge
	sync        *entity.Synchronizer
	store       Store
	exporter    Exporter
	broadcaster Broadcaster
	logger      Logger
	saveTimeout time.Duration

	messages        atomic.Uint64
	updates         atomic.Uint64
	unmatched       atomic.Uint64
	saveFailures    atomic.Uint64
	commands        atomic.Uint64
	commandFailures atomic.Uint64
}

// New creates a relay and the synchronizer for defs, with the relay as its
// notifier.
func New(defs []entity.Definition, opts Options) (*Relay, error) {
	if opts.Bridge == nil {
		return nil, fmt.Errorf("%w: bridge is required", ErrInvalidOptions)
	}
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = defaultSaveTimeout
	}

	r := &Relay{
		bridge:      opts.Bridge,
		store:       opts.Store,
		exporter:    opts.Exporter,
		broadcaster: opts.Broadcaster,
		logger:      opts.Logger,
		saveTimeout: opts.SaveTimeout,
	}

	var syncLogger entity.Logger
	if opts.Logger != nil {
		syncLogger = opts.Logger
	}
	s, err := entity.New(defs, entity.Options{Notifier: r.notify, Logger: syncLogger})
	if err != nil {
		return nil, err
	}
	r.sync = s
	return r, nil
}

// Synchronizer returns the entity model fed by this relay.
func (r *Relay) Synchronizer() *entity.Synchronizer {
	return r.sync
}

// Restore seeds the synchronizer from the store. It returns the number of
// entities restored.
func (r *Relay) Restore(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	records, err := r.store.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading entity state: %w", err)
	}
	n := r.sync.Restore(records)
	r.logInfo("entity state restored", "entities", n, "records", len(records))
	return n, nil
}

// Run consumes bridge events until ctx is cancelled. Entities still dirty
// on exit get one final flush.
func (r *Relay) Run(ctx context.Context) {
	events := r.bridge.Events()
	for {
		select {
		case <-ctx.Done():
			if n := r.sync.FlushDirty(); n > 0 {
				r.logInfo("flushed pending entity updates", "count", n)
			}
			return
		case ev := <-events:
			r.handleEvent(ev)
		}
	}
}

func (r *Relay) handleEvent(ev bridge.Event) {
	switch ev.Kind {
	case bridge.EventMessage:
		r.handleMessage(ev.Topic, ev.Payload, ev.Retain)

	case bridge.EventConnected:
		r.logInfo("bridge connected")
		r.broadcastState(ev, "")
		if n := r.sync.FlushDirty(); n > 0 {
			r.logInfo("flushed pending entity updates", "count", n)
		}

	case bridge.EventConnectRefused:
		r.logWarn("bridge connection refused", "status", ev.Status, "reason", ev.Reason)
		r.broadcastState(ev, ev.Reason)

	case bridge.EventDisconnected:
		reason := ""
		if ev.Err != nil {
			reason = ev.Err.Error()
		}
		r.logWarn("bridge disconnected", "reason", reason)
		r.broadcastState(ev, reason)

	case bridge.EventSubscribed:
		r.logDebug("subscriptions granted", "granted", ev.Granted)
	}
}

func (r *Relay) handleMessage(topic string, payload []byte, retain bool) {
	r.messages.Add(1)

	res := r.sync.Apply(topic, payload)
	r.updates.Add(uint64(len(res.Updates)))
	if res.Matched > 0 {
		return
	}

	r.unmatched.Add(1)
	r.logDebug("unmatched message", "topic", topic, "bytes", len(payload), "opaque", res.Opaque)
	r.broadcast(ChannelMessageUnmatched, map[string]any{
		"topic":   topic,
		"payload": string(payload),
		"retain":  retain,
	})
}

// notify is the synchronizer's notifier. A store failure keeps the entity
// dirty so it is retried on the next flush.
func (r *Relay) notify(u entity.Update) error {
	if r.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), r.saveTimeout)
		err := r.store.Save(ctx, u)
		cancel()
		if err != nil {
			r.saveFailures.Add(1)
			r.logError("saving entity update failed", err, "entity_id", u.EntityID)
			return err
		}
	}

	if r.exporter != nil {
		r.exporter.WriteEntityValue(u.EntityID, u.Topic, u.Value, u.At)
	}
	r.broadcast(ChannelEntityUpdated, u)
	return nil
}

// SendCommand builds the command for entity id and publishes it. The
// returned id correlates the request with log lines.
//
// Returns:
//   - error: entity.ErrUnknownEntity, entity.ErrNotCommandable or
//     entity.ErrInvalidValue for bad requests, bridge.ErrDropped when the
//     session is not connected
func (r *Relay) SendCommand(ctx context.Context, id string, value any) (CommandResult, error) {
	cmd, err := r.sync.BuildCommand(id, value)
	if err != nil {
		return CommandResult{}, err
	}

	res := CommandResult{
		ID:       uuid.NewString(),
		EntityID: cmd.EntityID,
		Topic:    cmd.Topic,
		Payload:  string(cmd.Payload),
		Retain:   cmd.Retain,
	}

	r.commands.Add(1)
	if err := r.bridge.Publish(ctx, cmd.Topic, cmd.Payload, cmd.Retain); err != nil {
		r.commandFailures.Add(1)
		r.logWarn("command not published", "command_id", res.ID, "entity_id", id, "error", err)
		return res, err
	}

	r.logInfo("command published", "command_id", res.ID, "entity_id", id, "topic", cmd.Topic)
	r.broadcast(ChannelCommandSent, res)
	return res, nil
}

// Stats returns a snapshot of the relay counters.
func (r *Relay) Stats() Stats {
	return Stats{
		Messages:        r.messages.Load(),
		Updates:         r.updates.Load(),
		Unmatched:       r.unmatched.Load(),
		SaveFailures:    r.saveFailures.Load(),
		Commands:        r.commands.Load(),
		CommandFailures: r.commandFailures.Load(),
	}
}

func (r *Relay) broadcastState(ev bridge.Event, reason string) {
	r.broadcast(ChannelBridgeState, map[string]any{
		"event":  ev.Kind.String(),
		"state":  r.bridge.State().String(),
		"reason": reason,
	})
}

func (r *Relay) broadcast(channel string, payload any) {
	if r.broadcaster != nil {
		r.broadcaster.Broadcast(channel, payload)
	}
}

func (r *Relay) logDebug(msg string, keysAndValues ...any) {
	if r.logger != nil {
		r.logger.Debug(msg, keysAndValues...)
	}
}

func (r *Relay) logInfo(msg string, keysAndValues ...any) {
	if r.logger != nil {
		r.logger.Info(msg, keysAndValues...)
	}
}

func (r *Relay) logWarn(msg string, keysAndValues ...any) {
	if r.logger != nil {
		r.logger.Warn(msg, keysAndValues...)
	}
}

func (r *Relay) logError(msg string, err error, keysAndValues ...any) {
	if r.logger != nil {
		r.logger.Error(msg, append(keysAndValues, "error", err)...)
	}
}
