package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tyrowin/collabhub/internal/metrics"
)

// Dispatcher delivers events to users and rooms. Destinations are
// snapshotted before any write and every write is a non-blocking enqueue, so a
// dead or slow peer is pruned instead of delaying the others.
type Dispatcher struct {
	presence    *Presence
	rooms       *RoomIndex
	defaultRoom string

	relay          Relay
	relayTopic     string
	origin         string
	publishTimeout time.Duration

	metrics *metrics.Collectors
	log     *zap.Logger
	now     func() time.Time
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	DefaultRoom    string
	Relay          Relay
	RelayTopic     string
	Origin         string
	PublishTimeout time.Duration
	Metrics        *metrics.Collectors
	Logger         *zap.Logger
}

// NewDispatcher builds a dispatcher over the given registries.
func NewDispatcher(presence *Presence, rooms *RoomIndex, opts DispatcherOptions) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 2 * time.Second
	}
	return &Dispatcher{
		presence:       presence,
		rooms:          rooms,
		defaultRoom:    opts.DefaultRoom,
		relay:          opts.Relay,
		relayTopic:     opts.RelayTopic,
		origin:         opts.Origin,
		publishTimeout: opts.PublishTimeout,
		metrics:        opts.Metrics,
		log:            opts.Logger.Named("dispatcher"),
		now:            time.Now,
	}
}

func encodeEvent(ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s event", ev.EventType())
	}
	return payload, nil
}

// deliver queues a private copy of payload on c. A failed enqueue prunes c.
func (d *Dispatcher) deliver(c Conn, payload []byte, typ EventType) bool {
	if err := c.Send(bytes.Clone(payload)); err != nil {
		d.log.Info("delivery failed, pruning connection",
			zap.String("conn_id", c.ID()),
			zap.Int64("user_id", c.UserID()),
			zap.String("type", string(typ)),
			zap.Error(fmt.Errorf("%w: %w", ErrDelivery, err)))
		d.metrics.DeliveryFailures.Inc()
		d.Prune(c)
		return false
	}
	d.metrics.EventsDelivered.WithLabelValues(string(typ)).Inc()
	return true
}

// SendToUser delivers ev to the live connection of userID. It returns false
// when the user is offline or the write failed.
func (d *Dispatcher) SendToUser(userID int64, ev Event) bool {
	c, ok := d.presence.Lookup(userID)
	if !ok {
		return false
	}
	payload, err := encodeEvent(ev)
	if err != nil {
		d.log.Error("drop event", zap.Error(err))
		return false
	}
	return d.deliver(c, payload, ev.EventType())
}

// BroadcastToRoom delivers ev to every member of room except exclude and
// returns how many members it reached. The event is then mirrored to the
// relay, if any.
func (d *Dispatcher) BroadcastToRoom(room string, ev Event, exclude Conn) int {
	payload, err := encodeEvent(ev)
	if err != nil {
		d.log.Error("drop event", zap.Error(err))
		return 0
	}

	var excludeID string
	var excludeUser int64
	if exclude != nil {
		excludeID = exclude.ID()
		excludeUser = exclude.UserID()
	}

	delivered := d.fanOut(room, payload, ev.EventType(), func(c Conn) bool {
		return c.ID() == excludeID
	})
	d.publish(room, payload, excludeUser)
	return delivered
}

func (d *Dispatcher) fanOut(room string, payload []byte, typ EventType, skip func(Conn) bool) int {
	delivered := 0
	for _, c := range d.rooms.Members(room) {
		if skip(c) {
			continue
		}
		if d.deliver(c, payload, typ) {
			delivered++
		}
	}
	return delivered
}

// BroadcastPresence announces that id came online or went offline to the
// default room. The subject connection, if still a member, is skipped.
func (d *Dispatcher) BroadcastPresence(id Identity, online bool, subject Conn) int {
	return d.BroadcastToRoom(d.defaultRoom, UserStatusEvent{
		Type:      EventUserStatus,
		UserID:    id.UserID,
		Username:  id.Username,
		FullName:  id.FullName,
		IsOnline:  online,
		Timestamp: d.now().UTC(),
	}, subject)
}

// Prune removes c from every index it is known to and closes it. The owning
// session notices the closed socket and finishes its own cleanup.
func (d *Dispatcher) Prune(c Conn) {
	d.presence.UnregisterConn(c)
	d.rooms.Remove(c)
	c.Close(CloseGoingAway, "delivery failed")
}

func (d *Dispatcher) publish(room string, payload []byte, excludeUser int64) {
	if d.relay == nil {
		return
	}
	data, err := json.Marshal(RelayEnvelope{
		Origin:        d.origin,
		Room:          room,
		ExcludeUserID: excludeUser,
		Event:         payload,
	})
	if err != nil {
		d.log.Error("encode relay envelope", zap.Error(err))
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.publishTimeout)
		defer cancel()
		if err := d.relay.Publish(ctx, d.relayTopic, data); err != nil {
			d.metrics.RelayErrors.Inc()
			d.log.Warn("relay publish failed", zap.String("room", room), zap.Error(err))
		}
	}()
}

// HandleRelay delivers an envelope received from another instance to the
// local members of its room. It never re-publishes.
func (d *Dispatcher) HandleRelay(data []byte) int {
	var env RelayEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		d.metrics.RelayErrors.Inc()
		d.log.Warn("drop relay envelope", zap.Error(errors.Wrap(err, "decode envelope")))
		return 0
	}
	if env.Origin == d.origin || env.Room == "" || len(env.Event) == 0 {
		return 0
	}

	var head struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(env.Event, &head); err != nil {
		d.metrics.RelayErrors.Inc()
		d.log.Warn("drop relay event", zap.Error(errors.Wrap(err, "decode event type")))
		return 0
	}

	return d.fanOut(env.Room, env.Event, head.Type, func(c Conn) bool {
		return env.ExcludeUserID != 0 && c.UserID() == env.ExcludeUserID
	})
}
