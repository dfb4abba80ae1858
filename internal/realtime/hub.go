package realtime

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tyrowin/collabhub/internal/metrics"
	"github.com/Tyrowin/collabhub/internal/store"
)

// HubConfig tunes the sessions run by a Hub. Zero values fall back to
// defaults. A negative HistoryLimit disables the history sent on connect.
// Each connection may send RateBurst frames at once and then one per
// RateInterval; a zero RateBurst disables inbound limiting. PongWait must
// match the read deadline given to PrepareSocket; pings go out at nine tenths
// of it.
type HubConfig struct {
	DefaultRoom         string
	HistoryLimit        int
	SendBufferSize      int
	WriteTimeout        time.Duration
	PongWait            time.Duration
	RateBurst           int
	RateInterval        time.Duration
	RelayTopic          string
	PublishTimeout      time.Duration
	CollaboratorTimeout time.Duration
}

const (
	DefaultRoom           = "general"
	DefaultHistoryLimit   = 50
	DefaultSendBufferSize = 256
	DefaultWriteTimeout   = 10 * time.Second
	DefaultRelayTopic     = "collabhub:broadcast"
)

func (c HubConfig) withDefaults() HubConfig {
	if c.DefaultRoom == "" {
		c.DefaultRoom = DefaultRoom
	}
	if c.HistoryLimit == 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = DefaultSendBufferSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.PongWait <= 0 {
		c.PongWait = defaultPongWait
	}
	if c.RelayTopic == "" {
		c.RelayTopic = DefaultRelayTopic
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 2 * time.Second
	}
	if c.CollaboratorTimeout <= 0 {
		c.CollaboratorTimeout = 5 * time.Second
	}
	return c
}

// Deps are the collaborators of a Hub. Verifier and Messages are required;
// Users, Relay, Metrics and Logger are optional.
type Deps struct {
	Verifier TokenVerifier
	Messages MessageStore
	Users    UserDirectory
	Relay    Relay
	Metrics  *metrics.Collectors
	Logger   *zap.Logger
}

// Hub owns the registries of one server instance and runs its sessions.
type Hub struct {
	cfg HubConfig

	verifier TokenVerifier
	messages MessageStore
	users    UserDirectory
	relay    Relay
	metrics  *metrics.Collectors
	log      *zap.Logger
	origin   string

	presence   *Presence
	rooms      *RoomIndex
	dispatcher *Dispatcher

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closing  bool
	sessions int
	wg       sync.WaitGroup
}

// NewHub wires a hub from its configuration and collaborators.
func NewHub(cfg HubConfig, deps Deps) (*Hub, error) {
	if deps.Verifier == nil {
		return nil, errors.New("realtime: hub needs a token verifier")
	}
	if deps.Messages == nil {
		return nil, errors.New("realtime: hub needs a message store")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}

	cfg = cfg.withDefaults()
	h := &Hub{
		cfg:      cfg,
		verifier: deps.Verifier,
		messages: deps.Messages,
		users:    deps.Users,
		relay:    deps.Relay,
		metrics:  deps.Metrics,
		log:      deps.Logger,
		origin:   uuid.NewString(),
		presence: NewPresence(),
		rooms:    NewRoomIndex(),
	}
	h.presence.observe = func(n int) { h.metrics.OnlineUsers.Set(float64(n)) }
	h.dispatcher = NewDispatcher(h.presence, h.rooms, DispatcherOptions{
		DefaultRoom:    cfg.DefaultRoom,
		Relay:          deps.Relay,
		RelayTopic:     cfg.RelayTopic,
		Origin:         h.origin,
		PublishTimeout: cfg.PublishTimeout,
		Metrics:        deps.Metrics,
		Logger:         deps.Logger,
	})
	h.ctx, h.cancel = context.WithCancel(context.Background())
	return h, nil
}

// Presence exposes the presence registry.
func (h *Hub) Presence() *Presence { return h.presence }

// Rooms exposes the room index.
func (h *Hub) Rooms() *RoomIndex { return h.rooms }

// Dispatcher exposes the dispatcher used by sessions.
func (h *Hub) Dispatcher() *Dispatcher { return h.dispatcher }

// Config returns the effective configuration.
func (h *Hub) Config() HubConfig { return h.cfg }

// ServeWS runs a session over socket until it ends. The token is verified
// before anything is registered.
func (h *Hub) ServeWS(ctx context.Context, socket Socket, token string) error {
	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		rejectSocket(socket, CloseGoingAway, "server shutting down")
		return ErrHubClosed
	}
	h.sessions++
	h.wg.Add(1)
	h.mu.Unlock()
	h.metrics.ActiveSessions.Inc()

	defer func() {
		h.mu.Lock()
		h.sessions--
		h.mu.Unlock()
		h.metrics.ActiveSessions.Dec()
		h.wg.Done()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(h.ctx, cancel)
	defer stop()

	return newSession(h, socket).Run(ctx, token)
}

// Notify pushes a notification to userID. It reports whether the user was
// online and the write was queued.
func (h *Hub) Notify(userID int64, n Notification) bool {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if n.Kind == "" {
		n.Kind = "info"
	}
	return h.dispatcher.SendToUser(userID, NotificationEvent{Type: EventNotification, Notification: n})
}

// MessageUpdated announces an edited message to whoever can see it.
func (h *Hub) MessageUpdated(msg store.Message) int {
	return h.route(msg, MessageUpdatedEvent(msg))
}

// MessageDeleted announces that a message is gone.
func (h *Hub) MessageDeleted(msg store.Message) int {
	return h.route(msg, MessageDeletedEvent{Type: EventMessageDeleted, MessageID: msg.ID})
}

// ReactionUpdated announces a toggled reaction on msg by actor.
func (h *Hub) ReactionUpdated(res store.ReactionResult, actor, emoji string) int {
	reactions := res.Reactions
	if reactions == nil {
		reactions = []store.Reaction{}
	}
	return h.route(res.Message, ReactionUpdateEvent{
		Type:      EventReactionUpdate,
		MessageID: res.Message.ID,
		Reactions: reactions,
		Action:    res.Action,
		UserName:  actor,
		Emoji:     emoji,
	})
}

// route sends events about msg along the same path the message took: both
// participants for a private message, the default room otherwise.
func (h *Hub) route(msg store.Message, ev Event) int {
	if msg.IsPrivate() {
		return h.deliverPrivate(msg.SenderID, *msg.ReceiverID, ev)
	}
	return h.dispatcher.BroadcastToRoom(h.cfg.DefaultRoom, ev, nil)
}

// deliverPrivate sends ev to the receiver and mirrors it to the sender, once
// when both are the same user.
func (h *Hub) deliverPrivate(senderID, receiverID int64, ev Event) int {
	delivered := 0
	if h.dispatcher.SendToUser(receiverID, ev) {
		delivered++
	}
	if senderID != receiverID && h.dispatcher.SendToUser(senderID, ev) {
		delivered++
	}
	return delivered
}

// StartRelay feeds envelopes published by other instances into the local
// dispatcher until ctx is done. It returns immediately without a relay.
func (h *Hub) StartRelay(ctx context.Context) error {
	if h.relay == nil {
		return nil
	}
	ch, err := h.relay.Subscribe(ctx, h.cfg.RelayTopic)
	if err != nil {
		h.metrics.RelayErrors.Inc()
		return errors.Wrapf(err, "subscribe to %s", h.cfg.RelayTopic)
	}
	h.log.Info("relay subscribed", zap.String("topic", h.cfg.RelayTopic), zap.String("origin", h.origin))
	for {
		select {
		case <-ctx.Done():
			return nil
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			h.dispatcher.HandleRelay(data)
		}
	}
}

// Online lists the users with a live connection and their display names.
func (h *Hub) Online(ctx context.Context) []OnlineUser {
	ids := h.presence.Online()
	out := make([]OnlineUser, 0, len(ids))
	for _, id := range ids {
		out = append(out, OnlineUser{ID: id, Name: h.displayName(ctx, id)})
	}
	return out
}

func (h *Hub) displayName(ctx context.Context, userID int64) string {
	if h.users == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, h.cfg.CollaboratorTimeout)
	defer cancel()
	name, err := h.users.DisplayName(ctx, userID)
	if err != nil {
		h.log.Debug("resolve display name", zap.Int64("user_id", userID), zap.Error(err))
		return ""
	}
	return name
}

func (h *Hub) setOnline(ctx context.Context, userID int64, online bool) {
	if h.users == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.cfg.CollaboratorTimeout)
	defer cancel()
	if err := h.users.SetOnline(ctx, userID, online); err != nil {
		h.log.Warn("update online flag", zap.Int64("user_id", userID), zap.Bool("online", online), zap.Error(err))
	}
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	OnlineUsers int            `json:"online_users"`
	Sessions    int            `json:"sessions"`
	Rooms       map[string]int `json:"rooms"`
	RoomNames   []string       `json:"room_names"`
}

// Stats reports online users, running sessions and room sizes.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	sessions := h.sessions
	h.mu.Unlock()

	rooms := h.rooms.Rooms()
	names := make([]string, 0, len(rooms))
	for name := range rooms {
		names = append(names, name)
	}
	sort.Strings(names)
	return Stats{
		OnlineUsers: h.presence.Count(),
		Sessions:    sessions,
		Rooms:       rooms,
		RoomNames:   names,
	}
}

// Shutdown closes every session with a going-away code and waits for them to
// finish. It returns context.DeadlineExceeded if they do not finish within
// timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		return nil
	}
	h.closing = true
	h.mu.Unlock()

	h.log.Info("hub shutting down", zap.Int("online", h.presence.Count()))
	h.cancel()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return context.DeadlineExceeded
	}
}
