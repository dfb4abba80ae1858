package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/collabhub/internal/store"
)

// SessionState is the lifecycle position of a Session.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateAuthenticated
	StateActive
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("SessionState(%d)", int32(s))
	}
}

const maxRoomNameLength = 64

// Session drives one accepted socket from handshake to cleanup. It is the
// only reader of its socket.
type Session struct {
	hub    *Hub
	socket Socket
	log    *zap.Logger

	state    atomic.Int32
	identity Identity
	limiter  *rate.Limiter

	mu          sync.Mutex
	conn        *wsConn
	currentRoom string

	closeOnce sync.Once
}

func newSession(h *Hub, socket Socket) *Session {
	s := &Session{
		hub:    h,
		socket: socket,
		log:    h.log.Named("session"),
	}
	if h.cfg.RateBurst > 0 && h.cfg.RateInterval > 0 {
		s.limiter = rate.NewLimiter(rate.Every(h.cfg.RateInterval), h.cfg.RateBurst)
	}
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) setState(st SessionState) {
	s.state.Store(int32(st))
}

// Identity returns the verified identity. It is zero before authentication.
func (s *Session) Identity() Identity {
	return s.identity
}

// Room returns the room the session currently receives broadcasts from.
func (s *Session) Room() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentRoom
}

func (s *Session) setRoom(room string) {
	s.mu.Lock()
	s.currentRoom = room
	s.mu.Unlock()
}

func (s *Session) connection() *wsConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Run authenticates the peer with token, activates the session and reads
// frames until the socket fails, ctx is cancelled or Close is called.
func (s *Session) Run(ctx context.Context, token string) error {
	s.setState(StateConnecting)
	if err := s.authenticate(ctx, token); err != nil {
		return err
	}

	s.activate(ctx)
	stop := context.AfterFunc(ctx, func() {
		s.closeWith(CloseGoingAway, "server shutting down")
	})
	defer stop()

	s.readLoop(ctx)
	s.Close()
	<-s.conn.Done()
	return nil
}

func (s *Session) authenticate(ctx context.Context, token string) error {
	id, err := s.hub.verifier.Verify(ctx, token)
	if err == nil && id.UserID == 0 {
		err = errors.New("token carries no user id")
	}
	if err != nil {
		s.hub.metrics.AuthFailures.Inc()
		s.log.Info("handshake refused", zap.Error(err))
		rejectSocket(s.socket, ClosePolicyViolation, "authentication failed")
		s.setState(StateClosed)
		return fmt.Errorf("%w: %w", ErrAuthentication, err)
	}
	s.identity = id
	s.log = s.log.With(zap.Int64("user_id", id.UserID), zap.String("username", id.Username))
	s.setState(StateAuthenticated)
	return nil
}

func (s *Session) activate(ctx context.Context) {
	h := s.hub
	conn := newWSConn(uuid.NewString(), s.identity.UserID, s.socket, h.cfg.SendBufferSize, h.cfg.WriteTimeout, pingPeriodFor(h.cfg.PongWait), h.log)
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.log = s.log.With(zap.String("conn_id", s.conn.ID()))

	previous := h.presence.Register(s.conn)
	h.rooms.Join(h.cfg.DefaultRoom, s.conn)
	s.setRoom(h.cfg.DefaultRoom)
	if previous != nil {
		h.rooms.Remove(previous)
		previous.Close(CloseReplaced, "replaced by a newer connection")
		s.log.Info("replaced previous connection", zap.String("previous_conn_id", previous.ID()))
	}
	s.setState(StateActive)
	s.log.Info("session active", zap.String("room", h.cfg.DefaultRoom))

	h.dispatcher.BroadcastPresence(s.identity, true, s.conn)
	h.setOnline(ctx, s.identity.UserID, true)

	s.reply(ConnectionEvent{
		Type:         EventConnection,
		Message:      "connected",
		UserID:       s.identity.UserID,
		ConnectionID: s.conn.ID(),
		Room:         h.cfg.DefaultRoom,
	})
	s.reply(OnlineUsersEvent{Type: EventOnlineUsers, Users: h.Online(ctx)})
	s.sendHistory(ctx)
}

func (s *Session) sendHistory(ctx context.Context) {
	h := s.hub
	if h.cfg.HistoryLimit <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, h.cfg.CollaboratorTimeout)
	defer cancel()

	msgs, err := h.messages.RecentMessages(ctx, s.identity.UserID, h.cfg.HistoryLimit)
	if err != nil {
		s.log.Warn("load message history", zap.Error(err))
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	s.reply(MessageHistoryEvent{Type: EventMessageHistory, Messages: msgs})
}

// reply writes ev to this session's own connection only.
func (s *Session) reply(ev Event) {
	payload, err := encodeEvent(ev)
	if err != nil {
		s.log.Error("drop reply", zap.Error(err))
		return
	}
	s.hub.dispatcher.deliver(s.conn, payload, ev.EventType())
}

func (s *Session) readLoop(ctx context.Context) {
	for {
		_, data, err := s.socket.ReadMessage()
		if err != nil {
			s.logReadError(err)
			return
		}
		if s.limiter != nil && !s.limiter.Allow() {
			s.hub.metrics.RateLimited.Inc()
			s.log.Debug("rate limit exceeded, discarding frame")
			continue
		}
		s.handleFrame(ctx, data)
	}
}

func (s *Session) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		s.log.Info("frame exceeded maximum size", zap.Error(err))
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		s.log.Debug("peer disconnected", zap.Error(err))
	case isExpectedCloseError(err):
		s.log.Debug("connection closed", zap.Error(err))
	default:
		s.log.Info("read failed", zap.Error(err))
	}
}

func (s *Session) handleFrame(ctx context.Context, data []byte) {
	var frame InboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.hub.metrics.DecodeFailures.Inc()
		s.log.Warn("drop frame", zap.Error(fmt.Errorf("%w: %w", ErrDecode, err)))
		return
	}

	switch frame.Type {
	case FrameChatMessage:
		if s.validReceiver(frame) {
			s.handleChatMessage(ctx, frame)
		}
	case FrameTyping:
		if s.validReceiver(frame) {
			s.handleTyping(frame)
		}
	case FrameJoinRoom:
		s.handleJoinRoom(frame)
	case FramePing:
		s.reply(PongEvent{Type: EventPong, Timestamp: time.Now().UTC()})
	default:
		s.log.Debug("ignoring unknown frame type", zap.String("type", string(frame.Type)))
	}
}

// validReceiver rejects a receiver_id that cannot name a user.
func (s *Session) validReceiver(frame InboundFrame) bool {
	if frame.ReceiverID == nil || *frame.ReceiverID > 0 {
		return true
	}
	s.hub.metrics.DecodeFailures.Inc()
	s.log.Warn("drop frame", zap.String("type", string(frame.Type)),
		zap.Error(fmt.Errorf("%w: receiver_id %d", ErrDecode, *frame.ReceiverID)))
	return false
}

func (s *Session) handleChatMessage(ctx context.Context, frame InboundFrame) {
	h := s.hub
	content := strings.TrimSpace(frame.Content)
	if content == "" {
		s.log.Debug("drop empty chat message")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, h.cfg.CollaboratorTimeout)
	defer cancel()
	msg, err := h.messages.InsertMessage(ctx, store.NewMessage{
		Content:        content,
		SenderID:       s.identity.UserID,
		SenderName:     s.identity.DisplayName(),
		SenderUsername: s.identity.Username,
		ReceiverID:     frame.ReceiverID,
		MessageType:    frame.MessageType,
		FilePath:       frame.FilePath,
	})
	if err != nil {
		h.metrics.PersistenceFailures.Inc()
		s.log.Warn("drop chat message", zap.Error(fmt.Errorf("%w: %w", ErrPersistence, err)))
		return
	}

	ev := NewMessageEvent(msg)
	if msg.IsPrivate() {
		h.deliverPrivate(msg.SenderID, *msg.ReceiverID, ev)
		return
	}
	h.dispatcher.BroadcastToRoom(s.Room(), ev, nil)
}

func (s *Session) handleTyping(frame InboundFrame) {
	ev := TypingEvent{
		Type:     EventTyping,
		UserID:   s.identity.UserID,
		Username: s.identity.Username,
		IsTyping: frame.IsTyping,
	}
	if frame.ReceiverID != nil {
		if *frame.ReceiverID != s.identity.UserID {
			s.hub.dispatcher.SendToUser(*frame.ReceiverID, ev)
		}
		return
	}
	s.hub.dispatcher.BroadcastToRoom(s.Room(), ev, s.conn)
}

func (s *Session) handleJoinRoom(frame InboundFrame) {
	room := strings.TrimSpace(frame.Room)
	if room == "" {
		room = s.hub.cfg.DefaultRoom
	}
	if len(room) > maxRoomNameLength {
		s.log.Debug("drop join_room with oversized name", zap.Int("length", len(room)))
		return
	}

	previous := s.hub.rooms.Join(room, s.conn)
	s.setRoom(room)
	if previous != room {
		s.log.Debug("joined room", zap.String("room", room), zap.String("previous", previous))
	}
	s.reply(RoomJoinedEvent{Type: EventRoomJoined, Room: room, Previous: previous})
}

// Close ends the session with a normal closure. It is safe to call any number
// of times from any goroutine; before activation it does nothing.
func (s *Session) Close() {
	s.closeWith(CloseNormal, "")
}

func (s *Session) closeWith(code int, reason string) {
	conn := s.connection()
	if conn == nil {
		return
	}
	s.closeOnce.Do(func() {
		s.setState(StateClosing)
		h := s.hub

		h.presence.UnregisterConn(conn)
		h.rooms.Remove(conn)
		conn.Close(code, reason)

		// A newer connection for the same user keeps them online, and once it
		// has taken over the offline event is its to send.
		_, superseded := h.presence.Lookup(s.identity.UserID)
		if !superseded && !conn.wasReplaced() {
			h.dispatcher.BroadcastPresence(s.identity, false, conn)
			h.setOnline(context.Background(), s.identity.UserID, false)
		}

		s.setState(StateClosed)
		s.log.Info("session closed", zap.Int("code", code))
	})
}
