package realtime

import (
	"time"

	"github.com/Tyrowin/collabhub/internal/store"
)

// EventType is the "type" discriminator of every frame.
type EventType string

// Outbound event types.
const (
	EventNewMessage     EventType = "new_message"
	EventMessageUpdated EventType = "message_updated"
	EventMessageDeleted EventType = "message_deleted"
	EventTyping         EventType = "typing"
	EventUserStatus     EventType = "user_status"
	EventNotification   EventType = "notification"
	EventReactionUpdate EventType = "reaction_update"
	EventConnection     EventType = "connection"
	EventOnlineUsers    EventType = "online_users"
	EventMessageHistory EventType = "message_history"
	EventRoomJoined     EventType = "room_joined"
	EventPong           EventType = "pong"
)

// Inbound frame types.
const (
	FrameChatMessage EventType = "chat_message"
	FrameTyping      EventType = "typing"
	FrameJoinRoom    EventType = "join_room"
	FramePing        EventType = "ping"
)

// Event is anything the dispatcher can encode and deliver.
type Event interface {
	EventType() EventType
}

// MessageEvent carries a full message for new_message and message_updated.
type MessageEvent struct {
	Type    EventType     `json:"type"`
	Message store.Message `json:"message"`
}

func (e MessageEvent) EventType() EventType { return e.Type }

// NewMessageEvent wraps a freshly persisted message.
func NewMessageEvent(m store.Message) MessageEvent {
	return MessageEvent{Type: EventNewMessage, Message: m}
}

// MessageUpdatedEvent wraps an edited message.
func MessageUpdatedEvent(m store.Message) MessageEvent {
	return MessageEvent{Type: EventMessageUpdated, Message: m}
}

type MessageDeletedEvent struct {
	Type      EventType `json:"type"`
	MessageID int64     `json:"message_id"`
}

func (e MessageDeletedEvent) EventType() EventType { return EventMessageDeleted }

type TypingEvent struct {
	Type     EventType `json:"type"`
	UserID   int64     `json:"user_id"`
	Username string    `json:"username"`
	IsTyping bool      `json:"is_typing"`
}

func (e TypingEvent) EventType() EventType { return EventTyping }

// UserStatusEvent announces that a user came online or went offline.
type UserStatusEvent struct {
	Type      EventType `json:"type"`
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username"`
	FullName  string    `json:"full_name"`
	IsOnline  bool      `json:"is_online"`
	Timestamp time.Time `json:"timestamp"`
}

func (e UserStatusEvent) EventType() EventType { return EventUserStatus }

// Notification is a server-originated alert addressed to one user.
type Notification struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Kind      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type NotificationEvent struct {
	Type         EventType    `json:"type"`
	Notification Notification `json:"notification"`
}

func (e NotificationEvent) EventType() EventType { return EventNotification }

type ReactionUpdateEvent struct {
	Type      EventType        `json:"type"`
	MessageID int64            `json:"message_id"`
	Reactions []store.Reaction `json:"reactions"`
	Action    string           `json:"action"`
	UserName  string           `json:"user_name"`
	Emoji     string           `json:"emoji"`
}

func (e ReactionUpdateEvent) EventType() EventType { return EventReactionUpdate }

// ConnectionEvent is the first frame a session receives after activation.
type ConnectionEvent struct {
	Type         EventType `json:"type"`
	Message      string    `json:"message"`
	UserID       int64     `json:"user_id"`
	ConnectionID string    `json:"connection_id"`
	Room         string    `json:"room"`
}

func (e ConnectionEvent) EventType() EventType { return EventConnection }

type OnlineUser struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type OnlineUsersEvent struct {
	Type  EventType    `json:"type"`
	Users []OnlineUser `json:"users"`
}

func (e OnlineUsersEvent) EventType() EventType { return EventOnlineUsers }

type MessageHistoryEvent struct {
	Type     EventType       `json:"type"`
	Messages []store.Message `json:"messages"`
}

func (e MessageHistoryEvent) EventType() EventType { return EventMessageHistory }

type RoomJoinedEvent struct {
	Type     EventType `json:"type"`
	Room     string    `json:"room"`
	Previous string    `json:"previous,omitempty"`
}

func (e RoomJoinedEvent) EventType() EventType { return EventRoomJoined }

type PongEvent struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func (e PongEvent) EventType() EventType { return EventPong }

// InboundFrame is the union of every field a client may send. Only the fields
// relevant to Type are read.
type InboundFrame struct {
	Type        EventType `json:"type"`
	Content     string    `json:"content"`
	ReceiverID  *int64    `json:"receiver_id"`
	MessageType string    `json:"message_type"`
	FilePath    string    `json:"file_path"`
	IsTyping    bool      `json:"is_typing"`
	Room        string    `json:"room"`
}
