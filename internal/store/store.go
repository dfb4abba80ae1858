// Package store persists chat messages and exposes the user directory that the
// real-time layer consults for display names and online flags.
//
// Two implementations are provided: Postgres, backed by a pgx connection pool,
// and Memory, used when no database is configured and throughout the tests.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a user or message does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrForbidden is returned when the acting user may not modify a message.
	ErrForbidden = errors.New("store: forbidden")
)

// Reaction actions reported by ToggleReaction.
const (
	ReactionAdded   = "added"
	ReactionRemoved = "removed"
)

// User is a row of the user directory.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	FullName string `json:"full_name"`
	Role     string `json:"access_level"`
	Active   bool   `json:"is_active"`
	Online   bool   `json:"is_online"`
}

// DisplayName prefers the full name and falls back to the username.
func (u User) DisplayName() string {
	if u.FullName != "" {
		return u.FullName
	}
	return u.Username
}

// Reaction aggregates every user that reacted to a message with one emoji.
type Reaction struct {
	Emoji   string   `json:"emoji"`
	Count   int      `json:"count"`
	Users   []string `json:"users"`
	UserIDs []int64  `json:"user_ids"`
}

// Message is a persisted chat message as it is sent to clients.
type Message struct {
	ID             int64      `json:"id"`
	Content        string     `json:"content"`
	SenderID       int64      `json:"sender_id"`
	SenderName     string     `json:"sender_name"`
	SenderUsername string     `json:"sender_username"`
	ReceiverID     *int64     `json:"receiver_id"`
	MessageType    string     `json:"message_type"`
	FilePath       string     `json:"file_path,omitempty"`
	IsEdited       bool       `json:"is_edited"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      *time.Time `json:"updated_at,omitempty"`
	Reactions      []Reaction `json:"reactions"`
}

// IsPrivate reports whether the message is addressed to a single receiver.
func (m Message) IsPrivate() bool {
	return m.ReceiverID != nil
}

// NewMessage is the input of InsertMessage. SenderName and SenderUsername are
// hints used by stores that cannot join against a users table.
type NewMessage struct {
	Content        string
	SenderID       int64
	SenderName     string
	SenderUsername string
	ReceiverID     *int64
	MessageType    string
	FilePath       string
}

// ReactionResult is the outcome of toggling a reaction.
type ReactionResult struct {
	Message   Message
	Action    string
	Reactions []Reaction
}

// Store is the full persistence surface used by the server.
type Store interface {
	InsertMessage(ctx context.Context, msg NewMessage) (Message, error)
	RecentMessages(ctx context.Context, userID int64, limit int) ([]Message, error)
	GetMessage(ctx context.Context, id int64) (Message, error)
	UpdateMessage(ctx context.Context, id, editorID int64, content string) (Message, error)
	DeleteMessage(ctx context.Context, id, actorID int64, admin bool) (Message, error)
	ToggleReaction(ctx context.Context, messageID, userID int64, emoji string) (ReactionResult, error)

	User(ctx context.Context, id int64) (User, error)
	DisplayName(ctx context.Context, id int64) (string, error)
	SetOnline(ctx context.Context, id int64, online bool) error

	Ping(ctx context.Context) error
	Close()
}

// defaultMessageType is applied when a client omits message_type.
const defaultMessageType = "text"

func messageType(t string) string {
	if t == "" {
		return defaultMessageType
	}
	return t
}

var errInsertDisabled = errors.New("store: inserts disabled")
