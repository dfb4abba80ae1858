package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memReaction struct {
	userID int64
	emoji  string
}

// Memory is an in-process Store. It backs the server when no database is
// configured and is the store used by tests.
type Memory struct {
	mu        sync.RWMutex
	users     map[int64]User
	messages  map[int64]Message
	order     []int64
	reactions map[int64][]memReaction
	nextID    int64
	now       func() time.Time
	failWrite bool
}

// NewMemory returns an empty store seeded with users.
func NewMemory(users ...User) *Memory {
	m := &Memory{
		users:     make(map[int64]User),
		messages:  make(map[int64]Message),
		reactions: make(map[int64][]memReaction),
		now:       time.Now,
	}
	for _, u := range users {
		m.users[u.ID] = u
	}
	return m
}

// AddUser inserts or replaces a directory entry.
func (m *Memory) AddUser(u User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

// FailInserts makes subsequent InsertMessage calls fail.
func (m *Memory) FailInserts(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrite = fail
}

// InsertMessage stores msg. Unknown senders are added to the directory from
// the name hints so later lookups resolve.
func (m *Memory) InsertMessage(_ context.Context, msg NewMessage) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWrite {
		return Message{}, errInsertDisabled
	}

	sender, ok := m.users[msg.SenderID]
	if !ok {
		sender = User{ID: msg.SenderID, Username: msg.SenderUsername, FullName: msg.SenderName, Active: true}
		m.users[sender.ID] = sender
	}

	m.nextID++
	stored := Message{
		ID:             m.nextID,
		Content:        msg.Content,
		SenderID:       msg.SenderID,
		SenderName:     sender.DisplayName(),
		SenderUsername: sender.Username,
		ReceiverID:     msg.ReceiverID,
		MessageType:    messageType(msg.MessageType),
		FilePath:       msg.FilePath,
		CreatedAt:      m.now().UTC(),
		Reactions:      []Reaction{},
	}
	m.messages[stored.ID] = stored
	m.order = append(m.order, stored.ID)
	return stored, nil
}

// RecentMessages returns up to limit messages visible to userID, oldest first.
func (m *Memory) RecentMessages(_ context.Context, userID int64, limit int) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Message
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		msg, ok := m.messages[m.order[i]]
		if !ok {
			continue
		}
		if msg.ReceiverID != nil && msg.SenderID != userID && *msg.ReceiverID != userID {
			continue
		}
		out = append(out, m.withReactions(msg))
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (m *Memory) withReactions(msg Message) Message {
	msg.Reactions = []Reaction{}
	for _, r := range m.reactions[msg.ID] {
		msg.Reactions = addReaction(msg.Reactions, r.emoji, r.userID, m.users[r.userID].DisplayName())
	}
	return msg
}

// GetMessage loads a single message.
func (m *Memory) GetMessage(_ context.Context, id int64) (Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	return m.withReactions(msg), nil
}

// UpdateMessage replaces the content of a message. Only the sender may edit.
func (m *Memory) UpdateMessage(_ context.Context, id, editorID int64, content string) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	if msg.SenderID != editorID {
		return Message{}, ErrForbidden
	}
	now := m.now().UTC()
	msg.Content = content
	msg.IsEdited = true
	msg.UpdatedAt = &now
	m.messages[id] = msg
	return m.withReactions(msg), nil
}

// DeleteMessage removes a message. The sender or an admin may delete.
func (m *Memory) DeleteMessage(_ context.Context, id, actorID int64, admin bool) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	if msg.SenderID != actorID && !admin {
		return Message{}, ErrForbidden
	}
	deleted := m.withReactions(msg)
	delete(m.messages, id)
	delete(m.reactions, id)
	return deleted, nil
}

// ToggleReaction adds or removes the user's reaction with emoji.
func (m *Memory) ToggleReaction(_ context.Context, messageID, userID int64, emoji string) (ReactionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok {
		return ReactionResult{}, ErrNotFound
	}

	action := ReactionAdded
	list := m.reactions[messageID]
	for i, r := range list {
		if r.userID == userID && r.emoji == emoji {
			list = append(list[:i], list[i+1:]...)
			action = ReactionRemoved
			break
		}
	}
	if action == ReactionAdded {
		list = append(list, memReaction{userID: userID, emoji: emoji})
	}
	m.reactions[messageID] = list

	msg = m.withReactions(msg)
	return ReactionResult{Message: msg, Action: action, Reactions: msg.Reactions}, nil
}

// User loads a directory entry.
func (m *Memory) User(_ context.Context, id int64) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

// DisplayName returns the name shown next to the user's events.
func (m *Memory) DisplayName(ctx context.Context, id int64) (string, error) {
	u, err := m.User(ctx, id)
	if err != nil {
		return "", err
	}
	return u.DisplayName(), nil
}

// SetOnline records the user's online flag. Unknown users are ignored.
func (m *Memory) SetOnline(_ context.Context, id int64, online bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		u.Online = online
		m.users[id] = u
	}
	return nil
}

// OnlineUsers lists the ids flagged online, in ascending order.
func (m *Memory) OnlineUsers() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []int64
	for id, u := range m.users {
		if u.Online {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *Memory) Close() {}
