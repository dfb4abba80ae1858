package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Schema creates the tables the real-time layer reads and writes. The CRUD
// services own the rest of the schema.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id           BIGSERIAL PRIMARY KEY,
	username     VARCHAR(50)  NOT NULL UNIQUE,
	email        VARCHAR(100) NOT NULL UNIQUE,
	full_name    VARCHAR(100) NOT NULL,
	access_level VARCHAR(20)  NOT NULL DEFAULT 'padrao',
	is_active    BOOLEAN      NOT NULL DEFAULT TRUE,
	is_online    BOOLEAN      NOT NULL DEFAULT FALSE,
	updated_at   TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS messages (
	id           BIGSERIAL PRIMARY KEY,
	content      TEXT        NOT NULL,
	sender_id    BIGINT      NOT NULL REFERENCES users(id),
	receiver_id  BIGINT      REFERENCES users(id),
	message_type VARCHAR(20) NOT NULL DEFAULT 'text',
	file_path    TEXT,
	is_edited    BOOLEAN     NOT NULL DEFAULT FALSE,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at   TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS message_reactions (
	message_id BIGINT      NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	user_id    BIGINT      NOT NULL REFERENCES users(id),
	emoji      VARCHAR(32) NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (message_id, user_id, emoji)
);
`

const messageColumns = `m.id, m.content, m.sender_id, u.full_name, u.username, m.receiver_id,
	m.message_type, COALESCE(m.file_path, ''), m.is_edited, m.created_at, m.updated_at`

// Postgres implements Store on top of a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

// OpenPostgres connects to databaseURL and verifies the connection.
func OpenPostgres(ctx context.Context, databaseURL string, log *zap.Logger) (*Postgres, error) {
	if log == nil {
		log = zap.NewNop()
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	return &Postgres{pool: pool, log: log}, nil
}

// EnsureSchema applies Schema.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, Schema)
	return errors.Wrap(err, "ensure schema")
}

// Ping checks that the pool can reach the database.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

func scanMessage(row pgx.Row) (Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.Content, &m.SenderID, &m.SenderName, &m.SenderUsername, &m.ReceiverID,
		&m.MessageType, &m.FilePath, &m.IsEdited, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	m.Reactions = []Reaction{}
	return m, err
}

// InsertMessage stores msg and returns it with its id, timestamp and sender names.
func (p *Postgres) InsertMessage(ctx context.Context, msg NewMessage) (Message, error) {
	row := p.pool.QueryRow(ctx, `
		WITH m AS (
			INSERT INTO messages (content, sender_id, receiver_id, message_type, file_path)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''))
			RETURNING *
		)
		SELECT `+messageColumns+` FROM m JOIN users u ON u.id = m.sender_id`,
		msg.Content, msg.SenderID, msg.ReceiverID, messageType(msg.MessageType), msg.FilePath)
	m, err := scanMessage(row)
	if err != nil {
		return Message{}, errors.Wrap(err, "insert message")
	}
	return m, nil
}

// RecentMessages returns up to limit messages visible to userID, oldest first.
// Public messages and private messages the user sent or received are visible.
func (p *Postgres) RecentMessages(ctx context.Context, userID int64, limit int) ([]Message, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages m JOIN users u ON u.id = m.sender_id
		WHERE m.receiver_id IS NULL OR m.sender_id = $1 OR m.receiver_id = $1
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query recent messages")
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate messages")
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if err := p.attachReactions(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Postgres) attachReactions(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]int64, len(msgs))
	index := make(map[int64]int, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
		index[m.ID] = i
	}

	rows, err := p.pool.Query(ctx, `
		SELECT r.message_id, r.emoji, r.user_id, u.full_name
		FROM message_reactions r JOIN users u ON u.id = r.user_id
		WHERE r.message_id = ANY($1)
		ORDER BY r.message_id, r.emoji, r.created_at`, ids)
	if err != nil {
		return errors.Wrap(err, "query reactions")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			messageID, userID int64
			emoji, name       string
		)
		if err := rows.Scan(&messageID, &emoji, &userID, &name); err != nil {
			return errors.Wrap(err, "scan reaction")
		}
		i := index[messageID]
		msgs[i].Reactions = addReaction(msgs[i].Reactions, emoji, userID, name)
	}
	return errors.Wrap(rows.Err(), "iterate reactions")
}

// GetMessage loads a single message with its reactions.
func (p *Postgres) GetMessage(ctx context.Context, id int64) (Message, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM messages m JOIN users u ON u.id = m.sender_id
		WHERE m.id = $1`, id)
	m, err := scanMessage(row)
	if err != nil {
		return Message{}, errors.Wrapf(err, "get message %d", id)
	}
	msgs := []Message{m}
	if err := p.attachReactions(ctx, msgs); err != nil {
		return Message{}, err
	}
	return msgs[0], nil
}

// UpdateMessage replaces the content of a message. Only the sender may edit.
func (p *Postgres) UpdateMessage(ctx context.Context, id, editorID int64, content string) (Message, error) {
	current, err := p.GetMessage(ctx, id)
	if err != nil {
		return Message{}, err
	}
	if current.SenderID != editorID {
		return Message{}, ErrForbidden
	}
	_, err = p.pool.Exec(ctx, `
		UPDATE messages SET content = $1, is_edited = TRUE, updated_at = NOW()
		WHERE id = $2`, content, id)
	if err != nil {
		return Message{}, errors.Wrapf(err, "update message %d", id)
	}
	return p.GetMessage(ctx, id)
}

// DeleteMessage removes a message. The sender or an admin may delete.
func (p *Postgres) DeleteMessage(ctx context.Context, id, actorID int64, admin bool) (Message, error) {
	current, err := p.GetMessage(ctx, id)
	if err != nil {
		return Message{}, err
	}
	if current.SenderID != actorID && !admin {
		return Message{}, ErrForbidden
	}
	if _, err := p.pool.Exec(ctx, `DELETE FROM messages WHERE id = $1`, id); err != nil {
		return Message{}, errors.Wrapf(err, "delete message %d", id)
	}
	return current, nil
}

// ToggleReaction adds the reaction if the user has not reacted with emoji yet
// and removes it otherwise.
func (p *Postgres) ToggleReaction(ctx context.Context, messageID, userID int64, emoji string) (ReactionResult, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return ReactionResult{}, errors.Wrap(err, "begin reaction tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM messages WHERE id = $1)`, messageID).Scan(&exists); err != nil {
		return ReactionResult{}, errors.Wrap(err, "check message")
	}
	if !exists {
		return ReactionResult{}, ErrNotFound
	}

	action := ReactionRemoved
	tag, err := tx.Exec(ctx, `
		DELETE FROM message_reactions WHERE message_id = $1 AND user_id = $2 AND emoji = $3`,
		messageID, userID, emoji)
	if err != nil {
		return ReactionResult{}, errors.Wrap(err, "remove reaction")
	}
	if tag.RowsAffected() == 0 {
		action = ReactionAdded
		if _, err := tx.Exec(ctx, `
			INSERT INTO message_reactions (message_id, user_id, emoji) VALUES ($1, $2, $3)`,
			messageID, userID, emoji); err != nil {
			return ReactionResult{}, errors.Wrap(err, "add reaction")
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return ReactionResult{}, errors.Wrap(err, "commit reaction")
	}

	msg, err := p.GetMessage(ctx, messageID)
	if err != nil {
		return ReactionResult{}, err
	}
	return ReactionResult{Message: msg, Action: action, Reactions: msg.Reactions}, nil
}

// User loads a directory entry.
func (p *Postgres) User(ctx context.Context, id int64) (User, error) {
	var u User
	err := p.pool.QueryRow(ctx, `
		SELECT id, username, email, full_name, access_level, is_active, is_online
		FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Username, &u.Email, &u.FullName, &u.Role, &u.Active, &u.Online)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, errors.Wrapf(err, "get user %d", id)
	}
	return u, nil
}

// DisplayName returns the name shown next to the user's events.
func (p *Postgres) DisplayName(ctx context.Context, id int64) (string, error) {
	u, err := p.User(ctx, id)
	if err != nil {
		return "", err
	}
	return u.DisplayName(), nil
}

// SetOnline records the user's online flag.
func (p *Postgres) SetOnline(ctx context.Context, id int64, online bool) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := p.pool.Exec(ctx, `UPDATE users SET is_online = $1, updated_at = NOW() WHERE id = $2`, online, id)
	return errors.Wrapf(err, "set online user %d", id)
}

func addReaction(list []Reaction, emoji string, userID int64, name string) []Reaction {
	for i := range list {
		if list[i].Emoji == emoji {
			list[i].Count++
			list[i].Users = append(list[i].Users, name)
			list[i].UserIDs = append(list[i].UserIDs, userID)
			return list
		}
	}
	return append(list, Reaction{Emoji: emoji, Count: 1, Users: []string{name}, UserIDs: []int64{userID}})
}
