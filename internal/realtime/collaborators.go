package realtime

import (
	"context"
	"errors"

	"github.com/Tyrowin/collabhub/internal/store"
)

var (
	// ErrAuthentication marks a handshake refused by the token verifier.
	ErrAuthentication = errors.New("realtime: authentication failed")
	// ErrDecode marks an inbound frame that could not be decoded.
	ErrDecode = errors.New("realtime: malformed frame")
	// ErrDelivery marks a write to a resolved connection that failed.
	ErrDelivery = errors.New("realtime: delivery failed")
	// ErrPersistence marks a message the store refused to persist.
	ErrPersistence = errors.New("realtime: persistence failed")
	// ErrHubClosed is returned by ServeWS once Shutdown has started.
	ErrHubClosed = errors.New("realtime: hub is shutting down")
)

// Identity is who a verified token belongs to.
type Identity struct {
	UserID   int64
	Username string
	FullName string
	Role     string
}

// DisplayName prefers the full name and falls back to the username.
func (i Identity) DisplayName() string {
	if i.FullName != "" {
		return i.FullName
	}
	return i.Username
}

// TokenVerifier resolves a bearer token to an identity.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// MessageStore persists chat messages before they are fanned out.
type MessageStore interface {
	InsertMessage(ctx context.Context, msg store.NewMessage) (store.Message, error)
	RecentMessages(ctx context.Context, userID int64, limit int) ([]store.Message, error)
}

// UserDirectory enriches outbound events with user data.
type UserDirectory interface {
	DisplayName(ctx context.Context, userID int64) (string, error)
	SetOnline(ctx context.Context, userID int64, online bool) error
}
