// Package auth verifies the bearer tokens presented on the WebSocket
// handshake and on the HTTP API.
package auth

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"github.com/Tyrowin/collabhub/internal/realtime"
	"github.com/Tyrowin/collabhub/internal/store"
)

var (
	// ErrInvalidToken covers malformed, badly signed and expired tokens.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrUnknownUser is returned when the token names a user the directory does not know.
	ErrUnknownUser = errors.New("auth: unknown user")
	// ErrInactiveUser is returned for deactivated accounts.
	ErrInactiveUser = errors.New("auth: inactive user")
)

// Options controls signing and token lifetime.
type Options struct {
	Secret []byte
	Alg    string        // HS256, HS384 or HS512; HS256 when empty
	TTL    time.Duration // lifetime of issued tokens; 2h when zero
}

// Claims is the payload carried by access tokens. Subject holds the username.
type Claims struct {
	UserID      int64  `json:"user_id,omitempty"`
	AccessLevel string `json:"access_level,omitempty"`
	FullName    string `json:"full_name,omitempty"`
	TokenType   string `json:"type,omitempty"`
	jwtlib.RegisteredClaims
}

// UserLookup resolves the user a token belongs to.
type UserLookup interface {
	User(ctx context.Context, id int64) (store.User, error)
}

// Verifier checks HMAC-signed JWTs and, when a lookup is configured, that the
// user still exists and is active.
type Verifier struct {
	opts   Options
	method jwtlib.SigningMethod
	users  UserLookup
}

// NewVerifier validates opts and returns a verifier. users may be nil.
func NewVerifier(opts Options, users UserLookup) (*Verifier, error) {
	if len(opts.Secret) == 0 {
		return nil, errors.New("auth: empty signing secret")
	}
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return nil, err
	}
	return &Verifier{opts: opts, method: method, users: users}, nil
}

// Verify implements realtime.TokenVerifier.
func (v *Verifier) Verify(ctx context.Context, token string) (realtime.Identity, error) {
	claims, err := v.Parse(token)
	if err != nil {
		return realtime.Identity{}, err
	}

	id := realtime.Identity{
		UserID:   claims.UserID,
		Username: claims.Subject,
		FullName: claims.FullName,
		Role:     claims.AccessLevel,
	}
	if id.UserID == 0 {
		// Older tokens carry the numeric id as the subject.
		n, convErr := strconv.ParseInt(claims.Subject, 10, 64)
		if convErr != nil || n <= 0 {
			return realtime.Identity{}, errors.Wrap(ErrInvalidToken, "no user id claim")
		}
		id.UserID = n
		id.Username = ""
	}

	if v.users == nil {
		return id, nil
	}
	u, err := v.users.User(ctx, id.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return realtime.Identity{}, errors.Wrapf(ErrUnknownUser, "user %d", id.UserID)
		}
		return realtime.Identity{}, errors.Wrap(err, "load user")
	}
	if !u.Active {
		return realtime.Identity{}, errors.Wrapf(ErrInactiveUser, "user %d", id.UserID)
	}
	id.Username = u.Username
	id.FullName = u.FullName
	id.Role = u.Role
	return id, nil
}

// Parse validates the signature, algorithm and expiry of token.
func (v *Verifier) Parse(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.Wrap(ErrInvalidToken, "empty token")
	}
	claims := &Claims{}
	_, err := jwtlib.ParseWithClaims(token, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return v.opts.Secret, nil
	},
		jwtlib.WithValidMethods([]string{v.method.Alg()}),
		jwtlib.WithExpirationRequired(),
	)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidToken, err.Error())
	}
	return claims, nil
}

// Issue signs an access token for u. The server never hands tokens out
// itself; this is used by tooling and tests.
func Issue(opts Options, u store.User) (string, time.Time, error) {
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return "", time.Time{}, err
	}
	if opts.TTL <= 0 {
		opts.TTL = 2 * time.Hour
	}
	now := time.Now()
	exp := now.Add(opts.TTL)

	claims := Claims{
		UserID:      u.ID,
		AccessLevel: u.Role,
		FullName:    u.FullName,
		TokenType:   "access",
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   u.Username,
			IssuedAt:  jwtlib.NewNumericDate(now),
			NotBefore: jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(exp),
		},
	}
	signed, err := jwtlib.NewWithClaims(method, claims).SignedString(opts.Secret)
	if err != nil {
		return "", time.Time{}, errors.Wrap(err, "sign token")
	}
	return signed, exp, nil
}

func signingMethod(alg string) (jwtlib.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwtlib.SigningMethodHS256, nil
	case "HS384":
		return jwtlib.SigningMethodHS384, nil
	case "HS512":
		return jwtlib.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("auth: unsupported alg %s (use HS256/HS384/HS512)", alg)
	}
}
