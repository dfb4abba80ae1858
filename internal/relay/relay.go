// Package relay provides the cross-process transports that mirror room
// broadcasts between collabhub instances.
package relay

import (
	"context"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tyrowin/collabhub/internal/realtime"
)

// ErrUnsupportedScheme is returned by New for URLs it cannot map to a transport.
var ErrUnsupportedScheme = errors.New("relay: unsupported url scheme")

// subscriberBuffer bounds how many payloads may wait for the hub.
const subscriberBuffer = 256

// New connects the transport named by rawURL's scheme: redis:// or rediss://
// for Redis pub/sub, nats:// or tls:// for NATS. An empty URL yields a nil
// relay, which keeps delivery local.
func New(ctx context.Context, rawURL string, log *zap.Logger) (realtime.Relay, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, nil
	}
	if log == nil {
		log = zap.NewNop()
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse relay url")
	}

	switch strings.ToLower(u.Scheme) {
	case "redis", "rediss":
		r, err := NewRedis(ctx, rawURL, log)
		if err != nil {
			return nil, err
		}
		return r, nil
	case "nats", "tls":
		n, err := NewNATS(rawURL, log)
		if err != nil {
			return nil, err
		}
		return n, nil
	default:
		return nil, errors.Wrapf(ErrUnsupportedScheme, "%q", u.Scheme)
	}
}
