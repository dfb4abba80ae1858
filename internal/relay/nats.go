package relay

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// NATS relays payloads over core NATS subjects.
type NATS struct {
	nc  *nats.Conn
	log *zap.Logger
}

// NewNATS connects to the servers in rawURL and keeps reconnecting forever.
func NewNATS(rawURL string, log *zap.Logger) (*NATS, error) {
	log = log.Named("relay.nats")
	opts := []nats.Option{
		nats.Name("collabhub"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500 * time.Millisecond),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(3 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(rawURL, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "connect nats")
	}
	return &NATS{nc: nc, log: log}, nil
}

// Publish sends payload on the subject named topic.
func (n *NATS) Publish(_ context.Context, topic string, payload []byte) error {
	if err := n.nc.Publish(topic, payload); err != nil {
		return errors.Wrapf(err, "nats publish %s", topic)
	}
	return nil
}

// Subscribe streams payloads published on topic until ctx is done.
func (n *NATS) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	msgs := make(chan *nats.Msg, subscriberBuffer)
	sub, err := n.nc.ChanSubscribe(topic, msgs)
	if err != nil {
		return nil, errors.Wrapf(err, "nats subscribe %s", topic)
	}

	out := make(chan []byte, subscriberBuffer)
	go func() {
		defer close(out)
		defer func() {
			if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
				n.log.Debug("unsubscribe", zap.Error(err))
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case m := <-msgs:
				select {
				case out <- append([]byte(nil), m.Data...):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close drains pending messages and closes the connection.
func (n *NATS) Close() error {
	if n.nc == nil || n.nc.IsClosed() {
		return nil
	}
	return n.nc.Drain()
}
