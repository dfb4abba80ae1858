package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/collabhub/internal/realtime"
)

var (
	_ realtime.Relay = (*Redis)(nil)
	_ realtime.Relay = (*NATS)(nil)
)

func TestNewWithoutURLIsLocalOnly(t *testing.T) {
	for _, raw := range []string{"", "   "} {
		r, err := New(context.Background(), raw, nil)
		if err != nil || r != nil {
			t.Errorf("New(%q) = %v, %v; want nil, nil", raw, r, err)
		}
	}
}

func TestNewRejectsUnknownScheme(t *testing.T) {
	tests := []string{"amqp://localhost:5672", "http://example.com", "kafka://broker:9092"}
	for _, raw := range tests {
		t.Run(raw, func(t *testing.T) {
			_, err := New(context.Background(), raw, zap.NewNop())
			if !errors.Is(err, ErrUnsupportedScheme) {
				t.Errorf("expected ErrUnsupportedScheme, got %v", err)
			}
		})
	}
}

// TestNewReportsUnreachableBrokers tests connecting to ports nothing listens on.
// It verifies that the error surfaces and no half-built relay is returned.
func TestNewReportsUnreachableBrokers(t *testing.T) {
	if testing.Short() {
		t.Skip("dials the network")
	}
	tests := []string{"redis://127.0.0.1:1/0", "nats://127.0.0.1:1"}
	for _, raw := range tests {
		t.Run(raw, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			r, err := New(ctx, raw, zap.NewNop())
			if err == nil {
				_ = r.Close()
				t.Fatal("expected a connection error")
			}
			if r != nil {
				t.Errorf("expected nil relay, got %T", r)
			}
		})
	}
}

func TestNewRejectsMalformedRedisURL(t *testing.T) {
	if _, err := New(context.Background(), "redis://localhost:6379/not-a-db", zap.NewNop()); err == nil {
		t.Error("expected a parse error")
	}
}
