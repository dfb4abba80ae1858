package realtime

import (
	"context"
	"encoding/json"
)

// Relay carries room broadcasts between server instances sharing a topic.
// A nil Relay keeps delivery local to the process.
type Relay interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe delivers payloads published on topic until ctx is done or
	// the relay is closed, at which point the channel is closed.
	Subscribe(ctx context.Context, topic string) (<-chan []byte, error)
	Close() error
}

// RelayEnvelope is the message published on the relay topic.
type RelayEnvelope struct {
	Origin        string          `json:"origin"`
	Room          string          `json:"room"`
	ExcludeUserID int64           `json:"exclude_user_id,omitempty"`
	Event         json.RawMessage `json:"event"`
}
