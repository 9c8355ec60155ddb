package transports

import (
	"context"
	"errors"
)

// ErrConnLost is returned by Post when the bus connection is gone. Callers
// treat it as a signal to rebuild the transport, not as a message failure.
var ErrConnLost = errors.New("transport: connection lost")

// Persistence selects how the bus keeps a published message.
type Persistence int

const (
	// Instant messages are delivered to current subscribers only.
	Instant Persistence = iota
	// Persist messages are retained and replayed to late subscribers.
	Persist
)

func (p Persistence) String() string {
	if p == Persist {
		return "persist"
	}
	return "instant"
}

// Message is one inbound bus delivery.
type Message struct {
	Topic   string
	Payload []byte
}

// Transport defines the bus boundary. Implementations own their network
// lifecycle; Recv is closed when the transport stops.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Subscribe(ctx context.Context, topics ...string) error
	Recv() <-chan Message
	Post(ctx context.Context, topic string, payload []byte, p Persistence) error
}

// ReadyReporter allows transports to expose readiness metadata (e.g., broker URLs).
// Implementations are optional and used for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
