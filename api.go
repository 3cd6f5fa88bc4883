package xjms

import (
	"context"
)

// ConnectionFactory is the Strategy a broker provider implements to open connections.
type ConnectionFactory interface {
	CreateConnection(ctx context.Context) (Connection, error)
}

// Connection is a live link to a broker. Sessions are created from it.
// Messages are only delivered to consumers while the connection is started.
type Connection interface {
	// SetClientID must be called before any session is created; it scopes durable subscriptions.
	SetClientID(id string) error
	Start() error
	Stop() error
	CreateSession(transacted bool) (Session, error)
	Close() error
}

// Session is a single-threaded context for producing and consuming messages.
type Session interface {
	// CreateProducer returns an anonymous producer; the destination is chosen per Send.
	CreateProducer() (Producer, error)
	CreateConsumer(dest Destination, selector string) (Consumer, error)
	CreateDurableSubscriber(topic Destination, name, selector string) (Consumer, error)
	CreateTemporaryQueue() (Destination, error)
	DeleteTemporaryQueue(dest Destination) error
	// Commit and Rollback are only meaningful on transacted sessions; rolled back
	// deliveries are redelivered with Redelivered set.
	Commit() error
	Rollback() error
	Transacted() bool
	Close() error
}

// NoLocalSubscriber is implemented by sessions that can suppress delivery of
// their own connection's publications on a topic.
type NoLocalSubscriber interface {
	CreateNoLocalConsumer(topic Destination, selector string) (Consumer, error)
}

// MessageIDAssigner is implemented by connection factories that can tell
// whether their producers assign Message.MessageID on Send. Factories that do
// not implement it are assumed to assign ids.
type MessageIDAssigner interface {
	AssignsMessageIDs() bool
}

// AssignsMessageIDs reports whether cf's producers assign message ids.
func AssignsMessageIDs(cf ConnectionFactory) bool {
	if a, ok := cf.(MessageIDAssigner); ok {
		return a.AssignsMessageIDs()
	}
	return true
}

// Producer sends messages to an explicit destination.
type Producer interface {
	// Send assigns MessageID and Timestamp on msg when the provider supports it.
	Send(ctx context.Context, dest Destination, msg *Message, opts SendOptions) error
	Close() error
}

// Consumer receives messages matching its selector.
type Consumer interface {
	// Receive blocks until a message arrives or ctx is done. On ctx expiry it returns ctx.Err().
	Receive(ctx context.Context) (*Message, error)
	Selector() string
	Close() error
}

// Observer receives lifecycle events. Implementations should be non-blocking.
type Observer interface {
	OnEvent(e Event)
}

// Lifecycle is implemented by components the Bus shuts down on Close.
type Lifecycle interface {
	Shutdown(ctx context.Context) error
}

// HealthChecker provides health status for production monitoring.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}
