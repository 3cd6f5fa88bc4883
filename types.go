package xjms

import (
	"time"
)

// DestinationKind distinguishes point-to-point queues from publish/subscribe topics.
type DestinationKind int

const (
	Queue DestinationKind = iota
	Topic
	TemporaryQueue
)

func (k DestinationKind) String() string {
	switch k {
	case Topic:
		return "topic"
	case TemporaryQueue:
		return "temp-queue"
	default:
		return "queue"
	}
}

// Destination names a queue or topic on the broker.
type Destination struct {
	Name string
	Kind DestinationKind
}

// QueueDestination returns a queue destination.
func QueueDestination(name string) Destination { return Destination{Name: name, Kind: Queue} }

// TopicDestination returns a topic destination.
func TopicDestination(name string) Destination { return Destination{Name: name, Kind: Topic} }

// IsTopic reports whether the destination has publish/subscribe semantics.
func (d Destination) IsTopic() bool { return d.Kind == Topic }

// IsZero reports whether no destination is named.
func (d Destination) IsZero() bool { return d.Name == "" }

func (d Destination) String() string { return d.Kind.String() + "://" + d.Name }

// DeliveryMode is the JMS persistence hint.
type DeliveryMode int

const (
	// DeliveryModeUnset lets configuration decide.
	DeliveryModeUnset DeliveryMode = 0
	NonPersistent     DeliveryMode = 1
	Persistent        DeliveryMode = 2
)

func (m DeliveryMode) String() string {
	switch m {
	case NonPersistent:
		return "NON_PERSISTENT"
	case Persistent:
		return "PERSISTENT"
	default:
		return "UNSET"
	}
}

// BodyKind is the type of a message body.
type BodyKind int

const (
	BodyText BodyKind = iota
	BodyBytes
)

// SendOptions carries producer-level QoS applied to a single send.
// Zero values fall back to the values already on the message.
type SendOptions struct {
	DeliveryMode DeliveryMode
	Priority     int
	TimeToLive   time.Duration
}

// EventType enumerates lifecycle events for the Observer pattern.
type EventType string

const (
	EventSend         EventType = "send"
	EventReply        EventType = "reply"
	EventReceive      EventType = "receive"
	EventDispatchDone EventType = "dispatch_done"
	EventTimeout      EventType = "timeout"
	EventCorrelation  EventType = "correlation_miss"
	EventSuspend      EventType = "suspend"
	EventResume       EventType = "resume"
	EventThrottle     EventType = "throttle"
	EventUnthrottle   EventType = "unthrottle"
	EventError        EventType = "error"
)

// Event carries telemetry for observers.
type Event struct {
	Type          EventType
	Destination   string
	CorrelationID string
	MessageID     string
	Duration      time.Duration
	Err           error

	// attached for async dispatch
	observers []Observer
}

// PoolStats returns telemetry about the observer pool.
type PoolStats struct {
	Dropped      uint64 // Events dropped due to full buffer
	Processed    uint64 // Events successfully processed
	ActiveEvents int    // Current queue depth
	Workers      int    // Number of dispatch goroutines
	BufferSize   int    // Channel capacity
}

// Metrics is the bus-wide telemetry snapshot.
type Metrics struct {
	Sent          uint64
	Received      uint64
	Replies       uint64
	Timeouts      uint64
	Errors        uint64
	Registered    int
	EventsDropped uint64
}

// HealthStatus indicates bus health for health checks.
type HealthStatus struct {
	Status    string // "healthy", "degraded", "unhealthy"
	Metrics   Metrics
	Timestamp time.Time
	Message   string
}
