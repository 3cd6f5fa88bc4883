package xjms

import (
	"maps"
	"time"
)

// Message is the transport-level envelope carried by a broker.
type Message struct {
	// MessageID is assigned by the provider on send.
	MessageID string
	// CorrelationID links a reply to its request.
	CorrelationID string
	// ReplyTo names where the receiver should send a reply, if anywhere.
	ReplyTo *Destination
	// Destination is where the message was sent; set by the provider on send.
	Destination  *Destination
	DeliveryMode DeliveryMode
	Priority     int
	// Expiration is the absolute expiry in unix milliseconds; 0 never expires.
	Expiration  int64
	Redelivered bool
	// Timestamp is the send time in unix milliseconds.
	Timestamp int64
	Type      string
	// Properties are application-defined string properties.
	Properties map[string]string

	Kind  BodyKind
	Text  string
	Bytes []byte
}

// NewTextMessage returns a message with a text body.
func NewTextMessage(text string) *Message {
	return &Message{Kind: BodyText, Text: text, Properties: make(map[string]string)}
}

// NewBytesMessage returns a message with a binary body.
func NewBytesMessage(b []byte) *Message {
	return &Message{Kind: BodyBytes, Bytes: b, Properties: make(map[string]string)}
}

// Property returns a property value and whether it was set.
func (m *Message) Property(name string) (string, bool) {
	if m.Properties == nil {
		return "", false
	}
	v, ok := m.Properties[name]
	return v, ok
}

// SetProperty sets a string property, allocating the map on first use.
func (m *Message) SetProperty(name, value string) {
	if m.Properties == nil {
		m.Properties = make(map[string]string)
	}
	m.Properties[name] = value
}

// Payload returns the body as bytes regardless of its kind.
func (m *Message) Payload() []byte {
	if m.Kind == BodyText {
		return []byte(m.Text)
	}
	return m.Bytes
}

// Expired reports whether the message expiration lies before now.
func (m *Message) Expired(now time.Time) bool {
	return m.Expiration > 0 && now.UnixMilli() >= m.Expiration
}

// Clone returns a deep copy so providers never share mutable state between consumers.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.ReplyTo != nil {
		rt := *m.ReplyTo
		c.ReplyTo = &rt
	}
	if m.Destination != nil {
		d := *m.Destination
		c.Destination = &d
	}
	c.Properties = maps.Clone(m.Properties)
	if m.Bytes != nil {
		c.Bytes = append([]byte(nil), m.Bytes...)
	}
	return &c
}
