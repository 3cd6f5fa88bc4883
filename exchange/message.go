package exchange

import (
	"maps"
	"sync"
)

// Well-known message property keys shared by the transport and the invocation layer.
const (
	KeyProtocolHeaders      = "protocol.headers"
	KeyContentType          = "content.type"
	KeyEncoding             = "encoding"
	KeyRequestURI           = "request.uri"
	KeyHTTPMethod           = "http.method"
	KeySOAPAction           = "soap.action"
	KeyResponseCode         = "response.code"
	KeyCorrelationID        = "jms.correlation.id"
	KeyRequestMessage       = "jms.request.message"
	KeyClientRequestHeaders = "jms.client.request.headers"
	KeyClientReplyHeaders   = "jms.client.response.headers"
	KeyServerRequestHeaders = "jms.server.request.headers"
	KeyServerReplyHeaders   = "jms.server.response.headers"
	KeySecurityContext      = "security.context"
	KeyContinuationProvider = "continuation.provider"
	KeyTargetService        = "jms.target.service"
	KeyBindingVersion       = "jms.binding.version"
	KeyIsSOAP               = "soap.message"
	KeyPartialResponse      = "partial.response"
)

// Attachment is a binary part carried alongside the main payload.
type Attachment struct {
	ID          string
	ContentType string
	Data        []byte
}

// Message is a property bag with a payload, attachments and a pointer to its exchange.
// Property access is safe for concurrent use.
type Message struct {
	mu    sync.RWMutex
	props map[string]any

	Content     []byte
	Attachments []Attachment

	exchange *Exchange
}

// NewMessage returns an empty message.
func NewMessage() *Message {
	return &Message{props: make(map[string]any)}
}

// Get returns a property or nil.
func (m *Message) Get(key string) any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.props[key]
}

// GetString returns a string property or "".
func (m *Message) GetString(key string) string {
	if s, ok := m.Get(key).(string); ok {
		return s
	}
	return ""
}

// GetBool returns a bool property or false.
func (m *Message) GetBool(key string) bool {
	b, _ := m.Get(key).(bool)
	return b
}

// Has reports whether key is set.
func (m *Message) Has(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.props[key]
	return ok
}

// Put sets a property.
func (m *Message) Put(key string, v any) {
	m.mu.Lock()
	if m.props == nil {
		m.props = make(map[string]any)
	}
	m.props[key] = v
	m.mu.Unlock()
}

// Remove deletes a property.
func (m *Message) Remove(key string) {
	m.mu.Lock()
	delete(m.props, key)
	m.mu.Unlock()
}

// Keys returns a snapshot of the property keys.
func (m *Message) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.props))
	for k := range m.props {
		keys = append(keys, k)
	}
	return keys
}

// Properties returns a shallow copy of all properties.
func (m *Message) Properties() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.props)
}

// Headers returns the protocol header bag, creating it on first use.
func (m *Message) Headers() Headers {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.props == nil {
		m.props = make(map[string]any)
	}
	if h, ok := m.props[KeyProtocolHeaders].(Headers); ok {
		return h
	}
	h := make(Headers)
	m.props[KeyProtocolHeaders] = h
	return h
}

// ContentType returns the first-class content type attribute.
func (m *Message) ContentType() string { return m.GetString(KeyContentType) }

// Exchange returns the owning exchange, if any.
func (m *Message) Exchange() *Exchange {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.exchange
}

func (m *Message) setExchange(ex *Exchange) {
	m.mu.Lock()
	m.exchange = ex
	m.mu.Unlock()
}
