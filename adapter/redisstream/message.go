package redisstream

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xjms"
)

// encode flattens msg into stream entry values. Properties become prop:<name>
// fields so no nested encoding is needed.
func encode(m *xjms.Message, origin string) map[string]any {
	vals := make(map[string]any, 10+len(m.Properties))
	vals[fieldID] = m.MessageID
	if m.CorrelationID != "" {
		vals[fieldCorrelationID] = m.CorrelationID
	}
	if m.ReplyTo != nil && !m.ReplyTo.IsZero() {
		vals[fieldReplyTo] = strconv.Itoa(int(m.ReplyTo.Kind)) + ":" + m.ReplyTo.Name
	}
	if m.Type != "" {
		vals[fieldType] = m.Type
	}
	vals[fieldDeliveryMode] = int(m.DeliveryMode)
	vals[fieldPriority] = m.Priority
	if m.Expiration > 0 {
		vals[fieldExpiration] = m.Expiration
	}
	vals[fieldTimestamp] = m.Timestamp
	if m.Redelivered {
		vals[fieldRedelivered] = 1
	}
	if m.Kind == xjms.BodyText {
		vals[fieldKind] = "t"
		vals[fieldBody] = m.Text
	} else {
		vals[fieldKind] = "b"
		// raw payload bytes (binary-safe, no base64)
		vals[fieldBody] = m.Bytes
	}
	if origin != "" {
		vals[fieldOrigin] = origin
	}
	for k, v := range m.Properties {
		vals[fieldPropPrefix+k] = v
	}
	return vals
}

// decode rebuilds a message from a stream entry.
func decode(e redis.XMessage) (*xjms.Message, error) {
	m := &xjms.Message{Properties: make(map[string]string, 4)}
	for k, v := range e.Values {
		s := asString(v)
		switch k {
		case fieldID:
			m.MessageID = s
		case fieldCorrelationID:
			m.CorrelationID = s
		case fieldReplyTo:
			kind, name, ok := strings.Cut(s, ":")
			if !ok {
				return nil, fmt.Errorf("redisstream: entry %s: malformed reply-to %q", e.ID, s)
			}
			n, err := strconv.Atoi(kind)
			if err != nil {
				return nil, fmt.Errorf("redisstream: entry %s: malformed reply-to %q", e.ID, s)
			}
			m.ReplyTo = &xjms.Destination{Name: name, Kind: xjms.DestinationKind(n)}
		case fieldType:
			m.Type = s
		case fieldDeliveryMode:
			m.DeliveryMode = xjms.DeliveryMode(toInt64(v))
		case fieldPriority:
			m.Priority = int(toInt64(v))
		case fieldExpiration:
			m.Expiration = toInt64(v)
		case fieldTimestamp:
			m.Timestamp = toInt64(v)
		case fieldRedelivered:
			m.Redelivered = s == "1"
		case fieldKind:
			if s == "b" {
				m.Kind = xjms.BodyBytes
			}
		case fieldOrigin:
		default:
			if name, ok := strings.CutPrefix(k, fieldPropPrefix); ok {
				m.Properties[name] = s
			}
		}
	}
	body := e.Values[fieldBody]
	if m.Kind == xjms.BodyText {
		m.Text = asString(body)
	} else if body != nil {
		m.Bytes = []byte(asString(body))
	}
	return m, nil
}

func origin(e redis.XMessage) string { return asString(e.Values[fieldOrigin]) }

func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	case []byte:
		return toInt64(string(n))
	}
	return 0
}
