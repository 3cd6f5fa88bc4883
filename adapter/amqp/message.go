package amqp

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/trickstertwo/xjms"
)

// Headers carrying what AMQP basic properties cannot.
const (
	headerKind       = "x-xjms-kind" // "t" text, "b" bytes
	headerReplyKind  = "x-xjms-reply-kind"
	headerExpiration = "x-xjms-expiration" // absolute unix ms
	headerOrigin     = "x-xjms-origin"
)

const (
	contentText  = "text/plain"
	contentBytes = "application/octet-stream"
)

// toPublishing maps msg onto AMQP properties. now anchors the relative TTL
// AMQP expects.
func toPublishing(m *xjms.Message, origin string, now time.Time) amqp091.Publishing {
	p := amqp091.Publishing{
		MessageId:     m.MessageID,
		CorrelationId: m.CorrelationID,
		Type:          m.Type,
		Timestamp:     time.UnixMilli(m.Timestamp),
		DeliveryMode:  uint8(m.DeliveryMode),
		Priority:      uint8(min(max(m.Priority, 0), 9)),
		Headers:       amqp091.Table{headerOrigin: origin},
	}
	for k, v := range m.Properties {
		p.Headers[k] = v
	}
	if m.ReplyTo != nil && !m.ReplyTo.IsZero() {
		p.ReplyTo = m.ReplyTo.Name
		p.Headers[headerReplyKind] = strconv.Itoa(int(m.ReplyTo.Kind))
	}
	if m.Expiration > 0 {
		ttl := max(m.Expiration-now.UnixMilli(), 1)
		p.Expiration = strconv.FormatInt(ttl, 10)
		p.Headers[headerExpiration] = strconv.FormatInt(m.Expiration, 10)
	}
	if m.Kind == xjms.BodyText {
		p.ContentType = contentText
		p.Headers[headerKind] = "t"
		p.Body = []byte(m.Text)
	} else {
		p.ContentType = contentBytes
		p.Headers[headerKind] = "b"
		p.Body = m.Bytes
	}
	return p
}

// fromDelivery rebuilds a message. Non-string headers are rendered with %v.
func fromDelivery(d *amqp091.Delivery) *xjms.Message {
	m := &xjms.Message{
		MessageID:     d.MessageId,
		CorrelationID: d.CorrelationId,
		Type:          d.Type,
		DeliveryMode:  xjms.DeliveryMode(d.DeliveryMode),
		Priority:      int(d.Priority),
		Redelivered:   d.Redelivered,
		Properties:    make(map[string]string, len(d.Headers)),
	}
	if !d.Timestamp.IsZero() {
		m.Timestamp = d.Timestamp.UnixMilli()
	}
	kind := xjms.Queue
	for k, v := range d.Headers {
		s := headerString(v)
		switch k {
		case headerKind:
			if s == "b" {
				m.Kind = xjms.BodyBytes
			}
		case headerReplyKind:
			if n, err := strconv.Atoi(s); err == nil {
				kind = xjms.DestinationKind(n)
			}
		case headerExpiration:
			m.Expiration, _ = strconv.ParseInt(s, 10, 64)
		case headerOrigin:
		default:
			if !strings.HasPrefix(k, "x-") {
				m.Properties[k] = s
			}
		}
	}
	if d.Headers[headerKind] == nil && d.ContentType != "" && !strings.HasPrefix(d.ContentType, "text/") {
		m.Kind = xjms.BodyBytes
	}
	if d.ReplyTo != "" {
		m.ReplyTo = &xjms.Destination{Name: d.ReplyTo, Kind: kind}
	}
	if m.Kind == xjms.BodyText {
		m.Text = string(d.Body)
	} else {
		m.Bytes = d.Body
	}
	return m
}

func headerString(v any) string {
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
