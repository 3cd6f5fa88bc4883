package jms

import (
	"fmt"
	"mime"
	"strconv"
	"strings"
	"time"

	"github.com/trickstertwo/xjms"
	"github.com/trickstertwo/xjms/exchange"
)

// Transport property names understood by the framework.
const (
	PropTargetService   = "SOAPJMS_targetService"
	PropBindingVersion  = "SOAPJMS_bindingVersion"
	PropContentType     = "SOAPJMS_contentType"
	PropContentEncoding = "SOAPJMS_contentEncoding"
	PropSOAPAction      = "SOAPJMS_soapAction"
	PropIsFault         = "SOAPJMS_isFault"
	PropRequestURI      = "SOAPJMS_requestURI"

	PropRESTContentType  = "Content-Type"
	PropRESTAccept       = "Accept"
	PropRESTMethod       = "REST_httpMethod"
	PropRESTRequestURI   = "REST_requestURI"
	PropRESTResponseCode = "REST_responseCode"

	PropUserID      = "JMSXUserID"
	PropTIBCOSender = "JMS_TIBCO_SENDER"

	BindingVersion = "1.0"

	headerSOAPAction = "SOAPAction"
)

// isFrameworkProperty reports whether a transport property is owned by the
// framework rather than carried as a custom protocol header.
func isFrameworkProperty(name string) bool {
	switch name {
	case PropRESTContentType, PropRESTAccept, PropRESTMethod, PropRESTRequestURI, PropRESTResponseCode:
		return true
	}
	return strings.HasPrefix(name, "SOAPJMS_") || strings.HasPrefix(name, "JMSX") || strings.HasPrefix(name, "JMS_")
}

// MessageHeaders is the structured view of a transport message's metadata.
// Callers may attach one to an outbound message to set QoS per call; zero
// fields, and a nil Priority, fall back to configuration.
type MessageHeaders struct {
	CorrelationID string
	DeliveryMode  xjms.DeliveryMode
	Expiration    int64
	MessageID     string
	Priority      *int
	Redelivered   bool
	Timestamp     int64
	Type          string
	TimeToLive    time.Duration
	ReplyTo       *xjms.Destination

	TargetService   string
	BindingVersion  string
	SOAPAction      string
	IsFault         bool
	RequestURI      string
	ContentType     string
	ContentEncoding string

	// Properties holds every transport property, framework ones included.
	Properties map[string]string
}

// Property returns a transport property or "".
func (h *MessageHeaders) Property(name string) string {
	if h == nil || h.Properties == nil {
		return ""
	}
	return h.Properties[name]
}

// SetProperty sets a transport property to be sent.
func (h *MessageHeaders) SetProperty(name, value string) {
	if h.Properties == nil {
		h.Properties = make(map[string]string)
	}
	h.Properties[name] = value
}

// IsREST reports whether the message was sent by a REST-style client.
func (h *MessageHeaders) IsREST() bool { return h.Property(PropRESTMethod) != "" }

// HeadersFromTransport copies the standard and SOAP/JMS metadata of tm.
func HeadersFromTransport(tm *xjms.Message) *MessageHeaders {
	prio := tm.Priority
	h := &MessageHeaders{
		CorrelationID: tm.CorrelationID,
		DeliveryMode:  tm.DeliveryMode,
		Expiration:    tm.Expiration,
		MessageID:     tm.MessageID,
		Priority:      &prio,
		Redelivered:   tm.Redelivered,
		Timestamp:     tm.Timestamp,
		Type:          tm.Type,
		Properties:    make(map[string]string, len(tm.Properties)),
	}
	if tm.ReplyTo != nil {
		rt := *tm.ReplyTo
		h.ReplyTo = &rt
	}
	if tm.Expiration > 0 && tm.Timestamp > 0 {
		h.TimeToLive = time.Duration(tm.Expiration-tm.Timestamp) * time.Millisecond
	}
	for k, v := range tm.Properties {
		h.Properties[k] = v
	}
	h.TargetService = h.Properties[PropTargetService]
	h.BindingVersion = h.Properties[PropBindingVersion]
	h.SOAPAction = h.Properties[PropSOAPAction]
	h.IsFault, _ = strconv.ParseBool(h.Properties[PropIsFault])
	h.RequestURI = h.Properties[PropRequestURI]
	h.ContentType = h.Properties[PropContentType]
	h.ContentEncoding = h.Properties[PropContentEncoding]
	if h.IsREST() {
		h.ContentType = h.Properties[PropRESTContentType]
		h.RequestURI = h.Properties[PropRESTRequestURI]
	}
	return h
}

// fromTransport converts an inbound transport message. The structured headers
// are stored on the result under headersKey.
func fromTransport(tm *xjms.Message, headersKey string) (*exchange.Message, *MessageHeaders, error) {
	hdrs := HeadersFromTransport(tm)
	m := exchange.NewMessage()
	m.Put(headersKey, hdrs)

	bag := m.Headers()
	for name, v := range tm.Properties {
		if !isFrameworkProperty(name) {
			bag.Set(name, v)
		}
	}

	if hdrs.ContentType != "" {
		m.Put(exchange.KeyContentType, hdrs.ContentType)
	}
	if hdrs.SOAPAction != "" {
		m.Put(exchange.KeySOAPAction, hdrs.SOAPAction)
		bag.Set(headerSOAPAction, hdrs.SOAPAction)
	}
	if hdrs.RequestURI != "" {
		m.Put(exchange.KeyRequestURI, hdrs.RequestURI)
	}
	if hdrs.TargetService != "" {
		m.Put(exchange.KeyTargetService, hdrs.TargetService)
	}
	if hdrs.BindingVersion != "" {
		m.Put(exchange.KeyBindingVersion, hdrs.BindingVersion)
	}
	if hdrs.IsREST() {
		m.Put(exchange.KeyHTTPMethod, hdrs.Property(PropRESTMethod))
		if accept := hdrs.Property(PropRESTAccept); accept != "" {
			bag.Set(PropRESTAccept, splitList(accept)...)
		}
		if code, err := strconv.Atoi(hdrs.Property(PropRESTResponseCode)); err == nil {
			m.Put(exchange.KeyResponseCode, code)
		}
	}

	switch tm.Kind {
	case xjms.BodyText:
		m.Content = []byte(tm.Text)
		m.Put(exchange.KeyEncoding, "UTF-8")
	default:
		body, enc, err := decodeBody(tm.Bytes, charsetOf(hdrs.ContentType))
		if err != nil {
			return nil, hdrs, err
		}
		m.Content = body
		if enc != "" {
			m.Put(exchange.KeyEncoding, enc)
		}
	}
	return m, hdrs, nil
}

// toTransport builds the outbound transport message for m. hdrs carries
// caller-set metadata and may be nil.
func toTransport(cfg *Config, m *exchange.Message, payload []byte, hdrs *MessageHeaders, reply, fault bool) (*xjms.Message, xjms.SendOptions) {
	var tm *xjms.Message
	if cfg.MessageType == MessageTypeText {
		tm = xjms.NewTextMessage(string(payload))
	} else {
		tm = xjms.NewBytesMessage(payload)
	}
	if hdrs == nil {
		hdrs = &MessageHeaders{}
	}

	opts := cfg.SendOptions()
	if hdrs.DeliveryMode != xjms.DeliveryModeUnset {
		opts.DeliveryMode = hdrs.DeliveryMode
	}
	if hdrs.Priority != nil {
		opts.Priority = *hdrs.Priority
	}
	if hdrs.TimeToLive > 0 {
		opts.TimeToLive = hdrs.TimeToLive
	}
	tm.Type = hdrs.Type

	bag := m.Headers()
	rest := m.GetString(exchange.KeyHTTPMethod) != ""
	ct := contentType(cfg, m, rest)

	if rest {
		if ct != "" {
			tm.SetProperty(PropRESTContentType, ct)
		}
		tm.SetProperty(PropRESTMethod, m.GetString(exchange.KeyHTTPMethod))
		if uri := firstNonEmpty(hdrs.RequestURI, m.GetString(exchange.KeyRequestURI)); uri != "" && !reply {
			tm.SetProperty(PropRESTRequestURI, uri)
		}
		if accept := bag.Joined(PropRESTAccept, ","); accept != "" {
			tm.SetProperty(PropRESTAccept, accept)
		}
		if code, ok := m.Get(exchange.KeyResponseCode).(int); ok && reply {
			tm.SetProperty(PropRESTResponseCode, strconv.Itoa(code))
		}
	} else {
		tm.SetProperty(PropBindingVersion, BindingVersion)
		tm.SetProperty(PropContentType, ct)
		if ts := firstNonEmpty(hdrs.TargetService, m.GetString(exchange.KeyTargetService), cfg.TargetService); ts != "" {
			tm.SetProperty(PropTargetService, ts)
		}
		if fault {
			tm.SetProperty(PropIsFault, "true")
		}
		if !reply {
			tm.SetProperty(PropRequestURI, firstNonEmpty(hdrs.RequestURI, m.GetString(exchange.KeyRequestURI), cfg.RequestURI, defaultRequestURI(cfg)))
			action := firstNonEmpty(bag.Get(headerSOAPAction), hdrs.SOAPAction, m.GetString(exchange.KeySOAPAction), actionFromContentType(ct))
			if action != "" {
				tm.SetProperty(PropSOAPAction, action)
			}
		}
	}

	for _, name := range bag.Names() {
		if name == headerSOAPAction || isFrameworkProperty(name) {
			continue
		}
		tm.SetProperty(name, bag.Joined(name, ","))
	}
	for k, v := range hdrs.Properties {
		if _, set := tm.Properties[k]; !set {
			tm.SetProperty(k, v)
		}
	}
	return tm, opts
}

func contentType(cfg *Config, m *exchange.Message, rest bool) string {
	ct := m.ContentType()
	if ct == "" && !rest {
		ct = "text/xml"
	}
	enc := firstNonEmpty(m.GetString(exchange.KeyEncoding), cfg.Charset)
	if ct != "" && enc != "" && !strings.Contains(strings.ToLower(ct), "charset=") {
		ct += "; charset=" + enc
	}
	return ct
}

func defaultRequestURI(cfg *Config) string {
	variant := "queue"
	if cfg.PubSubDomain {
		variant = "topic"
	}
	return Address{Variant: variant, Destination: cfg.TargetDestination}.String()
}

// actionFromContentType extracts the action parameter of a SOAP 1.2 or
// multipart content type.
func actionFromContentType(ct string) string {
	if ct == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(ct)
	if err != nil {
		return ""
	}
	if a := params["action"]; a != "" {
		return a
	}
	// multipart/related carries the root part's type in start-info or type
	if inner := params["start-info"]; inner != "" {
		return actionFromContentType(inner)
	}
	return ""
}

func charsetOf(ct string) string {
	if ct == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(ct)
	if err != nil {
		return ""
	}
	return params["charset"]
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// checkSOAPJMS validates the SOAP/JMS headers an inbound request must carry.
func checkSOAPJMS(h *MessageHeaders) error {
	if h.IsREST() {
		return nil
	}
	switch {
	case h.BindingVersion == "":
		return &exchange.Fault{Code: "missingBindingVersion", Reason: "SOAPJMS_bindingVersion is required"}
	case h.BindingVersion != BindingVersion:
		return &exchange.Fault{Code: "unrecognizedBindingVersion", Reason: fmt.Sprintf("binding version %q is not supported", h.BindingVersion)}
	case h.ContentType == "":
		return &exchange.Fault{Code: "missingContentType", Reason: "SOAPJMS_contentType is required"}
	case h.RequestURI == "":
		return &exchange.Fault{Code: "missingRequestURI", Reason: "SOAPJMS_requestURI is required"}
	}
	if _, err := ParseAddress(h.RequestURI); err != nil {
		return &exchange.Fault{Code: "malformedRequestURI", Reason: err.Error()}
	}
	return nil
}
