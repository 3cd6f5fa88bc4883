package jms

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Address is a parsed JMS URI: jms:queue:<name>?params or jms:topic:<name>?params.
type Address struct {
	Variant     string
	Destination string
	Params      url.Values
}

// ParseAddress parses a JMS URI. Only the queue and topic variants are supported.
func ParseAddress(uri string) (Address, error) {
	rest, ok := strings.CutPrefix(uri, "jms:")
	if !ok {
		return Address{}, fmt.Errorf("%w: %q is not a jms uri", ErrUnsupportedAddress, uri)
	}
	variant, rest, ok := strings.Cut(rest, ":")
	if !ok {
		return Address{}, fmt.Errorf("%w: %q has no variant", ErrUnsupportedAddress, uri)
	}
	switch variant {
	case "queue", "topic":
	default:
		return Address{}, fmt.Errorf("%w: variant %q", ErrUnsupportedAddress, variant)
	}

	name, query, _ := strings.Cut(rest, "?")
	dest, err := url.PathUnescape(name)
	if err != nil || dest == "" {
		return Address{}, fmt.Errorf("%w: %q has no destination name", ErrUnsupportedAddress, uri)
	}
	params, err := url.ParseQuery(query)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %q: %v", ErrUnsupportedAddress, uri, err)
	}
	return Address{Variant: variant, Destination: dest, Params: params}, nil
}

// String renders the address back to a JMS URI.
func (a Address) String() string {
	s := "jms:" + a.Variant + ":" + url.PathEscape(a.Destination)
	if len(a.Params) > 0 {
		s += "?" + a.Params.Encode()
	}
	return s
}

// Apply overlays the address onto c. Time values in the URI are milliseconds.
func (a Address) Apply(c *Config) error {
	c.TargetDestination = a.Destination
	c.PubSubDomain = a.Variant == "topic"

	for key, vals := range a.Params {
		if len(vals) == 0 {
			continue
		}
		v := vals[0]
		var err error
		switch key {
		case "replyToName":
			c.ReplyDestination = v
			c.ReplyPubSubDomain = false
		case "topicReplyToName":
			c.ReplyDestination = v
			c.ReplyPubSubDomain = true
		case "deliveryMode":
			c.DeliveryMode = v
			_, err = parseDeliveryMode(v)
		case "timeToLive":
			c.TimeToLive, err = millis(v)
		case "receiveTimeout":
			c.ReceiveTimeout, err = millis(v)
		case "priority":
			c.Priority, err = strconv.Atoi(v)
		case "messageType":
			c.MessageType = MessageType(v)
		case "durableSubscriptionName":
			c.DurableSubscriptionName = v
		case "clientId", "durableSubscriptionClientId":
			c.ClientID = v
		case "conduitIdSelectorPrefix":
			c.ConduitSelectorPrefix = v
		case "useConduitIdSelector":
			c.UseConduitIDSelector, err = strconv.ParseBool(v)
		case "targetService":
			c.TargetService = v
		case "messageSelector":
			c.MessageSelector = v
		case "sessionTransacted":
			c.SessionTransacted, err = strconv.ParseBool(v)
		case "concurrentConsumers":
			c.ConcurrentConsumers, err = strconv.Atoi(v)
		}
		if err != nil {
			return fmt.Errorf("%w: parameter %s=%q: %v", ErrUnsupportedAddress, key, v, err)
		}
	}
	if c.RequestURI == "" {
		c.RequestURI = a.String()
	}
	return nil
}

// ConfigFromAddress returns Defaults with uri applied.
func ConfigFromAddress(uri string) (Config, error) {
	cfg := Defaults()
	a, err := ParseAddress(uri)
	if err != nil {
		return cfg, err
	}
	if err := a.Apply(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func millis(v string) (time.Duration, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative duration")
	}
	return time.Duration(n) * time.Millisecond, nil
}
