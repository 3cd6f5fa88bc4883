package amqp

import (
	"errors"
	"net/url"
	"strings"
	"time"
)

// Config for the AMQP 0.9.1 broker provider.
type Config struct {
	// URL overrides Address, Username, Password and Vhost when set.
	URL         string
	Address     string
	Username    string
	Password    string
	Vhost       string
	TLS         bool
	DialTimeout time.Duration
	Heartbeat   time.Duration

	// Prefetch bounds unacknowledged deliveries per channel (0 = unlimited).
	Prefetch int
	// TopicExchange receives topic publications (default "amq.topic").
	TopicExchange string
	// SelectorBackoff delays requeueing a delivery that failed a selector.
	SelectorBackoff time.Duration
}

var ErrNoAddress = errors.New("amqp: no broker address configured")

// Defaults returns a Config for a local RabbitMQ.
func Defaults() Config {
	return Config{
		Address:         "localhost:5672",
		Username:        "guest",
		Password:        "guest",
		Vhost:           "/",
		DialTimeout:     10 * time.Second,
		Heartbeat:       60 * time.Second,
		Prefetch:        16,
		TopicExchange:   "amq.topic",
		SelectorBackoff: 50 * time.Millisecond,
	}
}

func (c Config) Validate() error {
	if c.URL == "" && c.Address == "" {
		return ErrNoAddress
	}
	if c.TopicExchange == "" {
		return errors.New("amqp: topic_exchange required")
	}
	return nil
}

func (c Config) dialURL() string {
	if c.URL != "" {
		return c.URL
	}
	scheme := "amqp"
	if c.TLS {
		scheme = "amqps"
	}
	u := &url.URL{
		Scheme: scheme,
		Host:   c.Address,
		Path:   "/" + strings.TrimPrefix(c.Vhost, "/"),
	}
	if c.Username != "" {
		u.User = url.UserPassword(c.Username, c.Password)
	}
	return u.String()
}

func (c Config) toMap() map[string]any {
	return map[string]any{
		"url":              c.URL,
		"address":          c.Address,
		"username":         c.Username,
		"password":         c.Password,
		"vhost":            c.Vhost,
		"tls":              c.TLS,
		"dial_timeout":     c.DialTimeout,
		"heartbeat":        c.Heartbeat,
		"prefetch":         c.Prefetch,
		"topic_exchange":   c.TopicExchange,
		"selector_backoff": c.SelectorBackoff,
	}
}

// ConfigFromMap converts m into Config, falling back to Defaults for missing keys.
func ConfigFromMap(m map[string]any) Config {
	d := Defaults()

	getString := func(k, def string) string {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
		return def
	}
	getInt := func(k string, def int) int {
		switch v := m[k].(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
		return def
	}
	getBool := func(k string, def bool) bool {
		if v, ok := m[k].(bool); ok {
			return v
		}
		return def
	}
	getDur := func(k string, def time.Duration) time.Duration {
		switch v := m[k].(type) {
		case time.Duration:
			return v
		case string:
			if p, err := time.ParseDuration(v); err == nil {
				return p
			}
		case float64:
			return time.Duration(v)
		}
		return def
	}

	return Config{
		URL:             getString("url", ""),
		Address:         getString("address", d.Address),
		Username:        getString("username", d.Username),
		Password:        getString("password", d.Password),
		Vhost:           getString("vhost", d.Vhost),
		TLS:             getBool("tls", false),
		DialTimeout:     getDur("dial_timeout", d.DialTimeout),
		Heartbeat:       getDur("heartbeat", d.Heartbeat),
		Prefetch:        getInt("prefetch", d.Prefetch),
		TopicExchange:   getString("topic_exchange", d.TopicExchange),
		SelectorBackoff: getDur("selector_backoff", d.SelectorBackoff),
	}
}
