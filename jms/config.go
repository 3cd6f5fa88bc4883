package jms

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/trickstertwo/xjms"
	"github.com/trickstertwo/xjms/pool"
	"gopkg.in/yaml.v3"
)

// MessageType selects the transport body type of outbound messages.
type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeByte   MessageType = "byte"
	MessageTypeBinary MessageType = "binary"
)

// Config is shared by conduits and destinations.
type Config struct {
	// Provider names a registered broker provider used instead of the Bus
	// connection factory; ProviderConfig is passed to it.
	Provider       string         `yaml:"provider"`
	ProviderConfig map[string]any `yaml:"provider_config"`

	TargetDestination string `yaml:"target_destination"`
	ReplyDestination  string `yaml:"reply_destination"`
	// PubSubDomain makes the target a topic.
	PubSubDomain bool `yaml:"pub_sub_domain"`
	// ReplyPubSubDomain makes the reply destination a topic.
	ReplyPubSubDomain bool `yaml:"reply_pub_sub_domain"`
	PubSubNoLocal     bool `yaml:"pub_sub_no_local"`

	DurableSubscriptionName string `yaml:"durable_subscription_name"`
	ClientID                string `yaml:"client_id"`
	// MessageSelector filters what the destination's listener consumes.
	MessageSelector string `yaml:"message_selector"`

	// ReceiveTimeout bounds a synchronous wait for a reply. 0 waits until the
	// caller's context ends.
	ReceiveTimeout time.Duration `yaml:"receive_timeout"`
	TimeToLive     time.Duration `yaml:"time_to_live"`
	// DeliveryMode is "persistent" or "non_persistent".
	DeliveryMode string      `yaml:"delivery_mode"`
	Priority     int         `yaml:"priority"`
	MessageType  MessageType `yaml:"message_type"`

	// ConcurrentConsumers is the number of polling consumers of a listener.
	ConcurrentConsumers int `yaml:"concurrent_consumers"`
	// MaxConcurrentTasks bounds dispatches running at once.
	MaxConcurrentTasks int  `yaml:"max_concurrent_tasks"`
	SessionTransacted  bool `yaml:"session_transacted"`

	// UseConduitIDSelector makes conduits generate prefixed correlation ids
	// and filter the shared reply destination by that prefix.
	UseConduitIDSelector        bool   `yaml:"use_conduit_id_selector"`
	ConduitSelectorPrefix       string `yaml:"conduit_selector_prefix"`
	UseMessageIDAsCorrelationID bool   `yaml:"use_message_id_as_correlation_id"`
	// CorrelationWait is how long a reply may wait for its request to be registered.
	CorrelationWait time.Duration `yaml:"correlation_wait"`

	// MaxSuspendedContinuations gates the listener; 0 disables throttling.
	MaxSuspendedContinuations int `yaml:"max_suspended_continuations"`
	// ReconnectPercentOfMax sets the restart mark as a percentage of the maximum.
	ReconnectPercentOfMax int `yaml:"reconnect_percent_of_max"`

	// RequireSOAPJMSHeaders rejects inbound SOAP messages lacking the SOAP/JMS headers.
	RequireSOAPJMSHeaders bool   `yaml:"require_soapjms_headers"`
	Charset               string `yaml:"charset"`
	RequestURI            string `yaml:"request_uri"`
	TargetService         string `yaml:"target_service"`

	RetryInterval        time.Duration `yaml:"retry_interval"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	// BreakerFailures consecutive connection failures open the conduit's breaker for BreakerTimeout.
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout"`

	SessionPool pool.Config `yaml:"session_pool"`
	ReplyPool   pool.Config `yaml:"reply_pool"`
	// PoolPolicy is "grow", "block" or "fail".
	PoolPolicy string `yaml:"pool_policy"`
}

// Defaults returns a Config with production-safe defaults.
func Defaults() Config {
	return Config{
		DeliveryMode:          "persistent",
		Priority:              4,
		MessageType:           MessageTypeByte,
		ConcurrentConsumers:   1,
		MaxConcurrentTasks:    10,
		UseConduitIDSelector:  true,
		CorrelationWait:       time.Second,
		ReconnectPercentOfMax: 70,
		RequireSOAPJMSHeaders: true,
		RetryInterval:         5 * time.Second,
		BreakerFailures:       5,
		BreakerTimeout:        30 * time.Second,
		SessionPool:           pool.Config{Low: 1, High: 10, IdleTimeout: 5 * time.Minute},
		ReplyPool:             pool.Config{Low: 1, High: 10, IdleTimeout: 5 * time.Minute},
		PoolPolicy:            "grow",
	}
}

// Validate checks Config and resolves derived settings.
func (c *Config) Validate() error {
	if c.TargetDestination == "" {
		return fmt.Errorf("config: target_destination required")
	}
	if _, err := parseDeliveryMode(c.DeliveryMode); err != nil {
		return err
	}
	if c.Priority < 0 || c.Priority > 9 {
		return fmt.Errorf("config: priority must be within [0, 9], got %d", c.Priority)
	}
	switch c.MessageType {
	case MessageTypeText, MessageTypeByte, MessageTypeBinary:
	case "":
		c.MessageType = MessageTypeByte
	default:
		return fmt.Errorf("config: unknown message_type %q", c.MessageType)
	}
	if c.ConcurrentConsumers < 1 {
		return fmt.Errorf("config: concurrent_consumers must be >= 1, got %d", c.ConcurrentConsumers)
	}
	if c.MaxConcurrentTasks < 1 {
		return fmt.Errorf("config: max_concurrent_tasks must be >= 1, got %d", c.MaxConcurrentTasks)
	}
	if c.ReceiveTimeout < 0 || c.TimeToLive < 0 {
		return fmt.Errorf("config: receive_timeout and time_to_live must be >= 0")
	}
	if c.MaxSuspendedContinuations < 0 {
		return fmt.Errorf("config: max_suspended_continuations must be >= 0, got %d", c.MaxSuspendedContinuations)
	}
	if c.ReconnectPercentOfMax < 0 || c.ReconnectPercentOfMax > 100 {
		return fmt.Errorf("config: reconnect_percent_of_max must be within [0, 100], got %d", c.ReconnectPercentOfMax)
	}
	if c.DurableSubscriptionName != "" && c.ClientID == "" {
		return fmt.Errorf("config: durable_subscription_name requires client_id")
	}
	if c.RetryInterval <= 0 {
		return fmt.Errorf("config: retry_interval must be > 0, got %v", c.RetryInterval)
	}
	policy, err := pool.ParsePolicy(c.PoolPolicy)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	c.SessionPool.Policy = policy
	c.ReplyPool.Policy = policy
	if err := c.SessionPool.Validate(); err != nil {
		return fmt.Errorf("config: session_pool: %w", err)
	}
	if err := c.ReplyPool.Validate(); err != nil {
		return fmt.Errorf("config: reply_pool: %w", err)
	}
	return nil
}

// Target returns the target destination.
func (c *Config) Target() xjms.Destination {
	if c.PubSubDomain {
		return xjms.TopicDestination(c.TargetDestination)
	}
	return xjms.QueueDestination(c.TargetDestination)
}

// Reply returns the static reply destination, if one is configured.
func (c *Config) Reply() (xjms.Destination, bool) {
	if c.ReplyDestination == "" {
		return xjms.Destination{}, false
	}
	if c.ReplyPubSubDomain {
		return xjms.TopicDestination(c.ReplyDestination), true
	}
	return xjms.QueueDestination(c.ReplyDestination), true
}

// SendOptions returns the configured producer QoS.
func (c *Config) SendOptions() xjms.SendOptions {
	mode, _ := parseDeliveryMode(c.DeliveryMode)
	return xjms.SendOptions{DeliveryMode: mode, Priority: c.Priority, TimeToLive: c.TimeToLive}
}

// ThrottleLimits returns the low and high marks for a given maximum number of
// suspended continuations. high is 0 when throttling is disabled.
func ThrottleLimits(maxSuspended, reconnectPercent int) (low, high int) {
	if maxSuspended <= 0 {
		return 0, 0
	}
	low = maxSuspended * reconnectPercent / 100
	if low > maxSuspended {
		low = maxSuspended
	}
	return low, maxSuspended
}

func parseDeliveryMode(s string) (xjms.DeliveryMode, error) {
	switch strings.ToLower(strings.ReplaceAll(s, "-", "_")) {
	case "", "persistent":
		return xjms.Persistent, nil
	case "non_persistent", "nonpersistent":
		return xjms.NonPersistent, nil
	}
	return xjms.DeliveryModeUnset, fmt.Errorf("config: unknown delivery_mode %q", s)
}

// LoadConfig reads a YAML file over Defaults and validates it.
func LoadConfig(path string) (Config, error) {
	cfg := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ConfigFromMap overlays a generic map onto Defaults. Keys use the YAML names.
func ConfigFromMap(m map[string]any) Config {
	getInt := func(k string, d int) int {
		switch v := m[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		default:
			return d
		}
	}

	getBool := func(k string, d bool) bool {
		if v, ok := m[k].(bool); ok {
			return v
		}
		return d
	}

	getStr := func(k, d string) string {
		if v, ok := m[k].(string); ok {
			return v
		}
		return d
	}

	getDur := func(k string, d time.Duration) time.Duration {
		switch v := m[k].(type) {
		case time.Duration:
			return v
		case string:
			if p, err := time.ParseDuration(v); err == nil {
				return p
			}
		case float64:
			return time.Duration(v)
		case int:
			return time.Duration(v)
		}
		return d
	}

	c := Defaults()
	c.Provider = getStr("provider", c.Provider)
	if pc, ok := m["provider_config"].(map[string]any); ok {
		c.ProviderConfig = pc
	}
	c.TargetDestination = getStr("target_destination", c.TargetDestination)
	c.ReplyDestination = getStr("reply_destination", c.ReplyDestination)
	c.PubSubDomain = getBool("pub_sub_domain", c.PubSubDomain)
	c.ReplyPubSubDomain = getBool("reply_pub_sub_domain", c.ReplyPubSubDomain)
	c.PubSubNoLocal = getBool("pub_sub_no_local", c.PubSubNoLocal)
	c.DurableSubscriptionName = getStr("durable_subscription_name", c.DurableSubscriptionName)
	c.ClientID = getStr("client_id", c.ClientID)
	c.MessageSelector = getStr("message_selector", c.MessageSelector)
	c.ReceiveTimeout = getDur("receive_timeout", c.ReceiveTimeout)
	c.TimeToLive = getDur("time_to_live", c.TimeToLive)
	c.DeliveryMode = getStr("delivery_mode", c.DeliveryMode)
	c.Priority = getInt("priority", c.Priority)
	c.MessageType = MessageType(getStr("message_type", string(c.MessageType)))
	c.ConcurrentConsumers = getInt("concurrent_consumers", c.ConcurrentConsumers)
	c.MaxConcurrentTasks = getInt("max_concurrent_tasks", c.MaxConcurrentTasks)
	c.SessionTransacted = getBool("session_transacted", c.SessionTransacted)
	c.UseConduitIDSelector = getBool("use_conduit_id_selector", c.UseConduitIDSelector)
	c.ConduitSelectorPrefix = getStr("conduit_selector_prefix", c.ConduitSelectorPrefix)
	c.UseMessageIDAsCorrelationID = getBool("use_message_id_as_correlation_id", c.UseMessageIDAsCorrelationID)
	c.CorrelationWait = getDur("correlation_wait", c.CorrelationWait)
	c.MaxSuspendedContinuations = getInt("max_suspended_continuations", c.MaxSuspendedContinuations)
	c.ReconnectPercentOfMax = getInt("reconnect_percent_of_max", c.ReconnectPercentOfMax)
	c.RequireSOAPJMSHeaders = getBool("require_soapjms_headers", c.RequireSOAPJMSHeaders)
	c.Charset = getStr("charset", c.Charset)
	c.RequestURI = getStr("request_uri", c.RequestURI)
	c.TargetService = getStr("target_service", c.TargetService)
	c.RetryInterval = getDur("retry_interval", c.RetryInterval)
	c.MaxReconnectAttempts = getInt("max_reconnect_attempts", c.MaxReconnectAttempts)
	c.SessionPool.Low = getInt("session_pool_low", c.SessionPool.Low)
	c.SessionPool.High = getInt("session_pool_high", c.SessionPool.High)
	c.ReplyPool.Low = getInt("reply_pool_low", c.ReplyPool.Low)
	c.ReplyPool.High = getInt("reply_pool_high", c.ReplyPool.High)
	c.PoolPolicy = getStr("pool_policy", c.PoolPolicy)
	return c
}
