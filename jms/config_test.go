package jms

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xjms"
	"github.com/trickstertwo/xjms/pool"
)

func TestDefaults_Validate(t *testing.T) {
	cfg := Defaults()
	assert.Error(t, cfg.Validate(), "target destination is required")

	cfg.TargetDestination = "q"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, pool.Grow, cfg.SessionPool.Policy)
	assert.Equal(t, xjms.SendOptions{DeliveryMode: xjms.Persistent, Priority: 4}, cfg.SendOptions())
	assert.Equal(t, xjms.QueueDestination("q"), cfg.Target())
	_, ok := cfg.Reply()
	assert.False(t, ok)
}

func TestConfig_ValidateRejects(t *testing.T) {
	cases := map[string]func(c *Config){
		"delivery mode":      func(c *Config) { c.DeliveryMode = "sometimes" },
		"priority":           func(c *Config) { c.Priority = 10 },
		"message type":       func(c *Config) { c.MessageType = "xml" },
		"consumers":          func(c *Config) { c.ConcurrentConsumers = 0 },
		"tasks":              func(c *Config) { c.MaxConcurrentTasks = 0 },
		"negative timeout":   func(c *Config) { c.ReceiveTimeout = -time.Second },
		"percent":            func(c *Config) { c.ReconnectPercentOfMax = 101 },
		"durable without id": func(c *Config) { c.DurableSubscriptionName = "sub" },
		"retry interval":     func(c *Config) { c.RetryInterval = 0 },
		"pool policy":        func(c *Config) { c.PoolPolicy = "lifo" },
		"pool bounds":        func(c *Config) { c.SessionPool.Low = 20 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Defaults()
			cfg.TargetDestination = "q"
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConfig_DestinationsAndQoS(t *testing.T) {
	cfg := Defaults()
	cfg.TargetDestination = "news"
	cfg.PubSubDomain = true
	cfg.ReplyDestination = "answers"
	cfg.ReplyPubSubDomain = true
	cfg.DeliveryMode = "non-persistent"
	cfg.TimeToLive = time.Minute
	require.NoError(t, cfg.Validate())

	assert.Equal(t, xjms.TopicDestination("news"), cfg.Target())
	reply, ok := cfg.Reply()
	require.True(t, ok)
	assert.Equal(t, xjms.TopicDestination("answers"), reply)
	assert.Equal(t, xjms.NonPersistent, cfg.SendOptions().DeliveryMode)
	assert.Equal(t, time.Minute, cfg.SendOptions().TimeToLive)
}

func TestThrottleLimits(t *testing.T) {
	low, high := ThrottleLimits(5, 100)
	assert.Equal(t, 5, low)
	assert.Equal(t, 5, high)

	low, high = ThrottleLimits(10, 70)
	assert.Equal(t, 7, low)
	assert.Equal(t, 10, high)

	low, high = ThrottleLimits(0, 70)
	assert.Zero(t, low)
	assert.Zero(t, high)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jms.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
target_destination: orders
reply_destination: orders.replies
receive_timeout: 750ms
max_suspended_continuations: 8
pool_policy: block
session_pool:
  low: 2
  high: 4
  idle_timeout: 1m
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "orders", cfg.TargetDestination)
	assert.Equal(t, 750*time.Millisecond, cfg.ReceiveTimeout)
	assert.Equal(t, 8, cfg.MaxSuspendedContinuations)
	assert.Equal(t, 2, cfg.SessionPool.Low)
	assert.Equal(t, 4, cfg.SessionPool.High)
	assert.Equal(t, time.Minute, cfg.SessionPool.IdleTimeout)
	assert.Equal(t, pool.Block, cfg.SessionPool.Policy)
	assert.Equal(t, pool.Block, cfg.ReplyPool.Policy)
	assert.Equal(t, 4, cfg.Priority, "defaults survive")

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestConfigFromMap(t *testing.T) {
	cfg := ConfigFromMap(map[string]any{
		"target_destination":   "q",
		"receive_timeout":      "2s",
		"priority":             7,
		"session_transacted":   true,
		"concurrent_consumers": float64(3),
		"provider":             "memory",
		"provider_config":      map[string]any{"broker": "x"},
	})
	assert.Equal(t, "q", cfg.TargetDestination)
	assert.Equal(t, 2*time.Second, cfg.ReceiveTimeout)
	assert.Equal(t, 7, cfg.Priority)
	assert.True(t, cfg.SessionTransacted)
	assert.Equal(t, 3, cfg.ConcurrentConsumers)
	assert.Equal(t, "memory", cfg.Provider)
	assert.Equal(t, "x", cfg.ProviderConfig["broker"])
	assert.True(t, cfg.UseConduitIDSelector)
}
