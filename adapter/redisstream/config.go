package redisstream

import (
	"fmt"
	"os"
	"time"
)

// Config for the Redis Streams broker provider.
type Config struct {
	// Connection
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string

	// Prefix namespaces every stream key the provider creates (default "xjms:").
	Prefix string
	// Consumer names this process inside durable subscription groups.
	Consumer string
	// BatchSize bounds XRANGE/XREADGROUP COUNT when scanning for a matching entry.
	BatchSize int
	// Block is the longest single XREAD BLOCK; Receive re-checks ctx between blocks.
	Block time.Duration

	// Stream management
	MaxLenApprox int64

	// Pending entry recovery for durable subscriptions
	ClaimMinIdle  time.Duration
	ClaimBatch    int
	ClaimInterval time.Duration
}

// Defaults returns a Config with production-safe defaults.
func Defaults() Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "xjms"
	}

	return Config{
		Addr:          "127.0.0.1:6379",
		Prefix:        "xjms:",
		Consumer:      fmt.Sprintf("xjms-%s-%d", hostname, os.Getpid()),
		BatchSize:     128,
		Block:         time.Second,
		ClaimBatch:    128,
		ClaimInterval: 15 * time.Second,
	}
}

// Validate checks Config for production readiness.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr required")
	}
	if c.Consumer == "" {
		return fmt.Errorf("config: consumer required")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("config: batch_size must be >= 1, got %d", c.BatchSize)
	}
	if c.Block <= 0 {
		return fmt.Errorf("config: block must be > 0, got %v", c.Block)
	}
	if c.ClaimMinIdle > 0 && c.ClaimInterval <= 0 {
		return fmt.Errorf("config: claim_interval must be > 0 if claim_min_idle is set")
	}
	return nil
}

// toMap converts Config to the generic map expected by the provider factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"addr":            c.Addr,
		"username":        c.Username,
		"password":        c.Password,
		"db":              c.DB,
		"tls":             c.TLS,
		"tls_server_name": c.TLSServerName,
		"prefix":          c.Prefix,
		"consumer":        c.Consumer,
		"batch_size":      c.BatchSize,
		"block":           c.Block,
		"max_len_approx":  c.MaxLenApprox,
		"claim_min_idle":  c.ClaimMinIdle,
		"claim_batch":     c.ClaimBatch,
		"claim_interval":  c.ClaimInterval,
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
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
		return def
	}
	getInt64 := func(k string, def int64) int64 {
		switch v := m[k].(type) {
		case int:
			return int64(v)
		case int32:
			return int64(v)
		case int64:
			return v
		case float64:
			return int64(v)
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
		Addr:          getString("addr", d.Addr),
		Username:      getString("username", ""),
		Password:      getString("password", ""),
		DB:            getInt("db", 0),
		TLS:           getBool("tls", false),
		TLSServerName: getString("tls_server_name", ""),

		Prefix:    getString("prefix", d.Prefix),
		Consumer:  getString("consumer", d.Consumer),
		BatchSize: getInt("batch_size", d.BatchSize),
		Block:     getDur("block", d.Block),

		MaxLenApprox: getInt64("max_len_approx", 0),

		ClaimMinIdle:  getDur("claim_min_idle", 0),
		ClaimBatch:    getInt("claim_batch", d.ClaimBatch),
		ClaimInterval: getDur("claim_interval", d.ClaimInterval),
	}
}
