// Package redisstream provides a Redis Streams broker provider for xjms.
//
// Provider name: "redis-streams"
//
// Every queue, topic and temporary queue is one stream under Config.Prefix.
// Queue consumers claim an entry by deleting it (XDEL returns 1 for exactly
// one claimant), so selectors are evaluated client-side before the claim.
// Topic subscribers read from the stream tail with XREAD; durable
// subscriptions are consumer groups named after the client id and
// subscription name, so unacknowledged entries survive a restart and can be
// claimed from a dead consumer.
//
// Config keys:
//   - addr: "host:port" (default "127.0.0.1:6379")
//   - prefix: stream key prefix (default "xjms:")
//   - consumer: consumer name inside durable groups (default "xjms-<host>-<pid>")
//   - batch_size: scan COUNT (default 128)
//   - block: longest XREAD BLOCK (default 1s)
//   - max_len_approx: approximate MAXLEN trim on XADD (default 0, unbounded)
//   - claim_min_idle, claim_batch, claim_interval: pending entry recovery
//
// Example builder usage:
//
//	bus, _ := xjms.NewBusBuilder().
//	    WithProvider(redisstream.ProviderName, map[string]any{
//	        "addr":     "localhost:6379",
//	        "prefix":   "payments:",
//	        "consumer": "service-a",
//	    }).
//	    Build()
package redisstream
