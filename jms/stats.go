package jms

import (
	"github.com/trickstertwo/xjms/pool"
)

// ConduitStats is a point-in-time snapshot of a Conduit.
type ConduitStats struct {
	ID       string
	InFlight int
	Sent     uint64
	Replies  uint64
	Timeouts uint64
	// Misses counts replies dropped because no exchange was waiting for them.
	Misses        uint64
	Closed        bool
	Breaker       string
	Sessions      pool.Stats
	ReplySessions pool.Stats
}

// DestinationStats is a point-in-time snapshot of a Destination.
type DestinationStats struct {
	Active     bool
	Listening  bool
	Received   uint64
	Dispatched uint64
	Failed     uint64
	Replies    uint64
	Suspended  int64
	Reconnects uint64
	Sessions   pool.Stats
}
