package redisstream

import (
	"fmt"

	"github.com/trickstertwo/xjms"
)

const ProviderName = "redis-streams"

func init() {
	if err := xjms.RegisterProvider(ProviderName, func(cfg map[string]any) (xjms.ConnectionFactory, error) {
		return NewFactory(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xjms/redisstream: failed to register provider %q: %w", ProviderName, err))
	}
}

// Use builds a Bus backed by Redis Streams, installs it as the process-wide
// default and returns it.
//
// It fails fast by panicking if construction fails (production-friendly when
// the broker must be available at startup).
func Use(cfg Config, opts ...Option) *xjms.Bus {
	bb := xjms.NewBusBuilder().
		WithProvider(ProviderName, cfg.toMap())

	for _, o := range opts {
		if o != nil {
			o(bb)
		}
	}
	bus, err := bb.Build()
	if err != nil {
		panic(fmt.Errorf("redisstream.Use: %w", err))
	}

	xjms.SetDefault(bus)
	return bus
}
