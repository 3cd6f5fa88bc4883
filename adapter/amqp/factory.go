package amqp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/trickstertwo/xjms"
)

const ProviderName = "amqp091"

func init() {
	if err := xjms.RegisterProvider(ProviderName, func(cfg map[string]any) (xjms.ConnectionFactory, error) {
		return NewFactory(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xjms/amqp: failed to register provider %q: %w", ProviderName, err))
	}
}

// Factory dials one AMQP connection per xjms connection.
type Factory struct {
	cfg Config
}

var _ xjms.ConnectionFactory = (*Factory)(nil)

// NewFactory validates cfg. No connection is made until CreateConnection.
func NewFactory(cfg Config) (*Factory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Factory{cfg: cfg}, nil
}

// CreateConnection dials the broker and returns a stopped connection.
func (f *Factory) CreateConnection(ctx context.Context) (xjms.Connection, error) {
	dialer := &net.Dialer{Timeout: f.cfg.DialTimeout}
	acfg := amqp091.Config{
		Heartbeat: f.cfg.Heartbeat,
		Dial: func(network, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
	}
	if f.cfg.TLS {
		acfg.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	conn, err := amqp091.DialConfig(f.cfg.dialURL(), acfg)
	if err != nil {
		return nil, err
	}
	return newConnection(f, conn), nil
}

// Use builds a Bus backed by AMQP 0.9.1, installs it as the process-wide
// default and returns it. It panics if construction fails.
func Use(cfg Config, opts ...func(*xjms.BusBuilder)) *xjms.Bus {
	bb := xjms.NewBusBuilder().WithProvider(ProviderName, cfg.toMap())
	for _, o := range opts {
		if o != nil {
			o(bb)
		}
	}
	bus, err := bb.Build()
	if err != nil {
		panic(fmt.Errorf("amqp.Use: %w", err))
	}
	xjms.SetDefault(bus)
	return bus
}
