package jms

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xjms"
	"github.com/trickstertwo/xjms/adapter/memory"
	"github.com/trickstertwo/xjms/exchange"
)

func newBus(t *testing.T) (*xjms.Bus, *memory.Broker) {
	t.Helper()
	broker := memory.NewBroker(memory.Config{AssignIDs: true})
	bus, err := xjms.NewBusBuilder().WithConnectionFactory(broker).Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close(context.Background()) })
	return bus, broker
}

func testConfig(target string) Config {
	cfg := Defaults()
	cfg.TargetDestination = target
	cfg.ReceiveTimeout = 2 * time.Second
	cfg.CorrelationWait = 200 * time.Millisecond
	cfg.RetryInterval = 50 * time.Millisecond
	return cfg
}

func newExchange(synchronous bool) *exchange.Exchange {
	ex := exchange.New()
	ex.SetSynchronous(synchronous)
	ex.SetOutMessage(exchange.NewMessage())
	return ex
}

// reply answers in through its back-channel.
func reply(d *Destination, in *exchange.Message, body []byte) error {
	w, err := d.BackChannel(in)
	if err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	return w.Close()
}

// startServer activates a destination on target whose observer is fn.
func startServer(t *testing.T, bus *xjms.Bus, cfg Config, fn func(d *Destination, ctx context.Context, in *exchange.Message) error) *Destination {
	t.Helper()
	d, err := NewDestination(bus, cfg)
	require.NoError(t, err)
	d.SetMessageObserver(exchange.ObserverFunc(func(ctx context.Context, in *exchange.Message) error {
		return fn(d, ctx, in)
	}))
	require.NoError(t, d.Activate(context.Background()))
	t.Cleanup(func() { _ = d.Shutdown(context.Background()) })
	return d
}

func echo(d *Destination, _ context.Context, in *exchange.Message) error {
	return reply(d, in, append([]byte("echo:"), in.Content...))
}

func newConduit(t *testing.T, bus *xjms.Bus, cfg Config) *Conduit {
	t.Helper()
	c, err := NewConduit(bus, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

// recorder collects inbound requests.
type recorder struct {
	mu  sync.Mutex
	ins []*exchange.Message
}

func (r *recorder) add(in *exchange.Message) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ins = append(r.ins, in)
	return len(r.ins)
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ins)
}

func (r *recorder) all() []*exchange.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*exchange.Message(nil), r.ins...)
}
