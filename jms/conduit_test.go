package jms

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xjms"
	"github.com/trickstertwo/xjms/adapter/memory"
	"github.com/trickstertwo/xjms/exchange"
)

func TestConduit_SyncRequestReplyOverTemporaryQueue(t *testing.T) {
	bus, _ := newBus(t)
	cfg := testConfig("echo")
	startServer(t, bus, cfg, echo)
	c := newConduit(t, bus, cfg)

	ex := newExchange(true)
	require.NoError(t, c.SendExchange(context.Background(), ex, []byte("ping")))

	require.True(t, ex.Correlated())
	assert.Equal(t, "echo:ping", string(ex.InMessage().Content))
	token, _ := ex.Get(exchange.KeyCorrelationID).(string)
	assert.Contains(t, token, c.tokens.Prefix())
	assert.Equal(t, token, ex.InMessage().GetString(exchange.KeyCorrelationID))

	s := c.Stats()
	assert.Zero(t, s.InFlight)
	assert.EqualValues(t, 1, s.Sent)
	assert.EqualValues(t, 1, s.Replies)
	assert.Equal(t, 1, s.ReplySessions.Idle)
}

func TestConduit_SyncRequestReplyOverStaticReplyQueue(t *testing.T) {
	bus, _ := newBus(t)
	cfg := testConfig("echo")
	cfg.ReplyDestination = "echo.replies"
	startServer(t, bus, cfg, echo)
	c := newConduit(t, bus, cfg)

	ex := newExchange(true)
	require.NoError(t, c.SendExchange(context.Background(), ex, []byte("ping")))
	assert.Equal(t, "echo:ping", string(ex.InMessage().Content))
}

func TestConduit_OneWayAllocatesNoTokenAndNoListener(t *testing.T) {
	bus, _ := newBus(t)
	cfg := testConfig("sink")
	var rec recorder
	startServer(t, bus, cfg, func(d *Destination, _ context.Context, in *exchange.Message) error {
		rec.add(in)
		return reply(d, in, []byte("ignored"))
	})
	c := newConduit(t, bus, cfg)

	ex := newExchange(true)
	ex.SetOneWay(true)
	start := time.Now()
	require.NoError(t, c.SendExchange(context.Background(), ex, []byte("fire")))
	assert.Less(t, time.Since(start), time.Second)

	assert.Nil(t, ex.Get(exchange.KeyCorrelationID))
	assert.Zero(t, c.Stats().InFlight)
	c.listenerMu.Lock()
	assert.Nil(t, c.listener)
	c.listenerMu.Unlock()

	require.Eventually(t, func() bool { return rec.len() == 1 }, 2*time.Second, 10*time.Millisecond)
	in := rec.all()[0]
	assert.True(t, in.Exchange().IsOneWay())
	assert.Equal(t, "fire", string(in.Content))
}

func TestConduit_ReceiveTimeout(t *testing.T) {
	bus, _ := newBus(t)
	cfg := testConfig("silent")
	cfg.ReceiveTimeout = 500 * time.Millisecond
	startServer(t, bus, cfg, func(*Destination, context.Context, *exchange.Message) error { return nil })
	c := newConduit(t, bus, cfg)

	ex := newExchange(true)
	start := time.Now()
	err := c.SendExchange(context.Background(), ex, []byte("anyone?"))
	took := time.Since(start)

	require.ErrorIs(t, err, ErrReceiveTimeout)
	assert.ErrorIs(t, ex.Err(), ErrReceiveTimeout)
	assert.False(t, ex.Correlated())
	assert.GreaterOrEqual(t, took, 500*time.Millisecond)
	assert.Less(t, took, 900*time.Millisecond)
	assert.Zero(t, c.Stats().InFlight)
	assert.EqualValues(t, 1, c.Stats().Timeouts)
}

func TestConduit_ConcurrentRepliesInReverseOrder(t *testing.T) {
	bus, _ := newBus(t)
	cfg := testConfig("reverse")
	cfg.ReplyDestination = "reverse.replies"

	var rec recorder
	startServer(t, bus, cfg, func(d *Destination, _ context.Context, in *exchange.Message) error {
		if rec.add(in) < 2 {
			return nil
		}
		ins := rec.all()
		for i := len(ins) - 1; i >= 0; i-- {
			if err := reply(d, ins[i], ins[i].Content); err != nil {
				return err
			}
		}
		return nil
	})
	c := newConduit(t, bus, cfg)

	exs := []*exchange.Exchange{newExchange(true), newExchange(true)}
	errs := make([]error, len(exs))
	var wg sync.WaitGroup
	for i, ex := range exs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = c.SendExchange(context.Background(), ex, []byte(fmt.Sprintf("req-%d", i)))
		}()
	}
	wg.Wait()

	tokens := map[string]bool{}
	for i, ex := range exs {
		require.NoError(t, errs[i])
		assert.Equal(t, fmt.Sprintf("req-%d", i), string(ex.InMessage().Content))
		tokens[ex.Get(exchange.KeyCorrelationID).(string)] = true
	}
	assert.Len(t, tokens, 2)
}

func TestConduit_AsyncRepliesThroughSharedListener(t *testing.T) {
	bus, _ := newBus(t)
	cfg := testConfig("async")
	cfg.ReplyDestination = "async.replies"
	startServer(t, bus, cfg, echo)
	c := newConduit(t, bus, cfg)

	var (
		mu       sync.Mutex
		observed []string
	)
	c.SetMessageObserver(exchange.ObserverFunc(func(_ context.Context, m *exchange.Message) error {
		mu.Lock()
		observed = append(observed, string(m.Content))
		mu.Unlock()
		return nil
	}))

	const n = 5
	exs := make([]*exchange.Exchange, n)
	for i := range exs {
		exs[i] = newExchange(false)
		require.NoError(t, c.SendExchange(context.Background(), exs[i], []byte(fmt.Sprintf("m%d", i))))
	}
	for i, ex := range exs {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		require.NoError(t, ex.Wait(ctx))
		cancel()
		assert.Equal(t, fmt.Sprintf("echo:m%d", i), string(ex.InMessage().Content))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(observed) == n
	}, time.Second, 10*time.Millisecond)
	assert.Zero(t, c.Stats().Misses)
	assert.Zero(t, c.Stats().InFlight)
}

func TestConduit_PrefixSelectorIsolatesConduitsSharingReplyQueue(t *testing.T) {
	bus, _ := newBus(t)
	cfg := testConfig("shared")
	cfg.ReplyDestination = "shared.replies"
	startServer(t, bus, cfg, echo)
	a := newConduit(t, bus, cfg)
	b := newConduit(t, bus, cfg)
	require.NotEqual(t, a.tokens.Prefix(), b.tokens.Prefix())

	var all []*exchange.Exchange
	for i := 0; i < 4; i++ {
		for _, c := range []*Conduit{a, b} {
			ex := newExchange(false)
			require.NoError(t, c.SendExchange(context.Background(), ex, []byte(c.ID())))
			all = append(all, ex)
		}
	}
	for _, ex := range all {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		require.NoError(t, ex.Wait(ctx))
		cancel()
	}
	assert.Zero(t, a.Stats().Misses)
	assert.Zero(t, b.Stats().Misses)
	assert.EqualValues(t, 4, a.Stats().Replies)
	assert.EqualValues(t, 4, b.Stats().Replies)
}

func TestConduit_AsyncTimeoutFailsExchange(t *testing.T) {
	bus, _ := newBus(t)
	cfg := testConfig("silent.async")
	cfg.ReceiveTimeout = 100 * time.Millisecond
	startServer(t, bus, cfg, func(*Destination, context.Context, *exchange.Message) error { return nil })
	c := newConduit(t, bus, cfg)

	ex := newExchange(false)
	require.NoError(t, c.SendExchange(context.Background(), ex, []byte("x")))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.ErrorIs(t, ex.Wait(ctx), ErrReceiveTimeout)
	assert.Zero(t, c.Stats().InFlight)
}

func TestConduit_UserCorrelationID(t *testing.T) {
	bus, _ := newBus(t)
	cfg := testConfig("echo.user")
	startServer(t, bus, cfg, echo)
	c := newConduit(t, bus, cfg)

	ex := newExchange(true)
	ex.OutMessage().Put(exchange.KeyCorrelationID, "caller-42")
	require.NoError(t, c.SendExchange(context.Background(), ex, []byte("hi")))
	assert.Equal(t, "caller-42", ex.InMessage().GetString(exchange.KeyCorrelationID))
}

func TestConduit_MessageIDCorrelation(t *testing.T) {
	bus, _ := newBus(t)
	cfg := testConfig("echo.msgid")
	cfg.UseConduitIDSelector = false
	startServer(t, bus, cfg, echo)
	c := newConduit(t, bus, cfg)

	ex := newExchange(true)
	require.NoError(t, c.SendExchange(context.Background(), ex, []byte("hi")))
	token := ex.Get(exchange.KeyCorrelationID).(string)
	assert.Contains(t, token, "ID:")
	assert.Equal(t, "echo:hi", string(ex.InMessage().Content))
}

func TestConduit_ReplyPubSubSynchronous(t *testing.T) {
	bus, _ := newBus(t)
	cfg := testConfig("echo.topic")
	cfg.ReplyDestination = "echo.reply.topic"
	cfg.ReplyPubSubDomain = true
	startServer(t, bus, cfg, echo)
	c := newConduit(t, bus, cfg)

	ex := newExchange(true)
	require.NoError(t, c.SendExchange(context.Background(), ex, []byte("pub")))
	assert.Equal(t, "echo:pub", string(ex.InMessage().Content))
}

func TestConduit_FaultReply(t *testing.T) {
	bus, _ := newBus(t)
	cfg := testConfig("faulty")
	startServer(t, bus, cfg, func(*Destination, context.Context, *exchange.Message) error {
		return &exchange.Fault{Code: "Client", Reason: "bad <input>"}
	})
	c := newConduit(t, bus, cfg)

	ex := newExchange(true)
	require.NoError(t, c.SendExchange(context.Background(), ex, []byte("x")))
	require.NotNil(t, ex.InFaultMessage())
	assert.Contains(t, string(ex.InFaultMessage().Content), "bad &lt;input&gt;")
	hdrs := ex.InMessage().Get(exchange.KeyClientReplyHeaders).(*MessageHeaders)
	assert.True(t, hdrs.IsFault)
}

func TestConduit_ClientErrors(t *testing.T) {
	bus, _ := newBus(t)

	cfg := testConfig("q")
	c := newConduit(t, bus, cfg)
	err := c.SendExchange(context.Background(), exchange.New(), nil)
	assert.ErrorIs(t, err, ErrMissingOutMessage)
	assert.True(t, IsClientError(err))
	assert.EqualError(t, err, "jms: exchange has no outbound message")

	ex := newExchange(false)
	ex.OutMessage().Put(exchange.KeyCorrelationID, "mine")
	err = c.SendExchange(context.Background(), ex, nil)
	assert.ErrorIs(t, err, ErrAsyncUserCorrelationID)
	assert.True(t, IsClientError(err))

	text := testConfig("q")
	text.MessageType = MessageTypeText
	tc := newConduit(t, bus, text)
	ex = newExchange(true)
	ex.OutMessage().Attachments = []exchange.Attachment{{ID: "a", Data: []byte{1}}}
	err = tc.SendExchange(context.Background(), ex, nil)
	assert.ErrorIs(t, err, ErrTextWithAttachments)

	assert.Zero(t, bus.GetMetrics().Sent)
	sessions, replies := c.factory.Stats()
	assert.Zero(t, sessions.Created+replies.Created)
}

func TestConduit_PrepareSendsOnClose(t *testing.T) {
	bus, _ := newBus(t)
	cfg := testConfig("echo.stream")
	startServer(t, bus, cfg, echo)
	c := newConduit(t, bus, cfg)

	ex := newExchange(true)
	w, err := c.Prepare(context.Background(), ex.OutMessage())
	require.NoError(t, err)
	_, _ = w.Write([]byte("str"))
	_, _ = w.Write([]byte("eam"))
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.Equal(t, "echo:stream", string(ex.InMessage().Content))

	_, err = c.Prepare(context.Background(), exchange.NewMessage())
	assert.ErrorIs(t, err, ErrMissingOutMessage)
}

func TestConduit_CloseFailsInFlightExchanges(t *testing.T) {
	bus, _ := newBus(t)
	cfg := testConfig("blackhole")
	cfg.ReplyDestination = "blackhole.replies"
	cfg.ReceiveTimeout = 0
	startServer(t, bus, cfg, func(*Destination, context.Context, *exchange.Message) error { return nil })
	c, err := NewConduit(bus, cfg)
	require.NoError(t, err)
	registered := bus.Registered()

	ex := newExchange(false)
	require.NoError(t, c.SendExchange(context.Background(), ex, []byte("x")))

	syncEx := newExchange(true)
	done := make(chan error, 1)
	go func() { done <- c.SendExchange(context.Background(), syncEx, []byte("y")) }()
	require.Eventually(t, func() bool { return c.Stats().InFlight == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Close(context.Background()))
	require.NoError(t, c.Close(context.Background()))

	assert.ErrorIs(t, ex.Err(), ErrConduitClosed)
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrConduitClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("synchronous send did not return after Close")
	}
	assert.Equal(t, registered-1, bus.Registered())
	assert.ErrorIs(t, c.SendExchange(context.Background(), newExchange(true), nil), ErrConduitClosed)
	assert.True(t, c.Stats().Closed)
}

func TestConduit_BreakerOpensOnConnectionFailures(t *testing.T) {
	bus, err := xjms.NewBusBuilder().WithConnectionFactory(failingFactory{}).Build()
	require.NoError(t, err)
	defer bus.Close(context.Background())

	cfg := testConfig("down")
	cfg.BreakerFailures = 2
	cfg.BreakerTimeout = time.Minute
	c := newConduit(t, bus, cfg)

	ex := newExchange(true)
	ex.SetOneWay(true)
	for i := 0; i < 2; i++ {
		err := c.SendExchange(context.Background(), ex, nil)
		assert.ErrorIs(t, err, errBrokerDown)
	}
	err = c.SendExchange(context.Background(), ex, nil)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, "open", c.Stats().Breaker)
}

var errBrokerDown = errors.New("broker down")

type failingFactory struct{}

func (failingFactory) CreateConnection(context.Context) (xjms.Connection, error) {
	return nil, errBrokerDown
}

func TestConduit_GeneratesTokenWhenProviderAssignsNoIDs(t *testing.T) {
	broker := memory.NewBroker(memory.Config{})
	require.False(t, xjms.AssignsMessageIDs(broker))
	bus, err := xjms.NewBusBuilder().WithConnectionFactory(broker).Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close(context.Background()) })

	cases := []struct {
		name    string
		replyTo string
		sync    bool
	}{
		{name: "temporary queue", sync: true},
		{name: "static reply queue", replyTo: "noids.replies", sync: true},
		{name: "shared listener", replyTo: "noids.async.replies"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig("noids." + strings.ReplaceAll(tc.name, " ", "."))
			cfg.UseConduitIDSelector = false
			cfg.ReplyDestination = tc.replyTo
			startServer(t, bus, cfg, echo)
			c := newConduit(t, bus, cfg)

			ex := newExchange(tc.sync)
			require.NoError(t, c.SendExchange(context.Background(), ex, []byte("hi")))
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			require.NoError(t, ex.Wait(ctx))

			assert.Equal(t, "echo:hi", string(ex.InMessage().Content))
			token, _ := ex.Get(exchange.KeyCorrelationID).(string)
			assert.True(t, strings.HasPrefix(token, c.tokens.Prefix()), token)
		})
	}
}

func TestConduit_ReconnectsAfterBrokerDropsConnection(t *testing.T) {
	bus, broker := newBus(t)
	cfg := testConfig("restart")
	d := startServer(t, bus, cfg, echo)
	c := newConduit(t, bus, cfg)
	ctx := context.Background()

	require.NoError(t, c.SendExchange(ctx, newExchange(true), []byte("before")))
	require.Positive(t, broker.DropConnections())

	// the pooled session died with its connection
	err := c.SendExchange(ctx, newExchange(true), []byte("lost"))
	require.ErrorIs(t, err, xjms.ErrSessionClosed)

	require.Eventually(t, func() bool {
		s := d.Stats()
		return s.Listening && s.Reconnects >= 1
	}, 2*time.Second, 10*time.Millisecond)

	ex := newExchange(true)
	require.NoError(t, c.SendExchange(ctx, ex, []byte("after")))
	assert.Equal(t, "echo:after", string(ex.InMessage().Content))
}

func TestConduit_StrayReplyReportsListenerDestination(t *testing.T) {
	bus, broker := newBus(t)
	misses := make(chan xjms.Event, 4)
	bus.AddObserver(xjms.ObserverFunc(func(e xjms.Event) {
		if e.Type == xjms.EventCorrelation {
			misses <- e
		}
	}))

	cfg := testConfig("stray")
	cfg.ReplyDestination = "stray.replies"
	cfg.UseConduitIDSelector = false
	startServer(t, bus, cfg, echo)
	c := newConduit(t, bus, cfg)

	// queued before the listener exists, so it is consumed while the listener starts
	stray := soapRequest("late")
	stray.CorrelationID = "nobody"
	newRawClient(t, broker).send(t, "stray.replies", stray)

	ex := newExchange(false)
	require.NoError(t, c.SendExchange(context.Background(), ex, []byte("hi")))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ex.Wait(ctx))

	select {
	case e := <-misses:
		assert.Equal(t, "nobody", e.CorrelationID)
		assert.Equal(t, xjms.QueueDestination("stray.replies").String(), e.Destination)
	case <-time.After(2 * time.Second):
		t.Fatal("no correlation miss reported")
	}
	assert.EqualValues(t, 1, c.Stats().Misses)
}
