package jms

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xjms"
	"github.com/trickstertwo/xjms/adapter/memory"
	"github.com/trickstertwo/xjms/exchange"
)

type rawClient struct {
	sess xjms.Session
	prod xjms.Producer
}

func newRawClient(t *testing.T, b *memory.Broker) *rawClient {
	t.Helper()
	conn, err := b.CreateConnection(context.Background())
	require.NoError(t, err)
	require.NoError(t, conn.Start())
	t.Cleanup(func() { _ = conn.Close() })
	sess, err := conn.CreateSession(false)
	require.NoError(t, err)
	prod, err := sess.CreateProducer()
	require.NoError(t, err)
	return &rawClient{sess: sess, prod: prod}
}

// soapRequest returns a request carrying the SOAP/JMS headers a compliant client sends.
func soapRequest(body string) *xjms.Message {
	tm := xjms.NewBytesMessage([]byte(body))
	tm.SetProperty(PropBindingVersion, BindingVersion)
	tm.SetProperty(PropContentType, "text/xml")
	tm.SetProperty(PropRequestURI, "jms:queue:orders")
	return tm
}

func (c *rawClient) send(t *testing.T, to string, tm *xjms.Message) {
	t.Helper()
	require.NoError(t, c.prod.Send(context.Background(), xjms.QueueDestination(to), tm, xjms.SendOptions{}))
}

func (c *rawClient) receive(t *testing.T, from string) *xjms.Message {
	t.Helper()
	cons, err := c.sess.CreateConsumer(xjms.QueueDestination(from), "")
	require.NoError(t, err)
	defer cons.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	tm, err := cons.Receive(ctx)
	require.NoError(t, err)
	return tm
}

func TestDestination_PopulatesInboundMessage(t *testing.T) {
	bus, broker := newBus(t)
	var rec recorder
	d := startServer(t, bus, testConfig("orders"), func(_ *Destination, _ context.Context, in *exchange.Message) error {
		rec.add(in)
		return nil
	})

	tm := soapRequest("<order/>")
	tm.SetProperty("X-Tenant", "acme")
	tm.SetProperty(PropUserID, "alice")
	tm.CorrelationID = "c-1"
	newRawClient(t, broker).send(t, "orders", tm)

	require.Eventually(t, func() bool { return rec.len() == 1 }, 2*time.Second, 10*time.Millisecond)
	in := rec.all()[0]

	assert.Equal(t, "<order/>", string(in.Content))
	assert.Equal(t, "acme", in.Headers().Get("X-Tenant"))
	assert.Equal(t, "c-1", in.GetString(exchange.KeyCorrelationID))
	assert.Equal(t, "text/xml", in.ContentType())

	req, ok := in.Get(exchange.KeyRequestMessage).(*xjms.Message)
	require.True(t, ok)
	assert.Equal(t, tm.MessageID, req.MessageID)
	hdrs, ok := in.Get(exchange.KeyServerRequestHeaders).(*MessageHeaders)
	require.True(t, ok)
	assert.Equal(t, BindingVersion, hdrs.BindingVersion)
	assert.IsType(t, &MessageHeaders{}, in.Get(exchange.KeyServerReplyHeaders))

	sc, ok := exchange.SecurityContextOf(in)
	require.True(t, ok)
	assert.Equal(t, "alice", sc.UserPrincipal().Name())

	assert.Same(t, d, in.Exchange().Owner())
	assert.True(t, in.Exchange().IsOneWay())
	_, ok = exchange.ContinuationOf(in)
	assert.True(t, ok)
}

func TestDestination_RejectsNonCompliantRequestWithFault(t *testing.T) {
	bus, broker := newBus(t)
	var calls atomic.Int32
	startServer(t, bus, testConfig("strict"), func(*Destination, context.Context, *exchange.Message) error {
		calls.Add(1)
		return nil
	})

	client := newRawClient(t, broker)
	tm := xjms.NewBytesMessage([]byte("<x/>"))
	replyTo := xjms.QueueDestination("strict.replies")
	tm.ReplyTo = &replyTo
	client.send(t, "strict", tm)

	got := client.receive(t, "strict.replies")
	assert.Equal(t, tm.MessageID, got.CorrelationID)
	fault, _ := got.Property(PropIsFault)
	assert.Equal(t, "true", fault)
	assert.Contains(t, string(got.Payload()), "missingBindingVersion")
	assert.Zero(t, calls.Load())
}

func TestDestination_ReplyCorrelation(t *testing.T) {
	bus, broker := newBus(t)
	cfg := testConfig("corr")
	cfg.ReplyDestination = "corr.static"
	startServer(t, bus, cfg, echo)
	client := newRawClient(t, broker)

	// request correlation id is echoed; no reply-to falls back to the static reply queue
	tm := soapRequest("a")
	tm.CorrelationID = "mine"
	client.send(t, "corr", tm)
	got := client.receive(t, "corr.static")
	assert.Equal(t, "mine", got.CorrelationID)
	assert.Equal(t, "echo:a", string(got.Payload()))

	// without a correlation id the message id is echoed
	tm = soapRequest("b")
	client.send(t, "corr", tm)
	got = client.receive(t, "corr.static")
	assert.Equal(t, tm.MessageID, got.CorrelationID)
}

func TestDestination_UseMessageIDAsCorrelationID(t *testing.T) {
	bus, broker := newBus(t)
	cfg := testConfig("msgid")
	cfg.UseMessageIDAsCorrelationID = true
	startServer(t, bus, cfg, echo)
	client := newRawClient(t, broker)

	tm := soapRequest("a")
	tm.CorrelationID = "ignored"
	replyTo := xjms.QueueDestination("msgid.replies")
	tm.ReplyTo = &replyTo
	client.send(t, "msgid", tm)

	got := client.receive(t, "msgid.replies")
	assert.Equal(t, tm.MessageID, got.CorrelationID)
	v, _ := got.Property(PropBindingVersion)
	assert.Equal(t, BindingVersion, v)
	_, hasURI := got.Property(PropRequestURI)
	assert.False(t, hasURI)
}

func TestDestination_ConversionFailureIsIsolated(t *testing.T) {
	bus, broker := newBus(t)
	cfg := testConfig("mixed")
	var rec recorder
	d := startServer(t, bus, cfg, func(_ *Destination, _ context.Context, in *exchange.Message) error {
		rec.add(in)
		return nil
	})
	client := newRawClient(t, broker)

	bad := soapRequest("x")
	bad.SetProperty(PropContentType, "text/xml; charset=no-such-charset")
	client.send(t, "mixed", bad)
	client.send(t, "mixed", soapRequest("good"))

	require.Eventually(t, func() bool { return rec.len() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "good", string(rec.all()[0].Content))
	assert.Eventually(t, func() bool { return d.Stats().Failed == 1 }, time.Second, 10*time.Millisecond)
}

func TestDestination_PanickingObserverDoesNotStopListener(t *testing.T) {
	bus, broker := newBus(t)
	var calls atomic.Int32
	startServer(t, bus, testConfig("panicky"), func(*Destination, context.Context, *exchange.Message) error {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return nil
	})
	client := newRawClient(t, broker)
	client.send(t, "panicky", soapRequest("1"))
	client.send(t, "panicky", soapRequest("2"))

	assert.Eventually(t, func() bool { return calls.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestDestination_TransactedFailureIsRedelivered(t *testing.T) {
	bus, broker := newBus(t)
	cfg := testConfig("tx")
	cfg.SessionTransacted = true

	var (
		mu          sync.Mutex
		redelivered []bool
	)
	startServer(t, bus, cfg, func(_ *Destination, ctx context.Context, in *exchange.Message) error {
		_, inTx := TransactionFromContext(ctx)
		req := in.Get(exchange.KeyRequestMessage).(*xjms.Message)
		mu.Lock()
		redelivered = append(redelivered, req.Redelivered)
		n := len(redelivered)
		mu.Unlock()
		if !inTx {
			return errors.New("no transaction bound")
		}
		if n == 1 {
			return errors.New("database unavailable")
		}
		return nil
	})
	newRawClient(t, broker).send(t, "tx", soapRequest("once"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(redelivered) == 2
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{false, true}, redelivered)
	assert.Zero(t, broker.Depth("tx"))
}

func TestDestination_TransactedFaultIsNotRedelivered(t *testing.T) {
	bus, broker := newBus(t)
	cfg := testConfig("tx.fault")
	cfg.SessionTransacted = true

	var calls atomic.Int32
	startServer(t, bus, cfg, func(*Destination, context.Context, *exchange.Message) error {
		calls.Add(1)
		return &exchange.Fault{Code: "Client", Reason: "rejected"}
	})
	newRawClient(t, broker).send(t, "tx.fault", soapRequest("x"))

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())
}

type recordingTxManager struct {
	commits, rollbacks atomic.Int32
}

func (m *recordingTxManager) Begin(context.Context) (Transaction, error) {
	return (*recordingTx)(m), nil
}

type recordingTx recordingTxManager

func (t *recordingTx) Commit() error   { t.commits.Add(1); return nil }
func (t *recordingTx) Rollback() error { t.rollbacks.Add(1); return nil }

func TestDestination_ExternalTransactionFollowsDelivery(t *testing.T) {
	bus, broker := newBus(t)
	cfg := testConfig("xa")
	cfg.SessionTransacted = true
	txm := &recordingTxManager{}

	d, err := NewDestination(bus, cfg, WithTransactionManager(txm))
	require.NoError(t, err)
	var calls atomic.Int32
	d.SetMessageObserver(exchange.ObserverFunc(func(context.Context, *exchange.Message) error {
		if calls.Add(1) == 1 {
			return errors.New("fail once")
		}
		return nil
	}))
	require.NoError(t, d.Activate(context.Background()))
	defer d.Shutdown(context.Background())

	newRawClient(t, broker).send(t, "xa", soapRequest("x"))
	require.Eventually(t, func() bool { return txm.commits.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, txm.rollbacks.Load())
}

func TestDestination_ThrottlesSuspendedContinuations(t *testing.T) {
	bus, broker := newBus(t)
	cfg := testConfig("slow")
	cfg.MaxSuspendedContinuations = 5
	cfg.ReconnectPercentOfMax = 100

	var (
		mu      sync.Mutex
		pending []exchange.Continuation
		resumed atomic.Int32
	)
	d := startServer(t, bus, cfg, func(_ *Destination, _ context.Context, in *exchange.Message) error {
		c, ok := exchange.ContinuationOf(in)
		if !ok {
			return errors.New("no continuation")
		}
		if c.IsResumed() {
			resumed.Add(1)
			return nil
		}
		mu.Lock()
		pending = append(pending, c)
		mu.Unlock()
		return c.Suspend(0)
	})
	counter := d.Throttle()
	assert.Equal(t, 5, counter.Low())
	assert.Equal(t, 5, counter.High())

	client := newRawClient(t, broker)
	for i := 0; i < 5; i++ {
		client.send(t, "slow", soapRequest("work"))
	}
	require.Eventually(t, func() bool { return counter.Count() == 5 }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, counter.Running())
	assert.False(t, d.Stats().Listening)

	// a request arriving while throttled waits on the broker
	client.send(t, "slow", soapRequest("later"))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, broker.Depth("slow"))

	mu.Lock()
	first := pending
	pending = nil
	mu.Unlock()
	for _, c := range first {
		c.Resume()
	}

	require.Eventually(t, func() bool { return resumed.Load() == 5 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, counter.Running())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(pending) == 1 && counter.Count() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, d.Stats().Listening)
}

func TestDestination_ContinuationTimeoutResumes(t *testing.T) {
	bus, broker := newBus(t)
	var timedOut atomic.Bool
	startServer(t, bus, testConfig("timeouts"), func(_ *Destination, _ context.Context, in *exchange.Message) error {
		c, _ := exchange.ContinuationOf(in)
		if c.IsResumed() {
			timedOut.Store(c.IsTimeout())
			return nil
		}
		return c.Suspend(50 * time.Millisecond)
	})
	newRawClient(t, broker).send(t, "timeouts", soapRequest("x"))
	assert.Eventually(t, timedOut.Load, 2*time.Second, 10*time.Millisecond)
}

func TestDestination_LifecycleIsIdempotent(t *testing.T) {
	bus, broker := newBus(t)
	var calls atomic.Int32
	d := startServer(t, bus, testConfig("life"), func(*Destination, context.Context, *exchange.Message) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, d.Activate(context.Background()))

	require.NoError(t, d.Deactivate(context.Background()))
	require.NoError(t, d.Deactivate(context.Background()))
	assert.False(t, d.Stats().Active)

	client := newRawClient(t, broker)
	client.send(t, "life", soapRequest("queued"))
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, calls.Load())

	require.NoError(t, d.Activate(context.Background()))
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, d.Shutdown(context.Background()))
		}()
	}
	wg.Wait()
	assert.ErrorIs(t, d.Activate(context.Background()), ErrDestinationClosed)
}

func TestDestination_ReconnectsAfterListenerFailure(t *testing.T) {
	bus, broker := newBus(t)
	var calls atomic.Int32
	d := startServer(t, bus, testConfig("flaky"), func(*Destination, context.Context, *exchange.Message) error {
		calls.Add(1)
		return nil
	})

	// dropping the connection under the listener fails its consumers
	d.factory.ResetConnection()
	require.Eventually(t, func() bool { return d.Stats().Reconnects >= 1 && d.Stats().Listening }, 2*time.Second, 10*time.Millisecond)

	newRawClient(t, broker).send(t, "flaky", soapRequest("after"))
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestDestination_BusCloseShutsDown(t *testing.T) {
	bus, _ := newBus(t)
	d := startServer(t, bus, testConfig("bus"), func(*Destination, context.Context, *exchange.Message) error { return nil })
	require.NoError(t, bus.Close(context.Background()))
	assert.False(t, d.Stats().Active)
	assert.ErrorIs(t, d.Activate(context.Background()), ErrDestinationClosed)
}

func TestDestination_ActivateWarmsSessionPool(t *testing.T) {
	bus, _ := newBus(t)
	cfg := testConfig("warm")
	cfg.SessionPool.Low = 2
	d := startServer(t, bus, cfg, echo)

	s := d.Stats()
	assert.Equal(t, cfg.SessionPool.Low, s.Sessions.Idle)
	assert.EqualValues(t, cfg.SessionPool.Low, s.Sessions.Created)
	_, replies := d.factory.Stats()
	assert.Zero(t, replies.Created, "replies go out on producer sessions")
}

func TestDestination_FinishedDispatchReleasesSuspension(t *testing.T) {
	bus, broker := newBus(t)
	cfg := testConfig("abandoned")
	cfg.MaxSuspendedContinuations = 5
	d := startServer(t, bus, cfg, func(_ *Destination, _ context.Context, in *exchange.Message) error {
		c, ok := exchange.ContinuationOf(in)
		if !ok {
			return errors.New("no continuation")
		}
		_ = c.Suspend(0)
		// the observer completes synchronously after all
		return nil
	})

	newRawClient(t, broker).send(t, "abandoned", soapRequest("x"))
	require.Eventually(t, func() bool { return d.Stats().Dispatched == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, d.Throttle().Count())
	assert.True(t, d.Throttle().Running())
}
