package jms

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xjms"
	"github.com/trickstertwo/xjms/adapter/memory"
)

func startedConnection(t *testing.T, b *memory.Broker, clientID string) xjms.Connection {
	t.Helper()
	conn, err := b.CreateConnection(context.Background())
	require.NoError(t, err)
	if clientID != "" {
		require.NoError(t, conn.SetClientID(clientID))
	}
	require.NoError(t, conn.Start())
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestListenerContainer_StartStopGatesDelivery(t *testing.T) {
	b := memory.NewBroker(memory.Config{AssignIDs: true})
	conn := startedConnection(t, b, "")
	client := newRawClient(t, b)

	var got atomic.Int32
	lc := NewListenerContainer(conn, ContainerConfig{Destination: xjms.QueueDestination("in"), Consumers: 2}, func(context.Context, *xjms.Message) error {
		got.Add(1)
		return nil
	}, nil)
	require.NoError(t, lc.Init(context.Background()))
	defer lc.Shutdown(context.Background())

	client.send(t, "in", xjms.NewTextMessage("1"))
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, got.Load(), "a stopped container does not deliver")

	lc.Start()
	lc.Start()
	assert.True(t, lc.IsRunning())
	require.Eventually(t, func() bool { return got.Load() == 1 }, time.Second, 5*time.Millisecond)

	lc.Stop()
	lc.Stop()
	assert.False(t, lc.IsRunning())
	client.send(t, "in", xjms.NewTextMessage("2"))
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, got.Load())
	assert.Equal(t, 1, b.Depth("in"))

	lc.Start()
	require.Eventually(t, func() bool { return got.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 2, lc.Received())
}

func TestListenerContainer_BoundsConcurrentTasks(t *testing.T) {
	b := memory.NewBroker(memory.Config{AssignIDs: true})
	conn := startedConnection(t, b, "")
	client := newRawClient(t, b)

	var inFlight, peak, done atomic.Int32
	lc := NewListenerContainer(conn, ContainerConfig{Destination: xjms.QueueDestination("work"), MaxConcurrentTasks: 2}, func(context.Context, *xjms.Message) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		done.Add(1)
		return nil
	}, nil)
	require.NoError(t, lc.Init(context.Background()))
	lc.Start()

	for i := 0; i < 8; i++ {
		client.send(t, "work", xjms.NewTextMessage("x"))
	}
	require.Eventually(t, func() bool { return done.Load() == 8 }, 2*time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.EqualValues(t, 2, peak.Load())
	require.NoError(t, lc.Shutdown(context.Background()))
	require.NoError(t, lc.Shutdown(context.Background()))
}

func TestListenerContainer_DurableSubscription(t *testing.T) {
	b := memory.NewBroker(memory.Config{AssignIDs: true})
	client := newRawClient(t, b)
	topic := xjms.TopicDestination("events")

	noID := startedConnection(t, b, "")
	lc := NewListenerContainer(noID, ContainerConfig{Destination: topic, DurableName: "audit"}, func(context.Context, *xjms.Message) error { return nil }, nil)
	assert.Error(t, lc.Init(context.Background()), "durable subscriptions need a client id")

	conn := startedConnection(t, b, "auditor")
	var got atomic.Int32
	lc = NewListenerContainer(conn, ContainerConfig{Destination: topic, DurableName: "audit", Consumers: 3}, func(context.Context, *xjms.Message) error {
		got.Add(1)
		return nil
	}, nil)
	require.NoError(t, lc.Init(context.Background()))
	assert.Len(t, lc.consumers, 1)
	lc.Start()
	defer lc.Shutdown(context.Background())

	require.NoError(t, client.prod.Send(context.Background(), topic, xjms.NewTextMessage("e"), xjms.SendOptions{}))
	assert.Eventually(t, func() bool { return got.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestListenerContainer_ReportsReceiveFailure(t *testing.T) {
	b := memory.NewBroker(memory.Config{AssignIDs: true})
	conn, err := b.CreateConnection(context.Background())
	require.NoError(t, err)
	require.NoError(t, conn.Start())

	lc := NewListenerContainer(conn, ContainerConfig{Destination: xjms.QueueDestination("gone")}, func(context.Context, *xjms.Message) error { return nil }, nil)
	require.NoError(t, lc.Init(context.Background()))
	lc.Start()
	defer lc.Shutdown(context.Background())

	require.NoError(t, conn.Close())
	select {
	case err := <-lc.Err():
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("receive failure not reported")
	}
}

func TestListenerContainer_TransactedRollbackOnError(t *testing.T) {
	b := memory.NewBroker(memory.Config{AssignIDs: true})
	conn := startedConnection(t, b, "")
	client := newRawClient(t, b)

	var attempts atomic.Int32
	lc := NewListenerContainer(conn, ContainerConfig{Destination: xjms.QueueDestination("tx.in"), Transacted: true}, func(ctx context.Context, tm *xjms.Message) error {
		tx, ok := TransactionFromContext(ctx)
		if !ok {
			return errors.New("no transaction")
		}
		if dt, ok := tx.(*deliveryTx); !ok || !dt.Session().Transacted() {
			return errors.New("not a session transaction")
		}
		if attempts.Add(1) < 3 {
			return errors.New("retry me")
		}
		return nil
	}, nil)
	require.NoError(t, lc.Init(context.Background()))
	lc.Start()
	defer lc.Shutdown(context.Background())

	client.send(t, "tx.in", xjms.NewTextMessage("x"))
	require.Eventually(t, func() bool { return attempts.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 3, attempts.Load())
	assert.Zero(t, b.Depth("tx.in"))
}
