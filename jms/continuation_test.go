package jms

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xjms/exchange"
	"github.com/trickstertwo/xjms/throttle"
)

type countingListener struct{ starts, stops atomic.Int32 }

func (l *countingListener) Start() { l.starts.Add(1) }
func (l *countingListener) Stop()  { l.stops.Add(1) }

func TestContinuation_SuspendResume(t *testing.T) {
	var l countingListener
	counter := throttle.New(0, 1, &l)
	var resumed atomic.Int32
	var changes []bool
	c := &continuation{
		counter:  counter,
		resume:   func() { resumed.Add(1) },
		onChange: func(s bool) { changes = append(changes, s) },
	}

	assert.True(t, c.IsNew())
	err := c.Suspend(0)
	assert.ErrorIs(t, err, exchange.ErrSuspended)
	assert.True(t, c.IsPending())
	assert.EqualValues(t, 1, counter.Count())
	assert.EqualValues(t, 1, l.stops.Load())

	assert.ErrorIs(t, c.Suspend(0), exchange.ErrSuspended, "suspending twice stays pending")
	assert.EqualValues(t, 1, counter.Count())

	c.Resume()
	c.Resume()
	assert.True(t, c.IsResumed())
	assert.False(t, c.IsTimeout())
	assert.EqualValues(t, 1, resumed.Load())
	assert.Zero(t, counter.Count())
	assert.EqualValues(t, 1, l.starts.Load())
	assert.Equal(t, []bool{true, false}, changes)
}

func TestContinuation_ResumeBeforeSuspend(t *testing.T) {
	counter := throttle.New(0, 0, nil)
	var resumed atomic.Int32
	c := &continuation{counter: counter, resume: func() { resumed.Add(1) }}

	c.Resume()
	assert.True(t, c.IsResumed())
	assert.NoError(t, c.Suspend(time.Second), "an early resume lets the invocation continue")
	assert.True(t, c.IsNew())
	assert.Zero(t, counter.Count())
	assert.Zero(t, resumed.Load())
}

func TestContinuation_TimeoutResumes(t *testing.T) {
	counter := throttle.New(0, 0, nil)
	done := make(chan struct{})
	c := &continuation{counter: counter, resume: func() { close(done) }}

	require.ErrorIs(t, c.Suspend(20*time.Millisecond), exchange.ErrSuspended)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("continuation did not time out")
	}
	assert.True(t, c.IsTimeout())
	assert.True(t, c.IsResumed())
	assert.Zero(t, counter.Count())

	c.Reset()
	assert.True(t, c.IsNew())
	assert.False(t, c.IsTimeout())
}

func TestContinuationProvider_CompleteReleasesSlot(t *testing.T) {
	counter := throttle.New(0, 0, nil)
	var resumed atomic.Int32
	p := &continuationProvider{c: &continuation{counter: counter, resume: func() { resumed.Add(1) }}}

	m := exchange.NewMessage()
	m.Put(exchange.KeyContinuationProvider, p)
	c, ok := exchange.ContinuationOf(m)
	require.True(t, ok)

	_ = c.Suspend(time.Hour)
	assert.EqualValues(t, 1, counter.Count())
	p.Complete()
	assert.Zero(t, counter.Count())
	assert.True(t, c.IsNew())
	p.Complete()
	assert.Zero(t, counter.Count())
	assert.Zero(t, resumed.Load())
}
