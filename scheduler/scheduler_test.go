package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManual_FiresInOrder(t *testing.T) {
	m := NewManual()
	var order []int
	m.AfterFunc(2*time.Second, func() { order = append(order, 2) })
	m.AfterFunc(1*time.Second, func() { order = append(order, 1) })
	m.AfterFunc(5*time.Second, func() { order = append(order, 5) })

	m.Advance(3 * time.Second)
	assert.Equal(t, []int{1, 2}, order)
	assert.Equal(t, 1, m.Pending())

	m.Advance(2 * time.Second)
	assert.Equal(t, []int{1, 2, 5}, order)
}

func TestManual_CancelIsIdempotent(t *testing.T) {
	m := NewManual()
	fired := false
	h := m.AfterFunc(time.Second, func() { fired = true })

	assert.True(t, h.Cancel())
	assert.False(t, h.Cancel())

	m.Advance(time.Minute)
	assert.False(t, fired)
}

func TestManual_CancelAfterFire(t *testing.T) {
	m := NewManual()
	h := m.AfterFunc(time.Second, func() {})
	m.Advance(time.Second)
	assert.False(t, h.Cancel())
}

func TestTimer_CancelPreventsCallback(t *testing.T) {
	var fired atomic.Bool
	h := NewTimer().AfterFunc(50*time.Millisecond, func() { fired.Store(true) })

	assert.True(t, h.Cancel())
	assert.False(t, h.Cancel())

	time.Sleep(100 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestTimer_Fires(t *testing.T) {
	done := make(chan struct{})
	NewTimer().AfterFunc(10*time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		assert.Fail(t, "timer did not fire")
	}
}
