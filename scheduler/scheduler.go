// Package scheduler fires callbacks after a delay. Handles are cancelable
// any number of times.
package scheduler

import (
	"sort"
	"sync"
	"time"
)

type Handle interface {
	// Cancel stops the callback. It reports whether the call prevented the
	// callback from running; repeated calls return false.
	Cancel() bool
}

type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Handle
}

// Timer is the wall-clock scheduler backed by time.AfterFunc.
type Timer struct{}

func NewTimer() Timer {
	return Timer{}
}

func (Timer) AfterFunc(d time.Duration, f func()) Handle {
	return &timerHandle{t: time.AfterFunc(d, f)}
}

type timerHandle struct {
	once sync.Once
	t    *time.Timer
}

func (h *timerHandle) Cancel() bool {
	stopped := false
	h.once.Do(func() {
		stopped = h.t.Stop()
	})
	return stopped
}

// Manual is a deterministic scheduler for tests and simulations. Callbacks
// only run from Advance, on the caller's goroutine.
type Manual struct {
	mu      sync.Mutex
	now     time.Duration
	nextId  uint64
	pending map[uint64]*manualTask
}

type manualTask struct {
	id  uint64
	at  time.Duration
	f   func()
	ran bool
	off bool
}

func NewManual() *Manual {
	return &Manual{pending: make(map[uint64]*manualTask)}
}

func (m *Manual) AfterFunc(d time.Duration, f func()) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextId++
	task := &manualTask{id: m.nextId, at: m.now + d, f: f}
	m.pending[task.id] = task
	return &manualHandle{m: m, task: task}
}

// Advance moves the clock forward and runs every callback that became due,
// in due order.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now += d
	var due []*manualTask
	for id, task := range m.pending {
		if task.at <= m.now {
			due = append(due, task)
			task.ran = true
			delete(m.pending, id)
		}
	}
	m.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].at == due[j].at {
			return due[i].id < due[j].id
		}
		return due[i].at < due[j].at
	})
	for _, task := range due {
		task.f()
	}
}

// Pending returns the number of scheduled, not yet fired callbacks.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

type manualHandle struct {
	m    *Manual
	task *manualTask
}

func (h *manualHandle) Cancel() bool {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	if h.task.ran || h.task.off {
		return false
	}
	h.task.off = true
	delete(h.m.pending, h.task.id)
	return true
}
