package bus

import (
	"sync/atomic"
	"time"

	"github.com/inference-sim/vpmu/bus/shm"
)

// Semaphore is a counting semaphore that can live in shared memory. Waiters
// block on a futex over count, so a post from another process wakes them.
type Semaphore struct {
	count   uint32
	waiters uint32
}

// semPollInterval bounds a single futex sleep so stop conditions are polled.
const semPollInterval = 50 * time.Millisecond

// Post increments the count and wakes one waiter.
func (s *Semaphore) Post() {
	atomic.AddUint32(&s.count, 1)
	if atomic.LoadUint32(&s.waiters) > 0 {
		shm.FutexWake(&s.count, 1)
	}
}

// Wait decrements the count, blocking while it is zero. It returns false as
// soon as stop reports true.
func (s *Semaphore) Wait(stop func() bool) bool {
	for {
		c := atomic.LoadUint32(&s.count)
		if c > 0 {
			if atomic.CompareAndSwapUint32(&s.count, c, c-1) {
				return true
			}
			continue
		}
		if stop() {
			return false
		}
		atomic.AddUint32(&s.waiters, 1)
		shm.FutexWait(&s.count, 0, semPollInterval)
		atomic.AddUint32(&s.waiters, ^uint32(0))
	}
}

// signal is the in-process wakeup: a one-slot channel, so posting twice
// before a wait wakes the waiter once.
type signal chan struct{}

func newSignal() signal { return make(signal, 1) }

func (s signal) post() {
	select {
	case s <- struct{}{}:
	default:
	}
}

// park blocks until the signal is posted or d elapses.
func (s signal) park(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s:
	case <-t.C:
	}
}
