//go:build !linux

package shm

import (
	"sync/atomic"
	"time"
)

const spinSleep = 50 * time.Microsecond

// FutexWait spin-sleeps while *addr == val, for at most timeout.
func FutexWait(addr *uint32, val uint32, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for atomic.LoadUint32(addr) == val && time.Now().Before(deadline) {
		time.Sleep(spinSleep)
	}
}

// FutexWake is a no-op; FutexWait polls.
func FutexWake(addr *uint32, n int) {}
