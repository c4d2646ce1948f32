// Package locks provides the non-blocking row latch used by the memory
// engine. TryLock doubles as the NOWAIT acquisition primitive: queue scans
// skip rows whose latch is held instead of waiting on them.
package locks

import (
	"runtime"
	"sync"
	"time"
)

// writeProtectNs shields a pending writer from a stream of readers; without
// it a hot row could starve pair creation indefinitely.
const writeProtectNs = 5 * 1000

type RWLock struct {
	read                int
	write               int
	writeProtectEndTime int64
	mu                  sync.Mutex
}

func NewLocker() *RWLock {
	return &RWLock{}
}

// TryLock attempts the exclusive latch without waiting.
func (c *RWLock) TryLock() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.write == 1 || c.read > 0 {
		c.writeProtectEndTime = time.Now().UnixNano() + writeProtectNs
		return false
	}
	c.write = 1
	c.writeProtectEndTime = time.Now().UnixNano()
	return true
}

func (c *RWLock) Lock() {
	for !c.TryLock() {
		runtime.Gosched()
	}
}

func (c *RWLock) Unlock() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.write = 0
}

// TryRLock attempts the shared latch; it yields to a protected writer.
func (c *RWLock) TryRLock() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.write == 1 || time.Now().UnixNano() < c.writeProtectEndTime {
		return false
	}
	c.read++
	return true
}

func (c *RWLock) RLock() {
	for !c.TryRLock() {
		runtime.Gosched()
	}
}

func (c *RWLock) RUnlock() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.read > 0 {
		c.read--
	}
}
