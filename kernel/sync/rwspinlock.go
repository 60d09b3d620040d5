package sync

import "sync/atomic"

// rwWriteLocked marks state as held for writing; any non-negative state is
// the number of active readers.
const rwWriteLocked = -1

// RWSpinlock is a reader-writer spinlock: any number of readers may hold it
// concurrently, but a writer excludes every reader and every other writer.
// Structural VMA list edits (map/unmap/set_attr) take it for writing; lookups
// that only read the list (vma_find, the page-fault router) take it for
// reading and may run concurrently with each other.
type RWSpinlock struct {
	state int32
}

// RLock acquires the lock for reading.
func (l *RWSpinlock) RLock() {
	var attempts uint32
	for {
		s := atomic.LoadInt32(&l.state)
		if s >= 0 && atomic.CompareAndSwapInt32(&l.state, s, s+1) {
			return
		}
		attempts++
		if attempts >= 64 {
			attempts = 0
			if yieldFn != nil {
				yieldFn()
			}
		}
	}
}

// RUnlock releases a read lock acquired via RLock.
func (l *RWSpinlock) RUnlock() {
	atomic.AddInt32(&l.state, -1)
}

// Lock acquires the lock for writing, excluding every reader and writer.
func (l *RWSpinlock) Lock() {
	var attempts uint32
	for !atomic.CompareAndSwapInt32(&l.state, 0, rwWriteLocked) {
		attempts++
		if attempts >= 64 {
			attempts = 0
			if yieldFn != nil {
				yieldFn()
			}
		}
	}
}

// Unlock releases a write lock acquired via Lock.
func (l *RWSpinlock) Unlock() {
	atomic.StoreInt32(&l.state, 0)
}
