package scheduler

import "sync/atomic"

// sourceTableSem is the hand-rolled reader-writer counting semaphore
// from the design's source-table locking section: a single integer
// counting down from W+1 (no writer, no readers), through positive
// values (readers in flight), to zero (a writer holds exclusive
// access). It is the same primitive regardless of how many workers W
// there are; the sentinel "full" value is fixed at construction time.
//
// This exists instead of a standard RWMutex because the design calls
// for readers (the hot path: one source-table lookup per packet) to
// never block on each other and to only spin, never block, when a
// writer is momentarily active — the rare writer (source registration)
// is the side that waits. A sync.RWMutex would give equivalent
// correctness but not this lock-free-on-the-read-side shape, which is
// the entire point of the design as documented in spec.md §9: "chosen
// only because it avoids a library dependency and keeps both sides
// lock-free in the common no-writer case."
type sourceTableSem struct {
	full    int32
	spinMax int
	value   atomic.Int32
}

// newSourceTableSem builds the semaphore for a Scheduler with the given
// worker count. Single-worker configurations use the lowered SPIN_MAX
// (spec.md §4.C.1: "lower to 4 when W = 1") since there is no other
// worker thread to make progress while this one spins.
func newSourceTableSem(workers int) *sourceTableSem {
	full := int32(workers + 1)
	spinMax := spinMaxDefault
	if workers == 1 {
		spinMax = spinMaxSolo
	}
	s := &sourceTableSem{full: full, spinMax: spinMax}
	s.value.Store(full)
	return s
}

// readLock decrements the counter from any positive value via a CAS
// loop, spinning (with periodic yield) while a writer holds the
// exclusive slot (value <= 0).
func (s *sourceTableSem) readLock() {
	sw := newSpinWait(s.spinMax)
	for {
		cur := s.value.Load()
		if cur > 0 && s.value.CompareAndSwap(cur, cur-1) {
			return
		}
		sw.Once()
	}
}

// readUnlock releases one reader slot.
func (s *sourceTableSem) readUnlock() {
	s.value.Add(1)
}

// writeLock waits until no readers are active (value == full) and then
// claims the exclusive slot by driving the counter to zero.
func (s *sourceTableSem) writeLock() {
	sw := newSpinWait(s.spinMax)
	for !s.value.CompareAndSwap(s.full, 0) {
		sw.Once()
	}
}

// writeUnlock restores the "no writer, no readers" sentinel.
func (s *sourceTableSem) writeUnlock() {
	s.value.Store(s.full)
}
