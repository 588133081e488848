package scheduler

import (
	"reflect"
	"sync"
)

// SourceId identifies a registered producer endpoint. Callers choose
// their own IDs; the scheduler only requires they be unique.
type SourceId uint64

// Time is a packet's priority key: smaller values are delivered first.
// The reference producer uses microseconds since an arbitrary epoch, and
// expects a monotonically non-decreasing sequence per source, but the
// scheduler itself treats it as an opaque ordering key.
type Time int64

// SinkFunc is invoked once per delivered packet. It must call
// Scheduler.ReleasePacket exactly once, from any goroutine, when done
// reading pkt. SinkFunc must not block for long, and must never call
// back into the Scheduler for the same (source, sink) pair in a way
// that could deadlock on the packet it was just handed.
type SinkFunc func(ctx any, sourceID SourceId, pkt Packet, timestamp Time)

// Packet is a fixed-size byte region owned by a Source, handed to
// AcquirePacket and returned via SubmitPacket/ReleasePacket. The zero
// Packet represents the "no packet available" sentinel spec.md calls
// "null" (see AcquirePacket).
type Packet struct {
	source *sourceState
	index  int
}

// Valid reports whether p refers to a real packet slot, as opposed to
// the zero-value sentinel AcquirePacket returns on pool exhaustion.
func (p Packet) Valid() bool { return p.source != nil }

// Bytes returns the packet's backing storage. Callers may read and
// write it freely until it is released.
func (p Packet) Bytes() []byte {
	sz := p.source.packetSize
	off := p.index * sz
	return p.source.buffer[off : off+sz]
}

type subscription struct {
	cb    SinkFunc
	ctx   any
	onUI  bool
	token uintptr // reflect.ValueOf(cb).Pointer(), for identity comparisons
}

// sourceState holds everything the design's §3 "Source" attaches to a
// registered source: the packet pool (buffer + free list + per-packet
// in-use/refcount bookkeeping) and the subscription list, all guarded by
// one per-source lock. The lock must never be held across a call into
// sink code (§5); every method here only touches in-memory slices and
// releases the lock before returning.
type sourceState struct {
	mu sync.Mutex // per-source lock: a blocking sync.Mutex, not a spinlock

	packetSize int
	buffer     []byte

	free      []int // stack of free packet indices; LIFO pop yields low indices first
	inUse     []bool
	refcount  []int32

	subs []subscription
}

// newSourceState allocates a Source's packet pool. free is seeded
// [N-1, N-2, ..., 0] so LIFO pops return index 0 first, matching
// spec.md §4.C.2.
func newSourceState(packetSize, depth int) *sourceState {
	s := &sourceState{
		packetSize: packetSize,
		buffer:     make([]byte, packetSize*depth),
		free:       make([]int, depth),
		inUse:      make([]bool, depth),
		refcount:   make([]int32, depth),
	}
	for i := 0; i < depth; i++ {
		s.free[i] = depth - 1 - i
	}
	return s
}

// acquire pops a free packet index, or reports ok=false on exhaustion.
func (s *sourceState) acquire() (idx int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.free)
	if n == 0 {
		return 0, false
	}
	idx = s.free[n-1]
	s.free = s.free[:n-1]
	if s.inUse[idx] || s.refcount[idx] != 0 {
		panic("scheduler: corrupt free list (index already in use)")
	}
	s.inUse[idx] = true
	return idx, true
}

// subscriptionsSnapshot returns a copy of the current subscription list,
// taken under the per-source lock, so the caller can fan out tasks without
// holding the lock across queue operations.
func (s *sourceState) subscriptionsSnapshot() []subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]subscription, len(s.subs))
	copy(out, s.subs)
	return out
}

// setRefcountAfterSubmit sets idx's refcount to n (the subscriber count
// about to receive a task for it) and, if n is zero (no subscribers at
// all), returns the slot to the free list immediately. Callers must call
// this before enqueuing any of the n tasks, not after, so a release
// racing with submission never observes a refcount of zero on a packet
// that is still in flight.
func (s *sourceState) setRefcountAfterSubmit(idx int, n int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refcount[idx] = n
	if n == 0 {
		s.inUse[idx] = false
		s.free = append(s.free, idx)
	}
}

// release decrements idx's refcount, returning it to the free list once
// it reaches zero. Panics on over-release (more releases than
// subscriptions at submission time), a programmer error per spec.md §7.
func (s *sourceState) release(idx int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inUse[idx] || s.refcount[idx] <= 0 {
		panic("scheduler: release of a packet that is not in use")
	}
	s.refcount[idx]--
	if s.refcount[idx] == 0 {
		s.inUse[idx] = false
		s.free = append(s.free, idx)
	}
}

// subscribe appends (cb, ctx, onUI), rejecting a callback already
// registered for this source (identity by code pointer, the Go
// analogue of spec.md's "equality by callback pointer alone" — see
// SPEC_FULL.md §4.C).
func (s *sourceState) subscribe(cb SinkFunc, ctx any, onUI bool) bool {
	token := reflect.ValueOf(cb).Pointer()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.token == token {
			return false
		}
	}
	s.subs = append(s.subs, subscription{cb: cb, ctx: ctx, onUI: onUI, token: token})
	return true
}

// unsubscribe removes a callback by swap-and-pop identity match.
//
// Open question (spec.md §9): tasks already enqueued for this
// subscription are NOT retracted — they still fire, exactly as the
// original design specifies. A generation-tagging scheme could make
// stale tasks a no-op, but that would silently change observable
// behavior the design explicitly calls out as a deliberate (if
// debatable) choice, so this keeps the strict original contract.
func (s *sourceState) unsubscribe(cb SinkFunc) {
	token := reflect.ValueOf(cb).Pointer()

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subs {
		if sub.token == token {
			last := len(s.subs) - 1
			s.subs[i] = s.subs[last]
			s.subs = s.subs[:last]
			return
		}
	}
}

// packetCount returns N, the source's fixed pool depth.
func (s *sourceState) packetCount() int {
	return len(s.inUse)
}

// freeCount returns the number of currently-free packet slots.
func (s *sourceState) freeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.free)
}
