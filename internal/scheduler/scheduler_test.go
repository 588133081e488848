package scheduler_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"zamt/internal/scheduler"
)

// S1 — single-sink delivery.
func TestSingleSinkDelivery(t *testing.T) {
	s := scheduler.New(2, nil)
	defer s.Shutdown()

	const sourceID scheduler.SourceId = 1
	s.RegisterSource(sourceID, 1024, 62)

	var mu sync.Mutex
	seen := make(map[byte]bool)
	var calls int32

	done := make(chan struct{})
	cb := func(ctx any, src scheduler.SourceId, pkt scheduler.Packet, ts scheduler.Time) {
		b := pkt.Bytes()[0]
		wantTS := scheduler.Time(int64(b) * 1000)
		if ts != wantTS {
			t.Errorf("packet[0]=%d delivered with timestamp %d, want %d", b, ts, wantTS)
		}
		mu.Lock()
		seen[b] = true
		n := len(seen)
		mu.Unlock()
		s.ReleasePacket(pkt)
		if atomic.AddInt32(&calls, 1) == 62 {
			close(done)
		}
		_ = n
	}

	if !s.Subscribe(sourceID, cb, nil, false) {
		t.Fatal("subscribe rejected")
	}

	for i := 0; i < 62; i++ {
		pkt := s.AcquirePacket(sourceID)
		if !pkt.Valid() {
			t.Fatalf("pool exhausted at i=%d", i)
		}
		pkt.Bytes()[0] = byte(i)
		s.SubmitPacket(sourceID, pkt, scheduler.Time(int64(i)*1000))
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for delivery, got %d calls", atomic.LoadInt32(&calls))
	}

	if atomic.LoadInt32(&calls) != 62 {
		t.Fatalf("got %d calls, want 62", calls)
	}
	mu.Lock()
	if len(seen) != 62 {
		t.Fatalf("saw %d distinct values, want 62", len(seen))
	}
	mu.Unlock()
}

// S2 — multi-sink delivery: two worker sinks each receive all packets.
func TestMultiSinkDelivery(t *testing.T) {
	s := scheduler.New(2, nil)
	defer s.Shutdown()

	const sourceID scheduler.SourceId = 1
	s.RegisterSource(sourceID, 1024, 62)

	var callsA, callsB int32
	var wg sync.WaitGroup
	wg.Add(124)

	cbA := func(ctx any, src scheduler.SourceId, pkt scheduler.Packet, ts scheduler.Time) {
		atomic.AddInt32(&callsA, 1)
		s.ReleasePacket(pkt)
		wg.Done()
	}
	cbB := func(ctx any, src scheduler.SourceId, pkt scheduler.Packet, ts scheduler.Time) {
		atomic.AddInt32(&callsB, 1)
		s.ReleasePacket(pkt)
		wg.Done()
	}

	s.Subscribe(sourceID, cbA, nil, false)
	s.Subscribe(sourceID, cbB, nil, false)

	for i := 0; i < 62; i++ {
		pkt := s.AcquirePacket(sourceID)
		if !pkt.Valid() {
			t.Fatalf("pool exhausted at i=%d", i)
		}
		s.SubmitPacket(sourceID, pkt, scheduler.Time(int64(i)*1000))
	}

	waitOrTimeout(t, &wg, 5*time.Second)

	if callsA != 62 || callsB != 62 {
		t.Fatalf("callsA=%d callsB=%d, want 62 each", callsA, callsB)
	}
}

// S — pool exhaustion: AcquirePacket returns an invalid packet once the
// free list is empty, and never panics.
func TestPoolExhaustion(t *testing.T) {
	s := scheduler.New(1, nil)
	defer s.Shutdown()

	const sourceID scheduler.SourceId = 1
	s.RegisterSource(sourceID, 16, 4)

	var acquired []scheduler.Packet
	for i := 0; i < 4; i++ {
		pkt := s.AcquirePacket(sourceID)
		if !pkt.Valid() {
			t.Fatalf("unexpected exhaustion at i=%d", i)
		}
		acquired = append(acquired, pkt)
	}

	extra := s.AcquirePacket(sourceID)
	if extra.Valid() {
		t.Fatal("expected pool exhaustion to yield an invalid packet")
	}

	// No subscribers: submit should immediately free the slot.
	s.SubmitPacket(sourceID, acquired[0], 0)

	if got := s.AcquirePacket(sourceID); !got.Valid() {
		t.Fatal("expected a freed slot to be acquirable again")
	}
}

// Duplicate Subscribe for the same (source, cb) is rejected, and after
// Unsubscribe the same callback can subscribe again.
func TestSubscriptionIdentity(t *testing.T) {
	s := scheduler.New(1, nil)
	defer s.Shutdown()

	const sourceID scheduler.SourceId = 1
	s.RegisterSource(sourceID, 16, 2)

	cb := func(ctx any, src scheduler.SourceId, pkt scheduler.Packet, ts scheduler.Time) {
		s.ReleasePacket(pkt)
	}

	if !s.Subscribe(sourceID, cb, nil, false) {
		t.Fatal("first subscribe should succeed")
	}
	if s.Subscribe(sourceID, cb, nil, false) {
		t.Fatal("duplicate subscribe should be rejected")
	}

	s.Unsubscribe(sourceID, cb)
	if !s.Subscribe(sourceID, cb, nil, false) {
		t.Fatal("resubscribe after unsubscribe should succeed")
	}
}

// DispatchUI delivers to UI-flagged subscriptions without blocking, one
// task per call, and reports false once the UI queue is empty.
func TestDispatchUI(t *testing.T) {
	s := scheduler.New(1, nil)
	defer s.Shutdown()

	const sourceID scheduler.SourceId = 1
	s.RegisterSource(sourceID, 16, 4)

	var uiCalls int32
	cbUI := func(ctx any, src scheduler.SourceId, pkt scheduler.Packet, ts scheduler.Time) {
		atomic.AddInt32(&uiCalls, 1)
		s.ReleasePacket(pkt)
	}
	s.Subscribe(sourceID, cbUI, nil, true)

	pkt := s.AcquirePacket(sourceID)
	s.SubmitPacket(sourceID, pkt, 0)

	if s.DispatchUI() != true {
		t.Fatal("expected one UI task to be available")
	}
	if atomic.LoadInt32(&uiCalls) != 1 {
		t.Fatalf("got %d UI calls, want 1", uiCalls)
	}
	if s.DispatchUI() != false {
		t.Fatal("expected no further UI task")
	}
}

// Shutdown is idempotent and returns promptly even with nothing queued.
func TestShutdownIdempotent(t *testing.T) {
	s := scheduler.New(2, nil)
	done := make(chan struct{})
	go func() {
		s.Shutdown()
		s.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not return")
	}
}

func TestRegisterDuplicateSourcePanics(t *testing.T) {
	s := scheduler.New(1, nil)
	defer s.Shutdown()

	s.RegisterSource(1, 16, 2)
	defer func() {
		if recover() == nil {
			t.Fatal("expected duplicate RegisterSource to panic")
		}
	}()
	s.RegisterSource(1, 16, 2)
}

// S3 — source chain: sources 1, 2, 3 each depth 62; a sink on source
// s<3 re-acquires a packet on s+1, stamps it with the same timestamp,
// submits it, then releases the incoming packet. All three sources must
// observe all 62 values.
func TestSourceChain(t *testing.T) {
	s := scheduler.New(4, nil)
	defer s.Shutdown()

	const depth = 62
	var sources = []scheduler.SourceId{1, 2, 3}
	for _, id := range sources {
		s.RegisterSource(id, 8, depth)
	}

	var mu sync.Mutex
	seen := make(map[scheduler.SourceId]map[byte]bool)
	for _, id := range sources {
		seen[id] = make(map[byte]bool)
	}
	var wg sync.WaitGroup
	wg.Add(len(sources) * depth)

	record := func(id scheduler.SourceId, b byte) {
		mu.Lock()
		isNew := !seen[id][b]
		seen[id][b] = true
		mu.Unlock()
		if isNew {
			wg.Done()
		}
	}

	for i, id := range sources {
		id := id
		isLast := i == len(sources)-1
		next := scheduler.SourceId(0)
		if !isLast {
			next = sources[i+1]
		}
		cb := func(ctx any, src scheduler.SourceId, pkt scheduler.Packet, ts scheduler.Time) {
			b := pkt.Bytes()[0]
			record(id, b)
			if !isLast {
				np := s.AcquirePacket(next)
				if !np.Valid() {
					t.Errorf("source %d: pool exhausted relaying value %d", next, b)
					s.ReleasePacket(pkt)
					return
				}
				np.Bytes()[0] = b
				s.SubmitPacket(next, np, ts)
			}
			s.ReleasePacket(pkt)
		}
		s.Subscribe(id, cb, nil, false)
	}

	for i := 0; i < depth; i++ {
		pkt := s.AcquirePacket(sources[0])
		if !pkt.Valid() {
			t.Fatalf("pool exhausted seeding source 1 at i=%d", i)
		}
		pkt.Bytes()[0] = byte(i)
		s.SubmitPacket(sources[0], pkt, scheduler.Time(int64(i)*1000))
	}

	waitOrTimeout(t, &wg, 5*time.Second)

	mu.Lock()
	defer mu.Unlock()
	for _, id := range sources {
		if len(seen[id]) != depth {
			t.Fatalf("source %d saw %d distinct values, want %d", id, len(seen[id]), depth)
		}
	}
}

// Priority ordering: within a single (source, sink) pair, tasks must be
// dequeued in non-decreasing timestamp order even when submitted out of
// timestamp order.
func TestPriorityOrderingPerQueue(t *testing.T) {
	s := scheduler.New(1, nil)
	defer s.Shutdown()

	const sourceID scheduler.SourceId = 1
	timestamps := []scheduler.Time{500, 100, 400, 200, 300}
	s.RegisterSource(sourceID, 8, len(timestamps))

	var mu sync.Mutex
	var order []scheduler.Time
	done := make(chan struct{})

	cb := func(ctx any, src scheduler.SourceId, pkt scheduler.Packet, ts scheduler.Time) {
		mu.Lock()
		order = append(order, ts)
		n := len(order)
		mu.Unlock()
		s.ReleasePacket(pkt)
		if n == len(timestamps) {
			close(done)
		}
	}
	s.Subscribe(sourceID, cb, nil, false)

	for _, ts := range timestamps {
		pkt := s.AcquirePacket(sourceID)
		if !pkt.Valid() {
			t.Fatal("unexpected pool exhaustion")
		}
		s.SubmitPacket(sourceID, pkt, ts)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(order); i++ {
		if order[i] < order[i-1] {
			t.Fatalf("dequeue order not non-decreasing: %v", order)
		}
	}
}

// Pool conservation (spec.md §8 invariant 1): after every packet has
// been delivered and released, the free list is back to full depth.
func TestFreeListRestoredAfterFullCycle(t *testing.T) {
	s := scheduler.New(2, nil)
	defer s.Shutdown()

	const sourceID scheduler.SourceId = 1
	const depth = 62
	s.RegisterSource(sourceID, 16, depth)

	var wg sync.WaitGroup
	wg.Add(depth)
	s.Subscribe(sourceID, func(ctx any, src scheduler.SourceId, pkt scheduler.Packet, ts scheduler.Time) {
		s.ReleasePacket(pkt)
		wg.Done()
	}, nil, false)

	for i := 0; i < depth; i++ {
		pkt := s.AcquirePacket(sourceID)
		if !pkt.Valid() {
			t.Fatalf("unexpected exhaustion at i=%d", i)
		}
		s.SubmitPacket(sourceID, pkt, scheduler.Time(i))
	}
	waitOrTimeout(t, &wg, 5*time.Second)

	// All packets released; the pool must be fully reusable again.
	var reacquired []scheduler.Packet
	for i := 0; i < depth; i++ {
		pkt := s.AcquirePacket(sourceID)
		if !pkt.Valid() {
			t.Fatalf("free list not fully restored: only got %d of %d packets back", i, depth)
		}
		reacquired = append(reacquired, pkt)
	}
	if extra := s.AcquirePacket(sourceID); extra.Valid() {
		t.Fatal("expected pool to be exactly depth-sized, got an extra packet")
	}
	_ = reacquired
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for goroutines")
	}
}
