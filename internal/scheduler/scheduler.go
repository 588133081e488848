// Package scheduler implements the dispatcher at the center of the
// pipeline: a reader-preferred source table, per-source packet pools,
// and two priority-ordered task queues (worker and UI) fed by a pool of
// worker goroutines plus one externally-pumped UI queue.
//
// Grounded on original_source/core/src/Scheduler.cpp and Scheduler.h.
package scheduler

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"zamt/internal/logging"
)

// Scheduler is the central dispatcher. Construct with New, register
// sources with RegisterSource, subscribe sinks with Subscribe, and feed
// packets via AcquirePacket/SubmitPacket/ReleasePacket. Call Shutdown
// before letting a Scheduler go out of scope; it joins every worker
// goroutine.
type Scheduler struct {
	log *slog.Logger

	sem     *sourceTableSem
	tableMu sync.Mutex // serializes writers among themselves; sem excludes readers
	sources map[SourceId]*sourceState

	workerQueue *taskQueue
	uiQueue     *taskQueue

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	wg           sync.WaitGroup

	workers int
}

// New constructs a Scheduler with the requested worker count. workers
// <= 0 means "autodetect": runtime.NumCPU(), floored at 1.
func New(workers int, log *slog.Logger) *Scheduler {
	log = logging.Default(log).With(logging.ComponentAttr(logging.ComponentScheduler))

	if workers <= 0 {
		workers = runtime.NumCPU()
		if workers < 1 {
			workers = 1
		}
	}

	s := &Scheduler{
		log:         log,
		sem:         newSourceTableSem(workers),
		sources:     make(map[SourceId]*sourceState),
		workerQueue: newTaskQueue(),
		uiQueue:     newTaskQueue(),
		shutdownCh:  make(chan struct{}),
		workers:     workers,
	}

	s.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go s.dispatchWorker()
	}
	log.Info("scheduler started", "workers", workers)
	return s
}

// RegisterSource allocates a new Source with the given packet size and
// pool depth. It panics if sourceID is already registered, matching
// spec.md's "Asserts source_id is not already registered" (a
// programmer error, not a runtime condition callers should handle).
func (s *Scheduler) RegisterSource(sourceID SourceId, packetSize, depth int) {
	s.sem.writeLock()
	s.tableMu.Lock()
	defer s.tableMu.Unlock()
	defer s.sem.writeUnlock()

	if _, exists := s.sources[sourceID]; exists {
		panic(fmt.Sprintf("scheduler: source %d already registered", sourceID))
	}
	s.sources[sourceID] = newSourceState(packetSize, depth)
	s.log.Debug("source registered", "source_id", sourceID, "packet_size", packetSize, "depth", depth)
}

// GetPacketSize returns a registered source's fixed packet size.
func (s *Scheduler) GetPacketSize(sourceID SourceId) int {
	src := s.lookup(sourceID)
	return src.packetSize
}

// lookup performs a reader-locked source-table lookup, panicking if
// sourceID was never registered (a programmer error per the design's
// failure taxonomy: every public operation here assumes a registered
// source).
func (s *Scheduler) lookup(sourceID SourceId) *sourceState {
	s.sem.readLock()
	defer s.sem.readUnlock()

	src, ok := s.sources[sourceID]
	if !ok {
		panic(fmt.Sprintf("scheduler: source %d not registered", sourceID))
	}
	return src
}

// Subscribe registers cb to receive packets from sourceID. onUI selects
// the UI queue instead of the worker pool. Returns false if cb is
// already subscribed to this source (duplicate subscriptions are
// rejected, not merged).
func (s *Scheduler) Subscribe(sourceID SourceId, cb SinkFunc, ctx any, onUI bool) bool {
	src := s.lookup(sourceID)
	ok := src.subscribe(cb, ctx, onUI)
	if !ok {
		s.log.Warn("duplicate subscription rejected", "source_id", sourceID, "on_ui", onUI)
	}
	return ok
}

// Unsubscribe removes cb from sourceID's subscription list. Tasks
// already enqueued for this subscription are not retracted.
func (s *Scheduler) Unsubscribe(sourceID SourceId, cb SinkFunc) {
	src := s.lookup(sourceID)
	src.unsubscribe(cb)
}

// AcquirePacket returns a writable packet from sourceID's pool, or the
// zero Packet (Packet.Valid() == false) if the pool is exhausted — the
// producer's signal to drop this sample.
func (s *Scheduler) AcquirePacket(sourceID SourceId) Packet {
	src := s.lookup(sourceID)
	idx, ok := src.acquire()
	if !ok {
		return Packet{}
	}
	return Packet{source: src, index: idx}
}

// SubmitPacket enqueues one task per subscription on pkt's source,
// split between the worker and UI queues, and makes pkt visible to
// sinks. pkt must have come from AcquirePacket on sourceID. The pool
// bookkeeping always uses the source pkt itself carries; sourceID is only
// passed on to the sinks and is not checked against it.
func (s *Scheduler) SubmitPacket(sourceID SourceId, pkt Packet, timestamp Time) {
	if !pkt.Valid() {
		panic("scheduler: SubmitPacket called with an invalid packet")
	}
	src := pkt.source

	subs := src.subscriptionsSnapshot()

	// The refcount must be established before any task is visible to a
	// worker: otherwise a worker could pop a just-pushed task, invoke the
	// sink, and have the sink call ReleasePacket before this function
	// ever increments the count, which release() would see as an
	// over-release on a valid packet. Setting it first means the worst a
	// racing release can observe is a refcount that is already at its
	// final value.
	src.setRefcountAfterSubmit(pkt.index, int32(len(subs)))

	for _, sub := range subs {
		t := task{sourceID: sourceID, cb: sub.cb, ctx: sub.ctx, pkt: pkt, timestamp: timestamp}
		if sub.onUI {
			s.uiQueue.push(t)
		} else {
			s.workerQueue.push(t)
		}
	}
}

// ReleasePacket decrements pkt's reference count, returning it to the
// free list once every subscription that received it has released it.
func (s *Scheduler) ReleasePacket(pkt Packet) {
	if !pkt.Valid() {
		panic("scheduler: ReleasePacket called with an invalid packet")
	}
	pkt.source.release(pkt.index)
}

// dispatchWorker is the non-UI worker loop: block for a task or
// shutdown, invoke the sink outside any lock, repeat.
func (s *Scheduler) dispatchWorker() {
	defer s.wg.Done()
	for {
		t, ok := s.workerQueue.waitOrShutdown(s.shutdownCh)
		if !ok {
			return
		}
		s.invoke(t)
	}
}

// DispatchUI performs one non-blocking UI-queue step: pop and invoke at
// most one task if available, otherwise return immediately. Call this
// from the process's designated UI thread on whatever cadence its
// event loop provides (see internal/visualizer).
func (s *Scheduler) DispatchUI() bool {
	t, ok := s.uiQueue.tryPop()
	if !ok {
		return false
	}
	s.invoke(t)
	return true
}

func (s *Scheduler) invoke(t task) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("sink callback panicked", "source_id", t.sourceID, "recover", r)
		}
	}()
	t.cb(t.ctx, t.sourceID, t.pkt, t.timestamp)
}

// Shutdown requests every worker to exit after its current wait and
// blocks until they have. It is idempotent: subsequent calls are no-ops.
// Already-enqueued tasks are not drained; workers exit without running
// them, per spec.md's shutdown contract.
func (s *Scheduler) Shutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdownCh)
		s.workerQueue.close()
		s.uiQueue.close()
	})
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}
