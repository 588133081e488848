// Package visualizer is a stand-in for the out-of-scope GUI rendering
// collaborator. It owns the process's UI thread: it subscribes to
// sources with onUI=true and pumps the Scheduler's single-step UI
// dispatch in a loop, tracking simple per-source running statistics in
// place of pixels.
//
// Grounded on original_source/vis_gtk/src/Visualization.cpp and
// RawAudioVisualizer.cpp's UI-thread ownership role.
package visualizer

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"zamt/internal/core"
	"zamt/internal/liveaudio"
	"zamt/internal/logging"
	"zamt/internal/modcenter"
	"zamt/internal/scheduler"
)

// idlePoll is how long the UI pump sleeps when DispatchUI finds nothing
// to do, standing in for a GUI toolkit's idle/timer callback cadence
// (see DESIGN.md's note on the open "UI pumping cadence" question).
const idlePoll = 5 * time.Millisecond

// SourceStats tracks running statistics for one source, updated only
// from the UI pump goroutine.
type SourceStats struct {
	Count    int64
	Min, Max float32
	LastTS   scheduler.Time
}

// Visualizer owns the UI pump goroutine and per-source statistics.
type Visualizer struct {
	log   *slog.Logger
	ctrl  *core.Controller
	sched *scheduler.Scheduler

	stopCh chan struct{}
	doneCh chan struct{}

	mu    sync.Mutex
	stats map[scheduler.SourceId]*SourceStats
}

func newVisualizer() *Visualizer {
	return &Visualizer{
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		stats:  make(map[scheduler.SourceId]*SourceStats),
	}
}

func (v *Visualizer) init(c *modcenter.Center) {
	v.ctrl = modcenter.Get[*core.Controller](c)
	v.sched = v.ctrl.Scheduler()
	// Pull the ambient logger through the Controller, not a nil v.log —
	// see the identical note in internal/liveaudio's init.
	v.log = logging.Default(v.ctrl.Logger()).With(logging.ComponentAttr(logging.ComponentVisualizer))

	v.ctrl.RegisterQuitObserver(func(code int) {
		v.log.Info("visualizer observed shutdown", "exit_code", code)
	})

	v.sched.Subscribe(liveaudio.SourceID, v.onPacket, nil, true)

	go v.pump()
}

func (v *Visualizer) close() {
	close(v.stopCh)
	<-v.doneCh
}

// onPacket is the UI-thread sink: it updates running statistics and
// releases the packet. It must never block for long, since it runs
// inline inside DispatchUI on the UI pump goroutine.
func (v *Visualizer) onPacket(ctx any, sourceID scheduler.SourceId, pkt scheduler.Packet, ts scheduler.Time) {
	defer v.sched.ReleasePacket(pkt)

	buf := pkt.Bytes()
	var sampleMin, sampleMax float32
	for i := 0; i+4 <= len(buf); i += 4 {
		s := decodeFloat32LE(buf[i : i+4])
		if i == 0 || s < sampleMin {
			sampleMin = s
		}
		if i == 0 || s > sampleMax {
			sampleMax = s
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	st, ok := v.stats[sourceID]
	if !ok {
		st = &SourceStats{Min: sampleMin, Max: sampleMax}
		v.stats[sourceID] = st
	}
	st.Count++
	st.LastTS = ts
	if sampleMin < st.Min {
		st.Min = sampleMin
	}
	if sampleMax > st.Max {
		st.Max = sampleMax
	}
}

// Stats returns a snapshot of the running statistics for sourceID.
// ok is false if no packet from sourceID has been observed yet.
func (v *Visualizer) Stats(sourceID scheduler.SourceId) (stats SourceStats, ok bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	st, found := v.stats[sourceID]
	if !found {
		return SourceStats{}, false
	}
	return *st, true
}

// pump is the UI thread's event loop: call the single-step UI dispatch
// repeatedly until shutdown, backing off to idlePoll when there is
// nothing queued, matching spec.md §6's "the entry thread calls the
// single-step UI dispatch repeatedly" contract adapted to a dedicated
// goroutine (see DESIGN.md for why this isn't literally main's
// goroutine).
func (v *Visualizer) pump() {
	defer close(v.doneCh)
	for {
		select {
		case <-v.stopCh:
			return
		default:
		}
		if !v.sched.DispatchUI() {
			time.Sleep(idlePoll)
		}
	}
}

func decodeFloat32LE(b []byte) float32 {
	bits := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	return math.Float32frombits(bits)
}

func init() {
	modcenter.Register[*Visualizer](
		newVisualizer,
		func(c *modcenter.Center, v *Visualizer) { v.init(c) },
		func(v *Visualizer) { v.close() },
	)
}
