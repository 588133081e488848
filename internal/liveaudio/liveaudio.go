// Package liveaudio is a stand-in for the out-of-scope platform sound
// daemon capture collaborator. It owns a capture goroutine that
// registers one source with the Scheduler and feeds it a deterministic
// synthetic PCM signal, so the dispatcher can be exercised end-to-end
// without a real audio device.
//
// Grounded on original_source/liveaudio_pulse/src/LiveAudio.cpp and
// RawAudioVisualizer.cpp's producer-side role.
package liveaudio

import (
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"zamt/internal/core"
	"zamt/internal/logging"
	"zamt/internal/modcenter"
	"zamt/internal/scheduler"
)

// SourceID is the single source this module registers.
const SourceID scheduler.SourceId = 1

const (
	packetSize  = 4096 // bytes per packet; 1024 float32 samples
	packetDepth = 16
	sampleRate  = 48000.0
	toneHz      = 440.0
	packetRate  = 50 * time.Millisecond
)

// LiveAudio drives the synthetic capture loop. Register it via the
// package's init() with modcenter; access it through modcenter.Get for
// tests that need to wait on it.
type LiveAudio struct {
	log   *slog.Logger
	ctrl  *core.Controller
	sched *scheduler.Scheduler

	runID uuid.UUID

	stopCh chan struct{}
	doneCh chan struct{}

	overruns int64
}

func newLiveAudio() *LiveAudio {
	return &LiveAudio{
		runID:  uuid.New(),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

func (a *LiveAudio) init(c *modcenter.Center) {
	a.ctrl = modcenter.Get[*core.Controller](c)
	a.sched = a.ctrl.Scheduler()
	// Pull the ambient logger through the Controller rather than
	// defaulting a.log (always nil here, since newLiveAudio takes no
	// logger) to a discard sink — otherwise -v/-v<label> and the
	// "Buffer overrun" warning below would never be observable.
	a.log = logging.Default(a.ctrl.Logger()).With(logging.ComponentAttr(logging.ComponentLiveAudio), "run_id", a.runID)

	a.sched.RegisterSource(SourceID, packetSize, packetDepth)
	go a.captureLoop()
}

func (a *LiveAudio) close() {
	close(a.stopCh)
	<-a.doneCh
}

// captureLoop is the collaborator's dedicated capture thread: acquire,
// fill, submit, on a fixed cadence, dropping (and logging) on pool
// exhaustion per the error taxonomy's transient-exhaustion policy.
func (a *LiveAudio) captureLoop() {
	defer close(a.doneCh)

	ticker := time.NewTicker(packetRate)
	defer ticker.Stop()

	samplesPerPacket := packetSize / 4
	var phase float64
	phaseStep := 2 * math.Pi * toneHz / sampleRate

	var seq int64
	for {
		select {
		case <-a.stopCh:
			return
		case tick := <-ticker.C:
			pkt := a.sched.AcquirePacket(SourceID)
			if !pkt.Valid() {
				a.overruns++
				a.log.Warn("Buffer overrun, data lost", "overruns", a.overruns)
				continue
			}
			writeTone(pkt.Bytes(), samplesPerPacket, &phase, phaseStep)
			a.sched.SubmitPacket(SourceID, pkt, scheduler.Time(tick.UnixMicro()))
			seq++
		}
	}
}

// writeTone fills buf with samplesPerPacket little-endian float32 PCM
// samples of a sine tone, advancing phase in place.
func writeTone(buf []byte, samplesPerPacket int, phase *float64, phaseStep float64) {
	for i := 0; i < samplesPerPacket; i++ {
		v := float32(math.Sin(*phase))
		putFloat32LE(buf[i*4:i*4+4], v)
		*phase += phaseStep
		if *phase > 2*math.Pi {
			*phase -= 2 * math.Pi
		}
	}
}

func putFloat32LE(b []byte, v float32) {
	bits := math.Float32bits(v)
	b[0] = byte(bits)
	b[1] = byte(bits >> 8)
	b[2] = byte(bits >> 16)
	b[3] = byte(bits >> 24)
}

func init() {
	modcenter.Register[*LiveAudio](
		newLiveAudio,
		func(c *modcenter.Center, a *LiveAudio) { a.init(c) },
		func(a *LiveAudio) { a.close() },
	)
}
