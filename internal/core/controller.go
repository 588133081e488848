// Package core implements the Core Controller: the module that owns
// the Scheduler, coordinates orderly shutdown, and translates OS
// termination signals into the process's quit protocol.
//
// Grounded on original_source/core/include/zamt/core/Core.h and
// core/src/Core.cpp, with signal wiring idiomatically replaced by
// os/signal.Notify in the style of
// kluzzebass-gastrolog/backend/cmd/gastrolog/main.go's shutdown path.
package core

import (
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"zamt/internal/logging"
	"zamt/internal/scheduler"
)

// Reserved exit codes, matching spec.md's quit-state sentinel contract.
const (
	ExitNotSet          = -1
	ExitHelpRequested   = 100
	ExitSIGTERM         = 101
	ExitSIGINT          = 102
	ExitAudioSubsystem  = 200
)

// QuitObserver is invoked synchronously, on the goroutine that called
// Quit, before waiters on WaitForQuit are released. Observers must not
// block for long.
type QuitObserver func(exitCode int)

// Controller owns the Scheduler and the process-wide quit protocol:
// publish-once exit code, observer fan-out, and signal translation.
type Controller struct {
	baseLog *slog.Logger // undecorated logger, handed to collaborators so they tag their own component
	log     *slog.Logger // baseLog + component=core, for this module's own logging

	sched *scheduler.Scheduler

	exitCode atomic.Int64
	once     sync.Once

	mu       sync.Mutex
	cond     *sync.Cond
	quitSet  bool
	observed []QuitObserver

	signals chan os.Signal
}

// New constructs a Controller that owns a freshly built Scheduler with
// the given worker count, and installs SIGTERM/SIGINT handlers that
// translate the signal into the corresponding reserved exit code and
// call Quit. log is the ambient logger collaborators reach through
// Logger() to tag their own component; it must not already carry a
// "component" attribute, or every record it produces would carry two.
func New(workers int, log *slog.Logger) *Controller {
	base := logging.Default(log)

	c := &Controller{
		baseLog: base,
		log:     base.With(logging.ComponentAttr(logging.ComponentCore)),
		sched:   scheduler.New(workers, base),
		signals: make(chan os.Signal, 2),
	}
	c.cond = sync.NewCond(&c.mu)
	c.exitCode.Store(ExitNotSet)

	signal.Notify(c.signals, syscall.SIGTERM, syscall.SIGINT)
	go c.watchSignals()

	return c
}

// Logger returns the undecorated ambient logger this Controller was
// constructed with, for collaborator modules (LiveAudio, Visualizer) to
// tag with their own component via logging.ComponentAttr. Using this
// instead of Controller's own component-tagged logger keeps every
// module's records carrying exactly one "component" attribute.
func (c *Controller) Logger() *slog.Logger {
	return c.baseLog
}

func (c *Controller) watchSignals() {
	for sig := range c.signals {
		switch sig {
		case syscall.SIGTERM:
			c.log.Info("received SIGTERM, initiating shutdown")
			c.Quit(ExitSIGTERM)
		case syscall.SIGINT:
			c.log.Info("received SIGINT, initiating shutdown")
			c.Quit(ExitSIGINT)
		}
	}
}

// Scheduler returns the Scheduler this Controller owns. It panics if no
// Scheduler was constructed (a Controller not built by New), which is a
// programming error.
func (c *Controller) Scheduler() *scheduler.Scheduler {
	if c.sched == nil {
		panic("core: Scheduler called on a Controller with no Scheduler")
	}
	return c.sched
}

// RegisterQuitObserver appends fn to the observer list. Observers run,
// in insertion order, on whatever goroutine calls Quit — including a
// signal-translation goroutine — before WaitForQuit's waiters wake.
func (c *Controller) RegisterQuitObserver(fn QuitObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observed = append(c.observed, fn)
}

// Quit publishes exitCode and runs every registered observer. Re-entrant
// and idempotent: only the first call publishes a code and runs
// observers; later calls are no-ops that still return normally, per the
// signal-handler re-entrancy requirement ("publish-once semantics").
func (c *Controller) Quit(exitCode int) {
	c.once.Do(func() {
		c.exitCode.Store(int64(exitCode))

		c.mu.Lock()
		observers := append([]QuitObserver(nil), c.observed...)
		c.mu.Unlock()

		for _, obs := range observers {
			obs(exitCode)
		}

		c.mu.Lock()
		c.quitSet = true
		c.mu.Unlock()
		c.cond.Broadcast()

		c.log.Info("quit published", "exit_code", exitCode)
	})
}

// WaitForQuit blocks until Quit has been published and returns the
// published exit code. Safe to call from exactly one goroutine (the
// process entry point, per the design) or many; all callers observe the
// same code.
func (c *Controller) WaitForQuit() int {
	c.mu.Lock()
	for !c.quitSet {
		c.cond.Wait()
	}
	c.mu.Unlock()
	return int(c.exitCode.Load())
}

// Close stops the signal watcher and shuts down the owned Scheduler.
// Intended for modcenter's destructor phase.
func (c *Controller) Close() {
	signal.Stop(c.signals)
	close(c.signals)
	c.sched.Shutdown()
}
