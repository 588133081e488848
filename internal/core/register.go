package core

import (
	"log/slog"
	"sync"

	"zamt/internal/modcenter"
)

// Configure sets the parameters Controller's modcenter constructor uses
// to build itself. Call it before modcenter.New(); it is the Go
// replacement for the original's static-initializer order dependency
// (there is no way to pass CLI-derived config into a zero-argument
// constructor thunk otherwise).
func Configure(workers int, log *slog.Logger) {
	configMu.Lock()
	defer configMu.Unlock()
	configWorkers = workers
	configLog = log
}

var (
	configMu      sync.Mutex
	configWorkers int
	configLog     *slog.Logger
)

func init() {
	modcenter.Register[*Controller](
		func() *Controller {
			configMu.Lock()
			workers, log := configWorkers, configLog
			configMu.Unlock()
			return New(workers, log)
		},
		func(c *modcenter.Center, ctrl *Controller) {
			// No sibling lookups needed yet; Controller is itself the
			// lookup target for every other module's init phase.
		},
		func(ctrl *Controller) {
			ctrl.Close()
		},
	)
}
