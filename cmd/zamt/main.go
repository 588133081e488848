// Command zamt runs the real-time audio dispatch pipeline.
//
// Logging:
//   - Base logger is created here with a ComponentFilterHandler for
//     dynamic per-component log level control via -v/-v<label>
//   - Logger is passed to all modules via dependency injection
//   - No global slog configuration (no slog.SetDefault)
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/google/uuid"

	"zamt/internal/cliparams"
	"zamt/internal/core"
	_ "zamt/internal/liveaudio"
	"zamt/internal/logging"
	"zamt/internal/modcenter"
	_ "zamt/internal/visualizer"
)

const usage = `zamt: real-time audio dispatch pipeline

  -h          print this help and exit
  -jN         request N worker threads (0 = autodetect, default 0)
  -v          enable verbose logging globally
  -v<label>   enable verbose logging for the component tagged <label>
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) (exitCode int) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "zamt: fatal: %v\n%s\n", r, debug.Stack())
			exitCode = 1
		}
	}()

	params := cliparams.New(args)

	if params.HasParam("-h") {
		fmt.Print(usage)
		return core.ExitHelpRequested
	}

	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug, // filtering is done by ComponentFilterHandler
	})
	defaultLevel := slog.LevelInfo
	if params.HasParam("-v") {
		defaultLevel = slog.LevelDebug
	}
	filterHandler := logging.NewComponentFilterHandler(baseHandler, defaultLevel)
	for _, label := range params.Labels("-v") {
		filterHandler.SetLevel(label, slog.LevelDebug)
	}
	logger := slog.New(filterHandler)

	runID := uuid.New()
	runName := petname.Generate(2, "-")
	logger = logger.With("run_id", runID, "run_name", runName)
	logger.Info("starting zamt", "run_name", runName)

	workers := params.GetNumParam("-j")
	if workers == cliparams.NotFound {
		workers = 0
	}

	core.Configure(workers, logger)
	center := modcenter.NewWithLogger(logger)
	defer center.Close()

	ctrl := modcenter.Get[*core.Controller](center)
	logger.Info("zamt running, waiting for shutdown")
	code := ctrl.WaitForQuit()
	logger.Info("shutting down", "exit_code", code)
	return code
}
