// Command unpack checks that image atomic compare-and-swap from a vertex
// shader reaches every slot of a texel buffer. It prints the buffer once and
// then keeps a cleared window open until escape is pressed or the window is
// closed.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/vkngwrapper/unpack/internal/config"
	"github.com/vkngwrapper/unpack/internal/logger"
	"github.com/vkngwrapper/unpack/internal/runner"
)

func main() {
	// SDL and the Vulkan surface must stay on the main thread.
	runtime.LockOSThread()
	os.Exit(run())
}

func run() int {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return 1
	}

	log := logger.New(logger.Config{LogLevel: cfg.LogLevel})
	defer func() { _ = log.Sync() }()

	app := runner.New(cfg, log, os.Stdout, os.Stderr)
	err = app.Run()
	if err != nil {
		if errors.Is(err, runner.ErrInit) {
			fmt.Fprintf(os.Stderr, "initialization failed: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "%v\n", err)
		}
		log.Debug("run failed", zap.String("detail", fmt.Sprintf("%+v", err)))
		return 1
	}

	return 0
}
