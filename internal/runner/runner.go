// Package runner drives the image-atomic diagnostic: it opens the window,
// brings up Vulkan, runs the compare-and-swap draw once, prints the buffer
// and keeps the window alive until it is closed.
package runner

import (
	"io"

	"github.com/cockroachdb/errors"
	"github.com/veandco/go-sdl2/sdl"
	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/khr_surface"
	"go.uber.org/zap"

	"github.com/vkngwrapper/unpack/internal/config"
	"github.com/vkngwrapper/unpack/internal/diagnostics"
	"github.com/vkngwrapper/unpack/internal/lifecycle"
)

// ErrInit marks failures to bring up the window, the Vulkan bindings, the
// device or the storage buffer. Nothing else ends a run early.
var ErrInit = errors.New("initialization failed")

// Runner owns every object of one diagnostic run. All methods must be
// called from the thread that created the window.
type Runner struct {
	cfg    config.Config
	log    *zap.Logger
	out    io.Writer
	errOut io.Writer

	state   lifecycle.Machine
	release lifecycle.Releaser
	diag    diagnostics.Diagnostics

	window *sdl.Window

	globalDriver   core1_0.GlobalDriver
	instanceDriver core1_0.CoreInstanceDriver
	deviceDriver   core1_0.CoreDeviceDriver

	surfaceExtension khr_surface.ExtensionDriver
	surface          khr_surface.Surface

	physicalDevice core1_0.PhysicalDevice
	queueFamilies  queueFamilyIndices
	graphicsQueue  core1_0.Queue
	presentQueue   core1_0.Queue
	commandPool    core1_0.CommandPool

	test    atomicTest
	present presentation
}

// New prepares a runner. out receives the buffer line; errOut receives
// driver diagnostics.
func New(cfg config.Config, log *zap.Logger, out, errOut io.Writer) *Runner {
	return &Runner{
		cfg:    cfg,
		log:    log,
		out:    out,
		errOut: errOut,
	}
}

func (r *Runner) State() lifecycle.State {
	return r.state.State()
}

// Run executes the diagnostic and blocks until the window is closed.
// Everything created along the way is released before it returns, also on
// failure.
func (r *Runner) Run() error {
	defer r.teardown()

	err := r.setup()
	if err != nil {
		return err
	}

	err = r.state.To(lifecycle.Initialized)
	if err != nil {
		return err
	}

	err = r.state.To(lifecycle.Idling)
	if err != nil {
		return err
	}

	r.mainLoop()
	return nil
}

func (r *Runner) setup() error {
	err := r.initWindow()
	if err != nil {
		return err
	}

	err = r.createInstance()
	if err != nil {
		return err
	}

	err = r.createSurface()
	if err != nil {
		return err
	}

	err = r.pickPhysicalDevice()
	if err != nil {
		return err
	}

	err = r.createLogicalDevice()
	if err != nil {
		return err
	}

	err = r.createCommandPool()
	if err != nil {
		return err
	}

	err = r.runAtomicTest()
	if err != nil {
		return err
	}

	// Without a swapchain the window still idles until it is closed.
	err = r.createPresentation()
	if err != nil {
		r.log.Error("presentation unavailable", zap.Error(err))
	}
	return nil
}

func (r *Runner) teardown() {
	if err := r.state.To(lifecycle.Closing); err != nil {
		r.log.Warn("unexpected teardown", zap.Error(err))
		return
	}

	if r.deviceDriver != nil {
		_, err := r.deviceDriver.DeviceWaitIdle()
		if err != nil {
			r.log.Warn("device did not go idle before teardown", zap.Error(err))
		}
	}

	r.release.Release(func(name string) {
		r.log.Debug("releasing", zap.String("object", name))
	})

	if err := r.state.To(lifecycle.Terminated); err != nil {
		r.log.Warn("unexpected teardown", zap.Error(err))
	}
}

// check reports res through the active diagnostics and names the call in
// the returned error.
func (r *Runner) check(op string, res common.VkResult, err error) error {
	if r.diag != nil {
		r.diag.Check(op, res)
	}
	if err != nil {
		return errors.Wrap(err, op)
	}
	return nil
}

func initFailure(stage string, res common.VkResult, err error) error {
	return errors.Mark(
		errors.Wrapf(err, "%s gave error %d (%s)", stage, int(res), diagnostics.ResultName(int(res))),
		ErrInit)
}
