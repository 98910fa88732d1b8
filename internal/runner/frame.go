package runner

import (
	"github.com/cockroachdb/errors"
	"github.com/veandco/go-sdl2/sdl"
	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/khr_swapchain"
	"go.uber.org/zap"

	"github.com/vkngwrapper/unpack/internal/diagnostics"
	"github.com/vkngwrapper/unpack/internal/window"
)

// idleDelay paces the loop while there is nothing to present to.
const idleDelay = 50

// mainLoop presents cleared frames until the window is closed. A frame
// that fails is reported and the loop carries on with the next one.
func (r *Runner) mainLoop() {
	for {
		if window.Drain(sdl.PollEvent) == window.Close {
			r.log.Info("close requested")
			return
		}

		if !r.present.ready || r.window.GetFlags()&sdl.WINDOW_MINIMIZED != 0 {
			sdl.Delay(idleDelay)
			continue
		}

		if !r.presentFrame() {
			sdl.Delay(idleDelay)
		}
	}
}

// presentFrame draws one frame and reports whether it made it to the screen.
func (r *Runner) presentFrame() bool {
	err := r.drawFrame()
	if err != nil {
		r.log.Error("frame failed", zap.Error(err))
		return false
	}
	return true
}

func (r *Runner) drawFrame() error {
	p := &r.present

	res, err := r.deviceDriver.WaitForFences(true, common.NoTimeout, p.inFlight)
	if err := r.check("vkWaitForFences", res, err); err != nil {
		return err
	}

	imageIndex, res, err := p.swapchainExtension.AcquireNextImage(p.swapchain, common.NoTimeout, &p.imageAvailable, nil)
	if res == khr_swapchain.VKErrorOutOfDate {
		r.log.Debug("swapchain out of date on acquire")
		return r.recreateSwapchain()
	} else if err := r.check("vkAcquireNextImageKHR", res, err); err != nil {
		return err
	}

	res, err = r.deviceDriver.ResetFences(p.inFlight)
	if err := r.check("vkResetFences", res, err); err != nil {
		return err
	}

	res, err = r.deviceDriver.QueueSubmit(r.graphicsQueue, &p.inFlight,
		core1_0.SubmitInfo{
			WaitSemaphores:   []core1_0.Semaphore{p.imageAvailable},
			WaitDstStageMask: []core1_0.PipelineStageFlags{core1_0.PipelineStageColorAttachmentOutput},
			CommandBuffers:   []core1_0.CommandBuffer{p.commandBuffers[imageIndex]},
			SignalSemaphores: []core1_0.Semaphore{p.renderFinished[imageIndex]},
		},
	)
	if err := r.check("vkQueueSubmit", res, err); err != nil {
		return err
	}

	res, err = p.swapchainExtension.QueuePresent(r.presentQueue, khr_swapchain.PresentInfo{
		WaitSemaphores: []core1_0.Semaphore{p.renderFinished[imageIndex]},
		Swapchains:     []khr_swapchain.Swapchain{p.swapchain},
		ImageIndices:   []int{imageIndex},
	})
	if res == khr_swapchain.VKErrorOutOfDate || res == khr_swapchain.VKSuboptimal {
		r.log.Debug("recreating swapchain", zap.String("result", diagnostics.ResultName(int(res))))
		return r.recreateSwapchain()
	} else if err != nil {
		r.diag.Check("vkQueuePresentKHR", res)
		return errors.Wrap(err, "vkQueuePresentKHR")
	}

	return nil
}
