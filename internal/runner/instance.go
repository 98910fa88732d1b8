package runner

import (
	"github.com/cockroachdb/errors"
	"github.com/veandco/go-sdl2/sdl"
	"github.com/vkngwrapper/core/v3"
	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/ext_debug_utils"
	"github.com/vkngwrapper/extensions/v3/khr_portability_enumeration"
	"github.com/vkngwrapper/extensions/v3/khr_surface"
	vkng_sdl2 "github.com/vkngwrapper/integrations/sdl2/v3"
	"go.uber.org/zap"

	"github.com/vkngwrapper/unpack/internal/config"
	"github.com/vkngwrapper/unpack/internal/diagnostics"
	"github.com/vkngwrapper/unpack/internal/window"
)

func (r *Runner) initWindow() error {
	win, err := window.Open()
	if err != nil {
		return errors.Mark(err, ErrInit)
	}
	r.window = win
	r.release.Push("window", func() {
		r.window.Destroy()
		r.window = nil
		sdl.Quit()
	})

	r.globalDriver, err = core.CreateDriverFromProcAddr(sdl.VulkanGetVkGetInstanceProcAddr())
	if err != nil {
		return errors.Mark(errors.Wrap(err, "load vulkan driver"), ErrInit)
	}

	return nil
}

func (r *Runner) createInstance() error {
	instanceOptions := core1_0.InstanceCreateInfo{
		ApplicationName:    config.ApplicationName,
		ApplicationVersion: common.CreateVersion(1, 0, 0),
		EngineName:         "No Engine",
		EngineVersion:      common.CreateVersion(1, 0, 0),
		APIVersion:         common.Vulkan1_0,
	}

	sdlExtensions := r.window.VulkanGetInstanceExtensions()
	extensions, res, err := r.globalDriver.AvailableExtensions()
	if err != nil {
		return initFailure("enumerate instance extensions", res, err)
	}

	for _, ext := range sdlExtensions {
		_, hasExt := extensions[ext]
		if !hasExt {
			return errors.Mark(errors.Newf("createInstance: cannot initialize sdl: missing extension %s", ext), ErrInit)
		}
		instanceOptions.EnabledExtensionNames = append(instanceOptions.EnabledExtensionNames, ext)
	}

	_, enumerationSupported := extensions[khr_portability_enumeration.ExtensionName]
	if enumerationSupported {
		instanceOptions.EnabledExtensionNames = append(instanceOptions.EnabledExtensionNames, khr_portability_enumeration.ExtensionName)
		instanceOptions.Flags |= khr_portability_enumeration.InstanceCreateEnumeratePortability
	}

	layers, res, err := r.globalDriver.AvailableLayers()
	if err != nil {
		return initFailure("enumerate instance layers", res, err)
	}

	_, hasValidation := layers[config.ValidationLayer]
	_, hasDebugUtils := extensions[ext_debug_utils.ExtensionName]
	mode, err := diagnostics.Select(r.cfg.Diagnostics, diagnostics.Available{
		ValidationLayer: hasValidation,
		DebugUtils:      hasDebugUtils,
	})
	if err != nil {
		r.log.Warn("falling back to polled diagnostics", zap.Error(err))
	}
	r.log.Info("diagnostics selected", zap.String("mode", string(mode)))

	r.diag = diagnostics.New(mode, r.errOut, r.cfg.DebugSeverity, r.log)
	r.diag.ConfigureInstance(&instanceOptions)

	err = r.buildInstance(instanceOptions)
	if err != nil {
		return err
	}

	err = r.diag.Attach(r.instanceDriver)
	if err != nil {
		return errors.Mark(err, ErrInit)
	}
	r.release.Push("diagnostics", r.diag.Close)

	return nil
}

func (r *Runner) buildInstance(options core1_0.InstanceCreateInfo) error {
	instance, res, err := r.globalDriver.CreateInstance(nil, options)
	r.diag.Check("vkCreateInstance", res)
	if err != nil {
		return initFailure("vkCreateInstance", res, err)
	}

	instanceDriver, err := r.globalDriver.BuildInstanceDriver(instance)
	if err != nil {
		// Nothing left that can destroy the instance.
		r.log.Error("instance leaked", zap.Error(err))
		return errors.Mark(errors.Wrap(err, "build instance driver"), ErrInit)
	}
	if instanceDriver == nil {
		return errors.Mark(errors.New("build instance driver: no driver returned"), ErrInit)
	}

	r.instanceDriver = instanceDriver
	r.release.Push("instance", func() {
		r.instanceDriver.DestroyInstance(nil)
	})
	return nil
}

func (r *Runner) createSurface() error {
	r.surfaceExtension = khr_surface.CreateExtensionDriverFromCoreDriver(r.instanceDriver)
	surface, err := vkng_sdl2.CreateSurface(r.instanceDriver.Instance(), r.surfaceExtension, r.window)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "create surface"), ErrInit)
	}

	r.surface = surface
	r.release.Push("surface", func() {
		r.surfaceExtension.DestroySurface(r.surface, nil)
	})
	return nil
}
