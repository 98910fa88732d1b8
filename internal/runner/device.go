package runner

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/khr_portability_subset"
	"github.com/vkngwrapper/extensions/v3/khr_swapchain"
	"go.uber.org/zap"

	"github.com/vkngwrapper/unpack/internal/config"
)

var deviceExtensions = []string{
	khr_swapchain.ExtensionName,
}

type queueFamilyIndices struct {
	GraphicsFamily *int
	PresentFamily  *int
}

func (i *queueFamilyIndices) IsComplete() bool {
	return i.GraphicsFamily != nil && i.PresentFamily != nil
}

// capabilities is what one physical device offers towards the diagnostic.
type capabilities struct {
	Queues              bool
	Swapchain           bool
	VertexStores        bool
	StorageTexelBuffer  bool
	TexelBufferAtomic   bool
	TexelBufferElements int
}

// missing lists the capabilities the diagnostic needs but the device lacks.
func (c capabilities) missing() []string {
	var out []string
	if !c.Queues {
		out = append(out, "graphics and present queues")
	}
	if !c.Swapchain {
		out = append(out, "usable "+khr_swapchain.ExtensionName)
	}
	if !c.VertexStores {
		out = append(out, "vertexPipelineStoresAndAtomics")
	}
	if !c.StorageTexelBuffer {
		out = append(out, "R32_SINT storage texel buffer")
	}
	if !c.TexelBufferAtomic {
		out = append(out, "R32_SINT storage texel buffer atomics")
	}
	if c.TexelBufferElements < config.ElementCount {
		out = append(out, "maxTexelBufferElements")
	}
	return out
}

func (r *Runner) pickPhysicalDevice() error {
	physicalDevices, res, err := r.instanceDriver.EnumeratePhysicalDevices()
	if err != nil {
		return initFailure("vkEnumeratePhysicalDevices", res, err)
	}
	if len(physicalDevices) == 0 {
		return errors.Mark(errors.New("no vulkan physical devices"), ErrInit)
	}

	if r.cfg.DeviceIndex >= 0 {
		if r.cfg.DeviceIndex >= len(physicalDevices) {
			return errors.Mark(errors.Newf("device index %d out of range: %d devices present", r.cfg.DeviceIndex, len(physicalDevices)), ErrInit)
		}

		device := physicalDevices[r.cfg.DeviceIndex]
		caps, err := r.deviceCapabilities(device)
		if err != nil {
			return errors.Mark(err, ErrInit)
		}
		if missing := caps.missing(); len(missing) > 0 {
			return errors.Mark(errors.Newf("device %d lacks %s", r.cfg.DeviceIndex, strings.Join(missing, ", ")), ErrInit)
		}
		return r.usePhysicalDevice(device)
	}

	var reasons []string
	for index, device := range physicalDevices {
		caps, err := r.deviceCapabilities(device)
		if err != nil {
			r.log.Debug("skipping device", zap.Int("index", index), zap.Error(err))
			continue
		}

		missing := caps.missing()
		if len(missing) == 0 {
			return r.usePhysicalDevice(device)
		}

		r.log.Info("device unsuitable", zap.Int("index", index), zap.Strings("missing", missing))
		reasons = append(reasons, strings.Join(missing, ", "))
	}

	return errors.Mark(errors.Newf("failed to find a suitable GPU: %s", strings.Join(reasons, "; ")), ErrInit)
}

func (r *Runner) usePhysicalDevice(device core1_0.PhysicalDevice) error {
	indices, err := r.findQueueFamilies(device)
	if err != nil {
		return errors.Mark(err, ErrInit)
	}
	r.physicalDevice = device
	r.queueFamilies = indices

	properties, err := r.instanceDriver.GetPhysicalDeviceProperties(device)
	if err == nil {
		r.log.Info("device selected",
			zap.String("name", properties.DriverName),
			zap.Any("type", properties.DriverType),
			zap.Any("api_version", properties.APIVersion))
	}

	return nil
}

func (r *Runner) deviceCapabilities(device core1_0.PhysicalDevice) (capabilities, error) {
	var caps capabilities

	indices, err := r.findQueueFamilies(device)
	if err != nil {
		return caps, err
	}
	caps.Queues = indices.IsComplete()

	if r.checkDeviceExtensionSupport(device) {
		support, err := r.querySwapchainSupport(device)
		if err != nil {
			return caps, err
		}
		caps.Swapchain = len(support.Formats) > 0 && len(support.PresentModes) > 0
	}

	features := r.instanceDriver.GetPhysicalDeviceFeatures(device)
	caps.VertexStores = features.VertexPipelineStoresAndAtomics

	formatProps := r.instanceDriver.GetPhysicalDeviceFormatProperties(device, core1_0.FormatR32SignedInt)
	caps.StorageTexelBuffer = formatProps.BufferFeatures&core1_0.FormatFeatureStorageTexelBuffer != 0
	caps.TexelBufferAtomic = formatProps.BufferFeatures&core1_0.FormatFeatureStorageTexelBufferAtomic != 0

	properties, err := r.instanceDriver.GetPhysicalDeviceProperties(device)
	if err != nil {
		return caps, err
	}
	caps.TexelBufferElements = properties.Limits.MaxTexelBufferElements

	return caps, nil
}

func (r *Runner) checkDeviceExtensionSupport(device core1_0.PhysicalDevice) bool {
	extensions, _, err := r.instanceDriver.EnumerateDeviceExtensionProperties(device)
	if err != nil {
		return false
	}

	for _, extension := range deviceExtensions {
		_, hasExtension := extensions[extension]
		if !hasExtension {
			return false
		}
	}

	return true
}

func (r *Runner) findQueueFamilies(device core1_0.PhysicalDevice) (queueFamilyIndices, error) {
	indices := queueFamilyIndices{}
	queueFamilies := r.instanceDriver.GetPhysicalDeviceQueueFamilyProperties(device)

	for queueFamilyIdx, queueFamily := range queueFamilies {
		if (queueFamily.QueueFlags & core1_0.QueueGraphics) != 0 {
			indices.GraphicsFamily = new(int)
			*indices.GraphicsFamily = queueFamilyIdx
		}

		supported, _, err := r.surfaceExtension.GetPhysicalDeviceSurfaceSupport(r.surface, device, queueFamilyIdx)
		if err != nil {
			return indices, err
		}

		if supported {
			indices.PresentFamily = new(int)
			*indices.PresentFamily = queueFamilyIdx
		}

		if indices.IsComplete() {
			break
		}
	}

	return indices, nil
}

func (r *Runner) createLogicalDevice() error {
	indices := r.queueFamilies

	uniqueQueueFamilies := []int{*indices.GraphicsFamily}
	if uniqueQueueFamilies[0] != *indices.PresentFamily {
		uniqueQueueFamilies = append(uniqueQueueFamilies, *indices.PresentFamily)
	}

	var queueFamilyOptions []core1_0.DeviceQueueCreateInfo
	for _, queueFamily := range uniqueQueueFamilies {
		queueFamilyOptions = append(queueFamilyOptions, core1_0.DeviceQueueCreateInfo{
			QueueFamilyIndex: queueFamily,
			QueuePriorities:  []float32{1.0},
		})
	}

	extensionNames := append([]string(nil), deviceExtensions...)

	extensions, _, err := r.instanceDriver.EnumerateDeviceExtensionProperties(r.physicalDevice)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "enumerate device extensions"), ErrInit)
	}

	_, supported := extensions[khr_portability_subset.ExtensionName]
	if supported {
		extensionNames = append(extensionNames, khr_portability_subset.ExtensionName)
	}

	err = r.buildDevice(core1_0.DeviceCreateInfo{
		QueueCreateInfos: queueFamilyOptions,
		EnabledFeatures: &core1_0.PhysicalDeviceFeatures{
			VertexPipelineStoresAndAtomics: true,
		},
		EnabledExtensionNames: extensionNames,
	})
	if err != nil {
		return err
	}

	r.graphicsQueue = r.deviceDriver.GetQueue(*indices.GraphicsFamily, 0)
	r.presentQueue = r.deviceDriver.GetQueue(*indices.PresentFamily, 0)
	return nil
}

func (r *Runner) buildDevice(options core1_0.DeviceCreateInfo) error {
	device, res, err := r.instanceDriver.CreateDevice(r.physicalDevice, nil, options)
	r.diag.Check("vkCreateDevice", res)
	if err != nil {
		return initFailure("vkCreateDevice", res, err)
	}

	deviceDriver, err := r.instanceDriver.BuildDeviceDriver(device)
	if err != nil {
		r.log.Error("device leaked", zap.Error(err))
		return errors.Mark(errors.Wrap(err, "build device driver"), ErrInit)
	}
	if deviceDriver == nil {
		return errors.Mark(errors.New("build device driver: no driver returned"), ErrInit)
	}

	r.deviceDriver = deviceDriver
	r.release.Push("device", func() {
		r.deviceDriver.DestroyDevice(nil)
	})
	return nil
}

func (r *Runner) createCommandPool() error {
	pool, res, err := r.deviceDriver.CreateCommandPool(nil, core1_0.CommandPoolCreateInfo{
		QueueFamilyIndex: *r.queueFamilies.GraphicsFamily,
	})
	if err := r.check("vkCreateCommandPool", res, err); err != nil {
		return errors.Mark(err, ErrInit)
	}

	r.commandPool = pool
	r.release.Push("command pool", func() {
		r.deviceDriver.DestroyCommandPool(r.commandPool, nil)
	})
	return nil
}
