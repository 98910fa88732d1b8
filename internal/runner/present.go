package runner

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/khr_surface"
	"github.com/vkngwrapper/extensions/v3/khr_swapchain"
)

type swapchainSupportDetails struct {
	Capabilities *khr_surface.SurfaceCapabilities
	Formats      []khr_surface.SurfaceFormat
	PresentModes []khr_surface.PresentMode
}

// presentation is the idle-loop half of the run: a swapchain whose images
// are cleared and presented until the window closes.
type presentation struct {
	swapchainExtension khr_swapchain.ExtensionDriver
	swapchain          khr_swapchain.Swapchain
	images             []core1_0.Image
	imageViews         []core1_0.ImageView
	format             core1_0.Format
	extent             core1_0.Extent2D

	depthFormat core1_0.Format
	depthImage  core1_0.Image
	depthMemory core1_0.DeviceMemory
	depthView   core1_0.ImageView

	renderPass     core1_0.RenderPass
	framebuffers   []core1_0.Framebuffer
	commandBuffers []core1_0.CommandBuffer

	imageAvailable core1_0.Semaphore
	renderFinished []core1_0.Semaphore
	inFlight       core1_0.Fence

	// ready is false until every object above exists, and again after a
	// failed swapchain recreation.
	ready bool
}

func (r *Runner) createPresentation() error {
	r.present.swapchainExtension = khr_swapchain.CreateExtensionDriverFromCoreDriver(r.deviceDriver)

	depthFormat, err := r.findDepthFormat()
	if err != nil {
		return err
	}
	r.present.depthFormat = depthFormat

	r.release.Push("swapchain", r.cleanupSwapchain)
	err = r.createSwapchainObjects()
	if err != nil {
		return err
	}

	r.release.Push("frame sync", r.destroySyncObjects)
	err = r.createSyncObjects()
	if err != nil {
		return err
	}

	r.present.ready = true
	return nil
}

func (r *Runner) createSwapchainObjects() error {
	err := r.createSwapchain()
	if err != nil {
		return err
	}

	err = r.createImageViews()
	if err != nil {
		return err
	}

	err = r.createClearRenderPass()
	if err != nil {
		return err
	}

	err = r.createDepthResources()
	if err != nil {
		return err
	}

	err = r.createFramebuffers()
	if err != nil {
		return err
	}

	err = r.createClearCommandBuffers()
	if err != nil {
		return err
	}

	for range r.present.images {
		semaphore, res, err := r.deviceDriver.CreateSemaphore(nil, core1_0.SemaphoreCreateInfo{})
		if err := r.check("vkCreateSemaphore", res, err); err != nil {
			return err
		}
		r.present.renderFinished = append(r.present.renderFinished, semaphore)
	}

	return nil
}

func (r *Runner) cleanupSwapchain() {
	p := &r.present

	for _, semaphore := range p.renderFinished {
		r.deviceDriver.DestroySemaphore(semaphore, nil)
	}
	p.renderFinished = nil

	if len(p.commandBuffers) > 0 {
		r.deviceDriver.FreeCommandBuffers(p.commandBuffers...)
		p.commandBuffers = nil
	}

	for _, framebuffer := range p.framebuffers {
		r.deviceDriver.DestroyFramebuffer(framebuffer, nil)
	}
	p.framebuffers = nil

	if p.depthView.Initialized() {
		r.deviceDriver.DestroyImageView(p.depthView, nil)
		p.depthView = core1_0.ImageView{}
	}

	if p.depthImage.Initialized() {
		r.deviceDriver.DestroyImage(p.depthImage, nil)
		p.depthImage = core1_0.Image{}
	}

	if p.depthMemory.Initialized() {
		r.deviceDriver.FreeMemory(p.depthMemory, nil)
		p.depthMemory = core1_0.DeviceMemory{}
	}

	if p.renderPass.Initialized() {
		r.deviceDriver.DestroyRenderPass(p.renderPass, nil)
		p.renderPass = core1_0.RenderPass{}
	}

	for _, imageView := range p.imageViews {
		r.deviceDriver.DestroyImageView(imageView, nil)
	}
	p.imageViews = nil
	p.images = nil

	if p.swapchain.Initialized() {
		p.swapchainExtension.DestroySwapchain(p.swapchain, nil)
		p.swapchain = khr_swapchain.Swapchain{}
	}
}

func (r *Runner) recreateSwapchain() error {
	w, h := r.window.VulkanGetDrawableSize()
	if w == 0 || h == 0 {
		return nil
	}

	_, err := r.deviceDriver.DeviceWaitIdle()
	if err != nil {
		return errors.Wrap(err, "vkDeviceWaitIdle")
	}

	r.cleanupSwapchain()
	err = r.createSwapchainObjects()
	if err != nil {
		r.present.ready = false
		return err
	}
	return nil
}

func (r *Runner) querySwapchainSupport(device core1_0.PhysicalDevice) (swapchainSupportDetails, error) {
	var details swapchainSupportDetails
	var err error

	details.Capabilities, _, err = r.surfaceExtension.GetPhysicalDeviceSurfaceCapabilities(r.surface, device)
	if err != nil {
		return details, err
	}

	details.Formats, _, err = r.surfaceExtension.GetPhysicalDeviceSurfaceFormats(r.surface, device)
	if err != nil {
		return details, err
	}

	details.PresentModes, _, err = r.surfaceExtension.GetPhysicalDeviceSurfacePresentModes(r.surface, device)
	return details, err
}

func (r *Runner) createSwapchain() error {
	support, err := r.querySwapchainSupport(r.physicalDevice)
	if err != nil {
		return errors.Wrap(err, "query swapchain support")
	}

	surfaceFormat := chooseSwapSurfaceFormat(support.Formats)
	extent := r.chooseSwapExtent(support.Capabilities)

	imageCount := support.Capabilities.MinImageCount + 1
	if support.Capabilities.MaxImageCount > 0 && support.Capabilities.MaxImageCount < imageCount {
		imageCount = support.Capabilities.MaxImageCount
	}

	sharingMode := core1_0.SharingModeExclusive
	var queueFamilyIndices []int
	graphics, present := *r.queueFamilies.GraphicsFamily, *r.queueFamilies.PresentFamily
	if graphics != present {
		sharingMode = core1_0.SharingModeConcurrent
		queueFamilyIndices = append(queueFamilyIndices, graphics, present)
	}

	swapchain, res, err := r.present.swapchainExtension.CreateSwapchain(nil, khr_swapchain.SwapchainCreateInfo{
		Surface: r.surface,

		MinImageCount:    imageCount,
		ImageFormat:      surfaceFormat.Format,
		ImageColorSpace:  surfaceFormat.ColorSpace,
		ImageExtent:      extent,
		ImageArrayLayers: 1,
		ImageUsage:       core1_0.ImageUsageColorAttachment,

		ImageSharingMode:   sharingMode,
		QueueFamilyIndices: queueFamilyIndices,

		PreTransform:   support.Capabilities.CurrentTransform,
		CompositeAlpha: khr_surface.CompositeAlphaOpaque,
		// FIFO is always available and keeps the idle loop vsync-paced.
		PresentMode: khr_surface.PresentModeFIFO,
		Clipped:     true,
	})
	if err := r.check("vkCreateSwapchainKHR", res, err); err != nil {
		return err
	}

	r.present.swapchain = swapchain
	r.present.extent = extent
	r.present.format = surfaceFormat.Format
	return nil
}

func chooseSwapSurfaceFormat(availableFormats []khr_surface.SurfaceFormat) khr_surface.SurfaceFormat {
	for _, format := range availableFormats {
		if format.Format == core1_0.FormatB8G8R8A8SRGB && format.ColorSpace == khr_surface.ColorSpaceSRGBNonlinear {
			return format
		}
	}

	return availableFormats[0]
}

func (r *Runner) chooseSwapExtent(capabilities *khr_surface.SurfaceCapabilities) core1_0.Extent2D {
	if capabilities.CurrentExtent.Width != -1 {
		return capabilities.CurrentExtent
	}

	w, h := r.window.VulkanGetDrawableSize()
	return clampExtent(int(w), int(h), capabilities.MinImageExtent, capabilities.MaxImageExtent)
}

func clampExtent(width, height int, lower, upper core1_0.Extent2D) core1_0.Extent2D {
	if width < lower.Width {
		width = lower.Width
	}
	if width > upper.Width {
		width = upper.Width
	}
	if height < lower.Height {
		height = lower.Height
	}
	if height > upper.Height {
		height = upper.Height
	}

	return core1_0.Extent2D{Width: width, Height: height}
}

func (r *Runner) createImageViews() error {
	images, res, err := r.present.swapchainExtension.GetSwapchainImages(r.present.swapchain)
	if err := r.check("vkGetSwapchainImagesKHR", res, err); err != nil {
		return err
	}
	r.present.images = images

	for _, image := range images {
		view, err := r.createImageView(image, r.present.format, core1_0.ImageAspectColor)
		if err != nil {
			return err
		}
		r.present.imageViews = append(r.present.imageViews, view)
	}

	return nil
}

func (r *Runner) createImageView(image core1_0.Image, format core1_0.Format, aspect core1_0.ImageAspectFlags) (core1_0.ImageView, error) {
	imageView, res, err := r.deviceDriver.CreateImageView(nil, core1_0.ImageViewCreateInfo{
		Image:    image,
		ViewType: core1_0.ImageViewType2D,
		Format:   format,
		SubresourceRange: core1_0.ImageSubresourceRange{
			AspectMask:     aspect,
			BaseMipLevel:   0,
			LevelCount:     1,
			BaseArrayLayer: 0,
			LayerCount:     1,
		},
	})
	return imageView, r.check("vkCreateImageView", res, err)
}

func (r *Runner) findDepthFormat() (core1_0.Format, error) {
	candidates := []core1_0.Format{
		core1_0.FormatD32SignedFloat,
		core1_0.FormatD32SignedFloatS8UnsignedInt,
		core1_0.FormatD24UnsignedNormalizedS8UnsignedInt,
	}
	for _, format := range candidates {
		props := r.instanceDriver.GetPhysicalDeviceFormatProperties(r.physicalDevice, format)
		if props.OptimalTilingFeatures&core1_0.FormatFeatureDepthStencilAttachment != 0 {
			return format, nil
		}
	}

	return 0, errors.Mark(errors.New("no depth attachment format supported"), ErrInit)
}

func (r *Runner) createDepthResources() error {
	p := &r.present

	image, res, err := r.deviceDriver.CreateImage(nil, core1_0.ImageCreateInfo{
		ImageType: core1_0.ImageType2D,
		Extent: core1_0.Extent3D{
			Width:  p.extent.Width,
			Height: p.extent.Height,
			Depth:  1,
		},
		MipLevels:     1,
		ArrayLayers:   1,
		Format:        p.depthFormat,
		Tiling:        core1_0.ImageTilingOptimal,
		InitialLayout: core1_0.ImageLayoutUndefined,
		Usage:         core1_0.ImageUsageDepthStencilAttachment,
		SharingMode:   core1_0.SharingModeExclusive,
		Samples:       core1_0.Samples1,
	})
	if err := r.check("vkCreateImage", res, err); err != nil {
		return err
	}
	p.depthImage = image

	memReqs := r.deviceDriver.GetImageMemoryRequirements(image)
	memoryIndex, err := r.findMemoryType(memReqs.MemoryTypeBits, core1_0.MemoryPropertyDeviceLocal)
	if err != nil {
		return err
	}

	memory, res, err := r.deviceDriver.AllocateMemory(nil, core1_0.MemoryAllocateInfo{
		AllocationSize:  memReqs.Size,
		MemoryTypeIndex: memoryIndex,
	})
	if err := r.check("vkAllocateMemory", res, err); err != nil {
		return err
	}
	p.depthMemory = memory

	res, err = r.deviceDriver.BindImageMemory(image, memory, 0)
	if err := r.check("vkBindImageMemory", res, err); err != nil {
		return err
	}

	p.depthView, err = r.createImageView(image, p.depthFormat, core1_0.ImageAspectDepth)
	return err
}

func (r *Runner) createClearRenderPass() error {
	renderPass, res, err := r.deviceDriver.CreateRenderPass(nil, core1_0.RenderPassCreateInfo{
		Attachments: []core1_0.AttachmentDescription{
			{
				Format:         r.present.format,
				Samples:        core1_0.Samples1,
				LoadOp:         core1_0.AttachmentLoadOpClear,
				StoreOp:        core1_0.AttachmentStoreOpStore,
				StencilLoadOp:  core1_0.AttachmentLoadOpDontCare,
				StencilStoreOp: core1_0.AttachmentStoreOpDontCare,
				InitialLayout:  core1_0.ImageLayoutUndefined,
				FinalLayout:    khr_swapchain.ImageLayoutPresentSrc,
			},
			{
				Format:         r.present.depthFormat,
				Samples:        core1_0.Samples1,
				LoadOp:         core1_0.AttachmentLoadOpClear,
				StoreOp:        core1_0.AttachmentStoreOpDontCare,
				StencilLoadOp:  core1_0.AttachmentLoadOpDontCare,
				StencilStoreOp: core1_0.AttachmentStoreOpDontCare,
				InitialLayout:  core1_0.ImageLayoutUndefined,
				FinalLayout:    core1_0.ImageLayoutDepthStencilAttachmentOptimal,
			},
		},
		Subpasses: []core1_0.SubpassDescription{
			{
				PipelineBindPoint: core1_0.PipelineBindPointGraphics,
				ColorAttachments: []core1_0.AttachmentReference{
					{
						Attachment: 0,
						Layout:     core1_0.ImageLayoutColorAttachmentOptimal,
					},
				},
				DepthStencilAttachment: &core1_0.AttachmentReference{
					Attachment: 1,
					Layout:     core1_0.ImageLayoutDepthStencilAttachmentOptimal,
				},
			},
		},
		SubpassDependencies: []core1_0.SubpassDependency{
			{
				SrcSubpass: core1_0.SubpassExternal,
				DstSubpass: 0,

				SrcStageMask:  core1_0.PipelineStageColorAttachmentOutput | core1_0.PipelineStageEarlyFragmentTests,
				SrcAccessMask: 0,

				DstStageMask:  core1_0.PipelineStageColorAttachmentOutput | core1_0.PipelineStageEarlyFragmentTests,
				DstAccessMask: core1_0.AccessColorAttachmentWrite | core1_0.AccessDepthStencilAttachmentWrite,
			},
		},
	})
	if err := r.check("vkCreateRenderPass", res, err); err != nil {
		return err
	}

	r.present.renderPass = renderPass
	return nil
}

func (r *Runner) createFramebuffers() error {
	p := &r.present
	for _, imageView := range p.imageViews {
		framebuffer, res, err := r.deviceDriver.CreateFramebuffer(nil, core1_0.FramebufferCreateInfo{
			RenderPass:  p.renderPass,
			Layers:      1,
			Attachments: []core1_0.ImageView{imageView, p.depthView},
			Width:       p.extent.Width,
			Height:      p.extent.Height,
		})
		if err := r.check("vkCreateFramebuffer", res, err); err != nil {
			return err
		}

		p.framebuffers = append(p.framebuffers, framebuffer)
	}

	return nil
}

// createClearCommandBuffers records one buffer per swapchain image. Each
// only clears; nothing is drawn in the idle loop.
func (r *Runner) createClearCommandBuffers() error {
	p := &r.present
	buffers, res, err := r.deviceDriver.AllocateCommandBuffers(core1_0.CommandBufferAllocateInfo{
		CommandPool:        r.commandPool,
		Level:              core1_0.CommandBufferLevelPrimary,
		CommandBufferCount: len(p.images),
	})
	if err := r.check("vkAllocateCommandBuffers", res, err); err != nil {
		return err
	}
	p.commandBuffers = buffers

	clear := r.cfg.ClearColor
	for bufferIdx, buffer := range buffers {
		res, err = r.deviceDriver.BeginCommandBuffer(buffer, core1_0.CommandBufferBeginInfo{})
		if err := r.check("vkBeginCommandBuffer", res, err); err != nil {
			return err
		}

		err = r.deviceDriver.CmdBeginRenderPass(buffer, core1_0.SubpassContentsInline,
			core1_0.RenderPassBeginInfo{
				RenderPass:  p.renderPass,
				Framebuffer: p.framebuffers[bufferIdx],
				RenderArea: core1_0.Rect2D{
					Offset: core1_0.Offset2D{X: 0, Y: 0},
					Extent: p.extent,
				},
				ClearValues: []core1_0.ClearValue{
					core1_0.ClearValueFloat{clear[0], clear[1], clear[2], clear[3]},
					core1_0.ClearValueDepthStencil{Depth: 1.0, Stencil: 0},
				},
			})
		if err != nil {
			return errors.Wrap(err, "vkCmdBeginRenderPass")
		}
		r.deviceDriver.CmdEndRenderPass(buffer)

		res, err = r.deviceDriver.EndCommandBuffer(buffer)
		if err := r.check("vkEndCommandBuffer", res, err); err != nil {
			return err
		}
	}

	return nil
}

func (r *Runner) createSyncObjects() error {
	semaphore, res, err := r.deviceDriver.CreateSemaphore(nil, core1_0.SemaphoreCreateInfo{})
	if err := r.check("vkCreateSemaphore", res, err); err != nil {
		return err
	}
	r.present.imageAvailable = semaphore

	fence, res, err := r.deviceDriver.CreateFence(nil, core1_0.FenceCreateInfo{
		Flags: core1_0.FenceCreateSignaled,
	})
	if err := r.check("vkCreateFence", res, err); err != nil {
		return err
	}
	r.present.inFlight = fence

	return nil
}

func (r *Runner) destroySyncObjects() {
	if r.present.inFlight.Initialized() {
		r.deviceDriver.DestroyFence(r.present.inFlight, nil)
	}
	if r.present.imageAvailable.Initialized() {
		r.deviceDriver.DestroySemaphore(r.present.imageAvailable, nil)
	}
}
