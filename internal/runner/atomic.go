package runner

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/loov/hrtime"
	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"
	"go.uber.org/zap"

	"github.com/vkngwrapper/unpack/internal/config"
	"github.com/vkngwrapper/unpack/internal/readback"
	"github.com/vkngwrapper/unpack/internal/shader"
)

const fenceTimeout = 100 * time.Millisecond

// atomicTest holds the objects of the compare-and-swap draw. The draw has
// no attachments: the vertex stage writes straight into the texel buffer
// and rasterization is discarded.
type atomicTest struct {
	size int

	buffer core1_0.Buffer
	memory core1_0.DeviceMemory
	view   core1_0.BufferView

	setLayout      core1_0.DescriptorSetLayout
	descriptorPool core1_0.DescriptorPool
	descriptorSet  core1_0.DescriptorSet

	shaderModule   core1_0.ShaderModule
	pipelineLayout core1_0.PipelineLayout
	renderPass     core1_0.RenderPass
	framebuffer    core1_0.Framebuffer
	pipeline       core1_0.Pipeline
}

// runAtomicTest fills the storage buffer, draws into it and prints it.
// Only a storage buffer that cannot be created or filled is fatal. Any
// later failure skips the draw and the untouched buffer is printed.
func (r *Runner) runAtomicTest() error {
	err := r.createStorageBuffer()
	if err != nil {
		return errors.Mark(err, ErrInit)
	}

	err = r.drawAtomic()
	if err != nil {
		r.log.Error("atomic draw skipped", zap.Error(err))
	}

	values, err := r.printBuffer()
	if err != nil {
		r.log.Error("buffer content unavailable", zap.Error(err))
		return nil
	}

	r.reportDeviations(values)
	return nil
}

func (r *Runner) drawAtomic() error {
	err := r.createBufferView()
	if err != nil {
		return err
	}

	err = r.createDescriptors()
	if err != nil {
		return err
	}

	err = r.createAtomicPipeline()
	if err != nil {
		return err
	}

	return r.dispatch()
}

func (r *Runner) createStorageBuffer() error {
	initial, err := readback.Encode(readback.Fill(config.ElementCount, config.Sentinel), common.ByteOrder)
	if err != nil {
		return err
	}
	r.test.size = len(initial)

	r.test.buffer, r.test.memory, err = r.createBuffer(r.test.size,
		core1_0.BufferUsageStorageTexelBuffer,
		core1_0.MemoryPropertyHostVisible|core1_0.MemoryPropertyHostCoherent)
	if r.test.memory.Initialized() {
		r.release.Push("storage memory", func() {
			r.deviceDriver.FreeMemory(r.test.memory, nil)
		})
	}
	if r.test.buffer.Initialized() {
		r.release.Push("storage buffer", func() {
			r.deviceDriver.DestroyBuffer(r.test.buffer, nil)
		})
	}
	if err != nil {
		return err
	}

	return r.writeMemory(r.test.memory, initial)
}

func (r *Runner) createBufferView() error {
	view, res, err := r.deviceDriver.CreateBufferView(nil, core1_0.BufferViewCreateInfo{
		Buffer: r.test.buffer,
		Format: core1_0.FormatR32SignedInt,
		Offset: 0,
		Range:  r.test.size,
	})
	if err := r.check("vkCreateBufferView", res, err); err != nil {
		return err
	}
	r.test.view = view
	r.release.Push("storage buffer view", func() {
		r.deviceDriver.DestroyBufferView(r.test.view, nil)
	})
	return nil
}

// printBuffer writes the buffer line while the memory is still mapped.
func (r *Runner) printBuffer() ([]int32, error) {
	var values []int32
	err := r.readMemory(r.test.memory, r.test.size, func(data []byte) error {
		var err error
		values, err = readback.Decode(data, common.ByteOrder, config.ElementCount)
		if err != nil {
			return err
		}

		_, err = fmt.Fprintln(r.out, readback.Line(values))
		return errors.Wrap(err, "print buffer content")
	})
	return values, err
}

func (r *Runner) createDescriptors() error {
	layout, res, err := r.deviceDriver.CreateDescriptorSetLayout(nil, core1_0.DescriptorSetLayoutCreateInfo{
		Bindings: []core1_0.DescriptorSetLayoutBinding{
			{
				Binding:         0,
				DescriptorType:  core1_0.DescriptorTypeStorageTexelBuffer,
				DescriptorCount: 1,
				StageFlags:      core1_0.StageVertex,
			},
		},
	})
	if err := r.check("vkCreateDescriptorSetLayout", res, err); err != nil {
		return err
	}
	r.test.setLayout = layout
	r.release.Push("descriptor set layout", func() {
		r.deviceDriver.DestroyDescriptorSetLayout(r.test.setLayout, nil)
	})

	pool, res, err := r.deviceDriver.CreateDescriptorPool(nil, core1_0.DescriptorPoolCreateInfo{
		MaxSets: 1,
		PoolSizes: []core1_0.DescriptorPoolSize{
			{
				Type:            core1_0.DescriptorTypeStorageTexelBuffer,
				DescriptorCount: 1,
			},
		},
	})
	if err := r.check("vkCreateDescriptorPool", res, err); err != nil {
		return err
	}
	r.test.descriptorPool = pool
	r.release.Push("descriptor pool", func() {
		r.deviceDriver.DestroyDescriptorPool(r.test.descriptorPool, nil)
	})

	sets, res, err := r.deviceDriver.AllocateDescriptorSets(core1_0.DescriptorSetAllocateInfo{
		DescriptorPool: r.test.descriptorPool,
		SetLayouts:     []core1_0.DescriptorSetLayout{r.test.setLayout},
	})
	if err := r.check("vkAllocateDescriptorSets", res, err); err != nil {
		return err
	}
	r.test.descriptorSet = sets[0]

	err = r.deviceDriver.UpdateDescriptorSets([]core1_0.WriteDescriptorSet{
		{
			DstSet:          r.test.descriptorSet,
			DstBinding:      0,
			DescriptorType:  core1_0.DescriptorTypeStorageTexelBuffer,
			TexelBufferView: []core1_0.BufferView{r.test.view},
		},
	}, nil)
	return errors.Wrap(err, "vkUpdateDescriptorSets")
}

func (r *Runner) createAtomicPipeline() error {
	code, err := shader.AtomicCompareSwap()
	if err != nil {
		return err
	}

	module, res, err := r.deviceDriver.CreateShaderModule(nil, core1_0.ShaderModuleCreateInfo{
		Code: code,
	})
	if err := r.check("vkCreateShaderModule", res, err); err != nil {
		return err
	}
	r.test.shaderModule = module
	r.release.Push("shader module", func() {
		r.deviceDriver.DestroyShaderModule(r.test.shaderModule, nil)
	})

	pipelineLayout, res, err := r.deviceDriver.CreatePipelineLayout(nil, core1_0.PipelineLayoutCreateInfo{
		SetLayouts: []core1_0.DescriptorSetLayout{r.test.setLayout},
	})
	if err := r.check("vkCreatePipelineLayout", res, err); err != nil {
		return err
	}
	r.test.pipelineLayout = pipelineLayout
	r.release.Push("atomic pipeline layout", func() {
		r.deviceDriver.DestroyPipelineLayout(r.test.pipelineLayout, nil)
	})

	renderPass, res, err := r.deviceDriver.CreateRenderPass(nil, core1_0.RenderPassCreateInfo{
		Subpasses: []core1_0.SubpassDescription{
			{
				PipelineBindPoint: core1_0.PipelineBindPointGraphics,
			},
		},
	})
	if err := r.check("vkCreateRenderPass", res, err); err != nil {
		return err
	}
	r.test.renderPass = renderPass
	r.release.Push("atomic render pass", func() {
		r.deviceDriver.DestroyRenderPass(r.test.renderPass, nil)
	})

	framebuffer, res, err := r.deviceDriver.CreateFramebuffer(nil, core1_0.FramebufferCreateInfo{
		RenderPass: r.test.renderPass,
		Width:      1,
		Height:     1,
		Layers:     1,
	})
	if err := r.check("vkCreateFramebuffer", res, err); err != nil {
		return err
	}
	r.test.framebuffer = framebuffer
	r.release.Push("atomic framebuffer", func() {
		r.deviceDriver.DestroyFramebuffer(r.test.framebuffer, nil)
	})

	pipelines, res, err := r.deviceDriver.CreateGraphicsPipelines(nil, nil, core1_0.GraphicsPipelineCreateInfo{
		Stages: []core1_0.PipelineShaderStageCreateInfo{
			{
				Stage:  core1_0.StageVertex,
				Module: r.test.shaderModule,
				Name:   "main",
			},
		},
		VertexInputState: &core1_0.PipelineVertexInputStateCreateInfo{},
		InputAssemblyState: &core1_0.PipelineInputAssemblyStateCreateInfo{
			Topology: core1_0.PrimitiveTopologyPointList,
		},
		ViewportState: &core1_0.PipelineViewportStateCreateInfo{
			Viewports: []core1_0.Viewport{{Width: 1, Height: 1, MaxDepth: 1}},
			Scissors:  []core1_0.Rect2D{{Extent: core1_0.Extent2D{Width: 1, Height: 1}}},
		},
		RasterizationState: &core1_0.PipelineRasterizationStateCreateInfo{
			RasterizerDiscardEnable: true,
			PolygonMode:             core1_0.PolygonModeFill,
			FrontFace:               core1_0.FrontFaceCounterClockwise,
			LineWidth:               1.0,
		},
		MultisampleState: &core1_0.PipelineMultisampleStateCreateInfo{
			RasterizationSamples: core1_0.Samples1,
			MinSampleShading:     1.0,
		},
		Layout:            r.test.pipelineLayout,
		RenderPass:        r.test.renderPass,
		Subpass:           0,
		BasePipelineIndex: -1,
	})
	if err := r.check("vkCreateGraphicsPipelines", res, err); err != nil {
		return err
	}
	r.test.pipeline = pipelines[0]
	r.release.Push("atomic pipeline", func() {
		r.deviceDriver.DestroyPipeline(r.test.pipeline, nil)
	})

	return nil
}

// dispatch draws one point per slot and waits for the fence. The buffer
// is read afterwards by printBuffer.
func (r *Runner) dispatch() error {
	buffers, res, err := r.deviceDriver.AllocateCommandBuffers(core1_0.CommandBufferAllocateInfo{
		CommandPool:        r.commandPool,
		Level:              core1_0.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	})
	if err := r.check("vkAllocateCommandBuffers", res, err); err != nil {
		return err
	}
	cmd := buffers[0]
	defer r.deviceDriver.FreeCommandBuffers(cmd)

	err = r.recordDispatch(cmd)
	if err != nil {
		return err
	}

	fence, res, err := r.deviceDriver.CreateFence(nil, core1_0.FenceCreateInfo{})
	if err := r.check("vkCreateFence", res, err); err != nil {
		return err
	}
	defer r.deviceDriver.DestroyFence(fence, nil)

	start := hrtime.Now()

	res, err = r.deviceDriver.QueueSubmit(r.graphicsQueue, &fence, core1_0.SubmitInfo{
		CommandBuffers: []core1_0.CommandBuffer{cmd},
	})
	if err := r.check("vkQueueSubmit", res, err); err != nil {
		return err
	}

	for {
		res, err = r.deviceDriver.WaitForFences(true, fenceTimeout, fence)
		if err := r.check("vkWaitForFences", res, err); err != nil {
			return err
		}
		if res != core1_0.VKTimeout {
			break
		}
		r.log.Debug("still waiting for the atomic draw")
	}

	r.log.Debug("atomic draw complete",
		zap.Int("invocations", config.ElementCount),
		zap.Duration("elapsed", hrtime.Since(start)))
	return nil
}

func (r *Runner) recordDispatch(cmd core1_0.CommandBuffer) error {
	res, err := r.deviceDriver.BeginCommandBuffer(cmd, core1_0.CommandBufferBeginInfo{
		Flags: core1_0.CommandBufferUsageOneTimeSubmit,
	})
	if err := r.check("vkBeginCommandBuffer", res, err); err != nil {
		return err
	}

	err = r.deviceDriver.CmdBeginRenderPass(cmd, core1_0.SubpassContentsInline, core1_0.RenderPassBeginInfo{
		RenderPass:  r.test.renderPass,
		Framebuffer: r.test.framebuffer,
		RenderArea: core1_0.Rect2D{
			Extent: core1_0.Extent2D{Width: 1, Height: 1},
		},
	})
	if err != nil {
		return errors.Wrap(err, "vkCmdBeginRenderPass")
	}

	r.deviceDriver.CmdBindPipeline(cmd, core1_0.PipelineBindPointGraphics, r.test.pipeline)
	r.deviceDriver.CmdBindDescriptorSets(cmd, core1_0.PipelineBindPointGraphics, r.test.pipelineLayout, 0,
		[]core1_0.DescriptorSet{r.test.descriptorSet}, nil)
	r.deviceDriver.CmdDraw(cmd, config.ElementCount, 1, 0, 0)
	r.deviceDriver.CmdEndRenderPass(cmd)

	// Vertex stage stores must be visible to the host before mapping.
	err = r.deviceDriver.CmdPipelineBarrier(cmd,
		core1_0.PipelineStageVertexShader, core1_0.PipelineStageHost, 0,
		[]core1_0.MemoryBarrier{
			{
				SrcAccessMask: core1_0.AccessShaderWrite,
				DstAccessMask: core1_0.AccessHostRead,
			},
		}, nil, nil)
	if err != nil {
		return errors.Wrap(err, "vkCmdPipelineBarrier")
	}

	res, err = r.deviceDriver.EndCommandBuffer(cmd)
	return r.check("vkEndCommandBuffer", res, err)
}

func (r *Runner) reportDeviations(values []int32) {
	analysis := readback.Analyze(values, config.Sentinel)
	if analysis.OK() {
		r.log.Info("every slot holds its own index")
		return
	}

	for _, d := range analysis.Deviations {
		r.log.Warn("slot deviates",
			zap.Int("slot", d.Slot),
			zap.Int32("got", d.Got),
			zap.Int32("want", d.Want()),
			zap.Stringer("kind", d.Kind))
	}
	if len(analysis.Duplicates) > 0 {
		r.log.Warn("values written more than once", zap.Int32s("values", analysis.Duplicates))
	}
	if len(analysis.Missing) > 0 {
		r.log.Warn("indices never written", zap.Int32s("indices", analysis.Missing))
	}

	if r.cfg.Report {
		if err := readback.WriteReport(r.errOut, analysis); err != nil {
			r.log.Warn("failed to render deviation report", zap.Error(err))
		}
	}
}
