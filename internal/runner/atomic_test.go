package runner

import (
	"bytes"
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/core/v3/loader"
	"github.com/vkngwrapper/core/v3/mocks"
	"github.com/vkngwrapper/core/v3/mocks/mocks1_0"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"

	"github.com/vkngwrapper/unpack/internal/config"
	"github.com/vkngwrapper/unpack/internal/diagnostics"
	"github.com/vkngwrapper/unpack/internal/lifecycle"
	"github.com/vkngwrapper/unpack/internal/readback"
)

const storageSize = config.ElementCount * 4

// atomicHarness stands in for a device whose host-visible storage memory
// is a plain Go slice.
type atomicHarness struct {
	t      *testing.T
	r      *Runner
	out    *bytes.Buffer
	errOut *bytes.Buffer
	driver *mocks1_0.MockCoreDeviceDriver
	device core1_0.Device

	memory   []byte
	unmapped []string
}

func newAtomicHarness(t *testing.T) *atomicHarness {
	ctrl := gomock.NewController(t)
	r, out, errOut := newTestRunner()

	device := mocks.NewDummyDevice(common.Vulkan1_0, nil)
	instanceDriver := mocks1_0.NewMockCoreInstanceDriver(ctrl)
	driver := mocks1_0.NewMockCoreDeviceDriver(ctrl)

	r.instanceDriver = instanceDriver
	r.deviceDriver = driver
	r.diag = diagnostics.New(diagnostics.Poll, errOut, config.SeverityWarning, zap.NewNop())
	r.commandPool = mocks.NewDummyCommandPool(device)
	r.graphicsQueue = mocks.NewDummyQueue(device)

	instanceDriver.EXPECT().GetPhysicalDeviceMemoryProperties(gomock.Any()).Return(&core1_0.PhysicalDeviceMemoryProperties{
		MemoryTypes: []core1_0.MemoryType{
			{PropertyFlags: core1_0.MemoryPropertyDeviceLocal},
			{PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent},
		},
	}).AnyTimes()

	return &atomicHarness{
		t:      t,
		r:      r,
		out:    out,
		errOut: errOut,
		driver: driver,
		device: device,
		memory: make([]byte, storageSize),
	}
}

// expectStorageBuffer covers the buffer, its memory, the initial upload and
// the final readback.
func (h *atomicHarness) expectStorageBuffer() {
	buffer := mocks.NewDummyBuffer(h.device)
	memory := mocks.NewDummyDeviceMemory(h.device, storageSize)

	h.driver.EXPECT().CreateBuffer(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ *loader.AllocationCallbacks, o core1_0.BufferCreateInfo) (core1_0.Buffer, common.VkResult, error) {
			assert.Equal(h.t, storageSize, o.Size)
			assert.Equal(h.t, core1_0.BufferUsageStorageTexelBuffer, o.Usage)
			return buffer, core1_0.VKSuccess, nil
		})
	h.driver.EXPECT().GetBufferMemoryRequirements(buffer).Return(&core1_0.MemoryRequirements{
		Size:           storageSize,
		Alignment:      4,
		MemoryTypeBits: 0b11,
	})
	h.driver.EXPECT().AllocateMemory(gomock.Any(), core1_0.MemoryAllocateInfo{
		AllocationSize:  storageSize,
		MemoryTypeIndex: 1,
	}).Return(memory, core1_0.VKSuccess, nil)
	h.driver.EXPECT().BindBufferMemory(buffer, memory, 0).Return(core1_0.VKSuccess, nil)

	h.driver.EXPECT().MapMemory(memory, 0, storageSize, core1_0.MemoryMapFlags(0)).
		Return(unsafe.Pointer(&h.memory[0]), core1_0.VKSuccess, nil).
		Times(2)
	h.driver.EXPECT().UnmapMemory(memory).Do(func(core1_0.DeviceMemory) {
		h.unmapped = append(h.unmapped, h.out.String())
	}).Times(2)

	h.driver.EXPECT().DestroyBuffer(buffer, gomock.Any())
	h.driver.EXPECT().FreeMemory(memory, gomock.Any())
}

type atomicObjects struct {
	view           core1_0.BufferView
	setLayout      core1_0.DescriptorSetLayout
	descriptorPool core1_0.DescriptorPool
	descriptorSet  core1_0.DescriptorSet
	shaderModule   core1_0.ShaderModule
	pipelineLayout core1_0.PipelineLayout
	renderPass     core1_0.RenderPass
	framebuffer    core1_0.Framebuffer
}

// expectPipelineObjects covers everything up to, not including, the
// graphics pipeline.
func (h *atomicHarness) expectPipelineObjects() atomicObjects {
	pool := mocks.NewDummyDescriptorPool(h.device)
	o := atomicObjects{
		view:           mocks.NewDummyBufferView(h.device),
		setLayout:      mocks.NewDummyDescriptorSetLayout(h.device),
		descriptorPool: pool,
		descriptorSet:  mocks.NewDummyDescriptorSet(pool, h.device),
		shaderModule:   mocks.NewDummyShaderModule(h.device),
		pipelineLayout: mocks.NewDummyPipelineLayout(h.device),
		renderPass:     mocks.NewDummyRenderPass(h.device),
		framebuffer:    mocks.NewDummyFramebuffer(h.device),
	}

	h.driver.EXPECT().CreateBufferView(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ *loader.AllocationCallbacks, info core1_0.BufferViewCreateInfo) (core1_0.BufferView, common.VkResult, error) {
			assert.Equal(h.t, core1_0.FormatR32SignedInt, info.Format)
			assert.Equal(h.t, 0, info.Offset)
			assert.Equal(h.t, storageSize, info.Range)
			return o.view, core1_0.VKSuccess, nil
		})
	h.driver.EXPECT().CreateDescriptorSetLayout(gomock.Any(), gomock.Any()).Return(o.setLayout, core1_0.VKSuccess, nil)
	h.driver.EXPECT().CreateDescriptorPool(gomock.Any(), gomock.Any()).Return(o.descriptorPool, core1_0.VKSuccess, nil)
	h.driver.EXPECT().AllocateDescriptorSets(gomock.Any()).Return([]core1_0.DescriptorSet{o.descriptorSet}, core1_0.VKSuccess, nil)
	h.driver.EXPECT().UpdateDescriptorSets(gomock.Any(), gomock.Any()).DoAndReturn(
		func(writes []core1_0.WriteDescriptorSet, _ []core1_0.CopyDescriptorSet) error {
			require.Len(h.t, writes, 1)
			assert.Equal(h.t, core1_0.DescriptorTypeStorageTexelBuffer, writes[0].DescriptorType)
			assert.Equal(h.t, []core1_0.BufferView{o.view}, writes[0].TexelBufferView)
			return nil
		})
	h.driver.EXPECT().CreateShaderModule(gomock.Any(), gomock.Any()).Return(o.shaderModule, core1_0.VKSuccess, nil)
	h.driver.EXPECT().CreatePipelineLayout(gomock.Any(), gomock.Any()).Return(o.pipelineLayout, core1_0.VKSuccess, nil)
	h.driver.EXPECT().CreateRenderPass(gomock.Any(), gomock.Any()).Return(o.renderPass, core1_0.VKSuccess, nil)
	h.driver.EXPECT().CreateFramebuffer(gomock.Any(), gomock.Any()).Return(o.framebuffer, core1_0.VKSuccess, nil)

	h.driver.EXPECT().DestroyBufferView(o.view, gomock.Any())
	h.driver.EXPECT().DestroyDescriptorSetLayout(o.setLayout, gomock.Any())
	h.driver.EXPECT().DestroyDescriptorPool(o.descriptorPool, gomock.Any())
	h.driver.EXPECT().DestroyShaderModule(o.shaderModule, gomock.Any())
	h.driver.EXPECT().DestroyPipelineLayout(o.pipelineLayout, gomock.Any())
	h.driver.EXPECT().DestroyRenderPass(o.renderPass, gomock.Any())
	h.driver.EXPECT().DestroyFramebuffer(o.framebuffer, gomock.Any())

	return o
}

func (h *atomicHarness) gpuWrite(values []int32) {
	encoded, err := readback.Encode(values, common.ByteOrder)
	require.NoError(h.t, err)
	copy(h.memory, encoded)
}

func (h *atomicHarness) teardown() {
	h.driver.EXPECT().DeviceWaitIdle().Return(core1_0.VKSuccess, nil)
	h.r.teardown()
	// Nothing may be destroyed twice.
	h.r.teardown()
	assert.Equal(h.t, lifecycle.Terminated, h.r.State())
}

func TestAtomicDrawPrintsBuffer(t *testing.T) {
	h := newAtomicHarness(t)
	h.expectStorageBuffer()
	o := h.expectPipelineObjects()

	pipeline := mocks.NewDummyPipeline(h.device)
	cmd := mocks.NewDummyCommandBuffer(h.r.commandPool, h.device)
	fence := mocks.NewDummyFence(h.device)

	h.driver.EXPECT().CreateGraphicsPipelines(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ *core1_0.PipelineCache, _ *loader.AllocationCallbacks, infos ...core1_0.GraphicsPipelineCreateInfo) ([]core1_0.Pipeline, common.VkResult, error) {
			require.Len(t, infos, 1)
			assert.Equal(t, core1_0.PrimitiveTopologyPointList, infos[0].InputAssemblyState.Topology)
			assert.True(t, infos[0].RasterizationState.RasterizerDiscardEnable)
			assert.Equal(t, o.pipelineLayout, infos[0].Layout)
			assert.Equal(t, o.renderPass, infos[0].RenderPass)
			return []core1_0.Pipeline{pipeline}, core1_0.VKSuccess, nil
		})
	h.driver.EXPECT().DestroyPipeline(pipeline, gomock.Any())

	h.driver.EXPECT().AllocateCommandBuffers(gomock.Any()).Return([]core1_0.CommandBuffer{cmd}, core1_0.VKSuccess, nil)
	h.driver.EXPECT().FreeCommandBuffers(cmd)

	gomock.InOrder(
		h.driver.EXPECT().BeginCommandBuffer(cmd, gomock.Any()).Return(core1_0.VKSuccess, nil),
		h.driver.EXPECT().CmdBeginRenderPass(cmd, core1_0.SubpassContentsInline, gomock.Any()).Return(nil),
		h.driver.EXPECT().CmdBindPipeline(cmd, core1_0.PipelineBindPointGraphics, pipeline),
		h.driver.EXPECT().CmdBindDescriptorSets(cmd, core1_0.PipelineBindPointGraphics, o.pipelineLayout, 0,
			[]core1_0.DescriptorSet{o.descriptorSet}, gomock.Any()),
		h.driver.EXPECT().CmdDraw(cmd, config.ElementCount, 1, uint32(0), uint32(0)),
		h.driver.EXPECT().CmdEndRenderPass(cmd),
		h.driver.EXPECT().CmdPipelineBarrier(cmd,
			core1_0.PipelineStageVertexShader, core1_0.PipelineStageHost, core1_0.DependencyFlags(0),
			[]core1_0.MemoryBarrier{{SrcAccessMask: core1_0.AccessShaderWrite, DstAccessMask: core1_0.AccessHostRead}},
			gomock.Any(), gomock.Any()).Return(nil),
		h.driver.EXPECT().EndCommandBuffer(cmd).Return(core1_0.VKSuccess, nil),
	)

	h.driver.EXPECT().CreateFence(gomock.Any(), gomock.Any()).Return(fence, core1_0.VKSuccess, nil)
	h.driver.EXPECT().DestroyFence(fence, gomock.Any())

	h.driver.EXPECT().QueueSubmit(h.r.graphicsQueue, gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ core1_0.Queue, submitted *core1_0.Fence, infos ...core1_0.SubmitInfo) (common.VkResult, error) {
			assert.Equal(t, fence, *submitted)
			require.Len(t, infos, 1)
			assert.Equal(t, []core1_0.CommandBuffer{cmd}, infos[0].CommandBuffers)

			h.gpuWrite([]int32{0, 1, 2, 3, 4, 5, 6, 7})
			return core1_0.VKSuccess, nil
		})
	gomock.InOrder(
		h.driver.EXPECT().WaitForFences(true, fenceTimeout, fence).Return(core1_0.VKTimeout, nil),
		h.driver.EXPECT().WaitForFences(true, fenceTimeout, fence).Return(core1_0.VKSuccess, nil),
	)

	require.NoError(t, h.r.runAtomicTest())

	const line = "buffer content : 0 1 2 3 4 5 6 7 \n"
	assert.Equal(t, line, h.out.String())
	require.Len(t, h.unmapped, 2)
	assert.Empty(t, h.unmapped[0], "nothing is printed while uploading")
	assert.Equal(t, line, h.unmapped[1], "the line is printed before the memory is unmapped")
	assert.Empty(t, h.errOut.String(), "a timeout is not an error")

	h.teardown()
}

func TestAtomicPipelineFailureStillPrints(t *testing.T) {
	h := newAtomicHarness(t)
	h.expectStorageBuffer()
	h.expectPipelineObjects()

	h.driver.EXPECT().CreateGraphicsPipelines(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, core1_0.VKErrorOutOfDeviceMemory, errors.New("out of device memory"))

	require.NoError(t, h.r.runAtomicTest())

	assert.Equal(t, "buffer content : -1 -1 -1 -1 -1 -1 -1 -1 \n", h.out.String())
	assert.Equal(t, "caught VK_ERROR_OUT_OF_DEVICE_MEMORY\n", h.errOut.String())

	h.teardown()
}

func TestAtomicSubmitFailureStillPrints(t *testing.T) {
	h := newAtomicHarness(t)
	h.expectStorageBuffer()
	h.expectPipelineObjects()

	pipeline := mocks.NewDummyPipeline(h.device)
	cmd := mocks.NewDummyCommandBuffer(h.r.commandPool, h.device)
	fence := mocks.NewDummyFence(h.device)

	h.driver.EXPECT().CreateGraphicsPipelines(gomock.Any(), gomock.Any(), gomock.Any()).
		Return([]core1_0.Pipeline{pipeline}, core1_0.VKSuccess, nil)
	h.driver.EXPECT().DestroyPipeline(pipeline, gomock.Any())

	h.driver.EXPECT().AllocateCommandBuffers(gomock.Any()).Return([]core1_0.CommandBuffer{cmd}, core1_0.VKSuccess, nil)
	h.driver.EXPECT().FreeCommandBuffers(cmd)
	h.driver.EXPECT().BeginCommandBuffer(cmd, gomock.Any()).Return(core1_0.VKSuccess, nil)
	h.driver.EXPECT().CmdBeginRenderPass(cmd, gomock.Any(), gomock.Any()).Return(nil)
	h.driver.EXPECT().CmdBindPipeline(cmd, gomock.Any(), gomock.Any())
	h.driver.EXPECT().CmdBindDescriptorSets(cmd, gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any())
	h.driver.EXPECT().CmdDraw(cmd, gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any())
	h.driver.EXPECT().CmdEndRenderPass(cmd)
	h.driver.EXPECT().CmdPipelineBarrier(cmd, gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	h.driver.EXPECT().EndCommandBuffer(cmd).Return(core1_0.VKSuccess, nil)
	h.driver.EXPECT().CreateFence(gomock.Any(), gomock.Any()).Return(fence, core1_0.VKSuccess, nil)
	h.driver.EXPECT().DestroyFence(fence, gomock.Any())

	h.driver.EXPECT().QueueSubmit(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(common.VkResult(-4), errors.New("device lost"))

	require.NoError(t, h.r.runAtomicTest())

	assert.Equal(t, "buffer content : -1 -1 -1 -1 -1 -1 -1 -1 \n", h.out.String())
	assert.Equal(t, "caught VK_ERROR_DEVICE_LOST\n", h.errOut.String())

	h.teardown()
}

func TestStorageBufferFailureIsFatal(t *testing.T) {
	h := newAtomicHarness(t)

	h.driver.EXPECT().CreateBuffer(gomock.Any(), gomock.Any()).
		Return(core1_0.Buffer{}, core1_0.VKErrorOutOfDeviceMemory, errors.New("out of device memory"))

	err := h.r.runAtomicTest()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInit))
	assert.Empty(t, h.out.String())
	assert.Zero(t, h.r.release.Len())

	h.teardown()
}
