package runner

import (
	"bytes"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/core/v3/mocks"
	"github.com/vkngwrapper/core/v3/mocks/mocks1_0"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"

	"github.com/vkngwrapper/unpack/internal/config"
	"github.com/vkngwrapper/unpack/internal/diagnostics"
)

func newDriverRunner(t *testing.T) (*Runner, *gomock.Controller, *bytes.Buffer) {
	ctrl := gomock.NewController(t)
	r, _, errOut := newTestRunner()
	r.diag = diagnostics.New(diagnostics.Poll, errOut, config.SeverityWarning, zap.NewNop())
	return r, ctrl, errOut
}

func TestBuildInstanceUsesCreatedInstance(t *testing.T) {
	r, ctrl, _ := newDriverRunner(t)
	global := mocks1_0.NewMockGlobalDriver(ctrl)
	instanceDriver := mocks1_0.NewMockCoreInstanceDriver(ctrl)
	r.globalDriver = global

	instance := mocks.NewDummyInstance(common.Vulkan1_0, nil)
	options := core1_0.InstanceCreateInfo{ApplicationName: config.ApplicationName}

	gomock.InOrder(
		global.EXPECT().CreateInstance(gomock.Any(), options).Return(instance, core1_0.VKSuccess, nil),
		global.EXPECT().BuildInstanceDriver(instance).Return(instanceDriver, nil),
	)
	instanceDriver.EXPECT().DestroyInstance(gomock.Any())

	require.NoError(t, r.buildInstance(options))
	assert.Equal(t, core1_0.CoreInstanceDriver(instanceDriver), r.instanceDriver)

	r.teardown()
	r.teardown()
}

func TestBuildInstanceFailures(t *testing.T) {
	t.Run("create", func(t *testing.T) {
		r, ctrl, errOut := newDriverRunner(t)
		global := mocks1_0.NewMockGlobalDriver(ctrl)
		r.globalDriver = global

		global.EXPECT().CreateInstance(gomock.Any(), gomock.Any()).
			Return(core1_0.Instance{}, common.VkResult(-9), errors.New("no driver"))

		err := r.buildInstance(core1_0.InstanceCreateInfo{})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInit))
		assert.Contains(t, err.Error(), "VK_ERROR_INCOMPATIBLE_DRIVER")
		assert.Equal(t, "caught VK_ERROR_INCOMPATIBLE_DRIVER\n", errOut.String())
		assert.Zero(t, r.release.Len())
	})

	t.Run("build", func(t *testing.T) {
		r, ctrl, _ := newDriverRunner(t)
		global := mocks1_0.NewMockGlobalDriver(ctrl)
		r.globalDriver = global

		instance := mocks.NewDummyInstance(common.Vulkan1_0, nil)
		global.EXPECT().CreateInstance(gomock.Any(), gomock.Any()).Return(instance, core1_0.VKSuccess, nil)
		global.EXPECT().BuildInstanceDriver(instance).Return(nil, errors.New("unsupported version"))

		err := r.buildInstance(core1_0.InstanceCreateInfo{})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInit))
		assert.Nil(t, r.instanceDriver)
		assert.Zero(t, r.release.Len())
	})
}

func TestBuildDeviceUsesCreatedDevice(t *testing.T) {
	r, ctrl, _ := newDriverRunner(t)
	instanceDriver := mocks1_0.NewMockCoreInstanceDriver(ctrl)
	deviceDriver := mocks1_0.NewMockCoreDeviceDriver(ctrl)
	r.instanceDriver = instanceDriver

	instance := mocks.NewDummyInstance(common.Vulkan1_0, nil)
	r.physicalDevice = mocks.NewDummyPhysicalDevice(instance, common.Vulkan1_0)
	device := mocks.NewDummyDevice(common.Vulkan1_0, nil)
	options := core1_0.DeviceCreateInfo{
		EnabledFeatures: &core1_0.PhysicalDeviceFeatures{VertexPipelineStoresAndAtomics: true},
	}

	gomock.InOrder(
		instanceDriver.EXPECT().CreateDevice(r.physicalDevice, gomock.Any(), options).Return(device, core1_0.VKSuccess, nil),
		instanceDriver.EXPECT().BuildDeviceDriver(device).Return(deviceDriver, nil),
	)
	deviceDriver.EXPECT().DeviceWaitIdle().Return(core1_0.VKSuccess, nil)
	deviceDriver.EXPECT().DestroyDevice(gomock.Any())

	require.NoError(t, r.buildDevice(options))
	assert.Equal(t, core1_0.CoreDeviceDriver(deviceDriver), r.deviceDriver)

	r.teardown()
	r.teardown()
}

func TestBuildDeviceFailureIsFatal(t *testing.T) {
	r, ctrl, errOut := newDriverRunner(t)
	instanceDriver := mocks1_0.NewMockCoreInstanceDriver(ctrl)
	r.instanceDriver = instanceDriver

	instanceDriver.EXPECT().CreateDevice(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(core1_0.Device{}, common.VkResult(-7), errors.New("missing extension"))

	err := r.buildDevice(core1_0.DeviceCreateInfo{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInit))
	assert.Nil(t, r.deviceDriver)
	assert.Equal(t, "caught VK_ERROR_EXTENSION_NOT_PRESENT\n", errOut.String())
	assert.Zero(t, r.release.Len())
}
