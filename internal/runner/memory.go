package runner

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"
)

func (r *Runner) findMemoryType(typeFilter uint32, properties core1_0.MemoryPropertyFlags) (int, error) {
	memProperties := r.instanceDriver.GetPhysicalDeviceMemoryProperties(r.physicalDevice)
	for i, memoryType := range memProperties.MemoryTypes {
		typeBit := uint32(1 << i)

		if (typeFilter&typeBit) != 0 && (memoryType.PropertyFlags&properties) == properties {
			return i, nil
		}
	}

	return 0, errors.Newf("no memory type matches filter %#x with properties %s", typeFilter, properties)
}

func (r *Runner) createBuffer(size int, usage core1_0.BufferUsageFlags, properties core1_0.MemoryPropertyFlags) (core1_0.Buffer, core1_0.DeviceMemory, error) {
	buffer, res, err := r.deviceDriver.CreateBuffer(nil, core1_0.BufferCreateInfo{
		Size:        size,
		Usage:       usage,
		SharingMode: core1_0.SharingModeExclusive,
	})
	if err := r.check("vkCreateBuffer", res, err); err != nil {
		return core1_0.Buffer{}, core1_0.DeviceMemory{}, err
	}

	memRequirements := r.deviceDriver.GetBufferMemoryRequirements(buffer)
	memoryTypeIndex, err := r.findMemoryType(memRequirements.MemoryTypeBits, properties)
	if err != nil {
		return buffer, core1_0.DeviceMemory{}, err
	}

	memory, res, err := r.deviceDriver.AllocateMemory(nil, core1_0.MemoryAllocateInfo{
		AllocationSize:  memRequirements.Size,
		MemoryTypeIndex: memoryTypeIndex,
	})
	if err := r.check("vkAllocateMemory", res, err); err != nil {
		return buffer, core1_0.DeviceMemory{}, err
	}

	res, err = r.deviceDriver.BindBufferMemory(buffer, memory, 0)
	return buffer, memory, r.check("vkBindBufferMemory", res, err)
}

// writeMemory copies data to the start of a host-visible allocation.
func (r *Runner) writeMemory(memory core1_0.DeviceMemory, data []byte) error {
	ptr, res, err := r.deviceDriver.MapMemory(memory, 0, len(data), 0)
	if err := r.check("vkMapMemory", res, err); err != nil {
		return err
	}
	defer r.deviceDriver.UnmapMemory(memory)

	copy(unsafe.Slice((*byte)(ptr), len(data)), data)
	return nil
}

// readMemory maps size bytes for host read and hands them to read before
// unmapping. The slice is only valid inside read.
func (r *Runner) readMemory(memory core1_0.DeviceMemory, size int, read func([]byte) error) error {
	ptr, res, err := r.deviceDriver.MapMemory(memory, 0, size, 0)
	if err := r.check("vkMapMemory", res, err); err != nil {
		return err
	}
	defer r.deviceDriver.UnmapMemory(memory)

	return read(unsafe.Slice((*byte)(ptr), size))
}
