package virtio

// VirtIO-MMIO register offsets (version 2 layout)
const (
	RegMagic             = 0x000
	RegVersion           = 0x004
	RegDeviceID          = 0x008
	RegVendorID          = 0x00c
	RegDeviceFeatures    = 0x010
	RegDeviceFeaturesSel = 0x014
	RegDriverFeatures    = 0x020
	RegDriverFeaturesSel = 0x024
	RegQueueSel          = 0x030
	RegQueueNumMax       = 0x034
	RegQueueNum          = 0x038
	RegQueueAlign        = 0x03c // legacy only
	RegQueuePFN          = 0x040 // legacy only
	RegQueueReady        = 0x044
	RegQueueNotify       = 0x050
	RegInterruptStatus   = 0x060
	RegInterruptAck      = 0x064
	RegStatus            = 0x070
	RegQueueDescLow      = 0x080
	RegQueueDescHigh     = 0x084
	RegQueueAvailLow     = 0x090
	RegQueueAvailHigh    = 0x094
	RegQueueUsedLow      = 0x0a0
	RegQueueUsedHigh     = 0x0a4
	RegConfigGeneration  = 0x0fc
	RegConfig            = 0x100

	// RegionSize is the span of one transport's registers.
	RegionSize = 0x1000
)

// Magic is "virt" in little-endian.
const Magic = 0x74726976

// Version is the only register layout this transport speaks.
const Version = 2

// Device status bits
const (
	StatusAcknowledge uint32 = 1
	StatusDriver      uint32 = 2
	StatusDriverOK    uint32 = 4
	StatusFeaturesOK  uint32 = 8
	StatusNeedsReset  uint32 = 64
	StatusFailed      uint32 = 128
)

// Interrupt status bits
const (
	InterruptUsedBuffer uint32 = 1 << 0
	InterruptConfig     uint32 = 1 << 1
)

// DeviceID is the virtio device type.
type DeviceID uint32

const (
	DeviceNone    DeviceID = 0
	DeviceNet     DeviceID = 1
	DeviceBlock   DeviceID = 2
	DeviceConsole DeviceID = 3
	DeviceEntropy DeviceID = 4
	DeviceGPU     DeviceID = 16
)

func (d DeviceID) String() string {
	switch d {
	case DeviceNone:
		return "none"
	case DeviceNet:
		return "net"
	case DeviceBlock:
		return "block"
	case DeviceConsole:
		return "console"
	case DeviceEntropy:
		return "entropy"
	case DeviceGPU:
		return "gpu"
	}
	return "unknown"
}

// Device-independent feature bits
const (
	FeatureRingIndirectDesc uint64 = 1 << 28
	FeatureRingEventIdx     uint64 = 1 << 29
	FeatureVersion1         uint64 = 1 << 32
	FeatureAccessPlatform   uint64 = 1 << 33
)
