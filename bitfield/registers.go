package bitfield

// MachineStatus is the low part of mstatus, up to TSR.
// Fields are packed lowest bit first.
type MachineStatus struct {
	UIE       bool  `bitfield:",1"`
	SIE       bool  `bitfield:",1"`
	Reserved2 bool  `bitfield:",1"`
	MIE       bool  `bitfield:",1"`
	UPIE      bool  `bitfield:",1"`
	SPIE      bool  `bitfield:",1"`
	UBE       bool  `bitfield:",1"`
	MPIE      bool  `bitfield:",1"`
	SPP       bool  `bitfield:",1"`
	VS        uint8 `bitfield:",2"`
	MPP       uint8 `bitfield:",2"` // previous privilege: 0 user, 1 supervisor, 3 machine
	FS        uint8 `bitfield:",2"`
	XS        uint8 `bitfield:",2"`
	MPRV      bool  `bitfield:",1"`
	SUM       bool  `bitfield:",1"`
	MXR       bool  `bitfield:",1"`
	TVM       bool  `bitfield:",1"`
	TW        bool  `bitfield:",1"`
	TSR       bool  `bitfield:",1"`
}

// InterruptBits is the shared layout of mie and mip (and their supervisor views).
type InterruptBits struct {
	USI        bool `bitfield:",1"`
	SSI        bool `bitfield:",1"`
	Reserved2  bool `bitfield:",1"`
	MSI        bool `bitfield:",1"`
	UTI        bool `bitfield:",1"`
	STI        bool `bitfield:",1"`
	Reserved6  bool `bitfield:",1"`
	MTI        bool `bitfield:",1"`
	UEI        bool `bitfield:",1"`
	SEI        bool `bitfield:",1"`
	Reserved10 bool `bitfield:",1"`
	MEI        bool `bitfield:",1"`
}

const (
	machineStatusBits = 23
	interruptBits     = 12
)

// MachineStatusMask covers every bit MachineStatus describes.
const MachineStatusMask = uint64(1)<<machineStatusBits - 1

// InterruptMask covers every bit InterruptBits describes.
const InterruptMask = uint64(1)<<interruptBits - 1

// PackMachineStatus packs s into the low bits of an mstatus value.
func PackMachineStatus(s MachineStatus) (uint64, error) {
	return Pack(s, &Config{NumBits: machineStatusBits})
}

// UnpackMachineStatus decodes the low bits of an mstatus value.
func UnpackMachineStatus(v uint64) MachineStatus {
	var s MachineStatus
	// only bool and uint8 fields, cannot fail
	_ = Unpack(v, &s)
	return s
}

// PackInterrupts packs b into an mie/mip value.
func PackInterrupts(b InterruptBits) (uint64, error) {
	return Pack(b, &Config{NumBits: interruptBits})
}

// UnpackInterrupts decodes an mie/mip value.
func UnpackInterrupts(v uint64) InterruptBits {
	var b InterruptBits
	_ = Unpack(v, &b)
	return b
}
