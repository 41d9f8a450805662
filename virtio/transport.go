// Package virtio drives the VirtIO-MMIO transport: device discovery, the
// status handshake, feature negotiation and queue registration.
package virtio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"rvcore/mmio"
	"rvcore/virtq"
)

var (
	ErrBadMagic          = errors.New("bad virtio magic")
	ErrBadVersion        = errors.New("unsupported virtio-mmio version")
	ErrNoDevice          = errors.New("no device behind transport")
	ErrBadState          = errors.New("operation not valid in current device status")
	ErrFeaturesRejected  = errors.New("device rejected negotiated features")
	ErrQueueUnavailable  = errors.New("queue not available")
	ErrQueueTooLarge     = errors.New("queue larger than device maximum")
	ErrQueueAlreadyReady = errors.New("queue already set up")
)

// DeviceInfo is what Probe learns from the identification registers.
type DeviceInfo struct {
	Version uint32   // transport version, 2 for modern devices
	Device  DeviceID // 0 when no device is attached
	Vendor  uint32
}

// Transport is one virtio-mmio register block. The device status only ever
// gains bits between resets; operations that would go backwards fail with
// ErrBadState and leave the registers untouched.
type Transport struct {
	r mmio.Region
	l *logrus.Logger

	mu       sync.Mutex
	status   uint32 // last value written to the status register
	features uint64 // accepted features, valid once FEATURES_OK stuck
}

// NewTransport wraps the register block at r. A nil logger means the
// standard one.
func NewTransport(r mmio.Region, l *logrus.Logger) *Transport {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &Transport{r: r, l: l}
}

// Probe identifies the device without changing its state.
func (t *Transport) Probe() (DeviceInfo, error) {
	if m := t.r.Read32(RegMagic); m != Magic {
		return DeviceInfo{}, fmt.Errorf("magic 0x%08x: %w", m, ErrBadMagic)
	}
	info := DeviceInfo{
		Version: t.r.Read32(RegVersion),
		Device:  DeviceID(t.r.Read32(RegDeviceID)),
		Vendor:  t.r.Read32(RegVendorID),
	}
	if info.Version != Version {
		return info, fmt.Errorf("version %d: %w", info.Version, ErrBadVersion)
	}
	if info.Device == DeviceNone {
		return info, ErrNoDevice
	}
	return info, nil
}

// Status reads the device status register.
func (t *Transport) Status() uint32 {
	return t.r.Read32(RegStatus)
}

// Reset writes zero to the status register, returning the device to its
// initial state.
func (t *Transport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.r.Write32(RegStatus, 0)
	t.status = 0
	t.features = 0
}

// advance adds bit to the status, provided the status is exactly from.
func (t *Transport) advance(from, bit uint32) error {
	if t.status != from {
		return fmt.Errorf("status 0x%02x, want 0x%02x: %w", t.status, from, ErrBadState)
	}
	t.status |= bit
	t.r.Write32(RegStatus, t.status)
	return nil
}

// Acknowledge tells the device a driver has noticed it.
func (t *Transport) Acknowledge() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.advance(0, StatusAcknowledge)
}

// Driver tells the device the driver knows how to drive it.
func (t *Transport) Driver() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.advance(StatusAcknowledge, StatusDriver)
}

// Begin resets the device and runs the first two handshake steps.
func (t *Transport) Begin() error {
	t.Reset()
	if err := t.Acknowledge(); err != nil {
		return err
	}
	return t.Driver()
}

// DeviceFeatures reads both 32-bit feature windows.
func (t *Transport) DeviceFeatures() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deviceFeatures()
}

func (t *Transport) deviceFeatures() uint64 {
	t.r.Write32(RegDeviceFeaturesSel, 0)
	lo := t.r.Read32(RegDeviceFeatures)
	t.r.Write32(RegDeviceFeaturesSel, 1)
	hi := t.r.Read32(RegDeviceFeatures)
	return uint64(hi)<<32 | uint64(lo)
}

// Negotiate accepts the device features that are also in accept, then sets
// FEATURES_OK and checks that the device kept it. On rejection the device is
// marked FAILED.
func (t *Transport) Negotiate(accept uint64) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status != StatusAcknowledge|StatusDriver {
		return 0, fmt.Errorf("negotiate in status 0x%02x: %w", t.status, ErrBadState)
	}

	offered := t.deviceFeatures()
	accepted := offered & accept

	t.r.Write32(RegDriverFeaturesSel, 0)
	t.r.Write32(RegDriverFeatures, uint32(accepted))
	t.r.Write32(RegDriverFeaturesSel, 1)
	t.r.Write32(RegDriverFeatures, uint32(accepted>>32))

	t.status |= StatusFeaturesOK
	t.r.Write32(RegStatus, t.status)

	if t.r.Read32(RegStatus)&StatusFeaturesOK == 0 {
		t.status |= StatusFailed
		t.r.Write32(RegStatus, t.status)
		t.l.WithFields(logrus.Fields{
			"offered":  fmt.Sprintf("0x%x", offered),
			"accepted": fmt.Sprintf("0x%x", accepted),
		}).Error("Feature negotiation failed")
		return accepted, ErrFeaturesRejected
	}

	t.features = accepted
	t.l.WithFields(logrus.Fields{
		"offered":  fmt.Sprintf("0x%x", offered),
		"accepted": fmt.Sprintf("0x%x", accepted),
	}).Debug("Features negotiated")
	return accepted, nil
}

// Features returns the negotiated feature set.
func (t *Transport) Features() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.features
}

// QueueNumMax selects queue index and returns its maximum size. Zero means
// the queue does not exist.
func (t *Transport) QueueNumMax(index uint32) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.r.Write32(RegQueueSel, index)
	return t.r.Read32(RegQueueNumMax)
}

// SetupQueue registers l as queue index. It must run after feature
// negotiation and before DriverOK.
func (t *Transport) SetupQueue(index uint32, l virtq.Layout) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status != StatusAcknowledge|StatusDriver|StatusFeaturesOK {
		return fmt.Errorf("setup queue %d in status 0x%02x: %w", index, t.status, ErrBadState)
	}

	t.r.Write32(RegQueueSel, index)
	if t.r.Read32(RegQueueReady) != 0 {
		return fmt.Errorf("queue %d: %w", index, ErrQueueAlreadyReady)
	}
	numMax := t.r.Read32(RegQueueNumMax)
	if numMax == 0 {
		return fmt.Errorf("queue %d: %w", index, ErrQueueUnavailable)
	}
	if uint32(l.Size) > numMax {
		return fmt.Errorf("queue %d size %d, max %d: %w", index, l.Size, numMax, ErrQueueTooLarge)
	}

	t.r.Write32(RegQueueNum, uint32(l.Size))
	t.r.Write32(RegQueueDescLow, uint32(l.Desc))
	t.r.Write32(RegQueueDescHigh, uint32(l.Desc>>32))
	t.r.Write32(RegQueueAvailLow, uint32(l.Avail))
	t.r.Write32(RegQueueAvailHigh, uint32(l.Avail>>32))
	t.r.Write32(RegQueueUsedLow, uint32(l.Used))
	t.r.Write32(RegQueueUsedHigh, uint32(l.Used>>32))
	t.r.Write32(RegQueueReady, 1)

	t.l.WithFields(logrus.Fields{
		"queue": index,
		"size":  l.Size,
		"desc":  fmt.Sprintf("0x%x", l.Desc),
		"avail": fmt.Sprintf("0x%x", l.Avail),
		"used":  fmt.Sprintf("0x%x", l.Used),
	}).Debug("Queue ready")
	return nil
}

// DriverOK completes initialization. The device may now use its queues.
func (t *Transport) DriverOK() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.advance(StatusAcknowledge|StatusDriver|StatusFeaturesOK, StatusDriverOK)
}

// Fail marks the device FAILED. Only Reset recovers it.
func (t *Transport) Fail() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status |= StatusFailed
	t.r.Write32(RegStatus, t.status)
}

// Notify tells the device queue index has new available buffers.
func (t *Transport) Notify(index uint32) {
	t.r.Write32(RegQueueNotify, index)
}

// InterruptStatus reads the pending interrupt reasons, a mask of
// InterruptUsedBuffer and InterruptConfig.
func (t *Transport) InterruptStatus() uint32 {
	return t.r.Read32(RegInterruptStatus)
}

// AckInterrupt clears the given interrupt status bits.
func (t *Transport) AckInterrupt(bits uint32) {
	t.r.Write32(RegInterruptAck, bits)
}

// ConfigRead32 reads a 32-bit field of the device configuration space.
func (t *Transport) ConfigRead32(off uintptr) uint32 {
	return t.r.Read32(RegConfig + off)
}

// ConfigRead64 reads a 64-bit configuration field, retrying until both
// halves come from the same configuration generation.
func (t *Transport) ConfigRead64(off uintptr) uint64 {
	for {
		gen := t.r.Read32(RegConfigGeneration)
		lo := t.r.Read32(RegConfig + off)
		hi := t.r.Read32(RegConfig + off + 4)
		if t.r.Read32(RegConfigGeneration) == gen {
			return uint64(hi)<<32 | uint64(lo)
		}
	}
}
