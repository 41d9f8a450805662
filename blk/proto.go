// Package blk is a virtio-blk driver: it turns block reads, writes and
// flushes into header/data/status chains on a split virtqueue.
package blk

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	SectorSize = 512 // unit of Header.Sector and of every transfer
	HeaderSize = 16  // type, reserved, sector
	// IDSize is the length of the serial returned by GetID.
	IDSize = 20
)

var (
	ErrNotBlock    = errors.New("device is not a block device")
	ErrBadBuffer   = errors.New("buffer is not a whole number of sectors")
	ErrTooLarge    = errors.New("transfer larger than the bounce buffer")
	ErrOutOfRange  = errors.New("request beyond device capacity")
	ErrReadOnly    = errors.New("device is read-only")
	ErrShortHeader = errors.New("request header too short")
	ErrBusy        = errors.New("no free request slot")
	ErrQueueSmall  = errors.New("queue cannot hold a request chain")
)

// RequestType is the type field of the request header.
type RequestType uint32

const (
	TypeIn          RequestType = 0
	TypeOut         RequestType = 1
	TypeFlush       RequestType = 4
	TypeGetID       RequestType = 8
	TypeGetLifetime RequestType = 10
	TypeDiscard     RequestType = 11
	TypeWriteZeroes RequestType = 13
	TypeSecureErase RequestType = 14
)

// String is the lower-case request name used in logs and errors.
func (t RequestType) String() string {
	switch t {
	case TypeIn:
		return "in"
	case TypeOut:
		return "out"
	case TypeFlush:
		return "flush"
	case TypeGetID:
		return "get-id"
	case TypeGetLifetime:
		return "get-lifetime"
	case TypeDiscard:
		return "discard"
	case TypeWriteZeroes:
		return "write-zeroes"
	case TypeSecureErase:
		return "secure-erase"
	}
	return fmt.Sprintf("type %d", uint32(t))
}

// DeviceWrites reports whether the data buffers of t are filled by the
// device.
func (t RequestType) DeviceWrites() bool {
	return t == TypeIn || t == TypeGetID || t == TypeGetLifetime
}

// Status is the byte the device writes at the end of a request.
type Status uint8

const (
	StatusOK          Status = 0
	StatusIOErr       Status = 1
	StatusUnsupported Status = 2

	// statusPending is written before submission. No device returns it.
	statusPending Status = 0xff
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusIOErr:
		return "io error"
	case StatusUnsupported:
		return "unsupported"
	case statusPending:
		return "pending"
	}
	return fmt.Sprintf("status %d", uint8(s))
}

// Block device feature bits
const (
	FeatureSizeMax     uint64 = 1 << 1
	FeatureSegMax      uint64 = 1 << 2
	FeatureGeometry    uint64 = 1 << 4
	FeatureRO          uint64 = 1 << 5
	FeatureBlkSize     uint64 = 1 << 6
	FeatureFlush       uint64 = 1 << 9
	FeatureTopology    uint64 = 1 << 10
	FeatureConfigWCE   uint64 = 1 << 11
	FeatureMQ          uint64 = 1 << 12
	FeatureDiscard     uint64 = 1 << 13
	FeatureWriteZeroes uint64 = 1 << 14
	FeatureLifetime    uint64 = 1 << 15
	FeatureSecureErase uint64 = 1 << 16
)

// Configuration space offsets
const (
	ConfigCapacity = 0x00
	ConfigSizeMax  = 0x08
	ConfigSegMax   = 0x0c
	ConfigBlkSize  = 0x14
)

// Header is the read-only descriptor that starts every request.
type Header struct {
	Type     RequestType
	Reserved uint32
	Sector   uint64
}

// PutHeader encodes h little-endian into the first HeaderSize bytes of b.
func PutHeader(b []byte, h Header) error {
	if len(b) < HeaderSize {
		return ErrShortHeader
	}
	binary.LittleEndian.PutUint32(b[0:], uint32(h.Type))
	binary.LittleEndian.PutUint32(b[4:], h.Reserved)
	binary.LittleEndian.PutUint64(b[8:], h.Sector)
	return nil
}

// ParseHeader decodes the first HeaderSize bytes of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortHeader
	}
	return Header{
		Type:     RequestType(binary.LittleEndian.Uint32(b[0:])),
		Reserved: binary.LittleEndian.Uint32(b[4:]),
		Sector:   binary.LittleEndian.Uint64(b[8:]),
	}, nil
}

// StatusError is returned for a request the device completed with a
// non-OK status.
type StatusError struct {
	Status Status
	Type   RequestType
	Sector uint64
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("blk %s at sector %d: %s", e.Type, e.Sector, e.Status)
}
