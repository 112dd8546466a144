// Package mmio implements the VirtIO modern MMIO register transport
// (VirtIO 1.1 §4.2.2): the fixed register file a device exposes at a
// physical base address, and the handshake/queue-programming operations
// built directly on top of it.
package mmio

import (
	"sync/atomic"
	"unsafe"

	"github.com/mrniu/vioblk/platform"
	"github.com/mrniu/vioblk/virtio"
)

// Register offsets, VirtIO 1.1 §4.2.2.
const (
	regMagicValue        = 0x000
	regVersion            = 0x004
	regDeviceID           = 0x008
	regVendorID           = 0x00C
	regDeviceFeatures     = 0x010
	regDeviceFeaturesSel  = 0x014
	regDriverFeatures     = 0x020
	regDriverFeaturesSel  = 0x024
	regQueueSel           = 0x030
	regQueueNumMax        = 0x034
	regQueueNum           = 0x038
	regQueueReady         = 0x044
	regQueueNotify        = 0x050
	regInterruptStatus    = 0x060
	regInterruptAck       = 0x064
	regStatus             = 0x070
	regQueueDescLow       = 0x080
	regQueueDescHigh      = 0x084
	regQueueDriverLow     = 0x090
	regQueueDriverHigh    = 0x094
	regQueueDeviceLow     = 0x0A0
	regQueueDeviceHigh    = 0x0A4
	regQueueReset         = 0x0C4
	regConfigGeneration   = 0x0FC
	regConfig             = 0x100
)

const (
	magicValue   = 0x74726976 // "virt"
	modernVersion = 2

	// InterruptVring and InterruptConfig are the bits of the interrupt
	// status register (VirtIO 1.1 §4.2.2.3).
	InterruptVring  = 1 << 0
	InterruptConfig = 1 << 1
)

// Device status bits (VirtIO 1.1 §2.1).
const (
	StatusAcknowledge     uint32 = 1
	StatusDriver          uint32 = 2
	StatusDriverOK        uint32 = 4
	StatusFeaturesOK      uint32 = 8
	StatusDeviceNeedsReset uint32 = 64
	StatusFailed          uint32 = 128
)

const maxConfigRetries = 1000

// Transport is bound to one MMIO register file. It performs no locking;
// callers serialize their own access, as is true of every layer in this
// module (see package blkdev).
type Transport struct {
	base  uintptr
	tr    platform.Trait
	valid bool
	err   error

	deviceID uint32
	vendorID uint32
}

// New validates the register file at base and returns a Transport bound
// to it. Validation follows VirtIO 1.1 §4.2.3.1: the magic value must
// read "virt", the version must be the modern value (legacy devices are
// rejected outright -- this driver does not implement the legacy
// interface), and the device ID must be non-zero (a device-specific ID
// match, e.g. 2 for virtio-blk, is the caller's concern -- a transport
// binds to whatever device sits at base). On success New caches the
// device and vendor IDs and writes 0 to the status register, resetting
// the device. New always returns a non-nil Transport, even on failure:
// callers check IsValid() (and may consult Err() for the reason) rather
// than a nil pointer. On an invalid Transport only IsValid, Err, DeviceID
// and VendorID are safe to call; the register methods do not check
// validity and access base as given.
func New(base uint64, tr platform.Trait) *Transport {
	t := &Transport{tr: tr}

	if base == 0 {
		tr.Log("mmio: refusing to bind a null base address")
		t.err = virtio.Wrap(virtio.ErrInvalidArgCode, "null mmio base")
		return t
	}
	t.base = uintptr(base)

	magic := t.read32(regMagicValue)
	if magic != magicValue {
		tr.Log("mmio: bad magic value 0x%08x at 0x%x", magic, base)
		t.err = virtio.ErrInvalidMagic
		return t
	}

	version := t.read32(regVersion)
	if version != modernVersion {
		tr.Log("mmio: unsupported version %d (want %d)", version, modernVersion)
		t.err = virtio.ErrInvalidVersion
		return t
	}

	devID := t.read32(regDeviceID)
	if devID == 0 {
		tr.Log("mmio: no device present (device id 0)")
		t.err = virtio.ErrInvalidDeviceID
		return t
	}

	t.deviceID = devID
	t.vendorID = t.read32(regVendorID)
	t.write32(regStatus, 0) // reset the device
	t.valid = true
	return t
}

// IsValid reports whether construction succeeded.
func (t *Transport) IsValid() bool { return t.valid }

// Err returns the reason construction failed, or nil if the transport is
// valid.
func (t *Transport) Err() error { return t.err }

// DeviceID returns the device-id register cached at construction (VirtIO
// 1.1 §4.2.2, offset 0x008), or 0 on an invalid transport.
func (t *Transport) DeviceID() uint32 { return t.deviceID }

// VendorID returns the vendor-id register cached at construction (VirtIO
// 1.1 §4.2.2, offset 0x00C), or 0 on an invalid transport.
func (t *Transport) VendorID() uint32 { return t.vendorID }

func (t *Transport) read32(off uint32) uint32 {
	p := (*uint32)(unsafe.Pointer(t.base + uintptr(off)))
	return atomic.LoadUint32(p)
}

func (t *Transport) write32(off uint32, val uint32) {
	p := (*uint32)(unsafe.Pointer(t.base + uintptr(off)))
	atomic.StoreUint32(p, val)
}

func (t *Transport) read8(off uint32) uint8 {
	p := (*uint8)(unsafe.Pointer(t.base + uintptr(off)))
	return *p
}

func (t *Transport) read16(off uint32) uint16 {
	p := (*uint16)(unsafe.Pointer(t.base + uintptr(off)))
	return *p
}

// Status returns the current device status register.
func (t *Transport) Status() uint32 { return t.read32(regStatus) }

// SetStatus writes the device status register.
func (t *Transport) SetStatus(status uint32) { t.write32(regStatus, status) }

// Reset writes 0 to the status register, per VirtIO 1.1 §3.1 step 1/§4.2.3.2.
func (t *Transport) Reset() { t.write32(regStatus, 0) }

// DeviceFeatures reads the full 64-bit device feature bitmap using the
// windowed sel/value register pair (VirtIO 1.1 §4.2.2).
func (t *Transport) DeviceFeatures() virtio.Feature {
	t.write32(regDeviceFeaturesSel, 0)
	lo := t.read32(regDeviceFeatures)
	t.write32(regDeviceFeaturesSel, 1)
	hi := t.read32(regDeviceFeatures)
	return virtio.Feature(uint64(hi)<<32 | uint64(lo))
}

// SetDriverFeatures writes the full 64-bit driver feature bitmap through
// the same windowed register pair.
func (t *Transport) SetDriverFeatures(f virtio.Feature) {
	t.write32(regDriverFeaturesSel, 0)
	t.write32(regDriverFeatures, uint32(f))
	t.write32(regDriverFeaturesSel, 1)
	t.write32(regDriverFeatures, uint32(f>>32))
}

// QueueNumMax selects queueIdx and returns the maximum queue size the
// device supports for it, or 0 if the queue does not exist.
func (t *Transport) QueueNumMax(queueIdx uint32) uint32 {
	t.write32(regQueueSel, queueIdx)
	return t.read32(regQueueNumMax)
}

// SetQueueNum selects queueIdx and programs its size.
func (t *Transport) SetQueueNum(queueIdx uint32, size uint32) {
	t.write32(regQueueSel, queueIdx)
	t.write32(regQueueNum, size)
}

// SetQueueAddrs selects queueIdx and programs the descriptor table,
// available ring and used ring addresses.
func (t *Transport) SetQueueAddrs(queueIdx uint32, descPhys, availPhys, usedPhys uint64) {
	t.write32(regQueueSel, queueIdx)
	t.write32(regQueueDescLow, uint32(descPhys))
	t.write32(regQueueDescHigh, uint32(descPhys>>32))
	t.write32(regQueueDriverLow, uint32(availPhys))
	t.write32(regQueueDriverHigh, uint32(availPhys>>32))
	t.write32(regQueueDeviceLow, uint32(usedPhys))
	t.write32(regQueueDeviceHigh, uint32(usedPhys>>32))
}

// SetQueueReady selects queueIdx and marks it ready (or not) for use.
func (t *Transport) SetQueueReady(queueIdx uint32, ready bool) {
	t.write32(regQueueSel, queueIdx)
	v := uint32(0)
	if ready {
		v = 1
	}
	t.write32(regQueueReady, v)
}

// QueueReady selects queueIdx and reports whether the device has it marked
// ready.
func (t *Transport) QueueReady(queueIdx uint32) bool {
	t.write32(regQueueSel, queueIdx)
	return t.read32(regQueueReady) != 0
}

// NotifyQueue rings the doorbell for queueIdx.
func (t *Transport) NotifyQueue(queueIdx uint32) { t.write32(regQueueNotify, queueIdx) }

// InterruptStatus returns the raw interrupt status bitmap.
func (t *Transport) InterruptStatus() uint32 { return t.read32(regInterruptStatus) }

// AckInterrupt acknowledges the given interrupt status bits.
func (t *Transport) AckInterrupt(bits uint32) { t.write32(regInterruptAck, bits) }

// ReadConfigU8, ReadConfigU16 and ReadConfigU32 read from the
// device-specific configuration space at the given byte offset.
func (t *Transport) ReadConfigU8(off uint32) uint8   { return t.read8(regConfig + off) }
func (t *Transport) ReadConfigU16(off uint32) uint16 { return t.read16(regConfig + off) }
func (t *Transport) ReadConfigU32(off uint32) uint32 { return t.read32(regConfig + off) }

// ReadConfigU64 reads a 64-bit configuration field using the generation
// counter retry loop required by VirtIO 1.1 §4.2.2.2.1, since the
// register file offers no atomic 64-bit access.
func (t *Transport) ReadConfigU64(off uint32) uint64 {
	for i := 0; i < maxConfigRetries; i++ {
		gen1 := t.read32(regConfigGeneration)
		lo := t.read32(regConfig + off)
		hi := t.read32(regConfig + off + 4)
		gen2 := t.read32(regConfigGeneration)
		if gen1 == gen2 {
			return uint64(hi)<<32 | uint64(lo)
		}
	}
	t.tr.Log("mmio: config generation did not settle after %d retries", maxConfigRetries)
	return 0
}
