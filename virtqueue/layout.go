package virtqueue

import (
	"sync/atomic"
	"unsafe"
)

// Descriptor flags (VirtIO 1.1 §2.7.5).
const (
	DescFNext     uint16 = 1
	DescFWrite    uint16 = 2
	DescFIndirect uint16 = 4
)

// Ring-level flags (VirtIO 1.1 §2.7.6/§2.7.8).
const (
	AvailFNoInterrupt uint16 = 1
	UsedFNoNotify     uint16 = 1
)

// DefaultUsedAlign is the alignment the used ring is padded to in modern
// (non-legacy) mode, per the VirtIO 1.1 split-ring layout: descriptor
// table on 16, available ring on 2, used ring on 4. The legacy MMIO
// interface instead page-aligns the used ring, but this driver only
// implements the modern transport.
const DefaultUsedAlign = 4

// descSize is the on-the-wire size of one descriptor table entry.
const descSize = 16

// usedElemSize is the on-the-wire size of one used ring entry.
const usedElemSize = 8

// layout describes where each ring lives inside a queue's DMA buffer, for
// a given queue size and alignment. All three regions are contiguous
// (descriptor table, then available ring, then padding up to usedAlign,
// then used ring), matching the classic split-virtqueue memory layout.
type layout struct {
	queueSize uint16
	eventIdx  bool
	usedAlign uint32

	descOff  uint32
	availOff uint32
	availLen uint32
	usedOff  uint32
	usedLen  uint32
}

func newLayout(queueSize uint16, eventIdx bool, usedAlign uint32) layout {
	if usedAlign == 0 {
		usedAlign = DefaultUsedAlign
	}
	l := layout{queueSize: queueSize, eventIdx: eventIdx, usedAlign: usedAlign}

	l.descOff = 0
	descTableLen := uint32(queueSize) * descSize

	l.availOff = descTableLen
	l.availLen = 4 + uint32(queueSize)*2
	if eventIdx {
		l.availLen += 2
	}

	l.usedOff = alignUp(l.availOff+l.availLen, usedAlign)
	l.usedLen = 4 + uint32(queueSize)*usedElemSize
	if eventIdx {
		l.usedLen += 2
	}

	return l
}

// CalcSize returns the number of bytes a queue of the given size needs for
// its backing DMA buffer, matching CalcSize in the reference
// implementation.
func CalcSize(queueSize uint16, eventIdx bool, usedAlign uint32) uint32 {
	l := newLayout(queueSize, eventIdx, usedAlign)
	return l.usedOff + l.usedLen
}

func alignUp(v, align uint32) uint32 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

// word helpers: small atomic load/store wrappers over a base+offset
// address, the same pattern the bare-metal register package in this
// driver's ecosystem uses for MMIO, applied here to DMA-visible queue
// memory instead of a register file.

// 16-bit ring fields have no stdlib atomic primitive; this package's
// concurrency contract (one submitter, interrupt handler reads only after
// an explicit Rmb) makes a plain volatile-style access correct as long as
// the barrier calls around it are not elided, so these go through a
// pointer to a type the compiler cannot prove is unaliased rather than a
// local variable.
func loadU16(base uintptr, off uint32) uint16 {
	p := (*uint16)(unsafe.Pointer(base + uintptr(off)))
	return *p
}

func storeU16(base uintptr, off uint32, val uint16) {
	p := (*uint16)(unsafe.Pointer(base + uintptr(off)))
	*p = val
}

func loadU32(base uintptr, off uint32) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(base + uintptr(off))))
}

func storeU32(base uintptr, off uint32, val uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(base+uintptr(off))), val)
}

func loadU64(base uintptr, off uint32) uint64 {
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(base + uintptr(off))))
}

func storeU64(base uintptr, off uint32, val uint64) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(base+uintptr(off))), val)
}
