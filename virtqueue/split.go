// Package virtqueue implements the VirtIO split virtqueue: the
// descriptor table, available ring and used ring that a driver and device
// use to exchange scatter-gather buffer chains, plus the free-descriptor
// bookkeeping and Event Index suppression logic layered on top.
package virtqueue

import (
	"unsafe"

	"github.com/mrniu/vioblk/platform"
	"github.com/mrniu/vioblk/virtio"
)

const noNext = 0xFFFF

// Split is one split virtqueue bound to a caller-provided DMA buffer. It
// is not safe for concurrent use beyond one submitter (AllocDesc,
// FreeDesc, SubmitChain, FreeChain) running alongside one completion
// reader (HasUsed, PopUsed).
type Split struct {
	tr platform.Trait

	buf      []byte
	base     uintptr
	physBase uint64
	l        layout

	queueSize uint16
	eventIdx  bool

	freeHead uint16
	numFree  uint16

	lastUsedIdx uint16
}

// NewSplit carves a split virtqueue out of dmaBuf, a caller-owned,
// DMA-coherent buffer at least CalcSize(queueSize, eventIdx, 0) bytes
// long. physBase is the device-visible address of dmaBuf[0] (obtained via
// platform.Trait.VirtToPhys). queueSize must be a power of two.
func NewSplit(dmaBuf []byte, physBase uint64, queueSize uint16, eventIdx bool, tr platform.Trait) (*Split, error) {
	if dmaBuf == nil || !isPowerOfTwo(queueSize) {
		return nil, virtio.Wrap(virtio.ErrInvalidArgCode, "nil buffer or non-power-of-two queue size")
	}
	l := newLayout(queueSize, eventIdx, DefaultUsedAlign)
	if uint32(len(dmaBuf)) < l.usedOff+l.usedLen {
		return nil, virtio.Wrap(virtio.ErrOutOfMemoryCode, "dma buffer too small for queue size")
	}

	s := &Split{
		tr:        tr,
		buf:       dmaBuf,
		base:      uintptr(unsafe.Pointer(&dmaBuf[0])),
		physBase:  physBase,
		l:         l,
		queueSize: queueSize,
		eventIdx:  eventIdx,
		freeHead:  0,
		numFree:   queueSize,
	}

	for i := uint16(0); i < queueSize; i++ {
		next := i + 1
		if i == queueSize-1 {
			next = noNext
		}
		s.setDescNext(i, next)
	}

	storeU16(s.base, s.l.availOff, 0)   // avail.flags
	storeU16(s.base, s.l.availOff+2, 0) // avail.idx
	storeU16(s.base, s.l.usedOff, 0)    // used.flags
	storeU16(s.base, s.l.usedOff+2, 0)  // used.idx

	return s, nil
}

func isPowerOfTwo(n uint16) bool { return n != 0 && n&(n-1) == 0 }

// --- descriptor table access ---

func (s *Split) descOff(idx uint16) uint32 { return s.l.descOff + uint32(idx)*descSize }

func (s *Split) setDesc(idx uint16, addr uint64, length uint32, flags, next uint16) {
	off := s.descOff(idx)
	storeU64(s.base, off, addr)
	storeU32(s.base, off+8, length)
	storeU16(s.base, off+12, flags)
	storeU16(s.base, off+14, next)
}

func (s *Split) setDescNext(idx, next uint16) {
	storeU16(s.base, s.descOff(idx)+14, next)
}

// GetDesc returns the address and length of descriptor idx.
func (s *Split) GetDesc(idx uint16) virtio.IoVec {
	off := s.descOff(idx)
	return virtio.IoVec{
		PhysAddr: loadU64(s.base, off),
		Len:      loadU32(s.base, off+8),
	}
}

func (s *Split) descFlags(idx uint16) uint16 { return loadU16(s.base, s.descOff(idx)+12) }
func (s *Split) descNext(idx uint16) uint16  { return loadU16(s.base, s.descOff(idx)+14) }

// AllocDesc pops one descriptor off the free list.
func (s *Split) AllocDesc() (uint16, error) {
	if s.numFree == 0 {
		return 0, virtio.ErrNoFreeDescriptors
	}
	idx := s.freeHead
	s.freeHead = s.descNext(idx)
	s.numFree--
	return idx, nil
}

// FreeDesc pushes idx back onto the free list. It does not follow chains;
// callers walk a chain themselves (see FreeChain).
func (s *Split) FreeDesc(idx uint16) error {
	if idx >= s.queueSize {
		return virtio.ErrInvalidDescriptor
	}
	s.setDescNext(idx, s.freeHead)
	s.freeHead = idx
	s.numFree++
	return nil
}

// NumFree reports how many descriptors remain unallocated.
func (s *Split) NumFree() uint16 { return s.numFree }

// --- available / used ring access ---

func (s *Split) availIdx() uint16 { return loadU16(s.base, s.l.availOff+2) }

// AvailIdx returns the current value of the available ring's idx field,
// i.e. how many buffers this driver has ever published to this queue.
func (s *Split) AvailIdx() uint16 { return s.availIdx() }

func (s *Split) availRingSet(slot uint16, descHead uint16) {
	off := s.l.availOff + 4 + uint32(slot)*2
	storeU16(s.base, off, descHead)
}

func (s *Split) usedIdx() uint16 { return loadU16(s.base, s.l.usedOff+2) }

func (s *Split) usedRingGet(slot uint16) (id uint32, length uint32) {
	off := s.l.usedOff + 4 + uint32(slot)*usedElemSize
	return loadU32(s.base, off), loadU32(s.base, off+4)
}

// AvailUsedEvent returns the used_event field written into the tail of
// the available ring, or false if event-index support was not enabled
// for this queue.
func (s *Split) AvailUsedEvent() (uint16, bool) {
	if !s.eventIdx {
		return 0, false
	}
	off := s.l.availOff + 4 + uint32(s.queueSize)*2
	return loadU16(s.base, off), true
}

// UsedAvailEvent returns the avail_event field written into the tail of
// the used ring, or false if event-index support was not enabled.
func (s *Split) UsedAvailEvent() (uint16, bool) {
	if !s.eventIdx {
		return 0, false
	}
	off := s.l.usedOff + 4 + uint32(s.queueSize)*usedElemSize
	return loadU16(s.base, off), true
}

// SetUsedAvailEvent writes val into the used ring's avail_event slot, the
// field UsedAvailEvent reads back and Kick in package blkdev compares
// against the avail index to decide whether to notify the device.
func (s *Split) SetUsedAvailEvent(val uint16) {
	if !s.eventIdx {
		return
	}
	off := s.l.usedOff + 4 + uint32(s.queueSize)*usedElemSize
	storeU16(s.base, off, val)
}

// Submit publishes descriptor chain head onto the available ring.
func (s *Split) Submit(head uint16) {
	idx := s.availIdx()
	s.availRingSet(idx%s.queueSize, head)
	s.tr.Wmb()
	storeU16(s.base, s.l.availOff+2, idx+1)
}

// HasUsed reports whether the device has completed a buffer this driver
// has not yet popped.
func (s *Split) HasUsed() bool { return s.usedIdx() != s.lastUsedIdx }

// PopUsed returns the descriptor chain head and byte count of the oldest
// unconsumed used-ring entry, advancing the driver's used cursor.
func (s *Split) PopUsed() (head uint16, length uint32, ok bool) {
	if !s.HasUsed() {
		return 0, 0, false
	}
	id, n := s.usedRingGet(s.lastUsedIdx % s.queueSize)
	s.lastUsedIdx++
	return uint16(id), n, true
}

// LastUsedIdx returns the driver's current used-ring cursor, the value to
// publish into the avail_event slot once a batch of completions has been
// drained.
func (s *Split) LastUsedIdx() uint16 { return s.lastUsedIdx }

// SubmitChain builds one descriptor chain out of readable buffers
// (device-readable, driver-writable data going out) followed by writable
// buffers (device-writable, driver-readable data coming back), links
// them, and submits the chain head. It returns the head index so the
// caller can correlate a later used-ring entry back to its request.
func (s *Split) SubmitChain(readable, writable []virtio.IoVec) (uint16, error) {
	total := len(readable) + len(writable)
	if total == 0 {
		return 0, virtio.Wrap(virtio.ErrInvalidArgCode, "empty descriptor chain")
	}
	if uint16(total) > s.numFree {
		return 0, virtio.ErrNoFreeDescriptors
	}

	indices := make([]uint16, 0, total)
	for i := 0; i < total; i++ {
		idx, err := s.AllocDesc()
		if err != nil {
			for _, used := range indices {
				_ = s.FreeDesc(used)
			}
			return 0, err
		}
		indices = append(indices, idx)
	}

	for i, iov := range readable {
		flags := DescFNext
		next := uint16(noNext)
		if i+1 < total {
			next = indices[i+1]
		} else {
			flags = 0
		}
		s.setDesc(indices[i], iov.PhysAddr, iov.Len, flags, next)
	}
	base := len(readable)
	for i, iov := range writable {
		flags := DescFWrite | DescFNext
		next := uint16(noNext)
		if base+i+1 < total {
			next = indices[base+i+1]
		} else {
			flags = DescFWrite
		}
		s.setDesc(indices[base+i], iov.PhysAddr, iov.Len, flags, next)
	}

	s.tr.Wmb()
	s.Submit(indices[0])
	return indices[0], nil
}

// FreeChain walks the descriptor chain starting at head, returning every
// link to the free list. Index bounds are checked at each step so a
// corrupted Next value cannot walk off the end of the descriptor table.
func (s *Split) FreeChain(head uint16) error {
	idx := head
	for {
		if idx >= s.queueSize {
			return virtio.ErrInvalidDescriptor
		}
		flags := s.descFlags(idx)
		next := s.descNext(idx)
		if err := s.FreeDesc(idx); err != nil {
			return err
		}
		if flags&DescFNext == 0 {
			return nil
		}
		idx = next
	}
}

// VringNeedEvent implements the wraparound-safe comparison from the
// VirtIO spec (§2.7.10) used to decide whether a newly published index
// crossed the event threshold the other side asked to be notified at.
func VringNeedEvent(eventIdx, newIdx, oldIdx uint16) bool {
	return uint16(newIdx-eventIdx-1) < uint16(newIdx-oldIdx)
}

// DescPhys, AvailPhys and UsedPhys return the device-visible addresses of
// the three regions, for programming a transport's queue registers.
func (s *Split) DescPhys() uint64  { return s.physBase + uint64(s.l.descOff) }
func (s *Split) AvailPhys() uint64 { return s.physBase + uint64(s.l.availOff) }
func (s *Split) UsedPhys() uint64  { return s.physBase + uint64(s.l.usedOff) }

// QueueSize returns the number of descriptor slots this queue was built
// with.
func (s *Split) QueueSize() uint16 { return s.queueSize }
