// Package mmiosim implements a minimal virtio-blk device entirely in
// Go, for driving the mmio and blkdev packages' tests end to end without
// real hardware or a hypervisor. It deliberately re-derives the register
// and ring layout independently of package mmio/virtqueue rather than
// calling into them, so a bug shared between driver and test oracle is
// less likely to hide a real protocol violation.
package mmiosim

import (
	"encoding/binary"
	"unsafe"
)

// Register offsets, duplicated from the VirtIO 1.1 §4.2.2 table rather
// than imported, so tests exercise the driver against an independent
// reading of the spec.
const (
	offMagicValue       = 0x000
	offVersion          = 0x004
	offDeviceID         = 0x008
	offDeviceFeatures   = 0x010
	offDeviceFeaturesSel = 0x014
	offQueueSel         = 0x030
	offQueueNumMax      = 0x034
	offQueueNum         = 0x038
	offQueueReady       = 0x044
	offQueueNotify      = 0x050
	offInterruptStatus  = 0x060
	offInterruptAck     = 0x064
	offStatus           = 0x070
	offQueueDescLow     = 0x080
	offQueueDriverLow   = 0x090
	offQueueDeviceLow   = 0x0A0
	offConfigGeneration = 0x0FC
	offConfig           = 0x100

	magicValue    = 0x74726976
	modernVersion = 2
	blockDeviceID = 2

	interruptVring = 1
)

const (
	descFNext  = 1
	descFWrite = 2
)

// Device simulates one virtio-blk device backed by an in-memory disk.
// Regs is the MMIO register file; bind it to a driver with
// mmio.New(uint64(uintptr(unsafe.Pointer(&dev.Regs[0]))), ...).
type Device struct {
	Regs []byte

	disk map[uint64][512]byte

	queueSize    uint16
	lastAvailIdx uint16
	usedIdx      uint16

	// notifySeen is not updated: a write to the queue_notify register
	// lands in Regs like any other store and nothing here observes it,
	// so this device does not count notifications.
	notifySeen uint32
}

// NewDevice builds a Device advertising capacitySectors sectors, VERSION_1,
// EVENT_IDX and FLUSH.
func NewDevice(capacitySectors uint64) *Device {
	d := &Device{Regs: make([]byte, 0x200), disk: make(map[uint64][512]byte)}
	le := binary.LittleEndian
	le.PutUint32(d.Regs[offMagicValue:], magicValue)
	le.PutUint32(d.Regs[offVersion:], modernVersion)
	le.PutUint32(d.Regs[offDeviceID:], blockDeviceID)
	le.PutUint32(d.Regs[offQueueNumMax:], 128)
	le.PutUint64(d.Regs[offConfig:], capacitySectors)

	// The real register is windowed by offDeviceFeaturesSel: a write
	// there selects whether the next read of offDeviceFeatures returns
	// bits 0-31 or 32-63 of the device's feature bitmap. This fake never
	// updates offDeviceFeatures in reaction to a sel write -- it has no
	// way to react to a plain memory write -- so instead it picks one
	// 32-bit word V that carries every feature bit this driver will ever
	// ask for in BOTH halves: V's bit 9 (FLUSH) and bit 29 (EVENT_IDX)
	// land correctly in the low word, and V's bit 0 becomes bit 32
	// (VERSION_1) once the high word is shifted up. The driver ANDs the
	// combined 64 bits against what it actually requested, so the
	// leftover bits V also contributes at positions 0, 41 and 61 are masked
	// away and never observed.
	const flush = 1 << 9
	const eventIdx = 1 << 29
	const version1Hi = 1 << 0
	v := uint32(flush | eventIdx | version1Hi)
	le.PutUint32(d.Regs[offDeviceFeatures:], v)
	return d
}

// Base returns the device-visible (and, in this identity-mapped test
// harness, process-visible) base address of the register file.
func (d *Device) Base() uint64 { return uint64(uintptr(unsafe.Pointer(&d.Regs[0]))) }

func (d *Device) le() binary.ByteOrder { return binary.LittleEndian }

// WriteSectorForTest seeds the simulated disk, for tests asserting on
// read content.
func (d *Device) WriteSectorForTest(sector uint64, data [512]byte) {
	d.disk[sector] = data
}

// ReadSectorForTest returns what a prior write stored, for tests
// asserting a write request landed correctly.
func (d *Device) ReadSectorForTest(sector uint64) ([512]byte, bool) {
	v, ok := d.disk[sector]
	return v, ok
}

func (d *Device) queueAddrs() (descAddr, availAddr, usedAddr uint64) {
	le := d.le()
	descAddr = le.Uint64(d.Regs[offQueueDescLow:])
	availAddr = le.Uint64(d.Regs[offQueueDriverLow:])
	usedAddr = le.Uint64(d.Regs[offQueueDeviceLow:])
	return
}

func ptr(addr uint64) unsafe.Pointer { return unsafe.Pointer(uintptr(addr)) }

func readDesc(descAddr uint64, idx uint16) (addr uint64, length uint32, flags, next uint16) {
	p := (*[16]byte)(ptr(descAddr + uint64(idx)*16))
	le := binary.LittleEndian
	return le.Uint64(p[0:]), le.Uint32(p[8:]), le.Uint16(p[12:]), le.Uint16(p[14:])
}

func readAvailIdx(availAddr uint64) uint16 {
	p := (*[4]byte)(ptr(availAddr + 2))
	return binary.LittleEndian.Uint16(p[:])
}

func readAvailRing(availAddr uint64, slot uint16) uint16 {
	p := (*[2]byte)(ptr(availAddr + 4 + uint64(slot)*2))
	return binary.LittleEndian.Uint16(p[:])
}

func writeUsedEntry(usedAddr uint64, slot uint16, id uint32, length uint32) {
	p := (*[8]byte)(ptr(usedAddr + 4 + uint64(slot)*8))
	le := binary.LittleEndian
	le.PutUint32(p[0:], id)
	le.PutUint32(p[4:], length)
}

func writeUsedIdx(usedAddr uint64, idx uint16) {
	p := (*[2]byte)(ptr(usedAddr + 2))
	binary.LittleEndian.PutUint16(p[:], idx)
}

// Process walks every descriptor chain the driver has published since the
// last call, executes it against the in-memory disk, publishes a used
// ring entry for it, and raises the vring interrupt bit if any request
// was processed. It returns the number of requests processed.
func (d *Device) Process(queueSize uint16) int {
	d.queueSize = queueSize
	descAddr, availAddr, usedAddr := d.queueAddrs()
	if descAddr == 0 {
		return 0
	}

	newIdx := readAvailIdx(availAddr)
	n := 0
	for d.lastAvailIdx != newIdx {
		head := readAvailRing(availAddr, d.lastAvailIdx%queueSize)
		d.lastAvailIdx++
		length := d.execChain(descAddr, head)
		writeUsedEntry(usedAddr, d.usedIdx%queueSize, uint32(head), length)
		d.usedIdx++
		writeUsedIdx(usedAddr, d.usedIdx)
		n++
	}

	if n > 0 {
		le := binary.LittleEndian
		cur := le.Uint32(d.Regs[offInterruptStatus:])
		le.PutUint32(d.Regs[offInterruptStatus:], cur|interruptVring)
	}
	return n
}

// ProcessOutOfOrder behaves like Process but publishes the completed
// chains' used-ring entries in the order given by perm, a permutation of
// [0, n) where n is the number of chains newly available since the last
// call. It exists only so tests can exercise a driver's tolerance of a
// device that completes requests out of submission order (VirtIO does
// not guarantee in-order completion).
func (d *Device) ProcessOutOfOrder(queueSize uint16, perm []int) int {
	d.queueSize = queueSize
	descAddr, availAddr, usedAddr := d.queueAddrs()
	if descAddr == 0 {
		return 0
	}

	newIdx := readAvailIdx(availAddr)
	var heads []uint16
	for d.lastAvailIdx != newIdx {
		heads = append(heads, readAvailRing(availAddr, d.lastAvailIdx%queueSize))
		d.lastAvailIdx++
	}
	if len(perm) != len(heads) {
		panic("mmiosim: ProcessOutOfOrder permutation length mismatch")
	}

	for _, i := range perm {
		head := heads[i]
		length := d.execChain(descAddr, head)
		writeUsedEntry(usedAddr, d.usedIdx%queueSize, uint32(head), length)
		d.usedIdx++
		writeUsedIdx(usedAddr, d.usedIdx)
	}

	if len(heads) > 0 {
		le := binary.LittleEndian
		cur := le.Uint32(d.Regs[offInterruptStatus:])
		le.PutUint32(d.Regs[offInterruptStatus:], cur|interruptVring)
	}
	return len(heads)
}

// execChain walks one descriptor chain starting at head, performs the
// implied block I/O against the simulated disk, and returns the total
// byte count written into writable descriptors (what the used ring
// reports as the completion length).
func (d *Device) execChain(descAddr uint64, head uint16) uint32 {
	type seg struct {
		addr  uint64
		len   uint32
		write bool
	}
	var segs []seg
	idx := head
	for {
		addr, length, flags, next := readDesc(descAddr, idx)
		segs = append(segs, seg{addr, length, flags&descFWrite != 0})
		if flags&descFNext == 0 {
			break
		}
		idx = next
	}
	if len(segs) < 2 {
		return 0
	}

	header := segs[0]
	hp := (*[16]byte)(ptr(header.addr))
	le := binary.LittleEndian
	reqType := le.Uint32(hp[0:])
	sector := le.Uint64(hp[8:])

	status := segs[len(segs)-1]
	data := segs[1 : len(segs)-1]

	var written uint32
	var ok bool = true
	switch reqType {
	case 0: // IN: device writes sector data to driver-writable buffers
		cur := sector
		for _, s := range data {
			disk, present := d.disk[cur]
			if !present {
				disk = [512]byte{}
			}
			n := copy(unsafe.Slice((*byte)(ptr(s.addr)), s.len), disk[:])
			written += uint32(n)
			cur++
		}
	case 1: // OUT: device reads driver data and stores it
		cur := sector
		for _, s := range data {
			var buf [512]byte
			copy(buf[:], unsafe.Slice((*byte)(ptr(s.addr)), s.len))
			d.disk[cur] = buf
			cur++
		}
	case 4: // FLUSH: no data segments
	default:
		ok = false
	}

	statusByte := (*byte)(ptr(status.addr))
	if ok {
		*statusByte = 0
	} else {
		*statusByte = 2 // unsupported
	}
	written += status.len
	return written
}
