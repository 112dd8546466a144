package blkdev

import (
	"unsafe"

	"github.com/mrniu/vioblk/mmio"
	"github.com/mrniu/vioblk/platform"
	"github.com/mrniu/vioblk/virtio"
	"github.com/mrniu/vioblk/virtqueue"
)

// blockDeviceID is the VirtIO device ID for a block device (VirtIO 1.1
// §5.2).
const blockDeviceID = 2

const (
	// maxInflight bounds the number of simultaneously outstanding
	// requests this driver tracks. It is independent of the queue's
	// descriptor count; a caller with a larger queue can still only have
	// this many requests in flight through this driver at once.
	maxInflight = 64

	// maxSgElements bounds the number of descriptors a single request
	// chain may use, header and status descriptor included.
	maxSgElements = 18

	// statusSentinel is written into a slot's status byte before
	// submission so a premature read (before the device completes the
	// request) cannot be mistaken for a real status code.
	statusSentinel = 0xFF

	// maxSpinIterations bounds ReadSector/WriteSector's busy-wait for a
	// synchronous completion.
	maxSpinIterations = 100_000_000
)

// requestSlot tracks one in-flight request. The header and status fields
// are read and written by the device over DMA, so a slot's address must
// remain stable for the lifetime of the request; slots live in a fixed
// array inside Device rather than being individually heap-allocated per
// request.
type requestSlot struct {
	header   virtio.BlkReqHeader
	status   uint8
	token    any
	descHead uint16
	inUse    bool
}

// Device is a virtio-blk driver bound to one MMIO transport and one split
// virtqueue. See the package doc comment for the concurrency contract.
type Device struct {
	tr    *mmio.Transport
	vq    *virtqueue.Split
	trait platform.Trait

	negotiated virtio.Feature
	eventIdx   bool

	oldAvailIdx uint16
	capacity    uint64

	slots [maxInflight]requestSlot
	stats virtio.Stats
}

// createConfig collects Create's optional parameters.
type createConfig struct {
	queueSize      uint16
	driverFeatures virtio.Feature
}

// Option configures Create.
type Option func(*createConfig)

// WithQueueSize overrides the default queue size of 128.
func WithQueueSize(n uint16) Option {
	return func(c *createConfig) { c.queueSize = n }
}

// WithDriverFeatures adds extra feature bits to negotiate beyond
// VERSION_1 and EVENT_IDX, which Create always requests.
func WithDriverFeatures(f virtio.Feature) Option {
	return func(c *createConfig) { c.driverFeatures |= f }
}

// Create validates the transport at mmioBase, negotiates features,
// carves a split virtqueue out of dmaBuf, and drives the device through
// to DRIVER_OK. dmaBuf must be at least
// virtqueue.CalcSize(queueSize, true, 0) bytes; queueSize defaults to 128
// (see WithQueueSize). Multi-queue devices are accepted during
// negotiation but only queue 0 is ever programmed or used.
func Create(mmioBase uint64, dmaBuf []byte, tr platform.Trait, opts ...Option) (*Device, error) {
	cfg := createConfig{queueSize: 128}
	for _, opt := range opts {
		opt(&cfg)
	}

	transport := mmio.New(mmioBase, tr)
	if !transport.IsValid() {
		return nil, transport.Err()
	}
	if transport.DeviceID() != blockDeviceID {
		tr.Log("blkdev: device id %d at mmio base is not a block device (want %d)", transport.DeviceID(), blockDeviceID)
		return nil, virtio.ErrInvalidDeviceID
	}

	init := NewInitializer(transport)
	wanted := virtio.FeatureVersion1 | virtio.FeatureRingEventIdx | cfg.driverFeatures
	negotiated, err := init.Init(wanted)
	if err != nil {
		return nil, err
	}
	if negotiated&virtio.FeatureVersion1 == 0 {
		tr.Log("blkdev: device did not accept VERSION_1")
		return nil, virtio.ErrFeatureNegotiation
	}
	eventIdx := negotiated&virtio.FeatureRingEventIdx != 0

	if len(dmaBuf) == 0 {
		return nil, virtio.Wrap(virtio.ErrInvalidArgCode, "nil dma buffer")
	}
	physBase := tr.VirtToPhys(unsafe.Pointer(&dmaBuf[0]))
	vq, err := virtqueue.NewSplit(dmaBuf, physBase, cfg.queueSize, eventIdx, tr)
	if err != nil {
		return nil, err
	}

	if err := init.SetupQueue(0, vq.DescPhys(), vq.AvailPhys(), vq.UsedPhys(), uint32(cfg.queueSize)); err != nil {
		return nil, err
	}
	if err := init.Activate(); err != nil {
		return nil, err
	}

	d := &Device{
		tr:         transport,
		vq:         vq,
		trait:      tr,
		negotiated: negotiated,
		eventIdx:   eventIdx,
	}
	d.capacity = transport.ReadConfigU64(virtio.BlkConfigOffsetCapacity)
	return d, nil
}

// NegotiatedFeatures returns the feature bitmap agreed on during Create.
func (d *Device) NegotiatedFeatures() virtio.Feature { return d.negotiated }

// Capacity returns the device's advertised capacity in 512-byte sectors,
// cached from the configuration space at construction time.
func (d *Device) Capacity() uint64 { return d.capacity }

// Stats returns a snapshot of this device's lifetime counters.
func (d *Device) Stats() virtio.Stats { return d.stats }

// ReadConfig re-reads the configuration space, filling in only the fields
// gated by a negotiated feature bit.
func (d *Device) ReadConfig() virtio.BlkConfig {
	var c virtio.BlkConfig
	c.Capacity = d.tr.ReadConfigU64(virtio.BlkConfigOffsetCapacity)

	if d.negotiated.Has(virtio.BlkFeatureSizeMax) {
		c.SizeMax = d.tr.ReadConfigU32(virtio.BlkConfigOffsetSizeMax)
	}
	if d.negotiated.Has(virtio.BlkFeatureSegMax) {
		c.SegMax = d.tr.ReadConfigU32(virtio.BlkConfigOffsetSegMax)
	}
	if d.negotiated.Has(virtio.BlkFeatureGeometry) {
		c.GeoCylinders = d.tr.ReadConfigU16(virtio.BlkConfigOffsetGeoCylinders)
		c.GeoHeads = d.tr.ReadConfigU8(virtio.BlkConfigOffsetGeoHeads)
		c.GeoSectors = d.tr.ReadConfigU8(virtio.BlkConfigOffsetGeoSectors)
	}
	if d.negotiated.Has(virtio.BlkFeatureBlkSize) {
		c.BlkSize = d.tr.ReadConfigU32(virtio.BlkConfigOffsetBlkSize)
	}
	if d.negotiated.Has(virtio.BlkFeatureTopology) {
		c.TopoPhysBlockExp = d.tr.ReadConfigU8(virtio.BlkConfigOffsetTopoPhysBlockExp)
		c.TopoAlignmentOffset = d.tr.ReadConfigU8(virtio.BlkConfigOffsetTopoAlignmentOffset)
		c.TopoMinIOSize = d.tr.ReadConfigU16(virtio.BlkConfigOffsetTopoMinIOSize)
		c.TopoOptIOSize = d.tr.ReadConfigU32(virtio.BlkConfigOffsetTopoOptIOSize)
	}
	if d.negotiated.Has(virtio.BlkFeatureConfigWCE) {
		c.Writeback = d.tr.ReadConfigU8(virtio.BlkConfigOffsetWriteback)
	}
	if d.negotiated.Has(virtio.BlkFeatureDiscard) {
		c.MaxDiscardSectors = d.tr.ReadConfigU32(virtio.BlkConfigOffsetMaxDiscardSectors)
		c.MaxDiscardSeg = d.tr.ReadConfigU32(virtio.BlkConfigOffsetMaxDiscardSeg)
		c.DiscardSectorAlignment = d.tr.ReadConfigU32(virtio.BlkConfigOffsetDiscardSectorAlignment)
	}
	if d.negotiated.Has(virtio.BlkFeatureWriteZeroes) {
		c.MaxWriteZeroesSectors = d.tr.ReadConfigU32(virtio.BlkConfigOffsetMaxWriteZeroesSectors)
		c.MaxWriteZeroesSeg = d.tr.ReadConfigU32(virtio.BlkConfigOffsetMaxWriteZeroesSeg)
		c.WriteZeroesMayUnmap = d.tr.ReadConfigU8(virtio.BlkConfigOffsetWriteZeroesMayUnmap) != 0
	}
	if d.negotiated.Has(virtio.BlkFeatureSecureErase) {
		c.MaxSecureEraseSectors = d.tr.ReadConfigU32(virtio.BlkConfigOffsetMaxSecureEraseSectors)
		c.MaxSecureEraseSeg = d.tr.ReadConfigU32(virtio.BlkConfigOffsetMaxSecureEraseSeg)
		c.SecureEraseSectorAlignment = d.tr.ReadConfigU32(virtio.BlkConfigOffsetSecureEraseSectorAlignment)
	}
	if d.negotiated.Has(virtio.BlkFeatureMQ) {
		c.NumQueues = d.tr.ReadConfigU16(virtio.BlkConfigOffsetNumQueues)
	}

	return c
}

func (d *Device) allocRequestSlot() (int, error) {
	for i := range d.slots {
		if !d.slots[i].inUse {
			d.slots[i].inUse = true
			return i, nil
		}
	}
	d.stats.QueueFullErrors++
	return -1, virtio.Wrap(virtio.ErrOutOfMemoryCode, "request slot pool exhausted")
}

func (d *Device) freeRequestSlot(idx int) {
	d.slots[idx] = requestSlot{}
}

func (d *Device) findSlotByDescHead(head uint16) (int, bool) {
	for i := range d.slots {
		if d.slots[i].inUse && d.slots[i].descHead == head {
			return i, true
		}
	}
	return -1, false
}

// doEnqueue builds and submits a request chain of the given type. Queue
// 0 is the only queue this driver programs; other indices are rejected.
func (d *Device) doEnqueue(reqType virtio.ReqType, queueIdx uint32, sector uint64, buffers []virtio.IoVec, token any) error {
	if queueIdx != 0 {
		return virtio.ErrQueueNotAvailable
	}
	if len(buffers)+2 > maxSgElements {
		return virtio.Wrap(virtio.ErrInvalidArgCode, "too many scatter-gather elements")
	}

	idx, err := d.allocRequestSlot()
	if err != nil {
		return err
	}
	slot := &d.slots[idx]
	slot.header = virtio.BlkReqHeader{Type: reqType, Reserved: 0, Sector: sector}
	slot.status = statusSentinel
	slot.token = token

	headerIov := virtio.IoVec{
		PhysAddr: d.trait.VirtToPhys(unsafe.Pointer(&slot.header)),
		Len:      uint32(unsafe.Sizeof(slot.header)),
	}
	statusIov := virtio.IoVec{
		PhysAddr: d.trait.VirtToPhys(unsafe.Pointer(&slot.status)),
		Len:      1,
	}

	var readable, writable []virtio.IoVec
	switch reqType {
	case virtio.ReqIn, virtio.ReqGetID, virtio.ReqGetLifetime:
		// Device writes data back to us: header is the only thing we
		// hand it to read, everything else is writable.
		readable = []virtio.IoVec{headerIov}
		writable = append(append([]virtio.IoVec{}, buffers...), statusIov)
	default:
		// OUT, FLUSH, DISCARD, WRITE_ZEROES and SECURE_ERASE all hand
		// the device data (if any) to read; only the status byte comes
		// back.
		readable = append([]virtio.IoVec{headerIov}, buffers...)
		writable = []virtio.IoVec{statusIov}
	}

	d.trait.Wmb()
	head, err := d.vq.SubmitChain(readable, writable)
	if err != nil {
		d.freeRequestSlot(idx)
		d.stats.QueueFullErrors++
		return err
	}
	slot.descHead = head
	return nil
}

// EnqueueRead submits an asynchronous sector read. onComplete (passed to
// HandleInterrupt) receives token once the device finishes.
func (d *Device) EnqueueRead(queueIdx uint32, sector uint64, buffers []virtio.IoVec, token any) error {
	return d.doEnqueue(virtio.ReqIn, queueIdx, sector, buffers, token)
}

// EnqueueWrite submits an asynchronous sector write.
func (d *Device) EnqueueWrite(queueIdx uint32, sector uint64, buffers []virtio.IoVec, token any) error {
	return d.doEnqueue(virtio.ReqOut, queueIdx, sector, buffers, token)
}

// EnqueueRaw submits a request of any type with caller-assembled buffers,
// generalizing EnqueueRead/EnqueueWrite to FLUSH, DISCARD, WRITE_ZEROES,
// GET_ID, GET_LIFETIME and SECURE_ERASE. The fixed request-slot pool only
// special-cases IN and OUT at the API level; everything else goes through
// here.
func (d *Device) EnqueueRaw(queueIdx uint32, reqType virtio.ReqType, sector uint64, buffers []virtio.IoVec, token any) error {
	return d.doEnqueue(reqType, queueIdx, sector, buffers, token)
}

// Flush issues a FLUSH request if the device negotiated VIRTIO_BLK_F_FLUSH,
// otherwise it returns virtio.ErrNotSupported without touching the queue.
func (d *Device) Flush(token any) error {
	if !d.negotiated.Has(virtio.BlkFeatureFlush) {
		return virtio.ErrNotSupported
	}
	return d.doEnqueue(virtio.ReqFlush, 0, 0, nil, token)
}

// Kick notifies the device that new buffers are available on queueIdx.
// When EVENT_IDX was negotiated, the notification is elided whenever the
// device's last-published avail_event index shows it does not need one
// yet (VirtIO 1.1 §2.7.10).
func (d *Device) Kick(queueIdx uint32) {
	if queueIdx != 0 {
		return
	}
	d.trait.Wmb()

	if !d.eventIdx {
		d.tr.NotifyQueue(0)
		return
	}

	availEvent, _ := d.vq.UsedAvailEvent()
	newIdx := d.vq.AvailIdx()
	if virtqueue.VringNeedEvent(availEvent, newIdx, d.oldAvailIdx) {
		d.tr.NotifyQueue(0)
	} else {
		d.stats.KicksElided++
	}
	d.oldAvailIdx = newIdx
}

// processCompletions drains every currently-available used-ring entry,
// invoking onComplete for requests this driver still has a slot for.
// Entries whose slot is gone (already freed, or never tracked by this
// driver) are silently discarded after their descriptor chain is
// returned to the free list.
func (d *Device) processCompletions(onComplete func(token any, status virtio.Code)) {
	d.trait.Rmb()
	for d.vq.HasUsed() {
		head, length, ok := d.vq.PopUsed()
		if !ok {
			break
		}
		if idx, found := d.findSlotByDescHead(head); found {
			d.trait.Rmb()
			slot := &d.slots[idx]
			code := virtio.MapBlkStatus(slot.status)
			if onComplete != nil {
				onComplete(slot.token, code)
			}
			d.stats.BytesTransferred += uint64(length)
			d.freeRequestSlot(idx)
		}
		_ = d.vq.FreeChain(head)
	}
}

// updateUsedEvent publishes the driver's used-ring cursor into the
// available ring's used_event field, which sits right after
// avail.ring[queueSize].
func (d *Device) updateUsedEvent() {
	if d.eventIdx {
		usedEvent := d.vq.AvailPhys() + 4 + 2*uint64(d.vq.QueueSize())
		*(*uint16)(d.trait.PhysToVirt(usedEvent)) = d.vq.LastUsedIdx()
	}
	d.trait.Wmb()
}

// HandleInterrupt acknowledges the device's interrupt status register,
// processes every completed request, and publishes the used_event index
// so the device knows when to interrupt next. Call this from an
// actual interrupt handler or a polling loop; it does not block.
func (d *Device) HandleInterrupt(onComplete func(token any, status virtio.Code)) {
	status := d.tr.InterruptStatus()
	d.tr.AckInterrupt(status)
	d.stats.InterruptsHandled++
	d.processCompletions(onComplete)
	d.updateUsedEvent()
}

// ReadSector issues a synchronous single-sector read, spinning until the
// device completes it or maxSpinIterations is exceeded.
func (d *Device) ReadSector(sector uint64, buf *[virtio.SectorSize]byte) error {
	return d.syncIO(virtio.ReqIn, sector, buf)
}

// WriteSector issues a synchronous single-sector write.
func (d *Device) WriteSector(sector uint64, buf *[virtio.SectorSize]byte) error {
	return d.syncIO(virtio.ReqOut, sector, buf)
}

func (d *Device) syncIO(reqType virtio.ReqType, sector uint64, buf *[virtio.SectorSize]byte) error {
	token := new(int) // unique per call; identity, not value, is what matters
	iov := []virtio.IoVec{{
		PhysAddr: d.trait.VirtToPhys(unsafe.Pointer(&buf[0])),
		Len:      virtio.SectorSize,
	}}
	if err := d.doEnqueue(reqType, 0, sector, iov, token); err != nil {
		return err
	}
	d.Kick(0)

	spun := false
	for i := 0; i < maxSpinIterations; i++ {
		d.trait.Rmb()
		if d.vq.HasUsed() {
			spun = true
			break
		}
	}
	if !spun {
		d.trait.Log("blkdev: sync I/O timed out after %d spins", maxSpinIterations)
		return virtio.ErrTimeout
	}

	var done bool
	var result virtio.Code
	d.processCompletions(func(tok any, status virtio.Code) {
		if tok == token {
			done = true
			result = status
		}
	})
	d.updateUsedEvent()

	if !done {
		return virtio.ErrDeviceError
	}
	if result != virtio.Success {
		return &virtio.Error{Code: result}
	}
	return nil
}
