// Package blkdev implements the VirtIO block device driver: the
// initialization handshake (VirtIO 1.1 §3.1.1) and the request/response
// protocol built on top of one split virtqueue (VirtIO 1.1 §5.2).
//
// A Device is not safe for concurrent use. HandleInterrupt returns
// descriptors and request slots to the same free list and slot pool that
// the enqueue path (EnqueueRead, EnqueueWrite, EnqueueRaw, Flush,
// ReadSector, WriteSector) allocates from, and nothing in this package
// takes a lock, so callers serialize all calls on one Device themselves.
package blkdev

import (
	"github.com/mrniu/vioblk/mmio"
	"github.com/mrniu/vioblk/virtio"
)

// Initializer drives a transport through the standard VirtIO device
// initialization sequence. It holds no state beyond the transport it
// wraps, so it is safe to discard once Activate succeeds.
type Initializer struct {
	tr *mmio.Transport
}

// NewInitializer binds an Initializer to an already-validated transport.
func NewInitializer(tr *mmio.Transport) *Initializer {
	return &Initializer{tr: tr}
}

// Init performs the feature negotiation handshake (VirtIO 1.1 §3.1.1,
// steps 1-6): reset, ACKNOWLEDGE, DRIVER, read device features, negotiate
// against driverFeatures, write back FEATURES_OK, then confirm the device
// accepted it. It returns the negotiated feature set.
func (in *Initializer) Init(driverFeatures virtio.Feature) (virtio.Feature, error) {
	if !in.tr.IsValid() {
		return 0, virtio.ErrTransportNotInit
	}

	in.tr.Reset()
	in.tr.SetStatus(mmio.StatusAcknowledge)
	in.tr.SetStatus(mmio.StatusAcknowledge | mmio.StatusDriver)

	deviceFeatures := in.tr.DeviceFeatures()
	negotiated := deviceFeatures & driverFeatures

	in.tr.SetDriverFeatures(negotiated)
	in.tr.SetStatus(mmio.StatusAcknowledge | mmio.StatusDriver | mmio.StatusFeaturesOK)

	status := in.tr.Status()
	if status&mmio.StatusFeaturesOK == 0 {
		in.tr.SetStatus(status | mmio.StatusFailed)
		return 0, virtio.ErrFeatureNegotiation
	}

	return negotiated, nil
}

// SetupQueue selects queueIdx, validates queueSize against the device's
// advertised maximum, programs the descriptor/avail/used addresses and
// marks the queue ready.
func (in *Initializer) SetupQueue(queueIdx uint32, descPhys, availPhys, usedPhys uint64, queueSize uint32) error {
	if !in.tr.IsValid() {
		return virtio.ErrTransportNotInit
	}
	maxSize := in.tr.QueueNumMax(queueIdx)
	if maxSize == 0 {
		return virtio.ErrQueueNotAvailable
	}
	if queueSize > maxSize {
		return virtio.ErrQueueTooLarge
	}

	in.tr.SetQueueNum(queueIdx, queueSize)
	in.tr.SetQueueAddrs(queueIdx, descPhys, availPhys, usedPhys)
	in.tr.SetQueueReady(queueIdx, true)
	return nil
}

// Activate sets DRIVER_OK, the final step of the handshake, after which
// the device may begin processing requests.
func (in *Initializer) Activate() error {
	if !in.tr.IsValid() {
		return virtio.ErrTransportNotInit
	}
	status := in.tr.Status() | mmio.StatusDriverOK
	in.tr.SetStatus(status)
	if in.tr.Status()&mmio.StatusDeviceNeedsReset != 0 {
		return virtio.ErrDeviceError
	}
	return nil
}
