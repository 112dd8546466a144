package virtio

// IoVec describes one physically contiguous DMA buffer: its device-visible
// address and length in bytes. Callers obtain PhysAddr from
// platform.Trait.VirtToPhys before building a request.
type IoVec struct {
	PhysAddr uint64
	Len      uint32
}

// Stats accumulates lifetime counters for one block device instance. All
// fields are monotonically increasing for the life of the device.
type Stats struct {
	BytesTransferred  uint64
	KicksElided       uint64
	InterruptsHandled uint64
	QueueFullErrors   uint64
}
