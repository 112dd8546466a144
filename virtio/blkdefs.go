package virtio

// SectorSize is the fixed logical block size virtio-blk speaks in the
// absence of the BLK_SIZE feature.
const SectorSize = 512

// DeviceIDMaxLen bounds the string returned by a GET_ID request.
const DeviceIDMaxLen = 20

// ReqType is the type field of a block request header.
type ReqType uint32

const (
	ReqIn          ReqType = 0
	ReqOut         ReqType = 1
	ReqFlush       ReqType = 4
	ReqGetID       ReqType = 8
	ReqGetLifetime ReqType = 10
	ReqDiscard     ReqType = 11
	ReqWriteZeroes ReqType = 13
	ReqSecureErase ReqType = 14
)

// Block status byte values, written by the device into the status
// descriptor of a completed request.
const (
	blkStatusOK    uint8 = 0
	blkStatusIOErr uint8 = 1
	blkStatusUnsupp uint8 = 2
)

// BlkReqHeader is the fixed 16-byte header prefixing every block request,
// laid out exactly as the device expects it on the wire.
type BlkReqHeader struct {
	Type     ReqType
	Reserved uint32
	Sector   uint64
}

// BlkConfig mirrors the virtio-blk configuration space (VirtIO 1.1 §5.2.4).
// Field sizes match the wire layout and the order follows it, except that
// NumQueues (offset 34 on the wire, right after Writeback) comes last and
// the reserved bytes are omitted. ReadConfig in package blkdev always
// fills in Capacity and fills in the other fields only when the feature
// bit gating them was negotiated, leaving the rest zero.
type BlkConfig struct {
	Capacity uint64

	SizeMax uint32
	SegMax  uint32

	GeoCylinders uint16
	GeoHeads     uint8
	GeoSectors   uint8

	BlkSize uint32

	TopoPhysBlockExp    uint8
	TopoAlignmentOffset uint8
	TopoMinIOSize       uint16
	TopoOptIOSize       uint32

	Writeback uint8

	MaxDiscardSectors      uint32
	MaxDiscardSeg          uint32
	DiscardSectorAlignment uint32

	MaxWriteZeroesSectors uint32
	MaxWriteZeroesSeg     uint32
	WriteZeroesMayUnmap   bool

	MaxSecureEraseSectors      uint32
	MaxSecureEraseSeg          uint32
	SecureEraseSectorAlignment uint32

	NumQueues uint16
}

// Byte offsets into the virtio-blk configuration space (VirtIO 1.1
// §5.2.4). ReadConfig in package blkdev reads each field at its offset
// directly rather than overlaying a Go struct, since Go struct padding
// does not necessarily match the wire layout's packed C layout.
const (
	BlkConfigOffsetCapacity                   = 0
	BlkConfigOffsetSizeMax                    = 8
	BlkConfigOffsetSegMax                     = 12
	BlkConfigOffsetGeoCylinders                = 16
	BlkConfigOffsetGeoHeads                    = 18
	BlkConfigOffsetGeoSectors                  = 19
	BlkConfigOffsetBlkSize                     = 20
	BlkConfigOffsetTopoPhysBlockExp            = 24
	BlkConfigOffsetTopoAlignmentOffset         = 25
	BlkConfigOffsetTopoMinIOSize               = 26
	BlkConfigOffsetTopoOptIOSize               = 28
	BlkConfigOffsetWriteback                   = 32
	BlkConfigOffsetMaxDiscardSectors           = 36
	BlkConfigOffsetMaxDiscardSeg               = 40
	BlkConfigOffsetDiscardSectorAlignment      = 44
	BlkConfigOffsetMaxWriteZeroesSectors       = 48
	BlkConfigOffsetMaxWriteZeroesSeg           = 52
	BlkConfigOffsetWriteZeroesMayUnmap         = 56
	BlkConfigOffsetMaxSecureEraseSectors       = 60
	BlkConfigOffsetMaxSecureEraseSeg           = 64
	BlkConfigOffsetSecureEraseSectorAlignment  = 68
	BlkConfigOffsetNumQueues                   = 34
)

// BlkDiscardWriteZeroes is the per-segment descriptor used by DISCARD and
// WRITE_ZEROES requests (VirtIO 1.1 §5.2.6.2/6.3).
type BlkDiscardWriteZeroes struct {
	Sector     uint64
	NumSectors uint32
	Unmap      bool
}

// PreEolInfo is the device-lifetime pre-end-of-life indicator returned by
// a GET_LIFETIME request.
type PreEolInfo uint16

const (
	PreEolUndefined PreEolInfo = 0
	PreEolNormal    PreEolInfo = 1
	PreEolWarning   PreEolInfo = 2
	PreEolUrgent    PreEolInfo = 3
)

// BlkLifetime is the response payload of a GET_LIFETIME request.
type BlkLifetime struct {
	PreEolInfo               PreEolInfo
	DeviceLifetimeEstTypA uint16
	DeviceLifetimeEstTypB uint16
}
