package virtio

// Feature is a VirtIO feature bit. Bits 0-23 and 50-63 are device
// specific (every block bit below lies in 0-23); bits 24-49 are the
// reserved/transport feature bits defined by the VirtIO spec itself.
type Feature uint64

// Transport-level feature bits (VirtIO 1.0+, common to every device type).
const (
	FeatureIndirectDesc Feature = 1 << 28 // declared, not implemented by this driver
	FeatureRingEventIdx Feature = 1 << 29
	FeatureVersion1     Feature = 1 << 32
)

// Block device feature bits (virtio-blk, section 5.2.3 of the VirtIO
// spec). This driver's ReadConfig gates config fields on SizeMax, SegMax,
// Geometry, BlkSize, Topology, ConfigWCE, Discard, WriteZeroes,
// SecureErase and MQ; Device.Flush checks Flush. Beyond gating the
// NumQueues read, MQ is advertised for negotiation purposes only (this
// driver programs queue 0 alone, see the Non-goals); ReadOnly and
// Lifetime are accepted during negotiation but otherwise unused.
const (
	BlkFeatureSizeMax     Feature = 1 << 1
	BlkFeatureSegMax      Feature = 1 << 2
	BlkFeatureGeometry    Feature = 1 << 4
	BlkFeatureReadOnly    Feature = 1 << 5
	BlkFeatureBlkSize     Feature = 1 << 6
	BlkFeatureFlush       Feature = 1 << 9
	BlkFeatureTopology    Feature = 1 << 10
	BlkFeatureConfigWCE   Feature = 1 << 11
	BlkFeatureMQ          Feature = 1 << 12 // advertised only, see Non-goals
	BlkFeatureDiscard     Feature = 1 << 13
	BlkFeatureWriteZeroes Feature = 1 << 14
	BlkFeatureLifetime    Feature = 1 << 15
	BlkFeatureSecureErase Feature = 1 << 16
)

// Has reports whether bit is present in the feature bitmap fs.
func (fs Feature) Has(bit Feature) bool { return fs&bit != 0 }
