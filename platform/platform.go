// Package platform defines the small set of environment hooks the rest of
// this module needs from whatever is hosting it: somewhere to log to,
// memory barriers, and virtual/physical address translation for DMA
// buffers. Everything else a VirtIO driver touches -- the MMIO register
// file, the virtqueue rings -- is plain memory access and needs no hook.
package platform

import (
	"log"
	"unsafe"
)

// Trait is implemented by the host environment. A freestanding kernel
// wires Mb/Rmb/Wmb to real fence instructions and VirtToPhys/PhysToVirt to
// its page-table walker; a hosted test binds the identity versions below.
type Trait interface {
	// Log writes a driver diagnostic message. Implementations must accept
	// fmt.Sprintf-style verbs.
	Log(format string, args ...any)

	// Mb, Rmb and Wmb are full, read and write memory barriers
	// respectively. Called around every producer/consumer handoff across
	// the virtqueue rings and the MMIO register file.
	Mb()
	Rmb()
	Wmb()

	// VirtToPhys and PhysToVirt translate between the addresses this
	// process uses and the addresses the device sees on its side of the
	// bus. On environments with an identity-mapped DMA window the two are
	// the same number.
	VirtToPhys(p unsafe.Pointer) uint64
	PhysToVirt(a uint64) unsafe.Pointer
}

// Null is the zero-overhead Trait: no logging, no barriers (single core,
// no I/O reordering to fence against), identity address translation. Use
// it on environments where the guest runs with a flat, cache-coherent
// address space, or in tests that don't care about barrier ordering.
type Null struct{}

func (Null) Log(string, ...any)         {}
func (Null) Mb()                        {}
func (Null) Rmb()                       {}
func (Null) Wmb()                       {}
func (Null) VirtToPhys(p unsafe.Pointer) uint64 { return uint64(uintptr(p)) }
func (Null) PhysToVirt(a uint64) unsafe.Pointer { return unsafe.Pointer(uintptr(a)) } //nolint:govet

// StdLogger logs through a standard library *log.Logger and otherwise
// behaves like Null. Useful on hosted builds (tests, the cmd/vioblkctl
// harness) where stdout is available but there is still no second core or
// non-coherent DMA path to fence against.
type StdLogger struct {
	L *log.Logger
}

func (s StdLogger) Log(format string, args ...any) {
	if s.L == nil {
		log.Printf(format, args...)
		return
	}
	s.L.Printf(format, args...)
}

func (StdLogger) Mb()  {}
func (StdLogger) Rmb() {}
func (StdLogger) Wmb() {}

func (StdLogger) VirtToPhys(p unsafe.Pointer) uint64 { return uint64(uintptr(p)) }
func (StdLogger) PhysToVirt(a uint64) unsafe.Pointer { return unsafe.Pointer(uintptr(a)) } //nolint:govet

var (
	_ Trait = Null{}
	_ Trait = StdLogger{}
)
