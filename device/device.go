// Package device declares the DeviceManager interface: the external
// collaborator that owns GPU driver/runtime bindings (memory allocation,
// stream creation, kernel compilation and launch). The scheduler core never
// talks to a GPU directly; it only calls through this interface, which is
// supplied by the caller rather than looked up through a process-wide
// global.
package device

// Info describes the target device's resource budget.
type Info struct {
	SMCount    int
	WarpsPerSM int
	BytesFree  uint64
}

// Address is an opaque physical device address, as returned by AllocateArena
// and resolved by RegisterExport/ResolveImport.
type Address uintptr

// Manager is implemented by the GPU driver/runtime binding layer. The
// scheduler reads DeviceInfo from it; the buffer planner (C4) makes the
// remaining calls.
type Manager interface {
	// DeviceInfo reports the local device's resource budget.
	DeviceInfo() (Info, error)

	// AllocateArena reserves a contiguous region of the given byte size and
	// returns its base address.
	AllocateArena(bytes uint64) (Address, error)

	// RegisterExport publishes a local buffer's address under sid so other
	// ranks can import it.
	RegisterExport(sid int, addr Address, bytes uint64) error

	// ResolveImport resolves a buffer imported from remoteRank under sid to
	// a local-rank-visible address (e.g. an IPC-mapped region).
	ResolveImport(remoteRank int, sid int) (Address, error)
}
