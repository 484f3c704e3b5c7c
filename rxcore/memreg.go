package rxcore

// MemoryRegion is the opaque result of registering a user or provider
// buffer with the NIC, as returned by a MemoryRegistrar. It is handed back
// to the transport as a post descriptor and released exactly once.
type MemoryRegion interface {
	Descriptor() any
	Release() error
}

// MemoryRegistrar is the external collaborator (spec.md §1, "Memory-
// registration mechanics with the NIC") that rxcore calls to register
// provider-created buffers (packet-pool chunks, and per-segment
// registrations for long messages whose IOVec the application did not
// pre-register). internal/memreg wraps fi.Domain.RegisterMemory.
type MemoryRegistrar interface {
	// RegisterPacketChunk registers one packet-pool chunk allocation.
	RegisterPacketChunk(buf []byte, access MemAccess) (PacketRegistration, error)
	// RegisterSegment registers one IOVec segment that the application did
	// not pre-register, for protocols that require a provider-created
	// registration (long-message and RMA paths). Per spec.md §7, failure
	// here is fatal for paths that require registration and a logged
	// best-effort fallback for paths that don't.
	RegisterSegment(buf []byte, access MemAccess) (MemoryRegion, error)
}
