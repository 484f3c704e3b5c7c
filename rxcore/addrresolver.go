package rxcore

// AddressResolver is the external collaborator (spec.md §1, "Address vector
// / peer resolution") that turns an opaque application address, or a
// transport-supplied source identifier, into a Peer. internal/addrresolve
// wraps fi.AddressVector for the NIC path.
type AddressResolver interface {
	// PeerFromAddr resolves an application-supplied address. Returns
	// ok=false if the address is not present in the bound address vector
	// (spec.md §8, "Submitting with an address not in the address vector
	// fails synchronously").
	PeerFromAddr(addr Address) (resolved Address, ok bool)
	// PeerFromSourceID resolves the source of a NIC receive completion
	// whose sender was not yet known (first-contact handshake case).
	PeerFromSourceID(src SourceID) (Address, bool)
	// TranslateSHMToEndpoint maps a SHM-local address into the same
	// Address space used by the NIC path, so peer bookkeeping is shared
	// across both transports (spec.md §4.3).
	TranslateSHMToEndpoint(shmAddr uint64) (Address, bool)
}
