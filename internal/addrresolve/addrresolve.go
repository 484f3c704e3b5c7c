// Package addrresolve adapts fi.AddressVector to rxcore.AddressResolver.
// rxrep's Address type is the address vector's own fi_addr_t reinterpreted
// as an opaque handle, so resolution from an application-supplied address
// is just a membership check; resolution from a NIC completion's source
// identifier is a pass-through once FI_SOURCE has already done the work of
// mapping the wire identity to an AV index.
package addrresolve

import (
	"sync"

	"github.com/rocketbitz/rxrep/fi"
	"github.com/rocketbitz/rxrep/rxcore"
)

// Resolver wraps an open fi.AddressVector plus the node-local SHM address
// bookkeeping rxcore's dual-transport dispatch needs.
type Resolver struct {
	av *fi.AddressVector

	mu       sync.Mutex
	known    map[rxcore.Address]struct{}
	shmPeers map[uint64]rxcore.Address
}

// New constructs a Resolver bound to av.
func New(av *fi.AddressVector) *Resolver {
	return &Resolver{
		av:       av,
		known:    make(map[rxcore.Address]struct{}),
		shmPeers: make(map[uint64]rxcore.Address),
	}
}

// InsertService resolves node/service into the address vector and records
// the result as a known peer address.
func (r *Resolver) InsertService(node, service string, flags uint64) (rxcore.Address, error) {
	addr, err := r.av.InsertService(node, service, flags)
	if err != nil {
		return rxcore.AddressUnspecified, err
	}
	out := rxcore.Address(addr)
	r.mu.Lock()
	r.known[out] = struct{}{}
	r.mu.Unlock()
	return out, nil
}

// InsertRaw inserts a peer's raw wire address (as returned by another
// endpoint's SelfAddress) into the address vector and records the result as
// a known peer address.
func (r *Resolver) InsertRaw(raw []byte, flags uint64) (rxcore.Address, error) {
	addr, err := r.av.InsertRaw(raw, flags)
	if err != nil {
		return rxcore.AddressUnspecified, err
	}
	out := rxcore.Address(addr)
	r.mu.Lock()
	r.known[out] = struct{}{}
	r.mu.Unlock()
	return out, nil
}

// RegisterSHMPeer records that shmAddr, the node-local transport's own peer
// identifier, corresponds to the given endpoint-level address (spec.md
// §4.3, "a resolver translates SHM addresses to endpoint-level addresses").
func (r *Resolver) RegisterSHMPeer(shmAddr uint64, addr rxcore.Address) {
	r.mu.Lock()
	r.shmPeers[shmAddr] = addr
	r.known[addr] = struct{}{}
	r.mu.Unlock()
}

// PeerFromAddr reports whether addr is present in the bound address vector
// (spec.md §8, "Submitting with an address not in the address vector fails
// synchronously").
func (r *Resolver) PeerFromAddr(addr rxcore.Address) (rxcore.Address, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.known[addr]
	return addr, ok
}

// PeerFromSourceID resolves the source of a NIC receive completion. The NIC
// transport only reports a resolved SourceID once the provider's FI_SOURCE
// capability has already mapped the wire identity to an AV entry, so this
// is a pass-through rather than a second lookup.
func (r *Resolver) PeerFromSourceID(src rxcore.SourceID) (rxcore.Address, bool) {
	if !src.Resolved {
		return rxcore.AddressUnspecified, false
	}
	return rxcore.Address(src.SLID), true
}

// TranslateSHMToEndpoint maps a SHM-local address into the endpoint-level
// Address space shared with the NIC path.
func (r *Resolver) TranslateSHMToEndpoint(shmAddr uint64) (rxcore.Address, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	addr, ok := r.shmPeers[shmAddr]
	return addr, ok
}
