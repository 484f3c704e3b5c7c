// Package shmtransport implements the node-local half of rxrep's
// dual-transport dispatch (spec.md §9, "Two transports, one endpoint"). It
// has no teacher precedent in the NIC-facing fi package; peers reachable
// on the same node exchange packets by direct copy through a shared
// Registry rather than a real queue pair, so unlike internal/nictransport
// its back-pressure (RNR) and completion delivery are both synchronous.
package shmtransport

import (
	"sync"
	"unsafe"

	"github.com/rocketbitz/rxrep/rxcore"
)

// Registry is the node-local rendezvous point every shmtransport.Transport
// on a host registers into, keyed by the same SHM address space the
// AddressResolver collaborator (internal/addrresolve) maps to endpoint-level
// addresses.
type Registry struct {
	mu    sync.Mutex
	peers map[uint64]*Transport
}

// NewRegistry constructs an empty node-local registry.
func NewRegistry() *Registry {
	return &Registry{peers: make(map[uint64]*Transport)}
}

func (r *Registry) register(addr uint64, t *Transport) {
	r.mu.Lock()
	r.peers[addr] = t
	r.mu.Unlock()
}

func (r *Registry) lookup(addr uint64) (*Transport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.peers[addr]
	return t, ok
}

type recvSlot struct {
	buf []byte
	ctx unsafe.Pointer
}

// Transport is one endpoint's node-local transport instance.
type Transport struct {
	reg  *Registry
	addr uint64
	mtu  int

	mu          sync.Mutex
	recvQueue   []recvSlot
	completions []rxcore.CompletionEvent
}

// New constructs a Transport bound to addr and registers it with reg so
// other local transports can post to it.
func New(reg *Registry, addr uint64, mtu int) *Transport {
	t := &Transport{reg: reg, addr: addr, mtu: mtu}
	reg.register(addr, t)
	return t
}

func (t *Transport) Kind() rxcore.TransportKind { return rxcore.TransportSHM }

// SupportsRead reports false: node-local peers already exchange bytes
// inline at send time, so a one-sided RMA read path adds nothing here.
func (t *Transport) SupportsRead() bool { return false }

func (t *Transport) MTU() int { return t.mtu }

func (t *Transport) popRecv() (recvSlot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.recvQueue) == 0 {
		return recvSlot{}, false
	}
	slot := t.recvQueue[0]
	t.recvQueue = t.recvQueue[1:]
	return slot, true
}

func (t *Transport) pushRecv(s recvSlot) {
	t.mu.Lock()
	t.recvQueue = append(t.recvQueue, s)
	t.mu.Unlock()
}

func (t *Transport) pushCompletion(ev rxcore.CompletionEvent) {
	t.mu.Lock()
	t.completions = append(t.completions, ev)
	t.mu.Unlock()
}

// PostSend delivers directly into the destination's next posted receive
// slot, or reports RNR synchronously if the destination has none posted
// (spec.md §5, exercised without needing an async completion-error round
// trip the way the NIC path does).
func (t *Transport) PostSend(req rxcore.PostRequest) error {
	if len(req.IOV) != 1 {
		return rxcore.InvalidStateError{Component: "shmtransport", State: "PostSend", Detail: "single-IOV posts only"}
	}
	dest, ok := t.reg.lookup(uint64(req.Dest))
	if !ok {
		return rxcore.ErrAddressUnresolved
	}
	slot, ok := dest.popRecv()
	if !ok {
		return rxcore.ErrReceiverNotReady
	}
	n := copy(slot.buf, req.IOV[0].Buf)
	src := rxcore.SourceID{SHMAddr: t.addr, IsSHM: true, Resolved: true}
	t.pushCompletion(rxcore.CompletionEvent{
		Context: req.Context, Opcode: rxcore.OpcodeSend, Len: len(req.IOV[0].Buf), SourceID: src,
	})
	dest.pushCompletion(rxcore.CompletionEvent{
		Context: slot.ctx, Opcode: rxcore.OpcodeRecv, Len: n, SourceID: src, Packet: slot.buf[:n],
	})
	return nil
}

// PostRecv queues a receive buffer for the next matching send.
func (t *Transport) PostRecv(req rxcore.PostRequest) error {
	if len(req.IOV) != 1 {
		return rxcore.InvalidStateError{Component: "shmtransport", State: "PostRecv", Detail: "single-IOV posts only"}
	}
	t.pushRecv(recvSlot{buf: req.IOV[0].Buf, ctx: req.Context})
	return nil
}

// PostRead always fails: see SupportsRead.
func (t *Transport) PostRead(req rxcore.ReadRequest) error {
	return rxcore.ErrCapabilityUnsupported
}

// DrainCompletions returns up to max queued completions: send completions
// for this transport's own PostSend calls and receive completions for
// deliveries into its posted receive slots.
func (t *Transport) DrainCompletions(max int) ([]rxcore.CompletionEvent, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.completions) == 0 {
		return nil, nil
	}
	n := max
	if n > len(t.completions) {
		n = len(t.completions)
	}
	out := t.completions[:n]
	t.completions = t.completions[n:]
	return out, nil
}

// DrainErrors always returns empty: the in-process transport either
// delivers synchronously or fails the post itself, so it never has
// asynchronous completion errors to report.
func (t *Transport) DrainErrors(max int) ([]rxcore.CompletionError, error) {
	return nil, nil
}

// Flush is a no-op: PostSend and PostRecv already deliver and complete
// synchronously by direct copy through the Registry, so there is nothing a
// PostFlagMore hint could usefully defer here.
func (t *Transport) Flush() error {
	return nil
}
