package rxcore

import "fmt"

// freeList is the index bookkeeping shared by every pool in this package: a
// growable backing store plus a stack of free slot indices. It is not
// goroutine-safe; every pool is accessed only while the owning Endpoint's
// coarse lock is held (spec.md §5), so no internal synchronization is
// needed, matching the teacher's own choice to keep pool mutation
// single-threaded per domain (fi.MRPool is the one exception, and it
// guards itself with a channel precisely because it is shared across the
// connection-oriented Dial/Listen goroutines that rxrep's connectionless
// core does not have).
type freeList struct {
	free     []slotIndex
	capacity int
	inUse    int
}

func (f *freeList) acquire() (slotIndex, bool) {
	if len(f.free) == 0 {
		return invalidSlot, false
	}
	idx := f.free[len(f.free)-1]
	f.free = f.free[:len(f.free)-1]
	f.inUse++
	return idx, true
}

func (f *freeList) release(idx slotIndex) {
	f.free = append(f.free, idx)
	if f.inUse > 0 {
		f.inUse--
	}
}

func (f *freeList) addChunk(n int) []slotIndex {
	added := make([]slotIndex, n)
	for i := 0; i < n; i++ {
		idx := slotIndex(f.capacity + i)
		added[i] = idx
		f.free = append(f.free, idx)
	}
	f.capacity += n
	return added
}

// PacketRegistration is the opaque handle a MemoryRegistrar returns for a
// chunk of packet-pool memory it registered with the NIC. Packet pools hold
// one registration per chunk and release it when the pool is destroyed.
type PacketRegistration interface {
	Descriptor() any
	Release() error
}

// PacketSlot is one packet buffer inside a PacketPool.
type PacketSlot struct {
	Index slotIndex
	Buf   []byte
	Reg   PacketRegistration // nil if the pool is not NIC-registered
}

// PacketPool is the fixed-capacity slab allocator for packet buffers
// described in spec.md §4.1. Buffers are carved out of chunk-sized
// allocations so that, when a MemoryRegistrar is supplied, registration can
// happen once per chunk instead of once per buffer.
type PacketPool struct {
	freeList
	bufSize    int
	chunkCount int
	registrar  MemoryRegistrar
	access     MemAccess
	slots      []PacketSlot
	chunkRegs  []PacketRegistration
}

// NewPacketPool constructs a packet pool. No memory is allocated until the
// first Grow call: spec.md §4.1 calls for Grow to run lazily on first
// progress, not during endpoint construction, "to parallelize first-touch
// across peers, but not during endpoint construction (some endpoints are
// never used)".
func NewPacketPool(bufSize, chunkCount int, registrar MemoryRegistrar, access MemAccess) *PacketPool {
	return &PacketPool{
		bufSize:    bufSize,
		chunkCount: chunkCount,
		registrar:  registrar,
		access:     access,
	}
}

// Grow allocates one additional chunk of chunkCount buffers, registering it
// with the NIC if a MemoryRegistrar was supplied.
func (p *PacketPool) Grow() error {
	chunk := make([]byte, p.bufSize*p.chunkCount)
	var reg PacketRegistration
	if p.registrar != nil {
		r, err := p.registrar.RegisterPacketChunk(chunk, p.access)
		if err != nil {
			return fmt.Errorf("rxrep: packet pool grow: %w", err)
		}
		reg = r
		p.chunkRegs = append(p.chunkRegs, reg)
	}
	idxs := p.addChunk(p.chunkCount)
	for i, idx := range idxs {
		p.slots = append(p.slots, PacketSlot{
			Index: idx,
			Buf:   chunk[i*p.bufSize : (i+1)*p.bufSize],
			Reg:   reg,
		})
	}
	return nil
}

// Acquire returns a free packet slot, or ok=false if the pool is exhausted.
// Per spec.md §7 this is never fatal: the caller converts it into the
// pool-exhaustion error kind and retries on a later progress tick.
func (p *PacketPool) Acquire() (*PacketSlot, bool) {
	idx, ok := p.acquire()
	if !ok {
		return nil, false
	}
	return &p.slots[idx], true
}

// Release returns a slot to the pool.
func (p *PacketPool) Release(idx slotIndex) {
	if int(idx) < 0 || int(idx) >= len(p.slots) {
		return
	}
	p.release(idx)
}

// SlotFromIndex returns the slot for idx in constant time.
func (p *PacketPool) SlotFromIndex(idx slotIndex) *PacketSlot {
	if int(idx) < 0 || int(idx) >= len(p.slots) {
		return nil
	}
	return &p.slots[idx]
}

// InUse reports the number of currently-acquired slots.
func (p *PacketPool) InUse() int { return p.inUse }

// Close releases every chunk's registration. Called from endpoint teardown
// (spec.md §4.7) after every packet has been accounted for.
func (p *PacketPool) Close() {
	for _, reg := range p.chunkRegs {
		if reg != nil {
			_ = reg.Release()
		}
	}
	p.chunkRegs = nil
	p.slots = nil
	p.free = nil
	p.capacity = 0
	p.inUse = 0
}

// TxEntryPool is the fixed-capacity slab allocator for TxEntry objects.
// Entries live by value inside chunkCount-sized backing slabs so that a
// slot's address is stable across Grow (appending a new slab never
// reallocates an existing one), while the pool itself still exposes a
// constant-time index-to-entry mapping.
type TxEntryPool struct {
	freeList
	chunkCount int
	slabs      [][]TxEntry
}

// NewTxEntryPool constructs an empty TxEntry pool.
func NewTxEntryPool(chunkCount int) *TxEntryPool {
	return &TxEntryPool{chunkCount: chunkCount}
}

// Grow allocates one additional chunk of chunkCount TxEntry slots.
func (p *TxEntryPool) Grow() {
	slab := make([]TxEntry, p.chunkCount)
	idxs := p.addChunk(p.chunkCount)
	for i, idx := range idxs {
		slab[i].index = idx
	}
	p.slabs = append(p.slabs, slab)
}

func (p *TxEntryPool) slabOffset(idx slotIndex) (*TxEntry, bool) {
	i := int(idx)
	for _, slab := range p.slabs {
		if i < len(slab) {
			return &slab[i], true
		}
		i -= len(slab)
	}
	return nil, false
}

// Acquire returns a zeroed TxEntry ready for REQ state, or ok=false if the
// pool is exhausted.
func (p *TxEntryPool) Acquire() (*TxEntry, bool) {
	idx, ok := p.acquire()
	if !ok {
		return nil, false
	}
	e, _ := p.slabOffset(idx)
	*e = TxEntry{index: idx}
	return e, true
}

// Get returns the entry at idx.
func (p *TxEntryPool) Get(idx slotIndex) *TxEntry {
	e, _ := p.slabOffset(idx)
	return e
}

// Release returns idx to the free list. Callers must have already released
// any provider-created memory registrations (spec.md §3 invariant).
func (p *TxEntryPool) Release(idx slotIndex) { p.release(idx) }

// InUse reports the number of currently-acquired entries.
func (p *TxEntryPool) InUse() int { return p.inUse }

// RxEntryPool mirrors TxEntryPool for RxEntry objects.
type RxEntryPool struct {
	freeList
	chunkCount int
	slabs      [][]RxEntry
}

// NewRxEntryPool constructs an empty RxEntry pool.
func NewRxEntryPool(chunkCount int) *RxEntryPool {
	return &RxEntryPool{chunkCount: chunkCount}
}

// Grow allocates one additional chunk of chunkCount RxEntry slots.
func (p *RxEntryPool) Grow() {
	slab := make([]RxEntry, p.chunkCount)
	idxs := p.addChunk(p.chunkCount)
	for i, idx := range idxs {
		slab[i].index = idx
	}
	p.slabs = append(p.slabs, slab)
}

func (p *RxEntryPool) slabOffset(idx slotIndex) (*RxEntry, bool) {
	i := int(idx)
	for _, slab := range p.slabs {
		if i < len(slab) {
			return &slab[i], true
		}
		i -= len(slab)
	}
	return nil, false
}

// Acquire returns a zeroed RxEntry, or ok=false if the pool is exhausted.
func (p *RxEntryPool) Acquire() (*RxEntry, bool) {
	idx, ok := p.acquire()
	if !ok {
		return nil, false
	}
	e, _ := p.slabOffset(idx)
	*e = RxEntry{index: idx}
	return e, true
}

// Get returns the entry at idx.
func (p *RxEntryPool) Get(idx slotIndex) *RxEntry {
	e, _ := p.slabOffset(idx)
	return e
}

// Release returns idx to the free list.
func (p *RxEntryPool) Release(idx slotIndex) { p.release(idx) }

// InUse reports the number of currently-acquired entries.
func (p *RxEntryPool) InUse() int { return p.inUse }
