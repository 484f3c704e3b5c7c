package rxcore

import (
	"sync"
	"time"
)

// WarnFunc receives a diagnostic message for conditions the spec calls out
// as worth logging loudly but not treating as a correctness mechanism
// (spec.md §9, the available_data_bufs watchdog reset; §4.7, Close's
// per-orphan warning). Logging plumbing is explicitly out of scope for the
// core (spec.md §1), so rxcore depends on this bare callback type instead
// of any logging package; the client façade wires it to a real Logger.
type WarnFunc func(format string, args ...any)

func noopWarn(string, ...any) {}

// Config bundles every construction-time tunable named across spec.md §2-§7.
type Config struct {
	MaxDataPayloadSize int // MTU-bounded data payload size per packet
	TxMinCredits       int
	MinMultiRecv       int // byte threshold below which multi-recv stops carving children

	PacketPoolChunk int // packets per pool Grow()
	EntryPoolChunk  int // TxEntry/RxEntry per pool Grow()

	RNRBackoffInitial time.Duration
	RNRBackoffMax     time.Duration

	AvailableBufsWatchdogInterval time.Duration

	InitialPeerCredits int

	Codec      PacketCodec
	Resolver   AddressResolver
	Registrar  MemoryRegistrar
	ReadEngine ReadEngine

	NIC Transport
	SHM Transport // nil disables the shared-memory fast path

	Warn WarnFunc
}

func (c *Config) setDefaults() {
	if c.MaxDataPayloadSize <= 0 {
		c.MaxDataPayloadSize = 8 << 10
	}
	if c.TxMinCredits <= 0 {
		c.TxMinCredits = 1
	}
	if c.PacketPoolChunk <= 0 {
		c.PacketPoolChunk = 64
	}
	if c.EntryPoolChunk <= 0 {
		c.EntryPoolChunk = 64
	}
	if c.RNRBackoffInitial <= 0 {
		c.RNRBackoffInitial = time.Millisecond
	}
	if c.RNRBackoffMax <= 0 {
		c.RNRBackoffMax = time.Second
	}
	if c.AvailableBufsWatchdogInterval <= 0 {
		c.AvailableBufsWatchdogInterval = 30 * time.Second
	}
	if c.InitialPeerCredits <= 0 {
		c.InitialPeerCredits = 128
	}
	if c.Warn == nil {
		c.Warn = noopWarn
	}
}

// Endpoint is the addressable object exposing the messaging API (spec.md
// §3, Glossary). It owns all pools, both transports, the peer table, and
// every intrusive list of transfer-entries awaiting work, serialized by a
// single coarse lock (spec.md §5).
type Endpoint struct {
	mu sync.Mutex

	cfg Config

	nic Transport
	shm Transport

	codec     PacketCodec
	resolver  AddressResolver
	registrar MemoryRegistrar
	readEng   ReadEngine
	warn      WarnFunc

	packetPoolNIC *PacketPool
	packetPoolSHM *PacketPool
	txEntries     *TxEntryPool
	rxEntries     *RxEntryPool

	peers map[Address]*Peer

	// Endpoint-wide intrusive lists, keyed by pool slot index.
	txEntryList     *indexList // every live TxEntry (Close orphan walk, Cancel)
	rxEntryList     *indexList // every live RxEntry
	txPendingList   *indexList // TxEntries with window>0 ready to post data
	readPendingList *indexList // TxEntries ready for ReadEngine.SubmitRead

	handshakeQueuedPeers []Address

	grownOnce bool
	enabled   bool
	closed    bool
	boundAV   bool

	supportsRead           bool
	constantHeaderLenZCopy bool
	supportsDeliveryComplete bool

	minMultiRecv int

	availableBufsExhaustedSince time.Time
	watchdogResets              int

	// userCQ receives terminal completions. Unbounded in this
	// implementation (spec.md describes it as "bounded"; rxrep bounds it by
	// requiring the application to drain it every Progress call via
	// DrainCompletions, matching the teacher's own synchronous
	// completion-resolution style).
	userCQ []Completion
}

// NewEndpoint constructs an Endpoint. No pool memory is allocated yet
// (spec.md §4.1): Grow happens lazily on first Progress.
func NewEndpoint(cfg Config) *Endpoint {
	cfg.setDefaults()
	ep := &Endpoint{
		cfg:                     cfg,
		nic:                     cfg.NIC,
		shm:                     cfg.SHM,
		codec:                   cfg.Codec,
		resolver:                cfg.Resolver,
		registrar:               cfg.Registrar,
		readEng:                 cfg.ReadEngine,
		warn:                    cfg.Warn,
		peers:                   make(map[Address]*Peer),
		txEntryList:             newIndexList(),
		rxEntryList:             newIndexList(),
		txPendingList:           newIndexList(),
		readPendingList:         newIndexList(),
		minMultiRecv:            cfg.MinMultiRecv,
		txEntries:               NewTxEntryPool(cfg.EntryPoolChunk),
		rxEntries:               NewRxEntryPool(cfg.EntryPoolChunk),
	}
	ep.packetPoolNIC = NewPacketPool(cfg.MaxDataPayloadSize, cfg.PacketPoolChunk, cfg.Registrar, MemAccessLocal)
	if cfg.SHM != nil {
		ep.packetPoolSHM = NewPacketPool(cfg.MaxDataPayloadSize, cfg.PacketPoolChunk, nil, MemAccessLocal)
	}
	return ep
}

func (ep *Endpoint) mtu() int { return ep.cfg.MaxDataPayloadSize }

// getOrCreatePeer returns the Peer record for addr, creating one with the
// configured initial credit balance if this is the first contact.
func (ep *Endpoint) getOrCreatePeer(addr Address) *Peer {
	if p, ok := ep.peers[addr]; ok {
		return p
	}
	p := newPeer(addr, ep.cfg.InitialPeerCredits)
	ep.peers[addr] = p
	return p
}

// MarkPeerLocal flags addr as reachable over the node-local SHM transport
// (spec.md §9 "two transports, one endpoint"), so transportFor routes sends
// to it through SHM instead of the NIC whenever a SHM transport is
// configured.
func (ep *Endpoint) MarkPeerLocal(addr Address, local bool) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.getOrCreatePeer(addr).SetLocal(local)
}

// WatchdogResets reports how many times the available_data_bufs watchdog
// has fired since construction (spec.md §9). A caller polling this between
// Progress calls can detect a reset transition and surface it as a metric.
func (ep *Endpoint) WatchdogResets() int {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.watchdogResets
}

// GetMinMultiRecv/SetMinMultiRecv implement spec.md §6 "Options: get/set MIN_MULTI_RECV".
func (ep *Endpoint) GetMinMultiRecv() int {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.minMultiRecv
}

func (ep *Endpoint) SetMinMultiRecv(n int) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.minMultiRecv = n
}

// DrainCompletions removes and returns every completion written to the user
// CQ since the last call.
func (ep *Endpoint) DrainCompletions() []Completion {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	out := ep.userCQ
	ep.userCQ = nil
	return out
}

func (ep *Endpoint) writeCompletion(c Completion) {
	ep.userCQ = append(ep.userCQ, c)
}

// transportFor returns the transport and TransportKind to use for addr,
// dispatching on whether the peer is node-local (spec.md §9 "Two
// transports, one endpoint").
func (ep *Endpoint) transportFor(peer *Peer) (Transport, TransportKind) {
	if peer != nil && peer.IsLocal() && ep.shm != nil {
		return ep.shm, TransportSHM
	}
	return ep.nic, TransportNIC
}

func (ep *Endpoint) packetPoolFor(kind TransportKind) *PacketPool {
	if kind == TransportSHM {
		return ep.packetPoolSHM
	}
	return ep.packetPoolNIC
}
