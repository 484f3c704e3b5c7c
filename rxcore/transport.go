package rxcore

import "unsafe"

// PostFlags carries per-post flag bits across the transport boundary
// (spec.md §6).
type PostFlags uint64

const (
	// PostFlagMore tells the transport that another post is coming
	// immediately and the doorbell/flush may be deferred (spec.md §4.2,
	// §9 "More-to-come batching").
	PostFlagMore PostFlags = 1 << iota
)

// PostRequest describes one packet post to a Transport.
type PostRequest struct {
	IOV     []IOVec
	Dest    Address
	Context unsafe.Pointer
	Flags   PostFlags
	// Desc holds one opaque NIC descriptor per IOV segment, as returned by
	// the MemoryRegistrar collaborator. Nil entries mean "no registration",
	// which some transports (e.g. SHM) tolerate and the NIC transport does
	// not for protocols that require it.
	Desc []any
}

// ReadRequest describes a one-sided RMA read post.
type ReadRequest struct {
	IOV     []IOVec
	Dest    Address
	Key     uint64
	Offset  uint64
	Context unsafe.Pointer
	Desc    []any
}

// CompletionOpcode identifies whether a drained completion was a send or a
// receive (spec.md §6).
type CompletionOpcode int

const (
	OpcodeSend CompletionOpcode = iota
	OpcodeRecv
	OpcodeRead
)

// CompletionEvent is one entry drained from a transport's completion queue.
type CompletionEvent struct {
	Context  unsafe.Pointer
	Opcode   CompletionOpcode
	Len      int
	SourceID SourceID
	Packet   []byte // populated for receive completions: the landed bytes
}

// SourceID identifies the sender of a receive completion before address
// resolution (spec.md §4.3, "the source address is resolved ... via the
// address resolver; if unknown, the packet is still processed but its
// source is marked unavailable").
type SourceID struct {
	SLID uint64
	QPN  uint32
	// SHMAddr is populated instead of SLID/QPN for completions drained from
	// a SHM transport (spec.md §4.3, "a resolver translates SHM addresses
	// to endpoint-level addresses before dispatch").
	SHMAddr  uint64
	IsSHM    bool
	Resolved bool
}

// CompletionError is one entry drained from a transport's error queue.
type CompletionError struct {
	Context     unsafe.Pointer
	Opcode      CompletionOpcode
	Err         error
	ProviderErr int
}

// Transport is the external collaborator boundary described in spec.md §6:
// either the NIC (internal/nictransport, backed by fi.Endpoint) or the
// node-local shared-memory path (internal/shmtransport). rxrep's posting
// and completion-processing layers dispatch on a Transport value per packet
// rather than maintaining two parallel stacks (spec.md §9 "Two transports,
// one endpoint").
type Transport interface {
	Kind() TransportKind
	// PostSend posts a send-side packet. Returns ErrAgain on transient
	// back-pressure and ErrReceiverNotReady on RNR.
	PostSend(req PostRequest) error
	// PostRecv posts a receive buffer as a wildcard or user-supplied sink.
	PostRecv(req PostRequest) error
	// PostRead issues a one-sided RMA read, if SupportsRead.
	PostRead(req ReadRequest) error
	// SupportsRead reports whether PostRead is usable on this transport.
	SupportsRead() bool
	// DrainCompletions reads up to max completion events without blocking.
	DrainCompletions(max int) ([]CompletionEvent, error)
	// DrainErrors reads pending completion-error entries without blocking.
	DrainErrors(max int) ([]CompletionError, error)
	// MTU returns the maximum packet size on this transport.
	MTU() int
	// Flush issues the doorbell for any posts previously deferred because
	// they carried PostFlagMore (spec.md §4.2, §4.6 step 11, §9
	// "more to come" batching). Progress calls it once per tick, after
	// every other step, so a burst of postTxData/bulkPostInternalRecv
	// calls earlier in the same tick coalesces into one ring instead of
	// one per packet.
	Flush() error
}
