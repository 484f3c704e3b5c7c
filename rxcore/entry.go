package rxcore

import "unsafe"

// Address is an opaque peer address handle, as resolved by the address
// resolver collaborator (spec.md §6). It is never interpreted by rxcore.
type Address uint64

// AddressUnspecified marks a wildcard source (matched receive) or an
// as-yet-unresolved destination.
const AddressUnspecified Address = 0

// MemAccess mirrors the access flags passed through to the memory
// registration collaborator.
type MemAccess uint64

const (
	MemAccessLocal       MemAccess = 1 << iota // local CPU access
	MemAccessRemoteRead                        // remote peers may RMA-read
	MemAccessRemoteWrite                       // remote peers may RMA-write
)

// TransportKind identifies which transport a packet or peer belongs to.
type TransportKind int

const (
	TransportNIC TransportKind = iota
	TransportSHM
)

func (t TransportKind) String() string {
	if t == TransportSHM {
		return "shm"
	}
	return "nic"
}

// OpKind identifies the kind of operation a TxEntry or RxEntry represents.
type OpKind int

const (
	OpMsg OpKind = iota
	OpTagged
	OpWrite
	OpReadRequest
	OpAtomic
	OpAtomicFetch
	OpAtomicCompare
)

// TxState is the transmit-entry state machine (spec.md §3 "States").
type TxState int

const (
	TxStateReq TxState = iota
	TxStateSend
	TxStateQueuedCtrl
	TxStateQueuedRNR
	TxStateSubmittedRead
	TxStateDone
)

func (s TxState) String() string {
	switch s {
	case TxStateReq:
		return "REQ"
	case TxStateSend:
		return "SEND"
	case TxStateQueuedCtrl:
		return "QUEUED_CTRL"
	case TxStateQueuedRNR:
		return "QUEUED_RNR"
	case TxStateSubmittedRead:
		return "SUBMITTED"
	case TxStateDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// RxState is the receive-entry state machine (spec.md §3 "States").
type RxState int

const (
	RxStateInit RxState = iota
	RxStateUnexpected
	RxStateMatched
	RxStateRecv
	RxStateQueuedCtrl
	RxStateQueuedRNR
	RxStateRecvCancel
	RxStateDone
)

func (s RxState) String() string {
	switch s {
	case RxStateInit:
		return "INIT"
	case RxStateUnexpected:
		return "UNEXP"
	case RxStateMatched:
		return "MATCHED"
	case RxStateRecv:
		return "RECV"
	case RxStateQueuedCtrl:
		return "QUEUED_CTRL"
	case RxStateQueuedRNR:
		return "QUEUED_RNR"
	case RxStateRecvCancel:
		return "RECV_CANCEL"
	case RxStateDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// CQFlag identifies the operation kind carried on a user completion,
// mirroring the FI_* flag combinations original_source/rxr_ep.c sets at
// entry-allocation time (rxr_ep_alloc_rx_entry).
type CQFlag uint64

const (
	CQFlagSend CQFlag = 1 << iota
	CQFlagRecv
	CQFlagMsg
	CQFlagTagged
	CQFlagRMA
	CQFlagAtomic
	CQFlagRemoteRead
	CQFlagRemoteWrite
	CQFlagMultiRecv
)

func cqFlagsForOp(op OpKind, sending bool) CQFlag {
	switch op {
	case OpTagged:
		if sending {
			return CQFlagSend | CQFlagMsg | CQFlagTagged
		}
		return CQFlagRecv | CQFlagMsg | CQFlagTagged
	case OpMsg:
		if sending {
			return CQFlagSend | CQFlagMsg
		}
		return CQFlagRecv | CQFlagMsg
	case OpWrite:
		return CQFlagRemoteWrite | CQFlagRMA
	case OpReadRequest:
		return CQFlagRemoteRead | CQFlagRMA
	case OpAtomic:
		return CQFlagRemoteWrite | CQFlagAtomic
	case OpAtomicFetch, OpAtomicCompare:
		return CQFlagRemoteRead | CQFlagAtomic
	default:
		return 0
	}
}

// Completion is the descriptor delivered to the application on terminal
// entry release (spec.md §6 "User completions").
type Completion struct {
	Context     unsafe.Pointer
	Flags       CQFlag
	Len         int
	Data        uint64
	Tag         uint64
	// Addr is the resolved source of a receive completion, AddressUnspecified
	// for a send completion or a receive whose sender could not be resolved
	// (spec.md §4.3, §6 "Source address").
	Addr        Address
	Err         error
	ProviderErr int
}

// IOVec is one segment of a transfer's scatter/gather list.
type IOVec struct {
	Buf []byte
	// MR is the user-supplied memory registration for this segment, if the
	// application pre-registered it. Nil means rxrep must ask the
	// MemoryRegistrar collaborator for a provider-created registration
	// before the segment can be posted to a protocol that requires one.
	MR MemoryRegion
}

// maxIOVLen bounds the number of segments per transfer (spec.md §3,
// "an implementation-defined limit").
const maxIOVLen = 4

// queuedPacket is one packet awaiting (re)transmission, owned by the
// transfer-entry it is queued against (spec.md §3 "Ownership"). ctx is the
// same entryContext token the packet was first posted with, carried along
// so a retry (drainTxQueuedRNR/drainTxQueuedCtrl) still lands its eventual
// send completion back on the owning entry instead of being silently
// dropped as context-less.
type queuedPacket struct {
	pkt   Packet
	dest  Address
	kind  TransportKind
	desc  []any
	flags PostFlags
	ctx   unsafe.Pointer
}
