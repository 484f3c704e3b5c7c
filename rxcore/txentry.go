package rxcore

import "unsafe"

// TxEntry represents one outbound operation (spec.md §3 "TxEntry"). Entries
// live by value inside a TxEntryPool slab; index is this entry's stable
// pool slot, used as the compact identifier packets carry in their headers.
type TxEntry struct {
	index slotIndex

	Op   OpKind
	Dest Address
	peer *Peer // raw, weak; cleared when the peer is removed (spec.md §9)

	IOV          [maxIOVLen]IOVec
	IOVCount     int
	ProviderMR   [maxIOVLen]MemoryRegion // provider-created registrations
	IOVMRStart   int                     // index at which ProviderMR entries begin

	TotalLen    int
	BytesSent   int
	BytesAcked  int
	Window      int
	IOVIndex    int
	IOVOffset   int

	State          TxState
	CreditRequest  int
	Tag            uint64
	Data           uint64
	Completion     Completion

	// RemoteIndex is the peer's RxEntry pool slot for this transfer, learned
	// from the CTS reply's echoed origin index; subsequent data packets
	// address the receiver directly by it (spec.md §4.4 "long send with
	// credit").
	RemoteIndex slotIndex

	// RemoteKey/RemoteOffset address the remote memory region for OpWrite,
	// OpReadRequest, and the atomic ops; unused for OpMsg/OpTagged.
	RemoteKey    uint64
	RemoteOffset uint64

	// CompareIOV carries the comparison operand for OpAtomicCompare.
	CompareIOV      [maxIOVLen]IOVec
	CompareIOVCount int

	queuedPkts []queuedPacket

	// context is the application context pointer; used both for the
	// completion descriptor and for Cancel-by-context lookup.
	context unsafe.Pointer
}

// Index returns the entry's stable pool slot index.
func (e *TxEntry) Index() slotIndex { return e.index }

// Context returns the application context pointer this entry was submitted
// with.
func (e *TxEntry) Context() unsafe.Pointer { return e.context }

// init fills in the fields common to every TxEntry submission. Called right
// after TxEntryPool.Acquire.
func (e *TxEntry) init(op OpKind, dest Address, peer *Peer, iov []IOVec, ctx unsafe.Pointer, tag uint64, data uint64) error {
	if len(iov) > maxIOVLen {
		return InvalidStateError{Component: "TxEntry", State: "init", Detail: "iov count exceeds limit"}
	}
	e.Op = op
	e.Dest = dest
	e.peer = peer
	e.IOVCount = copy(e.IOV[:], iov)
	e.IOVMRStart = e.IOVCount
	e.context = ctx
	e.Tag = tag
	e.Data = data
	e.State = TxStateReq
	e.TotalLen = 0
	for i := 0; i < e.IOVCount; i++ {
		e.TotalLen += len(e.IOV[i].Buf)
	}
	e.Completion = Completion{
		Context: ctx,
		Flags:   cqFlagsForOp(op, true),
		Tag:     tag,
		Data:    data,
	}
	return nil
}

// releaseProviderMRs releases every provider-created registration this
// entry holds, per spec.md §3's invariant that an entry with
// provider-created registrations releases them before returning to the
// pool.
func (e *TxEntry) releaseProviderMRs() {
	for i := e.IOVMRStart; i < e.IOVCount; i++ {
		if e.ProviderMR[i] != nil {
			_ = e.ProviderMR[i].Release()
			e.ProviderMR[i] = nil
		}
	}
}

// remaining returns the number of bytes of the whole message not yet sent.
func (e *TxEntry) remaining() int {
	return e.TotalLen - e.BytesSent
}

// advanceCursor walks the IOV cursor forward by n bytes after a successful
// post, in byte-offset order (spec.md §5 "Data packets of one TxEntry are
// posted in byte-offset order").
func (e *TxEntry) advanceCursor(n int) {
	e.BytesSent += n
	for n > 0 && e.IOVIndex < e.IOVCount {
		segRemaining := len(e.IOV[e.IOVIndex].Buf) - e.IOVOffset
		if n < segRemaining {
			e.IOVOffset += n
			return
		}
		n -= segRemaining
		e.IOVIndex++
		e.IOVOffset = 0
	}
}

// nextSegment returns the bytes available at the current cursor position
// within a single IOV segment (protocols never span a post across
// segments).
func (e *TxEntry) nextSegment() []byte {
	if e.IOVIndex >= e.IOVCount {
		return nil
	}
	return e.IOV[e.IOVIndex].Buf[e.IOVOffset:]
}

// fullyAcked reports whether every byte has been acknowledged and every
// owned packet has completed, the precondition for a terminal user
// completion (spec.md §4.4 step 5).
func (e *TxEntry) fullyAcked() bool {
	return e.BytesAcked >= e.TotalLen && len(e.queuedPkts) == 0
}

// queueRNR appends pkt to this entry's retransmit list and marks the entry
// QUEUED_RNR. Invariant (spec.md §3): "If QUEUED_RNR, its queued_pkts list
// is non-empty and it appears exactly once on the peer's
// tx_queued_rnr_list," enforced by the caller linking the entry onto that
// list in the same step.
func (e *TxEntry) queueRNR(qp queuedPacket) {
	e.queuedPkts = append(e.queuedPkts, qp)
	e.State = TxStateQueuedRNR
}

// queueCtrl marks the entry QUEUED_CTRL with a control packet pending
// retry.
func (e *TxEntry) queueCtrl(qp queuedPacket) {
	e.queuedPkts = append(e.queuedPkts, qp)
	e.State = TxStateQueuedCtrl
}

// popQueuedPackets drains and returns every packet queued for retransmit.
func (e *TxEntry) popQueuedPackets() []queuedPacket {
	pkts := e.queuedPkts
	e.queuedPkts = nil
	return pkts
}
