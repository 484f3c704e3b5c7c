package rxcore

import "unsafe"

// RxEntry represents one posted or matched receive (spec.md §3 "RxEntry").
// Entries live by value inside an RxEntryPool slab.
type RxEntry struct {
	index slotIndex

	Op   OpKind
	Addr Address // AddressUnspecified until matched, for wildcard receives
	peer *Peer   // nil until matched; weak reference

	IOV        [maxIOVLen]IOVec
	IOVCount   int
	ProviderMR [maxIOVLen]MemoryRegion
	IOVMRStart int

	TotalLen      int
	BytesReceived int
	IOVIndex      int
	IOVOffset     int

	State      RxState
	Tag        uint64
	Ignore     uint64
	Completion Completion

	// RemoteIndex is the sender's TxEntry pool slot for this transfer,
	// learned from the RTS header; CTS replies echo it back so the sender
	// can route the exchange without a tag lookup (spec.md §4.4 "long send
	// with credit").
	RemoteIndex slotIndex

	queuedPkts []queuedPacket

	// unexpected is set when this entry was created from an unexpected
	// packet arrival rather than an application-posted receive (spec.md §3
	// "an unexpected-packet pointer").
	unexpected *Packet

	// Multi-receive buffer linkage (spec.md §4.5).
	multiRecvParent    *RxEntry
	multiRecvChildren  []slotIndex
	multiRecvThreshold int // MIN_MULTI_RECV: stop carving children below this
	multiRecvCancelPending bool

	context unsafe.Pointer
}

// Index returns the entry's stable pool slot index.
func (e *RxEntry) Index() slotIndex { return e.index }

// Context returns the application context pointer.
func (e *RxEntry) Context() unsafe.Pointer { return e.context }

// init fills in the fields common to every RxEntry submission.
func (e *RxEntry) init(op OpKind, addr Address, peer *Peer, iov []IOVec, ctx unsafe.Pointer, tag, ignore uint64) error {
	if len(iov) > maxIOVLen {
		return InvalidStateError{Component: "RxEntry", State: "init", Detail: "iov count exceeds limit"}
	}
	e.Op = op
	e.Addr = addr
	e.peer = peer
	e.IOVCount = copy(e.IOV[:], iov)
	e.IOVMRStart = e.IOVCount
	e.context = ctx
	e.Tag = tag
	e.Ignore = ignore
	e.State = RxStateInit
	e.TotalLen = 0
	for i := 0; i < e.IOVCount; i++ {
		e.TotalLen += len(e.IOV[i].Buf)
	}
	e.Completion = Completion{
		Context: ctx,
		Flags:   cqFlagsForOp(op, false),
		Tag:     tag,
	}
	return nil
}

// initUnexpected creates an RxEntry from an unexpected packet arrival
// (spec.md §4.5 step 1, §8 scenario 4).
func (e *RxEntry) initUnexpected(op OpKind, addr Address, peer *Peer, pkt *Packet, totalLen int, tag uint64) {
	e.Op = op
	e.Addr = addr
	e.peer = peer
	e.unexpected = pkt
	e.TotalLen = totalLen
	e.Tag = tag
	e.State = RxStateUnexpected
	e.Completion = Completion{Flags: cqFlagsForOp(op, false), Tag: tag}
}

// matchAgainstPosted merges an application-posted receive (this entry, in
// RxStateInit) with an already-arrived unexpected entry, per spec.md §8
// scenario 4: "the entries are merged and progress advances to RECV."
// The merge happens in place on e; unexp is left ready for release by the
// caller.
func (e *RxEntry) matchAgainstPosted(unexp *RxEntry) {
	e.Addr = unexp.Addr
	e.peer = unexp.peer
	e.Tag = unexp.Tag
	e.TotalLen = unexp.TotalLen
	e.Completion.Flags = unexp.Completion.Flags
	e.Completion.Tag = unexp.Tag
	e.State = RxStateMatched
}

func (e *RxEntry) releaseProviderMRs() {
	for i := e.IOVMRStart; i < e.IOVCount; i++ {
		if e.ProviderMR[i] != nil {
			_ = e.ProviderMR[i].Release()
			e.ProviderMR[i] = nil
		}
	}
}

func (e *RxEntry) nextSegment() []byte {
	if e.IOVIndex >= e.IOVCount {
		return nil
	}
	return e.IOV[e.IOVIndex].Buf[e.IOVOffset:]
}

func (e *RxEntry) advanceCursor(n int) {
	e.BytesReceived += n
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

// fullyReceived reports whether every byte has arrived and every queued
// control packet has been sent (spec.md §4.5 step 5).
func (e *RxEntry) fullyReceived() bool {
	return e.BytesReceived >= e.TotalLen && len(e.queuedPkts) == 0
}

func (e *RxEntry) queueRNR(qp queuedPacket) {
	e.queuedPkts = append(e.queuedPkts, qp)
	e.State = RxStateQueuedRNR
}

func (e *RxEntry) queueCtrl(qp queuedPacket) {
	e.queuedPkts = append(e.queuedPkts, qp)
	e.State = RxStateQueuedCtrl
}

func (e *RxEntry) popQueuedPackets() []queuedPacket {
	pkts := e.queuedPkts
	e.queuedPkts = nil
	return pkts
}

// isMultiRecvParent reports whether this entry is a posted multi-receive
// buffer from which consumer children are carved (spec.md §4.5
// "Multi-receive buffers").
func (e *RxEntry) isMultiRecvParent() bool {
	return e.multiRecvThreshold > 0 && e.multiRecvParent == nil
}

// cancelMultiRecvParent implements spec.md §4.5's cancellation rule:
// "Cancellation of a parent: if no consumers outstanding, deliver a final
// multi-receive completion immediately; else defer until the last consumer
// finishes." Returns true if the final completion should be delivered now.
func (e *RxEntry) cancelMultiRecvParent() (deliverNow bool) {
	if len(e.multiRecvChildren) == 0 {
		return true
	}
	e.multiRecvCancelPending = true
	return false
}

// childConsumerDone is called when one multi-receive consumer child reaches
// its terminal state; it unlinks the child from the parent and reports
// whether the parent's deferred cancellation should now fire.
func (e *RxEntry) childConsumerDone(child slotIndex) (deliverParentCompletion bool) {
	for i, c := range e.multiRecvChildren {
		if c == child {
			e.multiRecvChildren = append(e.multiRecvChildren[:i], e.multiRecvChildren[i+1:]...)
			break
		}
	}
	return e.multiRecvCancelPending && len(e.multiRecvChildren) == 0
}
