package rxcore

import "unsafe"

// SubmitRequest describes one outbound operation, mirroring the shape of
// fi.SendRequest/fi.RMARequest at the application boundary (spec.md §6,
// "Submit: ... each taking an IO-vector, address, tag ..., context, and
// flags").
type SubmitRequest struct {
	IOV     []IOVec
	Dest    Address
	Tag     uint64
	Data    uint64
	Context unsafe.Pointer
	Flags   PostFlags

	// Key/Offset are required for OpWrite and OpReadRequest.
	Key    uint64
	Offset uint64

	// CompareIOV carries the comparison operand for OpAtomicCompare.
	CompareIOV []IOVec
}

func totalLen(iov []IOVec) int {
	n := 0
	for _, v := range iov {
		n += len(v.Buf)
	}
	return n
}

// submitTx is the shared entry point behind SubmitSend/SubmitTaggedSend/
// SubmitWrite/SubmitRead/SubmitAtomic* (spec.md §4.4 step 1): it resolves
// the destination, allocates a TxEntry, selects a wire protocol by message
// size, and either completes immediately (zero-length) or queues the entry
// for the progress engine to drive.
func (ep *Endpoint) submitTx(op OpKind, req SubmitRequest) (*TxEntry, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if !ep.enabled {
		return nil, ErrNotEnabled
	}

	addr := req.Dest
	if ep.resolver != nil {
		resolved, ok := ep.resolver.PeerFromAddr(req.Dest)
		if !ok {
			return nil, ErrAddressUnresolved
		}
		addr = resolved
	}
	peer := ep.getOrCreatePeer(addr)
	ep.queueHandshake(peer)

	entry, ok := ep.txEntries.Acquire()
	if !ok {
		ep.txEntries.Grow()
		entry, ok = ep.txEntries.Acquire()
		if !ok {
			return nil, ErrPoolExhausted
		}
	}
	if err := entry.init(op, addr, peer, req.IOV, req.Context, req.Tag, req.Data); err != nil {
		ep.txEntries.Release(entry.index)
		return nil, err
	}
	entry.RemoteKey = req.Key
	entry.RemoteOffset = req.Offset
	entry.CompareIOVCount = copy(entry.CompareIOV[:], req.CompareIOV)
	ep.txEntryList.PushBack(entry.index)

	if entry.TotalLen == 0 {
		entry.Completion.Len = 0
		ep.completeTx(entry)
		return entry, nil
	}

	switch op {
	case OpWrite, OpAtomic, OpAtomicFetch, OpAtomicCompare:
		entry.Window = entry.TotalLen
		entry.State = TxStateSend
		ep.txPendingList.PushBack(entry.index)
		return entry, nil
	case OpReadRequest:
		return ep.submitReadTx(entry)
	}

	proto := selectProtocol(entry.TotalLen, ep.cfg.MaxDataPayloadSize, ep.supportsRead)
	switch proto {
	case protocolEager:
		entry.Window = entry.TotalLen
		entry.State = TxStateSend
		ep.txPendingList.PushBack(entry.index)
	case protocolLongRead:
		return ep.submitReadTx(entry)
	case protocolLongCredit:
		ep.submitRTS(entry, peer)
	}
	return entry, nil
}

// submitRTS sends the request-to-send control packet that opens a
// long-message-with-credit transfer and requests the receiver's initial
// credit grant (spec.md §8 scenario 2).
func (ep *Endpoint) submitRTS(entry *TxEntry, peer *Peer) {
	entry.CreditRequest = computeCreditRequest(peer.TxCredits, *peer.outstandingForTransport(TransportNIC), entry.TotalLen, ep.cfg.MaxDataPayloadSize, ep.cfg.TxMinCredits)
	fields := ControlFields{EntryIndex: entry.index, EntryIsTx: true, TotalLen: entry.TotalLen, Window: entry.CreditRequest, Tag: entry.Tag}
	pkt, err := ep.codec.EncodeControl(fields, PacketRTS)
	if err != nil {
		entry.Completion.Err = err
		ep.completeTx(entry)
		return
	}
	_, kind := ep.transportFor(peer)
	ctx := newEntryContext(entry.index, true)
	qp := queuedPacket{pkt: pkt, dest: entry.Dest, kind: kind, ctx: ctx}
	entry.State = TxStateReq
	if err := ep.postPacket(qp, ctx); err != nil {
		if err == ErrReceiverNotReady {
			ep.enterPeerBackoff(peer)
			entry.queueRNR(qp)
			peer.txQueuedRNR.PushBack(entry.index)
			return
		}
		entry.queueCtrl(qp)
		peer.txQueuedCtrl.PushBack(entry.index)
	}
}

func (ep *Endpoint) submitReadTx(entry *TxEntry) (*TxEntry, error) {
	if ep.readEng == nil {
		entry.Completion.Err = ErrCapabilityUnsupported
		ep.completeTx(entry)
		return entry, ErrCapabilityUnsupported
	}
	if err := ep.readEng.SubmitRead(entry); err != nil {
		entry.Completion.Err = err
		ep.completeTx(entry)
		return entry, err
	}
	entry.State = TxStateSubmittedRead
	ep.readPendingList.PushBack(entry.index)
	return entry, nil
}

// SubmitSend posts an untagged message send (spec.md §6).
func (ep *Endpoint) SubmitSend(req SubmitRequest) (*TxEntry, error) {
	return ep.submitTx(OpMsg, req)
}

// SubmitTaggedSend posts a tagged message send.
func (ep *Endpoint) SubmitTaggedSend(req SubmitRequest) (*TxEntry, error) {
	return ep.submitTx(OpTagged, req)
}

// SubmitWrite posts a one-sided RMA write.
func (ep *Endpoint) SubmitWrite(req SubmitRequest) (*TxEntry, error) {
	return ep.submitTx(OpWrite, req)
}

// SubmitRead posts a one-sided RMA read.
func (ep *Endpoint) SubmitRead(req SubmitRequest) (*TxEntry, error) {
	return ep.submitTx(OpReadRequest, req)
}

// SubmitAtomicWrite posts a remote atomic write (no fetch).
func (ep *Endpoint) SubmitAtomicWrite(req SubmitRequest) (*TxEntry, error) {
	return ep.submitTx(OpAtomic, req)
}

// SubmitAtomicFetch posts a fetching atomic (read-modify-write).
func (ep *Endpoint) SubmitAtomicFetch(req SubmitRequest) (*TxEntry, error) {
	return ep.submitTx(OpAtomicFetch, req)
}

// SubmitAtomicCompare posts a compare-and-swap atomic.
func (ep *Endpoint) SubmitAtomicCompare(req SubmitRequest) (*TxEntry, error) {
	return ep.submitTx(OpAtomicCompare, req)
}

// SubmitRecv posts an untagged receive buffer (spec.md §6). A posted receive
// is first checked against already-arrived unexpected packets (spec.md §8
// scenario 4) before being added to the posted-receive list.
func (ep *Endpoint) SubmitRecv(req SubmitRequest) (*RxEntry, error) {
	return ep.submitRx(OpMsg, req, 0)
}

// SubmitTaggedRecv posts a tagged receive buffer with an ignore mask.
func (ep *Endpoint) SubmitTaggedRecv(req SubmitRequest, ignore uint64) (*RxEntry, error) {
	return ep.submitRx(OpTagged, req, ignore)
}

func (ep *Endpoint) submitRx(op OpKind, req SubmitRequest, ignore uint64) (*RxEntry, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if !ep.enabled {
		return nil, ErrNotEnabled
	}

	entry, ok := ep.rxEntries.Acquire()
	if !ok {
		ep.rxEntries.Grow()
		entry, ok = ep.rxEntries.Acquire()
		if !ok {
			return nil, ErrPoolExhausted
		}
	}
	var peer *Peer
	if req.Dest != AddressUnspecified {
		peer = ep.getOrCreatePeer(req.Dest)
	}
	if err := entry.init(op, req.Dest, peer, req.IOV, req.Context, req.Tag, ignore); err != nil {
		ep.rxEntries.Release(entry.index)
		return nil, err
	}

	if unexp := ep.findUnexpected(req.Dest, req.Tag, ignore); unexp != nil {
		entry.matchAgainstPosted(unexp)
		ep.rxEntryList.Remove(unexp.index)
		ep.rxEntries.Release(unexp.index)
		ep.rxEntryList.PushBack(entry.index)
		if unexp.unexpected != nil {
			if len(unexp.unexpected.Bytes) > 0 {
				seg := entry.nextSegment()
				n := copy(seg, unexp.unexpected.Bytes)
				entry.advanceCursor(n)
			}
			if unexp.unexpected.Kind == PacketRTS && entry.peer != nil {
				entry.State = RxStateRecv
				entry.RemoteIndex = unexp.unexpected.EntryIndex
				if credits, ok := requestCredit(entry.peer, entry.TotalLen, ep.cfg.MaxDataPayloadSize, ep.cfg.TxMinCredits); ok && credits > 0 {
					fields := ControlFields{EntryIndex: entry.RemoteIndex, EntryIsTx: true, RemoteIndex: entry.index, Window: credits * ep.cfg.MaxDataPayloadSize, Tag: entry.Tag}
					ep.queueRxControl(entry, fields, PacketCTS)
				}
			}
		}
		if entry.fullyReceived() {
			ep.completeRx(entry)
		}
		return entry, nil
	}

	ep.rxEntryList.PushBack(entry.index)
	if err := ep.postUserRecv(entry, 0); err != nil {
		// A NIC-level post failure is not retried for user buffers: the
		// entry is removed and released, and the error goes to the caller.
		ep.rxEntryList.Remove(entry.index)
		ep.rxEntries.Release(entry.index)
		return nil, err
	}
	return entry, nil
}

// SubmitMultiRecv posts a single large buffer from which the progress
// engine carves one consumer child per matched arrival until fewer than
// minMultiRecv bytes remain (spec.md §4.5 "Multi-receive buffers").
func (ep *Endpoint) SubmitMultiRecv(req SubmitRequest) (*RxEntry, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if !ep.enabled {
		return nil, ErrNotEnabled
	}
	entry, ok := ep.rxEntries.Acquire()
	if !ok {
		ep.rxEntries.Grow()
		entry, ok = ep.rxEntries.Acquire()
		if !ok {
			return nil, ErrPoolExhausted
		}
	}
	if err := entry.init(OpMsg, req.Dest, nil, req.IOV, req.Context, req.Tag, 0); err != nil {
		ep.rxEntries.Release(entry.index)
		return nil, err
	}
	threshold := ep.minMultiRecv
	if threshold <= 0 {
		threshold = 1
	}
	entry.multiRecvThreshold = threshold
	ep.rxEntryList.PushBack(entry.index)
	if err := ep.postUserRecv(entry, 0); err != nil {
		ep.rxEntryList.Remove(entry.index)
		ep.rxEntries.Release(entry.index)
		return nil, err
	}
	return entry, nil
}

// carveMultiRecvChild splits off a consumer child sized to fit one matched
// arrival from a multi-receive parent, once the parent has at least
// minMultiRecv bytes remaining.
func (ep *Endpoint) carveMultiRecvChild(parent *RxEntry, need int) (*RxEntry, bool) {
	if parent.IOVIndex >= parent.IOVCount {
		return nil, false
	}
	remaining := len(parent.IOV[parent.IOVIndex].Buf) - parent.IOVOffset
	if remaining < need || remaining < parent.multiRecvThreshold {
		return nil, false
	}
	child, ok := ep.rxEntries.Acquire()
	if !ok {
		return nil, false
	}
	buf := parent.IOV[parent.IOVIndex].Buf[parent.IOVOffset : parent.IOVOffset+need]
	_ = child.init(parent.Op, parent.Addr, parent.peer, []IOVec{{Buf: buf, MR: parent.IOV[parent.IOVIndex].MR}}, parent.context, parent.Tag, 0)
	child.multiRecvParent = parent
	parent.IOVOffset += need
	parent.multiRecvChildren = append(parent.multiRecvChildren, child.index)
	ep.rxEntryList.PushBack(child.index)
	return child, true
}

// findUnexpected scans the posted list for an already-arrived UNEXP entry
// matching addr/tag (spec.md §8 scenario 4).
func (ep *Endpoint) findUnexpected(addr Address, tag, ignore uint64) *RxEntry {
	var found *RxEntry
	ep.rxEntryList.Each(func(idx slotIndex) {
		if found != nil {
			return
		}
		e := ep.rxEntries.Get(idx)
		if e == nil || e.State != RxStateUnexpected {
			return
		}
		if addr != AddressUnspecified && e.Addr != addr {
			return
		}
		if e.Tag&^ignore != tag&^ignore {
			return
		}
		found = e
	})
	return found
}
