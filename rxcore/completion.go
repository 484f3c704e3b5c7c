package rxcore

// processCompletions drains up to max events and errors from transport and
// dispatches each one to its owning entry, advancing state machines (spec.md
// §4.3). It is called once per transport per progress tick (spec.md §4.6
// steps 2-3).
func (ep *Endpoint) processCompletions(transport Transport, kind TransportKind, max int) error {
	events, err := transport.DrainCompletions(max)
	if err != nil {
		return err
	}
	for _, ev := range events {
		ep.dispatchCompletion(ev, kind)
	}
	errs, err := transport.DrainErrors(max)
	if err != nil {
		return err
	}
	for _, ce := range errs {
		ep.dispatchCompletionError(ce)
	}
	return nil
}

func (ep *Endpoint) dispatchCompletion(ev CompletionEvent, kind TransportKind) {
	switch ev.Opcode {
	case OpcodeSend:
		ep.handleSendCompletion(ev, kind)
	case OpcodeRecv:
		ep.handleRecvCompletion(ev, kind)
	case OpcodeRead:
		ep.handleReadCompletion(ev)
	}
}

// handleSendCompletion retires the packet this completion corresponds to
// from its owning entry's outstanding bookkeeping (spec.md §4.3 "send
// completions decrement the peer's outstanding-ops counter and, for data
// packets, advance bytes_acked").
func (ep *Endpoint) handleSendCompletion(ev CompletionEvent, kind TransportKind) {
	idx, isTx, ok := contextToEntry(ev.Context)
	if !ok || !isTx {
		return
	}
	entry := ep.txEntries.Get(idx)
	if entry == nil {
		return
	}
	if entry.peer != nil {
		entry.peer.unlinkOutstandingTxPkt(entry.index, true, kind)
	}
	entry.BytesAcked += ev.Len
	if entry.fullyAcked() {
		ep.completeTx(entry)
	}
}

// handleRecvCompletion resolves the sender, decodes the landed packet, and
// either advances a matched RxEntry or creates an unexpected one (spec.md
// §4.3, §4.5 step 1).
func (ep *Endpoint) handleRecvCompletion(ev CompletionEvent, kind TransportKind) {
	decoded, err := ep.codec.Decode(ev.Packet)
	if err != nil {
		return
	}

	srcAddr, resolved := ep.resolveSource(ev.SourceID, kind)

	if decoded.Kind == PacketHandshake {
		ep.handleHandshakeRecv(srcAddr, decoded)
		ep.repostInternal(kind)
		return
	}

	if decoded.EntryIsTx && decoded.Kind != PacketEager && decoded.Kind != PacketRTS {
		ep.handleTxControlRecv(decoded)
		ep.repostInternal(kind)
		return
	}

	entry, ok := ep.matchOrCreateRx(srcAddr, resolved, decoded)
	if ok {
		ep.advanceRxEntry(entry, decoded)
	}
	ep.repostInternal(kind)
}

// handleTxControlRecv dispatches a control packet addressed to a TxEntry:
// CTS extends its send window, EOR and delivery-complete RECEIPT finalize it
// (spec.md §4.4 steps 2-3, "long send with credit").
func (ep *Endpoint) handleTxControlRecv(decoded DecodedPacket) {
	entry := ep.txEntries.Get(decoded.EntryIndex)
	if entry == nil {
		return
	}
	switch decoded.Kind {
	case PacketCTS:
		entry.RemoteIndex = decoded.RemoteIndex
		entry.Window += decoded.Window
		if entry.State == TxStateReq {
			entry.State = TxStateSend
		}
		ep.txPendingList.PushBack(entry.index)
	case PacketEOR, PacketReceipt:
		entry.BytesAcked = entry.TotalLen
		if entry.fullyAcked() {
			ep.completeTx(entry)
		}
	}
}

// resolveSource asks the AddressResolver collaborator to turn a raw
// completion's source identity into an endpoint-level Address, per spec.md
// §4.3: "if unknown, the packet is still processed but its source is marked
// unavailable."
func (ep *Endpoint) resolveSource(src SourceID, kind TransportKind) (Address, bool) {
	if ep.resolver == nil {
		return AddressUnspecified, false
	}
	if kind == TransportSHM || src.IsSHM {
		return ep.resolver.TranslateSHMToEndpoint(src.SHMAddr)
	}
	return ep.resolver.PeerFromSourceID(src)
}

func (ep *Endpoint) repostInternal(kind TransportKind) {
	_ = ep.postInternalRecv(kind, 0)
}

func (ep *Endpoint) handleHandshakeRecv(srcAddr Address, decoded DecodedPacket) {
	if srcAddr == AddressUnspecified {
		return
	}
	peer := ep.getOrCreatePeer(srcAddr)
	peer.markHandshakeSent()
	_ = decoded.FeatureBits // feature negotiation is a no-op in this implementation
}

// matchOrCreateRx implements the unexpected-vs-posted matching rule (spec.md
// §4.5 step 1, §8 scenario 4): if a posted RxEntry is already waiting on this
// tag/address, it is matched immediately; otherwise a new entry is created
// in UNEXP state to wait for the application to post one.
func (ep *Endpoint) matchOrCreateRx(srcAddr Address, resolved bool, decoded DecodedPacket) (*RxEntry, bool) {
	if decoded.Kind != PacketEager && decoded.Kind != PacketRTS {
		// Control/data packets for an already-matched entry: dispatch by the
		// entry index the sender carried in the header.
		entry := ep.rxEntries.Get(decoded.EntryIndex)
		return entry, entry != nil
	}

	posted := ep.findPostedRx(srcAddr, decoded.Tag)
	if posted != nil {
		if posted.isMultiRecvParent() {
			need := decoded.TotalLen
			if need == 0 {
				need = len(decoded.Payload)
			}
			if child, ok := ep.carveMultiRecvChild(posted, need); ok {
				peer := ep.getOrCreatePeer(srcAddr)
				pkt := Packet{Kind: decoded.Kind, EntryIndex: decoded.EntryIndex, Bytes: decoded.Payload}
				unexp := RxEntry{}
				unexp.initUnexpected(child.Op, srcAddr, peer, &pkt, need, decoded.Tag)
				child.matchAgainstPosted(&unexp)
				return child, true
			}
			return nil, false
		}
		peer := ep.getOrCreatePeer(srcAddr)
		pkt := Packet{Kind: decoded.Kind, EntryIndex: decoded.EntryIndex, Bytes: decoded.Payload}
		unexp := RxEntry{}
		unexp.initUnexpected(posted.Op, srcAddr, peer, &pkt, decoded.TotalLen, decoded.Tag)
		posted.matchAgainstPosted(&unexp)
		return posted, true
	}

	entry, ok := ep.rxEntries.Acquire()
	if !ok {
		ep.rxEntries.Grow()
		entry, ok = ep.rxEntries.Acquire()
		if !ok {
			return nil, false
		}
	}
	peer := ep.getOrCreatePeer(srcAddr)
	pkt := Packet{Kind: decoded.Kind, EntryIndex: decoded.EntryIndex, Bytes: decoded.Payload}
	totalLen := decoded.TotalLen
	if totalLen == 0 {
		totalLen = len(decoded.Payload)
	}
	entry.initUnexpected(OpMsg, srcAddr, peer, &pkt, totalLen, decoded.Tag)
	ep.rxEntryList.PushBack(entry.index)
	return entry, true
}

// findPostedRx scans the live RxEntry list for a posted, unmatched entry
// whose tag accepts decoded.Tag (spec.md §4.5 step 1 "tag matching with an
// ignore mask"). Linear scan mirrors the teacher's own unexpected-queue walk
// in fi/messaging_test.go's fake provider; a production posted-queue would
// index by tag bucket, left as a documented scaling limit (spec.md §9).
func (ep *Endpoint) findPostedRx(addr Address, tag uint64) *RxEntry {
	var found *RxEntry
	ep.rxEntryList.Each(func(idx slotIndex) {
		if found != nil {
			return
		}
		e := ep.rxEntries.Get(idx)
		if e == nil || e.State != RxStateInit {
			return
		}
		if e.Addr != AddressUnspecified && e.Addr != addr {
			return
		}
		if e.Tag&^e.Ignore != tag&^e.Ignore {
			return
		}
		found = e
	})
	return found
}

// advanceRxEntry copies a decoded data packet's payload into the entry's IOV
// and advances its receive cursor (spec.md §4.5 step 2). Both the initial RTS
// and every subsequent data packet give the receiver a chance to extend the
// sender's window (spec.md §8 scenario 2, "further packets only after a
// window-extension control packet"): landing a data packet frees the buffer
// space it occupied, which is returned to the peer's credit balance before
// the next extension is requested.
func (ep *Endpoint) advanceRxEntry(entry *RxEntry, decoded DecodedPacket) {
	if len(decoded.Payload) > 0 {
		seg := entry.nextSegment()
		n := copy(seg, decoded.Payload)
		entry.advanceCursor(n)
		if decoded.Kind == PacketData && entry.peer != nil {
			entry.peer.TxCredits++
		}
	}
	if decoded.Kind == PacketRTS && entry.peer != nil {
		entry.RemoteIndex = decoded.EntryIndex
	}
	if (decoded.Kind == PacketRTS || decoded.Kind == PacketData) && entry.peer != nil && !entry.fullyReceived() {
		remaining := entry.TotalLen - entry.BytesReceived
		credits, ok := requestCredit(entry.peer, remaining, ep.cfg.MaxDataPayloadSize, ep.cfg.TxMinCredits)
		if ok && credits > 0 {
			fields := ControlFields{EntryIndex: entry.RemoteIndex, EntryIsTx: true, RemoteIndex: entry.index, Window: credits * ep.cfg.MaxDataPayloadSize, Tag: entry.Tag}
			ep.queueRxControl(entry, fields, PacketCTS)
		}
	}
	if entry.fullyReceived() {
		ep.completeRx(entry)
	}
}

func (ep *Endpoint) queueRxControl(entry *RxEntry, fields ControlFields, kind PacketKind) {
	pkt, err := ep.codec.EncodeControl(fields, kind)
	if err != nil {
		return
	}
	_, tkind := ep.transportFor(entry.peer)
	qp := queuedPacket{pkt: pkt, dest: entry.Addr, kind: tkind}
	if err := ep.postPacket(qp, nil); err != nil {
		entry.queueCtrl(qp)
		entry.peer.rxQueuedCtrl.PushBack(entry.index)
	}
}

func (ep *Endpoint) handleReadCompletion(ev CompletionEvent) {
	idx, isTx, ok := contextToEntry(ev.Context)
	if !ok || !isTx {
		return
	}
	entry := ep.txEntries.Get(idx)
	if entry == nil {
		return
	}
	ep.readPendingList.Remove(idx)
	entry.BytesAcked = entry.TotalLen
	ep.completeTx(entry)
}

func (ep *Endpoint) dispatchCompletionError(ce CompletionError) {
	idx, isTx, ok := contextToEntry(ce.Context)
	if !ok {
		return
	}
	comp := Completion{Err: ce.Err, ProviderErr: ce.ProviderErr}
	if isTx {
		if entry := ep.txEntries.Get(idx); entry != nil {
			comp.Context = entry.context
			comp.Flags = entry.Completion.Flags
			entry.releaseProviderMRs()
			ep.txEntryList.Remove(entry.index)
			ep.txEntries.Release(entry.index)
		}
	} else {
		if entry := ep.rxEntries.Get(idx); entry != nil {
			comp.Context = entry.context
			comp.Flags = entry.Completion.Flags
			entry.releaseProviderMRs()
			ep.rxEntryList.Remove(entry.index)
			ep.rxEntries.Release(entry.index)
		}
	}
	ep.writeCompletion(comp)
}

// completeTx writes the terminal completion for entry and returns it to the
// pool (spec.md §4.4 step 5).
func (ep *Endpoint) completeTx(entry *TxEntry) {
	entry.State = TxStateDone
	c := entry.Completion
	c.Len = entry.TotalLen
	entry.releaseProviderMRs()
	ep.txEntryList.Remove(entry.index)
	ep.txEntries.Release(entry.index)
	ep.writeCompletion(c)
}

// completeRx writes the terminal completion for entry and, if it is a
// multi-receive consumer child, notifies its parent (spec.md §4.5 "Multi-
// receive buffers").
func (ep *Endpoint) completeRx(entry *RxEntry) {
	entry.State = RxStateDone
	c := entry.Completion
	c.Len = entry.BytesReceived
	c.Addr = entry.Addr
	entry.releaseProviderMRs()
	ep.rxEntryList.Remove(entry.index)

	parent := entry.multiRecvParent
	ep.rxEntries.Release(entry.index)
	ep.writeCompletion(c)

	if parent != nil && parent.childConsumerDone(entry.index) {
		ep.completeRx(parent)
	}
}
