package rxcore

import "unsafe"

// Bind associates the endpoint with its address vector, required before
// Enable (spec.md §4.7 step 1). Submitting or posting before Bind fails
// with ErrNotEnabled.
func (ep *Endpoint) Bind() error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.closed {
		return ErrClosed
	}
	if ep.resolver == nil {
		return InvalidStateError{Component: "Endpoint", State: "Bind", Detail: "no address resolver configured"}
	}
	ep.boundAV = true
	return nil
}

// Enable transitions the endpoint into a state where user operations may be
// submitted (spec.md §4.7 step 2): it reads back the endpoint's own raw
// address, registers a SHM-reachable name if a SHM transport is configured,
// and declares which optional protocol features this build supports.
func (ep *Endpoint) Enable() error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.closed {
		return ErrClosed
	}
	if !ep.boundAV {
		return InvalidStateError{Component: "Endpoint", State: "Enable", Detail: "endpoint not bound"}
	}
	if ep.nic == nil {
		return InvalidStateError{Component: "Endpoint", State: "Enable", Detail: "no NIC transport configured"}
	}
	ep.supportsRead = ep.nic.SupportsRead()
	ep.constantHeaderLenZCopy = true
	ep.supportsDeliveryComplete = true
	if ep.minMultiRecv <= 0 {
		ep.minMultiRecv = ep.cfg.MinMultiRecv
	}
	ep.enabled = true
	return nil
}

// queueHandshake marks addr as needing a handshake packet, sent on the next
// progress tick (spec.md §4.4 step 1, "first contact with a peer").
func (ep *Endpoint) queueHandshake(peer *Peer) {
	if peer.handshakeQueued() || peer.handshakeSent() {
		return
	}
	peer.markHandshakeQueued()
	ep.handshakeQueuedPeers = append(ep.handshakeQueuedPeers, peer.Addr)
}

// CancelRecv cancels a previously posted receive identified by its
// application context pointer (spec.md §4.7 step 3, §9 Open Question 3). An
// entry still in INIT or MATCHED is removed immediately with a CANCELED
// completion. An entry already in RECV (partway through receiving) instead
// has cancellation deferred: it is marked RECV_CANCEL and only resolved once
// its last byte lands or, for a multi-receive parent, once its last
// consumer child finishes.
func (ep *Endpoint) CancelRecv(ctx unsafe.Pointer) bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	var target *RxEntry
	ep.rxEntryList.Each(func(idx slotIndex) {
		if target != nil {
			return
		}
		e := ep.rxEntries.Get(idx)
		if e != nil && e.context == ctx {
			target = e
		}
	})
	if target == nil {
		return false
	}

	switch target.State {
	case RxStateInit, RxStateMatched, RxStateUnexpected:
		if target.isMultiRecvParent() {
			if !target.cancelMultiRecvParent() {
				return true // deferred; completion fires when the last child finishes
			}
		}
		target.Completion.Err = ErrCanceled
		ep.completeRx(target)
		return true
	case RxStateRecv:
		if target.isMultiRecvParent() {
			target.cancelMultiRecvParent()
			return true
		}
		target.State = RxStateRecvCancel
		return true
	default:
		return false
	}
}

// Close tears down the endpoint (spec.md §4.7 step 4): every remaining
// TxEntry and RxEntry is an orphan at this point by definition (the
// application is expected to have drained all completions first), so each
// one is logged and released rather than silently dropped.
func (ep *Endpoint) Close() error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.closed {
		return nil
	}

	ep.txEntryList.Each(func(idx slotIndex) {
		if e := ep.txEntries.Get(idx); e != nil {
			ep.warn("rxrep: closing endpoint with orphaned TxEntry %d in state %s", idx, e.State)
			e.releaseProviderMRs()
			ep.txEntries.Release(idx)
		}
	})
	ep.txEntryList = newIndexList()
	ep.txPendingList = newIndexList()
	ep.readPendingList = newIndexList()
	ep.rxEntryList.Each(func(idx slotIndex) {
		if e := ep.rxEntries.Get(idx); e != nil {
			ep.warn("rxrep: closing endpoint with orphaned RxEntry %d in state %s", idx, e.State)
			e.releaseProviderMRs()
			ep.rxEntries.Release(idx)
		}
	})
	ep.rxEntryList = newIndexList()

	ep.packetPoolNIC.Close()
	if ep.packetPoolSHM != nil {
		ep.packetPoolSHM.Close()
	}

	ep.peers = nil
	ep.closed = true
	ep.enabled = false
	return nil
}
