package rxcore

import "time"

// maxCompletionsPerDrain bounds how many completions a single Progress call
// reads off one transport's queue, so one endpoint can never starve its
// peers by looping until a queue runs dry (spec.md §4.6).
const maxCompletionsPerDrain = 64

// maxOutstandingPerPeerTransport bounds in-flight posts per peer per
// transport (spec.md §5, "efa_outstanding_tx_ops ... bounded by an
// implementation-defined limit").
const maxOutstandingPerPeerTransport = 128

// Progress runs one tick of the single-threaded cooperative progress engine
// (spec.md §4.6). Steps run in a fixed order grounded on
// original_source/rxr_ep.c:rxr_ep_progress_internal: watchdog, then each
// transport's completions, then internal-buffer replenishment, then expired
// backoffs, then the four queued-retry lists (RX before TX in both RNR and
// control), then pending data sends, then pending reads.
func (ep *Endpoint) Progress() error {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if ep.closed {
		return ErrClosed
	}

	ep.runWatchdog()

	if ep.nic != nil {
		if err := ep.processCompletions(ep.nic, TransportNIC, maxCompletionsPerDrain); err != nil {
			return err
		}
	}
	if ep.shm != nil {
		if err := ep.processCompletions(ep.shm, TransportSHM, maxCompletionsPerDrain); err != nil {
			return err
		}
	}

	ep.replenishInternalRecv()

	ep.expireBackoffs()

	ep.drainQueuedHandshakes()
	ep.drainRxQueuedRNR()
	ep.drainTxQueuedRNR()
	ep.drainRxQueuedCtrl()
	ep.drainTxQueuedCtrl()

	ep.drivePendingSends()
	ep.drivePendingReads()

	return ep.flushTransports()
}

// flushTransports rings the doorbell on every deferred post accumulated this
// tick via PostFlagMore (spec.md §4.6 step 11, "flush any batched sends
// accumulated with more to come"). It runs last so every earlier step in
// this same tick — handshake retries, RNR/ctrl retries, pending data sends —
// has had a chance to queue into the batch before it goes out.
func (ep *Endpoint) flushTransports() error {
	if ep.nic != nil {
		if err := ep.nic.Flush(); err != nil {
			return err
		}
	}
	if ep.shm != nil {
		if err := ep.shm.Flush(); err != nil {
			return err
		}
	}
	return nil
}

// replenishInternalRecv acts only on its first call: it grows each packet
// pool by one chunk and posts PacketPoolChunk/2 internal wildcard receives
// per transport (spec.md §4.1, §4.6 step 4). Later calls do nothing; after
// that, one internal receive is reposted per landed packet (repostInternal).
func (ep *Endpoint) replenishInternalRecv() {
	if !ep.grownOnce {
		_ = ep.packetPoolNIC.Grow()
		if ep.packetPoolSHM != nil {
			_ = ep.packetPoolSHM.Grow()
		}
		ep.grownOnce = true
		if ep.nic != nil {
			_, _ = ep.bulkPostInternalRecv(ep.cfg.PacketPoolChunk/2, TransportNIC)
		}
		if ep.shm != nil {
			_, _ = ep.bulkPostInternalRecv(ep.cfg.PacketPoolChunk/2, TransportSHM)
		}
	}
}

func (ep *Endpoint) expireBackoffs() {
	now := time.Now()
	for _, peer := range ep.peers {
		peer.expireBackoff(now)
	}
}

// drainQueuedHandshakes (re)sends the first-contact handshake packet to
// every peer that has one queued but not yet sent (spec.md §4.6 step 6).
func (ep *Endpoint) drainQueuedHandshakes() {
	remaining := ep.handshakeQueuedPeers[:0]
	for _, addr := range ep.handshakeQueuedPeers {
		peer, ok := ep.peers[addr]
		if !ok || !peer.handshakeQueued() {
			continue
		}
		if peer.InBackoff(time.Now()) {
			remaining = append(remaining, addr)
			continue
		}
		pkt, err := ep.codec.EncodeHandshake(0)
		if err != nil {
			continue
		}
		_, kind := ep.transportFor(peer)
		qp := queuedPacket{pkt: pkt, dest: addr, kind: kind}
		if err := ep.postPacket(qp, nil); err != nil {
			remaining = append(remaining, addr)
			continue
		}
		peer.markHandshakeSent()
	}
	ep.handshakeQueuedPeers = remaining
}

// drainRxQueuedRNR retries every RxEntry control packet that previously hit
// RNR, for peers whose backoff has expired (spec.md §4.6 step 7, "RX before
// TX").
func (ep *Endpoint) drainRxQueuedRNR() {
	for _, peer := range ep.peers {
		if peer.InBackoff(time.Now()) {
			continue
		}
		peer.rxQueuedRNR.Each(func(idx slotIndex) {
			entry := ep.rxEntries.Get(idx)
			if entry == nil {
				peer.rxQueuedRNR.Remove(idx)
				return
			}
			ep.retryQueuedPackets(&entry.queuedPkts, func() {
				entry.State = RxStateRecv
				peer.rxQueuedRNR.Remove(idx)
			})
		})
	}
}

func (ep *Endpoint) drainTxQueuedRNR() {
	for _, peer := range ep.peers {
		if peer.InBackoff(time.Now()) {
			continue
		}
		peer.txQueuedRNR.Each(func(idx slotIndex) {
			entry := ep.txEntries.Get(idx)
			if entry == nil {
				peer.txQueuedRNR.Remove(idx)
				return
			}
			ep.retryQueuedPackets(&entry.queuedPkts, func() {
				entry.State = TxStateSend
				peer.txQueuedRNR.Remove(idx)
			})
		})
	}
}

func (ep *Endpoint) drainRxQueuedCtrl() {
	for _, peer := range ep.peers {
		peer.rxQueuedCtrl.Each(func(idx slotIndex) {
			entry := ep.rxEntries.Get(idx)
			if entry == nil {
				peer.rxQueuedCtrl.Remove(idx)
				return
			}
			ep.retryQueuedPackets(&entry.queuedPkts, func() {
				entry.State = RxStateRecv
				peer.rxQueuedCtrl.Remove(idx)
			})
		})
	}
}

func (ep *Endpoint) drainTxQueuedCtrl() {
	for _, peer := range ep.peers {
		peer.txQueuedCtrl.Each(func(idx slotIndex) {
			entry := ep.txEntries.Get(idx)
			if entry == nil {
				peer.txQueuedCtrl.Remove(idx)
				return
			}
			ep.retryQueuedPackets(&entry.queuedPkts, func() {
				entry.State = TxStateSend
				peer.txQueuedCtrl.Remove(idx)
			})
		})
	}
}

// retryQueuedPackets re-posts every packet in *pkts in order, stopping at
// the first failure. On full success it clears *pkts and calls onDone.
func (ep *Endpoint) retryQueuedPackets(pkts *[]queuedPacket, onDone func()) {
	sent := 0
	for _, qp := range *pkts {
		if err := ep.postPacket(qp, qp.ctx); err != nil {
			break
		}
		sent++
	}
	*pkts = append([]queuedPacket{}, (*pkts)[sent:]...)
	if len(*pkts) == 0 {
		onDone()
	}
}

// drivePendingSends posts outstanding data packets for every TxEntry on the
// endpoint's pending-send list, respecting each peer's flow-control window
// and outstanding-ops quota (spec.md §4.6 step 9).
func (ep *Endpoint) drivePendingSends() {
	ep.txPendingList.Each(func(idx slotIndex) {
		entry := ep.txEntries.Get(idx)
		if entry == nil {
			ep.txPendingList.Remove(idx)
			return
		}
		peer := entry.peer
		if peer == nil || peer.InBackoff(time.Now()) {
			return
		}
		_, kind := ep.transportFor(peer)
		if err := ep.postTxData(entry, peer, kind, maxOutstandingPerPeerTransport); err != nil {
			return
		}
		if entry.remaining() == 0 {
			ep.txPendingList.Remove(idx)
		}
	})
}

// drivePendingReads polls every TxEntry submitted to the ReadEngine,
// completing ones that have finished (spec.md §4.6 step 10, §4.9).
func (ep *Endpoint) drivePendingReads() {
	if ep.readEng == nil {
		return
	}
	ep.readPendingList.Each(func(idx slotIndex) {
		entry := ep.txEntries.Get(idx)
		if entry == nil {
			ep.readPendingList.Remove(idx)
			return
		}
		done, err := ep.readEng.Poll(entry)
		if err != nil {
			ep.readPendingList.Remove(idx)
			entry.Completion.Err = err
			ep.completeTx(entry)
			return
		}
		if done {
			ep.readPendingList.Remove(idx)
			entry.BytesAcked = entry.TotalLen
			ep.completeTx(entry)
		}
	})
}
