package rxcore

import (
	"errors"
	"time"
	"unsafe"
)

// postPacket is the lowest-level posting primitive (spec.md §4.2 "send").
// On success the packet is linked into the peer's outstanding-TX list and
// the transport-specific outstanding counter is incremented. On transient
// back-pressure it returns ErrAgain so the caller re-queues; any other
// error fails the owning entry.
func (ep *Endpoint) postPacket(qp queuedPacket, ctx unsafe.Pointer) error {
	transport, kind := ep.transportForKind(qp.kind)
	req := PostRequest{
		IOV:     []IOVec{{Buf: qp.pkt.Bytes}},
		Dest:    qp.dest,
		Context: ctx,
		Flags:   qp.flags,
		Desc:    qp.desc,
	}
	err := transport.PostSend(req)
	switch {
	case err == nil:
		if peer, ok := ep.peers[qp.dest]; ok {
			peer.linkOutstandingTxPkt(qp.pkt, kind)
		}
		return nil
	case errors.Is(err, ErrAgain):
		return ErrAgain
	case errors.Is(err, ErrReceiverNotReady):
		return ErrReceiverNotReady
	default:
		return err
	}
}

func (ep *Endpoint) transportForKind(kind TransportKind) (Transport, TransportKind) {
	if kind == TransportSHM && ep.shm != nil {
		return ep.shm, TransportSHM
	}
	return ep.nic, TransportNIC
}

// postUserRecv treats the application's posted receive buffer as the
// backing store for the landed packet, so data arrives without an extra
// copy (spec.md §4.2 "post_user_recv"). The entry's first IOV segment must
// be the destination buffer; the entry's state is left at INIT.
func (ep *Endpoint) postUserRecv(entry *RxEntry, flags PostFlags) error {
	if entry.IOVCount == 0 {
		return InvalidStateError{Component: "RxEntry", State: entry.State.String(), Detail: "no IOV to post"}
	}
	var desc []any
	if entry.IOV[0].MR != nil {
		desc = []any{entry.IOV[0].MR.Descriptor()}
	}
	req := PostRequest{
		IOV:   []IOVec{entry.IOV[0]},
		Dest:  AddressUnspecified,
		Flags: flags,
		Desc:  desc,
	}
	if err := ep.nic.PostRecv(req); err != nil {
		return err
	}
	// entry stays INIT: posting the buffer to the NIC only reserves the
	// landing site. Tag/address matching against an arriving packet (spec.md
	// §3 state table, "INIT: matched receive (application-posted)... awaiting
	// match") happens in findPostedRx, which scans for RxStateInit.
	return nil
}

// postInternalRecv posts one provider-owned packet-pool buffer as a
// wildcard receive on the given transport (spec.md §4.2
// "post_internal_recv").
func (ep *Endpoint) postInternalRecv(kind TransportKind, flags PostFlags) error {
	transport, _ := ep.transportForKind(kind)
	pool := ep.packetPoolFor(kind)
	if pool == nil {
		return nil
	}
	slot, ok := pool.Acquire()
	if !ok {
		return ErrPoolExhausted
	}
	var desc []any
	if slot.Reg != nil {
		desc = []any{slot.Reg.Descriptor()}
	}
	req := PostRequest{
		IOV:   []IOVec{{Buf: slot.Buf}},
		Dest:  AddressUnspecified,
		Flags: flags,
		Desc:  desc,
	}
	if err := transport.PostRecv(req); err != nil {
		pool.Release(slot.Index)
		return err
	}
	return nil
}

// bulkPostInternalRecv posts n internal receive buffers, marking all but
// the last with PostFlagMore to let the transport defer its doorbell
// (spec.md §4.2 "bulk_post_internal_recv").
func (ep *Endpoint) bulkPostInternalRecv(n int, kind TransportKind) (posted int, err error) {
	for i := 0; i < n; i++ {
		flags := PostFlagMore
		if i == n-1 {
			flags = 0
		}
		if postErr := ep.postInternalRecv(kind, flags); postErr != nil {
			if errors.Is(postErr, ErrPoolExhausted) || errors.Is(postErr, ErrAgain) {
				return i, nil
			}
			return i, postErr
		}
		posted++
	}
	return posted, nil
}

// protocol names the wire protocol the posting layer selects per transfer,
// a function of total length, MTU, and read capability (spec.md §4.4 step
// 1).
type protocol int

const (
	protocolEager protocol = iota
	protocolLongCredit
	protocolLongRead
)

func selectProtocol(totalLen, maxDataPayloadSize int, supportsRead bool) protocol {
	if totalLen <= maxDataPayloadSize {
		return protocolEager
	}
	if supportsRead {
		return protocolLongRead
	}
	return protocolLongCredit
}

// postTxData posts as many data packets from entry as the peer's transport
// outstanding-ops quota and flow-control window allow, in bytes_sent order
// (spec.md §4.6 step 9). It uses PostFlagMore on every packet except the
// one carrying the message's final bytes.
func (ep *Endpoint) postTxData(entry *TxEntry, peer *Peer, kind TransportKind, maxOutstanding int) error {
	pool := ep.packetPoolFor(kind)
	for entry.remaining() > 0 && entry.Window > 0 {
		if *peer.outstandingForTransport(kind) >= maxOutstanding {
			break
		}
		seg := entry.nextSegment()
		if len(seg) == 0 {
			break
		}
		n := len(seg)
		if n > ep.mtu() {
			n = ep.mtu()
		}
		if n > entry.Window {
			n = entry.Window
		}
		payload := seg[:n]
		slot, ok := pool.Acquire()
		if !ok {
			return ErrPoolExhausted
		}
		pkt, err := ep.codec.EncodeData(entry, entry.BytesSent, payload)
		if err != nil {
			pool.Release(slot.Index)
			return err
		}
		more := PostFlags(0)
		if entry.remaining()-n > 0 {
			more = PostFlagMore
		}
		ctx := newEntryContext(entry.index, true)
		qp := queuedPacket{pkt: pkt, dest: entry.Dest, kind: kind, flags: more, ctx: ctx}
		if postErr := ep.postPacket(qp, ctx); postErr != nil {
			pool.Release(slot.Index)
			if errors.Is(postErr, ErrAgain) {
				return nil // retried next tick; nothing queued, no bytes consumed
			}
			if errors.Is(postErr, ErrReceiverNotReady) {
				ep.enterPeerBackoff(peer)
				// The packet is already fully encoded and queued for a
				// guaranteed verbatim retry (drainTxQueuedRNR), so the
				// cursor advances now rather than waiting for that retry to
				// land: otherwise this entry both stays eligible for
				// drivePendingSends (remaining() still counting these bytes
				// unsent) and sits on peer.txQueuedRNR, and the two paths
				// repost the same bytes once backoff clears.
				entry.advanceCursor(n)
				entry.Window -= n
				entry.queueRNR(qp)
				peer.txQueuedRNR.PushBack(entry.Index())
				return nil
			}
			return postErr
		}
		entry.advanceCursor(n)
		entry.Window -= n
		entry.State = TxStateSend
	}
	return nil
}

func (ep *Endpoint) enterPeerBackoff(peer *Peer) {
	peer.enterBackoff(time.Now(), ep.cfg.RNRBackoffInitial, ep.cfg.RNRBackoffMax)
}
